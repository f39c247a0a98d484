package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jcabraleslara/padron-importer/internal/store"
)

// emitter fans progress out to the frame channel and the persisted job
// mirror. Mirror writes are fire-and-forget and throttled; heartbeat frames
// go to the channel only.
type emitter struct {
	ctx    context.Context
	frames chan<- Frame
	st     *store.Store
	jobID  string
	logger *slog.Logger

	mu         sync.Mutex
	lastMirror time.Time
	lastPhase  string
	lastStatus string
	lastPct    int

	mirrors sync.WaitGroup // in-flight mirror writes
}

func newEmitter(ctx context.Context, frames chan<- Frame, st *store.Store, jobID string, logger *slog.Logger) *emitter {
	return &emitter{ctx: ctx, frames: frames, st: st, jobID: jobID, logger: logger}
}

// send delivers a frame unless the consumer is gone.
func (e *emitter) send(f Frame) {
	select {
	case e.frames <- f:
	case <-e.ctx.Done():
	}
}

// progress emits a phase frame and mirrors it to the job row at most once
// per mirrorInterval.
func (e *emitter) progress(phase, status string, pct int) {
	e.mu.Lock()
	e.lastPhase, e.lastStatus, e.lastPct = phase, status, pct
	mirror := time.Since(e.lastMirror) >= mirrorInterval
	if mirror {
		e.lastMirror = time.Now()
	}
	e.mu.Unlock()

	e.send(Frame{Phase: phase, Status: status, Pct: pct})
	if mirror {
		e.mirrorProgress(pct, status)
	}
}

// startHeartbeat launches the keep-alive ticker. Heartbeats carry pct -1
// and are never persisted. The returned func stops the ticker.
func (e *emitter) startHeartbeat() func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.mu.Lock()
				status := e.lastStatus
				e.mu.Unlock()
				e.send(Frame{Phase: PhaseHeartbeat, Status: status, Pct: -1})
			case <-done:
				return
			case <-e.ctx.Done():
				return
			}
		}
	}()
	return func() { close(done) }
}

// terminalDone emits the final done frame and persists the terminal job
// state immediately, bypassing the mirror throttle.
func (e *emitter) terminalDone(result *Result) {
	e.terminalDoneWithStatus("completed", result)
}

func (e *emitter) terminalDoneWithStatus(status string, result *Result) {
	e.send(Frame{Phase: PhaseDone, Status: status, Pct: 100, Result: result})
	e.finishJob(store.JobStatusCompleted, 100, status, resultJSON(result), "")
}

// terminalError emits the error frame and marks the job failed.
func (e *emitter) terminalError(err error) {
	msg := terminalErrorMessage(err)
	e.send(Frame{Phase: PhaseError, Status: "failed", Pct: 0, Error: msg})
	e.finishJob(store.JobStatusFailed, 0, "failed", "", msg)
}

// mirrorProgress updates the job row off the hot path.
func (e *emitter) mirrorProgress(pct int, status string) {
	e.mirrors.Add(1)
	go func() {
		defer e.mirrors.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.st.UpdateJobProgress(ctx, e.jobID, pct, status); err != nil {
			e.logger.Warn("job mirror update failed", "job_id", e.jobID, "error", err)
		}
	}()
}

// finishJob persists terminal state synchronously so the row is consistent
// before the stream closes. Uses a fresh context: the run context may
// already be cancelled.
func (e *emitter) finishJob(status string, pct int, progressStatus, result, errMsg string) {
	e.mirrors.Wait()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.st.FinishJob(ctx, e.jobID, status, pct, progressStatus, result, errMsg); err != nil {
		e.logger.Warn("job terminal update failed", "job_id", e.jobID, "error", err)
	}
}
