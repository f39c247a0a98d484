// Package scheduler provides cron-based scheduling for automated imports.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// RunFunc is the callback invoked when a scheduled import should run. It
// receives the job ID for the run's persisted mirror.
type RunFunc func(ctx context.Context, jobID string) error

// Status reports the scheduler's current state.
type Status struct {
	Scheduled bool      `json:"scheduled"`
	Running   bool      `json:"running"`
	Schedule  string    `json:"schedule,omitempty"`
	LastRun   time.Time `json:"last_run,omitempty"`
	NextRun   time.Time `json:"next_run,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Scheduler triggers the import pipeline on a cron schedule. At most one
// import runs at a time; overlapping triggers are skipped.
type Scheduler struct {
	cron    *cron.Cron
	runFunc RunFunc
	logger  *slog.Logger

	mu       sync.RWMutex
	entryID  cron.EntryID
	schedule string
	running  bool
	lastRun  time.Time
	lastErr  error

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
}

// New creates a Scheduler with the given run callback.
func New(runFunc RunFunc) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
		))),
		runFunc: runFunc,
		logger:  slog.Default(),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// WithLogger sets the logger for the scheduler.
func (s *Scheduler) WithLogger(logger *slog.Logger) *Scheduler {
	s.logger = logger
	return s
}

// SetSchedule installs the import schedule, replacing any existing one.
// Returns an error if the cron expression is invalid.
func (s *Scheduler) SetSchedule(cronExpr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule != "" {
		s.cron.Remove(s.entryID)
		s.schedule = ""
	}

	entryID, err := s.cron.AddFunc(cronExpr, func() {
		s.mu.Lock()
		if s.stopped || s.running {
			s.mu.Unlock()
			return
		}
		s.running = true
		s.wg.Add(1)
		s.mu.Unlock()
		s.runImport()
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}

	s.entryID = entryID
	s.schedule = cronExpr
	s.logger.Info("scheduled import",
		"schedule", cronExpr,
		"next_run", s.cron.Entry(entryID).Next)
	return nil
}

// Start begins executing the schedule.
func (s *Scheduler) Start() {
	s.mu.Lock()
	s.started = true
	s.stopped = false
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started")
}

// IsRunning returns true if the scheduler has been started and not stopped.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started && !s.stopped
}

// Stop gracefully stops the scheduler, cancels a running import and waits
// for it to finish. Returns a context that is done when all work completes.
func (s *Scheduler) Stop() context.Context {
	s.logger.Info("scheduler stopping")

	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	cronCtx := s.cron.Stop()
	s.cancel()

	done := make(chan struct{})
	go func() {
		<-cronCtx.Done()
		s.wg.Wait()
		close(done)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-done
		cancel()
	}()
	return ctx
}

// TriggerImport manually starts an import outside the schedule. Returns an
// error if one is already running or the scheduler has been stopped.
func (s *Scheduler) TriggerImport() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return fmt.Errorf("scheduler is stopped")
	}
	if s.running {
		return fmt.Errorf("an import is already running")
	}

	s.running = true
	s.wg.Add(1)
	go s.runImport()
	return nil
}

// runImport executes one import. The caller must have already called
// wg.Add(1) and set running = true.
func (s *Scheduler) runImport() {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	jobID := fmt.Sprintf("scheduled-%s", time.Now().UTC().Format("20060102-150405"))
	s.logger.Info("starting scheduled import", "job_id", jobID)
	start := time.Now()

	err := s.runFunc(s.ctx, jobID)

	s.mu.Lock()
	if err != nil {
		s.lastErr = err
		s.logger.Error("scheduled import failed",
			"job_id", jobID,
			"duration", time.Since(start),
			"error", err)
	} else {
		s.lastRun = time.Now()
		s.lastErr = nil
		s.logger.Info("scheduled import completed",
			"job_id", jobID,
			"duration", time.Since(start))
	}
	s.mu.Unlock()
}

// Status returns the scheduler's current state.
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		Scheduled: s.schedule != "",
		Running:   s.running,
		Schedule:  s.schedule,
		LastRun:   s.lastRun,
	}
	if s.schedule != "" {
		st.NextRun = s.cron.Entry(s.entryID).Next
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// ValidateCronExpr validates a cron expression without scheduling anything.
func ValidateCronExpr(expr string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}
