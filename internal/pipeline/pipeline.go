// Package pipeline orchestrates one import run end to end: mailbox fetch,
// archive extraction, normalization, merge, reconciliation and cleanup,
// narrating progress through a frame channel.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/oauth2"

	"github.com/jcabraleslara/padron-importer/internal/archive"
	"github.com/jcabraleslara/padron-importer/internal/config"
	"github.com/jcabraleslara/padron-importer/internal/fetch"
	"github.com/jcabraleslara/padron-importer/internal/msgraph"
	"github.com/jcabraleslara/padron-importer/internal/normalize"
	"github.com/jcabraleslara/padron-importer/internal/refdata"
	"github.com/jcabraleslara/padron-importer/internal/store"
)

// Pipeline phases, in execution order.
const (
	PhaseAuth      = "auth"
	PhaseFolder    = "folder-lookup"
	PhaseListing   = "message-listing"
	PhaseDownload  = "download"
	PhaseExtract   = "extract"
	PhaseReference = "load-reference"
	PhaseParse     = "parse"
	PhaseUpsert    = "upsert"
	PhaseReconcile = "reconcile-orphans"
	PhaseCleanup   = "cleanup"
	PhaseHistory   = "history"
	PhaseNotify    = "notify"
	PhaseDone      = "done"
	PhaseError     = "error"
	PhaseHeartbeat = "heartbeat"
)

const (
	// heartbeatInterval paces the keep-alive frames on the stream.
	heartbeatInterval = 5 * time.Second
	// mirrorInterval throttles persisted job updates. Terminal frames
	// bypass the throttle.
	mirrorInterval = 3 * time.Second
	// upsertChunkSize bounds each merge transaction.
	upsertChunkSize = 5000
	// frameBuffer bounds the progress channel so slow consumers do not
	// stall phase transitions.
	frameBuffer = 64
)

// Frame is one NDJSON progress event.
type Frame struct {
	Phase  string  `json:"phase"`
	Status string  `json:"status,omitempty"`
	Pct    int     `json:"pct"`
	Result *Result `json:"result,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// Result summarizes a completed run.
type Result struct {
	Success        int    `json:"success"`
	Errors         int    `json:"errors"`
	Duplicates     int    `json:"duplicates"`
	TotalProcessed int    `json:"total_processed"`
	Duration       string `json:"duration"`
	InfoReport     string `json:"info_report"`
}

// Pipeline wires the run's collaborators together.
type Pipeline struct {
	graph  msgraph.API
	tokens oauth2.TokenSource
	st     *store.Store
	cfg    *config.Config
	logger *slog.Logger
}

// New creates a Pipeline. tokens backs the up-front auth check; logger may
// be nil.
func New(graph msgraph.API, tokens oauth2.TokenSource, st *store.Store, cfg *config.Config, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{graph: graph, tokens: tokens, st: st, cfg: cfg, logger: logger}
}

// Run executes one import and returns the frame channel. The channel is
// closed after the terminal frame. jobID identifies the persisted mirror
// row, which must already exist.
func (p *Pipeline) Run(ctx context.Context, jobID string) <-chan Frame {
	frames := make(chan Frame, frameBuffer)
	go func() {
		defer close(frames)

		em := newEmitter(ctx, frames, p.st, jobID, p.logger)
		stop := em.startHeartbeat()
		defer stop()

		if err := p.run(ctx, em); err != nil {
			p.logger.Error("import run failed", "job_id", jobID, "error", err)
			em.terminalError(err)
		}
	}()
	return frames
}

// run walks the phases. A returned error becomes the terminal error frame;
// nil means a terminal done frame was already emitted.
func (p *Pipeline) run(ctx context.Context, em *emitter) error {
	start := time.Now()

	em.progress(PhaseAuth, "authenticating", 5)
	if err := msgraph.VerifyToken(p.tokens); err != nil {
		p.logger.Error("authentication with mail service failed", "error", err)
		return fmt.Errorf("authenticate: %w", err)
	}

	em.progress(PhaseFolder, "locating import folder", 10)
	folderID, err := p.graph.FindFolder(ctx, p.cfg.Graph.Folder)
	if err != nil {
		return fmt.Errorf("find folder %q: %w", p.cfg.Graph.Folder, err)
	}

	em.progress(PhaseListing, "listing messages", 20)
	em.progress(PhaseDownload, "downloading attachments", 35)
	fetcher := fetch.New(p.graph, p.cfg.Location(), p.cfg.Import.DownloadConcurrency).
		WithLogger(p.logger)
	fetched, err := fetcher.Fetch(ctx, folderID)
	if err != nil {
		return fmt.Errorf("fetch batch: %w", err)
	}

	if fetched.MessagesSeen == 0 {
		return p.shortCircuit(ctx, em, start, "no messages in folder", nil)
	}
	if len(fetched.Archives) == 0 {
		return p.shortCircuit(ctx, em, start, "no archives in current batch", fetched)
	}

	em.progress(PhaseExtract, "extracting archives", 45)
	inputs := make([]archive.Input, len(fetched.Archives))
	for i, a := range fetched.Archives {
		inputs[i] = archive.Input{Name: a.Name, Data: a.Data}
	}
	blobs := archive.New(p.logger).ExtractAll(inputs)
	if len(blobs) == 0 {
		return p.shortCircuit(ctx, em, start, "no tabular entries in archives", fetched)
	}

	em.progress(PhaseReference, "loading reference data", 50)
	lookups, err := refdata.NewLoader(p.st, p.logger).Load(ctx)
	if err != nil {
		return fmt.Errorf("load reference data: %w", err)
	}

	em.progress(PhaseParse, "normalizing records", 65)
	norm := normalize.New(lookups, p.logger).Normalize(blobs)
	if len(norm.Records) == 0 {
		return p.shortCircuit(ctx, em, start, "no valid records after normalization", fetched)
	}

	em.progress(PhaseUpsert, "merging records", 85)
	watermark := time.Now().UTC()
	merged, upsertErrors := p.upsertChunks(ctx, norm.Records)

	em.progress(PhaseReconcile, "reconciling orphans", 90)
	orphaned, err := p.st.MarkOrphans(ctx, p.cfg.Import.SourceLabel, watermark)
	if err != nil {
		p.logger.Warn("orphan reconciliation failed", "error", err)
	}

	em.progress(PhaseCleanup, "cleaning up mailbox", 95)
	p.cleanup(ctx, fetched)

	result := &Result{
		Success:        merged.Inserted + merged.Updated,
		Errors:         upsertErrors,
		Duplicates:     norm.Stats.Duplicates,
		TotalProcessed: len(norm.Records),
		Duration:       time.Since(start).Round(time.Millisecond).String(),
		InfoReport:     buildInfoReport(norm.Stats, merged, int(orphaned)),
	}

	em.progress(PhaseHistory, "recording run history", 98)
	p.recordHistory(ctx, norm.Stats, merged, int(orphaned), time.Since(start))

	em.progress(PhaseNotify, "sending notification", 98)
	p.notify(ctx, result)

	em.terminalDone(result)
	return nil
}

// shortCircuit ends a run early with an empty result, still clearing the
// stale backlog so it does not accumulate.
func (p *Pipeline) shortCircuit(ctx context.Context, em *emitter, start time.Time, status string, fetched *fetch.Result) error {
	p.logger.Info("import run short-circuited", "reason", status)
	if fetched != nil {
		em.progress(PhaseCleanup, "cleaning up mailbox", 95)
		p.cleanup(ctx, fetched)
	}
	em.terminalDoneWithStatus(status, &Result{
		Duration: time.Since(start).Round(time.Millisecond).String(),
	})
	return nil
}

// upsertChunks merges records in fixed-size chunks. A failed chunk counts
// its records as errors and the run continues with the next chunk.
func (p *Pipeline) upsertChunks(ctx context.Context, records []*store.Affiliate) (store.MergeResult, int) {
	chunkSize := p.cfg.Import.ChunkSize
	if chunkSize <= 0 {
		chunkSize = upsertChunkSize
	}

	var total store.MergeResult
	var errored int
	for i := 0; i < len(records); i += chunkSize {
		end := i + chunkSize
		if end > len(records) {
			end = len(records)
		}
		chunk := records[i:end]
		res, err := p.st.MergeAffiliates(ctx, chunk, p.cfg.Import.SourceLabel)
		if err != nil {
			errored += len(chunk)
			p.logger.Error("chunk merge failed",
				"offset", i, "size", len(chunk), "error", err)
			continue
		}
		total.Inserted += res.Inserted
		total.Updated += res.Updated
	}
	return total, errored
}

// cleanup deletes processed and stale messages. Failures are logged only;
// leftover messages are retried by the next run.
func (p *Pipeline) cleanup(ctx context.Context, fetched *fetch.Result) {
	ids := make([]string, 0, len(fetched.Processed)+len(fetched.Stale))
	ids = append(ids, fetched.Processed...)
	ids = append(ids, fetched.Stale...)
	for _, id := range ids {
		if err := p.graph.DeleteMessage(ctx, id); err != nil {
			p.logger.Warn("delete message failed", "message_id", id, "error", err)
		}
	}
}

// recordHistory appends the run to import_history. Best effort.
func (p *Pipeline) recordHistory(ctx context.Context, stats *normalize.Stats, merged store.MergeResult, orphaned int, dur time.Duration) {
	err := p.st.InsertHistory(ctx, store.HistoryEntry{
		SourceLabel: p.cfg.Import.SourceLabel,
		TotalLines:  stats.TotalLines,
		Discarded:   stats.Discarded,
		Duplicates:  stats.Duplicates,
		Inserted:    merged.Inserted,
		Updated:     merged.Updated,
		Merged:      merged.Inserted + merged.Updated,
		Orphaned:    orphaned,
		DurationMs:  dur.Milliseconds(),
		Detail:      buildInfoReport(stats, merged, orphaned),
	})
	if err != nil {
		p.logger.Warn("record history failed", "error", err)
	}
}

// resultJSON renders the terminal result for the persisted job row.
func resultJSON(r *Result) string {
	b, err := json.Marshal(r)
	if err != nil {
		return ""
	}
	return string(b)
}

// terminalErrorMessage formats the failure for clients, with the cause
// chain flattened.
func terminalErrorMessage(err error) string {
	return eris.ToString(eris.Wrap(err, "import failed"), false)
}
