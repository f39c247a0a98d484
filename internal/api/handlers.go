package api

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/jcabraleslara/padron-importer/internal/store"
)

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, err string, message string) {
	writeJSON(w, status, ErrorResponse{Error: err, Message: message})
}

// importRequest is the optional body of POST /api/v1/import.
type importRequest struct {
	JobID string `json:"job_id"`
}

// handleImport starts an import run and streams its progress as NDJSON
// until the terminal frame.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "Response writer does not support streaming")
		return
	}

	var req importRequest
	if body, err := io.ReadAll(io.LimitReader(r.Body, 4096)); err == nil && len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "Body must be JSON")
			return
		}
	}
	jobID := req.JobID
	if jobID == "" {
		jobID = newJobID()
	}

	if err := s.store.CreateJob(r.Context(), jobID); err != nil {
		if errors.Is(err, store.ErrJobExists) {
			writeError(w, http.StatusConflict, "job_exists", "A job with this ID already exists")
			return
		}
		s.logger.Error("failed to create job", "job_id", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to create job")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for frame := range s.runner.Run(r.Context(), jobID) {
		if err := enc.Encode(frame); err != nil {
			// Client went away. The request context cancels the run, and
			// the emitter still persists the terminal (failed) job state.
			s.logger.Debug("import stream write failed", "job_id", jobID, "error", err)
			return
		}
		flusher.Flush()
	}
}

// handleGetJob returns the persisted state of one import job.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "No job with this ID")
		return
	}
	if err != nil {
		s.logger.Error("failed to get job", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to retrieve job")
		return
	}

	resp := JobResponse{
		ID:             job.ID,
		Status:         job.Status,
		ProgressPct:    job.ProgressPct,
		ProgressStatus: job.ProgressStatus,
		UpdatedAt:      job.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
	if job.Result.Valid {
		resp.Result = json.RawMessage(job.Result.String)
	}
	if job.ErrorMessage.Valid {
		resp.Error = job.ErrorMessage.String
	}
	writeJSON(w, http.StatusOK, resp)
}

// JobResponse represents a job in API responses.
type JobResponse struct {
	ID             string          `json:"id"`
	Status         string          `json:"status"`
	ProgressPct    int             `json:"progress_pct"`
	ProgressStatus string          `json:"progress_status,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	UpdatedAt      string          `json:"updated_at"`
}

// HistoryItem represents one past run in API responses.
type HistoryItem struct {
	ID         int64  `json:"id"`
	TotalLines int    `json:"total_lines"`
	Discarded  int    `json:"discarded"`
	Duplicates int    `json:"duplicates"`
	Inserted   int    `json:"inserted"`
	Updated    int    `json:"updated"`
	Orphaned   int    `json:"orphaned"`
	DurationMs int64  `json:"duration_ms"`
	CreatedAt  string `json:"created_at"`
}

// handleHistory returns the most recent import runs.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	entries, err := s.store.ListHistory(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list history", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to retrieve history")
		return
	}

	items := make([]HistoryItem, len(entries))
	for i, e := range entries {
		items[i] = HistoryItem{
			ID:         e.ID,
			TotalLines: e.TotalLines,
			Discarded:  e.Discarded,
			Duplicates: e.Duplicates,
			Inserted:   e.Inserted,
			Updated:    e.Updated,
			Orphaned:   e.Orphaned,
			DurationMs: e.DurationMs,
			CreatedAt:  e.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"history": items})
}

// StatsResponse represents the registry statistics.
type StatsResponse struct {
	TotalAffiliates int64 `json:"total_affiliates"`
	FreshAffiliates int64 `json:"fresh_affiliates"`
	TotalJobs       int64 `json:"total_jobs"`
	TotalRuns       int64 `json:"total_runs"`
	DatabaseSize    int64 `json:"database_size_bytes"`
}

// handleStats returns registry statistics.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats()
	if err != nil {
		s.logger.Error("failed to get stats", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to retrieve statistics")
		return
	}

	writeJSON(w, http.StatusOK, StatsResponse{
		TotalAffiliates: stats.AffiliateCount,
		FreshAffiliates: stats.FreshCount,
		TotalJobs:       stats.JobCount,
		TotalRuns:       stats.HistoryCount,
		DatabaseSize:    stats.DatabaseSize,
	})
}

// newJobID generates a random job identifier.
func newJobID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
