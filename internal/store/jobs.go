package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Job statuses persisted in import_jobs.
const (
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// Job is the persisted mirror of an import run, for clients that poll
// instead of holding the streaming connection open.
type Job struct {
	ID             string
	Status         string
	ProgressPct    int
	ProgressStatus string
	Result         sql.NullString
	ErrorMessage   sql.NullString
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ErrJobNotFound is returned when no job row exists for the given ID.
var ErrJobNotFound = errors.New("job not found")

// ErrJobExists is returned when a job row with the given ID already exists.
var ErrJobExists = errors.New("job already exists")

// CreateJob inserts a new job row in the queued state. The first progress
// update promotes it to processing.
func (s *Store) CreateJob(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO import_jobs (id, status, progress_pct, progress_status, created_at, updated_at)
		VALUES (?, ?, 0, '', ?, ?)
	`, id, JobStatusQueued, now, now)
	if isSQLiteError(err, "UNIQUE constraint") {
		return fmt.Errorf("create job %s: %w", id, ErrJobExists)
	}
	if err != nil {
		return fmt.Errorf("create job %s: %w", id, err)
	}
	return nil
}

// UpdateJobProgress overwrites the job's current progress snapshot. A job
// that reports progress is running, so a queued job is promoted to
// processing; terminal statuses are left alone.
func (s *Store) UpdateJobProgress(ctx context.Context, id string, pct int, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE import_jobs
		SET progress_pct = ?, progress_status = ?,
		    status = CASE WHEN status = ? THEN ? ELSE status END,
		    updated_at = ?
		WHERE id = ?
	`, pct, status, JobStatusQueued, JobStatusProcessing, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// FinishJob records a terminal state. result carries the JSON-encoded run
// result for successful runs; errMsg carries the failure message otherwise.
func (s *Store) FinishJob(ctx context.Context, id, status string, pct int, progressStatus, result, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE import_jobs
		SET status = ?, progress_pct = ?, progress_status = ?,
		    result = NULLIF(?, ''), error_message = NULLIF(?, ''), updated_at = ?
		WHERE id = ?
	`, status, pct, progressStatus, result, errMsg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("finish job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// GetJob loads one job row.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	var j Job
	err := s.db.QueryRowContext(ctx, `
		SELECT id, status, progress_pct, progress_status, result, error_message, created_at, updated_at
		FROM import_jobs
		WHERE id = ?
	`, id).Scan(&j.ID, &j.Status, &j.ProgressPct, &j.ProgressStatus,
		&j.Result, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return &j, nil
}
