package store

import (
	"context"
	"fmt"
	"time"
)

// HistoryEntry is one completed import run, kept for auditing.
type HistoryEntry struct {
	ID          int64
	SourceLabel string
	TotalLines  int
	Discarded   int
	Duplicates  int
	Inserted    int
	Updated     int
	Merged      int
	Orphaned    int
	DurationMs  int64
	Detail      string
	CreatedAt   time.Time
}

// InsertHistory appends a run record to import_history.
func (s *Store) InsertHistory(ctx context.Context, e HistoryEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO import_history
			(source_label, total_lines, discarded, duplicates, inserted, updated,
			 merged, orphaned, duration_ms, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.SourceLabel, e.TotalLines, e.Discarded, e.Duplicates, e.Inserted, e.Updated,
		e.Merged, e.Orphaned, e.DurationMs, e.Detail, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

// ListHistory returns the most recent run records, newest first.
func (s *Store) ListHistory(ctx context.Context, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_label, total_lines, discarded, duplicates, inserted, updated,
		       merged, orphaned, duration_ms, detail, created_at
		FROM import_history
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.ID, &e.SourceLabel, &e.TotalLines, &e.Discarded, &e.Duplicates,
			&e.Inserted, &e.Updated, &e.Merged, &e.Orphaned, &e.DurationMs, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
