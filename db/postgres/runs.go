package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BeginRun opens a ledger entry for a new ingestion run.
func (s *Store) BeginRun(ctx context.Context, source, endpoint string) (uuid.UUID, error) {
	id := uuid.New()
	const insert = `
		INSERT INTO ingestion_runs (id, source, endpoint, status, started_at)
		VALUES ($1, $2, $3, $4, NOW())
	`
	if _, err := s.pool.Exec(ctx, insert, id, source, endpoint, RunStatusRunning); err != nil {
		return uuid.Nil, fmt.Errorf("begin run: %w", err)
	}
	return id, nil
}

// FinishRun finalizes a ledger entry. Called on every exit path, so
// operators can see partial progress even after an aborted run.
func (s *Store) FinishRun(ctx context.Context, id uuid.UUID, status string, counts RunCounts, errText string) error {
	const update = `
		UPDATE ingestion_runs
		SET status = $2,
		    rows_staged = $3, rows_inserted = $4, rows_updated = $5,
		    rows_skipped = $6, rows_failed = $7,
		    error = $8,
		    finished_at = NOW(),
		    duration_ms = (EXTRACT(EPOCH FROM (NOW() - started_at)) * 1000)::BIGINT
		WHERE id = $1
	`
	if _, err := s.pool.Exec(ctx, update, id, status,
		counts.Staged, counts.Inserted, counts.Updated, counts.Skipped, counts.Failed,
		errText,
	); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// RecentRuns lists the latest ledger entries, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `
		SELECT id, source, endpoint, status,
		       rows_staged, rows_inserted, rows_updated, rows_skipped, rows_failed,
		       error, started_at, finished_at, COALESCE(duration_ms, 0)
		FROM ingestion_runs
		ORDER BY started_at DESC
		LIMIT $1
	`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		var (
			r          Run
			durationMS int64
		)
		if err := rows.Scan(
			&r.ID, &r.Source, &r.Endpoint, &r.Status,
			&r.Counts.Staged, &r.Counts.Inserted, &r.Counts.Updated,
			&r.Counts.Skipped, &r.Counts.Failed,
			&r.Error, &r.StartedAt, &r.FinishedAt, &durationMS,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Duration = time.Duration(durationMS) * time.Millisecond
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}
