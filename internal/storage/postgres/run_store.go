package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/manga-aggregator/internal/store"
)

// RunStore implements store.RunRepository on the crawl_runs tables.
type RunStore struct {
	db DB
}

// NewRunStore wraps db.
func NewRunStore(db DB) *RunStore {
	return &RunStore{db: db}
}

// StartRun inserts a running row; repeating it refreshes started_at.
func (s *RunStore) StartRun(ctx context.Context, runID uuid.UUID, startedAt time.Time) error {
	query := `
		INSERT INTO crawl_runs (id, started_at, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET started_at = EXCLUDED.started_at;
	`
	if _, err := s.db.Exec(ctx, query, runID, startedAt, string(store.RunRunning)); err != nil {
		return fmt.Errorf("failed to start run: %w", err)
	}
	return nil
}

// RecordSource upserts one source outcome.
func (s *RunStore) RecordSource(ctx context.Context, runID uuid.UUID, outcome store.SourceOutcome) error {
	query := `
		INSERT INTO crawl_run_sources (run_id, source_id, source, fetched, merged, chapters, error, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id, source_id) DO UPDATE
		SET source = EXCLUDED.source, fetched = EXCLUDED.fetched, merged = EXCLUDED.merged,
			chapters = EXCLUDED.chapters, error = EXCLUDED.error, finished_at = EXCLUDED.finished_at;
	`
	_, err := s.db.Exec(ctx, query,
		runID,
		outcome.SourceID,
		outcome.Source,
		outcome.Fetched,
		outcome.Merged,
		outcome.Chapters,
		outcome.Error,
		outcome.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record source outcome: %w", err)
	}
	return nil
}

// FinishRun marks a run terminal. Unknown runs yield store.ErrNotFound.
func (s *RunStore) FinishRun(
	ctx context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	query := `
		UPDATE crawl_runs
		SET finished_at = $1, status = $2, error_message = $3
		WHERE id = $4;
	`
	tag, err := s.db.Exec(ctx, query, finishedAt, string(status), errMsg, runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// GetRun loads a run and its source outcomes.
func (s *RunStore) GetRun(ctx context.Context, runID uuid.UUID) (store.Run, error) {
	query := `
		SELECT id, started_at, finished_at, status, error_message
		FROM crawl_runs
		WHERE id = $1;
	`
	run, err := scanRun(s.db.QueryRow(ctx, query, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Run{}, store.ErrNotFound
		}
		return store.Run{}, fmt.Errorf("failed to get run: %w", err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT source_id, source, fetched, merged, chapters, error, finished_at
		FROM crawl_run_sources
		WHERE run_id = $1
		ORDER BY finished_at, source_id;
	`, runID)
	if err != nil {
		return store.Run{}, fmt.Errorf("failed to list run sources: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var o store.SourceOutcome
		if err := rows.Scan(&o.SourceID, &o.Source, &o.Fetched, &o.Merged, &o.Chapters, &o.Error, &o.FinishedAt); err != nil {
			return store.Run{}, fmt.Errorf("failed to scan run source row: %w", err)
		}
		run.Sources = append(run.Sources, o)
	}
	if err := rows.Err(); err != nil {
		return store.Run{}, fmt.Errorf("failed to iterate run sources: %w", err)
	}
	return run, nil
}

// ListRuns returns runs newest first, optionally filtered by status.
func (s *RunStore) ListRuns(ctx context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	query := `
		SELECT id, started_at, finished_at, status, error_message
		FROM crawl_runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	var filter *string
	if status != nil {
		v := string(*status)
		filter = &v
	}
	rows, err := s.db.Query(ctx, query, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []store.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

func scanRun(row pgx.Row) (store.Run, error) {
	var (
		run    store.Run
		status string
	)
	if err := row.Scan(&run.ID, &run.StartedAt, &run.FinishedAt, &status, &run.ErrorMessage); err != nil {
		return store.Run{}, err
	}
	run.Status = store.RunStatus(status)
	return run, nil
}
