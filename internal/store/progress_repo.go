package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// RunStatus mirrors the crawl_runs status column.
type RunStatus string

// Crawl run statuses persisted in crawl_runs.status.
const (
	RunRunning  RunStatus = "running"
	RunSuccess  RunStatus = "success"
	RunError    RunStatus = "error"
	RunCanceled RunStatus = "canceled"
)

// Run models one crawl invocation for the history API.
type Run struct {
	ID uuid.UUID
	// StartedAt captures when the run was launched.
	StartedAt time.Time
	// FinishedAt is nil until the run reaches a terminal status.
	FinishedAt *time.Time
	Status     RunStatus
	// ErrorMessage carries the run-fatal error, if any.
	ErrorMessage *string
	Sources      []SourceOutcome
}

// SourceOutcome is one source's contribution to a run.
type SourceOutcome struct {
	SourceID int
	Source   string
	Fetched  int
	Merged   int
	Chapters int
	// Error is empty when the source completed.
	Error      string
	FinishedAt time.Time
}

// RunRepository persists crawl run history.
type RunRepository interface {
	// StartRun inserts (or idempotently updates) the run's started_at timestamp.
	StartRun(ctx context.Context, runID uuid.UUID, startedAt time.Time) error
	// RecordSource upserts the outcome of one source within a run.
	RecordSource(ctx context.Context, runID uuid.UUID, outcome SourceOutcome) error
	// FinishRun marks the run terminal with the provided status and error.
	FinishRun(ctx context.Context, runID uuid.UUID, finishedAt time.Time, status RunStatus, errMsg *string) error
	// GetRun loads a run with its source outcomes or returns ErrNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (Run, error)
	// ListRuns returns runs newest first, filtered by optional status.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]Run, error)
}
