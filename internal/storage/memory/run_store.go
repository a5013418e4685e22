package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/manga-aggregator/internal/store"
)

// RunStore keeps crawl run history in memory.
type RunStore struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]*store.Run
}

// NewRunStore constructs an empty RunStore.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[uuid.UUID]*store.Run)}
}

// StartRun creates the run in running state; repeating it only refreshes
// started_at.
func (s *RunStore) StartRun(_ context.Context, runID uuid.UUID, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run, ok := s.runs[runID]; ok {
		run.StartedAt = startedAt
		return nil
	}
	s.runs[runID] = &store.Run{ID: runID, StartedAt: startedAt, Status: store.RunRunning}
	return nil
}

// RecordSource upserts one source outcome keyed by source id.
func (s *RunStore) RecordSource(_ context.Context, runID uuid.UUID, outcome store.SourceOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	for i := range run.Sources {
		if run.Sources[i].SourceID == outcome.SourceID {
			run.Sources[i] = outcome
			return nil
		}
	}
	run.Sources = append(run.Sources, outcome)
	return nil
}

// FinishRun marks the run terminal.
func (s *RunStore) FinishRun(
	_ context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	ts := finishedAt
	run.FinishedAt = &ts
	run.Status = status
	run.ErrorMessage = nil
	if errMsg != nil {
		msg := *errMsg
		run.ErrorMessage = &msg
	}
	return nil
}

// GetRun returns a copy of the run.
func (s *RunStore) GetRun(_ context.Context, runID uuid.UUID) (store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.Run{}, store.ErrNotFound
	}
	return copyRun(run), nil
}

// ListRuns returns runs newest first without their source outcomes.
func (s *RunStore) ListRuns(_ context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runs := make([]store.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if status != nil && run.Status != *status {
			continue
		}
		cp := copyRun(run)
		cp.Sources = nil
		runs = append(runs, cp)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	if offset >= len(runs) {
		return []store.Run{}, nil
	}
	runs = runs[offset:]
	if limit > 0 && limit < len(runs) {
		runs = runs[:limit]
	}
	return runs, nil
}

func copyRun(run *store.Run) store.Run {
	out := *run
	out.Sources = append([]store.SourceOutcome(nil), run.Sources...)
	if run.FinishedAt != nil {
		ts := *run.FinishedAt
		out.FinishedAt = &ts
	}
	if run.ErrorMessage != nil {
		msg := *run.ErrorMessage
		out.ErrorMessage = &msg
	}
	return out
}
