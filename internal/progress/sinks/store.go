package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/manga-aggregator/internal/progress"
	"github.com/JakeFAU/manga-aggregator/internal/store"
)

// StoreSink persists run history through a store.RunRepository. Events are
// applied in order so a run row exists before its source outcomes.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume forwards run and source milestones to the repository. The first
// repository error aborts the batch and is returned wrapped.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	for _, evt := range batch {
		if err := s.apply(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

func (s *StoreSink) apply(ctx context.Context, evt progress.Event) error {
	runID := evt.RunUUID()
	switch evt.Stage {
	case progress.StageRunStart:
		if err := s.repo.StartRun(ctx, runID, evt.TS); err != nil {
			return fmt.Errorf("start run: %w", err)
		}
	case progress.StageRunDone:
		return s.finish(ctx, evt, store.RunSuccess)
	case progress.StageRunError:
		return s.finish(ctx, evt, store.RunError)
	case progress.StageRunCanceled:
		return s.finish(ctx, evt, store.RunCanceled)
	case progress.StageSourceDone, progress.StageSourceError:
		outcome := store.SourceOutcome{
			SourceID:   evt.SourceID,
			Source:     evt.Source,
			Fetched:    evt.Fetched,
			Merged:     evt.Merged,
			Chapters:   evt.Chapters,
			FinishedAt: evt.TS,
		}
		if evt.Stage == progress.StageSourceError {
			outcome.Error = evt.Note
		}
		if err := s.repo.RecordSource(ctx, runID, outcome); err != nil {
			return fmt.Errorf("record source %s: %w", evt.Source, err)
		}
	}
	return nil
}

func (s *StoreSink) finish(ctx context.Context, evt progress.Event, status store.RunStatus) error {
	var note *string
	if evt.Note != "" {
		n := evt.Note
		note = &n
	}
	if err := s.repo.FinishRun(ctx, evt.RunUUID(), evt.TS, status, note); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	s.logger.Debug("run history persisted", zap.String("run_id", evt.RunUUID().String()), zap.String("status", string(status)))
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
