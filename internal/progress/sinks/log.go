package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/manga-aggregator/internal/progress"
)

// LogSink writes one structured line per event. Source failures log at warn.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		level := zapcore.InfoLevel
		if evt.Stage == progress.StageSourceError || evt.Stage == progress.StageRunError {
			level = zapcore.WarnLevel
		}
		fields := []zap.Field{
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.Stage.IsRunStage() {
			if evt.Total > 0 {
				fields = append(fields, zap.Int("sources", evt.Total))
			}
		} else {
			fields = append(fields, zap.String("source", evt.Source), zap.Int("source_id", evt.SourceID))
		}
		if evt.Stage != progress.StageRunStart && evt.Stage != progress.StageSourceStart {
			fields = append(fields,
				zap.Int("fetched", evt.Fetched),
				zap.Int("merged", evt.Merged),
				zap.Int("chapters", evt.Chapters),
				zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		if ce := s.logger.Check(level, "progress event"); ce != nil {
			ce.Write(fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
