package sinks

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/schollz/progressbar/v3"

	"github.com/JakeFAU/manga-aggregator/internal/progress"
)

// BarSink draws a terminal progress bar that advances once per finished
// source. A new bar is started on every RUN_START.
type BarSink struct {
	mu       sync.Mutex
	out      io.Writer
	bar      *progressbar.ProgressBar
	done     int
	failures int
}

// NewBarSink renders to out.
func NewBarSink(out io.Writer) *BarSink {
	return &BarSink{out: out}
}

func (s *BarSink) newBar(total int) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(s.out),
		progressbar.OptionSetDescription("crawling"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}

// Consume advances the bar.
func (s *BarSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			s.bar = s.newBar(evt.Total)
			s.done, s.failures = 0, 0
		case progress.StageSourceStart:
			if s.bar != nil {
				s.bar.Describe(evt.Source)
			}
		case progress.StageSourceDone, progress.StageSourceError:
			s.done++
			if evt.Stage == progress.StageSourceError {
				s.failures++
			}
			if s.bar != nil {
				if err := s.bar.Add(1); err != nil {
					return fmt.Errorf("advance progress bar: %w", err)
				}
			}
		case progress.StageRunDone, progress.StageRunError, progress.StageRunCanceled:
			if s.bar == nil {
				continue
			}
			s.bar.Describe(fmt.Sprintf("done (%d failed)", s.failures))
			if err := s.bar.Finish(); err != nil {
				return fmt.Errorf("finish progress bar: %w", err)
			}
			s.bar = nil
		}
	}
	return nil
}

// Completed reports finished sources and how many of them failed in the
// current or most recent run.
func (s *BarSink) Completed() (done, failed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done, s.failures
}

// Close finishes a bar left open by an interrupted run.
func (s *BarSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bar == nil {
		return nil
	}
	err := s.bar.Finish()
	s.bar = nil
	if err != nil {
		return fmt.Errorf("finish progress bar: %w", err)
	}
	return nil
}
