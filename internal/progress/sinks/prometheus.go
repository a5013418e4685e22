package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/manga-aggregator/internal/progress"
)

// PrometheusSink exports run and per-source crawl outcomes. Collectors are
// registered on the supplied registry so tests can use an isolated one.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runDuration   *prometheus.HistogramVec

	sourceRuns     *prometheus.CounterVec
	sourceItems    *prometheus.CounterVec
	sourceChapters *prometheus.CounterVec
	sourceDuration *prometheus.HistogramVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against reg (default registerer when nil).
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aggregator_runs_started_total",
			Help: "Crawl runs launched.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aggregator_runs_completed_total",
			Help: "Crawl runs finished partitioned by result.",
		}, []string{"result"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aggregator_runs_running",
			Help: "Crawl runs currently in flight.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aggregator_run_duration_seconds",
			Help:    "Wall time per finished run.",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 2400, 3600},
		}, []string{"result"}),
		sourceRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aggregator_source_runs_total",
			Help: "Per-source crawl completions partitioned by result.",
		}, []string{"source", "result"}),
		sourceItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aggregator_source_items_total",
			Help: "Catalog items per source partitioned by kind (fetched, merged).",
		}, []string{"source", "kind"}),
		sourceChapters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aggregator_source_chapters_total",
			Help: "Chapters listed per source.",
		}, []string{"source"}),
		sourceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aggregator_source_duration_seconds",
			Help:    "Wall time spent per source.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"source", "result"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runDuration,
		s.sourceRuns,
		s.sourceItems,
		s.sourceChapters,
		s.sourceDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			s.runsStarted.Inc()
			if s.tracker.start(evt.RunID) {
				s.runsRunning.Inc()
			}
		case progress.StageRunDone:
			s.finishRun(evt, "success")
		case progress.StageRunError:
			s.finishRun(evt, "error")
		case progress.StageRunCanceled:
			s.finishRun(evt, "canceled")
		case progress.StageSourceDone:
			s.finishSource(evt, "success")
		case progress.StageSourceError:
			s.finishSource(evt, "error")
		}
	}
	return nil
}

func (s *PrometheusSink) finishRun(evt progress.Event, result string) {
	s.runsCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.runDuration.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.RunID) {
		s.runsRunning.Dec()
	}
}

func (s *PrometheusSink) finishSource(evt progress.Event, result string) {
	s.sourceRuns.WithLabelValues(evt.Source, result).Inc()
	if evt.Fetched > 0 {
		s.sourceItems.WithLabelValues(evt.Source, "fetched").Add(float64(evt.Fetched))
	}
	if evt.Merged > 0 {
		s.sourceItems.WithLabelValues(evt.Source, "merged").Add(float64(evt.Merged))
	}
	if evt.Chapters > 0 {
		s.sourceChapters.WithLabelValues(evt.Source).Add(float64(evt.Chapters))
	}
	if evt.Dur > 0 {
		s.sourceDuration.WithLabelValues(evt.Source, result).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

// runTracker keeps the running gauge honest when terminal events repeat.
type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
