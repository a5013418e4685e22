// Package orchestrator runs crawl invocations: it walks the selected sources
// in configured order, folds their listings into one canonical set and
// commits the set in a single catalog transaction.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/manga-aggregator/internal/catalog"
	"github.com/JakeFAU/manga-aggregator/internal/progress"
	"github.com/JakeFAU/manga-aggregator/internal/source"
	"github.com/JakeFAU/manga-aggregator/internal/store"
)

var (
	// ErrAlreadyRunning is returned when a run is launched while another one
	// is in flight.
	ErrAlreadyRunning = errors.New("a crawl run is already in progress")
	// ErrCanceled marks a run stopped through Cancel or its context.
	ErrCanceled = errors.New("crawl run canceled")
	// ErrNoSources is returned when the filter selects nothing.
	ErrNoSources = errors.New("no enabled sources match the filter")
)

// SourceSelector yields the sources a run visits; *source.Registry satisfies it.
type SourceSelector interface {
	Select(f source.Filter) []source.Registered
}

// Publisher delivers the run summary once a run ends.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// IDGenerator issues run ids and canonical entry ids.
type IDGenerator interface {
	NewID() (string, error)
	NewRawID() (uuid.UUID, error)
}

// Config holds the run knobs.
type Config struct {
	// Pause separates consecutive sources.
	Pause time.Duration
	// SourceTimeout bounds one source's listing and chapter fetches.
	SourceTimeout time.Duration
	// FetchChapters lists chapters for every link a source touched.
	FetchChapters bool
	// Query is passed to every adapter; empty means the default listing.
	Query string
	// Topic is the summary topic; empty disables publishing.
	Topic string
}

// Options wires an Orchestrator.
type Options struct {
	Sources   SourceSelector
	Store     store.CatalogStore
	Tracker   *progress.Tracker
	Events    progress.Emitter
	Publisher Publisher
	IDs       IDGenerator
	Tracer    trace.Tracer
	Logger    *zap.Logger
	Config    Config
}

// Orchestrator serializes crawl runs. At most one run is in flight.
type Orchestrator struct {
	sources   SourceSelector
	store     store.CatalogStore
	tracker   *progress.Tracker
	events    progress.Emitter
	publisher Publisher
	ids       IDGenerator
	tracer    trace.Tracer
	logger    *zap.Logger
	cfg       Config

	running  atomic.Bool
	canceled atomic.Bool
	wg       sync.WaitGroup
	sleep    func(ctx context.Context, d time.Duration) error
}

// New validates opts.
func New(opts Options) (*Orchestrator, error) {
	if opts.Sources == nil {
		return nil, errors.New("orchestrator: source selector is required")
	}
	if opts.Store == nil {
		return nil, errors.New("orchestrator: catalog store is required")
	}
	if opts.IDs == nil {
		return nil, errors.New("orchestrator: id generator is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracker := opts.Tracker
	if tracker == nil {
		tracker = progress.NewTracker(nil)
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/JakeFAU/manga-aggregator/internal/orchestrator")
	}
	cfg := opts.Config
	if cfg.Pause < 0 {
		cfg.Pause = 0
	}
	return &Orchestrator{
		sources:   opts.Sources,
		store:     opts.Store,
		tracker:   tracker,
		events:    opts.Events,
		publisher: opts.Publisher,
		ids:       opts.IDs,
		tracer:    tracer,
		logger:    logger.Named("orchestrator"),
		cfg:       cfg,
		sleep:     sleepCtx,
	}, nil
}

// Tracker exposes the progress record the orchestrator writes.
func (o *Orchestrator) Tracker() *progress.Tracker {
	return o.tracker
}

// Launch claims the run slot, marks progress running and returns the run id.
// The run itself continues in the background, detached from ctx.
func (o *Orchestrator) Launch(ctx context.Context, filter source.Filter) (string, error) {
	r, err := o.prepare(filter)
	if err != nil {
		return "", err
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		_, _ = o.execute(context.WithoutCancel(ctx), r)
	}()
	return r.id.String(), nil
}

// Run executes one run and blocks until it ends. Canceling ctx stops the run
// at the next poll point, as Cancel does.
func (o *Orchestrator) Run(ctx context.Context, filter source.Filter) (Summary, error) {
	r, err := o.prepare(filter)
	if err != nil {
		return Summary{}, err
	}
	return o.execute(ctx, r)
}

// Cancel asks the in-flight run to stop between sources or chapter fetches.
// It reports whether a run was in flight.
func (o *Orchestrator) Cancel() bool {
	if !o.running.Load() {
		return false
	}
	o.canceled.Store(true)
	o.logger.Info("cancel requested")
	return true
}

// Running reports whether a run is in flight.
func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

// Wait blocks until background runs finish or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) prepare(filter source.Filter) (*run, error) {
	selected := o.sources.Select(filter)
	if len(selected) == 0 {
		return nil, ErrNoSources
	}
	if !o.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	id, err := o.ids.NewRawID()
	if err != nil {
		o.running.Store(false)
		return nil, fmt.Errorf("assign run id: %w", err)
	}
	srcs := make([]catalog.Source, 0, len(selected))
	for _, s := range selected {
		srcs = append(srcs, s.Source)
	}
	if !o.tracker.Begin(id.String(), srcs) {
		o.running.Store(false)
		return nil, ErrAlreadyRunning
	}
	o.canceled.Store(false)
	snap := o.tracker.Snapshot()
	return &run{id: id, sources: selected, started: *snap.StartedAt}, nil
}

func (o *Orchestrator) emit(evt progress.Event) {
	if o.events == nil {
		return
	}
	o.events.Emit(evt)
}

func (o *Orchestrator) stopRequested(ctx context.Context) bool {
	return o.canceled.Load() || ctx.Err() != nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
