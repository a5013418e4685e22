// Package server provides the application composition root: it builds every
// collaborator from config and runs the HTTP surface or a single crawl.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/manga-aggregator/internal/api"
	"github.com/JakeFAU/manga-aggregator/internal/browser"
	"github.com/JakeFAU/manga-aggregator/internal/catalog"
	"github.com/JakeFAU/manga-aggregator/internal/clock/system"
	"github.com/JakeFAU/manga-aggregator/internal/config"
	"github.com/JakeFAU/manga-aggregator/internal/fetch"
	"github.com/JakeFAU/manga-aggregator/internal/hash/sha256"
	"github.com/JakeFAU/manga-aggregator/internal/id/uuid"
	"github.com/JakeFAU/manga-aggregator/internal/logging"
	"github.com/JakeFAU/manga-aggregator/internal/metrics"
	"github.com/JakeFAU/manga-aggregator/internal/orchestrator"
	"github.com/JakeFAU/manga-aggregator/internal/policy/ratelimit"
	"github.com/JakeFAU/manga-aggregator/internal/progress"
	progresssinks "github.com/JakeFAU/manga-aggregator/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/manga-aggregator/internal/publisher/pubsub"
	"github.com/JakeFAU/manga-aggregator/internal/source"
	gcsstorage "github.com/JakeFAU/manga-aggregator/internal/storage/gcs"
	localstorage "github.com/JakeFAU/manga-aggregator/internal/storage/local"
	memorystorage "github.com/JakeFAU/manga-aggregator/internal/storage/memory"
	pgstore "github.com/JakeFAU/manga-aggregator/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/manga-aggregator/internal/storage/sqlite"
	"github.com/JakeFAU/manga-aggregator/internal/store"
	"github.com/JakeFAU/manga-aggregator/internal/strategy"
	"github.com/JakeFAU/manga-aggregator/internal/telemetry"
)

const shutdownTimeout = 30 * time.Second

// Options adjusts Build for the calling command.
type Options struct {
	// Logger replaces the logger built from config.
	Logger *zap.Logger
	// ProgressOut, when set, receives a terminal progress bar.
	ProgressOut io.Writer
	// SpanProcessors are attached to the tracer provider when tracing is on.
	SpanProcessors []sdktrace.SpanProcessor
}

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	fetcher      *fetch.Client
	browser      *browser.Browser
	dispatcher   *strategy.Dispatcher
	registry     *source.Registry
	catalogStore store.CatalogStore
	runs         store.RunRepository
	sourceStats  *progress.MetricsRegistry
	tracker      *progress.Tracker
	progressHub  *progress.Hub
	orchestrator *orchestrator.Orchestrator
	apiServer    *api.Server

	pool           *pgxpool.Pool
	sqliteDB       *sql.DB
	gcsClient      *storage.Client
	publisher      *gcppublisher.Publisher
	tracerProvider *sdktrace.TracerProvider
	ready          func(ctx context.Context) error
	closeOnce      sync.Once
}

// SourceInfo is a configured source with the strategy its base URL classifies to.
type SourceInfo struct {
	catalog.Source
	Strategy strategy.Strategy
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		var err error
		logger, err = logging.New(logging.Options{
			Development: cfg.Logging.Development,
			File: logging.FileOptions{
				Path:       cfg.Logging.File.Path,
				MaxSizeMB:  cfg.Logging.File.MaxSizeMB,
				MaxBackups: cfg.Logging.File.MaxBackups,
				MaxAgeDays: cfg.Logging.File.MaxAgeDays,
				Compress:   cfg.Logging.File.Compress,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	app.logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("snapshots_backend", cfg.Snapshots.Backend),
		zap.Bool("browser_enabled", cfg.Browser.Enabled),
	)

	steps := []func(context.Context, Options) error{
		app.setupTracing,
		app.setupStores,
		app.setupFetching,
		app.setupSources,
		app.setupProgress,
		app.setupOrchestrator,
	}
	for _, step := range steps {
		if err := step(ctx, opts); err != nil {
			app.Close(context.WithoutCancel(ctx))
			return nil, err
		}
	}

	app.apiServer = api.NewServer(api.Deps{
		Crawler:  app.orchestrator,
		Progress: app.tracker,
		Metrics:  app.sourceStats,
		Sources:  app.registry,
		Fetcher:  app.dispatcher,
		Runs:     app.runs,
		Ready:    app.ready,
	}, api.Options{
		AuthEnabled:    cfg.Auth.Enabled,
		APIKey:         cfg.Auth.APIKey,
		RequestTimeout: cfg.RequestTimeout(),
		FetchTimeout:   cfg.ManualFetchTimeout(),
	}, logger)

	return app, nil
}

func (a *App) setupTracing(ctx context.Context, opts Options) error {
	if !a.cfg.Tracing.Enabled {
		return nil
	}
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Options{
		ServiceName: a.cfg.Tracing.ServiceName,
		SampleRatio: a.cfg.Tracing.SampleRatio,
		Processors:  opts.SpanProcessors,
	})
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracerProvider = tp
	a.logger.Info("tracing enabled", zap.String("service", a.cfg.Tracing.ServiceName))
	return nil
}

func (a *App) setupStores(ctx context.Context, _ Options) error {
	switch a.cfg.Storage.Backend {
	case config.BackendPostgres:
		pool, err := pgstore.NewPool(ctx, pgstore.Config{
			DSN:             a.cfg.DB.DSN,
			MaxConns:        a.cfg.DB.MaxConns,
			MinConns:        a.cfg.DB.MinConns,
			MaxConnLifetime: a.cfg.ConnLifetime(),
		})
		if err != nil {
			return fmt.Errorf("postgres pool init failed: %w", err)
		}
		a.pool = pool
		if err := pgstore.EnsureSchema(ctx, pool); err != nil {
			return err
		}
		a.catalogStore = pgstore.NewCatalogStore(pool)
		a.runs = pgstore.NewRunStore(pool)
		a.ready = pool.Ping
		a.logger.Info("using postgres catalog backend")
	case config.BackendSQLite:
		db, err := sqlitestore.Open(ctx, a.cfg.Storage.SQLitePath)
		if err != nil {
			return fmt.Errorf("sqlite init failed: %w", err)
		}
		a.sqliteDB = db
		a.catalogStore = sqlitestore.NewCatalogStore(db)
		a.runs = memorystorage.NewRunStore()
		a.ready = db.PingContext
		a.logger.Info("using sqlite catalog backend", zap.String("path", a.cfg.Storage.SQLitePath))
	default:
		a.catalogStore = memorystorage.NewCatalogStore()
		a.runs = memorystorage.NewRunStore()
		a.logger.Info("using in-memory catalog backend")
	}
	return nil
}

func (a *App) setupSnapshots(ctx context.Context) (store.BlobStore, error) {
	switch a.cfg.Snapshots.Backend {
	case config.SnapshotsGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsClient = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Snapshots.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("challenge snapshots to GCS", zap.String("bucket", a.cfg.Snapshots.Bucket))
		return blobs, nil
	case config.SnapshotsLocal:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Snapshots.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("challenge snapshots to disk", zap.String("dir", a.cfg.Snapshots.LocalDir))
		return blobs, nil
	case config.SnapshotsMemory:
		return memorystorage.NewBlobStore(), nil
	default:
		return nil, nil
	}
}

func (a *App) setupFetching(ctx context.Context, _ Options) error {
	a.sourceStats = progress.NewMetricsRegistry(system.New())
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   a.cfg.Fetch.RateLimitRPS,
		DefaultBurst: a.cfg.Fetch.RateLimitBurst,
		Hosts:        a.cfg.Fetch.HostRPS,
	})
	client, err := fetch.New(fetch.Config{
		Timeout:        a.cfg.FetchTimeout(),
		MaxRetries:     a.cfg.Fetch.MaxRetries,
		BackoffInitial: a.cfg.BackoffInitial(),
		BackoffMax:     a.cfg.BackoffMax(),
		UserAgents:     a.cfg.Fetch.UserAgents,
		Limiter:        limiter,
		Recorder:       a.sourceStats,
		Logger:         a.logger.Named("fetch"),
	})
	if err != nil {
		return fmt.Errorf("fetch client init failed: %w", err)
	}
	a.fetcher = client

	snapshots, err := a.setupSnapshots(ctx)
	if err != nil {
		return err
	}

	dispatchOpts := strategy.Options{
		Table: strategy.NewTable(
			a.cfg.Strategy.DirectDomains,
			a.cfg.Strategy.ResilientDomains,
			a.cfg.Strategy.BrowserDomains,
		),
		Client:         client,
		Snapshots:      snapshots,
		SnapshotPrefix: a.cfg.Snapshots.Prefix,
		Hasher:         sha256.New(),
		Recorder:       a.sourceStats,
		Logger:         a.logger.Named("dispatch"),
	}
	if a.cfg.Browser.Enabled {
		a.browser, err = browser.New(browser.Config{
			Headless:         a.cfg.Browser.Headless,
			WindowWidth:      a.cfg.Browser.WindowWidth,
			WindowHeight:     a.cfg.Browser.WindowHeight,
			NavTimeout:       a.cfg.NavTimeout(),
			ChallengeTimeout: a.cfg.ChallengeTimeout(),
			MaxParallel:      a.cfg.Browser.MaxParallel,
			DomainQPS:        a.cfg.Browser.DomainQPS,
			ExecPath:         a.cfg.Browser.ExecPath,
			NoSandbox:        a.cfg.Browser.NoSandbox,
			Logger:           a.logger.Named("browser"),
		})
		if err != nil {
			return fmt.Errorf("browser init failed: %w", err)
		}
		dispatchOpts.Renderer = a.browser
		a.logger.Info("browser strategy enabled", zap.Int("max_parallel", a.cfg.Browser.MaxParallel))
	}
	a.dispatcher, err = strategy.NewDispatcher(dispatchOpts)
	if err != nil {
		return fmt.Errorf("dispatcher init failed: %w", err)
	}
	a.logger.Info("fetch stack ready",
		zap.Duration("timeout", a.cfg.FetchTimeout()),
		zap.Int("max_retries", a.cfg.Fetch.MaxRetries),
		zap.Int("rate_limited_hosts", limiter.Hosts()),
	)
	return nil
}

func (a *App) setupSources(_ context.Context, _ Options) error {
	defs, err := source.LoadDefinitions(a.cfg.Sources.File)
	if err != nil {
		return fmt.Errorf("load sources: %w", err)
	}
	a.registry, err = source.FromDefinitions(defs, a.dispatcher, a.logger.Named("source"))
	if err != nil {
		return fmt.Errorf("build source registry: %w", err)
	}
	a.logger.Info("source catalog loaded", zap.String("file", a.cfg.Sources.File), zap.Int("sources", a.registry.Len()))
	return nil
}

func (a *App) setupProgress(ctx context.Context, opts Options) error {
	a.tracker = progress.NewTracker(system.New())

	var sinkList []progress.Sink
	if a.cfg.Progress.RunStoreEnabled && a.runs != nil {
		sinkList = append(sinkList, progresssinks.NewStoreSink(a.runs, a.logger.Named("progress_store")))
	}
	if a.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}
	if a.cfg.Progress.MetricsEnabled {
		promSink, err := progresssinks.NewPrometheusSink(nil)
		if err != nil {
			return fmt.Errorf("progress metrics init failed: %w", err)
		}
		sinkList = append(sinkList, promSink)
	}
	if opts.ProgressOut != nil {
		sinkList = append(sinkList, progresssinks.NewBarSink(opts.ProgressOut))
	}
	if len(sinkList) == 0 {
		a.logger.Info("no progress sinks configured")
		return nil
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.BatchMaxEvents,
		MaxBatchWait:   a.cfg.BatchMaxWait(),
		SinkTimeout:    a.cfg.SinkTimeout(),
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

func (a *App) setupOrchestrator(ctx context.Context, _ Options) error {
	orchOpts := orchestrator.Options{
		Sources: a.registry,
		Store:   a.catalogStore,
		Tracker: a.tracker,
		IDs:     uuid.New(),
		Tracer:  telemetry.Tracer(),
		Logger:  a.logger,
		Config: orchestrator.Config{
			Pause:         a.cfg.Pause(),
			SourceTimeout: a.cfg.SourceTimeout(),
			FetchChapters: a.cfg.Orchestrator.Chapters,
			Query:         a.cfg.Orchestrator.Query,
			Topic:         a.cfg.PubSub.TopicName,
		},
	}
	if a.progressHub != nil {
		orchOpts.Events = a.progressHub
	}
	if a.cfg.PubSub.TopicName != "" {
		pub, err := gcppublisher.Dial(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
		if err != nil {
			return fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.publisher = pub
		orchOpts.Publisher = pub
		a.logger.Info("run summaries published",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.TopicName),
		)
	}
	var err error
	a.orchestrator, err = orchestrator.New(orchOpts)
	if err != nil {
		return fmt.Errorf("orchestrator init failed: %w", err)
	}
	return nil
}

// Handler exposes the HTTP surface.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// DefaultFilter is the source filter from config.
func (a *App) DefaultFilter() source.Filter {
	return source.Filter{Include: a.cfg.Orchestrator.Include, Exclude: a.cfg.Orchestrator.Exclude}
}

// Sources lists the configured catalog in order with classified strategies.
func (a *App) Sources() []SourceInfo {
	srcs := a.registry.Sources()
	out := make([]SourceInfo, 0, len(srcs))
	for _, src := range srcs {
		out = append(out, SourceInfo{Source: src, Strategy: a.dispatcher.Classify(src.BaseURL)})
	}
	return out
}

// Fetch runs one dispatch, as the /v1/fetch route does.
func (a *App) Fetch(ctx context.Context, req strategy.Request) (strategy.Result, error) {
	return a.dispatcher.Fetch(ctx, req)
}

// SourceMetrics returns the ranked per-source fetch metrics.
func (a *App) SourceMetrics() []progress.SourceMetrics {
	return a.sourceStats.Summary()
}

// Crawl runs one blocking crawl. SIGINT and SIGTERM cancel it cooperatively;
// sources finished before the signal are still committed.
func (a *App) Crawl(ctx context.Context, filter source.Filter) (orchestrator.Summary, error) {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	summary, err := a.orchestrator.Run(ctx, filter)
	if a.progressHub != nil {
		// Drain so the bar and run history see the final events.
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.SinkTimeout())
		if cerr := a.progressHub.Close(flushCtx); cerr != nil {
			a.logger.Warn("progress hub close failed", zap.Error(cerr))
		}
		cancel()
		a.progressHub = nil
	}
	return summary, err
}

// Run serves the API and blocks until the context is canceled or a signal
// arrives. An in-flight crawl is canceled and awaited before Close.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		if a.orchestrator.Cancel() {
			a.logger.Info("waiting for in-flight crawl to stop")
		}
		if err := a.orchestrator.Wait(shutdownCtx); err != nil {
			a.logger.Warn("crawl did not stop before shutdown deadline", zap.Error(err))
		}
		return nil
	})
	err := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	a.Close(closeCtx)
	return err
}

// Close releases every resource Build acquired. It is safe on a partially
// built App and on repeated calls.
func (a *App) Close(ctx context.Context) {
	a.closeOnce.Do(func() { a.close(ctx) })
}

func (a *App) close(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.browser != nil {
		a.browser.Close()
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.sqliteDB != nil {
		if err := a.sqliteDB.Close(); err != nil {
			a.logger.Warn("sqlite close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
}
