package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/manga-aggregator/internal/catalog"
	"github.com/JakeFAU/manga-aggregator/internal/metrics"
	"github.com/JakeFAU/manga-aggregator/internal/progress"
	"github.com/JakeFAU/manga-aggregator/internal/source"
	"github.com/JakeFAU/manga-aggregator/internal/store"
	"github.com/JakeFAU/manga-aggregator/internal/strategy"
)

// Crawler launches and cancels runs; *orchestrator.Orchestrator satisfies it.
type Crawler interface {
	Launch(ctx context.Context, filter source.Filter) (string, error)
	Cancel() bool
	Running() bool
}

// ProgressReader exposes the current run record.
type ProgressReader interface {
	Snapshot() progress.CrawlSnapshot
}

// MetricsReader exposes cumulative per-source fetch metrics.
type MetricsReader interface {
	Summary() []progress.SourceMetrics
	Get(name string) (progress.SourceMetrics, bool)
}

// SourceLister lists the configured catalog.
type SourceLister interface {
	Sources() []catalog.Source
}

// PageFetcher runs one dispatch; *strategy.Dispatcher satisfies it.
type PageFetcher interface {
	Fetch(ctx context.Context, req strategy.Request) (strategy.Result, error)
	Classify(rawURL string) strategy.Strategy
}

// Deps are the collaborators behind the routes. Runs, Fetcher and Ready may
// be nil; their routes then answer 503 (or always ready).
type Deps struct {
	Crawler  Crawler
	Progress ProgressReader
	Metrics  MetricsReader
	Sources  SourceLister
	Fetcher  PageFetcher
	Runs     store.RunRepository
	Ready    func(ctx context.Context) error
}

// Options configures middleware.
type Options struct {
	AuthEnabled    bool
	APIKey         string
	RequestTimeout time.Duration
	// FetchTimeout bounds POST /v1/fetch, which is exempt from RequestTimeout.
	FetchTimeout time.Duration
}

// Server wires HTTP handlers to the orchestrator and progress state.
type Server struct {
	router       chi.Router
	deps         Deps
	logger       *zap.Logger
	fetchTimeout time.Duration
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	s := &Server{deps: deps, logger: logger.Named("api"), fetchTimeout: opts.FetchTimeout}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	bounded := timeoutMiddleware(opts.RequestTimeout)
	r.With(bounded).Get("/healthz", s.healthz)
	r.With(bounded).Get("/readyz", s.readyz)
	r.With(bounded).Handle("/metrics", metrics.Handler())

	runs := NewRunsHandler(deps.Runs, s.logger)
	r.Route("/v1", func(r chi.Router) {
		if opts.AuthEnabled {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Group(func(r chi.Router) {
			r.Use(bounded)
			r.Route("/crawl", func(r chi.Router) {
				r.Post("/", s.launchCrawl)
				r.Get("/", s.crawlStatus)
				r.Post("/cancel", s.cancelCrawl)
				r.Get("/runs", runs.ListRuns)
				r.Get("/runs/{run_id}", runs.GetRun)
			})
			r.Route("/sources", func(r chi.Router) {
				r.Get("/", s.listSources)
				r.Get("/metrics", s.sourceMetrics)
				r.Get("/{name}/metrics", s.sourceMetricsByName)
			})
		})
		// bounded by Server.fetchTimeout inside the handler
		r.Post("/fetch", s.fetchPage)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the id assigned by the request id middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if expected == "" || key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
