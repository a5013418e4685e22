package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/manga-aggregator/internal/orchestrator"
	"github.com/JakeFAU/manga-aggregator/internal/progress"
	"github.com/JakeFAU/manga-aggregator/internal/source"
	"github.com/JakeFAU/manga-aggregator/internal/strategy"
)

const (
	defaultFetchTimeout = 90 * time.Second
	// maxFetchBody caps the JSON body of a manual fetch request.
	maxFetchBody = 1 << 16
)

type launchRequest struct {
	Include []int `json:"include"`
	Exclude []int `json:"exclude"`
}

// launchCrawl handles POST /v1/crawl. An empty body launches every enabled
// source.
func (s *Server) launchCrawl(w http.ResponseWriter, r *http.Request) {
	if s.deps.Crawler == nil {
		writeError(w, http.StatusServiceUnavailable, "crawler unavailable")
		return
	}
	var req launchRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxFetchBody)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	runID, err := s.deps.Crawler.Launch(r.Context(), source.Filter{Include: req.Include, Exclude: req.Exclude})
	switch {
	case errors.Is(err, orchestrator.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, orchestrator.ErrNoSources):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("launch crawl failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to launch crawl")
		return
	}
	s.logger.Info("crawl launched", zap.String("run_id", runID), zap.Ints("include", req.Include), zap.Ints("exclude", req.Exclude))
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

// crawlStatus handles GET /v1/crawl with the current progress snapshot.
func (s *Server) crawlStatus(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Progress == nil {
		writeError(w, http.StatusServiceUnavailable, "progress unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Progress.Snapshot())
}

// cancelCrawl handles POST /v1/crawl/cancel.
func (s *Server) cancelCrawl(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Crawler == nil {
		writeError(w, http.StatusServiceUnavailable, "crawler unavailable")
		return
	}
	if !s.deps.Crawler.Cancel() {
		writeError(w, http.StatusConflict, "no crawl run in progress")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "canceling"})
}

type sourceDTO struct {
	ID       int               `json:"id"`
	Name     string            `json:"name"`
	BaseURL  string            `json:"base_url"`
	Enabled  bool              `json:"enabled"`
	Strategy strategy.Strategy `json:"strategy"`
}

// listSources handles GET /v1/sources.
func (s *Server) listSources(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Sources == nil {
		writeError(w, http.StatusServiceUnavailable, "source catalog unavailable")
		return
	}
	srcs := s.deps.Sources.Sources()
	out := make([]sourceDTO, 0, len(srcs))
	for _, src := range srcs {
		dto := sourceDTO{ID: src.ID, Name: src.Name, BaseURL: src.BaseURL, Enabled: src.Enabled}
		if s.deps.Fetcher != nil {
			dto.Strategy = s.deps.Fetcher.Classify(src.BaseURL)
		}
		out = append(out, dto)
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": out})
}

// sourceMetrics handles GET /v1/sources/metrics, ranked best first.
func (s *Server) sourceMetrics(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Metrics == nil {
		writeError(w, http.StatusServiceUnavailable, "metrics unavailable")
		return
	}
	summary := s.deps.Metrics.Summary()
	out := make([]metricsDTO, 0, len(summary))
	for _, m := range summary {
		out = append(out, toMetricsDTO(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": out})
}

// sourceMetricsByName handles GET /v1/sources/{name}/metrics.
func (s *Server) sourceMetricsByName(w http.ResponseWriter, r *http.Request) {
	if s.deps.Metrics == nil {
		writeError(w, http.StatusServiceUnavailable, "metrics unavailable")
		return
	}
	name, err := url.PathUnescape(chi.URLParam(r, "name"))
	if err != nil || strings.TrimSpace(name) == "" {
		writeError(w, http.StatusBadRequest, "invalid source name")
		return
	}
	m, ok := s.deps.Metrics.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, "no metrics for source")
		return
	}
	writeJSON(w, http.StatusOK, toMetricsDTO(m))
}

type metricsDTO struct {
	progress.SourceMetrics
	SuccessRate float64 `json:"success_rate"`
}

func toMetricsDTO(m progress.SourceMetrics) metricsDTO {
	return metricsDTO{SourceMetrics: m, SuccessRate: m.SuccessRate()}
}

type fetchRequest struct {
	URL          string `json:"url"`
	Strategy     string `json:"strategy"`
	WaitSelector string `json:"wait_selector"`
}

type fetchResponse struct {
	URL        string            `json:"url"`
	FinalURL   string            `json:"final_url,omitempty"`
	StatusCode int               `json:"status"`
	Strategy   strategy.Strategy `json:"strategy"`
	Used       strategy.Strategy `json:"used"`
	Escalated  bool              `json:"escalated"`
	Reason     string            `json:"reason,omitempty"`
	Attempts   int               `json:"attempts"`
	Bytes      int               `json:"bytes"`
	DurationMS int64             `json:"duration_ms"`
	Error      string            `json:"error,omitempty"`
}

// fetchPage handles POST /v1/fetch. A named strategy overrides the domain
// table for this request only.
func (s *Server) fetchPage(w http.ResponseWriter, r *http.Request) {
	if s.deps.Fetcher == nil {
		writeError(w, http.StatusServiceUnavailable, "fetcher unavailable")
		return
	}
	var req fetchRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxFetchBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	u, err := url.Parse(strings.TrimSpace(req.URL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		writeError(w, http.StatusBadRequest, "url must be absolute http(s)")
		return
	}
	dispatch := strategy.Request{URL: u.String()}
	dispatch.Render.WaitSelector = req.WaitSelector
	if req.Strategy != "" {
		strat, err := strategy.Parse(req.Strategy)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		dispatch.Strategy, dispatch.Force = strat, true
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.fetchTimeout)
	defer cancel()
	res, err := s.deps.Fetcher.Fetch(ctx, dispatch)
	out := fetchResponse{
		URL:        dispatch.URL,
		FinalURL:   res.FinalURL,
		StatusCode: res.StatusCode,
		Strategy:   res.Strategy,
		Used:       res.Used,
		Escalated:  res.Escalated,
		Reason:     res.Reason,
		Attempts:   res.Attempts,
		Bytes:      len(res.Body),
		DurationMS: res.Duration.Milliseconds(),
	}
	if err != nil {
		s.logger.Warn("manual fetch failed", zap.String("url", dispatch.URL), zap.Error(err))
		out.Error = err.Error()
		writeJSON(w, http.StatusBadGateway, out)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
