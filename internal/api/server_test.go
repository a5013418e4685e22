package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/manga-aggregator/internal/catalog"
	"github.com/JakeFAU/manga-aggregator/internal/fetch"
	"github.com/JakeFAU/manga-aggregator/internal/orchestrator"
	"github.com/JakeFAU/manga-aggregator/internal/progress"
	"github.com/JakeFAU/manga-aggregator/internal/source"
	"github.com/JakeFAU/manga-aggregator/internal/strategy"
)

func TestServer_LaunchCrawl(t *testing.T) {
	t.Parallel()

	crawler := &fakeCrawler{runID: "run-1"}
	server := newTestServer(Deps{Crawler: crawler})

	rec := serve(server, http.MethodPost, "/v1/crawl", `{"include":[1,2],"exclude":[2]}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.JSONEq(t, `{"run_id":"run-1"}`, rec.Body.String())
	require.Equal(t, source.Filter{Include: []int{1, 2}, Exclude: []int{2}}, crawler.lastFilter)

	rec = serve(server, http.MethodPost, "/v1/crawl", "")
	require.Equal(t, http.StatusAccepted, rec.Code, "empty body launches every source")

	rec = serve(server, http.MethodPost, "/v1/crawl", "{bad")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_LaunchCrawlErrors(t *testing.T) {
	t.Parallel()

	cases := map[error]int{
		orchestrator.ErrAlreadyRunning: http.StatusConflict,
		orchestrator.ErrNoSources:      http.StatusBadRequest,
		errors.New("id exhausted"):     http.StatusInternalServerError,
	}
	for err, want := range cases {
		server := newTestServer(Deps{Crawler: &fakeCrawler{err: err}})
		rec := serve(server, http.MethodPost, "/v1/crawl", `{}`)
		require.Equal(t, want, rec.Code, err.Error())
	}

	rec := serve(newTestServer(Deps{}), http.MethodPost, "/v1/crawl", `{}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_CrawlStatusAndCancel(t *testing.T) {
	t.Parallel()

	tracker := progress.NewTracker(nil)
	require.True(t, tracker.Begin("run-9", []catalog.Source{{ID: 1, Name: "MangaDex"}}))
	tracker.SetPhase(1, progress.PhaseFetching)
	crawler := &fakeCrawler{}
	server := newTestServer(Deps{Crawler: crawler, Progress: tracker})

	rec := serve(server, http.MethodGet, "/v1/crawl", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap progress.CrawlSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.True(t, snap.Running)
	require.Equal(t, "run-9", snap.RunID)
	require.Equal(t, "MangaDex", snap.CurrentSource)
	require.Equal(t, progress.PhaseFetching, snap.Sources[0].Phase)

	rec = serve(server, http.MethodPost, "/v1/crawl/cancel", "")
	require.Equal(t, http.StatusConflict, rec.Code)

	crawler.running = true
	rec = serve(server, http.MethodPost, "/v1/crawl/cancel", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, 1, crawler.cancels)
}

func TestServer_Sources(t *testing.T) {
	t.Parallel()

	sources := fakeSources{
		{ID: 1, Name: "Alpha", BaseURL: "https://alpha.example", Enabled: true},
		{ID: 2, Name: "Beta", BaseURL: "https://beta.example", Enabled: false},
	}
	fetcher := &fakeFetcher{classify: map[string]strategy.Strategy{"https://beta.example": strategy.Browser}}
	server := newTestServer(Deps{Sources: sources, Fetcher: fetcher})

	rec := serve(server, http.MethodGet, "/v1/sources", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"sources":[
		{"id":1,"name":"Alpha","base_url":"https://alpha.example","enabled":true,"strategy":"resilient"},
		{"id":2,"name":"Beta","base_url":"https://beta.example","enabled":false,"strategy":"browser"}
	]}`, rec.Body.String())
}

func TestServer_SourceMetrics(t *testing.T) {
	t.Parallel()

	reg := progress.NewMetricsRegistry(nil)
	reg.Record("Slow Site", 900*time.Millisecond, nil)
	reg.Record("Fast Site", 100*time.Millisecond, nil)
	reg.Record("Flaky", 100*time.Millisecond, &fetch.StatusError{URL: "https://flaky.example", StatusCode: 429, Retryable: true})
	server := newTestServer(Deps{Metrics: reg})

	rec := serve(server, http.MethodGet, "/v1/sources/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Sources []struct {
			Name        string  `json:"name"`
			SuccessRate float64 `json:"success_rate"`
			RateLimited int64   `json:"rate_limited"`
		} `json:"sources"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Sources, 3)
	require.Equal(t, "Fast Site", body.Sources[0].Name)
	require.Equal(t, "Slow Site", body.Sources[1].Name)
	require.Equal(t, "Flaky", body.Sources[2].Name)
	require.Equal(t, int64(1), body.Sources[2].RateLimited)

	rec = serve(server, http.MethodGet, "/v1/sources/Slow%20Site/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"success_rate":1`)

	rec = serve(server, http.MethodGet, "/v1/sources/unknown/metrics", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_FetchPage(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{result: strategy.Result{
		StatusCode: 200,
		Body:       []byte("<html>ok</html>"),
		Strategy:   strategy.Resilient,
		Used:       strategy.Browser,
		Escalated:  true,
		Reason:     "status_403",
		Attempts:   2,
	}}
	server := newTestServer(Deps{Fetcher: fetcher})

	rec := serve(server, http.MethodPost, "/v1/fetch", `{"url":"https://alpha.example/latest","strategy":"direct"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var body fetchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 15, body.Bytes)
	require.True(t, body.Escalated)
	require.Equal(t, "status_403", body.Reason)
	require.True(t, fetcher.last.Force)
	require.Equal(t, strategy.Direct, fetcher.last.Strategy)

	rec = serve(server, http.MethodPost, "/v1/fetch", `{"url":"https://alpha.example/"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, fetcher.last.Force)

	for _, bad := range []string{`{"url":"ftp://x"}`, `{"url":"/relative"}`, `{"url":"https://a.example","strategy":"teleport"}`, `nope`} {
		rec = serve(server, http.MethodPost, "/v1/fetch", bad)
		require.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}

	fetcher.err = &fetch.StatusError{URL: "https://alpha.example/", StatusCode: 404}
	rec = serve(server, http.MethodPost, "/v1/fetch", `{"url":"https://alpha.example/"}`)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Contains(t, rec.Body.String(), "404")
}

func TestServer_FetchPageOutlivesRequestTimeout(t *testing.T) {
	t.Parallel()

	fetcher := &slowFetcher{delay: 150 * time.Millisecond, result: strategy.Result{StatusCode: 200, Body: []byte("ok")}}
	server := NewServer(Deps{Fetcher: fetcher, Progress: slowProgress{delay: 150 * time.Millisecond}}, Options{
		RequestTimeout: 30 * time.Millisecond,
		FetchTimeout:   5 * time.Second,
	}, zap.NewNop())

	rec := serve(server, http.MethodPost, "/v1/fetch", `{"url":"https://alpha.example/latest"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.WithinDuration(t, time.Now().Add(5*time.Second), fetcher.deadline, time.Second)

	rec = serve(server, http.MethodGet, "/v1/crawl", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "request timed out")
}

func TestServer_FetchPageHonorsFetchTimeout(t *testing.T) {
	t.Parallel()

	fetcher := &slowFetcher{delay: time.Second}
	server := NewServer(Deps{Fetcher: fetcher}, Options{FetchTimeout: 20 * time.Millisecond}, zap.NewNop())

	rec := serve(server, http.MethodPost, "/v1/fetch", `{"url":"https://alpha.example/latest"}`)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Contains(t, rec.Body.String(), context.DeadlineExceeded.Error())
}

func TestServer_HealthAndReadiness(t *testing.T) {
	t.Parallel()

	server := newTestServer(Deps{})
	require.Equal(t, http.StatusOK, serve(server, http.MethodGet, "/healthz", "").Code)
	require.Equal(t, http.StatusOK, serve(server, http.MethodGet, "/readyz", "").Code)

	failing := newTestServer(Deps{Ready: func(context.Context) error { return errors.New("db down") }})
	rec := serve(failing, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "db down")

	rec = serve(server, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	server := NewServer(Deps{Progress: progress.NewTracker(nil)}, Options{AuthEnabled: true, APIKey: "secret"}, zap.NewNop())

	require.Equal(t, http.StatusOK, serve(server, http.MethodGet, "/healthz", "").Code, "probes stay open")
	require.Equal(t, http.StatusForbidden, serve(server, http.MethodGet, "/v1/crawl", "").Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/crawl", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, http.StatusOK, serve(server, http.MethodGet, "/v1/crawl?api_key=secret", "").Code)
}

func TestServer_RecoversPanics(t *testing.T) {
	t.Parallel()

	server := newTestServer(Deps{Progress: panicProgress{}})
	rec := serve(server, http.MethodGet, "/v1/crawl", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	rec := serve(newTestServer(Deps{}), http.MethodGet, "/healthz", "")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "caller-id")
	rec = httptest.NewRecorder()
	newTestServer(Deps{}).Handler().ServeHTTP(rec, req)
	require.Equal(t, "caller-id", rec.Header().Get("X-Request-ID"))
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
}

// --- helpers/fakes ---

func newTestServer(deps Deps) *Server {
	return NewServer(deps, Options{}, zap.NewNop())
}

func serve(s *Server, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

type fakeCrawler struct {
	mu         sync.Mutex
	runID      string
	err        error
	running    bool
	cancels    int
	lastFilter source.Filter
}

func (f *fakeCrawler) Launch(_ context.Context, filter source.Filter) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastFilter = filter
	if f.err != nil {
		return "", f.err
	}
	return f.runID, nil
}

func (f *fakeCrawler) Cancel() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return false
	}
	f.cancels++
	return true
}

func (f *fakeCrawler) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

type fakeSources []catalog.Source

func (f fakeSources) Sources() []catalog.Source {
	return f
}

type fakeFetcher struct {
	classify map[string]strategy.Strategy
	result   strategy.Result
	err      error
	last     strategy.Request
}

func (f *fakeFetcher) Fetch(_ context.Context, req strategy.Request) (strategy.Result, error) {
	f.last = req
	return f.result, f.err
}

func (f *fakeFetcher) Classify(rawURL string) strategy.Strategy {
	return f.classify[rawURL]
}

type slowFetcher struct {
	delay    time.Duration
	result   strategy.Result
	deadline time.Time
}

func (f *slowFetcher) Fetch(ctx context.Context, _ strategy.Request) (strategy.Result, error) {
	f.deadline, _ = ctx.Deadline()
	select {
	case <-time.After(f.delay):
		return f.result, nil
	case <-ctx.Done():
		return strategy.Result{}, ctx.Err()
	}
}

func (f *slowFetcher) Classify(string) strategy.Strategy {
	return strategy.Direct
}

type slowProgress struct {
	delay time.Duration
}

func (p slowProgress) Snapshot() progress.CrawlSnapshot {
	time.Sleep(p.delay)
	return progress.CrawlSnapshot{}
}

type panicProgress struct{}

func (panicProgress) Snapshot() progress.CrawlSnapshot {
	panic("tracker exploded")
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
