// Package metrics exposes Prometheus collectors for the aggregator service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	fetchAttemptsTotal         *prometheus.CounterVec
	fetchRetriesTotal          *prometheus.CounterVec
	fetchBackoffSeconds        prometheus.Histogram
	browserRendersTotal        *prometheus.CounterVec
	strategyDispatchTotal      *prometheus.CounterVec
	challengeSnapshotsTotal    prometheus.Counter
	rateLimitDelaySeconds      *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aggregator_fetch_attempts_total",
				Help: "Fetch attempts labeled by site and outcome (success, retryable, terminal).",
			},
			[]string{"site", "outcome"},
		)

		fetchRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aggregator_fetch_retries_total",
				Help: "Retries scheduled by the resilient fetch client, labeled by site.",
			},
			[]string{"site"},
		)

		fetchBackoffSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "aggregator_fetch_backoff_seconds",
				Help:    "Jittered backoff delays applied between fetch attempts.",
				Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16},
			},
		)

		browserRendersTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aggregator_browser_renders_total",
				Help: "Browser render sessions labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		strategyDispatchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aggregator_strategy_dispatch_total",
				Help: "Dispatches labeled by classified strategy and whether they escalated to the browser.",
			},
			[]string{"strategy", "escalated"},
		)

		challengeSnapshotsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "aggregator_challenge_snapshots_total",
				Help: "Challenge pages persisted for operator inspection.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aggregator_rate_limit_delay_seconds",
				Help:    "Histogram of per-host rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveFetchAttempt counts one fetch attempt.
func ObserveFetchAttempt(site, outcome string) {
	Init()
	fetchAttemptsTotal.WithLabelValues(site, outcome).Inc()
}

// ObserveRetry records a scheduled retry and its delay.
func ObserveRetry(site string, delay time.Duration) {
	Init()
	fetchRetriesTotal.WithLabelValues(site).Inc()
	fetchBackoffSeconds.Observe(delay.Seconds())
}

// ObserveRender counts one browser render.
func ObserveRender(site, outcome string) {
	Init()
	browserRendersTotal.WithLabelValues(site, outcome).Inc()
}

// ObserveDispatch counts one strategy dispatch.
func ObserveDispatch(strategy string, escalated bool) {
	Init()
	strategyDispatchTotal.WithLabelValues(strategy, strconv.FormatBool(escalated)).Inc()
}

// ObserveChallengeSnapshot counts a persisted challenge page.
func ObserveChallengeSnapshot() {
	Init()
	challengeSnapshotsTotal.Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
