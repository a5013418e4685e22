package progress

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// FailureKind categorizes a failed fetch for SourceMetrics.
type FailureKind string

// Failure categories.
const (
	FailureRateLimited FailureKind = "rate-limited"
	FailureChallenge   FailureKind = "challenge"
	FailureTimeout     FailureKind = "timeout"
	FailureOther       FailureKind = "other"
)

// SourceMetrics are cumulative fetch counters for one source name.
type SourceMetrics struct {
	Name          string        `json:"name"`
	Total         int64         `json:"total"`
	Success       int64         `json:"success"`
	Failure       int64         `json:"failure"`
	LastSuccessAt *time.Time    `json:"last_success_at,omitempty"`
	LastFailureAt *time.Time    `json:"last_failure_at,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
	TotalLatency  time.Duration `json:"total_latency_ns"`
	AvgLatency    time.Duration `json:"avg_latency_ns"`
	RateLimited   int64         `json:"rate_limited"`
	Challenge     int64         `json:"challenge"`
	Timeout       int64         `json:"timeout"`
	Other         int64         `json:"other"`
}

// SuccessRate is Success/Total, or zero before the first observation.
func (m SourceMetrics) SuccessRate() float64 {
	if m.Total == 0 {
		return 0
	}
	return float64(m.Success) / float64(m.Total)
}

// MetricsRegistry keys SourceMetrics by source name for the process lifetime.
// It satisfies fetch.Recorder.
type MetricsRegistry struct {
	mu    sync.Mutex
	byKey map[string]*SourceMetrics
	snap  atomic.Pointer[map[string]SourceMetrics]
	clock Clock
}

// NewMetricsRegistry returns an empty registry. A nil clock uses UTC wall time.
func NewMetricsRegistry(clock Clock) *MetricsRegistry {
	if clock == nil {
		clock = clockFunc(func() time.Time { return time.Now().UTC() })
	}
	r := &MetricsRegistry{byKey: map[string]*SourceMetrics{}, clock: clock}
	empty := map[string]SourceMetrics{}
	r.snap.Store(&empty)
	return r
}

// Record adds one observation. Empty source names are filed under "unknown".
func (r *MetricsRegistry) Record(source string, latency time.Duration, err error) {
	if source == "" {
		source = "unknown"
	}
	if latency < 0 {
		latency = 0
	}
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byKey[source]
	if !ok {
		m = &SourceMetrics{Name: source}
		r.byKey[source] = m
	}
	m.Total++
	m.TotalLatency += latency
	m.AvgLatency = m.TotalLatency / time.Duration(m.Total)
	if err == nil {
		m.Success++
		m.LastSuccessAt = &now
	} else {
		m.Failure++
		m.LastFailureAt = &now
		m.LastError = err.Error()
		switch ClassifyFailure(err) {
		case FailureRateLimited:
			m.RateLimited++
		case FailureChallenge:
			m.Challenge++
		case FailureTimeout:
			m.Timeout++
		default:
			m.Other++
		}
	}
	r.publish()
}

// Get returns the metrics for name, if any observation was recorded.
func (r *MetricsRegistry) Get(name string) (SourceMetrics, bool) {
	m, ok := (*r.snap.Load())[name]
	return m, ok
}

// Summary ranks every source by success rate, then average latency, then name.
func (r *MetricsRegistry) Summary() []SourceMetrics {
	snap := *r.snap.Load()
	out := make([]SourceMetrics, 0, len(snap))
	for _, m := range snap {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].SuccessRate(), out[j].SuccessRate()
		if ri != rj {
			return ri > rj
		}
		if out[i].AvgLatency != out[j].AvgLatency {
			return out[i].AvgLatency < out[j].AvgLatency
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// publish must be called with mu held. Timestamps are shared with the copy
// since they are never mutated after assignment.
func (r *MetricsRegistry) publish() {
	next := make(map[string]SourceMetrics, len(r.byKey))
	for k, m := range r.byKey {
		next[k] = *m
	}
	r.snap.Store(&next)
}

type statusCoder interface {
	HTTPStatus() int
}

type timeoutError interface {
	Timeout() bool
}

type challengeError interface {
	Challenged() bool
}

var (
	rateLimitMarkers = []string{"rate limit", "rate-limit", "ratelimit", "too many requests"}
	challengeMarkers = []string{"challenge", "captcha", "cloudflare", "just a moment", "attention required", "access denied", "forbidden", "blocked"}
	timeoutMarkers   = []string{"timeout", "timed out", "deadline exceeded"}
)

// ClassifyFailure buckets err by HTTP status when one is attached, then by
// typed challenge and timeout signals, and finally by error text. URLs are
// dropped from the text first so a slug like "blocked-heart" does not count.
func ClassifyFailure(err error) FailureKind {
	if err == nil {
		return ""
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		switch code := sc.HTTPStatus(); {
		case code == http.StatusTooManyRequests:
			return FailureRateLimited
		case code == http.StatusForbidden, code == http.StatusServiceUnavailable:
			return FailureChallenge
		case code == http.StatusGatewayTimeout, code == 522, code == 524:
			return FailureTimeout
		}
		return FailureOther
	}
	var ch challengeError
	if errors.As(err, &ch) && ch.Challenged() {
		return FailureChallenge
	}
	var te timeoutError
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &te) && te.Timeout()) {
		return FailureTimeout
	}
	msg := stripURLs(strings.ToLower(err.Error()))
	switch {
	case containsAny(msg, rateLimitMarkers):
		return FailureRateLimited
	case containsAny(msg, challengeMarkers):
		return FailureChallenge
	case containsAny(msg, timeoutMarkers):
		return FailureTimeout
	}
	return FailureOther
}

func stripURLs(msg string) string {
	fields := strings.Fields(msg)
	kept := fields[:0]
	for _, f := range fields {
		if !strings.Contains(f, "://") {
			kept = append(kept, f)
		}
	}
	return strings.Join(kept, " ")
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
