// Package ratelimit holds the per-host token buckets the fetch client waits on
// before every attempt.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/manga-aggregator/internal/metrics"
)

// Config holds the default bucket and per-host overrides. A non-positive
// rate disables limiting for the hosts it applies to.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
	// Hosts maps a lower-case host name to its requests per second.
	Hosts map[string]float64
}

// Limiter lazily creates one bucket per host.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	cfg      Config
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	if cfg.DefaultBurst <= 0 {
		cfg.DefaultBurst = 1
	}
	hosts := make(map[string]float64, len(cfg.Hosts))
	for h, rps := range cfg.Hosts {
		hosts[strings.ToLower(strings.TrimSpace(h))] = rps
	}
	cfg.Hosts = hosts
	return &Limiter{limiters: make(map[string]*rate.Limiter), cfg: cfg}
}

func limitFor(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}

func (l *Limiter) bucket(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limiters[host]; ok {
		return lim
	}
	rps, ok := l.cfg.Hosts[host]
	if !ok {
		rps = l.cfg.DefaultRPS
	}
	lim := rate.NewLimiter(limitFor(rps), l.cfg.DefaultBurst)
	l.limiters[host] = lim
	return lim
}

// Wait blocks until rawURL's host has a token or ctx ends. Waits longer than a
// millisecond are recorded as rate-limit delay.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := hostOf(rawURL)
	start := time.Now()
	if err := l.bucket(host).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", host, err)
	}
	if d := time.Since(start); d > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, d)
	}
	return nil
}

// Hosts reports how many hosts currently have a bucket.
func (l *Limiter) Hosts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
