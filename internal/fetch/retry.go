package fetch

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Backoff defaults.
const (
	DefaultMaxRetries     = 4
	DefaultBackoffInitial = 500 * time.Millisecond
	DefaultBackoffMax     = 10 * time.Second

	jitterLow  = 0.75
	jitterHigh = 1.25
)

// RetryPolicy computes exponential backoff delays with multiplicative jitter.
type RetryPolicy struct {
	Initial time.Duration
	Max     time.Duration
	// Rand returns a value in [0, 1); nil uses math/rand/v2.
	Rand func() float64
}

// BaseDelay returns min(Max, Initial*2^attempt) before jitter.
func (p RetryPolicy) BaseDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	initial, maxDelay := p.bounds()
	delay := float64(initial) * math.Pow(2, float64(attempt))
	if delay > float64(maxDelay) || math.IsInf(delay, 1) {
		return maxDelay
	}
	return time.Duration(delay)
}

// Backoff returns BaseDelay(attempt) scaled by a uniform factor in [0.75, 1.25].
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	r := p.Rand
	if r == nil {
		r = rand.Float64
	}
	factor := jitterLow + (jitterHigh-jitterLow)*r()
	return time.Duration(float64(p.BaseDelay(attempt)) * factor)
}

func (p RetryPolicy) bounds() (time.Duration, time.Duration) {
	initial := p.Initial
	if initial <= 0 {
		initial = DefaultBackoffInitial
	}
	maxDelay := p.Max
	if maxDelay <= 0 {
		maxDelay = DefaultBackoffMax
	}
	if maxDelay < initial {
		maxDelay = initial
	}
	return initial, maxDelay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
