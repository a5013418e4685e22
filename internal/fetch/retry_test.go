package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBaseDelayIsMonotonicAndCapped(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{Initial: 100 * time.Millisecond, Max: 2 * time.Second}
	prev := time.Duration(0)
	for attempt := 0; attempt <= 64; attempt++ {
		d := p.BaseDelay(attempt)
		require.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		require.LessOrEqual(t, d, 2*time.Second, "attempt %d", attempt)
		prev = d
	}
	require.Equal(t, 100*time.Millisecond, p.BaseDelay(0))
	require.Equal(t, 800*time.Millisecond, p.BaseDelay(3))
	require.Equal(t, 2*time.Second, p.BaseDelay(5))
}

func TestBackoffJitterBounds(t *testing.T) {
	t.Parallel()

	low := RetryPolicy{Initial: time.Second, Max: time.Minute, Rand: func() float64 { return 0 }}
	high := RetryPolicy{Initial: time.Second, Max: time.Minute, Rand: func() float64 { return 0.999999 }}

	require.Equal(t, 750*time.Millisecond, low.Backoff(0))
	require.InDelta(t, float64(2500*time.Millisecond), float64(high.Backoff(1)), float64(time.Millisecond))

	random := RetryPolicy{Initial: 200 * time.Millisecond, Max: time.Second}
	for i := 0; i < 200; i++ {
		d := random.Backoff(2)
		require.GreaterOrEqual(t, d, 600*time.Millisecond)
		require.LessOrEqual(t, d, 1000*time.Millisecond)
	}
}

func TestBaseDelayDefaults(t *testing.T) {
	t.Parallel()

	var p RetryPolicy
	require.Equal(t, DefaultBackoffInitial, p.BaseDelay(0))
	require.Equal(t, DefaultBackoffMax, p.BaseDelay(30))
}

func TestIsRetryableStatus(t *testing.T) {
	t.Parallel()

	retryable := []int{429, 500, 502, 503, 504}
	for code := 520; code <= 527; code++ {
		retryable = append(retryable, code)
	}
	for _, code := range retryable {
		require.True(t, IsRetryableStatus(code), "status %d", code)
	}
	for _, code := range []int{200, 301, 400, 401, 403, 404, 410, 501, 505, 519, 528} {
		require.False(t, IsRetryableStatus(code), "status %d", code)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyTransport(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		kind TransportKind
	}{
		{"deadline", fmt.Errorf("visit: %w", context.DeadlineExceeded), KindTimeout},
		{"net timeout", timeoutErr{}, KindTimeout},
		{"dial", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, KindConnect},
		{"dns", &net.DNSError{Err: "no such host", Name: "nope.invalid"}, KindConnect},
		{"scheme", errors.New(`unsupported protocol scheme ""`), KindRequest},
		{"other", errors.New("connection reset by peer"), KindConnect},
	}
	for _, tc := range cases {
		got := classifyTransport("https://example.com", tc.err)
		require.Equal(t, tc.kind, got.Kind, tc.name)
		require.True(t, Retryable(got), tc.name)
		require.ErrorIs(t, got, tc.err, tc.name)
	}
}

func TestRetryableRejectsCancellation(t *testing.T) {
	t.Parallel()

	err := classifyTransport("https://example.com", fmt.Errorf("visit: %w", context.Canceled))
	require.False(t, Retryable(err))
	require.False(t, Retryable(nil))
	require.False(t, Retryable(errors.New("plain")))
	require.True(t, Retryable(&StatusError{StatusCode: 503, Retryable: true}))
	require.False(t, Retryable(&StatusError{StatusCode: 404}))
}

func TestSleepContextHonorsCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
	require.NoError(t, sleepContext(context.Background(), 0))
}
