package browser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/manga-aggregator/internal/fetch"
)

func TestNewValidatesAndDefaults(t *testing.T) {
	t.Parallel()

	_, err := New(Config{MaxParallel: -1})
	require.Error(t, err)

	b, err := New(Config{MaxParallel: 2})
	require.NoError(t, err)
	require.Equal(t, 2, cap(b.sem))
	require.Equal(t, defaultNavTimeout, b.cfg.NavTimeout)
	require.Equal(t, defaultChallengeTimeout, b.cfg.ChallengeTimeout)
	require.Equal(t, defaultWidth, b.cfg.WindowWidth)
	require.Equal(t, defaultHeight, b.cfg.WindowHeight)
	require.Equal(t, fetch.DefaultUserAgents[0], b.cfg.UserAgent)

	unbounded, err := New(Config{})
	require.NoError(t, err)
	require.Nil(t, unbounded.sem)
}

func TestAllocatorOptionsIncludeExecPath(t *testing.T) {
	t.Parallel()

	plain, err := New(Config{})
	require.NoError(t, err)
	custom, err := New(Config{ExecPath: "/usr/bin/chromium"})
	require.NoError(t, err)
	require.Len(t, custom.allocatorOptions(), len(plain.allocatorOptions())+1)
}

func TestNewSessionAfterCloseFails(t *testing.T) {
	t.Parallel()

	b, err := New(Config{})
	require.NoError(t, err)
	b.Close()
	b.Close()

	_, err = b.NewSession(context.Background())
	require.ErrorIs(t, err, ErrClosed)
	_, err = b.Render(context.Background(), "https://example.com", RenderOptions{})
	require.ErrorIs(t, err, ErrClosed)
}

func TestFailedStartIsRetried(t *testing.T) {
	t.Parallel()

	b, err := New(Config{ExecPath: filepath.Join(t.TempDir(), "no-such-chrome")})
	require.NoError(t, err)
	defer b.Close()

	_, err = b.NewSession(context.Background())
	require.ErrorContains(t, err, "chromedp warmup")
	_, err = b.NewSession(context.Background())
	require.ErrorContains(t, err, "chromedp warmup")

	b.mu.Lock()
	defer b.mu.Unlock()
	require.Equal(t, 2, b.launches)
	require.Nil(t, b.browserCtx)
}

func TestAcquireSlotHonorsContext(t *testing.T) {
	t.Parallel()

	b, err := New(Config{MaxParallel: 1})
	require.NoError(t, err)

	release, err := b.acquireSlot(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = b.acquireSlot(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release2, err := b.acquireSlot(context.Background())
	require.NoError(t, err)
	release2()
}

func TestWaitDomainBudget(t *testing.T) {
	t.Parallel()

	off, err := New(Config{})
	require.NoError(t, err)
	require.NoError(t, off.waitDomainBudget(context.Background(), "://bad"))

	on, err := New(Config{DomainQPS: 0.001})
	require.NoError(t, err)
	require.Error(t, on.waitDomainBudget(context.Background(), "://bad"))
	require.NoError(t, on.waitDomainBudget(context.Background(), "https://Example.com/a"))

	// the single token is spent; the next wait must block past the deadline
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, on.waitDomainBudget(ctx, "https://example.com/b"))
	require.NoError(t, on.waitDomainBudget(context.Background(), "https://other.example/"))
}

func TestRenderErrorMatching(t *testing.T) {
	t.Parallel()

	cases := map[RenderKind]error{
		KindNavigationTimeout: ErrNavigationTimeout,
		KindSelectorTimeout:   ErrSelectorTimeout,
		KindScriptError:       ErrScript,
		KindExtractionError:   ErrExtraction,
		KindChallengeTimeout:  ErrChallengeTimeout,
	}
	cause := errors.New("cdp failure")
	for kind, sentinel := range cases {
		err := fmt.Errorf("wrapped: %w", renderErr(kind, "https://example.com", cause))
		require.ErrorIs(t, err, sentinel, kind)
		require.ErrorIs(t, err, cause, kind)
		require.True(t, IsRenderError(err))
		for other, otherSentinel := range cases {
			if other != kind {
				require.NotErrorIs(t, err, otherSentinel)
			}
		}
	}
	require.False(t, IsRenderError(cause))
	require.Contains(t, renderErr(KindScriptError, "u", nil).Error(), "script-error")
}

func TestResponseMetaCaptureAndFallbacks(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 503, URL: "https://example.com/challenge"},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{Status: 404, URL: "https://example.com/app.js"},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  200,
			URL:     "https://example.com/title/1",
			Headers: network.Headers{"X-Request-ID": "abc", "Set-Cookie": []any{"a=1", "b=2"}},
		},
	})
	status, headers, url := meta.snapshotWithFallbacks("https://req", "")
	require.Equal(t, 200, status)
	require.Equal(t, "abc", headers.Get("X-Request-ID"))
	require.Len(t, headers.Values("Set-Cookie"), 2)
	require.Equal(t, "https://example.com/title/1", url)

	empty := newResponseMeta()
	status, _, url = empty.snapshotWithFallbacks("https://req", "https://final")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "https://final", url)
	_, _, url = empty.snapshotWithFallbacks("https://req", "")
	require.Equal(t, "https://req", url)
}

func TestPauseHonorsCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, pause(ctx, time.Hour), context.Canceled)
	require.NoError(t, pause(context.Background(), 0))
}

func TestForwardCancel(t *testing.T) {
	t.Parallel()

	parent, cancelParent := context.WithCancel(context.Background())
	child, cancelChild := context.WithCancel(context.Background())
	defer cancelChild()

	stop := forwardCancel(parent, cancelChild)
	defer stop()
	cancelParent()
	require.Eventually(t, func() bool { return child.Err() != nil }, time.Second, 5*time.Millisecond)
}
