package browser

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	plainPage = `<html><head><title>Latest</title></head>
<body><ul id="list"><li>One Piece</li></ul></body></html>`

	latePage = `<html><head><title>Latest</title></head><body>
<script>setTimeout(() => {
  const ul = document.createElement('ul');
  ul.id = 'late';
  document.body.appendChild(ul);
}, 300);</script></body></html>`

	clearingChallengePage = `<html><head><title>Just a moment...</title></head><body>
<div id="challenge-running">Checking your browser before accessing the site.</div>
<script>setTimeout(() => {
  document.title = 'Catalog';
  document.getElementById('challenge-running').remove();
  const ul = document.createElement('ul');
  ul.id = 'list';
  document.body.appendChild(ul);
}, 800);</script></body></html>`

	stuckChallengePage = `<html><head><title>Just a moment...</title></head><body>
<div id="challenge-running">Checking your browser before accessing the site.</div>
</body></html>`

	growingPage = `<html><head><title>Feed</title></head><body>
<div class="item" style="height:2000px">first</div>
<script>
let added = 0;
window.addEventListener('scroll', () => {
  if (added < 3 && window.innerHeight + window.scrollY >= document.body.scrollHeight - 10) {
    added++;
    const d = document.createElement('div');
    d.className = 'item';
    d.style.height = '2000px';
    document.body.appendChild(d);
  }
});
</script></body></html>`
)

// chromePath finds a local Chrome or skips; CHROME_PATH wins over PATH lookup.
func chromePath(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("browser tests need Chrome")
	}
	if p := os.Getenv("CHROME_PATH"); p != "" {
		return p
	}
	for _, name := range []string{"chromium", "chromium-browser", "google-chrome", "google-chrome-stable", "headless-shell"} {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}
	t.Skip("no Chrome binary on PATH")
	return ""
}

func newTestBrowser(t *testing.T) *Browser {
	t.Helper()
	b, err := New(Config{
		Headless:         true,
		NoSandbox:        true,
		ExecPath:         chromePath(t),
		NavTimeout:       20 * time.Second,
		ChallengeTimeout: 5 * time.Second,
		MaxParallel:      2,
	})
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b
}

func pageServer(t *testing.T) *httptest.Server {
	t.Helper()
	pages := map[string]string{
		"/plain":            plainPage,
		"/late":             latePage,
		"/challenge-clears": clearingChallengePage,
		"/challenge-stuck":  stuckChallengePage,
		"/feed":             growingPage,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func openSession(t *testing.T, b *Browser, rawURL string) *Session {
	t.Helper()
	s, err := b.NewSession(context.Background())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Open(context.Background(), rawURL))
	return s
}

func TestSessionWaitForSelector(t *testing.T) {
	b := newTestBrowser(t)
	srv := pageServer(t)
	ctx := context.Background()

	s := openSession(t, b, srv.URL+"/plain")
	require.Equal(t, 100*time.Millisecond, s.poll)

	found, err := s.WaitForSelector(ctx, "#list li", time.Second)
	require.NoError(t, err)
	require.True(t, found)

	start := time.Now()
	found, err = s.WaitForSelector(ctx, "#missing", 300*time.Millisecond)
	require.NoError(t, err)
	require.False(t, found)
	require.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
	require.Less(t, time.Since(start), 5*time.Second)

	_, err = s.WaitForSelector(ctx, "[[", time.Second)
	require.ErrorIs(t, err, ErrScript)

	late := openSession(t, b, srv.URL+"/late")
	found, err = late.WaitForSelector(ctx, "#late", 3*time.Second)
	require.NoError(t, err)
	require.True(t, found)
}

func TestSessionWaitForChallengeClear(t *testing.T) {
	b := newTestBrowser(t)
	srv := pageServer(t)
	ctx := context.Background()

	t.Run("no challenge", func(t *testing.T) {
		s := openSession(t, b, srv.URL+"/plain")
		start := time.Now()
		require.NoError(t, s.WaitForChallengeClear(ctx, 5*time.Second))
		require.Less(t, time.Since(start), challengeSettle)
	})

	t.Run("clears and settles", func(t *testing.T) {
		s := openSession(t, b, srv.URL+"/challenge-clears")
		start := time.Now()
		require.NoError(t, s.WaitForChallengeClear(ctx, 5*time.Second))
		require.GreaterOrEqual(t, time.Since(start), challengeSettle)

		title, err := s.Title(ctx)
		require.NoError(t, err)
		require.Equal(t, "Catalog", title)
		found, err := s.WaitForSelector(ctx, "#list", time.Second)
		require.NoError(t, err)
		require.True(t, found)
	})

	t.Run("never clears", func(t *testing.T) {
		s := openSession(t, b, srv.URL+"/challenge-stuck")
		err := s.WaitForChallengeClear(ctx, 700*time.Millisecond)
		require.ErrorIs(t, err, ErrChallengeTimeout)

		var re *RenderError
		require.ErrorAs(t, err, &re)
		require.Equal(t, KindChallengeTimeout, re.Kind)
		require.Contains(t, string(re.Snapshot), "challenge-running")
	})
}

func TestSessionScrollToBottom(t *testing.T) {
	b := newTestBrowser(t)
	srv := pageServer(t)
	ctx := context.Background()

	s := openSession(t, b, srv.URL+"/feed")
	require.NoError(t, s.ScrollToBottom(ctx))

	var items int
	require.NoError(t, s.Evaluate(ctx, `document.querySelectorAll('.item').length`, &items))
	require.Equal(t, 4, items)
}

func TestRenderAgainstLocalPages(t *testing.T) {
	b := newTestBrowser(t)
	srv := pageServer(t)
	ctx := context.Background()

	page, err := b.Render(ctx, srv.URL+"/plain", RenderOptions{WaitSelector: "#list"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, page.StatusCode)
	require.Equal(t, "Latest", page.Title)
	require.Contains(t, string(page.Body), "One Piece")

	_, err = b.Render(ctx, srv.URL+"/plain", RenderOptions{WaitSelector: "#nope", SelectorTimeout: 200 * time.Millisecond})
	require.ErrorIs(t, err, ErrSelectorTimeout)
}

func TestBrowserRelaunchesAfterExit(t *testing.T) {
	b := newTestBrowser(t)

	s, err := b.NewSession(context.Background())
	require.NoError(t, err)
	s.Close()

	b.mu.Lock()
	b.browserStop()
	b.mu.Unlock()

	s, err = b.NewSession(context.Background())
	require.NoError(t, err)
	s.Close()

	b.mu.Lock()
	defer b.mu.Unlock()
	require.Equal(t, 2, b.launches)
}
