package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

const (
	defaultPollInterval = 100 * time.Millisecond
	challengePoll       = 500 * time.Millisecond
	challengeSettle     = time.Second
	scrollSettle        = 500 * time.Millisecond
	maxScrollRounds     = 20
)

// Session is one tab. It is not safe for concurrent use.
type Session struct {
	browser *Browser
	tabCtx  context.Context
	cancel  context.CancelFunc
	release func()
	meta    *responseMeta
	poll    time.Duration
	url     string

	closeOnce sync.Once
}

// Close shuts the tab and frees its slot. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.release()
	})
}

// Open navigates and waits for the load event and a ready body, bounded by
// the browser's navigation timeout.
func (s *Session) Open(ctx context.Context, rawURL string) error {
	s.url = rawURL
	if err := s.browser.waitDomainBudget(ctx, rawURL); err != nil {
		return fmt.Errorf("render rate limit: %w", err)
	}
	err := s.run(ctx, s.browser.cfg.NavTimeout,
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("open %s: %w", rawURL, ctx.Err())
		}
		return renderErr(KindNavigationTimeout, rawURL, err)
	}
	return nil
}

// WaitForSelector polls until selector matches or timeout elapses. A timeout
// is reported as found=false with a nil error.
func (s *Session) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) (bool, error) {
	quoted, err := json.Marshal(selector)
	if err != nil {
		return false, renderErr(KindScriptError, s.url, err)
	}
	expr := fmt.Sprintf("document.querySelector(%s) !== null", quoted)
	deadline := time.Now().Add(timeout)
	for {
		var found bool
		if err := s.run(ctx, s.browser.cfg.NavTimeout, chromedp.Evaluate(expr, &found)); err != nil {
			if ctx.Err() != nil {
				return false, fmt.Errorf("wait for %q: %w", selector, ctx.Err())
			}
			return false, renderErr(KindScriptError, s.url, err)
		}
		if found {
			return true, nil
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}
		if err := pause(ctx, s.poll); err != nil {
			return false, fmt.Errorf("wait for %q: %w", selector, err)
		}
	}
}

// HTML returns the serialized document.
func (s *Session) HTML(ctx context.Context) (string, error) {
	var html string
	if err := s.run(ctx, s.browser.cfg.NavTimeout, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", renderErr(KindExtractionError, s.url, err)
	}
	return html, nil
}

// Title returns document.title.
func (s *Session) Title(ctx context.Context) (string, error) {
	var title string
	if err := s.run(ctx, s.browser.cfg.NavTimeout, chromedp.Title(&title)); err != nil {
		return "", renderErr(KindExtractionError, s.url, err)
	}
	return title, nil
}

// Evaluate runs script in the page and decodes its result into res.
func (s *Session) Evaluate(ctx context.Context, script string, res any) error {
	if err := s.run(ctx, s.browser.cfg.NavTimeout, chromedp.Evaluate(script, res)); err != nil {
		return renderErr(KindScriptError, s.url, err)
	}
	return nil
}

// ScrollToBottom scrolls until the document stops growing, then settles so
// lazy-loaded items can attach.
func (s *Session) ScrollToBottom(ctx context.Context) error {
	const script = `window.scrollTo(0, document.body.scrollHeight); document.body.scrollHeight`
	var last float64 = -1
	for round := 0; round < maxScrollRounds; round++ {
		var height float64
		if err := s.Evaluate(ctx, script, &height); err != nil {
			return err
		}
		if height == last {
			break
		}
		last = height
		if err := pause(ctx, 4*s.poll); err != nil {
			return fmt.Errorf("scroll: %w", err)
		}
	}
	if err := pause(ctx, scrollSettle); err != nil {
		return fmt.Errorf("scroll settle: %w", err)
	}
	return nil
}

// WaitForChallengeClear returns immediately when no challenge is showing.
// Otherwise it polls until the interstitial is gone and then settles briefly.
// A challenge still present at timeout yields a challenge-timeout RenderError
// carrying the page HTML.
func (s *Session) WaitForChallengeClear(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	seen := false
	for {
		var title, html string
		err := s.run(ctx, s.browser.cfg.NavTimeout,
			chromedp.Title(&title),
			chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("challenge wait: %w", ctx.Err())
			}
			return renderErr(KindExtractionError, s.url, err)
		}
		if !DetectChallenge(title, []byte(html)) {
			if !seen {
				return nil
			}
			s.browser.logger.Debug("challenge cleared", zap.String("url", s.url))
			if err := pause(ctx, challengeSettle); err != nil {
				return fmt.Errorf("challenge settle: %w", err)
			}
			return nil
		}
		if !seen {
			s.browser.logger.Info("challenge detected, waiting", zap.String("url", s.url), zap.Duration("timeout", timeout))
			seen = true
		}
		if !time.Now().Before(deadline) {
			rerr := renderErr(KindChallengeTimeout, s.url, fmt.Errorf("still challenged after %s", timeout))
			rerr.Snapshot = []byte(html)
			return rerr
		}
		if err := pause(ctx, challengePoll); err != nil {
			return fmt.Errorf("challenge wait: %w", err)
		}
	}
}

func (s *Session) location(ctx context.Context) string {
	var loc string
	if err := s.run(ctx, s.browser.cfg.NavTimeout, chromedp.Location(&loc)); err != nil {
		return ""
	}
	return loc
}

func (s *Session) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	taskCtx, cancel := context.WithTimeout(s.tabCtx, timeout)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return fmt.Errorf("chromedp run: %w", err)
	}
	return nil
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// responseMeta tracks the latest document response; after a challenge clears
// that is the real page rather than the interstitial.
type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{headers: http.Header{}}
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	m.mu.RLock()
	status, headers, url := m.status, m.headers.Clone(), m.url
	m.mu.RUnlock()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}
