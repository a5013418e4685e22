// Package browser drives a long-lived headless Chrome through chromedp. Each
// navigation gets its own tab (Session) with anti-detection scripts injected
// before the first request.
package browser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/manga-aggregator/internal/fetch"
	"github.com/JakeFAU/manga-aggregator/internal/metrics"
)

const (
	defaultNavTimeout       = 45 * time.Second
	defaultChallengeTimeout = 30 * time.Second
	defaultWidth            = 1366
	defaultHeight           = 768
)

// Config controls the browser process and per-session limits.
type Config struct {
	Headless         bool
	WindowWidth      int
	WindowHeight     int
	NavTimeout       time.Duration
	ChallengeTimeout time.Duration
	MaxParallel      int
	DomainQPS        float64
	ExecPath         string
	// NoSandbox disables Chrome's sandbox, which containers running as root need.
	NoSandbox        bool
	UserAgent        string
	Logger           *zap.Logger
}

// Browser owns one Chrome process, started on first use and relaunched when a
// previous start failed or the process went away.
type Browser struct {
	cfg    Config
	logger *zap.Logger
	sem    chan struct{}

	launches    int
	allocCancel context.CancelFunc
	browserCtx  context.Context
	browserStop context.CancelFunc

	mu       sync.Mutex
	closed   bool
	limiters sync.Map
}

// New validates cfg and returns a Browser. Chrome is not launched until the
// first session is requested.
func New(cfg Config) (*Browser, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = defaultNavTimeout
	}
	if cfg.ChallengeTimeout <= 0 {
		cfg.ChallengeTimeout = defaultChallengeTimeout
	}
	if cfg.WindowWidth <= 0 || cfg.WindowHeight <= 0 {
		cfg.WindowWidth, cfg.WindowHeight = defaultWidth, defaultHeight
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = fetch.DefaultUserAgents[0]
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var sem chan struct{}
	if cfg.MaxParallel > 0 {
		sem = make(chan struct{}, cfg.MaxParallel)
	}
	return &Browser{cfg: cfg, logger: logger, sem: sem}, nil
}

// Close terminates the browser process if it was started.
func (b *Browser) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.stopLocked()
}

func (b *Browser) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", b.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(b.cfg.WindowWidth, b.cfg.WindowHeight),
		chromedp.UserAgent(b.cfg.UserAgent),
	)
	if b.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(b.cfg.ExecPath))
	}
	if b.cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	return opts
}

func (b *Browser) start() (context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if b.browserCtx != nil {
		if b.browserCtx.Err() == nil {
			return b.browserCtx, nil
		}
		b.logger.Warn("browser exited, relaunching", zap.Error(b.browserCtx.Err()))
		b.stopLocked()
	}
	b.launches++
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), b.allocatorOptions()...)
	browserCtx, browserStop := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserStop()
		allocCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}
	b.allocCancel = allocCancel
	b.browserCtx = browserCtx
	b.browserStop = browserStop
	b.logger.Info("browser started",
		zap.Bool("headless", b.cfg.Headless),
		zap.Int("max_parallel", b.cfg.MaxParallel),
		zap.Int("launch", b.launches),
	)
	return browserCtx, nil
}

// stopLocked must be called with mu held.
func (b *Browser) stopLocked() {
	if b.browserStop != nil {
		b.browserStop()
	}
	if b.allocCancel != nil {
		b.allocCancel()
	}
	b.browserCtx, b.browserStop, b.allocCancel = nil, nil, nil
}

// NewSession opens a fresh tab. The caller must Close it; closing releases the
// parallelism slot.
func (b *Browser) NewSession(ctx context.Context) (*Session, error) {
	browserCtx, err := b.start()
	if err != nil {
		return nil, err
	}
	release, err := b.acquireSlot(ctx)
	if err != nil {
		return nil, err
	}
	tabCtx, tabCancel := chromedp.NewContext(browserCtx)
	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	// allocate the target on the tab context so task timeouts never close it
	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		release()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	setupCtx, setupCancel := context.WithTimeout(tabCtx, b.cfg.NavTimeout)
	stop := forwardCancel(ctx, setupCancel)
	err = chromedp.Run(setupCtx, prepareTab(b.cfg.UserAgent))
	stop()
	setupCancel()
	if err != nil {
		tabCancel()
		release()
		return nil, fmt.Errorf("prepare tab: %w", err)
	}
	return &Session{
		browser: b,
		tabCtx:  tabCtx,
		cancel:  tabCancel,
		release: release,
		meta:    meta,
		poll:    defaultPollInterval,
	}, nil
}

func (b *Browser) acquireSlot(ctx context.Context) (func(), error) {
	if b.sem == nil {
		return func() {}, nil
	}
	select {
	case b.sem <- struct{}{}:
		return func() { <-b.sem }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire render slot: %w", ctx.Err())
	}
}

func (b *Browser) waitDomainBudget(ctx context.Context, rawURL string) error {
	if b.cfg.DomainQPS <= 0 {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse render url: %w", err)
	}
	host := strings.ToLower(parsed.Host)
	val, _ := b.limiters.LoadOrStore(host, rate.NewLimiter(rate.Limit(b.cfg.DomainQPS), 1))
	limiter, ok := val.(*rate.Limiter)
	if !ok {
		return fmt.Errorf("unexpected limiter type %T", val)
	}
	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait limiter: %w", err)
	}
	metrics.ObserveRateLimitDelay(host, time.Since(start))
	return nil
}

// RenderOptions tunes Render beyond open and extract.
type RenderOptions struct {
	WaitSelector    string
	SelectorTimeout time.Duration
	Scroll          bool
}

// Page is the rendered document.
type Page struct {
	URL        string
	FinalURL   string
	StatusCode int
	Headers    http.Header
	Title      string
	Body       []byte
	Duration   time.Duration
}

// Render opens rawURL in a new session, waits out any challenge, applies opts,
// and returns the serialized DOM.
func (b *Browser) Render(ctx context.Context, rawURL string, opts RenderOptions) (Page, error) {
	site := metrics.SanitizeSite(rawURL)
	start := time.Now()
	page, err := b.render(ctx, rawURL, opts)
	page.Duration = time.Since(start)
	outcome := "success"
	if err != nil {
		outcome = "error"
		var re *RenderError
		if errors.As(err, &re) {
			outcome = string(re.Kind)
		}
		b.logger.Debug("render failed", zap.String("url", rawURL), zap.Error(err))
	}
	metrics.ObserveRender(site, outcome)
	return page, err
}

func (b *Browser) render(ctx context.Context, rawURL string, opts RenderOptions) (Page, error) {
	s, err := b.NewSession(ctx)
	if err != nil {
		return Page{}, err
	}
	defer s.Close()

	if err := s.Open(ctx, rawURL); err != nil {
		return Page{}, err
	}
	if err := s.WaitForChallengeClear(ctx, b.cfg.ChallengeTimeout); err != nil {
		return Page{}, err
	}
	if opts.WaitSelector != "" {
		timeout := opts.SelectorTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		found, err := s.WaitForSelector(ctx, opts.WaitSelector, timeout)
		if err != nil {
			return Page{}, err
		}
		if !found {
			return Page{}, renderErr(KindSelectorTimeout, rawURL, fmt.Errorf("selector %q not found after %s", opts.WaitSelector, timeout))
		}
	}
	if opts.Scroll {
		if err := s.ScrollToBottom(ctx); err != nil {
			return Page{}, err
		}
	}
	html, err := s.HTML(ctx)
	if err != nil {
		return Page{}, err
	}
	title, _ := s.Title(ctx)
	status, headers, finalURL := s.meta.snapshotWithFallbacks(rawURL, s.location(ctx))
	return Page{
		URL:        rawURL,
		FinalURL:   finalURL,
		StatusCode: status,
		Headers:    headers,
		Title:      title,
		Body:       []byte(html),
	}, nil
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
