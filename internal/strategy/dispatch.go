package strategy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/manga-aggregator/internal/browser"
	"github.com/JakeFAU/manga-aggregator/internal/fetch"
	"github.com/JakeFAU/manga-aggregator/internal/metrics"
	"github.com/JakeFAU/manga-aggregator/internal/store"
)

// Fetcher is the HTTP side of dispatch; *fetch.Client satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, headers http.Header) (fetch.Response, error)
	FetchOnce(ctx context.Context, rawURL string, headers http.Header) (fetch.Response, error)
}

// Renderer is the browser side of dispatch; *browser.Browser satisfies it.
type Renderer interface {
	Render(ctx context.Context, rawURL string, opts browser.RenderOptions) (browser.Page, error)
}

// Hasher names snapshot objects by content.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Request is one page fetch. When Force is set, Strategy overrides the table.
type Request struct {
	URL      string
	Headers  http.Header
	Strategy Strategy
	Force    bool
	Render   browser.RenderOptions
}

// Result is the fetched document and how it was obtained.
type Result struct {
	URL        string
	FinalURL   string
	StatusCode int
	Headers    http.Header
	Body       []byte
	// Strategy is the classified (or forced) strategy; Used differs from it
	// only after escalation.
	Strategy  Strategy
	Used      Strategy
	Escalated bool
	Reason    string
	Attempts  int
	Duration  time.Duration
}

// Options wires a Dispatcher. Renderer may be nil, which disables Browser and
// escalation: Browser-classified URLs then fall back to Resilient.
type Options struct {
	Table          *Table
	Client         Fetcher
	Renderer       Renderer
	Snapshots      store.BlobStore
	SnapshotPrefix string
	Hasher         Hasher
	Recorder       fetch.Recorder
	Logger         *zap.Logger
}

// Dispatcher routes requests to the fetch client or the browser.
type Dispatcher struct {
	table     *Table
	client    Fetcher
	renderer  Renderer
	snapshots store.BlobStore
	prefix    string
	hasher    Hasher
	recorder  fetch.Recorder
	logger    *zap.Logger
}

// NewDispatcher validates opts.
func NewDispatcher(opts Options) (*Dispatcher, error) {
	if opts.Client == nil {
		return nil, errors.New("strategy: fetch client is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := opts.SnapshotPrefix
	if prefix == "" {
		prefix = "challenges"
	}
	return &Dispatcher{
		table:     opts.Table,
		client:    opts.Client,
		renderer:  opts.Renderer,
		snapshots: opts.Snapshots,
		prefix:    prefix,
		hasher:    opts.Hasher,
		recorder:  opts.Recorder,
		logger:    logger,
	}, nil
}

// Classify exposes the table decision for a URL.
func (d *Dispatcher) Classify(rawURL string) Strategy {
	return d.table.Classify(rawURL)
}

// BrowserEnabled reports whether a renderer is wired.
func (d *Dispatcher) BrowserEnabled() bool {
	return d.renderer != nil
}

// Fetch classifies req and runs the matching strategy.
func (d *Dispatcher) Fetch(ctx context.Context, req Request) (Result, error) {
	strat := d.table.Classify(req.URL)
	if req.Force {
		strat = req.Strategy
	}
	start := time.Now()

	var (
		res Result
		err error
	)
	switch strat {
	case Direct:
		res, err = d.direct(ctx, req)
	case Resilient:
		res, err = d.resilient(ctx, req)
	case Browser:
		if d.renderer == nil {
			d.logger.Debug("browser disabled, using resilient fetch", zap.String("url", req.URL))
			res, err = d.resilient(ctx, req)
			break
		}
		res, err = d.render(ctx, req)
	default:
		return Result{}, fmt.Errorf("dispatch %s: unknown %s", req.URL, strat)
	}
	res.Strategy = strat
	res.Duration = time.Since(start)
	metrics.ObserveDispatch(strat.String(), res.Escalated)
	return res, err
}

func (d *Dispatcher) direct(ctx context.Context, req Request) (Result, error) {
	resp, err := d.client.FetchOnce(ctx, req.URL, req.Headers)
	return fromResponse(req.URL, Direct, resp), err
}

func (d *Dispatcher) resilient(ctx context.Context, req Request) (Result, error) {
	resp, err := d.client.Fetch(ctx, req.URL, req.Headers)
	res := fromResponse(req.URL, Resilient, resp)
	if d.renderer == nil || ctx.Err() != nil {
		return res, err
	}
	reason := escalationReason(resp, err)
	if reason == "" {
		return res, err
	}
	d.logger.Info("escalating to browser",
		zap.String("url", req.URL),
		zap.String("reason", reason),
		zap.Int("status", resp.StatusCode),
		zap.NamedError("fetch_error", err),
	)
	rendered, renderErr := d.render(ctx, req)
	rendered.Escalated = true
	rendered.Reason = reason
	rendered.Attempts += resp.Attempts
	if renderErr != nil {
		if err != nil {
			return rendered, fmt.Errorf("escalated after %v: %w", err, renderErr)
		}
		return rendered, fmt.Errorf("escalated after %s: %w", reason, renderErr)
	}
	return rendered, nil
}

func (d *Dispatcher) render(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	page, err := d.renderer.Render(ctx, req.URL, req.Render)
	if d.recorder != nil {
		d.recorder.Record(recorderKey(ctx, req.URL), time.Since(start), err)
	}
	res := Result{
		URL:        req.URL,
		FinalURL:   page.FinalURL,
		StatusCode: page.StatusCode,
		Headers:    page.Headers,
		Body:       page.Body,
		Used:       Browser,
		Attempts:   1,
	}
	if err != nil {
		var re *browser.RenderError
		if errors.As(err, &re) && re.Kind == browser.KindChallengeTimeout && len(re.Snapshot) > 0 {
			d.saveSnapshot(ctx, req.URL, re.Snapshot)
		}
		return res, err
	}
	return res, nil
}

// saveSnapshot is best effort; a failed upload is logged and dropped.
func (d *Dispatcher) saveSnapshot(ctx context.Context, rawURL string, html []byte) {
	if d.snapshots == nil {
		return
	}
	name := time.Now().UTC().Format("20060102T150405.000000000")
	if d.hasher != nil {
		if sum, err := d.hasher.Hash(html); err == nil {
			name = sum
		}
	}
	objectPath := path.Join(d.prefix, metrics.SanitizeSite(rawURL), name+".html")
	uri, err := d.snapshots.PutObject(context.WithoutCancel(ctx), objectPath, "text/html; charset=utf-8", bytes.NewReader(html))
	if err != nil {
		d.logger.Warn("challenge snapshot failed", zap.String("url", rawURL), zap.Error(err))
		return
	}
	metrics.ObserveChallengeSnapshot()
	d.logger.Info("challenge snapshot saved", zap.String("url", rawURL), zap.String("uri", uri))
}

func fromResponse(rawURL string, used Strategy, resp fetch.Response) Result {
	return Result{
		URL:        rawURL,
		FinalURL:   resp.URL,
		StatusCode: resp.StatusCode,
		Headers:    resp.Headers,
		Body:       resp.Body,
		Used:       used,
		Attempts:   resp.Attempts,
	}
}

func recorderKey(ctx context.Context, rawURL string) string {
	if name := fetch.SourceFrom(ctx); name != "" {
		return name
	}
	return metrics.SanitizeSite(rawURL)
}
