// Package fetch implements the resilient HTTP client: browser-like identity
// rotation, per-attempt timeouts, and status-aware retry with jittered backoff.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/JakeFAU/manga-aggregator/internal/metrics"
)

const defaultTimeout = 20 * time.Second

// Waiter gates each attempt, typically with a per-host token bucket.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Recorder receives one observation per Fetch call.
type Recorder interface {
	Record(source string, latency time.Duration, err error)
}

// Config controls the client. MaxRetries counts additional attempts after the
// first one; zero disables retries.
type Config struct {
	Timeout        time.Duration
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	UserAgents     []string
	Limiter        Waiter
	Recorder       Recorder
	Logger         *zap.Logger
}

// Response is the outcome of a fetch that reached an HTTP server.
type Response struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Attempts   int
	Duration   time.Duration
}

// Client is safe for concurrent use; the only shared state is the read-only
// identity pool, the cookie jar, and the pooled transport.
type Client struct {
	cfg        Config
	policy     RetryPolicy
	identities *identityPool
	base       *colly.Collector
	logger     *zap.Logger
	sleep      func(context.Context, time.Duration) error
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Client with a pooled transport and a public-suffix aware cookie jar.
func New(cfg Config) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.ParseHTTPErrorResponse = true
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())
	c.SetCookieJar(jar)

	return &Client{
		cfg:        cfg,
		policy:     RetryPolicy{Initial: cfg.BackoffInitial, Max: cfg.BackoffMax},
		identities: newIdentityPool(cfg.UserAgents),
		base:       c,
		logger:     logger,
		sleep:      sleepContext,
	}, nil
}

// Fetch issues a GET with retries. Retryable statuses and transport errors are
// retried up to MaxRetries times; other 4xx statuses return immediately. On
// failure the last Response (if any server answered) is returned alongside a
// *StatusError or *TransportError.
func (c *Client) Fetch(ctx context.Context, rawURL string, headers http.Header) (Response, error) {
	return c.do(ctx, rawURL, headers, c.cfg.MaxRetries)
}

// FetchOnce issues a single attempt with the same identity and header treatment.
func (c *Client) FetchOnce(ctx context.Context, rawURL string, headers http.Header) (Response, error) {
	return c.do(ctx, rawURL, headers, 0)
}

func (c *Client) do(ctx context.Context, rawURL string, headers http.Header, maxRetries int) (Response, error) {
	start := time.Now()
	site := metrics.SanitizeSite(rawURL)
	var (
		resp Response
		err  error
	)
	for attempt := 0; ; attempt++ {
		if c.cfg.Limiter != nil {
			if waitErr := c.cfg.Limiter.Wait(ctx, rawURL); waitErr != nil {
				err = fmt.Errorf("fetch %s: %w", rawURL, waitErr)
				break
			}
		}
		resp, err = c.attempt(ctx, rawURL, headers)
		resp.Attempts = attempt + 1
		metrics.ObserveFetchAttempt(site, attemptOutcome(err))
		if err == nil || ctx.Err() != nil || attempt >= maxRetries || !Retryable(err) {
			break
		}
		delay := c.policy.Backoff(attempt)
		c.logger.Debug("fetch attempt failed, backing off",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		metrics.ObserveRetry(site, delay)
		if sleepErr := c.sleep(ctx, delay); sleepErr != nil {
			break
		}
	}
	resp.Duration = time.Since(start)
	if c.cfg.Recorder != nil {
		c.cfg.Recorder.Record(metricsKey(ctx, rawURL), resp.Duration, err)
	}
	return resp, err
}

func (c *Client) attempt(ctx context.Context, rawURL string, headers http.Header) (Response, error) {
	var (
		result   Response
		fetchErr error
	)
	collector := c.buildCollector(ctx, headers, &result, &fetchErr)
	if err := runCollector(ctx, collector, rawURL, &fetchErr); err != nil {
		var decodeErr *DecodeError
		if ctx.Err() == nil && errors.As(err, &decodeErr) && result.StatusCode < http.StatusBadRequest {
			decodeErr.URL = rawURL
			return result, decodeErr
		}
		if ctx.Err() == nil && decodeErr != nil {
			return result, &StatusError{
				URL:        rawURL,
				StatusCode: result.StatusCode,
				Retryable:  IsRetryableStatus(result.StatusCode),
			}
		}
		if ctx.Err() != nil {
			// the visit goroutine may still be writing result
			return Response{}, classifyTransport(rawURL, err)
		}
		return result, classifyTransport(rawURL, err)
	}
	if result.StatusCode >= http.StatusBadRequest {
		return result, &StatusError{
			URL:        rawURL,
			StatusCode: result.StatusCode,
			Retryable:  IsRetryableStatus(result.StatusCode),
		}
	}
	return result, nil
}

func (c *Client) buildCollector(
	ctx context.Context,
	headers http.Header,
	result *Response,
	fetchErr *error,
) *colly.Collector {
	collector := c.base.Clone()
	collector.Context = ctx
	collector.UserAgent = c.identities.next()
	collector.SetRequestTimeout(c.cfg.Timeout)
	c.configureHooks(collector, headers, result, fetchErr)
	return collector
}

func (c *Client) configureHooks(hooks collectorHooks, headers http.Header, result *Response, fetchErr *error) {
	hooks.OnRequest(func(r *colly.Request) {
		ua := r.Headers.Get("User-Agent")
		applyHeaders(r.Headers, headers)
		if ua != "" && headers.Get("User-Agent") == "" {
			r.Headers.Set("User-Agent", ua)
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		var respHeaders http.Header
		if r.Headers != nil {
			respHeaders = r.Headers.Clone()
		}
		body, err := decodeBody(respHeaders.Get("Content-Encoding"), r.Body)
		if err != nil {
			*fetchErr = err
			body = r.Body
		}
		finalURL := ""
		if r.Request != nil && r.Request.URL != nil {
			finalURL = r.Request.URL.String()
		}
		*result = Response{
			URL:        finalURL,
			StatusCode: r.StatusCode,
			Headers:    respHeaders,
			Body:       append([]byte(nil), body...),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 && result.StatusCode == 0 {
			result.StatusCode = r.StatusCode
		}
		*fetchErr = err
	})
}

func runCollector(ctx context.Context, collector *colly.Collector, rawURL string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func attemptOutcome(err error) string {
	if err == nil {
		return "success"
	}
	if Retryable(err) {
		return "retryable"
	}
	return "terminal"
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
	}
}
