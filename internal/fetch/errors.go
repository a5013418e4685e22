package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// TransportKind classifies network-level failures.
type TransportKind string

// Transport failure kinds. All of them are retry-eligible.
const (
	KindTimeout TransportKind = "timeout"
	KindConnect TransportKind = "connect"
	KindRequest TransportKind = "request"
)

// TransportError is a failure below the HTTP layer: DNS, dial, TLS, timeouts,
// or a request that could not be built.
type TransportError struct {
	URL  string
	Kind TransportKind
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("fetch %s: %s error: %v", e.URL, e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the failure was a timeout.
func (e *TransportError) Timeout() bool {
	return e.Kind == KindTimeout
}

// StatusError reports a non-success HTTP status. Retryable distinguishes
// transient load signals (429, 5xx, 52x) from structural blocks such as 403/404.
type StatusError struct {
	URL        string
	StatusCode int
	Retryable  bool
}

func (e *StatusError) Error() string {
	class := "terminal"
	if e.Retryable {
		class = "retryable"
	}
	return fmt.Sprintf("fetch %s: %s status %d", e.URL, class, e.StatusCode)
}

// HTTPStatus exposes the response status for failure classification.
func (e *StatusError) HTTPStatus() int {
	return e.StatusCode
}

// Retryable reports whether err is eligible for another attempt.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable
	}
	var transportErr *TransportError
	return errors.As(err, &transportErr)
}

// IsRetryableStatus reports whether an HTTP status should be retried.
func IsRetryableStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	}
	return code >= 520 && code <= 527
}

func classifyTransport(rawURL string, err error) *TransportError {
	kind := KindConnect
	var urlErr *url.Error
	var netErr net.Error
	var opErr *net.OpError
	var dnsErr *net.DNSError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = KindTimeout
	case errors.As(err, &dnsErr), errors.As(err, &opErr):
		kind = KindConnect
	case errors.As(err, &urlErr) && urlErr.Op == "parse":
		kind = KindRequest
	case isRequestBuildError(err):
		kind = KindRequest
	}
	return &TransportError{URL: rawURL, Kind: kind, Err: err}
}

func isRequestBuildError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"unsupported protocol scheme", "missing url", "invalid url", "no host in request"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
