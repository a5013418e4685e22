package browser

import (
	"errors"
	"fmt"
)

// RenderKind names the way a browser session failed.
type RenderKind string

// Render failure kinds.
const (
	KindNavigationTimeout RenderKind = "navigation-timeout"
	KindSelectorTimeout   RenderKind = "selector-timeout"
	KindScriptError       RenderKind = "script-error"
	KindExtractionError   RenderKind = "extraction-error"
	KindChallengeTimeout  RenderKind = "challenge-timeout"
)

var (
	// ErrNavigationTimeout matches RenderErrors of kind navigation-timeout.
	ErrNavigationTimeout = errors.New("navigation timeout")
	// ErrSelectorTimeout matches RenderErrors of kind selector-timeout.
	ErrSelectorTimeout = errors.New("selector timeout")
	// ErrScript matches RenderErrors of kind script-error.
	ErrScript = errors.New("script error")
	// ErrExtraction matches RenderErrors of kind extraction-error.
	ErrExtraction = errors.New("extraction error")
	// ErrChallengeTimeout matches RenderErrors of kind challenge-timeout.
	ErrChallengeTimeout = errors.New("challenge did not clear")
	// ErrClosed is returned by a Browser after Close.
	ErrClosed = errors.New("browser closed")
)

// RenderError is the typed outcome of a failed session step. Snapshot carries
// the page HTML when it could still be read, which is how challenge pages end
// up in blob storage.
type RenderError struct {
	Kind     RenderKind
	URL      string
	Err      error
	Snapshot []byte
}

func (e *RenderError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("render %s: %s", e.URL, e.Kind)
	}
	return fmt.Sprintf("render %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *RenderError) Unwrap() error {
	return e.Err
}

// Timeout reports navigation and selector waits that ran out of time.
func (e *RenderError) Timeout() bool {
	return e.Kind == KindNavigationTimeout || e.Kind == KindSelectorTimeout
}

// Challenged reports a page still behind an anti-bot challenge.
func (e *RenderError) Challenged() bool {
	return e.Kind == KindChallengeTimeout
}

// Is lets callers match a kind with errors.Is(err, browser.ErrSelectorTimeout).
func (e *RenderError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

func (k RenderKind) sentinel() error {
	switch k {
	case KindNavigationTimeout:
		return ErrNavigationTimeout
	case KindSelectorTimeout:
		return ErrSelectorTimeout
	case KindScriptError:
		return ErrScript
	case KindExtractionError:
		return ErrExtraction
	case KindChallengeTimeout:
		return ErrChallengeTimeout
	default:
		return nil
	}
}

func renderErr(kind RenderKind, rawURL string, err error) *RenderError {
	return &RenderError{Kind: kind, URL: rawURL, Err: err}
}

// IsRenderError reports whether err came from a browser session step.
func IsRenderError(err error) bool {
	var re *RenderError
	return errors.As(err, &re)
}
