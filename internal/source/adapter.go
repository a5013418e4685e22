// Package source holds the per-site adapter contract, the YAML catalog of
// configured sites, and a selector-driven adapter that serves most of them.
package source

import (
	"context"
	"fmt"

	"github.com/JakeFAU/manga-aggregator/internal/catalog"
)

// Adapter extracts catalog items and chapters from one site. An empty query
// means the site's default listing. Implementations return an empty slice,
// not an error, when a page simply has no items.
type Adapter interface {
	Search(ctx context.Context, query string) ([]catalog.SearchResult, error)
	ListChapters(ctx context.Context, sourceURL string) ([]catalog.Chapter, error)
}

// Adapter operations, used in AdapterError.Op.
const (
	OpSearch       = "search"
	OpListChapters = "list_chapters"
)

// AdapterError is a failure contained to one source.
type AdapterError struct {
	Source string
	Op     string
	Err    error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("source %s %s: %v", e.Source, e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}
