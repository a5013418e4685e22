package store

import (
	"context"
	"fmt"
	"io"

	"github.com/JakeFAU/manga-aggregator/internal/catalog"
)

// CatalogStore opens one transaction per crawl run.
type CatalogStore interface {
	Begin(ctx context.Context) (CatalogTx, error)
}

// CatalogTx applies a run's merged catalog atomically. Nothing written through
// a CatalogTx is visible until Commit; Rollback after Commit is a no-op.
type CatalogTx interface {
	// UpsertEntry inserts a canonical entry keyed by its merge key, or fills the
	// missing attributes of the stored one. It returns the persisted id, which
	// differs from entry.ID when an earlier run created the row.
	UpsertEntry(ctx context.Context, entry catalog.Entry) (string, error)
	// InsertSourceLink inserts the (entry, source) link if absent and returns
	// its id either way.
	InsertSourceLink(ctx context.Context, link catalog.SourceLink) (int64, error)
	// InsertChapters stores chapters for a link, ignoring (link, url) duplicates.
	InsertChapters(ctx context.Context, linkID int64, chapters []catalog.Chapter) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// BlobStore persists opaque objects such as challenge page snapshots.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// PersistenceError wraps a failed catalog write. It is the only error that
// aborts a crawl run.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
