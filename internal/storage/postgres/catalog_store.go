package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/manga-aggregator/internal/catalog"
	"github.com/JakeFAU/manga-aggregator/internal/store"
)

const (
	selectEntryForUpdate = `
		SELECT id, title, alt_titles, cover_url, description, tags, content_rating
		FROM manga
		WHERE merge_key = $1
		FOR UPDATE;
	`
	insertEntry = `
		INSERT INTO manga (
			id, merge_key, title, alt_titles, cover_url, description, tags, content_rating,
			monitor_enabled, recheck_interval_s, discovery_interval_s, last_checked_at, last_discovered_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13);
	`
	updateEntry = `
		UPDATE manga
		SET alt_titles = $2, cover_url = $3, description = $4, tags = $5, content_rating = $6, updated_at = now()
		WHERE id = $1;
	`
	insertSourceLink = `
		INSERT INTO manga_sources (manga_id, source_id, native_id, url)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (manga_id, source_id) DO UPDATE SET native_id = manga_sources.native_id
		RETURNING id;
	`
	insertChapters = `
		INSERT INTO chapters (manga_source_id, label, url, scraped)
		SELECT $1, c.label, c.url, c.scraped
		FROM unnest($2::text[], $3::text[], $4::bool[]) AS c(label, url, scraped)
		ON CONFLICT (manga_source_id, url) DO NOTHING;
	`
)

// CatalogStore runs each crawl's commit in one Postgres transaction.
type CatalogStore struct {
	db DB
}

// NewCatalogStore wraps db.
func NewCatalogStore(db DB) *CatalogStore {
	return &CatalogStore{db: db}
}

// Close releases the pool.
func (s *CatalogStore) Close() {
	if s != nil && s.db != nil {
		s.db.Close()
	}
}

// Begin opens a transaction.
func (s *CatalogStore) Begin(ctx context.Context) (store.CatalogTx, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, &store.PersistenceError{Op: "begin", Err: err}
	}
	return &catalogTx{tx: tx}, nil
}

type catalogTx struct {
	tx pgx.Tx
}

// UpsertEntry locks the row for the merge key, then inserts or fills it.
func (t *catalogTx) UpsertEntry(ctx context.Context, entry catalog.Entry) (string, error) {
	key := entry.Key
	if key == "" {
		key = catalog.NormalizeTitle(entry.Title)
	}
	if key == "" {
		return "", &store.PersistenceError{Op: "upsert entry", Err: catalog.ErrEmptyTitle}
	}
	var cur catalog.Entry
	err := t.tx.QueryRow(ctx, selectEntryForUpdate, key).Scan(
		&cur.ID,
		&cur.Title,
		&cur.AltTitles,
		&cur.CoverURL,
		&cur.Description,
		&cur.Tags,
		&cur.ContentRating,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		if entry.ID == "" {
			return "", &store.PersistenceError{Op: "upsert entry", Err: errors.New("entry id is required")}
		}
		_, err = t.tx.Exec(ctx, insertEntry,
			entry.ID,
			key,
			entry.Title,
			nonNil(entry.AltTitles),
			entry.CoverURL,
			entry.Description,
			nonNil(entry.Tags),
			entry.ContentRating,
			entry.Monitor.Enabled,
			int64(entry.Monitor.RecheckInterval/time.Second),
			int64(entry.Monitor.DiscoveryInterval/time.Second),
			entry.Monitor.LastCheckedAt,
			entry.Monitor.LastDiscoveredAt,
		)
		if err != nil {
			return "", &store.PersistenceError{Op: "insert entry", Err: err}
		}
		return entry.ID, nil
	}
	if err != nil {
		return "", &store.PersistenceError{Op: "select entry", Err: err}
	}
	catalog.FillMissing(&cur, entry)
	if _, err := t.tx.Exec(ctx, updateEntry,
		cur.ID,
		nonNil(cur.AltTitles),
		cur.CoverURL,
		cur.Description,
		nonNil(cur.Tags),
		cur.ContentRating,
	); err != nil {
		return "", &store.PersistenceError{Op: "update entry", Err: err}
	}
	return cur.ID, nil
}

func (t *catalogTx) InsertSourceLink(ctx context.Context, link catalog.SourceLink) (int64, error) {
	var id int64
	if err := t.tx.QueryRow(ctx, insertSourceLink, link.EntryID, link.SourceID, link.NativeID, link.URL).Scan(&id); err != nil {
		return 0, &store.PersistenceError{Op: "insert source link", Err: err}
	}
	return id, nil
}

func (t *catalogTx) InsertChapters(ctx context.Context, linkID int64, chapters []catalog.Chapter) error {
	if len(chapters) == 0 {
		return nil
	}
	labels := make([]string, 0, len(chapters))
	urls := make([]string, 0, len(chapters))
	scraped := make([]bool, 0, len(chapters))
	for _, ch := range chapters {
		if ch.URL == "" {
			continue
		}
		labels = append(labels, ch.Label)
		urls = append(urls, ch.URL)
		scraped = append(scraped, ch.Scraped)
	}
	if len(urls) == 0 {
		return nil
	}
	if _, err := t.tx.Exec(ctx, insertChapters, linkID, labels, urls, scraped); err != nil {
		return &store.PersistenceError{Op: "insert chapters", Err: err}
	}
	return nil
}

func (t *catalogTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return &store.PersistenceError{Op: "commit", Err: err}
	}
	return nil
}

func (t *catalogTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return &store.PersistenceError{Op: "rollback", Err: err}
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
