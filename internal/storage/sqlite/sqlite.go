// Package sqlite implements the catalog store on an embedded SQLite database
// for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver

	"github.com/JakeFAU/manga-aggregator/internal/catalog"
	"github.com/JakeFAU/manga-aggregator/internal/store"
)

// monitorColumns were added after the first release; migrate adds them to
// databases created before that.
var monitorColumns = []struct{ name, decl string }{
	{"recheck_interval_s", "INTEGER NOT NULL DEFAULT 0"},
	{"discovery_interval_s", "INTEGER NOT NULL DEFAULT 0"},
	{"last_checked_at", "DATETIME"},
	{"last_discovered_at", "DATETIME"},
}

const schema = `
CREATE TABLE IF NOT EXISTS manga (
	id                   TEXT PRIMARY KEY,
	merge_key            TEXT NOT NULL UNIQUE,
	title                TEXT NOT NULL,
	alt_titles           TEXT NOT NULL DEFAULT '[]',
	cover_url            TEXT NOT NULL DEFAULT '',
	description          TEXT NOT NULL DEFAULT '',
	tags                 TEXT NOT NULL DEFAULT '[]',
	content_rating       TEXT NOT NULL DEFAULT '',
	monitor_enabled      INTEGER NOT NULL DEFAULT 0,
	recheck_interval_s   INTEGER NOT NULL DEFAULT 0,
	discovery_interval_s INTEGER NOT NULL DEFAULT 0,
	last_checked_at      DATETIME,
	last_discovered_at   DATETIME
);
CREATE TABLE IF NOT EXISTS manga_sources (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	manga_id  TEXT NOT NULL REFERENCES manga (id) ON DELETE CASCADE,
	source_id INTEGER NOT NULL,
	native_id TEXT NOT NULL DEFAULT '',
	url       TEXT NOT NULL,
	UNIQUE (manga_id, source_id)
);
CREATE TABLE IF NOT EXISTS chapters (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	manga_source_id INTEGER NOT NULL REFERENCES manga_sources (id) ON DELETE CASCADE,
	label           TEXT NOT NULL,
	url             TEXT NOT NULL,
	scraped         INTEGER NOT NULL DEFAULT 0,
	UNIQUE (manga_source_id, url)
);
`

// Open creates the parent directory, opens path with foreign keys and WAL
// enabled, and applies the schema.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, errors.New("storage.sqlite_path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("ensure data dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer connection keeps the run transaction and the pragmas on the
	// same handle.
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{`PRAGMA foreign_keys = ON;`, `PRAGMA journal_mode = WAL;`, schema} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init sqlite: %w", err)
		}
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `SELECT name FROM pragma_table_info('manga')`)
	if err != nil {
		return fmt.Errorf("inspect manga table: %w", err)
	}
	have := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("inspect manga table: %w", err)
		}
		have[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("inspect manga table: %w", err)
	}
	for _, col := range monitorColumns {
		if have[col.name] {
			continue
		}
		if _, err := db.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE manga ADD COLUMN %s %s`, col.name, col.decl)); err != nil {
			return fmt.Errorf("add column %s: %w", col.name, err)
		}
	}
	return nil
}

// CatalogStore is a store.CatalogStore over database/sql.
type CatalogStore struct {
	db *sql.DB
}

// NewCatalogStore wraps an opened database.
func NewCatalogStore(db *sql.DB) *CatalogStore {
	return &CatalogStore{db: db}
}

// Close closes the database.
func (s *CatalogStore) Close() error {
	return s.db.Close()
}

// Begin opens a transaction.
func (s *CatalogStore) Begin(ctx context.Context) (store.CatalogTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &store.PersistenceError{Op: "begin", Err: err}
	}
	return &catalogTx{tx: tx}, nil
}

// Entries lists every stored entry ordered by merge key.
func (s *CatalogStore) Entries(ctx context.Context) ([]catalog.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, merge_key, title, alt_titles, cover_url, description, tags, content_rating,
			monitor_enabled, recheck_interval_s, discovery_interval_s, last_checked_at, last_discovered_at
		FROM manga ORDER BY merge_key`)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()
	out := []catalog.Entry{}
	for rows.Next() {
		var (
			e                  catalog.Entry
			alt, tagsJ         string
			recheck, discovery int64
			checked, found     sql.NullTime
		)
		if err := rows.Scan(&e.ID, &e.Key, &e.Title, &alt, &e.CoverURL, &e.Description, &tagsJ, &e.ContentRating,
			&e.Monitor.Enabled, &recheck, &discovery, &checked, &found); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		if e.AltTitles, err = decodeList(alt); err != nil {
			return nil, err
		}
		if e.Tags, err = decodeList(tagsJ); err != nil {
			return nil, err
		}
		e.Monitor.RecheckInterval = time.Duration(recheck) * time.Second
		e.Monitor.DiscoveryInterval = time.Duration(discovery) * time.Second
		e.Monitor.LastCheckedAt = nullTime(checked)
		e.Monitor.LastDiscoveredAt = nullTime(found)
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

// CountChapters returns the number of chapter rows stored for a link.
func (s *CatalogStore) CountChapters(ctx context.Context, linkID int64) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chapters WHERE manga_source_id = ?`, linkID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count chapters: %w", err)
	}
	return n, nil
}

type catalogTx struct {
	tx *sql.Tx
}

func (t *catalogTx) UpsertEntry(ctx context.Context, entry catalog.Entry) (string, error) {
	key := entry.Key
	if key == "" {
		key = catalog.NormalizeTitle(entry.Title)
	}
	if key == "" {
		return "", &store.PersistenceError{Op: "upsert entry", Err: catalog.ErrEmptyTitle}
	}
	var (
		cur        catalog.Entry
		alt, tagsJ string
	)
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, title, alt_titles, cover_url, description, tags, content_rating
		FROM manga WHERE merge_key = ?`, key).
		Scan(&cur.ID, &cur.Title, &alt, &cur.CoverURL, &cur.Description, &tagsJ, &cur.ContentRating)
	if errors.Is(err, sql.ErrNoRows) {
		return t.insert(ctx, key, entry)
	}
	if err != nil {
		return "", &store.PersistenceError{Op: "select entry", Err: err}
	}
	if cur.AltTitles, err = decodeList(alt); err != nil {
		return "", &store.PersistenceError{Op: "select entry", Err: err}
	}
	if cur.Tags, err = decodeList(tagsJ); err != nil {
		return "", &store.PersistenceError{Op: "select entry", Err: err}
	}
	catalog.FillMissing(&cur, entry)
	_, err = t.tx.ExecContext(ctx, `
		UPDATE manga SET alt_titles = ?, cover_url = ?, description = ?, tags = ?, content_rating = ?
		WHERE id = ?`,
		encodeList(cur.AltTitles), cur.CoverURL, cur.Description, encodeList(cur.Tags), cur.ContentRating, cur.ID)
	if err != nil {
		return "", &store.PersistenceError{Op: "update entry", Err: err}
	}
	return cur.ID, nil
}

func (t *catalogTx) insert(ctx context.Context, key string, entry catalog.Entry) (string, error) {
	if entry.ID == "" {
		return "", &store.PersistenceError{Op: "insert entry", Err: errors.New("entry id is required")}
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO manga (
			id, merge_key, title, alt_titles, cover_url, description, tags, content_rating,
			monitor_enabled, recheck_interval_s, discovery_interval_s, last_checked_at, last_discovered_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, key, entry.Title, encodeList(entry.AltTitles), entry.CoverURL, entry.Description,
		encodeList(entry.Tags), entry.ContentRating, entry.Monitor.Enabled,
		int64(entry.Monitor.RecheckInterval/time.Second), int64(entry.Monitor.DiscoveryInterval/time.Second),
		timeArg(entry.Monitor.LastCheckedAt), timeArg(entry.Monitor.LastDiscoveredAt))
	if err != nil {
		return "", &store.PersistenceError{Op: "insert entry", Err: err}
	}
	return entry.ID, nil
}

func (t *catalogTx) InsertSourceLink(ctx context.Context, link catalog.SourceLink) (int64, error) {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO manga_sources (manga_id, source_id, native_id, url) VALUES (?, ?, ?, ?)
		ON CONFLICT (manga_id, source_id) DO NOTHING`,
		link.EntryID, link.SourceID, link.NativeID, link.URL)
	if err != nil {
		return 0, &store.PersistenceError{Op: "insert source link", Err: err}
	}
	var id int64
	if err := t.tx.QueryRowContext(ctx,
		`SELECT id FROM manga_sources WHERE manga_id = ? AND source_id = ?`, link.EntryID, link.SourceID).Scan(&id); err != nil {
		return 0, &store.PersistenceError{Op: "insert source link", Err: err}
	}
	return id, nil
}

func (t *catalogTx) InsertChapters(ctx context.Context, linkID int64, chapters []catalog.Chapter) error {
	if len(chapters) == 0 {
		return nil
	}
	stmt, err := t.tx.PrepareContext(ctx, `
		INSERT INTO chapters (manga_source_id, label, url, scraped) VALUES (?, ?, ?, ?)
		ON CONFLICT (manga_source_id, url) DO NOTHING`)
	if err != nil {
		return &store.PersistenceError{Op: "insert chapters", Err: err}
	}
	defer stmt.Close()
	for _, ch := range chapters {
		if ch.URL == "" {
			continue
		}
		if _, err := stmt.ExecContext(ctx, linkID, ch.Label, ch.URL, ch.Scraped); err != nil {
			return &store.PersistenceError{Op: "insert chapters", Err: err}
		}
	}
	return nil
}

func (t *catalogTx) Commit(_ context.Context) error {
	if err := t.tx.Commit(); err != nil {
		return &store.PersistenceError{Op: "commit", Err: err}
	}
	return nil
}

func (t *catalogTx) Rollback(_ context.Context) error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return &store.PersistenceError{Op: "rollback", Err: err}
	}
	return nil
}

func timeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func encodeList(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeList(raw string) ([]string, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode list column: %w", err)
	}
	return out, nil
}
