package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/manga-aggregator/internal/catalog"
	"github.com/JakeFAU/manga-aggregator/internal/store"
)

// ErrTxDone is returned by operations on a committed or rolled back tx.
var ErrTxDone = errors.New("transaction already finished")

type linkKey struct {
	entryID  string
	sourceID int
}

type linkRow struct {
	id   int64
	link catalog.SourceLink
}

// catalogState is the whole dataset; a tx works on a private clone.
type catalogState struct {
	entries  map[string]catalog.Entry
	keyByID  map[string]string
	links    map[linkKey]*linkRow
	linkByID map[int64]*linkRow
	nextLink int64
}

func newCatalogState() *catalogState {
	return &catalogState{
		entries:  map[string]catalog.Entry{},
		keyByID:  map[string]string{},
		links:    map[linkKey]*linkRow{},
		linkByID: map[int64]*linkRow{},
	}
}

func (s *catalogState) clone() *catalogState {
	out := newCatalogState()
	for k, e := range s.entries {
		e.AltTitles = append([]string(nil), e.AltTitles...)
		e.Tags = append([]string(nil), e.Tags...)
		out.entries[k] = e
	}
	for id, k := range s.keyByID {
		out.keyByID[id] = k
	}
	for k, row := range s.links {
		cp := &linkRow{id: row.id, link: row.link}
		cp.link.Chapters = append([]catalog.Chapter(nil), row.link.Chapters...)
		out.links[k] = cp
		out.linkByID[cp.id] = cp
	}
	out.nextLink = s.nextLink
	return out
}

// CatalogStore is a store.CatalogStore whose transactions stage changes on a
// copy of the dataset and swap it in on Commit.
type CatalogStore struct {
	mu    sync.Mutex
	state *catalogState
	// CommitErr, when set, makes every Commit fail with it.
	CommitErr error
}

// NewCatalogStore returns an empty store.
func NewCatalogStore() *CatalogStore {
	return &CatalogStore{state: newCatalogState()}
}

// Begin starts a transaction over a snapshot of the committed data.
func (s *CatalogStore) Begin(ctx context.Context) (store.CatalogTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, &store.PersistenceError{Op: "begin", Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return &catalogTx{store: s, state: s.state.clone()}, nil
}

// Entries returns committed entries ordered by merge key.
func (s *CatalogStore) Entries() []catalog.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]catalog.Entry, 0, len(s.state.entries))
	for _, e := range s.state.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Links returns committed source links with their chapters, in insert order.
func (s *CatalogStore) Links() []catalog.SourceLink {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.state.linkByID))
	for id := range s.state.linkByID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]catalog.SourceLink, 0, len(ids))
	for _, id := range ids {
		l := s.state.linkByID[id].link
		l.Chapters = append([]catalog.Chapter(nil), l.Chapters...)
		out = append(out, l)
	}
	return out
}

type catalogTx struct {
	store *CatalogStore
	state *catalogState
	done  bool
}

func (tx *catalogTx) UpsertEntry(_ context.Context, entry catalog.Entry) (string, error) {
	if tx.done {
		return "", &store.PersistenceError{Op: "upsert entry", Err: ErrTxDone}
	}
	key := entry.Key
	if key == "" {
		key = catalog.NormalizeTitle(entry.Title)
	}
	if key == "" {
		return "", &store.PersistenceError{Op: "upsert entry", Err: catalog.ErrEmptyTitle}
	}
	if existing, ok := tx.state.entries[key]; ok {
		catalog.FillMissing(&existing, entry)
		tx.state.entries[key] = existing
		return existing.ID, nil
	}
	if entry.ID == "" {
		return "", &store.PersistenceError{Op: "upsert entry", Err: errors.New("entry id is required")}
	}
	entry.Key = key
	tx.state.entries[key] = entry
	tx.state.keyByID[entry.ID] = key
	return entry.ID, nil
}

func (tx *catalogTx) InsertSourceLink(_ context.Context, link catalog.SourceLink) (int64, error) {
	if tx.done {
		return 0, &store.PersistenceError{Op: "insert source link", Err: ErrTxDone}
	}
	if _, ok := tx.state.keyByID[link.EntryID]; !ok {
		return 0, &store.PersistenceError{Op: "insert source link", Err: fmt.Errorf("entry %s: %w", link.EntryID, store.ErrNotFound)}
	}
	k := linkKey{entryID: link.EntryID, sourceID: link.SourceID}
	if row, ok := tx.state.links[k]; ok {
		return row.id, nil
	}
	tx.state.nextLink++
	link.Chapters = nil
	row := &linkRow{id: tx.state.nextLink, link: link}
	tx.state.links[k] = row
	tx.state.linkByID[row.id] = row
	return row.id, nil
}

func (tx *catalogTx) InsertChapters(_ context.Context, linkID int64, chapters []catalog.Chapter) error {
	if tx.done {
		return &store.PersistenceError{Op: "insert chapters", Err: ErrTxDone}
	}
	row, ok := tx.state.linkByID[linkID]
	if !ok {
		return &store.PersistenceError{Op: "insert chapters", Err: fmt.Errorf("link %d: %w", linkID, store.ErrNotFound)}
	}
	seen := make(map[string]struct{}, len(row.link.Chapters)+len(chapters))
	for _, ch := range row.link.Chapters {
		seen[ch.URL] = struct{}{}
	}
	for _, ch := range chapters {
		if ch.URL == "" {
			continue
		}
		if _, dup := seen[ch.URL]; dup {
			continue
		}
		seen[ch.URL] = struct{}{}
		row.link.Chapters = append(row.link.Chapters, ch)
	}
	return nil
}

func (tx *catalogTx) Commit(_ context.Context) error {
	if tx.done {
		return &store.PersistenceError{Op: "commit", Err: ErrTxDone}
	}
	tx.done = true
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	if tx.store.CommitErr != nil {
		return &store.PersistenceError{Op: "commit", Err: tx.store.CommitErr}
	}
	tx.store.state = tx.state
	return nil
}

// Rollback discards staged changes; it is a no-op after Commit.
func (tx *catalogTx) Rollback(_ context.Context) error {
	tx.done = true
	tx.state = nil
	return nil
}
