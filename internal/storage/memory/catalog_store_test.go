package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/manga-aggregator/internal/catalog"
	"github.com/JakeFAU/manga-aggregator/internal/store"
)

func TestCatalogStoreCommitIsAtomic(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewCatalogStore()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	id, err := tx.UpsertEntry(ctx, catalog.Entry{ID: "e1", Title: "One Piece", CoverURL: "https://a/cover.jpg"})
	require.NoError(t, err)
	require.Equal(t, "e1", id)
	linkID, err := tx.InsertSourceLink(ctx, catalog.SourceLink{EntryID: id, SourceID: 1, URL: "https://a/op"})
	require.NoError(t, err)
	require.NoError(t, tx.InsertChapters(ctx, linkID, []catalog.Chapter{{Label: "1", URL: "https://a/op/1"}}))

	require.Empty(t, s.Entries(), "uncommitted writes must not be visible")
	require.NoError(t, tx.Commit(ctx))
	require.NoError(t, tx.Rollback(ctx))

	entries := s.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, "onepiece", entries[0].Key)
	links := s.Links()
	require.Len(t, links, 1)
	require.Len(t, links[0].Chapters, 1)

	_, err = tx.UpsertEntry(ctx, catalog.Entry{ID: "late", Title: "Late"})
	require.ErrorIs(t, err, ErrTxDone)
}

func TestCatalogStoreRollbackDiscards(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewCatalogStore()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.UpsertEntry(ctx, catalog.Entry{ID: "e1", Title: "Berserk"})
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))
	require.Empty(t, s.Entries())
}

func TestCatalogStoreCommitFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewCatalogStore()
	s.CommitErr = context.DeadlineExceeded
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.UpsertEntry(ctx, catalog.Entry{ID: "e1", Title: "Berserk"})
	require.NoError(t, err)

	err = tx.Commit(ctx)
	var perr *store.PersistenceError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, "commit", perr.Op)
	require.Empty(t, s.Entries())
}

func TestCatalogStoreUpsertAcrossRunsFillsMissing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewCatalogStore()
	commit := func(entry catalog.Entry, sourceID int, chapters ...catalog.Chapter) string {
		tx, err := s.Begin(ctx)
		require.NoError(t, err)
		id, err := tx.UpsertEntry(ctx, entry)
		require.NoError(t, err)
		linkID, err := tx.InsertSourceLink(ctx, catalog.SourceLink{EntryID: id, SourceID: sourceID, URL: "https://s/" + id})
		require.NoError(t, err)
		require.NoError(t, tx.InsertChapters(ctx, linkID, chapters))
		require.NoError(t, tx.Commit(ctx))
		return id
	}

	ch := catalog.Chapter{Label: "Ch.1", URL: "https://s/1"}
	first := commit(catalog.Entry{ID: "run1", Title: "One Piece"}, 1, ch)
	second := commit(catalog.Entry{ID: "run2", Title: "one piece", CoverURL: "https://b/cover.jpg", AltTitles: []string{"OP"}}, 1, ch, ch)
	require.Equal(t, first, second, "merge key must resolve to the stored id")

	entries := s.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, "One Piece", entries[0].Title)
	require.Equal(t, "https://b/cover.jpg", entries[0].CoverURL)
	require.Equal(t, []string{"OP"}, entries[0].AltTitles)

	links := s.Links()
	require.Len(t, links, 1, "one link per (entry, source)")
	require.Len(t, links[0].Chapters, 1, "chapters are unique per (link, url)")
}

func TestCatalogStoreRejectsDanglingRows(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tx, err := NewCatalogStore().Begin(ctx)
	require.NoError(t, err)

	_, err = tx.InsertSourceLink(ctx, catalog.SourceLink{EntryID: "missing", SourceID: 1})
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, tx.InsertChapters(ctx, 42, nil), store.ErrNotFound)
	_, err = tx.UpsertEntry(ctx, catalog.Entry{Title: "   "})
	require.ErrorIs(t, err, catalog.ErrEmptyTitle)
	_, err = tx.UpsertEntry(ctx, catalog.Entry{Title: "No Id"})
	require.Error(t, err)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = NewCatalogStore().Begin(canceled)
	require.ErrorIs(t, err, context.Canceled)
}
