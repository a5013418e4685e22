package catalog

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

type seqIDs struct{ n int }

func (s *seqIDs) NewID() (string, error) {
	s.n++
	return fmt.Sprintf("entry-%d", s.n), nil
}

func TestNormalizeTitle(t *testing.T) {
	t.Parallel()

	for _, title := range []string{"One  Piece", "one-piece", "ONE PIECE", " One\tPiece "} {
		require.Equal(t, "onepiece", NormalizeTitle(title), title)
	}
	require.Equal(t, "", NormalizeTitle(" - \t"))
}

func TestUnionTitlesIsOrderIndependent(t *testing.T) {
	t.Parallel()

	a := []string{"OP"}
	b := []string{"op", "One Piece Int'l"}

	forward := UnionTitles(a, b)
	backward := UnionTitles(b, a)

	require.Equal(t, forward, backward)
	require.Equal(t, []string{"One Piece Int'l", "OP"}, forward)
}

func TestUnionTitlesDropsBlanks(t *testing.T) {
	t.Parallel()

	require.Nil(t, UnionTitles([]string{"", "  "}))
	require.Equal(t, []string{"Vol 1"}, UnionTitles([]string{"Vol   1", "vol 1"}))
}

func TestSetMergeIsIdempotent(t *testing.T) {
	t.Parallel()

	set := NewSet(&seqIDs{})
	res := SearchResult{Entry: Entry{Title: "Berserk"}, URL: "https://a.example/berserk"}

	first, err := set.Merge(1, res)
	require.NoError(t, err)
	require.True(t, first.EntryCreated)
	require.True(t, first.LinkCreated)

	second, err := set.Merge(1, res)
	require.NoError(t, err)
	require.False(t, second.EntryCreated)
	require.False(t, second.LinkCreated)
	require.Same(t, first.Link, second.Link)

	require.Len(t, set.Entries(), 1)
	require.Len(t, set.Links(), 1)
}

func TestSetMergeFirstCoverWins(t *testing.T) {
	t.Parallel()

	set := NewSet(&seqIDs{})
	_, err := set.Merge(1, SearchResult{
		Entry: Entry{Title: "One Piece", CoverURL: "https://a.example/cover.jpg"},
		URL:   "https://a.example/one-piece",
	})
	require.NoError(t, err)
	_, err = set.Merge(2, SearchResult{
		Entry: Entry{Title: "one piece", CoverURL: "https://b.example/cover.jpg", Description: "pirates"},
		URL:   "https://b.example/op",
	})
	require.NoError(t, err)

	entries := set.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, "One Piece", entries[0].Title)
	require.Equal(t, "https://a.example/cover.jpg", entries[0].CoverURL)
	require.Equal(t, "pirates", entries[0].Description)
	require.Nil(t, entries[0].AltTitles)

	links := set.Links()
	require.Len(t, links, 2)
	require.Equal(t, 1, links[0].SourceID)
	require.Equal(t, 2, links[1].SourceID)
	require.Equal(t, entries[0].ID, links[1].EntryID)
}

func TestSetMergeFillsMissingCoverFromLaterSource(t *testing.T) {
	t.Parallel()

	set := NewSet(&seqIDs{})
	_, err := set.Merge(1, SearchResult{Entry: Entry{Title: "Blame!", Tags: []string{"sci-fi"}}})
	require.NoError(t, err)
	_, err = set.Merge(2, SearchResult{Entry: Entry{
		Title:     "BLAME!",
		CoverURL:  "https://b.example/blame.png",
		Tags:      []string{"horror"},
		AltTitles: []string{"Blame"},
	}})
	require.NoError(t, err)

	e := set.Entries()[0]
	require.Equal(t, "https://b.example/blame.png", e.CoverURL)
	require.Equal(t, []string{"sci-fi"}, e.Tags)
	require.Equal(t, []string{"Blame"}, e.AltTitles)
}

func TestSetMergeRejectsEmptyTitle(t *testing.T) {
	t.Parallel()

	set := NewSet(&seqIDs{})
	_, err := set.Merge(1, SearchResult{Entry: Entry{Title: " - "}})
	require.ErrorIs(t, err, ErrEmptyTitle)
	require.Zero(t, set.Len())
}

func TestAddChaptersDedupsByURL(t *testing.T) {
	t.Parallel()

	set := NewSet(&seqIDs{})
	out, err := set.Merge(1, SearchResult{Entry: Entry{Title: "Dorohedoro"}})
	require.NoError(t, err)

	added := set.AddChapters(out.Link, []Chapter{
		{Label: "Ch. 1", URL: "https://a.example/c/1"},
		{Label: "Ch. 1 (dup)", URL: "https://a.example/c/1"},
		{Label: "no url"},
	})
	require.Equal(t, 1, added)
	require.Zero(t, set.AddChapters(out.Link, []Chapter{{Label: "again", URL: " https://a.example/c/1 "}}))
	require.Equal(t, 1, set.AddChapters(out.Link, []Chapter{{Label: "Vol.3 Ch.12 - Title", URL: "https://a.example/c/12"}}))

	links := set.Links()
	require.Len(t, links[0].Chapters, 2)
	require.Equal(t, "Ch. 1", links[0].Chapters[0].Label)
}
