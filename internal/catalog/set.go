package catalog

import (
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyTitle is returned for results whose title normalizes to an empty key.
var ErrEmptyTitle = errors.New("title normalizes to an empty merge key")

// IDGenerator issues opaque identifiers for new canonical entries.
type IDGenerator interface {
	NewID() (string, error)
}

// Outcome describes what a single Merge call did.
type Outcome struct {
	Entry        *Entry
	Link         *SourceLink
	EntryCreated bool
	LinkCreated  bool
}

type linkKey struct {
	entryID  string
	sourceID int
}

// Set accumulates canonical entries and source links for one crawl run. It is
// owned by a single goroutine and is not safe for concurrent use.
type Set struct {
	ids     IDGenerator
	byKey   map[string]*Entry
	entries []*Entry
	links   []*SourceLink
	linkIdx map[linkKey]*SourceLink
}

// NewSet returns an empty Set that assigns ids with the provided generator.
func NewSet(ids IDGenerator) *Set {
	return &Set{
		ids:     ids,
		byKey:   make(map[string]*Entry),
		linkIdx: make(map[linkKey]*SourceLink),
	}
}

// Merge folds one search result from sourceID into the set. The first result
// for a merge key creates the entry; later results only fill what is missing.
// A link for (entry, source) is created once and reused afterwards.
func (s *Set) Merge(sourceID int, result SearchResult) (Outcome, error) {
	key := NormalizeTitle(result.Entry.Title)
	if key == "" {
		return Outcome{}, ErrEmptyTitle
	}
	var out Outcome
	entry, ok := s.byKey[key]
	if !ok {
		id, err := s.ids.NewID()
		if err != nil {
			return Outcome{}, fmt.Errorf("assign entry id: %w", err)
		}
		entry = newEntry(id, key, result.Entry)
		s.byKey[key] = entry
		s.entries = append(s.entries, entry)
		out.EntryCreated = true
	} else {
		FillMissing(entry, result.Entry)
	}
	out.Entry = entry

	lk := linkKey{entryID: entry.ID, sourceID: sourceID}
	link, ok := s.linkIdx[lk]
	if !ok {
		link = &SourceLink{
			EntryID:  entry.ID,
			SourceID: sourceID,
			NativeID: strings.TrimSpace(result.NativeID),
			URL:      strings.TrimSpace(result.URL),
		}
		s.linkIdx[lk] = link
		s.links = append(s.links, link)
		out.LinkCreated = true
	}
	out.Link = link
	return out, nil
}

// AddChapters appends chapters to link, ignoring entries whose URL is empty or
// already present on the link. It returns the number of chapters added.
func (s *Set) AddChapters(link *SourceLink, chapters []Chapter) int {
	if link == nil {
		return 0
	}
	if link.chapterURLs == nil {
		link.chapterURLs = make(map[string]struct{}, len(link.Chapters)+len(chapters))
		for _, ch := range link.Chapters {
			link.chapterURLs[ch.URL] = struct{}{}
		}
	}
	added := 0
	for _, ch := range chapters {
		ch.URL = strings.TrimSpace(ch.URL)
		if ch.URL == "" {
			continue
		}
		if _, dup := link.chapterURLs[ch.URL]; dup {
			continue
		}
		ch.Label = strings.TrimSpace(ch.Label)
		link.chapterURLs[ch.URL] = struct{}{}
		link.Chapters = append(link.Chapters, ch)
		added++
	}
	return added
}

// Entries returns copies of the canonical entries in creation order.
func (s *Set) Entries() []Entry {
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		cp := *e
		cp.AltTitles = append([]string(nil), e.AltTitles...)
		cp.Tags = append([]string(nil), e.Tags...)
		out = append(out, cp)
	}
	return out
}

// Links returns copies of the source links in creation order.
func (s *Set) Links() []SourceLink {
	out := make([]SourceLink, 0, len(s.links))
	for _, l := range s.links {
		cp := *l
		cp.Chapters = append([]Chapter(nil), l.Chapters...)
		cp.chapterURLs = nil
		out = append(out, cp)
	}
	return out
}

// Len reports the number of canonical entries.
func (s *Set) Len() int {
	return len(s.entries)
}

func newEntry(id, key string, src Entry) *Entry {
	title := strings.Join(strings.Fields(src.Title), " ")
	e := &Entry{
		ID:            id,
		Key:           key,
		Title:         title,
		CoverURL:      strings.TrimSpace(src.CoverURL),
		Description:   strings.TrimSpace(src.Description),
		Tags:          UnionTitles(src.Tags),
		ContentRating: strings.TrimSpace(src.ContentRating),
		Monitor:       src.Monitor,
	}
	e.AltTitles = withoutTitle(UnionTitles(src.AltTitles), title)
	return e
}
