// Package catalog defines the canonical manga catalog model and the merge rules
// that fold per-source search results into deduplicated entries.
package catalog

import "time"

// Entry is the canonical, cross-source record for one work.
type Entry struct {
	// ID is an opaque identifier assigned when the entry is first created.
	ID string `json:"id"`
	// Key is the normalized-title merge key the entry was created under.
	Key string `json:"key"`
	// Title is the primary title as presented by the first source that produced the key.
	Title string `json:"title"`
	// AltTitles is the deduplicated, sorted union of every source's presentation of the name.
	AltTitles []string `json:"alt_titles,omitempty"`
	// CoverURL is optional; the first non-empty cover wins.
	CoverURL string `json:"cover_url,omitempty"`
	// Description is optional and only filled while absent.
	Description string `json:"description,omitempty"`
	// Tags are only filled while absent.
	Tags []string `json:"tags,omitempty"`
	// ContentRating is an optional free-form label (e.g. "safe", "suggestive").
	ContentRating string `json:"content_rating,omitempty"`
	// Monitor carries the recheck controls for the entry.
	Monitor Monitor `json:"monitor"`
}

// Monitor holds the monitoring controls of a canonical entry.
type Monitor struct {
	Enabled           bool          `json:"enabled"`
	RecheckInterval   time.Duration `json:"recheck_interval"`
	DiscoveryInterval time.Duration `json:"discovery_interval"`
	LastCheckedAt     *time.Time    `json:"last_checked_at,omitempty"`
	LastDiscoveredAt  *time.Time    `json:"last_discovered_at,omitempty"`
}

// Source is one external site in the static catalog.
type Source struct {
	ID      int    `json:"id"`
	Name    string `json:"name"`
	BaseURL string `json:"base_url"`
	Enabled bool   `json:"enabled"`
}

// SourceLink joins a canonical entry to one source's native record.
// At most one link exists per (EntryID, SourceID).
type SourceLink struct {
	EntryID  string    `json:"entry_id"`
	SourceID int       `json:"source_id"`
	NativeID string    `json:"native_id,omitempty"`
	URL      string    `json:"url"`
	Chapters []Chapter `json:"chapters,omitempty"`

	chapterURLs map[string]struct{}
}

// Chapter references one chapter page on a source. Label is free-form text and
// carries no ordering guarantee.
type Chapter struct {
	Label   string `json:"label"`
	URL     string `json:"url"`
	Scraped bool   `json:"scraped"`
}

// SearchResult is what a source adapter yields per catalog item.
type SearchResult struct {
	Entry    Entry
	URL      string
	NativeID string
}
