package orchestrator

import (
	"time"

	"github.com/JakeFAU/manga-aggregator/internal/store"
)

// Summary is the outcome of one run, returned by Run and published when a
// topic is configured.
type Summary struct {
	RunID      string          `json:"run_id"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Status     store.RunStatus `json:"status"`
	Canceled   bool            `json:"canceled,omitempty"`
	Error      string          `json:"error,omitempty"`
	// Entries, Links and Chapters count committed rows; they stay zero when
	// the commit failed.
	Entries  int             `json:"entries"`
	Links    int             `json:"links"`
	Chapters int             `json:"chapters"`
	Sources  []SourceSummary `json:"sources"`
}

// SourceSummary is one visited source's contribution.
type SourceSummary struct {
	SourceID int           `json:"source_id"`
	Name     string        `json:"name"`
	Fetched  int           `json:"fetched"`
	Merged   int           `json:"merged"`
	Chapters int           `json:"chapters"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// FailedSources counts sources whose listing failed.
func (s Summary) FailedSources() int {
	n := 0
	for _, src := range s.Sources {
		if src.Error != "" {
			n++
		}
	}
	return n
}
