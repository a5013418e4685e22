package progress

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/manga-aggregator/internal/catalog"
)

// Phase is the lifecycle position of one source within a run.
type Phase string

// Source phases. Done and Failed are terminal.
const (
	PhasePending  Phase = "pending"
	PhaseFetching Phase = "fetching"
	PhaseMerging  Phase = "merging"
	PhaseDone     Phase = "done"
	PhaseFailed   Phase = "failed"
)

// Terminal reports whether no further transitions are expected.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseFailed
}

// SourceProgress summarizes one source's contribution to the current run.
type SourceProgress struct {
	SourceID int    `json:"source_id"`
	Name     string `json:"name"`
	Phase    Phase  `json:"phase"`
	Fetched  int    `json:"fetched"`
	Merged   int    `json:"merged"`
	Chapters int    `json:"chapters"`
	Error    string `json:"error,omitempty"`
}

// CrawlSnapshot is an immutable view of the run record.
type CrawlSnapshot struct {
	RunID         string           `json:"run_id,omitempty"`
	Running       bool             `json:"running"`
	StartedAt     *time.Time       `json:"started_at,omitempty"`
	FinishedAt    *time.Time       `json:"finished_at,omitempty"`
	CurrentSource string           `json:"current_source,omitempty"`
	Sources       []SourceProgress `json:"sources"`
	Canceled      bool             `json:"canceled,omitempty"`
	Error         string           `json:"error,omitempty"`
}

// Clock supplies timestamps to the tracker.
type Clock interface {
	Now() time.Time
}

type clockFunc func() time.Time

func (f clockFunc) Now() time.Time { return f() }

// Tracker owns the single CrawlProgress record. Writers serialize on a mutex
// and publish a fresh snapshot; readers load the snapshot without locking.
type Tracker struct {
	mu    sync.Mutex
	state CrawlSnapshot
	index map[int]int
	snap  atomic.Pointer[CrawlSnapshot]
	clock Clock
}

// NewTracker returns an idle tracker. A nil clock uses UTC wall time.
func NewTracker(clock Clock) *Tracker {
	if clock == nil {
		clock = clockFunc(func() time.Time { return time.Now().UTC() })
	}
	t := &Tracker{clock: clock, index: map[int]int{}}
	t.state.Sources = []SourceProgress{}
	t.publish()
	return t
}

// Begin resets the record for a new run over sources and marks it running.
// It returns false, leaving the record untouched, if a run is in flight.
func (t *Tracker) Begin(runID string, sources []catalog.Source) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Running {
		return false
	}
	now := t.clock.Now()
	t.state = CrawlSnapshot{
		RunID:     runID,
		Running:   true,
		StartedAt: &now,
		Sources:   make([]SourceProgress, 0, len(sources)),
	}
	t.index = make(map[int]int, len(sources))
	for _, src := range sources {
		t.index[src.ID] = len(t.state.Sources)
		t.state.Sources = append(t.state.Sources, SourceProgress{SourceID: src.ID, Name: src.Name, Phase: PhasePending})
	}
	t.publish()
	return true
}

// SetPhase moves a source to phase. Fetching and Merging also make it the
// current source. Unknown ids are ignored.
func (t *Tracker) SetPhase(sourceID int, phase Phase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sp := t.source(sourceID)
	if sp == nil {
		return
	}
	sp.Phase = phase
	if !phase.Terminal() {
		t.state.CurrentSource = sp.Name
	}
	t.publish()
}

// RecordSource stores a source's final counts. A non-nil err marks it failed.
func (t *Tracker) RecordSource(sourceID, fetched, merged, chapters int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sp := t.source(sourceID)
	if sp == nil {
		return
	}
	sp.Fetched, sp.Merged, sp.Chapters = fetched, merged, chapters
	sp.Phase = PhaseDone
	sp.Error = ""
	if err != nil {
		sp.Phase = PhaseFailed
		sp.Error = err.Error()
	}
	t.publish()
}

// Finish ends the run. err, when set, is the run-fatal error; canceled marks a
// cooperative stop. Sources that never started stay pending.
func (t *Tracker) Finish(err error, canceled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	t.state.Running = false
	t.state.FinishedAt = &now
	t.state.CurrentSource = ""
	t.state.Canceled = canceled
	t.state.Error = ""
	if err != nil {
		t.state.Error = err.Error()
	}
	t.publish()
}

// Snapshot returns a copy of the current record that the caller may keep.
func (t *Tracker) Snapshot() CrawlSnapshot {
	return t.snap.Load().clone()
}

// Running reports whether a run is in flight.
func (t *Tracker) Running() bool {
	return t.snap.Load().Running
}

func (t *Tracker) source(id int) *SourceProgress {
	i, ok := t.index[id]
	if !ok {
		return nil
	}
	return &t.state.Sources[i]
}

// publish must be called with mu held.
func (t *Tracker) publish() {
	cp := t.state.clone()
	t.snap.Store(&cp)
}

func (s *CrawlSnapshot) clone() CrawlSnapshot {
	out := *s
	out.Sources = append([]SourceProgress{}, s.Sources...)
	if s.StartedAt != nil {
		v := *s.StartedAt
		out.StartedAt = &v
	}
	if s.FinishedAt != nil {
		v := *s.FinishedAt
		out.FinishedAt = &v
	}
	return out
}
