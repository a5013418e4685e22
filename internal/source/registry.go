package source

import (
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/JakeFAU/manga-aggregator/internal/catalog"
)

// Registered pairs a catalog row with its adapter.
type Registered struct {
	Source  catalog.Source
	Adapter Adapter
}

// Filter restricts a run to a subset of sources by id. An empty Include means
// every enabled source; Exclude always wins.
type Filter struct {
	Include []int `json:"include,omitempty"`
	Exclude []int `json:"exclude,omitempty"`
}

// Allows reports whether src participates under f. Disabled sources never do.
func (f Filter) Allows(src catalog.Source) bool {
	if !src.Enabled {
		return false
	}
	if slices.Contains(f.Exclude, src.ID) {
		return false
	}
	return len(f.Include) == 0 || slices.Contains(f.Include, src.ID)
}

// Registry keeps sources in configured order. It is immutable once built.
type Registry struct {
	entries []Registered
	byID    map[int]int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[int]int)}
}

// Register appends a source; ids must be unique.
func (r *Registry) Register(src catalog.Source, adapter Adapter) error {
	if adapter == nil {
		return fmt.Errorf("source %s: adapter is required", src.Name)
	}
	if _, dup := r.byID[src.ID]; dup {
		return fmt.Errorf("source id %d already registered", src.ID)
	}
	r.byID[src.ID] = len(r.entries)
	r.entries = append(r.entries, Registered{Source: src, Adapter: adapter})
	return nil
}

// FromDefinitions builds an HTMLAdapter per definition.
func FromDefinitions(defs []Definition, fetcher PageFetcher, logger *zap.Logger) (*Registry, error) {
	reg := NewRegistry()
	for _, def := range defs {
		adapter, err := NewHTMLAdapter(def, fetcher, logger)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(def.Source(), adapter); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Sources returns every registered source, enabled or not, in order.
func (r *Registry) Sources() []catalog.Source {
	out := make([]catalog.Source, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Source)
	}
	return out
}

// Lookup finds a source by id.
func (r *Registry) Lookup(id int) (Registered, bool) {
	i, ok := r.byID[id]
	if !ok {
		return Registered{}, false
	}
	return r.entries[i], true
}

// Select returns the sources allowed by f, in configured order.
func (r *Registry) Select(f Filter) []Registered {
	out := make([]Registered, 0, len(r.entries))
	for _, e := range r.entries {
		if f.Allows(e.Source) {
			out = append(out, e)
		}
	}
	return out
}

// Len reports the number of registered sources.
func (r *Registry) Len() int {
	return len(r.entries)
}
