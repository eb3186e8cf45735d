// Package source fetches hazard events from the three upstream feeds and
// normalizes them into model.HazardEvent values.
//
// Each model.Source has exactly one Adapter and one normalize function:
// MESH grids (continuous-grid), NWS active alerts (government-alert) and
// SPC storm reports (tabular-report).
package source

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/hailtrace/internal/fetcher"
	"github.com/sells-group/hailtrace/internal/model"
)

// Adapter fetches one upstream feed.
type Adapter interface {
	Kind() model.Source
	// Fetch downloads and normalizes the current upstream state. An
	// unreachable or non-200 upstream is an error; malformed records are
	// skipped and counted in Batch.Skipped.
	Fetch(ctx context.Context) (*Batch, error)
}

// Batch is the output of one adapter fetch, in upstream order.
type Batch struct {
	Events  []model.HazardEvent
	Skipped int
	Meta    map[string]any
}

func newBatch() *Batch {
	return &Batch{Meta: make(map[string]any)}
}

// Remote is what the grid adapter needs from the fetcher layer.
type Remote interface {
	fetcher.Fetcher
	fetcher.Lister
}

// Registry maps sources to their adapters.
type Registry struct {
	adapters map[model.Source]Adapter
}

// NewRegistry creates a registry holding the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[model.Source]Adapter, len(adapters))}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for its kind.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Kind()] = a
}

// Get returns the adapter for kind.
func (r *Registry) Get(kind model.Source) (Adapter, error) {
	a, ok := r.adapters[kind]
	if !ok {
		return nil, eris.Errorf("source: no adapter registered for %s", kind)
	}
	return a, nil
}

// Kinds returns registered sources in scheduling order.
func (r *Registry) Kinds() []model.Source {
	var out []model.Source
	for _, s := range model.AllSources() {
		if _, ok := r.adapters[s]; ok {
			out = append(out, s)
		}
	}
	return out
}
