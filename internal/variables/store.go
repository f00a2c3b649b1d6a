// Package variables holds the per-run variable store.
package variables

import (
	"sort"
	"sync"
)

// Layer identifies a variable source. Higher layers win on lookup.
type Layer int

const (
	LayerDefaults Layer = iota
	LayerEnvironment
	LayerCLI
	LayerExtracted
	numLayers
)

func (l Layer) String() string {
	switch l {
	case LayerDefaults:
		return "defaults"
	case LayerEnvironment:
		return "environment"
	case LayerCLI:
		return "cli"
	case LayerExtracted:
		return "extracted"
	}
	return "unknown"
}

// Store is the layered variable mapping for one workflow run. Lookups
// resolve from the extracted layer down to the workflow defaults. Values
// are never removed once set; a failed step does not roll anything back.
//
// Execution is sequential, but the store is guarded anyway so a scheduler
// or script callback can read it safely.
type Store struct {
	mu     sync.RWMutex
	layers [numLayers]map[string]any
}

// NewStore creates an empty store.
func NewStore() *Store {
	s := &Store{}
	for i := range s.layers {
		s.layers[i] = make(map[string]any)
	}
	return s
}

// Seed replaces the contents of one static layer. Values are normalised
// and deep-copied.
func (s *Store) Seed(layer Layer, vals map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := make(map[string]any, len(vals))
	for k, v := range vals {
		m[k] = Normalize(deepCopy(v))
	}
	s.layers[layer] = m
}

// Get returns the highest-precedence value for name.
func (s *Store) Get(name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := numLayers - 1; i >= 0; i-- {
		if v, ok := s.layers[i][name]; ok {
			return v, true
		}
	}
	return nil, false
}

// Has reports whether name is defined in any layer.
func (s *Store) Has(name string) bool {
	_, ok := s.Get(name)
	return ok
}

// Source returns the layer that currently provides name.
func (s *Store) Source(name string) (Layer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := numLayers - 1; i >= 0; i-- {
		if _, ok := s.layers[i][name]; ok {
			return i, true
		}
	}
	return 0, false
}

// Set writes name into the extracted layer.
func (s *Store) Set(name string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.layers[LayerExtracted][name] = Normalize(value)
}

// SetAll writes every entry of vals into the extracted layer.
func (s *Store) SetAll(vals map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range vals {
		s.layers[LayerExtracted][k] = Normalize(v)
	}
}

// Snapshot returns the merged view as a fresh map. Mutating the result does
// not affect the store.
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any)
	for i := range s.layers {
		for k, v := range s.layers[i] {
			out[k] = deepCopy(v)
		}
	}
	return out
}

// Names returns every defined name, sorted.
func (s *Store) Names() []string {
	snap := s.Snapshot()
	names := make([]string, 0, len(snap))
	for k := range snap {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func deepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		cp := make(map[string]any, len(val))
		for k, item := range val {
			cp[k] = deepCopy(item)
		}
		return cp
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopy(item)
		}
		return cp
	default:
		return v
	}
}
