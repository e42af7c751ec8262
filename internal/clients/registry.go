package clients

import (
	"sort"
	"sync"
)

// Registry maps source names to adapters
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]SourceAdapter
}

// NewRegistry creates a registry holding the given adapters
func NewRegistry(adapters ...SourceAdapter) *Registry {
	r := &Registry{adapters: make(map[string]SourceAdapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for a.Name()
func (r *Registry) Register(a SourceAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get returns the adapter registered for source
func (r *Registry) Get(source string) (SourceAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[source]
	if !ok {
		return nil, &UnsupportedSourceError{Source: source}
	}
	return a, nil
}

// Sources returns the registered source names in sorted order
func (r *Registry) Sources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
