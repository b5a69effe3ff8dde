package provider

import (
	"fmt"
	"sync"
)

// Registry maps adapter types to implementations. The routing and gateway
// layers depend only on the Adapter interface, never on concrete providers.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its Name. Later registrations replace
// earlier ones.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get returns the adapter for a type.
func (r *Registry) Get(adapterType string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[adapterType]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for type %q", adapterType)
	}
	return a, nil
}
