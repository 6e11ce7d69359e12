package providers

import (
	"fmt"
	"sync"
)

// Registry maps provider names onto adapters. The first registration
// becomes the default until SetDefault overrides it.
type Registry struct {
	mu          sync.RWMutex
	adapters    map[string]ProviderAdapter
	defaultName string
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]ProviderAdapter)}
}

func (r *Registry) Register(adapter ProviderAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.adapters[adapter.Name()] = adapter
	if r.defaultName == "" {
		r.defaultName = adapter.Name()
	}
}

func (r *Registry) Get(name string) (ProviderAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	adapter, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("provider not registered: %s", name)
	}
	return adapter, nil
}

func (r *Registry) Default() (ProviderAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.defaultName == "" {
		return nil, fmt.Errorf("no provider registered")
	}
	return r.adapters[r.defaultName], nil
}

func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.adapters[name]; !ok {
		return fmt.Errorf("provider not registered: %s", name)
	}
	r.defaultName = name
	return nil
}

// Available lists registered provider names.
func (r *Registry) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}
