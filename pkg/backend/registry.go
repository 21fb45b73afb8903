package backend

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is the static table of configured backends keyed by name.
//
// It is populated once at process start and read-only afterwards; the
// scheduler holds only the Backend interface and dispatches through it.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Register adds a backend under its configured name.
// Registering the same name twice is a configuration error.
func (r *Registry) Register(b Backend) error {
	if b == nil {
		return fmt.Errorf("backend is nil")
	}
	name := b.Name()
	if name == "" {
		return fmt.Errorf("backend name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.backends[name]; ok {
		return fmt.Errorf("backend %q already registered", name)
	}
	r.backends[name] = b
	return nil
}

// Get returns the backend registered under name, or ErrBackendNotConfigured.
func (r *Registry) Get(name string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	if !ok {
		return nil, &Error{Op: "Get", Err: fmt.Errorf("%w: %s", ErrBackendNotConfigured, name)}
	}
	return b, nil
}

// Names returns the registered backend names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
