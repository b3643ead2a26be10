package realtime

import (
	"fmt"
	"sync"
)

// Registry maps provider names to adapter factories. The composition root
// registers one factory per configured provider; the relay resolves the
// personality's provider key against it at session start.
//
// Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name, replacing any previous registration.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// New constructs an adapter for the named provider. Returns
// ErrUnknownProvider (wrapped with the name) when no factory is registered —
// the caller must tear the session down without any upstream dial.
func (r *Registry) New(name string, cfg Config) (Adapter, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return f(cfg)
}

// Names returns the registered provider names, for startup logging.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}
