package harvest

import (
	"fmt"
	"sync"
)

// Registry holds the configured Targets by name, in insertion order.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	targets map[string]*Target
}

// NewRegistry builds a Registry from the given targets.
func NewRegistry(targets ...*Target) (*Registry, error) {
	r := &Registry{targets: make(map[string]*Target, len(targets))}
	for _, t := range targets {
		if err := r.Add(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add validates and registers a Target.
func (r *Registry) Add(t *Target) error {
	if err := t.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.targets[t.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTarget, t.Name)
	}
	r.targets[t.Name] = t
	r.order = append(r.order, t.Name)
	return nil
}

// Get returns the Target with the given name.
func (r *Registry) Get(name string) (*Target, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.targets[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, name)
	}
	return t, nil
}

// Names lists target names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// All lists targets in registration order.
func (r *Registry) All() []*Target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Target, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.targets[name])
	}
	return out
}
