// Package registry maps job names to the single listener currently
// registered for them.
package registry

import (
	"sort"
	"sync"

	"github.com/oshribin/duty/core"
	"github.com/oshribin/duty/errors"
)

// Registry is a thread-safe listener registry
type Registry struct {
	mu        sync.RWMutex
	listeners map[string]*core.Listener
}

// NewRegistry creates a new registry
func NewRegistry() *Registry {
	return &Registry{
		listeners: make(map[string]*core.Listener),
	}
}

// Register stores l under its name and returns the listener it replaced,
// if any.
func (r *Registry) Register(l *core.Listener) (*core.Listener, error) {
	if l == nil || l.Handler == nil {
		return nil, errors.ErrNilHandler
	}
	if l.Name == "" {
		return nil, errors.ErrEmptyJobName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.listeners[l.Name]
	r.listeners[l.Name] = l
	return prev, nil
}

// Get retrieves the listener registered for name
func (r *Registry) Get(name string) (*core.Listener, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	l, ok := r.listeners[name]
	return l, ok
}

// List returns all registered names, sorted
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.listeners))
	for name := range r.listeners {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// Remove unregisters the listener for name and returns it
func (r *Registry) Remove(name string) (*core.Listener, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.listeners[name]
	if ok {
		delete(r.listeners, name)
	}
	return l, ok
}

// Clear removes all registered listeners and returns them
func (r *Registry) Clear() []*core.Listener {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := make([]*core.Listener, 0, len(r.listeners))
	for _, l := range r.listeners {
		removed = append(removed, l)
	}
	r.listeners = make(map[string]*core.Listener)

	return removed
}

var _ core.Registry = (*Registry)(nil)
