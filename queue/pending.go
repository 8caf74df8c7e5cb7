// Package queue holds jobs that are waiting for a listener, one FIFO per
// job name.
package queue

import (
	"sync"
)

// Item is anything the pending queue can hold.
type Item interface {
	ID() string
}

// Pending is a thread-safe set of per-name FIFO queues.
type Pending[T Item] struct {
	mu     sync.Mutex
	queues map[string][]T
}

// NewPending creates an empty pending queue.
func NewPending[T Item]() *Pending[T] {
	return &Pending[T]{
		queues: make(map[string][]T),
	}
}

// Enqueue appends item to the back of the named queue.
func (p *Pending[T]) Enqueue(name string, item T) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.queues[name] = append(p.queues[name], item)
}

// Requeue puts item back at the front of the named queue, ahead of
// everything submitted after it.
func (p *Pending[T]) Requeue(name string, item T) {
	p.mu.Lock()
	defer p.mu.Unlock()

	q := p.queues[name]
	q = append(q, item)
	copy(q[1:], q[:len(q)-1])
	q[0] = item
	p.queues[name] = q
}

// Dequeue removes and returns the oldest item of the named queue.
func (p *Pending[T]) Dequeue(name string) (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var zero T
	q := p.queues[name]
	if len(q) == 0 {
		return zero, false
	}

	item := q[0]
	q[0] = zero
	if len(q) == 1 {
		delete(p.queues, name)
	} else {
		p.queues[name] = q[1:]
	}
	return item, true
}

// Remove drops the item with the given id from the named queue.
func (p *Pending[T]) Remove(name, id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	q := p.queues[name]
	for i, item := range q {
		if item.ID() != id {
			continue
		}
		q = append(q[:i:i], q[i+1:]...)
		if len(q) == 0 {
			delete(p.queues, name)
		} else {
			p.queues[name] = q
		}
		return true
	}
	return false
}

// Length returns the number of items waiting under name.
func (p *Pending[T]) Length(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.queues[name])
}

// Queues returns the names that currently have waiting items.
func (p *Pending[T]) Queues() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	names := make([]string, 0, len(p.queues))
	for name := range p.queues {
		names = append(names, name)
	}
	return names
}

// Clear drops every queue.
func (p *Pending[T]) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.queues = make(map[string][]T)
}
