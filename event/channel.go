// Package event provides the per-job notification channel observed by
// submitters and by running handlers.
package event

import (
	"encoding/json"
	"sync"
	"time"
)

// Kind names a job notification.
type Kind string

const (
	// KindAdd fires once the job record has been persisted.
	KindAdd Kind = "add"
	// KindProgress fires for every persisted progress update.
	KindProgress Kind = "progress"
	// KindError fires when the job resolves with an error, including
	// cancellation and expiry, or when it could not be persisted.
	KindError Kind = "error"
	// KindSuccess fires when the job resolves with a result.
	KindSuccess Kind = "success"
)

// Event is a single notification on a job's channel.
type Event struct {
	Kind   Kind
	JobID  string
	At     time.Time
	Loaded int64           // progress only
	Total  int64           // progress only
	Err    error           // error only
	Result json.RawMessage // success only
}

// Terminal reports whether the event resolves the job.
func (e Event) Terminal() bool {
	return e.Kind == KindError || e.Kind == KindSuccess
}

// sticky events are replayed to observers that subscribe after they fired.
func (e Event) sticky() bool {
	return e.Kind != KindProgress
}

type observer struct {
	id   uint64
	kind Kind // empty means every kind
	fn   func(Event)
}

func (o *observer) wants(k Kind) bool {
	return o.kind == "" || o.kind == k
}

type delivery struct {
	ev      Event
	targets []*observer
}

// Channel is an ordered observer list for one job.
//
// Events are delivered in emission order. The goroutine that finds the
// channel idle drains the queue; an Emit issued while another delivery is in
// progress (including from inside an observer) is queued and delivered by
// that goroutine once the current observer returns.
//
// Once closed the channel drops its observers; add and terminal events stay
// in its history so late subscribers still see them.
type Channel struct {
	jobID string

	mu         sync.Mutex
	nextID     uint64
	observers  []*observer
	removed    map[uint64]bool
	history    []Event
	queue      []delivery
	delivering bool
	closed     bool
}

// NewChannel creates an open channel for the given job.
func NewChannel(jobID string) *Channel {
	return &Channel{jobID: jobID, removed: make(map[uint64]bool)}
}

// JobID returns the job this channel reports on.
func (c *Channel) JobID() string {
	return c.jobID
}

// Subscribe registers fn for every event kind and returns a function that
// removes it.
func (c *Channel) Subscribe(fn func(Event)) (unsubscribe func()) {
	return c.subscribe("", fn)
}

// On registers fn for a single event kind and returns a function that
// removes it.
func (c *Channel) On(kind Kind, fn func(Event)) (unsubscribe func()) {
	return c.subscribe(kind, fn)
}

func (c *Channel) subscribe(kind Kind, fn func(Event)) func() {
	if fn == nil {
		return func() {}
	}

	c.mu.Lock()
	c.nextID++
	o := &observer{id: c.nextID, kind: kind, fn: fn}
	for _, ev := range c.history {
		if o.wants(ev.Kind) {
			c.queue = append(c.queue, delivery{ev: ev, targets: []*observer{o}})
		}
	}
	if !c.closed {
		c.observers = append(c.observers, o)
	}
	c.mu.Unlock()

	c.drain()
	return func() { c.remove(o.id) }
}

func (c *Channel) remove(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.removed[id] = true
	for i, o := range c.observers {
		if o.id == id {
			c.observers = append(c.observers[:i:i], c.observers[i+1:]...)
			return
		}
	}
}

// Emit queues ev for the current observers and delivers it unless another
// goroutine is already delivering. It reports false, and queues nothing,
// once the channel is closed.
func (c *Channel) Emit(ev Event) bool {
	if ev.JobID == "" {
		ev.JobID = c.jobID
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if ev.sticky() {
		c.history = append(c.history, ev)
	}
	targets := make([]*observer, 0, len(c.observers))
	for _, o := range c.observers {
		if o.wants(ev.Kind) {
			targets = append(targets, o)
		}
	}
	c.queue = append(c.queue, delivery{ev: ev, targets: targets})
	c.mu.Unlock()

	c.drain()
	return true
}

func (c *Channel) drain() {
	c.mu.Lock()
	if c.delivering {
		c.mu.Unlock()
		return
	}
	c.delivering = true

	for len(c.queue) > 0 {
		d := c.queue[0]
		c.queue = c.queue[1:]
		for _, o := range d.targets {
			if c.removed[o.id] {
				continue
			}
			c.mu.Unlock()
			o.fn(d.ev)
			c.mu.Lock()
		}
	}

	c.delivering = false
	c.mu.Unlock()
}

// Close tears the channel down. Events already emitted are still delivered;
// further Emit calls are ignored.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	c.observers = nil
}

// Closed reports whether Close has been called.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Last returns the most recent add or terminal event of the given kind.
func (c *Channel) Last(kind Kind) (Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := len(c.history) - 1; i >= 0; i-- {
		if c.history[i].Kind == kind {
			return c.history[i], true
		}
	}
	return Event{}, false
}
