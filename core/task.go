package core

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/oshribin/duty/event"
	"github.com/oshribin/duty/job"
)

// task is the in-memory side of a live job. Every status change goes
// through its mutex, so claim, completion, expiry and cancellation are
// totally ordered and only the first resolution wins.
type task struct {
	id     string
	name   string
	data   json.RawMessage
	events *event.Channel

	mu      sync.Mutex
	status  job.Status
	started time.Time
	timer   *time.Timer
	cancel  context.CancelCauseFunc
}

func newTask(id, name string, data json.RawMessage, events *event.Channel) *task {
	return &task{
		id:     id,
		name:   name,
		data:   data,
		events: events,
		status: job.StatusPending,
	}
}

// ID satisfies queue.Item.
func (t *task) ID() string {
	return t.id
}

func (t *task) Status() job.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *task) info() JobInfo {
	return JobInfo{ID: t.id, Name: t.name}
}

// claim moves a pending task to running and derives its run context from
// parent.
func (t *task) claim(parent context.Context, now time.Time) (context.Context, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status != job.StatusPending {
		return nil, false
	}

	ctx, cancel := context.WithCancelCause(parent)
	t.status = job.StatusRunning
	t.started = now
	t.cancel = cancel
	return ctx, true
}

// arm starts the inactivity timer of a running task.
func (t *task) arm(ttl time.Duration, expire func()) {
	if ttl <= 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status != job.StatusRunning || t.timer != nil {
		return
	}
	t.timer = time.AfterFunc(ttl, expire)
}

// disarm stops the inactivity timer without resolving the task.
func (t *task) disarm() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// finish is the resolution gate. It moves a running task, or a pending one
// when allowPending is set, to the terminal status to. The returned cancel
// func is nil for tasks that never ran.
func (t *task) finish(to job.Status, allowPending bool) (context.CancelCauseFunc, time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.status {
	case job.StatusRunning:
	case job.StatusPending:
		if !allowPending {
			return nil, time.Time{}, false
		}
	default:
		return nil, time.Time{}, false
	}
	if !t.status.CanTransition(to) {
		return nil, time.Time{}, false
	}

	t.status = to
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	cancel := t.cancel
	t.cancel = nil
	return cancel, t.started, true
}
