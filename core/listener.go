package core

import (
	"fmt"
	"time"

	"github.com/oshribin/duty/errors"
	"github.com/oshribin/duty/job"
)

// Listener is the handler registered for one job name. The engine runs one
// delivery loop per listener, so its handler is invoked for one job at a
// time, in submission order.
type Listener struct {
	Name    string
	Handler HandlerFunc
	Options ListenerOptions

	wake chan struct{}
	quit chan struct{}

	// guarded by Engine.mu
	held  *task
	stale bool
}

// NewListener creates a listener with the given options
func NewListener(name string, handler HandlerFunc, opts ...ListenerOption) *Listener {
	return newListener(name, handler, ListenerOptions{}, opts)
}

func newListener(name string, handler HandlerFunc, base ListenerOptions, opts []ListenerOption) *Listener {
	options := base
	for _, opt := range opts {
		opt(&options)
	}

	return &Listener{
		Name:    name,
		Handler: handler,
		Options: options,
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
	}
}

// signal wakes the delivery loop without blocking.
func (l *Listener) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// listen is the delivery loop of l. It exits once l is replaced,
// unregistered or the engine is closed.
func (e *Engine) listen(l *Listener) {
	defer e.wg.Done()

	e.logger.Debug("Listener started", "name", l.Name)

	for {
		t, ok := e.next(l)
		if !ok {
			select {
			case <-l.wake:
				continue
			case <-l.quit:
				e.logger.Debug("Listener stopping", "name", l.Name)
				return
			}
		}

		if !e.delay(l) {
			e.logger.Debug("Listener stopping", "name", l.Name)
			return
		}

		e.deliver(l, t)
	}
}

// next pops the oldest pending job for l and marks it held. Jobs resolved
// while queued are skipped.
func (e *Engine) next(l *Listener) (*task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if l.stale {
		return nil, false
	}

	for {
		t, ok := e.pending.Dequeue(l.Name)
		if !ok {
			return nil, false
		}
		if t.Status() == job.StatusPending {
			l.held = t
			return t, true
		}
	}
}

// delay waits the listener's delivery delay. It reports false if the
// listener was retired meanwhile; its held job has then been requeued.
func (e *Engine) delay(l *Listener) bool {
	if l.Options.Delay <= 0 {
		return true
	}

	timer := time.NewTimer(l.Options.Delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-l.quit:
		return false
	}
}

// deliver claims t for l and invokes the handler. A listener that lost its
// held job to a replacement, or a job resolved in the meantime, is dropped
// without invoking anything.
func (e *Engine) deliver(l *Listener, t *task) {
	e.mu.Lock()
	if l.held != t {
		e.mu.Unlock()
		e.logger.Debug("Dropping job reclaimed from replaced listener", "job_id", t.id, "name", l.Name)
		return
	}
	l.held = nil
	runCtx, ok := t.claim(e.ctx, e.config.Now())
	e.mu.Unlock()

	if !ok {
		e.logger.Debug("Dropping job resolved before claim", "job_id", t.id, "name", l.Name)
		return
	}

	e.record(func(s Statistics) error {
		ctx, cancel := e.storeContext()
		defer cancel()
		return s.RecordJobStarted(ctx, t.info())
	})

	ctx, cancel := e.storeContext()
	err := e.store.UpdateByID(ctx, t.id, job.Running())
	cancel()
	if err != nil {
		storeErr := errors.NewStoreError("update", t.id, err)
		if errors.IsConflict(err) {
			// Resolved between the claim and the write; the record is
			// already terminal and must stay so.
			e.logger.Debug("Dropping job resolved before it started", "job_id", t.id, "name", t.name)
			e.abandon(t, storeErr)
			return
		}
		e.logger.Error("Failed to persist running status", "job_id", t.id, "name", t.name, "error", err)
		e.fail(t, storeErr.Error(), storeErr, e.config.Now())
		return
	}

	if t.Status() != job.StatusRunning {
		return
	}

	run := newRun(runCtx, e, t)
	t.arm(l.Options.TTL, func() { e.expire(t) })

	e.logger.Debug("Job started", "job_id", t.id, "name", t.name)
	e.invoke(l, t, run)
}

// invoke runs the handler with panic recovery. A panic resolves the job as
// failed unless it was already resolved.
func (e *Engine) invoke(l *Listener, t *task, run *Run) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Handler panicked", "job_id", t.id, "name", t.name, "panic", r)
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("panic: %v", r)
			}
			e.complete(t, err, nil)
		}
	}()

	l.Handler(run, t.data, run.Done)
}
