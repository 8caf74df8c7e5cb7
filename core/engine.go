package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oshribin/duty/errors"
	"github.com/oshribin/duty/event"
	"github.com/oshribin/duty/job"
	"github.com/oshribin/duty/queue"
)

// Engine dispatches submitted jobs to the listener registered for their
// name and records every outcome in the store.
//
// Lock order is Engine.mu, then the registry's lock, then a task's lock.
type Engine struct {
	store    Store
	registry Registry
	stats    Statistics
	config   *Config
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu      sync.Mutex
	pending *queue.Pending[*task]
	tasks   map[string]*task // live (non-terminal) jobs
	closed  bool

	wg sync.WaitGroup
}

// NewEngine creates a new engine with dependency injection
func NewEngine(store Store, registry Registry, options ...EngineOption) *Engine {
	config := defaultConfig()
	for _, opt := range options {
		opt(config)
	}

	ctx, cancel := context.WithCancelCause(context.Background())

	return &Engine{
		store:    store,
		registry: registry,
		stats:    config.Statistics,
		config:   config,
		logger:   config.Logger,
		ctx:      ctx,
		cancel:   cancel,
		pending:  queue.NewPending[*task](),
		tasks:    make(map[string]*task),
	}
}

// Submit creates a pending job, persists it and hands it to the listener
// registered for name, or queues it until one is. It never waits for
// delivery. Failures are reported through the returned handle.
func (e *Engine) Submit(ctx context.Context, name string, data any) *Handle {
	id := e.config.NewID()
	h := &Handle{id: id, name: name, engine: e, events: event.NewChannel(id)}

	if name == "" {
		e.reject(h, errors.ErrEmptyJobName)
		return h
	}

	raw, err := encode(data)
	if err != nil {
		e.reject(h, errors.NewSerializationError("json", err))
		return h
	}

	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		e.reject(h, errors.ErrEngineClosed)
		return h
	}

	rec := &job.Job{
		ID:      id,
		Name:    name,
		Data:    raw,
		Status:  job.StatusPending,
		AddedOn: e.config.Now(),
	}
	if _, err := e.store.Insert(ctx, rec); err != nil {
		e.logger.Error("Failed to persist job", "job_id", id, "name", name, "error", err)
		e.reject(h, errors.NewStoreError("insert", id, err))
		return h
	}

	t := newTask(id, name, raw, h.events)

	e.mu.Lock()
	e.tasks[id] = t
	e.mu.Unlock()

	e.record(func(s Statistics) error {
		ctx, cancel := e.storeContext()
		defer cancel()
		return s.RecordJobSubmitted(ctx, t.info())
	})

	h.events.Emit(event.Event{Kind: event.KindAdd, At: rec.AddedOn})
	e.dispatch(t)

	return h
}

// reject resolves a handle whose job never reached the store.
func (e *Engine) reject(h *Handle, err error) {
	h.err = err
	h.events.Emit(event.Event{Kind: event.KindError, Err: err})
	h.events.Close()
}

// dispatch appends t to its name's pending queue and wakes the listener.
func (e *Engine) dispatch(t *task) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if t.Status() != job.StatusPending {
		return
	}

	e.pending.Enqueue(t.name, t)
	if l, ok := e.registry.Get(t.name); ok {
		l.signal()
		return
	}

	e.logger.Debug("Job queued until a listener registers", "job_id", t.id, "name", t.name)
}

// Register installs handler for name, replacing any current listener, and
// starts delivering the name's pending jobs in order. Jobs the replaced
// listener had not yet claimed go to the new one.
func (e *Engine) Register(name string, handler HandlerFunc, opts ...ListenerOption) error {
	l := newListener(name, handler, e.config.Listener, opts)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return errors.ErrEngineClosed
	}

	prev, err := e.registry.Register(l)
	if err != nil {
		return err
	}
	if prev != nil {
		e.retire(prev)
		e.logger.Info("Listener replaced", "name", name)
	}

	e.wg.Add(1)
	go e.listen(l)
	l.signal()

	e.logger.Info("Listener registered", "name", name,
		"delay", l.Options.Delay, "ttl", l.Options.TTL)
	return nil
}

// Unregister removes the listeners for names, or every listener when no
// name is given. Jobs already running are unaffected.
func (e *Engine) Unregister(names ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(names) == 0 {
		for _, l := range e.registry.Clear() {
			e.retire(l)
		}
		e.logger.Info("All listeners unregistered")
		return
	}

	for _, name := range names {
		if l, ok := e.registry.Remove(name); ok {
			e.retire(l)
			e.logger.Info("Listener unregistered", "name", name)
		}
	}
}

// retire stops l's loop and returns its unclaimed job to the front of the
// queue. Callers hold e.mu.
func (e *Engine) retire(l *Listener) {
	if l.stale {
		return
	}
	l.stale = true

	if t := l.held; t != nil {
		l.held = nil
		if t.Status() == job.StatusPending {
			e.pending.Requeue(l.Name, t)
		}
	}
	close(l.quit)
}

// Get returns the persisted record for id
func (e *Engine) Get(ctx context.Context, id string) (*job.Job, error) {
	rec, err := e.store.FindByID(ctx, id)
	if err != nil {
		return nil, errors.NewStoreError("find", id, err)
	}
	return rec, nil
}

// Cancel force-resolves a pending or running job with the cancellation
// message. Canceling a resolved job does nothing.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	e.mu.Lock()
	t := e.tasks[id]
	e.mu.Unlock()

	if t == nil {
		return e.cancelStored(ctx, id)
	}

	cause := errors.NewJobError(t.id, t.name, errors.MsgCanceled, errors.ErrCanceled)
	ok, err := e.resolve(ctx, t, true,
		job.Failed(errors.MsgCanceled, e.config.Now()),
		event.Event{Kind: event.KindError, Err: cause},
		errors.ErrCanceled)
	if ok {
		e.logger.Info("Job canceled", "job_id", t.id, "name", t.name)
	}
	return err
}

// cancelStored handles ids this engine does not track: resolved jobs, and
// jobs left non-terminal by an earlier process.
func (e *Engine) cancelStored(ctx context.Context, id string) error {
	rec, err := e.store.FindByID(ctx, id)
	if err != nil {
		return errors.NewStoreError("find", id, err)
	}
	if rec.Status.IsTerminal() {
		return nil
	}

	err = e.store.UpdateByID(ctx, id, job.Failed(errors.MsgCanceled, e.config.Now()))
	if errors.IsConflict(err) {
		// Resolved by its owner between the read and the write.
		return nil
	}
	if err != nil {
		return errors.NewStoreError("update", id, err)
	}
	e.logger.Info("Orphaned job canceled", "job_id", id, "name", rec.Name)
	return nil
}

// complete resolves a running job from its handler.
func (e *Engine) complete(t *task, err error, result any) {
	now := e.config.Now()

	if err != nil {
		msg := err.Error()
		e.fail(t, msg, errors.NewJobError(t.id, t.name, msg, err), now)
		return
	}

	raw, encErr := encode(result)
	if encErr != nil {
		encErr = errors.NewSerializationError("json", encErr)
		e.fail(t, encErr.Error(), errors.NewJobError(t.id, t.name, encErr.Error(), encErr), now)
		return
	}

	ctx, cancel := e.storeContext()
	defer cancel()

	patch := job.Succeeded(raw, now)
	ok, _ := e.resolve(ctx, t, false, patch,
		event.Event{Kind: event.KindSuccess, At: now, Result: patch.Result}, nil)
	if ok {
		e.logger.Debug("Job completed", "job_id", t.id, "name", t.name)
	}
}

func (e *Engine) fail(t *task, msg string, cause error, now time.Time) {
	ctx, cancel := e.storeContext()
	defer cancel()

	ok, _ := e.resolve(ctx, t, false, job.Failed(msg, now),
		event.Event{Kind: event.KindError, At: now, Err: cause}, cause)
	if ok {
		e.logger.Error("Job failed", "job_id", t.id, "name", t.name, "error", msg)
	}
}

// expire resolves a running job whose TTL elapsed.
func (e *Engine) expire(t *task) {
	now := e.config.Now()
	cause := errors.NewJobError(t.id, t.name, errors.MsgExpired, errors.ErrExpired)

	ctx, cancel := e.storeContext()
	defer cancel()

	ok, _ := e.resolve(ctx, t, false, job.Failed(errors.MsgExpired, now),
		event.Event{Kind: event.KindError, At: now, Err: cause}, errors.ErrExpired)
	if ok {
		e.logger.Warn("Job expired", "job_id", t.id, "name", t.name)
	}
}

// resolve moves t to the patch's terminal status if it has not been
// resolved yet, persists the change, then notifies observers and cancels the
// run context with cause. When the store rejects the change, observers get
// an error event carrying the store error instead of ev. It reports whether
// this call won the resolution.
func (e *Engine) resolve(ctx context.Context, t *task, allowPending bool, patch job.Patch, ev event.Event, cause error) (bool, error) {
	to := *patch.Status
	cancelRun, started, ok := t.finish(to, allowPending)
	if !ok {
		e.logger.Debug("Ignoring resolution of finished job", "job_id", t.id, "name", t.name, "status", to)
		return false, nil
	}

	var storeErr error
	if err := e.store.UpdateByID(ctx, t.id, patch); err != nil {
		e.logger.Error("Failed to persist job outcome", "job_id", t.id, "name", t.name, "status", to, "error", err)
		storeErr = errors.NewStoreError("update", t.id, err)
		ev = event.Event{Kind: event.KindError, At: ev.At, Err: storeErr}
	}

	e.settle(t, cancelRun, started, ev, cause)
	return true, storeErr
}

// abandon resolves t without writing to the store, after the store refused
// to start it because the record was resolved by someone else.
func (e *Engine) abandon(t *task, err error) {
	cancelRun, started, ok := t.finish(job.StatusError, false)
	if !ok {
		return
	}
	e.settle(t, cancelRun, started, event.Event{Kind: event.KindError, Err: err}, errors.ErrCanceled)
}

// settle finishes a resolution once its terminal event is decided.
func (e *Engine) settle(t *task, cancelRun context.CancelCauseFunc, started time.Time, ev event.Event, cause error) {
	e.forget(t)
	if cancelRun != nil {
		cancelRun(cause)
	}

	var duration time.Duration
	if !started.IsZero() {
		duration = e.config.Now().Sub(started)
	}
	e.record(func(s Statistics) error {
		ctx, cancel := e.storeContext()
		defer cancel()
		if ev.Kind == event.KindSuccess {
			return s.RecordJobCompleted(ctx, t.info(), duration)
		}
		return s.RecordJobFailed(ctx, t.info(), ev.Err, duration)
	})

	t.events.Emit(ev)
	t.events.Close()
}

// forget drops a resolved task from the live set and the pending queue.
func (e *Engine) forget(t *task) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.tasks, t.id)
	e.pending.Remove(t.name, t.id)
}

// progress persists the counters of a running job and fires a progress event.
func (e *Engine) progress(t *task, loaded, total int64) {
	if t.Status() != job.StatusRunning {
		e.logger.Debug("Ignoring progress of finished job", "job_id", t.id, "name", t.name)
		return
	}

	ctx, cancel := e.storeContext()
	defer cancel()

	err := e.store.UpdateByID(ctx, t.id, job.Progressed(loaded, total))
	if errors.IsConflict(err) {
		e.logger.Debug("Ignoring progress of finished job", "job_id", t.id, "name", t.name)
		return
	}
	if err != nil {
		e.logger.Error("Failed to persist progress", "job_id", t.id, "name", t.name, "error", err)
		return
	}

	t.events.Emit(event.Event{Kind: event.KindProgress, Loaded: loaded, Total: total})
}

// Close stops every listener loop and expiry timer and waits, up to the
// shutdown timeout, for handlers being invoked to return. Running jobs see
// their context canceled with errors.ErrEngineClosed; they may still resolve.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true

	for _, l := range e.registry.Clear() {
		e.retire(l)
	}
	live := make([]*task, 0, len(e.tasks))
	for _, t := range e.tasks {
		live = append(live, t)
	}
	e.mu.Unlock()

	for _, t := range live {
		t.disarm()
	}
	e.cancel(errors.ErrEngineClosed)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("Engine stopped gracefully")
	case <-time.After(e.config.ShutdownTimeout):
		e.logger.Warn("Engine shutdown timeout exceeded")
	}

	return nil
}

// Health returns the current health status
func (e *Engine) Health() HealthStatus {
	var storeHealth, statsHealth error
	if p, ok := e.store.(interface{ Ping(context.Context) error }); ok {
		ctx, cancel := e.storeContext()
		storeHealth = p.Ping(ctx)
		cancel()
	}
	if e.stats != nil {
		statsHealth = e.stats.Health()
	}

	e.mu.Lock()
	pending := make(map[string]int)
	for _, name := range e.pending.Queues() {
		pending[name] = e.pending.Length(name)
	}
	active := 0
	for _, t := range e.tasks {
		if t.Status() == job.StatusRunning {
			active++
		}
	}
	closed := e.closed
	e.mu.Unlock()

	return HealthStatus{
		Healthy:     !closed && storeHealth == nil && statsHealth == nil,
		StoreHealth: storeHealth,
		StatsHealth: statsHealth,
		Listeners:   e.registry.List(),
		PendingJobs: pending,
		ActiveJobs:  active,
		LastCheck:   e.config.Now(),
	}
}

func (e *Engine) storeContext() (context.Context, context.CancelFunc) {
	if e.config.StoreTimeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), e.config.StoreTimeout)
}

// record reports to the statistics backend, if any. Failures are logged only.
func (e *Engine) record(fn func(Statistics) error) {
	if e.stats == nil {
		return
	}
	if err := fn(e.stats); err != nil {
		e.logger.Warn("Failed to record statistics", "backend", e.stats.Type(), "error", err)
	}
}

// encode turns a payload or result into JSON. json.RawMessage values are
// validated and stored as-is.
func encode(v any) (json.RawMessage, error) {
	switch raw := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if !json.Valid(raw) {
			return nil, fmt.Errorf("invalid JSON: %q", raw)
		}
		return append(json.RawMessage(nil), raw...), nil
	}

	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}
