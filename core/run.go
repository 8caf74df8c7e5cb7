package core

import (
	"context"
	"encoding/json"

	"github.com/oshribin/duty/errors"
	"github.com/oshribin/duty/event"
)

// Run is a handler's view of the job it is processing.
type Run struct {
	ctx    context.Context
	engine *Engine
	task   *task
}

func newRun(ctx context.Context, engine *Engine, t *task) *Run {
	return &Run{ctx: ctx, engine: engine, task: t}
}

// Context is canceled when the job is resolved. After a cancellation or
// expiry, context.Cause reports errors.ErrCanceled or errors.ErrExpired.
func (r *Run) Context() context.Context {
	return r.ctx
}

// ID returns the job id
func (r *Run) ID() string {
	return r.task.id
}

// Name returns the job name
func (r *Run) Name() string {
	return r.task.name
}

// Data returns the raw JSON payload
func (r *Run) Data() json.RawMessage {
	return r.task.data
}

// Bind decodes the payload into v
func (r *Run) Bind(v any) error {
	if len(r.task.data) == 0 {
		return errors.NewSerializationError("json", errors.ErrEmptyPayload)
	}
	if err := json.Unmarshal(r.task.data, v); err != nil {
		return errors.NewSerializationError("json", err)
	}
	return nil
}

// Progress persists the loaded/total counters and notifies observers. It is
// ignored once the job is resolved.
func (r *Run) Progress(loaded, total int64) {
	r.engine.progress(r.task, loaded, total)
}

// OnError registers fn for the job's error event, which fires when the job
// fails, expires or is canceled. The returned func removes it.
func (r *Run) OnError(fn func(error)) func() {
	if fn == nil {
		return func() {}
	}
	return r.task.events.On(event.KindError, func(ev event.Event) {
		fn(ev.Err)
	})
}

// Done resolves the job; it is the same function passed to the handler.
func (r *Run) Done(err error, result any) {
	r.engine.complete(r.task, err, result)
}
