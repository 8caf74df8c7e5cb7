package core

import (
	"context"

	"github.com/oshribin/duty/errors"
	"github.com/oshribin/duty/event"
	"github.com/oshribin/duty/job"
)

// Handle is returned by Submit. If the submission failed, Err reports why
// and the handle's channel carries a single error event.
type Handle struct {
	id     string
	name   string
	engine *Engine
	events *event.Channel
	err    error
}

// ID returns the job id
func (h *Handle) ID() string {
	return h.id
}

// Name returns the job name
func (h *Handle) Name() string {
	return h.name
}

// Err returns the submission error, if any
func (h *Handle) Err() error {
	return h.err
}

// Events returns the job's event channel
func (h *Handle) Events() *event.Channel {
	return h.events
}

// On registers fn for one event kind. The add and terminal events are
// replayed if they already fired.
func (h *Handle) On(kind event.Kind, fn func(event.Event)) func() {
	return h.events.On(kind, fn)
}

// Subscribe registers fn for every event kind
func (h *Handle) Subscribe(fn func(event.Event)) func() {
	return h.events.Subscribe(fn)
}

// Get returns the current persisted record
func (h *Handle) Get(ctx context.Context) (*job.Job, error) {
	if h.err != nil {
		return nil, h.err
	}
	return h.engine.Get(ctx, h.id)
}

// Cancel force-resolves the job with the cancellation message
func (h *Handle) Cancel(ctx context.Context) error {
	if h.err != nil {
		return h.err
	}
	return h.engine.Cancel(ctx, h.id)
}

// Wait blocks until the job resolves or ctx is done, then returns the
// persisted terminal record. If the outcome could not be persisted, Wait
// returns the *errors.StoreError instead.
func (h *Handle) Wait(ctx context.Context) (*job.Job, error) {
	if h.err != nil {
		return nil, h.err
	}

	resolved := make(chan event.Event, 1)
	unsubscribe := h.events.Subscribe(func(ev event.Event) {
		if ev.Terminal() {
			select {
			case resolved <- ev:
			default:
			}
		}
	})
	defer unsubscribe()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case ev := <-resolved:
		if storeErr, ok := ev.Err.(*errors.StoreError); ok {
			return nil, storeErr
		}
	}

	return h.engine.Get(ctx, h.id)
}
