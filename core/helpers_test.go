package core

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/oshribin/duty/event"
	"github.com/oshribin/duty/job"
	"github.com/stretchr/testify/require"
)

// TestSetup provides common test dependencies
type TestSetup struct {
	Store    *MockStore
	Stats    *MockStatistics
	Registry *MockRegistry
	Logger   *slog.Logger
}

// NewTestSetup creates a standard test setup with all mocks
func NewTestSetup() *TestSetup {
	return &TestSetup{
		Store:    NewMockStore(),
		Stats:    NewMockStatistics(),
		Registry: NewMockRegistry(),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// NewEngine creates an engine over the setup's mocks and closes it when the
// test ends
func (s *TestSetup) NewEngine(t *testing.T, options ...EngineOption) *Engine {
	t.Helper()

	opts := append([]EngineOption{
		WithLogger(s.Logger),
		WithStatistics(s.Stats),
		WithShutdownTimeout(time.Second),
	}, options...)

	e := NewEngine(s.Store, s.Registry, opts...)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// ContextWithTimeout creates a context with standard timeout for tests
func ContextWithTimeout(t *testing.T) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 2*time.Second)
}

// WaitResolved waits for the handle's job to resolve and returns the record
func WaitResolved(t *testing.T, h *Handle) *job.Job {
	t.Helper()

	ctx, cancel := ContextWithTimeout(t)
	defer cancel()

	rec, err := h.Wait(ctx)
	require.NoError(t, err)
	return rec
}

// Recorder collects the values a test handler observes
type Recorder struct {
	mu     sync.Mutex
	values []string
}

func (r *Recorder) Add(v string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, v)
}

func (r *Recorder) Values() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.values...)
}

func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.values)
}

// EventLog collects events from a handle
type EventLog struct {
	mu     sync.Mutex
	events []event.Event
}

func (l *EventLog) Observe(ev event.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *EventLog) Kinds() []event.Kind {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]event.Kind, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (l *EventLog) Events() []event.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]event.Event(nil), l.events...)
}

// succeed is a handler that resolves immediately with its payload
func succeed(run *Run, data json.RawMessage, done DoneFunc) {
	done(nil, data)
}

// HoldUpdates makes store updates matched by pick wait until release is
// called. held is closed when the first matching update arrives.
func HoldUpdates(s *MockStore, pick func(job.Patch) bool) (held <-chan struct{}, release func()) {
	arrived := make(chan struct{})
	gate := make(chan struct{})
	var arrivedOnce, releaseOnce sync.Once

	s.SetUpdateHook(func(id string, patch job.Patch) error {
		if !pick(patch) {
			return nil
		}
		arrivedOnce.Do(func() { close(arrived) })
		<-gate
		return nil
	})
	return arrived, func() { releaseOnce.Do(func() { close(gate) }) }
}

// SetsStatus matches patches that move a job to status
func SetsStatus(status job.Status) func(job.Patch) bool {
	return func(p job.Patch) bool {
		return p.Status != nil && *p.Status == status
	}
}

// IsProgress matches progress patches
func IsProgress(p job.Patch) bool {
	return p.Status == nil && p.Loaded != nil
}

// testContexts caches one context per test, mirroring testing.T.Context
// (Go 1.24+) on older toolchains.
var testContexts sync.Map

// testContext returns a context that is canceled when the test finishes.
func testContext(t testing.TB) context.Context {
	if ctx, ok := testContexts.Load(t); ok {
		return ctx.(context.Context)
	}
	ctx, cancel := context.WithCancel(context.Background())
	testContexts.Store(t, ctx)
	t.Cleanup(func() {
		cancel()
		testContexts.Delete(t)
	})
	return ctx
}
