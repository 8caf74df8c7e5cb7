package core

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oshribin/duty/job"
)

// DoneFunc resolves a running job. A non-nil err fails the job with
// err.Error() as its message; otherwise result is JSON-encoded and stored.
// Only the first resolution of a job takes effect.
type DoneFunc func(err error, result any)

// HandlerFunc processes one job. It may call done synchronously or from
// another goroutine, report progress through run, and observe cancellation
// through run.Context() or run.OnError.
type HandlerFunc func(run *Run, data json.RawMessage, done DoneFunc)

// Store interface defines what core needs from a job record store
type Store interface {
	// Insert persists a new record and returns its id
	Insert(ctx context.Context, rec *job.Job) (string, error)

	// FindByID returns a snapshot of the record; errors.ErrJobNotFound if absent
	FindByID(ctx context.Context, id string) (*job.Job, error)

	// UpdateByID applies patch to the record; errors.ErrJobNotFound if absent
	UpdateByID(ctx context.Context, id string, patch job.Patch) error

	// Scan iterates the records matching filter in insertion order
	Scan(ctx context.Context, filter job.Filter) (Cursor, error)

	Close() error
}

// Cursor iterates scanned records. Callers must Close it.
type Cursor interface {
	Next(ctx context.Context) bool
	Job() *job.Job
	// Remove deletes the record most recently returned by Next
	Remove(ctx context.Context) error
	Err() error
	Close() error
}

// Statistics interface defines what core needs from a statistics backend
type Statistics interface {
	// Job metrics
	RecordJobSubmitted(ctx context.Context, info JobInfo) error
	RecordJobStarted(ctx context.Context, info JobInfo) error
	RecordJobCompleted(ctx context.Context, info JobInfo, duration time.Duration) error
	RecordJobFailed(ctx context.Context, info JobInfo, err error, duration time.Duration) error

	// Health and connection
	Connect(ctx context.Context) error
	Close() error
	Health() error
	Type() string
}

// Registry interface defines what core needs from a listener registry
type Registry interface {
	// Register stores l under its name and returns the replaced listener
	Register(l *Listener) (*Listener, error)

	// Get retrieves the listener for a name
	Get(name string) (*Listener, bool)

	// Remove unregisters the listener for a name and returns it
	Remove(name string) (*Listener, bool)

	// Clear unregisters every listener and returns them
	Clear() []*Listener

	// List returns the registered names
	List() []string
}

// Supporting types used by the interfaces

// JobInfo identifies a job to a statistics backend
type JobInfo struct {
	ID   string
	Name string
}

// HealthStatus represents the health of the engine
type HealthStatus struct {
	Healthy     bool
	StoreHealth error
	StatsHealth error
	Listeners   []string
	PendingJobs map[string]int
	ActiveJobs  int
	LastCheck   time.Time
}
