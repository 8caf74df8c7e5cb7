package core

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oshribin/duty/errors"
	"github.com/oshribin/duty/job"
)

// Mock implementations for testing

// MockStore implements the Store interface for testing
type MockStore struct {
	mu          sync.RWMutex
	records     map[string]*job.Job
	order       []string
	insertError error
	updateError error
	findError   error
	scanError   error
	updates     []job.Patch
	updateHook  func(id string, patch job.Patch) error
	closed      bool
}

func NewMockStore() *MockStore {
	return &MockStore{
		records: make(map[string]*job.Job),
	}
}

func (m *MockStore) Insert(ctx context.Context, rec *job.Job) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.insertError != nil {
		return "", m.insertError
	}

	m.records[rec.ID] = rec.Clone()
	m.order = append(m.order, rec.ID)
	return rec.ID, nil
}

func (m *MockStore) FindByID(ctx context.Context, id string) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.findError != nil {
		return nil, m.findError
	}

	rec, ok := m.records[id]
	if !ok {
		return nil, errors.ErrJobNotFound
	}
	return rec.Clone(), nil
}

func (m *MockStore) UpdateByID(ctx context.Context, id string, patch job.Patch) error {
	m.mu.RLock()
	hook := m.updateHook
	m.mu.RUnlock()
	if hook != nil {
		if err := hook(id, patch); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.updateError != nil {
		return m.updateError
	}

	rec, ok := m.records[id]
	if !ok {
		return errors.ErrJobNotFound
	}
	if !patch.Allows(rec.Status) {
		return errors.ErrStatusConflict
	}
	rec.Apply(patch)
	m.updates = append(m.updates, patch)
	return nil
}

func (m *MockStore) Scan(ctx context.Context, filter job.Filter) (Cursor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.scanError != nil {
		return nil, m.scanError
	}

	var jobs []*job.Job
	for _, id := range m.order {
		if rec, ok := m.records[id]; ok && filter.Match(rec) {
			jobs = append(jobs, rec.Clone())
		}
	}
	return &MockCursor{store: m, jobs: jobs, pos: -1}, nil
}

func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

// Test helper methods
func (m *MockStore) SetInsertError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertError = err
}

func (m *MockStore) SetUpdateError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateError = err
}

// SetUpdateHook installs fn to run before every update, outside the store's
// lock. A non-nil error from fn fails the update.
func (m *MockStore) SetUpdateHook(fn func(id string, patch job.Patch) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateHook = fn
}

func (m *MockStore) Status(id string) job.Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if rec, ok := m.records[id]; ok {
		return rec.Status
	}
	return ""
}

// Statuses returns the status of every status-changing patch, in order
func (m *MockStore) Statuses() []job.Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []job.Status
	for _, p := range m.updates {
		if p.Status != nil {
			out = append(out, *p.Status)
		}
	}
	return out
}

func (m *MockStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func (m *MockStore) Put(rec *job.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records[rec.ID] = rec.Clone()
	m.order = append(m.order, rec.ID)
}

func (m *MockStore) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
}

// MockCursor iterates a snapshot taken by MockStore.Scan
type MockCursor struct {
	store  *MockStore
	jobs   []*job.Job
	pos    int
	closed bool
}

func (c *MockCursor) Next(ctx context.Context) bool {
	if c.closed || c.pos+1 >= len(c.jobs) {
		return false
	}
	c.pos++
	return true
}

func (c *MockCursor) Job() *job.Job {
	if c.pos < 0 || c.pos >= len(c.jobs) {
		return nil
	}
	return c.jobs[c.pos].Clone()
}

func (c *MockCursor) Remove(ctx context.Context) error {
	if c.pos < 0 || c.pos >= len(c.jobs) {
		return errors.ErrJobNotFound
	}
	c.store.remove(c.jobs[c.pos].ID)
	return nil
}

func (c *MockCursor) Err() error { return nil }

func (c *MockCursor) Close() error {
	c.closed = true
	return nil
}

// MockRegistry implements the Registry interface for testing
type MockRegistry struct {
	mu        sync.RWMutex
	listeners map[string]*Listener
}

func NewMockRegistry() *MockRegistry {
	return &MockRegistry{
		listeners: make(map[string]*Listener),
	}
}

func (m *MockRegistry) Register(l *Listener) (*Listener, error) {
	if l.Name == "" {
		return nil, errors.ErrEmptyJobName
	}
	if l.Handler == nil {
		return nil, errors.ErrNilHandler
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.listeners[l.Name]
	m.listeners[l.Name] = l
	return prev, nil
}

func (m *MockRegistry) Get(name string) (*Listener, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.listeners[name]
	return l, ok
}

func (m *MockRegistry) Remove(name string) (*Listener, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.listeners[name]
	delete(m.listeners, name)
	return l, ok
}

func (m *MockRegistry) Clear() []*Listener {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		out = append(out, l)
	}
	m.listeners = make(map[string]*Listener)
	return out
}

func (m *MockRegistry) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.listeners))
	for name := range m.listeners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MockStatistics implements the Statistics interface for testing
type MockStatistics struct {
	mu          sync.RWMutex
	healthError error
	submitted   []JobInfo
	started     []JobInfo
	completed   []JobInfo
	failed      []JobInfo
}

func NewMockStatistics() *MockStatistics {
	return &MockStatistics{}
}

func (m *MockStatistics) RecordJobSubmitted(ctx context.Context, info JobInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitted = append(m.submitted, info)
	return nil
}

func (m *MockStatistics) RecordJobStarted(ctx context.Context, info JobInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = append(m.started, info)
	return nil
}

func (m *MockStatistics) RecordJobCompleted(ctx context.Context, info JobInfo, duration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed = append(m.completed, info)
	return nil
}

func (m *MockStatistics) RecordJobFailed(ctx context.Context, info JobInfo, err error, duration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed = append(m.failed, info)
	return nil
}

func (m *MockStatistics) Connect(ctx context.Context) error { return nil }
func (m *MockStatistics) Close() error                      { return nil }
func (m *MockStatistics) Type() string                      { return "mock" }

func (m *MockStatistics) Health() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthError
}

func (m *MockStatistics) SetHealthError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthError = err
}

func (m *MockStatistics) Counts() (submitted, started, completed, failed int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.submitted), len(m.started), len(m.completed), len(m.failed)
}
