// Package memory provides an in-memory job record store. It is safe for
// concurrent use and intended for tests, examples and single-process
// deployments that do not need durability.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/oshribin/duty/core"
	"github.com/oshribin/duty/errors"
	"github.com/oshribin/duty/job"
)

// Store keeps job records in a map and remembers insertion order for scans.
// Records are copied on the way in and out.
type Store struct {
	mu      sync.RWMutex
	records map[string]*job.Job
	order   []string
	closed  bool
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		records: make(map[string]*job.Job),
	}
}

// Insert stores a copy of rec. An empty id is filled with a UUID.
func (s *Store) Insert(_ context.Context, rec *job.Job) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", errors.ErrNotConnected
	}

	cp := rec.Clone()
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if _, exists := s.records[cp.ID]; exists {
		return "", errors.ErrJobExists
	}

	s.records[cp.ID] = cp
	s.order = append(s.order, cp.ID)
	return cp.ID, nil
}

// FindByID returns a copy of the record
func (s *Store) FindByID(_ context.Context, id string) (*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errors.ErrNotConnected
	}

	rec, ok := s.records[id]
	if !ok {
		return nil, errors.ErrJobNotFound
	}
	return rec.Clone(), nil
}

// UpdateByID applies patch to the record if its From guard allows the
// current status
func (s *Store) UpdateByID(_ context.Context, id string, patch job.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.ErrNotConnected
	}

	rec, ok := s.records[id]
	if !ok {
		return errors.ErrJobNotFound
	}
	if !patch.Allows(rec.Status) {
		return errors.ErrStatusConflict
	}
	rec.Apply(patch)
	return nil
}

// Scan returns a cursor over a snapshot of the matching records
func (s *Store) Scan(_ context.Context, filter job.Filter) (core.Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errors.ErrNotConnected
	}

	var jobs []*job.Job
	for _, id := range s.order {
		rec, ok := s.records[id]
		if ok && filter.Match(rec) {
			jobs = append(jobs, rec.Clone())
		}
	}
	return &cursor{store: s, jobs: jobs, pos: -1}, nil
}

// Len returns the number of stored records
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Ping reports whether the store is open
func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return errors.ErrNotConnected
	}
	return nil
}

// Close drops every record
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.records = make(map[string]*job.Job)
	s.order = nil
	return nil
}

func (s *Store) remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return errors.ErrJobNotFound
	}
	delete(s.records, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

type cursor struct {
	store  *Store
	jobs   []*job.Job
	pos    int
	closed bool
}

func (c *cursor) Next(ctx context.Context) bool {
	if c.closed || ctx.Err() != nil || c.pos+1 >= len(c.jobs) {
		return false
	}
	c.pos++
	return true
}

func (c *cursor) Job() *job.Job {
	if c.pos < 0 || c.pos >= len(c.jobs) {
		return nil
	}
	return c.jobs[c.pos].Clone()
}

func (c *cursor) Remove(_ context.Context) error {
	if c.pos < 0 || c.pos >= len(c.jobs) {
		return errors.ErrJobNotFound
	}
	return c.store.remove(c.jobs[c.pos].ID)
}

func (c *cursor) Err() error { return nil }

func (c *cursor) Close() error {
	c.closed = true
	c.jobs = nil
	return nil
}

var _ core.Store = (*Store)(nil)
