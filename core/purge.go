package core

import (
	"context"

	"github.com/oshribin/duty/errors"
	"github.com/oshribin/duty/job"
)

// List returns every record matching filter, in insertion order.
func List(ctx context.Context, store Store, filter job.Filter) ([]*job.Job, error) {
	cur, err := store.Scan(ctx, filter)
	if err != nil {
		return nil, errors.NewStoreError("scan", "", err)
	}
	defer cur.Close()

	var jobs []*job.Job
	for cur.Next(ctx) {
		jobs = append(jobs, cur.Job())
	}
	if err := cur.Err(); err != nil {
		return jobs, errors.NewStoreError("scan", "", err)
	}
	return jobs, nil
}

// Purge removes every record matching filter and returns how many were
// removed.
func Purge(ctx context.Context, store Store, filter job.Filter) (int, error) {
	return purge(ctx, store, filter, func(*job.Job) bool { return true })
}

// Purge removes the records matching filter, skipping jobs this engine is
// still dispatching or running.
func (e *Engine) Purge(ctx context.Context, filter job.Filter) (int, error) {
	return purge(ctx, e.store, filter, func(rec *job.Job) bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		_, live := e.tasks[rec.ID]
		return !live
	})
}

func purge(ctx context.Context, store Store, filter job.Filter, removable func(*job.Job) bool) (int, error) {
	cur, err := store.Scan(ctx, filter)
	if err != nil {
		return 0, errors.NewStoreError("scan", "", err)
	}
	defer cur.Close()

	removed := 0
	for cur.Next(ctx) {
		rec := cur.Job()
		if !removable(rec) {
			continue
		}
		if err := cur.Remove(ctx); err != nil {
			return removed, errors.NewStoreError("remove", rec.ID, err)
		}
		removed++
	}
	if err := cur.Err(); err != nil {
		return removed, errors.NewStoreError("scan", "", err)
	}
	return removed, nil
}
