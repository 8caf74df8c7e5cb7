package core

import (
	"testing"
	"time"

	"github.com/oshribin/duty/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedStore(s *MockStore) {
	now := time.Now()
	s.Put(&job.Job{ID: "1", Name: "a", Status: job.StatusSuccess, AddedOn: now})
	s.Put(&job.Job{ID: "2", Name: "a", Status: job.StatusError, AddedOn: now})
	s.Put(&job.Job{ID: "3", Name: "b", Status: job.StatusSuccess, AddedOn: now})
	s.Put(&job.Job{ID: "4", Name: "a", Status: job.StatusPending, AddedOn: now})
}

func TestList(t *testing.T) {
	store := NewMockStore()
	seedStore(store)

	jobs, err := List(testContext(t), store, job.Filter{Name: "a"})
	require.NoError(t, err)

	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	assert.Equal(t, []string{"1", "2", "4"}, ids)
}

func TestPurge(t *testing.T) {
	store := NewMockStore()
	seedStore(store)

	removed, err := Purge(testContext(t), store, job.Filter{
		Statuses: []job.Status{job.StatusSuccess, job.StatusError},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
	assert.Equal(t, 1, store.Len())

	removed, err = Purge(testContext(t), store, job.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, store.Len())
}

func TestPurge_ScanError(t *testing.T) {
	store := NewMockStore()
	store.scanError = assert.AnError

	_, err := Purge(testContext(t), store, job.Filter{})
	assert.ErrorIs(t, err, assert.AnError)

	_, err = List(testContext(t), store, job.Filter{})
	assert.ErrorIs(t, err, assert.AnError)
}

func TestEngine_PurgeSkipsLiveJobs(t *testing.T) {
	setup := NewTestSetup()
	engine := setup.NewEngine(t)

	require.NoError(t, engine.Register("done", succeed))
	finished := engine.Submit(testContext(t), "done", 1)
	WaitResolved(t, finished)

	waiting := engine.Submit(testContext(t), "nobody", 2)
	require.NoError(t, waiting.Err())

	removed, err := engine.Purge(testContext(t), job.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = finished.Get(testContext(t))
	assert.Error(t, err)

	rec, err := waiting.Get(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, rec.Status)
}
