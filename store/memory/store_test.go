package memory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/oshribin/duty/errors"
	"github.com/oshribin/duty/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRecord(id, name string, status job.Status) *job.Job {
	return &job.Job{
		ID:      id,
		Name:    name,
		Data:    json.RawMessage(`{"n":1}`),
		Status:  status,
		AddedOn: time.Now(),
	}
}

func TestStore_InsertAndFind(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	id, err := store.Insert(ctx, newRecord("1", "email", job.StatusPending))
	require.NoError(t, err)
	assert.Equal(t, "1", id)

	rec, err := store.FindByID(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "email", rec.Name)
	assert.JSONEq(t, `{"n":1}`, string(rec.Data))

	// Copies are handed out, not the stored record.
	rec.Name = "changed"
	again, err := store.FindByID(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "email", again.Name)

	_, err = store.Insert(ctx, newRecord("1", "email", job.StatusPending))
	assert.ErrorIs(t, err, errors.ErrJobExists)

	_, err = store.FindByID(ctx, "missing")
	assert.ErrorIs(t, err, errors.ErrJobNotFound)
}

func TestStore_InsertGeneratesID(t *testing.T) {
	store := NewStore()

	id, err := store.Insert(context.Background(), newRecord("", "email", job.StatusPending))
	require.NoError(t, err)
	assert.Len(t, id, 36)
}

func TestStore_UpdateByID(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	_, err := store.Insert(ctx, newRecord("1", "email", job.StatusPending))
	require.NoError(t, err)

	require.NoError(t, store.UpdateByID(ctx, "1", job.Running()))
	require.NoError(t, store.UpdateByID(ctx, "1", job.Progressed(3, 4)))
	require.NoError(t, store.UpdateByID(ctx, "1", job.Failed("Canceled", time.Now())))

	rec, err := store.FindByID(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusError, rec.Status)
	assert.Equal(t, "Canceled", rec.Error)
	assert.Equal(t, int64(3), *rec.Loaded)
	assert.NotNil(t, rec.EndOn)

	assert.ErrorIs(t, store.UpdateByID(ctx, "missing", job.Running()), errors.ErrJobNotFound)

	assert.ErrorIs(t, store.UpdateByID(ctx, "1", job.Running()), errors.ErrStatusConflict)
	assert.ErrorIs(t, store.UpdateByID(ctx, "1", job.Progressed(4, 4)), errors.ErrStatusConflict)
	rec, err = store.FindByID(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusError, rec.Status)
	assert.Equal(t, int64(3), *rec.Loaded)
}

func TestStore_ScanAndRemove(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	for i, name := range []string{"a", "b", "a", "a"} {
		_, err := store.Insert(ctx, newRecord(string(rune('1'+i)), name, job.StatusSuccess))
		require.NoError(t, err)
	}

	cur, err := store.Scan(ctx, job.Filter{Name: "a"})
	require.NoError(t, err)

	var ids []string
	for cur.Next(ctx) {
		ids = append(ids, cur.Job().ID)
		require.NoError(t, cur.Remove(ctx))
	}
	require.NoError(t, cur.Err())
	require.NoError(t, cur.Close())

	assert.Equal(t, []string{"1", "3", "4"}, ids)
	assert.Equal(t, 1, store.Len())

	cur, err = store.Scan(ctx, job.Filter{})
	require.NoError(t, err)
	defer cur.Close()

	require.True(t, cur.Next(ctx))
	assert.Equal(t, "2", cur.Job().ID)
	assert.False(t, cur.Next(ctx))
}

func TestStore_Close(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	require.NoError(t, store.Ping(ctx))
	require.NoError(t, store.Close())

	assert.ErrorIs(t, store.Ping(ctx), errors.ErrNotConnected)
	_, err := store.Insert(ctx, newRecord("1", "x", job.StatusPending))
	assert.ErrorIs(t, err, errors.ErrNotConnected)
	_, err = store.Scan(ctx, job.Filter{})
	assert.ErrorIs(t, err, errors.ErrNotConnected)
}
