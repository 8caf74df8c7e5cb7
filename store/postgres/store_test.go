package postgres

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	dutyErrors "github.com/oshribin/duty/errors"
	"github.com/oshribin/duty/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestDefaultOptions(t *testing.T) {
	options := DefaultOptions()

	assert.Contains(t, options.DSN, "postgres://")
	assert.Equal(t, int32(20), options.MaxConns)
	assert.Equal(t, 3*time.Second, options.DialTimeout)
	assert.Equal(t, 100, options.PageSize)
	assert.True(t, options.AutoMigrate)
}

func TestOpen_InvalidDSN(t *testing.T) {
	options := DefaultOptions()
	options.DSN = "postgres://bad host:port/db"

	_, err := Open(context.Background(), options, discard)
	assert.ErrorIs(t, err, dutyErrors.ErrInvalidConfig)
}

func TestOpen_UnreachableHost(t *testing.T) {
	options := DefaultOptions()
	options.DSN = "postgres://duty@127.0.0.1:1/duty?sslmode=disable&connect_timeout=1"
	options.DialTimeout = 500 * time.Millisecond

	_, err := Open(context.Background(), options, discard)
	require.Error(t, err)

	var connErr *dutyErrors.ConnectionError
	assert.ErrorAs(t, err, &connErr)
}

func TestPageQuery(t *testing.T) {
	before := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	query, args := pageQuery(job.Filter{
		Name:        "email",
		Statuses:    []job.Status{job.StatusSuccess, job.StatusError},
		AddedBefore: before,
	}, 7, 50)

	assert.Contains(t, query, "seq > $1")
	assert.Contains(t, query, "name = $2")
	assert.Contains(t, query, "status = ANY($3)")
	assert.Contains(t, query, "added_on < $4")
	assert.True(t, strings.HasSuffix(query, "LIMIT $5"))
	assert.Equal(t, []any{int64(7), "email", []string{"success", "error"}, before, 50}, args)

	query, args = pageQuery(job.Filter{}, 0, 10)
	assert.Contains(t, query, "WHERE seq > $1 ORDER BY seq LIMIT $2")
	assert.Len(t, args, 2)
}

func TestPatchColumns(t *testing.T) {
	end := time.Now()
	sets, args := patchColumns(job.Failed("Canceled", end))

	assert.Equal(t, []string{"status = $1", "end_on = $2", "error = $3"}, sets)
	assert.Equal(t, []any{"error", end, "Canceled"}, args)

	sets, args = patchColumns(job.Succeeded(json.RawMessage(`{"a":1}`), end))
	assert.Equal(t, []string{"status = $1", "end_on = $2", "result = $3::jsonb"}, sets)
	assert.Equal(t, `{"a":1}`, args[2])

	sets, _ = patchColumns(job.Patch{})
	assert.Empty(t, sets)
}

func TestUpdateQuery(t *testing.T) {
	end := time.Now()
	query, args, ok := updateQuery("job-1", job.Failed("Canceled", end))
	require.True(t, ok)
	assert.Equal(t, "UPDATE duty_jobs SET status = $1, end_on = $2, error = $3 WHERE id = $4 AND status = ANY($5)", query)
	assert.Equal(t, []any{"error", end, "Canceled", "job-1", []string{"pending", "running"}}, args)

	query, args, ok = updateQuery("job-1", job.Patch{Total: new(int64)})
	require.True(t, ok)
	assert.Equal(t, "UPDATE duty_jobs SET total = $1 WHERE id = $2", query)
	assert.Len(t, args, 2)

	_, _, ok = updateQuery("job-1", job.Patch{})
	assert.False(t, ok)
}

// TestStore_Live runs against a real server when DUTY_POSTGRES_DSN is set.
func TestStore_Live(t *testing.T) {
	dsn := os.Getenv("DUTY_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("DUTY_POSTGRES_DSN not set")
	}

	options := DefaultOptions()
	options.DSN = dsn
	options.PageSize = 2

	ctx := context.Background()
	store, err := Open(ctx, options, discard)
	require.NoError(t, err)
	defer store.Close()

	name := "live-" + uuid.NewString()
	var ids []string
	for i := 0; i < 3; i++ {
		id, err := store.Insert(ctx, &job.Job{
			ID:      uuid.NewString(),
			Name:    name,
			Data:    json.RawMessage(`{"i":1}`),
			Status:  job.StatusPending,
			AddedOn: time.Now(),
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	require.NoError(t, store.UpdateByID(ctx, ids[0], job.Running()))
	require.NoError(t, store.UpdateByID(ctx, ids[0], job.Progressed(1, 2)))
	require.NoError(t, store.UpdateByID(ctx, ids[0], job.Succeeded(json.RawMessage(`"ok"`), time.Now())))
	assert.ErrorIs(t, store.UpdateByID(ctx, ids[0], job.Running()), dutyErrors.ErrStatusConflict)

	rec, err := store.FindByID(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, job.StatusSuccess, rec.Status)
	assert.JSONEq(t, `"ok"`, string(rec.Result))
	assert.Equal(t, int64(1), *rec.Loaded)

	cur, err := store.Scan(ctx, job.Filter{Name: name})
	require.NoError(t, err)
	var seen []string
	for cur.Next(ctx) {
		seen = append(seen, cur.Job().ID)
		require.NoError(t, cur.Remove(ctx))
	}
	require.NoError(t, cur.Err())
	require.NoError(t, cur.Close())
	assert.Equal(t, ids, seen)

	_, err = store.FindByID(ctx, ids[1])
	assert.ErrorIs(t, err, dutyErrors.ErrJobNotFound)
}
