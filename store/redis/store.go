// Package redis provides a job record store on Redis. Each record is a JSON
// value at <namespace>job:<id>; insertion order is kept in the sorted set
// <namespace>jobs, scored by a counter at <namespace>seq.
package redis

import (
	"context"
	"fmt"

	"github.com/gomodule/redigo/redis"
	"github.com/google/uuid"

	"github.com/oshribin/duty/core"
	"github.com/oshribin/duty/errors"
	redisUtils "github.com/oshribin/duty/internal/redis"
	"github.com/oshribin/duty/job"
)

// Serializer encodes records stored as Redis values
type Serializer interface {
	Serialize(rec *job.Job) ([]byte, error)
	Deserialize(data []byte) (*job.Job, error)
	GetFormat() string
}

// insertScript stores the record only if the key is free and appends its id
// to the insertion-ordered index.
var insertScript = redis.NewScript(3, `
if redis.call('SET', KEYS[1], ARGV[1], 'NX') then
	local seq = redis.call('INCR', KEYS[3])
	redis.call('ZADD', KEYS[2], seq, ARGV[2])
	return 1
end
return 0
`)

// RedisStore implements core.Store on Redis
type RedisStore struct {
	pool       *redis.Pool
	namespace  string
	options    Options
	serializer Serializer
}

// NewStore creates a new Redis store. Call Connect before use.
func NewStore(options Options, serializer Serializer) *RedisStore {
	if options.PageSize <= 0 {
		options.PageSize = DefaultOptions().PageSize
	}
	if options.UpdateRetries <= 0 {
		options.UpdateRetries = DefaultOptions().UpdateRetries
	}

	return &RedisStore{
		namespace:  options.Namespace,
		options:    options,
		serializer: serializer,
	}
}

// Connect establishes connection to Redis
func (r *RedisStore) Connect(ctx context.Context) error {
	pool, err := redisUtils.CreatePool(r.options)
	if err != nil {
		return err
	}

	if err := redisUtils.Ping(ctx, pool); err != nil {
		pool.Close()
		return errors.NewConnectionError(redisUtils.Redact(r.options.URI),
			fmt.Errorf("ping failed: %w", err))
	}

	r.pool = pool
	return nil
}

// Ping checks the Redis connection health
func (r *RedisStore) Ping(ctx context.Context) error {
	if r.pool == nil {
		return errors.ErrNotConnected
	}
	return redisUtils.Ping(ctx, r.pool)
}

// Close closes the Redis connection pool
func (r *RedisStore) Close() error {
	if r.pool != nil {
		return r.pool.Close()
	}
	return nil
}

// Insert persists a new record. An empty id is filled with a UUID.
func (r *RedisStore) Insert(ctx context.Context, rec *job.Job) (string, error) {
	if r.pool == nil {
		return "", errors.ErrNotConnected
	}

	cp := rec.Clone()
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}

	data, err := r.serializer.Serialize(cp)
	if err != nil {
		return "", err
	}

	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	ok, err := redis.Bool(insertScript.Do(conn, r.jobKey(cp.ID), r.indexKey(), r.seqKey(), data, cp.ID))
	if err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	if !ok {
		return "", errors.ErrJobExists
	}
	return cp.ID, nil
}

// FindByID returns the record with the given id
func (r *RedisStore) FindByID(ctx context.Context, id string) (*job.Job, error) {
	if r.pool == nil {
		return nil, errors.ErrNotConnected
	}

	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	data, err := redis.Bytes(conn.Do("GET", r.jobKey(id)))
	if err == redis.ErrNil {
		return nil, errors.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find job: %w", err)
	}
	return r.serializer.Deserialize(data)
}

// UpdateByID applies patch with an optimistic WATCH/MULTI transaction,
// retrying when another writer touched the record first. The From guard is
// checked against the watched value, so it holds at EXEC time.
func (r *RedisStore) UpdateByID(ctx context.Context, id string, patch job.Patch) error {
	if r.pool == nil {
		return errors.ErrNotConnected
	}

	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	key := r.jobKey(id)
	for attempt := 0; attempt < r.options.UpdateRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if _, err := conn.Do("WATCH", key); err != nil {
			return fmt.Errorf("update job: %w", err)
		}

		data, err := redis.Bytes(conn.Do("GET", key))
		if err == redis.ErrNil {
			_, _ = conn.Do("UNWATCH")
			return errors.ErrJobNotFound
		}
		if err != nil {
			_, _ = conn.Do("UNWATCH")
			return fmt.Errorf("update job: %w", err)
		}

		rec, err := r.serializer.Deserialize(data)
		if err != nil {
			_, _ = conn.Do("UNWATCH")
			return err
		}
		if !patch.Allows(rec.Status) {
			_, _ = conn.Do("UNWATCH")
			return errors.ErrStatusConflict
		}
		rec.Apply(patch)

		updated, err := r.serializer.Serialize(rec)
		if err != nil {
			_, _ = conn.Do("UNWATCH")
			return err
		}

		if err := conn.Send("MULTI"); err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		if err := conn.Send("SET", key, updated, "XX"); err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		reply, err := conn.Do("EXEC")
		if err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		if reply != nil {
			return nil
		}
	}

	return errors.NewStoreError("update", id, errors.ErrTimeout)
}

// Scan returns a cursor over the matching records in insertion order
func (r *RedisStore) Scan(_ context.Context, filter job.Filter) (core.Cursor, error) {
	if r.pool == nil {
		return nil, errors.ErrNotConnected
	}
	return &cursor{store: r, filter: filter, after: "-inf"}, nil
}

type entry struct {
	score string
	job   *job.Job
}

// page fetches up to PageSize ids scored above after, then their records.
func (r *RedisStore) page(ctx context.Context, after string) ([]entry, bool, error) {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return nil, false, err
	}
	defer conn.Close()

	values, err := redis.Strings(conn.Do("ZRANGEBYSCORE", r.indexKey(),
		after, "+inf", "WITHSCORES", "LIMIT", 0, r.options.PageSize))
	if err != nil {
		return nil, false, fmt.Errorf("scan jobs: %w", err)
	}
	done := len(values)/2 < r.options.PageSize
	if len(values) == 0 {
		return nil, true, nil
	}

	keys := make([]any, 0, len(values)/2)
	scores := make([]string, 0, len(values)/2)
	for i := 0; i+1 < len(values); i += 2 {
		keys = append(keys, r.jobKey(values[i]))
		scores = append(scores, values[i+1])
	}

	blobs, err := redis.ByteSlices(conn.Do("MGET", keys...))
	if err != nil {
		return nil, false, fmt.Errorf("scan jobs: %w", err)
	}

	out := make([]entry, 0, len(blobs))
	for i, data := range blobs {
		e := entry{score: scores[i]}
		if data != nil {
			rec, err := r.serializer.Deserialize(data)
			if err != nil {
				return nil, false, err
			}
			e.job = rec
		}
		out = append(out, e)
	}
	return out, done, nil
}

func (r *RedisStore) remove(ctx context.Context, id string) error {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.Send("MULTI"); err != nil {
		return err
	}
	if err := conn.Send("DEL", r.jobKey(id)); err != nil {
		return err
	}
	if err := conn.Send("ZREM", r.indexKey(), id); err != nil {
		return err
	}
	reply, err := redis.Values(conn.Do("EXEC"))
	if err != nil {
		return fmt.Errorf("remove job: %w", err)
	}
	if n, _ := redis.Int(reply[0], nil); n == 0 {
		return errors.ErrJobNotFound
	}
	return nil
}

// Key helpers
func (r *RedisStore) jobKey(id string) string {
	return r.namespace + "job:" + id
}

func (r *RedisStore) indexKey() string {
	return r.namespace + "jobs"
}

func (r *RedisStore) seqKey() string {
	return r.namespace + "seq"
}

type cursor struct {
	store  *RedisStore
	filter job.Filter

	buf     []entry
	current *job.Job
	after   string
	done    bool
	err     error
}

func (c *cursor) Next(ctx context.Context) bool {
	for c.err == nil {
		if len(c.buf) == 0 {
			if c.done {
				break
			}
			c.buf, c.done, c.err = c.store.page(ctx, c.after)
			continue
		}

		e := c.buf[0]
		c.buf = c.buf[1:]
		c.after = "(" + e.score
		if e.job != nil && c.filter.Match(e.job) {
			c.current = e.job
			return true
		}
	}

	c.current = nil
	return false
}

func (c *cursor) Job() *job.Job {
	if c.current == nil {
		return nil
	}
	return c.current.Clone()
}

func (c *cursor) Remove(ctx context.Context) error {
	if c.current == nil {
		return errors.ErrJobNotFound
	}
	return c.store.remove(ctx, c.current.ID)
}

func (c *cursor) Err() error { return c.err }

func (c *cursor) Close() error {
	c.buf = nil
	c.current = nil
	c.done = true
	return nil
}

// Type returns the store type
func (r *RedisStore) Type() string {
	return "redis"
}

var _ core.Store = (*RedisStore)(nil)
