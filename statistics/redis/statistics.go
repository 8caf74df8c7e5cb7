// Package redis keeps resque-style job counters in Redis: a global and a
// per-job-name counter for submitted, processed and failed jobs, plus a
// capped list of failure records.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"

	"github.com/oshribin/duty/core"
	"github.com/oshribin/duty/errors"
	redisUtils "github.com/oshribin/duty/internal/redis"
)

// Counts is a snapshot of the counters for one job name, or all names
type Counts struct {
	Submitted int64
	Processed int64
	Failed    int64
}

// RedisStatistics implements core.Statistics on Redis
type RedisStatistics struct {
	pool      *redis.Pool
	namespace string
	options   Options
}

// NewStatistics creates a new Redis statistics backend
func NewStatistics(options Options) *RedisStatistics {
	return &RedisStatistics{
		namespace: options.Namespace,
		options:   options,
	}
}

// Connect establishes connection to Redis
func (r *RedisStatistics) Connect(ctx context.Context) error {
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

// Close closes the Redis connection pool
func (r *RedisStatistics) Close() error {
	if r.pool != nil {
		return r.pool.Close()
	}
	return nil
}

// Health checks the Redis connection health
func (r *RedisStatistics) Health() error {
	if r.pool == nil {
		return errors.ErrNotConnected
	}

	if err := redisUtils.Ping(context.Background(), r.pool); err != nil {
		return errors.NewConnectionError(redisUtils.Redact(r.options.URI),
			fmt.Errorf("health check failed: %w", err))
	}
	return nil
}

// Type returns the statistics backend type
func (r *RedisStatistics) Type() string {
	return "redis"
}

// RecordJobSubmitted increments the submitted counters
func (r *RedisStatistics) RecordJobSubmitted(ctx context.Context, info core.JobInfo) error {
	return r.incr(ctx, r.statSubmittedKey, info.Name)
}

// RecordJobStarted marks the job as in flight
func (r *RedisStatistics) RecordJobStarted(ctx context.Context, info core.JobInfo) error {
	conn, err := r.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.Do("HSET", r.runningKey(), info.ID, info.Name); err != nil {
		return fmt.Errorf("failed to mark job running: %w", err)
	}
	return nil
}

// RecordJobCompleted increments the processed counters
func (r *RedisStatistics) RecordJobCompleted(ctx context.Context, info core.JobInfo, duration time.Duration) error {
	conn, err := r.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	conn.Send("MULTI")
	conn.Send("INCR", r.statProcessedKey(""))
	conn.Send("INCR", r.statProcessedKey(info.Name))
	conn.Send("HDEL", r.runningKey(), info.ID)
	if _, err := conn.Do("EXEC"); err != nil {
		return fmt.Errorf("failed to record completion: %w", err)
	}
	return nil
}

// RecordJobFailed increments the failed counters and logs the failure
func (r *RedisStatistics) RecordJobFailed(ctx context.Context, info core.JobInfo, err error, duration time.Duration) error {
	conn, cerr := r.conn(ctx)
	if cerr != nil {
		return cerr
	}
	defer conn.Close()

	message := ""
	if err != nil {
		message = err.Error()
	}
	failure := map[string]interface{}{
		"failed_at":   time.Now().Format(time.RFC3339),
		"job_id":      info.ID,
		"name":        info.Name,
		"error":       message,
		"duration_ms": duration.Milliseconds(),
	}

	failureJSON, jsonErr := json.Marshal(failure)
	if jsonErr != nil {
		return fmt.Errorf("failed to marshal failure data: %w", jsonErr)
	}

	conn.Send("MULTI")
	conn.Send("RPUSH", r.failedKey(), failureJSON)
	if r.options.MaxFailures > 0 {
		conn.Send("LTRIM", r.failedKey(), -r.options.MaxFailures, -1)
	}
	conn.Send("INCR", r.statFailedKey(""))
	conn.Send("INCR", r.statFailedKey(info.Name))
	conn.Send("HDEL", r.runningKey(), info.ID)
	if _, err := conn.Do("EXEC"); err != nil {
		return fmt.Errorf("failed to record failure: %w", err)
	}
	return nil
}

// GetCounts returns the counters for name, or the global counters when
// name is empty
func (r *RedisStatistics) GetCounts(ctx context.Context, name string) (Counts, error) {
	conn, err := r.conn(ctx)
	if err != nil {
		return Counts{}, err
	}
	defer conn.Close()

	values, err := redis.Values(conn.Do("MGET",
		r.statSubmittedKey(name), r.statProcessedKey(name), r.statFailedKey(name)))
	if err != nil {
		return Counts{}, fmt.Errorf("failed to get counters: %w", err)
	}

	var counts Counts
	if _, err := redis.Scan(values, &counts.Submitted, &counts.Processed, &counts.Failed); err != nil {
		return Counts{}, fmt.Errorf("failed to parse counters: %w", err)
	}
	return counts, nil
}

// Running returns the ids of jobs started but not yet resolved, mapped to
// their names
func (r *RedisStatistics) Running(ctx context.Context) (map[string]string, error) {
	conn, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	return redis.StringMap(conn.Do("HGETALL", r.runningKey()))
}

func (r *RedisStatistics) conn(ctx context.Context) (redis.Conn, error) {
	if r.pool == nil {
		return nil, errors.ErrNotConnected
	}
	return r.pool.GetContext(ctx)
}

func (r *RedisStatistics) incr(ctx context.Context, key func(string) string, name string) error {
	conn, err := r.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	conn.Send("MULTI")
	conn.Send("INCR", key(""))
	conn.Send("INCR", key(name))
	if _, err := conn.Do("EXEC"); err != nil {
		return fmt.Errorf("failed to increment %s: %w", key(name), err)
	}
	return nil
}

// Helper methods for Redis keys

func (r *RedisStatistics) statSubmittedKey(name string) string {
	return r.statKey("submitted", name)
}

func (r *RedisStatistics) statProcessedKey(name string) string {
	return r.statKey("processed", name)
}

func (r *RedisStatistics) statFailedKey(name string) string {
	return r.statKey("failed", name)
}

func (r *RedisStatistics) statKey(stat, name string) string {
	if name == "" {
		return fmt.Sprintf("%sstat:%s", r.namespace, stat)
	}
	return fmt.Sprintf("%sstat:%s:%s", r.namespace, stat, name)
}

func (r *RedisStatistics) runningKey() string {
	return fmt.Sprintf("%srunning", r.namespace)
}

func (r *RedisStatistics) failedKey() string {
	return fmt.Sprintf("%sfailed", r.namespace)
}

var _ core.Statistics = (*RedisStatistics)(nil)
