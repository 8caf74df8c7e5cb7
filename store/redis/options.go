package redis

import (
	redisUtils "github.com/oshribin/duty/internal/redis"
)

// Options for the Redis store
type Options struct {
	redisUtils.Options

	// Namespace is the key prefix in Redis
	Namespace string

	// PageSize is the number of records a cursor fetches per round trip
	PageSize int

	// UpdateRetries bounds optimistic-lock retries of UpdateByID
	UpdateRetries int
}

// DefaultOptions returns default Redis store options
func DefaultOptions() Options {
	return Options{
		Options:       redisUtils.DefaultOptions(),
		Namespace:     "duty:",
		PageSize:      100,
		UpdateRetries: 5,
	}
}
