package redis

import (
	redisUtils "github.com/oshribin/duty/internal/redis"
)

// Options for Redis statistics
type Options struct {
	redisUtils.Options

	// Namespace is the key prefix in Redis
	Namespace string

	// MaxFailures caps the failure log list; zero keeps everything
	MaxFailures int
}

// DefaultOptions returns default Redis statistics options
func DefaultOptions() Options {
	return Options{
		Options:     redisUtils.DefaultOptions(),
		Namespace:   "duty:",
		MaxFailures: 1000,
	}
}
