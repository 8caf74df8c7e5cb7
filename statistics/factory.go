// Package statistics builds a core.Statistics backend from a generic
// configuration.
package statistics

import (
	"fmt"
	"time"

	"github.com/oshribin/duty/core"
	"github.com/oshribin/duty/statistics/noop"
	"github.com/oshribin/duty/statistics/prometheus"
	"github.com/oshribin/duty/statistics/rabbitmq"
	"github.com/oshribin/duty/statistics/redis"
)

// StatsType represents the type of statistics backend
type StatsType string

const (
	// Redis statistics type
	Redis StatsType = "redis"
	// RabbitMQ statistics type
	RabbitMQ StatsType = "rabbitmq"
	// Prometheus statistics type
	Prometheus StatsType = "prometheus"
	// NoOp statistics type
	NoOp StatsType = "noop"
)

// Config is a generic statistics configuration
type Config struct {
	Type      StatsType
	URI       string
	Namespace string
	Options   map[string]interface{}
}

// NewStatistics creates a statistics backend based on the configuration
func NewStatistics(config Config) (core.Statistics, error) {
	switch config.Type {
	case Redis:
		opts := redis.DefaultOptions()
		if config.URI != "" {
			opts.URI = config.URI
		}
		if config.Namespace != "" {
			opts.Namespace = config.Namespace
		}

		// Apply custom options
		if maxConn, ok := config.Options["maxConnections"].(int); ok {
			opts.MaxConnections = maxConn
		}
		if useTLS, ok := config.Options["useTLS"].(bool); ok {
			opts.UseTLS = useTLS
		}
		if timeout, ok := config.Options["connectTimeout"].(time.Duration); ok {
			opts.ConnectTimeout = timeout
		}
		if maxFailures, ok := config.Options["maxFailures"].(int); ok {
			opts.MaxFailures = maxFailures
		}

		return redis.NewStatistics(opts), nil

	case RabbitMQ:
		opts := rabbitmq.DefaultOptions()
		if config.URI != "" {
			opts.URI = config.URI
		}
		if config.Namespace != "" {
			opts.Namespace = config.Namespace
		}

		// Apply custom options
		if timeout, ok := config.Options["connectTimeout"].(time.Duration); ok {
			opts.ConnectTimeout = timeout
		}
		if heartbeat, ok := config.Options["heartbeat"].(time.Duration); ok {
			opts.Heartbeat = heartbeat
		}
		if persistInterval, ok := config.Options["statsPersistInterval"].(time.Duration); ok {
			opts.StatsPersistInterval = persistInterval
		}
		if durable, ok := config.Options["exchangeDurable"].(bool); ok {
			opts.ExchangeDurable = durable
		}
		if durable, ok := config.Options["queueDurable"].(bool); ok {
			opts.QueueDurable = durable
		}
		if queueType, ok := config.Options["queueType"].(string); ok {
			opts.QueueType = queueType
		}

		return rabbitmq.NewStatistics(opts), nil

	case Prometheus:
		opts := prometheus.DefaultOptions()
		if config.Namespace != "" {
			opts.Namespace = config.Namespace
		}
		if buckets, ok := config.Options["buckets"].([]float64); ok {
			opts.Buckets = buckets
		}

		return prometheus.NewStatistics(opts), nil

	case NoOp, "":
		return noop.NewStatistics(), nil

	default:
		return nil, fmt.Errorf("unknown statistics type: %s", config.Type)
	}
}
