// Package rabbitmq publishes job lifecycle events and periodic counter
// snapshots as JSON to a topic exchange named <namespace>stats.
package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/oshribin/duty/core"
	"github.com/oshribin/duty/errors"
	jsonSerializer "github.com/oshribin/duty/serializers/json"
)

// Routing keys of published events
const (
	KeySubmitted = "stats.job.submitted"
	KeyStarted   = "stats.job.started"
	KeyCompleted = "stats.job.completed"
	KeyFailed    = "stats.job.failed"
	KeySnapshot  = "stats.snapshot"
)

// Marshaler encodes published payloads
type Marshaler interface {
	Marshal(v any) ([]byte, error)
	GetFormat() string
}

// publisher is the part of *amqp.Channel used to emit events
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// StatEvent is the payload of a job lifecycle event
type StatEvent struct {
	JobID      string    `json:"job_id"`
	Name       string    `json:"name"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	At         time.Time `json:"at"`
}

// NameStats holds the counters of one job name
type NameStats struct {
	Submitted int64 `json:"submitted"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
}

// Snapshot is the payload of a periodic counter snapshot
type Snapshot struct {
	Timestamp time.Time            `json:"timestamp"`
	Names     map[string]NameStats `json:"names"`
}

// RMQStatistics implements core.Statistics for RabbitMQ
type RMQStatistics struct {
	conn        *amqp.Connection
	channel     *amqp.Channel
	publisher   publisher
	namespace   string
	options     Options
	marshaler   Marshaler
	notifyClose chan *amqp.Error
	cancel      context.CancelFunc
	mu          sync.RWMutex

	// Counters live in memory; RabbitMQ only carries the events
	names map[string]*NameStats
}

// NewStatistics creates a new RabbitMQ statistics backend
func NewStatistics(options Options) *RMQStatistics {
	return &RMQStatistics{
		namespace: options.Namespace,
		options:   options,
		marshaler: jsonSerializer.NewSerializer(),
		names:     make(map[string]*NameStats),
	}
}

// Connect establishes connection to RabbitMQ and declares the stats
// exchange and its persistence queue
func (r *RMQStatistics) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.connect(); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	if r.options.StatsPersistInterval > 0 {
		go r.periodicStatsPersistence(loopCtx)
	}
	go r.handleConnectionEvents(loopCtx, r.notifyClose)

	return nil
}

// connect expects the caller to hold the lock
func (r *RMQStatistics) connect() error {
	conn, err := amqp.DialConfig(r.options.URI, amqp.Config{
		Heartbeat: r.options.Heartbeat,
		Dial:      amqp.DefaultDial(r.options.ConnectTimeout),
	})
	if err != nil {
		return errors.NewConnectionError(r.options.URI,
			fmt.Errorf("failed to connect to RabbitMQ: %w", err))
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return errors.NewConnectionError(r.options.URI,
			fmt.Errorf("failed to open channel: %w", err))
	}

	if err := r.setupInfrastructure(channel); err != nil {
		channel.Close()
		conn.Close()
		return errors.NewConnectionError(r.options.URI,
			fmt.Errorf("failed to setup infrastructure: %w", err))
	}

	r.conn = conn
	r.channel = channel
	r.publisher = channel
	r.notifyClose = conn.NotifyClose(make(chan *amqp.Error, 1))
	return nil
}

// setupInfrastructure creates the stats exchange and a queue that keeps
// every event for offline consumers
func (r *RMQStatistics) setupInfrastructure(channel *amqp.Channel) error {
	exchangeName := r.getStatsExchange()
	if err := channel.ExchangeDeclare(
		exchangeName,
		"topic",
		r.options.ExchangeDurable,
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,   // arguments
	); err != nil {
		return fmt.Errorf("failed to declare stats exchange: %w", err)
	}

	queueName := r.getStatsQueue()
	if _, err := channel.QueueDeclare(
		queueName,
		r.options.QueueDurable,
		r.options.QueueAutoDelete,
		false, // exclusive
		false, // no-wait
		r.buildQueueArgs(),
	); err != nil {
		return fmt.Errorf("failed to declare stats queue: %w", err)
	}

	if err := channel.QueueBind(
		queueName,
		"stats.#",
		exchangeName,
		false, // no-wait
		nil,   // arguments
	); err != nil {
		return fmt.Errorf("failed to bind stats queue: %w", err)
	}

	return nil
}

// buildQueueArgs creates the AMQP arguments table from options
func (r *RMQStatistics) buildQueueArgs() amqp.Table {
	args := amqp.Table{}

	if r.options.MessageTTL > 0 {
		args["x-message-ttl"] = int64(r.options.MessageTTL / time.Millisecond)
	}
	if r.options.QueueType != "" {
		args["x-queue-type"] = r.options.QueueType
	}

	return args
}

// Close stops the background routines and closes the connection
func (r *RMQStatistics) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}

	var errs []error
	if r.channel != nil {
		if err := r.channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close channel: %w", err))
		}
		r.channel = nil
	}
	if r.conn != nil {
		if err := r.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close connection: %w", err))
		}
		r.conn = nil
	}
	r.publisher = nil

	if len(errs) > 0 {
		return fmt.Errorf("errors during close: %v", errs)
	}
	return nil
}

// Health checks the RabbitMQ connection health
func (r *RMQStatistics) Health() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.publisher == nil {
		return errors.ErrNotConnected
	}
	if r.conn != nil && r.conn.IsClosed() {
		return errors.ErrNotConnected
	}
	return nil
}

// Type returns the statistics backend type
func (r *RMQStatistics) Type() string {
	return "rabbitmq"
}

// RecordJobSubmitted records a submitted job
func (r *RMQStatistics) RecordJobSubmitted(ctx context.Context, info core.JobInfo) error {
	r.update(info.Name, func(s *NameStats) { s.Submitted++ })
	return r.publishStatsEvent(ctx, KeySubmitted, StatEvent{
		JobID: info.ID,
		Name:  info.Name,
		At:    time.Now(),
	})
}

// RecordJobStarted records that a job has started
func (r *RMQStatistics) RecordJobStarted(ctx context.Context, info core.JobInfo) error {
	return r.publishStatsEvent(ctx, KeyStarted, StatEvent{
		JobID: info.ID,
		Name:  info.Name,
		At:    time.Now(),
	})
}

// RecordJobCompleted records successful job completion
func (r *RMQStatistics) RecordJobCompleted(ctx context.Context, info core.JobInfo, duration time.Duration) error {
	r.update(info.Name, func(s *NameStats) { s.Processed++ })
	return r.publishStatsEvent(ctx, KeyCompleted, StatEvent{
		JobID:      info.ID,
		Name:       info.Name,
		DurationMs: duration.Milliseconds(),
		At:         time.Now(),
	})
}

// RecordJobFailed records job failure
func (r *RMQStatistics) RecordJobFailed(ctx context.Context, info core.JobInfo, err error, duration time.Duration) error {
	r.update(info.Name, func(s *NameStats) { s.Failed++ })

	ev := StatEvent{
		JobID:      info.ID,
		Name:       info.Name,
		DurationMs: duration.Milliseconds(),
		At:         time.Now(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return r.publishStatsEvent(ctx, KeyFailed, ev)
}

// Stats returns a copy of the in-memory counters
func (r *RMQStatistics) Stats() map[string]NameStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]NameStats, len(r.names))
	for name, s := range r.names {
		out[name] = *s
	}
	return out
}

func (r *RMQStatistics) update(name string, fn func(*NameStats)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.names[name]
	if !ok {
		s = &NameStats{}
		r.names[name] = s
	}
	fn(s)
}

// Helper methods

func (r *RMQStatistics) getStatsExchange() string {
	return fmt.Sprintf("%sstats", r.namespace)
}

func (r *RMQStatistics) getStatsQueue() string {
	return fmt.Sprintf("%sstats_persistence", r.namespace)
}

// publishStatsEvent publishes a statistics event to RabbitMQ
func (r *RMQStatistics) publishStatsEvent(ctx context.Context, routingKey string, data any) error {
	r.mu.RLock()
	pub := r.publisher
	r.mu.RUnlock()

	if pub == nil {
		return errors.ErrNotConnected
	}

	body, err := r.marshaler.Marshal(data)
	if err != nil {
		return err
	}

	if r.options.PublishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.options.PublishTimeout)
		defer cancel()
	}

	return pub.PublishWithContext(
		ctx,
		r.getStatsExchange(), // exchange
		routingKey,           // routing key
		false,                // mandatory
		false,                // immediate
		amqp.Publishing{
			ContentType: "application/" + r.marshaler.GetFormat(),
			Body:        body,
			Timestamp:   time.Now(),
		},
	)
}

// periodicStatsPersistence periodically publishes a counter snapshot
func (r *RMQStatistics) periodicStatsPersistence(ctx context.Context) {
	ticker := time.NewTicker(r.options.StatsPersistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.persistStats(ctx)
		}
	}
}

// persistStats publishes the current counters
func (r *RMQStatistics) persistStats(ctx context.Context) {
	snapshot := Snapshot{
		Timestamp: time.Now(),
		Names:     r.Stats(),
	}

	if err := r.publishStatsEvent(ctx, KeySnapshot, snapshot); err != nil {
		slog.Warn("Failed to persist stats snapshot", "error", err)
	}
}

// handleConnectionEvents reconnects after the server drops the connection
func (r *RMQStatistics) handleConnectionEvents(ctx context.Context, notifyClose chan *amqp.Error) {
	for {
		select {
		case <-ctx.Done():
			return
		case closeErr, ok := <-notifyClose:
			if !ok || closeErr == nil {
				return
			}
			slog.Warn("RabbitMQ stats connection closed", "error", closeErr)
			if !r.options.ReconnectEnabled {
				r.mu.Lock()
				r.publisher = nil
				r.mu.Unlock()
				return
			}

			notifyClose = r.reconnect(ctx)
			if notifyClose == nil {
				return
			}
		}
	}
}

// reconnect retries until connected or ctx ends, returning the new close
// notification channel
func (r *RMQStatistics) reconnect(ctx context.Context) chan *amqp.Error {
	r.mu.Lock()
	r.publisher = nil
	r.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.options.ReconnectDelay):
		}

		r.mu.Lock()
		err := r.connect()
		notifyClose := r.notifyClose
		r.mu.Unlock()

		if err == nil {
			slog.Info("Reconnected to RabbitMQ stats exchange")
			return notifyClose
		}
		slog.Warn("Reconnect failed", "error", err)
	}
}

var _ core.Statistics = (*RMQStatistics)(nil)
