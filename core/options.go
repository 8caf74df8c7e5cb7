package core

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Config holds engine configuration
type Config struct {
	Logger          *slog.Logger
	Statistics      Statistics
	NewID           func() string
	Now             func() time.Time
	StoreTimeout    time.Duration
	ShutdownTimeout time.Duration
	Listener        ListenerOptions
}

// EngineOption is a function that modifies engine configuration
type EngineOption func(*Config)

// defaultConfig returns default configuration
func defaultConfig() *Config {
	return &Config{
		Logger:          slog.Default(),
		NewID:           uuid.NewString,
		Now:             time.Now,
		StoreTimeout:    10 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// WithLogger sets the logger used for engine lifecycle messages
func WithLogger(logger *slog.Logger) EngineOption {
	return func(c *Config) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

// WithStatistics sets the statistics backend
func WithStatistics(stats Statistics) EngineOption {
	return func(c *Config) {
		c.Statistics = stats
	}
}

// WithIDGenerator replaces the UUID job id generator
func WithIDGenerator(fn func() string) EngineOption {
	return func(c *Config) {
		if fn != nil {
			c.NewID = fn
		}
	}
}

// WithClock sets the time source used for AddedOn and EndOn
func WithClock(now func() time.Time) EngineOption {
	return func(c *Config) {
		if now != nil {
			c.Now = now
		}
	}
}

// WithStoreTimeout bounds store writes the engine issues on its own
// (claims, completions, expiry, progress)
func WithStoreTimeout(d time.Duration) EngineOption {
	return func(c *Config) {
		c.StoreTimeout = d
	}
}

// WithShutdownTimeout sets how long Close waits for listener loops
func WithShutdownTimeout(d time.Duration) EngineOption {
	return func(c *Config) {
		c.ShutdownTimeout = d
	}
}

// WithDefaultListenerOptions sets the options every listener starts from
func WithDefaultListenerOptions(opts ...ListenerOption) EngineOption {
	return func(c *Config) {
		for _, opt := range opts {
			opt(&c.Listener)
		}
	}
}

// ListenerOptions configures delivery for one listener
type ListenerOptions struct {
	// Delay is waited before each handler invocation
	Delay time.Duration
	// TTL is the inactivity timeout of a running job; zero disables it
	TTL time.Duration
}

// ListenerOption is a function that modifies listener options
type ListenerOption func(*ListenerOptions)

// WithDelay sets the delivery delay
func WithDelay(d time.Duration) ListenerOption {
	return func(o *ListenerOptions) {
		if d >= 0 {
			o.Delay = d
		}
	}
}

// WithTTL sets the inactivity timeout
func WithTTL(d time.Duration) ListenerOption {
	return func(o *ListenerOptions) {
		if d >= 0 {
			o.TTL = d
		}
	}
}
