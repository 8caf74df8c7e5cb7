package core

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	config := defaultConfig()

	assert.NotNil(t, config.Logger)
	assert.Nil(t, config.Statistics)
	assert.Len(t, config.NewID(), 36)
	assert.Equal(t, 10*time.Second, config.StoreTimeout)
	assert.Equal(t, 30*time.Second, config.ShutdownTimeout)
	assert.Equal(t, ListenerOptions{}, config.Listener)
}

func TestMultipleOptions(t *testing.T) {
	config := defaultConfig()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	stats := NewMockStatistics()
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	// Apply multiple options
	options := []EngineOption{
		WithLogger(logger),
		WithStatistics(stats),
		WithIDGenerator(func() string { return "fixed" }),
		WithClock(func() time.Time { return fixed }),
		WithStoreTimeout(time.Second),
		WithShutdownTimeout(60 * time.Second),
		WithDefaultListenerOptions(WithDelay(5*time.Millisecond), WithTTL(time.Minute)),
	}

	for _, option := range options {
		option(config)
	}

	// Verify all options were applied
	assert.Same(t, logger, config.Logger)
	assert.Same(t, stats, config.Statistics)
	assert.Equal(t, "fixed", config.NewID())
	assert.Equal(t, fixed, config.Now())
	assert.Equal(t, time.Second, config.StoreTimeout)
	assert.Equal(t, 60*time.Second, config.ShutdownTimeout)
	assert.Equal(t, 5*time.Millisecond, config.Listener.Delay)
	assert.Equal(t, time.Minute, config.Listener.TTL)
}

func TestNilOptionsKeepDefaults(t *testing.T) {
	config := defaultConfig()
	logger := config.Logger

	WithLogger(nil)(config)
	WithIDGenerator(nil)(config)
	WithClock(nil)(config)

	assert.Same(t, logger, config.Logger)
	assert.NotEmpty(t, config.NewID())
	assert.False(t, config.Now().IsZero())
}

func TestListenerOptions(t *testing.T) {
	base := ListenerOptions{Delay: time.Second, TTL: time.Minute}

	l := newListener("test", succeed, base, []ListenerOption{WithDelay(0)})
	assert.Equal(t, time.Duration(0), l.Options.Delay)
	assert.Equal(t, time.Minute, l.Options.TTL)

	l = newListener("test", succeed, base, []ListenerOption{WithTTL(-time.Second)})
	assert.Equal(t, time.Minute, l.Options.TTL)

	l = NewListener("test", succeed, WithDelay(10*time.Millisecond))
	assert.Equal(t, 10*time.Millisecond, l.Options.Delay)
	assert.Equal(t, time.Duration(0), l.Options.TTL)
}
