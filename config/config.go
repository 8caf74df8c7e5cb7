// Package config loads process configuration from a YAML file and the
// environment. Environment variables override values from the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oshribin/duty/errors"
)

// Store types
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Config holds all process configuration
type Config struct {
	Store   StoreConfig   `yaml:"store"`
	Stats   StatsConfig   `yaml:"stats"`
	Engine  EngineConfig  `yaml:"engine"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
}

// StoreConfig selects and configures the job record store
type StoreConfig struct {
	Type     string         `yaml:"type"`
	PageSize int            `yaml:"page_size"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
}

// SQLiteConfig holds SQLite store configuration
type SQLiteConfig struct {
	Path        string        `yaml:"path"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// PostgresConfig holds PostgreSQL store configuration
type PostgresConfig struct {
	DSN              string        `yaml:"dsn"`
	MaxConns         int32         `yaml:"max_conns"`
	MinConns         int32         `yaml:"min_conns"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	StatementTimeout time.Duration `yaml:"statement_timeout"`
}

// RedisConfig holds Redis store configuration
type RedisConfig struct {
	URL            string `yaml:"url"`
	Namespace      string `yaml:"namespace"`
	MaxConnections int    `yaml:"max_connections"`
	TLSSkipVerify  bool   `yaml:"tls_skip_verify"`
	TLSCertPath    string `yaml:"tls_cert_path"`
}

// StatsConfig selects and configures the statistics backend
type StatsConfig struct {
	Type            string        `yaml:"type"`
	URI             string        `yaml:"uri"`
	Namespace       string        `yaml:"namespace"`
	PersistInterval time.Duration `yaml:"persist_interval"`
}

// EngineConfig holds engine timeouts and listener defaults
type EngineConfig struct {
	StoreTimeout    time.Duration `yaml:"store_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	DefaultDelay    time.Duration `yaml:"default_delay"`
	DefaultTTL      time.Duration `yaml:"default_ttl"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig configures the process logger
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Type:     StoreMemory,
			PageSize: 100,
			SQLite: SQLiteConfig{
				Path:        "duty.db",
				BusyTimeout: 5 * time.Second,
			},
			Postgres: PostgresConfig{
				DSN:         "postgres://localhost:5432/duty?sslmode=disable",
				MaxConns:    20,
				MinConns:    5,
				DialTimeout: 3 * time.Second,
			},
			Redis: RedisConfig{
				URL:            "redis://localhost:6379/",
				Namespace:      "duty:",
				MaxConnections: 10,
			},
		},
		Stats: StatsConfig{
			Type:            "noop",
			Namespace:       "duty:",
			PersistInterval: 30 * time.Second,
		},
		Engine: EngineConfig{
			StoreTimeout:    10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over the defaults, then applies environment overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Store.Type = getEnv("DUTY_STORE", c.Store.Type)
	c.Store.PageSize = getEnvAsInt("DUTY_PAGE_SIZE", c.Store.PageSize)
	c.Store.SQLite.Path = getEnv("DUTY_SQLITE_PATH", c.Store.SQLite.Path)
	c.Store.Postgres.DSN = getEnv("DUTY_POSTGRES_DSN", c.Store.Postgres.DSN)
	c.Store.Redis.URL = getEnv("DUTY_REDIS_URL", c.Store.Redis.URL)
	c.Store.Redis.Namespace = getEnv("DUTY_REDIS_NAMESPACE", c.Store.Redis.Namespace)

	c.Stats.Type = getEnv("DUTY_STATS", c.Stats.Type)
	c.Stats.URI = getEnv("DUTY_STATS_URI", c.Stats.URI)

	c.Engine.StoreTimeout = getEnvAsDuration("DUTY_STORE_TIMEOUT", c.Engine.StoreTimeout)
	c.Engine.ShutdownTimeout = getEnvAsDuration("DUTY_SHUTDOWN_TIMEOUT", c.Engine.ShutdownTimeout)
	c.Engine.DefaultDelay = getEnvAsDuration("DUTY_DEFAULT_DELAY", c.Engine.DefaultDelay)
	c.Engine.DefaultTTL = getEnvAsDuration("DUTY_DEFAULT_TTL", c.Engine.DefaultTTL)

	c.Metrics.Addr = getEnv("DUTY_METRICS_ADDR", c.Metrics.Addr)
	c.Log.Level = getEnv("DUTY_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("DUTY_LOG_FORMAT", c.Log.Format)
}

// Validate reports the first invalid setting, wrapping errors.ErrInvalidConfig
func (c *Config) Validate() error {
	switch c.Store.Type {
	case StoreMemory:
	case StoreSQLite:
		if c.Store.SQLite.Path == "" {
			return invalid("store.sqlite.path is required")
		}
	case StorePostgres:
		if c.Store.Postgres.DSN == "" {
			return invalid("store.postgres.dsn is required")
		}
	case StoreRedis:
		if c.Store.Redis.URL == "" {
			return invalid("store.redis.url is required")
		}
	default:
		return invalid(fmt.Sprintf("unknown store type %q", c.Store.Type))
	}

	if c.Store.PageSize <= 0 {
		return invalid("store.page_size must be positive")
	}

	switch c.Stats.Type {
	case "", "noop", "prometheus":
	case "redis", "rabbitmq":
		if c.Stats.URI == "" {
			return invalid(fmt.Sprintf("stats.uri is required for %s statistics", c.Stats.Type))
		}
	default:
		return invalid(fmt.Sprintf("unknown stats type %q", c.Stats.Type))
	}

	if c.Engine.DefaultDelay < 0 || c.Engine.DefaultTTL < 0 {
		return invalid("engine.default_delay and engine.default_ttl cannot be negative")
	}

	switch c.Log.Format {
	case "", "text", "json":
	default:
		return invalid(fmt.Sprintf("unknown log format %q", c.Log.Format))
	}

	return nil
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", errors.ErrInvalidConfig, msg)
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
