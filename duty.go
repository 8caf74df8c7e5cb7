package duty

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/oshribin/duty/config"
	"github.com/oshribin/duty/core"
	"github.com/oshribin/duty/errors"
	"github.com/oshribin/duty/registry"
	jsonSerializer "github.com/oshribin/duty/serializers/json"
	"github.com/oshribin/duty/statistics"
	"github.com/oshribin/duty/store/memory"
	"github.com/oshribin/duty/store/postgres"
	redisStore "github.com/oshribin/duty/store/redis"
	"github.com/oshribin/duty/store/sqlite"
)

// Duty is an engine together with the store and statistics backend it
// owns. Closing it closes all three.
type Duty struct {
	*core.Engine

	store  core.Store
	stats  core.Statistics
	logger *slog.Logger
}

// New wraps an engine around store. A nil store is rejected.
func New(store core.Store, options ...core.EngineOption) (*Duty, error) {
	if store == nil {
		return nil, errors.ErrNilStore
	}

	cfg := &core.Config{}
	for _, opt := range options {
		opt(cfg)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Duty{
		Engine: core.NewEngine(store, registry.NewRegistry(), options...),
		store:  store,
		stats:  cfg.Statistics,
		logger: logger,
	}, nil
}

// Open builds the store and statistics backend described by cfg, connects
// them and starts an engine over them. Options are applied after the ones
// derived from cfg.
func Open(ctx context.Context, cfg *config.Config, options ...core.EngineOption) (*Duty, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Log.Logger(os.Stderr)

	store, err := NewStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, err
	}

	stats, err := NewStatistics(cfg.Stats)
	if err != nil {
		store.Close()
		return nil, err
	}
	if err := stats.Connect(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to connect %s statistics: %w", stats.Type(), err)
	}

	listener := []core.ListenerOption{
		core.WithDelay(cfg.Engine.DefaultDelay),
		core.WithTTL(cfg.Engine.DefaultTTL),
	}
	base := []core.EngineOption{
		core.WithLogger(logger),
		core.WithStatistics(stats),
		core.WithDefaultListenerOptions(listener...),
	}
	if cfg.Engine.StoreTimeout > 0 {
		base = append(base, core.WithStoreTimeout(cfg.Engine.StoreTimeout))
	}
	if cfg.Engine.ShutdownTimeout > 0 {
		base = append(base, core.WithShutdownTimeout(cfg.Engine.ShutdownTimeout))
	}

	d, err := New(store, append(base, options...)...)
	if err != nil {
		stats.Close()
		store.Close()
		return nil, err
	}

	logger.Info("Duty engine started", "store", cfg.Store.Type, "stats", stats.Type())
	return d, nil
}

// NewStore opens the job record store selected by cfg.Type
func NewStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (core.Store, error) {
	switch cfg.Type {
	case config.StoreMemory, "":
		return memory.NewStore(), nil

	case config.StoreSQLite:
		opts := sqlite.DefaultOptions()
		opts.Path = cfg.SQLite.Path
		opts.BusyTimeout = cfg.SQLite.BusyTimeout
		opts.PageSize = cfg.PageSize
		return sqlite.Open(ctx, opts)

	case config.StorePostgres:
		opts := postgres.DefaultOptions()
		opts.DSN = cfg.Postgres.DSN
		if cfg.Postgres.MaxConns > 0 {
			opts.MaxConns = cfg.Postgres.MaxConns
		}
		opts.MinConns = cfg.Postgres.MinConns
		if cfg.Postgres.DialTimeout > 0 {
			opts.DialTimeout = cfg.Postgres.DialTimeout
		}
		opts.StatementTimeout = cfg.Postgres.StatementTimeout
		opts.PageSize = cfg.PageSize
		return postgres.Open(ctx, opts, logger)

	case config.StoreRedis:
		opts := redisStore.DefaultOptions()
		opts.URI = cfg.Redis.URL
		if cfg.Redis.Namespace != "" {
			opts.Namespace = cfg.Redis.Namespace
		}
		if cfg.Redis.MaxConnections > 0 {
			opts.MaxConnections = cfg.Redis.MaxConnections
		}
		opts.TLSSkipVerify = cfg.Redis.TLSSkipVerify
		opts.TLSCertPath = cfg.Redis.TLSCertPath
		opts.PageSize = cfg.PageSize

		store := redisStore.NewStore(opts, jsonSerializer.NewSerializer())
		if err := store.Connect(ctx); err != nil {
			return nil, err
		}
		return store, nil

	default:
		return nil, fmt.Errorf("%w: unsupported store type: %s", errors.ErrInvalidConfig, cfg.Type)
	}
}

// NewStatistics creates the statistics backend selected by cfg.Type. It is
// not connected yet.
func NewStatistics(cfg config.StatsConfig) (core.Statistics, error) {
	options := map[string]interface{}{}
	if cfg.PersistInterval > 0 {
		options["statsPersistInterval"] = cfg.PersistInterval
	}

	namespace := cfg.Namespace
	if cfg.Type == string(statistics.Prometheus) {
		// Prometheus metric names cannot carry the key separator
		namespace = ""
	}

	return statistics.NewStatistics(statistics.Config{
		Type:      statistics.StatsType(cfg.Type),
		URI:       cfg.URI,
		Namespace: namespace,
		Options:   options,
	})
}

// Store returns the job record store
func (d *Duty) Store() core.Store {
	return d.store
}

// Statistics returns the statistics backend, nil if none was configured
func (d *Duty) Statistics() core.Statistics {
	return d.stats
}

// MetricsHandler returns the HTTP handler of a backend that serves its own
// metrics, such as Prometheus
func (d *Duty) MetricsHandler() (http.Handler, bool) {
	h, ok := d.stats.(interface{ Handler() http.Handler })
	if !ok {
		return nil, false
	}
	return h.Handler(), true
}

// Close stops the engine, then closes the statistics backend and the store
func (d *Duty) Close() error {
	var errs []error
	if err := d.Engine.Close(); err != nil {
		errs = append(errs, err)
	}
	if d.stats != nil {
		if err := d.stats.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close statistics: %w", err))
		}
	}
	if err := d.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close store: %w", err))
	}
	return stdErrors.Join(errs...)
}

// Work blocks until ctx is done or the process receives a quit signal,
// then closes d
func (d *Duty) Work(ctx context.Context) error {
	ctx, stop := signals(ctx)
	defer stop()

	<-ctx.Done()
	d.logger.Info("Shutting down", "reason", context.Cause(ctx))
	return d.Close()
}
