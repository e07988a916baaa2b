// Package bootstrap builds the runtime pieces shared by the server and the
// command line tool from the loaded configuration.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ryzugai/wbl-sub000/config"
	"github.com/ryzugai/wbl-sub000/internal/application/core"
	"github.com/ryzugai/wbl-sub000/internal/infrastructure/localcache"
	"github.com/ryzugai/wbl-sub000/internal/infrastructure/metrics"
	"github.com/ryzugai/wbl-sub000/internal/infrastructure/remote"
	"github.com/ryzugai/wbl-sub000/internal/infrastructure/remote/postgres"
	"github.com/ryzugai/wbl-sub000/internal/infrastructure/scheduler"
	"github.com/ryzugai/wbl-sub000/internal/infrastructure/scheduler/jobs"
	"github.com/ryzugai/wbl-sub000/pkg/circuitbreaker"
	"github.com/ryzugai/wbl-sub000/pkg/logger"
	"github.com/ryzugai/wbl-sub000/pkg/retry"
)

// NewLogger configures structured logging.
func NewLogger(cfg *config.Config) *slog.Logger {
	level := logger.ParseLevel(cfg.Observability.LogLevel)
	if cfg.App.Debug {
		level = slog.LevelDebug
	}
	opts := logger.DefaultOptions()
	opts.Output = os.Stderr
	opts.Level = level
	opts.AddSource = cfg.App.Debug
	if cfg.Observability.LogFormat != "" {
		opts.Format = logger.ParseFormat(cfg.Observability.LogFormat)
	}
	return logger.New(opts).With(slog.String("app", cfg.App.Name), slog.String("env", string(cfg.App.Environment)))
}

// OpenCache opens the configured local cache backend.
func OpenCache(cfg *config.Config, log *slog.Logger, m *metrics.Metrics) (*localcache.Cache, error) {
	var backend localcache.Backend
	switch cfg.LocalCache.Driver {
	case config.CacheSQLite:
		b, err := localcache.OpenSQLite(cfg.LocalCache.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite cache: %w", err)
		}
		backend = b
	case config.CacheRedis:
		b, err := localcache.OpenRedis(RedisConfig(cfg.LocalCache.Redis))
		if err != nil {
			return nil, fmt.Errorf("open redis cache: %w", err)
		}
		backend = b
	case config.CacheMemory:
		backend = localcache.NewMemoryBackend()
	default:
		return nil, fmt.Errorf("unknown cache driver %q", cfg.LocalCache.Driver)
	}
	return localcache.New(backend, localcache.WithLogger(log), localcache.WithMetrics(m)), nil
}

// RedisConfig overlays the configured Redis settings on the backend
// defaults. Zero values keep the default.
func RedisConfig(rc config.RedisConfig) localcache.RedisConfig {
	out := localcache.DefaultRedisConfig()
	if rc.Host != "" {
		out.Host = rc.Host
	}
	if rc.Port > 0 {
		out.Port = rc.Port
	}
	out.Password = rc.Password
	out.DB = rc.DB
	if rc.KeyPrefix != "" {
		out.KeyPrefix = rc.KeyPrefix
	}
	if rc.PoolSize > 0 {
		out.PoolSize = rc.PoolSize
	}
	if rc.MaxRetries > 0 {
		out.MaxRetries = rc.MaxRetries
	}
	if rc.DialTimeout > 0 {
		out.DialTimeout = rc.DialTimeout
	}
	if rc.ReadTimeout > 0 {
		out.ReadTimeout = rc.ReadTimeout
	}
	if rc.WriteTimeout > 0 {
		out.WriteTimeout = rc.WriteTimeout
	}
	return out
}

// OpenRemote opens the configured remote store. It returns a nil Store when
// the remote store is disabled.
func OpenRemote(ctx context.Context, cfg *config.Config, log *slog.Logger) (remote.Store, error) {
	switch cfg.Remote.Driver {
	case config.RemoteNone:
		return nil, nil
	case config.RemoteMemory:
		return remote.NewMemoryStore(), nil
	case config.RemotePostgres:
		pg := postgres.DefaultConfig()
		pg.URL = cfg.Remote.DatabaseURL
		pg.MaxConns = int32(cfg.Remote.MaxConns)
		pg.MinConns = int32(cfg.Remote.MinConns)
		pg.MaxConnLifetime = cfg.Remote.ConnMaxLifetime
		pg.MaxConnIdleTime = cfg.Remote.ConnMaxIdleTime
		pg.ConnectTimeout = cfg.Remote.ConnectTimeout

		store, err := postgres.Open(ctx, pg, log)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	return nil, fmt.Errorf("unknown remote driver %q", cfg.Remote.Driver)
}

// NewRetrier builds the remote write retrier from configuration.
func NewRetrier(cfg *config.Config, log *slog.Logger) *retry.Retrier {
	return retry.New(
		retry.WithMaxAttempts(cfg.Remote.RetryAttempts),
		retry.WithInitialDelay(cfg.Remote.RetryDelay),
		retry.WithMaxDelay(2*time.Second),
		retry.WithJitter(0.2),
		retry.WithRetryIf(remote.IsTransient),
		retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
			log.Warn("retrying remote write",
				slog.Int("attempt", attempt),
				logger.Latency(delay),
				logger.Err(err),
			)
		}),
	)
}

// NewBreaker builds the remote write circuit breaker, or nil when it is
// disabled. Only transient failures count.
func NewBreaker(cfg *config.Config, log *slog.Logger) *circuitbreaker.CircuitBreaker {
	if cfg.Remote.BreakerThreshold <= 0 {
		return nil
	}
	return circuitbreaker.New("remote-store",
		circuitbreaker.WithFailureThreshold(cfg.Remote.BreakerThreshold),
		circuitbreaker.WithTimeout(cfg.Remote.BreakerTimeout),
		circuitbreaker.WithSuccessThreshold(cfg.Remote.BreakerSuccesses),
		circuitbreaker.WithMaxHalfOpenRequests(cfg.Remote.BreakerHalfOpen),
		circuitbreaker.WithIsFailure(remote.IsTransient),
		circuitbreaker.WithOnStateChange(func(name string, from, to circuitbreaker.State) {
			log.Warn("circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		}),
	)
}

// NewCore opens the cache and the remote store and builds the service.
// A remote store that cannot be reached is logged and the service runs in
// local-only mode; a cache that cannot be opened is fatal.
func NewCore(ctx context.Context, cfg *config.Config, log *slog.Logger, m *metrics.Metrics) (*core.Service, error) {
	cache, err := OpenCache(cfg, log, m)
	if err != nil {
		return nil, err
	}
	log.Info("local cache ready", slog.String("backend", cache.Backend().Name()))

	store, err := OpenRemote(ctx, cfg, log)
	if err != nil {
		log.Error("remote store unavailable, running in local-only mode",
			slog.String("driver", cfg.Remote.Driver),
			logger.Err(err),
		)
		store = nil
	} else if store != nil {
		log.Info("remote store connected", slog.String("store", store.Name()))
	}

	svc, err := core.New(core.Deps{
		Cache:     cache,
		Remote:    store,
		BatchSize: cfg.Remote.BatchSize,
		Retrier:   NewRetrier(cfg, log),
		Breaker:   NewBreaker(cfg, log),
		Logger:    log,
		Metrics:   m,
	})
	if err != nil {
		_ = cache.Close()
		if store != nil {
			_ = store.Close()
		}
		return nil, err
	}
	return svc, nil
}

// NewScheduler registers the background jobs enabled in configuration.
// Resubscription only runs with a remote store.
func NewScheduler(cfg *config.Config, svc *core.Service, log *slog.Logger, m *metrics.Metrics) (*scheduler.Scheduler, error) {
	s := scheduler.New(scheduler.Config{Logger: log, Metrics: m})

	if cfg.Jobs.ResubscribeInterval > 0 && svc.RemoteEnabled() {
		if err := s.Register(jobs.NewResubscribeJob(svc, log), scheduler.Every(cfg.Jobs.ResubscribeInterval)); err != nil {
			return nil, err
		}
	}
	if cfg.Jobs.BackupInterval > 0 {
		job := jobs.NewBackupJob(jobs.BackupConfig{
			Source: svc,
			Dir:    cfg.Jobs.BackupDir,
			Keep:   cfg.Jobs.BackupKeep,
			Logger: log,
		})
		if err := s.Register(job, scheduler.Every(cfg.Jobs.BackupInterval)); err != nil {
			return nil, err
		}
	}
	return s, nil
}
