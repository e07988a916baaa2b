package localcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ryzugai/wbl-sub000/internal/domain/adconfig"
	"github.com/ryzugai/wbl-sub000/internal/domain/application"
	"github.com/ryzugai/wbl-sub000/internal/domain/company"
	"github.com/ryzugai/wbl-sub000/internal/domain/shared"
	"github.com/ryzugai/wbl-sub000/internal/domain/user"
	"github.com/ryzugai/wbl-sub000/internal/infrastructure/metrics"
	"github.com/ryzugai/wbl-sub000/pkg/logger"
)

// KeySession is the backend key of the current session record.
const KeySession = "session"

// Cache is the typed view over a Backend. Reads never fail: a missing or
// corrupt entry reads as an empty collection and is logged.
type Cache struct {
	backend Backend
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// New creates a Cache over backend.
func New(backend Backend, opts ...Option) *Cache {
	c := &Cache{
		backend: backend,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(logger.Component("local_cache"), slog.String("backend", backend.Name()))
	return c
}

// Backend returns the underlying backend.
func (c *Cache) Backend() Backend {
	return c.backend
}

// Close closes the backend.
func (c *Cache) Close() error {
	return c.backend.Close()
}

// ══════════════════════════════════════════════════════════════════════════════
// COLLECTIONS
// ══════════════════════════════════════════════════════════════════════════════

// Users returns every cached user in stored order.
func (c *Cache) Users(ctx context.Context) []user.User {
	return loadList[user.User](ctx, c, shared.CollectionUsers)
}

// PutUsers overwrites the users collection.
func (c *Cache) PutUsers(ctx context.Context, users []user.User) error {
	return storeList(ctx, c, shared.CollectionUsers, users)
}

// Companies returns every cached company in stored order.
func (c *Cache) Companies(ctx context.Context) []company.Company {
	return loadList[company.Company](ctx, c, shared.CollectionCompanies)
}

// PutCompanies overwrites the companies collection.
func (c *Cache) PutCompanies(ctx context.Context, companies []company.Company) error {
	return storeList(ctx, c, shared.CollectionCompanies, companies)
}

// Applications returns every cached application in stored order.
func (c *Cache) Applications(ctx context.Context) []application.Application {
	return loadList[application.Application](ctx, c, shared.CollectionApplications)
}

// PutApplications overwrites the applications collection.
func (c *Cache) PutApplications(ctx context.Context, apps []application.Application) error {
	return storeList(ctx, c, shared.CollectionApplications, apps)
}

// AdConfig returns the cached ad configuration, or an empty one.
func (c *Cache) AdConfig(ctx context.Context) adconfig.Config {
	cfg := adconfig.Empty()
	raw, ok := c.load(ctx, string(shared.CollectionAdConfig))
	if !ok {
		return cfg
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		c.corrupt(shared.CollectionAdConfig, err)
		return adconfig.Empty()
	}
	if cfg.Items == nil {
		cfg.Items = []adconfig.Item{}
	}
	return cfg
}

// PutAdConfig overwrites the ad configuration.
func (c *Cache) PutAdConfig(ctx context.Context, cfg adconfig.Config) error {
	if cfg.Items == nil {
		cfg.Items = []adconfig.Item{}
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", shared.CollectionAdConfig, err)
	}
	return c.backend.Store(ctx, string(shared.CollectionAdConfig), data)
}

// ══════════════════════════════════════════════════════════════════════════════
// SESSION
// ══════════════════════════════════════════════════════════════════════════════

// Session returns the current session user, or nil.
func (c *Cache) Session(ctx context.Context) *user.User {
	raw, ok := c.load(ctx, KeySession)
	if !ok {
		return nil
	}
	var u user.User
	if err := json.Unmarshal(raw, &u); err != nil || u.ID == "" {
		if err == nil {
			err = errors.New("session without id")
		}
		c.logger.Warn("discarding corrupt session record", logger.Err(err))
		return nil
	}
	return &u
}

// SetSession stores u as the current session. Nil clears it.
func (c *Cache) SetSession(ctx context.Context, u *user.User) error {
	if u == nil {
		return c.backend.Remove(ctx, KeySession)
	}
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	return c.backend.Store(ctx, KeySession, data)
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

func (c *Cache) load(ctx context.Context, key string) ([]byte, bool) {
	raw, err := c.backend.Load(ctx, key)
	if errors.Is(err, ErrMiss) {
		return nil, false
	}
	if err != nil {
		c.logger.Warn("cache read failed, using empty value", slog.String("key", key), logger.Err(err))
		return nil, false
	}
	return raw, true
}

func (c *Cache) corrupt(collection shared.Collection, err error) {
	c.metrics.IncCacheCorruption(collection.String())
	c.logger.Warn("corrupt cache entry",
		logger.Collection(collection.String()),
		logger.Err(fmt.Errorf("%w: %v", shared.ErrCorrupted, err)),
	)
}

// loadList decodes a JSON array element by element. A value that is not an
// array reads as empty; elements that fail to decode are skipped.
func loadList[T any](ctx context.Context, c *Cache, collection shared.Collection) []T {
	out := make([]T, 0)
	raw, ok := c.load(ctx, collection.String())
	if !ok {
		return out
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		c.corrupt(collection, err)
		return out
	}

	for i, elem := range elems {
		var v T
		if err := json.Unmarshal(elem, &v); err != nil {
			c.corrupt(collection, fmt.Errorf("element %d: %w", i, err))
			continue
		}
		out = append(out, v)
	}
	return out
}

func storeList[T any](ctx context.Context, c *Cache, collection shared.Collection, items []T) error {
	if items == nil {
		items = []T{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode %s: %w", collection, err)
	}
	return c.backend.Store(ctx, collection.String(), data)
}
