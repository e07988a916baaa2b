// Package syncengine зеркалирует удалённое хранилище в локальный кеш.
// На каждую коллекцию открывается одна подписка; каждый снимок целиком
// заменяет коллекцию в кеше и вызывает одно оповещение, если коллекция не
// удерживается через Hold.
package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ryzugai/wbl-sub000/internal/domain/adconfig"
	"github.com/ryzugai/wbl-sub000/internal/domain/application"
	"github.com/ryzugai/wbl-sub000/internal/domain/company"
	"github.com/ryzugai/wbl-sub000/internal/domain/shared"
	"github.com/ryzugai/wbl-sub000/internal/domain/user"
	"github.com/ryzugai/wbl-sub000/internal/infrastructure/localcache"
	"github.com/ryzugai/wbl-sub000/internal/infrastructure/metrics"
	"github.com/ryzugai/wbl-sub000/internal/infrastructure/remote"
	"github.com/ryzugai/wbl-sub000/pkg/logger"
)

// Broadcaster оповещает наблюдателей об изменении.
type Broadcaster interface {
	Broadcast() error
}

// Config - зависимости движка. Store == nil означает локальный режим.
type Config struct {
	Store   remote.Store
	Cache   *localcache.Cache
	Bus     Broadcaster
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Engine управляет подписками на удалённые коллекции.
type Engine struct {
	store   remote.Store
	cache   *localcache.Cache
	bus     Broadcaster
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu   sync.Mutex
	subs map[shared.Collection]remote.Subscription

	// generation отсекает снимки и ошибки от уже отменённых подписок.
	generation atomic.Uint64

	holdMu  sync.Mutex
	holds   map[shared.Collection]int
	pending map[shared.Collection]bool
}

// New создаёт движок.
func New(cfg Config) *Engine {
	return &Engine{
		store:   cfg.Store,
		cache:   cfg.Cache,
		bus:     cfg.Bus,
		logger:  logger.OrDefault(cfg.Logger).With(logger.Component("sync_engine")),
		metrics: cfg.Metrics,
		subs:    make(map[shared.Collection]remote.Subscription),
		holds:   make(map[shared.Collection]int),
		pending: make(map[shared.Collection]bool),
	}
}

// RemoteEnabled - удалённое хранилище сконфигурировано и клиент создан.
func (e *Engine) RemoteEnabled() bool {
	return e.store != nil
}

// Store возвращает клиент удалённого хранилища или nil.
func (e *Engine) Store() remote.Store {
	return e.store
}

// Start отменяет все прежние подписки разом и открывает новые по одной на
// коллекцию. Ошибка одной подписки не мешает остальным; все ошибки
// логируются и возвращаются вместе.
func (e *Engine) Start(ctx context.Context) error {
	if !e.RemoteEnabled() {
		e.logger.Info("remote store not configured, running on local cache only")
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.cancelAllLocked()
	gen := e.generation.Add(1)

	var errs []error
	for _, collection := range shared.Collections {
		sub, err := e.store.Watch(ctx, collection, e.snapshotHandler(gen, collection), e.errorHandler(gen, collection))
		if err != nil {
			e.metrics.IncSubscriptionError(collection.String())
			e.logger.Error("failed to subscribe", logger.Collection(collection.String()), logger.Err(err))
			errs = append(errs, err)
			continue
		}
		e.subs[collection] = sub
	}

	e.logger.Info("remote sync started", slog.String("store", e.store.Name()), slog.Int("subscriptions", len(e.subs)))
	return errors.Join(errs...)
}

// Stop отменяет все подписки. Кеш остаётся в последнем состоянии.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.generation.Add(1)
	e.cancelAllLocked()
}

// Resubscribe переоткрывает подписки, если хотя бы одна из них упала.
// Возвращает true, если подписки были переоткрыты.
func (e *Engine) Resubscribe(ctx context.Context) (bool, error) {
	if !e.RemoteEnabled() {
		return false, nil
	}
	e.mu.Lock()
	complete := len(e.subs) == len(shared.Collections)
	e.mu.Unlock()
	if complete {
		return false, nil
	}

	e.logger.Warn("subscriptions incomplete, reinitializing")
	return true, e.Start(ctx)
}

// Hold откладывает оповещения по снимкам коллекций до вызова release.
// Снимки по-прежнему пишутся в кеш. Если за время удержания пришёл хотя бы
// один снимок, release отправляет ровно одно оповещение. Так многопакетная
// запись даёт одно оповещение, а не по одному на пакет.
func (e *Engine) Hold(collections ...shared.Collection) (release func()) {
	e.holdMu.Lock()
	for _, c := range collections {
		e.holds[c]++
	}
	e.holdMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { e.release(collections) })
	}
}

func (e *Engine) release(collections []shared.Collection) {
	e.holdMu.Lock()
	flush := false
	for _, c := range collections {
		e.holds[c]--
		if e.holds[c] > 0 {
			continue
		}
		delete(e.holds, c)
		if e.pending[c] {
			delete(e.pending, c)
			flush = true
		}
	}
	e.holdMu.Unlock()

	if !flush {
		return
	}
	if err := e.bus.Broadcast(); err != nil {
		e.logger.Error("listener failed during broadcast", logger.Err(err))
	}
}

// deferred отмечает снимок удерживаемой коллекции.
func (e *Engine) deferred(collection shared.Collection) bool {
	e.holdMu.Lock()
	defer e.holdMu.Unlock()
	if e.holds[collection] == 0 {
		return false
	}
	e.pending[collection] = true
	return true
}

// ActiveCollections возвращает коллекции с живой подпиской.
func (e *Engine) ActiveCollections() []shared.Collection {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]shared.Collection, 0, len(e.subs))
	for _, c := range shared.Collections {
		if _, ok := e.subs[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

func (e *Engine) cancelAllLocked() {
	for c, sub := range e.subs {
		sub.Cancel()
		delete(e.subs, c)
	}
}

func (e *Engine) snapshotHandler(gen uint64, collection shared.Collection) remote.SnapshotHandler {
	return func(docs []json.RawMessage) {
		if e.generation.Load() != gen {
			return
		}
		e.apply(context.Background(), collection, docs)
	}
}

func (e *Engine) errorHandler(gen uint64, collection shared.Collection) remote.ErrorHandler {
	return func(err error) {
		e.metrics.IncSubscriptionError(collection.String())
		e.logger.Error("subscription failed, collection no longer receives remote updates",
			logger.Collection(collection.String()), logger.Err(err))

		if e.generation.Load() != gen {
			return
		}
		e.mu.Lock()
		if sub, ok := e.subs[collection]; ok {
			sub.Cancel()
			delete(e.subs, collection)
		}
		e.mu.Unlock()
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// APPLY
// ══════════════════════════════════════════════════════════════════════════════

// apply заменяет коллекцию в кеше и оповещает наблюдателей.
func (e *Engine) apply(ctx context.Context, collection shared.Collection, docs []json.RawMessage) {
	log := e.logger.With(logger.Collection(collection.String()))

	var decodeErr, putErr error
	switch collection {
	case shared.CollectionUsers:
		var users []user.User
		users, decodeErr = remote.Decode[user.User](docs)
		putErr = e.cache.PutUsers(ctx, users)
	case shared.CollectionCompanies:
		var companies []company.Company
		companies, decodeErr = remote.Decode[company.Company](docs)
		putErr = e.cache.PutCompanies(ctx, companies)
	case shared.CollectionApplications:
		var apps []application.Application
		apps, decodeErr = remote.Decode[application.Application](docs)
		putErr = e.cache.PutApplications(ctx, apps)
	case shared.CollectionAdConfig:
		var cfg adconfig.Config
		cfg, decodeErr = pickAdConfig(docs)
		putErr = e.cache.PutAdConfig(ctx, cfg)
	default:
		log.Warn("snapshot for unknown collection ignored")
		return
	}

	if decodeErr != nil {
		log.Warn("skipped undecodable remote documents", logger.Err(decodeErr))
	}
	if putErr != nil {
		log.Error("failed to write snapshot to local cache", logger.Err(putErr))
		return
	}

	e.metrics.IncSnapshot(collection.String())
	log.Debug("snapshot applied", slog.Int("documents", len(docs)))

	if e.deferred(collection) {
		return
	}
	if err := e.bus.Broadcast(); err != nil {
		log.Error("listener failed during broadcast", logger.Err(err))
	}
}

// pickAdConfig выбирает документ настроек с известным идентификатором,
// иначе первый по порядку.
func pickAdConfig(docs []json.RawMessage) (adconfig.Config, error) {
	if len(docs) == 0 {
		return adconfig.Empty(), nil
	}

	chosen := docs[0]
	for _, raw := range docs {
		var head struct {
			ID string `json:"id"`
		}
		if json.Unmarshal(raw, &head) == nil && head.ID == adconfig.DocumentID {
			chosen = raw
			break
		}
	}

	cfg := adconfig.Empty()
	if err := json.Unmarshal(chosen, &cfg); err != nil {
		return adconfig.Empty(), err
	}
	if cfg.Items == nil {
		cfg.Items = []adconfig.Item{}
	}
	return cfg, nil
}
