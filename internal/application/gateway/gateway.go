// Package gateway - единственная точка входа для всех изменений данных.
//
// Каждая операция проверяет права, затем выбирает путь записи:
//   - удалённый: очищенный документ пишется в удалённое хранилище, кеш и
//     оповещение обновит движок синхронизации по пришедшему снимку;
//   - локальный: коллекция в кеше изменяется и сохраняется, после чего
//     отправляется ровно одно оповещение.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ryzugai/wbl-sub000/internal/application/authz"
	"github.com/ryzugai/wbl-sub000/internal/domain/shared"
	"github.com/ryzugai/wbl-sub000/internal/infrastructure/localcache"
	"github.com/ryzugai/wbl-sub000/internal/infrastructure/metrics"
	"github.com/ryzugai/wbl-sub000/internal/infrastructure/remote"
	"github.com/ryzugai/wbl-sub000/pkg/circuitbreaker"
	"github.com/ryzugai/wbl-sub000/pkg/ids"
	"github.com/ryzugai/wbl-sub000/pkg/logger"
	"github.com/ryzugai/wbl-sub000/pkg/retry"
	"github.com/ryzugai/wbl-sub000/pkg/validator"
)

const (
	pathRemote = "remote"
	pathLocal  = "local"
)

// RemoteState сообщает, включено ли удалённое хранилище.
type RemoteState interface {
	RemoteEnabled() bool
	Store() remote.Store
	// Hold откладывает оповещения по снимкам коллекций до release.
	Hold(collections ...shared.Collection) (release func())
}

// Broadcaster оповещает наблюдателей об изменении.
type Broadcaster interface {
	Broadcast() error
}

// Config - зависимости шлюза.
type Config struct {
	Cache  *localcache.Cache
	Authz  *authz.Resolver
	Remote RemoteState
	Bus    Broadcaster

	// NewID по умолчанию ids.New.
	NewID func() string
	// Now по умолчанию time.Now.
	Now func() time.Time
	// Retrier для временных ошибок удалённого хранилища.
	Retrier *retry.Retrier
	// Breaker, если задан, отсекает обращения к недоступному хранилищу.
	Breaker *circuitbreaker.CircuitBreaker
	// BatchSize - число записей в одной пакетной транзакции.
	BatchSize int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Gateway выполняет все операции записи.
type Gateway struct {
	cache     *localcache.Cache
	authz     *authz.Resolver
	remote    RemoteState
	bus       Broadcaster
	newID     func() string
	now       func() time.Time
	retrier   *retry.Retrier
	breaker   *circuitbreaker.CircuitBreaker
	batchSize int
	logger    *slog.Logger
	metrics   *metrics.Metrics

	// mu сериализует цикл чтение-изменение-запись локального кеша.
	mu sync.Mutex
}

// New создаёт шлюз.
func New(cfg Config) *Gateway {
	g := &Gateway{
		cache:     cfg.Cache,
		authz:     cfg.Authz,
		remote:    cfg.Remote,
		bus:       cfg.Bus,
		newID:     cfg.NewID,
		now:       cfg.Now,
		retrier:   cfg.Retrier,
		breaker:   cfg.Breaker,
		batchSize: cfg.BatchSize,
		logger:    logger.OrDefault(cfg.Logger).With(logger.Component("mutation_gateway")),
		metrics:   cfg.Metrics,
	}
	if g.newID == nil {
		g.newID = ids.New
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.retrier == nil {
		g.retrier = retry.RemoteWriteRetrier(remote.IsTransient)
	}
	if g.batchSize <= 0 || g.batchSize > remote.MaxBatchWrites {
		g.batchSize = remote.MaxBatchWrites
	}
	return g
}

// BatchSize возвращает действующий размер пакета.
func (g *Gateway) BatchSize() int {
	return g.batchSize
}

// ══════════════════════════════════════════════════════════════════════════════
// WRITE PATHS
// ══════════════════════════════════════════════════════════════════════════════

// remoteStore возвращает клиент, если выбран удалённый путь.
func (g *Gateway) remoteStore() (remote.Store, bool) {
	if g.remote == nil || !g.remote.RemoteEnabled() {
		return nil, false
	}
	store := g.remote.Store()
	return store, store != nil
}

func pathOf(remoteEnabled bool) string {
	if remoteEnabled {
		return pathRemote
	}
	return pathLocal
}

// setRemote очищает запись и пишет её с одним повтором при временной ошибке.
// adjust может поправить документ после очистки.
func (g *Gateway) setRemote(ctx context.Context, store remote.Store, collection shared.Collection, id string, record any, mode remote.WriteMode, adjust func(remote.Document)) error {
	doc, err := remote.Sanitize(record)
	if err != nil {
		return shared.WrapError("gateway", "Sanitize", shared.ErrInvalidInput, "record cannot be encoded", err)
	}
	if adjust != nil {
		adjust(doc)
	}
	return g.call(ctx, func(ctx context.Context) error {
		return store.Set(ctx, collection, id, doc, mode)
	})
}

// updateRemote пишет слиянием; при отказе в доступе один раз повторяет
// запись полной заменой и возвращает её результат.
func (g *Gateway) updateRemote(ctx context.Context, store remote.Store, collection shared.Collection, id string, record any, adjust func(remote.Document)) error {
	err := g.setRemote(ctx, store, collection, id, record, remote.Merge, adjust)
	if !errors.Is(err, remote.ErrPermissionDenied) {
		return err
	}

	log := g.logger.With(logger.Collection(collection.String()), slog.String("id", id))
	log.Warn("merge write denied, retrying as full replace", logger.Err(err))

	err = g.setRemote(ctx, store, collection, id, record, remote.Replace, adjust)
	if err != nil {
		log.Warn("replace write failed after merge was denied", logger.Err(err))
	}
	return err
}

func (g *Gateway) deleteRemote(ctx context.Context, store remote.Store, collection shared.Collection, id string) error {
	return g.call(ctx, func(ctx context.Context) error {
		return store.Delete(ctx, collection, id)
	})
}

// call выполняет обращение к хранилищу с повторами. Пока предохранитель
// разомкнут, обращение не выполняется.
func (g *Gateway) call(ctx context.Context, fn func(context.Context) error) error {
	attempt := func(ctx context.Context) error {
		return g.retrier.Do(ctx, fn)
	}
	if g.breaker == nil {
		return attempt(ctx)
	}
	err := g.breaker.Execute(ctx, attempt)
	if errors.Is(err, circuitbreaker.ErrOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return shared.WrapError("gateway", "RemoteWrite", shared.ErrServiceUnavailable, "remote store is temporarily unavailable", err)
	}
	return err
}

// broadcast оповещает наблюдателей; сбой слушателя не отменяет запись.
func (g *Gateway) broadcast(op string) {
	if g.bus == nil {
		return
	}
	if err := g.bus.Broadcast(); err != nil {
		g.logger.Error("listener failed during broadcast", logger.Operation(op), logger.Err(err))
	}
}

func (g *Gateway) observe(collection shared.Collection, op string, remoteEnabled bool, err error, start time.Time) {
	took := time.Since(start)
	g.metrics.ObserveMutation(collection.String(), op, pathOf(remoteEnabled), err, took)

	attrs := []any{
		logger.Collection(collection.String()),
		logger.Operation(op),
		slog.String("path", pathOf(remoteEnabled)),
		logger.Latency(took),
	}
	if err != nil {
		g.logger.Debug("mutation rejected", append(attrs, logger.Err(err))...)
		return
	}
	g.logger.Debug("mutation applied", attrs...)
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

func validate(domain, op string, record any) error {
	if err := validator.Struct(record); err != nil {
		return shared.WrapError(domain, op, shared.ErrValidation, validator.FormatValidationError(err), err)
	}
	return nil
}

func cacheFailure(domain, op string, err error) error {
	return shared.WrapError(domain, op, shared.ErrServiceUnavailable, "local cache write failed", err)
}

func requireID(domain, op, id string) error {
	if id == "" {
		return shared.NewDomainError(domain, op, shared.ErrInvalidID, "record id is required")
	}
	return nil
}

// splice заменяет элемент с тем же id. Возвращает false, если его нет.
func splice[T any](items []T, idOf func(T) string, record T) ([]T, bool) {
	id := idOf(record)
	for i := range items {
		if idOf(items[i]) == id {
			out := make([]T, len(items))
			copy(out, items)
			out[i] = record
			return out, true
		}
	}
	return items, false
}

// without убирает элемент с данным id, сохраняя порядок остальных.
func without[T any](items []T, idOf func(T) string, id string) ([]T, bool) {
	out := make([]T, 0, len(items))
	found := false
	for _, item := range items {
		if idOf(item) == id {
			found = true
			continue
		}
		out = append(out, item)
	}
	return out, found
}
