// Package core собирает ядро синхронизации в один сервисный объект.
//
// Service создаётся один раз при старте процесса и передаётся всем
// потребителям. Через него идут все чтения, записи, подписки на изменения и
// завершение работы.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ryzugai/wbl-sub000/internal/application/account"
	"github.com/ryzugai/wbl-sub000/internal/application/authz"
	"github.com/ryzugai/wbl-sub000/internal/application/backup"
	"github.com/ryzugai/wbl-sub000/internal/application/gateway"
	"github.com/ryzugai/wbl-sub000/internal/application/query"
	"github.com/ryzugai/wbl-sub000/internal/application/syncengine"
	"github.com/ryzugai/wbl-sub000/internal/domain/adconfig"
	"github.com/ryzugai/wbl-sub000/internal/domain/application"
	"github.com/ryzugai/wbl-sub000/internal/domain/company"
	"github.com/ryzugai/wbl-sub000/internal/domain/shared"
	"github.com/ryzugai/wbl-sub000/internal/domain/user"
	"github.com/ryzugai/wbl-sub000/internal/infrastructure/localcache"
	"github.com/ryzugai/wbl-sub000/internal/infrastructure/messaging"
	"github.com/ryzugai/wbl-sub000/internal/infrastructure/metrics"
	"github.com/ryzugai/wbl-sub000/internal/infrastructure/remote"
	"github.com/ryzugai/wbl-sub000/pkg/circuitbreaker"
	"github.com/ryzugai/wbl-sub000/pkg/logger"
	"github.com/ryzugai/wbl-sub000/pkg/retry"
)

// Deps - зависимости сервиса. Remote == nil означает работу только с
// локальным кешем.
type Deps struct {
	Cache  *localcache.Cache
	Remote remote.Store

	BatchSize int
	NewID     func() string
	Now       func() time.Time
	Retrier   *retry.Retrier
	Breaker   *circuitbreaker.CircuitBreaker

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Service - ядро: кеш, шина оповещений, движок синхронизации, шлюз
// изменений, сессии и резервные копии.
type Service struct {
	cache   *localcache.Cache
	remote  remote.Store
	bus     *messaging.Bus
	authz   *authz.Resolver
	engine  *syncengine.Engine
	gateway *gateway.Gateway
	backup  *backup.Service
	account *account.Service
	logger  *slog.Logger
}

// New собирает сервис. Подписки на удалённое хранилище открывает Start.
func New(deps Deps) (*Service, error) {
	if deps.Cache == nil {
		return nil, errors.New("core: local cache is required")
	}
	log := logger.OrDefault(deps.Logger)

	bus := messaging.NewBus(messaging.Config{Logger: log, Metrics: deps.Metrics})
	resolver := authz.NewResolver(deps.Cache)
	engine := syncengine.New(syncengine.Config{
		Store:   deps.Remote,
		Cache:   deps.Cache,
		Bus:     bus,
		Logger:  log,
		Metrics: deps.Metrics,
	})
	gw := gateway.New(gateway.Config{
		Cache:     deps.Cache,
		Authz:     resolver,
		Remote:    engine,
		Bus:       bus,
		NewID:     deps.NewID,
		Now:       deps.Now,
		Retrier:   deps.Retrier,
		Breaker:   deps.Breaker,
		BatchSize: deps.BatchSize,
		Logger:    log,
		Metrics:   deps.Metrics,
	})

	return &Service{
		cache:   deps.Cache,
		remote:  deps.Remote,
		bus:     bus,
		authz:   resolver,
		engine:  engine,
		gateway: gw,
		backup: backup.New(backup.Config{
			Cache:  deps.Cache,
			Authz:  resolver,
			Writer: gw,
			Remote: engine,
			Now:    deps.Now,
			Logger: log,
		}),
		account: account.New(account.Config{
			Cache:  deps.Cache,
			Users:  gw,
			Bus:    bus,
			Logger: log,
		}),
		logger:  log.With(logger.Component("core")),
	}, nil
}

// Start открывает подписки на удалённое хранилище, если оно настроено.
func (s *Service) Start(ctx context.Context) error {
	return s.engine.Start(ctx)
}

// Shutdown отменяет подписки и закрывает удалённый клиент и кеш.
func (s *Service) Shutdown(ctx context.Context) error {
	s.engine.Stop()

	done := make(chan error, 1)
	go func() {
		var errs []error
		if s.remote != nil {
			if err := s.remote.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close remote store: %w", err))
			}
		}
		if err := s.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close local cache: %w", err))
		}
		done <- errors.Join(errs...)
	}()

	select {
	case err := <-done:
		s.logger.Info("core stopped")
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resubscribe переоткрывает упавшие подписки на удалённое хранилище.
func (s *Service) Resubscribe(ctx context.Context) (bool, error) {
	return s.engine.Resubscribe(ctx)
}

// Subscribe регистрирует наблюдателя изменений.
func (s *Service) Subscribe(fn func()) (unsubscribe func()) {
	return s.bus.Subscribe(fn)
}

// RemoteEnabled сообщает, работает ли сервис с удалённым хранилищем.
func (s *Service) RemoteEnabled() bool {
	return s.engine.RemoteEnabled()
}

// ══════════════════════════════════════════════════════════════════════════════
// READS
// ══════════════════════════════════════════════════════════════════════════════

func (s *Service) Users(ctx context.Context) []user.User { return s.cache.Users(ctx) }

func (s *Service) Companies(ctx context.Context) []company.Company { return s.cache.Companies(ctx) }

func (s *Service) Applications(ctx context.Context) []application.Application {
	return s.cache.Applications(ctx)
}

func (s *Service) AdConfig(ctx context.Context) adconfig.Config { return s.cache.AdConfig(ctx) }

// CurrentUser возвращает пользователя сессии или nil.
func (s *Service) CurrentUser(ctx context.Context) *user.User { return s.account.CurrentUser(ctx) }

// FilteredApplications возвращает заявки, видимые пользователю сессии.
func (s *Service) FilteredApplications(ctx context.Context) ([]application.Application, error) {
	viewer, err := s.authz.RequireSession(ctx, "FilteredApplications")
	if err != nil {
		return nil, err
	}
	return query.FilteredApplications(s.cache.Applications(ctx), viewer), nil
}

// CompanyForApplication ищет компанию заявки по мягкой ссылке.
func (s *Service) CompanyForApplication(ctx context.Context, applicationID string) (company.Company, bool, error) {
	app, _, ok := application.FindByID(s.cache.Applications(ctx), applicationID)
	if !ok {
		return company.Company{}, false, shared.ErrApplicationNotFound
	}
	c, found := query.CompanyForApplication(s.cache.Companies(ctx), app)
	return c, found, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// WRITES
// ══════════════════════════════════════════════════════════════════════════════

func (s *Service) CreateUser(ctx context.Context, u user.User) (user.User, error) {
	created, err := s.gateway.CreateUser(ctx, u)
	return created.Redacted(), err
}

func (s *Service) UpdateUser(ctx context.Context, u user.User) (user.User, error) {
	updated, err := s.gateway.UpdateUser(ctx, u)
	return updated.Redacted(), err
}

func (s *Service) DeleteUser(ctx context.Context, id string) error {
	return s.gateway.DeleteUser(ctx, id)
}

func (s *Service) CreateCompany(ctx context.Context, c company.Company) (company.Company, error) {
	return s.gateway.CreateCompany(ctx, c)
}

func (s *Service) UpdateCompany(ctx context.Context, c company.Company) (company.Company, error) {
	return s.gateway.UpdateCompany(ctx, c)
}

func (s *Service) DeleteCompany(ctx context.Context, id string) error {
	return s.gateway.DeleteCompany(ctx, id)
}

func (s *Service) BulkCreateCompanies(ctx context.Context, companies []company.Company) ([]company.Company, error) {
	return s.gateway.BulkCreateCompanies(ctx, companies)
}

func (s *Service) CreateApplication(ctx context.Context, a application.Application) (application.Application, error) {
	return s.gateway.CreateApplication(ctx, a)
}

func (s *Service) UpdateApplication(ctx context.Context, a application.Application) (application.Application, error) {
	return s.gateway.UpdateApplication(ctx, a)
}

func (s *Service) DeleteApplication(ctx context.Context, id string) error {
	return s.gateway.DeleteApplication(ctx, id)
}

func (s *Service) UpdateAdConfig(ctx context.Context, cfg adconfig.Config) (adconfig.Config, error) {
	return s.gateway.UpdateAdConfig(ctx, cfg)
}

// ══════════════════════════════════════════════════════════════════════════════
// BACKUP
// ══════════════════════════════════════════════════════════════════════════════

// FullSystemBackup снимает полную копию кеша.
func (s *Service) FullSystemBackup(ctx context.Context) backup.Document {
	return s.backup.Snapshot(ctx)
}

// RestoreFullSystem восстанавливает кеш из копии.
func (s *Service) RestoreFullSystem(ctx context.Context, doc backup.Document) error {
	return s.backup.Restore(ctx, doc)
}

// UploadLocalToCloud переносит кеш в удалённое хранилище пакетами.
func (s *Service) UploadLocalToCloud(ctx context.Context) (gateway.BatchReport, error) {
	return s.backup.PushLocalToRemote(ctx)
}

// ══════════════════════════════════════════════════════════════════════════════
// SESSION
// ══════════════════════════════════════════════════════════════════════════════

func (s *Service) Login(ctx context.Context, username, password string) (user.User, error) {
	return s.account.Login(ctx, username, password)
}

// Authenticate проверяет учётные данные без открытия общей сессии.
func (s *Service) Authenticate(ctx context.Context, username, password string) (user.User, error) {
	return s.account.Authenticate(ctx, username, password)
}

func (s *Service) Logout(ctx context.Context) error {
	return s.account.Logout(ctx)
}

func (s *Service) Register(ctx context.Context, u user.User) (user.User, error) {
	return s.account.Register(ctx, u)
}

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH
// ══════════════════════════════════════════════════════════════════════════════

// Health - состояние ядра для проверки живости.
type Health struct {
	Mode          string              `json:"mode"`
	RemoteStore   string              `json:"remote_store,omitempty"`
	CacheBackend  string              `json:"cache_backend"`
	Subscriptions []shared.Collection `json:"subscriptions"`
	Listeners     int                 `json:"listeners"`
}

// Health возвращает текущее состояние.
func (s *Service) Health() Health {
	h := Health{
		Mode:          "local",
		CacheBackend:  s.cache.Backend().Name(),
		Subscriptions: s.engine.ActiveCollections(),
		Listeners:     s.bus.Len(),
	}
	if s.engine.RemoteEnabled() {
		h.Mode = "remote"
		h.RemoteStore = s.engine.Store().Name()
	}
	return h
}
