package backup

import (
	"context"
	"log/slog"
	"time"

	"github.com/ryzugai/wbl-sub000/internal/application/authz"
	"github.com/ryzugai/wbl-sub000/internal/application/gateway"
	"github.com/ryzugai/wbl-sub000/internal/domain/adconfig"
	"github.com/ryzugai/wbl-sub000/internal/domain/application"
	"github.com/ryzugai/wbl-sub000/internal/domain/company"
	"github.com/ryzugai/wbl-sub000/internal/domain/shared"
	"github.com/ryzugai/wbl-sub000/internal/domain/user"
	"github.com/ryzugai/wbl-sub000/internal/infrastructure/localcache"
	"github.com/ryzugai/wbl-sub000/internal/infrastructure/remote"
	"github.com/ryzugai/wbl-sub000/pkg/logger"
)

// Writer - операции шлюза, через которые идут все записи копии.
type Writer interface {
	ReplaceLocal(ctx context.Context, users []user.User, companies []company.Company, apps []application.Application, cfg adconfig.Config) error
	CommitBatches(ctx context.Context, writes []remote.Write) (gateway.BatchReport, error)
}

// Config - зависимости сервиса.
type Config struct {
	Cache  *localcache.Cache
	Authz  *authz.Resolver
	Writer Writer
	Remote gateway.RemoteState
	Now    func() time.Time
	Logger *slog.Logger
}

// Service выполняет снятие, восстановление и перенос копий.
type Service struct {
	cache  *localcache.Cache
	authz  *authz.Resolver
	writer Writer
	remote gateway.RemoteState
	now    func() time.Time
	logger *slog.Logger
}

// New создаёт сервис.
func New(cfg Config) *Service {
	s := &Service{
		cache:  cfg.Cache,
		authz:  cfg.Authz,
		writer: cfg.Writer,
		remote: cfg.Remote,
		now:    cfg.Now,
		logger: logger.OrDefault(cfg.Logger).With(logger.Component("backup")),
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Snapshot читает все коллекции кеша целиком.
func (s *Service) Snapshot(ctx context.Context) Document {
	doc := Document{
		Users:        s.cache.Users(ctx),
		Companies:    s.cache.Companies(ctx),
		Applications: s.cache.Applications(ctx),
		AdConfig:     s.cache.AdConfig(ctx),
		Timestamp:    s.now().UTC().Format(time.RFC3339),
		Version:      FormatVersion,
	}
	doc.normalize()
	return doc
}

// Restore перезаписывает локальный кеш содержимым копии и отправляет одно
// оповещение. Требует повышенного доступа. Удалённое хранилище не
// затрагивается: для переноса в него служит PushLocalToRemote.
func (s *Service) Restore(ctx context.Context, doc Document) error {
	const op = "RestoreFullSystem"
	if err := s.authz.RequireElevated(ctx, op); err != nil {
		return err
	}
	if err := doc.Validate(); err != nil {
		return err
	}
	doc.normalize()

	if err := s.writer.ReplaceLocal(ctx, doc.Users, doc.Companies, doc.Applications, doc.AdConfig); err != nil {
		return err
	}

	s.logger.Info("backup restored",
		slog.Int("users", len(doc.Users)),
		slog.Int("companies", len(doc.Companies)),
		slog.Int("applications", len(doc.Applications)),
		slog.String("version", doc.Version),
		slog.String("taken_at", doc.Timestamp),
	)
	return nil
}

// PushLocalToRemote переносит все коллекции кеша в удалённое хранилище
// пакетами. Требует повышенного доступа и включённого удалённого хранилища.
//
// Операция не атомарна: при сбое пакеты до него остаются подтверждены, и
// возвращается *gateway.BatchError с отчётом о подтверждённой части.
func (s *Service) PushLocalToRemote(ctx context.Context) (gateway.BatchReport, error) {
	const op = "UploadLocalToCloud"
	if err := s.authz.RequireElevated(ctx, op); err != nil {
		return gateway.BatchReport{}, err
	}
	if s.remote == nil || !s.remote.RemoteEnabled() {
		return gateway.BatchReport{}, shared.NewDomainError("backup", op, shared.ErrRemoteDisabled, "remote store is not configured")
	}

	writes, err := s.localWrites(ctx)
	if err != nil {
		return gateway.BatchReport{}, err
	}

	report, err := s.writer.CommitBatches(ctx, writes)
	if err != nil {
		return report, err
	}
	s.logger.Info("local data pushed to remote store",
		slog.Int("batches", report.CommittedBatches),
		slog.Int("records", report.CommittedRecords),
	)
	return report, nil
}

// localWrites собирает записи всех коллекций кеша. Записи без
// идентификатора пропускаются.
func (s *Service) localWrites(ctx context.Context) ([]remote.Write, error) {
	var writes []remote.Write
	skipped := 0

	add := func(collection shared.Collection, id string, record any) error {
		if id == "" {
			skipped++
			return nil
		}
		doc, err := remote.Sanitize(record)
		if err != nil {
			return shared.WrapError("backup", "UploadLocalToCloud", shared.ErrInvalidInput, "record cannot be encoded", err)
		}
		writes = append(writes, remote.Write{Collection: collection, ID: id, Doc: doc, Mode: remote.Replace})
		return nil
	}

	for _, u := range s.cache.Users(ctx) {
		if err := add(shared.CollectionUsers, u.ID, u); err != nil {
			return nil, err
		}
	}
	for _, c := range s.cache.Companies(ctx) {
		if err := add(shared.CollectionCompanies, c.ID, c); err != nil {
			return nil, err
		}
	}
	for _, a := range s.cache.Applications(ctx) {
		if err := add(shared.CollectionApplications, a.ID, a); err != nil {
			return nil, err
		}
	}
	if err := add(shared.CollectionAdConfig, adconfig.DocumentID, s.cache.AdConfig(ctx)); err != nil {
		return nil, err
	}

	if skipped > 0 {
		s.logger.Warn("records without id were not pushed", slog.Int("skipped", skipped))
	}
	return writes, nil
}
