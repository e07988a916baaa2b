package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/ryzugai/wbl-sub000/internal/domain/adconfig"
	"github.com/ryzugai/wbl-sub000/internal/domain/application"
	"github.com/ryzugai/wbl-sub000/internal/domain/company"
	"github.com/ryzugai/wbl-sub000/internal/domain/shared"
	"github.com/ryzugai/wbl-sub000/internal/domain/user"
)

// UpdateAdConfig заменяет настройки рекламного блока. Требует повышенного
// доступа. Элементам без идентификатора он назначается.
func (g *Gateway) UpdateAdConfig(ctx context.Context, cfg adconfig.Config) (updated adconfig.Config, err error) {
	const op = "UpdateAdConfig"
	start := time.Now()
	store, remoteEnabled := g.remoteStore()
	defer func() { g.observe(shared.CollectionAdConfig, op, remoteEnabled, err, start) }()

	if err := g.authz.RequireElevated(ctx, op); err != nil {
		return adconfig.Config{}, err
	}
	if cfg.Items == nil {
		cfg.Items = []adconfig.Item{}
	}
	items := make([]adconfig.Item, len(cfg.Items))
	copy(items, cfg.Items)
	for i := range items {
		if items[i].ID == "" {
			items[i].ID = g.newID()
		}
	}
	cfg.Items = items
	if err := validate("adconfig", op, cfg); err != nil {
		return adconfig.Config{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if remoteEnabled {
		if err := g.updateRemote(ctx, store, shared.CollectionAdConfig, adconfig.DocumentID, cfg, nil); err != nil {
			return adconfig.Config{}, err
		}
		return cfg, nil
	}

	if err := g.cache.PutAdConfig(ctx, cfg); err != nil {
		return adconfig.Config{}, cacheFailure("adconfig", op, err)
	}
	g.broadcast(op)
	return cfg, nil
}

// ReplaceLocal перезаписывает все коллекции локального кеша и отправляет
// одно оповещение. Используется восстановлением из резервной копии; права
// проверяет вызывающий код. Если часть коллекций записать не удалось,
// оповещение всё равно отправляется, а ошибки возвращаются вместе.
func (g *Gateway) ReplaceLocal(ctx context.Context, users []user.User, companies []company.Company, apps []application.Application, cfg adconfig.Config) (err error) {
	const op = "ReplaceLocal"
	start := time.Now()
	defer func() { g.observe(shared.Collection("all"), op, false, err, start) }()

	g.mu.Lock()
	defer g.mu.Unlock()

	errs := []error{
		g.cache.PutUsers(ctx, users),
		g.cache.PutCompanies(ctx, companies),
		g.cache.PutApplications(ctx, apps),
		g.cache.PutAdConfig(ctx, cfg),
	}

	written := 0
	for _, e := range errs {
		if e == nil {
			written++
		}
	}
	if written > 0 {
		g.broadcast(op)
	}
	if joined := errors.Join(errs...); joined != nil {
		return cacheFailure("backup", op, joined)
	}
	return nil
}
