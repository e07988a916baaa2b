package gateway

import (
	"context"
	"strings"
	"time"

	"github.com/ryzugai/wbl-sub000/internal/domain/application"
	"github.com/ryzugai/wbl-sub000/internal/domain/shared"
	"github.com/ryzugai/wbl-sub000/internal/infrastructure/remote"
)

// Операции с заявками не проверяют роль вызывающего: какие заявки видит и
// меняет пользователь, решает вызывающий код (см. query.FilteredApplications).

func applicationID(a application.Application) string { return a.ID }

// CreateApplication создаёт заявку. Пустой статус становится Pending,
// автором по умолчанию записывается пользователь сессии.
func (g *Gateway) CreateApplication(ctx context.Context, a application.Application) (created application.Application, err error) {
	const op = "CreateApplication"
	start := time.Now()
	store, remoteEnabled := g.remoteStore()
	defer func() { g.observe(shared.CollectionApplications, op, remoteEnabled, err, start) }()

	a.StudentName = strings.TrimSpace(a.StudentName)
	a.CompanyName = strings.TrimSpace(a.CompanyName)
	if a.Status == "" {
		a.Status = application.StatusPending
	}
	if err := validate("application", op, a); err != nil {
		return application.Application{}, err
	}
	if a.CreatedBy == "" {
		if principal, ok := g.authz.Principal(ctx); ok {
			a.CreatedBy = principal.Username
		}
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = g.now().UTC()
	}
	a.ID = g.newID()

	g.mu.Lock()
	defer g.mu.Unlock()

	if remoteEnabled {
		if err := g.setRemote(ctx, store, shared.CollectionApplications, a.ID, a, remote.Replace, nil); err != nil {
			return application.Application{}, err
		}
		return a, nil
	}

	if err := g.cache.PutApplications(ctx, append(g.cache.Applications(ctx), a)); err != nil {
		return application.Application{}, cacheFailure("application", op, err)
	}
	g.broadcast(op)
	return a, nil
}

// UpdateApplication изменяет заявку: статус, руководителя, ответное письмо.
func (g *Gateway) UpdateApplication(ctx context.Context, a application.Application) (updated application.Application, err error) {
	const op = "UpdateApplication"
	start := time.Now()
	store, remoteEnabled := g.remoteStore()
	defer func() { g.observe(shared.CollectionApplications, op, remoteEnabled, err, start) }()

	if err := requireID("application", op, a.ID); err != nil {
		return application.Application{}, err
	}
	if err := validate("application", op, a); err != nil {
		return application.Application{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if remoteEnabled {
		if err := g.updateRemote(ctx, store, shared.CollectionApplications, a.ID, a, nil); err != nil {
			return application.Application{}, err
		}
		return a, nil
	}

	next, found := splice(g.cache.Applications(ctx), applicationID, a)
	if !found {
		return application.Application{}, shared.ErrApplicationNotFound
	}
	if err := g.cache.PutApplications(ctx, next); err != nil {
		return application.Application{}, cacheFailure("application", op, err)
	}
	g.broadcast(op)
	return a, nil
}

// DeleteApplication удаляет заявку.
func (g *Gateway) DeleteApplication(ctx context.Context, id string) (err error) {
	const op = "DeleteApplication"
	start := time.Now()
	store, remoteEnabled := g.remoteStore()
	defer func() { g.observe(shared.CollectionApplications, op, remoteEnabled, err, start) }()

	if err := requireID("application", op, id); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if remoteEnabled {
		return g.deleteRemote(ctx, store, shared.CollectionApplications, id)
	}

	next, found := without(g.cache.Applications(ctx), applicationID, id)
	if !found {
		return shared.ErrApplicationNotFound
	}
	if err := g.cache.PutApplications(ctx, next); err != nil {
		return cacheFailure("application", op, err)
	}
	g.broadcast(op)
	return nil
}
