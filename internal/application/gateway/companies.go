package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ryzugai/wbl-sub000/internal/domain/company"
	"github.com/ryzugai/wbl-sub000/internal/domain/shared"
	"github.com/ryzugai/wbl-sub000/internal/infrastructure/remote"
)

func companyID(c company.Company) string { return c.ID }

// CreateCompany добавляет компанию. Требует повышенного доступа.
func (g *Gateway) CreateCompany(ctx context.Context, c company.Company) (created company.Company, err error) {
	const op = "CreateCompany"
	start := time.Now()
	store, remoteEnabled := g.remoteStore()
	defer func() { g.observe(shared.CollectionCompanies, op, remoteEnabled, err, start) }()

	if err := g.authz.RequireElevated(ctx, op); err != nil {
		return company.Company{}, err
	}
	c, err = g.prepareNewCompany(op, c, -1)
	if err != nil {
		return company.Company{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if remoteEnabled {
		if err := g.setRemote(ctx, store, shared.CollectionCompanies, c.ID, c, remote.Replace, nil); err != nil {
			return company.Company{}, err
		}
		return c, nil
	}

	if err := g.cache.PutCompanies(ctx, append(g.cache.Companies(ctx), c)); err != nil {
		return company.Company{}, cacheFailure("company", op, err)
	}
	g.broadcast(op)
	return c, nil
}

// UpdateCompany изменяет компанию. Требует повышенного доступа.
// Время создания сохраняется, время изменения обновляется.
func (g *Gateway) UpdateCompany(ctx context.Context, c company.Company) (updated company.Company, err error) {
	const op = "UpdateCompany"
	start := time.Now()
	store, remoteEnabled := g.remoteStore()
	defer func() { g.observe(shared.CollectionCompanies, op, remoteEnabled, err, start) }()

	if err := requireID("company", op, c.ID); err != nil {
		return company.Company{}, err
	}
	if err := g.authz.RequireElevated(ctx, op); err != nil {
		return company.Company{}, err
	}
	c.Name = strings.TrimSpace(c.Name)
	if err := validate("company", op, c); err != nil {
		return company.Company{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	companies := g.cache.Companies(ctx)
	if existing, _, found := company.FindByID(companies, c.ID); found && c.CreatedAt.IsZero() {
		c.CreatedAt = existing.CreatedAt
	}
	c.UpdatedAt = g.now().UTC()

	if remoteEnabled {
		keepCreated := func(doc remote.Document) {
			if c.CreatedAt.IsZero() {
				delete(doc, "created_at")
			}
		}
		if err := g.updateRemote(ctx, store, shared.CollectionCompanies, c.ID, c, keepCreated); err != nil {
			return company.Company{}, err
		}
		return c, nil
	}

	next, found := splice(companies, companyID, c)
	if !found {
		return company.Company{}, shared.ErrCompanyNotFound
	}
	if err := g.cache.PutCompanies(ctx, next); err != nil {
		return company.Company{}, cacheFailure("company", op, err)
	}
	g.broadcast(op)
	return c, nil
}

// DeleteCompany удаляет компанию. Требует повышенного доступа.
// Заявки, ссылающиеся на компанию, остаются как есть.
func (g *Gateway) DeleteCompany(ctx context.Context, id string) (err error) {
	const op = "DeleteCompany"
	start := time.Now()
	store, remoteEnabled := g.remoteStore()
	defer func() { g.observe(shared.CollectionCompanies, op, remoteEnabled, err, start) }()

	if err := requireID("company", op, id); err != nil {
		return err
	}
	if err := g.authz.RequireElevated(ctx, op); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if remoteEnabled {
		return g.deleteRemote(ctx, store, shared.CollectionCompanies, id)
	}

	next, found := without(g.cache.Companies(ctx), companyID, id)
	if !found {
		return shared.ErrCompanyNotFound
	}
	if err := g.cache.PutCompanies(ctx, next); err != nil {
		return cacheFailure("company", op, err)
	}
	g.broadcast(op)
	return nil
}

// BulkCreateCompanies добавляет компании разом. Требует повышенного доступа.
//
// На удалённом пути записи уходят пакетами не больше BatchSize, пакеты
// подтверждаются по очереди. Сбой посреди отправки оставляет уже
// подтверждённые пакеты на месте и возвращает *BatchError. На локальном
// пути все компании добавляются одной записью и одним оповещением.
func (g *Gateway) BulkCreateCompanies(ctx context.Context, companies []company.Company) (created []company.Company, err error) {
	const op = "BulkCreateCompanies"
	start := time.Now()
	store, remoteEnabled := g.remoteStore()
	defer func() { g.observe(shared.CollectionCompanies, op, remoteEnabled, err, start) }()

	if err := g.authz.RequireElevated(ctx, op); err != nil {
		return nil, err
	}
	if len(companies) == 0 {
		return []company.Company{}, nil
	}

	created = make([]company.Company, 0, len(companies))
	for i, c := range companies {
		prepared, err := g.prepareNewCompany(op, c, i)
		if err != nil {
			return nil, err
		}
		created = append(created, prepared)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if remoteEnabled {
		writes := make([]remote.Write, 0, len(created))
		for _, c := range created {
			doc, err := remote.Sanitize(c)
			if err != nil {
				return nil, shared.WrapError("company", op, shared.ErrInvalidInput, "record cannot be encoded", err)
			}
			writes = append(writes, remote.Write{Collection: shared.CollectionCompanies, ID: c.ID, Doc: doc, Mode: remote.Replace})
		}
		if _, err := g.commit(ctx, store, writes); err != nil {
			return nil, err
		}
		return created, nil
	}

	if err := g.cache.PutCompanies(ctx, append(g.cache.Companies(ctx), created...)); err != nil {
		return nil, cacheFailure("company", op, err)
	}
	g.broadcast(op)
	return created, nil
}

// prepareNewCompany проверяет запись и назначает идентификатор и время.
// index >= 0 попадает в текст ошибки при пакетной загрузке.
func (g *Gateway) prepareNewCompany(op string, c company.Company, index int) (company.Company, error) {
	c.Name = strings.TrimSpace(c.Name)
	if err := validate("company", op, c); err != nil {
		if index >= 0 {
			return company.Company{}, shared.WrapError("company", op, shared.ErrValidation, fmt.Sprintf("record %d is invalid", index), err)
		}
		return company.Company{}, err
	}
	now := g.now().UTC()
	c.ID = g.newID()
	c.CreatedAt = now
	c.UpdatedAt = now
	return c, nil
}
