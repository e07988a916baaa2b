package gateway

import (
	"context"
	"strings"
	"time"

	"github.com/ryzugai/wbl-sub000/internal/domain/shared"
	"github.com/ryzugai/wbl-sub000/internal/domain/user"
	"github.com/ryzugai/wbl-sub000/internal/infrastructure/remote"
	"github.com/ryzugai/wbl-sub000/pkg/logger"
	"github.com/ryzugai/wbl-sub000/pkg/password"
)

func userID(u user.User) string { return u.ID }

// CreateUser регистрирует учётную запись.
//
// Поле PasswordHash может содержать пароль в открытом виде: перед
// сохранением он хешируется. Логин проверяется на уникальность по
// текущему содержимому кеша. Создать координатора или члена комитета
// может только пользователь с повышенным доступом, кроме самой первой
// учётной записи.
func (g *Gateway) CreateUser(ctx context.Context, u user.User) (created user.User, err error) {
	const op = "CreateUser"
	start := time.Now()
	store, remoteEnabled := g.remoteStore()
	defer func() { g.observe(shared.CollectionUsers, op, remoteEnabled, err, start) }()

	u.Username = strings.TrimSpace(u.Username)
	if err := validate("user", op, u); err != nil {
		return user.User{}, err
	}
	if u.PasswordHash == "" {
		return user.User{}, shared.NewDomainError("user", op, shared.ErrEmptyValue, "password is required")
	}
	elevated := g.authz.HasElevatedAccess(ctx)

	g.mu.Lock()
	defer g.mu.Unlock()

	users := g.cache.Users(ctx)
	if !elevated && len(users) > 0 && (u.IsCoordinator() || u.IsCommittee.Bool()) {
		return user.User{}, shared.NewDomainError("user", op, shared.ErrForbidden, "only a coordinator may create coordinator or committee accounts")
	}
	if _, taken := user.FindByUsername(users, u.Username); taken {
		return user.User{}, shared.ErrDuplicateUsername
	}

	hash, err := password.EnsureHashed(u.PasswordHash)
	if err != nil {
		return user.User{}, shared.WrapError("user", op, shared.ErrInvalidInput, "password cannot be hashed", err)
	}
	u.PasswordHash = hash
	u.ApplyRegistrationDefaults(elevated)
	u.ID = g.newID()

	if remoteEnabled {
		if err := g.setRemote(ctx, store, shared.CollectionUsers, u.ID, u, remote.Replace, nil); err != nil {
			return user.User{}, err
		}
		return u, nil
	}

	if err := g.cache.PutUsers(ctx, append(users, u)); err != nil {
		return user.User{}, cacheFailure("user", op, err)
	}
	g.broadcast(op)
	return u, nil
}

// UpdateUser изменяет учётную запись. Разрешено владельцу записи и
// пользователю с повышенным доступом; владелец не может менять себе роль,
// одобрение и членство в комитете. Пустой PasswordHash оставляет прежний
// пароль. Если изменяется пользователь текущей сессии, сессия обновляется.
func (g *Gateway) UpdateUser(ctx context.Context, u user.User) (updated user.User, err error) {
	const op = "UpdateUser"
	start := time.Now()
	store, remoteEnabled := g.remoteStore()
	defer func() { g.observe(shared.CollectionUsers, op, remoteEnabled, err, start) }()

	if err := requireID("user", op, u.ID); err != nil {
		return user.User{}, err
	}
	if err := g.authz.RequireSelfOrElevated(ctx, op, u.ID); err != nil {
		return user.User{}, err
	}
	u.Username = strings.TrimSpace(u.Username)
	if err := validate("user", op, u); err != nil {
		return user.User{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	users := g.cache.Users(ctx)
	existing, _, found := user.FindByID(users, u.ID)

	if !g.authz.HasElevatedAccess(ctx) {
		reference := existing
		if !found {
			reference, _ = g.authz.Principal(ctx)
		}
		if changesPrivileges(reference, u) {
			return user.User{}, shared.NewDomainError("user", op, shared.ErrForbidden, "role, approval and committee membership are managed by a coordinator")
		}
	}
	for _, other := range users {
		if other.ID != u.ID && user.SameUsername(other.Username, u.Username) {
			return user.User{}, shared.ErrDuplicateUsername
		}
	}

	if u.PasswordHash == "" && found {
		u.PasswordHash = existing.PasswordHash
	}
	hash, err := password.EnsureHashed(u.PasswordHash)
	if err != nil {
		return user.User{}, shared.WrapError("user", op, shared.ErrInvalidInput, "password cannot be hashed", err)
	}
	u.PasswordHash = hash

	if remoteEnabled {
		keepPassword := func(doc remote.Document) {
			if u.PasswordHash == "" {
				delete(doc, "password_hash")
			}
		}
		if err := g.updateRemote(ctx, store, shared.CollectionUsers, u.ID, u, keepPassword); err != nil {
			return user.User{}, err
		}
		g.refreshSession(ctx, u)
		return u, nil
	}

	if !found {
		return user.User{}, shared.ErrUserNotFound
	}
	next, _ := splice(users, userID, u)
	if err := g.cache.PutUsers(ctx, next); err != nil {
		return user.User{}, cacheFailure("user", op, err)
	}
	g.refreshSession(ctx, u)
	g.broadcast(op)
	return u, nil
}

// DeleteUser удаляет учётную запись. Требует повышенного доступа.
// Заявки и другие записи, ссылающиеся на пользователя, не удаляются.
func (g *Gateway) DeleteUser(ctx context.Context, id string) (err error) {
	const op = "DeleteUser"
	start := time.Now()
	store, remoteEnabled := g.remoteStore()
	defer func() { g.observe(shared.CollectionUsers, op, remoteEnabled, err, start) }()

	if err := requireID("user", op, id); err != nil {
		return err
	}
	if err := g.authz.RequireElevated(ctx, op); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if remoteEnabled {
		if err := g.deleteRemote(ctx, store, shared.CollectionUsers, id); err != nil {
			return err
		}
		g.dropSession(ctx, id)
		return nil
	}

	next, found := without(g.cache.Users(ctx), userID, id)
	if !found {
		return shared.ErrUserNotFound
	}
	if err := g.cache.PutUsers(ctx, next); err != nil {
		return cacheFailure("user", op, err)
	}
	g.dropSession(ctx, id)
	g.broadcast(op)
	return nil
}

// changesPrivileges - запись меняет роль, одобрение или членство в комитете.
func changesPrivileges(before, after user.User) bool {
	return before.Role != after.Role ||
		before.IsApproved.Bool() != after.IsApproved.Bool() ||
		before.IsCommittee.Bool() != after.IsCommittee.Bool()
}

// refreshSession перезаписывает сессию, если изменён её пользователь.
func (g *Gateway) refreshSession(ctx context.Context, u user.User) {
	current := g.cache.Session(ctx)
	if current == nil || current.ID != u.ID {
		return
	}
	redacted := u.Redacted()
	if err := g.cache.SetSession(ctx, &redacted); err != nil {
		g.logger.Warn("failed to refresh session", logger.Err(err))
	}
}

// dropSession завершает сессию удалённого пользователя.
func (g *Gateway) dropSession(ctx context.Context, id string) {
	current := g.cache.Session(ctx)
	if current == nil || current.ID != id {
		return
	}
	if err := g.cache.SetSession(ctx, nil); err != nil {
		g.logger.Warn("failed to clear session of deleted user", logger.Err(err))
	}
}
