// Package authz отвечает на вопросы о правах текущей сессии.
// Все функции - чистые функции от записи сессии; используются только
// для проверки прав на запись.
package authz

import (
	"context"

	"github.com/ryzugai/wbl-sub000/internal/domain/shared"
	"github.com/ryzugai/wbl-sub000/internal/domain/user"
)

// SessionSource отдаёт текущую сессию или nil.
type SessionSource interface {
	Session(ctx context.Context) *user.User
}

// Resolver вычисляет права по текущей сессии.
type Resolver struct {
	sessions SessionSource
}

// NewResolver создаёт Resolver.
func NewResolver(sessions SessionSource) *Resolver {
	return &Resolver{sessions: sessions}
}

// ══════════════════════════════════════════════════════════════════════════════
// REQUEST PRINCIPAL
// ══════════════════════════════════════════════════════════════════════════════

type principalKey struct{}

// WithPrincipal привязывает вызывающего к контексту запроса. После этого
// общая сессия кеша для этого контекста не читается; nil означает
// анонимный запрос.
func WithPrincipal(ctx context.Context, u *user.User) context.Context {
	if u != nil {
		copied := *u
		u = &copied
	}
	return context.WithValue(ctx, principalKey{}, u)
}

// PrincipalFrom возвращает вызывающего, привязанного к контексту, и
// признак привязки.
func PrincipalFrom(ctx context.Context) (*user.User, bool) {
	u, bound := ctx.Value(principalKey{}).(*user.User)
	return u, bound
}

// Current возвращает вызывающего: привязанного к контексту, а если его
// нет - пользователя общей сессии.
func Current(ctx context.Context, sessions SessionSource) *user.User {
	if u, bound := PrincipalFrom(ctx); bound {
		if u == nil {
			return nil
		}
		copied := *u
		return &copied
	}
	return sessions.Session(ctx)
}

// Principal возвращает пользователя текущей сессии.
func (r *Resolver) Principal(ctx context.Context) (user.User, bool) {
	u := Current(ctx, r.sessions)
	if u == nil {
		return user.User{}, false
	}
	return *u, true
}

// IsCoordinator - в сессии координатор.
func (r *Resolver) IsCoordinator(ctx context.Context) bool {
	u, ok := r.Principal(ctx)
	return ok && u.IsCoordinator()
}

// IsCommitteeMember - в сессии член комитета.
func (r *Resolver) IsCommitteeMember(ctx context.Context) bool {
	u, ok := r.Principal(ctx)
	return ok && u.IsCommittee.Bool()
}

// HasElevatedAccess - координатор или член комитета.
func (r *Resolver) HasElevatedAccess(ctx context.Context) bool {
	u, ok := r.Principal(ctx)
	return ok && u.IsElevated()
}

// IsSelf - в сессии тот же пользователь.
func (r *Resolver) IsSelf(ctx context.Context, userID string) bool {
	u, ok := r.Principal(ctx)
	return ok && userID != "" && u.ID == userID
}

// ══════════════════════════════════════════════════════════════════════════════
// GUARDS
// ══════════════════════════════════════════════════════════════════════════════

// RequireSession возвращает ошибку, если сессии нет.
func (r *Resolver) RequireSession(ctx context.Context, op string) (user.User, error) {
	u, ok := r.Principal(ctx)
	if !ok {
		return user.User{}, shared.NewDomainError("authz", op, shared.ErrUnauthorized, "sign in required")
	}
	return u, nil
}

// RequireElevated пропускает только координатора или члена комитета.
func (r *Resolver) RequireElevated(ctx context.Context, op string) error {
	u, err := r.RequireSession(ctx, op)
	if err != nil {
		return err
	}
	if !u.IsElevated() {
		return shared.NewDomainError("authz", op, shared.ErrForbidden, "coordinator or committee access required")
	}
	return nil
}

// RequireSelfOrElevated пропускает владельца записи или повышенный доступ.
func (r *Resolver) RequireSelfOrElevated(ctx context.Context, op, userID string) error {
	u, err := r.RequireSession(ctx, op)
	if err != nil {
		return err
	}
	if u.IsElevated() || (userID != "" && u.ID == userID) {
		return nil
	}
	return shared.NewDomainError("authz", op, shared.ErrForbidden, "only the account owner or a coordinator may do this")
}
