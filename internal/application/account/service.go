// Package account управляет сессией: вход, выход и самостоятельная
// регистрация.
package account

import (
	"context"
	"log/slog"

	"github.com/ryzugai/wbl-sub000/internal/application/authz"
	"github.com/ryzugai/wbl-sub000/internal/domain/shared"
	"github.com/ryzugai/wbl-sub000/internal/domain/user"
	"github.com/ryzugai/wbl-sub000/internal/infrastructure/localcache"
	"github.com/ryzugai/wbl-sub000/pkg/logger"
	"github.com/ryzugai/wbl-sub000/pkg/password"
)

// Users - операции шлюза над учётными записями.
type Users interface {
	CreateUser(ctx context.Context, u user.User) (user.User, error)
	UpdateUser(ctx context.Context, u user.User) (user.User, error)
}

// Broadcaster оповещает наблюдателей об изменении.
type Broadcaster interface {
	Broadcast() error
}

// Config - зависимости сервиса.
type Config struct {
	Cache  *localcache.Cache
	Users  Users
	Bus    Broadcaster
	Logger *slog.Logger
}

// Service выполняет вход, выход и регистрацию.
type Service struct {
	cache  *localcache.Cache
	users  Users
	bus    Broadcaster
	logger *slog.Logger
}

// New создаёт сервис.
func New(cfg Config) *Service {
	return &Service{
		cache:  cfg.Cache,
		users:  cfg.Users,
		bus:    cfg.Bus,
		logger: logger.OrDefault(cfg.Logger).With(logger.Component("account")),
	}
}

// Login проверяет логин и пароль и открывает общую сессию.
func (s *Service) Login(ctx context.Context, username, plain string) (user.User, error) {
	u, err := s.Authenticate(ctx, username, plain)
	if err != nil {
		return user.User{}, err
	}
	if err := s.cache.SetSession(ctx, &u); err != nil {
		return user.User{}, shared.WrapError("session", "Login", shared.ErrServiceUnavailable, "session cannot be stored", err)
	}
	s.broadcast("Login")
	s.logger.Info("user signed in", slog.String("username", username), slog.String("role", u.Role.String()))
	return u, nil
}

// Authenticate проверяет логин и пароль, не трогая общую сессию.
//
// Неизвестный логин и неверный пароль дают одну и ту же ошибку. Тренер или
// руководитель без одобрения координатора получает ErrAccountNotApproved,
// сессия при этом не создаётся. Пароль, хранившийся в открытом виде,
// после успешной проверки перехешируется.
func (s *Service) Authenticate(ctx context.Context, username, plain string) (user.User, error) {
	log := s.logger.With(slog.String("username", username))

	u, ok := user.FindByUsername(s.cache.Users(ctx), username)
	if !ok {
		log.Info("login rejected: unknown username")
		return user.User{}, shared.ErrBadCredentials
	}

	legacy, err := password.Verify(u.PasswordHash, plain)
	if err != nil {
		log.Info("login rejected: wrong password")
		return user.User{}, shared.ErrBadCredentials
	}
	if !u.CanLogin() {
		log.Info("login rejected: account pending approval", slog.String("role", u.Role.String()))
		return user.User{}, shared.ErrAccountNotApproved
	}

	redacted := u.Redacted()
	if legacy {
		log.Warn("account still has a plaintext password, rehashing")
		if _, err := s.users.UpdateUser(authz.WithPrincipal(ctx, &redacted), u); err != nil {
			log.Warn("failed to rehash plaintext password", logger.Err(err))
		}
	}
	return redacted, nil
}

// Logout закрывает сессию.
func (s *Service) Logout(ctx context.Context) error {
	if err := s.cache.SetSession(ctx, nil); err != nil {
		return shared.WrapError("session", "Logout", shared.ErrServiceUnavailable, "session cannot be cleared", err)
	}
	s.broadcast("Logout")
	return nil
}

// Register создаёт учётную запись от имени текущего вызывающего. Сессия не
// открывается; пароль передаётся в поле PasswordHash.
func (s *Service) Register(ctx context.Context, u user.User) (user.User, error) {
	created, err := s.users.CreateUser(ctx, u)
	if err != nil {
		return user.User{}, err
	}
	return created.Redacted(), nil
}

// CurrentUser возвращает пользователя сессии или nil. Вызывающий,
// привязанный к контексту, важнее общей сессии.
func (s *Service) CurrentUser(ctx context.Context) *user.User {
	return authz.Current(ctx, s.cache)
}

func (s *Service) broadcast(op string) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Broadcast(); err != nil {
		s.logger.Error("listener failed during broadcast", logger.Operation(op), logger.Err(err))
	}
}
