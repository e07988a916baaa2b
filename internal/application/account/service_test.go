package account

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/ryzugai/wbl-sub000/internal/application/authz"
	"github.com/ryzugai/wbl-sub000/internal/application/gateway"
	"github.com/ryzugai/wbl-sub000/internal/domain/shared"
	"github.com/ryzugai/wbl-sub000/internal/domain/user"
	"github.com/ryzugai/wbl-sub000/internal/infrastructure/localcache"
	"github.com/ryzugai/wbl-sub000/internal/infrastructure/messaging"
	"github.com/ryzugai/wbl-sub000/pkg/logger"
	"github.com/ryzugai/wbl-sub000/pkg/password"
)

func init() {
	password.Cost = bcrypt.MinCost
}

type fixture struct {
	ctx        context.Context
	cache      *localcache.Cache
	svc        *Service
	broadcasts int
}

func newFixture(t *testing.T, users ...user.User) *fixture {
	t.Helper()

	f := &fixture{ctx: context.Background()}
	f.cache = localcache.New(localcache.NewMemoryBackend(), localcache.WithLogger(logger.Discard()))
	bus := messaging.NewBus(messaging.Config{Logger: logger.Discard()})
	bus.Subscribe(func() { f.broadcasts++ })

	gw := gateway.New(gateway.Config{
		Cache:  f.cache,
		Authz:  authz.NewResolver(f.cache),
		Bus:    bus,
		Logger: logger.Discard(),
	})
	f.svc = New(Config{Cache: f.cache, Users: gw, Bus: bus, Logger: logger.Discard()})

	if len(users) > 0 {
		require.NoError(t, f.cache.PutUsers(f.ctx, users))
	}
	return f
}

func hashed(t *testing.T, plain string) string {
	t.Helper()
	h, err := password.Hash(plain)
	require.NoError(t, err)
	return h
}

func TestLogin_Success(t *testing.T) {
	ali := user.User{ID: "s1", Username: "ali", PasswordHash: hashed(t, "s3cret"), Name: "Ali", Role: user.RoleStudent, IsApproved: true}
	f := newFixture(t, ali)

	got, err := f.svc.Login(f.ctx, "ali", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.ID)
	assert.Empty(t, got.PasswordHash)

	session := f.svc.CurrentUser(f.ctx)
	require.NotNil(t, session)
	assert.Equal(t, "s1", session.ID)
	assert.Empty(t, session.PasswordHash)
	assert.Equal(t, 1, f.broadcasts)
}

func TestLogin_BadCredentials(t *testing.T) {
	ali := user.User{ID: "s1", Username: "ali", PasswordHash: hashed(t, "s3cret"), Name: "Ali", Role: user.RoleStudent}
	f := newFixture(t, ali)

	for _, tc := range []struct{ username, password string }{
		{"ali", "wrong"},
		{"Ali", "s3cret"},
		{"nobody", "s3cret"},
		{"ali", ""},
	} {
		_, err := f.svc.Login(f.ctx, tc.username, tc.password)
		assert.ErrorIs(t, err, shared.ErrInvalidCredentials, tc.username)
		assert.True(t, shared.IsAuthorization(err))
	}
	assert.Nil(t, f.svc.CurrentUser(f.ctx))
	assert.Zero(t, f.broadcasts)
}

func TestLogin_PendingTrainer(t *testing.T) {
	trainer := user.User{ID: "t1", Username: "tan", PasswordHash: hashed(t, "pw123"), Name: "Tan", Role: user.RoleTrainer, IsApproved: false}
	f := newFixture(t, trainer)

	_, err := f.svc.Login(f.ctx, "tan", "pw123")
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrPendingApproval)
	assert.True(t, shared.IsAuthorization(err))
	assert.Contains(t, err.Error(), "approval")

	assert.Nil(t, f.svc.CurrentUser(f.ctx), "no session for a pending account")
	assert.Zero(t, f.broadcasts)
}

func TestLogin_CoordinatorAlwaysApproved(t *testing.T) {
	coord := user.User{ID: "c1", Username: "coord", PasswordHash: hashed(t, "pw123"), Name: "Coord", Role: user.RoleCoordinator, IsApproved: false}
	f := newFixture(t, coord)

	_, err := f.svc.Login(f.ctx, "coord", "pw123")
	assert.NoError(t, err)
}

func TestLogin_LegacyPlaintextIsRehashed(t *testing.T) {
	old := user.User{ID: "s9", Username: "legacy", PasswordHash: "plain-old", Name: "Legacy", Role: user.RoleStudent, IsApproved: true}
	f := newFixture(t, old)

	_, err := f.svc.Login(f.ctx, "legacy", "plain-old")
	require.NoError(t, err)

	stored, _, ok := user.FindByID(f.cache.Users(f.ctx), "s9")
	require.True(t, ok)
	assert.True(t, password.IsHash(stored.PasswordHash))

	require.NoError(t, f.svc.Logout(f.ctx))
	_, err = f.svc.Login(f.ctx, "legacy", "plain-old")
	assert.NoError(t, err, "the new hash verifies the same password")
}

func TestLogout(t *testing.T) {
	ali := user.User{ID: "s1", Username: "ali", PasswordHash: hashed(t, "s3cret"), Name: "Ali", Role: user.RoleStudent}
	f := newFixture(t, ali)

	_, err := f.svc.Login(f.ctx, "ali", "s3cret")
	require.NoError(t, err)

	require.NoError(t, f.svc.Logout(f.ctx))
	assert.Nil(t, f.svc.CurrentUser(f.ctx))
	assert.Equal(t, 2, f.broadcasts)
}

func TestRegister_TrainerWaitsForApproval(t *testing.T) {
	coord := user.User{ID: "c1", Username: "coord", PasswordHash: hashed(t, "pw123"), Name: "Coord", Role: user.RoleCoordinator}
	f := newFixture(t, coord)

	created, err := f.svc.Register(f.ctx, user.User{
		Username: "trainer", PasswordHash: "train-pw", Name: "Tan", Role: user.RoleTrainer, Company: "Acme Sdn Bhd", IsApproved: true,
	})
	require.NoError(t, err)
	assert.False(t, created.IsApproved.Bool())
	assert.Empty(t, created.PasswordHash)
	assert.Nil(t, f.svc.CurrentUser(f.ctx), "registration does not sign in")

	_, err = f.svc.Login(f.ctx, "trainer", "train-pw")
	assert.ErrorIs(t, err, shared.ErrAccountNotApproved)
}

func TestAuthenticate_LeavesSharedSessionAlone(t *testing.T) {
	ali := user.User{ID: "s1", Username: "ali", PasswordHash: hashed(t, "s3cret"), Name: "Ali", Role: user.RoleStudent}
	f := newFixture(t, ali)

	got, err := f.svc.Authenticate(f.ctx, "ali", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.ID)
	assert.Empty(t, got.PasswordHash)
	assert.Nil(t, f.svc.CurrentUser(f.ctx))
	assert.Zero(t, f.broadcasts)

	_, err = f.svc.Authenticate(f.ctx, "ali", "wrong")
	assert.ErrorIs(t, err, shared.ErrInvalidCredentials)
}

func TestAuthenticate_RehashesLegacyPassword(t *testing.T) {
	old := user.User{ID: "s9", Username: "legacy", PasswordHash: "plain-old", Name: "Legacy", Role: user.RoleStudent, IsApproved: true}
	f := newFixture(t, old)

	_, err := f.svc.Authenticate(f.ctx, "legacy", "plain-old")
	require.NoError(t, err)

	stored, _, ok := user.FindByID(f.cache.Users(f.ctx), "s9")
	require.True(t, ok)
	assert.True(t, password.IsHash(stored.PasswordHash))
	assert.Nil(t, f.svc.CurrentUser(f.ctx))
}

func TestCurrentUser_BoundPrincipalWins(t *testing.T) {
	ali := user.User{ID: "s1", Username: "ali", PasswordHash: hashed(t, "s3cret"), Name: "Ali", Role: user.RoleStudent}
	f := newFixture(t, ali)
	_, err := f.svc.Login(f.ctx, "ali", "s3cret")
	require.NoError(t, err)

	assert.Nil(t, f.svc.CurrentUser(authz.WithPrincipal(f.ctx, nil)), "an anonymous request never sees the shared session")

	other := user.User{ID: "s2", Username: "siti", Role: user.RoleStudent}
	got := f.svc.CurrentUser(authz.WithPrincipal(f.ctx, &other))
	require.NotNil(t, got)
	assert.Equal(t, "s2", got.ID)
	assert.Equal(t, "s1", f.svc.CurrentUser(f.ctx).ID)
}
