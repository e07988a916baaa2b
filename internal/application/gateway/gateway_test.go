package gateway

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/ryzugai/wbl-sub000/internal/application/authz"
	"github.com/ryzugai/wbl-sub000/internal/application/syncengine"
	"github.com/ryzugai/wbl-sub000/internal/domain/user"
	"github.com/ryzugai/wbl-sub000/internal/infrastructure/localcache"
	"github.com/ryzugai/wbl-sub000/internal/infrastructure/messaging"
	"github.com/ryzugai/wbl-sub000/internal/infrastructure/remote"
	"github.com/ryzugai/wbl-sub000/pkg/circuitbreaker"
	"github.com/ryzugai/wbl-sub000/pkg/logger"
	"github.com/ryzugai/wbl-sub000/pkg/password"
	"github.com/ryzugai/wbl-sub000/pkg/retry"
)

func init() {
	password.Cost = bcrypt.MinCost
}

var fixedNow = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

type harness struct {
	ctx        context.Context
	cache      *localcache.Cache
	bus        *messaging.Bus
	store      remote.Store
	engine     *syncengine.Engine
	gw         *Gateway
	broadcasts atomic.Int64
}

type harnessOption func(*harnessSettings)

type harnessSettings struct {
	store     remote.Store
	batchSize int
	breaker   *circuitbreaker.CircuitBreaker
}

func withRemote(store remote.Store) harnessOption {
	return func(s *harnessSettings) { s.store = store }
}

func withBatchSize(n int) harnessOption {
	return func(s *harnessSettings) { s.batchSize = n }
}

func withBreaker(cb *circuitbreaker.CircuitBreaker) harnessOption {
	return func(s *harnessSettings) { s.breaker = cb }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	var settings harnessSettings
	for _, opt := range opts {
		opt(&settings)
	}

	h := &harness{ctx: context.Background()}
	h.cache = localcache.New(localcache.NewMemoryBackend(), localcache.WithLogger(logger.Discard()))
	h.bus = messaging.NewBus(messaging.Config{Logger: logger.Discard()})
	h.store = settings.store
	h.engine = syncengine.New(syncengine.Config{
		Store:  settings.store,
		Cache:  h.cache,
		Bus:    h.bus,
		Logger: logger.Discard(),
	})

	var seq atomic.Int64
	h.gw = New(Config{
		Cache:  h.cache,
		Authz:  authz.NewResolver(h.cache),
		Remote: h.engine,
		Bus:    h.bus,
		NewID: func() string {
			return fmt.Sprintf("id-%04d", seq.Add(1))
		},
		Now: func() time.Time { return fixedNow },
		Retrier: retry.New(
			retry.WithMaxAttempts(2),
			retry.WithInitialDelay(0),
			retry.WithRetryIf(remote.IsTransient),
		),
		Breaker:   settings.breaker,
		BatchSize: settings.batchSize,
		Logger:    logger.Discard(),
	})

	require.NoError(t, h.engine.Start(h.ctx))
	t.Cleanup(h.engine.Stop)

	h.bus.Subscribe(func() { h.broadcasts.Add(1) })
	return h
}

func (h *harness) loginAs(t *testing.T, u user.User) {
	t.Helper()
	require.NoError(t, h.cache.SetSession(h.ctx, &u))
}

func (h *harness) logout(t *testing.T) {
	t.Helper()
	require.NoError(t, h.cache.SetSession(h.ctx, nil))
}

func (h *harness) resetBroadcasts() {
	h.broadcasts.Store(0)
}

var (
	coordinator = user.User{ID: "coord-1", Username: "coord", Name: "Dr. Aminah", Role: user.RoleCoordinator, IsApproved: true}
	student     = user.User{ID: "stud-1", Username: "ali", Name: "Ali Hassan", Role: user.RoleStudent, IsApproved: true}
)

// seedUsers stores users directly in the cache.
func (h *harness) seedUsers(t *testing.T, users ...user.User) {
	t.Helper()
	require.NoError(t, h.cache.PutUsers(h.ctx, users))
}
