package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryzugai/wbl-sub000/internal/domain/adconfig"
	"github.com/ryzugai/wbl-sub000/internal/domain/shared"
	"github.com/ryzugai/wbl-sub000/internal/domain/user"
	"github.com/ryzugai/wbl-sub000/internal/infrastructure/localcache"
	"github.com/ryzugai/wbl-sub000/internal/infrastructure/messaging"
	"github.com/ryzugai/wbl-sub000/internal/infrastructure/remote"
	"github.com/ryzugai/wbl-sub000/pkg/logger"
)

type fixture struct {
	ctx        context.Context
	store      *remote.MemoryStore
	cache      *localcache.Cache
	engine     *Engine
	broadcasts int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		ctx:   context.Background(),
		store: remote.NewMemoryStore(),
		cache: localcache.New(localcache.NewMemoryBackend(), localcache.WithLogger(logger.Discard())),
	}
	bus := messaging.NewBus(messaging.Config{Logger: logger.Discard()})
	bus.Subscribe(func() { f.broadcasts++ })

	f.engine = New(Config{Store: f.store, Cache: f.cache, Bus: bus, Logger: logger.Discard()})
	t.Cleanup(f.engine.Stop)
	return f
}

func (f *fixture) set(t *testing.T, collection shared.Collection, id string, doc remote.Document) {
	t.Helper()
	require.NoError(t, f.store.Set(f.ctx, collection, id, doc, remote.Replace))
}

func TestEngine_LocalModeWithoutStore(t *testing.T) {
	e := New(Config{Logger: logger.Discard()})

	assert.False(t, e.RemoteEnabled())
	assert.Nil(t, e.Store())
	assert.NoError(t, e.Start(context.Background()))
	assert.Empty(t, e.ActiveCollections())
}

func TestEngine_StartDeliversInitialSnapshots(t *testing.T) {
	f := newFixture(t)
	f.set(t, shared.CollectionUsers, "u1", remote.Document{"username": "ali", "name": "Ali", "role": "student", "is_approved": "yes"})

	require.NoError(t, f.engine.Start(f.ctx))

	assert.True(t, f.engine.RemoteEnabled())
	assert.Equal(t, shared.Collections, f.engine.ActiveCollections())
	assert.Equal(t, len(shared.Collections), f.broadcasts, "one broadcast per initial snapshot")

	users := f.cache.Users(f.ctx)
	require.Len(t, users, 1)
	assert.Equal(t, "u1", users[0].ID)
	assert.True(t, users[0].IsApproved.Bool(), "loose booleans are normalized")
}

func TestEngine_RemoteChangeReplacesCollection(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.cache.PutUsers(f.ctx, []user.User{{ID: "stale", Username: "old", Name: "Old", Role: user.RoleStudent}}))
	require.NoError(t, f.engine.Start(f.ctx))
	f.broadcasts = 0

	f.set(t, shared.CollectionCompanies, "c1", remote.Document{"name": "Acme Sdn Bhd", "is_approved": 1})
	f.set(t, shared.CollectionCompanies, "c2", remote.Document{"name": "Beta", "is_approved": "false"})

	companies := f.cache.Companies(f.ctx)
	require.Len(t, companies, 2)
	assert.Equal(t, "c1", companies[0].ID)
	assert.True(t, companies[0].IsApproved.Bool())
	assert.False(t, companies[1].IsApproved.Bool())
	assert.Equal(t, 2, f.broadcasts)

	assert.Empty(t, f.cache.Users(f.ctx), "initial empty snapshot replaced stale local users")
}

func TestEngine_SkipsUndecodableDocuments(t *testing.T) {
	f := newFixture(t)
	f.set(t, shared.CollectionUsers, "ok", remote.Document{"username": "ok", "name": "OK", "role": "student"})
	f.set(t, shared.CollectionUsers, "bad", remote.Document{"username": 42, "name": "Bad", "role": "student"})

	require.NoError(t, f.engine.Start(f.ctx))

	users := f.cache.Users(f.ctx)
	require.Len(t, users, 1)
	assert.Equal(t, "ok", users[0].ID)
}

func TestEngine_AdConfigSnapshot(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.Start(f.ctx))

	assert.Equal(t, adconfig.Empty(), f.cache.AdConfig(f.ctx))

	f.set(t, shared.CollectionAdConfig, "legacy", remote.Document{"items": []any{}, "enabled": false})
	f.set(t, shared.CollectionAdConfig, adconfig.DocumentID, remote.Document{
		"items":   []any{map[string]any{"id": "a1", "image_url": "https://cdn/a.png"}},
		"enabled": "true",
	})

	cfg := f.cache.AdConfig(f.ctx)
	require.Len(t, cfg.Items, 1)
	assert.Equal(t, "a1", cfg.Items[0].ID)
	assert.True(t, cfg.Enabled.Bool())
}

func TestEngine_RestartCancelsPreviousSubscriptions(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.Start(f.ctx))
	require.NoError(t, f.engine.Start(f.ctx))
	f.broadcasts = 0

	f.set(t, shared.CollectionApplications, "a1", remote.Document{"student_name": "Ali", "company_name": "Acme"})

	assert.Equal(t, 1, f.broadcasts, "no duplicate delivery after restart")
	assert.Len(t, f.cache.Applications(f.ctx), 1)
}

func TestEngine_StopKeepsLastSnapshot(t *testing.T) {
	f := newFixture(t)
	f.set(t, shared.CollectionCompanies, "c1", remote.Document{"name": "Acme"})
	require.NoError(t, f.engine.Start(f.ctx))

	f.engine.Stop()
	f.broadcasts = 0
	f.set(t, shared.CollectionCompanies, "c2", remote.Document{"name": "Beta"})

	assert.Zero(t, f.broadcasts)
	assert.Len(t, f.cache.Companies(f.ctx), 1)
	assert.Empty(t, f.engine.ActiveCollections())
}

func TestEngine_SubscriptionErrorStopsOnlyThatCollection(t *testing.T) {
	f := newFixture(t)
	f.set(t, shared.CollectionCompanies, "c1", remote.Document{"name": "Acme"})
	require.NoError(t, f.engine.Start(f.ctx))

	f.store.Break(shared.CollectionCompanies, errors.New("listener connection lost"))
	assert.NotContains(t, f.engine.ActiveCollections(), shared.CollectionCompanies)
	assert.Contains(t, f.engine.ActiveCollections(), shared.CollectionUsers)

	f.set(t, shared.CollectionCompanies, "c2", remote.Document{"name": "Beta"})
	assert.Len(t, f.cache.Companies(f.ctx), 1, "last good snapshot stays")

	f.set(t, shared.CollectionUsers, "u1", remote.Document{"username": "ali", "name": "Ali", "role": "student"})
	assert.Len(t, f.cache.Users(f.ctx), 1)

	require.NoError(t, f.engine.Start(f.ctx))
	assert.Len(t, f.cache.Companies(f.ctx), 2, "reinitialization resumes the collection")
}

func TestEngine_WatchFailure(t *testing.T) {
	f := newFixture(t)
	f.store.FailNext(remote.OpWatch, remote.ErrUnavailable)

	err := f.engine.Start(f.ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, remote.ErrUnavailable)
	assert.Len(t, f.engine.ActiveCollections(), len(shared.Collections)-1)
}

func TestEngine_Resubscribe(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.Start(f.ctx))

	restarted, err := f.engine.Resubscribe(f.ctx)
	require.NoError(t, err)
	assert.False(t, restarted, "all subscriptions alive")

	f.store.Break(shared.CollectionUsers, errors.New("listener connection lost"))
	f.set(t, shared.CollectionUsers, "u1", remote.Document{"username": "ali", "name": "Ali", "role": "student"})
	assert.Empty(t, f.cache.Users(f.ctx))

	restarted, err = f.engine.Resubscribe(f.ctx)
	require.NoError(t, err)
	assert.True(t, restarted)
	assert.Len(t, f.engine.ActiveCollections(), len(shared.Collections))
	assert.Len(t, f.cache.Users(f.ctx), 1)
}

func TestEngine_ResubscribeLocalMode(t *testing.T) {
	e := New(Config{Logger: logger.Discard()})
	restarted, err := e.Resubscribe(context.Background())
	assert.NoError(t, err)
	assert.False(t, restarted)
}

func TestEngine_HoldCoalescesBroadcasts(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.Start(f.ctx))
	f.broadcasts = 0

	release := f.engine.Hold(shared.CollectionCompanies)
	f.set(t, shared.CollectionCompanies, "c1", remote.Document{"name": "A"})
	f.set(t, shared.CollectionCompanies, "c2", remote.Document{"name": "B"})
	f.set(t, shared.CollectionCompanies, "c3", remote.Document{"name": "C"})

	assert.Zero(t, f.broadcasts, "held snapshots still reach the cache without broadcasting")
	assert.Len(t, f.cache.Companies(f.ctx), 3)

	f.set(t, shared.CollectionUsers, "u1", remote.Document{"username": "ali"})
	assert.Equal(t, 1, f.broadcasts, "other collections are not held")

	release()
	assert.Equal(t, 2, f.broadcasts)
	release()
	assert.Equal(t, 2, f.broadcasts, "release is idempotent")

	f.set(t, shared.CollectionCompanies, "c4", remote.Document{"name": "D"})
	assert.Equal(t, 3, f.broadcasts)
}

func TestEngine_HoldWithoutSnapshotsIsSilent(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.Start(f.ctx))
	f.broadcasts = 0

	outer := f.engine.Hold(shared.CollectionCompanies)
	inner := f.engine.Hold(shared.CollectionCompanies)
	f.set(t, shared.CollectionCompanies, "c1", remote.Document{"name": "A"})
	inner()
	assert.Zero(t, f.broadcasts, "still held by the outer caller")
	outer()
	assert.Equal(t, 1, f.broadcasts)

	f.engine.Hold(shared.CollectionUsers)()
	assert.Equal(t, 1, f.broadcasts)
}

func TestPickAdConfig(t *testing.T) {
	cfg, err := pickAdConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, adconfig.Empty(), cfg)

	cfg, err = pickAdConfig([]json.RawMessage{json.RawMessage(`{"id":"x","enabled":true}`)})
	require.NoError(t, err)
	assert.True(t, cfg.Enabled.Bool())
	assert.NotNil(t, cfg.Items)

	_, err = pickAdConfig([]json.RawMessage{json.RawMessage(`{"items":"nope"}`)})
	assert.Error(t, err)
}
