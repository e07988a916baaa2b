package localcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryzugai/wbl-sub000/internal/domain/adconfig"
	"github.com/ryzugai/wbl-sub000/internal/domain/company"
	"github.com/ryzugai/wbl-sub000/internal/domain/user"
	"github.com/ryzugai/wbl-sub000/pkg/logger"
)

func newMemoryCache() (*Cache, *MemoryBackend) {
	backend := NewMemoryBackend()
	return New(backend, WithLogger(logger.Discard())), backend
}

func TestCache_EmptyReads(t *testing.T) {
	ctx := context.Background()
	c, _ := newMemoryCache()

	assert.NotNil(t, c.Users(ctx))
	assert.Empty(t, c.Users(ctx))
	assert.Empty(t, c.Companies(ctx))
	assert.Empty(t, c.Applications(ctx))
	assert.Equal(t, adconfig.Empty(), c.AdConfig(ctx))
	assert.Nil(t, c.Session(ctx))
}

func TestCache_PutThenGetPreservesOrder(t *testing.T) {
	ctx := context.Background()
	c, _ := newMemoryCache()

	users := []user.User{
		{ID: "3", Username: "c", Role: user.RoleStudent},
		{ID: "1", Username: "a", Role: user.RoleLecturer},
		{ID: "2", Username: "b", Role: user.RoleCoordinator, IsApproved: true},
	}
	require.NoError(t, c.PutUsers(ctx, users))

	assert.Equal(t, users, c.Users(ctx))
}

func TestCache_NilSliceStoredAsEmptyArray(t *testing.T) {
	ctx := context.Background()
	c, backend := newMemoryCache()

	require.NoError(t, c.PutCompanies(ctx, nil))

	raw, err := backend.Load(ctx, "companies")
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(raw))
}

func TestCache_CorruptEntryReadsAsEmpty(t *testing.T) {
	ctx := context.Background()
	c, backend := newMemoryCache()

	require.NoError(t, backend.Store(ctx, "users", []byte(`{not json`)))
	require.NoError(t, backend.Store(ctx, "ad_config", []byte(`[1,2,3]`)))

	assert.Empty(t, c.Users(ctx))
	assert.Equal(t, adconfig.Empty(), c.AdConfig(ctx))
}

func TestCache_CorruptElementIsSkipped(t *testing.T) {
	ctx := context.Background()
	c, backend := newMemoryCache()

	require.NoError(t, backend.Store(ctx, "companies",
		[]byte(`[{"id":"a","name":"Acme"},{"id":42},{"id":"b","name":"Beta"}]`)))

	got := c.Companies(ctx)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
}

func TestCache_LooseFlagsAreNormalized(t *testing.T) {
	ctx := context.Background()
	c, backend := newMemoryCache()

	require.NoError(t, backend.Store(ctx, "companies", []byte(`[
		{"id":"1","name":"A","is_approved":"true"},
		{"id":"2","name":"B","is_approved":1},
		{"id":"3","name":"C","is_approved":"pending"},
		{"id":"4","name":"D","is_approved":null}
	]`)))

	got := c.Companies(ctx)
	require.Len(t, got, 4)
	assert.True(t, got[0].IsApproved.Bool())
	assert.True(t, got[1].IsApproved.Bool())
	assert.False(t, got[2].IsApproved.Bool())
	assert.False(t, got[3].IsApproved.Bool())
}

func TestCache_Session(t *testing.T) {
	ctx := context.Background()
	c, backend := newMemoryCache()

	u := user.User{ID: "u1", Username: "alice", Role: user.RoleStudent}
	require.NoError(t, c.SetSession(ctx, &u))

	got := c.Session(ctx)
	require.NotNil(t, got)
	assert.Equal(t, "alice", got.Username)

	require.NoError(t, c.SetSession(ctx, nil))
	assert.Nil(t, c.Session(ctx))

	require.NoError(t, backend.Store(ctx, KeySession, []byte(`garbage`)))
	assert.Nil(t, c.Session(ctx))
}

func TestCache_AdConfigRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, _ := newMemoryCache()

	cfg := adconfig.Config{
		Items:   []adconfig.Item{{ID: "x", ImageURL: "https://img/1.png"}},
		Enabled: true,
	}
	require.NoError(t, c.PutAdConfig(ctx, cfg))
	assert.Equal(t, cfg, c.AdConfig(ctx))
}

func TestCache_TimestampsSurvive(t *testing.T) {
	ctx := context.Background()
	c, _ := newMemoryCache()

	now := time.Date(2025, 3, 1, 10, 30, 0, 0, time.UTC)
	require.NoError(t, c.PutCompanies(ctx, []company.Company{{ID: "1", Name: "A", CreatedAt: now, UpdatedAt: now}}))

	got := c.Companies(ctx)
	require.Len(t, got, 1)
	assert.True(t, now.Equal(got[0].CreatedAt))
}
