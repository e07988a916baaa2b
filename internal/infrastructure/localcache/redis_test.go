package localcache

import (
	"context"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestRedis(t *testing.T) (*RedisBackend, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	b := NewRedisBackend(client, "wbl:test:")
	t.Cleanup(func() { _ = b.Close() })
	return b, srv
}

func TestRedisBackend_RoundTrip(t *testing.T) {
	ctx := context.Background()
	b, srv := openTestRedis(t)

	require.NoError(t, b.Store(ctx, "users", []byte(`[{"id":"1"}]`)))
	require.NoError(t, b.Store(ctx, "users", []byte(`[{"id":"2"}]`)))

	got, err := b.Load(ctx, "users")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"2"}]`, string(got))

	raw, err := srv.Get("wbl:test:users")
	require.NoError(t, err, "keys carry the configured prefix")
	assert.JSONEq(t, `[{"id":"2"}]`, raw)
	assert.Zero(t, srv.TTL("wbl:test:users"), "entries never expire")

	require.NoError(t, b.Remove(ctx, "users"))
	require.NoError(t, b.Remove(ctx, "users"))
	_, err = b.Load(ctx, "users")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestRedisBackend_Miss(t *testing.T) {
	ctx := context.Background()
	b, _ := openTestRedis(t)

	_, err := b.Load(ctx, "session")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestRedisBackend_EmptyKey(t *testing.T) {
	ctx := context.Background()
	b, _ := openTestRedis(t)

	_, err := b.Load(ctx, "")
	assert.ErrorIs(t, err, ErrKeyEmpty)
	assert.ErrorIs(t, b.Store(ctx, "", []byte("x")), ErrKeyEmpty)
	assert.ErrorIs(t, b.Remove(ctx, ""), ErrKeyEmpty)
}

func TestRedisBackend_ServerDown(t *testing.T) {
	ctx := context.Background()
	b, srv := openTestRedis(t)
	srv.Close()

	_, err := b.Load(ctx, "users")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrMiss)
}

func TestOpenRedis(t *testing.T) {
	srv := miniredis.RunT(t)
	cfg := DefaultRedisConfig()
	cfg.Host = srv.Host()
	port, err := strconv.Atoi(srv.Port())
	require.NoError(t, err)
	cfg.Port = port
	cfg.MaxRetries = -1

	b, err := OpenRedis(cfg)
	require.NoError(t, err)
	defer b.Close()
	assert.Equal(t, "redis", b.Name())

	ctx := context.Background()
	require.NoError(t, b.Store(ctx, "session", []byte(`{"id":"u1"}`)))
	assert.True(t, srv.Exists(cfg.KeyPrefix+"session"))

	cfg.Port = 1
	_, err = OpenRedis(cfg)
	assert.Error(t, err)
}
