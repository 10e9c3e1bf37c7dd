package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestRedisCacheGetMissingReturnsEmpty(t *testing.T) {
	c, _ := newTestCache(t)
	val, err := c.Get(context.Background(), "absent")
	require.NoError(t, err)
	require.Empty(t, val)
}

func TestRedisCacheSetExpires(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
	ttl, err := c.TTL(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, time.Minute, ttl)

	mr.FastForward(2 * time.Minute)
	val, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.Empty(t, val)
}

func TestRedisCacheSetNX(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	ok, err := c.SetNX(ctx, "lock", "a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.SetNX(ctx, "lock", "b", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.Del(ctx, "lock"))
	ok, err = c.SetNX(ctx, "lock", "c", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRedisCacheIncrAndExpire(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	n, err := c.Incr(ctx, "counter")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	n, err = c.Incr(ctx, "counter")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	require.NoError(t, c.Expire(ctx, "counter", time.Second))
	mr.FastForward(2 * time.Second)
	val, err := c.Get(ctx, "counter")
	require.NoError(t, err)
	require.Empty(t, val)
}

func TestNewRedisCacheWithConfig(t *testing.T) {
	mr := miniredis.RunT(t)

	c, err := NewRedisCacheWithConfig(&RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Ping(context.Background()))

	_, err = NewRedisCacheWithConfig(&RedisConfig{})
	require.Error(t, err)
	_, err = NewRedisCacheWithConfig(nil)
	require.Error(t, err)
}

func TestRedisConfigDefaultsKeepExplicitValues(t *testing.T) {
	cfg := RedisConfig{Addr: "redis:6379", PoolSize: 5}.withDefaults()
	require.Equal(t, 5, cfg.PoolSize)
	require.Equal(t, 3, cfg.MaxRetries)
	require.Equal(t, 4*time.Second, cfg.PoolTimeout)
}
