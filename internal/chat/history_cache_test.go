package chat

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryHistoryCache(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryHistoryCache()

	assert.True(t, cache.ShouldLoad(ctx, "u2"))
	assert.False(t, cache.ShouldLoad(ctx, "u2"))
	assert.True(t, cache.ShouldLoad(ctx, "u3"))

	cache.Forget(ctx, "u2")
	assert.True(t, cache.ShouldLoad(ctx, "u2"))

	cache.MarkLoaded(ctx, "u4")
	assert.False(t, cache.ShouldLoad(ctx, "u4"))

	cache.Reset(ctx)
	assert.True(t, cache.ShouldLoad(ctx, "u2"))
	assert.True(t, cache.ShouldLoad(ctx, "u4"))
}

func TestRedisHistoryCache(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cache := NewRedisHistoryCache(client, "test:history:", zerolog.Nop())
	other := NewRedisHistoryCache(client, "test:history", zerolog.Nop())

	require.True(t, cache.ShouldLoad(ctx, "u2"))
	require.False(t, cache.ShouldLoad(ctx, "u2"))
	// Each cache instance is its own session.
	require.True(t, other.ShouldLoad(ctx, "u2"))

	cache.Forget(ctx, "u2")
	require.True(t, cache.ShouldLoad(ctx, "u2"))

	cache.MarkLoaded(ctx, "u5")
	require.False(t, cache.ShouldLoad(ctx, "u5"))

	cache.Reset(ctx)
	require.True(t, cache.ShouldLoad(ctx, "u5"))

	keys := mr.Keys()
	require.Len(t, keys, 2)
	for _, key := range keys {
		assert.Contains(t, key, "test:history:")
	}
}

func TestRedisHistoryCacheFailsOpen(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	cache := NewRedisHistoryCache(client, "", zerolog.Nop())
	require.True(t, cache.ShouldLoad(ctx, "u2"))

	mr.Close()

	assert.True(t, cache.ShouldLoad(ctx, "u2"))
	assert.True(t, cache.ShouldLoad(ctx, "u2"))
}
