package chat

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// HistoryCache remembers which peers already had their history fetched during the current
// identity session.
type HistoryCache interface {
	// ShouldLoad reports true exactly once per peer until Reset, marking the peer as loaded.
	ShouldLoad(ctx context.Context, peerID string) bool
	MarkLoaded(ctx context.Context, peerID string)
	// Forget clears a single peer so that a failed fetch can be retried.
	Forget(ctx context.Context, peerID string)
	Reset(ctx context.Context)
}

type memoryHistoryCache struct {
	mu     sync.Mutex
	loaded map[string]struct{}
}

// NewMemoryHistoryCache returns a process-local history cache.
func NewMemoryHistoryCache() HistoryCache {
	return &memoryHistoryCache{loaded: make(map[string]struct{})}
}

func (c *memoryHistoryCache) ShouldLoad(_ context.Context, peerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.loaded[peerID]; ok {
		return false
	}
	c.loaded[peerID] = struct{}{}
	return true
}

func (c *memoryHistoryCache) MarkLoaded(_ context.Context, peerID string) {
	c.mu.Lock()
	c.loaded[peerID] = struct{}{}
	c.mu.Unlock()
}

func (c *memoryHistoryCache) Forget(_ context.Context, peerID string) {
	c.mu.Lock()
	delete(c.loaded, peerID)
	c.mu.Unlock()
}

func (c *memoryHistoryCache) Reset(context.Context) {
	c.mu.Lock()
	c.loaded = make(map[string]struct{})
	c.mu.Unlock()
}

type redisHistoryCache struct {
	client *redis.Client
	key    string
	logger zerolog.Logger
}

// NewRedisHistoryCache stores loaded markers in a Redis set so that several UI processes on the
// same host can share them. The set is namespaced by prefix and a per-instance session id.
func NewRedisHistoryCache(client *redis.Client, prefix string, logger zerolog.Logger) HistoryCache {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "chatsync:history"
	}

	return &redisHistoryCache{
		client: client,
		key:    prefix + ":" + uuid.NewString(),
		logger: logger.With().Str("component", "history_cache").Logger(),
	}
}

func (c *redisHistoryCache) ShouldLoad(ctx context.Context, peerID string) bool {
	added, err := c.client.SAdd(ctx, c.key, peerID).Result()
	if err != nil {
		// A redundant fetch is harmless, merge is idempotent.
		c.logger.Warn().Err(err).Str("peer_id", peerID).Msg("history cache unavailable, allowing fetch")
		return true
	}
	return added == 1
}

func (c *redisHistoryCache) MarkLoaded(ctx context.Context, peerID string) {
	if err := c.client.SAdd(ctx, c.key, peerID).Err(); err != nil {
		c.logger.Warn().Err(err).Str("peer_id", peerID).Msg("failed to mark history loaded")
	}
}

func (c *redisHistoryCache) Forget(ctx context.Context, peerID string) {
	if err := c.client.SRem(ctx, c.key, peerID).Err(); err != nil {
		c.logger.Warn().Err(err).Str("peer_id", peerID).Msg("failed to forget history marker")
	}
}

func (c *redisHistoryCache) Reset(ctx context.Context) {
	if err := c.client.Del(ctx, c.key).Err(); err != nil {
		c.logger.Warn().Err(err).Msg("failed to reset history cache")
	}
}
