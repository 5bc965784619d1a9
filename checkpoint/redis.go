package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisKeyPrefix namespaces cache-tier keys. One Redis list per thread,
// entries in write order.
const redisKeyPrefix = "skillflow:ckpt:"

// RedisCache is the cache tier: a crash-safe copy of each thread's
// buffered checkpoints with a sliding TTL. It is write-mostly; reads
// happen only during startup recovery.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache wraps a connected client. ttl <= 0 selects
// DefaultCacheTTL.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

func redisKey(threadID string) string { return redisKeyPrefix + threadID }

// Append pushes a checkpoint onto the thread's list and extends the
// TTL. The payload has already been sanitized by the buffered store.
func (c *RedisCache) Append(ctx context.Context, cp *Checkpoint) error {
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", cp.ID, err)
	}
	key := redisKey(cp.ThreadID)
	_, err = c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, payload)
		pipe.Expire(ctx, key, c.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache checkpoint %s: %w", cp.ID, err)
	}
	return nil
}

// Load returns the thread's cached checkpoints in write order.
func (c *RedisCache) Load(ctx context.Context, threadID string) ([]*Checkpoint, error) {
	entries, err := c.client.LRange(ctx, redisKey(threadID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load cached checkpoints for %s: %w", threadID, err)
	}
	cps := make([]*Checkpoint, 0, len(entries))
	for _, entry := range entries {
		var cp Checkpoint
		if err := json.Unmarshal([]byte(entry), &cp); err != nil {
			return nil, fmt.Errorf("decode cached checkpoint for %s: %w", threadID, err)
		}
		cps = append(cps, &cp)
	}
	return cps, nil
}

// Clear removes the thread's cache entry after a successful flush.
func (c *RedisCache) Clear(ctx context.Context, threadID string) error {
	if err := c.client.Del(ctx, redisKey(threadID)).Err(); err != nil {
		return fmt.Errorf("clear cached checkpoints for %s: %w", threadID, err)
	}
	return nil
}

// Threads enumerates every thread with cached checkpoints. Used by
// startup recovery.
func (c *RedisCache) Threads(ctx context.Context) ([]string, error) {
	var (
		threads []string
		cursor  uint64
	)
	for {
		keys, next, err := c.client.Scan(ctx, cursor, redisKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan cached checkpoint keys: %w", err)
		}
		for _, key := range keys {
			threads = append(threads, strings.TrimPrefix(key, redisKeyPrefix))
		}
		cursor = next
		if cursor == 0 {
			return threads, nil
		}
	}
}
