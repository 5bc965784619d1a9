package dbpool

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis client used by the checkpoint cache
// tier and the log queue.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// OpenRedis connects to Redis and verifies connectivity.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisHealth reports the Redis pool's utilization.
func RedisHealth(client *redis.Client) PoolHealth {
	stats := client.PoolStats()
	max := client.Options().PoolSize
	inUse := int(stats.TotalConns) - int(stats.IdleConns)
	if inUse < 0 {
		inUse = 0
	}
	return gradePool("redis", inUse, int(stats.IdleConns), int(stats.Timeouts), max)
}
