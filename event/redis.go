package event

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Redis key prefixes. One list per thread per channel, entries in
// append order; keys persist until the terminal flush or the startup
// drain clears them.
const (
	redisLogPrefix = "skillflow:logs:"
	redisUIPrefix  = "skillflow:ui:"
)

// RedisQueue buffers events in Redis lists so queued entries survive a
// process crash until the startup drain.
type RedisQueue struct {
	client *redis.Client
}

var _ Queue = (*RedisQueue)(nil)

func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

func (q *RedisQueue) AppendLog(ctx context.Context, line LogLine) error {
	payload, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("encode log line: %w", err)
	}
	if err := q.client.RPush(ctx, redisLogPrefix+line.ThreadID, payload).Err(); err != nil {
		return fmt.Errorf("queue log line for %s: %w", line.ThreadID, err)
	}
	return nil
}

func (q *RedisQueue) AppendUI(ctx context.Context, ev UIEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode ui event %s: %w", ev.EventID, err)
	}
	if err := q.client.RPush(ctx, redisUIPrefix+ev.ThreadID, payload).Err(); err != nil {
		return fmt.Errorf("queue ui event for %s: %w", ev.ThreadID, err)
	}
	return nil
}

func (q *RedisQueue) Logs(ctx context.Context, threadID string) ([]LogLine, error) {
	entries, err := q.client.LRange(ctx, redisLogPrefix+threadID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load queued logs for %s: %w", threadID, err)
	}
	lines := make([]LogLine, 0, len(entries))
	for _, entry := range entries {
		var line LogLine
		if err := json.Unmarshal([]byte(entry), &line); err != nil {
			return nil, fmt.Errorf("decode queued log for %s: %w", threadID, err)
		}
		lines = append(lines, line)
	}
	return lines, nil
}

func (q *RedisQueue) UIEvents(ctx context.Context, threadID string) ([]UIEvent, error) {
	entries, err := q.client.LRange(ctx, redisUIPrefix+threadID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load queued ui events for %s: %w", threadID, err)
	}
	evs := make([]UIEvent, 0, len(entries))
	for _, entry := range entries {
		var ev UIEvent
		if err := json.Unmarshal([]byte(entry), &ev); err != nil {
			return nil, fmt.Errorf("decode queued ui event for %s: %w", threadID, err)
		}
		evs = append(evs, ev)
	}
	return evs, nil
}

func (q *RedisQueue) Threads(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var threads []string
	for _, prefix := range []string{redisLogPrefix, redisUIPrefix} {
		var cursor uint64
		for {
			keys, next, err := q.client.Scan(ctx, cursor, prefix+"*", 100).Result()
			if err != nil {
				return nil, fmt.Errorf("scan queued event keys: %w", err)
			}
			for _, key := range keys {
				threadID := strings.TrimPrefix(key, prefix)
				if _, ok := seen[threadID]; !ok {
					seen[threadID] = struct{}{}
					threads = append(threads, threadID)
				}
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
	}
	return threads, nil
}

func (q *RedisQueue) Clear(ctx context.Context, threadID string) error {
	if err := q.client.Del(ctx, redisLogPrefix+threadID, redisUIPrefix+threadID).Err(); err != nil {
		return fmt.Errorf("clear queued events for %s: %w", threadID, err)
	}
	return nil
}
