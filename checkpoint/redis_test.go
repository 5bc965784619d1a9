package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T, ttl time.Duration) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCache(client, ttl), mr
}

// TestRedisCache_AppendLoad verifies write-order round trips.
func TestRedisCache_AppendLoad(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestCache(t, 0)

	for i, id := range []string{"a", "b", "c"} {
		if err := cache.Append(ctx, mkcp("t1", id, int64(i+1))); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	cps, err := cache.Load(ctx, "t1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cps) != 3 || cps[0].ID != "a" || cps[2].ID != "c" {
		t.Errorf("expected write order a,b,c, got %v", ids(cps))
	}
	if cps[1].WriteSeq != 2 {
		t.Errorf("expected seq to survive the round trip, got %d", cps[1].WriteSeq)
	}
}

// TestRedisCache_SlidingTTL verifies every append extends the expiry.
func TestRedisCache_SlidingTTL(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestCache(t, time.Minute)

	if err := cache.Append(ctx, mkcp("t1", "a", 1)); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(50 * time.Second)
	if err := cache.Append(ctx, mkcp("t1", "b", 2)); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(50 * time.Second)

	// 100s elapsed since the first write; the key survives because the
	// second write reset the clock.
	cps, err := cache.Load(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(cps) != 2 {
		t.Fatalf("expected the key to survive the sliding TTL, got %d entries", len(cps))
	}

	mr.FastForward(2 * time.Minute)
	cps, _ = cache.Load(ctx, "t1")
	if len(cps) != 0 {
		t.Errorf("expected the key to expire, got %d entries", len(cps))
	}
}

// TestRedisCache_ThreadsAndClear verifies the recovery enumeration.
func TestRedisCache_ThreadsAndClear(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestCache(t, 0)

	_ = cache.Append(ctx, mkcp("t1", "a", 1))
	_ = cache.Append(ctx, mkcp("t2", "b", 1))

	threads, err := cache.Threads(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(threads) != 2 {
		t.Fatalf("expected 2 threads, got %v", threads)
	}

	if err := cache.Clear(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	threads, _ = cache.Threads(ctx)
	if len(threads) != 1 || threads[0] != "t2" {
		t.Errorf("expected only t2 after clear, got %v", threads)
	}
}
