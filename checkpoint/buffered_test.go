package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func newTestBuffered(t *testing.T, withCache, withSlow bool) (*Buffered, *miniredis.Miniredis) {
	t.Helper()
	var (
		cache *RedisCache
		mr    *miniredis.Miniredis
		slow  *SQLStore
	)
	if withCache {
		cache, mr = newTestCache(t, 0)
	}
	if withSlow {
		slow = newTestSQLStore(t)
	}
	return NewBuffered(NewMemory(), cache, slow, nil), mr
}

// TestBuffered_PutAssignsSequence verifies monotonic ordinals and id
// assignment.
func TestBuffered_PutAssignsSequence(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBuffered(t, false, false)

	first := &Checkpoint{ThreadID: "t1", State: map[string]any{"a": 1}}
	second := &Checkpoint{ThreadID: "t1", State: map[string]any{"a": 2}}
	if err := b.Put(ctx, first); err != nil {
		t.Fatal(err)
	}
	if err := b.Put(ctx, second); err != nil {
		t.Fatal(err)
	}

	if first.WriteSeq != 1 || second.WriteSeq != 2 {
		t.Errorf("expected ordinals 1,2, got %d,%d", first.WriteSeq, second.WriteSeq)
	}
	if first.ID == "" || first.CreatedAt.IsZero() {
		t.Error("expected id and timestamp to be assigned")
	}
}

// TestBuffered_SequenceContinuesAfterRestart verifies ordinals keep
// rising when the thread resumes from the relational store.
func TestBuffered_SequenceContinuesAfterRestart(t *testing.T) {
	ctx := context.Background()
	slow := newTestSQLStore(t)
	if err := slow.SaveBatch(ctx, batch("t1")); err != nil {
		t.Fatal(err)
	}

	b := NewBuffered(NewMemory(), nil, slow, nil)
	cp := &Checkpoint{ThreadID: "t1", State: map[string]any{}}
	if err := b.Put(ctx, cp); err != nil {
		t.Fatal(err)
	}
	if cp.WriteSeq != 3 {
		t.Errorf("expected seq to continue at 3, got %d", cp.WriteSeq)
	}
}

// TestBuffered_SanitizesBeforeCache verifies the cached payload always
// parses as strict JSON even when the state carries NaN or infinity.
func TestBuffered_SanitizesBeforeCache(t *testing.T) {
	ctx := context.Background()
	b, mr := newTestBuffered(t, true, false)

	cp := &Checkpoint{
		ThreadID: "t1",
		State: map[string]any{
			"ratio":  math.NaN(),
			"bounds": []any{math.Inf(1), 2.0},
			"nested": map[string]any{"neg": math.Inf(-1)},
		},
		Writes: []Write{{Key: "ratio", Value: math.NaN()}},
	}
	if err := b.Put(ctx, cp); err != nil {
		t.Fatalf("put: %v", err)
	}

	entries, err := mr.List(redisKey("t1"))
	if err != nil {
		t.Fatalf("read cached list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 cached entry, got %d", len(entries))
	}
	payload := entries[0]
	if !json.Valid([]byte(payload)) {
		t.Fatal("cached payload is not strict JSON")
	}
	for _, token := range []string{"NaN", "Inf"} {
		if strings.Contains(payload, token) {
			t.Errorf("cached payload contains %s token", token)
		}
	}

	var decoded Checkpoint
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		t.Fatalf("decode cached payload: %v", err)
	}
	if decoded.State["ratio"] != nil {
		t.Errorf("expected NaN to become null, got %v", decoded.State["ratio"])
	}
}

// TestBuffered_LatestFallsBackToSlow verifies resume-after-restart
// reads.
func TestBuffered_LatestFallsBackToSlow(t *testing.T) {
	ctx := context.Background()
	slow := newTestSQLStore(t)
	if err := slow.SaveBatch(ctx, batch("t1")); err != nil {
		t.Fatal(err)
	}
	b := NewBuffered(NewMemory(), nil, slow, nil)

	cp, err := b.Latest(ctx, "t1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if cp == nil || cp.ID != "cp-2" {
		t.Fatalf("expected cp-2 from slow tier, got %+v", cp)
	}
}

// TestBuffered_FlushThread verifies the terminal flush drains the
// buffer, persists in order, and purges both volatile tiers.
func TestBuffered_FlushThread(t *testing.T) {
	ctx := context.Background()
	b, mr := newTestBuffered(t, true, true)

	for i := 0; i < 3; i++ {
		if err := b.Put(ctx, &Checkpoint{ThreadID: "t1", State: map[string]any{"i": i}}); err != nil {
			t.Fatal(err)
		}
	}

	if err := b.FlushThread(ctx, "t1"); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if b.fast.Len("t1") != 0 {
		t.Error("expected fast tier purge after flush")
	}
	if mr.Exists(redisKey("t1")) {
		t.Error("expected cache entry to be cleared after flush")
	}

	list, err := b.Slow().List(ctx, "t1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 persisted checkpoints, got %d", len(list))
	}
	if list[0].WriteSeq != 3 || list[2].WriteSeq != 1 {
		t.Errorf("expected write order preserved, got seqs %d..%d", list[2].WriteSeq, list[0].WriteSeq)
	}

	// Latest now serves from the slow tier.
	cp, err := b.Latest(ctx, "t1")
	if err != nil || cp == nil {
		t.Fatalf("latest after flush: %v", err)
	}
	if cp.WriteSeq != 3 {
		t.Errorf("expected latest seq 3, got %d", cp.WriteSeq)
	}
}

// TestBuffered_FlushFailureKeepsCache verifies a failed flush reports a
// soft FlushError and leaves the cache copy for the next attempt.
func TestBuffered_FlushFailureKeepsCache(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestCache(t, 0)
	slow := newTestSQLStore(t)
	b := NewBuffered(NewMemory(), cache, slow, nil)

	if err := b.Put(ctx, &Checkpoint{ThreadID: "t1", State: map[string]any{"a": 1}}); err != nil {
		t.Fatal(err)
	}

	// Closing the relational pool makes the batch insert fail.
	_ = slow.DB().Close()

	err := b.FlushThread(ctx, "t1")
	var flushErr *FlushError
	if !errors.As(err, &flushErr) {
		t.Fatalf("expected FlushError, got %v", err)
	}
	if flushErr.Critical {
		t.Error("expected a soft failure, got critical")
	}
	if !mr.Exists(redisKey("t1")) {
		t.Error("expected cache copy to be retained after failed flush")
	}
}

// TestBuffered_RecoverAll verifies startup recovery drains the cache
// tier into the relational store.
func TestBuffered_RecoverAll(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestCache(t, 0)
	slow := newTestSQLStore(t)

	// A previous process buffered checkpoints for two threads and died
	// before the terminal flush.
	writer := NewBuffered(NewMemory(), cache, nil, nil)
	_ = writer.Put(ctx, &Checkpoint{ThreadID: "t1", State: map[string]any{"a": 1}})
	_ = writer.Put(ctx, &Checkpoint{ThreadID: "t1", State: map[string]any{"a": 2}})
	_ = writer.Put(ctx, &Checkpoint{ThreadID: "t2", State: map[string]any{"b": 1}})

	restarted := NewBuffered(NewMemory(), cache, slow, nil)
	recovered, err := restarted.RecoverAll(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered != 2 {
		t.Errorf("expected 2 threads recovered, got %d", recovered)
	}

	list, err := slow.List(ctx, "t1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Errorf("expected 2 checkpoints for t1, got %d", len(list))
	}
	if mr.Exists(redisKey("t1")) || mr.Exists(redisKey("t2")) {
		t.Error("expected cache entries to be cleared after recovery")
	}
}
