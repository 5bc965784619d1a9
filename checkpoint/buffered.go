package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dshills/skillflow/state"
)

// Buffered is the engine-facing checkpoint store. Writes land in the
// fast tier immediately and are mirrored to the cache tier; nothing
// touches the relational store until the run reaches a terminal status,
// when FlushThread drains the buffer in one batch. Reads prefer the
// fast tier and fall back to the relational store, which covers resume
// after a restart.
type Buffered struct {
	fast   *Memory
	cache  *RedisCache
	slow   *SQLStore
	logger *slog.Logger

	mu   sync.Mutex
	seqs map[string]int64
}

var _ Store = (*Buffered)(nil)

// NewBuffered assembles the tiers. cache and slow may each be nil: no
// cache means a crash loses unflushed checkpoints, no slow tier means
// terminal flushes simply purge the buffer.
func NewBuffered(fast *Memory, cache *RedisCache, slow *SQLStore, logger *slog.Logger) *Buffered {
	if fast == nil {
		fast = NewMemory()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Buffered{fast: fast, cache: cache, slow: slow, logger: logger, seqs: make(map[string]int64)}
}

// nextSeq hands out the thread's next write ordinal, consulting the
// slow tier once per thread so ordinals keep rising across restarts.
func (b *Buffered) nextSeq(ctx context.Context, threadID string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	seq, ok := b.seqs[threadID]
	if !ok {
		seq = b.fast.LastSeq(threadID)
		if seq == 0 && b.slow != nil {
			if persisted, err := b.slow.LastSeq(ctx, threadID); err == nil {
				seq = persisted
			}
		}
	}
	seq++
	b.seqs[threadID] = seq
	return seq
}

// Put records a checkpoint in the fast tier and mirrors it to the
// cache. The state payload is sanitized so the cached JSON always
// parses strictly. A cache failure is logged, never fatal.
func (b *Buffered) Put(ctx context.Context, cp *Checkpoint) error {
	if cp.ThreadID == "" {
		return fmt.Errorf("checkpoint requires a thread id")
	}
	if cp.ID == "" {
		cp.ID = NewID()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.WriteSeq = b.nextSeq(ctx, cp.ThreadID)
	if sanitized, ok := state.Sanitize(cp.State).(map[string]any); ok {
		cp.State = sanitized
	}
	for i := range cp.Writes {
		cp.Writes[i].Value = state.Sanitize(cp.Writes[i].Value)
	}

	if err := b.fast.Put(ctx, cp); err != nil {
		return err
	}
	if b.cache != nil {
		if err := b.cache.Append(ctx, cp); err != nil {
			b.logger.Warn("checkpoint cache write failed", "thread_id", cp.ThreadID, "error", err)
		}
	}
	return nil
}

// Latest returns the thread's newest checkpoint, reading the fast tier
// first and the relational store when the buffer is empty.
func (b *Buffered) Latest(ctx context.Context, threadID string) (*Checkpoint, error) {
	cp, err := b.fast.Latest(ctx, threadID)
	if err != nil || cp != nil {
		return cp, err
	}
	if b.slow == nil {
		return nil, nil
	}
	return b.slow.Latest(ctx, threadID)
}

// List returns checkpoints newest-first from whichever tier holds the
// thread.
func (b *Buffered) List(ctx context.Context, threadID string, limit int) ([]*Checkpoint, error) {
	if b.fast.Len(threadID) > 0 {
		return b.fast.List(ctx, threadID, limit)
	}
	if b.slow == nil {
		return nil, nil
	}
	return b.slow.List(ctx, threadID, limit)
}

// FlushError reports a failed terminal flush. Critical marks a panic
// inside the flush path; everything else is a soft failure. In both
// cases the cache tier keeps its copy for the next attempt.
type FlushError struct {
	ThreadID string
	Err      error
	Critical bool
}

func (e *FlushError) Error() string {
	severity := "soft"
	if e.Critical {
		severity = "critical"
	}
	return fmt.Sprintf("checkpoint flush for %s failed (%s): %v", e.ThreadID, severity, e.Err)
}

func (e *FlushError) Unwrap() error { return e.Err }

// FlushThread drains the thread's buffered checkpoints into the
// relational store in one batch, then purges the fast tier and clears
// the cache entry. Called when the run reaches completed, error, or
// cancelled.
func (b *Buffered) FlushThread(ctx context.Context, threadID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &FlushError{ThreadID: threadID, Err: fmt.Errorf("panic: %v", r), Critical: true}
		}
	}()

	cps := b.fast.Snapshot(threadID)
	if len(cps) == 0 && b.cache != nil {
		if cached, loadErr := b.cache.Load(ctx, threadID); loadErr == nil {
			cps = cached
		}
	}

	if b.slow != nil && len(cps) > 0 {
		if saveErr := b.slow.SaveBatch(ctx, cps); saveErr != nil {
			return &FlushError{ThreadID: threadID, Err: saveErr}
		}
	}

	b.fast.Purge(threadID)
	b.mu.Lock()
	delete(b.seqs, threadID)
	b.mu.Unlock()
	if b.cache != nil {
		if clearErr := b.cache.Clear(ctx, threadID); clearErr != nil {
			b.logger.Warn("checkpoint cache clear failed", "thread_id", threadID, "error", clearErr)
		}
	}
	return nil
}

// RecoverAll drains every thread present in the cache tier into the
// relational store. Runs once at process start; a failure on one thread
// is reported but does not block the others or startup.
func (b *Buffered) RecoverAll(ctx context.Context) (int, error) {
	if b.cache == nil || b.slow == nil {
		return 0, nil
	}
	threads, err := b.cache.Threads(ctx)
	if err != nil {
		return 0, err
	}

	recovered := 0
	var errs []error
	for _, threadID := range threads {
		cps, err := b.cache.Load(ctx, threadID)
		if err != nil {
			errs = append(errs, fmt.Errorf("thread %s: %w", threadID, err))
			continue
		}
		if err := b.slow.SaveBatch(ctx, cps); err != nil {
			errs = append(errs, fmt.Errorf("thread %s: %w", threadID, err))
			continue
		}
		if err := b.cache.Clear(ctx, threadID); err != nil {
			b.logger.Warn("checkpoint cache clear failed", "thread_id", threadID, "error", err)
		}
		recovered++
		b.logger.Info("recovered cached checkpoints", "thread_id", threadID, "checkpoints", len(cps))
	}
	return recovered, errors.Join(errs...)
}

// Slow exposes the relational tier for admin reads; nil when the store
// runs without one.
func (b *Buffered) Slow() *SQLStore { return b.slow }
