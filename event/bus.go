package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Bus is the single emission point for all three channels. Emitting
// never returns an error to the caller: queue failures are logged, and
// a subscriber that cannot keep up has events dropped rather than
// blocking the run.
type Bus struct {
	queue  Queue
	sink   *SQLSink
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[chan AdminEvent]struct{}
}

// NewBus assembles the bus. queue nil selects the in-process queue;
// sink nil disables durability for logs and UI events.
func NewBus(queue Queue, sink *SQLSink, logger *slog.Logger) *Bus {
	if queue == nil {
		queue = NewMemoryQueue()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{queue: queue, sink: sink, logger: logger, subs: make(map[chan AdminEvent]struct{})}
}

// Log queues one run-scoped log line.
func (b *Bus) Log(ctx context.Context, threadID, level, text string) {
	line := LogLine{ThreadID: threadID, Text: text, Level: level, Timestamp: time.Now().UTC()}
	if err := b.queue.AppendLog(ctx, line); err != nil {
		b.logger.Warn("log line dropped", "thread_id", threadID, "error", err)
	}
}

// Info queues an info-level log line.
func (b *Bus) Info(ctx context.Context, threadID, text string) {
	b.Log(ctx, threadID, LevelInfo, text)
}

// Warning queues a warning-level log line.
func (b *Bus) Warning(ctx context.Context, threadID, text string) {
	b.Log(ctx, threadID, LevelWarning, text)
}

// Error queues an error-level log line.
func (b *Bus) Error(ctx context.Context, threadID, text string) {
	b.Log(ctx, threadID, LevelError, text)
}

// UI queues a workflow UI event, assigning its id and timestamp when
// absent, and returns the event id so the caller can parent subsequent
// events under it.
func (b *Bus) UI(ctx context.Context, ev UIEvent) string {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if err := b.queue.AppendUI(ctx, ev); err != nil {
		b.logger.Warn("ui event dropped", "thread_id", ev.ThreadID, "phase", ev.Phase, "error", err)
	}
	return ev.EventID
}

// Admin fans an event out to every live subscriber. Sends never block:
// a full subscriber buffer drops the event for that subscriber only.
func (b *Bus) Admin(ev AdminEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a live admin-event listener. The returned cancel
// removes the subscription and closes the channel; call it exactly
// once.
func (b *Bus) Subscribe(buffer int) (<-chan AdminEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan AdminEvent, buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Subscribers reports the live subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// FlushThread batch-persists the thread's queued log lines and UI
// events and clears its queues. Called when the run reaches a terminal
// status. With no sink configured the queues are simply dropped.
func (b *Bus) FlushThread(ctx context.Context, threadID string) error {
	lines, err := b.queue.Logs(ctx, threadID)
	if err != nil {
		return fmt.Errorf("drain logs for %s: %w", threadID, err)
	}
	evs, err := b.queue.UIEvents(ctx, threadID)
	if err != nil {
		return fmt.Errorf("drain ui events for %s: %w", threadID, err)
	}

	if b.sink != nil {
		if err := b.sink.SaveBatch(ctx, threadID, lines, evs); err != nil {
			return fmt.Errorf("persist events for %s: %w", threadID, err)
		}
	}
	if err := b.queue.Clear(ctx, threadID); err != nil {
		b.logger.Warn("event queue clear failed", "thread_id", threadID, "error", err)
	}
	return nil
}

// DrainStartup flushes every thread left in the queue by a previous
// process. A failure on one thread is reported but does not block the
// others or startup.
func (b *Bus) DrainStartup(ctx context.Context) (int, error) {
	threads, err := b.queue.Threads(ctx)
	if err != nil {
		return 0, fmt.Errorf("enumerate queued threads: %w", err)
	}

	drained := 0
	var errs []error
	for _, threadID := range threads {
		if err := b.FlushThread(ctx, threadID); err != nil {
			errs = append(errs, err)
			continue
		}
		drained++
		b.logger.Info("drained residual events", "thread_id", threadID)
	}
	return drained, errors.Join(errs...)
}

// Sink exposes the durable store for admin reads; nil when the bus runs
// without one.
func (b *Bus) Sink() *SQLSink { return b.sink }
