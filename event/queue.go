package event

import (
	"context"
	"sync"
)

// Queue buffers log lines and UI events per thread until the terminal
// flush. Implementations preserve append order.
type Queue interface {
	AppendLog(ctx context.Context, line LogLine) error
	AppendUI(ctx context.Context, ev UIEvent) error

	// Logs returns the thread's queued log lines in append order.
	Logs(ctx context.Context, threadID string) ([]LogLine, error)

	// UIEvents returns the thread's queued UI events in append order.
	UIEvents(ctx context.Context, threadID string) ([]UIEvent, error)

	// Threads enumerates every thread with queued entries. Used by the
	// startup drain.
	Threads(ctx context.Context) ([]string, error)

	// Clear drops the thread's queued entries after a successful flush.
	Clear(ctx context.Context, threadID string) error
}

// MemoryQueue is the in-process queue. The default when no Redis is
// configured; a crash loses whatever was not yet flushed.
type MemoryQueue struct {
	mu   sync.RWMutex
	logs map[string][]LogLine
	uis  map[string][]UIEvent
}

var _ Queue = (*MemoryQueue)(nil)

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		logs: make(map[string][]LogLine),
		uis:  make(map[string][]UIEvent),
	}
}

func (q *MemoryQueue) AppendLog(_ context.Context, line LogLine) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.logs[line.ThreadID] = append(q.logs[line.ThreadID], line)
	return nil
}

func (q *MemoryQueue) AppendUI(_ context.Context, ev UIEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.uis[ev.ThreadID] = append(q.uis[ev.ThreadID], ev)
	return nil
}

func (q *MemoryQueue) Logs(_ context.Context, threadID string) ([]LogLine, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	lines := make([]LogLine, len(q.logs[threadID]))
	copy(lines, q.logs[threadID])
	return lines, nil
}

func (q *MemoryQueue) UIEvents(_ context.Context, threadID string) ([]UIEvent, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	evs := make([]UIEvent, len(q.uis[threadID]))
	copy(evs, q.uis[threadID])
	return evs, nil
}

func (q *MemoryQueue) Threads(_ context.Context) ([]string, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	seen := make(map[string]struct{}, len(q.logs)+len(q.uis))
	var threads []string
	for threadID := range q.logs {
		if _, ok := seen[threadID]; !ok {
			seen[threadID] = struct{}{}
			threads = append(threads, threadID)
		}
	}
	for threadID := range q.uis {
		if _, ok := seen[threadID]; !ok {
			seen[threadID] = struct{}{}
			threads = append(threads, threadID)
		}
	}
	return threads, nil
}

func (q *MemoryQueue) Clear(_ context.Context, threadID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.logs, threadID)
	delete(q.uis, threadID)
	return nil
}
