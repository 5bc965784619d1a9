package checkpoint

import (
	"context"
	"sync"
)

// Memory is the fast tier: per-thread checkpoint slices in insertion
// order. All reads during active execution land here. Safe for
// concurrent use.
type Memory struct {
	mu      sync.RWMutex
	threads map[string][]*Checkpoint
}

// NewMemory creates an empty fast tier.
func NewMemory() *Memory {
	return &Memory{threads: make(map[string][]*Checkpoint)}
}

// Put appends a checkpoint to its thread.
func (m *Memory) Put(_ context.Context, cp *Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threads[cp.ThreadID] = append(m.threads[cp.ThreadID], cp)
	return nil
}

// Latest returns the newest checkpoint for the thread, or nil.
func (m *Memory) Latest(_ context.Context, threadID string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cps := m.threads[threadID]
	if len(cps) == 0 {
		return nil, nil
	}
	return cps[len(cps)-1], nil
}

// List returns up to limit checkpoints, newest first.
func (m *Memory) List(_ context.Context, threadID string, limit int) ([]*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cps := m.threads[threadID]
	out := make([]*Checkpoint, 0, len(cps))
	for i := len(cps) - 1; i >= 0; i-- {
		out = append(out, cps[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Snapshot returns the thread's checkpoints in insertion order without
// removing them. Used by the flush path.
func (m *Memory) Snapshot(threadID string) []*Checkpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cps := m.threads[threadID]
	out := make([]*Checkpoint, len(cps))
	copy(out, cps)
	return out
}

// LastSeq returns the newest write ordinal for the thread, 0 when the
// thread is absent.
func (m *Memory) LastSeq(threadID string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cps := m.threads[threadID]
	if len(cps) == 0 {
		return 0
	}
	return cps[len(cps)-1].WriteSeq
}

// Purge drops the thread's checkpoints to bound memory after a terminal
// flush.
func (m *Memory) Purge(threadID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.threads, threadID)
}

// Threads returns the ids of all threads currently held.
func (m *Memory) Threads() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.threads))
	for id := range m.threads {
		out = append(out, id)
	}
	return out
}

// Len returns the number of checkpoints held for the thread.
func (m *Memory) Len(threadID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.threads[threadID])
}
