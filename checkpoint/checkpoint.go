// Package checkpoint implements the durable state layer: every graph
// transition is snapshotted to a fast in-memory tier, buffered to an
// optional Redis cache with a sliding TTL, and batch-flushed to the
// relational store when the run reaches a terminal status. On process
// start the cache tier is drained into the relational store so a crash
// between transitions loses nothing.
package checkpoint

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DefaultCacheTTL is the sliding expiry for cache-tier entries. Every
// write extends it, so only abandoned threads age out.
const DefaultCacheTTL = 30 * time.Minute

// Checkpoint is one immutable snapshot of run state at a graph
// transition.
type Checkpoint struct {
	// ID uniquely identifies the checkpoint within its thread.
	ID string `json:"id"`

	// ThreadID is the run this checkpoint belongs to.
	ThreadID string `json:"thread_id"`

	// Namespace separates checkpoint lineages within a thread. The
	// engine uses the root namespace.
	Namespace string `json:"namespace,omitempty"`

	// ParentID links to the previous checkpoint, forming the thread's
	// history chain.
	ParentID string `json:"parent_id,omitempty"`

	// State is the sanitized run-state snapshot. It must round-trip
	// through a strict JSON parser; the store sanitizes NaN and
	// infinity values on write.
	State map[string]any `json:"state"`

	// NextNodes names the graph nodes the engine will enter next.
	// Interrupt nodes appearing here mean the run is paused.
	NextNodes []string `json:"next_nodes,omitempty"`

	// Writes are the output values recorded at this transition, in
	// emission order.
	Writes []Write `json:"writes,omitempty"`

	// Metadata describes where in the graph the snapshot was taken.
	Metadata Metadata `json:"metadata"`

	// WriteSeq is the per-thread write ordinal. Monotonically
	// increasing; assigned by the store.
	WriteSeq int64 `json:"write_seq"`

	// CreatedAt records when the snapshot was taken.
	CreatedAt time.Time `json:"created_at"`
}

// Write is one key written during a transition, preserved with its
// ordinal for auditability.
type Write struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// Metadata describes the origin of a checkpoint.
type Metadata struct {
	// Source is "input" for the seed checkpoint, "loop" for engine
	// transitions, "update" for external state edits.
	Source string `json:"source,omitempty"`

	// Step counts graph transitions, starting at 0 for the seed.
	Step int `json:"step"`

	// Node is the graph node that produced this transition.
	Node string `json:"node,omitempty"`
}

// Checkpoint sources.
const (
	SourceInput  = "input"
	SourceLoop   = "loop"
	SourceUpdate = "update"
)

// NewID returns a fresh checkpoint id.
func NewID() string { return uuid.NewString() }

// Reader is the read side shared by all tiers.
type Reader interface {
	// Latest returns the most recent checkpoint for the thread, or
	// nil when the thread has none.
	Latest(ctx context.Context, threadID string) (*Checkpoint, error)

	// List returns up to limit checkpoints in reverse chronological
	// order. limit <= 0 means no limit.
	List(ctx context.Context, threadID string, limit int) ([]*Checkpoint, error)
}

// Store is the engine-facing contract: write-through puts plus reads.
type Store interface {
	Reader

	// Put records a checkpoint. The store assigns WriteSeq and
	// sanitizes State before any JSON encoding.
	Put(ctx context.Context, cp *Checkpoint) error
}
