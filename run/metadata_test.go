package run

import (
	"context"
	"errors"
	"testing"

	"github.com/dshills/skillflow/dbpool"
)

func newTestMetadataStore(t *testing.T) *MetadataStore {
	t.Helper()
	db, err := dbpool.Open(context.Background(), dbpool.RelationalConfig{
		Dialect: dbpool.DialectSQLite,
		DSN:     ":memory:",
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store, err := NewMetadataStore(context.Background(), db)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	return store
}

func TestMetadataStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestMetadataStore(t)

	meta := &Metadata{
		ThreadID:    "t1",
		RunName:     "invoice batch",
		SOP:         "process the invoices",
		InitialData: map[string]any{"batch": "2024-10"},
		UserID:      "alice",
		WorkspaceID: "ws-1",
		LLMModel:    "gpt-4o",
		Status:      StatusRunning,
		CallbackURL: "https://example.com/hook",
		Broadcast:   true,
	}
	if err := store.Insert(ctx, meta); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RunName != "invoice batch" || got.UserID != "alice" || got.LLMModel != "gpt-4o" {
		t.Errorf("fields did not round-trip: %+v", got)
	}
	if got.InitialData["batch"] != "2024-10" {
		t.Errorf("initial data did not round-trip: %v", got.InitialData)
	}
	if got.CallbackURL != "https://example.com/hook" || !got.Broadcast {
		t.Errorf("metadata blob did not round-trip: %+v", got)
	}
	if got.CompletedAt != nil {
		t.Error("a running run must have no completed_at")
	}
}

func TestMetadataStore_DuplicateThreadID(t *testing.T) {
	ctx := context.Background()
	store := newTestMetadataStore(t)

	meta := &Metadata{ThreadID: "t1", RunName: "r", SOP: "s", Status: StatusRunning}
	if err := store.Insert(ctx, meta); err != nil {
		t.Fatal(err)
	}
	err := store.Insert(ctx, &Metadata{ThreadID: "t1", RunName: "r2", SOP: "s", Status: StatusRunning})
	if !errors.Is(err, ErrDuplicateRun) {
		t.Errorf("expected ErrDuplicateRun, got %v", err)
	}
}

func TestMetadataStore_UpdateStatus(t *testing.T) {
	ctx := context.Background()
	store := newTestMetadataStore(t)
	_ = store.Insert(ctx, &Metadata{ThreadID: "t1", RunName: "r", SOP: "s", Status: StatusRunning})

	t.Run("non-terminal leaves completed_at empty", func(t *testing.T) {
		if err := store.UpdateStatus(ctx, "t1", StatusPaused, "", ""); err != nil {
			t.Fatal(err)
		}
		got, _ := store.Get(ctx, "t1")
		if got.Status != StatusPaused || got.CompletedAt != nil {
			t.Errorf("unexpected state after pause: %+v", got)
		}
	})

	t.Run("terminal stamps completed_at", func(t *testing.T) {
		if err := store.UpdateStatus(ctx, "t1", StatusFailed, "boom", "fetch"); err != nil {
			t.Fatal(err)
		}
		got, _ := store.Get(ctx, "t1")
		if got.Status != StatusFailed || got.ErrorMessage != "boom" || got.FailedSkill != "fetch" {
			t.Errorf("terminal fields not recorded: %+v", got)
		}
		if got.CompletedAt == nil {
			t.Error("terminal status must stamp completed_at")
		}
	})

	t.Run("unknown thread", func(t *testing.T) {
		err := store.UpdateStatus(ctx, "ghost", StatusCompleted, "", "")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestMetadataStore_ListByWorkspace(t *testing.T) {
	ctx := context.Background()
	store := newTestMetadataStore(t)
	for _, m := range []*Metadata{
		{ThreadID: "t1", RunName: "a", SOP: "s", WorkspaceID: "ws-1", Status: StatusRunning},
		{ThreadID: "t2", RunName: "b", SOP: "s", WorkspaceID: "ws-2", Status: StatusRunning},
		{ThreadID: "t3", RunName: "c", SOP: "s", WorkspaceID: "ws-1", Status: StatusCompleted},
	} {
		if err := store.Insert(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	scoped, err := store.List(ctx, "ws-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(scoped) != 2 {
		t.Errorf("expected 2 runs for ws-1, got %d", len(scoped))
	}
	all, err := store.List(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 runs unscoped, got %d", len(all))
	}
}
