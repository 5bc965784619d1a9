package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/dshills/skillflow/dbpool"
)

func newTestSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := dbpool.Open(context.Background(), dbpool.RelationalConfig{
		Dialect: dbpool.DialectSQLite,
		DSN:     ":memory:",
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store, err := NewSQLStore(context.Background(), db)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	return store
}

func batch(threadID string) []*Checkpoint {
	now := time.Now().UTC().Truncate(time.Second)
	return []*Checkpoint{
		{
			ID: "cp-1", ThreadID: threadID, State: map[string]any{"n": float64(1)},
			NextNodes: []string{"planner"},
			Metadata:  Metadata{Source: SourceInput, Step: 0},
			WriteSeq:  1, CreatedAt: now,
		},
		{
			ID: "cp-2", ThreadID: threadID, ParentID: "cp-1",
			State:    map[string]any{"n": float64(2)},
			Writes:   []Write{{Key: "sum", Value: float64(5)}, {Key: "note", Value: "ok"}},
			Metadata: Metadata{Source: SourceLoop, Step: 1, Node: "executor"},
			WriteSeq: 2, CreatedAt: now.Add(time.Second),
		},
	}
}

// TestSQLStore_SaveBatchAndRead verifies the flush batch round-trips
// with parent links, metadata, and recorded writes.
func TestSQLStore_SaveBatchAndRead(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLStore(t)

	if err := store.SaveBatch(ctx, batch("t1")); err != nil {
		t.Fatalf("save batch: %v", err)
	}

	latest, err := store.Latest(ctx, "t1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.ID != "cp-2" || latest.ParentID != "cp-1" {
		t.Errorf("unexpected latest: %+v", latest)
	}
	if latest.State["n"] != float64(2) {
		t.Errorf("state did not round-trip: %v", latest.State)
	}
	if latest.Metadata.Node != "executor" || latest.Metadata.Step != 1 {
		t.Errorf("metadata did not round-trip: %+v", latest.Metadata)
	}

	list, err := store.List(ctx, "t1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != "cp-2" {
		t.Fatalf("expected newest first, got %v", ids(list))
	}
	if len(list[0].Writes) != 2 || list[0].Writes[0].Key != "sum" || list[0].Writes[0].Value != float64(5) {
		t.Errorf("writes did not round-trip in order: %+v", list[0].Writes)
	}
	if list[1].NextNodes[0] != "planner" {
		t.Errorf("next nodes did not round-trip: %v", list[1].NextNodes)
	}
}

// TestSQLStore_IdempotentBatch verifies replaying a flush is a no-op.
func TestSQLStore_IdempotentBatch(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLStore(t)

	cps := batch("t1")
	if err := store.SaveBatch(ctx, cps); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveBatch(ctx, cps); err != nil {
		t.Fatalf("replayed batch must not error: %v", err)
	}

	list, err := store.List(ctx, "t1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Errorf("expected 2 rows after replay, got %d", len(list))
	}
	if len(list[0].Writes) != 2 {
		t.Errorf("expected 2 writes after replay, got %d", len(list[0].Writes))
	}
}

// TestSQLStore_LastSeq verifies ordinal continuation across restarts.
func TestSQLStore_LastSeq(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLStore(t)

	seq, err := store.LastSeq(ctx, "t1")
	if err != nil || seq != 0 {
		t.Fatalf("expected 0 for unknown thread, got %d (%v)", seq, err)
	}
	if err := store.SaveBatch(ctx, batch("t1")); err != nil {
		t.Fatal(err)
	}
	seq, err = store.LastSeq(ctx, "t1")
	if err != nil || seq != 2 {
		t.Errorf("expected 2, got %d (%v)", seq, err)
	}
}

// TestSQLStore_DeleteThread verifies all three tables empty atomically.
func TestSQLStore_DeleteThread(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLStore(t)
	_ = store.SaveBatch(ctx, batch("t1"))
	_ = store.SaveBatch(ctx, batch("t2"))

	err := store.DB().WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return store.DeleteThreadTx(ctx, tx, "t1")
	})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}

	if cp, _ := store.Latest(ctx, "t1"); cp != nil {
		t.Error("expected t1 to be gone")
	}
	if cp, _ := store.Latest(ctx, "t2"); cp == nil {
		t.Error("expected t2 to survive")
	}
}

// TestFlushThread_SlowTierFailureRetainsBuffer forces the relational
// write to fail and verifies the fast tier keeps the thread so a later
// flush can retry.
func TestFlushThread_SlowTierFailureRetainsBuffer(t *testing.T) {
	ctx := context.Background()

	sqlDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS checkpoints").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS checkpoint_blobs").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS checkpoint_writes").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

	store, err := NewSQLStore(ctx, &dbpool.DB{DB: sqlDB, Dialect: dbpool.DialectSQLite})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	buf := NewBuffered(NewMemory(), nil, store, nil)

	if err := buf.Put(ctx, &Checkpoint{ThreadID: "t1", State: map[string]any{"n": float64(1)}}); err != nil {
		t.Fatalf("put: %v", err)
	}

	err = buf.FlushThread(ctx, "t1")
	var flushErr *FlushError
	if !errors.As(err, &flushErr) {
		t.Fatalf("expected FlushError, got %v", err)
	}
	if flushErr.Critical {
		t.Error("a failed write is soft, not critical")
	}

	cp, err := buf.Latest(ctx, "t1")
	if err != nil || cp == nil {
		t.Fatalf("buffer must retain the thread after a failed flush, got %v %v", cp, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
