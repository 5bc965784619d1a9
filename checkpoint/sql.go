package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/dshills/skillflow/dbpool"
)

// SQLStore is the slow tier: the authoritative relational copy of every
// checkpoint once a run is terminal. Rows are written by the batch
// flush, one transaction per thread, idempotent on the checkpoint
// primary key.
//
// Three tables: checkpoints (identity + metadata), checkpoint_blobs
// (the serialized state payload), and checkpoint_writes (per-transition
// output values with ordinals).
type SQLStore struct {
	db *dbpool.DB
}

// NewSQLStore creates the store and ensures the schema exists.
func NewSQLStore(ctx context.Context, db *dbpool.DB) (*SQLStore, error) {
	s := &SQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		return nil, fmt.Errorf("create checkpoint schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) createTables(ctx context.Context) error {
	blobType := "TEXT"
	if s.db.Dialect == dbpool.DialectMySQL {
		blobType = "MEDIUMTEXT"
	}
	ddls := []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id VARCHAR(255) NOT NULL,
			namespace VARCHAR(255) NOT NULL,
			checkpoint_id VARCHAR(36) NOT NULL,
			parent_checkpoint_id VARCHAR(36),
			next_nodes TEXT,
			metadata TEXT,
			write_seq BIGINT NOT NULL,
			created_at TIMESTAMP NULL,
			PRIMARY KEY (thread_id, namespace, checkpoint_id)
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS checkpoint_blobs (
			thread_id VARCHAR(255) NOT NULL,
			namespace VARCHAR(255) NOT NULL,
			checkpoint_id VARCHAR(36) NOT NULL,
			state %s NOT NULL,
			PRIMARY KEY (thread_id, namespace, checkpoint_id)
		)`, blobType),
		`CREATE TABLE IF NOT EXISTS checkpoint_writes (
			thread_id VARCHAR(255) NOT NULL,
			namespace VARCHAR(255) NOT NULL,
			checkpoint_id VARCHAR(36) NOT NULL,
			ordinal INT NOT NULL,
			write_key VARCHAR(255) NOT NULL,
			write_value TEXT,
			PRIMARY KEY (thread_id, namespace, checkpoint_id, ordinal)
		)`,
	}
	for _, ddl := range ddls {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return err
		}
	}
	return nil
}

// insertIgnore renders an idempotent insert for the dialect.
func (s *SQLStore) insertIgnore(stmt string) string {
	if s.db.Dialect == dbpool.DialectMySQL {
		return "INSERT IGNORE " + stmt
	}
	return "INSERT " + stmt + " ON CONFLICT DO NOTHING"
}

// SaveBatch persists a thread's checkpoints in insertion order inside a
// single transaction. Replaying the same batch is a no-op thanks to the
// idempotent inserts.
func (s *SQLStore) SaveBatch(ctx context.Context, cps []*Checkpoint) error {
	if len(cps) == 0 {
		return nil
	}
	return s.db.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		cpStmt, err := tx.PrepareContext(ctx, s.db.Dialect.Rebind(s.insertIgnore(
			`INTO checkpoints (thread_id, namespace, checkpoint_id, parent_checkpoint_id, next_nodes, metadata, write_seq, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)))
		if err != nil {
			return err
		}
		defer cpStmt.Close()

		blobStmt, err := tx.PrepareContext(ctx, s.db.Dialect.Rebind(s.insertIgnore(
			`INTO checkpoint_blobs (thread_id, namespace, checkpoint_id, state) VALUES (?, ?, ?, ?)`)))
		if err != nil {
			return err
		}
		defer blobStmt.Close()

		writeStmt, err := tx.PrepareContext(ctx, s.db.Dialect.Rebind(s.insertIgnore(
			`INTO checkpoint_writes (thread_id, namespace, checkpoint_id, ordinal, write_key, write_value)
			 VALUES (?, ?, ?, ?, ?, ?)`)))
		if err != nil {
			return err
		}
		defer writeStmt.Close()

		for _, cp := range cps {
			metadata, err := json.Marshal(cp.Metadata)
			if err != nil {
				return fmt.Errorf("encode metadata for %s: %w", cp.ID, err)
			}
			nextNodes, err := json.Marshal(cp.NextNodes)
			if err != nil {
				return fmt.Errorf("encode next nodes for %s: %w", cp.ID, err)
			}
			state, err := json.Marshal(cp.State)
			if err != nil {
				return fmt.Errorf("encode state for %s: %w", cp.ID, err)
			}

			if _, err := cpStmt.ExecContext(ctx,
				cp.ThreadID, cp.Namespace, cp.ID, nullString(cp.ParentID),
				string(nextNodes), string(metadata), cp.WriteSeq, cp.CreatedAt,
			); err != nil {
				return fmt.Errorf("insert checkpoint %s: %w", cp.ID, err)
			}
			if _, err := blobStmt.ExecContext(ctx, cp.ThreadID, cp.Namespace, cp.ID, string(state)); err != nil {
				return fmt.Errorf("insert checkpoint blob %s: %w", cp.ID, err)
			}
			for i, w := range cp.Writes {
				value, err := json.Marshal(w.Value)
				if err != nil {
					return fmt.Errorf("encode write %s/%d: %w", cp.ID, i, err)
				}
				if _, err := writeStmt.ExecContext(ctx, cp.ThreadID, cp.Namespace, cp.ID, i, w.Key, string(value)); err != nil {
					return fmt.Errorf("insert checkpoint write %s/%d: %w", cp.ID, i, err)
				}
			}
		}
		return nil
	})
}

const checkpointSelect = `
	SELECT c.thread_id, c.namespace, c.checkpoint_id, c.parent_checkpoint_id,
	       c.next_nodes, c.metadata, c.write_seq, c.created_at, b.state
	FROM checkpoints c
	JOIN checkpoint_blobs b
	  ON b.thread_id = c.thread_id AND b.namespace = c.namespace AND b.checkpoint_id = c.checkpoint_id
`

// Latest returns the thread's newest checkpoint, or nil when absent.
func (s *SQLStore) Latest(ctx context.Context, threadID string) (*Checkpoint, error) {
	query := s.db.Dialect.Rebind(checkpointSelect + ` WHERE c.thread_id = ? ORDER BY c.write_seq DESC LIMIT 1`)
	cp, err := scanCheckpoint(s.db.QueryRowContext(ctx, query, threadID).Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return cp, err
}

// List returns the thread's checkpoints, newest first.
func (s *SQLStore) List(ctx context.Context, threadID string, limit int) ([]*Checkpoint, error) {
	query := checkpointSelect + ` WHERE c.thread_id = ? ORDER BY c.write_seq DESC`
	args := []any{threadID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.db.Dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints for %s: %w", threadID, err)
	}
	defer rows.Close()

	var cps []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows.Scan)
		if err != nil {
			return nil, err
		}
		cps = append(cps, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list checkpoints for %s: %w", threadID, err)
	}
	if err := s.attachWrites(ctx, threadID, cps); err != nil {
		return nil, err
	}
	return cps, nil
}

// attachWrites loads the thread's recorded writes and joins them onto
// the checkpoints in ordinal order.
func (s *SQLStore) attachWrites(ctx context.Context, threadID string, cps []*Checkpoint) error {
	if len(cps) == 0 {
		return nil
	}
	query := s.db.Dialect.Rebind(`
		SELECT checkpoint_id, write_key, write_value
		FROM checkpoint_writes WHERE thread_id = ? ORDER BY checkpoint_id, ordinal
	`)
	rows, err := s.db.QueryContext(ctx, query, threadID)
	if err != nil {
		return fmt.Errorf("list checkpoint writes for %s: %w", threadID, err)
	}
	defer rows.Close()

	byID := make(map[string]*Checkpoint, len(cps))
	for _, cp := range cps {
		byID[cp.ID] = cp
	}
	for rows.Next() {
		var (
			id, key string
			raw     sql.NullString
		)
		if err := rows.Scan(&id, &key, &raw); err != nil {
			return fmt.Errorf("scan checkpoint write: %w", err)
		}
		cp, ok := byID[id]
		if !ok {
			continue
		}
		var value any
		if raw.Valid {
			if err := json.Unmarshal([]byte(raw.String), &value); err != nil {
				value = raw.String
			}
		}
		cp.Writes = append(cp.Writes, Write{Key: key, Value: value})
	}
	return rows.Err()
}

// LastSeq returns the newest write ordinal persisted for the thread.
func (s *SQLStore) LastSeq(ctx context.Context, threadID string) (int64, error) {
	query := s.db.Dialect.Rebind(`SELECT COALESCE(MAX(write_seq), 0) FROM checkpoints WHERE thread_id = ?`)
	var seq int64
	if err := s.db.QueryRowContext(ctx, query, threadID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("last checkpoint seq for %s: %w", threadID, err)
	}
	return seq, nil
}

// DeleteThreadTx removes the thread's checkpoints inside an existing
// transaction. The run manager composes this with run-metadata and log
// deletion so a run disappears atomically.
func (s *SQLStore) DeleteThreadTx(ctx context.Context, tx *sql.Tx, threadID string) error {
	for _, table := range []string{"checkpoint_writes", "checkpoint_blobs", "checkpoints"} {
		query := s.db.Dialect.Rebind(fmt.Sprintf(`DELETE FROM %s WHERE thread_id = ?`, table))
		if _, err := tx.ExecContext(ctx, query, threadID); err != nil {
			return fmt.Errorf("delete %s for %s: %w", table, threadID, err)
		}
	}
	return nil
}

// DB exposes the underlying pool so the run manager can open combined
// transactions.
func (s *SQLStore) DB() *dbpool.DB { return s.db }

func scanCheckpoint(scan func(dest ...any) error) (*Checkpoint, error) {
	var (
		cp                  Checkpoint
		parentID            sql.NullString
		nextNodes, metadata sql.NullString
		createdAt           sql.NullTime
		state               string
	)
	err := scan(&cp.ThreadID, &cp.Namespace, &cp.ID, &parentID, &nextNodes, &metadata, &cp.WriteSeq, &createdAt, &state)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan checkpoint: %w", err)
	}
	cp.ParentID = parentID.String
	if createdAt.Valid {
		cp.CreatedAt = createdAt.Time
	}
	if nextNodes.Valid && nextNodes.String != "" {
		if err := json.Unmarshal([]byte(nextNodes.String), &cp.NextNodes); err != nil {
			return nil, fmt.Errorf("decode next nodes: %w", err)
		}
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &cp.Metadata); err != nil {
			return nil, fmt.Errorf("decode checkpoint metadata: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(state), &cp.State); err != nil {
		return nil, fmt.Errorf("decode checkpoint state: %w", err)
	}
	return &cp, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
