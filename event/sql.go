package event

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/dshills/skillflow/dbpool"
)

// SQLSink persists the durable channels: thread_logs and
// thread_workflow_ui_events. Rows arrive from the terminal flush, one
// transaction per thread, idempotent on (thread_id, ordinal) for logs
// and on event_id for UI events.
type SQLSink struct {
	db *dbpool.DB
}

// NewSQLSink creates the sink and ensures the schema exists.
func NewSQLSink(ctx context.Context, db *dbpool.DB) (*SQLSink, error) {
	s := &SQLSink{db: db}
	if err := s.createTables(ctx); err != nil {
		return nil, fmt.Errorf("create event schema: %w", err)
	}
	return s, nil
}

func (s *SQLSink) createTables(ctx context.Context) error {
	textType := "TEXT"
	if s.db.Dialect == dbpool.DialectMySQL {
		textType = "MEDIUMTEXT"
	}
	ddls := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS thread_logs (
			thread_id VARCHAR(255) NOT NULL,
			ordinal INT NOT NULL,
			level VARCHAR(16) NOT NULL,
			text %s NOT NULL,
			created_at TIMESTAMP NULL,
			PRIMARY KEY (thread_id, ordinal)
		)`, textType),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS thread_workflow_ui_events (
			event_id VARCHAR(36) NOT NULL,
			thread_id VARCHAR(255) NOT NULL,
			parent_event_id VARCHAR(36),
			phase VARCHAR(64) NOT NULL,
			skill VARCHAR(255),
			pipeline_step_id VARCHAR(255),
			detail %s,
			ordinal INT NOT NULL,
			created_at TIMESTAMP NULL,
			PRIMARY KEY (event_id)
		)`, textType),
	}
	for _, ddl := range ddls {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLSink) insertIgnore(stmt string) string {
	if s.db.Dialect == dbpool.DialectMySQL {
		return "INSERT IGNORE " + stmt
	}
	return "INSERT " + stmt + " ON CONFLICT DO NOTHING"
}

// SaveBatch persists a thread's queued log lines and UI events in queue
// order inside a single transaction. Ordinals come from queue position,
// so replaying the same batch is a no-op.
func (s *SQLSink) SaveBatch(ctx context.Context, threadID string, lines []LogLine, evs []UIEvent) error {
	if len(lines) == 0 && len(evs) == 0 {
		return nil
	}
	return s.db.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if len(lines) > 0 {
			logStmt, err := tx.PrepareContext(ctx, s.db.Dialect.Rebind(s.insertIgnore(
				`INTO thread_logs (thread_id, ordinal, level, text, created_at) VALUES (?, ?, ?, ?, ?)`)))
			if err != nil {
				return err
			}
			defer logStmt.Close()
			for i, line := range lines {
				if _, err := logStmt.ExecContext(ctx, threadID, i, line.Level, line.Text, line.Timestamp); err != nil {
					return fmt.Errorf("insert log line %d for %s: %w", i, threadID, err)
				}
			}
		}

		if len(evs) > 0 {
			uiStmt, err := tx.PrepareContext(ctx, s.db.Dialect.Rebind(s.insertIgnore(
				`INTO thread_workflow_ui_events (event_id, thread_id, parent_event_id, phase, skill, pipeline_step_id, detail, ordinal, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)))
			if err != nil {
				return err
			}
			defer uiStmt.Close()
			for i, ev := range evs {
				detail, err := json.Marshal(ev.Detail)
				if err != nil {
					return fmt.Errorf("encode detail for event %s: %w", ev.EventID, err)
				}
				parent := sql.NullString{String: ev.ParentEventID, Valid: ev.ParentEventID != ""}
				if _, err := uiStmt.ExecContext(ctx, ev.EventID, threadID, parent, ev.Phase, ev.Skill, ev.PipelineStepID, string(detail), i, ev.Timestamp); err != nil {
					return fmt.Errorf("insert ui event %s: %w", ev.EventID, err)
				}
			}
		}
		return nil
	})
}

// Logs returns the thread's persisted log lines in queue order.
func (s *SQLSink) Logs(ctx context.Context, threadID string) ([]LogLine, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Dialect.Rebind(
		`SELECT level, text, created_at FROM thread_logs WHERE thread_id = ? ORDER BY ordinal`), threadID)
	if err != nil {
		return nil, fmt.Errorf("query logs for %s: %w", threadID, err)
	}
	defer rows.Close()

	var lines []LogLine
	for rows.Next() {
		line := LogLine{ThreadID: threadID}
		if err := rows.Scan(&line.Level, &line.Text, &line.Timestamp); err != nil {
			return nil, fmt.Errorf("scan log line for %s: %w", threadID, err)
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// UIEvents returns the thread's persisted UI events in queue order.
func (s *SQLSink) UIEvents(ctx context.Context, threadID string) ([]UIEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Dialect.Rebind(
		`SELECT event_id, parent_event_id, phase, skill, pipeline_step_id, detail, created_at
		 FROM thread_workflow_ui_events WHERE thread_id = ? ORDER BY ordinal`), threadID)
	if err != nil {
		return nil, fmt.Errorf("query ui events for %s: %w", threadID, err)
	}
	defer rows.Close()

	var evs []UIEvent
	for rows.Next() {
		ev := UIEvent{ThreadID: threadID}
		var parent, skill, stepID sql.NullString
		var detail string
		if err := rows.Scan(&ev.EventID, &parent, &ev.Phase, &skill, &stepID, &detail, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan ui event for %s: %w", threadID, err)
		}
		ev.ParentEventID = parent.String
		ev.Skill = skill.String
		ev.PipelineStepID = stepID.String
		if detail != "" && detail != "null" {
			if err := json.Unmarshal([]byte(detail), &ev.Detail); err != nil {
				return nil, fmt.Errorf("decode detail for event %s: %w", ev.EventID, err)
			}
		}
		evs = append(evs, ev)
	}
	return evs, rows.Err()
}

// DeleteThreadTx removes the thread's rows from both tables inside the
// caller's transaction. Part of the single-transaction run deletion.
func (s *SQLSink) DeleteThreadTx(ctx context.Context, tx *sql.Tx, threadID string) error {
	for _, table := range []string{"thread_logs", "thread_workflow_ui_events"} {
		stmt := s.db.Dialect.Rebind(fmt.Sprintf("DELETE FROM %s WHERE thread_id = ?", table))
		if _, err := tx.ExecContext(ctx, stmt, threadID); err != nil {
			return fmt.Errorf("delete %s for %s: %w", table, threadID, err)
		}
	}
	return nil
}

// DB exposes the underlying pool for cross-store transactions.
func (s *SQLSink) DB() *dbpool.DB { return s.db }
