// Package syserr records unresolved infrastructure-level failures,
// such as checkpoint flushes that could not reach the relational store
// or event drains that failed at startup, in a system_errors table an
// admin API exposes. Recording is best-effort: a failure to record is
// logged and never propagated to the execution path.
package syserr

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/skillflow/dbpool"
)

// Severities.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Record is one system error row.
type Record struct {
	ID              string         `json:"id"`
	ErrorType       string         `json:"error_type"`
	Severity        string         `json:"severity"`
	ThreadID        string         `json:"thread_id,omitempty"`
	ErrorMessage    string         `json:"error_message"`
	StackTrace      string         `json:"stack_trace,omitempty"`
	ErrorContext    map[string]any `json:"error_context,omitempty"`
	Resolved        bool           `json:"resolved"`
	ResolvedBy      string         `json:"resolved_by,omitempty"`
	ResolutionNotes string         `json:"resolution_notes,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Store persists system errors.
type Store struct {
	db     *dbpool.DB
	logger *slog.Logger
}

// NewStore creates the table if needed and returns the store.
func NewStore(ctx context.Context, db *dbpool.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, logger: logger}
	if err := s.createTable(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) createTable(ctx context.Context) error {
	stmt := `CREATE TABLE IF NOT EXISTS system_errors (
		id VARCHAR(36) PRIMARY KEY,
		error_type VARCHAR(128) NOT NULL,
		severity VARCHAR(16) NOT NULL,
		thread_id VARCHAR(255),
		error_message TEXT NOT NULL,
		stack_trace TEXT,
		error_context TEXT,
		resolved BOOLEAN NOT NULL DEFAULT FALSE,
		resolved_by VARCHAR(255),
		resolution_notes TEXT,
		created_at TIMESTAMP NOT NULL
	)`
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create system_errors table: %w", err)
	}
	return nil
}

// Record inserts a row. Failures are logged, not returned: a broken
// error store must not take down the path that was already failing.
func (s *Store) Record(ctx context.Context, rec Record) string {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Severity == "" {
		rec.Severity = SeverityWarning
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	var contextJSON []byte
	if rec.ErrorContext != nil {
		contextJSON, _ = json.Marshal(rec.ErrorContext)
	}

	_, err := s.db.ExecContext(ctx, s.db.Dialect.Rebind(
		`INSERT INTO system_errors
		 (id, error_type, severity, thread_id, error_message, stack_trace, error_context, resolved, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, FALSE, ?)`),
		rec.ID, rec.ErrorType, rec.Severity, rec.ThreadID, rec.ErrorMessage,
		rec.StackTrace, string(contextJSON), rec.CreatedAt)
	if err != nil {
		s.logger.Error("system error record failed", "error_type", rec.ErrorType, "error", err)
		return ""
	}
	return rec.ID
}

// List returns rows newest-first. unresolvedOnly filters out resolved
// entries; limit <= 0 means no limit.
func (s *Store) List(ctx context.Context, unresolvedOnly bool, limit int) ([]Record, error) {
	query := `SELECT id, error_type, severity, thread_id, error_message, stack_trace,
	                 error_context, resolved, resolved_by, resolution_notes, created_at
	          FROM system_errors`
	if unresolvedOnly {
		query += ` WHERE resolved = FALSE`
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list system errors: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var threadID, stack, contextJSON, by, notes sql.NullString
		if err := rows.Scan(&rec.ID, &rec.ErrorType, &rec.Severity, &threadID,
			&rec.ErrorMessage, &stack, &contextJSON, &rec.Resolved, &by, &notes, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan system error: %w", err)
		}
		rec.ThreadID = threadID.String
		rec.StackTrace = stack.String
		rec.ResolvedBy = by.String
		rec.ResolutionNotes = notes.String
		if contextJSON.String != "" {
			_ = json.Unmarshal([]byte(contextJSON.String), &rec.ErrorContext)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Resolve marks a row resolved with the admin's notes.
func (s *Store) Resolve(ctx context.Context, id, resolvedBy, notes string) error {
	res, err := s.db.ExecContext(ctx, s.db.Dialect.Rebind(
		`UPDATE system_errors SET resolved = TRUE, resolved_by = ?, resolution_notes = ? WHERE id = ?`),
		resolvedBy, notes, id)
	if err != nil {
		return fmt.Errorf("resolve system error: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("system error %s not found", id)
	}
	return nil
}
