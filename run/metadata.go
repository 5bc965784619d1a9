// Package run owns the run lifecycle around the engine: metadata
// persistence, task spawning and cancellation, rerun derivation,
// approval and callback resumption, and terminal webhook dispatch.
package run

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dshills/skillflow/dbpool"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
	StatusError     = "error"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// Terminal reports whether status ends a run.
func Terminal(status string) bool {
	switch status {
	case StatusCompleted, StatusError, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Sentinel errors surfaced to the HTTP layer.
var (
	ErrNotFound     = errors.New("run not found")
	ErrDuplicateRun = errors.New("a run with this thread_id already exists")
	ErrNotOwner     = errors.New("run belongs to another user")
	ErrInvalidModel = errors.New("invalid llm_model")
)

// Metadata is one attempted run, recorded before any work is
// scheduled so even rejected requests leave a row.
type Metadata struct {
	ThreadID       string         `json:"thread_id"`
	RunName        string         `json:"run_name"`
	SOP            string         `json:"sop"`
	InitialData    map[string]any `json:"initial_data,omitempty"`
	UserID         string         `json:"user_id,omitempty"`
	WorkspaceID    string         `json:"workspace_id,omitempty"`
	LLMModel       string         `json:"llm_model,omitempty"`
	ParentThreadID string         `json:"parent_thread_id,omitempty"`
	RerunCount     int            `json:"rerun_count"`
	Status         string         `json:"status"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	FailedSkill    string         `json:"failed_skill,omitempty"`
	CallbackURL    string         `json:"callback_url,omitempty"`
	Broadcast      bool           `json:"broadcast,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// extraMetadata is the JSON blob column: fields that ride along with a
// run without earning their own column.
type extraMetadata struct {
	CallbackURL string `json:"callback_url,omitempty"`
	Broadcast   bool   `json:"broadcast,omitempty"`
}

// MetadataStore persists run metadata rows.
type MetadataStore struct {
	db *dbpool.DB
}

// NewMetadataStore creates the table if needed and returns the store.
func NewMetadataStore(ctx context.Context, db *dbpool.DB) (*MetadataStore, error) {
	s := &MetadataStore{db: db}
	if err := s.createTable(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MetadataStore) createTable(ctx context.Context) error {
	stmt := `CREATE TABLE IF NOT EXISTS run_metadata (
		thread_id VARCHAR(255) PRIMARY KEY,
		run_name VARCHAR(255) NOT NULL,
		sop TEXT NOT NULL,
		initial_data TEXT,
		user_id VARCHAR(255),
		workspace_id VARCHAR(255),
		llm_model VARCHAR(128),
		parent_thread_id VARCHAR(255),
		rerun_count INT NOT NULL DEFAULT 0,
		status VARCHAR(16) NOT NULL,
		error_message TEXT,
		failed_skill VARCHAR(255),
		metadata TEXT,
		created_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP NULL
	)`
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create run_metadata table: %w", err)
	}
	return nil
}

// Insert records a new attempt. A duplicate thread_id returns
// ErrDuplicateRun.
func (s *MetadataStore) Insert(ctx context.Context, m *Metadata) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	initialJSON := "{}"
	if m.InitialData != nil {
		b, err := json.Marshal(m.InitialData)
		if err != nil {
			return fmt.Errorf("encode initial_data: %w", err)
		}
		initialJSON = string(b)
	}
	extraJSON, err := json.Marshal(extraMetadata{CallbackURL: m.CallbackURL, Broadcast: m.Broadcast})
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.db.Dialect.Rebind(
		`INSERT INTO run_metadata
		 (thread_id, run_name, sop, initial_data, user_id, workspace_id, llm_model,
		  parent_thread_id, rerun_count, status, error_message, failed_skill, metadata,
		  created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`),
		m.ThreadID, m.RunName, m.SOP, initialJSON, m.UserID, m.WorkspaceID, m.LLMModel,
		m.ParentThreadID, m.RerunCount, m.Status, m.ErrorMessage, m.FailedSkill,
		string(extraJSON), m.CreatedAt)
	if err != nil {
		if dbpool.IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateRun, m.ThreadID)
		}
		return fmt.Errorf("insert run metadata: %w", err)
	}
	return nil
}

// UpdateStatus records a status transition; completedAt is set only
// when the status is terminal.
func (s *MetadataStore) UpdateStatus(ctx context.Context, threadID, status, errorMessage, failedSkill string) error {
	var completedAt any
	if Terminal(status) {
		completedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, s.db.Dialect.Rebind(
		`UPDATE run_metadata
		 SET status = ?, error_message = ?, failed_skill = ?, completed_at = ?
		 WHERE thread_id = ?`),
		status, errorMessage, failedSkill, completedAt, threadID)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, threadID)
	}
	return nil
}

const metadataSelect = `SELECT thread_id, run_name, sop, initial_data, user_id, workspace_id,
	llm_model, parent_thread_id, rerun_count, status, error_message, failed_skill,
	metadata, created_at, completed_at FROM run_metadata`

// Get loads one run.
func (s *MetadataStore) Get(ctx context.Context, threadID string) (*Metadata, error) {
	row := s.db.QueryRowContext(ctx, s.db.Dialect.Rebind(metadataSelect+` WHERE thread_id = ?`), threadID)
	m, err := scanMetadata(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, threadID)
	}
	return m, err
}

// List returns runs newest-first, optionally filtered by workspace.
func (s *MetadataStore) List(ctx context.Context, workspaceID string, limit int) ([]*Metadata, error) {
	query := metadataSelect
	var args []any
	if workspaceID != "" {
		query += ` WHERE workspace_id = ?`
		args = append(args, workspaceID)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, s.db.Dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*Metadata
	for rows.Next() {
		m, err := scanMetadata(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteTx removes a run's metadata inside the caller's transaction,
// so the run manager can drop metadata, checkpoints, logs, and UI
// events atomically.
func (s *MetadataStore) DeleteTx(ctx context.Context, tx *sql.Tx, threadID string) error {
	if _, err := tx.ExecContext(ctx, s.db.Dialect.Rebind(
		`DELETE FROM run_metadata WHERE thread_id = ?`), threadID); err != nil {
		return fmt.Errorf("delete run metadata: %w", err)
	}
	return nil
}

// DB exposes the pool for cross-store transactions.
func (s *MetadataStore) DB() *dbpool.DB { return s.db }

func scanMetadata(scan func(dest ...any) error) (*Metadata, error) {
	var (
		m                                        Metadata
		initialJSON, extraJSON                   sql.NullString
		userID, workspaceID, llmModel            sql.NullString
		parentThreadID, errorMessage, failedSkil sql.NullString
		completedAt                              sql.NullTime
	)
	err := scan(&m.ThreadID, &m.RunName, &m.SOP, &initialJSON, &userID, &workspaceID,
		&llmModel, &parentThreadID, &m.RerunCount, &m.Status, &errorMessage, &failedSkil,
		&extraJSON, &m.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	m.UserID = userID.String
	m.WorkspaceID = workspaceID.String
	m.LLMModel = llmModel.String
	m.ParentThreadID = parentThreadID.String
	m.ErrorMessage = errorMessage.String
	m.FailedSkill = failedSkil.String
	if initialJSON.String != "" {
		_ = json.Unmarshal([]byte(initialJSON.String), &m.InitialData)
	}
	if extraJSON.String != "" {
		var extra extraMetadata
		if json.Unmarshal([]byte(extraJSON.String), &extra) == nil {
			m.CallbackURL = extra.CallbackURL
			m.Broadcast = extra.Broadcast
		}
	}
	if completedAt.Valid {
		t := completedAt.Time
		m.CompletedAt = &t
	}
	return &m, nil
}
