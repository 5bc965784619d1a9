package skill

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/skillflow/dbpool"
)

// Sentinel errors for store and registry operations.
var (
	ErrNotFound      = errors.New("skill not found")
	ErrConflict      = errors.New("skill already exists for this workspace")
	ErrNameImmutable = errors.New("skill name cannot be changed after creation")
)

// Store persists dynamic skills in the dynamic_skills table. One row per
// skill; the full definition is stored as JSON alongside the indexed
// identity columns.
type Store struct {
	db *dbpool.DB
}

// NewStore creates the store and ensures the schema exists.
func NewStore(ctx context.Context, db *dbpool.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.createTables(ctx); err != nil {
		return nil, fmt.Errorf("create dynamic_skills schema: %w", err)
	}
	return s, nil
}

func (s *Store) createTables(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS dynamic_skills (
			id VARCHAR(36) PRIMARY KEY,
			workspace_id VARCHAR(36),
			workspace_code VARCHAR(64) NOT NULL,
			name VARCHAR(255) NOT NULL,
			module_name VARCHAR(255) NOT NULL,
			owner_id VARCHAR(36),
			is_public BOOLEAN NOT NULL,
			enabled BOOLEAN NOT NULL,
			definition TEXT NOT NULL,
			created_at TIMESTAMP NULL,
			updated_at TIMESTAMP NULL,
			UNIQUE (workspace_id, name),
			UNIQUE (workspace_id, module_name)
		)
	`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Insert creates a new dynamic skill row. A missing ID is generated.
// A duplicate (workspace_id, name) pair returns ErrConflict.
func (s *Store) Insert(ctx context.Context, sk *Skill) error {
	if sk.ID == "" {
		sk.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	sk.CreatedAt = now
	sk.UpdatedAt = now
	sk.Source = SourceDynamic

	definition, err := json.Marshal(sk)
	if err != nil {
		return fmt.Errorf("encode skill %q: %w", sk.Name, err)
	}

	query := s.db.Dialect.Rebind(`
		INSERT INTO dynamic_skills
			(id, workspace_id, workspace_code, name, module_name, owner_id, is_public, enabled, definition, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err = s.db.ExecContext(ctx, query,
		sk.ID, nullable(sk.WorkspaceID), sk.WorkspaceCode, sk.Name, sk.ModuleName,
		nullable(sk.OwnerID), sk.IsPublic, sk.IsEnabled(), string(definition), now, now,
	)
	if err != nil {
		if dbpool.IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrConflict, sk.Name)
		}
		return fmt.Errorf("insert skill %q: %w", sk.Name, err)
	}
	return nil
}

// Update replaces the definition of an existing row by id. Identity
// columns (name, module_name, workspace) are never updated; the registry
// rejects renames before calling here.
func (s *Store) Update(ctx context.Context, sk *Skill) error {
	sk.UpdatedAt = time.Now().UTC()
	sk.Source = SourceDynamic

	definition, err := json.Marshal(sk)
	if err != nil {
		return fmt.Errorf("encode skill %q: %w", sk.Name, err)
	}

	query := s.db.Dialect.Rebind(`
		UPDATE dynamic_skills
		SET is_public = ?, enabled = ?, definition = ?, updated_at = ?
		WHERE id = ?
	`)
	res, err := s.db.ExecContext(ctx, query, sk.IsPublic, sk.IsEnabled(), string(definition), sk.UpdatedAt, sk.ID)
	if err != nil {
		return fmt.Errorf("update skill %q: %w", sk.Name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: id %s", ErrNotFound, sk.ID)
	}
	return nil
}

// GetByID fetches one skill row.
func (s *Store) GetByID(ctx context.Context, id string) (*Skill, error) {
	query := s.db.Dialect.Rebind(`
		SELECT id, workspace_id, workspace_code, module_name, owner_id, is_public, enabled, definition, created_at, updated_at
		FROM dynamic_skills WHERE id = ?
	`)
	return s.scanOne(s.db.QueryRowContext(ctx, query, id))
}

// GetByName fetches one skill row by its (workspace, name) identity.
func (s *Store) GetByName(ctx context.Context, workspaceID, name string) (*Skill, error) {
	query := s.db.Dialect.Rebind(`
		SELECT id, workspace_id, workspace_code, module_name, owner_id, is_public, enabled, definition, created_at, updated_at
		FROM dynamic_skills WHERE workspace_id = ? AND name = ?
	`)
	return s.scanOne(s.db.QueryRowContext(ctx, query, nullable(workspaceID), name))
}

// List returns every dynamic skill. The registry filters visibility in
// memory after merging with filesystem skills.
func (s *Store) List(ctx context.Context) ([]*Skill, error) {
	query := `
		SELECT id, workspace_id, workspace_code, module_name, owner_id, is_public, enabled, definition, created_at, updated_at
		FROM dynamic_skills ORDER BY name
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list dynamic skills: %w", err)
	}
	defer rows.Close()

	var skills []*Skill
	for rows.Next() {
		sk, err := scanSkill(rows.Scan)
		if err != nil {
			return nil, err
		}
		skills = append(skills, sk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list dynamic skills: %w", err)
	}
	return skills, nil
}

// Delete removes one skill row scoped to a workspace.
func (s *Store) Delete(ctx context.Context, id, workspaceID string) error {
	query := s.db.Dialect.Rebind(`DELETE FROM dynamic_skills WHERE id = ? AND workspace_id = ?`)
	res, err := s.db.ExecContext(ctx, query, id, nullable(workspaceID))
	if err != nil {
		return fmt.Errorf("delete skill %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: id %s", ErrNotFound, id)
	}
	return nil
}

func (s *Store) scanOne(row *sql.Row) (*Skill, error) {
	sk, err := scanSkill(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sk, err
}

// scanSkill decodes one row, overlaying the authoritative identity
// columns onto the stored definition.
func scanSkill(scan func(dest ...any) error) (*Skill, error) {
	var (
		id, workspaceCode, moduleName string
		workspaceID, ownerID          sql.NullString
		isPublic, enabled             bool
		definition                    string
		createdAt, updatedAt          sql.NullTime
	)
	if err := scan(&id, &workspaceID, &workspaceCode, &moduleName, &ownerID, &isPublic, &enabled, &definition, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan dynamic skill: %w", err)
	}

	var sk Skill
	if err := json.Unmarshal([]byte(definition), &sk); err != nil {
		return nil, fmt.Errorf("decode skill %s: %w", id, err)
	}
	sk.ID = id
	sk.WorkspaceID = workspaceID.String
	sk.WorkspaceCode = workspaceCode
	sk.ModuleName = moduleName
	sk.OwnerID = ownerID.String
	sk.IsPublic = isPublic
	sk.Enabled = &enabled
	sk.Source = SourceDynamic
	if createdAt.Valid {
		sk.CreatedAt = createdAt.Time
	}
	if updatedAt.Valid {
		sk.UpdatedAt = updatedAt.Time
	}
	return &sk, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
