package worktree

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

const worktreeSchema = `
CREATE TABLE IF NOT EXISTS worktrees (
	session_id   TEXT PRIMARY KEY,
	project_path TEXT NOT NULL,
	path         TEXT NOT NULL,
	branch       TEXT NOT NULL,
	base_commit  TEXT NOT NULL,
	created_at   TIMESTAMP NOT NULL,
	deleted_at   TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_worktrees_active ON worktrees (project_path) WHERE deleted_at IS NULL;
`

// SQLStore persists worktree metadata in sqlite.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore creates the worktrees table if needed.
func NewSQLStore(db *sqlx.DB) (*SQLStore, error) {
	if _, err := db.Exec(worktreeSchema); err != nil {
		return nil, fmt.Errorf("failed to create worktrees table: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// Save upserts the worktree record, clearing any prior deletion mark.
func (s *SQLStore) Save(ctx context.Context, wt *Worktree) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worktrees (session_id, project_path, path, branch, base_commit, created_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT (session_id) DO UPDATE SET
			project_path = excluded.project_path,
			path         = excluded.path,
			branch       = excluded.branch,
			base_commit  = excluded.base_commit,
			created_at   = excluded.created_at,
			deleted_at   = NULL`,
		wt.SessionID, wt.ProjectPath, wt.Path, wt.Branch, wt.BaseCommit, wt.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save worktree: %w", err)
	}
	return nil
}

// GetBySessionID returns the worktree record for a session, deleted or not.
func (s *SQLStore) GetBySessionID(ctx context.Context, sessionID string) (*Worktree, error) {
	var wt Worktree
	err := s.db.GetContext(ctx, &wt, `SELECT * FROM worktrees WHERE session_id = ?`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWorktreeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load worktree: %w", err)
	}
	return &wt, nil
}

// ListActive returns all worktrees not yet marked deleted.
func (s *SQLStore) ListActive(ctx context.Context) ([]*Worktree, error) {
	var wts []*Worktree
	err := s.db.SelectContext(ctx, &wts, `SELECT * FROM worktrees WHERE deleted_at IS NULL ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}
	return wts, nil
}

// MarkDeleted records the deletion time. Missing rows are ignored.
func (s *SQLStore) MarkDeleted(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE worktrees SET deleted_at = ? WHERE session_id = ? AND deleted_at IS NULL`,
		time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to mark worktree deleted: %w", err)
	}
	return nil
}
