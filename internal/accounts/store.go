package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

const accountSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL UNIQUE,
	provider   TEXT NOT NULL,
	model      TEXT NOT NULL DEFAULT '',
	reasoning  TEXT NOT NULL DEFAULT '',
	role       TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

// SQLStore persists accounts in sqlite.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore creates the accounts table if needed.
func NewSQLStore(db *sqlx.DB) (*SQLStore, error) {
	if _, err := db.Exec(accountSchema); err != nil {
		return nil, fmt.Errorf("failed to create accounts table: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// Create inserts a new account. The name must be unused.
func (s *SQLStore) Create(ctx context.Context, a *Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, name, provider, model, reasoning, role, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.Provider, a.Model, a.Reasoning, a.Role, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAccountExists
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// Update rewrites the mutable fields of an existing account.
func (s *SQLStore) Update(ctx context.Context, a *Account) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET provider = ?, model = ?, reasoning = ?, role = ?, updated_at = ?
		WHERE name = ?`,
		a.Provider, a.Model, a.Reasoning, a.Role, a.UpdatedAt, a.Name)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	if affected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// GetByName returns the account with the given name.
func (s *SQLStore) GetByName(ctx context.Context, name string) (*Account, error) {
	var a Account
	err := s.db.GetContext(ctx, &a, `SELECT * FROM accounts WHERE name = ?`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	return &a, nil
}

// List returns all accounts ordered by name.
func (s *SQLStore) List(ctx context.Context) ([]*Account, error) {
	var out []*Account
	if err := s.db.SelectContext(ctx, &out, `SELECT * FROM accounts ORDER BY name`); err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return out, nil
}

// Delete removes an account by name.
func (s *SQLStore) Delete(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	if affected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// isUniqueViolation detects sqlite unique-constraint failures without
// depending on driver error types.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
