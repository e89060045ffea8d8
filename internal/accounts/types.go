// Package accounts manages the configured provider accounts: which CLI
// agent each one runs, the model and reasoning level it uses, and the role
// it is allowed to play in a task.
package accounts

import (
	"errors"
	"time"

	"github.com/iondrive-co/chad/internal/agentcmd"
)

// Role restricts what an account may be used for.
type Role string

const (
	RoleNone         Role = ""
	RoleCoding       Role = "coding"
	RoleVerification Role = "verification"
	RoleBoth         Role = "both"
)

// Valid reports whether the role is one of the known values.
func (r Role) Valid() bool {
	switch r {
	case RoleNone, RoleCoding, RoleVerification, RoleBoth:
		return true
	}
	return false
}

// CanCode reports whether the role permits running the coding phases.
func (r Role) CanCode() bool { return r == RoleCoding || r == RoleBoth }

// CanVerify reports whether the role permits running verification.
func (r Role) CanVerify() bool { return r == RoleVerification || r == RoleBoth }

// Account is one configured provider credential set. Name is unique and is
// how tasks refer to it; the credential directory on disk is derived from
// provider and name.
type Account struct {
	ID        string            `db:"id" json:"id"`
	Name      string            `db:"name" json:"name"`
	Provider  agentcmd.Provider `db:"provider" json:"provider"`
	Model     string            `db:"model" json:"model,omitempty"`
	Reasoning string            `db:"reasoning" json:"reasoning,omitempty"`
	Role      Role              `db:"role" json:"role"`
	CreatedAt time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt time.Time         `db:"updated_at" json:"updated_at"`
}

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountExists   = errors.New("account name already in use")
	ErrUnknownProvider = errors.New("unknown provider")
	ErrInvalidRole     = errors.New("invalid role")
)
