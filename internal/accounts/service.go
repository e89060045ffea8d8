package accounts

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iondrive-co/chad/internal/agentcmd"
	"github.com/iondrive-co/chad/internal/common/logger"
)

// Service validates and persists account changes.
type Service struct {
	store *SQLStore
	log   *logger.Logger
}

// NewService wraps the store with validation.
func NewService(store *SQLStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		store: store,
		log:   log.WithFields(zap.String("component", "accounts")),
	}
}

// Create validates and inserts a new account.
func (s *Service) Create(ctx context.Context, a *Account) (*Account, error) {
	if a.Name == "" {
		return nil, fmt.Errorf("account name is required")
	}
	if !a.Provider.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, a.Provider)
	}
	if !a.Role.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRole, a.Role)
	}
	now := time.Now().UTC()
	a.ID = uuid.New().String()
	a.CreatedAt = now
	a.UpdatedAt = now
	if err := s.store.Create(ctx, a); err != nil {
		return nil, err
	}
	s.log.Info("Account created",
		zap.String("name", a.Name), zap.String("provider", string(a.Provider)), zap.String("role", string(a.Role)))
	return a, nil
}

// Update validates and rewrites an existing account's mutable fields.
func (s *Service) Update(ctx context.Context, a *Account) (*Account, error) {
	if !a.Provider.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, a.Provider)
	}
	if !a.Role.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRole, a.Role)
	}
	a.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, a); err != nil {
		return nil, err
	}
	return s.store.GetByName(ctx, a.Name)
}

// Get returns the account with the given name.
func (s *Service) Get(ctx context.Context, name string) (*Account, error) {
	return s.store.GetByName(ctx, name)
}

// List returns all accounts.
func (s *Service) List(ctx context.Context) ([]*Account, error) {
	return s.store.List(ctx)
}

// Delete removes an account by name.
func (s *Service) Delete(ctx context.Context, name string) error {
	return s.store.Delete(ctx, name)
}

// ResolveForCoding returns the account and checks it may run coding phases.
func (s *Service) ResolveForCoding(ctx context.Context, name string) (*Account, error) {
	a, err := s.store.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if !a.Role.CanCode() {
		return nil, fmt.Errorf("account %q has no coding role assigned", name)
	}
	return a, nil
}

// ResolveForVerification returns the account and checks it may verify.
func (s *Service) ResolveForVerification(ctx context.Context, name string) (*Account, error) {
	a, err := s.store.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if !a.Role.CanVerify() {
		return nil, fmt.Errorf("account %q has no verification role assigned", name)
	}
	return a, nil
}

// ProviderInfo describes one installable provider for the API surface.
type ProviderInfo struct {
	Name        agentcmd.Provider `json:"name"`
	InstallHint string            `json:"install_hint,omitempty"`
}

// ProviderCatalog enumerates the closed provider set with install hints.
func ProviderCatalog() []ProviderInfo {
	providers := agentcmd.Providers()
	out := make([]ProviderInfo, 0, len(providers))
	for _, p := range providers {
		out = append(out, ProviderInfo{Name: p, InstallHint: agentcmd.InstallHint(p)})
	}
	return out
}
