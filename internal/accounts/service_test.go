package accounts

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iondrive-co/chad/internal/agentcmd"
	"github.com/iondrive-co/chad/internal/db"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	database, err := db.OpenSQLite(filepath.Join(t.TempDir(), "chad.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	store, err := NewSQLStore(database)
	require.NoError(t, err)
	return NewService(store, nil)
}

func TestService_CreateAndGet(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, &Account{
		Name:     "work",
		Provider: agentcmd.ProviderAnthropic,
		Model:    "opus",
		Role:     RoleBoth,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.False(t, created.CreatedAt.IsZero())

	got, err := svc.Get(ctx, "work")
	require.NoError(t, err)
	assert.Equal(t, agentcmd.ProviderAnthropic, got.Provider)
	assert.Equal(t, "opus", got.Model)
}

func TestService_DuplicateNameRejected(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, &Account{Name: "work", Provider: agentcmd.ProviderOpenAI, Role: RoleCoding})
	require.NoError(t, err)

	_, err = svc.Create(ctx, &Account{Name: "work", Provider: agentcmd.ProviderGemini, Role: RoleCoding})
	assert.ErrorIs(t, err, ErrAccountExists)
}

func TestService_UnknownProviderRejected(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Create(context.Background(), &Account{Name: "x", Provider: "clippy", Role: RoleCoding})
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestService_Update(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, &Account{Name: "work", Provider: agentcmd.ProviderOpenAI, Role: RoleCoding})
	require.NoError(t, err)

	updated, err := svc.Update(ctx, &Account{
		Name: "work", Provider: agentcmd.ProviderOpenAI, Model: "o3", Reasoning: "high", Role: RoleBoth,
	})
	require.NoError(t, err)
	assert.Equal(t, "o3", updated.Model)
	assert.Equal(t, RoleBoth, updated.Role)

	_, err = svc.Update(ctx, &Account{Name: "missing", Provider: agentcmd.ProviderOpenAI, Role: RoleCoding})
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestService_RoleResolution(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, &Account{Name: "coder", Provider: agentcmd.ProviderAnthropic, Role: RoleCoding})
	require.NoError(t, err)
	_, err = svc.Create(ctx, &Account{Name: "reviewer", Provider: agentcmd.ProviderOpenAI, Role: RoleVerification})
	require.NoError(t, err)

	_, err = svc.ResolveForCoding(ctx, "coder")
	assert.NoError(t, err)
	_, err = svc.ResolveForCoding(ctx, "reviewer")
	assert.Error(t, err)

	_, err = svc.ResolveForVerification(ctx, "reviewer")
	assert.NoError(t, err)
	_, err = svc.ResolveForVerification(ctx, "coder")
	assert.Error(t, err)

	_, err = svc.ResolveForCoding(ctx, "nobody")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestProviderCatalog(t *testing.T) {
	catalog := ProviderCatalog()
	require.NotEmpty(t, catalog)

	byName := map[agentcmd.Provider]ProviderInfo{}
	for _, p := range catalog {
		byName[p.Name] = p
	}
	assert.Contains(t, byName, agentcmd.ProviderAnthropic)
	assert.NotEmpty(t, byName[agentcmd.ProviderAnthropic].InstallHint)
	assert.Empty(t, byName[agentcmd.ProviderMock].InstallHint)
}
