package secretwiring

import (
	"context"
	"testing"

	"github.com/fleetcore/control-plane/internal/db"
	"github.com/fleetcore/control-plane/internal/repository"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newSecretWiringTestService(t *testing.T) *Service {
	t.Helper()
	gdb, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)
	return NewService(repository.NewSecretWiringRepository(gdb))
}

func TestUpsertMany_RejectsUnknownScopeOrStatus(t *testing.T) {
	ctx := context.Background()
	svc := newSecretWiringTestService(t)
	projectID := uuid.Must(uuid.NewV7())

	t.Run("unknown scope", func(t *testing.T) {
		_, err := svc.UpsertMany(ctx, projectID, "host-1", []Entry{{SecretName: "DEPLOY_KEY", Scope: "production", Status: "configured"}})
		require.Error(t, err)
	})
	t.Run("unknown status", func(t *testing.T) {
		_, err := svc.UpsertMany(ctx, projectID, "host-1", []Entry{{SecretName: "DEPLOY_KEY", Scope: "bootstrap", Status: "unknown"}})
		require.Error(t, err)
	})
	t.Run("empty hostName", func(t *testing.T) {
		_, err := svc.UpsertMany(ctx, projectID, "", []Entry{{SecretName: "DEPLOY_KEY", Scope: "bootstrap", Status: "configured"}})
		require.Error(t, err)
	})
	t.Run("oversized secret name", func(t *testing.T) {
		name := make([]byte, maxSecretNameLen+1)
		for i := range name {
			name[i] = 'a'
		}
		_, err := svc.UpsertMany(ctx, projectID, "host-1", []Entry{{SecretName: string(name), Scope: "bootstrap", Status: "configured"}})
		require.Error(t, err)
	})
}

func TestUpsertMany_IsIdempotentByProjectHostSecret(t *testing.T) {
	ctx := context.Background()
	svc := newSecretWiringTestService(t)
	projectID := uuid.Must(uuid.NewV7())

	entries := []Entry{
		{SecretName: "DEPLOY_KEY", Scope: "bootstrap", Status: "configured", Required: true},
		{SecretName: "WEBHOOK_SECRET", Scope: "updates", Status: "missing", Required: false},
	}
	n, err := svc.UpsertMany(ctx, projectID, "host-1", entries)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Re-upserting the same (project, host, secret) pair updates in place
	// rather than creating a duplicate row.
	entries[0].Status = "warn"
	n, err = svc.UpsertMany(ctx, projectID, "host-1", entries[:1])
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := svc.ListByProjectHost(ctx, projectID, "host-1")
	require.NoError(t, err)
	require.Len(t, got, 2)

	var found *db.SecretWiring
	for i := range got {
		if got[i].SecretName == "DEPLOY_KEY" {
			found = &got[i]
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, "warn", found.Status)
}
