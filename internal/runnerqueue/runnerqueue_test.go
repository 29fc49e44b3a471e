package runnerqueue

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

func TestAssertNoSecretLikeKeys(t *testing.T) {
	t.Run("empty payload passes", func(t *testing.T) {
		assert.NoError(t, assertNoSecretLikeKeys("", "payloadMeta"))
	})
	t.Run("invalid JSON is rejected", func(t *testing.T) {
		assert.Error(t, assertNoSecretLikeKeys("{not json", "payloadMeta"))
	})
	t.Run("clean payload passes", func(t *testing.T) {
		assert.NoError(t, assertNoSecretLikeKeys(`{"branch":"main","commit":"abc123"}`, "payloadMeta"))
	})
	t.Run("top-level secret-like key is rejected", func(t *testing.T) {
		assert.Error(t, assertNoSecretLikeKeys(`{"apiKey":"xyz"}`, "payloadMeta"))
	})
	t.Run("nested secret-like key is rejected", func(t *testing.T) {
		assert.Error(t, assertNoSecretLikeKeys(`{"config":{"nested":{"password":"hunter2"}}}`, "payloadMeta"))
	})
	t.Run("secret-like key inside array of objects is rejected", func(t *testing.T) {
		assert.Error(t, assertNoSecretLikeKeys(`{"items":[{"name":"a"},{"token":"xyz"}]}`, "payloadMeta"))
	})
}

func newRunnerQueueTestService(t *testing.T) (*Service, uuid.UUID, uuid.UUID) {
	t.Helper()
	gdb, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)

	projects := repository.NewProjectRepository(gdb)
	runs := repository.NewRunRepository(gdb)
	jobs := repository.NewRunnerJobRepository(gdb)
	runners := repository.NewRunnerRepository(gdb)

	project := &db.Project{Name: "acme"}
	require.NoError(t, projects.Create(context.Background(), project))

	runner := &db.Runner{
		ProjectID:    project.ID,
		RunnerName:   "runner-1",
		LastStatus:   "online",
		Capabilities: `{"sealedInputAlg":"x25519-xsalsa20-poly1305","sealedInputKeyId":"k1","sealedInputPubSpkiB64":"abc"}`,
	}
	require.NoError(t, runners.Upsert(context.Background(), runner))

	return NewService(runs, jobs, runners), project.ID, runner.ID
}

func TestEnqueue_RejectsSecretLikePayload(t *testing.T) {
	svc, projectID, runnerID := newRunnerQueueTestService(t)
	_, err := svc.Enqueue(context.Background(), projectID, runnerID, uuid.Must(uuid.NewV7()), "git_push", `{"token":"xyz"}`)
	require.Error(t, err)
}

func TestEnqueue_RejectsRunnerWithoutSealingCapability(t *testing.T) {
	ctx := context.Background()
	gdb, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)
	projects := repository.NewProjectRepository(gdb)
	runs := repository.NewRunRepository(gdb)
	jobs := repository.NewRunnerJobRepository(gdb)
	runners := repository.NewRunnerRepository(gdb)

	project := &db.Project{Name: "acme"}
	require.NoError(t, projects.Create(ctx, project))
	runner := &db.Runner{ProjectID: project.ID, RunnerName: "runner-1", LastStatus: "online", Capabilities: `{}`}
	require.NoError(t, runners.Upsert(ctx, runner))

	svc := NewService(runs, jobs, runners)
	_, err = svc.Enqueue(ctx, project.ID, runner.ID, uuid.Must(uuid.NewV7()), "git_push", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sealing capability")
}

func TestEnqueueFinalizeTakeResult_FullCycle(t *testing.T) {
	ctx := context.Background()
	svc, projectID, runnerID := newRunnerQueueTestService(t)

	result, err := svc.Enqueue(ctx, projectID, runnerID, uuid.Must(uuid.NewV7()), "git_push", `{"branch":"main"}`)
	require.NoError(t, err)

	pending, err := svc.ListPendingForRunner(ctx, runnerID, 10, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "git_push", pending[0].Kind)

	require.NoError(t, svc.Finalize(ctx, result.JobID, "c2VhbGVkLWJsb2I=", result.SealedInputAlg, result.SealedInputKeyID))

	t.Run("finalize rejects mismatched sealing params", func(t *testing.T) {
		result2, err := svc.Enqueue(ctx, projectID, runnerID, uuid.Must(uuid.NewV7()), "custom", "")
		require.NoError(t, err)
		err = svc.Finalize(ctx, result2.JobID, "c2VhbGVk", "wrong-alg", result2.SealedInputKeyID)
		require.Error(t, err)
	})

	require.NoError(t, svc.TakeResult(ctx, result.JobID, `{"ok":true}`, false, ""))

	t.Run("second TakeResult on a done job is rejected", func(t *testing.T) {
		err := svc.TakeResult(ctx, result.JobID, `{"ok":true}`, false, "")
		require.Error(t, err)
	})
}

func TestEnqueue_RejectsOversizedPayload(t *testing.T) {
	svc, projectID, runnerID := newRunnerQueueTestService(t)
	big := make([]byte, maxPayloadMetaLen+1)
	for i := range big {
		big[i] = 'a'
	}
	_, err := svc.Enqueue(context.Background(), projectID, runnerID, uuid.Must(uuid.NewV7()), "custom", string(big))
	require.Error(t, err)
}
