package run

import (
	"context"
	"strings"
	"testing"

	"github.com/fleetcore/control-plane/internal/db"
	"github.com/fleetcore/control-plane/internal/repository"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestResolveRunKind(t *testing.T) {
	assert.Equal(t, "bootstrap", resolveRunKind("bootstrap"))
	assert.Equal(t, "git_push", resolveRunKind("git_push"))
	assert.Equal(t, "custom", resolveRunKind("something-unrecognized"))
	assert.Equal(t, "custom", resolveRunKind(""))
}

type fakeRunNotifier struct {
	succeeded, failed int
	lastErrMsg        string
}

func (f *fakeRunNotifier) NotifyRunSucceeded(ctx context.Context, runID, projectID uuid.UUID, runTitle string) error {
	f.succeeded++
	return nil
}

func (f *fakeRunNotifier) NotifyRunFailed(ctx context.Context, runID, projectID uuid.UUID, runTitle, errMsg string) error {
	f.failed++
	f.lastErrMsg = errMsg
	return nil
}

func newRunTestService(t *testing.T, notifier Notifier) (*Service, uuid.UUID) {
	t.Helper()
	gdb, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)

	projects := repository.NewProjectRepository(gdb)
	runs := repository.NewRunRepository(gdb)
	events := repository.NewRunEventRepository(gdb)

	project := &db.Project{Name: "acme"}
	require.NoError(t, projects.Create(context.Background(), project))

	return NewService(runs, events, notifier, nil), project.ID
}

func TestSetStatus_TerminalTransitionNotifies(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeded notifies NotifyRunSucceeded", func(t *testing.T) {
		notifier := &fakeRunNotifier{}
		svc, projectID := newRunTestService(t, notifier)
		r, err := svc.Create(ctx, projectID, uuid.Must(uuid.NewV7()), "bootstrap", "deploy", "host-1")
		require.NoError(t, err)

		require.NoError(t, svc.SetStatus(ctx, r.ID, "succeeded", ""))
		assert.Equal(t, 1, notifier.succeeded)
		assert.Zero(t, notifier.failed)

		got, err := svc.Get(ctx, r.ID)
		require.NoError(t, err)
		assert.NotNil(t, got.FinishedAt)
	})

	t.Run("failed notifies NotifyRunFailed with sanitized message", func(t *testing.T) {
		notifier := &fakeRunNotifier{}
		svc, projectID := newRunTestService(t, notifier)
		r, err := svc.Create(ctx, projectID, uuid.Must(uuid.NewV7()), "git_push", "deploy", "host-1")
		require.NoError(t, err)

		require.NoError(t, svc.SetStatus(ctx, r.ID, "failed", "boom"))
		assert.Equal(t, 1, notifier.failed)
		assert.Zero(t, notifier.succeeded)
		assert.Contains(t, notifier.lastErrMsg, "boom")
	})

	t.Run("re-transitioning a terminal run is rejected", func(t *testing.T) {
		svc, projectID := newRunTestService(t, nil)
		r, err := svc.Create(ctx, projectID, uuid.Must(uuid.NewV7()), "custom", "deploy", "host-1")
		require.NoError(t, err)
		require.NoError(t, svc.SetStatus(ctx, r.ID, "succeeded", ""))

		err = svc.SetStatus(ctx, r.ID, "failed", "too late")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "terminal")
	})

	t.Run("invalid status is rejected", func(t *testing.T) {
		svc, projectID := newRunTestService(t, nil)
		r, err := svc.Create(ctx, projectID, uuid.Must(uuid.NewV7()), "custom", "deploy", "host-1")
		require.NoError(t, err)
		err = svc.SetStatus(ctx, r.ID, "exploding", "")
		require.Error(t, err)
	})
}

func TestAppendBatch_CapsDropsAndTruncates(t *testing.T) {
	ctx := context.Background()
	svc, projectID := newRunTestService(t, nil)
	r, err := svc.Create(ctx, projectID, uuid.Must(uuid.NewV7()), "custom", "deploy", "host-1")
	require.NoError(t, err)

	events := []db.RunEvent{
		{Message: "  "},                            // dropped: empty after trim
		{Message: strings.Repeat("x", maxMessageLen+50)}, // truncated
		{Message: "normal line"},
	}
	require.NoError(t, svc.AppendBatch(ctx, projectID, r.ID, events))

	got, total, err := svc.PageByRun(ctx, r.ID, 10, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	for _, e := range got {
		assert.LessOrEqual(t, len(e.Message), maxMessageLen)
	}
}

func TestAppendBatch_CapsBatchSize(t *testing.T) {
	ctx := context.Background()
	svc, projectID := newRunTestService(t, nil)
	r, err := svc.Create(ctx, projectID, uuid.Must(uuid.NewV7()), "custom", "deploy", "host-1")
	require.NoError(t, err)

	events := make([]db.RunEvent, maxEventBatch+25)
	for i := range events {
		events[i] = db.RunEvent{Message: "line"}
	}
	require.NoError(t, svc.AppendBatch(ctx, projectID, r.ID, events))

	_, total, err := svc.PageByRun(ctx, r.ID, maxEventsPerPage, 0)
	require.NoError(t, err)
	assert.EqualValues(t, maxEventBatch, total)
}
