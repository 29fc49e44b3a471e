package erasure

import (
	"context"
	"testing"
	"time"

	"github.com/fleetcore/control-plane/internal/audit"
	"github.com/fleetcore/control-plane/internal/db"
	"github.com/fleetcore/control-plane/internal/repository"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSha256HexAndConstantTimeEqual(t *testing.T) {
	t.Run("sha256Hex is deterministic", func(t *testing.T) {
		assert.Equal(t, sha256Hex("hello"), sha256Hex("hello"))
		assert.NotEqual(t, sha256Hex("hello"), sha256Hex("world"))
	})
	t.Run("constantTimeEqual matches equal strings", func(t *testing.T) {
		a := sha256Hex("token-a")
		assert.True(t, constantTimeEqual(a, a))
	})
	t.Run("constantTimeEqual rejects differing strings of equal length", func(t *testing.T) {
		assert.False(t, constantTimeEqual(sha256Hex("token-a"), sha256Hex("token-b")))
	})
	t.Run("constantTimeEqual rejects differing lengths without panicking", func(t *testing.T) {
		assert.False(t, constantTimeEqual("abc", "abcd"))
	})
}

func TestNextStage(t *testing.T) {
	assert.Equal(t, "runs", nextStage("runEvents"))
	assert.Equal(t, "done", nextStage("project"))
	assert.Equal(t, "done", nextStage("done"))
	assert.Equal(t, "done", nextStage("not-a-real-stage"))
}

// recordingScheduler captures ScheduleAfter calls instead of actually
// delaying, so tests can drive the state machine step by step.
type recordingScheduler struct {
	calls []map[string]any
}

func (r *recordingScheduler) ScheduleAfter(ctx context.Context, delay time.Duration, fn string, args map[string]any) error {
	r.calls = append(r.calls, args)
	return nil
}

type fakeErasureNotifier struct {
	completedProjectID uuid.UUID
	completedName      string
	calls              int
}

func (f *fakeErasureNotifier) NotifyErasureCompleted(ctx context.Context, projectID uuid.UUID, projectName string) error {
	f.completedProjectID = projectID
	f.completedName = projectName
	f.calls++
	return nil
}

func newErasureTestService(t *testing.T) (*Service, *recordingScheduler, *fakeErasureNotifier, repository.ProjectRepository) {
	t.Helper()
	gdb, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)

	projects := repository.NewProjectRepository(gdb)
	deletionToks := repository.NewProjectDeletionTokenRepository(gdb)
	jobs := repository.NewProjectDeletionJobRepository(gdb)
	runEvents := repository.NewRunEventRepository(gdb)
	runs := repository.NewRunRepository(gdb)
	runners := repository.NewRunnerRepository(gdb)
	configs := repository.NewProjectConfigRepository(gdb)
	members := repository.NewProjectMemberRepository(gdb)
	auditLogs := repository.NewAuditLogRepository(gdb)
	policies := repository.NewProjectPolicyRepository(gdb)
	auditSvc := audit.NewService(auditLogs)

	sched := &recordingScheduler{}
	notifier := &fakeErasureNotifier{}
	svc := NewService(projects, deletionToks, jobs, runEvents, runs, runners, configs, members, auditLogs, policies, auditSvc, notifier, nil, sched, zap.NewNop())
	return svc, sched, notifier, projects
}

func TestDeleteConfirm_ConfirmationMismatch(t *testing.T) {
	ctx := context.Background()
	svc, _, _, projects := newErasureTestService(t)

	owner := uuid.Must(uuid.NewV7())
	project := &db.Project{Name: "acme-prod", OwnerUserID: owner}
	require.NoError(t, projects.Create(ctx, project))

	token, _, err := svc.DeleteStart(ctx, project.ID, owner)
	require.NoError(t, err)

	_, err = svc.DeleteConfirm(ctx, project.ID, owner, token, "delete the wrong project")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "confirmation string does not match")
}

func TestDeleteConfirm_InvalidToken(t *testing.T) {
	ctx := context.Background()
	svc, _, _, projects := newErasureTestService(t)

	owner := uuid.Must(uuid.NewV7())
	project := &db.Project{Name: "acme-prod", OwnerUserID: owner}
	require.NoError(t, projects.Create(ctx, project))

	_, _, err := svc.DeleteStart(ctx, project.ID, owner)
	require.NoError(t, err)

	_, err = svc.DeleteConfirm(ctx, project.ID, owner, "not-the-real-token", "delete acme-prod")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deletion token is invalid or expired")
}

func TestDeleteConfirm_RejectsConcurrentDeletion(t *testing.T) {
	ctx := context.Background()
	svc, _, _, projects := newErasureTestService(t)

	owner := uuid.Must(uuid.NewV7())
	project := &db.Project{Name: "acme-prod", OwnerUserID: owner}
	require.NoError(t, projects.Create(ctx, project))

	token, _, err := svc.DeleteStart(ctx, project.ID, owner)
	require.NoError(t, err)
	_, err = svc.DeleteConfirm(ctx, project.ID, owner, token, "delete acme-prod")
	require.NoError(t, err)

	// A second deleteStart+deleteConfirm cycle must be rejected while the
	// first job is still active, per the single-active-job invariant.
	token2, _, err := svc.DeleteStart(ctx, project.ID, owner)
	require.NoError(t, err)
	_, err = svc.DeleteConfirm(ctx, project.ID, owner, token2, "delete acme-prod")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

// TestErasureStageSequence_EndToEnd drives RunDeletionJobStep through every
// stage for a freshly created project with no runs, runners or members
// (only the deletion token and audit rows the confirm flow writes), asserting
// the job reaches "done" and fires the completion notification exactly once
// with the project's name captured before the "project" stage deleted it.
func TestErasureStageSequence_EndToEnd(t *testing.T) {
	ctx := context.Background()
	svc, sched, notifier, projects := newErasureTestService(t)

	owner := uuid.Must(uuid.NewV7())
	project := &db.Project{Name: "acme-prod", OwnerUserID: owner}
	require.NoError(t, projects.Create(ctx, project))

	token, _, err := svc.DeleteStart(ctx, project.ID, owner)
	require.NoError(t, err)
	jobID, err := svc.DeleteConfirm(ctx, project.ID, owner, token, "delete acme-prod")
	require.NoError(t, err)
	require.Len(t, sched.calls, 1, "deleteConfirm should schedule the first step")

	// Drive the state machine forward until it reports completed, bounded
	// well above the number of stages so a logic regression fails loudly
	// instead of hanging.
	for i := 0; i < len(stages)+5; i++ {
		status, err := svc.DeleteStatus(ctx, jobID)
		require.NoError(t, err)
		if status.Status == "completed" {
			break
		}
		require.NoError(t, svc.RunDeletionJobStep(ctx, jobID))
	}

	final, err := svc.DeleteStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, "completed", final.Status)
	assert.Equal(t, "done", final.Stage)
	assert.NotNil(t, final.CompletedAt)

	assert.Equal(t, 1, notifier.calls)
	assert.Equal(t, project.ID, notifier.completedProjectID)
	assert.Equal(t, "acme-prod", notifier.completedName)

	_, err = projects.GetByID(ctx, project.ID)
	assert.Error(t, err, "project row should be hard-deleted by the terminal stage")
}

// TestRunDeletionJobStep_LeaseContention simulates a second worker racing
// against an already-leased job: it must back off without error instead of
// double-processing the stage.
func TestRunDeletionJobStep_LeaseContention(t *testing.T) {
	ctx := context.Background()
	svc, _, _, projects := newErasureTestService(t)

	owner := uuid.Must(uuid.NewV7())
	project := &db.Project{Name: "acme-prod", OwnerUserID: owner}
	require.NoError(t, projects.Create(ctx, project))

	token, _, err := svc.DeleteStart(ctx, project.ID, owner)
	require.NoError(t, err)
	jobID, err := svc.DeleteConfirm(ctx, project.ID, owner, token, "delete acme-prod")
	require.NoError(t, err)

	job, err := svc.jobs.GetByID(ctx, jobID)
	require.NoError(t, err)
	won, err := svc.jobs.TryAcquireLease(ctx, jobID, uuid.NewString(), time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.True(t, won)

	require.NoError(t, svc.RunDeletionJobStep(ctx, jobID))

	unchanged, err := svc.jobs.GetByID(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, job.Stage, unchanged.Stage, "stage must not advance while another worker holds the lease")
}
