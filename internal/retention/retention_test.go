package retention

import (
	"context"
	"testing"
	"time"

	"github.com/fleetcore/control-plane/internal/db"
	"github.com/fleetcore/control-plane/internal/repository"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNormalizeRetentionDays(t *testing.T) {
	cases := []struct {
		name string
		in   int
		want int
	}{
		{"zero clamps to 1, matching SetRetentionPolicy's explicit-value rule", 0, 1},
		{"negative clamps to 1", -5, 1},
		{"at minimum stays", 1, 1},
		{"within range stays", 90, 90},
		{"at maximum stays", 365, 365},
		{"above maximum clamps to 365", 400, 365},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, normalizeRetentionDays(tc.in))
		})
	}
}

func TestNormalizeRetentionDaysPointer(t *testing.T) {
	t.Run("nil is unset, defaults to 30", func(t *testing.T) {
		assert.Equal(t, 30, NormalizeRetentionDays(nil))
	})
	t.Run("explicit zero clamps to 1, distinct from unset", func(t *testing.T) {
		zero := 0
		assert.Equal(t, 1, NormalizeRetentionDays(&zero))
	})
	t.Run("explicit negative clamps to 1", func(t *testing.T) {
		neg := -10
		assert.Equal(t, 1, NormalizeRetentionDays(&neg))
	})
	t.Run("explicit over-max clamps to 365", func(t *testing.T) {
		big := 9999
		assert.Equal(t, 365, NormalizeRetentionDays(&big))
	})
	t.Run("explicit in-range passes through", func(t *testing.T) {
		mid := 45
		assert.Equal(t, 45, NormalizeRetentionDays(&mid))
	})
}

func TestHasActiveLease(t *testing.T) {
	now := time.Now()
	t.Run("nil expiry is not active", func(t *testing.T) {
		assert.False(t, hasActiveLease(nil, now))
	})
	t.Run("expiry in the past is not active", func(t *testing.T) {
		past := now.Add(-time.Minute)
		assert.False(t, hasActiveLease(&past, now))
	})
	t.Run("expiry in the future is active", func(t *testing.T) {
		future := now.Add(time.Minute)
		assert.True(t, hasActiveLease(&future, now))
	})
}

func TestRunRetentionSweep_UnderBudgetDoesNotNotify(t *testing.T) {
	ctx := context.Background()
	gdb, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)

	projectRepo := repository.NewProjectRepository(gdb)
	policyRepo := repository.NewProjectPolicyRepository(gdb)
	runEventRepo := repository.NewRunEventRepository(gdb)
	auditLogRepo := repository.NewAuditLogRepository(gdb)
	runRepo := repository.NewRunRepository(gdb)
	sweepRepo := repository.NewRetentionSweepRepository(gdb)

	project := &db.Project{Name: "acme"}
	require.NoError(t, projectRepo.Create(ctx, project))

	policy := db.ProjectPolicy{ProjectID: project.ID, RetentionDays: 1}
	require.NoError(t, policyRepo.Upsert(ctx, &policy))

	cutoffPast := time.Now().AddDate(0, 0, -2)
	run := &db.Run{ProjectID: project.ID, Kind: "custom", Status: "succeeded", StartedAt: cutoffPast}
	require.NoError(t, runRepo.Create(ctx, run))

	events := make([]db.RunEvent, 0, 5)
	for i := 0; i < 5; i++ {
		events = append(events, db.RunEvent{
			ProjectID: project.ID,
			RunID:     run.ID,
			Message:   "line",
			Level:     "info",
			Ts:        cutoffPast,
		})
	}
	require.NoError(t, runEventRepo.CreateBatch(ctx, events))

	notifier := &fakeNotifier{}
	svc := NewService(sweepRepo, policyRepo, runEventRepo, auditLogRepo, runRepo, nil, notifier, zap.NewNop())

	require.NoError(t, svc.RunRetentionSweep(ctx, "test", ""))

	remaining, _, err := runEventRepo.ListByRun(ctx, run.ID, repository.ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, remaining, "all expired run events should have been swept")
	assert.False(t, notifier.budgetExhaustedCalled, "budget should not be exhausted by this small a workload")
}

func TestRunRetentionSweep_ExhaustedProjectSelfSchedules(t *testing.T) {
	ctx := context.Background()
	gdb, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)

	projectRepo := repository.NewProjectRepository(gdb)
	policyRepo := repository.NewProjectPolicyRepository(gdb)
	runEventRepo := repository.NewRunEventRepository(gdb)
	auditLogRepo := repository.NewAuditLogRepository(gdb)
	runRepo := repository.NewRunRepository(gdb)
	sweepRepo := repository.NewRetentionSweepRepository(gdb)

	project := &db.Project{Name: "acme"}
	require.NoError(t, projectRepo.Create(ctx, project))

	policy := db.ProjectPolicy{ProjectID: project.ID, RetentionDays: 1}
	require.NoError(t, policyRepo.Upsert(ctx, &policy))

	cutoffPast := time.Now().AddDate(0, 0, -2)
	run := &db.Run{ProjectID: project.ID, Kind: "custom", Status: "succeeded", StartedAt: cutoffPast}
	require.NoError(t, runRepo.Create(ctx, run))

	const eventCount = 250 // exceeds perProjectDeleteBudget (200)
	events := make([]db.RunEvent, 0, eventCount)
	for i := 0; i < eventCount; i++ {
		events = append(events, db.RunEvent{
			ProjectID: project.ID,
			RunID:     run.ID,
			Message:   "line",
			Level:     "info",
			Ts:        cutoffPast,
		})
	}
	require.NoError(t, runEventRepo.CreateBatch(ctx, events))

	scheduler := &recordingScheduler{}
	svc := NewService(sweepRepo, policyRepo, runEventRepo, auditLogRepo, runRepo, scheduler, nil, zap.NewNop())

	require.NoError(t, svc.RunRetentionSweep(ctx, "test", ""))

	remaining, total, err := runEventRepo.ListByRun(ctx, run.ID, repository.ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.NotEmpty(t, remaining, "the project's budget should have capped deletion, leaving rows behind")
	assert.EqualValues(t, eventCount-perProjectDeleteBudget, total, "only the per-project budget's worth of rows should have been deleted")

	row, err := sweepRepo.Get(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, row.Cursor, "cursor must stay on the unfinished project, not reset")

	require.Len(t, scheduler.calls, 1, "an exhausted project must self-schedule a continuation")
	assert.Equal(t, RunRetentionSweepFn, scheduler.calls[0].fn)
	assert.Equal(t, continueDelay, scheduler.calls[0].delay)
}

type recordingScheduler struct {
	calls []recordedScheduleCall
}

type recordedScheduleCall struct {
	delay time.Duration
	fn    string
	args  map[string]any
}

func (r *recordingScheduler) ScheduleAfter(ctx context.Context, delay time.Duration, fn string, args map[string]any) error {
	r.calls = append(r.calls, recordedScheduleCall{delay: delay, fn: fn, args: args})
	return nil
}

func TestRunRetentionSweep_LeaseContentionSkips(t *testing.T) {
	ctx := context.Background()
	gdb, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)

	policyRepo := repository.NewProjectPolicyRepository(gdb)
	runEventRepo := repository.NewRunEventRepository(gdb)
	auditLogRepo := repository.NewAuditLogRepository(gdb)
	runRepo := repository.NewRunRepository(gdb)
	sweepRepo := repository.NewRetentionSweepRepository(gdb)

	won, err := sweepRepo.TryAcquireLease(ctx, uuid.NewString(), time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.True(t, won)

	svc := NewService(sweepRepo, policyRepo, runEventRepo, auditLogRepo, runRepo, nil, nil, zap.NewNop())
	assert.NoError(t, svc.RunRetentionSweep(ctx, "contended", ""))
}

type fakeNotifier struct {
	budgetExhaustedCalled bool
}

func (f *fakeNotifier) NotifyRetentionBudgetExhausted(ctx context.Context, deletedCount int) error {
	f.budgetExhaustedCalled = true
	return nil
}
