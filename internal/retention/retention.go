// Package retention implements the retention sweeper of spec.md §4.7: a
// singleton, lease-guarded, budget-bounded walk over every project's
// policy, deleting expired RunEvents, AuditLogs, and terminal Runs.
package retention

import (
	"context"
	"time"

	"github.com/fleetcore/control-plane/internal/db"
	"github.com/fleetcore/control-plane/internal/metrics"
	"github.com/fleetcore/control-plane/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	maxProjectsPerSweep    = 25
	globalDeleteBudget     = 1000
	perProjectDeleteBudget = 200
	sweepBatchSize         = 200
	continueDelay          = 5 * time.Second
	leaseTTL               = 60 * time.Second
)

// Scheduler is the minimal self-scheduling capability this package needs.
type Scheduler interface {
	ScheduleAfter(ctx context.Context, delay time.Duration, fn string, args map[string]any) error
}

// RunRetentionSweepFn is the registered function name for the durable
// scheduler's continuation dispatch.
const RunRetentionSweepFn = "retention.runRetentionSweep"

// Notifier is the subset of notification.Service this package needs.
type Notifier interface {
	NotifyRetentionBudgetExhausted(ctx context.Context, deletedCount int) error
}

// Service drives runRetentionSweep.
type Service struct {
	sweep     repository.RetentionSweepRepository
	policies  repository.ProjectPolicyRepository
	runEvents repository.RunEventRepository
	auditLogs repository.AuditLogRepository
	runs      repository.RunRepository
	scheduler Scheduler
	notifier  Notifier // nil disables the budget-exhausted notification
	logger    *zap.Logger
}

func NewService(
	sweep repository.RetentionSweepRepository,
	policies repository.ProjectPolicyRepository,
	runEvents repository.RunEventRepository,
	auditLogs repository.AuditLogRepository,
	runs repository.RunRepository,
	scheduler Scheduler,
	notifier Notifier,
	logger *zap.Logger,
) *Service {
	return &Service{
		sweep: sweep, policies: policies, runEvents: runEvents,
		auditLogs: auditLogs, runs: runs, scheduler: scheduler,
		notifier: notifier, logger: logger.Named("retention"),
	}
}

// normalizeRetentionDays clamps a stored RetentionDays value to [1, 365],
// matching the explicit-value rule project.SetRetentionPolicy already
// enforces before a policy is persisted (<1→1, >365→365). The distinct
// unset→30 default lives only in the exported, pointer-based
// NormalizeRetentionDays below, since a stored int can't represent "unset".
func normalizeRetentionDays(days int) int {
	if days < 1 {
		return 1
	}
	if days > 365 {
		return 365
	}
	return days
}

// NormalizeRetentionDays is the exported form, covering the zero/undefined
// case distinctly from an explicit "<1" input per spec.md §8 (0→1, unset→30).
func NormalizeRetentionDays(days *int) int {
	if days == nil {
		return 30
	}
	if *days < 1 {
		return 1
	}
	if *days > 365 {
		return 365
	}
	return *days
}

// hasActiveLease implements spec.md §8: a lease is active iff its
// expiry is set and in the future.
func hasActiveLease(expiresAt *time.Time, now time.Time) bool {
	return expiresAt != nil && expiresAt.After(now)
}

// RunRetentionSweep implements spec.md §4.7. reason is logged only;
// callerLeaseID, if non-empty, identifies a continuation carried forward
// from a prior invocation that exhausted its budget.
func (s *Service) RunRetentionSweep(ctx context.Context, reason string, callerLeaseID string) error {
	row, err := s.sweep.Get(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	if hasActiveLease(row.LeaseExpiresAt, now) && row.LeaseID != callerLeaseID {
		s.logger.Debug("retention sweep skipped: lease held by another worker", zap.String("reason", reason))
		return nil
	}

	leaseID := callerLeaseID
	if leaseID == "" {
		leaseID = uuid.NewString()
	}
	won, err := s.sweep.TryAcquireLease(ctx, leaseID, now.Add(leaseTTL))
	if err != nil {
		return err
	}
	if !won {
		metrics.LeaseContention.WithLabelValues("retention").Inc()
		return nil
	}

	globalBudget := globalDeleteBudget
	projectsVisited := 0
	cursor := row.Cursor
	var afterID uuid.UUID
	if cursor != "" {
		if parsed, err := uuid.Parse(cursor); err == nil {
			afterID = parsed
		}
	}

	for projectsVisited < maxProjectsPerSweep && globalBudget > 0 {
		policies, err := s.policies.ListPage(ctx, afterID, 1)
		if err != nil {
			return err
		}
		if len(policies) == 0 {
			// reached the end of the list
			if err := s.sweep.UpdateCursor(ctx, leaseID, ""); err != nil {
				return err
			}
			return s.sweep.ReleaseLease(ctx, leaseID)
		}

		policy := policies[0]
		projectsVisited++

		deleted, exhausted, projectErr := s.sweepProject(ctx, policy, globalBudget)
		if projectErr != nil {
			// one project's error does not fail the whole sweep (spec.md §7).
			s.logger.Warn("retention sweep: project failed", zap.String("project_id", policy.ProjectID.String()), zap.Error(projectErr))
			afterID = policy.ProjectID
			continue
		}
		globalBudget -= deleted

		if exhausted {
			// this project's budget ran out with rows likely still pending:
			// leave the cursor short of this project (don't advance past it)
			// and stop visiting further projects, so the block below always
			// self-schedules a continuation that resumes right here.
			break
		}
		afterID = policy.ProjectID
	}

	if globalBudget <= 0 && s.notifier != nil {
		_ = s.notifier.NotifyRetentionBudgetExhausted(ctx, globalDeleteBudget-globalBudget)
	}

	if err := s.sweep.UpdateCursor(ctx, leaseID, afterID.String()); err != nil {
		return err
	}
	if err := s.sweep.ReleaseLease(ctx, leaseID); err != nil {
		return err
	}

	if s.scheduler != nil {
		return s.scheduler.ScheduleAfter(ctx, continueDelay, RunRetentionSweepFn, map[string]any{
			"reason":  "sweep.continuation",
			"leaseId": leaseID,
		})
	}
	return nil
}

// sweepProject implements spec.md §4.7's per-project deletion order,
// stopping as soon as the per-project or remaining global budget runs out.
// The returned bool reports whether the project's budget was exhausted
// while rows may still remain (as opposed to the project having been fully
// drained) — the caller must not advance its cursor past a project that
// returns true, so the next sweep (or self-scheduled continuation) resumes
// on the same project instead of skipping it.
func (s *Service) sweepProject(ctx context.Context, policy db.ProjectPolicy, globalRemaining int) (int, bool, error) {
	retentionDays := normalizeRetentionDays(policy.RetentionDays)
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	projectID := policy.ProjectID

	budget := perProjectDeleteBudget
	if globalRemaining < budget {
		budget = globalRemaining
	}
	total := 0

	for budget > 0 {
		batch := sweepBatchSize
		if batch > budget {
			batch = budget
		}
		n, err := s.runEvents.DeleteBatchByProject(ctx, projectID, cutoff, batch)
		if err != nil {
			return total, false, err
		}
		metrics.RetentionRowsDeleted.WithLabelValues("run_events").Add(float64(n))
		total += int(n)
		budget -= int(n)
		if n < int64(batch) {
			break
		}
	}

	for budget > 0 {
		batch := sweepBatchSize
		if batch > budget {
			batch = budget
		}
		n, err := s.auditLogs.DeleteBatch(ctx, projectID, cutoff, batch)
		if err != nil {
			return total, false, err
		}
		metrics.RetentionRowsDeleted.WithLabelValues("audit_logs").Add(float64(n))
		total += int(n)
		budget -= int(n)
		if n < int64(batch) {
			break
		}
	}

	for budget > 0 {
		runs, err := s.runs.ListTerminalOlderThan(ctx, projectID, cutoff, 1)
		if err != nil {
			return total, false, err
		}
		if len(runs) == 0 {
			break
		}
		r := runs[0]
		for budget > 0 {
			batch := sweepBatchSize
			if batch > budget {
				batch = budget
			}
			n, err := s.runEvents.DeleteBatchByRun(ctx, r.ID, batch)
			if err != nil {
				return total, false, err
			}
			total += int(n)
			budget -= int(n)
			if n < int64(batch) {
				break
			}
		}
		if budget <= 0 {
			break
		}
		if err := s.runs.DeleteByID(ctx, r.ID); err != nil {
			return total, false, err
		}
		metrics.RetentionRowsDeleted.WithLabelValues("runs").Inc()
		total++
		budget--
	}

	// budget <= 0 here means the per-project (or remaining global) cap was
	// the limiting factor rather than the project running out of expired
	// rows — the caller must keep the cursor on this project so the next
	// pass picks up where this one left off.
	return total, budget <= 0, nil
}
