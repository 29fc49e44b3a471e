// Package erasure implements the project-erasure state machine of spec.md
// §4.5: a lease-guarded, stage-sequenced, batch-bounded deletion of every
// document belonging to a project.
package erasure

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/fleetcore/control-plane/internal/apierr"
	"github.com/fleetcore/control-plane/internal/audit"
	"github.com/fleetcore/control-plane/internal/db"
	"github.com/fleetcore/control-plane/internal/metrics"
	"github.com/fleetcore/control-plane/internal/repository"
	"github.com/fleetcore/control-plane/internal/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	batchSize     = 200
	leaseTTL      = 60 * time.Second
	jobStepDelay  = 500 * time.Millisecond
	tokenTTL      = 15 * time.Minute
	tokenByteLen  = 32
)

// stages is the exact sequence of spec.md §4.5, in order. "providers" has no
// corresponding entity in the data model other than Runner, which the data
// model states is deleted on project erasure but which otherwise appears
// nowhere in this list — see DESIGN.md's Open Question resolution.
var stages = []string{
	"runEvents", "runs", "providers", "projectConfigs", "projectMembers",
	"auditLogs", "projectPolicies", "projectDeletionTokens", "project", "done",
}

func nextStage(stage string) string {
	for i, s := range stages {
		if s == stage && i+1 < len(stages) {
			return stages[i+1]
		}
	}
	return "done"
}

// Scheduler is the minimal self-scheduling capability this package needs;
// satisfied by internal/scheduler's durable ScheduledTask dispatcher.
type Scheduler interface {
	ScheduleAfter(ctx context.Context, delay time.Duration, fn string, args map[string]any) error
}

// RunDeletionJobStepFn is the registered function name the scheduler
// dispatches to advance a job by one step.
const RunDeletionJobStepFn = "erasure.runDeletionJobStep"

// Notifier is the subset of notification.Service this package needs.
type Notifier interface {
	NotifyErasureCompleted(ctx context.Context, projectID uuid.UUID, projectName string) error
}

// Service drives deleteStart/deleteConfirm/runDeletionJobStep/deleteStatus.
type Service struct {
	projects      repository.ProjectRepository
	deletionToks  repository.ProjectDeletionTokenRepository
	jobs          repository.ProjectDeletionJobRepository
	runEvents     repository.RunEventRepository
	runs          repository.RunRepository
	runners       repository.RunnerRepository
	configs       repository.ProjectConfigRepository
	members       repository.ProjectMemberRepository
	auditLogs     repository.AuditLogRepository
	policies      repository.ProjectPolicyRepository
	audit         *audit.Service
	scheduler     Scheduler
	notifier      Notifier       // nil disables the erasure-completed notification
	hub           *websocket.Hub // nil disables live project.erasure_progress pushes
	logger        *zap.Logger
}

func NewService(
	projects repository.ProjectRepository,
	deletionToks repository.ProjectDeletionTokenRepository,
	jobs repository.ProjectDeletionJobRepository,
	runEvents repository.RunEventRepository,
	runs repository.RunRepository,
	runners repository.RunnerRepository,
	configs repository.ProjectConfigRepository,
	members repository.ProjectMemberRepository,
	auditLogs repository.AuditLogRepository,
	policies repository.ProjectPolicyRepository,
	auditSvc *audit.Service,
	notifier Notifier,
	hub *websocket.Hub,
	scheduler Scheduler,
	logger *zap.Logger,
) *Service {
	return &Service{
		projects: projects, deletionToks: deletionToks, jobs: jobs,
		runEvents: runEvents, runs: runs, runners: runners, configs: configs,
		members: members, auditLogs: auditLogs, policies: policies,
		audit: auditSvc, scheduler: scheduler, notifier: notifier, hub: hub,
		logger: logger.Named("erasure"),
	}
}

// erasureTopic is the WebSocket topic a project's deletion-job progress is
// published on; see internal/websocket's topic naming convention.
func erasureTopic(projectID uuid.UUID) string {
	return "project:" + projectID.String() + ":erasure"
}

// DeleteStart implements spec.md §4.5 step 1.
func (s *Service) DeleteStart(ctx context.Context, projectID, callerID uuid.UUID) (token string, expiresAt time.Time, err error) {
	if err := s.deletionToks.DeleteAllForProject(ctx, projectID); err != nil {
		return "", time.Time{}, apierr.NewInternal(err.Error())
	}

	raw := make([]byte, tokenByteLen)
	if _, err := rand.Read(raw); err != nil {
		return "", time.Time{}, apierr.NewInternal(err.Error())
	}
	token = base64.RawURLEncoding.EncodeToString(raw)
	expiresAt = time.Now().Add(tokenTTL)

	row := &db.ProjectDeletionToken{
		ProjectID:       projectID,
		TokenHash:       sha256Hex(token),
		CreatedByUserID: callerID,
		ExpiresAt:       expiresAt,
	}
	if err := s.deletionToks.Create(ctx, row); err != nil {
		return "", time.Time{}, apierr.NewInternal(err.Error())
	}

	_ = s.audit.Append(ctx, callerID, &projectID, "project.delete_start", "", "")
	return token, expiresAt, nil
}

// DeleteConfirm implements spec.md §4.5 step 2.
func (s *Service) DeleteConfirm(ctx context.Context, projectID, callerID uuid.UUID, token, confirmation string) (uuid.UUID, error) {
	project, err := s.projects.GetByID(ctx, projectID)
	if err != nil {
		return uuid.Nil, apierr.NewNotFound("project not found")
	}

	expected := "delete " + project.Name
	if strings.TrimSpace(confirmation) != expected {
		return uuid.Nil, apierr.NewConflict("confirmation string does not match")
	}

	candidates, err := s.deletionToks.ListNonExpiredForProject(ctx, projectID, time.Now())
	if err != nil {
		return uuid.Nil, apierr.NewInternal(err.Error())
	}
	tokenHash := sha256Hex(strings.TrimSpace(token))
	matched := false
	for _, c := range candidates {
		if constantTimeEqual(c.TokenHash, tokenHash) {
			matched = true
		}
	}
	if !matched {
		return uuid.Nil, apierr.NewConflict("deletion token is invalid or expired")
	}

	if _, err := s.jobs.GetActiveForProject(ctx, projectID); err == nil {
		return uuid.Nil, apierr.NewConflict("project deletion already running")
	} else if !errors.Is(err, repository.ErrNotFound) {
		return uuid.Nil, apierr.NewInternal(err.Error())
	}

	job := &db.ProjectDeletionJob{
		ProjectID: projectID,
		Status:    "pending",
		Stage:     stages[0],
		Processed: 0,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return uuid.Nil, apierr.NewInternal(err.Error())
	}

	if _, err := s.deletionToks.DeleteBatch(ctx, projectID, 1000); err != nil {
		s.logger.Warn("failed to clear deletion tokens after confirm", zap.Error(err))
	}

	_ = s.audit.Append(ctx, callerID, &projectID, "project.delete_confirm", "", "")

	if err := s.scheduler.ScheduleAfter(ctx, jobStepDelay, RunDeletionJobStepFn, map[string]any{"jobId": job.ID.String()}); err != nil {
		s.logger.Warn("failed to schedule first erasure step", zap.Error(err))
	}
	return job.ID, nil
}

// StageStatus is the public projection of a ProjectDeletionJob.
type StageStatus struct {
	JobID       uuid.UUID
	ProjectID   uuid.UUID
	Status      string
	Stage       string
	Processed   int64
	UpdatedAt   time.Time
	CompletedAt *time.Time
	LastError   string
}

// DeleteStatus implements spec.md §4.5's deleteStatus.
func (s *Service) DeleteStatus(ctx context.Context, jobID uuid.UUID) (*StageStatus, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apierr.NewNotFound("deletion job not found")
		}
		return nil, apierr.NewInternal(err.Error())
	}
	return &StageStatus{
		JobID: job.ID, ProjectID: job.ProjectID, Status: job.Status, Stage: job.Stage,
		Processed: job.Processed, UpdatedAt: job.UpdatedAt, CompletedAt: job.CompletedAt,
		LastError: job.LastError,
	}, nil
}

// RunDeletionJobStep implements spec.md §4.5 steps 1-8. It is registered
// with the durable scheduler under RunDeletionJobStepFn and invoked
// at-least-once with {jobId} as its argument.
func (s *Service) RunDeletionJobStep(ctx context.Context, jobID uuid.UUID) error {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return err
	}
	if job.Status == "completed" || job.Status == "failed" {
		return nil
	}
	if job.LeaseExpiresAt != nil && job.LeaseExpiresAt.After(time.Now()) {
		return nil // another worker is still holding the lease
	}

	leaseID := uuid.NewString()
	leaseExpiresAt := time.Now().Add(leaseTTL)
	won, err := s.jobs.TryAcquireLease(ctx, jobID, leaseID, leaseExpiresAt)
	if err != nil {
		return err
	}
	if !won {
		metrics.LeaseContention.WithLabelValues("erasure").Inc()
		return nil // another worker won the race
	}

	job, err = s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.LeaseID != leaseID {
		return nil
	}

	// The "project" stage hard-deletes the Project row itself, so its name
	// must be captured before executeStage runs if this step is the one that
	// reaches "done" and needs to name the project in a completion notice.
	var projectName string
	if job.Stage == "project" {
		if p, err := s.projects.GetByID(ctx, job.ProjectID); err == nil {
			projectName = p.Name
		}
	}

	deleted, stageDone, stepErr := s.executeStage(ctx, job.ProjectID, job.Stage)
	if stepErr != nil {
		job.Status = "failed"
		job.LastError = stepErr.Error()
		job.LeaseID = ""
		job.LeaseExpiresAt = nil
		return s.jobs.Update(ctx, job)
	}
	metrics.ErasureBatchesProcessed.WithLabelValues(job.Stage).Inc()

	job.Processed += int64(deleted)
	if stageDone {
		job.Stage = nextStage(job.Stage)
	}
	job.LeaseID = ""
	job.LeaseExpiresAt = nil

	if job.Stage == "done" {
		job.Status = "completed"
		now := time.Now()
		job.CompletedAt = &now
		if err := s.jobs.Update(ctx, job); err != nil {
			return err
		}
		s.publishProgress(job)
		if s.notifier != nil {
			_ = s.notifier.NotifyErasureCompleted(ctx, job.ProjectID, projectName)
		}
		return nil
	}

	if err := s.jobs.Update(ctx, job); err != nil {
		return err
	}
	s.publishProgress(job)
	return s.scheduler.ScheduleAfter(ctx, jobStepDelay, RunDeletionJobStepFn, map[string]any{"jobId": job.ID.String()})
}

// publishProgress pushes a project.erasure_progress update so an admin
// watching the project settings page sees live progress without polling.
func (s *Service) publishProgress(job *db.ProjectDeletionJob) {
	if s.hub == nil {
		return
	}
	s.hub.Publish(erasureTopic(job.ProjectID), websocket.Message{
		Type:  websocket.MsgErasureProgress,
		Topic: erasureTopic(job.ProjectID),
		Payload: map[string]any{
			"status":    job.Status,
			"stage":     job.Stage,
			"processed": job.Processed,
		},
	})
}

// executeStage deletes one batch for the current stage and reports whether
// the stage is now complete (a batch returned fewer rows than batchSize, or
// a single-document stage did its one delete).
func (s *Service) executeStage(ctx context.Context, projectID uuid.UUID, stage string) (deleted int, stageDone bool, err error) {
	switch stage {
	case "runEvents":
		n, err := s.runEvents.DeleteAllBatch(ctx, projectID, batchSize)
		return int(n), n < int64(batchSize), err
	case "runs":
		n, err := s.runs.DeleteBatch(ctx, projectID, batchSize)
		return int(n), n < int64(batchSize), err
	case "providers":
		n, err := s.runners.DeleteBatch(ctx, projectID, batchSize)
		return int(n), n < int64(batchSize), err
	case "projectConfigs":
		n, err := s.configs.DeleteBatch(ctx, projectID, batchSize)
		return int(n), n < int64(batchSize), err
	case "projectMembers":
		n, err := s.members.DeleteBatch(ctx, projectID, batchSize)
		return int(n), n < int64(batchSize), err
	case "auditLogs":
		n, err := s.auditLogs.DeleteAllBatch(ctx, projectID, batchSize)
		return int(n), n < int64(batchSize), err
	case "projectPolicies":
		n, err := s.policies.DeleteBatch(ctx, projectID, batchSize)
		return int(n), n < int64(batchSize), err
	case "projectDeletionTokens":
		n, err := s.deletionToks.DeleteBatch(ctx, projectID, batchSize)
		return int(n), n < int64(batchSize), err
	case "project":
		if err := s.projects.HardDelete(ctx, projectID); err != nil {
			return 0, false, err
		}
		return 1, true, nil
	default:
		return 0, true, nil
	}
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// constantTimeEqual compares two hex strings in time dependent only on the
// length of the longer buffer, per spec.md §9.
func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		// still run a full compare over the longer buffer so the mismatch
		// path costs the same as an equal-length compare of that length.
		longer := a
		if len(b) > len(a) {
			longer = b
		}
		_ = subtle.ConstantTimeCompare([]byte(longer), []byte(longer))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
