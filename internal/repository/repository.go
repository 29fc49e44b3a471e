package repository

import (
	"context"
	"time"

	"github.com/fleetcore/control-plane/internal/db"
	"github.com/google/uuid"
)

// ListOptions contains common pagination and filtering options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// -----------------------------------------------------------------------------
// UserRepository
// -----------------------------------------------------------------------------

type UserRepository interface {
	Create(ctx context.Context, user *db.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.User, error)
	GetByTokenIdentifier(ctx context.Context, tokenIdentifier string) (*db.User, error)
	GetByEmail(ctx context.Context, email string) (*db.User, error)
	GetByOIDC(ctx context.Context, provider, sub string) (*db.User, error)
	Update(ctx context.Context, user *db.User) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.User, int64, error)
	ListAdmins(ctx context.Context) ([]db.User, error)
	Count(ctx context.Context) (int64, error)
}

// -----------------------------------------------------------------------------
// RefreshTokenRepository
// -----------------------------------------------------------------------------

type RefreshTokenRepository interface {
	Create(ctx context.Context, token *db.RefreshToken) error
	GetByHash(ctx context.Context, hash string) (*db.RefreshToken, error)
	DeleteByHash(ctx context.Context, hash string) error
	Revoke(ctx context.Context, id uuid.UUID) error
	RevokeAllForUser(ctx context.Context, userID uuid.UUID) error
	DeleteExpired(ctx context.Context) error
}

// -----------------------------------------------------------------------------
// OIDCProviderRepository
// -----------------------------------------------------------------------------

type OIDCProviderRepository interface {
	Create(ctx context.Context, provider *db.OIDCProvider) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.OIDCProvider, error)
	GetEnabled(ctx context.Context) (*db.OIDCProvider, error)
	Update(ctx context.Context, provider *db.OIDCProvider) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// -----------------------------------------------------------------------------
// ProjectRepository
// -----------------------------------------------------------------------------

type ProjectRepository interface {
	Create(ctx context.Context, project *db.Project) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Project, error)
	Update(ctx context.Context, project *db.Project) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
	// List returns projects ordered by_project_startedAt descending — here
	// realized as created_at since Project has no run of its own.
	List(ctx context.Context, opts ListOptions) ([]db.Project, int64, error)
	ListIDs(ctx context.Context, cursor uuid.UUID, limit int) ([]db.Project, error)
	HardDelete(ctx context.Context, id uuid.UUID) error
}

type ProjectMemberRepository interface {
	Create(ctx context.Context, member *db.ProjectMember) error
	GetByProjectAndUser(ctx context.Context, projectID, userID uuid.UUID) (*db.ProjectMember, error)
	ListByProject(ctx context.Context, projectID uuid.UUID) ([]db.ProjectMember, error)
	// DeleteBatch deletes up to limit members for a project, by_project_user,
	// and returns how many rows were removed — used by the erasure machine.
	DeleteBatch(ctx context.Context, projectID uuid.UUID, limit int) (int64, error)
}

type ProjectPolicyRepository interface {
	Upsert(ctx context.Context, policy *db.ProjectPolicy) error
	GetByProject(ctx context.Context, projectID uuid.UUID) (*db.ProjectPolicy, error)
	// ListPage returns policies ordered by project id, used by the retention
	// sweeper's cursor walk.
	ListPage(ctx context.Context, afterProjectID uuid.UUID, limit int) ([]db.ProjectPolicy, error)
	DeleteBatch(ctx context.Context, projectID uuid.UUID, limit int) (int64, error)
}

type ProjectConfigRepository interface {
	DeleteBatch(ctx context.Context, projectID uuid.UUID, limit int) (int64, error)
}

// -----------------------------------------------------------------------------
// RunRepository / RunEventRepository
// -----------------------------------------------------------------------------

type RunRepository interface {
	Create(ctx context.Context, run *db.Run) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Run, error)
	Update(ctx context.Context, run *db.Run) error
	ListByProject(ctx context.Context, projectID uuid.UUID, opts ListOptions) ([]db.Run, int64, error)
	// ListTerminalOlderThan returns up to limit terminal runs for a project
	// started before cutoff, via by_project_startedAt — used by the
	// retention sweeper.
	ListTerminalOlderThan(ctx context.Context, projectID uuid.UUID, cutoff time.Time, limit int) ([]db.Run, error)
	DeleteBatch(ctx context.Context, projectID uuid.UUID, limit int) (int64, error)
	DeleteByID(ctx context.Context, id uuid.UUID) error
}

type RunEventRepository interface {
	CreateBatch(ctx context.Context, events []db.RunEvent) error
	ListByRun(ctx context.Context, runID uuid.UUID, opts ListOptions) ([]db.RunEvent, int64, error)
	DeleteBatchByProject(ctx context.Context, projectID uuid.UUID, cutoff time.Time, limit int) (int64, error)
	DeleteBatchByRun(ctx context.Context, runID uuid.UUID, limit int) (int64, error)
	DeleteAllBatch(ctx context.Context, projectID uuid.UUID, limit int) (int64, error)
}

// -----------------------------------------------------------------------------
// RunnerRepository / RunnerTokenRepository / SecretWiringRepository
// -----------------------------------------------------------------------------

type RunnerRepository interface {
	Upsert(ctx context.Context, runner *db.Runner) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Runner, error)
	GetByProjectAndName(ctx context.Context, projectID uuid.UUID, name string) (*db.Runner, error)
	ListByProject(ctx context.Context, projectID uuid.UUID, opts ListOptions) ([]db.Runner, int64, error)
	DeleteBatch(ctx context.Context, projectID uuid.UUID, limit int) (int64, error)
}

type RunnerTokenRepository interface {
	Create(ctx context.Context, token *db.RunnerToken) error
	GetByHash(ctx context.Context, hash string) (*db.RunnerToken, error)
	Revoke(ctx context.Context, id uuid.UUID) error
	TouchLastUsed(ctx context.Context, id uuid.UUID) error
}

type SecretWiringRepository interface {
	Upsert(ctx context.Context, entry *db.SecretWiring) error
	ListByProjectHost(ctx context.Context, projectID uuid.UUID, hostName string) ([]db.SecretWiring, error)
}

// -----------------------------------------------------------------------------
// AuditLogRepository
// -----------------------------------------------------------------------------

type AuditLogRepository interface {
	Create(ctx context.Context, entry *db.AuditLog) error
	ListByProject(ctx context.Context, projectID uuid.UUID, opts ListOptions) ([]db.AuditLog, int64, error)
	DeleteBatch(ctx context.Context, projectID uuid.UUID, cutoff time.Time, limit int) (int64, error)
	DeleteAllBatch(ctx context.Context, projectID uuid.UUID, limit int) (int64, error)
}

// -----------------------------------------------------------------------------
// RateLimitRepository
// -----------------------------------------------------------------------------

type RateLimitRepository interface {
	// Reserve implements the exact fixed-window upsert of §4.2 atomically.
	Reserve(ctx context.Context, key string, windowStart time.Time, limit int) (allowed bool, count int, err error)
}

// -----------------------------------------------------------------------------
// Project-erasure
// -----------------------------------------------------------------------------

type ProjectDeletionTokenRepository interface {
	DeleteAllForProject(ctx context.Context, projectID uuid.UUID) error
	Create(ctx context.Context, token *db.ProjectDeletionToken) error
	ListNonExpiredForProject(ctx context.Context, projectID uuid.UUID, now time.Time) ([]db.ProjectDeletionToken, error)
	DeleteBatch(ctx context.Context, projectID uuid.UUID, limit int) (int64, error)
}

type ProjectDeletionJobRepository interface {
	Create(ctx context.Context, job *db.ProjectDeletionJob) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.ProjectDeletionJob, error)
	GetActiveForProject(ctx context.Context, projectID uuid.UUID) (*db.ProjectDeletionJob, error)
	Update(ctx context.Context, job *db.ProjectDeletionJob) error
	// TryAcquireLease performs the conditional patch described in §4.5 step 3
	// and returns whether this caller won the lease.
	TryAcquireLease(ctx context.Context, id uuid.UUID, leaseID string, leaseExpiresAt time.Time) (bool, error)
}

// -----------------------------------------------------------------------------
// RetentionSweepRepository
// -----------------------------------------------------------------------------

type RetentionSweepRepository interface {
	Get(ctx context.Context) (*db.RetentionSweep, error)
	// TryAcquireLease mirrors ProjectDeletionJobRepository.TryAcquireLease for
	// the singleton row.
	TryAcquireLease(ctx context.Context, leaseID string, leaseExpiresAt time.Time) (bool, error)
	UpdateCursor(ctx context.Context, leaseID, cursor string) error
	ReleaseLease(ctx context.Context, leaseID string) error
}

// -----------------------------------------------------------------------------
// RunnerJobRepository
// -----------------------------------------------------------------------------

type RunnerJobRepository interface {
	Create(ctx context.Context, job *db.RunnerJob) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.RunnerJob, error)
	Update(ctx context.Context, job *db.RunnerJob) error
	ListPendingForRunner(ctx context.Context, runnerID uuid.UUID, opts ListOptions) ([]db.RunnerJob, error)
}

// -----------------------------------------------------------------------------
// ScheduledTaskRepository
// -----------------------------------------------------------------------------

type ScheduledTaskRepository interface {
	Create(ctx context.Context, task *db.ScheduledTask) error
	// ClaimDue atomically claims up to limit due, unclaimed-or-expired tasks
	// and returns them, mirroring the job/sweep lease pattern at table scale.
	ClaimDue(ctx context.Context, now time.Time, claimTTL time.Duration, limit int) ([]db.ScheduledTask, error)
	Delete(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, nextRunAt time.Time) error
}

// -----------------------------------------------------------------------------
// NotificationRepository / SettingsRepository
// -----------------------------------------------------------------------------

type NotificationRepository interface {
	Create(ctx context.Context, notification *db.Notification) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	MarkAsRead(ctx context.Context, id uuid.UUID) error
	MarkAllAsRead(ctx context.Context, userID uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByUser(ctx context.Context, userID uuid.UUID, opts ListOptions) ([]db.Notification, int64, error)
	DeleteReadOlderThan(ctx context.Context, t time.Time) error
}

type SettingsRepository interface {
	Get(ctx context.Context, key string) (*db.Setting, error)
	Set(ctx context.Context, key string, value db.EncryptedString) error
	GetMany(ctx context.Context, prefix string) ([]db.Setting, error)
	Delete(ctx context.Context, key string) error
}
