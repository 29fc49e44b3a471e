package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
// This ensures every record has a valid time-ordered ID before insertion.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Users & Auth
// -----------------------------------------------------------------------------

// User represents a caller materialized from an opaque identity handle
// (local password login or an OIDC subject). The first user ever
// materialized becomes admin; everyone after starts as viewer.
type User struct {
	base
	TokenIdentifier string          `gorm:"uniqueIndex;not null"` // opaque identity handle (email or OIDC sub)
	Name            string          `gorm:"default:''"`
	Email           string          `gorm:"default:''"`
	PictureURL      string          `gorm:"default:''"`
	Password        EncryptedString `gorm:"type:text"` // empty for OIDC-only users
	Role            string          `gorm:"not null;default:'viewer'"` // "admin" or "viewer"
	IsActive        bool            `gorm:"not null;default:true"`
	OIDCProvider    string          `gorm:"default:''"`
	OIDCSub         string          `gorm:"default:''"`
	LastLoginAt     *time.Time
}

// RefreshToken stores a hashed refresh token associated with a user session.
// The raw token is never stored — only its SHA-256 hash. Tokens are rotated
// on every use and expire after 7 days.
type RefreshToken struct {
	base
	UserID    uuid.UUID `gorm:"type:text;not null;index"`
	TokenHash string    `gorm:"not null;uniqueIndex"` // SHA-256 hex of the raw token
	ExpiresAt time.Time `gorm:"not null;index"`
	RevokedAt *time.Time
	UserAgent string
	IPAddress string
}

// OIDCProvider stores the configuration for an external OIDC identity provider.
// ClientSecret is encrypted at rest. Only one provider is supported at a time
// in the open core tier.
type OIDCProvider struct {
	base
	Name         string          `gorm:"not null"`
	Issuer       string          `gorm:"not null"`
	ClientID     string          `gorm:"not null"`
	ClientSecret EncryptedString `gorm:"type:text;not null"`
	RedirectURL  string          `gorm:"not null"`
	Scopes       string          `gorm:"not null;default:'openid email profile'"` // space-separated
	Enabled      bool            `gorm:"not null;default:false"`
}

// -----------------------------------------------------------------------------
// Projects
// -----------------------------------------------------------------------------

// Project is the top-level unit of ownership. Every mutation touching
// project-scoped data resolves one of these first (I1). Deleted only via
// the erasure state machine, never directly.
type Project struct {
	base
	Name           string    `gorm:"not null"`
	Status         string    `gorm:"not null;default:'creating';index"` // creating, ready, error
	OwnerUserID    uuid.UUID `gorm:"type:text;not null;index"`
	RunnerRepoPath string    `gorm:"default:''"`
}

// ProjectMember grants a non-owner role on a project. Deleted with the
// project by the erasure state machine (by_project_user index, stage
// "projectMembers").
type ProjectMember struct {
	base
	ProjectID uuid.UUID `gorm:"type:text;not null;index:idx_member_project_user,priority:1"`
	UserID    uuid.UUID `gorm:"type:text;not null;index:idx_member_project_user,priority:2"`
	Role      string    `gorm:"not null;default:'viewer'"`
}

// ProjectPolicy carries retention configuration, unique per project, and
// drives the retention sweeper.
type ProjectPolicy struct {
	base
	ProjectID     uuid.UUID `gorm:"type:text;not null;uniqueIndex"`
	RetentionDays int       `gorm:"not null;default:30"`
}

// ProjectConfig is a generic config slot, indexed by (projectId, type). Its
// payload shape is out of scope beyond presence.
type ProjectConfig struct {
	base
	ProjectID uuid.UUID `gorm:"type:text;not null;index:idx_config_project_type,priority:1"`
	Type      string    `gorm:"not null;index:idx_config_project_type,priority:2"`
	Payload   string    `gorm:"type:text;default:'{}'"` // JSON
}

// -----------------------------------------------------------------------------
// Runs & RunEvents
// -----------------------------------------------------------------------------

// Run is a unit of execution against a project: a bootstrap, a git push, a
// sealed runner command, or any other "custom" kind (see resolveRunKind).
// Status transitions exactly once, from running to a terminal value (I5).
type Run struct {
	base
	ProjectID         uuid.UUID `gorm:"type:text;not null;index:idx_run_project_started,priority:1"`
	Kind              string    `gorm:"not null"`
	Status            string    `gorm:"not null;default:'running';index"` // running, succeeded, failed, canceled
	Title             string    `gorm:"default:''"`
	Host              string    `gorm:"default:''"`
	InitiatedByUserID uuid.UUID `gorm:"type:text;not null"`
	StartedAt         time.Time `gorm:"not null;index:idx_run_project_started,priority:2"`
	FinishedAt        *time.Time
	ErrorMessage      string `gorm:"type:text;default:''"`
}

// RunEvent is an append-only log line attached to a run. Bounded and
// trimmed per request (I6); never updated or deleted except by retention
// or erasure.
type RunEvent struct {
	base
	ProjectID uuid.UUID `gorm:"type:text;not null;index:idx_event_project_ts,priority:1"`
	RunID     uuid.UUID `gorm:"type:text;not null;index:idx_event_run_ts,priority:1"`
	Ts        time.Time `gorm:"not null;index:idx_event_project_ts,priority:2;index:idx_event_run_ts,priority:2"`
	Level     string    `gorm:"not null;default:'info'"`
	Message   string    `gorm:"type:text;not null"`
	Data      string    `gorm:"type:text;default:''"` // JSON, optional
	Redacted  bool      `gorm:"not null;default:false"`
}

// -----------------------------------------------------------------------------
// Runners, tokens, secret wiring
// -----------------------------------------------------------------------------

// Runner represents a registered runner agent for a project, identified by
// a name unique within the project. Created on first heartbeat, updated by
// every later one, deleted on project erasure.
type Runner struct {
	base
	ProjectID    uuid.UUID `gorm:"type:text;not null;index:idx_runner_project_name,priority:1"`
	RunnerName   string    `gorm:"not null;index:idx_runner_project_name,priority:2"`
	LastSeenAt   time.Time `gorm:"not null"`
	LastStatus   string    `gorm:"not null;default:'offline'"` // online, offline
	Version      string    `gorm:"default:''"`
	Capabilities string    `gorm:"type:text;default:'{}'"` // JSON: sealing key material, feature flags
}

// RunnerToken authorizes a runner to poll the command queue. The plaintext
// is returned to the caller exactly once at creation (I7); only its hash is
// persisted.
type RunnerToken struct {
	base
	ProjectID       uuid.UUID `gorm:"type:text;not null;index"`
	RunnerID        uuid.UUID `gorm:"type:text;not null;index"`
	TokenHash       string    `gorm:"not null;uniqueIndex"` // sha256 hex
	CreatedByUserID uuid.UUID `gorm:"type:text;not null"`
	ExpiresAt       *time.Time
	RevokedAt       *time.Time
	LastUsedAt      *time.Time
}

// SecretWiring tracks whether a given secret is configured on a given host
// for a project, upserted by (ProjectID, HostName, SecretName).
type SecretWiring struct {
	base
	ProjectID      uuid.UUID `gorm:"type:text;not null;index:idx_secret_project_host_name,priority:1,unique"`
	HostName       string    `gorm:"not null;index:idx_secret_project_host_name,priority:2,unique"`
	SecretName     string    `gorm:"not null;index:idx_secret_project_host_name,priority:3,unique"`
	Scope          string    `gorm:"not null"` // bootstrap, updates, openclaw
	Status         string    `gorm:"not null"` // configured, missing, placeholder, warn
	Required       bool      `gorm:"not null;default:false"`
	LastVerifiedAt *time.Time
}

// -----------------------------------------------------------------------------
// Audit
// -----------------------------------------------------------------------------

// AuditLog is an append-only record of a privileged or project-scoped
// action. Retained only as long as the retention sweeper allows.
type AuditLog struct {
	base
	Ts        time.Time  `gorm:"not null;index:idx_audit_project_ts,priority:2"`
	UserID    uuid.UUID  `gorm:"type:text;not null"`
	ProjectID *uuid.UUID `gorm:"type:text;index:idx_audit_project_ts,priority:1"`
	Action    string     `gorm:"not null"`
	Target    string     `gorm:"default:''"`
	Data      string     `gorm:"type:text;default:''"` // JSON
}

// -----------------------------------------------------------------------------
// Rate limiting
// -----------------------------------------------------------------------------

// RateLimitBucket is the single row per key backing the fixed-window rate
// limiter (§4.2). windowStart and count are the entire state.
type RateLimitBucket struct {
	Key         string    `gorm:"primaryKey"`
	WindowStart time.Time `gorm:"not null"`
	Count       int       `gorm:"not null;default:0"`
	UpdatedAt   time.Time `gorm:"not null;autoUpdateTime"`
}

// -----------------------------------------------------------------------------
// Project erasure
// -----------------------------------------------------------------------------

// ProjectDeletionToken is a one-shot confirmation token minted by
// deleteStart. All unused tokens for a project are invalidated before a new
// one is issued, and all are cleared on deleteConfirm.
type ProjectDeletionToken struct {
	base
	ProjectID       uuid.UUID `gorm:"type:text;not null;index"`
	TokenHash       string    `gorm:"not null;uniqueIndex"`
	CreatedByUserID uuid.UUID `gorm:"type:text;not null"`
	ExpiresAt       time.Time `gorm:"not null"`
}

// ProjectDeletionJob drives the erasure state machine for one project. Only
// one may be pending/running per project (I2); only the lease holder may
// advance it (I3).
type ProjectDeletionJob struct {
	base
	ProjectID      uuid.UUID `gorm:"type:text;not null;uniqueIndex:idx_deletion_job_active,where:status IN ('pending','running')"`
	Status         string    `gorm:"not null;default:'pending'"` // pending, running, completed, failed
	Stage          string    `gorm:"not null;default:'runEvents'"`
	Processed      int64     `gorm:"not null;default:0"`
	StartedAt      *time.Time
	CompletedAt    *time.Time
	LastError      string `gorm:"type:text;default:''"`
	LeaseID        string `gorm:"default:''"`
	LeaseExpiresAt *time.Time
}

// -----------------------------------------------------------------------------
// Retention sweeper
// -----------------------------------------------------------------------------

// RetentionSweep is the global singleton coordinating the sweeper across
// restarts: one row, key "default", carrying a resumable cursor and lease.
type RetentionSweep struct {
	Key            string `gorm:"primaryKey;default:'default'"`
	Cursor         string `gorm:"default:''"` // opaque position in the ProjectPolicy listing
	LeaseID        string `gorm:"default:''"`
	LeaseExpiresAt *time.Time
	UpdatedAt      time.Time `gorm:"not null;autoUpdateTime"`
}

// -----------------------------------------------------------------------------
// Runner command queue
// -----------------------------------------------------------------------------

// RunnerJob is the reserve/finalize/take-result unit of the runner-command
// queue (§4.6). It shares its lifecycle with a Run row: the Run carries
// status and result; RunnerJob carries queue-specific routing and the
// sealed-input envelope.
type RunnerJob struct {
	base
	ProjectID        uuid.UUID  `gorm:"type:text;not null;index"`
	RunID            uuid.UUID  `gorm:"type:text;not null;index"`
	TargetRunnerID   *uuid.UUID `gorm:"type:text;index"`
	Kind             string     `gorm:"not null"` // resolved via resolveRunKind
	Status           string     `gorm:"not null;default:'pending'"` // pending, sealed, taken, done
	PayloadMeta      string     `gorm:"type:text;default:'{}'"`     // JSON, never secret-shaped
	SealedInputB64   string     `gorm:"type:text;default:''"`
	SealedInputAlg   string     `gorm:"default:''"`
	SealedInputKeyID string     `gorm:"default:''"`
	ResultJSON       string     `gorm:"type:text;default:''"`
}

// -----------------------------------------------------------------------------
// Durable scheduler
// -----------------------------------------------------------------------------

// ScheduledTask is a durable, at-least-once delayed self-callback: the
// portable replacement for an in-process one-shot timer that would not
// survive a restart. Fn names a function registered with the scheduler;
// ArgsJSON carries its arguments.
type ScheduledTask struct {
	base
	RunAt          time.Time `gorm:"not null;index"`
	Fn             string    `gorm:"not null"`
	ArgsJSON       string    `gorm:"type:text;default:'{}'"`
	ClaimedAt      *time.Time
	ClaimExpiresAt *time.Time
	Attempts       int    `gorm:"not null;default:0"`
	LastError      string `gorm:"type:text;default:''"`
}

// -----------------------------------------------------------------------------
// Notifications
// -----------------------------------------------------------------------------

// Notification stores in-app notifications delivered to users via the
// websocket gateway. The retention sweeper does not touch this table; read
// notifications are kept until deleted explicitly.
type Notification struct {
	base
	UserID  uuid.UUID `gorm:"type:text;not null;index"`
	Type    string    `gorm:"not null"` // "run_failure", "run_success", "erasure_completed", "retention_budget_exhausted", etc.
	Title   string    `gorm:"not null"`
	Body    string    `gorm:"type:text;not null"`
	ReadAt  *time.Time
	Payload string `gorm:"type:text;default:'{}'"` // JSON, extra context for the frontend
}

// -----------------------------------------------------------------------------
// Settings
// -----------------------------------------------------------------------------

// Setting is a generic key-value configuration entry stored in the database.
// Keys are namespaced by convention (e.g. "smtp.host", "slack.webhook_url").
// Sensitive values are encrypted at the application layer via
// EncryptedString before being persisted.
//
// Setting does not embed base because it uses a string primary key (the key
// itself) rather than a UUID, and does not need CreatedAt.
type Setting struct {
	Key       string          `gorm:"primaryKey"`
	Value     EncryptedString `gorm:"type:text;not null"`
	UpdatedAt time.Time       `gorm:"not null;autoUpdateTime"`
}
