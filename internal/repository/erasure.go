package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fleetcore/control-plane/internal/db"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// gormProjectDeletionTokenRepository is the GORM implementation of
// ProjectDeletionTokenRepository.
type gormProjectDeletionTokenRepository struct {
	db *gorm.DB
}

func NewProjectDeletionTokenRepository(db *gorm.DB) ProjectDeletionTokenRepository {
	return &gormProjectDeletionTokenRepository{db: db}
}

// DeleteAllForProject invalidates every existing token for a project — step
// (i) of deleteStart, always run before a new token is minted.
func (r *gormProjectDeletionTokenRepository) DeleteAllForProject(ctx context.Context, projectID uuid.UUID) error {
	if err := r.db.WithContext(ctx).Where("project_id = ?", projectID).Delete(&db.ProjectDeletionToken{}).Error; err != nil {
		return fmt.Errorf("project_deletion_tokens: delete all for project: %w", err)
	}
	return nil
}

func (r *gormProjectDeletionTokenRepository) Create(ctx context.Context, token *db.ProjectDeletionToken) error {
	if err := r.db.WithContext(ctx).Create(token).Error; err != nil {
		return fmt.Errorf("project_deletion_tokens: create: %w", err)
	}
	return nil
}

// ListNonExpiredForProject returns tokens for a project not yet past their
// expiry, for the constant-time confirmation match in deleteConfirm.
func (r *gormProjectDeletionTokenRepository) ListNonExpiredForProject(ctx context.Context, projectID uuid.UUID, now time.Time) ([]db.ProjectDeletionToken, error) {
	var tokens []db.ProjectDeletionToken
	if err := r.db.WithContext(ctx).
		Where("project_id = ? AND expires_at > ?", projectID, now).
		Find(&tokens).Error; err != nil {
		return nil, fmt.Errorf("project_deletion_tokens: list non-expired: %w", err)
	}
	return tokens, nil
}

// DeleteBatch deletes up to limit tokens for a project via by_project — the
// erasure state machine's "projectDeletionTokens" stage.
func (r *gormProjectDeletionTokenRepository) DeleteBatch(ctx context.Context, projectID uuid.UUID, limit int) (int64, error) {
	var ids []uuid.UUID
	if err := r.db.WithContext(ctx).Model(&db.ProjectDeletionToken{}).
		Where("project_id = ?", projectID).Limit(limit).Pluck("id", &ids).Error; err != nil {
		return 0, fmt.Errorf("project_deletion_tokens: select batch: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	result := r.db.WithContext(ctx).Delete(&db.ProjectDeletionToken{}, "id IN ?", ids)
	if result.Error != nil {
		return 0, fmt.Errorf("project_deletion_tokens: delete batch: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// -----------------------------------------------------------------------------
// gormProjectDeletionJobRepository
// -----------------------------------------------------------------------------

type gormProjectDeletionJobRepository struct {
	db *gorm.DB
}

func NewProjectDeletionJobRepository(db *gorm.DB) ProjectDeletionJobRepository {
	return &gormProjectDeletionJobRepository{db: db}
}

func (r *gormProjectDeletionJobRepository) Create(ctx context.Context, job *db.ProjectDeletionJob) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("project_deletion_jobs: create: %w", err)
	}
	return nil
}

func (r *gormProjectDeletionJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.ProjectDeletionJob, error) {
	var job db.ProjectDeletionJob
	err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("project_deletion_jobs: get by id: %w", err)
	}
	return &job, nil
}

// GetActiveForProject returns a pending/running job for a project, if any —
// used to enforce I2 (no new job while one is already active).
func (r *gormProjectDeletionJobRepository) GetActiveForProject(ctx context.Context, projectID uuid.UUID) (*db.ProjectDeletionJob, error) {
	var job db.ProjectDeletionJob
	err := r.db.WithContext(ctx).
		First(&job, "project_id = ? AND status IN ?", projectID, []string{"pending", "running"}).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("project_deletion_jobs: get active for project: %w", err)
	}
	return &job, nil
}

func (r *gormProjectDeletionJobRepository) Update(ctx context.Context, job *db.ProjectDeletionJob) error {
	result := r.db.WithContext(ctx).Save(job)
	if result.Error != nil {
		return fmt.Errorf("project_deletion_jobs: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// TryAcquireLease implements §4.5 step 3-4: patch the job to running with a
// freshly minted lease only if no other lease is currently active, then
// report whether this caller's lease stuck. The WHERE clause folds "no
// lease" and "lease expired" into one conditional UPDATE so the whole
// acquire is one round trip instead of a separate re-read race.
func (r *gormProjectDeletionJobRepository) TryAcquireLease(ctx context.Context, id uuid.UUID, leaseID string, leaseExpiresAt time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&db.ProjectDeletionJob{}).
		Where("id = ? AND (lease_expires_at IS NULL OR lease_expires_at <= ?)", id, time.Now()).
		Updates(map[string]interface{}{
			"status":           "running",
			"lease_id":         leaseID,
			"lease_expires_at": leaseExpiresAt,
			"last_error":       "",
		})
	if result.Error != nil {
		return false, fmt.Errorf("project_deletion_jobs: try acquire lease: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}
