package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/fleetcore/control-plane/internal/db"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// gormProjectRepository is the GORM implementation of ProjectRepository.
type gormProjectRepository struct {
	db *gorm.DB
}

// NewProjectRepository returns a ProjectRepository backed by the provided *gorm.DB.
func NewProjectRepository(db *gorm.DB) ProjectRepository {
	return &gormProjectRepository{db: db}
}

func (r *gormProjectRepository) Create(ctx context.Context, project *db.Project) error {
	if err := r.db.WithContext(ctx).Create(project).Error; err != nil {
		return fmt.Errorf("projects: create: %w", err)
	}
	return nil
}

func (r *gormProjectRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Project, error) {
	var project db.Project
	err := r.db.WithContext(ctx).First(&project, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("projects: get by id: %w", err)
	}
	return &project, nil
}

func (r *gormProjectRepository) Update(ctx context.Context, project *db.Project) error {
	result := r.db.WithContext(ctx).Save(project)
	if result.Error != nil {
		return fmt.Errorf("projects: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormProjectRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	result := r.db.WithContext(ctx).Model(&db.Project{}).Where("id = ?", id).Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("projects: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns projects ordered by creation time descending, the project
// analogue of by_project_startedAt since a Project has no run of its own.
func (r *gormProjectRepository) List(ctx context.Context, opts ListOptions) ([]db.Project, int64, error) {
	var projects []db.Project
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Project{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("projects: list count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&projects).Error; err != nil {
		return nil, 0, fmt.Errorf("projects: list: %w", err)
	}
	return projects, total, nil
}

// ListIDs returns up to limit projects ordered by id, starting strictly
// after cursor — the ordered walk the retention sweeper's cursor advances
// through.
func (r *gormProjectRepository) ListIDs(ctx context.Context, cursor uuid.UUID, limit int) ([]db.Project, error) {
	q := r.db.WithContext(ctx).Order("id ASC").Limit(limit)
	if cursor != uuid.Nil {
		q = q.Where("id > ?", cursor)
	}
	var projects []db.Project
	if err := q.Find(&projects).Error; err != nil {
		return nil, fmt.Errorf("projects: list ids: %w", err)
	}
	return projects, nil
}

// HardDelete permanently removes the project row itself — the final,
// single-document stage of the erasure state machine.
func (r *gormProjectRepository) HardDelete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Project{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("projects: hard delete: %w", result.Error)
	}
	return nil
}

// -----------------------------------------------------------------------------
// gormProjectMemberRepository
// -----------------------------------------------------------------------------

type gormProjectMemberRepository struct {
	db *gorm.DB
}

func NewProjectMemberRepository(db *gorm.DB) ProjectMemberRepository {
	return &gormProjectMemberRepository{db: db}
}

func (r *gormProjectMemberRepository) Create(ctx context.Context, member *db.ProjectMember) error {
	if err := r.db.WithContext(ctx).Create(member).Error; err != nil {
		return fmt.Errorf("project_members: create: %w", err)
	}
	return nil
}

func (r *gormProjectMemberRepository) GetByProjectAndUser(ctx context.Context, projectID, userID uuid.UUID) (*db.ProjectMember, error) {
	var member db.ProjectMember
	err := r.db.WithContext(ctx).First(&member, "project_id = ? AND user_id = ?", projectID, userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("project_members: get by project and user: %w", err)
	}
	return &member, nil
}

func (r *gormProjectMemberRepository) ListByProject(ctx context.Context, projectID uuid.UUID) ([]db.ProjectMember, error) {
	var members []db.ProjectMember
	if err := r.db.WithContext(ctx).Where("project_id = ?", projectID).Find(&members).Error; err != nil {
		return nil, fmt.Errorf("project_members: list by project: %w", err)
	}
	return members, nil
}

// DeleteBatch deletes up to limit members for a project via by_project_user
// and reports how many rows were removed — the erasure machine uses the
// returned count to decide whether the stage is complete.
func (r *gormProjectMemberRepository) DeleteBatch(ctx context.Context, projectID uuid.UUID, limit int) (int64, error) {
	var ids []uuid.UUID
	if err := r.db.WithContext(ctx).Model(&db.ProjectMember{}).
		Where("project_id = ?", projectID).
		Order("user_id ASC").
		Limit(limit).
		Pluck("id", &ids).Error; err != nil {
		return 0, fmt.Errorf("project_members: select batch: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	result := r.db.WithContext(ctx).Delete(&db.ProjectMember{}, "id IN ?", ids)
	if result.Error != nil {
		return 0, fmt.Errorf("project_members: delete batch: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// -----------------------------------------------------------------------------
// gormProjectPolicyRepository
// -----------------------------------------------------------------------------

type gormProjectPolicyRepository struct {
	db *gorm.DB
}

func NewProjectPolicyRepository(db *gorm.DB) ProjectPolicyRepository {
	return &gormProjectPolicyRepository{db: db}
}

// Upsert inserts or replaces the single policy row for a project.
func (r *gormProjectPolicyRepository) Upsert(ctx context.Context, policy *db.ProjectPolicy) error {
	existing, err := r.GetByProject(ctx, policy.ProjectID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if existing != nil {
		policy.ID = existing.ID
		return r.db.WithContext(ctx).Save(policy).Error
	}
	if err := r.db.WithContext(ctx).Create(policy).Error; err != nil {
		return fmt.Errorf("project_policies: upsert: %w", err)
	}
	return nil
}

func (r *gormProjectPolicyRepository) GetByProject(ctx context.Context, projectID uuid.UUID) (*db.ProjectPolicy, error) {
	var policy db.ProjectPolicy
	err := r.db.WithContext(ctx).First(&policy, "project_id = ?", projectID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("project_policies: get by project: %w", err)
	}
	return &policy, nil
}

// ListPage returns policies ordered by project id, the retention sweeper's
// cursor walk over all configured projects.
func (r *gormProjectPolicyRepository) ListPage(ctx context.Context, afterProjectID uuid.UUID, limit int) ([]db.ProjectPolicy, error) {
	q := r.db.WithContext(ctx).Order("project_id ASC").Limit(limit)
	if afterProjectID != uuid.Nil {
		q = q.Where("project_id > ?", afterProjectID)
	}
	var policies []db.ProjectPolicy
	if err := q.Find(&policies).Error; err != nil {
		return nil, fmt.Errorf("project_policies: list page: %w", err)
	}
	return policies, nil
}

func (r *gormProjectPolicyRepository) DeleteBatch(ctx context.Context, projectID uuid.UUID, limit int) (int64, error) {
	var ids []uuid.UUID
	if err := r.db.WithContext(ctx).Model(&db.ProjectPolicy{}).
		Where("project_id = ?", projectID).Limit(limit).Pluck("id", &ids).Error; err != nil {
		return 0, fmt.Errorf("project_policies: select batch: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	result := r.db.WithContext(ctx).Delete(&db.ProjectPolicy{}, "id IN ?", ids)
	if result.Error != nil {
		return 0, fmt.Errorf("project_policies: delete batch: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// -----------------------------------------------------------------------------
// gormProjectConfigRepository
// -----------------------------------------------------------------------------

type gormProjectConfigRepository struct {
	db *gorm.DB
}

func NewProjectConfigRepository(db *gorm.DB) ProjectConfigRepository {
	return &gormProjectConfigRepository{db: db}
}

func (r *gormProjectConfigRepository) DeleteBatch(ctx context.Context, projectID uuid.UUID, limit int) (int64, error) {
	var ids []uuid.UUID
	if err := r.db.WithContext(ctx).Model(&db.ProjectConfig{}).
		Where("project_id = ?", projectID).Limit(limit).Pluck("id", &ids).Error; err != nil {
		return 0, fmt.Errorf("project_configs: select batch: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	result := r.db.WithContext(ctx).Delete(&db.ProjectConfig{}, "id IN ?", ids)
	if result.Error != nil {
		return 0, fmt.Errorf("project_configs: delete batch: %w", result.Error)
	}
	return result.RowsAffected, nil
}
