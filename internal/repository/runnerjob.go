package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/fleetcore/control-plane/internal/db"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// gormRunnerJobRepository is the GORM implementation of RunnerJobRepository.
type gormRunnerJobRepository struct {
	db *gorm.DB
}

func NewRunnerJobRepository(db *gorm.DB) RunnerJobRepository {
	return &gormRunnerJobRepository{db: db}
}

func (r *gormRunnerJobRepository) Create(ctx context.Context, job *db.RunnerJob) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("runner_jobs: create: %w", err)
	}
	return nil
}

func (r *gormRunnerJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.RunnerJob, error) {
	var job db.RunnerJob
	err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("runner_jobs: get by id: %w", err)
	}
	return &job, nil
}

func (r *gormRunnerJobRepository) Update(ctx context.Context, job *db.RunnerJob) error {
	result := r.db.WithContext(ctx).Save(job)
	if result.Error != nil {
		return fmt.Errorf("runner_jobs: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPendingForRunner returns a runner's pending jobs oldest-first, the
// order a polling runner should take them in.
func (r *gormRunnerJobRepository) ListPendingForRunner(ctx context.Context, runnerID uuid.UUID, opts ListOptions) ([]db.RunnerJob, error) {
	var jobs []db.RunnerJob
	if err := r.db.WithContext(ctx).
		Where("target_runner_id = ? AND status IN ?", runnerID, []string{"pending", "sealed"}).
		Order("created_at ASC").
		Limit(opts.Limit).
		Offset(opts.Offset).
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("runner_jobs: list pending for runner: %w", err)
	}
	return jobs, nil
}
