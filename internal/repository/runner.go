package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/fleetcore/control-plane/internal/db"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// gormRunnerRepository is the GORM implementation of RunnerRepository.
type gormRunnerRepository struct {
	db *gorm.DB
}

func NewRunnerRepository(db *gorm.DB) RunnerRepository {
	return &gormRunnerRepository{db: db}
}

// Upsert inserts or updates a runner keyed by (project_id, runner_name),
// matching the heartbeat contract of §4.4.
func (r *gormRunnerRepository) Upsert(ctx context.Context, runner *db.Runner) error {
	existing, err := r.GetByProjectAndName(ctx, runner.ProjectID, runner.RunnerName)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if existing != nil {
		runner.ID = existing.ID
		if err := r.db.WithContext(ctx).Save(runner).Error; err != nil {
			return fmt.Errorf("runners: upsert (update): %w", err)
		}
		return nil
	}
	if err := r.db.WithContext(ctx).Create(runner).Error; err != nil {
		return fmt.Errorf("runners: upsert (create): %w", err)
	}
	return nil
}

func (r *gormRunnerRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Runner, error) {
	var runner db.Runner
	err := r.db.WithContext(ctx).First(&runner, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("runners: get by id: %w", err)
	}
	return &runner, nil
}

func (r *gormRunnerRepository) GetByProjectAndName(ctx context.Context, projectID uuid.UUID, name string) (*db.Runner, error) {
	var runner db.Runner
	err := r.db.WithContext(ctx).First(&runner, "project_id = ? AND runner_name = ?", projectID, name).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("runners: get by project and name: %w", err)
	}
	return &runner, nil
}

func (r *gormRunnerRepository) ListByProject(ctx context.Context, projectID uuid.UUID, opts ListOptions) ([]db.Runner, int64, error) {
	var runners []db.Runner
	var total int64
	if err := r.db.WithContext(ctx).Model(&db.Runner{}).Where("project_id = ?", projectID).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("runners: list by project count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("runner_name ASC").
		Find(&runners).Error; err != nil {
		return nil, 0, fmt.Errorf("runners: list by project: %w", err)
	}
	return runners, total, nil
}

func (r *gormRunnerRepository) DeleteBatch(ctx context.Context, projectID uuid.UUID, limit int) (int64, error) {
	var ids []uuid.UUID
	if err := r.db.WithContext(ctx).Model(&db.Runner{}).
		Where("project_id = ?", projectID).Limit(limit).Pluck("id", &ids).Error; err != nil {
		return 0, fmt.Errorf("runners: select batch: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	result := r.db.WithContext(ctx).Delete(&db.Runner{}, "id IN ?", ids)
	if result.Error != nil {
		return 0, fmt.Errorf("runners: delete batch: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// -----------------------------------------------------------------------------
// gormRunnerTokenRepository
// -----------------------------------------------------------------------------

type gormRunnerTokenRepository struct {
	db *gorm.DB
}

func NewRunnerTokenRepository(db *gorm.DB) RunnerTokenRepository {
	return &gormRunnerTokenRepository{db: db}
}

func (r *gormRunnerTokenRepository) Create(ctx context.Context, token *db.RunnerToken) error {
	if err := r.db.WithContext(ctx).Create(token).Error; err != nil {
		return fmt.Errorf("runner_tokens: create: %w", err)
	}
	return nil
}

func (r *gormRunnerTokenRepository) GetByHash(ctx context.Context, hash string) (*db.RunnerToken, error) {
	var token db.RunnerToken
	err := r.db.WithContext(ctx).First(&token, "token_hash = ?", hash).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("runner_tokens: get by hash: %w", err)
	}
	return &token, nil
}

func (r *gormRunnerTokenRepository) Revoke(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&db.RunnerToken{}).
		Where("id = ?", id).
		Update("revoked_at", gorm.Expr("CURRENT_TIMESTAMP"))
	if result.Error != nil {
		return fmt.Errorf("runner_tokens: revoke: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormRunnerTokenRepository) TouchLastUsed(ctx context.Context, id uuid.UUID) error {
	if err := r.db.WithContext(ctx).
		Model(&db.RunnerToken{}).
		Where("id = ?", id).
		Update("last_used_at", gorm.Expr("CURRENT_TIMESTAMP")).Error; err != nil {
		return fmt.Errorf("runner_tokens: touch last used: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// gormSecretWiringRepository
// -----------------------------------------------------------------------------

type gormSecretWiringRepository struct {
	db *gorm.DB
}

func NewSecretWiringRepository(db *gorm.DB) SecretWiringRepository {
	return &gormSecretWiringRepository{db: db}
}

// Upsert writes by (project_id, host_name, secret_name) via an ON CONFLICT
// clause — a single round trip, idempotent by construction.
func (r *gormSecretWiringRepository) Upsert(ctx context.Context, entry *db.SecretWiring) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "project_id"}, {Name: "host_name"}, {Name: "secret_name"}},
			DoUpdates: clause.AssignmentColumns([]string{"scope", "status", "required", "last_verified_at", "updated_at"}),
		}).
		Create(entry).Error
	if err != nil {
		return fmt.Errorf("secret_wirings: upsert: %w", err)
	}
	return nil
}

func (r *gormSecretWiringRepository) ListByProjectHost(ctx context.Context, projectID uuid.UUID, hostName string) ([]db.SecretWiring, error) {
	var entries []db.SecretWiring
	if err := r.db.WithContext(ctx).
		Where("project_id = ? AND host_name = ?", projectID, hostName).
		Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("secret_wirings: list by project host: %w", err)
	}
	return entries, nil
}
