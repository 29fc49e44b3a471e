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

// gormRunRepository is the GORM implementation of RunRepository.
type gormRunRepository struct {
	db *gorm.DB
}

func NewRunRepository(db *gorm.DB) RunRepository {
	return &gormRunRepository{db: db}
}

func (r *gormRunRepository) Create(ctx context.Context, run *db.Run) error {
	if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("runs: create: %w", err)
	}
	return nil
}

func (r *gormRunRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Run, error) {
	var run db.Run
	err := r.db.WithContext(ctx).First(&run, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("runs: get by id: %w", err)
	}
	return &run, nil
}

func (r *gormRunRepository) Update(ctx context.Context, run *db.Run) error {
	result := r.db.WithContext(ctx).Save(run)
	if result.Error != nil {
		return fmt.Errorf("runs: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByProject returns runs for a project ordered by_project_startedAt
// descending, paginated.
func (r *gormRunRepository) ListByProject(ctx context.Context, projectID uuid.UUID, opts ListOptions) ([]db.Run, int64, error) {
	var runs []db.Run
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Run{}).Where("project_id = ?", projectID).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("runs: list by project count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("started_at DESC").
		Find(&runs).Error; err != nil {
		return nil, 0, fmt.Errorf("runs: list by project: %w", err)
	}
	return runs, total, nil
}

// ListTerminalOlderThan returns up to limit terminal runs for a project
// started before cutoff via by_project_startedAt, for the retention sweeper.
func (r *gormRunRepository) ListTerminalOlderThan(ctx context.Context, projectID uuid.UUID, cutoff time.Time, limit int) ([]db.Run, error) {
	var runs []db.Run
	err := r.db.WithContext(ctx).
		Where("project_id = ? AND started_at < ? AND status IN ?", projectID, cutoff, []string{"succeeded", "failed", "canceled"}).
		Order("started_at ASC").
		Limit(limit).
		Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("runs: list terminal older than: %w", err)
	}
	return runs, nil
}

// DeleteBatch deletes up to limit runs for a project via by_project_startedAt,
// used by the project-erasure state machine's "runs" stage.
func (r *gormRunRepository) DeleteBatch(ctx context.Context, projectID uuid.UUID, limit int) (int64, error) {
	var ids []uuid.UUID
	if err := r.db.WithContext(ctx).Model(&db.Run{}).
		Where("project_id = ?", projectID).
		Order("started_at ASC").
		Limit(limit).
		Pluck("id", &ids).Error; err != nil {
		return 0, fmt.Errorf("runs: select batch: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	result := r.db.WithContext(ctx).Delete(&db.Run{}, "id IN ?", ids)
	if result.Error != nil {
		return 0, fmt.Errorf("runs: delete batch: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (r *gormRunRepository) DeleteByID(ctx context.Context, id uuid.UUID) error {
	if err := r.db.WithContext(ctx).Delete(&db.Run{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("runs: delete by id: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// gormRunEventRepository
// -----------------------------------------------------------------------------

type gormRunEventRepository struct {
	db *gorm.DB
}

func NewRunEventRepository(db *gorm.DB) RunEventRepository {
	return &gormRunEventRepository{db: db}
}

// CreateBatch inserts multiple run events in a single statement — mirrors
// the bulk-log-insert idiom used for execution logging elsewhere in the
// stack, generalized to the §4.3 appendBatch cap and truncation rules
// which are applied by the caller before this is invoked.
func (r *gormRunEventRepository) CreateBatch(ctx context.Context, events []db.RunEvent) error {
	if len(events) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(&events).Error; err != nil {
		return fmt.Errorf("run_events: create batch: %w", err)
	}
	return nil
}

// ListByRun returns events for a run ordered by_run_ts descending, paginated,
// capped by the caller at 500 items per page.
func (r *gormRunEventRepository) ListByRun(ctx context.Context, runID uuid.UUID, opts ListOptions) ([]db.RunEvent, int64, error) {
	var events []db.RunEvent
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.RunEvent{}).Where("run_id = ?", runID).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("run_events: list by run count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("ts DESC").
		Find(&events).Error; err != nil {
		return nil, 0, fmt.Errorf("run_events: list by run: %w", err)
	}
	return events, total, nil
}

// DeleteBatchByProject deletes up to limit events for a project older than
// cutoff via by_project_ts, the retention sweeper's first per-project
// deletion step.
func (r *gormRunEventRepository) DeleteBatchByProject(ctx context.Context, projectID uuid.UUID, cutoff time.Time, limit int) (int64, error) {
	var ids []uuid.UUID
	if err := r.db.WithContext(ctx).Model(&db.RunEvent{}).
		Where("project_id = ? AND ts < ?", projectID, cutoff).
		Order("ts ASC").
		Limit(limit).
		Pluck("id", &ids).Error; err != nil {
		return 0, fmt.Errorf("run_events: select batch by project: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	result := r.db.WithContext(ctx).Delete(&db.RunEvent{}, "id IN ?", ids)
	if result.Error != nil {
		return 0, fmt.Errorf("run_events: delete batch by project: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// DeleteBatchByRun drains a single run's events via by_run_ts — used before
// the run row itself is deleted, both by the retention sweeper and by the
// erasure state machine's "runEvents" stage.
func (r *gormRunEventRepository) DeleteBatchByRun(ctx context.Context, runID uuid.UUID, limit int) (int64, error) {
	var ids []uuid.UUID
	if err := r.db.WithContext(ctx).Model(&db.RunEvent{}).
		Where("run_id = ?", runID).
		Order("ts ASC").
		Limit(limit).
		Pluck("id", &ids).Error; err != nil {
		return 0, fmt.Errorf("run_events: select batch by run: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	result := r.db.WithContext(ctx).Delete(&db.RunEvent{}, "id IN ?", ids)
	if result.Error != nil {
		return 0, fmt.Errorf("run_events: delete batch by run: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// DeleteAllBatch deletes up to limit events for an entire project regardless
// of age, via by_project_ts — the erasure state machine's "runEvents" stage.
func (r *gormRunEventRepository) DeleteAllBatch(ctx context.Context, projectID uuid.UUID, limit int) (int64, error) {
	var ids []uuid.UUID
	if err := r.db.WithContext(ctx).Model(&db.RunEvent{}).
		Where("project_id = ?", projectID).
		Order("ts ASC").
		Limit(limit).
		Pluck("id", &ids).Error; err != nil {
		return 0, fmt.Errorf("run_events: select all batch: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	result := r.db.WithContext(ctx).Delete(&db.RunEvent{}, "id IN ?", ids)
	if result.Error != nil {
		return 0, fmt.Errorf("run_events: delete all batch: %w", result.Error)
	}
	return result.RowsAffected, nil
}
