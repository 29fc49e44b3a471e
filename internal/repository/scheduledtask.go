package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetcore/control-plane/internal/db"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// gormScheduledTaskRepository is the GORM implementation of
// ScheduledTaskRepository, backing the durable delayed-callback poller.
type gormScheduledTaskRepository struct {
	db *gorm.DB
}

func NewScheduledTaskRepository(db *gorm.DB) ScheduledTaskRepository {
	return &gormScheduledTaskRepository{db: db}
}

func (r *gormScheduledTaskRepository) Create(ctx context.Context, task *db.ScheduledTask) error {
	if err := r.db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("scheduled_tasks: create: %w", err)
	}
	return nil
}

// ClaimDue selects up to limit tasks that are due and either unclaimed or
// whose claim has expired, then stamps each with a fresh claim window in a
// single transaction so two poller instances never run the same task.
func (r *gormScheduledTaskRepository) ClaimDue(ctx context.Context, now time.Time, claimTTL time.Duration, limit int) ([]db.ScheduledTask, error) {
	var claimed []db.ScheduledTask

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var due []db.ScheduledTask
		if err := tx.
			Where("run_at <= ? AND (claim_expires_at IS NULL OR claim_expires_at <= ?)", now, now).
			Order("run_at ASC").
			Limit(limit).
			Find(&due).Error; err != nil {
			return fmt.Errorf("scheduled_tasks: select due: %w", err)
		}
		if len(due) == 0 {
			return nil
		}

		claimExpiresAt := now.Add(claimTTL)
		ids := make([]uuid.UUID, len(due))
		for i, t := range due {
			ids[i] = t.ID
		}
		if err := tx.Model(&db.ScheduledTask{}).
			Where("id IN ?", ids).
			Updates(map[string]interface{}{
				"claimed_at":       now,
				"claim_expires_at": claimExpiresAt,
			}).Error; err != nil {
			return fmt.Errorf("scheduled_tasks: claim due: %w", err)
		}

		for i := range due {
			due[i].ClaimedAt = &now
			due[i].ClaimExpiresAt = &claimExpiresAt
		}
		claimed = due
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *gormScheduledTaskRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if err := r.db.WithContext(ctx).Delete(&db.ScheduledTask{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("scheduled_tasks: delete: %w", err)
	}
	return nil
}

// MarkFailed records the failure and reschedules the task for nextRunAt,
// clearing the claim so it becomes eligible again.
func (r *gormScheduledTaskRepository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, nextRunAt time.Time) error {
	result := r.db.WithContext(ctx).Model(&db.ScheduledTask{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_error":       errMsg,
			"run_at":           nextRunAt,
			"claimed_at":       nil,
			"claim_expires_at": nil,
			"attempts":         gorm.Expr("attempts + 1"),
		})
	if result.Error != nil {
		return fmt.Errorf("scheduled_tasks: mark failed: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
