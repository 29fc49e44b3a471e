package repository

import (
	"errors"
	"fmt"
	"time"

	"context"

	"github.com/fleetcore/control-plane/internal/db"
	"gorm.io/gorm"
)

// retentionSweepKey is the fixed primary key of the singleton row this
// repository operates on — there is only ever one sweeper cursor.
const retentionSweepKey = "default"

// gormRetentionSweepRepository is the GORM implementation of
// RetentionSweepRepository.
type gormRetentionSweepRepository struct {
	db *gorm.DB
}

func NewRetentionSweepRepository(db *gorm.DB) RetentionSweepRepository {
	return &gormRetentionSweepRepository{db: db}
}

// Get returns the singleton sweep row, creating it on first use so callers
// never have to special-case "no row yet".
func (r *gormRetentionSweepRepository) Get(ctx context.Context) (*db.RetentionSweep, error) {
	var sweep db.RetentionSweep
	err := r.db.WithContext(ctx).First(&sweep, "key = ?", retentionSweepKey).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		sweep = db.RetentionSweep{Key: retentionSweepKey}
		if err := r.db.WithContext(ctx).Create(&sweep).Error; err != nil {
			return nil, fmt.Errorf("retention_sweeps: create singleton: %w", err)
		}
		return &sweep, nil
	}
	if err != nil {
		return nil, fmt.Errorf("retention_sweeps: get: %w", err)
	}
	return &sweep, nil
}

// TryAcquireLease mints a lease on the singleton row the same way
// ProjectDeletionJobRepository does for a job row.
func (r *gormRetentionSweepRepository) TryAcquireLease(ctx context.Context, leaseID string, leaseExpiresAt time.Time) (bool, error) {
	if _, err := r.Get(ctx); err != nil {
		return false, err
	}
	result := r.db.WithContext(ctx).Model(&db.RetentionSweep{}).
		Where("key = ? AND (lease_expires_at IS NULL OR lease_expires_at <= ?)", retentionSweepKey, time.Now()).
		Updates(map[string]interface{}{
			"lease_id":         leaseID,
			"lease_expires_at": leaseExpiresAt,
		})
	if result.Error != nil {
		return false, fmt.Errorf("retention_sweeps: try acquire lease: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// UpdateCursor advances the walk position, scoped to the caller's own lease
// so a sweep that lost its lease mid-run cannot clobber the next holder's
// progress.
func (r *gormRetentionSweepRepository) UpdateCursor(ctx context.Context, leaseID, cursor string) error {
	result := r.db.WithContext(ctx).Model(&db.RetentionSweep{}).
		Where("key = ? AND lease_id = ?", retentionSweepKey, leaseID).
		Update("cursor", cursor)
	if result.Error != nil {
		return fmt.Errorf("retention_sweeps: update cursor: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// ReleaseLease clears the lease fields once a sweep finishes, again scoped
// to the caller's own lease id.
func (r *gormRetentionSweepRepository) ReleaseLease(ctx context.Context, leaseID string) error {
	result := r.db.WithContext(ctx).Model(&db.RetentionSweep{}).
		Where("key = ? AND lease_id = ?", retentionSweepKey, leaseID).
		Updates(map[string]interface{}{
			"lease_id":         "",
			"lease_expires_at": nil,
		})
	if result.Error != nil {
		return fmt.Errorf("retention_sweeps: release lease: %w", result.Error)
	}
	return nil
}
