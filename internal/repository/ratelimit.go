package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetcore/control-plane/internal/db"
	"gorm.io/gorm"
)

// gormRateLimitRepository is the GORM implementation of RateLimitRepository.
type gormRateLimitRepository struct {
	db *gorm.DB
}

func NewRateLimitRepository(db *gorm.DB) RateLimitRepository {
	return &gormRateLimitRepository{db: db}
}

// Reserve implements the exact fixed-window upsert of §4.2: insert on first
// sight of a key, reset on a new window, increment-and-check otherwise —
// all inside one transaction so the bound count <= limit holds even under
// concurrent callers hitting the same key.
func (r *gormRateLimitRepository) Reserve(ctx context.Context, key string, windowStart time.Time, limit int) (bool, int, error) {
	var allowed bool
	var count int

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// SQLite serializes all writers (db.New caps it at one connection) and
		// the whole read-modify-write runs in one transaction, so the upsert
		// is atomic without an explicit row lock on either backend.
		var bucket db.RateLimitBucket
		err := tx.First(&bucket, "key = ?", key).Error
		switch {
		case err == gorm.ErrRecordNotFound:
			bucket = db.RateLimitBucket{Key: key, WindowStart: windowStart, Count: 1}
			if err := tx.Create(&bucket).Error; err != nil {
				return fmt.Errorf("rate_limit_buckets: create: %w", err)
			}
			allowed, count = true, 1
			return nil
		case err != nil:
			return fmt.Errorf("rate_limit_buckets: get: %w", err)
		}

		if !bucket.WindowStart.Equal(windowStart) {
			bucket.WindowStart = windowStart
			bucket.Count = 1
			allowed, count = true, 1
		} else if bucket.Count >= limit {
			allowed, count = false, bucket.Count
			return nil
		} else {
			bucket.Count++
			allowed, count = true, bucket.Count
		}

		if err := tx.Save(&bucket).Error; err != nil {
			return fmt.Errorf("rate_limit_buckets: save: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, 0, err
	}
	return allowed, count, nil
}
