package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetcore/control-plane/internal/db"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// gormAuditLogRepository is the GORM implementation of AuditLogRepository.
type gormAuditLogRepository struct {
	db *gorm.DB
}

func NewAuditLogRepository(db *gorm.DB) AuditLogRepository {
	return &gormAuditLogRepository{db: db}
}

func (r *gormAuditLogRepository) Create(ctx context.Context, entry *db.AuditLog) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("audit_logs: create: %w", err)
	}
	return nil
}

// ListByProject returns audit entries via by_project_ts descending, capped
// by the caller at 200 items per page.
func (r *gormAuditLogRepository) ListByProject(ctx context.Context, projectID uuid.UUID, opts ListOptions) ([]db.AuditLog, int64, error) {
	var entries []db.AuditLog
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.AuditLog{}).Where("project_id = ?", projectID).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("audit_logs: list by project count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("ts DESC").
		Find(&entries).Error; err != nil {
		return nil, 0, fmt.Errorf("audit_logs: list by project: %w", err)
	}
	return entries, total, nil
}

// DeleteBatch deletes up to limit entries for a project older than cutoff
// via by_project_ts, the retention sweeper's second per-project step.
func (r *gormAuditLogRepository) DeleteBatch(ctx context.Context, projectID uuid.UUID, cutoff time.Time, limit int) (int64, error) {
	var ids []uuid.UUID
	if err := r.db.WithContext(ctx).Model(&db.AuditLog{}).
		Where("project_id = ? AND ts < ?", projectID, cutoff).
		Order("ts ASC").
		Limit(limit).
		Pluck("id", &ids).Error; err != nil {
		return 0, fmt.Errorf("audit_logs: select batch: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	result := r.db.WithContext(ctx).Delete(&db.AuditLog{}, "id IN ?", ids)
	if result.Error != nil {
		return 0, fmt.Errorf("audit_logs: delete batch: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// DeleteAllBatch deletes up to limit entries for a project regardless of age,
// via by_project_ts — the erasure state machine's "auditLogs" stage.
func (r *gormAuditLogRepository) DeleteAllBatch(ctx context.Context, projectID uuid.UUID, limit int) (int64, error) {
	var ids []uuid.UUID
	if err := r.db.WithContext(ctx).Model(&db.AuditLog{}).
		Where("project_id = ?", projectID).
		Order("ts ASC").
		Limit(limit).
		Pluck("id", &ids).Error; err != nil {
		return 0, fmt.Errorf("audit_logs: select all batch: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	result := r.db.WithContext(ctx).Delete(&db.AuditLog{}, "id IN ?", ids)
	if result.Error != nil {
		return 0, fmt.Errorf("audit_logs: delete all batch: %w", result.Error)
	}
	return result.RowsAffected, nil
}
