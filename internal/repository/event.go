package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/glare-io/glare/internal/db"
)

// gormEventRepository is the GORM implementation of EventRepository.
type gormEventRepository struct {
	db *gorm.DB
}

// NewEventRepository returns an EventRepository backed by the provided *gorm.DB.
func NewEventRepository(db *gorm.DB) EventRepository {
	return &gormEventRepository{db: db}
}

// Create inserts a new event record into the database.
func (r *gormEventRepository) Create(ctx context.Context, event *db.BackupEvent) error {
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("events: create: %w", err)
	}
	return nil
}

// List returns a filtered, paginated list of events and the total count,
// ordered by creation time descending so the feed reads newest first.
func (r *gormEventRepository) List(ctx context.Context, filters EventFilters, opts ListOptions) ([]db.BackupEvent, int64, error) {
	query := r.db.WithContext(ctx).Model(&db.BackupEvent{})
	if filters.Status != "" {
		query = query.Where("status = ?", filters.Status)
	}
	if filters.Severity != "" {
		query = query.Where("severity = ?", filters.Severity)
	}
	if !filters.Since.IsZero() {
		query = query.Where("created_at >= ?", filters.Since)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("events: list count: %w", err)
	}

	var events []db.BackupEvent
	if err := query.
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&events).Error; err != nil {
		return nil, 0, fmt.Errorf("events: list: %w", err)
	}

	return events, total, nil
}

// ResolveOpen closes all open events of the given type linked to the given
// plan and/or worker. Zero UUIDs are left out of the match so worker-only
// and plan-only event types both work. Returns the number of events closed.
func (r *gormEventRepository) ResolveOpen(ctx context.Context, eventType string, planID, workerID uuid.UUID, at time.Time) (int64, error) {
	query := r.db.WithContext(ctx).
		Model(&db.BackupEvent{}).
		Where("type = ? AND status = ?", eventType, "open")
	if planID != uuid.Nil {
		query = query.Where("plan_id = ?", planID)
	}
	if workerID != uuid.Nil {
		query = query.Where("worker_id = ?", workerID)
	}

	result := query.Updates(map[string]interface{}{
		"status":      "resolved",
		"resolved_at": at,
	})
	if result.Error != nil {
		return 0, fmt.Errorf("events: resolve open: %w", result.Error)
	}
	return result.RowsAffected, nil
}
