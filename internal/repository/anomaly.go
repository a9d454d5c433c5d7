package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/glare-io/glare/internal/db"
)

// gormAnomalyRepository is the GORM implementation of AnomalyRepository.
type gormAnomalyRepository struct {
	db *gorm.DB
}

// NewAnomalyRepository returns an AnomalyRepository backed by the provided *gorm.DB.
func NewAnomalyRepository(db *gorm.DB) AnomalyRepository {
	return &gormAnomalyRepository{db: db}
}

// Create inserts a new anomaly record into the database.
func (r *gormAnomalyRepository) Create(ctx context.Context, anomaly *db.BackupSizeAnomaly) error {
	if err := r.db.WithContext(ctx).Create(anomaly).Error; err != nil {
		return fmt.Errorf("anomalies: create: %w", err)
	}
	return nil
}

// GetOpenByPlan returns the unresolved anomaly for the plan, newest first in
// case historical data ever contains more than one. Returns ErrNotFound
// when nothing is open.
func (r *gormAnomalyRepository) GetOpenByPlan(ctx context.Context, planID uuid.UUID) (*db.BackupSizeAnomaly, error) {
	var anomaly db.BackupSizeAnomaly
	err := r.db.WithContext(ctx).
		Where("plan_id = ? AND status = ?", planID, "open").
		Order("detected_at DESC").
		First(&anomaly).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("anomalies: get open by plan: %w", err)
	}
	return &anomaly, nil
}

// Resolve transitions an anomaly from open to resolved. The status guard in
// the WHERE clause makes the transition one-way: a resolved anomaly never
// reopens, and redundant resolutions surface as ErrNotFound.
func (r *gormAnomalyRepository) Resolve(ctx context.Context, id uuid.UUID, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.BackupSizeAnomaly{}).
		Where("id = ? AND status = ?", id, "open").
		Updates(map[string]interface{}{
			"status":      "resolved",
			"resolved_at": at,
		})
	if result.Error != nil {
		return fmt.Errorf("anomalies: resolve: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a filtered, paginated list of anomalies and the total count,
// ordered by detection time descending.
func (r *gormAnomalyRepository) List(ctx context.Context, filters AnomalyFilters, opts ListOptions) ([]db.BackupSizeAnomaly, int64, error) {
	query := r.db.WithContext(ctx).Model(&db.BackupSizeAnomaly{})
	if filters.PlanID != uuid.Nil {
		query = query.Where("plan_id = ?", filters.PlanID)
	}
	if filters.Status != "" {
		query = query.Where("status = ?", filters.Status)
	}
	if filters.Severity != "" {
		query = query.Where("severity = ?", filters.Severity)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("anomalies: list count: %w", err)
	}

	var anomalies []db.BackupSizeAnomaly
	if err := query.
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("detected_at DESC").
		Find(&anomalies).Error; err != nil {
		return nil, 0, fmt.Errorf("anomalies: list: %w", err)
	}

	return anomalies, total, nil
}
