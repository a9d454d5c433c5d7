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

// gormRunRepository is the GORM implementation of RunRepository.
type gormRunRepository struct {
	db *gorm.DB
}

// NewRunRepository returns a RunRepository backed by the provided *gorm.DB.
func NewRunRepository(db *gorm.DB) RunRepository {
	return &gormRunRepository{db: db}
}

// Create inserts a new run record into the database.
func (r *gormRunRepository) Create(ctx context.Context, run *db.BackupPlanRun) error {
	if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("runs: create: %w", err)
	}
	return nil
}

// GetByID retrieves a run by its UUID.
// Returns ErrNotFound if no record exists.
func (r *gormRunRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.BackupPlanRun, error) {
	var run db.BackupPlanRun
	err := r.db.WithContext(ctx).First(&run, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("runs: get by id: %w", err)
	}
	return &run, nil
}

// List returns a paginated list of runs and the total count,
// ordered by creation time descending (most recent first).
func (r *gormRunRepository) List(ctx context.Context, opts ListOptions) ([]db.BackupPlanRun, int64, error) {
	var runs []db.BackupPlanRun
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.BackupPlanRun{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("runs: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&runs).Error; err != nil {
		return nil, 0, fmt.Errorf("runs: list: %w", err)
	}

	return runs, total, nil
}

// ListByPlan returns a paginated list of runs for a given plan,
// ordered by creation time descending.
func (r *gormRunRepository) ListByPlan(ctx context.Context, planID uuid.UUID, opts ListOptions) ([]db.BackupPlanRun, int64, error) {
	var runs []db.BackupPlanRun
	var total int64

	if err := r.db.WithContext(ctx).
		Model(&db.BackupPlanRun{}).
		Where("plan_id = ?", planID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("runs: list by plan count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("plan_id = ?", planID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&runs).Error; err != nil {
		return nil, 0, fmt.Errorf("runs: list by plan: %w", err)
	}

	return runs, total, nil
}

// ListSince returns runs recorded within [since, until], ascending by
// creation time.
func (r *gormRunRepository) ListSince(ctx context.Context, since, until time.Time) ([]db.BackupPlanRun, error) {
	var runs []db.BackupPlanRun
	if err := r.db.WithContext(ctx).
		Where("created_at >= ? AND created_at <= ?", since, until).
		Order("created_at ASC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("runs: list since: %w", err)
	}
	return runs, nil
}

// -----------------------------------------------------------------------------
// BackupRunMetric
// -----------------------------------------------------------------------------

// CreateMetric inserts the size metric extracted from a successful run
// report. Returns ErrConflict if a metric for the run already exists, which
// happens when a completion report is redelivered.
func (r *gormRunRepository) CreateMetric(ctx context.Context, metric *db.BackupRunMetric) error {
	if err := r.db.WithContext(ctx).Create(metric).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrConflict
		}
		return fmt.Errorf("runs: create metric: %w", err)
	}
	return nil
}

// GetMetricByRun retrieves the metric recorded for a run.
// Returns ErrNotFound if the run had no metric (failed runs never do).
func (r *gormRunRepository) GetMetricByRun(ctx context.Context, runID uuid.UUID) (*db.BackupRunMetric, error) {
	var metric db.BackupRunMetric
	err := r.db.WithContext(ctx).First(&metric, "run_id = ?", runID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("runs: get metric by run: %w", err)
	}
	return &metric, nil
}

// ListMetricsByPlan returns up to limit metrics of the plan recorded before
// the given metric, newest first. Metric IDs are UUIDv7 and therefore
// time-ordered, so "id < beforeID" selects strictly earlier metrics without
// a timestamp comparison.
func (r *gormRunRepository) ListMetricsByPlan(ctx context.Context, planID uuid.UUID, beforeID uuid.UUID, limit int) ([]db.BackupRunMetric, error) {
	var metrics []db.BackupRunMetric
	if err := r.db.WithContext(ctx).
		Where("plan_id = ? AND id < ?", planID, beforeID.String()).
		Order("id DESC").
		Limit(limit).
		Find(&metrics).Error; err != nil {
		return nil, fmt.Errorf("runs: list metrics by plan: %w", err)
	}
	return metrics, nil
}

// ListMetricsSince returns metrics recorded within [since, until],
// ascending by creation time.
func (r *gormRunRepository) ListMetricsSince(ctx context.Context, since, until time.Time) ([]db.BackupRunMetric, error) {
	var metrics []db.BackupRunMetric
	if err := r.db.WithContext(ctx).
		Where("created_at >= ? AND created_at <= ?", since, until).
		Order("created_at ASC").
		Find(&metrics).Error; err != nil {
		return nil, fmt.Errorf("runs: list metrics since: %w", err)
	}
	return metrics, nil
}
