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

// gormPlanRepository is the GORM implementation of PlanRepository.
type gormPlanRepository struct {
	db *gorm.DB
}

// NewPlanRepository returns a PlanRepository backed by the provided *gorm.DB.
func NewPlanRepository(db *gorm.DB) PlanRepository {
	return &gormPlanRepository{db: db}
}

// Create inserts a new plan record into the database.
func (r *gormPlanRepository) Create(ctx context.Context, plan *db.Plan) error {
	if err := r.db.WithContext(ctx).Create(plan).Error; err != nil {
		return fmt.Errorf("plans: create: %w", err)
	}
	return nil
}

// GetByID retrieves a plan by its UUID. Soft-deleted plans are excluded.
// Returns ErrNotFound if no record exists.
func (r *gormPlanRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Plan, error) {
	var plan db.Plan
	err := r.db.WithContext(ctx).First(&plan, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("plans: get by id: %w", err)
	}
	return &plan, nil
}

// Update persists the operator-editable fields of an existing plan record.
// The lease and run-outcome columns are omitted: the caller works on a
// snapshot from GetByID, and a worker may have claimed the lease between
// that read and this write. Saving the snapshot's lease columns would erase
// the live lease and let a second worker claim the plan mid-execution.
// Those columns are only ever written by the conditional single-statement
// methods below.
func (r *gormPlanRepository) Update(ctx context.Context, plan *db.Plan) error {
	result := r.db.WithContext(ctx).
		Omit("lease_owner", "lease_until", "last_run_at", "next_run_at", "last_status", "last_error").
		Save(plan)
	if result.Error != nil {
		return fmt.Errorf("plans: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete soft-deletes a plan and hard-deletes its dependent history in one
// transaction: runs, run metrics and anomalies reference the plan by ID and
// would otherwise dangle in list queries.
func (r *gormPlanRepository) Delete(ctx context.Context, id uuid.UUID) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Delete(&db.Plan{}, "id = ?", id)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		if err := tx.Delete(&db.BackupSizeAnomaly{}, "plan_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&db.BackupRunMetric{}, "plan_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&db.BackupPlanRun{}, "plan_id = ?", id).Error; err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("plans: delete: %w", err)
	}
	return nil
}

// List returns a paginated list of plans and the total count,
// ordered by creation time descending (most recent first).
func (r *gormPlanRepository) List(ctx context.Context, opts ListOptions) ([]db.Plan, int64, error) {
	var plans []db.Plan
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Plan{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("plans: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&plans).Error; err != nil {
		return nil, 0, fmt.Errorf("plans: list: %w", err)
	}

	return plans, total, nil
}

// ListByWorker returns all plans assigned to a worker, enabled or not.
// The plan-sync endpoint filters on Enabled itself so the payload can show
// disabled plans to the worker as removals.
func (r *gormPlanRepository) ListByWorker(ctx context.Context, workerID uuid.UUID) ([]db.Plan, error) {
	var plans []db.Plan
	if err := r.db.WithContext(ctx).
		Where("worker_id = ?", workerID).
		Order("created_at ASC").
		Find(&plans).Error; err != nil {
		return nil, fmt.Errorf("plans: list by worker: %w", err)
	}
	return plans, nil
}

// ListDue returns enabled plans assigned to the worker whose schedule has
// come due and whose lease slot is free (never leased, explicitly released,
// or expired).
func (r *gormPlanRepository) ListDue(ctx context.Context, workerID uuid.UUID, now time.Time) ([]db.Plan, error) {
	var plans []db.Plan
	if err := r.db.WithContext(ctx).
		Where("worker_id = ? AND enabled = ? AND next_run_at IS NOT NULL AND next_run_at <= ?", workerID, true, now).
		Where("lease_until IS NULL OR lease_until <= ?", now).
		Order("next_run_at ASC").
		Find(&plans).Error; err != nil {
		return nil, fmt.Errorf("plans: list due: %w", err)
	}
	return plans, nil
}

// Claim acquires the plan lease for workerID with a single conditional
// UPDATE. The WHERE clause admits exactly the states in which a claim is
// legal: plan enabled, not soft-deleted, and lease absent or expired at
// `now`. Under concurrent claims the database serializes the updates and
// only the first matches; everyone else sees zero rows affected.
func (r *gormPlanRepository) Claim(ctx context.Context, id, workerID uuid.UUID, until, now time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&db.Plan{}).
		Where("id = ? AND enabled = ?", id, true).
		Where("lease_until IS NULL OR lease_until <= ?", now).
		Updates(map[string]interface{}{
			"lease_owner": workerID.String(),
			"lease_until": until,
		})
	if result.Error != nil {
		return false, fmt.Errorf("plans: claim: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// Renew extends the lease deadline, conditional on workerID still holding
// it. A lease that expired within the grace window can still be renewed;
// past the grace window the renewal fails and the caller must treat the
// execution as having lost exclusivity.
func (r *gormPlanRepository) Renew(ctx context.Context, id, workerID uuid.UUID, until, now time.Time, grace time.Duration) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&db.Plan{}).
		Where("id = ? AND lease_owner = ? AND lease_until > ?", id, workerID.String(), now.Add(-grace)).
		Update("lease_until", until)
	if result.Error != nil {
		return false, fmt.Errorf("plans: renew: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// ReportRelease records a terminal run report as one transaction: the
// conditional lease release (keyed on current ownership, same discipline as
// Claim) plus the run and metric inserts. If another worker has taken over,
// the UPDATE matches nothing, false is returned and no history is written.
// If an insert fails, the transaction rolls the release back too, so the
// lease stays held and the worker's retry of the same report can still land.
func (r *gormPlanRepository) ReportRelease(ctx context.Context, id, workerID uuid.UUID, upd ReleaseUpdate, run *db.BackupPlanRun, metric *db.BackupRunMetric) (bool, error) {
	released := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&db.Plan{}).
			Where("id = ? AND lease_owner = ?", id, workerID.String()).
			Updates(map[string]interface{}{
				"lease_owner": "",
				"lease_until": nil,
				"last_run_at": upd.LastRunAt,
				"next_run_at": upd.NextRunAt,
				"last_status": upd.LastStatus,
				"last_error":  upd.LastError,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		released = true
		if err := tx.Create(run).Error; err != nil {
			return err
		}
		if metric != nil {
			metric.RunID = run.ID
			if err := tx.Create(metric).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("plans: report release: %w", err)
	}
	return released, nil
}

// ListExpiredLeases returns plans whose lease deadline passed before the
// given instant but whose owner column was never cleared, i.e. the holder
// stopped renewing and never reported.
func (r *gormPlanRepository) ListExpiredLeases(ctx context.Context, before time.Time) ([]db.Plan, error) {
	var plans []db.Plan
	if err := r.db.WithContext(ctx).
		Where("lease_owner <> '' AND lease_until IS NOT NULL AND lease_until <= ?", before).
		Find(&plans).Error; err != nil {
		return nil, fmt.Errorf("plans: list expired leases: %w", err)
	}
	return plans, nil
}

// ClearExpiredLease drops an expired lease with the same conditional-UPDATE
// discipline as Claim: the owner and deadline observed by the sweeper must
// still hold, otherwise the statement matches nothing and the sweeper moves
// on without touching the new lease.
func (r *gormPlanRepository) ClearExpiredLease(ctx context.Context, id uuid.UUID, owner string, before time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&db.Plan{}).
		Where("id = ? AND lease_owner = ? AND lease_until <= ?", id, owner, before).
		Updates(map[string]interface{}{
			"lease_owner": "",
			"lease_until": nil,
		})
	if result.Error != nil {
		return false, fmt.Errorf("plans: clear expired lease: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// UpdateSchedule sets next_run_at directly. Used when a plan is created or
// its cron expression changes; the release path writes next_run_at itself.
func (r *gormPlanRepository) UpdateSchedule(ctx context.Context, id uuid.UUID, nextRunAt *time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Plan{}).
		Where("id = ?", id).
		Update("next_run_at", nextRunAt)
	if result.Error != nil {
		return fmt.Errorf("plans: update schedule: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
