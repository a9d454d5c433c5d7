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

// gormWorkerRepository is the GORM implementation of WorkerRepository.
type gormWorkerRepository struct {
	db *gorm.DB
}

// NewWorkerRepository returns a WorkerRepository backed by the provided *gorm.DB.
func NewWorkerRepository(db *gorm.DB) WorkerRepository {
	return &gormWorkerRepository{db: db}
}

// Create inserts a new worker record into the database.
// Returns ErrConflict when the credential hash is already registered.
func (r *gormWorkerRepository) Create(ctx context.Context, worker *db.Worker) error {
	if err := r.db.WithContext(ctx).Create(worker).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrConflict
		}
		return fmt.Errorf("workers: create: %w", err)
	}
	return nil
}

// GetByID retrieves a worker by its UUID. Soft-deleted workers are excluded.
// Returns ErrNotFound if no record exists.
func (r *gormWorkerRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Worker, error) {
	var worker db.Worker
	err := r.db.WithContext(ctx).First(&worker, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("workers: get by id: %w", err)
	}
	return &worker, nil
}

// GetByCredentialHash retrieves a non-deleted worker by the hash of its sync
// credential. This runs on every heartbeat and plan sync, so the column
// carries a unique index. Returns ErrNotFound for unknown hashes.
func (r *gormWorkerRepository) GetByCredentialHash(ctx context.Context, hash string) (*db.Worker, error) {
	var worker db.Worker
	err := r.db.WithContext(ctx).First(&worker, "credential_hash = ?", hash).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("workers: get by credential hash: %w", err)
	}
	return &worker, nil
}

// Update persists all fields of an existing worker record.
func (r *gormWorkerRepository) Update(ctx context.Context, worker *db.Worker) error {
	result := r.db.WithContext(ctx).Save(worker)
	if result.Error != nil {
		return fmt.Errorf("workers: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete soft-deletes a worker by setting deleted_at. The record remains in
// the database; its credential hash keeps occupying the unique index, which
// is fine because rotation always generates a fresh credential.
func (r *gormWorkerRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Worker{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("workers: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a paginated list of workers and the total count.
// Soft-deleted workers are excluded from results.
func (r *gormWorkerRepository) List(ctx context.Context, opts ListOptions) ([]db.Worker, int64, error) {
	var workers []db.Worker
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Worker{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("workers: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at ASC").
		Find(&workers).Error; err != nil {
		return nil, 0, fmt.Errorf("workers: list: %w", err)
	}

	return workers, total, nil
}

// ListAll returns every non-deleted worker without pagination. Used by the
// staleness sweeper, which must evaluate the whole fleet on each tick.
func (r *gormWorkerRepository) ListAll(ctx context.Context) ([]db.Worker, error) {
	var workers []db.Worker
	if err := r.db.WithContext(ctx).
		Order("created_at ASC").
		Find(&workers).Error; err != nil {
		return nil, fmt.Errorf("workers: list all: %w", err)
	}
	return workers, nil
}

// UpdateHeartbeat updates the derived status, last-seen timestamp, endpoint
// and cumulative counters in one statement. This runs on every accepted
// heartbeat, so only the touched columns are written.
func (r *gormWorkerRepository) UpdateHeartbeat(ctx context.Context, id uuid.UUID, status string, lastSeenAt time.Time, endpoint string, uptimeMs, requestsTotal, errorTotal int64) error {
	result := r.db.WithContext(ctx).
		Model(&db.Worker{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":         status,
			"last_seen_at":   lastSeenAt,
			"endpoint":       endpoint,
			"uptime_ms":      uptimeMs,
			"requests_total": requestsTotal,
			"error_total":    errorTotal,
		})
	if result.Error != nil {
		return fmt.Errorf("workers: update heartbeat: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus updates only the derived status column. The staleness sweeper
// uses this when a worker goes quiet and crosses a freshness boundary.
func (r *gormWorkerRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	result := r.db.WithContext(ctx).
		Model(&db.Worker{}).
		Where("id = ?", id).
		Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("workers: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RotateCredential replaces the stored credential hash. Requests presenting
// the old credential fail with ErrNotFound from GetByCredentialHash as soon
// as this commits.
func (r *gormWorkerRepository) RotateCredential(ctx context.Context, id uuid.UUID, newHash string) error {
	result := r.db.WithContext(ctx).
		Model(&db.Worker{}).
		Where("id = ?", id).
		Update("credential_hash", newHash)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return ErrConflict
		}
		return fmt.Errorf("workers: rotate credential: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
