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

// gormSyncEventRepository is the GORM implementation of SyncEventRepository.
type gormSyncEventRepository struct {
	db *gorm.DB
}

// NewSyncEventRepository returns a SyncEventRepository backed by the provided *gorm.DB.
func NewSyncEventRepository(db *gorm.DB) SyncEventRepository {
	return &gormSyncEventRepository{db: db}
}

// Append inserts one heartbeat sample. The (worker_id, sampled_at) unique
// index rejects redelivered samples; that surfaces here as ErrConflict so
// the ingestor can drop the duplicate without logging an error.
func (r *gormSyncEventRepository) Append(ctx context.Context, event *db.WorkerSyncEvent) error {
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrConflict
		}
		return fmt.Errorf("sync events: append: %w", err)
	}
	return nil
}

// ListByWorker returns samples for a single worker in [since, until],
// ordered by sampled_at ascending so counter deltas can be computed in one
// forward pass.
func (r *gormSyncEventRepository) ListByWorker(ctx context.Context, workerID uuid.UUID, since, until time.Time) ([]db.WorkerSyncEvent, error) {
	var events []db.WorkerSyncEvent
	if err := r.db.WithContext(ctx).
		Where("worker_id = ? AND sampled_at >= ? AND sampled_at <= ?", workerID, since, until).
		Order("sampled_at ASC").
		Find(&events).Error; err != nil {
		return nil, fmt.Errorf("sync events: list by worker: %w", err)
	}
	return events, nil
}

// ListSince returns samples for all workers in [since, until], grouped by
// worker then ordered by sampled_at ascending.
func (r *gormSyncEventRepository) ListSince(ctx context.Context, since, until time.Time) ([]db.WorkerSyncEvent, error) {
	var events []db.WorkerSyncEvent
	if err := r.db.WithContext(ctx).
		Where("sampled_at >= ? AND sampled_at <= ?", since, until).
		Order("worker_id ASC, sampled_at ASC").
		Find(&events).Error; err != nil {
		return nil, fmt.Errorf("sync events: list since: %w", err)
	}
	return events, nil
}
