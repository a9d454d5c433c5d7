// Package repository defines the persistence interfaces of the control plane
// and their GORM implementations. One interface per aggregate; constructors
// return the interface so callers never see *gorm.DB.
//
// The lease methods on PlanRepository are the correctness-critical core:
// each is a single conditional UPDATE whose WHERE clause encodes the legal
// state transition, so exclusivity holds across any number of concurrent
// server processes without in-process locking.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/glare-io/glare/internal/db"
)

// -----------------------------------------------------------------------------
// Common
// -----------------------------------------------------------------------------

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// -----------------------------------------------------------------------------
// WorkerRepository
// -----------------------------------------------------------------------------

type WorkerRepository interface {
	Create(ctx context.Context, worker *db.Worker) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Worker, error)

	// GetByCredentialHash resolves a worker from the SHA-256 hex of its
	// presented sync credential. Returns ErrNotFound for unknown or rotated
	// credentials — the caller maps this to a 401 without mutating state.
	GetByCredentialHash(ctx context.Context, hash string) (*db.Worker, error)

	Update(ctx context.Context, worker *db.Worker) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.Worker, int64, error)
	ListAll(ctx context.Context) ([]db.Worker, error)

	// UpdateHeartbeat writes the derived status plus the latest counters and
	// last-seen timestamp in one statement. Called on every ingested sample.
	UpdateHeartbeat(ctx context.Context, id uuid.UUID, status string, lastSeenAt time.Time, endpoint string, uptimeMs, requestsTotal, errorTotal int64) error

	// UpdateStatus writes only the derived status. Used by the staleness
	// sweeper when a worker crosses a freshness boundary without new samples.
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error

	// RotateCredential atomically replaces the credential hash. The previous
	// credential stops validating the moment this commits.
	RotateCredential(ctx context.Context, id uuid.UUID, newHash string) error
}

// -----------------------------------------------------------------------------
// SyncEventRepository
// -----------------------------------------------------------------------------

type SyncEventRepository interface {
	// Append inserts one immutable heartbeat sample. Returns ErrConflict if
	// a sample with the same (worker, sampled_at) already exists.
	Append(ctx context.Context, event *db.WorkerSyncEvent) error

	// ListByWorker returns samples for one worker within [since, until],
	// ordered by sampled_at ascending.
	ListByWorker(ctx context.Context, workerID uuid.UUID, since, until time.Time) ([]db.WorkerSyncEvent, error)

	// ListSince returns samples for all workers within [since, until],
	// ordered by worker then sampled_at ascending.
	ListSince(ctx context.Context, since, until time.Time) ([]db.WorkerSyncEvent, error)
}

// -----------------------------------------------------------------------------
// PlanRepository
// -----------------------------------------------------------------------------

// ReleaseUpdate carries the terminal run outcome written back to the plan
// when its lease is released.
type ReleaseUpdate struct {
	LastRunAt  time.Time
	NextRunAt  *time.Time
	LastStatus string
	LastError  string
}

type PlanRepository interface {
	Create(ctx context.Context, plan *db.Plan) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Plan, error)

	// Update persists the operator-editable fields of a plan. The lease and
	// run-outcome columns are never written here: an operator edit is a
	// read-modify-write over a snapshot, and writing those columns back
	// could erase a lease claimed after the read.
	Update(ctx context.Context, plan *db.Plan) error

	// Delete removes the plan and cascades its runs, metrics and anomalies.
	Delete(ctx context.Context, id uuid.UUID) error

	List(ctx context.Context, opts ListOptions) ([]db.Plan, int64, error)
	ListByWorker(ctx context.Context, workerID uuid.UUID) ([]db.Plan, error)

	// ListDue returns enabled plans assigned to the worker whose next_run_at
	// has passed and that are not currently leased. An expired lease counts
	// as unleased.
	ListDue(ctx context.Context, workerID uuid.UUID, now time.Time) ([]db.Plan, error)

	// Claim attempts to acquire the plan lease for workerID until the given
	// instant. It issues exactly one conditional UPDATE that succeeds only
	// when the plan is enabled and unleased (or its lease has expired) at
	// `now`. Returns true iff this caller won the race.
	Claim(ctx context.Context, id, workerID uuid.UUID, until, now time.Time) (bool, error)

	// Renew extends the lease, conditional on workerID still owning it and
	// the lease not having expired past the grace window. Returns false
	// without mutation when ownership was lost.
	Renew(ctx context.Context, id, workerID uuid.UUID, until, now time.Time, grace time.Duration) (bool, error)

	// ReportRelease clears the lease, writes the terminal run outcome to the
	// plan, and persists the run record (and metric, when non-nil) in one
	// transaction. The release is conditional on workerID still owning the
	// lease: a lost lease returns false with nothing written, and a failed
	// insert rolls the release back so the worker's retry can land.
	ReportRelease(ctx context.Context, id, workerID uuid.UUID, upd ReleaseUpdate, run *db.BackupPlanRun, metric *db.BackupRunMetric) (bool, error)

	// UpdateSchedule sets next_run_at outside the release path (plan
	// creation and cron edits).
	UpdateSchedule(ctx context.Context, id uuid.UUID, nextRunAt *time.Time) error

	// ListExpiredLeases returns plans still carrying an owner whose lease
	// deadline passed before the given instant. Used by the expiry sweeper.
	ListExpiredLeases(ctx context.Context, before time.Time) ([]db.Plan, error)

	// ClearExpiredLease drops a lease, conditional on the owner still being
	// the one observed and the deadline still being past. Returns false when
	// the lease moved on (renewed, released, or reclaimed) in the meantime.
	ClearExpiredLease(ctx context.Context, id uuid.UUID, owner string, before time.Time) (bool, error)
}

// -----------------------------------------------------------------------------
// RunRepository
// -----------------------------------------------------------------------------

type RunRepository interface {
	Create(ctx context.Context, run *db.BackupPlanRun) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.BackupPlanRun, error)
	List(ctx context.Context, opts ListOptions) ([]db.BackupPlanRun, int64, error)
	ListByPlan(ctx context.Context, planID uuid.UUID, opts ListOptions) ([]db.BackupPlanRun, int64, error)

	// ListSince returns runs created within [since, until] ascending by
	// creation time. Used by the activity series.
	ListSince(ctx context.Context, since, until time.Time) ([]db.BackupPlanRun, error)

	CreateMetric(ctx context.Context, metric *db.BackupRunMetric) error
	GetMetricByRun(ctx context.Context, runID uuid.UUID) (*db.BackupRunMetric, error)

	// ListMetricsByPlan returns up to limit metrics of the plan recorded
	// strictly before the given metric ID, newest first. The detector uses
	// this as the trailing baseline window (excluding the current metric by
	// construction, since UUIDv7 IDs are time-ordered).
	ListMetricsByPlan(ctx context.Context, planID uuid.UUID, beforeID uuid.UUID, limit int) ([]db.BackupRunMetric, error)

	// ListMetricsSince returns metrics created within [since, until]
	// ascending. Used by the storage-growth and savings series.
	ListMetricsSince(ctx context.Context, since, until time.Time) ([]db.BackupRunMetric, error)
}

// -----------------------------------------------------------------------------
// AnomalyRepository
// -----------------------------------------------------------------------------

// AnomalyFilters narrows anomaly list queries. Zero values mean "any".
type AnomalyFilters struct {
	PlanID   uuid.UUID
	Status   string
	Severity string
}

type AnomalyRepository interface {
	Create(ctx context.Context, anomaly *db.BackupSizeAnomaly) error

	// GetOpenByPlan returns the single unresolved anomaly for the plan, or
	// ErrNotFound when none is open. The detector maintains the invariant
	// that at most one anomaly per plan is open at a time.
	GetOpenByPlan(ctx context.Context, planID uuid.UUID) (*db.BackupSizeAnomaly, error)

	// Resolve transitions the anomaly open -> resolved. Resolving an already
	// resolved anomaly is a no-op returning ErrNotFound.
	Resolve(ctx context.Context, id uuid.UUID, at time.Time) error

	List(ctx context.Context, filters AnomalyFilters, opts ListOptions) ([]db.BackupSizeAnomaly, int64, error)
}

// -----------------------------------------------------------------------------
// EventRepository
// -----------------------------------------------------------------------------

// EventFilters narrows event list queries. Zero values mean "any".
type EventFilters struct {
	Status   string
	Severity string
	Since    time.Time
}

type EventRepository interface {
	Create(ctx context.Context, event *db.BackupEvent) error
	List(ctx context.Context, filters EventFilters, opts ListOptions) ([]db.BackupEvent, int64, error)

	// ResolveOpen resolves all open events of the given type linked to the
	// given plan or worker (zero UUIDs are ignored in the match). Returns
	// the number of events resolved.
	ResolveOpen(ctx context.Context, eventType string, planID, workerID uuid.UUID, at time.Time) (int64, error)
}
