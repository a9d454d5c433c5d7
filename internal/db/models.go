package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
// This ensures every record has a valid time-ordered ID before insertion.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// softDelete extends base with a nullable DeletedAt field for soft deletion.
// GORM automatically filters out soft-deleted records from all queries unless
// Unscoped() is used explicitly.
type softDelete struct {
	base
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// -----------------------------------------------------------------------------
// Workers
// -----------------------------------------------------------------------------

// Worker represents a registered backup worker process running on a remote
// machine. Workers never receive pushed work: they pull due plans, claim a
// lease, execute, and report the result over plain HTTP.
//
// CredentialHash is the SHA-256 hex of the worker's long-lived sync
// credential. The plaintext is revealed exactly once at registration or
// rotation time and never stored.
//
// Status is a cached derived value: a pure function of LastSeenAt staleness
// plus the most recent self-reported status (see the heartbeat package).
// It is recomputed on every heartbeat and by the staleness sweeper, never
// mutated independently.
type Worker struct {
	softDelete
	UserID         uuid.UUID `gorm:"type:text;not null;index"`
	Name           string    `gorm:"not null"`
	Endpoint       string    `gorm:"not null;default:''"` // worker's own API URL, self-reported
	CredentialHash string    `gorm:"not null;uniqueIndex"`
	Status         string    `gorm:"not null;default:'offline'"` // "online", "degraded", "offline"
	LastSeenAt     *time.Time

	// Latest monotonic counters as reported by the worker. They reset to
	// zero when the worker restarts — consumers must clamp deltas.
	UptimeMs      int64 `gorm:"not null;default:0"`
	RequestsTotal int64 `gorm:"not null;default:0"`
	ErrorTotal    int64 `gorm:"not null;default:0"`
}

// WorkerSyncEvent is one immutable heartbeat sample. The table is append-only
// and forms the raw series for traffic aggregation; rows are never updated.
// The (worker_id, sampled_at) pair is unique so that at-least-once delivery
// of the same sample cannot double-count a delta.
type WorkerSyncEvent struct {
	base
	WorkerID       uuid.UUID `gorm:"type:text;not null;index;uniqueIndex:idx_worker_sample"`
	ReportedStatus string    `gorm:"not null"`
	UptimeMs       int64     `gorm:"not null;default:0"`
	RequestsTotal  int64     `gorm:"not null;default:0"`
	ErrorTotal     int64     `gorm:"not null;default:0"`
	SampledAt      time.Time `gorm:"not null;index;uniqueIndex:idx_worker_sample"`
}

// -----------------------------------------------------------------------------
// Plans
// -----------------------------------------------------------------------------

// Plan defines what to back up, when, and where, and carries the lease
// columns that guarantee at-most-one active execution across the fleet.
//
// A plan is leased iff LeaseUntil is non-nil and in the future. Only the
// current LeaseOwner may renew or release. Both fields are only ever written
// through single conditional UPDATEs (see repository.PlanRepository) — a
// crashed worker's stale lease self-heals because every claim re-checks
// LeaseUntil.
type Plan struct {
	softDelete
	UserID     uuid.UUID `gorm:"type:text;not null;index"`
	WorkerID   uuid.UUID `gorm:"type:text;not null;index"` // assigned worker
	Name       string    `gorm:"not null"`
	Repository string    `gorm:"not null"`              // target backup repository
	Backend    string    `gorm:"not null;default:''"`   // "", "rclone"
	Cron       string    `gorm:"not null"`              // 5-field cron expression
	Sources    string    `gorm:"type:text;not null"`    // JSON array of source paths
	Tags       string    `gorm:"type:text;default:'[]'"` // JSON array

	// RepoPassword is delivered to the assigned worker inside the plan sync
	// payload and is encrypted at rest. Options holds backend-specific
	// settings as a JSON object (e.g. rclone.* keys).
	RepoPassword EncryptedString `gorm:"type:text;default:''"`
	Options      string          `gorm:"type:text;default:'{}'"`

	// Retention policy, applied by the worker on prune runs.
	KeepLast    int    `gorm:"not null;default:0"`
	KeepDaily   int    `gorm:"not null;default:7"`
	KeepWeekly  int    `gorm:"not null;default:4"`
	KeepMonthly int    `gorm:"not null;default:6"`
	KeepYearly  int    `gorm:"not null;default:1"`
	KeepWithin  string `gorm:"default:''"` // time-window retention, e.g. "30d"

	Enabled    bool `gorm:"not null;default:true"`
	LastRunAt  *time.Time
	NextRunAt  *time.Time `gorm:"index"`
	LastStatus string     `gorm:"default:''"` // "success" or "failed", empty before first run
	LastError  string     `gorm:"type:text;default:''"`

	// Lease columns. LeaseOwner is the claiming worker's UUID as text,
	// empty when unleased.
	LeaseOwner string     `gorm:"default:''"`
	LeaseUntil *time.Time `gorm:"index"`
}

// Leased reports whether the plan holds a live lease at the given instant.
// An expired lease counts as unleased.
func (p *Plan) Leased(now time.Time) bool {
	return p.LeaseUntil != nil && p.LeaseUntil.After(now)
}

// -----------------------------------------------------------------------------
// Runs
// -----------------------------------------------------------------------------

// BackupPlanRun records one execution attempt reported by a worker.
// Immutable once written — the terminal status is already known at creation
// time because workers only report completed (or failed) executions.
type BackupPlanRun struct {
	base
	PlanID       uuid.UUID `gorm:"type:text;not null;index"`
	UserID       uuid.UUID `gorm:"type:text;not null;index"`
	WorkerID     uuid.UUID `gorm:"type:text;not null;index"`
	Repository   string    `gorm:"not null"`
	RunType      string    `gorm:"not null;default:'backup'"` // "backup", "prune", "check"
	Status       string    `gorm:"not null"`                  // "success", "failed"
	Error        string    `gorm:"type:text;default:''"`
	DurationMs   int64     `gorm:"not null;default:0"`
	SnapshotID   string    `gorm:"default:''"` // opaque ID from the backup engine
	SnapshotTime *time.Time
	Output       string `gorm:"type:text;default:'{}'"` // raw structured engine output, JSON
}

// BackupRunMetric is the derived numeric summary of a successful run.
// Created alongside the run record; immutable. This is the unit the anomaly
// detector consumes.
type BackupRunMetric struct {
	base
	RunID           uuid.UUID `gorm:"type:text;not null;uniqueIndex"`
	PlanID          uuid.UUID `gorm:"type:text;not null;index"`
	Repository      string    `gorm:"not null;index"`
	BytesAdded      int64     `gorm:"not null;default:0"`
	BytesProcessed  int64     `gorm:"not null;default:0"`
	FilesNew        int64     `gorm:"not null;default:0"`
	FilesChanged    int64     `gorm:"not null;default:0"`
	FilesUnmodified int64     `gorm:"not null;default:0"`
}

// -----------------------------------------------------------------------------
// Anomalies
// -----------------------------------------------------------------------------

// BackupSizeAnomaly is one open-or-resolved finding produced by the size
// anomaly detector. State machine: open -> resolved, one-way; reopening
// requires a new record. Anomalies are never deleted — they are an audit
// trail of every deviation the detector flagged.
type BackupSizeAnomaly struct {
	base
	PlanID         uuid.UUID `gorm:"type:text;not null;index"`
	RunID          uuid.UUID `gorm:"type:text;not null"`
	MetricID       uuid.UUID `gorm:"type:text;not null"`
	ExpectedBytes  int64     `gorm:"not null"`
	ActualBytes    int64     `gorm:"not null"`
	DeviationScore float64   `gorm:"not null"`
	Severity       string    `gorm:"not null"` // "warning", "critical"
	Reason         string    `gorm:"type:text;not null"`
	Status         string    `gorm:"not null;default:'open';index"` // "open", "resolved"
	DetectedAt     time.Time `gorm:"not null"`
	ResolvedAt     *time.Time
}

// -----------------------------------------------------------------------------
// Events
// -----------------------------------------------------------------------------

// BackupEvent is one normalized incident record in the operator-facing feed.
// It is purely a projection over detector findings, worker status transitions,
// and run failures — never the source of truth.
//
// The linkage fields hold the zero UUID when the event is not tied to that
// entity.
type BackupEvent struct {
	base
	Type       string    `gorm:"not null;index"`                // e.g. "size_anomaly", "worker_offline", "run_failed"
	Severity   string    `gorm:"not null;index"`                // "info", "warning", "critical"
	Status     string    `gorm:"not null;default:'open';index"` // "open", "resolved"
	Message    string    `gorm:"type:text;not null"`
	PlanID     uuid.UUID `gorm:"type:text;index"`
	RunID      uuid.UUID `gorm:"type:text"`
	WorkerID   uuid.UUID `gorm:"type:text;index"`
	ResolvedAt *time.Time
}
