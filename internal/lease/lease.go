// Package lease enforces at-most-one active execution per plan across a
// fleet of workers that can crash, restart, or lose connectivity.
//
// Exclusivity rests entirely on conditional writes in the shared store (see
// repository.PlanRepository): a claim, renewal, or release either matches
// the expected lease state and applies atomically, or matches nothing. No
// in-process mutex is involved, so any number of server replicas can serve
// the same fleet.
//
// Race losses (AlreadyLeased, LostLease) are expected outcomes, not errors.
// They are returned as values, logged at debug level only, and never abort
// the caller's request.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/glare-io/glare/internal/db"
	"github.com/glare-io/glare/internal/metrics"
	"github.com/glare-io/glare/internal/repository"
)

// Default lease timing. The renewal cadence must stay well under TTL so a
// single slow store round-trip cannot cause false expiry; workers renew at
// half the TTL. Grace covers renewals that arrive just after the deadline.
const (
	DefaultTTL   = 5 * time.Minute
	DefaultGrace = 30 * time.Second
)

// Claim and renewal outcomes. These travel to the worker in the response
// body, so the values are part of the wire contract.
const (
	OutcomeClaimed       = "claimed"
	OutcomeAlreadyLeased = "already_leased"
	OutcomeRenewed       = "renewed"
	OutcomeLostLease     = "lost_lease"
)

// ErrNotAssigned is returned when a worker operates on a plan that belongs
// to a different worker.
var ErrNotAssigned = errors.New("lease: plan not assigned to this worker")

// ErrPlanDisabled is returned when a worker tries to claim a disabled plan.
var ErrPlanDisabled = errors.New("lease: plan is disabled")

// ErrLostLease is returned from Report when the reporting worker no longer
// holds the plan lease, meaning its execution was superseded. The report
// must be discarded to avoid double-recording one plan's result.
var ErrLostLease = errors.New("lease: lease no longer held")

// Feed receives lease lifecycle signals for the incident stream. Satisfied
// by *feed.Feed.
type Feed interface {
	RunRecorded(ctx context.Context, plan *db.Plan, run *db.BackupPlanRun)
	LeaseExpired(ctx context.Context, plan *db.Plan, owner string)
}

// Detector inspects the size metric of a successful run. Satisfied by
// *anomaly.Detector.
type Detector interface {
	Inspect(ctx context.Context, plan *db.Plan, run *db.BackupPlanRun, metric *db.BackupRunMetric)
}

// Config carries lease timing. Zero fields fall back to the defaults.
type Config struct {
	TTL   time.Duration
	Grace time.Duration
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.Grace <= 0 {
		c.Grace = DefaultGrace
	}
	return c
}

// Grant is the result of a claim or renewal attempt.
type Grant struct {
	Outcome    string
	LeaseUntil time.Time
}

// RunMetrics carries the byte accounting of a successful run report.
type RunMetrics struct {
	BytesAdded      int64
	BytesProcessed  int64
	FilesNew        int64
	FilesChanged    int64
	FilesUnmodified int64
}

// CompletionReport is a worker's terminal report for one plan execution.
type CompletionReport struct {
	Status       string // "success" or "failed"
	Error        string
	DurationMs   int64
	SnapshotID   string
	SnapshotTime *time.Time
	Output       string
	Metrics      *RunMetrics // nil for failed runs
}

// Manager coordinates the claim/renew/report protocol and records run
// history. All methods are safe for concurrent use.
type Manager struct {
	plans    repository.PlanRepository
	feed     Feed
	detector Detector
	logger   *zap.Logger
	cfg      Config

	// now is swapped out in tests.
	now func() time.Time
}

// NewManager creates a lease Manager. feed and detector may be nil in
// reduced setups; missing collaborators are skipped, never dereferenced.
func NewManager(
	plans repository.PlanRepository,
	feed Feed,
	detector Detector,
	logger *zap.Logger,
	cfg Config,
) *Manager {
	return &Manager{
		plans:    plans,
		feed:     feed,
		detector: detector,
		logger:   logger.Named("lease"),
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
}

// TTL returns the configured lease duration, for surfacing in sync payloads
// so workers know their renewal cadence.
func (m *Manager) TTL() time.Duration {
	return m.cfg.TTL
}

// Due returns the worker's enabled plans whose schedule has come due and
// whose lease slot is free.
func (m *Manager) Due(ctx context.Context, workerID uuid.UUID) ([]db.Plan, error) {
	return m.plans.ListDue(ctx, workerID, m.now().UTC())
}

// Claim attempts to acquire the lease on a due plan for the given worker.
// Losing the race to another claimer yields OutcomeAlreadyLeased with no
// error; a lease that expired without release is claimable immediately.
func (m *Manager) Claim(ctx context.Context, planID, workerID uuid.UUID) (Grant, error) {
	plan, err := m.plans.GetByID(ctx, planID)
	if err != nil {
		return Grant{}, err
	}
	if plan.WorkerID != workerID {
		return Grant{}, ErrNotAssigned
	}
	if !plan.Enabled {
		return Grant{}, ErrPlanDisabled
	}

	now := m.now().UTC()
	until := now.Add(m.cfg.TTL)

	won, err := m.plans.Claim(ctx, planID, workerID, until, now)
	if err != nil {
		return Grant{}, err
	}
	if !won {
		metrics.LeaseClaims.WithLabelValues(OutcomeAlreadyLeased).Inc()
		m.logger.Debug("claim lost",
			zap.String("plan_id", planID.String()),
			zap.String("worker_id", workerID.String()),
		)
		return Grant{Outcome: OutcomeAlreadyLeased}, nil
	}

	metrics.LeaseClaims.WithLabelValues(OutcomeClaimed).Inc()
	m.logger.Debug("lease claimed",
		zap.String("plan_id", planID.String()),
		zap.String("worker_id", workerID.String()),
		zap.Time("lease_until", until),
	)
	return Grant{Outcome: OutcomeClaimed, LeaseUntil: until}, nil
}

// Renew extends a held lease by one TTL. Renewals inside the grace window
// after expiry still succeed; past that the lease is gone and the worker
// must treat its in-flight execution as cancelled.
func (m *Manager) Renew(ctx context.Context, planID, workerID uuid.UUID) (Grant, error) {
	now := m.now().UTC()
	until := now.Add(m.cfg.TTL)

	ok, err := m.plans.Renew(ctx, planID, workerID, until, now, m.cfg.Grace)
	if err != nil {
		return Grant{}, err
	}
	if !ok {
		metrics.LeaseRenewals.WithLabelValues(OutcomeLostLease).Inc()
		m.logger.Debug("renewal lost",
			zap.String("plan_id", planID.String()),
			zap.String("worker_id", workerID.String()),
		)
		return Grant{Outcome: OutcomeLostLease}, nil
	}

	metrics.LeaseRenewals.WithLabelValues(OutcomeRenewed).Inc()
	return Grant{Outcome: OutcomeRenewed, LeaseUntil: until}, nil
}

// Report records a terminal run outcome: it releases the lease, writes the
// plan's last-run fields and next schedule, and persists the run record
// (plus the byte metric for successful runs) in one store transaction, so a
// failed insert leaves the lease held and the worker's retry can land.
// Returns ErrLostLease when the reporter no longer owns the lease; nothing
// is recorded in that case.
func (m *Manager) Report(ctx context.Context, planID, workerID uuid.UUID, report CompletionReport) (*db.BackupPlanRun, error) {
	plan, err := m.plans.GetByID(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan.WorkerID != workerID {
		return nil, ErrNotAssigned
	}

	now := m.now().UTC()
	nextRun := m.nextRun(plan, now)

	run := &db.BackupPlanRun{
		PlanID:       planID,
		UserID:       plan.UserID,
		WorkerID:     workerID,
		Repository:   plan.Repository,
		RunType:      "backup",
		Status:       report.Status,
		Error:        report.Error,
		DurationMs:   report.DurationMs,
		SnapshotID:   report.SnapshotID,
		SnapshotTime: report.SnapshotTime,
		Output:       report.Output,
	}
	var metric *db.BackupRunMetric
	if report.Status == "success" && report.Metrics != nil {
		metric = &db.BackupRunMetric{
			PlanID:          planID,
			Repository:      plan.Repository,
			BytesAdded:      report.Metrics.BytesAdded,
			BytesProcessed:  report.Metrics.BytesProcessed,
			FilesNew:        report.Metrics.FilesNew,
			FilesChanged:    report.Metrics.FilesChanged,
			FilesUnmodified: report.Metrics.FilesUnmodified,
		}
	}

	released, err := m.plans.ReportRelease(ctx, planID, workerID, repository.ReleaseUpdate{
		LastRunAt:  now,
		NextRunAt:  nextRun,
		LastStatus: report.Status,
		LastError:  report.Error,
	}, run, metric)
	if err != nil {
		return nil, fmt.Errorf("lease: record run: %w", err)
	}
	if !released {
		metrics.StaleReportsRejected.Inc()
		m.logger.Debug("stale report rejected",
			zap.String("plan_id", planID.String()),
			zap.String("worker_id", workerID.String()),
		)
		return nil, ErrLostLease
	}
	metrics.RunsRecorded.WithLabelValues(report.Status).Inc()

	if metric != nil && m.detector != nil {
		m.detector.Inspect(ctx, plan, run, metric)
	}
	if m.feed != nil {
		m.feed.RunRecorded(ctx, plan, run)
	}

	m.logger.Info("run recorded",
		zap.String("plan_id", planID.String()),
		zap.String("worker_id", workerID.String()),
		zap.String("status", report.Status),
		zap.Int64("duration_ms", report.DurationMs),
	)
	return run, nil
}

// Schedule computes the next run instant for a cron expression after the
// given time. Used at plan creation and on cron edits.
func Schedule(cronExpr string, after time.Time) (*time.Time, error) {
	sched, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("lease: parse cron %q: %w", cronExpr, err)
	}
	next := sched.Next(after)
	if next.IsZero() {
		return nil, nil
	}
	return &next, nil
}

// nextRun computes the plan's next schedule instant, or nil when the cron
// expression fails to parse (the plan then waits for an operator fix).
func (m *Manager) nextRun(plan *db.Plan, after time.Time) *time.Time {
	next, err := Schedule(plan.Cron, after)
	if err != nil {
		m.logger.Warn("cron expression unparseable, plan unscheduled",
			zap.String("plan_id", plan.ID.String()),
			zap.String("cron", plan.Cron),
			zap.Error(err),
		)
		return nil
	}
	return next
}
