// Package anomaly flags backup runs whose added-byte count deviates sharply
// from the plan's own history.
//
// Estimator: mean and standard deviation of bytes_added over a trailing
// window of prior successful runs (defaults below). The deviation score is
// |actual - mean| / spread, where spread is the standard deviation floored
// at max(1 MiB, 5% of the mean) so near-constant histories do not turn
// ordinary jitter into alerts. Mean/stddev was chosen over median/MAD for
// explainability: expectedBytes in the record is the mean operators can
// verify by hand. All knobs live in Config.
//
// State machine per plan: at most one open anomaly. A score at or above the
// warning threshold opens it; a later run scoring below the resolve
// threshold closes it. open -> resolved is one-way; the next deviation
// opens a fresh record.
package anomaly

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/glare-io/glare/internal/db"
	"github.com/glare-io/glare/internal/metrics"
	"github.com/glare-io/glare/internal/repository"
)

// Default detector tuning.
const (
	DefaultWindow     = 10
	DefaultMinHistory = 5

	DefaultWarningScore  = 3.0
	DefaultCriticalScore = 6.0
	DefaultResolveScore  = 2.0

	// minSpreadBytes floors the spread at 1 MiB.
	minSpreadBytes = 1 << 20

	// relativeSpreadFloor floors the spread at this fraction of the mean.
	relativeSpreadFloor = 0.05
)

// Severity values recorded on anomalies.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Feed receives detector signals for the incident stream. Satisfied by
// *feed.Feed.
type Feed interface {
	AnomalyDetected(ctx context.Context, plan *db.Plan, anomaly *db.BackupSizeAnomaly)
	AnomalyResolved(ctx context.Context, plan *db.Plan, anomaly *db.BackupSizeAnomaly)
}

// Config carries detector tuning. Zero fields fall back to the defaults.
type Config struct {
	Window        int
	MinHistory    int
	WarningScore  float64
	CriticalScore float64
	ResolveScore  float64
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.MinHistory <= 0 {
		c.MinHistory = DefaultMinHistory
	}
	if c.WarningScore <= 0 {
		c.WarningScore = DefaultWarningScore
	}
	if c.CriticalScore <= 0 {
		c.CriticalScore = DefaultCriticalScore
	}
	if c.ResolveScore <= 0 {
		c.ResolveScore = DefaultResolveScore
	}
	return c
}

// Detector evaluates each recorded run metric against the plan's history.
// Runs synchronously on metric ingestion; detection problems degrade to a
// skip, never to a failed report.
type Detector struct {
	runs      repository.RunRepository
	anomalies repository.AnomalyRepository
	feed      Feed
	logger    *zap.Logger
	cfg       Config

	now func() time.Time
}

// NewDetector creates a Detector. feed may be nil.
func NewDetector(
	runs repository.RunRepository,
	anomalies repository.AnomalyRepository,
	feed Feed,
	logger *zap.Logger,
	cfg Config,
) *Detector {
	return &Detector{
		runs:      runs,
		anomalies: anomalies,
		feed:      feed,
		logger:    logger.Named("anomaly"),
		cfg:       cfg.withDefaults(),
		now:       time.Now,
	}
}

// Inspect scores the metric of a successful run against the plan's trailing
// baseline and opens or resolves the plan's anomaly accordingly. Errors are
// logged and swallowed: a detection hiccup must not fail the worker's
// report.
func (d *Detector) Inspect(ctx context.Context, plan *db.Plan, run *db.BackupPlanRun, metric *db.BackupRunMetric) {
	history, err := d.runs.ListMetricsByPlan(ctx, plan.ID, metric.ID, d.cfg.Window)
	if err != nil {
		d.logger.Error("baseline query failed, skipping detection",
			zap.String("plan_id", plan.ID.String()),
			zap.Error(err),
		)
		return
	}
	if len(history) < d.cfg.MinHistory {
		d.logger.Debug("insufficient history, skipping detection",
			zap.String("plan_id", plan.ID.String()),
			zap.Int("history", len(history)),
			zap.Int("required", d.cfg.MinHistory),
		)
		return
	}

	mean, spread := baseline(history)
	score := math.Abs(float64(metric.BytesAdded)-mean) / spread

	open, err := d.anomalies.GetOpenByPlan(ctx, plan.ID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		open = nil
	case err != nil:
		d.logger.Error("open anomaly lookup failed, skipping detection",
			zap.String("plan_id", plan.ID.String()),
			zap.Error(err),
		)
		return
	}

	switch {
	case score >= d.cfg.WarningScore:
		if open != nil {
			// The plan already has an open finding; keep it rather than
			// stacking a second one per deviating run.
			d.logger.Debug("deviation continues under open anomaly",
				zap.String("plan_id", plan.ID.String()),
				zap.Float64("score", score),
			)
			return
		}
		d.open(ctx, plan, run, metric, mean, score)

	case score < d.cfg.ResolveScore && open != nil:
		d.resolve(ctx, plan, open)
	}
}

func (d *Detector) open(ctx context.Context, plan *db.Plan, run *db.BackupPlanRun, metric *db.BackupRunMetric, mean, score float64) {
	severity := SeverityWarning
	if score >= d.cfg.CriticalScore {
		severity = SeverityCritical
	}

	anomaly := &db.BackupSizeAnomaly{
		PlanID:         plan.ID,
		RunID:          run.ID,
		MetricID:       metric.ID,
		ExpectedBytes:  int64(math.Round(mean)),
		ActualBytes:    metric.BytesAdded,
		DeviationScore: score,
		Severity:       severity,
		Reason: fmt.Sprintf("backup added %d bytes, expected about %d (deviation score %.1f)",
			metric.BytesAdded, int64(math.Round(mean)), score),
		Status:     "open",
		DetectedAt: d.now().UTC(),
	}
	if err := d.anomalies.Create(ctx, anomaly); err != nil {
		d.logger.Error("failed to record anomaly",
			zap.String("plan_id", plan.ID.String()),
			zap.Error(err),
		)
		return
	}

	metrics.AnomaliesDetected.WithLabelValues(severity).Inc()
	d.logger.Warn("backup size anomaly detected",
		zap.String("plan_id", plan.ID.String()),
		zap.String("plan_name", plan.Name),
		zap.Int64("actual_bytes", anomaly.ActualBytes),
		zap.Int64("expected_bytes", anomaly.ExpectedBytes),
		zap.Float64("score", score),
		zap.String("severity", severity),
	)
	if d.feed != nil {
		d.feed.AnomalyDetected(ctx, plan, anomaly)
	}
}

func (d *Detector) resolve(ctx context.Context, plan *db.Plan, open *db.BackupSizeAnomaly) {
	at := d.now().UTC()
	if err := d.anomalies.Resolve(ctx, open.ID, at); err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			d.logger.Error("failed to resolve anomaly",
				zap.String("anomaly_id", open.ID.String()),
				zap.Error(err),
			)
		}
		return
	}
	open.Status = "resolved"
	open.ResolvedAt = &at

	d.logger.Info("backup size anomaly resolved",
		zap.String("plan_id", plan.ID.String()),
		zap.String("anomaly_id", open.ID.String()),
	)
	if d.feed != nil {
		d.feed.AnomalyResolved(ctx, plan, open)
	}
}

// baseline computes the mean of bytes_added over the history window and the
// floored spread used as the score denominator.
func baseline(history []db.BackupRunMetric) (mean, spread float64) {
	n := float64(len(history))
	var sum float64
	for _, m := range history {
		sum += float64(m.BytesAdded)
	}
	mean = sum / n

	var sqDiff float64
	for _, m := range history {
		d := float64(m.BytesAdded) - mean
		sqDiff += d * d
	}
	spread = math.Sqrt(sqDiff / n)

	if floor := mean * relativeSpreadFloor; spread < floor {
		spread = floor
	}
	if spread < minSpreadBytes {
		spread = minSpreadBytes
	}
	return mean, spread
}
