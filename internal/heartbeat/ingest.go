package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/glare-io/glare/internal/db"
	"github.com/glare-io/glare/internal/metrics"
	"github.com/glare-io/glare/internal/repository"
)

// Feed receives worker status transitions for the incident stream.
// Satisfied by *feed.Feed.
type Feed interface {
	WorkerStatusChanged(ctx context.Context, worker *db.Worker, from, to string)
}

// Sample is one heartbeat as received from a worker. The counters are
// cumulative since worker start and reset to zero on restart.
type Sample struct {
	Status        string
	Endpoint      string
	UptimeMs      int64
	RequestsTotal int64
	ErrorTotal    int64

	// SampledAt is the sample's own timestamp. Zero means "now"; the
	// ingestor truncates it to whole seconds so an HTTP-level retry of the
	// same heartbeat collides on the (worker, sampled_at) unique key and is
	// dropped instead of double-counting a delta.
	SampledAt time.Time
}

// Ingestor processes authenticated heartbeat samples: it appends the
// immutable sample, refreshes the worker's current-state row, and reports
// status transitions to the feed.
type Ingestor struct {
	workers repository.WorkerRepository
	samples repository.SyncEventRepository
	feed    Feed
	logger  *zap.Logger
	rule    Rule

	now func() time.Time
}

// NewIngestor creates an Ingestor. feed may be nil.
func NewIngestor(
	workers repository.WorkerRepository,
	samples repository.SyncEventRepository,
	feed Feed,
	logger *zap.Logger,
	rule Rule,
) *Ingestor {
	return &Ingestor{
		workers: workers,
		samples: samples,
		feed:    feed,
		logger:  logger.Named("heartbeat"),
		rule:    rule.withDefaults(),
		now:     time.Now,
	}
}

// Rule returns the staleness policy in effect.
func (i *Ingestor) Rule() Rule {
	return i.rule
}

// Ingest processes one heartbeat from an already-authenticated worker.
// Duplicate samples (same worker, same second) are dropped silently; the
// worker's state row is still refreshed so last-seen tracking survives
// aggressive client retries.
func (i *Ingestor) Ingest(ctx context.Context, worker *db.Worker, s Sample) error {
	now := i.now().UTC()
	sampledAt := s.SampledAt
	if sampledAt.IsZero() {
		sampledAt = now
	}
	sampledAt = sampledAt.UTC().Truncate(time.Second)

	event := &db.WorkerSyncEvent{
		WorkerID:       worker.ID,
		ReportedStatus: s.Status,
		UptimeMs:       s.UptimeMs,
		RequestsTotal:  s.RequestsTotal,
		ErrorTotal:     s.ErrorTotal,
		SampledAt:      sampledAt,
	}
	switch err := i.samples.Append(ctx, event); {
	case errors.Is(err, repository.ErrConflict):
		metrics.HeartbeatsIngested.WithLabelValues("duplicate").Inc()
		i.logger.Debug("duplicate heartbeat sample dropped",
			zap.String("worker_id", worker.ID.String()),
			zap.Time("sampled_at", sampledAt),
		)
	case err != nil:
		return fmt.Errorf("heartbeat: append sample: %w", err)
	default:
		metrics.HeartbeatsIngested.WithLabelValues("stored").Inc()
	}

	status := i.rule.Derive(s.Status, &sampledAt, now)

	endpoint := s.Endpoint
	if endpoint == "" {
		endpoint = worker.Endpoint
	}
	if err := i.workers.UpdateHeartbeat(ctx, worker.ID, status, sampledAt, endpoint,
		s.UptimeMs, s.RequestsTotal, s.ErrorTotal); err != nil {
		return fmt.Errorf("heartbeat: update worker: %w", err)
	}

	if status != worker.Status {
		i.transition(ctx, worker, worker.Status, status)
	}
	return nil
}

// transition logs a derived status change and forwards it to the feed.
func (i *Ingestor) transition(ctx context.Context, worker *db.Worker, from, to string) {
	metrics.WorkerStatusTransitions.WithLabelValues(to).Inc()
	i.logger.Info("worker status changed",
		zap.String("worker_id", worker.ID.String()),
		zap.String("worker_name", worker.Name),
		zap.String("from", from),
		zap.String("to", to),
	)
	if i.feed != nil {
		i.feed.WorkerStatusChanged(ctx, worker, from, to)
	}
}

// SweepStale re-derives status for every worker and downgrades those whose
// heartbeats stopped. Called periodically by the Sweeper; one pass over the
// fleet.
func (i *Ingestor) SweepStale(ctx context.Context) {
	now := i.now().UTC()

	workers, err := i.workers.ListAll(ctx)
	if err != nil {
		i.logger.Error("stale worker scan failed", zap.Error(err))
		return
	}

	for idx := range workers {
		worker := &workers[idx]
		derived := i.rule.Derive(worker.Status, worker.LastSeenAt, now)
		if derived == worker.Status {
			continue
		}
		if err := i.workers.UpdateStatus(ctx, worker.ID, derived); err != nil {
			i.logger.Error("failed to downgrade stale worker",
				zap.String("worker_id", worker.ID.String()),
				zap.Error(err),
			)
			continue
		}
		i.transition(ctx, worker, worker.Status, derived)
	}
}
