package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/glare-io/glare/internal/metrics"
)

// SweepInterval is how often the expiry sweeper scans for abandoned leases.
const SweepInterval = time.Minute

// Sweeper reclaims leases whose holder crashed mid-run: the lease expired,
// no renewal arrived within the grace window, and no report ever released
// it. Claim-time expiry checks already make such plans claimable; the
// sweeper exists so the abandonment is also visible, as an incident event,
// without waiting for the next claim attempt.
type Sweeper struct {
	manager *Manager
	cron    gocron.Scheduler
	logger  *zap.Logger
}

// NewSweeper creates the expiry sweeper. Call Start to begin scanning.
func NewSweeper(manager *Manager, logger *zap.Logger) (*Sweeper, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("lease: create sweeper scheduler: %w", err)
	}
	return &Sweeper{
		manager: manager,
		cron:    s,
		logger:  logger.Named("lease-sweeper"),
	}, nil
}

// Start schedules the periodic sweep and starts the underlying scheduler.
func (s *Sweeper) Start() error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(SweepInterval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			s.manager.SweepExpired(ctx)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("lease: schedule sweep: %w", err)
	}
	s.cron.Start()
	s.logger.Info("lease expiry sweeper started", zap.Duration("interval", SweepInterval))
	return nil
}

// Stop shuts down the underlying scheduler, waiting for a running sweep.
func (s *Sweeper) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("lease: sweeper shutdown: %w", err)
	}
	s.logger.Info("lease expiry sweeper stopped")
	return nil
}

// SweepExpired performs one scan. Exported so tests and the sweeper share
// the same path. Each clear is conditional on the owner and deadline the
// scan observed, so a concurrent renewal or reclaim makes the clear a no-op.
func (m *Manager) SweepExpired(ctx context.Context) {
	cutoff := m.now().UTC().Add(-m.cfg.Grace)

	expired, err := m.plans.ListExpiredLeases(ctx, cutoff)
	if err != nil {
		m.logger.Error("expired lease scan failed", zap.Error(err))
		return
	}

	for i := range expired {
		plan := &expired[i]
		owner := plan.LeaseOwner

		cleared, err := m.plans.ClearExpiredLease(ctx, plan.ID, owner, cutoff)
		if err != nil {
			m.logger.Error("failed to clear expired lease",
				zap.String("plan_id", plan.ID.String()),
				zap.Error(err),
			)
			continue
		}
		if !cleared {
			continue
		}

		metrics.LeasesExpired.Inc()
		m.logger.Warn("lease expired without release, reclaimed",
			zap.String("plan_id", plan.ID.String()),
			zap.String("plan_name", plan.Name),
			zap.String("owner", owner),
		)
		if m.feed != nil {
			m.feed.LeaseExpired(ctx, plan, owner)
		}
	}
}
