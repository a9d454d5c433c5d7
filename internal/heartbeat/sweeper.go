package heartbeat

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// Sweeper periodically re-derives status for workers that stopped sending
// heartbeats. Without it, a crashed worker's status would only change the
// next time something triggered a recomputation.
type Sweeper struct {
	ingestor *Ingestor
	cron     gocron.Scheduler
	logger   *zap.Logger
	interval time.Duration
}

// NewSweeper creates the staleness sweeper. It runs at the heartbeat
// interval so a worker is downgraded within one beat of crossing a
// threshold.
func NewSweeper(ingestor *Ingestor, logger *zap.Logger) (*Sweeper, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("heartbeat: create sweeper scheduler: %w", err)
	}
	return &Sweeper{
		ingestor: ingestor,
		cron:     s,
		logger:   logger.Named("heartbeat-sweeper"),
		interval: ingestor.Rule().withDefaults().Interval,
	}, nil
}

// Start schedules the periodic sweep and starts the underlying scheduler.
func (s *Sweeper) Start() error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			s.ingestor.SweepStale(ctx)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("heartbeat: schedule sweep: %w", err)
	}
	s.cron.Start()
	s.logger.Info("worker staleness sweeper started", zap.Duration("interval", s.interval))
	return nil
}

// Stop shuts down the underlying scheduler, waiting for a running sweep.
func (s *Sweeper) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("heartbeat: sweeper shutdown: %w", err)
	}
	s.logger.Info("worker staleness sweeper stopped")
	return nil
}
