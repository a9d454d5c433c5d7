package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/glare-io/glare/internal/anomaly"
	"github.com/glare-io/glare/internal/api"
	"github.com/glare-io/glare/internal/db"
	"github.com/glare-io/glare/internal/feed"
	"github.com/glare-io/glare/internal/heartbeat"
	"github.com/glare-io/glare/internal/lease"
	"github.com/glare-io/glare/internal/repository"
	"github.com/glare-io/glare/internal/ws"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr  string
	dbDriver  string
	dbDSN     string
	secretKey string
	logLevel  string
	leaseTTL  time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "glare-server",
		Short: "Glare server — backup fleet control plane",
		Long: `Glare server is the control plane of the Glare backup fleet.
It ingests worker heartbeats, coordinates plan execution through
store-enforced leases, aggregates run statistics, detects backup size
anomalies, and serves the operator API and live incident feed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("GLARE_HTTP_ADDR", ":8080"), "HTTP API listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("GLARE_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("GLARE_DB_DSN", "./glare.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.secretKey, "secret-key", envOrDefault("GLARE_SECRET_KEY", ""), "32-byte key for encrypting repository passwords at rest (required)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("GLARE_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().DurationVar(&cfg.leaseTTL, "lease-ttl", 0, "Plan lease duration (default 5m)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("glare-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.secretKey == "" {
		return fmt.Errorf("secret key is required — set --secret-key or GLARE_SECRET_KEY")
	}
	if err := db.InitEncryption([]byte(cfg.secretKey)); err != nil {
		return err
	}

	logger.Info("starting glare server",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Database — connection plus embedded migrations.
	gormLevel := gormlogger.Warn
	if cfg.logLevel == "debug" {
		gormLevel = gormlogger.Info
	}
	database, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormLevel,
	})
	if err != nil {
		return err
	}

	// Repositories.
	workers := repository.NewWorkerRepository(database)
	syncEvents := repository.NewSyncEventRepository(database)
	plans := repository.NewPlanRepository(database)
	runs := repository.NewRunRepository(database)
	anomalies := repository.NewAnomalyRepository(database)
	events := repository.NewEventRepository(database)

	// WebSocket hub — started before anything that publishes to it.
	hub := ws.NewHub()
	go hub.Run(ctx)

	// Incident feed, anomaly detector, lease manager, heartbeat pipeline.
	incidents := feed.New(events, hub, logger)
	detector := anomaly.NewDetector(runs, anomalies, incidents, logger, anomaly.Config{})
	manager := lease.NewManager(plans, incidents, detector, logger, lease.Config{TTL: cfg.leaseTTL})
	registry := heartbeat.NewRegistry(workers, logger)
	ingestor := heartbeat.NewIngestor(workers, syncEvents, incidents, logger, heartbeat.Rule{})

	// Background sweepers: worker staleness and abandoned leases.
	heartbeatSweeper, err := heartbeat.NewSweeper(ingestor, logger)
	if err != nil {
		return err
	}
	if err := heartbeatSweeper.Start(); err != nil {
		return err
	}
	defer heartbeatSweeper.Stop() //nolint:errcheck

	leaseSweeper, err := lease.NewSweeper(manager, logger)
	if err != nil {
		return err
	}
	if err := leaseSweeper.Start(); err != nil {
		return err
	}
	defer leaseSweeper.Stop() //nolint:errcheck

	// HTTP API.
	router := api.NewRouter(api.RouterConfig{
		DB:         database,
		Registry:   registry,
		Ingestor:   ingestor,
		Manager:    manager,
		Feed:       incidents,
		Hub:        hub,
		Logger:     logger,
		Workers:    workers,
		SyncEvents: syncEvents,
		Plans:      plans,
		Runs:       runs,
		Anomalies:  anomalies,
	})

	server := &http.Server{
		Addr:              cfg.httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down glare server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
