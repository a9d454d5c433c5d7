// Package main implements a one-shot seed command that registers a worker
// directly in the Glare database and prints its one-time sync credential.
// It lives inside the server module so it can access internal/* packages.
//
// Usage:
//
//	go run ./cmd/seed \
//	  --name worker-eu-1 \
//	  --plan-repo /srv/backups/repo \
//	  --plan-cron "0 2 * * *" \
//	  --plan-source /var/lib/data
//
// Environment variables:
//
//	GLARE_DB_DSN      SQLite file path or Postgres DSN (default: ./glare.db)
//	GLARE_SECRET_KEY  Master encryption key — must match the value used by the server
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/glare-io/glare/internal/db"
	"github.com/glare-io/glare/internal/heartbeat"
	"github.com/glare-io/glare/internal/lease"
	"github.com/glare-io/glare/internal/repository"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	name := flag.String("name", "", "Worker name (required)")
	planRepo := flag.String("plan-repo", "", "Backup repository for a demo plan (optional)")
	planCron := flag.String("plan-cron", "0 2 * * *", "Cron schedule for the demo plan")
	planSource := flag.String("plan-source", "", "Source path for the demo plan")
	planPassword := flag.String("plan-password", "", "Repository password for the demo plan")
	flag.Parse()

	if *name == "" {
		return fmt.Errorf("--name is required")
	}
	if *planRepo != "" && *planSource == "" {
		return fmt.Errorf("--plan-source is required when --plan-repo is set")
	}

	dsn := envOrDefault("GLARE_DB_DSN", "./glare.db")

	secretKey := os.Getenv("GLARE_SECRET_KEY")
	if secretKey == "" {
		return fmt.Errorf(
			"GLARE_SECRET_KEY is not set\n" +
				"  Set it to the same value used by the server, otherwise the\n" +
				"  encrypted repository password will be unreadable at sync time.",
		)
	}

	// InitEncryption must be called before any DB operation so that
	// EncryptedString fields are encoded correctly on write.
	if err := db.InitEncryption([]byte(secretKey)); err != nil {
		return fmt.Errorf("init encryption: %w", err)
	}

	logger := zap.NewNop()

	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      dsn,
		Logger:   logger,
		LogLevel: gormlogger.Silent,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	ctx := context.Background()
	workers := repository.NewWorkerRepository(database)
	registry := heartbeat.NewRegistry(workers, logger)

	userID := uuid.Must(uuid.NewV7())
	worker, credential, err := registry.Register(ctx, userID, *name)
	if err != nil {
		return fmt.Errorf("register worker: %w", err)
	}

	fmt.Printf("✓ Worker registered\n")
	fmt.Printf("  ID:         %s\n", worker.ID)
	fmt.Printf("  Name:       %s\n", worker.Name)
	fmt.Printf("  Credential: %s\n", credential)
	fmt.Printf("  (the credential is shown only once — store it now)\n")

	if *planRepo == "" {
		return nil
	}

	nextRun, err := lease.Schedule(*planCron, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("invalid --plan-cron: %w", err)
	}

	sources, _ := json.Marshal([]string{*planSource})
	plans := repository.NewPlanRepository(database)
	plan := &db.Plan{
		UserID:       userID,
		WorkerID:     worker.ID,
		Name:         *name + " demo plan",
		Repository:   *planRepo,
		Cron:         *planCron,
		Sources:      string(sources),
		Tags:         `["seed"]`,
		RepoPassword: db.EncryptedString(*planPassword),
		KeepDaily:    7,
		KeepWeekly:   4,
		KeepMonthly:  6,
		KeepYearly:   1,
		Enabled:      true,
		NextRunAt:    nextRun,
	}
	if err := plans.Create(ctx, plan); err != nil {
		return fmt.Errorf("create plan: %w", err)
	}

	fmt.Printf("✓ Plan created\n")
	fmt.Printf("  ID:   %s\n", plan.ID)
	fmt.Printf("  Cron: %s\n", plan.Cron)
	if plan.NextRunAt != nil {
		fmt.Printf("  Next: %s\n", plan.NextRunAt.UTC().Format(time.RFC3339))
	}

	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
