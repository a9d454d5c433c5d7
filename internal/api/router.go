package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/glare-io/glare/internal/db"
	"github.com/glare-io/glare/internal/feed"
	"github.com/glare-io/glare/internal/heartbeat"
	"github.com/glare-io/glare/internal/lease"
	"github.com/glare-io/glare/internal/repository"
	"github.com/glare-io/glare/internal/ws"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	DB       *gorm.DB
	Registry *heartbeat.Registry
	Ingestor *heartbeat.Ingestor
	Manager  *lease.Manager
	Feed     *feed.Feed
	Hub      *ws.Hub
	Logger   *zap.Logger

	// Repositories — used directly by handlers that do not need service-layer logic.
	Workers    repository.WorkerRepository
	SyncEvents repository.SyncEventRepository
	Plans      repository.PlanRepository
	Runs       repository.RunRepository
	Anomalies  repository.AnomalyRepository
}

// NewRouter builds and returns the fully configured Chi router.
// Operator routes and the worker sync protocol both live under /api/v1;
// the worker routes are the /workers subtree behind WorkerAuth.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// --- Global middleware ---
	// RequestID generates a unique ID for each request, used in logs and
	// response headers for tracing.
	r.Use(middleware.RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or X-Real-IP
	// headers when the server runs behind a reverse proxy.
	r.Use(middleware.RealIP)

	// RequestLogger logs every request with method, path, status and latency.
	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the server.
	r.Use(middleware.Recoverer)

	// --- Initialize handlers ---
	workerHandler := NewWorkerHandler(cfg.Workers, cfg.Registry, cfg.Logger)
	planHandler := NewPlanHandler(cfg.Plans, cfg.Logger)
	runHandler := NewRunHandler(cfg.Runs, cfg.Logger)
	syncHandler := NewSyncHandler(cfg.Ingestor, cfg.Manager, cfg.Plans, cfg.Logger)
	statsHandler := NewStatsHandler(cfg.SyncEvents, cfg.Runs, cfg.Logger)
	anomalyHandler := NewAnomalyHandler(cfg.Anomalies, cfg.Logger)
	eventHandler := NewEventHandler(cfg.Feed, cfg.Logger)
	wsHandler := NewWSHandler(cfg.Hub, cfg.Logger)

	// Liveness probe plus Prometheus metrics, outside /api/v1 so probes and
	// scrapers do not mix with the API surface.
	r.Get("/healthz", healthz(cfg.DB))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {

		// --- Worker sync protocol (per-worker credential required) ---
		r.Group(func(r chi.Router) {
			r.Use(WorkerAuth(cfg.Registry))

			r.Post("/workers/sync", syncHandler.Sync)
			r.Post("/workers/plans/sync", syncHandler.PlanSync)
			r.Get("/workers/plans/due", syncHandler.Due)
			r.Post("/workers/plans/{id}/claim", syncHandler.Claim)
			r.Post("/workers/plans/{id}/renew", syncHandler.Renew)
			r.Post("/workers/plans/{id}/report", syncHandler.Report)
		})

		// --- Operator routes ---
		r.Group(func(r chi.Router) {

			// Workers (fleet management)
			r.Get("/workers", workerHandler.List)
			r.Post("/workers", workerHandler.Create)
			r.Get("/workers/{id}", workerHandler.GetByID)
			r.Patch("/workers/{id}", workerHandler.Update)
			r.Delete("/workers/{id}", workerHandler.Delete)
			r.Post("/workers/{id}/rotate-credential", workerHandler.RotateCredential)

			// Plans
			r.Get("/plans", planHandler.List)
			r.Post("/plans", planHandler.Create)
			r.Get("/plans/{id}", planHandler.GetByID)
			r.Patch("/plans/{id}", planHandler.Update)
			r.Delete("/plans/{id}", planHandler.Delete)
			r.Get("/plans/{id}/runs", runHandler.ListByPlan)

			// Runs
			r.Get("/runs", runHandler.List)
			r.Get("/runs/{id}", runHandler.GetByID)

			// Chart series
			r.Get("/stats/traffic", statsHandler.Traffic)
			r.Get("/stats/activity", statsHandler.Activity)
			r.Get("/stats/storage", statsHandler.Storage)
			r.Get("/stats/savings", statsHandler.Savings)

			// Anomalies
			r.Get("/anomalies", anomalyHandler.List)

			// Incident feed
			r.Get("/events", eventHandler.List)
			r.Get("/events/ws", wsHandler.ServeWS)
		})
	})

	return r
}

// healthz reports liveness: 200 when the database answers a ping, 503
// otherwise.
func healthz(database *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := db.Ping(ctx, database); err != nil {
			errJSON(w, http.StatusServiceUnavailable, "database unreachable", "unavailable")
			return
		}
		Ok(w, map[string]string{"status": "ok"})
	}
}
