// Package metrics exposes the control plane's Prometheus instrumentation.
// Counters are registered at init via promauto; the /metrics endpoint is
// mounted by the API router.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HeartbeatsIngested counts accepted heartbeat samples, labeled by
	// result: "stored" for new samples, "duplicate" for redelivered ones.
	HeartbeatsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "glare_heartbeats_ingested_total",
			Help: "Total number of worker heartbeat samples ingested",
		},
		[]string{"result"},
	)

	// LeaseClaims counts claim attempts by outcome: "claimed" or
	// "already_leased".
	LeaseClaims = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "glare_lease_claims_total",
			Help: "Total number of plan lease claim attempts",
		},
		[]string{"outcome"},
	)

	// LeaseRenewals counts renewal attempts by outcome: "renewed" or
	// "lost_lease".
	LeaseRenewals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "glare_lease_renewals_total",
			Help: "Total number of plan lease renewal attempts",
		},
		[]string{"outcome"},
	)

	// LeasesExpired counts leases reclaimed by the expiry sweeper after
	// their holder went silent.
	LeasesExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "glare_leases_expired_total",
			Help: "Total number of plan leases reclaimed after expiry",
		},
	)

	// RunsRecorded counts completed run reports by status: "success" or
	// "failed". Rejected stale reports are not counted here.
	RunsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "glare_runs_recorded_total",
			Help: "Total number of backup run completions recorded",
		},
		[]string{"status"},
	)

	// StaleReportsRejected counts completion reports rejected because the
	// reporting worker no longer held the plan lease.
	StaleReportsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "glare_stale_reports_rejected_total",
			Help: "Total number of run reports rejected for lost leases",
		},
	)

	// AnomaliesDetected counts opened size anomalies by severity.
	AnomaliesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "glare_anomalies_detected_total",
			Help: "Total number of backup size anomalies opened",
		},
		[]string{"severity"},
	)

	// WorkerStatusTransitions counts derived worker status changes, labeled
	// by the new status.
	WorkerStatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "glare_worker_status_transitions_total",
			Help: "Total number of derived worker status transitions",
		},
		[]string{"to"},
	)
)
