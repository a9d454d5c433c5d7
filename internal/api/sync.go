package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/glare-io/glare/internal/db"
	"github.com/glare-io/glare/internal/heartbeat"
	"github.com/glare-io/glare/internal/lease"
	"github.com/glare-io/glare/internal/repository"
)

// SyncHandler implements the worker-facing sync protocol. Every route here
// sits behind WorkerAuth, so handlers always operate on the authenticated
// worker from the request context and never trust IDs from the body.
//
// The protocol is pull-based: workers post heartbeats on a fixed cadence,
// pull their assigned plans, and run the claim/renew/report cycle around
// each execution. The server never pushes work.
type SyncHandler struct {
	ingestor *heartbeat.Ingestor
	manager  *lease.Manager
	plans    repository.PlanRepository
	logger   *zap.Logger
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(ingestor *heartbeat.Ingestor, manager *lease.Manager, plans repository.PlanRepository, logger *zap.Logger) *SyncHandler {
	return &SyncHandler{
		ingestor: ingestor,
		manager:  manager,
		plans:    plans,
		logger:   logger.Named("sync_handler"),
	}
}

// workerSyncRequest is the heartbeat payload posted by workers every
// interval. Counters are cumulative since worker start and reset to zero on
// restart.
type workerSyncRequest struct {
	Status        string `json:"status"`
	Endpoint      string `json:"endpoint"`
	UptimeMs      int64  `json:"uptimeMs"`
	RequestsTotal int64  `json:"requestsTotal"`
	ErrorTotal    int64  `json:"errorTotal"`
}

// Sync handles POST /api/v1/workers/sync.
// Ingests one heartbeat and returns 204. Duplicate deliveries of the same
// sample are deduplicated server-side, so workers may retry freely.
func (h *SyncHandler) Sync(w http.ResponseWriter, r *http.Request) {
	worker := workerFromCtx(r.Context())

	var req workerSyncRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	err := h.ingestor.Ingest(r.Context(), worker, heartbeat.Sample{
		Status:        req.Status,
		Endpoint:      req.Endpoint,
		UptimeMs:      req.UptimeMs,
		RequestsTotal: req.RequestsTotal,
		ErrorTotal:    req.ErrorTotal,
	})
	if err != nil {
		h.logger.Error("failed to ingest heartbeat",
			zap.String("worker_id", worker.ID.String()),
			zap.Error(err),
		)
		ErrInternal(w)
		return
	}

	NoContent(w)
}

// syncedPlanRequest is the execution request inside a synced plan. This is
// the only place the decrypted repository password leaves the server, and
// only towards the plan's assigned, credential-authenticated worker.
type syncedPlanRequest struct {
	Repository string            `json:"repository"`
	Password   string            `json:"password,omitempty"`
	Backend    string            `json:"backend,omitempty"`
	Options    map[string]string `json:"options,omitempty"`
	Paths      []string          `json:"paths"`
	Tags       []string          `json:"tags,omitempty"`
}

// syncedPlan is one plan in the sync payload.
type syncedPlan struct {
	ID      string            `json:"id"`
	Cron    string            `json:"cron"`
	Enabled bool              `json:"enabled"`
	Request syncedPlanRequest `json:"request"`
}

// planSyncResponse is the full plan sync payload. LeaseTtlMs tells the
// worker how long a claimed lease lasts so it can renew at half that.
type planSyncResponse struct {
	Plans      []syncedPlan `json:"plans"`
	LeaseTtlMs int64        `json:"leaseTtlMs"`
}

// PlanSync handles POST /api/v1/workers/plans/sync.
// Returns every enabled plan assigned to the calling worker, including the
// decrypted repository password and backend options needed to execute it.
func (h *SyncHandler) PlanSync(w http.ResponseWriter, r *http.Request) {
	worker := workerFromCtx(r.Context())

	plans, err := h.plans.ListByWorker(r.Context(), worker.ID)
	if err != nil {
		h.logger.Error("failed to sync plans",
			zap.String("worker_id", worker.ID.String()),
			zap.Error(err),
		)
		ErrInternal(w)
		return
	}

	out := make([]syncedPlan, 0, len(plans))
	for i := range plans {
		p := &plans[i]
		if !p.Enabled {
			continue
		}
		out = append(out, syncedPlan{
			ID:      p.ID.String(),
			Cron:    p.Cron,
			Enabled: p.Enabled,
			Request: syncedPlanRequest{
				Repository: p.Repository,
				Password:   string(p.RepoPassword),
				Backend:    p.Backend,
				Options:    decodeStringMap(p.Options),
				Paths:      decodeStringSlice(p.Sources),
				Tags:       decodeStringSlice(p.Tags),
			},
		})
	}

	Ok(w, planSyncResponse{
		Plans:      out,
		LeaseTtlMs: h.manager.TTL().Milliseconds(),
	})
}

// duePlansResponse lists the plans the worker should try to claim now.
type duePlansResponse struct {
	PlanIDs []string `json:"planIds"`
}

// Due handles GET /api/v1/workers/plans/due.
// Returns the IDs of the worker's enabled plans whose schedule has come due
// and whose lease slot is free. Claiming can still lose the race — another
// server replica may have answered the same question to nobody's detriment.
func (h *SyncHandler) Due(w http.ResponseWriter, r *http.Request) {
	worker := workerFromCtx(r.Context())

	plans, err := h.manager.Due(r.Context(), worker.ID)
	if err != nil {
		h.logger.Error("failed to list due plans",
			zap.String("worker_id", worker.ID.String()),
			zap.Error(err),
		)
		ErrInternal(w)
		return
	}

	ids := make([]string, len(plans))
	for i := range plans {
		ids[i] = plans[i].ID.String()
	}
	Ok(w, duePlansResponse{PlanIDs: ids})
}

// leaseGrantResponse is the result of a claim or renew attempt.
type leaseGrantResponse struct {
	Outcome    string `json:"outcome"`
	LeaseUntil string `json:"leaseUntil,omitempty"`
}

func grantToResponse(g lease.Grant) leaseGrantResponse {
	resp := leaseGrantResponse{Outcome: g.Outcome}
	if !g.LeaseUntil.IsZero() {
		resp.LeaseUntil = g.LeaseUntil.UTC().Format(time.RFC3339)
	}
	return resp
}

// Claim handles POST /api/v1/workers/plans/{id}/claim.
// Returns 200 with the lease deadline when this worker won, 409 when the
// plan is already leased elsewhere. Losing is normal operation, not an
// error — the worker simply skips the execution.
func (h *SyncHandler) Claim(w http.ResponseWriter, r *http.Request) {
	worker := workerFromCtx(r.Context())
	planID, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	grant, err := h.manager.Claim(r.Context(), planID, worker.ID)
	if err != nil {
		h.writeLeaseError(w, err, planID, worker)
		return
	}
	if grant.Outcome == lease.OutcomeAlreadyLeased {
		JSON(w, http.StatusConflict, envelope{"data": grantToResponse(grant)})
		return
	}

	Ok(w, grantToResponse(grant))
}

// Renew handles POST /api/v1/workers/plans/{id}/renew.
// Returns 200 with the extended deadline, or 409 when the lease was lost —
// the worker must then abandon the in-flight execution.
func (h *SyncHandler) Renew(w http.ResponseWriter, r *http.Request) {
	worker := workerFromCtx(r.Context())
	planID, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	grant, err := h.manager.Renew(r.Context(), planID, worker.ID)
	if err != nil {
		h.writeLeaseError(w, err, planID, worker)
		return
	}
	if grant.Outcome == lease.OutcomeLostLease {
		JSON(w, http.StatusConflict, envelope{"data": grantToResponse(grant)})
		return
	}

	Ok(w, grantToResponse(grant))
}

// runReportMetrics is the optional byte accounting of a successful run,
// parsed by the worker from the backup engine's summary output.
type runReportMetrics struct {
	BytesAdded      int64 `json:"bytesAdded"`
	BytesProcessed  int64 `json:"bytesProcessed"`
	FilesNew        int64 `json:"filesNew"`
	FilesChanged    int64 `json:"filesChanged"`
	FilesUnmodified int64 `json:"filesUnmodified"`
}

// planReportRequest is a worker's terminal report for one execution.
type planReportRequest struct {
	Status       string            `json:"status"`
	Error        string            `json:"error"`
	DurationMs   int64             `json:"durationMs"`
	SnapshotID   string            `json:"snapshotId"`
	SnapshotTime string            `json:"snapshotTime"`
	Output       json.RawMessage   `json:"output"`
	Metrics      *runReportMetrics `json:"metrics"`
}

// Report handles POST /api/v1/workers/plans/{id}/report.
// Records the run, releases the lease, and returns the stored run record.
// A 409 means the worker lost the lease mid-run and the report was
// discarded — nothing about the execution was recorded.
func (h *SyncHandler) Report(w http.ResponseWriter, r *http.Request) {
	worker := workerFromCtx(r.Context())
	planID, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	var req planReportRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Status != "success" && req.Status != "failed" {
		ErrBadRequest(w, "status must be \"success\" or \"failed\"")
		return
	}

	report := lease.CompletionReport{
		Status:     req.Status,
		Error:      req.Error,
		DurationMs: req.DurationMs,
		SnapshotID: req.SnapshotID,
		Output:     outputOrEmpty(req.Output),
	}
	if req.SnapshotTime != "" {
		t, err := time.Parse(time.RFC3339, req.SnapshotTime)
		if err != nil {
			ErrBadRequest(w, "invalid snapshotTime: must be RFC 3339")
			return
		}
		report.SnapshotTime = &t
	}
	if req.Status == "success" && req.Metrics != nil {
		report.Metrics = &lease.RunMetrics{
			BytesAdded:      req.Metrics.BytesAdded,
			BytesProcessed:  req.Metrics.BytesProcessed,
			FilesNew:        req.Metrics.FilesNew,
			FilesChanged:    req.Metrics.FilesChanged,
			FilesUnmodified: req.Metrics.FilesUnmodified,
		}
	}

	run, err := h.manager.Report(r.Context(), planID, worker.ID, report)
	if err != nil {
		if errors.Is(err, lease.ErrLostLease) {
			ErrConflict(w, "lease no longer held, report discarded")
			return
		}
		h.writeLeaseError(w, err, planID, worker)
		return
	}

	Ok(w, runToResponse(run))
}

// writeLeaseError maps the lease manager's sentinel errors to HTTP
// responses shared by claim, renew and report.
func (h *SyncHandler) writeLeaseError(w http.ResponseWriter, err error, planID uuid.UUID, worker *db.Worker) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		ErrNotFound(w)
	case errors.Is(err, lease.ErrNotAssigned):
		ErrForbidden(w)
	case errors.Is(err, lease.ErrPlanDisabled):
		ErrConflict(w, "plan is disabled")
	default:
		h.logger.Error("lease operation failed",
			zap.String("plan_id", planID.String()),
			zap.String("worker_id", worker.ID.String()),
			zap.Error(err),
		)
		ErrInternal(w)
	}
}

// outputOrEmpty normalizes the raw engine output for storage.
func outputOrEmpty(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

// decodeStringSlice parses a JSON array text column, tolerating bad data
// with an empty result rather than failing the sync.
func decodeStringSlice(s string) []string {
	var out []string
	if s == "" {
		return out
	}
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

// decodeStringMap parses a JSON object text column the same way.
func decodeStringMap(s string) map[string]string {
	var out map[string]string
	if s == "" {
		return out
	}
	_ = json.Unmarshal([]byte(s), &out)
	return out
}
