package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/glare-io/glare/internal/db"
	"github.com/glare-io/glare/internal/lease"
	"github.com/glare-io/glare/internal/repository"
)

// PlanHandler groups all backup plan HTTP handlers (operator side).
type PlanHandler struct {
	repo   repository.PlanRepository
	logger *zap.Logger
}

// NewPlanHandler creates a new PlanHandler.
func NewPlanHandler(repo repository.PlanRepository, logger *zap.Logger) *PlanHandler {
	return &PlanHandler{
		repo:   repo,
		logger: logger.Named("plan_handler"),
	}
}

// planResponse is the JSON representation of a plan returned by the API.
// The repository password is excluded — it is only ever delivered to the
// assigned worker inside the plan sync payload.
type planResponse struct {
	ID         string          `json:"id"`
	WorkerID   string          `json:"workerId"`
	Name       string          `json:"name"`
	Repository string          `json:"repository"`
	Backend    string          `json:"backend"`
	Cron       string          `json:"cron"`
	Sources    json.RawMessage `json:"sources"`
	Tags       json.RawMessage `json:"tags"`
	Options    json.RawMessage `json:"options"`

	KeepLast    int    `json:"keepLast"`
	KeepDaily   int    `json:"keepDaily"`
	KeepWeekly  int    `json:"keepWeekly"`
	KeepMonthly int    `json:"keepMonthly"`
	KeepYearly  int    `json:"keepYearly"`
	KeepWithin  string `json:"keepWithin"`

	Enabled    bool    `json:"enabled"`
	LastRunAt  *string `json:"lastRunAt"`
	NextRunAt  *string `json:"nextRunAt"`
	LastStatus string  `json:"lastStatus"`
	LastError  string  `json:"lastError"`

	Leased     bool    `json:"leased"`
	LeaseOwner string  `json:"leaseOwner,omitempty"`
	LeaseUntil *string `json:"leaseUntil,omitempty"`

	CreatedAt string `json:"createdAt"`
}

// planToResponse converts a db.Plan to a planResponse.
func planToResponse(p *db.Plan, now time.Time) planResponse {
	resp := planResponse{
		ID:          p.ID.String(),
		WorkerID:    p.WorkerID.String(),
		Name:        p.Name,
		Repository:  p.Repository,
		Backend:     p.Backend,
		Cron:        p.Cron,
		Sources:     rawOr(p.Sources, "[]"),
		Tags:        rawOr(p.Tags, "[]"),
		Options:     rawOr(p.Options, "{}"),
		KeepLast:    p.KeepLast,
		KeepDaily:   p.KeepDaily,
		KeepWeekly:  p.KeepWeekly,
		KeepMonthly: p.KeepMonthly,
		KeepYearly:  p.KeepYearly,
		KeepWithin:  p.KeepWithin,
		Enabled:     p.Enabled,
		LastStatus:  p.LastStatus,
		LastError:   p.LastError,
		Leased:      p.Leased(now),
		CreatedAt:   p.CreatedAt.UTC().Format(time.RFC3339),
	}
	if p.LastRunAt != nil {
		s := p.LastRunAt.UTC().Format(time.RFC3339)
		resp.LastRunAt = &s
	}
	if p.NextRunAt != nil {
		s := p.NextRunAt.UTC().Format(time.RFC3339)
		resp.NextRunAt = &s
	}
	if resp.Leased {
		resp.LeaseOwner = p.LeaseOwner
		s := p.LeaseUntil.UTC().Format(time.RFC3339)
		resp.LeaseUntil = &s
	}
	return resp
}

// rawOr returns s as raw JSON, or the fallback when s is empty. Sources,
// tags and options are stored as JSON text columns and passed through
// without re-parsing.
func rawOr(s, fallback string) json.RawMessage {
	if s == "" {
		return json.RawMessage(fallback)
	}
	return json.RawMessage(s)
}

// listPlansResponse wraps a paginated list of plans.
type listPlansResponse struct {
	Items []planResponse `json:"items"`
	Total int64          `json:"total"`
}

// List handles GET /api/v1/plans.
func (h *PlanHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)

	plans, total, err := h.repo.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list plans", zap.Error(err))
		ErrInternal(w)
		return
	}

	now := time.Now().UTC()
	items := make([]planResponse, len(plans))
	for i := range plans {
		items[i] = planToResponse(&plans[i], now)
	}

	Ok(w, listPlansResponse{Items: items, Total: total})
}

// createPlanRequest is the JSON body expected by POST /api/v1/plans.
type createPlanRequest struct {
	UserID     string            `json:"userId"`
	WorkerID   string            `json:"workerId"`
	Name       string            `json:"name"`
	Repository string            `json:"repository"`
	Backend    string            `json:"backend"`
	Cron       string            `json:"cron"`
	Sources    []string          `json:"sources"`
	Tags       []string          `json:"tags"`
	Password   string            `json:"password"`
	Options    map[string]string `json:"options"`

	KeepLast    *int   `json:"keepLast"`
	KeepDaily   *int   `json:"keepDaily"`
	KeepWeekly  *int   `json:"keepWeekly"`
	KeepMonthly *int   `json:"keepMonthly"`
	KeepYearly  *int   `json:"keepYearly"`
	KeepWithin  string `json:"keepWithin"`

	Enabled *bool `json:"enabled"`
}

// Create handles POST /api/v1/plans.
// The cron expression is validated up front and the first next_run_at is
// computed from it, so the assigned worker sees the plan as due at the
// right moment without any scheduler push.
func (h *PlanHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createPlanRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.Name == "" {
		ErrBadRequest(w, "name is required")
		return
	}
	if req.Repository == "" {
		ErrBadRequest(w, "repository is required")
		return
	}
	if len(req.Sources) == 0 {
		ErrBadRequest(w, "at least one source path is required")
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		ErrBadRequest(w, "invalid userId: must be a valid UUID")
		return
	}
	workerID, err := uuid.Parse(req.WorkerID)
	if err != nil {
		ErrBadRequest(w, "invalid workerId: must be a valid UUID")
		return
	}

	nextRun, err := lease.Schedule(req.Cron, time.Now().UTC())
	if err != nil {
		ErrUnprocessable(w, "invalid cron expression: "+req.Cron)
		return
	}

	if req.Tags == nil {
		req.Tags = []string{}
	}
	if req.Options == nil {
		req.Options = map[string]string{}
	}

	plan := &db.Plan{
		UserID:       userID,
		WorkerID:     workerID,
		Name:         req.Name,
		Repository:   req.Repository,
		Backend:      req.Backend,
		Cron:         req.Cron,
		Sources:      mustJSON(req.Sources),
		Tags:         mustJSON(req.Tags),
		RepoPassword: db.EncryptedString(req.Password),
		Options:      mustJSON(req.Options),
		KeepDaily:    7,
		KeepWeekly:   4,
		KeepMonthly:  6,
		KeepYearly:   1,
		KeepWithin:   req.KeepWithin,
		Enabled:      true,
		NextRunAt:    nextRun,
	}
	if req.KeepLast != nil {
		plan.KeepLast = *req.KeepLast
	}
	if req.KeepDaily != nil {
		plan.KeepDaily = *req.KeepDaily
	}
	if req.KeepWeekly != nil {
		plan.KeepWeekly = *req.KeepWeekly
	}
	if req.KeepMonthly != nil {
		plan.KeepMonthly = *req.KeepMonthly
	}
	if req.KeepYearly != nil {
		plan.KeepYearly = *req.KeepYearly
	}
	if req.Enabled != nil {
		plan.Enabled = *req.Enabled
	}

	if err := h.repo.Create(r.Context(), plan); err != nil {
		h.logger.Error("failed to create plan", zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, planToResponse(plan, time.Now().UTC()))
}

// GetByID handles GET /api/v1/plans/{id}.
func (h *PlanHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	plan, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get plan", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, planToResponse(plan, time.Now().UTC()))
}

// updatePlanRequest is the JSON body expected by PATCH /api/v1/plans/{id}.
// All fields are optional — only present values are applied.
type updatePlanRequest struct {
	WorkerID   *string            `json:"workerId"`
	Name       *string            `json:"name"`
	Repository *string            `json:"repository"`
	Backend    *string            `json:"backend"`
	Cron       *string            `json:"cron"`
	Sources    *[]string          `json:"sources"`
	Tags       *[]string          `json:"tags"`
	Password   *string            `json:"password"`
	Options    *map[string]string `json:"options"`

	KeepLast    *int    `json:"keepLast"`
	KeepDaily   *int    `json:"keepDaily"`
	KeepWeekly  *int    `json:"keepWeekly"`
	KeepMonthly *int    `json:"keepMonthly"`
	KeepYearly  *int    `json:"keepYearly"`
	KeepWithin  *string `json:"keepWithin"`

	Enabled *bool `json:"enabled"`
}

// Update handles PATCH /api/v1/plans/{id}.
// A cron change recomputes next_run_at immediately; a running execution is
// unaffected because the lease columns are never written here.
func (h *PlanHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	var req updatePlanRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	plan, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get plan for update", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	rescheduled := false
	if req.Cron != nil && *req.Cron != plan.Cron {
		nextRun, err := lease.Schedule(*req.Cron, time.Now().UTC())
		if err != nil {
			ErrUnprocessable(w, "invalid cron expression: "+*req.Cron)
			return
		}
		plan.Cron = *req.Cron
		plan.NextRunAt = nextRun
		rescheduled = true
	}
	if req.WorkerID != nil {
		workerID, err := uuid.Parse(*req.WorkerID)
		if err != nil {
			ErrBadRequest(w, "invalid workerId: must be a valid UUID")
			return
		}
		plan.WorkerID = workerID
	}
	if req.Name != nil {
		if *req.Name == "" {
			ErrBadRequest(w, "name cannot be empty")
			return
		}
		plan.Name = *req.Name
	}
	if req.Repository != nil {
		plan.Repository = *req.Repository
	}
	if req.Backend != nil {
		plan.Backend = *req.Backend
	}
	if req.Sources != nil {
		if len(*req.Sources) == 0 {
			ErrBadRequest(w, "at least one source path is required")
			return
		}
		plan.Sources = mustJSON(*req.Sources)
	}
	if req.Tags != nil {
		plan.Tags = mustJSON(*req.Tags)
	}
	if req.Password != nil {
		plan.RepoPassword = db.EncryptedString(*req.Password)
	}
	if req.Options != nil {
		plan.Options = mustJSON(*req.Options)
	}
	if req.KeepLast != nil {
		plan.KeepLast = *req.KeepLast
	}
	if req.KeepDaily != nil {
		plan.KeepDaily = *req.KeepDaily
	}
	if req.KeepWeekly != nil {
		plan.KeepWeekly = *req.KeepWeekly
	}
	if req.KeepMonthly != nil {
		plan.KeepMonthly = *req.KeepMonthly
	}
	if req.KeepYearly != nil {
		plan.KeepYearly = *req.KeepYearly
	}
	if req.KeepWithin != nil {
		plan.KeepWithin = *req.KeepWithin
	}
	if req.Enabled != nil {
		plan.Enabled = *req.Enabled
	}

	if err := h.repo.Update(r.Context(), plan); err != nil {
		h.logger.Error("failed to update plan", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	if rescheduled {
		if err := h.repo.UpdateSchedule(r.Context(), plan.ID, plan.NextRunAt); err != nil {
			h.logger.Error("failed to reschedule plan", zap.String("id", id.String()), zap.Error(err))
			ErrInternal(w)
			return
		}
	}

	Ok(w, planToResponse(plan, time.Now().UTC()))
}

// Delete handles DELETE /api/v1/plans/{id}.
// Soft-deletes the plan and removes its runs, metrics and anomalies.
func (h *PlanHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.repo.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to delete plan", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	NoContent(w)
}

// mustJSON marshals a value that cannot fail to marshal (string slices and
// maps) into its JSON text form for storage.
func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}
