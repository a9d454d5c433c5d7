package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/glare-io/glare/internal/db"
	"github.com/glare-io/glare/internal/heartbeat"
	"github.com/glare-io/glare/internal/repository"
	"github.com/glare-io/glare/internal/timeseries"
)

// WorkerHandler groups all worker fleet HTTP handlers (operator side).
// Registration and credential rotation go through the heartbeat Registry so
// the plaintext credential is generated and hashed in exactly one place.
type WorkerHandler struct {
	repo     repository.WorkerRepository
	registry *heartbeat.Registry
	logger   *zap.Logger
}

// NewWorkerHandler creates a new WorkerHandler.
func NewWorkerHandler(repo repository.WorkerRepository, registry *heartbeat.Registry, logger *zap.Logger) *WorkerHandler {
	return &WorkerHandler{
		repo:     repo,
		registry: registry,
		logger:   logger.Named("worker_handler"),
	}
}

// workerResponse is the JSON representation of a worker returned by the API.
// The sync credential never appears here — it is shown once, at registration
// or rotation, via workerCredentialResponse.
type workerResponse struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	Endpoint         string  `json:"endpoint"`
	Status           string  `json:"status"`
	LastSeenAt       *string `json:"lastSeenAt"`
	UptimeMs         int64   `json:"uptimeMs"`
	RequestsTotal    int64   `json:"requestsTotal"`
	ErrorTotal       int64   `json:"errorTotal"`
	ErrorRatePercent float64 `json:"errorRatePercent"`
	CreatedAt        string  `json:"createdAt"`
}

// workerCredentialResponse extends workerResponse with the one-time sync
// credential. The credential cannot be recovered after this response.
type workerCredentialResponse struct {
	workerResponse
	SyncCredential string `json:"syncCredential"`
}

// workerToResponse converts a db.Worker to a workerResponse.
func workerToResponse(w *db.Worker) workerResponse {
	resp := workerResponse{
		ID:               w.ID.String(),
		Name:             w.Name,
		Endpoint:         w.Endpoint,
		Status:           w.Status,
		UptimeMs:         w.UptimeMs,
		RequestsTotal:    w.RequestsTotal,
		ErrorTotal:       w.ErrorTotal,
		ErrorRatePercent: timeseries.ErrorRate(w.RequestsTotal, w.ErrorTotal),
		CreatedAt:        w.CreatedAt.UTC().Format(time.RFC3339),
	}
	if w.LastSeenAt != nil {
		s := w.LastSeenAt.UTC().Format(time.RFC3339)
		resp.LastSeenAt = &s
	}
	return resp
}

// listWorkersResponse wraps a paginated list of workers.
type listWorkersResponse struct {
	Items []workerResponse `json:"items"`
	Total int64            `json:"total"`
}

// List handles GET /api/v1/workers.
// Returns a paginated list of workers. Soft-deleted workers are excluded.
func (h *WorkerHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)

	workers, total, err := h.repo.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list workers", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]workerResponse, len(workers))
	for i := range workers {
		items[i] = workerToResponse(&workers[i])
	}

	Ok(w, listWorkersResponse{Items: items, Total: total})
}

// createWorkerRequest is the JSON body expected by POST /api/v1/workers.
type createWorkerRequest struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
}

// Create handles POST /api/v1/workers.
// Registers a new worker and returns it along with its one-time sync
// credential.
func (h *WorkerHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createWorkerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.Name == "" {
		ErrBadRequest(w, "name is required")
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		ErrBadRequest(w, "invalid userId: must be a valid UUID")
		return
	}

	worker, credential, err := h.registry.Register(r.Context(), userID, req.Name)
	if err != nil {
		h.logger.Error("failed to register worker", zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, workerCredentialResponse{
		workerResponse: workerToResponse(worker),
		SyncCredential: credential,
	})
}

// GetByID handles GET /api/v1/workers/{id}.
func (h *WorkerHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	worker, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get worker", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, workerToResponse(worker))
}

// updateWorkerRequest is the JSON body expected by PATCH /api/v1/workers/{id}.
// All fields are optional — only present values are applied.
type updateWorkerRequest struct {
	Name *string `json:"name"`
}

// Update handles PATCH /api/v1/workers/{id}.
func (h *WorkerHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	var req updateWorkerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	worker, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get worker for update", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	if req.Name != nil {
		if *req.Name == "" {
			ErrBadRequest(w, "name cannot be empty")
			return
		}
		worker.Name = *req.Name
	}

	if err := h.repo.Update(r.Context(), worker); err != nil {
		h.logger.Error("failed to update worker", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, workerToResponse(worker))
}

// Delete handles DELETE /api/v1/workers/{id}.
// Soft-deletes the worker — the record and its sync history are retained.
func (h *WorkerHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.repo.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to delete worker", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	NoContent(w)
}

// RotateCredential handles POST /api/v1/workers/{id}/rotate-credential.
// Replaces the worker's sync credential and returns the new plaintext once.
// The running worker keeps getting 401s until reconfigured with it.
func (h *WorkerHandler) RotateCredential(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	worker, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get worker for rotation", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	credential, err := h.registry.Rotate(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to rotate credential", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, workerCredentialResponse{
		workerResponse: workerToResponse(worker),
		SyncCredential: credential,
	})
}

// -----------------------------------------------------------------------------
// Shared handler helpers
// -----------------------------------------------------------------------------

// parseUUID extracts and parses a UUID path parameter by name.
// Writes a 400 and returns false if the parameter is missing or malformed.
func parseUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	raw := chi.URLParam(r, param)
	id, err := uuid.Parse(raw)
	if err != nil {
		ErrBadRequest(w, "invalid "+param+": must be a valid UUID")
		return uuid.UUID{}, false
	}
	return id, true
}

// paginationOpts reads limit and offset query parameters from the request.
// Defaults: limit=20, offset=0. Max limit is capped at 100.
func paginationOpts(r *http.Request) repository.ListOptions {
	limit := 20
	offset := 0

	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 100 {
		limit = 100
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return repository.ListOptions{Limit: limit, Offset: offset}
}
