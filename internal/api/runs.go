package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/glare-io/glare/internal/db"
	"github.com/glare-io/glare/internal/repository"
)

// RunHandler groups the run history HTTP handlers. Runs are immutable once
// reported, so the surface is read-only.
type RunHandler struct {
	repo   repository.RunRepository
	logger *zap.Logger
}

// NewRunHandler creates a new RunHandler.
func NewRunHandler(repo repository.RunRepository, logger *zap.Logger) *RunHandler {
	return &RunHandler{
		repo:   repo,
		logger: logger.Named("run_handler"),
	}
}

// runMetricResponse is the byte accounting of a successful run.
type runMetricResponse struct {
	BytesAdded      int64 `json:"bytesAdded"`
	BytesProcessed  int64 `json:"bytesProcessed"`
	FilesNew        int64 `json:"filesNew"`
	FilesChanged    int64 `json:"filesChanged"`
	FilesUnmodified int64 `json:"filesUnmodified"`
}

// runResponse is the JSON representation of a run returned by the API.
// Metric is present only on detail responses for successful runs.
type runResponse struct {
	ID           string             `json:"id"`
	PlanID       string             `json:"planId"`
	WorkerID     string             `json:"workerId"`
	Repository   string             `json:"repository"`
	RunType      string             `json:"runType"`
	Status       string             `json:"status"`
	Error        string             `json:"error,omitempty"`
	DurationMs   int64              `json:"durationMs"`
	SnapshotID   string             `json:"snapshotId,omitempty"`
	SnapshotTime *string            `json:"snapshotTime,omitempty"`
	Output       json.RawMessage    `json:"output"`
	CreatedAt    string             `json:"createdAt"`
	Metric       *runMetricResponse `json:"metric,omitempty"`
}

// runToResponse converts a db.BackupPlanRun to a runResponse.
func runToResponse(run *db.BackupPlanRun) runResponse {
	resp := runResponse{
		ID:         run.ID.String(),
		PlanID:     run.PlanID.String(),
		WorkerID:   run.WorkerID.String(),
		Repository: run.Repository,
		RunType:    run.RunType,
		Status:     run.Status,
		Error:      run.Error,
		DurationMs: run.DurationMs,
		SnapshotID: run.SnapshotID,
		Output:     rawOr(run.Output, "{}"),
		CreatedAt:  run.CreatedAt.UTC().Format(time.RFC3339),
	}
	if run.SnapshotTime != nil {
		s := run.SnapshotTime.UTC().Format(time.RFC3339)
		resp.SnapshotTime = &s
	}
	return resp
}

// listRunsResponse wraps a paginated list of runs.
type listRunsResponse struct {
	Items []runResponse `json:"items"`
	Total int64         `json:"total"`
}

// List handles GET /api/v1/runs.
// Returns the fleet-wide run history, newest first.
func (h *RunHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)

	runs, total, err := h.repo.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list runs", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]runResponse, len(runs))
	for i := range runs {
		items[i] = runToResponse(&runs[i])
	}

	Ok(w, listRunsResponse{Items: items, Total: total})
}

// ListByPlan handles GET /api/v1/plans/{id}/runs.
func (h *RunHandler) ListByPlan(w http.ResponseWriter, r *http.Request) {
	planID, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	opts := paginationOpts(r)

	runs, total, err := h.repo.ListByPlan(r.Context(), planID, opts)
	if err != nil {
		h.logger.Error("failed to list plan runs", zap.String("plan_id", planID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]runResponse, len(runs))
	for i := range runs {
		items[i] = runToResponse(&runs[i])
	}

	Ok(w, listRunsResponse{Items: items, Total: total})
}

// GetByID handles GET /api/v1/runs/{id}.
// Includes the byte metric when one was recorded for the run.
func (h *RunHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	run, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get run", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	resp := runToResponse(run)

	metric, err := h.repo.GetMetricByRun(r.Context(), id)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		// Failed runs have no metric.
	case err != nil:
		h.logger.Error("failed to get run metric", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	default:
		resp.Metric = &runMetricResponse{
			BytesAdded:      metric.BytesAdded,
			BytesProcessed:  metric.BytesProcessed,
			FilesNew:        metric.FilesNew,
			FilesChanged:    metric.FilesChanged,
			FilesUnmodified: metric.FilesUnmodified,
		}
	}

	Ok(w, resp)
}
