package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/glare-io/glare/internal/db"
	"github.com/glare-io/glare/internal/repository"
)

// AnomalyHandler serves the size anomaly audit trail. Anomalies open and
// resolve through the detector only, so the surface is read-only.
type AnomalyHandler struct {
	repo   repository.AnomalyRepository
	logger *zap.Logger
}

// NewAnomalyHandler creates a new AnomalyHandler.
func NewAnomalyHandler(repo repository.AnomalyRepository, logger *zap.Logger) *AnomalyHandler {
	return &AnomalyHandler{
		repo:   repo,
		logger: logger.Named("anomaly_handler"),
	}
}

// anomalyResponse is the JSON representation of a size anomaly.
type anomalyResponse struct {
	ID             string  `json:"id"`
	PlanID         string  `json:"planId"`
	RunID          string  `json:"runId"`
	ExpectedBytes  int64   `json:"expectedBytes"`
	ActualBytes    int64   `json:"actualBytes"`
	DeviationScore float64 `json:"deviationScore"`
	Severity       string  `json:"severity"`
	Reason         string  `json:"reason"`
	Status         string  `json:"status"`
	DetectedAt     string  `json:"detectedAt"`
	ResolvedAt     *string `json:"resolvedAt"`
}

// anomalyToResponse converts a db.BackupSizeAnomaly to an anomalyResponse.
func anomalyToResponse(a *db.BackupSizeAnomaly) anomalyResponse {
	resp := anomalyResponse{
		ID:             a.ID.String(),
		PlanID:         a.PlanID.String(),
		RunID:          a.RunID.String(),
		ExpectedBytes:  a.ExpectedBytes,
		ActualBytes:    a.ActualBytes,
		DeviationScore: a.DeviationScore,
		Severity:       a.Severity,
		Reason:         a.Reason,
		Status:         a.Status,
		DetectedAt:     a.DetectedAt.UTC().Format(time.RFC3339),
	}
	if a.ResolvedAt != nil {
		s := a.ResolvedAt.UTC().Format(time.RFC3339)
		resp.ResolvedAt = &s
	}
	return resp
}

// listAnomaliesResponse wraps a paginated list of anomalies.
type listAnomaliesResponse struct {
	Items []anomalyResponse `json:"items"`
	Total int64             `json:"total"`
}

// List handles GET /api/v1/anomalies.
// Optional filters: planId, status ("open"/"resolved") and severity
// ("warning"/"critical") query parameters.
func (h *AnomalyHandler) List(w http.ResponseWriter, r *http.Request) {
	filters := repository.AnomalyFilters{
		Status:   r.URL.Query().Get("status"),
		Severity: r.URL.Query().Get("severity"),
	}
	if raw := r.URL.Query().Get("planId"); raw != "" {
		planID, err := uuid.Parse(raw)
		if err != nil {
			ErrBadRequest(w, "invalid planId: must be a valid UUID")
			return
		}
		filters.PlanID = planID
	}

	anomalies, total, err := h.repo.List(r.Context(), filters, paginationOpts(r))
	if err != nil {
		h.logger.Error("failed to list anomalies", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]anomalyResponse, len(anomalies))
	for i := range anomalies {
		items[i] = anomalyToResponse(&anomalies[i])
	}

	Ok(w, listAnomaliesResponse{Items: items, Total: total})
}
