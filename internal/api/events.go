package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/glare-io/glare/internal/db"
	"github.com/glare-io/glare/internal/feed"
)

// EventHandler serves the normalized incident stream.
type EventHandler struct {
	feed   *feed.Feed
	logger *zap.Logger
}

// NewEventHandler creates a new EventHandler.
func NewEventHandler(f *feed.Feed, logger *zap.Logger) *EventHandler {
	return &EventHandler{
		feed:   f,
		logger: logger.Named("event_handler"),
	}
}

// eventResponse is the API representation of an incident event.
type eventResponse struct {
	ID         string  `json:"id"`
	Type       string  `json:"type"`
	Severity   string  `json:"severity"`
	Status     string  `json:"status"`
	Message    string  `json:"message"`
	PlanID     string  `json:"planId,omitempty"`
	RunID      string  `json:"runId,omitempty"`
	WorkerID   string  `json:"workerId,omitempty"`
	CreatedAt  string  `json:"createdAt"`
	ResolvedAt *string `json:"resolvedAt,omitempty"`
}

func eventToResponse(e *db.BackupEvent) eventResponse {
	resp := eventResponse{
		ID:        e.ID.String(),
		Type:      e.Type,
		Severity:  e.Severity,
		Status:    e.Status,
		Message:   e.Message,
		CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339),
	}
	if e.PlanID != uuid.Nil {
		resp.PlanID = e.PlanID.String()
	}
	if e.RunID != uuid.Nil {
		resp.RunID = e.RunID.String()
	}
	if e.WorkerID != uuid.Nil {
		resp.WorkerID = e.WorkerID.String()
	}
	if e.ResolvedAt != nil {
		at := e.ResolvedAt.UTC().Format(time.RFC3339)
		resp.ResolvedAt = &at
	}
	return resp
}

// eventPageResponse is one page of the incident stream, newest first.
type eventPageResponse struct {
	Events  []eventResponse `json:"events"`
	Total   int64           `json:"total"`
	HasMore bool            `json:"hasMore"`
}

// List handles GET /api/v1/events.
// Returns a page of incident events, newest first. Optional filters:
// status ("open"/"resolved"), severity, and since (RFC 3339).
func (h *EventHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)
	q := feed.Query{
		Status:   r.URL.Query().Get("status"),
		Severity: r.URL.Query().Get("severity"),
		Limit:    opts.Limit,
		Offset:   opts.Offset,
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			ErrBadRequest(w, "invalid since: must be RFC 3339")
			return
		}
		q.Since = since
	}

	page, err := h.feed.List(r.Context(), q)
	if err != nil {
		h.logger.Error("failed to list events", zap.Error(err))
		ErrInternal(w)
		return
	}

	out := eventPageResponse{
		Events:  make([]eventResponse, len(page.Events)),
		Total:   page.Total,
		HasMore: page.HasMore,
	}
	for i := range page.Events {
		out.Events[i] = eventToResponse(&page.Events[i])
	}
	Ok(w, out)
}
