// Package feed normalizes detector findings, worker status transitions,
// lease expiries, and run failures into a single queryable incident stream,
// and mirrors every change onto the WebSocket hub for live dashboards.
//
// The feed is a projection, never the source of truth: each event points
// back at the plan, run, or worker that produced it. Open events are closed
// automatically by the countervailing signal (worker back online, anomaly
// resolved, plan running clean again), not by operator action.
package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/glare-io/glare/internal/db"
	"github.com/glare-io/glare/internal/repository"
	"github.com/glare-io/glare/internal/ws"
)

// Event types emitted into the stream.
const (
	TypeRunFailed      = "run_failed"
	TypeLeaseExpired   = "lease_expired"
	TypeSizeAnomaly    = "size_anomaly"
	TypeWorkerOffline  = "worker_offline"
	TypeWorkerDegraded = "worker_degraded"
)

// Severity levels.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Feed writes incident events and broadcasts them. hub may be nil in
// reduced setups (seeding, tests); persistence still happens.
type Feed struct {
	events repository.EventRepository
	hub    *ws.Hub
	logger *zap.Logger

	now func() time.Time
}

// New creates a Feed.
func New(events repository.EventRepository, hub *ws.Hub, logger *zap.Logger) *Feed {
	return &Feed{
		events: events,
		hub:    hub,
		logger: logger.Named("feed"),
		now:    time.Now,
	}
}

// RunRecorded ingests a completed run. A failure opens a run_failed event;
// a success closes any open run_failed and lease_expired events for the
// plan, since the plan demonstrably runs clean again.
func (f *Feed) RunRecorded(ctx context.Context, plan *db.Plan, run *db.BackupPlanRun) {
	if run.Status == "failed" {
		f.record(ctx, &db.BackupEvent{
			Type:     TypeRunFailed,
			Severity: SeverityWarning,
			Status:   "open",
			Message:  fmt.Sprintf("backup of %q failed: %s", plan.Name, run.Error),
			PlanID:   plan.ID,
			RunID:    run.ID,
			WorkerID: run.WorkerID,
		}, plan.ID, run.WorkerID)
	} else {
		f.resolveOpen(ctx, TypeRunFailed, plan.ID, uuid.Nil)
		f.resolveOpen(ctx, TypeLeaseExpired, plan.ID, uuid.Nil)
	}

	f.publish(ws.Message{
		Type:    ws.MsgRunRecorded,
		Topic:   ws.TopicEvents,
		Payload: run,
	}, plan.ID, run.WorkerID)
}

// LeaseExpired ingests a lease the sweeper reclaimed after its holder went
// silent mid-run.
func (f *Feed) LeaseExpired(ctx context.Context, plan *db.Plan, owner string) {
	workerID, _ := uuid.Parse(owner)
	f.record(ctx, &db.BackupEvent{
		Type:     TypeLeaseExpired,
		Severity: SeverityWarning,
		Status:   "open",
		Message:  fmt.Sprintf("execution of %q abandoned: lease expired without a report", plan.Name),
		PlanID:   plan.ID,
		WorkerID: workerID,
	}, plan.ID, workerID)
}

// AnomalyDetected ingests a freshly opened size anomaly.
func (f *Feed) AnomalyDetected(ctx context.Context, plan *db.Plan, anomaly *db.BackupSizeAnomaly) {
	f.record(ctx, &db.BackupEvent{
		Type:     TypeSizeAnomaly,
		Severity: anomaly.Severity,
		Status:   "open",
		Message:  fmt.Sprintf("backup size anomaly on %q: %s", plan.Name, anomaly.Reason),
		PlanID:   plan.ID,
		RunID:    anomaly.RunID,
	}, plan.ID, uuid.Nil)
}

// AnomalyResolved closes the plan's open size_anomaly events.
func (f *Feed) AnomalyResolved(ctx context.Context, plan *db.Plan, anomaly *db.BackupSizeAnomaly) {
	f.resolveOpen(ctx, TypeSizeAnomaly, plan.ID, uuid.Nil)
}

// WorkerStatusChanged ingests a derived status transition. Degradation and
// loss open events; recovery closes them and broadcasts an informational
// status update either way.
func (f *Feed) WorkerStatusChanged(ctx context.Context, worker *db.Worker, from, to string) {
	switch to {
	case "offline":
		// A worker falling offline supersedes its degraded event.
		f.resolveOpen(ctx, TypeWorkerDegraded, uuid.Nil, worker.ID)
		f.record(ctx, &db.BackupEvent{
			Type:     TypeWorkerOffline,
			Severity: SeverityCritical,
			Status:   "open",
			Message:  fmt.Sprintf("worker %q went offline", worker.Name),
			WorkerID: worker.ID,
		}, uuid.Nil, worker.ID)

	case "degraded":
		f.record(ctx, &db.BackupEvent{
			Type:     TypeWorkerDegraded,
			Severity: SeverityWarning,
			Status:   "open",
			Message:  fmt.Sprintf("worker %q stopped heartbeating on schedule", worker.Name),
			WorkerID: worker.ID,
		}, uuid.Nil, worker.ID)

	case "online":
		f.resolveOpen(ctx, TypeWorkerOffline, uuid.Nil, worker.ID)
		f.resolveOpen(ctx, TypeWorkerDegraded, uuid.Nil, worker.ID)
	}

	f.publish(ws.Message{
		Type:  ws.MsgWorkerStatus,
		Topic: ws.TopicEvents,
		Payload: map[string]string{
			"workerId": worker.ID.String(),
			"from":     from,
			"status":   to,
		},
	}, uuid.Nil, worker.ID)
}

// Query narrows a feed listing. Zero values mean "any".
type Query struct {
	Status   string
	Severity string
	Since    time.Time
	Limit    int
	Offset   int
}

// Page is one slice of the incident stream, newest first.
type Page struct {
	Events  []db.BackupEvent `json:"events"`
	Total   int64            `json:"total"`
	HasMore bool             `json:"hasMore"`
}

// List returns a page of events matching the query.
func (f *Feed) List(ctx context.Context, q Query) (*Page, error) {
	events, total, err := f.events.List(ctx,
		repository.EventFilters{Status: q.Status, Severity: q.Severity, Since: q.Since},
		repository.ListOptions{Limit: q.Limit, Offset: q.Offset},
	)
	if err != nil {
		return nil, err
	}
	return &Page{
		Events:  events,
		Total:   total,
		HasMore: int64(q.Offset+len(events)) < total,
	}, nil
}

// record persists one event and broadcasts it. Persistence failures are
// logged, not propagated: the feed is a projection and must never fail the
// signal that produced it.
func (f *Feed) record(ctx context.Context, event *db.BackupEvent, planID, workerID uuid.UUID) {
	if err := f.events.Create(ctx, event); err != nil {
		f.logger.Error("failed to record event",
			zap.String("type", event.Type),
			zap.Error(err),
		)
		return
	}
	f.logger.Info("incident event recorded",
		zap.String("type", event.Type),
		zap.String("severity", event.Severity),
		zap.String("message", event.Message),
	)
	f.publish(ws.Message{
		Type:    ws.MsgEventCreated,
		Topic:   ws.TopicEvents,
		Payload: event,
	}, planID, workerID)
}

// resolveOpen closes matching open events and broadcasts the resolution if
// anything actually closed.
func (f *Feed) resolveOpen(ctx context.Context, eventType string, planID, workerID uuid.UUID) {
	n, err := f.events.ResolveOpen(ctx, eventType, planID, workerID, f.now().UTC())
	if err != nil {
		f.logger.Error("failed to resolve events",
			zap.String("type", eventType),
			zap.Error(err),
		)
		return
	}
	if n == 0 {
		return
	}
	f.logger.Info("incident events resolved",
		zap.String("type", eventType),
		zap.Int64("count", n),
	)
	f.publish(ws.Message{
		Type:  ws.MsgEventResolved,
		Topic: ws.TopicEvents,
		Payload: map[string]string{
			"type":     eventType,
			"planId":   uuidOrEmpty(planID),
			"workerId": uuidOrEmpty(workerID),
		},
	}, planID, workerID)
}

// publish sends the message on the firehose plus the linked per-entity
// topics. No-op when the hub is absent.
func (f *Feed) publish(msg ws.Message, planID, workerID uuid.UUID) {
	if f.hub == nil {
		return
	}
	f.hub.Publish(ws.TopicEvents, msg)
	if planID != uuid.Nil {
		scoped := msg
		scoped.Topic = ws.PlanTopic(planID)
		f.hub.Publish(scoped.Topic, scoped)
	}
	if workerID != uuid.Nil {
		scoped := msg
		scoped.Topic = ws.WorkerTopic(workerID)
		f.hub.Publish(scoped.Topic, scoped)
	}
}

func uuidOrEmpty(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}
