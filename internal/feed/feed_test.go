package feed

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/glare-io/glare/internal/db"
	"github.com/glare-io/glare/internal/repository"
)

// fakeEventRepo keeps events in memory with the same filter semantics as
// the GORM implementation.
type fakeEventRepo struct {
	mu     sync.Mutex
	events []*db.BackupEvent
}

func (r *fakeEventRepo) Create(ctx context.Context, event *db.BackupEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	event.ID = uuid.Must(uuid.NewV7())
	event.CreatedAt = time.Now().UTC()
	r.events = append(r.events, event)
	return nil
}

func (r *fakeEventRepo) List(ctx context.Context, filters repository.EventFilters, opts repository.ListOptions) ([]db.BackupEvent, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []db.BackupEvent
	for i := len(r.events) - 1; i >= 0; i-- {
		e := r.events[i]
		if filters.Status != "" && e.Status != filters.Status {
			continue
		}
		if filters.Severity != "" && e.Severity != filters.Severity {
			continue
		}
		matched = append(matched, *e)
	}
	total := int64(len(matched))
	if opts.Offset < len(matched) {
		matched = matched[opts.Offset:]
	} else {
		matched = nil
	}
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	return matched, total, nil
}

func (r *fakeEventRepo) ResolveOpen(ctx context.Context, eventType string, planID, workerID uuid.UUID, at time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, e := range r.events {
		if e.Type != eventType || e.Status != "open" {
			continue
		}
		if planID != uuid.Nil && e.PlanID != planID {
			continue
		}
		if workerID != uuid.Nil && e.WorkerID != workerID {
			continue
		}
		e.Status = "resolved"
		t := at
		e.ResolvedAt = &t
		n++
	}
	return n, nil
}

func (r *fakeEventRepo) byType(eventType string) []*db.BackupEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*db.BackupEvent
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func testPlan() *db.Plan {
	p := &db.Plan{Name: "etc-backup"}
	p.ID = uuid.Must(uuid.NewV7())
	return p
}

func testRun(planID uuid.UUID, status, errMsg string) *db.BackupPlanRun {
	r := &db.BackupPlanRun{PlanID: planID, WorkerID: uuid.Must(uuid.NewV7()), Status: status, Error: errMsg}
	r.ID = uuid.Must(uuid.NewV7())
	return r
}

func TestRunFailureOpensEvent(t *testing.T) {
	repo := &fakeEventRepo{}
	f := New(repo, nil, zap.NewNop())
	plan := testPlan()

	f.RunRecorded(context.Background(), plan, testRun(plan.ID, "failed", "repository locked"))

	events := repo.byType(TypeRunFailed)
	require.Len(t, events, 1)
	assert.Equal(t, "open", events[0].Status)
	assert.Equal(t, SeverityWarning, events[0].Severity)
	assert.Equal(t, plan.ID, events[0].PlanID)
	assert.Contains(t, events[0].Message, "repository locked")
}

func TestSuccessResolvesPlanEvents(t *testing.T) {
	repo := &fakeEventRepo{}
	f := New(repo, nil, zap.NewNop())
	plan := testPlan()

	f.RunRecorded(context.Background(), plan, testRun(plan.ID, "failed", "io error"))
	f.LeaseExpired(context.Background(), plan, uuid.Must(uuid.NewV7()).String())
	f.RunRecorded(context.Background(), plan, testRun(plan.ID, "success", ""))

	for _, eventType := range []string{TypeRunFailed, TypeLeaseExpired} {
		events := repo.byType(eventType)
		require.Len(t, events, 1, eventType)
		assert.Equal(t, "resolved", events[0].Status, eventType)
		assert.NotNil(t, events[0].ResolvedAt, eventType)
	}
}

func TestSuccessDoesNotTouchOtherPlans(t *testing.T) {
	repo := &fakeEventRepo{}
	f := New(repo, nil, zap.NewNop())
	planA := testPlan()
	planB := testPlan()

	f.RunRecorded(context.Background(), planA, testRun(planA.ID, "failed", "io error"))
	f.RunRecorded(context.Background(), planB, testRun(planB.ID, "success", ""))

	events := repo.byType(TypeRunFailed)
	require.Len(t, events, 1)
	assert.Equal(t, "open", events[0].Status)
}

func TestWorkerStatusTransitions(t *testing.T) {
	repo := &fakeEventRepo{}
	f := New(repo, nil, zap.NewNop())
	worker := &db.Worker{Name: "worker-eu-1"}
	worker.ID = uuid.Must(uuid.NewV7())

	f.WorkerStatusChanged(context.Background(), worker, "online", "degraded")
	degraded := repo.byType(TypeWorkerDegraded)
	require.Len(t, degraded, 1)
	assert.Equal(t, "open", degraded[0].Status)

	// Falling offline supersedes the degraded event with a critical one.
	f.WorkerStatusChanged(context.Background(), worker, "degraded", "offline")
	assert.Equal(t, "resolved", degraded[0].Status)
	offline := repo.byType(TypeWorkerOffline)
	require.Len(t, offline, 1)
	assert.Equal(t, SeverityCritical, offline[0].Severity)

	// Recovery closes everything.
	f.WorkerStatusChanged(context.Background(), worker, "offline", "online")
	assert.Equal(t, "resolved", offline[0].Status)
}

func TestAnomalyLifecycle(t *testing.T) {
	repo := &fakeEventRepo{}
	f := New(repo, nil, zap.NewNop())
	plan := testPlan()
	anomaly := &db.BackupSizeAnomaly{PlanID: plan.ID, Severity: "critical", Reason: "backup added 500 bytes, expected about 100"}
	anomaly.ID = uuid.Must(uuid.NewV7())

	f.AnomalyDetected(context.Background(), plan, anomaly)
	events := repo.byType(TypeSizeAnomaly)
	require.Len(t, events, 1)
	assert.Equal(t, "critical", events[0].Severity)

	f.AnomalyResolved(context.Background(), plan, anomaly)
	assert.Equal(t, "resolved", events[0].Status)
}

func TestListPagination(t *testing.T) {
	repo := &fakeEventRepo{}
	f := New(repo, nil, zap.NewNop())
	plan := testPlan()

	for i := 0; i < 5; i++ {
		f.RunRecorded(context.Background(), plan, testRun(plan.ID, "failed", "boom"))
	}

	page, err := f.List(context.Background(), Query{Limit: 2, Offset: 0})
	require.NoError(t, err)
	assert.Len(t, page.Events, 2)
	assert.Equal(t, int64(5), page.Total)
	assert.True(t, page.HasMore)

	page, err = f.List(context.Background(), Query{Limit: 2, Offset: 4})
	require.NoError(t, err)
	assert.Len(t, page.Events, 1)
	assert.False(t, page.HasMore)
}
