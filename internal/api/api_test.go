package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/glare-io/glare/internal/db"
	"github.com/glare-io/glare/internal/feed"
	"github.com/glare-io/glare/internal/heartbeat"
	"github.com/glare-io/glare/internal/lease"
	"github.com/glare-io/glare/internal/repository"
	"github.com/glare-io/glare/internal/ws"
)

// -----------------------------------------------------------------------------
// In-memory repository fakes. The plan fake reproduces the conditional-update
// lease semantics of the GORM implementation so the claim/renew/report cycle
// behaves the same as against a real store.
// -----------------------------------------------------------------------------

type fakeWorkerRepo struct {
	mu      sync.Mutex
	workers map[uuid.UUID]*db.Worker
}

func newFakeWorkerRepo(workers ...*db.Worker) *fakeWorkerRepo {
	r := &fakeWorkerRepo{workers: make(map[uuid.UUID]*db.Worker)}
	for _, w := range workers {
		r.workers[w.ID] = w
	}
	return r
}

func (r *fakeWorkerRepo) Create(ctx context.Context, worker *db.Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	worker.ID = uuid.Must(uuid.NewV7())
	worker.CreatedAt = time.Now().UTC()
	r.workers[worker.ID] = worker
	return nil
}

func (r *fakeWorkerRepo) GetByID(ctx context.Context, id uuid.UUID) (*db.Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (r *fakeWorkerRepo) GetByCredentialHash(ctx context.Context, hash string) (*db.Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.workers {
		if w.CredentialHash == hash {
			cp := *w
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fakeWorkerRepo) Update(ctx context.Context, worker *db.Worker) error { return nil }
func (r *fakeWorkerRepo) Delete(ctx context.Context, id uuid.UUID) error      { return nil }

func (r *fakeWorkerRepo) List(ctx context.Context, opts repository.ListOptions) ([]db.Worker, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []db.Worker
	for _, w := range r.workers {
		out = append(out, *w)
	}
	return out, int64(len(out)), nil
}

func (r *fakeWorkerRepo) ListAll(ctx context.Context) ([]db.Worker, error) {
	return nil, nil
}

func (r *fakeWorkerRepo) UpdateHeartbeat(ctx context.Context, id uuid.UUID, status string, lastSeenAt time.Time, endpoint string, uptimeMs, requestsTotal, errorTotal int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return repository.ErrNotFound
	}
	w.Status = status
	t := lastSeenAt
	w.LastSeenAt = &t
	w.Endpoint = endpoint
	w.UptimeMs = uptimeMs
	w.RequestsTotal = requestsTotal
	w.ErrorTotal = errorTotal
	return nil
}

func (r *fakeWorkerRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	return nil
}

func (r *fakeWorkerRepo) RotateCredential(ctx context.Context, id uuid.UUID, newHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return repository.ErrNotFound
	}
	w.CredentialHash = newHash
	return nil
}

type fakeSampleRepo struct {
	mu      sync.Mutex
	samples []*db.WorkerSyncEvent
}

func (r *fakeSampleRepo) Append(ctx context.Context, event *db.WorkerSyncEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.samples {
		if s.WorkerID == event.WorkerID && s.SampledAt.Equal(event.SampledAt) {
			return repository.ErrConflict
		}
	}
	event.ID = uuid.Must(uuid.NewV7())
	r.samples = append(r.samples, event)
	return nil
}

func (r *fakeSampleRepo) ListByWorker(ctx context.Context, workerID uuid.UUID, since, until time.Time) ([]db.WorkerSyncEvent, error) {
	return nil, nil
}

func (r *fakeSampleRepo) ListSince(ctx context.Context, since, until time.Time) ([]db.WorkerSyncEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []db.WorkerSyncEvent
	for _, s := range r.samples {
		if !s.SampledAt.Before(since) && !s.SampledAt.After(until) {
			out = append(out, *s)
		}
	}
	return out, nil
}

type fakePlanRepo struct {
	mu    sync.Mutex
	plans map[uuid.UUID]*db.Plan
	runs  *fakeRunRepo
}

func newFakePlanRepo(plans ...*db.Plan) *fakePlanRepo {
	r := &fakePlanRepo{plans: make(map[uuid.UUID]*db.Plan)}
	for _, p := range plans {
		r.plans[p.ID] = p
	}
	return r
}

func (r *fakePlanRepo) Create(ctx context.Context, plan *db.Plan) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	plan.ID = uuid.Must(uuid.NewV7())
	plan.CreatedAt = time.Now().UTC()
	r.plans[plan.ID] = plan
	return nil
}

func (r *fakePlanRepo) GetByID(ctx context.Context, id uuid.UUID) (*db.Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.plans[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// Update mirrors the real implementation's column discipline: the lease and
// run-outcome fields of the stored row survive an operator write, since the
// caller's snapshot may predate a worker's claim.
func (r *fakePlanRepo) Update(ctx context.Context, plan *db.Plan) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.plans[plan.ID]
	if !ok {
		return repository.ErrNotFound
	}
	cp := *plan
	cp.LeaseOwner = p.LeaseOwner
	cp.LeaseUntil = p.LeaseUntil
	cp.LastRunAt = p.LastRunAt
	cp.NextRunAt = p.NextRunAt
	cp.LastStatus = p.LastStatus
	cp.LastError = p.LastError
	*p = cp
	return nil
}

func (r *fakePlanRepo) Delete(ctx context.Context, id uuid.UUID) error { return nil }

func (r *fakePlanRepo) List(ctx context.Context, opts repository.ListOptions) ([]db.Plan, int64, error) {
	return nil, 0, nil
}

func (r *fakePlanRepo) ListByWorker(ctx context.Context, workerID uuid.UUID) ([]db.Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []db.Plan
	for _, p := range r.plans {
		if p.WorkerID == workerID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (r *fakePlanRepo) ListDue(ctx context.Context, workerID uuid.UUID, now time.Time) ([]db.Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []db.Plan
	for _, p := range r.plans {
		if p.WorkerID != workerID || !p.Enabled || p.NextRunAt == nil || p.NextRunAt.After(now) {
			continue
		}
		if p.Leased(now) {
			continue
		}
		due = append(due, *p)
	}
	return due, nil
}

func (r *fakePlanRepo) Claim(ctx context.Context, id, workerID uuid.UUID, until, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.plans[id]
	if !ok || !p.Enabled {
		return false, nil
	}
	if p.LeaseUntil != nil && p.LeaseUntil.After(now) {
		return false, nil
	}
	p.LeaseOwner = workerID.String()
	u := until
	p.LeaseUntil = &u
	return true, nil
}

func (r *fakePlanRepo) Renew(ctx context.Context, id, workerID uuid.UUID, until, now time.Time, grace time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.plans[id]
	if !ok || p.LeaseOwner != workerID.String() {
		return false, nil
	}
	if p.LeaseUntil == nil || !p.LeaseUntil.After(now.Add(-grace)) {
		return false, nil
	}
	u := until
	p.LeaseUntil = &u
	return true, nil
}

// ReportRelease applies the lease mutation only after the run and metric
// inserts succeeded, matching the transactional contract.
func (r *fakePlanRepo) ReportRelease(ctx context.Context, id, workerID uuid.UUID, upd repository.ReleaseUpdate, run *db.BackupPlanRun, metric *db.BackupRunMetric) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.plans[id]
	if !ok || p.LeaseOwner != workerID.String() {
		return false, nil
	}
	if err := r.runs.Create(ctx, run); err != nil {
		return false, err
	}
	if metric != nil {
		metric.RunID = run.ID
		if err := r.runs.CreateMetric(ctx, metric); err != nil {
			return false, err
		}
	}
	p.LeaseOwner = ""
	p.LeaseUntil = nil
	t := upd.LastRunAt
	p.LastRunAt = &t
	p.NextRunAt = upd.NextRunAt
	p.LastStatus = upd.LastStatus
	p.LastError = upd.LastError
	return true, nil
}

func (r *fakePlanRepo) UpdateSchedule(ctx context.Context, id uuid.UUID, nextRunAt *time.Time) error {
	return nil
}

func (r *fakePlanRepo) ListExpiredLeases(ctx context.Context, before time.Time) ([]db.Plan, error) {
	return nil, nil
}

func (r *fakePlanRepo) ClearExpiredLease(ctx context.Context, id uuid.UUID, owner string, before time.Time) (bool, error) {
	return false, nil
}

type fakeRunRepo struct {
	mu      sync.Mutex
	runs    []*db.BackupPlanRun
	metrics []*db.BackupRunMetric
}

func (r *fakeRunRepo) Create(ctx context.Context, run *db.BackupPlanRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run.ID = uuid.Must(uuid.NewV7())
	run.CreatedAt = time.Now().UTC()
	r.runs = append(r.runs, run)
	return nil
}

func (r *fakeRunRepo) GetByID(ctx context.Context, id uuid.UUID) (*db.BackupPlanRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, run := range r.runs {
		if run.ID == id {
			cp := *run
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fakeRunRepo) List(ctx context.Context, opts repository.ListOptions) ([]db.BackupPlanRun, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []db.BackupPlanRun
	for _, run := range r.runs {
		out = append(out, *run)
	}
	return out, int64(len(out)), nil
}

func (r *fakeRunRepo) ListByPlan(ctx context.Context, planID uuid.UUID, opts repository.ListOptions) ([]db.BackupPlanRun, int64, error) {
	return nil, 0, nil
}

func (r *fakeRunRepo) ListSince(ctx context.Context, since, until time.Time) ([]db.BackupPlanRun, error) {
	return nil, nil
}

func (r *fakeRunRepo) CreateMetric(ctx context.Context, metric *db.BackupRunMetric) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.metrics {
		if m.RunID == metric.RunID {
			return repository.ErrConflict
		}
	}
	metric.ID = uuid.Must(uuid.NewV7())
	r.metrics = append(r.metrics, metric)
	return nil
}

func (r *fakeRunRepo) GetMetricByRun(ctx context.Context, runID uuid.UUID) (*db.BackupRunMetric, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.metrics {
		if m.RunID == runID {
			cp := *m
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fakeRunRepo) ListMetricsByPlan(ctx context.Context, planID uuid.UUID, beforeID uuid.UUID, limit int) ([]db.BackupRunMetric, error) {
	return nil, nil
}

func (r *fakeRunRepo) ListMetricsSince(ctx context.Context, since, until time.Time) ([]db.BackupRunMetric, error) {
	return nil, nil
}

type fakeEventRepo struct {
	mu     sync.Mutex
	events []*db.BackupEvent
}

func (r *fakeEventRepo) Create(ctx context.Context, event *db.BackupEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	event.ID = uuid.Must(uuid.NewV7())
	r.events = append(r.events, event)
	return nil
}

func (r *fakeEventRepo) List(ctx context.Context, filters repository.EventFilters, opts repository.ListOptions) ([]db.BackupEvent, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []db.BackupEvent
	for _, e := range r.events {
		out = append(out, *e)
	}
	return out, int64(len(out)), nil
}

func (r *fakeEventRepo) ResolveOpen(ctx context.Context, eventType string, planID, workerID uuid.UUID, at time.Time) (int64, error) {
	return 0, nil
}

// -----------------------------------------------------------------------------
// Test environment
// -----------------------------------------------------------------------------

type testEnv struct {
	router     http.Handler
	workers    *fakeWorkerRepo
	samples    *fakeSampleRepo
	plans      *fakePlanRepo
	runs       *fakeRunRepo
	credential string
	worker     *db.Worker
}

// newTestEnv wires the full router against in-memory repositories, with one
// registered worker whose plaintext credential is kept for request auth.
func newTestEnv(t *testing.T, plans ...*db.Plan) *testEnv {
	t.Helper()
	logger := zap.NewNop()

	workers := newFakeWorkerRepo()
	samples := &fakeSampleRepo{}
	runs := &fakeRunRepo{}
	planRepo := newFakePlanRepo(plans...)
	planRepo.runs = runs
	events := &fakeEventRepo{}

	hub := ws.NewHub()
	incidents := feed.New(events, hub, logger)
	registry := heartbeat.NewRegistry(workers, logger)
	ingestor := heartbeat.NewIngestor(workers, samples, incidents, logger, heartbeat.Rule{})
	manager := lease.NewManager(planRepo, incidents, nil, logger, lease.Config{})

	worker, credential, err := registry.Register(context.Background(), uuid.Must(uuid.NewV7()), "worker-eu-1")
	require.NoError(t, err)

	router := NewRouter(RouterConfig{
		Registry:   registry,
		Ingestor:   ingestor,
		Manager:    manager,
		Feed:       incidents,
		Hub:        hub,
		Logger:     logger,
		Workers:    workers,
		SyncEvents: samples,
		Plans:      planRepo,
		Runs:       runs,
		Anomalies:  nil,
	})

	return &testEnv{
		router:     router,
		workers:    workers,
		samples:    samples,
		plans:      planRepo,
		runs:       runs,
		credential: credential,
		worker:     worker,
	}
}

// do performs a request against the router, attaching the worker credential
// when asCredential is non-empty.
func (e *testEnv) do(t *testing.T, method, path, credential string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

// decodeData unmarshals the "data" field of an envelope response into out.
func decodeData(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.NoError(t, json.Unmarshal(env.Data, out))
}

func testPlan(workerID uuid.UUID) *db.Plan {
	next := time.Now().UTC().Add(-time.Minute)
	p := &db.Plan{
		UserID:     uuid.Must(uuid.NewV7()),
		WorkerID:   workerID,
		Name:       "nightly-etc",
		Repository: "/srv/backups/etc",
		Cron:       "0 2 * * *",
		Sources:    `["/etc"]`,
		Tags:       `["nightly"]`,
		Enabled:    true,
		NextRunAt:  &next,
	}
	p.ID = uuid.Must(uuid.NewV7())
	return p
}

// -----------------------------------------------------------------------------
// Tests
// -----------------------------------------------------------------------------

func TestWorkerRoutesRequireCredential(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/workers/sync", "", workerSyncRequest{Status: "online"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var env401 struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env401))
	assert.Equal(t, "unauthorized", env401.Error.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/workers/sync", "not-the-credential", workerSyncRequest{Status: "online"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHeartbeatReturnsNoContent(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/workers/sync", env.credential, workerSyncRequest{
		Status:        "online",
		Endpoint:      "http://10.0.0.5:8080",
		UptimeMs:      60000,
		RequestsTotal: 100,
		ErrorTotal:    2,
	})
	require.Equal(t, http.StatusNoContent, rec.Code)

	require.Len(t, env.samples.samples, 1)
	assert.Equal(t, int64(100), env.samples.samples[0].RequestsTotal)

	stored, err := env.workers.GetByID(context.Background(), env.worker.ID)
	require.NoError(t, err)
	assert.Equal(t, "online", stored.Status)
	assert.Equal(t, "http://10.0.0.5:8080", stored.Endpoint)
}

func TestPlanSyncDeliversAssignedPlans(t *testing.T) {
	env := newTestEnv(t)
	plan := testPlan(env.worker.ID)
	plan.RepoPassword = "repo-secret"
	require.NoError(t, env.plans.Create(context.Background(), plan))

	rec := env.do(t, http.MethodPost, "/api/v1/workers/plans/sync", env.credential, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp planSyncResponse
	decodeData(t, rec, &resp)
	require.Len(t, resp.Plans, 1)
	assert.Equal(t, plan.ID.String(), resp.Plans[0].ID)
	assert.Equal(t, "0 2 * * *", resp.Plans[0].Cron)
	assert.Equal(t, "repo-secret", resp.Plans[0].Request.Password)
	assert.Equal(t, []string{"/etc"}, resp.Plans[0].Request.Paths)
	assert.Equal(t, lease.DefaultTTL.Milliseconds(), resp.LeaseTtlMs)
}

func TestDueListsClaimablePlans(t *testing.T) {
	env := newTestEnv(t)
	plan := testPlan(env.worker.ID)
	env.plans.plans[plan.ID] = plan

	rec := env.do(t, http.MethodGet, "/api/v1/workers/plans/due", env.credential, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp duePlansResponse
	decodeData(t, rec, &resp)
	assert.Equal(t, []string{plan.ID.String()}, resp.PlanIDs)
}

func TestClaimThenSecondClaimConflicts(t *testing.T) {
	env := newTestEnv(t)
	plan := testPlan(env.worker.ID)
	env.plans.plans[plan.ID] = plan

	path := "/api/v1/workers/plans/" + plan.ID.String() + "/claim"

	rec := env.do(t, http.MethodPost, path, env.credential, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var grant leaseGrantResponse
	decodeData(t, rec, &grant)
	assert.Equal(t, lease.OutcomeClaimed, grant.Outcome)
	assert.NotEmpty(t, grant.LeaseUntil)

	// The lease is held now, so a second claim loses.
	rec = env.do(t, http.MethodPost, path, env.credential, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	decodeData(t, rec, &grant)
	assert.Equal(t, lease.OutcomeAlreadyLeased, grant.Outcome)
}

func TestClaimUnassignedPlanForbidden(t *testing.T) {
	env := newTestEnv(t)
	plan := testPlan(uuid.Must(uuid.NewV7())) // someone else's plan
	env.plans.plans[plan.ID] = plan

	rec := env.do(t, http.MethodPost, "/api/v1/workers/plans/"+plan.ID.String()+"/claim", env.credential, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRenewHeldLease(t *testing.T) {
	env := newTestEnv(t)
	plan := testPlan(env.worker.ID)
	env.plans.plans[plan.ID] = plan

	rec := env.do(t, http.MethodPost, "/api/v1/workers/plans/"+plan.ID.String()+"/claim", env.credential, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/workers/plans/"+plan.ID.String()+"/renew", env.credential, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var grant leaseGrantResponse
	decodeData(t, rec, &grant)
	assert.Equal(t, lease.OutcomeRenewed, grant.Outcome)
}

func TestRenewWithoutLeaseConflicts(t *testing.T) {
	env := newTestEnv(t)
	plan := testPlan(env.worker.ID)
	env.plans.plans[plan.ID] = plan

	rec := env.do(t, http.MethodPost, "/api/v1/workers/plans/"+plan.ID.String()+"/renew", env.credential, nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	var grant leaseGrantResponse
	decodeData(t, rec, &grant)
	assert.Equal(t, lease.OutcomeLostLease, grant.Outcome)
}

func TestPlanEditLeavesHeldLeaseIntact(t *testing.T) {
	env := newTestEnv(t)
	plan := testPlan(env.worker.ID)
	env.plans.plans[plan.ID] = plan

	rec := env.do(t, http.MethodPost, "/api/v1/workers/plans/"+plan.ID.String()+"/claim", env.credential, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// An operator edit lands while the worker holds the lease. The edit was
	// prepared from a snapshot that predates the claim, so writing it back
	// must not touch the lease columns.
	name := "nightly-etc-renamed"
	rec = env.do(t, http.MethodPatch, "/api/v1/plans/"+plan.ID.String(), "", updatePlanRequest{Name: &name})
	require.Equal(t, http.StatusOK, rec.Code)

	stored := env.plans.plans[plan.ID]
	assert.Equal(t, "nightly-etc-renamed", stored.Name)
	assert.Equal(t, env.worker.ID.String(), stored.LeaseOwner)
	require.NotNil(t, stored.LeaseUntil)

	// The worker's in-flight execution is unaffected: renewal still succeeds.
	rec = env.do(t, http.MethodPost, "/api/v1/workers/plans/"+plan.ID.String()+"/renew", env.credential, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var grant leaseGrantResponse
	decodeData(t, rec, &grant)
	assert.Equal(t, lease.OutcomeRenewed, grant.Outcome)
}

func TestReportRecordsRunAndReleasesLease(t *testing.T) {
	env := newTestEnv(t)
	plan := testPlan(env.worker.ID)
	env.plans.plans[plan.ID] = plan

	rec := env.do(t, http.MethodPost, "/api/v1/workers/plans/"+plan.ID.String()+"/claim", env.credential, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/workers/plans/"+plan.ID.String()+"/report", env.credential, planReportRequest{
		Status:     "success",
		DurationMs: 4200,
		SnapshotID: "snap-1",
		Output:     json.RawMessage(`{"summary":{"files_new":3}}`),
		Metrics: &runReportMetrics{
			BytesAdded:     1 << 20,
			BytesProcessed: 1 << 23,
			FilesNew:       3,
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp runResponse
	decodeData(t, rec, &resp)
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, "snap-1", resp.SnapshotID)

	require.Len(t, env.runs.runs, 1)
	require.Len(t, env.runs.metrics, 1)
	assert.Equal(t, int64(1<<20), env.runs.metrics[0].BytesAdded)

	// Lease released, next run scheduled.
	stored := env.plans.plans[plan.ID]
	assert.Empty(t, stored.LeaseOwner)
	assert.Nil(t, stored.LeaseUntil)
	require.NotNil(t, stored.NextRunAt)
	assert.True(t, stored.NextRunAt.After(time.Now().UTC()))
}

func TestReportWithoutLeaseConflicts(t *testing.T) {
	env := newTestEnv(t)
	plan := testPlan(env.worker.ID)
	env.plans.plans[plan.ID] = plan

	rec := env.do(t, http.MethodPost, "/api/v1/workers/plans/"+plan.ID.String()+"/report", env.credential, planReportRequest{
		Status:     "success",
		DurationMs: 4200,
	})
	require.Equal(t, http.StatusConflict, rec.Code)

	// The stale report must leave no trace.
	assert.Empty(t, env.runs.runs)
}

func TestReportRejectsUnknownStatus(t *testing.T) {
	env := newTestEnv(t)
	plan := testPlan(env.worker.ID)
	env.plans.plans[plan.ID] = plan

	rec := env.do(t, http.MethodPost, "/api/v1/workers/plans/"+plan.ID.String()+"/report", env.credential, planReportRequest{
		Status: "done",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRotateCredentialInvalidatesOldOne(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/workers/"+env.worker.ID.String()+"/rotate-credential", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp workerCredentialResponse
	decodeData(t, rec, &resp)
	require.Len(t, resp.SyncCredential, 64)
	assert.NotEqual(t, env.credential, resp.SyncCredential)

	// Old credential stops authenticating; the new one works.
	rec = env.do(t, http.MethodPost, "/api/v1/workers/sync", env.credential, workerSyncRequest{Status: "online"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/workers/sync", resp.SyncCredential, workerSyncRequest{Status: "online"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
