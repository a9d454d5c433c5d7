package heartbeat

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

// fakeWorkerRepo keeps workers in memory, including the unique credential
// hash lookup used by Authenticate.
type fakeWorkerRepo struct {
	mu      sync.Mutex
	workers map[uuid.UUID]*db.Worker
}

func newFakeWorkerRepo(workers ...*db.Worker) *fakeWorkerRepo {
	r := &fakeWorkerRepo{workers: make(map[uuid.UUID]*db.Worker)}
	for _, w := range workers {
		cp := *w
		r.workers[w.ID] = &cp
	}
	return r
}

func (r *fakeWorkerRepo) Create(ctx context.Context, worker *db.Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.workers {
		if w.CredentialHash == worker.CredentialHash {
			return repository.ErrConflict
		}
	}
	worker.ID = uuid.Must(uuid.NewV7())
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
	return nil, 0, nil
}

func (r *fakeWorkerRepo) ListAll(ctx context.Context) ([]db.Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []db.Worker
	for _, w := range r.workers {
		out = append(out, *w)
	}
	return out, nil
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
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return repository.ErrNotFound
	}
	w.Status = status
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

// fakeSampleRepo enforces the (worker, sampled_at) unique key.
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
	return nil, nil
}

type recordingFeed struct {
	mu          sync.Mutex
	transitions []string
}

func (f *recordingFeed) WorkerStatusChanged(ctx context.Context, worker *db.Worker, from, to string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions = append(f.transitions, from+"->"+to)
}

func testWorker(status string, lastSeen *time.Time) *db.Worker {
	w := &db.Worker{Name: "worker-eu-1", Status: status, LastSeenAt: lastSeen, CredentialHash: HashCredential(uuid.NewString())}
	w.ID = uuid.Must(uuid.NewV7())
	return w
}

func TestRuleStalenessOverridesSelfReport(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	rule := Rule{}

	fresh := now.Add(-5 * time.Second)
	twoMissed := now.Add(-35 * time.Second)
	fourMissed := now.Add(-2 * time.Minute)

	assert.Equal(t, StatusOnline, rule.Derive(StatusOnline, &fresh, now))
	assert.Equal(t, StatusDegraded, rule.Derive(StatusOnline, &twoMissed, now))
	assert.Equal(t, StatusOffline, rule.Derive(StatusOnline, &fourMissed, now))
	assert.Equal(t, StatusOffline, rule.Derive(StatusOnline, nil, now))
}

func TestRuleFreshSelfReport(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	fresh := now.Add(-time.Second)
	rule := Rule{}

	assert.Equal(t, StatusOnline, rule.Derive(StatusOnline, &fresh, now))
	assert.Equal(t, StatusDegraded, rule.Derive("error", &fresh, now))
	assert.Equal(t, StatusDegraded, rule.Derive(StatusDegraded, &fresh, now))
	assert.Equal(t, StatusOnline, rule.Derive("", &fresh, now))
}

func TestIngestStoresSampleAndRefreshesWorker(t *testing.T) {
	worker := testWorker(StatusOffline, nil)
	workers := newFakeWorkerRepo(worker)
	samples := &fakeSampleRepo{}
	f := &recordingFeed{}
	ing := NewIngestor(workers, samples, f, zap.NewNop(), Rule{})

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	ing.now = func() time.Time { return now }

	err := ing.Ingest(context.Background(), worker, Sample{
		Status:        StatusOnline,
		Endpoint:      "http://10.0.0.5:8080",
		UptimeMs:      60000,
		RequestsTotal: 100,
		ErrorTotal:    2,
	})
	require.NoError(t, err)

	require.Len(t, samples.samples, 1)
	assert.Equal(t, int64(100), samples.samples[0].RequestsTotal)
	assert.True(t, samples.samples[0].SampledAt.Equal(now))

	stored := workers.workers[worker.ID]
	assert.Equal(t, StatusOnline, stored.Status)
	assert.Equal(t, "http://10.0.0.5:8080", stored.Endpoint)
	require.NotNil(t, stored.LastSeenAt)

	assert.Equal(t, []string{"offline->online"}, f.transitions)
}

func TestIngestDropsDuplicateSample(t *testing.T) {
	worker := testWorker(StatusOnline, nil)
	workers := newFakeWorkerRepo(worker)
	samples := &fakeSampleRepo{}
	ing := NewIngestor(workers, samples, nil, zap.NewNop(), Rule{})

	now := time.Date(2026, 8, 1, 12, 0, 0, 500_000_000, time.UTC)
	ing.now = func() time.Time { return now }

	s := Sample{Status: StatusOnline, RequestsTotal: 100}
	require.NoError(t, ing.Ingest(context.Background(), worker, s))
	// Same second again, as an HTTP retry would produce.
	require.NoError(t, ing.Ingest(context.Background(), worker, s))

	assert.Len(t, samples.samples, 1)
}

func TestIngestNoTransitionWhenStatusUnchanged(t *testing.T) {
	lastSeen := time.Date(2026, 8, 1, 11, 59, 55, 0, time.UTC)
	worker := testWorker(StatusOnline, &lastSeen)
	workers := newFakeWorkerRepo(worker)
	f := &recordingFeed{}
	ing := NewIngestor(workers, &fakeSampleRepo{}, f, zap.NewNop(), Rule{})
	ing.now = func() time.Time { return lastSeen.Add(15 * time.Second) }

	require.NoError(t, ing.Ingest(context.Background(), worker, Sample{Status: StatusOnline}))
	assert.Empty(t, f.transitions)
}

func TestSweepStaleDowngradesSilentWorker(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	lastSeen := now.Add(-5 * time.Minute)
	worker := testWorker(StatusOnline, &lastSeen)
	workers := newFakeWorkerRepo(worker)
	f := &recordingFeed{}
	ing := NewIngestor(workers, &fakeSampleRepo{}, f, zap.NewNop(), Rule{})
	ing.now = func() time.Time { return now }

	ing.SweepStale(context.Background())

	assert.Equal(t, StatusOffline, workers.workers[worker.ID].Status)
	assert.Equal(t, []string{"online->offline"}, f.transitions)

	// A second sweep is a no-op: the status already matches the rule.
	ing.SweepStale(context.Background())
	assert.Len(t, f.transitions, 1)
}

func TestRegistryLifecycle(t *testing.T) {
	workers := newFakeWorkerRepo()
	reg := NewRegistry(workers, zap.NewNop())

	worker, credential, err := reg.Register(context.Background(), uuid.Must(uuid.NewV7()), "worker-eu-1")
	require.NoError(t, err)
	require.Len(t, credential, 64)
	assert.Equal(t, HashCredential(credential), worker.CredentialHash)

	authed, err := reg.Authenticate(context.Background(), credential)
	require.NoError(t, err)
	assert.Equal(t, worker.ID, authed.ID)

	rotated, err := reg.Rotate(context.Background(), worker.ID)
	require.NoError(t, err)
	assert.NotEqual(t, credential, rotated)

	_, err = reg.Authenticate(context.Background(), credential)
	assert.ErrorIs(t, err, repository.ErrNotFound, "old credential must stop authenticating")

	authed, err = reg.Authenticate(context.Background(), rotated)
	require.NoError(t, err)
	assert.Equal(t, worker.ID, authed.ID)
}
