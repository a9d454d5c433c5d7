package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/glare-io/glare/internal/db"
	"github.com/glare-io/glare/internal/repository"
	"github.com/glare-io/glare/internal/timeseries"
)

// StatsHandler serves the bucketed chart series. All aggregation happens at
// read time over the append-only sample and run tables; nothing here keeps
// cursor state, so a chart can always be recomputed from scratch.
type StatsHandler struct {
	samples repository.SyncEventRepository
	runs    repository.RunRepository
	logger  *zap.Logger
}

// NewStatsHandler creates a new StatsHandler.
func NewStatsHandler(samples repository.SyncEventRepository, runs repository.RunRepository, logger *zap.Logger) *StatsHandler {
	return &StatsHandler{
		samples: samples,
		runs:    runs,
		logger:  logger.Named("stats_handler"),
	}
}

// seriesWindow reads the range and buckets query parameters, clamping both
// to their allowed bounds. Range accepts Go duration syntax ("24h", "7d" is
// not valid Go syntax, so days are spelled "168h").
func seriesWindow(r *http.Request) (since time.Time, rng time.Duration, buckets int) {
	rng = timeseries.DefaultRange
	if v := r.URL.Query().Get("range"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			rng = d
		}
	}
	rng = timeseries.ClampRange(rng)

	buckets = timeseries.DefaultBuckets
	if v := r.URL.Query().Get("buckets"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			buckets = n
		}
	}
	buckets = timeseries.ClampBuckets(buckets)

	since = time.Now().UTC().Add(-rng)
	return since, rng, buckets
}

// trafficResponse wraps the request/error series.
type trafficResponse struct {
	Since   string                    `json:"since"`
	Range   string                    `json:"range"`
	Buckets int                       `json:"buckets"`
	Points  []timeseries.TrafficPoint `json:"points"`
}

// Traffic handles GET /api/v1/stats/traffic.
// Buckets per-worker request/error counter deltas. An optional workerId
// query parameter narrows the series to one worker.
func (h *StatsHandler) Traffic(w http.ResponseWriter, r *http.Request) {
	since, rng, buckets := seriesWindow(r)
	until := since.Add(rng)

	var (
		events []db.WorkerSyncEvent
		err    error
	)
	if raw := r.URL.Query().Get("workerId"); raw != "" {
		workerID, parseErr := uuid.Parse(raw)
		if parseErr != nil {
			ErrBadRequest(w, "invalid workerId: must be a valid UUID")
			return
		}
		events, err = h.samples.ListByWorker(r.Context(), workerID, since, until)
	} else {
		events, err = h.samples.ListSince(r.Context(), since, until)
	}
	if err != nil {
		h.logger.Error("failed to load traffic samples", zap.Error(err))
		ErrInternal(w)
		return
	}

	samples := make([]timeseries.CounterSample, len(events))
	for i := range events {
		samples[i] = timeseries.CounterSample{
			Key:      events[i].WorkerID.String(),
			At:       events[i].SampledAt,
			Requests: events[i].RequestsTotal,
			Errors:   events[i].ErrorTotal,
		}
	}

	Ok(w, trafficResponse{
		Since:   since.Format(time.RFC3339),
		Range:   rng.String(),
		Buckets: buckets,
		Points:  timeseries.Traffic(samples, since, rng, buckets),
	})
}

// activityResponse wraps the run-outcome series.
type activityResponse struct {
	Since   string                     `json:"since"`
	Range   string                     `json:"range"`
	Buckets int                        `json:"buckets"`
	Points  []timeseries.ActivityPoint `json:"points"`
}

// Activity handles GET /api/v1/stats/activity.
// Counts run outcomes per bucket. The series is dense: every bucket appears
// even when nothing ran, so charts show the gaps.
func (h *StatsHandler) Activity(w http.ResponseWriter, r *http.Request) {
	since, rng, buckets := seriesWindow(r)

	runs, err := h.runs.ListSince(r.Context(), since, since.Add(rng))
	if err != nil {
		h.logger.Error("failed to load activity runs", zap.Error(err))
		ErrInternal(w)
		return
	}

	samples := make([]timeseries.RunSample, len(runs))
	for i := range runs {
		samples[i] = timeseries.RunSample{
			At:      runs[i].CreatedAt,
			Success: runs[i].Status == "success",
		}
	}

	Ok(w, activityResponse{
		Since:   since.Format(time.RFC3339),
		Range:   rng.String(),
		Buckets: buckets,
		Points:  timeseries.Activity(samples, since, rng, buckets),
	})
}

// storageResponse wraps the storage-growth series.
type storageResponse struct {
	Since   string                    `json:"since"`
	Range   string                    `json:"range"`
	Buckets int                       `json:"buckets"`
	Points  []timeseries.StoragePoint `json:"points"`
}

// Storage handles GET /api/v1/stats/storage.
// Buckets the bytes each successful run added and processed.
func (h *StatsHandler) Storage(w http.ResponseWriter, r *http.Request) {
	since, rng, buckets := seriesWindow(r)

	metrics, err := h.runs.ListMetricsSince(r.Context(), since, since.Add(rng))
	if err != nil {
		h.logger.Error("failed to load storage metrics", zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, storageResponse{
		Since:   since.Format(time.RFC3339),
		Range:   rng.String(),
		Buckets: buckets,
		Points:  timeseries.Storage(metricSamples(metrics), since, rng, buckets),
	})
}

// Savings handles GET /api/v1/stats/savings.
// Totals deduplication over the window: bytes read by the backup engine
// versus bytes it actually had to store.
func (h *StatsHandler) Savings(w http.ResponseWriter, r *http.Request) {
	since, rng, _ := seriesWindow(r)

	metrics, err := h.runs.ListMetricsSince(r.Context(), since, since.Add(rng))
	if err != nil {
		h.logger.Error("failed to load savings metrics", zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, timeseries.ComputeSavings(metricSamples(metrics)))
}

// metricSamples converts stored run metrics into storage samples.
func metricSamples(metrics []db.BackupRunMetric) []timeseries.StorageSample {
	samples := make([]timeseries.StorageSample, len(metrics))
	for i := range metrics {
		samples[i] = timeseries.StorageSample{
			At:             metrics[i].CreatedAt,
			BytesAdded:     metrics[i].BytesAdded,
			BytesProcessed: metrics[i].BytesProcessed,
		}
	}
	return samples
}
