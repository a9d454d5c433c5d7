// Package timeseries turns raw samples into bucketed chart series. Every
// function here is a pure transformation of its inputs: no database access,
// no cursor state, safe to call concurrently and to recompute at any time.
//
// Counter series (worker requests/errors) arrive as monotonic cumulative
// counters that reset to zero when a worker restarts. Deltas are computed
// per entity between consecutive samples; a sample smaller than its
// predecessor marks a restart, contributes a zero delta, and rebases the
// baseline to zero so the following sample counts in full. Deltas are never
// negative.
package timeseries

import (
	"math"
	"sort"
	"time"
)

// Range and bucket-count bounds applied to all read queries. Out-of-range
// requests are clamped, not rejected.
const (
	MinRange     = time.Hour
	MaxRange     = 90 * 24 * time.Hour
	DefaultRange = 24 * time.Hour

	MinBuckets     = 1
	MaxBuckets     = 366
	DefaultBuckets = 24
)

// ClampRange bounds a requested time range to [MinRange, MaxRange],
// substituting DefaultRange for a zero or negative request.
func ClampRange(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultRange
	}
	if d < MinRange {
		return MinRange
	}
	if d > MaxRange {
		return MaxRange
	}
	return d
}

// ClampBuckets bounds a requested bucket count to [MinBuckets, MaxBuckets],
// substituting DefaultBuckets for a zero or negative request.
func ClampBuckets(n int) int {
	if n <= 0 {
		return DefaultBuckets
	}
	if n < MinBuckets {
		return MinBuckets
	}
	if n > MaxBuckets {
		return MaxBuckets
	}
	return n
}

// CounterSample is one cumulative counter observation from one entity
// (a worker), keyed so that deltas are never computed across entities.
type CounterSample struct {
	Key      string
	At       time.Time
	Requests int64
	Errors   int64
}

// CounterDelta is the per-sample increment derived from consecutive
// CounterSamples of the same entity.
type CounterDelta struct {
	Key      string
	At       time.Time
	Requests int64
	Errors   int64
}

// Deltas converts cumulative counter samples into per-sample increments.
// Samples are grouped by key and sorted by timestamp ascending before
// differencing, so arrival order does not matter. The first sample of each
// entity contributes its raw value. A counter that shrinks marks a restart:
// that sample contributes zero and the baseline rebases to zero, so for the
// sequence [100, 95, 150] the deltas are [100, 0, 150].
func Deltas(samples []CounterSample) []CounterDelta {
	byKey := make(map[string][]CounterSample)
	for _, s := range samples {
		byKey[s.Key] = append(byKey[s.Key], s)
	}

	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []CounterDelta
	for _, k := range keys {
		group := byKey[k]
		sort.Slice(group, func(i, j int) bool { return group[i].At.Before(group[j].At) })

		var prevReq, prevErr int64
		for i, s := range group {
			d := CounterDelta{Key: s.Key, At: s.At}
			if i == 0 {
				d.Requests = s.Requests
				d.Errors = s.Errors
			} else {
				d.Requests = step(s.Requests, prevReq)
				d.Errors = step(s.Errors, prevErr)
			}
			prevReq = rebase(s.Requests, prevReq)
			prevErr = rebase(s.Errors, prevErr)
			out = append(out, d)
		}
	}
	return out
}

// step computes one non-negative counter increment.
func step(cur, prev int64) int64 {
	if cur < prev {
		return 0
	}
	return cur - prev
}

// rebase advances the baseline: to the current value normally, to zero when
// the counter shrank (restart), so the next sample counts in full.
func rebase(cur, prev int64) int64 {
	if cur < prev {
		return 0
	}
	return cur
}

// TrafficPoint is one bucket of the request/error series.
type TrafficPoint struct {
	BucketStart time.Time `json:"bucketStart"`
	Requests    int64     `json:"requests"`
	Errors      int64     `json:"errors"`
	ErrorRate   float64   `json:"errorRate"`
}

// Traffic buckets counter deltas over [since, since+rng) into n equal-width
// buckets. The result is sparse: buckets no sample fell into are omitted.
// Points are ordered by bucket start ascending.
func Traffic(samples []CounterSample, since time.Time, rng time.Duration, n int) []TrafficPoint {
	width := rng / time.Duration(n)
	acc := make(map[int]*TrafficPoint)

	for _, d := range Deltas(samples) {
		idx, ok := bucketIndex(d.At, since, rng, width, n)
		if !ok {
			continue
		}
		p, exists := acc[idx]
		if !exists {
			p = &TrafficPoint{BucketStart: since.Add(time.Duration(idx) * width)}
			acc[idx] = p
		}
		p.Requests += d.Requests
		p.Errors += d.Errors
	}

	idxs := make([]int, 0, len(acc))
	for i := range acc {
		idxs = append(idxs, i)
	}
	sort.Ints(idxs)

	out := make([]TrafficPoint, 0, len(idxs))
	for _, i := range idxs {
		p := acc[i]
		p.ErrorRate = ErrorRate(p.Requests, p.Errors)
		out = append(out, *p)
	}
	return out
}

// ErrorRate returns errors/requests as a percentage rounded to two decimal
// places, and exactly 0 when requests is zero.
func ErrorRate(requests, errors int64) float64 {
	if requests == 0 {
		return 0
	}
	return math.Round(float64(errors)/float64(requests)*10000) / 100
}

// RunSample is one recorded run outcome, used by the activity series.
type RunSample struct {
	At      time.Time
	Success bool
}

// ActivityPoint is one bucket of the run-outcome series.
type ActivityPoint struct {
	BucketStart time.Time `json:"bucketStart"`
	Total       int64     `json:"total"`
	Success     int64     `json:"success"`
	Failed      int64     `json:"failed"`
}

// Activity counts run outcomes per bucket over [since, since+rng). Unlike
// Traffic the result is dense: all n buckets are present, zero-filled, so
// charts show explicit gaps where nothing ran.
func Activity(samples []RunSample, since time.Time, rng time.Duration, n int) []ActivityPoint {
	width := rng / time.Duration(n)
	out := make([]ActivityPoint, n)
	for i := range out {
		out[i].BucketStart = since.Add(time.Duration(i) * width)
	}

	for _, s := range samples {
		idx, ok := bucketIndex(s.At, since, rng, width, n)
		if !ok {
			continue
		}
		out[idx].Total++
		if s.Success {
			out[idx].Success++
		} else {
			out[idx].Failed++
		}
	}
	return out
}

// StorageSample is the byte accounting of one successful run. Per-run byte
// figures are already increments, so no delta step applies.
type StorageSample struct {
	At             time.Time
	BytesAdded     int64
	BytesProcessed int64
}

// StoragePoint is one bucket of the storage-growth series.
type StoragePoint struct {
	BucketStart    time.Time `json:"bucketStart"`
	BytesAdded     int64     `json:"bytesAdded"`
	BytesProcessed int64     `json:"bytesProcessed"`
}

// Storage buckets per-run byte figures over [since, since+rng). Sparse,
// like Traffic: only buckets in which at least one run landed appear.
func Storage(samples []StorageSample, since time.Time, rng time.Duration, n int) []StoragePoint {
	width := rng / time.Duration(n)
	acc := make(map[int]*StoragePoint)

	for _, s := range samples {
		idx, ok := bucketIndex(s.At, since, rng, width, n)
		if !ok {
			continue
		}
		p, exists := acc[idx]
		if !exists {
			p = &StoragePoint{BucketStart: since.Add(time.Duration(idx) * width)}
			acc[idx] = p
		}
		p.BytesAdded += s.BytesAdded
		p.BytesProcessed += s.BytesProcessed
	}

	idxs := make([]int, 0, len(acc))
	for i := range acc {
		idxs = append(idxs, i)
	}
	sort.Ints(idxs)

	out := make([]StoragePoint, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, *acc[i])
	}
	return out
}

// Savings summarizes deduplication over a set of runs: how many bytes the
// backup tool read versus how many it actually had to store.
type Savings struct {
	BytesProcessed int64   `json:"bytesProcessed"`
	BytesAdded     int64   `json:"bytesAdded"`
	BytesSaved     int64   `json:"bytesSaved"`
	SavingsPercent float64 `json:"savingsPercent"`
}

// ComputeSavings totals byte figures across samples. SavingsPercent is 0
// when nothing was processed.
func ComputeSavings(samples []StorageSample) Savings {
	var s Savings
	for _, m := range samples {
		s.BytesProcessed += m.BytesProcessed
		s.BytesAdded += m.BytesAdded
	}
	s.BytesSaved = s.BytesProcessed - s.BytesAdded
	if s.BytesSaved < 0 {
		s.BytesSaved = 0
	}
	if s.BytesProcessed > 0 {
		s.SavingsPercent = math.Round(float64(s.BytesSaved)/float64(s.BytesProcessed)*10000) / 100
	}
	return s
}

// bucketIndex maps a timestamp into one of n equal-width buckets covering
// [since, since+rng]. A sample exactly at the range end lands in the last
// bucket so the union of buckets covers the closed range.
func bucketIndex(at, since time.Time, rng, width time.Duration, n int) (int, bool) {
	offset := at.Sub(since)
	if offset < 0 || offset > rng {
		return 0, false
	}
	idx := int(offset / width)
	if idx >= n {
		idx = n - 1
	}
	return idx, true
}
