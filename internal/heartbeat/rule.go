// Package heartbeat ingests worker sync samples, derives fleet health, and
// manages worker sync credentials.
//
// Worker status is a derived value, never independently mutated state: it
// is a pure function (Rule.Derive) of the last-seen timestamp's staleness
// plus the worker's most recent self-report. The ingestor recomputes it on
// every sample and the sweeper recomputes it for silent workers, so the
// cached column in the workers table can never drift from the rule.
package heartbeat

import "time"

// Default heartbeat timing. Workers sync every 15 seconds; missing two
// beats marks them degraded, missing four marks them offline.
const (
	DefaultInterval = 15 * time.Second

	degradedMultiple = 2
	offlineMultiple  = 4
)

// Worker status values, ordered by health.
const (
	StatusOnline   = "online"
	StatusDegraded = "degraded"
	StatusOffline  = "offline"
)

// Rule is the staleness policy that turns a self-report plus a last-seen
// timestamp into a fleet status. Zero fields fall back to the defaults.
type Rule struct {
	Interval      time.Duration
	DegradedAfter time.Duration
	OfflineAfter  time.Duration
}

func (r Rule) withDefaults() Rule {
	if r.Interval <= 0 {
		r.Interval = DefaultInterval
	}
	if r.DegradedAfter <= 0 {
		r.DegradedAfter = degradedMultiple * r.Interval
	}
	if r.OfflineAfter <= 0 {
		r.OfflineAfter = offlineMultiple * r.Interval
	}
	return r
}

// Derive computes the worker's status. Staleness always wins over the
// self-report: a worker that stopped heartbeating is offline no matter what
// its last sample claimed. A fresh worker's status follows its self-report,
// with anything other than an explicit problem treated as online.
func (r Rule) Derive(reported string, lastSeenAt *time.Time, now time.Time) string {
	r = r.withDefaults()

	if lastSeenAt == nil {
		return StatusOffline
	}
	age := now.Sub(*lastSeenAt)
	switch {
	case age >= r.OfflineAfter:
		return StatusOffline
	case age >= r.DegradedAfter:
		return StatusDegraded
	}

	switch reported {
	case StatusDegraded, "error":
		return StatusDegraded
	default:
		return StatusOnline
	}
}
