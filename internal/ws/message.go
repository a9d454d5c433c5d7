// Package ws implements the real-time pub/sub hub that pushes incident and
// fleet events to connected dashboard clients. It uses gorilla/websocket
// under the hood and exposes a topic-based broadcast API consumed by the
// incident feed.
//
// Topic naming convention:
//
//	events           — the firehose: every incident event
//	plan:<uuid>      — events linked to a specific backup plan
//	worker:<uuid>    — events linked to a specific worker
package ws

import "github.com/google/uuid"

// TopicEvents is the firehose topic every dashboard client receives.
const TopicEvents = "events"

// PlanTopic returns the topic carrying events linked to one backup plan.
func PlanTopic(id uuid.UUID) string {
	return "plan:" + id.String()
}

// WorkerTopic returns the topic carrying events linked to one worker.
func WorkerTopic(id uuid.UUID) string {
	return "worker:" + id.String()
}

// MessageType identifies the kind of event carried by a Message.
// The dashboard uses this field to route the payload to the correct store
// update.
type MessageType string

const (
	// MsgEventCreated is sent when a new incident event enters the feed
	// (run failure, worker status transition, size anomaly, lease expiry).
	MsgEventCreated MessageType = "event.created"

	// MsgEventResolved is sent when open incident events are closed by a
	// countervailing signal (worker back online, anomaly resolved).
	MsgEventResolved MessageType = "event.resolved"

	// MsgWorkerStatus is sent on every derived worker status transition so
	// fleet views update without polling.
	MsgWorkerStatus MessageType = "worker.status"

	// MsgRunRecorded is sent when a completed run is recorded, successful
	// or not.
	MsgRunRecorded MessageType = "run.recorded"
)

// Message is the envelope for every WebSocket frame sent to clients.
// The dashboard deserializes this struct and dispatches on Type.
//
// JSON example:
//
//	{"type":"event.created","topic":"events","payload":{"severity":"critical",...}}
type Message struct {
	// Type identifies the kind of event so the client can route it.
	Type MessageType `json:"type"`

	// Topic is the pub/sub channel this message was published on.
	Topic string `json:"topic"`

	// Payload carries the event-specific data. The shape varies by Type:
	//   - event.created:  the full incident event record
	//   - event.resolved: {"type":"...","planId":"...","workerId":"..."}
	//   - worker.status:  {"workerId":"...","status":"online"}
	//   - run.recorded:   the run record
	Payload any `json:"payload"`
}
