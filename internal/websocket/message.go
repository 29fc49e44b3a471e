// Package websocket implements the real-time pub/sub hub that pushes server
// events to connected GUI clients. It uses gorilla/websocket under the hood
// and exposes a topic-based broadcast API published to by internal/run,
// internal/runner, internal/erasure, and internal/notification, and
// consumed over HTTP by the WebSocket upgrade handler.
//
// Topic naming convention:
//
//	run:<uuid>               — status and event-log updates for a single run
//	runner:<uuid>            — heartbeat/status transitions for a runner agent
//	project:<uuid>:erasure   — project-erasure job progress
//	notifications:<user_id>  — in-app notifications for a specific user
package websocket

// MessageType identifies the kind of event carried by a Message.
// The GUI uses this field to route the payload to the correct store update.
type MessageType string

const (
	// MsgRunStatus is sent when a run's status is set (runs are created in
	// running and end in succeeded | failed | canceled).
	MsgRunStatus MessageType = "run.status"

	// MsgRunEvent is sent for each run-event line appended to an active run.
	MsgRunEvent MessageType = "run.event"

	// MsgRunnerStatus is sent when a runner agent's heartbeat marks it
	// online or offline.
	MsgRunnerStatus MessageType = "runner.status"

	// MsgErasureProgress is sent as a ProjectDeletionJob advances through its
	// stages, so an admin watching the project settings page sees live
	// progress without polling.
	MsgErasureProgress MessageType = "project.erasure_progress"

	// MsgNotification is sent when a new in-app notification is created for
	// the subscribed user.
	MsgNotification MessageType = "notification"

	// MsgPing is declared for clients, but the hub never sends it; keepalive
	// uses WebSocket ping control frames written by the client's writePump.
	MsgPing MessageType = "ping"
)

// Message is the envelope for every WebSocket frame sent to clients.
// The GUI deserializes this struct and dispatches on Type.
//
// JSON example:
//
//	{"type":"run.status","topic":"run:018f...","payload":{"status":"running"}}
type Message struct {
	// Type identifies the kind of event so the client can route it correctly.
	Type MessageType `json:"type"`

	// Topic is the pub/sub channel this message was published on.
	// Clients use it to associate the update with the correct UI element.
	Topic string `json:"topic"`

	// Payload carries the event-specific data. The shape varies by Type:
	//   - run.status:               {"status":"failed","errorMessage":"...","finishedAt":"..."}
	//   - run.event:                {"level":"info","message":"...","ts":"..."}
	//   - runner.status:            {"status":"online","lastSeenAt":"..."}
	//   - project.erasure_progress: {"status":"running","stage":"runs","processed":120}
	//   - notification:             {"id":"...","type":"...","title":"...","body":"...","payload":{...},"created_at":"..."}
	//   - ping:                     {} (empty)
	Payload any `json:"payload"`
}
