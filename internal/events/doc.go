// Package events defines what the gateway dispatches.
//
// # Event Kinds
//
// Server-to-client events form a closed enumeration. Control kinds answer a
// single connection:
//
//	connected, subscribed, unsubscribed, heartbeat_ack, error
//
// Domain kinds are produced by external collaborators (REST handlers, the
// Telegram bridge, background workers) and fanned out to rooms:
//
//	agent:status_changed, agent:heartbeat,
//	task:created, task:assigned, task:updated, task:completed,
//	conversation:message, system:alert
//
// Every kind has its own payload struct. Unknown wraps a raw body whose kind
// this build does not recognize; it only appears when decoding bus envelopes
// or frames, never from a producer.
//
// Producer bodies are delivered as sent. DecodeVerbatim validates a body
// through its typed view and wraps it in Verbatim, which marshals back to the
// original JSON. Entity IDs (ID) accept a string or a number, so
// {"task_id": 42} and {"task_id": "42"} both target task:42.
//
// # Rooms
//
//	dashboard            global, joined on admission, never deleted
//	agent:<id>           one agent
//	task:<id>            one task
//	conversation:<id>    one conversation
//
// # Frames
//
// Every server frame is a JSON object:
//
//	{"event": "task:updated", "room": "task:42",
//	 "data": {"task_id": 42, "progress": 50},
//	 "timestamp": "2026-01-02T15:04:05.123Z"}
//
// The event timestamp lives only at the frame level, next to event and room;
// clients read it there rather than from data, which is left exactly as the
// producer sent it. It is the publish time on the origin instance (RFC 3339,
// UTC) and is identical on every copy of the event, local or relayed.
// Control frames omit room and timestamp.
//
// # Publisher
//
// Publisher mirrors the dashboard's event bus: each helper publishes one
// payload to the rooms that care about it, e.g. task:assigned goes to the
// task room, the agent room and the dashboard.
package events
