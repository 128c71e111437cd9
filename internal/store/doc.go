// Package store keeps the gateway's session ledger in SQLite.
//
// The ledger records when each WebSocket connection was admitted, for which
// principal and on which instance, and when and why it closed. It exists for
// operators (GET /api/sessions) and never holds events: the gateway does not
// persist or replay events.
//
// SQLiteStore uses modernc.org/sqlite (no cgo) in WAL mode with a single open
// connection. Timestamps are stored as RFC 3339 UTC strings, so they sort
// lexically.
package store
