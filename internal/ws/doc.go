// Package ws is the Connection Gatekeeper: the WebSocket endpoint clients
// use to receive room events.
//
// # Handshake
//
// A client upgrades GET /ws and must send exactly one frame within the
// handshake timeout:
//
//	{"type": "auth", "data": {"token": "<jwt or service key>"}}
//
// A bad credential closes the socket with code 4401, silence with 4408.
// Nothing is allocated for a refused client. The token is never read from
// the URL.
//
// # Admitted connections
//
// An admitted Connection is sent a connected frame, joins the dashboard room
// and is registered with the heartbeat monitor. It then accepts subscribe,
// unsubscribe and heartbeat frames. Bad frames get an error reply and the
// connection stays open.
//
// Each connection has one read goroutine (the HTTP handler) and one write
// goroutine, which is the only socket writer. Routers hand frames over with
// Enqueue, which never blocks; a full queue means the client is too slow and
// the router closes it with code 4429.
//
// Close is safe from any goroutine and runs once. Heartbeat eviction (4408),
// backpressure (4429), server shutdown (1001) and read errors all end there.
package ws
