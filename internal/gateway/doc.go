// Package gateway wires one mission-gateway instance together and runs it.
//
// # Overview
//
// A Gateway owns the room registry, heartbeat monitor, event router,
// broadcast bus adapter and WebSocket gatekeeper of a single instance, plus
// the HTTP and gRPC servers in front of them. Instances share nothing but the
// bus: any number can run behind a load balancer.
//
// # Wiring
//
//	producer ─► Router.Publish ─► local room members (ws.Connection)
//	                 │
//	                 └─► bus.Adapter ─► bus ─► remote Adapter ─► Router.Relay ─► members
//
// The router is created first and the adapter is attached to it afterwards,
// so neither package imports the other. The heartbeat monitor evicts through
// Gatekeeper.Evict.
//
// # HTTP API
//
//   - GET /ws - WebSocket endpoint (see package ws)
//   - POST /api/events - publish a domain event (bearer JWT or service key)
//   - GET /api/rooms - local rooms and member counts
//   - GET /api/sessions - session ledger (when database.path is set)
//   - GET /health - liveness
//   - GET /health/ready - 200 once the bus subscription is up
//   - GET /metrics - Prometheus
//
// # gRPC
//
// missiongateway.EventIngress/Publish takes and returns
// google.protobuf.Struct, mirroring POST /api/events. The standard health
// service reports SERVING while the bus is connected.
//
// # Lifecycle
//
// Run opens TCP or tsnet listeners; Serve takes listeners from the caller.
// Both block until the context ends, then close every WebSocket with 1001,
// stop the servers and release the bus and the ledger.
package gateway
