// Package bus connects gateway instances so an event published on one is
// delivered to room members on all of them.
//
// # Transports
//
// A Transport is any topic pub/sub: Redis (the default for multi-instance
// deployments), NATS core, or the in-process MemoryHub. All instances share
// one topic.
//
// # Adapter
//
// The Adapter is the router's RemotePublisher. PublishRemote never blocks:
// events go into a bounded queue drained by a publish goroutine, and a full
// queue drops the remote copy. A subscribe goroutine decodes envelopes and
// hands them to the router's Relay, which filters own echoes and duplicates.
// When the subscription fails or ends the adapter resubscribes with
// exponential backoff; Connected reports the current state for readiness.
//
// Cross-instance delivery is best effort. Events published while the bus is
// down are not queued for later.
//
// # Envelope
//
// Messages are CBOR maps {v, id, room, kind, origin, ts, data} where data is
// the payload's JSON encoding.
package bus
