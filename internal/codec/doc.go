// Package codec encodes the envelopes instances exchange over the broadcast bus.
//
// CBOR is used instead of JSON on the bus because envelopes embed the
// already-encoded JSON payload as a byte string; CBOR carries it without
// re-escaping. Encoding is deterministic (sorted keys, shortest integers).
package codec
