// Package dedupe remembers recently seen event IDs.
//
// Buses like Redis pub/sub and NATS deliver at most once, but reconnects and
// multi-path deployments can still replay an envelope. The router checks every
// relayed event against a Cache so a replay inside the TTL window is dropped.
package dedupe
