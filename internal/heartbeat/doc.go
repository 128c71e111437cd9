// Package heartbeat detects abandoned connections.
//
// Clients send a heartbeat frame every ClientInterval (25s by default). The
// Monitor remembers when each connection last did so; Run sweeps on a fixed
// interval and hands every connection silent for longer than Timeout to the
// evict callback with ErrTimeout. Timeout must be at least twice
// ClientInterval so a single late heartbeat never evicts.
package heartbeat
