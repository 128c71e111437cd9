// ABOUTME: Tracks the last heartbeat of every admitted connection
// ABOUTME: A periodic sweep evicts connections that stopped heartbeating

package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrTimeout is the eviction reason for connections that missed their heartbeat.
var ErrTimeout = errors.New("heartbeat timeout")

// ErrInvalidConfig is returned by New for unusable interval settings.
var ErrInvalidConfig = errors.New("invalid heartbeat config")

// EvictFunc tears down a connection. It is called outside the monitor's lock
// and must tolerate IDs that were already closed by another path.
type EvictFunc func(id string, reason error)

// Config holds the monitor intervals.
type Config struct {
	// ClientInterval is how often clients are expected to heartbeat.
	ClientInterval time.Duration
	// Timeout is how long a connection may stay silent before eviction.
	// It must be at least twice ClientInterval.
	Timeout time.Duration
	// SweepInterval is how often Run checks for stale connections.
	SweepInterval time.Duration
}

// Validate checks the interval invariants.
func (c Config) Validate() error {
	if c.ClientInterval <= 0 {
		return fmt.Errorf("%w: client interval must be positive", ErrInvalidConfig)
	}
	if c.Timeout < 2*c.ClientInterval {
		return fmt.Errorf("%w: timeout %s must be at least twice the client interval %s",
			ErrInvalidConfig, c.Timeout, c.ClientInterval)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("%w: sweep interval must be positive", ErrInvalidConfig)
	}
	return nil
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock replaces time.Now, for tests that simulate elapsed time.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// Monitor records last-heartbeat times keyed by connection ID.
type Monitor struct {
	cfg    Config
	evict  EvictFunc
	now    func() time.Time
	logger *slog.Logger

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// New creates a monitor. Pass nil logger for default.
func New(cfg Config, evict EvictFunc, logger *slog.Logger, opts ...Option) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if evict == nil {
		return nil, fmt.Errorf("%w: evict func is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Monitor{
		cfg:      cfg,
		evict:    evict,
		now:      time.Now,
		logger:   logger.With("component", "heartbeat"),
		lastSeen: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Register starts tracking id as if it had just heartbeated.
func (m *Monitor) Register(id string) {
	m.mu.Lock()
	m.lastSeen[id] = m.now()
	m.mu.Unlock()
}

// Touch records a heartbeat. It reports false for unknown IDs, which happens
// when a heartbeat races with eviction.
func (m *Monitor) Touch(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.lastSeen[id]; !ok {
		return false
	}
	m.lastSeen[id] = m.now()
	return true
}

// Deregister stops tracking id. Safe to call for unknown IDs.
func (m *Monitor) Deregister(id string) {
	m.mu.Lock()
	delete(m.lastSeen, id)
	m.mu.Unlock()
}

// LastSeen returns the last heartbeat time for id.
func (m *Monitor) LastSeen(id string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.lastSeen[id]
	return t, ok
}

// Len returns the number of tracked connections.
func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lastSeen)
}

// Sweep evicts every connection silent for longer than the timeout and
// returns their IDs. Entries are removed before the evict callback runs, so a
// connection is evicted at most once.
func (m *Monitor) Sweep() []string {
	now := m.now()

	var stale []string
	m.mu.Lock()
	for id, seen := range m.lastSeen {
		if now.Sub(seen) > m.cfg.Timeout {
			stale = append(stale, id)
			delete(m.lastSeen, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		m.logger.Info("evicting silent connection", "connection_id", id, "timeout", m.cfg.Timeout)
		m.evict(id, ErrTimeout)
	}
	return stale
}

// Run sweeps every SweepInterval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}
