// ABOUTME: Session ledger types and the store interface
// ABOUTME: Records WebSocket admissions and closures; events are never persisted

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Session is one admitted WebSocket connection.
type Session struct {
	ConnectionID  string
	PrincipalID   string
	PrincipalKind string
	InstanceID    string
	RemoteAddr    string
	ConnectedAt   time.Time
	ClosedAt      *time.Time // nil while open
	CloseReason   string
}

// Open reports whether the session has no recorded closure.
func (s *Session) Open() bool {
	return s.ClosedAt == nil
}

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	PrincipalID string
	InstanceID  string
	OpenOnly    bool
	Limit       int // <= 0 means 100
}

// SessionStore persists the session ledger.
type SessionStore interface {
	RecordAdmission(ctx context.Context, s *Session) error
	RecordClosure(ctx context.Context, connectionID string, at time.Time, reason string) error
	GetSession(ctx context.Context, connectionID string) (*Session, error)
	ListSessions(ctx context.Context, f SessionFilter) ([]*Session, error)
	CloseOrphans(ctx context.Context, instanceID string, at time.Time, reason string) (int64, error)
	PruneClosed(ctx context.Context, before time.Time) (int64, error)
	Close() error
}
