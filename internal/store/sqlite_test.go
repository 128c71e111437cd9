// ABOUTME: Tests for the SQLite session ledger
// ABOUTME: Each test opens a fresh database in t.TempDir()

package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "nested", "ledger.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func admit(t *testing.T, s *SQLiteStore, connID, principal, instance string, at time.Time) {
	t.Helper()
	require.NoError(t, s.RecordAdmission(t.Context(), &Session{
		ConnectionID:  connID,
		PrincipalID:   principal,
		PrincipalKind: "user",
		InstanceID:    instance,
		RemoteAddr:    "10.0.0.1:5555",
		ConnectedAt:   at,
	}))
}

func TestSQLiteStore_AdmissionAndClosure(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	admit(t, s, "c1", "user-1", "gw-a", start)

	got, err := s.GetSession(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, got.Open())
	assert.Equal(t, "user-1", got.PrincipalID)
	assert.Equal(t, "10.0.0.1:5555", got.RemoteAddr)
	assert.True(t, start.Equal(got.ConnectedAt))

	require.NoError(t, s.RecordClosure(ctx, "c1", start.Add(time.Minute), "heartbeat timeout"))

	got, err = s.GetSession(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, got.ClosedAt)
	assert.False(t, got.Open())
	assert.Equal(t, "heartbeat timeout", got.CloseReason)
	assert.True(t, start.Add(time.Minute).Equal(*got.ClosedAt))

	// already closed
	err = s.RecordClosure(ctx, "c1", start.Add(2*time.Minute), "again")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetSession(t.Context(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.RecordClosure(t.Context(), "missing", time.Now(), "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_DuplicateAdmission(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	admit(t, s, "c1", "user-1", "gw-a", now)
	err := s.RecordAdmission(t.Context(), &Session{
		ConnectionID: "c1", PrincipalID: "user-2", PrincipalKind: "user", InstanceID: "gw-a", ConnectedAt: now,
	})
	assert.Error(t, err)
}

func TestSQLiteStore_ListSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	admit(t, s, "c1", "user-1", "gw-a", base)
	admit(t, s, "c2", "user-2", "gw-a", base.Add(time.Second))
	admit(t, s, "c3", "user-1", "gw-b", base.Add(2*time.Second))
	require.NoError(t, s.RecordClosure(ctx, "c1", base.Add(3*time.Second), "client closed"))

	all, err := s.ListSessions(ctx, SessionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c3", all[0].ConnectionID, "newest first")
	assert.Equal(t, "c1", all[2].ConnectionID)

	byUser, err := s.ListSessions(ctx, SessionFilter{PrincipalID: "user-1"})
	require.NoError(t, err)
	assert.Len(t, byUser, 2)

	open, err := s.ListSessions(ctx, SessionFilter{OpenOnly: true})
	require.NoError(t, err)
	assert.Len(t, open, 2)

	onA, err := s.ListSessions(ctx, SessionFilter{InstanceID: "gw-a", OpenOnly: true})
	require.NoError(t, err)
	require.Len(t, onA, 1)
	assert.Equal(t, "c2", onA[0].ConnectionID)

	limited, err := s.ListSessions(ctx, SessionFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSQLiteStore_CloseOrphans(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	now := time.Now()

	admit(t, s, "c1", "user-1", "gw-a", now)
	admit(t, s, "c2", "user-2", "gw-a", now)
	admit(t, s, "c3", "user-3", "gw-b", now)

	n, err := s.CloseOrphans(ctx, "gw-a", now, "instance restarted")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	open, err := s.ListSessions(ctx, SessionFilter{OpenOnly: true})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "c3", open[0].ConnectionID)
}

func TestSQLiteStore_PruneClosed(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	admit(t, s, "old", "user-1", "gw-a", base)
	admit(t, s, "recent", "user-1", "gw-a", base)
	admit(t, s, "open", "user-1", "gw-a", base)
	require.NoError(t, s.RecordClosure(ctx, "old", base.Add(time.Hour), "done"))
	require.NoError(t, s.RecordClosure(ctx, "recent", base.Add(48*time.Hour), "done"))

	n, err := s.PruneClosed(ctx, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetSession(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetSession(ctx, "open")
	assert.NoError(t, err)
}

func TestSQLiteStore_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")

	s, err := NewSQLiteStore(path, nil)
	require.NoError(t, err)
	admit(t, s, "c1", "user-1", "gw-a", time.Now())
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path, nil)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.GetSession(t.Context(), "c1")
	assert.NoError(t, err)
}
