// ABOUTME: Tests for the room registry
// ABOUTME: Covers idempotent membership, dashboard permanence and concurrent access

package rooms

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mission-gateway/internal/events"
)

type stubMember struct {
	id string
}

func (m *stubMember) ID() string             { return m.id }
func (m *stubMember) Enqueue(_ []byte) error { return nil }
func (m *stubMember) Close(_ error)          {}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func memberIDs(members []Member) []string {
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ID())
	}
	return ids
}

func TestNewRegistry_DashboardExists(t *testing.T) {
	r := NewRegistry(testLogger())

	assert.True(t, r.Has(events.DashboardRoom))
	assert.Equal(t, []string{events.DashboardRoom}, r.Rooms())
	assert.Empty(t, r.MembersOf(events.DashboardRoom))
}

func TestJoin_Idempotent(t *testing.T) {
	r := NewRegistry(testLogger())
	m := &stubMember{id: "c1"}

	assert.True(t, r.Join("task:42", m))
	assert.False(t, r.Join("task:42", m))

	assert.Equal(t, 1, r.Count("task:42"))
	assert.Equal(t, []string{"task:42"}, r.RoomsOf("c1"))
}

func TestLeave_RemovesEmptyRoom(t *testing.T) {
	r := NewRegistry(testLogger())
	a := &stubMember{id: "a"}
	b := &stubMember{id: "b"}

	r.Join("agent:7", a)
	r.Join("agent:7", b)

	assert.True(t, r.Leave("agent:7", a))
	assert.False(t, r.Leave("agent:7", a))
	assert.True(t, r.Has("agent:7"))
	assert.ElementsMatch(t, []string{"b"}, memberIDs(r.MembersOf("agent:7")))

	assert.True(t, r.Leave("agent:7", b))
	assert.False(t, r.Has("agent:7"))
	assert.Empty(t, r.RoomsOf("b"))
}

func TestLeave_UnknownRoom(t *testing.T) {
	r := NewRegistry(testLogger())
	assert.False(t, r.Leave("task:nope", &stubMember{id: "x"}))
}

func TestLeave_DashboardSurvivesEmpty(t *testing.T) {
	r := NewRegistry(testLogger())
	m := &stubMember{id: "c1"}

	r.Join(events.DashboardRoom, m)
	r.Leave(events.DashboardRoom, m)

	assert.True(t, r.Has(events.DashboardRoom))
	assert.Equal(t, 0, r.Count(events.DashboardRoom))
}

func TestLeaveAll(t *testing.T) {
	r := NewRegistry(testLogger())
	m := &stubMember{id: "c1"}
	other := &stubMember{id: "c2"}

	r.Join(events.DashboardRoom, m)
	r.Join("task:42", m)
	r.Join("agent:7", m)
	r.Join("agent:7", other)

	left := r.LeaveAll(m)
	assert.Equal(t, []string{"agent:7", events.DashboardRoom, "task:42"}, left)

	assert.Empty(t, r.RoomsOf("c1"))
	assert.False(t, r.Has("task:42"))
	assert.Equal(t, []string{"c2"}, memberIDs(r.MembersOf("agent:7")))
	assert.Empty(t, r.LeaveAll(m))
}

func TestMembersOf_IsSnapshot(t *testing.T) {
	r := NewRegistry(testLogger())
	a := &stubMember{id: "a"}
	r.Join("task:1", a)

	snap := r.MembersOf("task:1")
	r.Leave("task:1", a)
	r.Join("task:1", &stubMember{id: "b"})

	require.Len(t, snap, 1)
	assert.Equal(t, "a", snap[0].ID())
}

func TestStats(t *testing.T) {
	r := NewRegistry(testLogger())
	r.Join(events.DashboardRoom, &stubMember{id: "a"})
	r.Join(events.DashboardRoom, &stubMember{id: "b"})
	r.Join("task:1", &stubMember{id: "a"})

	assert.Equal(t, []RoomStat{
		{Room: events.DashboardRoom, Members: 2},
		{Room: "task:1", Members: 1},
	}, r.Stats())
}

func TestRegistry_ConcurrentJoinLeave(t *testing.T) {
	r := NewRegistry(testLogger())

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := &stubMember{id: fmt.Sprintf("m%d", i)}
			room := fmt.Sprintf("task:%d", i%5)
			for range 100 {
				r.Join(room, m)
				r.Join(events.DashboardRoom, m)
				_ = r.MembersOf(room)
				r.LeaveAll(m)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, []string{events.DashboardRoom}, r.Rooms())
	assert.Equal(t, 0, r.Count(events.DashboardRoom))
}
