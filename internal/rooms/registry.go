// ABOUTME: In-memory room registry mapping room names to locally connected members
// ABOUTME: Sharded by room name so joins, leaves and snapshots of different rooms do not contend

package rooms

import (
	"errors"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"

	"github.com/2389/mission-gateway/internal/events"
)

// ErrBackpressure is returned by Member.Enqueue when the member's send queue
// is full. The router drops the event for that member and tears it down.
var ErrBackpressure = errors.New("send queue full")

// shardCount must be a power of two.
const shardCount = 32

// Member is a locally connected receiver. The registry only references
// members; the gatekeeper owns them.
type Member interface {
	ID() string
	// Enqueue hands an encoded frame to the member's send queue without blocking.
	Enqueue(frame []byte) error
	// Close tears the member down. It must be idempotent.
	Close(reason error)
}

type shard struct {
	mu    sync.RWMutex
	rooms map[string]map[string]Member // room -> memberID -> member
}

// Registry tracks room membership for one gateway instance.
type Registry struct {
	shards [shardCount]*shard

	memberMu    sync.Mutex
	memberRooms map[string]map[string]struct{} // memberID -> rooms

	logger *slog.Logger
}

// NewRegistry creates a registry containing only the dashboard room.
// Pass nil logger for default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		memberRooms: make(map[string]map[string]struct{}),
		logger:      logger.With("component", "rooms"),
	}
	for i := range r.shards {
		r.shards[i] = &shard{rooms: make(map[string]map[string]Member)}
	}
	r.shardFor(events.DashboardRoom).rooms[events.DashboardRoom] = make(map[string]Member)
	return r
}

func (r *Registry) shardFor(room string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(room))
	return r.shards[h.Sum32()&(shardCount-1)]
}

// Join adds m to room, creating the room if needed. It reports whether the
// membership changed; joining twice is a no-op.
func (r *Registry) Join(room string, m Member) bool {
	s := r.shardFor(room)
	id := m.ID()

	s.mu.Lock()
	members, ok := s.rooms[room]
	if !ok {
		members = make(map[string]Member)
		s.rooms[room] = members
	}
	_, already := members[id]
	if !already {
		members[id] = m
	}
	s.mu.Unlock()

	if already {
		return false
	}

	r.memberMu.Lock()
	set, ok := r.memberRooms[id]
	if !ok {
		set = make(map[string]struct{})
		r.memberRooms[id] = set
	}
	set[room] = struct{}{}
	r.memberMu.Unlock()

	r.logger.Debug("member joined", "room", room, "member_id", id)
	return true
}

// Leave removes m from room. An emptied room is deleted unless it is the
// dashboard room. It reports whether the membership changed.
func (r *Registry) Leave(room string, m Member) bool {
	return r.leave(room, m.ID())
}

func (r *Registry) leave(room, id string) bool {
	s := r.shardFor(room)

	s.mu.Lock()
	members, ok := s.rooms[room]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if _, present := members[id]; !present {
		s.mu.Unlock()
		return false
	}
	delete(members, id)
	if len(members) == 0 && room != events.DashboardRoom {
		delete(s.rooms, room)
	}
	s.mu.Unlock()

	r.memberMu.Lock()
	if set, ok := r.memberRooms[id]; ok {
		delete(set, room)
		if len(set) == 0 {
			delete(r.memberRooms, id)
		}
	}
	r.memberMu.Unlock()

	r.logger.Debug("member left", "room", room, "member_id", id)
	return true
}

// LeaveAll removes m from every room it joined and returns those rooms.
func (r *Registry) LeaveAll(m Member) []string {
	id := m.ID()

	r.memberMu.Lock()
	set := r.memberRooms[id]
	joined := make([]string, 0, len(set))
	for room := range set {
		joined = append(joined, room)
	}
	r.memberMu.Unlock()

	sort.Strings(joined)
	for _, room := range joined {
		r.leave(room, id)
	}
	return joined
}

// MembersOf returns a point-in-time snapshot of room's members. An unknown
// room has no members.
func (r *Registry) MembersOf(room string) []Member {
	s := r.shardFor(room)

	s.mu.RLock()
	defer s.mu.RUnlock()

	members := s.rooms[room]
	out := make([]Member, 0, len(members))
	for _, m := range members {
		out = append(out, m)
	}
	return out
}

// Count returns the number of members in room.
func (r *Registry) Count(room string) int {
	s := r.shardFor(room)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms[room])
}

// Has reports whether room currently exists.
func (r *Registry) Has(room string) bool {
	s := r.shardFor(room)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[room]
	return ok
}

// Rooms returns every existing room name, sorted. The dashboard room is
// always present.
func (r *Registry) Rooms() []string {
	var out []string
	for _, s := range r.shards {
		s.mu.RLock()
		for room := range s.rooms {
			out = append(out, room)
		}
		s.mu.RUnlock()
	}
	sort.Strings(out)
	return out
}

// RoomsOf returns the rooms memberID has joined, sorted.
func (r *Registry) RoomsOf(memberID string) []string {
	r.memberMu.Lock()
	defer r.memberMu.Unlock()

	set := r.memberRooms[memberID]
	out := make([]string, 0, len(set))
	for room := range set {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

// RoomStat is one row of Stats.
type RoomStat struct {
	Room    string `json:"room"`
	Members int    `json:"members"`
}

// Stats returns member counts for every room, sorted by room name.
func (r *Registry) Stats() []RoomStat {
	var out []RoomStat
	for _, s := range r.shards {
		s.mu.RLock()
		for room, members := range s.rooms {
			out = append(out, RoomStat{Room: room, Members: len(members)})
		}
		s.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Room < out[j].Room })
	return out
}
