// ABOUTME: Delivers events to the local members of a room and hands local events to the bus
// ABOUTME: Relayed events are delivered once and never forwarded again

package router

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/mission-gateway/internal/dedupe"
	"github.com/2389/mission-gateway/internal/events"
	"github.com/2389/mission-gateway/internal/metrics"
	"github.com/2389/mission-gateway/internal/rooms"
)

// Directory resolves a room to its current local members.
type Directory interface {
	MembersOf(room string) []rooms.Member
}

// RemotePublisher carries locally originated events to other instances.
// PublishRemote must not block.
type RemotePublisher interface {
	PublishRemote(ev events.Event)
}

// Router dispatches events for one gateway instance.
type Router struct {
	instanceID string
	dir        Directory
	seen       *dedupe.Cache
	logger     *slog.Logger

	mu     sync.RWMutex
	remote RemotePublisher
}

// New creates a router for instanceID. seen may be nil, which disables
// duplicate suppression on the relay path. Pass nil logger for default.
func New(instanceID string, dir Directory, seen *dedupe.Cache, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		instanceID: instanceID,
		dir:        dir,
		seen:       seen,
		logger:     logger.With("component", "router", "instance_id", instanceID),
	}
}

// InstanceID returns the origin tag stamped on locally published events.
func (r *Router) InstanceID() string {
	return r.instanceID
}

// AttachRemote sets where locally originated events are forwarded.
// Passing nil detaches the bus and makes the router single-instance.
func (r *Router) AttachRemote(p RemotePublisher) {
	r.mu.Lock()
	r.remote = p
	r.mu.Unlock()
}

func (r *Router) remotePublisher() RemotePublisher {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.remote
}

// Publish delivers ev to every current local member of ev.Room and, when ev
// originated here, forwards one copy to the bus. It never blocks on slow
// members or on the bus. Missing ID, origin and timestamp are filled in.
func (r *Router) Publish(ev events.Event) events.Delivery {
	if ev.ID == "" {
		ev.ID = events.NewID()
	}
	if ev.Origin == "" {
		ev.Origin = r.instanceID
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	// The bus carries milliseconds; local copies must match relayed ones.
	ev.Timestamp = ev.Timestamp.UTC().Truncate(time.Millisecond)

	d, ok := r.deliver(ev, "local")
	if !ok || ev.Origin != r.instanceID {
		return d
	}

	if remote := r.remotePublisher(); remote != nil {
		remote.PublishRemote(ev)
		d.Forwarded = true
	}
	return d
}

// Relay delivers an event received from the bus. Events carrying this
// instance's origin, events without an origin and IDs seen inside the dedupe
// window are dropped.
func (r *Router) Relay(ev events.Event) events.Delivery {
	switch {
	case ev.Origin == r.instanceID:
		r.logger.Debug("dropping own echo", "event_id", ev.ID)
		return events.Delivery{EventID: ev.ID}
	case ev.Origin == "" || ev.ID == "":
		r.logger.Warn("dropping relayed event without origin or id", "event_id", ev.ID, "room", ev.Room)
		return events.Delivery{EventID: ev.ID}
	}

	if r.seen != nil && r.seen.Seen(ev.ID) {
		metrics.RelayDuplicates.Inc()
		r.logger.Debug("dropping duplicate relay", "event_id", ev.ID, "origin", ev.Origin)
		return events.Delivery{EventID: ev.ID}
	}

	d, _ := r.deliver(ev, "remote")
	return d
}

// deliver encodes ev once and enqueues it to a snapshot of the room. A member
// whose queue is full is closed with rooms.ErrBackpressure; the remaining
// members are unaffected.
func (r *Router) deliver(ev events.Event, source string) (events.Delivery, bool) {
	d := events.Delivery{EventID: ev.ID}

	frame, err := events.EncodeFrame(ev)
	if err != nil {
		r.logger.Error("dropping unencodable event", "event_id", ev.ID, "kind", ev.Kind(), "error", err)
		return d, false
	}
	metrics.EventsPublished.WithLabelValues(string(ev.Kind()), source).Inc()

	for _, m := range r.dir.MembersOf(ev.Room) {
		err := m.Enqueue(frame)
		if err == nil {
			d.Delivered++
			continue
		}

		d.Dropped++
		if errors.Is(err, rooms.ErrBackpressure) {
			metrics.FramesDropped.WithLabelValues("backpressure").Inc()
			r.logger.Warn("member send queue full, evicting",
				"member_id", m.ID(), "room", ev.Room, "event_id", ev.ID)
			m.Close(rooms.ErrBackpressure)
			continue
		}
		metrics.FramesDropped.WithLabelValues("closed").Inc()
	}
	metrics.FramesDelivered.Add(float64(d.Delivered))

	return d, true
}
