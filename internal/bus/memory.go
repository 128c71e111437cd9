// ABOUTME: In-process broadcast bus used for single-instance mode and multi-instance tests
// ABOUTME: Several transports attached to one hub behave like instances sharing a Redis server

package bus

import (
	"context"
	"fmt"
	"sync"
)

// MemoryHub is an in-process pub/sub topic space.
type MemoryHub struct {
	mu        sync.RWMutex
	subs      map[string]map[*memorySubscription]struct{}
	published map[string]int
	down      bool
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		subs:      make(map[string]map[*memorySubscription]struct{}),
		published: make(map[string]int),
	}
}

// Transport returns a new client of the hub. Closing it ends only the
// subscriptions it created.
func (h *MemoryHub) Transport() *MemoryTransport {
	return &MemoryTransport{hub: h, subs: make(map[*memorySubscription]struct{})}
}

// Published returns how many messages were published on topic.
func (h *MemoryHub) Published(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.published[topic]
}

// Subscribers returns the number of live subscriptions on topic.
func (h *MemoryHub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[topic])
}

// Outage simulates losing the bus: every subscription ends and publishes and
// subscribes fail until Restore.
func (h *MemoryHub) Outage() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.down = true
	for topic, set := range h.subs {
		for s := range set {
			s.endLocked()
		}
		delete(h.subs, topic)
	}
}

// Restore ends a simulated outage.
func (h *MemoryHub) Restore() {
	h.mu.Lock()
	h.down = false
	h.mu.Unlock()
}

func (h *MemoryHub) publish(topic string, payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.down {
		return fmt.Errorf("memory hub: %w", ErrBusUnavailable)
	}
	h.published[topic]++
	for s := range h.subs[topic] {
		msg := append([]byte(nil), payload...)
		select {
		case s.out <- msg:
		default:
			// subscriber too slow; pub/sub semantics allow the loss
		}
	}
	return nil
}

func (h *MemoryHub) subscribe(topic string, owner *MemoryTransport) (*memorySubscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.down {
		return nil, fmt.Errorf("memory hub: %w", ErrBusUnavailable)
	}
	s := &memorySubscription{hub: h, owner: owner, topic: topic, out: make(chan []byte, subscriptionBuffer)}
	set, ok := h.subs[topic]
	if !ok {
		set = make(map[*memorySubscription]struct{})
		h.subs[topic] = set
	}
	set[s] = struct{}{}
	return s, nil
}

func (h *MemoryHub) unsubscribe(s *memorySubscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if set, ok := h.subs[s.topic]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, s.topic)
		}
	}
	s.endLocked()
}

// MemoryTransport is one instance's view of a MemoryHub.
type MemoryTransport struct {
	hub *MemoryHub

	mu     sync.Mutex
	subs   map[*memorySubscription]struct{}
	closed bool
}

// Hub returns the hub this transport is attached to.
func (t *MemoryTransport) Hub() *MemoryHub {
	return t.hub
}

func (t *MemoryTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.isClosed() {
		return ErrClosed
	}
	return t.hub.publish(topic, payload)
}

func (t *MemoryTransport) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	s, err := t.hub.subscribe(topic, t)
	if err != nil {
		return nil, err
	}
	t.subs[s] = struct{}{}
	return s, nil
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()

	for s := range subs {
		t.hub.unsubscribe(s)
	}
	return nil
}

func (t *MemoryTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *MemoryTransport) forget(s *memorySubscription) {
	t.mu.Lock()
	delete(t.subs, s)
	t.mu.Unlock()
}

type memorySubscription struct {
	hub   *MemoryHub
	owner *MemoryTransport
	topic string
	out   chan []byte
	ended bool // guarded by hub.mu
}

// must hold hub.mu
func (s *memorySubscription) endLocked() {
	if !s.ended {
		s.ended = true
		close(s.out)
	}
}

func (s *memorySubscription) Messages() <-chan []byte { return s.out }

func (s *memorySubscription) Close() error {
	s.hub.unsubscribe(s)
	s.owner.forget(s)
	return nil
}
