// ABOUTME: Tests for the bus adapter
// ABOUTME: Runs two router instances over one memory hub to check one-hop relay and reconnects

package bus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mission-gateway/internal/dedupe"
	"github.com/2389/mission-gateway/internal/events"
	"github.com/2389/mission-gateway/internal/rooms"
	"github.com/2389/mission-gateway/internal/router"
)

const testTopic = "mission-gateway:events"

type chanMember struct {
	id    string
	queue chan []byte
}

func (m *chanMember) ID() string { return m.id }

func (m *chanMember) Enqueue(frame []byte) error {
	select {
	case m.queue <- frame:
		return nil
	default:
		return rooms.ErrBackpressure
	}
}

func (m *chanMember) Close(error) {}

func testAdapterConfig() AdapterConfig {
	return AdapterConfig{
		Topic:          testTopic,
		QueueSize:      16,
		PublishTimeout: time.Second,
		BackoffInitial: 5 * time.Millisecond,
		BackoffMax:     20 * time.Millisecond,
	}
}

type instance struct {
	registry *rooms.Registry
	router   *router.Router
	adapter  *Adapter
}

func startInstance(t *testing.T, id string, hub *MemoryHub) *instance {
	t.Helper()

	reg := rooms.NewRegistry(testLogger())
	seen := dedupe.New(time.Minute, 1024)
	t.Cleanup(seen.Close)

	rt := router.New(id, reg, seen, testLogger())
	ad := NewAdapter(hub.Transport(), rt.Relay, testAdapterConfig(), testLogger())
	rt.AttachRemote(ad)

	ctx, cancel := context.WithCancel(t.Context())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = ad.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
		_ = ad.Close()
	})

	require.Eventually(t, ad.Connected, 2*time.Second, 5*time.Millisecond)
	return &instance{registry: reg, router: rt, adapter: ad}
}

func nextFrame(t *testing.T, m *chanMember) events.WireFrame {
	t.Helper()
	select {
	case raw := <-m.queue:
		var wf events.WireFrame
		require.NoError(t, json.Unmarshal(raw, &wf))
		return wf
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for frame")
		return events.WireFrame{}
	}
}

func TestAdapter_TwoInstanceRelay(t *testing.T) {
	hub := NewMemoryHub()
	a := startInstance(t, "inst-a", hub)
	b := startInstance(t, "inst-b", hub)

	onA := &chanMember{id: "client-a", queue: make(chan []byte, 8)}
	onB := &chanMember{id: "client-b", queue: make(chan []byte, 8)}
	a.registry.Join("agent:7", onA)
	b.registry.Join("agent:7", onB)

	d := a.router.Publish(events.New("agent:7", events.AgentStatusChanged{
		AgentID: "7", OldStatus: "idle", NewStatus: "busy",
	}))
	assert.Equal(t, 1, d.Delivered)
	assert.True(t, d.Forwarded)

	local := nextFrame(t, onA)
	remote := nextFrame(t, onB)
	assert.Equal(t, "agent:status_changed", remote.Event)
	assert.Equal(t, "agent:7", remote.Room)
	assert.JSONEq(t, string(local.Data), string(remote.Data))

	// Neither side re-publishes; the own echo on A is dropped.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, hub.Published(testTopic))
	assert.Empty(t, onA.queue)
	assert.Empty(t, onB.queue)
}

func TestAdapter_RelayedEventReachesOnlyTargetRoom(t *testing.T) {
	hub := NewMemoryHub()
	a := startInstance(t, "inst-a", hub)
	b := startInstance(t, "inst-b", hub)

	in42 := &chanMember{id: "c42", queue: make(chan []byte, 8)}
	in43 := &chanMember{id: "c43", queue: make(chan []byte, 8)}
	b.registry.Join("task:42", in42)
	b.registry.Join("task:43", in43)

	progress := 50
	a.router.Publish(events.New("task:42", events.TaskUpdated{TaskID: "42", Progress: &progress}))

	wf := nextFrame(t, in42)
	assert.Equal(t, "task:updated", wf.Event)
	assert.JSONEq(t, `{"task_id":"42","progress":50}`, string(wf.Data))

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, in43.queue)
}

func TestAdapter_ResubscribesAfterOutage(t *testing.T) {
	hub := NewMemoryHub()
	a := startInstance(t, "inst-a", hub)
	b := startInstance(t, "inst-b", hub)

	hub.Outage()
	require.Eventually(t, func() bool { return !b.adapter.Connected() }, 2*time.Second, 5*time.Millisecond)

	hub.Restore()
	require.Eventually(t, func() bool {
		return a.adapter.Connected() && b.adapter.Connected() && hub.Subscribers(testTopic) == 2
	}, 2*time.Second, 5*time.Millisecond)

	m := &chanMember{id: "c1", queue: make(chan []byte, 8)}
	b.registry.Join(events.DashboardRoom, m)
	a.router.Publish(events.New(events.DashboardRoom, events.SystemAlert{Message: "back", Severity: "info"}))

	wf := nextFrame(t, m)
	assert.Equal(t, "system:alert", wf.Event)
}

func TestAdapter_PublishRemoteDropsWhenQueueFull(t *testing.T) {
	cfg := testAdapterConfig()
	cfg.QueueSize = 1
	ad := NewAdapter(NewMemoryHub().Transport(), func(events.Event) events.Delivery { return events.Delivery{} }, cfg, testLogger())

	ad.PublishRemote(events.New(events.DashboardRoom, events.SystemAlert{Message: "1"}))
	ad.PublishRemote(events.New(events.DashboardRoom, events.SystemAlert{Message: "2"}))

	assert.Len(t, ad.queue, 1)
	assert.False(t, ad.Connected())
}

func TestAdapter_PublishFailureIsBusUnavailable(t *testing.T) {
	hub := NewMemoryHub()
	ad := NewAdapter(hub.Transport(), func(events.Event) events.Delivery { return events.Delivery{} }, testAdapterConfig(), testLogger())

	hub.Outage()
	err := ad.publish(t.Context(), events.New(events.DashboardRoom, events.SystemAlert{Message: "x"}))
	assert.ErrorIs(t, err, ErrBusUnavailable)
	assert.Equal(t, 0, hub.Published(testTopic))
}

func TestAdapter_DiscardsUndecodableEnvelopes(t *testing.T) {
	hub := NewMemoryHub()
	var relayed int
	var mu sync.Mutex
	ad := NewAdapter(hub.Transport(), func(events.Event) events.Delivery {
		mu.Lock()
		relayed++
		mu.Unlock()
		return events.Delivery{}
	}, testAdapterConfig(), testLogger())

	ad.handle([]byte("garbage"))

	good, err := EncodeEnvelope(events.Event{
		ID: "01J", Room: "dashboard", Origin: "inst-x", Timestamp: time.Now(),
		Payload: events.SystemAlert{Message: "ok", Severity: "info"},
	})
	require.NoError(t, err)
	ad.handle(good)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, relayed)
}
