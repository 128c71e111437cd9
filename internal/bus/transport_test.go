// ABOUTME: Tests for the memory and Redis transports
// ABOUTME: Redis runs against miniredis

package bus

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func receive(t *testing.T, sub Subscription) []byte {
	t.Helper()
	select {
	case msg, ok := <-sub.Messages():
		require.True(t, ok, "subscription ended")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for bus message")
		return nil
	}
}

func TestMemoryTransport_FanOut(t *testing.T) {
	hub := NewMemoryHub()
	a, b := hub.Transport(), hub.Transport()
	defer a.Close()
	defer b.Close()

	subA, err := a.Subscribe(t.Context(), "topic")
	require.NoError(t, err)
	subB, err := b.Subscribe(t.Context(), "topic")
	require.NoError(t, err)

	require.NoError(t, a.Publish(t.Context(), "topic", []byte("hello")))

	assert.Equal(t, []byte("hello"), receive(t, subA))
	assert.Equal(t, []byte("hello"), receive(t, subB))
	assert.Equal(t, 1, hub.Published("topic"))
	assert.Equal(t, 0, hub.Published("other"))
}

func TestMemoryTransport_CloseEndsSubscriptions(t *testing.T) {
	hub := NewMemoryHub()
	tr := hub.Transport()

	sub, err := tr.Subscribe(t.Context(), "topic")
	require.NoError(t, err)
	require.Equal(t, 1, hub.Subscribers("topic"))

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	_, ok := <-sub.Messages()
	assert.False(t, ok)
	assert.Equal(t, 0, hub.Subscribers("topic"))
	assert.ErrorIs(t, tr.Publish(t.Context(), "topic", nil), ErrClosed)

	_, err = tr.Subscribe(t.Context(), "topic")
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, sub.Close())
}

func TestMemoryHub_Outage(t *testing.T) {
	hub := NewMemoryHub()
	tr := hub.Transport()
	defer tr.Close()

	sub, err := tr.Subscribe(t.Context(), "topic")
	require.NoError(t, err)

	hub.Outage()
	_, ok := <-sub.Messages()
	assert.False(t, ok)

	assert.ErrorIs(t, tr.Publish(t.Context(), "topic", []byte("x")), ErrBusUnavailable)
	_, err = tr.Subscribe(t.Context(), "topic")
	assert.ErrorIs(t, err, ErrBusUnavailable)

	hub.Restore()
	_, err = tr.Subscribe(t.Context(), "topic")
	assert.NoError(t, err)
}

func TestRedisTransport_PublishSubscribe(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	tr := NewRedisTransportFromClient(rdb, testLogger())
	defer tr.Close()

	sub, err := tr.Subscribe(t.Context(), "mission-gateway:events")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, tr.Publish(t.Context(), "mission-gateway:events", []byte{0xa1, 0x01, 0x02}))
	assert.Equal(t, []byte{0xa1, 0x01, 0x02}, receive(t, sub))
}

func TestRedisTransport_SubscriptionCloseEndsStream(t *testing.T) {
	mr := miniredis.RunT(t)
	tr := NewRedisTransportFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), testLogger())
	defer tr.Close()

	sub, err := tr.Subscribe(t.Context(), "topic")
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	select {
	case _, ok := <-sub.Messages():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("messages channel not closed")
	}
}

func TestRedisTransport_SubscribeFailsWhenDown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	tr := NewRedisTransportFromClient(redis.NewClient(&redis.Options{Addr: addr, MaxRetries: -1}), testLogger())
	defer tr.Close()

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	_, err = tr.Subscribe(ctx, "topic")
	assert.Error(t, err)
}

func TestDial(t *testing.T) {
	tr, err := Dial(t.Context(), DriverMemory, "", testLogger())
	require.NoError(t, err)
	assert.IsType(t, &MemoryTransport{}, tr)
	require.NoError(t, tr.Close())

	mr := miniredis.RunT(t)
	tr, err = Dial(t.Context(), DriverRedis, "redis://"+mr.Addr(), testLogger())
	require.NoError(t, err)
	assert.IsType(t, &RedisTransport{}, tr)
	require.NoError(t, tr.Close())

	_, err = Dial(t.Context(), DriverRedis, "::bad", testLogger())
	assert.Error(t, err)

	_, err = Dial(t.Context(), "kafka", "", testLogger())
	assert.Error(t, err)
}

func TestNATSTransport_RetriesUnreachableServer(t *testing.T) {
	tr, err := Dial(t.Context(), DriverNATS, "nats://127.0.0.1:1", testLogger())
	require.NoError(t, err, "first connect is retried in the background")
	assert.IsType(t, &NATSTransport{}, tr)

	sub, err := tr.Subscribe(t.Context(), "topic")
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	select {
	case _, ok := <-sub.Messages():
		assert.False(t, ok, "stream should end when the connection closes")
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not end after Close")
	}
}
