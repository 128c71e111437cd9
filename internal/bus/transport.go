// ABOUTME: Transport capability shared by every broadcast bus backend
// ABOUTME: Dial picks the backend named in the bus config

package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrBusUnavailable wraps every transport failure seen by the adapter.
var ErrBusUnavailable = errors.New("broadcast bus unavailable")

// ErrClosed is returned by a transport after Close.
var ErrClosed = errors.New("transport closed")

// Transport is a topic-based publish/subscribe capability. Delivery is at
// most once per subscriber; order between publishers is not guaranteed.
type Transport interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Close() error
}

// Subscription is a live stream of messages on one topic. Messages is closed
// when the stream ends, either through Close or because the backend dropped it.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// Drivers understood by Dial.
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
	DriverNATS   = "nats"
)

// Dial opens the transport for driver. The memory driver returns a private
// hub, which only makes sense for a single instance.
func Dial(ctx context.Context, driver, url string, logger *slog.Logger) (Transport, error) {
	switch driver {
	case DriverMemory, "":
		return NewMemoryHub().Transport(), nil
	case DriverRedis:
		return NewRedisTransport(ctx, url, logger)
	case DriverNATS:
		return NewNATSTransport(url, logger)
	default:
		return nil, fmt.Errorf("unknown bus driver %q", driver)
	}
}
