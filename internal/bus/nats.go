// ABOUTME: NATS core transport for the broadcast bus
// ABOUTME: Reconnects forever; a subscription ends only when the connection is closed for good

package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSTransport publishes and subscribes on NATS subjects.
type NATSTransport struct {
	nc     *nats.Conn
	closed chan struct{}
	logger *slog.Logger
}

// NewNATSTransport connects to url. The first connection is retried in the
// background when the server is not up yet.
func NewNATSTransport(url string, logger *slog.Logger) (*NATSTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	t := &NATSTransport{
		closed: make(chan struct{}),
		logger: logger.With("component", "bus.nats"),
	}

	nc, err := nats.Connect(url,
		nats.Name("mission-gateway"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			t.logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			t.logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			close(t.closed)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	t.nc = nc
	return t, nil
}

// Publish sends payload on subject topic. NATS buffers while reconnecting, so
// a nil error means accepted, not delivered.
func (t *NATSTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.nc.Publish(topic, payload); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

// Subscribe starts receiving messages on subject topic.
func (t *NATSTransport) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	in := make(chan *nats.Msg, subscriptionBuffer)
	ns, err := t.nc.ChanSubscribe(topic, in)
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", topic, err)
	}

	sub := &natsSubscription{
		sub:  ns,
		out:  make(chan []byte, subscriptionBuffer),
		done: make(chan struct{}),
	}
	go sub.forward(in, t.closed)
	return sub, nil
}

// Close drains nothing; pending publishes are flushed by nats.Conn.Close.
func (t *NATSTransport) Close() error {
	t.nc.Close()
	return nil
}

type natsSubscription struct {
	sub  *nats.Subscription
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func (s *natsSubscription) forward(in <-chan *nats.Msg, connClosed <-chan struct{}) {
	defer close(s.out)

	for {
		select {
		case <-s.done:
			return
		case <-connClosed:
			return
		case msg := <-in:
			select {
			case s.out <- msg.Data:
			case <-s.done:
				return
			}
		}
	}
}

func (s *natsSubscription) Messages() <-chan []byte { return s.out }

func (s *natsSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.sub.Unsubscribe()
	})
	return err
}
