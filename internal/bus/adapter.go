// ABOUTME: Bridges the local router to the broadcast bus
// ABOUTME: Outbound copies go through a bounded queue; inbound envelopes are relayed after reconnect-with-backoff subscribe

package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/2389/mission-gateway/internal/events"
	"github.com/2389/mission-gateway/internal/metrics"
)

var errStreamEnded = errors.New("subscription stream ended")

// RelayFunc hands an event received from the bus to the local router.
type RelayFunc func(ev events.Event) events.Delivery

// AdapterConfig controls queueing, timeouts and reconnect pacing.
type AdapterConfig struct {
	Topic          string
	QueueSize      int
	PublishTimeout time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

func (c *AdapterConfig) applyDefaults() {
	if c.Topic == "" {
		c.Topic = "mission-gateway:events"
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 2 * time.Second
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
}

// Adapter publishes locally originated events to the bus and relays events
// from other instances into the local router.
type Adapter struct {
	cfg       AdapterConfig
	transport Transport
	relay     RelayFunc
	logger    *slog.Logger

	queue     chan events.Event
	connected atomic.Bool
}

// NewAdapter creates an adapter. Run must be called to start it.
// Pass nil logger for default.
func NewAdapter(transport Transport, relay RelayFunc, cfg AdapterConfig, logger *slog.Logger) *Adapter {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		cfg:       cfg,
		transport: transport,
		relay:     relay,
		logger:    logger.With("component", "bus", "topic", cfg.Topic),
		queue:     make(chan events.Event, cfg.QueueSize),
	}
}

// Connected reports whether the inbound subscription is established.
func (a *Adapter) Connected() bool {
	return a.connected.Load()
}

func (a *Adapter) setConnected(v bool) {
	a.connected.Store(v)
	metrics.BusConnected.Set(metrics.BoolGauge(v))
}

// PublishRemote queues ev for the bus without blocking. When the queue is
// full the remote copy is dropped; local delivery has already happened.
func (a *Adapter) PublishRemote(ev events.Event) {
	select {
	case a.queue <- ev:
	default:
		metrics.BusPublishErrors.WithLabelValues("queue_full").Inc()
		a.logger.Warn("outbound bus queue full, dropping remote copy",
			"event_id", ev.ID, "room", ev.Room, "kind", ev.Kind())
	}
}

// Run starts the publish and subscribe loops and blocks until ctx is
// cancelled. Queued events not yet published are dropped on return.
func (a *Adapter) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.publishLoop(ctx)
		return nil
	})
	g.Go(func() error {
		a.subscribeLoop(ctx)
		return nil
	})
	return g.Wait()
}

func (a *Adapter) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-a.queue:
			if err := a.publish(ctx, ev); err != nil {
				a.logger.Warn("bus publish failed", "event_id", ev.ID, "room", ev.Room, "error", err)
			}
		}
	}
}

func (a *Adapter) publish(ctx context.Context, ev events.Event) error {
	payload, err := EncodeEnvelope(ev)
	if err != nil {
		metrics.BusPublishErrors.WithLabelValues("encode").Inc()
		return err
	}

	pubCtx, cancel := context.WithTimeout(ctx, a.cfg.PublishTimeout)
	defer cancel()

	if err := a.transport.Publish(pubCtx, a.cfg.Topic, payload); err != nil {
		metrics.BusPublishErrors.WithLabelValues("transport").Inc()
		return fmt.Errorf("%w: %v", ErrBusUnavailable, err)
	}
	metrics.BusPublished.Inc()
	return nil
}

// subscribeLoop keeps one subscription alive, reconnecting with exponential
// backoff. The backoff resets after every successful subscribe.
func (a *Adapter) subscribeLoop(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.cfg.BackoffInitial
	b.MaxInterval = a.cfg.BackoffMax
	b.MaxElapsedTime = 0

	attempt := func() error {
		sub, err := a.transport.Subscribe(ctx, a.cfg.Topic)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("%w: %v", ErrBusUnavailable, err)
		}
		b.Reset()

		a.setConnected(true)
		a.logger.Info("bus subscription established")
		a.consume(ctx, sub)
		a.setConnected(false)
		_ = sub.Close()

		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return errStreamEnded
	}

	notify := func(err error, wait time.Duration) {
		metrics.BusReconnects.Inc()
		a.logger.Warn("bus subscription lost, retrying", "error", err, "retry_in", wait)
	}

	err := backoff.RetryNotify(attempt, backoff.WithContext(b, ctx), notify)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		a.logger.Error("bus subscribe loop stopped", "error", err)
	}
}

func (a *Adapter) consume(ctx context.Context, sub Subscription) {
	msgs := sub.Messages()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-msgs:
			if !ok {
				return
			}
			a.handle(raw)
		}
	}
}

func (a *Adapter) handle(raw []byte) {
	ev, err := DecodeEnvelope(raw)
	if err != nil {
		metrics.BusReceived.WithLabelValues("decode_error").Inc()
		a.logger.Warn("discarding undecodable envelope", "error", err, "bytes", len(raw))
		return
	}
	d := a.relay(ev)
	metrics.BusReceived.WithLabelValues("relayed").Inc()
	a.logger.Debug("relayed bus event",
		"event_id", ev.ID, "origin", ev.Origin, "room", ev.Room, "delivered", d.Delivered)
}

// Close closes the transport.
func (a *Adapter) Close() error {
	return a.transport.Close()
}
