// ABOUTME: Redis pub/sub transport for the broadcast bus
// ABOUTME: Uses one PUBLISH per envelope and a SUBSCRIBE per adapter

package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

const subscriptionBuffer = 256

// RedisTransport publishes and subscribes through a Redis server.
type RedisTransport struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewRedisTransport connects to the Redis server at url (redis://...).
// An unreachable server is logged, not fatal: the adapter retries subscribing.
func NewRedisTransport(ctx context.Context, url string, logger *slog.Logger) (*RedisTransport, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &RedisTransport{
		rdb:    redis.NewClient(opts),
		logger: logger.With("component", "bus.redis"),
	}
	if err := t.rdb.Ping(ctx).Err(); err != nil {
		t.logger.Warn("redis not reachable yet", "addr", opts.Addr, "error", err)
	}
	return t, nil
}

// NewRedisTransportFromClient wraps an existing client.
func NewRedisTransportFromClient(rdb *redis.Client, logger *slog.Logger) *RedisTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisTransport{rdb: rdb, logger: logger.With("component", "bus.redis")}
}

// Publish sends payload to every subscriber of topic.
func (t *RedisTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := t.rdb.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe waits for the server to confirm the subscription before returning.
func (t *RedisTransport) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	pubsub := t.rdb.Subscribe(ctx, topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		out:    make(chan []byte, subscriptionBuffer),
		done:   make(chan struct{}),
	}
	go sub.forward()
	return sub, nil
}

// Close closes the underlying client and every subscription made through it.
func (t *RedisTransport) Close() error {
	return t.rdb.Close()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	out    chan []byte
	done   chan struct{}
	once   sync.Once
}

func (s *redisSubscription) forward() {
	defer close(s.out)

	in := s.pubsub.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.out <- []byte(msg.Payload):
			case <-s.done:
				return
			}
		}
	}
}

func (s *redisSubscription) Messages() <-chan []byte { return s.out }

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}
