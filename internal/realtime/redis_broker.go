package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/spec-kit/dealroom-service/internal/events"
)

// RedisBroker publishes events on Redis pub/sub so every gateway instance
// sees every transaction's events.
type RedisBroker struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisBroker creates a broker whose channels are named
// "<prefix>:tx:<transactionID>".
func NewRedisBroker(client *redis.Client, prefix string, logger *zap.Logger) *RedisBroker {
	if prefix == "" {
		prefix = "dealroom"
	}
	return &RedisBroker{client: client, prefix: prefix, logger: logger}
}

// Topic returns the Redis channel of a transaction.
func (b *RedisBroker) Topic(transactionID string) string {
	return fmt.Sprintf("%s:tx:%s", b.prefix, transactionID)
}

func (b *RedisBroker) Publish(ctx context.Context, event events.Event) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := b.client.Publish(ctx, b.Topic(event.TransactionID), raw).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	return nil
}

// Subscribe waits for Redis to confirm the subscription before returning,
// so a failure surfaces to the caller's retry loop.
func (b *RedisBroker) Subscribe(ctx context.Context, transactionID string) (Subscription, error) {
	ps := b.client.Subscribe(ctx, b.Topic(transactionID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", transactionID, err)
	}

	sub := &redisSubscription{
		ps:   ps,
		out:  make(chan events.Event, subscriptionBuffer),
		done: make(chan struct{}),
	}
	go sub.pump(b.logger)
	return sub, nil
}

// Close is a no-op; the shared client is owned by persistence.Redis.
func (b *RedisBroker) Close() error {
	return nil
}

type redisSubscription struct {
	ps   *redis.PubSub
	out  chan events.Event
	done chan struct{}
	once sync.Once
}

func (s *redisSubscription) pump(logger *zap.Logger) {
	defer close(s.out)
	ch := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev events.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				logger.Warn("dropping undecodable event", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}
	}
}

func (s *redisSubscription) Events() <-chan events.Event {
	return s.out
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
