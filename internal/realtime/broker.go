// Package realtime carries transaction events to connected clients: the
// per-transaction broker topics, the websocket gateway and presence.
package realtime

import (
	"context"
	"errors"
	"sync"

	"github.com/spec-kit/dealroom-service/internal/events"
)

// ErrBrokerClosed is returned once a broker has been shut down.
var ErrBrokerClosed = errors.New("broker closed")

// Broker moves events between instances on one topic per transaction.
type Broker interface {
	Publish(ctx context.Context, event events.Event) error
	Subscribe(ctx context.Context, transactionID string) (Subscription, error)
	Close() error
}

// Subscription delivers the events of one transaction topic. The channel is
// closed when the subscription ends.
type Subscription interface {
	Events() <-chan events.Event
	Close() error
}

const subscriptionBuffer = 256

// MemoryBroker is a single-process broker used in development and tests.
type MemoryBroker struct {
	mu     sync.RWMutex
	topics map[string]map[*memorySubscription]struct{}
	closed bool
}

// NewMemoryBroker creates an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{topics: make(map[string]map[*memorySubscription]struct{})}
}

// Publish delivers event to every current subscriber of its transaction,
// blocking on a full subscriber until ctx is done.
func (b *MemoryBroker) Publish(ctx context.Context, event events.Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBrokerClosed
	}
	subs := make([]*memorySubscription, 0, len(b.topics[event.TransactionID]))
	for sub := range b.topics[event.TransactionID] {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		if err := sub.deliver(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers a subscription on transactionID.
func (b *MemoryBroker) Subscribe(_ context.Context, transactionID string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}
	sub := &memorySubscription{
		broker: b,
		topic:  transactionID,
		ch:     make(chan events.Event, subscriptionBuffer),
		done:   make(chan struct{}),
	}
	if b.topics[transactionID] == nil {
		b.topics[transactionID] = make(map[*memorySubscription]struct{})
	}
	b.topics[transactionID][sub] = struct{}{}
	return sub, nil
}

// Close ends every subscription.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var subs []*memorySubscription
	for _, topic := range b.topics {
		for sub := range topic {
			subs = append(subs, sub)
		}
	}
	b.topics = map[string]map[*memorySubscription]struct{}{}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.shutdown()
	}
	return nil
}

func (b *MemoryBroker) remove(sub *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if topic, ok := b.topics[sub.topic]; ok {
		delete(topic, sub)
		if len(topic) == 0 {
			delete(b.topics, sub.topic)
		}
	}
}

type memorySubscription struct {
	broker *MemoryBroker
	topic  string
	ch     chan events.Event
	done   chan struct{}
	once   sync.Once

	mu     sync.RWMutex
	closed bool
}

func (s *memorySubscription) deliver(ctx context.Context, event events.Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil
	}
	select {
	case s.ch <- event:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *memorySubscription) Events() <-chan events.Event {
	return s.ch
}

func (s *memorySubscription) Close() error {
	s.broker.remove(s)
	s.shutdown()
	return nil
}

// shutdown releases blocked publishers before closing the channel.
func (s *memorySubscription) shutdown() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}

func (b *MemoryBroker) subscribers(transactionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[transactionID])
}
