package realtime

import (
	"context"

	"github.com/spec-kit/dealroom-service/internal/events"
)

// Bridge forwards every lifecycle event raised in-process to the broker.
// A broker failure is returned to the publisher, which keeps the write and
// reports the channel as unavailable.
func Bridge(dispatcher events.Dispatcher, broker Broker) {
	forward := func(ctx context.Context, event events.Event) error {
		return broker.Publish(ctx, event)
	}
	for _, eventType := range events.LifecycleTypes {
		dispatcher.Subscribe(eventType, forward)
	}
}
