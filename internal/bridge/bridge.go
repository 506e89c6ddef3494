// Package bridge carries delivery events across backend instances over a
// shared broker channel. Delivery is at-least-once and includes events this
// instance published itself; the router's event-id dedup makes the echo safe.
package bridge

import (
	"context"

	"chat-delivery-plane/backend/internal/chat/domain"
)

// Handler is invoked once per event received from the channel, including
// self-published events.
type Handler func(ctx context.Context, ev *domain.DeliveryEvent)

// Bridge is the broker boundary: publish to the shared channel, and run a
// consume loop that feeds every received event to the registered handler.
type Bridge interface {
	// Publish sends the event to the shared channel, at-least-once. It
	// retries internally; an error means retries were exhausted and fan-out
	// to other instances is degraded (the message itself is already durable).
	Publish(ctx context.Context, ev *domain.DeliveryEvent) error
	// Subscribe registers the handler. Must be called before Run.
	Subscribe(h Handler)
	// Run consumes the channel until ctx is canceled.
	Run(ctx context.Context) error
	Close() error
}
