package bridge

import (
	"context"
	"sync"

	"chat-delivery-plane/backend/internal/chat/domain"
)

// MemoryBridge is an in-process Bridge for single-instance deployments and
// tests. Publish delivers synchronously to the handler, preserving the
// self-delivery contract of the real broker.
type MemoryBridge struct {
	mu      sync.RWMutex
	handler Handler
	closed  bool
}

// NewMemoryBridge returns an in-process bridge.
func NewMemoryBridge() *MemoryBridge { return &MemoryBridge{} }

// Publish hands the event straight to the subscribed handler.
func (b *MemoryBridge) Publish(ctx context.Context, ev *domain.DeliveryEvent) error {
	b.mu.RLock()
	h, closed := b.handler, b.closed
	b.mu.RUnlock()
	if closed || h == nil {
		return nil
	}
	// Round-trip through the codec so the handler sees the same value a
	// broker consumer would.
	raw, err := ev.Encode()
	if err != nil {
		return err
	}
	decoded, err := domain.DecodeDeliveryEvent(raw)
	if err != nil {
		return err
	}
	h(ctx, decoded)
	return nil
}

// Subscribe registers the handler.
func (b *MemoryBridge) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
}

// Run blocks until ctx is canceled; delivery happens inline in Publish.
func (b *MemoryBridge) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// Close stops delivery.
func (b *MemoryBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
