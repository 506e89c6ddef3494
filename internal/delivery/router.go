// Package delivery routes chat messages: membership check, durable persist,
// broker publish, and fan-out to locally registered live connections.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"chat-delivery-plane/backend/internal/bridge"
	"chat-delivery-plane/backend/internal/chat/domain"
	"chat-delivery-plane/backend/internal/chat/repository"
	"chat-delivery-plane/backend/internal/registry"
)

// Sentinel errors for the delivery router; the transport layers map them to
// status codes or error frames.
var (
	ErrNotAMember           = errors.New("sender is not a conversation member")
	ErrConversationNotFound = repository.ErrConversationNotFound
	// ErrPersistence wraps storage failures; the send is aborted and nothing
	// was published.
	ErrPersistence = errors.New("message persistence failed")
	// ErrPublishDegraded means the message is durable but broker fan-out
	// failed after retries; recipients on other instances see it only via
	// history until then.
	ErrPublishDegraded = errors.New("delivery degraded: broker publish failed")
)

const dedupWindow = 2 * time.Minute

// Router resolves recipients, persists messages, and pushes delivery events
// to live local connections. It is safe for concurrent use by the transport
// layer and the bridge consumer.
type Router struct {
	messages repository.MessageStore
	convos   repository.ConversationStore
	registry *registry.Registry
	bridge   bridge.Bridge
	dedup    *dedupSet

	tracer    trace.Tracer
	sent      metric.Int64Counter
	delivered metric.Int64Counter
}

// NewRouter returns a Router wired to the given collaborators.
func NewRouter(messages repository.MessageStore, convos repository.ConversationStore, reg *registry.Registry, br bridge.Bridge) *Router {
	meter := otel.Meter("chat-delivery-plane/delivery")
	sent, _ := meter.Int64Counter("chat.messages.sent")
	delivered, _ := meter.Int64Counter("chat.events.delivered")
	r := &Router{
		messages:  messages,
		convos:    convos,
		registry:  reg,
		bridge:    br,
		dedup:     newDedupSet(dedupWindow),
		tracer:    otel.Tracer("chat-delivery-plane/delivery"),
		sent:      sent,
		delivered: delivered,
	}
	br.Subscribe(r.OnEvent)
	return r
}

// Send routes one inbound chat message. Persistence strictly precedes
// publish: no event is ever visible for a message that is not durable. The
// local push happens before the broker round-trip so same-process recipients
// see minimal latency; the bridge echo of the same event id is deduplicated.
// On ErrPublishDegraded the returned event is still valid and the message is
// retrievable via history.
func (r *Router) Send(ctx context.Context, senderID, conversationID, content string) (*domain.DeliveryEvent, error) {
	ctx, span := r.tracer.Start(ctx, "delivery.Send",
		trace.WithAttributes(attribute.String("conversation.id", conversationID)))
	defer span.End()

	members, err := r.convos.MembersOf(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !contains(members, senderID) {
		return nil, ErrNotAMember
	}

	msg, err := r.messages.PersistMessage(ctx, conversationID, senderID, content)
	if err != nil {
		if errors.Is(err, repository.ErrConversationNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	r.sent.Add(ctx, 1)

	ev := &domain.DeliveryEvent{
		EventID:        uuid.New().String(),
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Seq:            msg.Seq,
		Content:        msg.Content,
		Recipients:     members,
		CreatedAt:      msg.CreatedAt,
	}

	r.OnEvent(ctx, ev)

	if err := r.bridge.Publish(ctx, ev); err != nil {
		log.Printf("delivery: publish failed for event %s: %v", ev.EventID, err)
		return ev, ErrPublishDegraded
	}
	return ev, nil
}

// OnEvent pushes the event to every live local connection of each recipient.
// Duplicate event ids (the self-delivery echo) are suppressed; recipients
// with no live connection are skipped. Enqueue never blocks: a full queue is
// the connection's problem, handled by its supervisor, and must not slow
// delivery to other recipients.
func (r *Router) OnEvent(ctx context.Context, ev *domain.DeliveryEvent) {
	if !r.dedup.FirstSeen(ev.EventID) {
		return
	}
	for _, recipient := range ev.Recipients {
		for _, conn := range r.registry.ConnectionsFor(recipient) {
			if conn.Enqueue(ev) {
				r.delivered.Add(ctx, 1)
			} else {
				log.Printf("delivery: dropped event %s for connection %s (queue full or closed)", ev.EventID, conn.ID())
			}
		}
	}
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
