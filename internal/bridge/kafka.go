package bridge

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"chat-delivery-plane/backend/internal/chat/domain"
)

const publishAttempts = 3

// KafkaBridge implements Bridge using segmentio/kafka-go. Every server
// instance consumes with its own group id so each instance sees every event,
// including its own publishes.
type KafkaBridge struct {
	writer  *kafka.Writer
	reader  *kafka.Reader
	handler Handler
}

// NewKafkaBridge creates a bridge on the given topic. brokers must be
// non-empty. groupID may be empty; a unique per-process group is generated so
// instances do not share (and thus split) the event stream. Call Close when
// shutting down.
func NewKafkaBridge(brokers []string, topic, groupID string) *KafkaBridge {
	if groupID == "" {
		groupID = "chat-delivery-" + uuid.New().String()
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: groupID,
		// The per-process group has no committed offsets, and kafka-go then
		// starts at FirstOffset; a fresh instance must not replay the
		// retained topic history to its clients.
		StartOffset:    kafka.LastOffset,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		MaxWait:        250 * time.Millisecond,
		CommitInterval: time.Second,
	})
	return &KafkaBridge{writer: writer, reader: reader}
}

// Publish serializes the event and writes it to the topic, keyed by
// conversation id so one conversation's events stay on one partition.
// Retries a few times before reporting degraded fan-out.
func (b *KafkaBridge) Publish(ctx context.Context, ev *domain.DeliveryEvent) error {
	payload, err := ev.Encode()
	if err != nil {
		return err
	}
	msg := kafka.Message{Key: []byte(ev.ConversationID), Value: payload}

	var lastErr error
	for attempt := 1; attempt <= publishAttempts; attempt++ {
		writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		lastErr = b.writer.WriteMessages(writeCtx, msg)
		cancel()
		if lastErr == nil {
			return nil
		}
		log.Printf("bridge: publish attempt %d/%d failed: %v", attempt, publishAttempts, lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
		}
	}
	return lastErr
}

// Subscribe registers the handler invoked for each consumed event.
func (b *KafkaBridge) Subscribe(h Handler) { b.handler = h }

// Run consumes the topic until ctx is canceled. Undecodable events are logged
// and skipped; the stream must keep moving.
func (b *KafkaBridge) Run(ctx context.Context) error {
	for {
		msg, err := b.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("bridge: kafka read error: %v", err)
			continue
		}
		ev, err := domain.DecodeDeliveryEvent(msg.Value)
		if err != nil {
			log.Printf("bridge: dropping undecodable event: %v", err)
			continue
		}
		if b.handler != nil {
			b.handler(ctx, ev)
		}
	}
}

// Close closes the writer and reader. Safe to call multiple times.
func (b *KafkaBridge) Close() error {
	werr := b.writer.Close()
	rerr := b.reader.Close()
	if werr != nil {
		return werr
	}
	return rerr
}
