package domain

import (
	"encoding/json"
	"time"
)

// DeliveryEvent is the unit of real-time fan-out: an envelope around a
// durably persisted message, immutable once published. EventID is the dedup
// key for the self-delivery echo; Seq orders events within one conversation.
type DeliveryEvent struct {
	EventID        string    `json:"event_id"`
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Seq            int64     `json:"seq"`
	Content        string    `json:"content"`
	Recipients     []string  `json:"recipients"`
	CreatedAt      time.Time `json:"created_at"`
}

// Encode serializes the event for the broker channel.
func (e *DeliveryEvent) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeDeliveryEvent parses an event received from the broker channel.
func DecodeDeliveryEvent(b []byte) (*DeliveryEvent, error) {
	var e DeliveryEvent
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
