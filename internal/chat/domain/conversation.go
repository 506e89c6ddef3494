// Package domain holds chat entities: conversations, messages, and the
// delivery event envelope fanned out to live connections.
package domain

import "time"

// ConversationKind distinguishes direct pairs from groups.
type ConversationKind string

const (
	ConversationDirect ConversationKind = "direct"
	ConversationGroup  ConversationKind = "group"
)

// Conversation is a direct pair or group. The delivery plane only needs the
// resolved member-id set at routing time; everything else lives in the CRUD
// backend.
type Conversation struct {
	ID        string
	Kind      ConversationKind
	Name      string
	CreatedAt time.Time
}

// Message is a persisted chat message. Seq is assigned by the store inside
// the persist transaction and is the sole ordering key within a conversation.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	Seq            int64
	CreatedAt      time.Time
}
