// Package repository persists conversations and messages in PostgreSQL and
// resolves conversation membership for routing.
package repository

import (
	"context"
	"errors"

	"chat-delivery-plane/backend/internal/chat/domain"
)

// ErrConversationNotFound is returned when a conversation id has no row.
var ErrConversationNotFound = errors.New("conversation not found")

// MessageStore persists messages and serves history. PersistMessage assigns
// the per-conversation sequence number inside the insert transaction; the
// returned Seq is the sole ordering key for fan-out.
type MessageStore interface {
	PersistMessage(ctx context.Context, conversationID, senderID, content string) (*domain.Message, error)
	// ListMessages returns messages of a conversation in ascending sequence
	// order, with skip/limit paging and optional content search.
	ListMessages(ctx context.Context, conversationID string, skip, limit int, search string) ([]*domain.Message, error)
}

// ConversationStore resolves conversations and their member sets.
type ConversationStore interface {
	// MembersOf returns the member-id set, or ErrConversationNotFound.
	MembersOf(ctx context.Context, conversationID string) ([]string, error)
	// GroupsFor returns ids of group conversations the principal belongs to.
	GroupsFor(ctx context.Context, principalID string) ([]string, error)
	Create(ctx context.Context, c *domain.Conversation, memberIDs []string) error
}
