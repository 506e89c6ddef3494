package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"chat-delivery-plane/backend/internal/chat/domain"
)

// PgxPool is the minimal pool surface the chat repositories use. Satisfied by
// *pgxpool.Pool and pgxmock.PgxPoolIface.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// PostgresStore implements MessageStore and ConversationStore on PostgreSQL.
type PostgresStore struct{ pool PgxPool }

// NewPostgresStore returns a chat store backed by the given pool.
func NewPostgresStore(pool PgxPool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// PersistMessage inserts the message and assigns its sequence number in one
// transaction. The UPDATE on the conversation row serializes writers within a
// conversation, so sequence numbers are strictly increasing with no gaps from
// concurrent sends.
func (s *PostgresStore) PersistMessage(ctx context.Context, conversationID, senderID, content string) (msg *domain.Message, err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var seq int64
	err = tx.QueryRow(ctx, `UPDATE conversations SET last_seq = last_seq + 1 WHERE id=$1 RETURNING last_seq`, conversationID).Scan(&seq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = ErrConversationNotFound
		}
		return nil, err
	}

	m := &domain.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Seq:            seq,
		CreatedAt:      time.Now().UTC(),
	}
	const ins = `
INSERT INTO messages (id, conversation_id, sender_id, content, seq, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err = tx.Exec(ctx, ins, m.ID, m.ConversationID, m.SenderID, m.Content, m.Seq, m.CreatedAt); err != nil {
		return nil, err
	}
	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// ListMessages returns messages in ascending sequence order with skip/limit
// paging; search filters on message content when non-empty.
func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string, skip, limit int, search string) ([]*domain.Message, error) {
	const q = `
SELECT id, conversation_id, sender_id, content, seq, created_at
FROM messages
WHERE conversation_id=$1 AND ($2 = '' OR content ILIKE '%' || $2 || '%')
ORDER BY seq
OFFSET $3 LIMIT $4`
	rows, err := s.pool.Query(ctx, q, conversationID, search, skip, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Message
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.Seq, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// MembersOf returns the member-id set of the conversation, or
// ErrConversationNotFound when the conversation does not exist.
func (s *PostgresStore) MembersOf(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT principal_id FROM conversation_members WHERE conversation_id=$1`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		members = append(members, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(members) == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM conversations WHERE id=$1)`, conversationID).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, ErrConversationNotFound
		}
	}
	return members, nil
}

// GroupsFor returns ids of group conversations the principal is a member of.
func (s *PostgresStore) GroupsFor(ctx context.Context, principalID string) ([]string, error) {
	const q = `
SELECT cm.conversation_id
FROM conversation_members cm
JOIN conversations c ON c.id = cm.conversation_id
WHERE cm.principal_id=$1 AND c.kind='group'`
	rows, err := s.pool.Query(ctx, q, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		groups = append(groups, id)
	}
	return groups, rows.Err()
}

// Create inserts a conversation and its initial member set. Used by seeding
// and the CRUD backend.
func (s *PostgresStore) Create(ctx context.Context, c *domain.Conversation, memberIDs []string) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	const ins = `
INSERT INTO conversations (id, kind, name, last_seq, created_at)
VALUES ($1, $2, $3, 0, $4)`
	if _, err = tx.Exec(ctx, ins, c.ID, string(c.Kind), c.Name, c.CreatedAt); err != nil {
		return err
	}
	for _, memberID := range memberIDs {
		if _, err = tx.Exec(ctx, `INSERT INTO conversation_members (conversation_id, principal_id) VALUES ($1, $2)`, c.ID, memberID); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}
