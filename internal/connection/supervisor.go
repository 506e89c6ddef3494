package connection

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	authdomain "chat-delivery-plane/backend/internal/auth/domain"
	"chat-delivery-plane/backend/internal/auth/service"
	chatdomain "chat-delivery-plane/backend/internal/chat/domain"
	"chat-delivery-plane/backend/internal/delivery"
	"chat-delivery-plane/backend/internal/registry"
)

// authTimeout bounds how long a connection may sit in Connecting before the
// first auth frame arrives.
const authTimeout = 10 * time.Second

// missedHeartbeats is how many heartbeat intervals may elapse without a
// heartbeat frame before the connection is considered dead.
const missedHeartbeats = 2

var (
	ErrAuthRequired = errors.New("first frame must be auth")
	ErrUnauthorized = errors.New("connection unauthorized")
	// ErrQueueOverflow closes a connection whose outbound queue filled up;
	// the router is never blocked on a slow consumer.
	ErrQueueOverflow = errors.New("outbound queue overflow")
)

// Transport is the framed wire under a connection. The websocket layer
// implements it; tests substitute channel-backed fakes.
type Transport interface {
	ReadFrame(ctx context.Context) (*Frame, error)
	WriteFrame(ctx context.Context, f *Frame) error
	Close() error
}

// Authenticator validates access tokens against live revocation state.
type Authenticator interface {
	ValidateAccess(ctx context.Context, token string) (*authdomain.Principal, error)
}

// Sender accepts outbound chat messages from this connection.
type Sender interface {
	Send(ctx context.Context, senderID, conversationID, content string) (*chatdomain.DeliveryEvent, error)
}

// Supervisor drives connections through their lifecycle:
// Connecting -> Authenticated -> Active -> Closing -> Closed.
// One Supervisor instance serves all connections of a process.
type Supervisor struct {
	auth     Authenticator
	sender   Sender
	registry *registry.Registry

	heartbeatInterval    time.Duration
	revalidationInterval time.Duration
	queueCapacity        int
}

func NewSupervisor(auth Authenticator, sender Sender, reg *registry.Registry, heartbeat, revalidation time.Duration, queueCapacity int) *Supervisor {
	if queueCapacity <= 0 {
		queueCapacity = 64
	}
	return &Supervisor{
		auth:                 auth,
		sender:               sender,
		registry:             reg,
		heartbeatInterval:    heartbeat,
		revalidationInterval: revalidation,
		queueCapacity:        queueCapacity,
	}
}

// Run owns one transport for its whole life. It performs the first-frame
// auth handshake, registers the connection, pumps frames both ways, and
// guarantees the connection is unregistered and the transport closed before
// returning. The returned error describes why the connection ended; a nil
// error means a clean cooperative close.
func (s *Supervisor) Run(ctx context.Context, t Transport) error {
	defer t.Close()

	conn, token, err := s.handshake(ctx, t)
	if err != nil {
		_ = t.WriteFrame(ctx, &Frame{Type: "error", Code: "unauthorized"})
		return err
	}

	s.registry.Register(conn)
	conn.setState(StateActive)
	defer func() {
		conn.setState(StateClosing)
		conn.close()
		s.registry.Unregister(conn)
		conn.setState(StateClosed)
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writeErr := make(chan error, 1)
	go s.writePump(ctx, t, conn, writeErr)

	readErr := make(chan error, 1)
	go s.readPump(ctx, t, conn, readErr)

	return s.watch(ctx, conn, token, readErr, writeErr)
}

// handshake reads the first frame and authenticates it. The connection is in
// Connecting until the token validates.
func (s *Supervisor) handshake(ctx context.Context, t Transport) (*Conn, string, error) {
	ctx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()

	f, err := t.ReadFrame(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("auth frame: %w", err)
	}
	if f.Type != "auth" {
		return nil, "", ErrAuthRequired
	}
	principal, err := s.auth.ValidateAccess(ctx, f.Token)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	conn := newConn(uuid.NewString(), principal.ID, s.queueCapacity)
	conn.setState(StateAuthenticated)
	return conn, f.Token, nil
}

// watch enforces liveness and revocation until the connection ends. It is the
// only goroutine that decides to tear the connection down.
func (s *Supervisor) watch(ctx context.Context, conn *Conn, token string, readErr, writeErr <-chan error) error {
	liveness := time.NewTicker(s.heartbeatInterval)
	defer liveness.Stop()
	revalidate := time.NewTicker(s.revalidationInterval)
	defer revalidate.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-conn.overflow:
			log.Printf("connection %s: outbound queue overflow, closing", conn.ID())
			return ErrQueueOverflow
		case err := <-readErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("read: %w", err)
			}
			return nil
		case err := <-writeErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("write: %w", err)
			}
			return nil
		case <-liveness.C:
			if conn.sinceHeartbeat() > time.Duration(missedHeartbeats)*s.heartbeatInterval {
				return errors.New("heartbeat timeout")
			}
		case <-revalidate.C:
			if _, err := s.auth.ValidateAccess(ctx, token); err != nil {
				log.Printf("connection %s: access no longer valid: %v", conn.ID(), err)
				conn.enqueueFrame(&Frame{Type: "error", Code: errorCode(err)})
				return fmt.Errorf("revalidation: %w", err)
			}
		}
	}
}

// readPump consumes inbound frames until the transport or context ends.
func (s *Supervisor) readPump(ctx context.Context, t Transport, conn *Conn, out chan<- error) {
	for {
		f, err := t.ReadFrame(ctx)
		if err != nil {
			out <- err
			return
		}
		switch f.Type {
		case "heartbeat":
			conn.touchHeartbeat()
			conn.enqueueFrame(&Frame{Type: "heartbeat_ack"})
		case "send":
			s.handleSend(ctx, conn, f)
		default:
			conn.enqueueFrame(&Frame{Type: "error", Code: "unknown_frame"})
		}
	}
}

func (s *Supervisor) handleSend(ctx context.Context, conn *Conn, f *Frame) {
	_, err := s.sender.Send(ctx, conn.PrincipalID(), f.ConversationID, f.Content)
	switch {
	case err == nil:
		// The sender's own echo arrives through the outbound queue with its
		// assigned seq; no separate ack frame.
	case errors.Is(err, delivery.ErrPublishDegraded):
		conn.enqueueFrame(&Frame{Type: "degraded", ConversationID: f.ConversationID})
	default:
		conn.enqueueFrame(&Frame{Type: "error", Code: errorCode(err), ConversationID: f.ConversationID})
	}
}

// writePump is the single writer on the transport. It drains the outbound
// queue in order; per-conversation seq order is preserved because nothing
// reorders between enqueue and here.
func (s *Supervisor) writePump(ctx context.Context, t Transport, conn *Conn, out chan<- error) {
	for {
		select {
		case <-ctx.Done():
			out <- ctx.Err()
			return
		case <-conn.Done():
			out <- nil
			return
		case f := <-conn.outbound:
			if err := t.WriteFrame(ctx, f); err != nil {
				out <- err
				return
			}
		}
	}
}

// errorCode maps service sentinels to wire error codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, service.ErrAuthRevoked):
		return "revoked"
	case errors.Is(err, service.ErrAuthExpired):
		return "expired"
	case errors.Is(err, service.ErrAuthInvalid):
		return "unauthorized"
	case errors.Is(err, delivery.ErrNotAMember):
		return "not_a_member"
	case errors.Is(err, delivery.ErrConversationNotFound):
		return "conversation_not_found"
	default:
		return "internal"
	}
}
