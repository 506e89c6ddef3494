// Package connection owns the lifecycle of one realtime client connection:
// authentication handshake, liveness, outbound queue, and teardown.
package connection

import (
	"sync"
	"sync/atomic"
	"time"

	"chat-delivery-plane/backend/internal/chat/domain"
)

// State is the connection lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Frame is one message on the realtime transport, both directions.
// Inbound types: "auth" (first frame only), "send", "heartbeat".
// Outbound types: "message", "heartbeat_ack", "error", "degraded".
type Frame struct {
	Type           string                `json:"type"`
	Token          string                `json:"token,omitempty"`
	ConversationID string                `json:"conversation_id,omitempty"`
	Content        string                `json:"content,omitempty"`
	Code           string                `json:"code,omitempty"`
	Event          *domain.DeliveryEvent `json:"event,omitempty"`
}

// Conn is one live connection. It is owned exclusively by the supervisor
// that created it; the registry and router only hold it as a handle for
// Enqueue. The outbound queue is the only cross-goroutine write path.
type Conn struct {
	id          string
	principalID string
	createdAt   time.Time

	state         atomic.Int32
	lastHeartbeat atomic.Int64 // unix nanos

	outbound chan *Frame
	done     chan struct{}
	overflow chan struct{}

	closeOnce    sync.Once
	overflowOnce sync.Once
}

func newConn(id, principalID string, queueCapacity int) *Conn {
	c := &Conn{
		id:          id,
		principalID: principalID,
		createdAt:   time.Now().UTC(),
		outbound:    make(chan *Frame, queueCapacity),
		done:        make(chan struct{}),
		overflow:    make(chan struct{}),
	}
	c.lastHeartbeat.Store(time.Now().UnixNano())
	return c
}

// ID returns the connection id, unique per process and never reused.
func (c *Conn) ID() string { return c.id }

// PrincipalID returns the authenticated owner.
func (c *Conn) PrincipalID() string { return c.principalID }

// State returns the current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

func (c *Conn) setState(s State) { c.state.Store(int32(s)) }

// Enqueue offers a delivery event to the outbound queue without blocking.
// On overflow it signals the supervisor to force this connection to Closing
// and reports false; the publisher is never slowed down.
func (c *Conn) Enqueue(ev *domain.DeliveryEvent) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.outbound <- &Frame{Type: "message", Event: ev}:
		return true
	default:
		c.overflowOnce.Do(func() { close(c.overflow) })
		return false
	}
}

// enqueueFrame offers a non-event frame (acks, errors) with the same
// non-blocking overflow contract.
func (c *Conn) enqueueFrame(f *Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.outbound <- f:
		return true
	default:
		c.overflowOnce.Do(func() { close(c.overflow) })
		return false
	}
}

func (c *Conn) touchHeartbeat() { c.lastHeartbeat.Store(time.Now().UnixNano()) }

func (c *Conn) sinceHeartbeat() time.Duration {
	return time.Since(time.Unix(0, c.lastHeartbeat.Load()))
}

// close marks the connection done. Idempotent; enqueue attempts after close
// report false.
func (c *Conn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Done is closed when the connection is shutting down.
func (c *Conn) Done() <-chan struct{} { return c.done }
