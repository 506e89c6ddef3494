// Package registry maps principals to their live connections on this
// process. It is the single shared-mutable point between the connection
// supervisors and the delivery router.
package registry

import (
	"sync"

	"chat-delivery-plane/backend/internal/chat/domain"
)

// Connection is the handle the registry holds for a live realtime
// connection. The supervisor owns the connection; the registry only refers
// to it for fan-out.
type Connection interface {
	// ID is the connection id, unique per process and never reused.
	ID() string
	// PrincipalID is the authenticated owner of the connection.
	PrincipalID() string
	// Enqueue offers an event to the connection's bounded outbound queue.
	// It never blocks; it reports false when the queue is full or closed.
	Enqueue(ev *domain.DeliveryEvent) bool
}

// Registry is a process-local, concurrency-safe map from principal id to
// that principal's live connections.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]map[string]Connection // principal id -> conn id -> conn
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{conns: make(map[string]map[string]Connection)}
}

// Register records a live connection for its principal.
func (r *Registry) Register(c Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.conns[c.PrincipalID()]
	if !ok {
		set = make(map[string]Connection)
		r.conns[c.PrincipalID()] = set
	}
	set[c.ID()] = c
}

// Unregister removes the connection. No-op if it was never registered or was
// already removed, so teardown paths can call it unconditionally.
func (r *Registry) Unregister(c Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.conns[c.PrincipalID()]
	if !ok {
		return
	}
	delete(set, c.ID())
	if len(set) == 0 {
		delete(r.conns, c.PrincipalID())
	}
}

// ConnectionsFor returns the principal's live connections on this process.
// Empty (never nil error) when the principal has none.
func (r *Registry) ConnectionsFor(principalID string) []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.conns[principalID]
	if len(set) == 0 {
		return nil
	}
	out := make([]Connection, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// All returns every registered connection. Used at shutdown to force every
// connection to close.
func (r *Registry) All() []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Connection
	for _, set := range r.conns {
		for _, c := range set {
			out = append(out, c)
		}
	}
	return out
}
