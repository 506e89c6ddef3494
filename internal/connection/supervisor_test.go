package connection

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	authdomain "chat-delivery-plane/backend/internal/auth/domain"
	chatdomain "chat-delivery-plane/backend/internal/chat/domain"
	"chat-delivery-plane/backend/internal/delivery"
	"chat-delivery-plane/backend/internal/registry"
)

type fakeTransport struct {
	in  chan *Frame
	out chan *Frame

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeTransport(outBuffer int) *fakeTransport {
	return &fakeTransport{
		in:     make(chan *Frame, 16),
		out:    make(chan *Frame, outBuffer),
		closed: make(chan struct{}),
	}
}

func (t *fakeTransport) ReadFrame(ctx context.Context) (*Frame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.closed:
		return nil, errors.New("transport closed")
	case f := <-t.in:
		return f, nil
	}
}

func (t *fakeTransport) WriteFrame(ctx context.Context, f *Frame) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.closed:
		return errors.New("transport closed")
	case t.out <- f:
		return nil
	}
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

type fakeAuth struct {
	mu      sync.Mutex
	revoked bool
}

func (a *fakeAuth) ValidateAccess(_ context.Context, token string) (*authdomain.Principal, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if token != "good-token" {
		return nil, errors.New("bad signature")
	}
	if a.revoked {
		return nil, errors.New("token revoked")
	}
	return &authdomain.Principal{ID: "alice"}, nil
}

func (a *fakeAuth) revoke() {
	a.mu.Lock()
	a.revoked = true
	a.mu.Unlock()
}

type fakeSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (s *fakeSender) Send(_ context.Context, senderID, conversationID, content string) (*chatdomain.DeliveryEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.sent = append(s.sent, conversationID+":"+content)
	return &chatdomain.DeliveryEvent{EventID: "ev", ConversationID: conversationID, SenderID: senderID, Content: content}, nil
}

func waitForConnection(t *testing.T, reg *registry.Registry, principalID string) registry.Connection {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conns := reg.ConnectionsFor(principalID); len(conns) > 0 {
			return conns[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("connection never registered")
	return nil
}

func readFrame(t *testing.T, tr *fakeTransport) *Frame {
	t.Helper()
	select {
	case f := <-tr.out:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame written within deadline")
		return nil
	}
}

func TestFirstFrameMustBeAuth(t *testing.T) {
	reg := registry.New()
	sup := NewSupervisor(&fakeAuth{}, &fakeSender{}, reg, time.Second, time.Second, 8)
	tr := newFakeTransport(16)

	tr.in <- &Frame{Type: "heartbeat"}
	err := sup.Run(context.Background(), tr)
	if !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("want ErrAuthRequired, got %v", err)
	}
	if f := readFrame(t, tr); f.Type != "error" || f.Code != "unauthorized" {
		t.Fatalf("want unauthorized error frame, got %+v", f)
	}
	if conns := reg.ConnectionsFor("alice"); conns != nil {
		t.Fatalf("nothing should be registered, got %d", len(conns))
	}
}

func TestBadTokenRejected(t *testing.T) {
	sup := NewSupervisor(&fakeAuth{}, &fakeSender{}, registry.New(), time.Second, time.Second, 8)
	tr := newFakeTransport(16)

	tr.in <- &Frame{Type: "auth", Token: "forged"}
	err := sup.Run(context.Background(), tr)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized, got %v", err)
	}
}

func TestActiveConnectionReceivesEnqueuedEvents(t *testing.T) {
	reg := registry.New()
	sup := NewSupervisor(&fakeAuth{}, &fakeSender{}, reg, time.Second, time.Second, 8)
	tr := newFakeTransport(16)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx, tr) }()

	tr.in <- &Frame{Type: "auth", Token: "good-token"}
	conn := waitForConnection(t, reg, "alice")

	ev := &chatdomain.DeliveryEvent{EventID: "e1", ConversationID: "c1", SenderID: "bob", Seq: 7, Content: "hi"}
	if !conn.Enqueue(ev) {
		t.Fatal("enqueue on healthy connection reported false")
	}
	f := readFrame(t, tr)
	if f.Type != "message" || f.Event == nil || f.Event.Seq != 7 || f.Event.Content != "hi" {
		t.Fatalf("unexpected frame %+v", f)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("clean shutdown should return nil, got %v", err)
	}
	if conns := reg.ConnectionsFor("alice"); conns != nil {
		t.Fatal("connection still registered after shutdown")
	}
}

func TestHeartbeatAcknowledged(t *testing.T) {
	reg := registry.New()
	sup := NewSupervisor(&fakeAuth{}, &fakeSender{}, reg, time.Second, time.Second, 8)
	tr := newFakeTransport(16)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx, tr)

	tr.in <- &Frame{Type: "auth", Token: "good-token"}
	waitForConnection(t, reg, "alice")

	tr.in <- &Frame{Type: "heartbeat"}
	if f := readFrame(t, tr); f.Type != "heartbeat_ack" {
		t.Fatalf("want heartbeat_ack, got %+v", f)
	}
}

func TestMissedHeartbeatsCloseConnection(t *testing.T) {
	reg := registry.New()
	sup := NewSupervisor(&fakeAuth{}, &fakeSender{}, reg, 20*time.Millisecond, time.Hour, 8)
	tr := newFakeTransport(16)

	done := make(chan error, 1)
	go func() { done <- sup.Run(context.Background(), tr) }()

	tr.in <- &Frame{Type: "auth", Token: "good-token"}
	waitForConnection(t, reg, "alice")

	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "heartbeat") {
			t.Fatalf("want heartbeat timeout, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("silent connection never timed out")
	}
	if conns := reg.ConnectionsFor("alice"); conns != nil {
		t.Fatal("connection still registered after timeout")
	}
}

func TestRevocationClosesActiveConnection(t *testing.T) {
	auth := &fakeAuth{}
	reg := registry.New()
	interval := 25 * time.Millisecond
	sup := NewSupervisor(auth, &fakeSender{}, reg, time.Hour, interval, 8)
	tr := newFakeTransport(16)

	done := make(chan error, 1)
	go func() { done <- sup.Run(context.Background(), tr) }()

	tr.in <- &Frame{Type: "auth", Token: "good-token"}
	conn := waitForConnection(t, reg, "alice")

	auth.revoke()
	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "revalidation") {
			t.Fatalf("want revalidation failure, got %v", err)
		}
	case <-time.After(20 * interval):
		t.Fatal("revoked connection not closed within revalidation window")
	}
	if got := conn.(*Conn).State(); got != StateClosed {
		t.Fatalf("want StateClosed, got %v", got)
	}
	if conns := reg.ConnectionsFor("alice"); conns != nil {
		t.Fatal("revoked connection still registered")
	}
}

func TestSendRoutesThroughSender(t *testing.T) {
	sender := &fakeSender{}
	reg := registry.New()
	sup := NewSupervisor(&fakeAuth{}, sender, reg, time.Second, time.Second, 8)
	tr := newFakeTransport(16)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx, tr)

	tr.in <- &Frame{Type: "auth", Token: "good-token"}
	waitForConnection(t, reg, "alice")

	tr.in <- &Frame{Type: "send", ConversationID: "c1", Content: "hello"}
	tr.in <- &Frame{Type: "heartbeat"}
	if f := readFrame(t, tr); f.Type != "heartbeat_ack" {
		t.Fatalf("want heartbeat_ack after send, got %+v", f)
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 1 || sender.sent[0] != "c1:hello" {
		t.Fatalf("sender saw %v", sender.sent)
	}
}

func TestSendErrorsMapToFrames(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		wantType string
		wantCode string
	}{
		{"not a member", delivery.ErrNotAMember, "error", "not_a_member"},
		{"unknown conversation", delivery.ErrConversationNotFound, "error", "conversation_not_found"},
		{"degraded publish", delivery.ErrPublishDegraded, "degraded", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sender := &fakeSender{err: tc.err}
			reg := registry.New()
			sup := NewSupervisor(&fakeAuth{}, sender, reg, time.Second, time.Second, 8)
			tr := newFakeTransport(16)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go sup.Run(ctx, tr)

			tr.in <- &Frame{Type: "auth", Token: "good-token"}
			waitForConnection(t, reg, "alice")

			tr.in <- &Frame{Type: "send", ConversationID: "c1", Content: "hello"}
			f := readFrame(t, tr)
			if f.Type != tc.wantType || f.Code != tc.wantCode {
				t.Fatalf("want %s/%s, got %+v", tc.wantType, tc.wantCode, f)
			}
		})
	}
}

func TestQueueOverflowForcesClose(t *testing.T) {
	reg := registry.New()
	sup := NewSupervisor(&fakeAuth{}, &fakeSender{}, reg, time.Hour, time.Hour, 1)
	// Unbuffered out channel with no reader: the write pump wedges on the
	// first frame, so further enqueues pile into the queue.
	tr := newFakeTransport(0)

	done := make(chan error, 1)
	go func() { done <- sup.Run(context.Background(), tr) }()

	tr.in <- &Frame{Type: "auth", Token: "good-token"}
	conn := waitForConnection(t, reg, "alice")

	accepted := 0
	for i := 0; i < 4; i++ {
		if conn.Enqueue(&chatdomain.DeliveryEvent{EventID: "e", Seq: int64(i)}) {
			accepted++
		}
	}
	if accepted == 4 {
		t.Fatal("every enqueue accepted; overflow never triggered")
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrQueueOverflow) {
			t.Fatalf("want ErrQueueOverflow, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("overflowing connection never closed")
	}
	if conns := reg.ConnectionsFor("alice"); conns != nil {
		t.Fatal("overflowed connection still registered")
	}
}
