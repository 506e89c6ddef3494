package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	authdomain "chat-delivery-plane/backend/internal/auth/domain"
	authrepo "chat-delivery-plane/backend/internal/auth/repository"
	"chat-delivery-plane/backend/internal/auth/service"
	chatdomain "chat-delivery-plane/backend/internal/chat/domain"
	chatrepo "chat-delivery-plane/backend/internal/chat/repository"
	"chat-delivery-plane/backend/internal/connection"
	"chat-delivery-plane/backend/internal/registry"
	"chat-delivery-plane/backend/internal/security"
)

type memUsers struct {
	byID map[string]*authdomain.User
}

func (m *memUsers) GetByUsername(_ context.Context, username string) (*authdomain.User, error) {
	for _, u := range m.byID {
		if u.Username == username {
			return u, nil
		}
	}
	return nil, nil
}

func (m *memUsers) GetByID(_ context.Context, id string) (*authdomain.User, error) {
	return m.byID[id], nil
}

type memTokens struct {
	mu      sync.Mutex
	byJTI   map[string]*authdomain.RefreshToken
	revoked map[string]bool
}

func newMemTokens() *memTokens {
	return &memTokens{byJTI: make(map[string]*authdomain.RefreshToken), revoked: make(map[string]bool)}
}

func (m *memTokens) Create(_ context.Context, t *authdomain.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.byJTI[t.JTI] = &cp
	return nil
}

func (m *memTokens) Rotate(_ context.Context, jti, tokenHash string, next *authdomain.RefreshToken) (*authdomain.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byJTI[jti]
	if !ok {
		return nil, authrepo.ErrTokenNotFound
	}
	if rec.Used {
		out := *rec
		return &out, authrepo.ErrTokenAlreadyUsed
	}
	if !security.RefreshTokenHashEqual(rec.TokenHash, tokenHash) {
		return nil, authrepo.ErrTokenMismatch
	}
	if rec.Expired(time.Now().UTC()) {
		return nil, authrepo.ErrTokenExpired
	}
	rec.Used = true
	cp := *next
	m.byJTI[next.JTI] = &cp
	out := *rec
	return &out, nil
}

func (m *memTokens) RevokeChain(_ context.Context, chainID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[chainID] = true
	return nil
}

func (m *memTokens) RevokePrincipal(_ context.Context, principalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[principalID] = true
	return nil
}

func (m *memTokens) IsRevoked(_ context.Context, principalID, chainID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revoked[principalID] || m.revoked[chainID], nil
}

type memGroups struct{}

func (memGroups) GroupsFor(context.Context, string) ([]string, error) { return nil, nil }

type memMessages struct {
	byConvo map[string][]*chatdomain.Message
}

func (m *memMessages) PersistMessage(_ context.Context, conversationID, senderID, content string) (*chatdomain.Message, error) {
	msg := &chatdomain.Message{ID: "m1", ConversationID: conversationID, SenderID: senderID, Content: content, Seq: 1, CreatedAt: time.Now()}
	m.byConvo[conversationID] = append(m.byConvo[conversationID], msg)
	return msg, nil
}

func (m *memMessages) ListMessages(_ context.Context, conversationID string, skip, limit int, search string) ([]*chatdomain.Message, error) {
	msgs := m.byConvo[conversationID]
	var out []*chatdomain.Message
	for _, msg := range msgs {
		if search != "" && !strings.Contains(msg.Content, search) {
			continue
		}
		out = append(out, msg)
	}
	if skip > len(out) {
		skip = len(out)
	}
	out = out[skip:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

type memConvos struct {
	members map[string][]string
}

func (m *memConvos) MembersOf(_ context.Context, conversationID string) ([]string, error) {
	members, ok := m.members[conversationID]
	if !ok {
		return nil, chatrepo.ErrConversationNotFound
	}
	return members, nil
}

func (m *memConvos) GroupsFor(context.Context, string) ([]string, error) { return nil, nil }

func (m *memConvos) Create(context.Context, *chatdomain.Conversation, []string) error { return nil }

type nopSender struct{}

func (nopSender) Send(_ context.Context, senderID, conversationID, content string) (*chatdomain.DeliveryEvent, error) {
	return &chatdomain.DeliveryEvent{EventID: "e", ConversationID: conversationID, SenderID: senderID, Content: content}, nil
}

type failPinger struct{ err error }

func (p failPinger) Ping(context.Context) error { return p.err }

func newTestServer(t *testing.T) (*Server, *memUsers, *memTokens) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hasher := security.NewHasher(4)
	hash, err := hasher.Hash([]byte("s3cret"))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	users := &memUsers{byID: map[string]*authdomain.User{
		"alice": {ID: "alice", Username: "alice", DisplayName: "Alice", PasswordHash: hash},
	}}
	tokens := newMemTokens()
	provider, err := security.NewTestTokenProvider()
	if err != nil {
		t.Fatalf("NewTestTokenProvider: %v", err)
	}
	svc := service.NewTokenService(users, tokens, memGroups{}, provider, hasher)

	messages := &memMessages{byConvo: map[string][]*chatdomain.Message{
		"c1": {
			{ID: "m1", ConversationID: "c1", SenderID: "alice", Content: "hello world", Seq: 1, CreatedAt: time.Now()},
			{ID: "m2", ConversationID: "c1", SenderID: "bob", Content: "goodbye", Seq: 2, CreatedAt: time.Now()},
		},
	}}
	convos := &memConvos{members: map[string][]string{"c1": {"alice", "bob"}, "c2": {"bob"}}}

	reg := registry.New()
	sup := connection.NewSupervisor(svc, nopSender{}, reg, time.Second, time.Second, 8)
	return New(svc, messages, convos, sup, nil), users, tokens
}

func doJSON(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func loginPair(t *testing.T, h http.Handler) tokenPairResponse {
	t.Helper()
	w := doJSON(t, h, http.MethodPost, "/v1/auth/login", "", gin.H{"username": "alice", "password": "s3cret"})
	if w.Code != http.StatusOK {
		t.Fatalf("login: want 200, got %d: %s", w.Code, w.Body.String())
	}
	var pair tokenPairResponse
	if err := json.Unmarshal(w.Body.Bytes(), &pair); err != nil {
		t.Fatalf("decode pair: %v", err)
	}
	return pair
}

func TestLoginIssuesPair(t *testing.T) {
	srv, _, _ := newTestServer(t)
	pair := loginPair(t, srv.Handler())
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("empty tokens in login response")
	}
	if pair.Principal.ID != "alice" {
		t.Fatalf("principal = %q", pair.Principal.ID)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	srv, _, _ := newTestServer(t)
	w := doJSON(t, srv.Handler(), http.MethodPost, "/v1/auth/login", "", gin.H{"username": "alice", "password": "wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("want 401, got %d", w.Code)
	}
}

func TestRefreshRotatesAndReplayIsRejected(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Handler()
	pair := loginPair(t, h)

	w := doJSON(t, h, http.MethodPost, "/v1/auth/refresh", "", gin.H{"refresh_token": pair.RefreshToken})
	if w.Code != http.StatusOK {
		t.Fatalf("rotate: want 200, got %d: %s", w.Code, w.Body.String())
	}

	// Redeeming the same token again is replay: 401 with the replay code.
	w = doJSON(t, h, http.MethodPost, "/v1/auth/refresh", "", gin.H{"refresh_token": pair.RefreshToken})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("replay: want 401, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "replay") {
		t.Fatalf("replay response missing code: %s", w.Body.String())
	}
}

func TestLogoutRevokesChain(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Handler()
	pair := loginPair(t, h)

	w := doJSON(t, h, http.MethodPost, "/v1/auth/logout", "", gin.H{"refresh_token": pair.RefreshToken})
	if w.Code != http.StatusNoContent {
		t.Fatalf("logout: want 204, got %d", w.Code)
	}

	w = doJSON(t, h, http.MethodGet, "/v1/conversations/c1/messages", pair.AccessToken, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("access after logout: want 401, got %d", w.Code)
	}
}

func TestHistoryRequiresMembership(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Handler()
	pair := loginPair(t, h)

	w := doJSON(t, h, http.MethodGet, "/v1/conversations/c1/messages", pair.AccessToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("member history: want 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Messages []struct {
			Content string `json:"content"`
			Seq     int64  `json:"seq"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Messages) != 2 || resp.Messages[0].Seq != 1 {
		t.Fatalf("unexpected history %+v", resp.Messages)
	}

	if w := doJSON(t, h, http.MethodGet, "/v1/conversations/c2/messages", pair.AccessToken, nil); w.Code != http.StatusForbidden {
		t.Fatalf("non-member: want 403, got %d", w.Code)
	}
	if w := doJSON(t, h, http.MethodGet, "/v1/conversations/ghost/messages", pair.AccessToken, nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing conversation: want 404, got %d", w.Code)
	}
	if w := doJSON(t, h, http.MethodGet, "/v1/conversations/c1/messages", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: want 401, got %d", w.Code)
	}
}

func TestHistorySearchAndPaging(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Handler()
	pair := loginPair(t, h)

	w := doJSON(t, h, http.MethodGet, "/v1/conversations/c1/messages?search=hello", pair.AccessToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "hello world") || strings.Contains(w.Body.String(), "goodbye") {
		t.Fatalf("search filter broken: %s", w.Body.String())
	}

	w = doJSON(t, h, http.MethodGet, "/v1/conversations/c1/messages?skip=1&limit=1", pair.AccessToken, nil)
	if !strings.Contains(w.Body.String(), "goodbye") || strings.Contains(w.Body.String(), "hello world") {
		t.Fatalf("paging broken: %s", w.Body.String())
	}
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)
	if w := doJSON(t, srv.Handler(), http.MethodGet, "/healthz", "", nil); w.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", w.Code)
	}

	srv.db = failPinger{err: errors.New("connection refused")}
	if w := doJSON(t, srv.Handler(), http.MethodGet, "/healthz", "", nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("want 503, got %d", w.Code)
	}
}

func TestExtractBearer(t *testing.T) {
	cases := map[string]string{
		"Bearer abc":     "abc",
		"bearer abc":     "abc",
		"  Bearer  abc ": "abc",
		"Basic abc":      "",
		"":               "",
		"Bearer":         "",
	}
	for in, want := range cases {
		if got := extractBearer(in); got != want {
			t.Errorf("extractBearer(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWebSocketHandshakeAndHeartbeat(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	pair := loginPair(t, srv.Handler())

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	if err := ws.WriteJSON(connection.Frame{Type: "auth", Token: pair.AccessToken}); err != nil {
		t.Fatalf("auth frame: %v", err)
	}
	if err := ws.WriteJSON(connection.Frame{Type: "heartbeat"}); err != nil {
		t.Fatalf("heartbeat frame: %v", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f connection.Frame
	if err := ws.ReadJSON(&f); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if f.Type != "heartbeat_ack" {
		t.Fatalf("want heartbeat_ack, got %+v", f)
	}
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	if err := ws.WriteJSON(connection.Frame{Type: "auth", Token: "forged"}); err != nil {
		t.Fatalf("auth frame: %v", err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f connection.Frame
	if err := ws.ReadJSON(&f); err != nil {
		t.Fatalf("read error frame: %v", err)
	}
	if f.Type != "error" || f.Code != "unauthorized" {
		t.Fatalf("want unauthorized error frame, got %+v", f)
	}
}
