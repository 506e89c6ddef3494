// Package server exposes the HTTP surface: session endpoints, message
// history, the websocket upgrade, and health.
package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"chat-delivery-plane/backend/internal/auth/service"
	"chat-delivery-plane/backend/internal/chat/repository"
	"chat-delivery-plane/backend/internal/connection"
	"chat-delivery-plane/backend/internal/delivery"
)

// Pinger reports storage liveness for the health endpoint. *pgxpool.Pool
// satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires the token service, delivery router, and connection supervisor
// behind a gin engine.
type Server struct {
	engine     *gin.Engine
	tokens     *service.TokenService
	messages   repository.MessageStore
	convos     repository.ConversationStore
	supervisor *connection.Supervisor
	db         Pinger
	upgrader   websocket.Upgrader
}

func New(tokens *service.TokenService, messages repository.MessageStore, convos repository.ConversationStore, supervisor *connection.Supervisor, db Pinger) *Server {
	s := &Server{
		engine:     gin.New(),
		tokens:     tokens,
		messages:   messages,
		convos:     convos,
		supervisor: supervisor,
		db:         db,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from the web origin; auth happens on
			// the first frame, not the upgrade.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.Use(gin.Recovery())

	s.engine.GET("/healthz", s.health)
	s.engine.GET("/v1/ws", s.websocketUpgrade)

	v1 := s.engine.Group("/v1")
	v1.POST("/auth/login", s.login)
	v1.POST("/auth/refresh", s.refresh)
	v1.POST("/auth/logout", s.logout)

	protected := v1.Group("")
	protected.Use(s.requireAuth())
	protected.GET("/conversations/:id/messages", s.listMessages)
}

// Handler is the entry point: the caller mounts it on its own
// http.Server so it controls listener lifecycle and base context.
func (s *Server) Handler() http.Handler { return s.engine }

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

type principalResponse struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name"`
	Groups      []string `json:"groups,omitempty"`
}

type tokenPairResponse struct {
	AccessToken     string            `json:"access_token"`
	RefreshToken    string            `json:"refresh_token"`
	AccessExpiresAt string            `json:"access_expires_at"`
	Principal       principalResponse `json:"principal"`
}

func pairResponse(p *service.TokenPair) tokenPairResponse {
	return tokenPairResponse{
		AccessToken:     p.AccessToken,
		RefreshToken:    p.RefreshToken,
		AccessExpiresAt: p.AccessExpiresAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		Principal: principalResponse{
			ID:          p.Principal.ID,
			DisplayName: p.Principal.DisplayName,
			Groups:      p.Principal.Groups,
		},
	}
}

func (s *Server) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
		return
	}
	pair, err := s.tokens.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pairResponse(pair))
}

func (s *Server) refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "refresh_token is required"})
		return
	}
	pair, err := s.tokens.Rotate(c.Request.Context(), req.RefreshToken)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pairResponse(pair))
}

func (s *Server) logout(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "refresh_token is required"})
		return
	}
	// Logout with an unknown or expired token is a success: the session is
	// gone either way.
	if err := s.tokens.Logout(c.Request.Context(), req.RefreshToken); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

const defaultHistoryLimit = 100

func (s *Server) listMessages(c *gin.Context) {
	principal := currentPrincipal(c)
	conversationID := c.Param("id")

	members, err := s.convos.MembersOf(c.Request.Context(), conversationID)
	if err != nil {
		respondError(c, err)
		return
	}
	if !memberOf(members, principal.ID) {
		respondError(c, delivery.ErrNotAMember)
		return
	}

	skip := intQuery(c, "skip", 0)
	limit := intQuery(c, "limit", defaultHistoryLimit)
	search := c.Query("search")

	msgs, err := s.messages.ListMessages(c.Request.Context(), conversationID, skip, limit, search)
	if err != nil {
		respondError(c, err)
		return
	}

	out := make([]gin.H, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, gin.H{
			"id":              m.ID,
			"conversation_id": m.ConversationID,
			"sender_id":       m.SenderID,
			"content":         m.Content,
			"seq":             m.Seq,
			"created_at":      m.CreatedAt.UTC(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"messages": out})
}

func (s *Server) websocketUpgrade(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		return
	}
	if err := s.supervisor.Run(c.Request.Context(), newWSTransport(ws)); err != nil {
		log.Printf("websocket session ended: %v", err)
	}
}

func (s *Server) health(c *gin.Context) {
	if s.db != nil {
		if err := s.db.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": "database unreachable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func memberOf(members []string, id string) bool {
	for _, m := range members {
		if m == id {
			return true
		}
	}
	return false
}

// respondError maps service sentinels to HTTP statuses. Unknown errors are
// logged and returned as 500 without detail.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
	case errors.Is(err, service.ErrTokenReplay):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "refresh token reuse detected", "code": "replay"})
	case errors.Is(err, service.ErrAuthExpired):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token expired", "code": "expired"})
	case errors.Is(err, service.ErrAuthRevoked):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token revoked", "code": "revoked"})
	case errors.Is(err, service.ErrAuthInvalid):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid authorization"})
	case errors.Is(err, delivery.ErrNotAMember):
		c.JSON(http.StatusForbidden, gin.H{"error": "not a conversation member"})
	case errors.Is(err, repository.ErrConversationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
	default:
		log.Printf("internal error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
