package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"chat-delivery-plane/backend/internal/auth/domain"
)

const bearerPrefix = "bearer "

const principalKey = "principal"

// requireAuth validates the Bearer access token, including revocation state,
// and stores the resolved principal on the request context.
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearer(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid authorization"})
			return
		}
		principal, err := s.tokens.ValidateAccess(c.Request.Context(), token)
		if err != nil {
			respondError(c, err)
			c.Abort()
			return
		}
		c.Set(principalKey, principal)
		c.Next()
	}
}

// currentPrincipal returns the principal set by requireAuth. Only valid on
// routes behind the middleware.
func currentPrincipal(c *gin.Context) *domain.Principal {
	return c.MustGet(principalKey).(*domain.Principal)
}

// extractBearer returns the Bearer token from an Authorization header value,
// or "" if missing or malformed.
func extractBearer(header string) string {
	v := strings.TrimSpace(header)
	if len(v) < len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}
