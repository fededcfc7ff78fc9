package middleware

import (
	"net/http"
	"strings"

	"callcore/internal/core/domain"
	"callcore/internal/core/services"

	"github.com/gin-gonic/gin"
)

// PeerIDKey is the gin context key holding the authenticated peer.
const PeerIDKey = "peer_id"

// AuthMiddleware requires a bearer token issued for the control API.
func AuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		scheme, token, found := strings.Cut(c.GetHeader("Authorization"), " ")
		if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "bearer token required"})
			return
		}

		claims, err := authService.ValidateToken(token, services.ScopeControl)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		c.Set(PeerIDKey, claims.PeerID)
		c.Next()
	}
}

// PeerID returns the peer set by AuthMiddleware.
func PeerID(c *gin.Context) (domain.PeerID, bool) {
	v, ok := c.Get(PeerIDKey)
	if !ok {
		return "", false
	}
	id, ok := v.(domain.PeerID)
	return id, ok
}
