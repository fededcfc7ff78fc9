package http

import (
	"net/http"

	"callcore/internal/core/services"
	"callcore/internal/infrastructure/middleware"
	apperrors "callcore/pkg/errors"

	"github.com/gin-gonic/gin"
)

// AuthHandler renews control API tokens.
type AuthHandler struct {
	authService services.AuthService
}

func NewAuthHandler(authService services.AuthService) *AuthHandler {
	return &AuthHandler{
		authService: authService,
	}
}

func (h *AuthHandler) SetupRoutes(api *gin.RouterGroup) {
	api.POST("/token/refresh", h.RefreshToken)
}

// RefreshToken exchanges a valid control token for a fresh one.
func (h *AuthHandler) RefreshToken(c *gin.Context) {
	peer, ok := middleware.PeerID(c)
	if !ok {
		c.Error(apperrors.NewUnauthorizedError("authentication required"))
		return
	}

	token, err := h.authService.GenerateToken(peer, services.ScopeControl)
	if err != nil {
		c.Error(apperrors.WrapError(err, apperrors.ErrCodeInternal, apperrors.CategoryAuth, "failed to generate token"))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":   token,
		"peer_id": peer,
	})
}
