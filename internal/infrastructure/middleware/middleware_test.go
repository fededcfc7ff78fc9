package middleware

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"callcore/internal/core/domain"
	"callcore/internal/core/services"
	apperrors "callcore/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	auth := services.NewAuthService("secret", time.Hour, "callcore")

	router := gin.New()
	router.Use(AuthMiddleware(auth))
	router.GET("/me", func(c *gin.Context) {
		peer, ok := PeerID(c)
		require.True(t, ok)
		c.String(http.StatusOK, string(peer))
	})

	do := func(header string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		router.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusUnauthorized, do("").Code)
	assert.Equal(t, http.StatusUnauthorized, do("Basic abc").Code)

	signaling, err := auth.GenerateToken("alice", services.ScopeSignaling)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, do("Bearer "+signaling).Code)

	control, err := auth.GenerateToken("alice", services.ScopeControl)
	require.NoError(t, err)
	w := do("Bearer " + control)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", w.Body.String())
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.ErrSessionActive, http.StatusConflict},
		{fmt.Errorf("accept: %w", domain.ErrNoSession), http.StatusNotFound},
		{domain.ErrInvalidTransition, http.StatusConflict},
		{apperrors.NewMediaError(domain.ErrPermissionDenied), http.StatusUnprocessableEntity},
		{domain.ErrDeviceNotFound, http.StatusUnprocessableEntity},
		{apperrors.NewSignalingError(errors.New("eof"), "send failed"), http.StatusBadGateway},
		{apperrors.NewInvalidInputError("bad"), http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, HTTPStatus(tc.err), tc.err.Error())
	}
}

func TestErrorHandlerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RecoveryMiddleware(zap.NewNop().Sugar()), ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	router.GET("/busy", func(c *gin.Context) {
		_ = c.Error(domain.ErrSessionActive)
	})
	router.GET("/opaque", func(c *gin.Context) {
		_ = c.Error(errors.New("boom"))
	})
	router.GET("/panic", func(c *gin.Context) {
		panic("kaboom")
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/busy", nil))
	assert.Equal(t, http.StatusConflict, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, string(apperrors.ErrCodeSessionActive), body["error"])
	assert.Equal(t, string(apperrors.CategorySession), body["category"])

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/opaque", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), string(apperrors.ErrCodeInternal))

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
