package middleware

import (
	"errors"
	"net/http"

	"callcore/internal/core/domain"
	apperrors "callcore/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var statusByCode = map[apperrors.ErrorCode]int{
	apperrors.ErrCodeInvalidInput:       http.StatusBadRequest,
	apperrors.ErrCodeNotFound:           http.StatusNotFound,
	apperrors.ErrCodeUnauthorized:       http.StatusUnauthorized,
	apperrors.ErrCodeRateLimit:          http.StatusTooManyRequests,
	apperrors.ErrCodeServiceUnavailable: http.StatusServiceUnavailable,
	apperrors.ErrCodeSessionActive:      http.StatusConflict,
	apperrors.ErrCodeNoSession:          http.StatusNotFound,
	apperrors.ErrCodeInvalidState:       http.StatusConflict,
	apperrors.ErrCodeMedia:              http.StatusUnprocessableEntity,
	apperrors.ErrCodeSignaling:          http.StatusBadGateway,
	apperrors.ErrCodeSignalingAck:       http.StatusBadGateway,
	apperrors.ErrCodeRelay:              http.StatusBadGateway,
	apperrors.ErrCodeNegotiation:        http.StatusBadGateway,
	apperrors.ErrCodeTransport:          http.StatusBadGateway,
}

// asAppError lifts bare domain sentinels into their AppError form.
func asAppError(err error) *apperrors.AppError {
	if appErr := apperrors.GetAppError(err); appErr != nil {
		return appErr
	}
	switch {
	case errors.Is(err, domain.ErrSessionActive):
		return apperrors.NewSessionActiveError()
	case errors.Is(err, domain.ErrNoSession):
		return apperrors.NewNoSessionError()
	case errors.Is(err, domain.ErrInvalidTransition):
		return apperrors.NewInvalidStateError(err.Error())
	case apperrors.MediaReason(err) != "":
		return apperrors.NewMediaError(err)
	}
	return nil
}

// HTTPStatus maps an error onto the control API response status.
func HTTPStatus(err error) int {
	if appErr := asAppError(err); appErr != nil {
		if status, ok := statusByCode[appErr.Code]; ok {
			return status
		}
	}
	return http.StatusInternalServerError
}

// ErrorHandlerMiddleware renders the last error a handler attached with
// c.Error.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err

		appErr := asAppError(err)
		if appErr == nil {
			logger.Errorw("unhandled error",
				"error", err,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)
			c.JSON(http.StatusInternalServerError, errorBody(apperrors.NewInternalError("internal server error")))
			return
		}

		status := HTTPStatus(appErr)
		log := logger.Warnw
		if status >= http.StatusInternalServerError {
			log = logger.Errorw
		}
		log("request failed",
			"code", appErr.Code,
			"category", appErr.Category,
			"status", status,
			"path", c.Request.URL.Path,
			"error", err,
		)

		c.JSON(status, errorBody(appErr))
	}
}

func errorBody(appErr *apperrors.AppError) gin.H {
	body := gin.H{
		"error":    string(appErr.Code),
		"category": string(appErr.Category),
		"message":  appErr.Message,
	}
	if len(appErr.Context) > 0 {
		body["details"] = appErr.Context
	}
	return body
}

// RecoveryMiddleware turns a handler panic into a 500.
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorw("panic recovered",
					"panic", r,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody(apperrors.NewInternalError("internal server error")))
			}
		}()
		c.Next()
	}
}
