package middleware

import (
	"time"

	"callcore/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const RequestIDHeader = "X-Request-ID"

// RequestLoggerMiddleware tags each request with an id and logs it once
// it completes. Handlers may add a call id to the request context.
func RequestLoggerMiddleware(log *logger.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" || len(requestID) > 64 {
			requestID = uuid.NewString()
		}
		c.Header(RequestIDHeader, requestID)
		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), requestID))

		c.Next()

		ctx := c.Request.Context()
		if peer, ok := PeerID(c); ok {
			ctx = logger.WithPeerID(ctx, peer)
		}
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		log.LogRequest(ctx, c.Request.Method, route, c.Writer.Status(), time.Since(start).Milliseconds())
	}
}
