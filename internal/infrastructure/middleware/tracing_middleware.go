package middleware

import (
	"net/http"

	"callcore/pkg/tracing"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// TracingMiddleware opens a span per control API request.
func TracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx, span := tracing.TraceHTTPRequest(c.Request.Context(), c.Request.Method, route)
		defer span.End()

		span.SetAttributes(attribute.String("http.client_ip", c.ClientIP()))
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if peer, ok := PeerID(c); ok {
			span.SetAttributes(attribute.String("callcore.peer_id", string(peer)))
		}
		if status >= http.StatusInternalServerError || len(c.Errors) > 0 {
			tracing.SetSpanStatus(ctx, codes.Error, c.Errors.String())
			return
		}
		tracing.SetSpanStatus(ctx, codes.Ok, "")
	}
}
