package logger

import (
	"context"

	"callcore/internal/core/domain"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey string

const (
	callIDKey    contextKey = "call_id"
	peerIDKey    contextKey = "peer_id"
	requestIDKey contextKey = "request_id"
)

// WithCallID returns a context whose log lines carry the call id.
func WithCallID(ctx context.Context, id domain.CallID) context.Context {
	return context.WithValue(ctx, callIDKey, id)
}

func WithPeerID(ctx context.Context, id domain.PeerID) context.Context {
	return context.WithValue(ctx, peerIDKey, id)
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func PeerIDFrom(ctx context.Context) (domain.PeerID, bool) {
	id, ok := ctx.Value(peerIDKey).(domain.PeerID)
	return id, ok && id != ""
}

// ContextLogger provides context-aware logging
type ContextLogger struct {
	logger *zap.Logger
}

// NewContextLogger creates a new context logger
func NewContextLogger(logger *zap.Logger) *ContextLogger {
	return &ContextLogger{
		logger: logger,
	}
}

// WithContext adds the trace, call, peer and request ids found in ctx.
func (cl *ContextLogger) WithContext(ctx context.Context) *zap.Logger {
	fields := []zapcore.Field{}

	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		fields = append(fields, zap.String("trace_id", sc.TraceID().String()))
	}
	if id, ok := ctx.Value(callIDKey).(domain.CallID); ok && id != "" {
		fields = append(fields, zap.String("call_id", string(id)))
	}
	if id, ok := PeerIDFrom(ctx); ok {
		fields = append(fields, zap.String("peer_id", string(id)))
	}
	if id, ok := ctx.Value(requestIDKey).(string); ok && id != "" {
		fields = append(fields, zap.String("request_id", id))
	}

	if len(fields) == 0 {
		return cl.logger
	}

	return cl.logger.With(fields...)
}

// Sugared returns the context-enriched logger in its sugared form.
func (cl *ContextLogger) Sugared(ctx context.Context) *zap.SugaredLogger {
	return cl.WithContext(ctx).Sugar()
}

// LogRequest logs an HTTP request with context
func (cl *ContextLogger) LogRequest(ctx context.Context, method, path string, statusCode int, durationMs int64) {
	cl.WithContext(ctx).Info("http_request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status_code", statusCode),
		zap.Int64("duration_ms", durationMs),
	)
}

// LogError logs an error with context
func (cl *ContextLogger) LogError(ctx context.Context, err error, message string, fields ...zapcore.Field) {
	logger := cl.WithContext(ctx).With(zap.Error(err))
	logger.Error(message, fields...)
}
