package logger

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	userIDKey
	sessionIDKey
)

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// ContextLogger decorates log lines with the ids carried in a context.
type ContextLogger struct {
	logger *zap.Logger
}

func NewContextLogger(logger *zap.Logger) *ContextLogger {
	return &ContextLogger{logger: logger}
}

func (cl *ContextLogger) WithContext(ctx context.Context) *zap.Logger {
	fields := make([]zapcore.Field, 0, 4)
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		fields = append(fields, zap.String("trace_id", sc.TraceID().String()))
	}
	for _, f := range []struct {
		key  ctxKey
		name string
	}{
		{requestIDKey, "request_id"},
		{userIDKey, "user_id"},
		{sessionIDKey, "session_id"},
	} {
		if v, ok := ctx.Value(f.key).(string); ok && v != "" {
			fields = append(fields, zap.String(f.name, v))
		}
	}

	if len(fields) == 0 {
		return cl.logger
	}
	return cl.logger.With(fields...)
}

func (cl *ContextLogger) LogRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration) {
	log := cl.WithContext(ctx)
	fields := []zapcore.Field{
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status_code", statusCode),
		zap.Int64("duration_ms", duration.Milliseconds()),
	}
	switch {
	case statusCode >= 500:
		log.Error("http_request", fields...)
	case statusCode >= 400:
		log.Warn("http_request", fields...)
	default:
		log.Info("http_request", fields...)
	}
}
