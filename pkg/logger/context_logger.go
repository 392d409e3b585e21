package logger

import (
	"context"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey string

const (
	roomIDKey    ctxKey = "room_id"
	peerIDKey    ctxKey = "peer_id"
	traceIDKey   ctxKey = "trace_id"
	requestIDKey ctxKey = "request_id"
)

var ctxKeys = [...]ctxKey{roomIDKey, peerIDKey, traceIDKey, requestIDKey}

func WithRoom(ctx context.Context, room string) context.Context {
	return context.WithValue(ctx, roomIDKey, room)
}

// WithPeer stores the local peer id in ctx.
func WithPeer(ctx context.Context, peer string) context.Context {
	return context.WithValue(ctx, peerIDKey, peer)
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// ContextLogger tags entries with the mesh fields carried by a context.
type ContextLogger struct {
	base *zap.Logger
}

func NewContextLogger(base *zap.Logger) *ContextLogger {
	if base == nil {
		base = zap.NewNop()
	}
	return &ContextLogger{base: base}
}

// For returns a logger carrying every mesh field set on ctx.
func (cl *ContextLogger) For(ctx context.Context) *zap.Logger {
	var fields []zapcore.Field
	for _, key := range ctxKeys {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			fields = append(fields, zap.String(string(key), v))
		}
	}
	if len(fields) == 0 {
		return cl.base
	}
	return cl.base.With(fields...)
}

// LogRequest writes one http_request entry. Server errors log at error level.
func (cl *ContextLogger) LogRequest(ctx context.Context, method, path string, status int, took time.Duration) {
	fields := []zapcore.Field{
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status_code", status),
		zap.Int64("duration_ms", took.Milliseconds()),
	}
	l := cl.For(ctx)
	if status >= 500 {
		l.Error("http_request", fields...)
		return
	}
	l.Info("http_request", fields...)
}

func (cl *ContextLogger) LogError(ctx context.Context, err error, message string, fields ...zapcore.Field) {
	fields = append(fields, zap.String("message", message), zap.Error(err))
	cl.For(ctx).Error("error_occurred", fields...)
}

func (cl *ContextLogger) LogInfo(ctx context.Context, message string, fields ...zapcore.Field) {
	cl.For(ctx).Info(message, fields...)
}
