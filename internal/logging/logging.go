// Package logging builds the process zap logger and threads
// request/audit/chunk-scoped loggers through context.Context.
package logging

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey struct{}

// New constructs the process logger. level accepts zap level names
// ("debug", "info", "warn", "error"); jsonOutput selects production JSON
// encoding versus the console encoder.
func New(level string, jsonOutput bool) (*zap.Logger, error) {
	var cfg zap.Config
	if jsonOutput {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		parsed = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(parsed)
	return cfg.Build()
}

// WithLogger returns a context carrying the given logger.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext returns the context's logger, or a no-op logger when none
// was attached. Callers never get nil.
func FromContext(ctx context.Context) *zap.Logger {
	if logger, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok {
		return logger
	}
	return zap.NewNop()
}

// WithRequestID scopes the context's logger to one HTTP request.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return WithLogger(ctx, FromContext(ctx).With(zap.String("request_id", requestID)))
}

// WithAuditID scopes the context's logger to one audit execution.
func WithAuditID(ctx context.Context, auditID string) context.Context {
	return WithLogger(ctx, FromContext(ctx).With(zap.String("audit_id", auditID)))
}

// WithChunkID scopes the context's logger to one chunk being processed.
func WithChunkID(ctx context.Context, chunkID string) context.Context {
	return WithLogger(ctx, FromContext(ctx).With(zap.String("chunk_id", chunkID)))
}
