// Package logging builds the shared zap logger and threads trace identifiers
// through explicit context values.
package logging

import (
	"context"

	"go.uber.org/zap"
)

// New constructs the process-wide logger. Development mode enables console
// encoding and debug level.
func New(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

type traceIDKey struct{}

// WithTraceID returns a context carrying the given trace identifier.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// TraceID extracts the trace identifier, or "" when none is set.
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey{}).(string)
	return id
}

// WithTrace annotates the logger with the context's trace identifier so every
// operation in a call chain logs under the same ID.
func WithTrace(ctx context.Context, logger *zap.Logger) *zap.Logger {
	if id := TraceID(ctx); id != "" {
		return logger.With(zap.String("trace_id", id))
	}
	return logger
}
