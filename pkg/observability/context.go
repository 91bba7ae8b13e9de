package observability

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type contextKey string

const (
	// RequestIDKey is the context key for request ID
	RequestIDKey contextKey = "request-id"

	// CommandIDKey is the context key for the command being handled
	CommandIDKey contextKey = "command-id"

	// ZoneKey is the context key for the agent zone
	ZoneKey contextKey = "zone"

	// AgentKey is the context key for the agent name
	AgentKey contextKey = "agent"
)

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves the request ID from the context
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// WithCommandID adds a command ID to the context
func WithCommandID(ctx context.Context, commandID string) context.Context {
	return context.WithValue(ctx, CommandIDKey, commandID)
}

// GetCommandID retrieves the command ID from the context
func GetCommandID(ctx context.Context) string {
	if id, ok := ctx.Value(CommandIDKey).(string); ok {
		return id
	}
	return ""
}

// WithAgent adds the agent zone and name to the context
func WithAgent(ctx context.Context, zone, name string) context.Context {
	ctx = context.WithValue(ctx, ZoneKey, zone)
	return context.WithValue(ctx, AgentKey, name)
}

// GetAgent retrieves the agent zone and name from the context
func GetAgent(ctx context.Context) (zone, name string) {
	zone, _ = ctx.Value(ZoneKey).(string)
	name, _ = ctx.Value(AgentKey).(string)
	return zone, name
}

// GenerateRequestID generates a new request ID
func GenerateRequestID() string {
	return uuid.New().String()
}

// ContextLogger returns a logger with the correlation fields found in ctx
func ContextLogger(ctx context.Context, logger *zap.Logger) *zap.Logger {
	fields := []zap.Field{}

	if requestID := GetRequestID(ctx); requestID != "" {
		fields = append(fields, zap.String("request_id", requestID))
	}
	if commandID := GetCommandID(ctx); commandID != "" {
		fields = append(fields, zap.String("command_id", commandID))
	}
	zone, name := GetAgent(ctx)
	if zone != "" {
		fields = append(fields, zap.String("zone", zone))
	}
	if name != "" {
		fields = append(fields, zap.String("agent", name))
	}

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().HasTraceID() {
		fields = append(fields, zap.String("trace_id", span.SpanContext().TraceID().String()))
		fields = append(fields, zap.String("span_id", span.SpanContext().SpanID().String()))
	}

	return logger.With(fields...)
}
