package logging

import (
	"context"
)

const (
	TraceIDKey     = "trace_id"
	RequestIDKey   = "request_id"
	RunIDKey       = "run_id"
	EntityIDKey    = "entity_id"
	ServiceNameKey = "service_name"
)

type ctxKey string

func withValue(ctx context.Context, key, value string) context.Context {
	return context.WithValue(ctx, ctxKey(key), value)
}

func getValue(ctx context.Context, key string) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ctxKey(key)).(string); ok {
		return v
	}
	return ""
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return withValue(ctx, TraceIDKey, traceID)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return withValue(ctx, RequestIDKey, requestID)
}

// WithRunID tags every log line emitted under ctx with the sync run it belongs to.
func WithRunID(ctx context.Context, runID string) context.Context {
	return withValue(ctx, RunIDKey, runID)
}

func WithEntityID(ctx context.Context, entityID string) context.Context {
	return withValue(ctx, EntityIDKey, entityID)
}

func WithServiceName(ctx context.Context, serviceName string) context.Context {
	return withValue(ctx, ServiceNameKey, serviceName)
}

func GetTraceID(ctx context.Context) string     { return getValue(ctx, TraceIDKey) }
func GetRequestID(ctx context.Context) string   { return getValue(ctx, RequestIDKey) }
func GetRunID(ctx context.Context) string       { return getValue(ctx, RunIDKey) }
func GetEntityID(ctx context.Context) string    { return getValue(ctx, EntityIDKey) }
func GetServiceName(ctx context.Context) string { return getValue(ctx, ServiceNameKey) }

func GetLogFields(ctx context.Context) []interface{} {
	fields := make([]interface{}, 0, 10)
	for _, key := range []string{TraceIDKey, RequestIDKey, RunIDKey, EntityIDKey, ServiceNameKey} {
		if v := getValue(ctx, key); v != "" {
			fields = append(fields, key, v)
		}
	}
	return fields
}
