package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type storyCtxKey struct{}
type ownerCtxKey struct{}
type gateCtxKey struct{}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 5)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if id := StoryIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("story.id", id))
	}
	if owner := OwnerIDFromContext(ctx); owner != "" {
		fields = append(fields, zap.String("owner.id", owner))
	}
	if gate := GateFromContext(ctx); gate != "" {
		fields = append(fields, zap.String("gate", gate))
	}
	return fields
}

// WithStoryID adds the story partition key to context.
func WithStoryID(ctx context.Context, storyID string) context.Context {
	return context.WithValue(ctx, storyCtxKey{}, storyID)
}

// StoryIDFromContext extracts the story id from context.
func StoryIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(storyCtxKey{}).(string); ok {
		return s
	}
	return ""
}

// WithOwnerID adds the lock owner id to context.
func WithOwnerID(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerCtxKey{}, ownerID)
}

// OwnerIDFromContext extracts the lock owner id from context.
func OwnerIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(ownerCtxKey{}).(string); ok {
		return s
	}
	return ""
}

// WithGate adds the gate name to context.
func WithGate(ctx context.Context, gate string) context.Context {
	return context.WithValue(ctx, gateCtxKey{}, gate)
}

// GateFromContext extracts the gate name from context.
func GateFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(gateCtxKey{}).(string); ok {
		return s
	}
	return ""
}
