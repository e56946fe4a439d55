package tracing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ContextKey represents keys used for context values
type ContextKey string

const (
	CorrelationIDKey ContextKey = "correlation_id"
	ConversationKey  ContextKey = "conversation_id"
	StartTimeKey     ContextKey = "start_time"
)

// NewCorrelationID returns a fresh id linking an optimistic send to its confirmation
func NewCorrelationID() string {
	return uuid.NewString()
}

func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, id)
}

func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(CorrelationIDKey).(string); ok {
		return id
	}
	return ""
}

func WithConversation(ctx context.Context, conversationID string) context.Context {
	return context.WithValue(ctx, ConversationKey, conversationID)
}

func GetConversation(ctx context.Context) string {
	if id, ok := ctx.Value(ConversationKey).(string); ok {
		return id
	}
	return ""
}

func WithStartTime(ctx context.Context, startTime time.Time) context.Context {
	return context.WithValue(ctx, StartTimeKey, startTime)
}

func GetStartTime(ctx context.Context) time.Time {
	if startTime, ok := ctx.Value(StartTimeKey).(time.Time); ok {
		return startTime
	}
	return time.Time{}
}

// Duration calculates the duration since the start time in context
func Duration(ctx context.Context) time.Duration {
	startTime := GetStartTime(ctx)
	if startTime.IsZero() {
		return 0
	}
	return time.Since(startTime)
}
