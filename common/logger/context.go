package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields contains structured fields automatically added to all logs within a context.
// The pipeline enriches the context once per delivery so that the guard, the
// coordinator and the handler all log the same message coordinates.
type LogFields struct {
	TaskID    *int64  // Task whose status changed
	MessageID *string // topic/partition@offset of the delivery
	Topic     *string // Kafka topic
	Partition *int32  // Kafka partition
	Offset    *int64  // Kafka offset
	Attempt   *int    // Delivery attempt, starting at 1
	EventType *string // Envelope type tag (e.g., "task.status_changed")
	Component string  // Component name (OTel semantic convention style, e.g., "pipeline.worker.coordinator")
}

// WithLogFields enriches context with structured log fields.
// Multiple calls merge fields, with newer non-nil/non-empty values taking precedence.
// Context timeouts and cancellation are preserved.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	existing := GetLogFields(ctx)
	merged := mergeFields(existing, fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

// GetLogFields retrieves log fields from context.
// Returns empty LogFields if none are set.
func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

// AttemptFromContext returns the delivery attempt recorded in ctx, or 0 when
// the context is not part of a delivery.
func AttemptFromContext(ctx context.Context) int {
	if a := GetLogFields(ctx).Attempt; a != nil {
		return *a
	}
	return 0
}

func mergeFields(existing, next LogFields) LogFields {
	result := existing

	if next.TaskID != nil {
		result.TaskID = next.TaskID
	}
	if next.MessageID != nil {
		result.MessageID = next.MessageID
	}
	if next.Topic != nil {
		result.Topic = next.Topic
	}
	if next.Partition != nil {
		result.Partition = next.Partition
	}
	if next.Offset != nil {
		result.Offset = next.Offset
	}
	if next.Attempt != nil {
		result.Attempt = next.Attempt
	}
	if next.EventType != nil {
		result.EventType = next.EventType
	}
	if next.Component != "" {
		result.Component = next.Component
	}

	return result
}

// Ptr is a helper to create a pointer from a value.
// Useful for setting LogFields inline: logger.WithLogFields(ctx, logger.LogFields{TaskID: logger.Ptr(id)})
func Ptr[T any](v T) *T {
	return &v
}

// Truncate truncates a string to maxLen characters, appending "..." if truncated.
// Used for payload previews of undecodable messages.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
