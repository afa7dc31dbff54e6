package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields contains structured fields automatically added to all logs within a context.
// Fields flow through context enrichment, so every log statement inside a dispatch
// lane or submission cascade carries the workflow/item identifiers without every
// call site repeating them.
type LogFields struct {
	WorkflowID *int64  // Workflow (batch) ID
	ItemID     *int64  // Work item ID
	UserID     *int64  // Owning user ID
	VacancyID  *string // External vacancy ID being applied to
	MessageID  *string // Redis stream message ID
	Component  string  // Component name (e.g., "courier.dispatch.lane")
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

func mergeFields(existing, next LogFields) LogFields {
	result := existing

	if next.WorkflowID != nil {
		result.WorkflowID = next.WorkflowID
	}
	if next.ItemID != nil {
		result.ItemID = next.ItemID
	}
	if next.UserID != nil {
		result.UserID = next.UserID
	}
	if next.VacancyID != nil {
		result.VacancyID = next.VacancyID
	}
	if next.MessageID != nil {
		result.MessageID = next.MessageID
	}
	if next.Component != "" {
		result.Component = next.Component
	}

	return result
}

// Ptr is a helper to create a pointer from a value.
// Useful for setting LogFields inline: logger.WithLogFields(ctx, logger.LogFields{ItemID: logger.Ptr(id)})
func Ptr[T any](v T) *T {
	return &v
}

// Truncate truncates a string to maxLen characters, appending "..." if truncated.
// Useful for logging potentially long strings like payloads or error messages.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
