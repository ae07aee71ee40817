package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for structured logging.
const (
	// Identity
	FieldAutomationID = "automation_id"
	FieldExecutionID  = "execution_id"
	FieldRequestID    = "request_id"
	FieldUserID       = "user_id"

	// Components
	FieldComponent = "component"
	FieldPlugin    = "plugin"
	FieldType      = "automation_type"

	// Execution
	FieldTrigger  = "triggered_by"
	FieldPriority = "priority"
	FieldStatus   = "status"
	FieldState    = "state"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldNextFire   = "next_fire"

	// Errors
	FieldError     = "error"
	FieldErrorKind = "error_kind"

	// Counts
	FieldCount = "count"

	// Files and network
	FieldFile    = "file"
	FieldPath    = "path"
	FieldAddress = "address"
)

// Context keys for propagating logging context
type contextKey string

const (
	automationIDKey contextKey = "logger_automation_id"
	executionIDKey  contextKey = "logger_execution_id"
	requestIDKey    contextKey = "logger_request_id"
)

// WithAutomationID adds an automation ID to the context for logging
func WithAutomationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, automationIDKey, id)
}

// WithExecutionID adds an execution ID to the context for logging
func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionIDKey, id)
}

// WithRequestID adds a request ID to the context for logging
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// FieldsFromContext extracts logging fields from context as key-value pairs
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if id, ok := ctx.Value(automationIDKey).(string); ok && id != "" {
		fields = append(fields, FieldAutomationID, id)
	}
	if id, ok := ctx.Value(executionIDKey).(string); ok && id != "" {
		fields = append(fields, FieldExecutionID, id)
	}
	if id, ok := ctx.Value(requestIDKey).(string); ok && id != "" {
		fields = append(fields, FieldRequestID, id)
	}

	return fields
}

// FromContext returns base (or the global logger when nil) enriched with
// the fields carried by ctx.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	if base == nil {
		base = Logger
	}
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
// Example:
//
//	engine := execution.NewEngine(..., logger.ComponentLogger("pulse.engine"))
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

// OrNop returns l, or a no-op logger when l is nil
func OrNop(l *zap.SugaredLogger) *zap.SugaredLogger {
	if l == nil {
		return zap.NewNop().Sugar()
	}
	return l
}
