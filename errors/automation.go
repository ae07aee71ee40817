package errors

import (
	"strings"
	"time"
)

// Automation error taxonomy. Match with errors.Is; every constructor below
// wraps one of these so callers never compare strings.
var (
	// ErrConfigValidation indicates parameters failed the plugin schema
	ErrConfigValidation = New("config validation failed")

	// ErrAlreadyRunning indicates a non-terminal execution already exists
	ErrAlreadyRunning = New("automation already running")

	// ErrUnsupportedOperation indicates the plugin or state cannot honor the request
	ErrUnsupportedOperation = New("unsupported operation")

	// ErrPluginExecution indicates the plugin reported failure or panicked
	ErrPluginExecution = New("plugin execution failed")

	// ErrPluginTimeout indicates the plugin exceeded its deadline
	ErrPluginTimeout = New("plugin execution timed out")

	// ErrNotFound indicates an unknown automation, plugin or execution id
	ErrNotFound = New("not found")

	// ErrInUse indicates removal was attempted while an execution is live
	ErrInUse = New("resource in use")

	// ErrDuplicateType indicates a plugin is already bound to the automation type
	ErrDuplicateType = New("automation type already registered")

	// ErrMissingSecret indicates a required secret could not be resolved
	ErrMissingSecret = New("required secret missing")
)

// ValidationError carries the ordered, field-scoped messages produced by
// schema validation. It matches ErrConfigValidation.
type ValidationError struct {
	Errors []string
}

// NewValidationError returns a *ValidationError holding a copy of msgs
func NewValidationError(msgs []string) *ValidationError {
	out := make([]string, len(msgs))
	copy(out, msgs)
	return &ValidationError{Errors: out}
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return ErrConfigValidation.Error()
	}
	return ErrConfigValidation.Error() + ":\n  - " + strings.Join(e.Errors, "\n  - ")
}

// Is reports whether target is ErrConfigValidation
func (e *ValidationError) Is(target error) bool {
	return target == ErrConfigValidation
}

// NewNotFoundError creates a not-found error for the given resource kind and id
func NewNotFoundError(kind, id string) error {
	return Wrapf(ErrNotFound, "%s %q", kind, id)
}

// NewAlreadyRunningError rejects an invocation that would violate single-flight
func NewAlreadyRunningError(automationID, executionID string) error {
	err := Wrapf(ErrAlreadyRunning, "automation %q has live execution %q", automationID, executionID)
	return WithHint(err, "wait for the running execution to finish or stop it")
}

// NewInUseError rejects removal of something a live execution depends on
func NewInUseError(kind, id string) error {
	err := Wrapf(ErrInUse, "%s %q has a non-terminal execution", kind, id)
	return WithHint(err, "stop the execution before removing it")
}

// NewDuplicateTypeError rejects a second plugin for the same automation type
func NewDuplicateTypeError(automationType string) error {
	err := Wrapf(ErrDuplicateType, "type %q", automationType)
	return WithHint(err, "unregister the existing plugin or register with replace")
}

// NewUnsupportedOperationError rejects an operation the plugin or state does not allow
func NewUnsupportedOperationError(op, reason string) error {
	return Wrapf(ErrUnsupportedOperation, "%s: %s", op, reason)
}

// NewPluginExecutionError wraps a plugin-reported failure
func NewPluginExecutionError(msg string) error {
	return Wrap(ErrPluginExecution, msg)
}

// NewPluginTimeoutError reports a plugin that exceeded its deadline
func NewPluginTimeoutError(timeout time.Duration) error {
	return Wrapf(ErrPluginTimeout, "deadline of %s exceeded", timeout)
}

// NewMissingSecretError reports a required secret with no value
func NewMissingSecretError(name string) error {
	err := Wrapf(ErrMissingSecret, "secret %q", name)
	return WithHint(err, "set the secret in the environment or the secrets file")
}

// IsNotFoundError checks if an error is or wraps ErrNotFound
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// Kind returns a stable code for the taxonomy member err belongs to.
// Unknown errors map to "internal".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case Is(err, ErrConfigValidation):
		return "config_validation"
	case Is(err, ErrAlreadyRunning):
		return "already_running"
	case Is(err, ErrUnsupportedOperation):
		return "unsupported_operation"
	case Is(err, ErrPluginTimeout):
		return "plugin_timeout"
	case Is(err, ErrPluginExecution):
		return "plugin_execution"
	case Is(err, ErrNotFound):
		return "not_found"
	case Is(err, ErrInUse):
		return "in_use"
	case Is(err, ErrDuplicateType):
		return "duplicate_type"
	case Is(err, ErrMissingSecret):
		return "missing_secret"
	case Is(err, ErrInvalidRequest):
		return "invalid_request"
	default:
		return "internal"
	}
}

// Sentinel returns the taxonomy error for a kind reported by Kind, or nil for
// internal and unknown kinds
func Sentinel(kind string) error {
	switch kind {
	case "config_validation":
		return ErrConfigValidation
	case "already_running":
		return ErrAlreadyRunning
	case "unsupported_operation":
		return ErrUnsupportedOperation
	case "plugin_timeout":
		return ErrPluginTimeout
	case "plugin_execution":
		return ErrPluginExecution
	case "not_found":
		return ErrNotFound
	case "in_use":
		return ErrInUse
	case "duplicate_type":
		return ErrDuplicateType
	case "missing_secret":
		return ErrMissingSecret
	case "invalid_request":
		return ErrInvalidRequest
	case "unavailable":
		return ErrServiceUnavailable
	default:
		return nil
	}
}

// ValidationMessages returns the field messages of a validation error, or nil
func ValidationMessages(err error) []string {
	var ve *ValidationError
	if As(err, &ve) {
		return ve.Errors
	}
	return nil
}
