package plugin

import "context"

// ExecutionContext is handed to a plugin for one execution
type ExecutionContext interface {
	ExecutionID() string
	AutomationID() string
	UserID() string

	// Environment is the deployment tag (development, staging, production)
	Environment() string

	// Secret returns a resolved secret by name
	Secret(name string) (string, bool)

	// Secrets returns a copy of all resolved secrets
	Secrets() map[string]string

	Logger() Logger
	Storage() Storage
}

// Logger is the structured logger exposed to plugins.
// Entries also land in the execution's ordered log lines.
type Logger interface {
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
	Debug(msg string, keysAndValues ...any)
}

// Storage is key-value storage scoped to the automation, surviving across executions
type Storage interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}
