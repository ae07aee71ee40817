// Package plugin defines the contract automation plugins implement and the
// registry binding each automation type to exactly one plugin.
package plugin

import (
	"context"
)

// Plugin implements the business logic of one automation type
type Plugin interface {
	// Metadata returns plugin information
	Metadata() Metadata

	// GetConfigSchema returns the ordered configuration fields
	GetConfigSchema() Schema

	// GetDefaultConfig returns parameters populated with field defaults
	GetDefaultConfig() map[string]any

	// ValidateConfig validates parameters without mutating them
	ValidateConfig(config map[string]any) ValidationResult

	// Execute runs the automation. Must return promptly once ctx is done.
	// A non-nil error or a Result with Success=false is a failure.
	Execute(ctx context.Context, config map[string]any, execCtx ExecutionContext) (*Result, error)

	// Stop asks the plugin to release an in-flight execution
	Stop(executionID string) error

	// GetStatus reports the plugin's view of an execution
	GetStatus(executionID string) (Status, error)
}

// PausablePlugin is an optional capability for plugins that can suspend
// an execution between units of work.
type PausablePlugin interface {
	Plugin

	// Pause suspends the execution
	Pause(executionID string) error

	// Resume continues a paused execution
	Resume(executionID string) error
}

// CanPause reports whether p declares the pause capability
func CanPause(p Plugin) bool {
	_, ok := p.(PausablePlugin)
	return ok
}

// LifecyclePlugin is an optional capability for plugins that hold resources
// beyond a single execution.
type LifecyclePlugin interface {
	// Initialize is called once after registration, before any execution
	Initialize(ctx context.Context, services ServiceRegistry) error

	// Shutdown is called on hub shutdown
	Shutdown(ctx context.Context) error
}

// HealthChecker is an optional capability reported by /health
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// Metadata describes a plugin
type Metadata struct {
	// Type is the automation type this plugin handles (e.g. "backup")
	Type string `json:"type"`

	// Name is a display name
	Name string `json:"name"`

	// Version is the plugin version (semver)
	Version string `json:"version"`

	// APIVersion is a semver constraint on the hub plugin API (e.g. ">= 1.0.0")
	APIVersion string `json:"api_version,omitempty"`

	// Description is a short description of what the plugin does
	Description string `json:"description"`

	// Author is the plugin author
	Author string `json:"author,omitempty"`

	// Category groups plugins in listings (e.g. "hr", "marketing", "operations")
	Category string `json:"category,omitempty"`
}

// HealthStatus represents the health of a plugin
type HealthStatus struct {
	Healthy bool                   `json:"healthy"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// SecretConsumer is implemented by plugins that cannot run without specific
// secrets. The context factory fails the run when any of them is unresolved.
type SecretConsumer interface {
	RequiredSecrets() []string
}

// RequiredSecrets returns the secrets p declares, or nil
func RequiredSecrets(p Plugin) []string {
	if sc, ok := p.(SecretConsumer); ok {
		return sc.RequiredSecrets()
	}
	return nil
}
