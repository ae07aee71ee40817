// Package am holds the automation hub configuration ("am" as in "automation manifest").
package am

import "time"

// DefaultDirPermissions is used when creating the hub's config directories
const DefaultDirPermissions = 0750

// DefaultServerPort is the HTTP API port when none is configured
const DefaultServerPort = 8787

// Config is the top-level hub configuration
type Config struct {
	Database    DatabaseConfig    `mapstructure:"database"`
	Server      ServerConfig      `mapstructure:"server"`
	Pulse       PulseConfig       `mapstructure:"pulse"`
	Engine      EngineConfig      `mapstructure:"engine"`
	Secrets     SecretsConfig     `mapstructure:"secrets"`
	Automations AutomationsConfig `mapstructure:"automations"`
	Webhook     WebhookConfig     `mapstructure:"webhook"`
	Log         LogConfig         `mapstructure:"log"`
}

// DatabaseConfig configures the SQLite store
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the HTTP API
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// PulseConfig configures the worker pool and scheduler tick
type PulseConfig struct {
	Workers        int `mapstructure:"workers"`
	QueueSize      int `mapstructure:"queue_size"`
	TickIntervalMS int `mapstructure:"tick_interval_ms"`
}

// TickInterval returns the scheduler tick as a duration
func (p PulseConfig) TickInterval() time.Duration {
	return time.Duration(p.TickIntervalMS) * time.Millisecond
}

// EngineConfig configures execution limits
type EngineConfig struct {
	DefaultTimeoutSeconds int    `mapstructure:"default_timeout_seconds"`
	StopGraceSeconds      int    `mapstructure:"stop_grace_seconds"`
	HistoryLimit          int    `mapstructure:"history_limit"`
	Environment           string `mapstructure:"environment"`
}

// DefaultTimeout returns the per-execution deadline
func (e EngineConfig) DefaultTimeout() time.Duration {
	return time.Duration(e.DefaultTimeoutSeconds) * time.Second
}

// StopGrace returns how long a stop request waits for the plugin
func (e EngineConfig) StopGrace() time.Duration {
	return time.Duration(e.StopGraceSeconds) * time.Second
}

// SecretsConfig configures secret resolution for execution contexts
type SecretsConfig struct {
	EnvPrefix string `mapstructure:"env_prefix"`
	File      string `mapstructure:"file"`
}

// AutomationsConfig configures definition files on disk
type AutomationsConfig struct {
	Dir   string `mapstructure:"dir"`
	Watch bool   `mapstructure:"watch"`
}

// WebhookConfig configures the webhook trigger
type WebhookConfig struct {
	MaxFiresPerMinute int `mapstructure:"max_fires_per_minute"`
}

// LogConfig configures the global logger
type LogConfig struct {
	JSON  bool   `mapstructure:"json"`
	Level string `mapstructure:"level"`
}
