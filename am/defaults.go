package am

import "github.com/spf13/viper"

// SetDefaults sets all default configuration values
func SetDefaults(v *viper.Viper) {
	// Database
	v.SetDefault("database.path", "hub.db")

	// Server
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{"http://localhost", "http://127.0.0.1"})

	// Pulse
	v.SetDefault("pulse.workers", 4)
	v.SetDefault("pulse.queue_size", 256)
	v.SetDefault("pulse.tick_interval_ms", 1000)

	// Engine
	v.SetDefault("engine.default_timeout_seconds", 300)
	v.SetDefault("engine.stop_grace_seconds", 10)
	v.SetDefault("engine.history_limit", 100)
	v.SetDefault("engine.environment", "development")

	// Secrets
	v.SetDefault("secrets.env_prefix", "HUB_SECRET_")
	v.SetDefault("secrets.file", "")

	// Automations
	v.SetDefault("automations.dir", "")
	v.SetDefault("automations.watch", false)

	// Webhook
	v.SetDefault("webhook.max_fires_per_minute", 60)

	// Log
	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "info")
}
