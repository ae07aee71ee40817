package am

import "github.com/crashkill/hub-automation-sub001/errors"

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.Newf("server.port must be in 1..65535, got %d", c.Server.Port)
	}

	// Pulse workers: 0 would leave every invocation queued forever
	if c.Pulse.Workers <= 0 {
		return errors.Newf("pulse.workers must be > 0, got %d", c.Pulse.Workers)
	}
	if c.Pulse.QueueSize < 0 {
		return errors.Newf("pulse.queue_size must be >= 0, got %d", c.Pulse.QueueSize)
	}
	if c.Pulse.TickIntervalMS <= 0 {
		return errors.Newf("pulse.tick_interval_ms must be > 0, got %d", c.Pulse.TickIntervalMS)
	}

	if c.Engine.DefaultTimeoutSeconds <= 0 {
		return errors.Newf("engine.default_timeout_seconds must be > 0, got %d", c.Engine.DefaultTimeoutSeconds)
	}
	if c.Engine.StopGraceSeconds < 0 {
		return errors.Newf("engine.stop_grace_seconds must be >= 0, got %d", c.Engine.StopGraceSeconds)
	}
	if c.Engine.HistoryLimit <= 0 {
		return errors.Newf("engine.history_limit must be > 0, got %d", c.Engine.HistoryLimit)
	}

	if c.Webhook.MaxFiresPerMinute < 0 {
		return errors.Newf("webhook.max_fires_per_minute must be >= 0, got %d", c.Webhook.MaxFiresPerMinute)
	}

	if c.Automations.Watch && c.Automations.Dir == "" {
		return errors.New("automations.watch requires automations.dir")
	}

	return nil
}
