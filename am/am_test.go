package am

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	// Isolated viper instance without user/system config
	v := viper.New()
	SetDefaults(v)

	cfg, err := LoadWithViper(v)
	require.NoError(t, err)

	assert.Equal(t, "hub.db", cfg.Database.Path)
	assert.Equal(t, DefaultServerPort, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Pulse.Workers)
	assert.Equal(t, time.Second, cfg.Pulse.TickInterval())
	assert.Equal(t, 300*time.Second, cfg.Engine.DefaultTimeout())
	assert.Equal(t, 10*time.Second, cfg.Engine.StopGrace())
	assert.Equal(t, 100, cfg.Engine.HistoryLimit)
	assert.Equal(t, "HUB_SECRET_", cfg.Secrets.EnvPrefix)
	assert.Equal(t, 60, cfg.Webhook.MaxFiresPerMinute)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "am.toml")
	content := `
[engine]
default_timeout_seconds = 30
history_limit = 5

[pulse]
workers = 2
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Engine.DefaultTimeout())
	assert.Equal(t, 5, cfg.Engine.HistoryLimit)
	assert.Equal(t, 2, cfg.Pulse.Workers)
	// Untouched sections keep defaults
	assert.Equal(t, DefaultServerPort, cfg.Server.Port)
}

func TestLoadFromFile_Invalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "am.toml")
	require.NoError(t, os.WriteFile(path, []byte("[pulse]\nworkers = 0\n"), 0644))

	_, err := LoadFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pulse.workers")
}

func TestMergeConfigFiles_Precedence(t *testing.T) {
	dir := t.TempDir()
	low := filepath.Join(dir, "low.toml")
	high := filepath.Join(dir, "high.toml")
	require.NoError(t, os.WriteFile(low, []byte("[engine]\nhistory_limit = 10\nstop_grace_seconds = 3\n"), 0644))
	require.NoError(t, os.WriteFile(high, []byte("[engine]\nhistory_limit = 20\n"), 0644))

	v := viper.New()
	SetDefaults(v)
	mergeConfigFiles(v, []string{low, filepath.Join(dir, "missing.toml"), high})

	cfg, err := LoadWithViper(v)
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.Engine.HistoryLimit)
	assert.Equal(t, 3, cfg.Engine.StopGraceSeconds)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		v := viper.New()
		SetDefaults(v)
		var c Config
		require.NoError(t, v.Unmarshal(&c))
		return c
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults are valid", func(c *Config) {}, ""},
		{"zero port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"zero workers", func(c *Config) { c.Pulse.Workers = 0 }, "pulse.workers"},
		{"zero tick", func(c *Config) { c.Pulse.TickIntervalMS = 0 }, "pulse.tick_interval_ms"},
		{"zero timeout", func(c *Config) { c.Engine.DefaultTimeoutSeconds = 0 }, "engine.default_timeout_seconds"},
		{"negative grace", func(c *Config) { c.Engine.StopGraceSeconds = -1 }, "engine.stop_grace_seconds"},
		{"zero history", func(c *Config) { c.Engine.HistoryLimit = 0 }, "engine.history_limit"},
		{"watch without dir", func(c *Config) { c.Automations.Watch = true }, "automations.watch"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSetValue(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "am.toml")

	require.NoError(t, SetValue(path, "engine.history_limit", 42))
	require.NoError(t, SetValue(path, "log.level", "debug"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var parsed map[string]interface{}
	require.NoError(t, toml.Unmarshal(data, &parsed))

	engine := parsed["engine"].(map[string]interface{})
	assert.EqualValues(t, 42, engine["history_limit"])
	assert.Equal(t, "debug", parsed["log"].(map[string]interface{})["level"])

	// Second write leaves a backup of the first
	_, err = os.Stat(path + ".back1")
	assert.NoError(t, err)
}

func TestSetValue_InvalidKey(t *testing.T) {
	err := SetValue(filepath.Join(t.TempDir(), "am.toml"), "engine..limit", 1)
	assert.Error(t, err)
}

func TestIsBackupFile(t *testing.T) {
	assert.True(t, isBackupFile("/tmp/am.toml.back1"))
	assert.False(t, isBackupFile("/tmp/am.toml"))
}
