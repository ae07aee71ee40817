package am

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "am.toml")
	require.NoError(t, os.WriteFile(path, []byte("[engine]\nhistory_limit = 1\n"), 0644))

	cw, err := NewConfigWatcher(path)
	require.NoError(t, err)
	defer cw.Stop()

	cw.debouncePeriod = 20 * time.Millisecond
	cw.load = func() (*Config, error) { return LoadFromFile(path) }

	reloaded := make(chan *Config, 1)
	cw.OnReload(func(c *Config) error {
		select {
		case reloaded <- c:
		default:
		}
		return nil
	})
	cw.Start()

	require.NoError(t, os.WriteFile(path, []byte("[engine]\nhistory_limit = 7\n"), 0644))

	select {
	case c := <-reloaded:
		assert.Equal(t, 7, c.Engine.HistoryLimit)
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}
}

func TestConfigWatcher_OwnWriteIgnoredOnce(t *testing.T) {
	cw := &ConfigWatcher{}
	cw.MarkOwnWrite()

	assert.True(t, cw.checkOwnWrite())
	assert.False(t, cw.checkOwnWrite())
}
