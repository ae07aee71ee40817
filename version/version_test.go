package version

import (
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPluginAPIIsSemver(t *testing.T) {
	_, err := semver.NewVersion(PluginAPI)
	require.NoError(t, err)
}

func TestInfoString(t *testing.T) {
	info := Info{Version: "1.2.0", CommitHash: "abcdef0123", BuildTime: "2026-01-01", PluginAPI: "1.0.0", Platform: "linux/amd64"}
	assert.Equal(t, "hub 1.2.0 (plugin api 1.0.0, built 2026-01-01, linux/amd64)", info.String())
	assert.Equal(t, "abcdef0", info.Short())

	info.Version = "dev"
	assert.Contains(t, info.String(), "hub dev+abcdef0")

	assert.Equal(t, "dev", Info{CommitHash: "dev"}.Short())
}
