// Package version reports build information and the plugin API version
// plugins declare compatibility against.
package version

import (
	"fmt"
	"runtime"
)

// PluginAPI is the plugin contract version. Registries check each plugin's
// APIVersion constraint against it.
const PluginAPI = "1.0.0"

// Build information, set at build time via ldflags
var (
	CommitHash = "dev"
	BuildTime  = "unknown"
	Version    = "dev"
)

// Info contains version and build information
type Info struct {
	Version    string `json:"version"`
	CommitHash string `json:"commit_hash"`
	BuildTime  string `json:"build_time"`
	PluginAPI  string `json:"plugin_api"`
	GoVersion  string `json:"go_version"`
	Platform   string `json:"platform"`
}

// Get returns the current version information
func Get() Info {
	return Info{
		Version:    Version,
		CommitHash: CommitHash,
		BuildTime:  BuildTime,
		PluginAPI:  PluginAPI,
		GoVersion:  runtime.Version(),
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// String returns a human-readable version string
func (i Info) String() string {
	v := i.Version
	if short := i.Short(); v == "dev" && short != "dev" {
		v += "+" + short
	}
	return fmt.Sprintf("hub %s (plugin api %s, built %s, %s)", v, i.PluginAPI, i.BuildTime, i.Platform)
}

// Short returns the abbreviated commit hash
func (i Info) Short() string {
	if len(i.CommitHash) >= 7 {
		return i.CommitHash[:7]
	}
	return i.CommitHash
}
