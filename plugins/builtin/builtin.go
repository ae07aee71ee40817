// Package builtin contains the plugins shipped with the hub.
package builtin

import (
	"strconv"

	"github.com/crashkill/hub-automation-sub001/plugin"
	"github.com/crashkill/hub-automation-sub001/version"
)

// apiConstraint is the plugin API range the builtins are written against
const apiConstraint = "^1.0.0"

// Options configure the builtin plugin set
type Options struct {
	// HTTPAllowPrivate lets the http plugin reach loopback and private addresses
	HTTPAllowPrivate bool
}

// All returns a fresh instance of every builtin plugin
func All(opts Options) []plugin.Plugin {
	return []plugin.Plugin{
		NewBackup(),
		NewShell(),
		NewHTTP(opts.HTTPAllowPrivate),
		NewLog(),
	}
}

// Register binds every builtin plugin into reg
func Register(reg *plugin.Registry, opts Options) error {
	for _, p := range All(opts) {
		if err := reg.Register(p); err != nil {
			return err
		}
	}
	return nil
}

func metadata(automationType, name, description, category string) plugin.Metadata {
	return plugin.Metadata{
		Type:        automationType,
		Name:        name,
		Version:     version.PluginAPI,
		APIVersion:  apiConstraint,
		Description: description,
		Author:      "hub",
		Category:    category,
	}
}

// config accessors. Values arrive from JSON, TOML or YAML, so numbers may be
// any numeric type and strings may hold numbers.

func stringParam(config map[string]any, key string) string {
	s, _ := config[key].(string)
	return s
}

func boolParam(config map[string]any, key string, fallback bool) bool {
	switch v := config[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func intParam(config map[string]any, key string, fallback int) int {
	switch v := config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
