package commands

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crashkill/hub-automation-sub001/plugin"
	"github.com/crashkill/hub-automation-sub001/version"
)

func TestParseConfigValue(t *testing.T) {
	assert.Equal(t, int64(30), parseConfigValue("30"))
	assert.Equal(t, true, parseConfigValue("true"))
	assert.Equal(t, 1.5, parseConfigValue("1.5"))
	assert.Equal(t, []any{"http://a", "http://b"}, parseConfigValue(`["http://a", "http://b"]`))
	assert.Equal(t, "/var/lib/hub.db", parseConfigValue("/var/lib/hub.db"))
	assert.Equal(t, "debug", parseConfigValue("debug"))
}

func TestConstraints(t *testing.T) {
	f := plugin.Field{
		Key:       "retention",
		Type:      plugin.FieldNumber,
		Min:       plugin.Bound(1),
		Max:       plugin.Bound(365),
		DependsOn: &plugin.Dependency{Field: "mode", Value: "full"},
	}
	assert.Equal(t, "min 1, max 365, when mode=full", constraints(f))

	assert.Equal(t, "one of gzip|none", constraints(plugin.Field{Options: []string{"gzip", "none"}}))
	assert.Empty(t, constraints(plugin.Field{Key: "name"}))
}

func TestBuiltinRegistry(t *testing.T) {
	registry, err := loadRegistry()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"backup", "shell", "http", "log"}, registry.Types())
}

func TestSchemaRows(t *testing.T) {
	registry, err := loadRegistry()
	require.NoError(t, err)
	p, err := registry.Lookup("backup")
	require.NoError(t, err)
	schema := p.GetConfigSchema()
	require.NotEmpty(t, schema.Fields)

	rows := schemaRows(schema)
	require.Len(t, rows, len(schema.Fields)+1)
	assert.Equal(t, []string{"KEY", "TYPE", "REQUIRED", "DEFAULT", "CONSTRAINTS"}, rows[0])
	for i, f := range schema.Fields {
		assert.Equal(t, f.Key, rows[i+1][0])
		assert.Equal(t, string(f.Type), rows[i+1][1])
	}

	rows = schemaRows(plugin.Schema{Fields: []plugin.Field{
		{Key: "compression", Type: plugin.FieldSelect, Required: true, Default: "gzip", Options: []string{"gzip", "none"}},
	}})
	assert.Equal(t, []string{"compression", "select", "true", "gzip", "one of gzip|none"}, rows[1])
}

func TestVersionCmd_JSON(t *testing.T) {
	var out bytes.Buffer
	VersionCmd.SetOut(&out)
	defer VersionCmd.SetOut(nil)
	require.NoError(t, VersionCmd.Flags().Set("json", "true"))
	defer VersionCmd.Flags().Set("json", "false")

	VersionCmd.Run(VersionCmd, nil)

	var info version.Info
	require.NoError(t, json.Unmarshal(out.Bytes(), &info))
	assert.Equal(t, version.PluginAPI, info.PluginAPI)
	assert.NotEmpty(t, info.GoVersion)
}
