package commands

import (
	"fmt"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/crashkill/hub-automation-sub001/am"
	"github.com/crashkill/hub-automation-sub001/plugin"
)

// PluginCmd inspects the registered automation types
var PluginCmd = &cobra.Command{
	Use:     "plugin",
	Aliases: []string{"plugins", "p"},
	Short:   "List plugins and show their configuration schemas",
	Long: `Inspect the plugins registered with the hub.

Examples:
  hub plugin ls              # Every automation type with its version
  hub plugin schema backup   # Fields accepted by backup automations`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var pluginLsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List registered plugins",
	RunE:    runPluginLs,
}

var pluginSchemaCmd = &cobra.Command{
	Use:   "schema <type>",
	Short: "Show the configuration schema of an automation type",
	Args:  cobra.ExactArgs(1),
	RunE:  runPluginSchema,
	ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		registry, err := loadRegistry()
		if err != nil || len(args) > 0 {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		return registry.Types(), cobra.ShellCompDirectiveNoFileComp
	},
}

var pluginJSON bool

func init() {
	pluginLsCmd.Flags().BoolVar(&pluginJSON, "json", false, "Output as JSON")
	pluginSchemaCmd.Flags().BoolVar(&pluginJSON, "json", false, "Output as JSON")

	PluginCmd.AddCommand(pluginLsCmd)
	PluginCmd.AddCommand(pluginSchemaCmd)
}

// loadRegistry builds the plugin registry without opening the database
func loadRegistry() (*plugin.Registry, error) {
	return builtinRegistry(plugin.ViperConfigProvider{V: am.GetViper()})
}

func runPluginLs(cmd *cobra.Command, args []string) error {
	registry, err := loadRegistry()
	if err != nil {
		return err
	}
	plugins := registry.List()

	if pluginJSON {
		metas := make([]plugin.Metadata, 0, len(plugins))
		for _, p := range plugins {
			metas = append(metas, p.Metadata())
		}
		return printJSON(metas)
	}

	data := pterm.TableData{{"TYPE", "NAME", "VERSION", "CATEGORY", "PAUSABLE", "DESCRIPTION"}}
	for _, p := range plugins {
		m := p.Metadata()
		data = append(data, []string{m.Type, m.Name, m.Version, m.Category, fmt.Sprint(plugin.CanPause(p)), m.Description})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runPluginSchema(cmd *cobra.Command, args []string) error {
	registry, err := loadRegistry()
	if err != nil {
		return err
	}
	p, err := registry.Lookup(args[0])
	if err != nil {
		return err
	}
	schema := p.GetConfigSchema()

	if pluginJSON {
		return printJSON(map[string]any{
			"type":     args[0],
			"schema":   schema,
			"defaults": p.GetDefaultConfig(),
		})
	}

	m := p.Metadata()
	pterm.DefaultSection.Printfln("%s %s", m.Name, m.Version)
	return pterm.DefaultTable.WithHasHeader().WithData(schemaRows(schema)).Render()
}

// schemaRows lays out one table row per schema field
func schemaRows(schema plugin.Schema) pterm.TableData {
	data := pterm.TableData{{"KEY", "TYPE", "REQUIRED", "DEFAULT", "CONSTRAINTS"}}
	for _, f := range schema.Fields {
		def := ""
		if f.Default != nil {
			def = fmt.Sprint(f.Default)
		}
		data = append(data, []string{f.Key, string(f.Type), fmt.Sprint(f.Required), def, constraints(f)})
	}
	return data
}

// constraints renders the checks a field carries beyond its type
func constraints(f plugin.Field) string {
	var parts []string
	if len(f.Options) > 0 {
		parts = append(parts, "one of "+strings.Join(f.Options, "|"))
	}
	if f.Min != nil {
		parts = append(parts, fmt.Sprintf("min %g", *f.Min))
	}
	if f.Max != nil {
		parts = append(parts, fmt.Sprintf("max %g", *f.Max))
	}
	if f.Pattern != "" {
		parts = append(parts, "matches "+f.Pattern)
	}
	if f.DependsOn != nil {
		parts = append(parts, fmt.Sprintf("when %s=%v", f.DependsOn.Field, f.DependsOn.Value))
	}
	return strings.Join(parts, ", ")
}
