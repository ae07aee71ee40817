package commands

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/crashkill/hub-automation-sub001/am"
	"github.com/crashkill/hub-automation-sub001/errors"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: "Manage hub configuration",
	Long: `Display and manage hub configuration.

Configuration sources (in order of precedence):
1. Command line flags
2. Environment variables (HUB_* prefix, e.g. HUB_SERVER_PORT)
3. Project config (./am.toml, searched upwards)
4. User config (~/.hub/am.toml)
5. System config (/etc/hub/am.toml)
6. Default values

Examples:
  hub am show                              # Show current configuration
  hub am show --format json                # Show configuration in JSON format
  hub am get engine.default_timeout_seconds
  hub am set webhook.max_fires_per_minute 30
  hub am validate                          # Validate current configuration
  hub am where                             # List config files and whether they exist`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runAmShow,
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value using dot notation",
	Args:  cobra.ExactArgs(1),
	RunE:  runAmGet,
}

var amSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Write a configuration value to the user config file",
	Long: `Write a configuration value to ~/.hub/am.toml.

The value is parsed as a TOML value when possible (numbers, booleans,
arrays), otherwise it is stored as a string. A running hub picks up
webhook.max_fires_per_minute without a restart.`,
	Args: cobra.ExactArgs(2),
	RunE: runAmSet,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE:  runAmValidate,
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show where configuration is loaded from",
	RunE:  runAmWhere,
}

var configFormat string

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amGetCmd)
	AmCmd.AddCommand(amSetCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amWhereCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	if _, err := am.Load(); err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	settings := am.GetViper().AllSettings()

	out := cmd.OutOrStdout()
	switch configFormat {
	case "json":
		data, err := json.MarshalIndent(settings, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to JSON")
		}
		_, err = out.Write(append(data, '\n'))
		return err
	case "yaml":
		data, err := yaml.Marshal(settings)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to YAML")
		}
		_, err = out.Write(append([]byte("# hub configuration\n"), data...))
		return err
	case "toml":
		data, err := toml.Marshal(settings)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to TOML")
		}
		_, err = out.Write(append([]byte("# hub configuration\n"), data...))
		return err
	default:
		return errors.WithHint(
			errors.Newf("unsupported format: %s", configFormat),
			"supported formats are toml, json and yaml")
	}
}

func runAmGet(cmd *cobra.Command, args []string) error {
	if _, err := am.Load(); err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	v := am.GetViper()
	if !v.IsSet(args[0]) {
		return errors.Newf("configuration key %q not found", args[0])
	}
	cmd.Println(v.Get(args[0]))
	return nil
}

func runAmSet(cmd *cobra.Command, args []string) error {
	path := am.UserConfigPath()
	if path == "" {
		return errors.New("cannot locate the user config file: home directory unknown")
	}
	key, value := args[0], parseConfigValue(args[1])
	if err := am.SetValue(path, key, value); err != nil {
		return err
	}

	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "config written but no longer loads")
	}
	if err := cfg.Validate(); err != nil {
		pterm.Warning.Printf("%s written, but the configuration is now invalid: %v\n", key, err)
		return nil
	}
	pterm.Success.Printf("%s = %v (%s)\n", key, value, path)
	return nil
}

// parseConfigValue reads raw as a TOML value, falling back to a plain string
func parseConfigValue(raw string) any {
	var doc struct {
		V any `toml:"v"`
	}
	if err := toml.Unmarshal([]byte("v = "+raw), &doc); err == nil && doc.V != nil {
		return doc.V
	}
	return strings.TrimSpace(raw)
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "configuration validation failed")
	}
	pterm.Success.Println("Configuration is valid")
	return nil
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	data := pterm.TableData{{"PRECEDENCE", "PATH", "STATUS"}}
	paths := am.ConfigPaths()
	for i := len(paths) - 1; i >= 0; i-- {
		status := "missing"
		if _, err := os.Stat(paths[i]); err == nil {
			status = "loaded"
		}
		data = append(data, []string{pterm.Sprint(len(paths) - i), paths[i], status})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return err
	}
	pterm.Info.Printfln("Environment variables with the %s_ prefix override every file", am.EnvPrefix)
	return nil
}
