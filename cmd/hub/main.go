package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/crashkill/hub-automation-sub001/cmd/hub/commands"
	"github.com/crashkill/hub-automation-sub001/logger"
)

var rootCmd = &cobra.Command{
	Use:   "hub",
	Short: "hub - pluggable automation runner",
	Long: `hub - pluggable automation runner.

hub binds automation types to plugins, validates automation parameters against
each plugin's schema, and runs automations on demand, on a schedule or from a
webhook, recording every execution and its metrics.

Available commands:
  serve       - Start the HTTP API, scheduler and definition watcher
  automation  - List, inspect, run and delete automations
  plugin      - List plugins and show their configuration schemas
  am          - Show and change hub configuration
  mcp         - Serve the automation tools over MCP (stdio)
  version     - Show version information

Examples:
  hub serve                      # Run the hub in the foreground
  hub automation ls              # List automations with their status
  hub automation run nightly     # Run an automation and wait for the result
  hub plugin schema backup       # Show the backup plugin's parameters
  hub am set server.port 9090    # Change the API port`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// mcp speaks on stdout and am prints config there; keep logs off it
		if cmd.Name() == "mcp" || (cmd.HasParent() && cmd.Parent().Name() == "am") {
			return nil
		}
		return commands.InitLogger(cmd)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (-v for debug)")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.AutomationCmd)
	rootCmd.AddCommand(commands.PluginCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.McpCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
