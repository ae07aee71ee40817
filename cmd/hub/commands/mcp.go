package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/crashkill/hub-automation-sub001/db"
	"github.com/crashkill/hub-automation-sub001/errors"
	"github.com/crashkill/hub-automation-sub001/logger"
	"github.com/crashkill/hub-automation-sub001/server/mcptools"
)

// McpCmd serves the automation tools over the Model Context Protocol
var McpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve automation tools over MCP (stdio)",
	Long: `Start a Model Context Protocol server on stdin/stdout.

Assistants can list, inspect, start and stop automations and read plugin
schemas. When hub serve is running the tools go through its API; otherwise
this process runs executions itself. Stdout carries the protocol, so logs
go to stderr at warn level.

Example MCP client entry:
  {"command": "hub", "args": ["mcp"]}`,
	RunE: runMcp,
}

func runMcp(cmd *cobra.Command, args []string) error {
	// Stdout belongs to the protocol
	if err := logger.InitializeForStderr("warn"); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := newRuntime(ctx, runtimeOptions{})
	if err == nil {
		defer rt.Close(context.Background())
		return mcptools.New(rt.svc, rt.registry, rt.logger).Serve(ctx, os.Stdin, os.Stdout)
	}
	if !errors.Is(err, db.ErrEngineOwned) {
		return err
	}

	// A running hub owns the engine; drive it through its API
	client, err := remoteController(ctx, "", err)
	if err != nil {
		return err
	}
	registry, err := loadRegistry()
	if err != nil {
		return err
	}
	return mcptools.New(client, registry, logger.Logger).Serve(ctx, os.Stdin, os.Stdout)
}
