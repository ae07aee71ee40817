// Package mcptools exposes automation operations as Model Context Protocol
// tools so assistants can inspect and run automations over stdio.
package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/crashkill/hub-automation-sub001/automation"
	"github.com/crashkill/hub-automation-sub001/errors"
	"github.com/crashkill/hub-automation-sub001/logger"
	"github.com/crashkill/hub-automation-sub001/plugin"
	"github.com/crashkill/hub-automation-sub001/pulse/execution"
	"github.com/crashkill/hub-automation-sub001/version"
)

// Server exposes an automation Controller and the installed plugins via MCP
type Server struct {
	ctl     automation.Controller
	plugins *plugin.Registry
	server  *mcpserver.MCPServer
	logger  *zap.SugaredLogger
}

// New creates an MCP server with the automation tools registered
func New(ctl automation.Controller, plugins *plugin.Registry, log *zap.SugaredLogger) *Server {
	s := &Server{
		ctl:     ctl,
		plugins: plugins,
		logger:  logger.OrNop(log).Named("mcp"),
		server: mcpserver.NewMCPServer(
			"hub",
			version.Get().Version,
			mcpserver.WithToolCapabilities(true),
		),
	}
	s.registerTools()
	return s
}

// MCPServer returns the underlying server
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.server
}

// Serve speaks MCP over in and out until ctx is done or in closes
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.logger.Infow("MCP server started")
	return mcpserver.NewStdioServer(s.server).Listen(ctx, in, out)
}

func (s *Server) registerTools() {
	s.server.AddTool(mcp.NewTool("automation_list",
		mcp.WithDescription("List automations with their status, optionally filtered"),
		mcp.WithString("status",
			mcp.Description("Only automations in this status (idle, scheduled, running, paused, completed, error, stopped)"),
		),
		mcp.WithString("type",
			mcp.Description("Only automations of this automation type"),
		),
	), s.handleList)

	s.server.AddTool(mcp.NewTool("automation_show",
		mcp.WithDescription("Show an automation definition, its live status and its metrics"),
		mcp.WithString("id",
			mcp.Required(),
			mcp.Description("Automation id"),
		),
	), s.handleShow)

	s.server.AddTool(mcp.NewTool("automation_start",
		mcp.WithDescription("Start a run of an automation"),
		mcp.WithString("id",
			mcp.Required(),
			mcp.Description("Automation id"),
		),
		mcp.WithString("user_id",
			mcp.Description("User recorded on the execution"),
		),
	), s.handleStart)

	s.server.AddTool(mcp.NewTool("automation_stop",
		mcp.WithDescription("Stop the live run of an automation"),
		mcp.WithString("id",
			mcp.Required(),
			mcp.Description("Automation id"),
		),
	), s.handleStop)

	s.server.AddTool(mcp.NewTool("automation_executions",
		mcp.WithDescription("List the most recent executions of an automation, newest first"),
		mcp.WithString("id",
			mcp.Required(),
			mcp.Description("Automation id"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum executions to return (default: 10)"),
		),
	), s.handleExecutions)

	s.server.AddTool(mcp.NewTool("plugin_list",
		mcp.WithDescription("List installed plugins and the automation types they handle"),
	), s.handlePlugins)

	s.server.AddTool(mcp.NewTool("plugin_schema",
		mcp.WithDescription("Show the configuration schema of an automation type"),
		mcp.WithString("type",
			mcp.Required(),
			mcp.Description("Automation type"),
		),
	), s.handlePluginSchema)
}

// handleList handles automation_list tool calls
func (s *Server) handleList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list, err := s.ctl.List(ctx, automation.Filter{
		Status: plugin.Status(request.GetString("status", "")),
		Type:   request.GetString("type", ""),
	})
	if err != nil {
		return toolError("list automations", err), nil
	}
	if len(list) == 0 {
		return mcp.NewToolResultText("No automations found"), nil
	}
	return jsonResult(list)
}

// handleShow handles automation_show tool calls
func (s *Server) handleShow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	a, err := s.ctl.GetByID(ctx, id)
	if err != nil {
		return toolError("show automation", err), nil
	}
	snap, err := s.ctl.Metrics(ctx, id)
	if err != nil {
		return toolError("show automation", err), nil
	}
	return jsonResult(map[string]any{
		"automation": a,
		"metrics":    snap,
	})
}

// handleStart handles automation_start tool calls
func (s *Server) handleStart(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	exec, err := s.ctl.Start(ctx, id, automation.StartOptions{
		Trigger: execution.TriggerAPI,
		UserID:  request.GetString("user_id", ""),
	})
	if err != nil {
		return toolError("start automation", err), nil
	}
	s.logger.Infow("Automation started via MCP",
		logger.FieldAutomationID, id,
		logger.FieldExecutionID, exec.ID)
	return jsonResult(exec)
}

// handleStop handles automation_stop tool calls
func (s *Server) handleStop(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	exec, err := s.ctl.Stop(ctx, id)
	if err != nil {
		return toolError("stop automation", err), nil
	}
	return jsonResult(exec)
}

// handleExecutions handles automation_executions tool calls
func (s *Server) handleExecutions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	limit := request.GetInt("limit", 10)
	if limit <= 0 {
		return mcp.NewToolResultError("limit must be positive"), nil
	}
	execs, err := s.ctl.Executions(ctx, id, limit)
	if err != nil {
		return toolError("list executions", err), nil
	}
	if len(execs) == 0 {
		return mcp.NewToolResultText("No executions recorded"), nil
	}
	return jsonResult(execs)
}

// handlePlugins handles plugin_list tool calls
func (s *Server) handlePlugins(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	plugins := s.plugins.List()
	out := make([]plugin.Metadata, 0, len(plugins))
	for _, p := range plugins {
		out = append(out, p.Metadata())
	}
	return jsonResult(out)
}

// handlePluginSchema handles plugin_schema tool calls
func (s *Server) handlePluginSchema(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	automationType, err := request.RequireString("type")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	p, err := s.plugins.Lookup(automationType)
	if err != nil {
		return toolError("show schema", err), nil
	}
	return jsonResult(map[string]any{
		"schema":   p.GetConfigSchema(),
		"defaults": p.GetDefaultConfig(),
	})
}

// toolError renders a service error with its kind and hints
func toolError(action string, err error) *mcp.CallToolResult {
	msg := fmt.Sprintf("Failed to %s (%s): %v", action, errors.Kind(err), err)
	if hint := errors.FlattenHints(err); hint != "" {
		msg += "\nHint: " + hint
	}
	return mcp.NewToolResultError(msg)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode tool result")
	}
	return mcp.NewToolResultText(string(data)), nil
}
