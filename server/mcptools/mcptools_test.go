package mcptools

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/crashkill/hub-automation-sub001/automation"
	"github.com/crashkill/hub-automation-sub001/plugin"
	"github.com/crashkill/hub-automation-sub001/pulse/execution"
)

type echoPlugin struct {
	*plugin.BasePlugin
}

func (p *echoPlugin) Execute(ctx context.Context, config map[string]any, ec plugin.ExecutionContext) (*plugin.Result, error) {
	return plugin.Succeeded(map[string]any{"message": config["message"]}), nil
}

func newTestServer(t *testing.T) (*Server, *automation.Service) {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()

	reg := plugin.NewRegistry("1.0.0")
	require.NoError(t, reg.Register(&echoPlugin{plugin.NewBasePlugin(plugin.Metadata{
		Type:    "echo",
		Name:    "Echo",
		Version: "1.0.0",
	}, plugin.Schema{Fields: []plugin.Field{
		{Key: "message", Type: plugin.FieldText, Required: true},
	}})}))

	engine := execution.NewEngine(reg, execution.NewContextFactory(nil, nil, "test", log),
		execution.Config{StopGrace: time.Second}, log)
	svc := automation.NewService(automation.NewMemoryStore(), reg, engine, automation.WithLogger(log))
	return New(svc, reg, log), svc
}

func callTool(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	text, ok := mcp.AsTextContent(res.Content[0])
	require.True(t, ok, "expected text content")
	return text.Text
}

func TestTools_Registered(t *testing.T) {
	s, _ := newTestServer(t)

	resp := s.MCPServer().HandleMessage(context.Background(),
		json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	raw, err := json.Marshal(resp)
	require.NoError(t, err)

	var listed struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(raw, &listed))
	var tools []string
	for _, tool := range listed.Result.Tools {
		tools = append(tools, tool.Name)
	}
	for _, name := range []string{
		"automation_list", "automation_show", "automation_start", "automation_stop",
		"automation_executions", "plugin_list", "plugin_schema",
	} {
		assert.Contains(t, tools, name)
	}
}

func TestHandleList_Empty(t *testing.T) {
	s, _ := newTestServer(t)

	res, err := s.handleList(context.Background(), callTool("automation_list", nil))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "No automations found", resultText(t, res))
}

func TestHandleStartAndShow(t *testing.T) {
	s, svc := newTestServer(t)
	ctx := context.Background()

	a, err := svc.Create(ctx, &automation.Definition{
		Name:       "Greeter",
		Type:       "echo",
		Enabled:    true,
		Parameters: map[string]any{"message": "hi"},
	})
	require.NoError(t, err)

	res, err := s.handleStart(ctx, callTool("automation_start", map[string]any{"id": a.ID, "user_id": "u-7"}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))

	var exec execution.Execution
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &exec))
	assert.Equal(t, execution.TriggerAPI, exec.TriggeredBy)
	assert.Equal(t, "u-7", exec.UserID)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = svc.Await(waitCtx, a.ID)
	require.NoError(t, err)

	res, err = s.handleShow(ctx, callTool("automation_show", map[string]any{"id": a.ID}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	var shown struct {
		Automation automation.Automation `json:"automation"`
		Metrics    struct {
			TotalExecutions int64 `json:"total_executions"`
		} `json:"metrics"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &shown))
	assert.Equal(t, "Greeter", shown.Automation.Name)
	assert.Equal(t, plugin.StatusCompleted, shown.Automation.Status)
	assert.Equal(t, int64(1), shown.Metrics.TotalExecutions)

	res, err = s.handleExecutions(ctx, callTool("automation_executions", map[string]any{"id": a.ID, "limit": 5}))
	require.NoError(t, err)
	var execs []execution.Execution
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &execs))
	assert.Len(t, execs, 1)
}

func TestHandleShow_Errors(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	res, err := s.handleShow(ctx, callTool("automation_show", nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = s.handleShow(ctx, callTool("automation_show", map[string]any{"id": "missing"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "not_found")
}

func TestHandleStop_NothingRunning(t *testing.T) {
	s, svc := newTestServer(t)
	ctx := context.Background()

	a, err := svc.Create(ctx, &automation.Definition{
		Name:       "Greeter",
		Type:       "echo",
		Enabled:    true,
		Parameters: map[string]any{"message": "hi"},
	})
	require.NoError(t, err)

	res, err := s.handleStop(ctx, callTool("automation_stop", map[string]any{"id": a.ID}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestHandlePlugins(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	res, err := s.handlePlugins(ctx, callTool("plugin_list", nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, res), `"type": "echo"`)

	res, err = s.handlePluginSchema(ctx, callTool("plugin_schema", map[string]any{"type": "echo"}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, res), `"key": "message"`)

	res, err = s.handlePluginSchema(ctx, callTool("plugin_schema", map[string]any{"type": "nope"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}
