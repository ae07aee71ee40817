package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/crashkill/hub-automation-sub001/automation"
	"github.com/crashkill/hub-automation-sub001/plugin"
	"github.com/crashkill/hub-automation-sub001/pulse/events"
	"github.com/crashkill/hub-automation-sub001/pulse/execution"
	"github.com/crashkill/hub-automation-sub001/pulse/metrics"
)

// gatedPlugin blocks its runs while held
type gatedPlugin struct {
	*plugin.BasePlugin
	mu      sync.Mutex
	release chan struct{}
}

func newGatedPlugin() *gatedPlugin {
	open := make(chan struct{})
	close(open)
	return &gatedPlugin{
		BasePlugin: plugin.NewBasePlugin(plugin.Metadata{
			Type:    "backup",
			Name:    "Backup",
			Version: "1.0.0",
		}, plugin.Schema{Fields: []plugin.Field{
			{Key: "targetPath", Type: plugin.FieldText, Required: true},
		}}),
		release: open,
	}
}

func (p *gatedPlugin) hold() func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := make(chan struct{})
	p.release = c
	var once sync.Once
	return func() { once.Do(func() { close(c) }) }
}

func (p *gatedPlugin) Execute(ctx context.Context, _ map[string]any, ec plugin.ExecutionContext) (*plugin.Result, error) {
	p.mu.Lock()
	release := p.release
	p.mu.Unlock()

	runCtx, finish := p.Track(ctx, ec.ExecutionID())
	select {
	case <-release:
		finish(plugin.StatusCompleted)
		return plugin.Succeeded(nil), nil
	case <-runCtx.Done():
		finish(plugin.StatusStopped)
		return nil, runCtx.Err()
	}
}

type fixture struct {
	srv    *Server
	http   *httptest.Server
	svc    *automation.Service
	plugin *gatedPlugin
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()

	reg := plugin.NewRegistry("1.0.0")
	p := newGatedPlugin()
	require.NoError(t, reg.Register(p))

	bus := events.NewBus(log)
	t.Cleanup(bus.Close)

	engine := execution.NewEngine(reg, execution.NewContextFactory(nil, nil, "test", log),
		execution.Config{StopGrace: time.Second}, log, execution.WithPublisher(bus))
	svc := automation.NewService(automation.NewMemoryStore(), reg, engine,
		automation.WithPublisher(bus), automation.WithLogger(log))

	srv := New(svc, bus, cfg, log)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.Stop(context.Background())
		ts.Close()
	})
	return &fixture{srv: srv, http: ts, svc: svc, plugin: p}
}

// do sends a JSON request and decodes the JSON response into out when non-nil
func (f *fixture) do(t *testing.T, method, path string, body any, out any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.http.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func (f *fixture) create(t *testing.T) *automation.Automation {
	t.Helper()
	var a automation.Automation
	resp := f.do(t, http.MethodPost, "/api/automations", map[string]any{
		"name":       "Nightly backup",
		"type":       "backup",
		"enabled":    true,
		"parameters": map[string]any{"targetPath": "/backups"},
	}, &a)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NotEmpty(t, a.ID)
	return &a
}

func (f *fixture) await(t *testing.T, id string) *execution.Execution {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exec, err := f.svc.Await(ctx, id)
	require.NoError(t, err)
	return exec
}

// =============================================================================
// Health and plugins
// =============================================================================

func TestHandleHealth(t *testing.T) {
	f := newFixture(t, Config{})

	var body map[string]any
	resp := f.do(t, http.MethodGet, "/health", nil, &body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body["plugins"], "backup")
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestHandlePlugins(t *testing.T) {
	f := newFixture(t, Config{})

	var list []pluginView
	resp := f.do(t, http.MethodGet, "/api/plugins", nil, &list)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, list, 1)
	assert.Equal(t, "backup", list[0].Type)
	assert.False(t, list[0].Pausable)

	var schema schemaView
	resp = f.do(t, http.MethodGet, "/api/plugins/backup/schema", nil, &schema)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, schema.Schema.Fields, 1)
	assert.Equal(t, "targetPath", schema.Schema.Fields[0].Key)

	var errResp errorResponse
	resp = f.do(t, http.MethodGet, "/api/plugins/nope/schema", nil, &errResp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", errResp.Kind)
}

// =============================================================================
// Automations
// =============================================================================

func TestCreateAutomation_ValidationError(t *testing.T) {
	f := newFixture(t, Config{})

	var errResp errorResponse
	resp := f.do(t, http.MethodPost, "/api/automations", map[string]any{
		"name":       "Nightly backup",
		"type":       "backup",
		"enabled":    true,
		"parameters": map[string]any{},
	}, &errResp)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "config_validation", errResp.Kind)
	require.NotEmpty(t, errResp.Details)
	assert.Contains(t, errResp.Details[0], "targetPath")
}

func TestCreateAutomation_BadBody(t *testing.T) {
	f := newFixture(t, Config{})

	var errResp errorResponse
	resp := f.do(t, http.MethodPost, "/api/automations", map[string]any{"bogus": 1}, &errResp)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_request", errResp.Kind)
}

func TestAutomationCRUD(t *testing.T) {
	f := newFixture(t, Config{})
	created := f.create(t)

	var got automation.Automation
	resp := f.do(t, http.MethodGet, "/api/automations/"+created.ID, nil, &got)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Nightly backup", got.Name)
	assert.Equal(t, plugin.StatusIdle, got.Status)

	var updated automation.Automation
	resp = f.do(t, http.MethodPut, "/api/automations/"+created.ID, map[string]any{"name": "Weekly backup"}, &updated)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Weekly backup", updated.Name)

	var list []automation.Automation
	resp = f.do(t, http.MethodGet, "/api/automations?type=backup&status=idle", nil, &list)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, list, 1)

	resp = f.do(t, http.MethodGet, "/api/automations?type=shell", nil, &list)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, list)

	resp = f.do(t, http.MethodDelete, "/api/automations/"+created.ID, nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	var errResp errorResponse
	resp = f.do(t, http.MethodGet, "/api/automations/"+created.ID, nil, &errResp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", errResp.Kind)
}

func TestApplyAutomation(t *testing.T) {
	f := newFixture(t, Config{})

	def := map[string]any{
		"name":       "Nightly backup",
		"type":       "backup",
		"enabled":    true,
		"parameters": map[string]any{"targetPath": "/backups"},
	}
	var a automation.Automation
	resp := f.do(t, http.MethodPut, "/api/automations/nightly/definition", def, &a)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nightly", a.ID)

	def["name"] = "Nightly backup v2"
	resp = f.do(t, http.MethodPut, "/api/automations/nightly/definition", def, &a)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Nightly backup v2", a.Name)

	def["type"] = "shell"
	var errResp errorResponse
	resp = f.do(t, http.MethodPut, "/api/automations/nightly/definition", def, &errResp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_request", errResp.Kind)
}

func TestListAutomations_InvalidStatus(t *testing.T) {
	f := newFixture(t, Config{})

	var errResp errorResponse
	resp := f.do(t, http.MethodGet, "/api/automations?status=sleeping", nil, &errResp)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_request", errResp.Kind)
}

func TestAutomationLifecycle(t *testing.T) {
	f := newFixture(t, Config{})
	a := f.create(t)
	release := f.plugin.hold()
	defer release()

	var exec execution.Execution
	resp := f.do(t, http.MethodPost, "/api/automations/"+a.ID+"/start", map[string]any{"user_id": "u-1"}, &exec)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, plugin.StatusRunning, exec.Status)
	assert.Equal(t, execution.TriggerAPI, exec.TriggeredBy)
	assert.Equal(t, "u-1", exec.UserID)

	var errResp errorResponse
	resp = f.do(t, http.MethodPost, "/api/automations/"+a.ID+"/start", nil, &errResp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "already_running", errResp.Kind)
	assert.NotEmpty(t, errResp.Hint)

	resp = f.do(t, http.MethodDelete, "/api/automations/"+a.ID, nil, &errResp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "in_use", errResp.Kind)

	resp = f.do(t, http.MethodPost, "/api/automations/"+a.ID+"/pause", nil, &errResp)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "unsupported_operation", errResp.Kind)

	resp = f.do(t, http.MethodPost, "/api/automations/"+a.ID+"/stop", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	final := f.await(t, a.ID)
	assert.Equal(t, plugin.StatusStopped, final.Status)

	var execs []execution.Execution
	resp = f.do(t, http.MethodGet, "/api/automations/"+a.ID+"/executions?limit=10", nil, &execs)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, execs, 1)
	assert.Equal(t, final.ID, execs[0].ID)

	var one execution.Execution
	resp = f.do(t, http.MethodGet, "/api/executions/"+final.ID, nil, &one)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, plugin.StatusStopped, one.Status)

	var snap metrics.Snapshot
	resp = f.do(t, http.MethodGet, "/api/automations/"+a.ID+"/metrics", nil, &snap)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(1), snap.TotalExecutions)
	assert.Equal(t, int64(1), snap.StoppedExecutions)
}

func TestAutomationAction_Unknown(t *testing.T) {
	f := newFixture(t, Config{})
	a := f.create(t)

	var errResp errorResponse
	resp := f.do(t, http.MethodPost, "/api/automations/"+a.ID+"/explode", nil, &errResp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStartDisabledAutomation(t *testing.T) {
	f := newFixture(t, Config{})
	a := f.create(t)

	resp := f.do(t, http.MethodPut, "/api/automations/"+a.ID, map[string]any{"enabled": false}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var errResp errorResponse
	resp = f.do(t, http.MethodPost, "/api/automations/"+a.ID+"/start", nil, &errResp)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "unsupported_operation", errResp.Kind)
}

func TestExecutions_InvalidLimit(t *testing.T) {
	f := newFixture(t, Config{})
	a := f.create(t)

	resp := f.do(t, http.MethodGet, "/api/automations/"+a.ID+"/executions?limit=-3", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t, Config{})

	resp := f.do(t, http.MethodPatch, "/api/automations", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

// =============================================================================
// Webhook
// =============================================================================

func TestWebhook_RateLimited(t *testing.T) {
	f := newFixture(t, Config{MaxFiresPerMinute: 1})
	a := f.create(t)

	var exec execution.Execution
	resp := f.do(t, http.MethodPost, "/hooks/"+a.ID, map[string]any{"ref": "main"}, &exec)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, execution.TriggerWebhook, exec.TriggeredBy)
	f.await(t, a.ID)

	var errResp errorResponse
	resp = f.do(t, http.MethodPost, "/hooks/"+a.ID, nil, &errResp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "rate_limited", errResp.Kind)
}

func TestWebhook_UnknownAutomation(t *testing.T) {
	f := newFixture(t, Config{MaxFiresPerMinute: 1})

	resp := f.do(t, http.MethodPost, "/hooks/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Empty(t, f.srv.hooks.limiters)
}

func TestHookLimiter_Unlimited(t *testing.T) {
	h := newHookLimiter(0)
	for i := 0; i < 100; i++ {
		assert.True(t, h.allow("a"))
	}
}

// =============================================================================
// Event stream
// =============================================================================

func TestHandleEvents_StreamsFilteredEvents(t *testing.T) {
	f := newFixture(t, Config{})
	a := f.create(t)
	other := f.create(t)

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws/events?automation=" + a.ID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	_, err = f.svc.Start(context.Background(), other.ID, automation.StartOptions{})
	require.NoError(t, err)
	f.await(t, other.ID)

	_, err = f.svc.Start(context.Background(), a.ID, automation.StartOptions{})
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var kinds []events.Kind
	for len(kinds) < 2 {
		var ev events.Event
		require.NoError(t, conn.ReadJSON(&ev))
		assert.Equal(t, a.ID, ev.AutomationID)
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []events.Kind{events.ExecutionStarted, events.ExecutionCompleted}, kinds)
}

func TestHandleEvents_RejectsForeignOrigin(t *testing.T) {
	f := newFixture(t, Config{AllowedOrigins: []string{"https://hub.example.com"}})

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws/events"
	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	f.srv.mu.RLock()
	defer f.srv.mu.RUnlock()
	assert.Empty(t, f.srv.clients)
}

func TestStop_RejectsRequestsWhileDraining(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.srv.Stop(context.Background()))

	var errResp errorResponse
	resp := f.do(t, http.MethodGet, "/health", nil, &errResp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "unavailable", errResp.Kind)
}

func TestSetWebhookRate_ResetsBuckets(t *testing.T) {
	f := newFixture(t, Config{MaxFiresPerMinute: 1})
	a := f.create(t)

	resp := f.do(t, http.MethodPost, "/hooks/"+a.ID, nil, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	f.await(t, a.ID)

	resp = f.do(t, http.MethodPost, "/hooks/"+a.ID, nil, nil)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	f.srv.SetWebhookRate(0)
	resp = f.do(t, http.MethodPost, "/hooks/"+a.ID, nil, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	f.await(t, a.ID)
}
