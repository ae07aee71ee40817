package builtin

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/crashkill/hub-automation-sub001/errors"
	"github.com/crashkill/hub-automation-sub001/internal/httpclient"
	"github.com/crashkill/hub-automation-sub001/plugin"
)

// HTTPType is the automation type of the http plugin
const HTTPType = "http"

// maxBodyBytes bounds how much of a response body a result carries
const maxBodyBytes = 64 * 1024

// HTTP calls a URL and checks the response status. Requests to private
// addresses are refused unless the plugin was created to allow them.
type HTTP struct {
	*plugin.BasePlugin
	client *httpclient.SaferClient
}

// NewHTTP creates the http plugin
func NewHTTP(allowPrivate bool) *HTTP {
	return &HTTP{
		BasePlugin: plugin.NewBasePlugin(
			metadata(HTTPType, "HTTP request", "Call a URL and check the response status", "integration"),
			plugin.Schema{Fields: []plugin.Field{
				{Key: "url", Label: "URL", Type: plugin.FieldURL, Required: true},
				{Key: "method", Label: "Method", Type: plugin.FieldSelect, Default: http.MethodGet,
					Options: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete}},
				{Key: "body", Label: "Body", Type: plugin.FieldTextarea, Required: true,
					DependsOn: &plugin.Dependency{Field: "method", Value: http.MethodPost}},
				{Key: "headers", Label: "Headers", Type: plugin.FieldTextarea,
					Description: "Name: value per line", Check: checkHeaders},
				{Key: "authSecret", Label: "Bearer token secret", Type: plugin.FieldText,
					Description: "Name of the secret sent as a bearer token"},
				{Key: "expectStatus", Label: "Expected status", Type: plugin.FieldNumber, Default: 200,
					Min: plugin.Bound(100), Max: plugin.Bound(599)},
			}},
		),
		client: httpclient.New(httpclient.Options{AllowPrivate: allowPrivate}),
	}
}

func checkHeaders(value any, _ map[string]any) string {
	s, _ := value.(string)
	if _, err := parseHeaders(s); err != nil {
		return err.Error()
	}
	return ""
}

func parseHeaders(s string) (http.Header, error) {
	h := http.Header{}
	for i, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, errors.Newf("line %d is not Name: value", i+1)
		}
		h.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	return h, nil
}

// Execute performs the request
func (p *HTTP) Execute(ctx context.Context, config map[string]any, ec plugin.ExecutionContext) (*plugin.Result, error) {
	runCtx, finish := p.Track(ctx, ec.ExecutionID())
	status := plugin.StatusError
	defer func() { finish(status) }()

	method := strings.ToUpper(stringParam(config, "method"))
	if method == "" {
		method = http.MethodGet
	}
	rawURL := stringParam(config, "url")
	expect := intParam(config, "expectStatus", http.StatusOK)

	if _, err := p.client.ValidateURL(rawURL); err != nil {
		return plugin.Failed(err.Error()), nil
	}
	headers, err := parseHeaders(stringParam(config, "headers"))
	if err != nil {
		return plugin.Failed("invalid headers: " + err.Error()), nil
	}

	var body io.Reader
	if b := stringParam(config, "body"); b != "" && method != http.MethodGet {
		body = strings.NewReader(b)
	}
	req, err := http.NewRequestWithContext(runCtx, method, rawURL, body)
	if err != nil {
		return plugin.Failed("invalid request: " + err.Error()), nil
	}
	req.Header = headers
	if name := stringParam(config, "authSecret"); name != "" {
		token, ok := ec.Secret(name)
		if !ok {
			return nil, errors.NewMissingSecretError(name)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	ec.Logger().Info("Sending request", "method", method, "url", rawURL)
	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		if runCtx.Err() != nil {
			status = plugin.StatusStopped
			return nil, runCtx.Err()
		}
		return plugin.Failed("request failed: " + err.Error()), nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil && runCtx.Err() != nil {
		status = plugin.StatusStopped
		return nil, runCtx.Err()
	}

	data := map[string]any{
		"status":      resp.StatusCode,
		"body":        string(raw),
		"duration_ms": time.Since(start).Milliseconds(),
	}
	ec.Logger().Info("Response received", "status", resp.StatusCode)

	if resp.StatusCode != expect {
		r := plugin.Failed("unexpected status " + strconv.Itoa(resp.StatusCode) + ", want " + strconv.Itoa(expect))
		r.Data = data
		return r, nil
	}
	status = plugin.StatusCompleted
	return plugin.Succeeded(data), nil
}
