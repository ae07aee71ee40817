// Package apiclient talks to the HTTP API of a running hub. The CLI and the
// MCP server use it when another process owns the execution engine.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/crashkill/hub-automation-sub001/automation"
	"github.com/crashkill/hub-automation-sub001/errors"
	"github.com/crashkill/hub-automation-sub001/internal/httpclient"
	"github.com/crashkill/hub-automation-sub001/pulse/execution"
	"github.com/crashkill/hub-automation-sub001/pulse/metrics"
)

// DefaultPollInterval is how often Await checks for the end of a run
const DefaultPollInterval = 250 * time.Millisecond

// Client implements automation.Controller over the hub API
type Client struct {
	base string
	http *httpclient.SaferClient
	poll time.Duration
}

var _ automation.Controller = (*Client)(nil)

// New creates a client for the API at addr (host:port or a base URL)
func New(addr string) *Client {
	base := addr
	if u, err := url.Parse(addr); err != nil || u.Scheme == "" || u.Host == "" {
		base = "http://" + addr
	}
	return &Client{
		base: base,
		http: httpclient.New(httpclient.Options{
			Timeout:      30 * time.Second,
			AllowPrivate: true,
		}),
		poll: DefaultPollInterval,
	}
}

// errorResponse mirrors the body the server writes for failed requests
type errorResponse struct {
	Error   string   `json:"error"`
	Kind    string   `json:"kind"`
	Details []string `json:"details,omitempty"`
	Hint    string   `json:"hint,omitempty"`
}

// do sends a JSON request and decodes a 2xx body into out when non-nil
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "failed to encode request")
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(errors.Mark(err, errors.ErrServiceUnavailable), "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "failed to decode response of %s %s", method, path)
	}
	return nil
}

// decodeError turns an error body back into a taxonomy error
func decodeError(resp *http.Response) error {
	var body errorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil || body.Error == "" {
		return errors.Newf("hub API returned %s", resp.Status)
	}
	if len(body.Details) > 0 {
		return errors.NewValidationError(body.Details)
	}

	err := errors.New(body.Error)
	if sentinel := errors.Sentinel(body.Kind); sentinel != nil {
		err = errors.Mark(err, sentinel)
	}
	if body.Hint != "" {
		err = errors.WithHint(err, body.Hint)
	}
	return err
}

func automationPath(id string, rest ...string) string {
	p := "/api/automations/" + url.PathEscape(id)
	for _, r := range rest {
		p += "/" + r
	}
	return p
}

// List returns automations matching f
func (c *Client) List(ctx context.Context, f automation.Filter) ([]*automation.Automation, error) {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	if f.Type != "" {
		q.Set("type", f.Type)
	}
	path := "/api/automations"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []*automation.Automation
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetByID returns one automation with its live projection
func (c *Client) GetByID(ctx context.Context, id string) (*automation.Automation, error) {
	var a automation.Automation
	if err := c.do(ctx, http.MethodGet, automationPath(id), nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// Metrics returns the statistics of an automation
func (c *Client) Metrics(ctx context.Context, id string) (metrics.Snapshot, error) {
	var snap metrics.Snapshot
	err := c.do(ctx, http.MethodGet, automationPath(id, "metrics"), nil, &snap)
	return snap, err
}

// Executions returns the most recent executions, newest first
func (c *Client) Executions(ctx context.Context, id string, limit int) ([]*execution.Execution, error) {
	path := automationPath(id, "executions")
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []*execution.Execution
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Upsert creates d or replaces the stored definition with the same id
func (c *Client) Upsert(ctx context.Context, d *automation.Definition) (*automation.Automation, error) {
	if d.ID == "" {
		return nil, errors.NewInvalidRequestError("upsert requires an automation id")
	}
	var a automation.Automation
	if err := c.do(ctx, http.MethodPut, automationPath(d.ID, "definition"), d, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// Update applies a partial update
func (c *Client) Update(ctx context.Context, id string, u automation.Update) (*automation.Automation, error) {
	var a automation.Automation
	if err := c.do(ctx, http.MethodPut, automationPath(id), u, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// Delete removes an automation
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, automationPath(id), nil, nil)
}

// Start starts a run. The server records the trigger as api.
func (c *Client) Start(ctx context.Context, id string, opts automation.StartOptions) (*execution.Execution, error) {
	var exec execution.Execution
	body := map[string]string{"user_id": opts.UserID}
	if err := c.do(ctx, http.MethodPost, automationPath(id, "start"), body, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// Stop requests cancellation of the live run
func (c *Client) Stop(ctx context.Context, id string) (*execution.Execution, error) {
	var exec execution.Execution
	if err := c.do(ctx, http.MethodPost, automationPath(id, "stop"), nil, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// Await polls until the automation has no live run and returns the latest execution
func (c *Client) Await(ctx context.Context, id string) (*execution.Execution, error) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		a, err := c.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if a.Current == nil {
			execs, err := c.Executions(ctx, id, 1)
			if err != nil {
				return nil, err
			}
			if len(execs) == 0 {
				return nil, errors.NewNotFoundError("execution for automation", id)
			}
			return execs[0], nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
