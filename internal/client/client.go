// Package client talks to the execution API over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/xeet991fx/mrmorris-build-sub005/internal/dryrun"
	"github.com/xeet991fx/mrmorris-build-sub005/internal/execution"
	"github.com/xeet991fx/mrmorris-build-sub005/internal/monitor"
	"github.com/xeet991fx/mrmorris-build-sub005/internal/query"
)

// ErrUnexpectedStatus is wrapped by every non-2xx response.
var ErrUnexpectedStatus = errors.New("unexpected response status")

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.RequestID != "" {
		return fmt.Sprintf("%s (status %d, request %s)", msg, e.StatusCode, e.RequestID)
	}
	return fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
}

func (e *APIError) Unwrap() []error {
	if e.StatusCode == http.StatusNotFound {
		return []error{ErrUnexpectedStatus, execution.ErrNotFound}
	}
	return []error{ErrUnexpectedStatus}
}

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// Health is the server's health report.
type Health struct {
	Status   string `json:"status"`
	Database bool   `json:"database"`
	Uptime   string `json:"uptime"`
}

// Client is an HTTP client for the execution API. It implements the
// collaborator a viewing session reads from.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	stream  *http.Client
	tracer  *monitor.Tracer
}

// New returns a client for the server at baseURL. Timeout bounds every call
// except the event stream.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		stream:  &http.Client{},
		tracer:  monitor.NewTracer(),
	}
}

func agentPath(workspaceID, agentID string, rest ...string) string {
	p := "/v1/workspaces/" + url.PathEscape(workspaceID) + "/agents/" + url.PathEscape(agentID)
	for _, r := range rest {
		p += "/" + url.PathEscape(r)
	}
	return p
}

func (c *Client) newRequest(ctx context.Context, method, path string, q url.Values, body any) (*http.Request, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	return req, nil
}

// do sends the request and returns a 2xx response; anything else becomes an
// *APIError.
func (c *Client) do(hc *http.Client, req *http.Request) (*http.Response, error) {
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	apiErr := &APIError{StatusCode: resp.StatusCode}
	var eb errorBody
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(&eb); err == nil {
		apiErr.Code, apiErr.Message, apiErr.RequestID = eb.Code, eb.Error, eb.RequestID
	}
	return nil, apiErr
}

func (c *Client) getJSON(ctx context.Context, method, path string, q url.Values, body, out any) error {
	req, err := c.newRequest(ctx, method, path, q, body)
	if err != nil {
		return err
	}
	resp, err := c.do(c.http, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// ListExecutions returns one page of executions.
func (c *Client) ListExecutions(ctx context.Context, workspaceID, agentID string, lr query.ListRequest) (res execution.ListResult, err error) {
	ctx, span := c.tracer.StartSpan(ctx, "list",
		monitor.AttrWorkspaceID.String(workspaceID), monitor.AttrAgentID.String(agentID))
	defer func() { monitor.EndSpan(span, err) }()

	err = c.getJSON(ctx, http.MethodGet, agentPath(workspaceID, agentID, "executions"), lr.Values(), nil, &res)
	span.SetAttributes(monitor.AttrCount.Int(res.Count))
	return res, err
}

// GetExecution returns one execution with its steps.
func (c *Client) GetExecution(ctx context.Context, workspaceID, agentID, id string) (d execution.Detail, err error) {
	ctx, span := c.tracer.StartSpan(ctx, "get", monitor.AttrAgentID.String(agentID), monitor.AttrExecID.String(id))
	defer func() { monitor.EndSpan(span, err) }()

	if err = c.getJSON(ctx, http.MethodGet, agentPath(workspaceID, agentID, "executions", id), nil, nil, &d); err != nil {
		return execution.Detail{}, err
	}
	if err = d.Validate(); err != nil {
		return execution.Detail{}, err
	}
	return d, nil
}

// RetryExecution starts a new run of a failed execution.
func (c *Client) RetryExecution(ctx context.Context, workspaceID, agentID, id string) (res execution.RetryResult, err error) {
	ctx, span := c.tracer.StartSpan(ctx, "retry", monitor.AttrAgentID.String(agentID), monitor.AttrExecID.String(id))
	defer func() { monitor.EndSpan(span, err) }()

	err = c.getJSON(ctx, http.MethodPost, agentPath(workspaceID, agentID, "executions", id, "retry"), nil, struct{}{}, &res)
	return res, err
}

// ExportExecutions downloads every execution matching the filters. The full
// payload is read before returning.
func (c *Client) ExportExecutions(ctx context.Context, workspaceID, agentID string, er query.ExportRequest) (data []byte, err error) {
	ctx, span := c.tracer.StartSpan(ctx, "export",
		monitor.AttrAgentID.String(agentID), monitor.AttrFormat.String(string(er.Format)))
	defer func() { monitor.EndSpan(span, err) }()

	req, err := c.newRequest(ctx, http.MethodGet, agentPath(workspaceID, agentID, "executions", "export"), er.Values(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(c.http, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if data, err = io.ReadAll(resp.Body); err != nil {
		return nil, fmt.Errorf("reading export: %w", err)
	}
	return data, nil
}

// TestAgent dry-runs the agent's plan on the server.
func (c *Client) TestAgent(ctx context.Context, workspaceID, agentID string, tr dryrun.TestRequest) (res *dryrun.Result, err error) {
	ctx, span := c.tracer.StartSpan(ctx, "test", monitor.AttrAgentID.String(agentID))
	defer func() { monitor.EndSpan(span, err) }()

	res = &dryrun.Result{}
	if err = c.getJSON(ctx, http.MethodPost, agentPath(workspaceID, agentID, "test"), nil, tr, res); err != nil {
		return nil, err
	}
	return res, nil
}

// Report sends an execution report as the execution engine would. The server
// applies reports asynchronously.
func (c *Client) Report(ctx context.Context, workspaceID, agentID, id string, rep execution.Report) (err error) {
	ctx, span := c.tracer.StartSpan(ctx, "report", monitor.AttrAgentID.String(agentID), monitor.AttrExecID.String(id))
	defer func() { monitor.EndSpan(span, err) }()

	req, err := c.newRequest(ctx, http.MethodPost, agentPath(workspaceID, agentID, "executions", id, "reports"), nil, rep)
	if err != nil {
		return err
	}
	resp, err := c.do(c.http, req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

// Health returns the server health report.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.getJSON(ctx, http.MethodGet, "/health", nil, nil, &h)
	return h, err
}
