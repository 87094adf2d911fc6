// Package client provides a typed Go client for the govcore HTTP API.
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
	"strconv"
	"strings"
	"time"

	"github.com/sfgonsio/AI-Legal-Service/pkg/contracts"
)

// APIError is returned when the API responds with a non-2xx status. The
// fields mirror the RFC 7807 problem body.
type APIError struct {
	Status    int
	Type      string
	Title     string
	Detail    string
	ErrorCode contracts.ErrorCode
}

func (e *APIError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("govcore api %d: %s (%s)", e.Status, e.Detail, e.ErrorCode)
	}
	return fmt.Sprintf("govcore api %d: %s", e.Status, e.Detail)
}

// IsCode reports whether err is an APIError carrying code.
func IsCode(err error, code contracts.ErrorCode) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == code
}

// Client is a typed client for the govcore API.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// New creates a new Client.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Option configures the client.
type Option func(*Client)

// WithToken sets the bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.Token = token }
}

// WithTimeout sets the HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.HTTPClient.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.HTTPClient = h }
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode, Detail: http.StatusText(resp.StatusCode)}
		var problem struct {
			Type      string              `json:"type"`
			Title     string              `json:"title"`
			Detail    string              `json:"detail"`
			ErrorCode contracts.ErrorCode `json:"error_code"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&problem); err == nil {
			apiErr.Type = problem.Type
			apiErr.Title = problem.Title
			apiErr.ErrorCode = problem.ErrorCode
			if problem.Detail != "" {
				apiErr.Detail = problem.Detail
			}
		}
		return apiErr
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) (map[string]string, error) {
	var out map[string]string
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

// CreateRun calls POST /v1/runs. A request with ParentRunID spawns a
// running child of that run.
func (c *Client) CreateRun(ctx context.Context, req CreateRunRequest) (*contracts.Run, error) {
	var out contracts.Run
	if err := c.do(ctx, http.MethodPost, "/v1/runs", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRun calls GET /v1/runs/{id}.
func (c *Client) GetRun(ctx context.Context, runID string) (*RunView, error) {
	var out RunView
	if err := c.do(ctx, http.MethodGet, runPath(runID, ""), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StartRun calls POST /v1/runs/{id}/start.
func (c *Client) StartRun(ctx context.Context, runID string) (*contracts.Run, error) {
	return c.runOp(ctx, runID, "start", nil)
}

// WaitRun calls POST /v1/runs/{id}/wait.
func (c *Client) WaitRun(ctx context.Context, runID string) (*contracts.Run, error) {
	return c.runOp(ctx, runID, "wait", nil)
}

// ResumeRun calls POST /v1/runs/{id}/resume.
func (c *Client) ResumeRun(ctx context.Context, runID string) (*contracts.Run, error) {
	return c.runOp(ctx, runID, "resume", nil)
}

// CompleteRun calls POST /v1/runs/{id}/complete.
func (c *Client) CompleteRun(ctx context.Context, runID string, outputs []contracts.ArtifactRef) (*contracts.Run, error) {
	return c.runOp(ctx, runID, "complete", map[string]any{"output_artifacts": outputs})
}

// CancelRun calls POST /v1/runs/{id}/cancel.
func (c *Client) CancelRun(ctx context.Context, runID, reason string) (*contracts.Run, error) {
	return c.runOp(ctx, runID, "cancel", map[string]string{"reason": reason})
}

// RetryRun calls POST /v1/runs/{id}/retry. The returned run is new and
// has the failed run as its parent.
func (c *Client) RetryRun(ctx context.Context, runID string) (*contracts.Run, error) {
	return c.runOp(ctx, runID, "retry", nil)
}

func (c *Client) runOp(ctx context.Context, runID, op string, body any) (*contracts.Run, error) {
	var out contracts.Run
	if err := c.do(ctx, http.MethodPost, runPath(runID, op), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// InvokeTool calls POST /v1/runs/{id}/tools. A policy denial is a
// successful call whose response outcome is deny.
func (c *Client) InvokeTool(ctx context.Context, runID string, req contracts.ToolCallRequest) (*contracts.ToolCallResponse, error) {
	var out contracts.ToolCallResponse
	if err := c.do(ctx, http.MethodPost, runPath(runID, "tools"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Authorize calls POST /v1/authorize.
func (c *Client) Authorize(ctx context.Context, req AuthorizeRequest) (*AuthorizeResponse, error) {
	var out AuthorizeResponse
	if err := c.do(ctx, http.MethodPost, "/v1/authorize", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// QueryAudit calls GET /v1/audit.
func (c *Client) QueryAudit(ctx context.Context, q AuditQuery) ([]contracts.AuditEvent, error) {
	var out struct {
		Events []contracts.AuditEvent `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/audit?"+q.values().Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// VerifyAudit calls GET /v1/audit/verify.
func (c *Client) VerifyAudit(ctx context.Context, runID string) (*VerifyResult, error) {
	var out VerifyResult
	if err := c.do(ctx, http.MethodGet, "/v1/audit/verify?run_id="+url.QueryEscape(runID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func runPath(runID, op string) string {
	p := "/v1/runs/" + url.PathEscape(runID)
	if op != "" {
		p += "/" + op
	}
	return p
}

func (q AuditQuery) values() url.Values {
	v := url.Values{}
	set := func(k, val string) {
		if val != "" {
			v.Set(k, val)
		}
	}
	set("run_id", q.RunID)
	set("case_id", q.CaseID)
	set("lane_id", q.LaneID)
	for _, a := range q.ActionTypes {
		v.Add("action_type", string(a))
	}
	if !q.Since.IsZero() {
		v.Set("since", q.Since.UTC().Format(time.RFC3339))
	}
	if !q.Until.IsZero() {
		v.Set("until", q.Until.UTC().Format(time.RFC3339))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}
