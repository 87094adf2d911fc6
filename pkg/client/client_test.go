package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sfgonsio/AI-Legal-Service/pkg/api"
	"github.com/sfgonsio/AI-Legal-Service/pkg/audit"
	"github.com/sfgonsio/AI-Legal-Service/pkg/client"
	"github.com/sfgonsio/AI-Legal-Service/pkg/contracts"
	"github.com/sfgonsio/AI-Legal-Service/pkg/gateway"
	"github.com/sfgonsio/AI-Legal-Service/pkg/policy/policytest"
	"github.com/sfgonsio/AI-Legal-Service/pkg/run"
)

func newServer(t *testing.T) (*httptest.Server, *api.Authenticator) {
	t.Helper()
	ledger := audit.NewMemoryLedger()
	registry := policytest.Registry(t)
	ctrl := run.NewController(run.NewMemoryStore(), ledger, registry)
	adapters, err := gateway.NewAdapters(
		&gateway.FuncAdapter{ToolName: policytest.ToolFetch, Fn: func(context.Context, gateway.Call) (gateway.Result, error) {
			return gateway.Result{Output: map[string]any{"pages": 2}}, nil
		}},
		&gateway.FuncAdapter{ToolName: policytest.ToolBroken, Fn: func(context.Context, gateway.Call) (gateway.Result, error) {
			return gateway.Result{}, errors.New("boom")
		}},
	)
	require.NoError(t, err)

	auth := api.NewAuthenticator("client-secret")
	s := api.NewServer(api.Deps{
		Runs:     ctrl,
		Gateway:  gateway.New(ctrl, adapters),
		Ledger:   ledger,
		Policies: registry,
	}, api.WithAuthenticator(auth))
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv, auth
}

func newClient(t *testing.T) *client.Client {
	t.Helper()
	srv, auth := newServer(t)
	tok, err := auth.Sign(api.Principal{Subject: "agent-1", ActorType: contracts.ActorAgent, Role: policytest.Role}, time.Hour)
	require.NoError(t, err)
	return client.New(srv.URL+"/", client.WithToken(tok), client.WithHTTPClient(srv.Client()))
}

func startAgent(t *testing.T, c *client.Client) string {
	t.Helper()
	ctx := context.Background()
	created, err := c.CreateRun(ctx, client.CreateRunRequest{
		Kind:            contracts.RunKindAgent,
		CaseID:          "CASE-1",
		LaneID:          policytest.Lane,
		ContractVersion: "v1.0.0",
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.RunStatusCreated, created.Status)

	started, err := c.StartRun(ctx, created.RunID)
	require.NoError(t, err)
	assert.Equal(t, contracts.RunStatusRunning, started.Status)
	return started.RunID
}

func TestClient_MediatedToolCall(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	health, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", health["status"])

	runID := startAgent(t, c)
	resp, err := c.InvokeTool(ctx, runID, contracts.ToolCallRequest{
		ToolName:   policytest.ToolFetch,
		Parameters: json.RawMessage(`{"document_id":"DOC-1"}`),
		Scope:      policytest.Scope(),
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeSuccess, resp.Outcome)
	assert.NotEmpty(t, resp.ResponseHash)

	verify, err := c.VerifyAudit(ctx, resp.RunID)
	require.NoError(t, err)
	assert.True(t, verify.ChainValid)
	require.NotNil(t, verify.MandatoryChainValid)
	assert.True(t, *verify.MandatoryChainValid)

	events, err := c.QueryAudit(ctx, client.AuditQuery{RunID: resp.RunID, ActionTypes: []contracts.ActionType{contracts.ActionToolExecuted}})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, contracts.ActionToolExecuted, events[0].ActionType)

	view, err := c.GetRun(ctx, runID)
	require.NoError(t, err)
	require.Len(t, view.Children, 1)
	assert.Equal(t, resp.RunID, view.Children[0].RunID)

	done, err := c.CompleteRun(ctx, runID, nil)
	require.NoError(t, err)
	assert.Equal(t, contracts.RunStatusCompleted, done.Status)
}

func TestClient_DenialIsAResponse(t *testing.T) {
	c := newClient(t)
	runID := startAgent(t, c)

	resp, err := c.InvokeTool(context.Background(), runID, contracts.ToolCallRequest{
		ToolName: policytest.ToolDisabled,
		Scope:    policytest.Scope(),
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeDeny, resp.Outcome)
	require.NotNil(t, resp.Error)
	assert.Equal(t, contracts.ErrPolicyDenied, resp.Error.Code)
}

func TestClient_AuthorizeIsRecorded(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()
	runID := startAgent(t, c)

	dec, err := c.Authorize(ctx, client.AuthorizeRequest{
		RunID:  runID,
		Target: contracts.Target{Kind: contracts.TargetTool, Name: policytest.ToolDisabled},
		Scope:  policytest.Scope(),
	})
	require.NoError(t, err)
	assert.Equal(t, "deny", dec.Decision)
	assert.Equal(t, contracts.ErrPolicyDenied, dec.ErrorCode)
	assert.NotEmpty(t, dec.DecisionHash)

	events, err := c.QueryAudit(ctx, client.AuditQuery{RunID: runID, ActionTypes: []contracts.ActionType{contracts.ActionAuthzDecision}})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestClient_RetryCreatesNewRun(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()
	runID := startAgent(t, c)

	resp, err := c.InvokeTool(ctx, runID, contracts.ToolCallRequest{
		ToolName: policytest.ToolBroken,
		Scope:    policytest.Scope(),
	})
	require.NoError(t, err)
	require.Equal(t, contracts.OutcomeFailure, resp.Outcome)

	retried, err := c.RetryRun(ctx, resp.RunID)
	require.NoError(t, err)
	assert.NotEqual(t, resp.RunID, retried.RunID)
	require.NotNil(t, retried.ParentRunID)
	assert.Equal(t, resp.RunID, *retried.ParentRunID)
	assert.Equal(t, contracts.RunStatusCreated, retried.Status)
}

func TestClient_ProblemsBecomeAPIErrors(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	_, err := c.GetRun(ctx, "absent")
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)

	runID := startAgent(t, c)
	_, err = c.CancelRun(ctx, runID, "operator")
	require.NoError(t, err)
	_, err = c.StartRun(ctx, runID)
	assert.True(t, client.IsCode(err, contracts.ErrInvalidStateTransition), "%v", err)

	anon := client.New(c.BaseURL, client.WithTimeout(5*time.Second))
	_, err = anon.GetRun(ctx, runID)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
}
