package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sfgonsio/AI-Legal-Service/pkg/artifacts"
	"github.com/sfgonsio/AI-Legal-Service/pkg/audit"
	"github.com/sfgonsio/AI-Legal-Service/pkg/canonicalize"
	"github.com/sfgonsio/AI-Legal-Service/pkg/contracts"
	"github.com/sfgonsio/AI-Legal-Service/pkg/gateway"
	"github.com/sfgonsio/AI-Legal-Service/pkg/policy"
	"github.com/sfgonsio/AI-Legal-Service/pkg/policy/policytest"
	"github.com/sfgonsio/AI-Legal-Service/pkg/run"
)

type fixture struct {
	ctrl      *run.Controller
	ledger    *audit.MemoryLedger
	artifacts *artifacts.MemoryStore
	gw        *gateway.Gateway
	fetches   atomic.Int32
}

func newFixture(t *testing.T, opts ...gateway.Option) *fixture {
	t.Helper()
	f := &fixture{ledger: audit.NewMemoryLedger(), artifacts: artifacts.NewMemoryStore()}
	var n atomic.Int32
	f.ctrl = run.NewController(run.NewMemoryStore(), f.ledger, policytest.Registry(t),
		run.WithClock(func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }),
		run.WithRunIDs(func() string { return fmt.Sprintf("run-%02d", n.Add(1)) }),
	)

	adapters, err := gateway.NewAdapters(
		&gateway.FuncAdapter{ToolName: policytest.ToolFetch, Fn: func(_ context.Context, c gateway.Call) (gateway.Result, error) {
			f.fetches.Add(1)
			var params struct {
				DocumentID string `json:"document_id"`
			}
			if err := json.Unmarshal(c.Parameters, &params); err != nil {
				return gateway.Result{}, err
			}
			return gateway.Result{
				Output:    map[string]any{"document_id": params.DocumentID, "pages": 3},
				Artifacts: []gateway.Output{{Kind: "document", Data: []byte("contents of " + params.DocumentID)}},
			}, nil
		}},
		&gateway.FuncAdapter{ToolName: policytest.ToolSlow, Fn: func(ctx context.Context, _ gateway.Call) (gateway.Result, error) {
			<-ctx.Done()
			return gateway.Result{}, ctx.Err()
		}},
		&gateway.FuncAdapter{ToolName: policytest.ToolBroken, Fn: func(context.Context, gateway.Call) (gateway.Result, error) {
			return gateway.Result{}, errors.New("upstream unavailable: secret=hunter2")
		}},
		&gateway.FuncAdapter{ToolName: policytest.ToolPlanned, Fn: func(context.Context, gateway.Call) (gateway.Result, error) {
			return gateway.Result{Output: "never"}, nil
		}},
	)
	require.NoError(t, err)

	opts = append([]gateway.Option{gateway.WithArtifacts(f.artifacts)}, opts...)
	f.gw = gateway.New(f.ctrl, adapters, opts...)
	return f
}

func (f *fixture) agent(t *testing.T) *run.Handle {
	t.Helper()
	ctx := context.Background()
	r, err := f.ctrl.Create(ctx, run.CreateRequest{
		Kind:            contracts.RunKindAgent,
		CaseID:          "CASE-1",
		LaneID:          policytest.Lane,
		RoleID:          policytest.Role,
		Actor:           contracts.Actor{Type: contracts.ActorAgent, ID: "agent-1"},
		ContractVersion: "v1.0.0",
	})
	require.NoError(t, err)
	h, err := f.ctrl.Start(ctx, r.RunID)
	require.NoError(t, err)
	return h
}

func request(h *run.Handle, tool string, params string) contracts.ToolCallRequest {
	return contracts.ToolCallRequest{
		ToolName:       tool,
		LaneID:         policytest.Lane,
		RoleID:         policytest.Role,
		Actor:          contracts.Actor{Type: contracts.ActorAgent, ID: "agent-1"},
		CaseID:         contracts.StringPtr("CASE-1"),
		RunID:          h.RunID(),
		InputArtifacts: []contracts.ArtifactRef{{Locator: "mem://in", ContentHash: "sha256:aa", Kind: "document"}},
		Parameters:     json.RawMessage(params),
		Scope:          policytest.Scope(),
	}
}

func (f *fixture) events(t *testing.T, runID string) []contracts.AuditEvent {
	t.Helper()
	events, err := f.ledger.Query(context.Background(), audit.Filter{RunID: runID})
	require.NoError(t, err)
	return events
}

func (f *fixture) requireChain(t *testing.T, runID string, outcome contracts.ActionType) []contracts.AuditEvent {
	t.Helper()
	events := f.events(t, runID)
	require.NoError(t, audit.VerifyChain(events))
	require.NoError(t, audit.VerifyMandatoryChain(events))
	require.Len(t, events, 6)
	assert.Equal(t, outcome, events[4].ActionType)
	return events
}

func (f *fixture) status(t *testing.T, runID string) contracts.RunStatus {
	t.Helper()
	r, err := f.ctrl.Get(context.Background(), runID)
	require.NoError(t, err)
	return r.Status
}

func TestInvoke_Success(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := f.agent(t)

	resp, err := f.gw.Invoke(ctx, h, request(h, policytest.ToolFetch, `{"document_id":"D-1"}`))
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeSuccess, resp.Outcome)
	assert.Nil(t, resp.Error)
	assert.NotEqual(t, h.RunID(), resp.RunID)

	child, err := f.ctrl.Get(ctx, resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, contracts.RunKindToolGateway, child.Kind)
	assert.Equal(t, contracts.RunStatusCompleted, child.Status)
	assert.Equal(t, h.RunID(), contracts.Deref(child.ParentRunID))
	assert.Equal(t, h.RootRunID(), child.RootRunID)
	assert.Equal(t, h.Refs(), child.PolicyVersionRefs)

	wantHash, err := canonicalize.CanonicalHash(map[string]any{"document_id": "D-1", "pages": 3})
	require.NoError(t, err)
	assert.Equal(t, wantHash, resp.ResponseHash)

	require.Len(t, resp.OutputArtifacts, 2)
	assert.Equal(t, gateway.OutputArtifactKind, resp.OutputArtifacts[0].Kind)
	assert.Equal(t, "document", resp.OutputArtifacts[1].Kind)
	for _, ref := range resp.OutputArtifacts {
		require.NoError(t, artifacts.Verify(ctx, f.artifacts, ref))
	}
	assert.Equal(t, resp.OutputArtifacts, child.OutputArtifacts)

	events := f.requireChain(t, resp.RunID, contracts.ActionToolExecuted)
	executed := events[4]
	require.NotNil(t, executed.ResponseHash)
	assert.Equal(t, resp.ResponseHash, *executed.ResponseHash)
	assert.Equal(t, resp.OutputArtifacts, executed.OutputArtifacts)
	assert.Equal(t, policytest.Lane, events[1].Target.Name)
	for _, ev := range events[2:5] {
		assert.NotEmpty(t, ev.RequestHash)
		assert.Equal(t, contracts.TargetTool, ev.Target.Kind)
		assert.Equal(t, policytest.ToolFetch, ev.Target.Name)
	}
	assert.Equal(t, contracts.OutcomeSuccess, events[5].Outcome)

	// The parent's own chain only records its creation.
	parent := f.events(t, h.RunID())
	require.Len(t, parent, 1)
	assert.Equal(t, contracts.ActionRunCreated, parent[0].ActionType)
}

func TestInvoke_Denied(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*contracts.ToolCallRequest)
		code      contracts.ErrorCode
		laneAllow contracts.Outcome
	}{
		{
			name:      "disabled tool",
			mutate:    func(r *contracts.ToolCallRequest) { r.ToolName = policytest.ToolDisabled },
			code:      contracts.ErrPolicyDenied,
			laneAllow: contracts.OutcomeAllow,
		},
		{
			name:      "planned tool",
			mutate:    func(r *contracts.ToolCallRequest) { r.ToolName = policytest.ToolPlanned },
			code:      contracts.ErrToolNotImplemented,
			laneAllow: contracts.OutcomeAllow,
		},
		{
			name:      "missing scope key",
			mutate:    func(r *contracts.ToolCallRequest) { r.Scope = map[string]string{} },
			code:      contracts.ErrPolicyDenied,
			laneAllow: contracts.OutcomeAllow,
		},
		{
			name: "prohibition",
			mutate: func(r *contracts.ToolCallRequest) {
				r.Scope = map[string]string{"case_id": "CASE-1", "target_case_id": "CASE-2"}
			},
			code:      contracts.ErrPolicyDenied,
			laneAllow: contracts.OutcomeAllow,
		},
		{
			name:      "role not allowed",
			mutate:    func(r *contracts.ToolCallRequest) { r.RoleID = policytest.OtherRole },
			code:      contracts.ErrPolicyDenied,
			laneAllow: contracts.OutcomeDeny,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			h := f.agent(t)
			req := request(h, policytest.ToolFetch, `{"document_id":"D-1"}`)
			tt.mutate(&req)

			resp, err := f.gw.Invoke(context.Background(), h, req)
			require.NoError(t, err)
			assert.Equal(t, contracts.OutcomeDeny, resp.Outcome)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
			assert.False(t, resp.Error.Retryable)
			assert.Empty(t, resp.OutputArtifacts)
			assert.Equal(t, contracts.RunStatusCompleted, f.status(t, resp.RunID))

			events := f.requireChain(t, resp.RunID, contracts.ActionToolDenied)
			assert.Equal(t, tt.laneAllow, events[1].Outcome)
			assert.Equal(t, contracts.OutcomeDeny, events[3].Outcome)
			assert.Equal(t, tt.code, events[4].Error.Code)
		})
	}
	t.Run("planned tool never reaches the adapter", func(t *testing.T) {
		f := newFixture(t)
		h := f.agent(t)
		resp, err := f.gw.Invoke(context.Background(), h, request(h, policytest.ToolPlanned, `{}`))
		require.NoError(t, err)
		assert.Equal(t, contracts.OutcomeDeny, resp.Outcome)
		assert.Zero(t, f.fetches.Load())
	})
}

func TestInvoke_MissingAdapterIsNotImplemented(t *testing.T) {
	f := newFixture(t)
	h := f.agent(t)
	req := request(h, policytest.ToolStore, `{}`)

	resp, err := f.gw.Invoke(context.Background(), h, req)
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeDeny, resp.Outcome)
	require.NotNil(t, resp.Error)
	assert.Equal(t, contracts.ErrToolNotImplemented, resp.Error.Code)
	f.requireChain(t, resp.RunID, contracts.ActionToolDenied)
}

func TestInvoke_Timeout(t *testing.T) {
	f := newFixture(t)
	h := f.agent(t)

	start := time.Now()
	resp, err := f.gw.Invoke(context.Background(), h, request(h, policytest.ToolSlow, `{}`))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, contracts.OutcomeFailure, resp.Outcome)
	require.NotNil(t, resp.Error)
	assert.Equal(t, contracts.ErrToolTimeout, resp.Error.Code)
	assert.True(t, resp.Error.Retryable)
	assert.Equal(t, contracts.RunStatusFailed, f.status(t, resp.RunID))

	events := f.requireChain(t, resp.RunID, contracts.ActionToolTimeout)
	assert.Equal(t, contracts.OutcomeFailure, events[5].Outcome)
}

func TestInvoke_AdapterFailureIsClassified(t *testing.T) {
	f := newFixture(t)
	h := f.agent(t)

	resp, err := f.gw.Invoke(context.Background(), h, request(h, policytest.ToolBroken, `{}`))
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeFailure, resp.Outcome)
	require.NotNil(t, resp.Error)
	assert.Equal(t, contracts.ErrToolDependencyDown, resp.Error.Code)
	assert.True(t, resp.Error.Retryable)
	assert.NotContains(t, resp.Error.Message, "hunter2")

	events := f.requireChain(t, resp.RunID, contracts.ActionToolFailed)
	assert.NotContains(t, events[4].Reason, "hunter2")

	r, err := f.ctrl.Get(context.Background(), resp.RunID)
	require.NoError(t, err)
	require.NotNil(t, r.Diagnostic)
	assert.Equal(t, contracts.ErrToolDependencyDown, r.Diagnostic.Code)
}

func TestInvoke_InvalidArguments(t *testing.T) {
	tests := []struct {
		name   string
		tool   string
		params string
		mutate func(*contracts.ToolCallRequest)
	}{
		{name: "schema violation", tool: policytest.ToolFetch, params: `{}`},
		{name: "wrong type", tool: policytest.ToolFetch, params: `{"document_id":7}`},
		{
			name: "retry without key", tool: policytest.ToolFetch, params: `{"document_id":"D-1"}`,
			mutate: func(r *contracts.ToolCallRequest) { r.Retry = true },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			h := f.agent(t)
			req := request(h, tt.tool, tt.params)
			if tt.mutate != nil {
				tt.mutate(&req)
			}
			resp, err := f.gw.Invoke(context.Background(), h, req)
			require.NoError(t, err)
			assert.Equal(t, contracts.OutcomeFailure, resp.Outcome)
			require.NotNil(t, resp.Error)
			assert.Equal(t, contracts.ErrToolInvalidArguments, resp.Error.Code)
			assert.False(t, resp.Error.Retryable)
			assert.Zero(t, f.fetches.Load())
			assert.Equal(t, contracts.RunStatusFailed, f.status(t, resp.RunID))
			f.requireChain(t, resp.RunID, contracts.ActionToolFailed)
		})
	}
}

func TestInvoke_MalformedRequestRejectedBeforeAuthorization(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*contracts.ToolCallRequest)
	}{
		{"missing role", func(r *contracts.ToolCallRequest) { r.RoleID = "" }},
		{"missing lane", func(r *contracts.ToolCallRequest) { r.LaneID = "" }},
		{"missing scope", func(r *contracts.ToolCallRequest) { r.Scope = nil }},
		{"missing run id", func(r *contracts.ToolCallRequest) { r.RunID = "" }},
		{"parameters not json", func(r *contracts.ToolCallRequest) { r.Parameters = json.RawMessage(`{"document_id":`) }},
		{"foreign run id", func(r *contracts.ToolCallRequest) { r.RunID = "someone-else" }},
		{"request hash mismatch", func(r *contracts.ToolCallRequest) { r.RequestHash = "deadbeef" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			h := f.agent(t)
			req := request(h, policytest.ToolFetch, `{"document_id":"D-1"}`)
			tt.mutate(&req)

			resp, err := f.gw.Invoke(context.Background(), h, req)
			require.NoError(t, err)
			assert.Equal(t, contracts.OutcomeFailure, resp.Outcome)
			require.NotNil(t, resp.Error)
			assert.Equal(t, contracts.ErrToolInvalidArguments, resp.Error.Code)
			assert.False(t, resp.Error.Retryable)
			assert.Zero(t, f.fetches.Load())
			assert.Equal(t, contracts.RunStatusFailed, f.status(t, resp.RunID))

			events := f.events(t, resp.RunID)
			require.NoError(t, audit.VerifyChain(events))
			actions := make([]contracts.ActionType, 0, len(events))
			for _, ev := range events {
				actions = append(actions, ev.ActionType)
			}
			assert.Equal(t, []contracts.ActionType{
				contracts.ActionRunCreated,
				contracts.ActionToolFailed,
				contracts.ActionRunCompleted,
			}, actions)
			assert.Equal(t, contracts.ErrToolInvalidArguments, events[1].Error.Code)
		})
	}
}

func TestInvoke_TimeoutRetryableComesFromAdapter(t *testing.T) {
	f := newFixture(t)
	h := f.agent(t)
	var classified atomic.Int32
	adapters, err := gateway.NewAdapters(&gateway.FuncAdapter{
		ToolName: policytest.ToolSlow,
		Fn: func(ctx context.Context, _ gateway.Call) (gateway.Result, error) {
			<-ctx.Done()
			return gateway.Result{}, ctx.Err()
		},
		Classifier: func(err error) *contracts.ToolError {
			classified.Add(1)
			assert.ErrorIs(t, err, context.DeadlineExceeded)
			return contracts.NewToolError(contracts.ErrToolTimeout, "slow tool gave up", false)
		},
	})
	require.NoError(t, err)
	gw := gateway.New(f.ctrl, adapters)

	resp, err := gw.Invoke(context.Background(), h, request(h, policytest.ToolSlow, `{}`))
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, contracts.ErrToolTimeout, resp.Error.Code)
	assert.False(t, resp.Error.Retryable)
	assert.Equal(t, "slow tool gave up", resp.Error.Message)
	assert.EqualValues(t, 1, classified.Load())
	f.requireChain(t, resp.RunID, contracts.ActionToolTimeout)
}

func TestInvoke_RetryOfNonIdempotentTool(t *testing.T) {
	f := newFixture(t)
	h := f.agent(t)
	var called atomic.Bool
	adapters, err := gateway.NewAdapters(&gateway.FuncAdapter{
		ToolName: policytest.ToolStore,
		Fn: func(context.Context, gateway.Call) (gateway.Result, error) {
			called.Store(true)
			return gateway.Result{Output: "stored"}, nil
		},
	})
	require.NoError(t, err)
	gw := gateway.New(f.ctrl, adapters)

	req := request(h, policytest.ToolStore, `{}`)
	req.Retry = true
	req.IdempotencyKey = "k-1"
	resp, err := gw.Invoke(context.Background(), h, req)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, contracts.ErrToolInvalidArguments, resp.Error.Code)
	assert.False(t, called.Load())
	f.requireChain(t, resp.RunID, contracts.ActionToolFailed)
}

func TestInvoke_IdempotentRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := f.agent(t)

	req := request(h, policytest.ToolFetch, `{"document_id":"D-1"}`)
	req.IdempotencyKey = "fetch-D-1"
	first, err := f.gw.Invoke(ctx, h, req)
	require.NoError(t, err)
	require.Equal(t, contracts.OutcomeSuccess, first.Outcome)

	req.Retry = true
	second, err := f.gw.Invoke(ctx, h, req)
	require.NoError(t, err)
	require.Equal(t, contracts.OutcomeSuccess, second.Outcome)

	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, first.ResponseHash, second.ResponseHash)
	assert.EqualValues(t, 2, f.fetches.Load())

	remembered, ok := f.gw.Remembered(policytest.ToolFetch, "fetch-D-1")
	require.True(t, ok)
	assert.Equal(t, second.RunID, remembered.RunID)
	_, ok = f.gw.Remembered(policytest.ToolFetch, "other")
	assert.False(t, ok)
}

func TestInvoke_RequestHashMatches(t *testing.T) {
	f := newFixture(t)
	h := f.agent(t)
	req := request(h, policytest.ToolFetch, `{"document_id":"D-1"}`)
	hash, err := canonicalize.CanonicalHash(req.HashView())
	require.NoError(t, err)
	req.RequestHash = hash

	resp, err := f.gw.Invoke(context.Background(), h, req)
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeSuccess, resp.Outcome)
	events := f.requireChain(t, resp.RunID, contracts.ActionToolExecuted)
	assert.Equal(t, hash, events[2].RequestHash)
}

type exhaustedLimiter struct{ keys []string }

func (l *exhaustedLimiter) Acquire(_ context.Context, key string, _ policy.RateLimit) error {
	l.keys = append(l.keys, key)
	return gateway.ErrRateLimited
}

func TestInvoke_RateLimited(t *testing.T) {
	lim := &exhaustedLimiter{}
	f := newFixture(t, gateway.WithLimiter(lim), gateway.WithDefaultRateLimit(policy.RateLimit{RPS: 1, Burst: 1}))
	h := f.agent(t)

	resp, err := f.gw.Invoke(context.Background(), h, request(h, policytest.ToolFetch, `{"document_id":"D-1"}`))
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeFailure, resp.Outcome)
	require.NotNil(t, resp.Error)
	assert.Equal(t, contracts.ErrToolDependencyDown, resp.Error.Code)
	assert.True(t, resp.Error.Retryable)
	assert.Equal(t, []string{policytest.ToolFetch}, lim.keys)
	assert.Zero(t, f.fetches.Load())
	f.requireChain(t, resp.RunID, contracts.ActionToolFailed)
}

func TestInvoke_LocalLimiter(t *testing.T) {
	f := newFixture(t,
		gateway.WithLimiter(gateway.NewLocalLimiter()),
		gateway.WithDefaultRateLimit(policy.RateLimit{RPS: 0.001, Burst: 1}),
	)
	h := f.agent(t)
	ctx := context.Background()

	first, err := f.gw.Invoke(ctx, h, request(h, policytest.ToolFetch, `{"document_id":"D-1"}`))
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeSuccess, first.Outcome)

	second, err := f.gw.Invoke(ctx, h, request(h, policytest.ToolFetch, `{"document_id":"D-2"}`))
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeFailure, second.Outcome)
	assert.Equal(t, contracts.ErrToolDependencyDown, second.Error.Code)
}

func TestInvoke_ToolGatewayHandle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r, err := f.ctrl.Create(ctx, run.CreateRequest{
		Kind:            contracts.RunKindToolGateway,
		CaseID:          "CASE-1",
		LaneID:          policytest.Lane,
		RoleID:          policytest.Role,
		Actor:           contracts.Actor{Type: contracts.ActorAgent, ID: "agent-1"},
		ContractVersion: "v1.0.0",
	})
	require.NoError(t, err)
	h, err := f.ctrl.Start(ctx, r.RunID)
	require.NoError(t, err)

	resp, err := f.gw.Invoke(ctx, h, request(h, policytest.ToolFetch, `{"document_id":"D-1"}`))
	require.NoError(t, err)
	assert.Equal(t, r.RunID, resp.RunID)
	f.requireChain(t, r.RunID, contracts.ActionToolExecuted)

	children, err := f.ctrl.Children(ctx, r.RunID)
	require.NoError(t, err)
	assert.Empty(t, children)

	_, err = f.gw.Invoke(ctx, h, request(h, policytest.ToolFetch, `{"document_id":"D-1"}`))
	require.ErrorIs(t, err, gateway.ErrRunNotRunning)
}

func TestInvoke_ParentMustBeRunning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := f.agent(t)
	_, err := f.ctrl.Complete(ctx, h.RunID(), nil)
	require.NoError(t, err)

	_, err = f.gw.Invoke(ctx, h, request(h, policytest.ToolFetch, `{"document_id":"D-1"}`))
	require.ErrorIs(t, err, run.ErrParentNotRunning)

	_, err = f.gw.Invoke(ctx, nil, contracts.ToolCallRequest{})
	require.ErrorIs(t, err, gateway.ErrNoHandle)
}

func TestInvoke_CallerCancellationStillCompletesChain(t *testing.T) {
	f := newFixture(t)
	h := f.agent(t)
	ctx, cancel := context.WithCancel(context.Background())
	adapters, err := gateway.NewAdapters(&gateway.FuncAdapter{
		ToolName: policytest.ToolBroken,
		Fn: func(ctx context.Context, _ gateway.Call) (gateway.Result, error) {
			cancel()
			<-ctx.Done()
			return gateway.Result{}, ctx.Err()
		},
	})
	require.NoError(t, err)
	gw := gateway.New(f.ctrl, adapters)

	resp, err := gw.Invoke(ctx, h, request(h, policytest.ToolBroken, `{}`))
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeFailure, resp.Outcome)
	assert.Equal(t, contracts.ErrToolInternalError, resp.Error.Code)
	f.requireChain(t, resp.RunID, contracts.ActionToolFailed)
}

func TestInvoke_Concurrent(t *testing.T) {
	f := newFixture(t)
	h := f.agent(t)
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	runIDs := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := f.gw.Invoke(ctx, h, request(h, policytest.ToolFetch, fmt.Sprintf(`{"document_id":"D-%d"}`, i)))
			assert.NoError(t, err)
			assert.Equal(t, contracts.OutcomeSuccess, resp.Outcome)
			runIDs[i] = resp.RunID
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, id := range runIDs {
		require.False(t, seen[id])
		seen[id] = true
		f.requireChain(t, id, contracts.ActionToolExecuted)
	}
	children, err := f.ctrl.Children(ctx, h.RunID())
	require.NoError(t, err)
	assert.Len(t, children, n)
}
