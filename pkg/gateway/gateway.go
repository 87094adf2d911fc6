// Package gateway is the tool mediation gateway. Every tool call a run makes
// passes through Invoke, which authorizes it against the run's pinned policy,
// executes it through an adapter under a timeout, and records the mandatory
// audit chain on a dedicated tool_gateway run.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/sfgonsio/AI-Legal-Service/pkg/artifacts"
	"github.com/sfgonsio/AI-Legal-Service/pkg/canonicalize"
	"github.com/sfgonsio/AI-Legal-Service/pkg/contracts"
	"github.com/sfgonsio/AI-Legal-Service/pkg/observability"
	"github.com/sfgonsio/AI-Legal-Service/pkg/policy"
	"github.com/sfgonsio/AI-Legal-Service/pkg/run"
)

const (
	// DefaultTimeout applies to tools without timeout_default_ms.
	DefaultTimeout = 30 * time.Second

	// OutputArtifactKind is the kind of the artifact holding a call's normalized output.
	OutputArtifactKind = "tool_output"
)

var (
	// ErrNoHandle is returned when Invoke is called without a run handle.
	ErrNoHandle = errors.New("gateway: no run handle")
	// ErrRunNotRunning is returned when the tool_gateway run is not running.
	ErrRunNotRunning = errors.New("gateway: run is not running")
)

// Option configures a Gateway.
type Option func(*Gateway)

// WithLimiter sets the rate limiter store. Without one, calls are not rate limited.
func WithLimiter(l LimiterStore) Option {
	return func(g *Gateway) { g.limiter = l }
}

// WithArtifacts sets the store output artifacts are registered in.
func WithArtifacts(s artifacts.Store) Option {
	return func(g *Gateway) { g.artifacts = s }
}

// WithObservability sets the telemetry provider.
func WithObservability(p *observability.Provider) Option {
	return func(g *Gateway) { g.obs = p }
}

// WithDefaultTimeout overrides DefaultTimeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.timeout = d }
}

// WithDefaultRateLimit applies limit to tools whose registry entry has none.
func WithDefaultRateLimit(limit policy.RateLimit) Option {
	return func(g *Gateway) { g.rateLimit = &limit }
}

// WithLogger overrides the gateway logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// Gateway mediates tool calls.
type Gateway struct {
	runs      *run.Controller
	adapters  *Adapters
	limiter   LimiterStore
	artifacts artifacts.Store
	obs       *observability.Provider
	timeout   time.Duration
	rateLimit *policy.RateLimit
	memory    *idempotencyMemory
	logger    *slog.Logger
}

// New wires a gateway over the run controller and adapter set.
func New(runs *run.Controller, adapters *Adapters, opts ...Option) *Gateway {
	g := &Gateway{
		runs:     runs,
		adapters: adapters,
		obs:      observability.Noop(),
		timeout:  DefaultTimeout,
		memory:   newIdempotencyMemory(),
		logger:   slog.Default().With("component", "gateway"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// call is the state of one mediated call.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type call struct {
	handle      *run.Handle
	req         contracts.ToolCallRequest
	requestHash string
	target      contracts.Target
}

func (c *call) event(action contracts.ActionType, outcome contracts.Outcome) *contracts.AuditEvent {
	ev := c.handle.Event(action, outcome, c.target)
	ev.RequestHash = c.requestHash
	ev.InputArtifacts = c.req.InputArtifacts
	return ev
}

// Invoke mediates one tool call on behalf of h. Policy denials and tool
// failures are reported in the response; the returned error is reserved for
// failures of the core itself (missing runs, ledger or store errors).
//
// When h is a tool_gateway run it carries the call itself and must be
// running. Otherwise a tool_gateway child of h is spawned for the call.
func (g *Gateway) Invoke(ctx context.Context, h *run.Handle, req contracts.ToolCallRequest) (contracts.ToolCallResponse, error) {
	if h == nil {
		return contracts.ToolCallResponse{}, ErrNoHandle
	}
	th, err := g.toolRun(ctx, h, req)
	if err != nil {
		return contracts.ToolCallResponse{}, err
	}

	requestHash, err := canonicalize.CanonicalHash(req.HashView())
	if err != nil {
		// Parameters that are not JSON are rejected later; hash the rest.
		view := req.HashView()
		view.Parameters = nil
		requestHash, err = canonicalize.CanonicalHash(view)
		if err != nil {
			return contracts.ToolCallResponse{}, fmt.Errorf("gateway: hash request: %w", err)
		}
	}
	c := &call{
		handle:      th,
		req:         req,
		requestHash: requestHash,
		target:      contracts.Target{Kind: contracts.TargetTool, Name: req.ToolName, Operation: req.Operation},
	}

	ctx, done := g.obs.TrackCall(ctx, "gateway.invoke",
		attribute.String("govcore.tool", req.ToolName),
		attribute.String("govcore.lane", req.LaneID),
	)
	resp, err := g.mediate(ctx, c)
	code := ""
	if resp.Error != nil {
		code = string(resp.Error.Code)
	}
	done(string(resp.Outcome), code)
	return resp, err
}

func (g *Gateway) toolRun(ctx context.Context, h *run.Handle, req contracts.ToolCallRequest) (*run.Handle, error) {
	if h.Kind() == contracts.RunKindToolGateway {
		r, err := g.runs.Get(ctx, h.RunID())
		if err != nil {
			return nil, err
		}
		if r.Status != contracts.RunStatusRunning {
			return nil, fmt.Errorf("%w: %s is %s", ErrRunNotRunning, r.RunID, r.Status)
		}
		return h, nil
	}
	return g.runs.Spawn(ctx, h, run.ChildRequest{
		Kind:           contracts.RunKindToolGateway,
		LaneID:         req.LaneID,
		RoleID:         req.RoleID,
		Actor:          req.Actor,
		CorrelationID:  contracts.Deref(req.CorrelationID),
		InputArtifacts: req.InputArtifacts,
		Scope:          req.Scope,
	})
}

func (g *Gateway) mediate(ctx context.Context, c *call) (contracts.ToolCallResponse, error) {
	// The chain must be completed even when the caller goes away.
	auditCtx := context.WithoutCancel(ctx)

	if toolErr := c.checkEnvelope(); toolErr != nil {
		g.logger.Warn("malformed tool call", "run_id", c.handle.RunID(), "tool", c.req.ToolName, "reason", toolErr.Message)
		return g.fail(auditCtx, c, contracts.ActionToolFailed, toolErr)
	}

	preq := policy.Request{
		Role:   c.req.RoleID,
		LaneID: c.req.LaneID,
		Target: c.target,
		Scope:  c.req.Scope,
	}
	decision := policy.Decide(ctx, c.handle.Snapshot(), preq)
	var adapter Adapter
	if allow, ok := decision.(policy.Allow); ok {
		var found bool
		if adapter, found = g.adapters.Get(c.req.ToolName); !found {
			decision = policy.NotImplemented(preq, allow.PolicyRefs)
		}
	}

	laneOutcome := contracts.OutcomeAllow
	if d, ok := decision.(policy.Deny); ok && d.Stage == policy.StageLane {
		laneOutcome = contracts.OutcomeDeny
	}
	lane := c.event(contracts.ActionLaneAuthorized, laneOutcome)
	lane.Target = contracts.Target{Kind: contracts.TargetRun, Name: c.req.LaneID}
	if err := g.runs.Emit(auditCtx, lane); err != nil {
		return contracts.ToolCallResponse{}, err
	}
	if err := g.runs.Emit(auditCtx, c.event(contracts.ActionToolRequested, contracts.OutcomeSuccess)); err != nil {
		return contracts.ToolCallResponse{}, err
	}

	switch d := decision.(type) {
	case policy.Deny:
		return g.deny(auditCtx, c, d)
	case policy.Allow:
		allowed := c.event(contracts.ActionToolAllowed, contracts.OutcomeAllow)
		allowed.Reason = "decision " + d.DecisionHash
		if err := g.runs.Emit(auditCtx, allowed); err != nil {
			return contracts.ToolCallResponse{}, err
		}
		return g.execute(ctx, auditCtx, c, d.Tool, adapter)
	default:
		return contracts.ToolCallResponse{}, fmt.Errorf("gateway: unknown decision type %T", decision)
	}
}

func (g *Gateway) deny(ctx context.Context, c *call, d policy.Deny) (contracts.ToolCallResponse, error) {
	reason := string(d.Reason)
	if d.Detail != "" {
		reason += ": " + d.Detail
	}
	toolErr := contracts.NewToolError(d.Reason.ErrorCode(), reason, false)

	verdict := c.event(contracts.ActionToolAllowed, contracts.OutcomeDeny)
	verdict.Reason = toolErr.Message
	if err := g.runs.Emit(ctx, verdict); err != nil {
		return contracts.ToolCallResponse{}, err
	}
	denied := c.event(contracts.ActionToolDenied, contracts.OutcomeDeny)
	denied.Reason = toolErr.Message
	denied.Error = toolErr
	if err := g.runs.Emit(ctx, denied); err != nil {
		return contracts.ToolCallResponse{}, err
	}
	if _, err := g.runs.Complete(ctx, c.handle.RunID(), nil); err != nil {
		return contracts.ToolCallResponse{}, err
	}
	g.logger.Info("tool call denied", "run_id", c.handle.RunID(), "tool", c.req.ToolName,
		"reason", d.Reason, "stage", d.Stage, "request_hash", c.requestHash)
	return contracts.ToolCallResponse{
		Outcome:         contracts.OutcomeDeny,
		RunID:           c.handle.RunID(),
		OutputArtifacts: []contracts.ArtifactRef{},
		Error:           toolErr,
	}, nil
}

func invalidArguments(msg string) *contracts.ToolError {
	return contracts.NewToolError(contracts.ErrToolInvalidArguments, msg, false)
}

// checkEnvelope validates the request shape before any authorization.
func (c *call) checkEnvelope() *contracts.ToolError {
	req := c.req
	switch {
	case req.RoleID == "" || req.LaneID == "" || req.RunID == "" || req.ToolName == "" || req.Scope == nil:
		return invalidArguments("request is missing role_id, run_id, lane_id, tool_name or scope")
	case len(req.Parameters) > 0 && !json.Valid(req.Parameters):
		return invalidArguments("parameters are not valid JSON")
	case req.RunID != c.handle.RunID() && req.RunID != contracts.Deref(c.handle.Run().ParentRunID):
		return invalidArguments("run_id does not match the calling run")
	case req.RequestHash != "" && req.RequestHash != c.requestHash:
		return invalidArguments("request_hash does not match the request")
	}
	return nil
}

// checkCall validates what needs the authorized tool: retry rules and arguments.
func (g *Gateway) checkCall(ctx context.Context, c *call, tool *policy.ToolEntry, adapter Adapter, invocation Call) *contracts.ToolError {
	if c.req.Retry && (!tool.Idempotent || c.req.IdempotencyKey == "") {
		return invalidArguments("retry requires an idempotent tool and an idempotency_key")
	}
	if err := tool.ValidateArguments(c.req.Parameters); err != nil {
		return invalidArguments("parameters do not match the tool arguments schema")
	}
	if err := adapter.Validate(ctx, invocation); err != nil {
		return invalidArguments("tool rejected its arguments")
	}
	return nil
}

func (g *Gateway) execute(ctx, auditCtx context.Context, c *call, tool *policy.ToolEntry, adapter Adapter) (contracts.ToolCallResponse, error) {
	invocation := Call{
		RunID:          c.handle.RunID(),
		ToolName:       c.req.ToolName,
		Operation:      c.req.Operation,
		Parameters:     c.req.Parameters,
		InputArtifacts: c.req.InputArtifacts,
		Scope:          c.req.Scope,
		IdempotencyKey: c.req.IdempotencyKey,
	}
	if toolErr := g.checkCall(ctx, c, tool, adapter, invocation); toolErr != nil {
		return g.fail(auditCtx, c, contracts.ActionToolFailed, toolErr)
	}

	timeout := tool.Timeout(g.timeout)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if limit := g.limitFor(tool); g.limiter != nil && limit != nil {
		if err := g.limiter.Acquire(callCtx, c.req.ToolName, *limit); err != nil {
			g.logger.Warn("tool call rate limited", "run_id", c.handle.RunID(), "tool", c.req.ToolName, "error", err)
			return g.fail(auditCtx, c, contracts.ActionToolFailed,
				contracts.NewToolError(contracts.ErrToolDependencyDown, "tool rate limit exhausted", true))
		}
	}

	type outcome struct {
		res Result
		err error
	}
	ch := make(chan outcome, 1)
	start := time.Now()
	go func() {
		res, err := adapter.Execute(callCtx, invocation)
		ch <- outcome{res: res, err: err}
	}()

	var out outcome
	select {
	case out = <-ch:
	case <-callCtx.Done():
		out.err = callCtx.Err()
	}

	if out.err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			g.logger.Warn("tool call timed out", "run_id", c.handle.RunID(), "tool", c.req.ToolName, "timeout", timeout)
			classified := classify(adapter, context.DeadlineExceeded)
			msg := classified.Message
			if msg == "" {
				msg = "tool call timed out"
			}
			return g.fail(auditCtx, c, contracts.ActionToolTimeout,
				contracts.NewToolError(contracts.ErrToolTimeout, msg, classified.Retryable))
		}
		if errors.Is(out.err, context.Canceled) {
			return g.fail(auditCtx, c, contracts.ActionToolFailed,
				contracts.NewToolError(contracts.ErrToolInternalError, "tool call cancelled", false))
		}
		toolErr := classify(adapter, out.err)
		g.logger.Warn("tool call failed", "run_id", c.handle.RunID(), "tool", c.req.ToolName, "code", toolErr.Code)
		return g.fail(auditCtx, c, contracts.ActionToolFailed, toolErr)
	}

	normalized, err := adapter.Normalize(out.res)
	if err != nil {
		return g.fail(auditCtx, c, contracts.ActionToolFailed,
			contracts.NewToolError(contracts.ErrToolInternalError, "tool output could not be normalized", false))
	}
	body, err := canonicalize.JCS(normalized)
	if err != nil {
		return g.fail(auditCtx, c, contracts.ActionToolFailed,
			contracts.NewToolError(contracts.ErrToolInternalError, "tool output could not be normalized", false))
	}
	responseHash := canonicalize.HashBytes(body)

	outputs, err := g.register(auditCtx, body, out.res.Artifacts)
	if err != nil {
		g.logger.Error("register output artifacts", "run_id", c.handle.RunID(), "tool", c.req.ToolName, "error", err)
		return g.fail(auditCtx, c, contracts.ActionToolFailed,
			contracts.NewToolError(contracts.ErrToolDependencyDown, "artifact store unavailable", true))
	}

	executed := c.event(contracts.ActionToolExecuted, contracts.OutcomeSuccess)
	executed.ResponseHash = &responseHash
	executed.OutputArtifacts = outputs
	if err := g.runs.Emit(auditCtx, executed); err != nil {
		return contracts.ToolCallResponse{}, err
	}
	if _, err := g.runs.Complete(auditCtx, c.handle.RunID(), outputs); err != nil {
		return contracts.ToolCallResponse{}, err
	}

	resp := contracts.ToolCallResponse{
		Outcome:         contracts.OutcomeSuccess,
		RunID:           c.handle.RunID(),
		OutputArtifacts: outputs,
		ResponseHash:    responseHash,
	}
	if tool.Idempotent && c.req.IdempotencyKey != "" {
		if prev, ok := g.memory.remember(c.req.ToolName, c.req.IdempotencyKey, resp); ok && prev.ResponseHash != responseHash {
			g.logger.Warn("idempotent tool returned a different response", "tool", c.req.ToolName,
				"previous_run_id", prev.RunID, "run_id", resp.RunID)
		}
	}
	g.logger.Info("tool call executed", "run_id", c.handle.RunID(), "tool", c.req.ToolName,
		"request_hash", c.requestHash, "response_hash", responseHash, "elapsed", time.Since(start))
	return resp, nil
}

// register stores the normalized output and any adapter artifacts.
func (g *Gateway) register(ctx context.Context, body []byte, extra []Output) ([]contracts.ArtifactRef, error) {
	outputs := []contracts.ArtifactRef{}
	if g.artifacts == nil {
		return outputs, nil
	}
	ref, err := artifacts.Register(ctx, g.artifacts, OutputArtifactKind, body)
	if err != nil {
		return nil, err
	}
	outputs = append(outputs, ref)
	for _, o := range extra {
		ref, err := artifacts.Register(ctx, g.artifacts, o.Kind, o.Data)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, ref)
	}
	return outputs, nil
}

func (g *Gateway) fail(ctx context.Context, c *call, action contracts.ActionType, toolErr *contracts.ToolError) (contracts.ToolCallResponse, error) {
	ev := c.event(action, contracts.OutcomeFailure)
	ev.Reason = toolErr.Message
	ev.Error = toolErr
	if err := g.runs.Emit(ctx, ev); err != nil {
		return contracts.ToolCallResponse{}, err
	}
	diag := contracts.Diagnostic{Code: toolErr.Code, Message: toolErr.Message, Retryable: toolErr.Retryable}
	if _, err := g.runs.Fail(ctx, c.handle.RunID(), diag); err != nil {
		return contracts.ToolCallResponse{}, err
	}
	return contracts.ToolCallResponse{
		Outcome:         contracts.OutcomeFailure,
		RunID:           c.handle.RunID(),
		OutputArtifacts: []contracts.ArtifactRef{},
		Error:           toolErr,
	}, nil
}

// classify asks the adapter for the taxonomy entry of err, falling back to
// the default mapping when the adapter has none.
func classify(adapter Adapter, err error) *contracts.ToolError {
	te := adapter.ClassifyError(err)
	if te == nil {
		te = ClassifyError(err)
	}
	return contracts.NewToolError(te.Code, te.Message, te.Retryable)
}

func (g *Gateway) limitFor(tool *policy.ToolEntry) *policy.RateLimit {
	if tool.RateLimit != nil {
		return tool.RateLimit
	}
	return g.rateLimit
}

// Remembered returns the last successful response of an idempotent tool for key.
func (g *Gateway) Remembered(tool, key string) (contracts.ToolCallResponse, bool) {
	return g.memory.lookup(tool, key)
}
