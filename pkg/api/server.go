package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/sfgonsio/AI-Legal-Service/pkg/audit"
	"github.com/sfgonsio/AI-Legal-Service/pkg/canonicalize"
	"github.com/sfgonsio/AI-Legal-Service/pkg/contracts"
	"github.com/sfgonsio/AI-Legal-Service/pkg/gateway"
	"github.com/sfgonsio/AI-Legal-Service/pkg/policy"
	"github.com/sfgonsio/AI-Legal-Service/pkg/run"
)

const maxBodyBytes = 1 << 20

// Deps are the components the server exposes.
type Deps struct {
	Runs     *run.Controller
	Gateway  *gateway.Gateway
	Ledger   audit.Ledger
	Policies *policy.Registry
}

// Server routes HTTP requests to the controller, gateway and ledger. It keeps
// the handles of running runs so tool calls can only be made through them.
type Server struct {
	deps    Deps
	handles *handleTable
	auth    *Authenticator
	limiter *RateLimiter
	logger  *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAuthenticator sets the bearer token validator.
func WithAuthenticator(a *Authenticator) ServerOption {
	return func(s *Server) { s.auth = a }
}

// WithRateLimiter enables per-client rate limiting.
func WithRateLimiter(rl *RateLimiter) ServerOption {
	return func(s *Server) { s.limiter = rl }
}

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// NewServer wires a server over deps.
func NewServer(deps Deps, opts ...ServerOption) *Server {
	s := &Server{
		deps:    deps,
		handles: newHandleTable(),
		logger:  slog.Default().With("component", "api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed, authenticated and rate limited handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/runs", s.handleCreateRun)
	mux.HandleFunc("GET /v1/runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /v1/runs/{id}/start", s.handleStart)
	mux.HandleFunc("POST /v1/runs/{id}/wait", s.handleWait)
	mux.HandleFunc("POST /v1/runs/{id}/resume", s.handleResume)
	mux.HandleFunc("POST /v1/runs/{id}/complete", s.handleComplete)
	mux.HandleFunc("POST /v1/runs/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /v1/runs/{id}/retry", s.handleRetry)
	mux.HandleFunc("POST /v1/runs/{id}/tools", s.handleToolCall)
	mux.HandleFunc("POST /v1/authorize", s.handleAuthorize)
	mux.HandleFunc("GET /v1/audit", s.handleAuditQuery)
	mux.HandleFunc("GET /v1/audit/verify", s.handleAuditVerify)

	var h http.Handler = mux
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	return AuthMiddleware(s.auth)(h)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]string{"status": "ok"}
	if s.deps.Policies != nil {
		if snap := s.deps.Policies.Current(); snap != nil {
			refs := snap.Refs()
			body["lane_policy"] = refs.LanePolicy
			body["role_policy"] = refs.RolePolicy
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteBadRequest(w, r, "Invalid request body")
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	return decode(w, r, v)
}

func principal(w http.ResponseWriter, r *http.Request) (Principal, bool) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		WriteUnauthorized(w, r, "")
	}
	return p, ok
}

// owned loads the run and checks that p may act on it. System actors may
// act on any run.
func (s *Server) owned(w http.ResponseWriter, r *http.Request, p Principal, runID string) (*contracts.Run, bool) {
	rec, err := s.deps.Runs.Get(r.Context(), runID)
	if err != nil {
		s.runError(w, r, err)
		return nil, false
	}
	if p.ActorType != contracts.ActorSystem && rec.Actor.ID != p.Subject {
		WriteForbidden(w, r, "run belongs to another actor")
		return nil, false
	}
	return rec, true
}

// runError maps controller and gateway errors onto problems.
func (s *Server) runError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, run.ErrRunNotFound):
		WriteNotFound(w, r, "run not found")
	case errors.Is(err, run.ErrMissingPolicyPin):
		WriteCoded(w, r, http.StatusConflict, contracts.ErrMissingPolicyPin, err.Error())
	case errors.Is(err, run.ErrInvalidTransition), errors.Is(err, run.ErrTerminalImmutable),
		errors.Is(err, gateway.ErrRunNotRunning), errors.Is(err, run.ErrParentNotRunning):
		WriteCoded(w, r, http.StatusConflict, contracts.ErrInvalidStateTransition, err.Error())
	case errors.Is(err, run.ErrNotRetryable), errors.Is(err, run.ErrConcurrentUpdate):
		WriteError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, run.ErrInvalidRequest), errors.Is(err, run.ErrRunExists):
		WriteBadRequest(w, r, err.Error())
	default:
		WriteInternal(w, r, err)
	}
}

type createRunRequest struct {
	Kind            contracts.RunKind       `json:"run_kind"`
	ParentRunID     string                  `json:"parent_run_id"`
	CorrelationID   string                  `json:"correlation_id"`
	CaseID          string                  `json:"case_id"`
	LaneID          string                  `json:"lane_id"`
	ContractVersion string                  `json:"contract_version"`
	InputArtifacts  []contracts.ArtifactRef `json:"input_artifacts"`
	Scope           map[string]string       `json:"scope"`
	Metadata        map[string]string       `json:"metadata"`
}

// handleCreateRun creates a root run, or spawns a running child when
// parent_run_id names a running run.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req createRunRequest
	if !decode(w, r, &req) {
		return
	}

	if req.ParentRunID != "" {
		if _, ok := s.owned(w, r, p, req.ParentRunID); !ok {
			return
		}
		parent, ok := s.handles.get(req.ParentRunID)
		if !ok {
			WriteCoded(w, r, http.StatusConflict, contracts.ErrInvalidStateTransition, "parent run is not running")
			return
		}
		child, err := s.deps.Runs.Spawn(r.Context(), parent, run.ChildRequest{
			Kind:           req.Kind,
			LaneID:         req.LaneID,
			RoleID:         p.Role,
			Actor:          p.Actor(),
			CorrelationID:  req.CorrelationID,
			InputArtifacts: req.InputArtifacts,
			Scope:          req.Scope,
			Metadata:       req.Metadata,
		})
		if err != nil {
			s.runError(w, r, err)
			return
		}
		s.handles.put(child)
		writeJSON(w, http.StatusCreated, child.Run())
		return
	}

	created, err := s.deps.Runs.Create(r.Context(), run.CreateRequest{
		Kind:            req.Kind,
		CorrelationID:   req.CorrelationID,
		CaseID:          req.CaseID,
		LaneID:          req.LaneID,
		RoleID:          p.Role,
		Actor:           p.Actor(),
		ContractVersion: req.ContractVersion,
		InputArtifacts:  req.InputArtifacts,
		Metadata:        req.Metadata,
	})
	if err != nil {
		s.runError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

type runView struct {
	Run      *contracts.Run   `json:"run"`
	Children []*contracts.Run `json:"children"`
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	rec, ok := s.owned(w, r, p, r.PathValue("id"))
	if !ok {
		return
	}
	children, err := s.deps.Runs.Children(r.Context(), rec.RunID)
	if err != nil {
		s.runError(w, r, err)
		return
	}
	if children == nil {
		children = []*contracts.Run{}
	}
	writeJSON(w, http.StatusOK, runView{Run: rec, Children: children})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.issueHandle(w, r, s.deps.Runs.Start)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.issueHandle(w, r, s.deps.Runs.Resume)
}

func (s *Server) issueHandle(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, runID string) (*run.Handle, error)) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	runID := r.PathValue("id")
	if _, ok := s.owned(w, r, p, runID); !ok {
		return
	}
	h, err := op(r.Context(), runID)
	if err != nil {
		s.settle(r.Context(), runID)
		s.runError(w, r, err)
		return
	}
	s.handles.put(h)
	writeJSON(w, http.StatusOK, h.Run())
}

func (s *Server) handleWait(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	runID := r.PathValue("id")
	if _, ok := s.owned(w, r, p, runID); !ok {
		return
	}
	if err := s.deps.Runs.Wait(r.Context(), runID); err != nil {
		s.settle(r.Context(), runID)
		s.runError(w, r, err)
		return
	}
	s.handles.drop(runID)
	s.writeRun(w, r, runID)
}

type completeRequest struct {
	OutputArtifacts []contracts.ArtifactRef `json:"output_artifacts"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	runID := r.PathValue("id")
	if _, ok := s.owned(w, r, p, runID); !ok {
		return
	}
	var req completeRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	rec, err := s.deps.Runs.Complete(r.Context(), runID, req.OutputArtifacts)
	if err != nil {
		s.settle(r.Context(), runID)
		s.runError(w, r, err)
		return
	}
	s.handles.drop(runID)
	writeJSON(w, http.StatusOK, rec)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	runID := r.PathValue("id")
	if _, ok := s.owned(w, r, p, runID); !ok {
		return
	}
	var req cancelRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	rec, err := s.deps.Runs.Cancel(r.Context(), runID, req.Reason)
	if err != nil {
		s.settle(r.Context(), runID)
		s.runError(w, r, err)
		return
	}
	s.handles.drop(runID)
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	runID := r.PathValue("id")
	if _, ok := s.owned(w, r, p, runID); !ok {
		return
	}
	rec, err := s.deps.Runs.Retry(r.Context(), runID)
	if err != nil {
		s.runError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// settle drops the handle of a run that is no longer running. A rejected
// transition can force a run to failed.
func (s *Server) settle(ctx context.Context, runID string) {
	rec, err := s.deps.Runs.Get(ctx, runID)
	if err != nil || rec.Status != contracts.RunStatusRunning {
		s.handles.drop(runID)
	}
}

func (s *Server) writeRun(w http.ResponseWriter, r *http.Request, runID string) {
	rec, err := s.deps.Runs.Get(r.Context(), runID)
	if err != nil {
		s.runError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleToolCall mediates a tool call through the run's handle. Actor and
// role are taken from the token.
func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	runID := r.PathValue("id")
	if _, ok := s.owned(w, r, p, runID); !ok {
		return
	}
	h, ok := s.handles.get(runID)
	if !ok {
		WriteCoded(w, r, http.StatusConflict, contracts.ErrInvalidStateTransition, "run is not running")
		return
	}
	var req contracts.ToolCallRequest
	if !decode(w, r, &req) {
		return
	}
	if req.RoleID != "" && req.RoleID != p.Role {
		WriteForbidden(w, r, "role_id does not match the token role")
		return
	}
	req.RoleID = p.Role
	req.Actor = p.Actor()
	if req.RunID == "" {
		req.RunID = runID
	}
	if req.LaneID == "" {
		req.LaneID = h.LaneID()
	}

	resp, err := s.deps.Gateway.Invoke(r.Context(), h, req)
	if err != nil {
		s.settle(r.Context(), runID)
		s.runError(w, r, err)
		return
	}
	if h.Kind() == contracts.RunKindToolGateway {
		s.handles.drop(runID)
	}
	s.logger.Info("tool call mediated", "run_id", runID, "tool_run_id", resp.RunID,
		"tool", req.ToolName, "outcome", resp.Outcome, "subject", p.Subject)
	writeJSON(w, http.StatusOK, resp)
}

type authorizeRequest struct {
	RunID  string            `json:"run_id"`
	LaneID string            `json:"lane_id"`
	Target contracts.Target  `json:"target"`
	Scope  map[string]string `json:"scope"`
}

type authorizeResponse struct {
	Decision     string                      `json:"decision"`
	Reason       policy.DenyReason           `json:"reason,omitempty"`
	Stage        policy.Stage                `json:"stage,omitempty"`
	Detail       string                      `json:"detail,omitempty"`
	ErrorCode    contracts.ErrorCode         `json:"error_code,omitempty"`
	DecisionHash string                      `json:"decision_hash"`
	PolicyRefs   contracts.PolicyVersionRefs `json:"policy_version_refs"`
}

// handleAuthorize evaluates a decision under the run's pinned snapshot
// without executing anything, and records it as authz_decision.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req authorizeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.RunID == "" || req.Target.Name == "" {
		WriteBadRequest(w, r, "run_id and target are required")
		return
	}
	if _, ok := s.owned(w, r, p, req.RunID); !ok {
		return
	}
	h, ok := s.handles.get(req.RunID)
	if !ok {
		WriteCoded(w, r, http.StatusConflict, contracts.ErrInvalidStateTransition, "run is not running")
		return
	}
	if h.Kind() == contracts.RunKindToolGateway {
		WriteBadRequest(w, r, "tool gateway runs only record mediated calls")
		return
	}
	if req.LaneID == "" {
		req.LaneID = h.LaneID()
	}

	preq := policy.Request{Role: p.Role, LaneID: req.LaneID, Target: req.Target, Scope: req.Scope}
	var resp authorizeResponse
	outcome := contracts.OutcomeAllow
	switch d := policy.Decide(r.Context(), h.Snapshot(), preq).(type) {
	case policy.Allow:
		resp = authorizeResponse{Decision: "allow", DecisionHash: d.DecisionHash, PolicyRefs: d.PolicyRefs}
	case policy.Deny:
		outcome = contracts.OutcomeDeny
		resp = authorizeResponse{
			Decision:     "deny",
			Reason:       d.Reason,
			Stage:        d.Stage,
			Detail:       d.Detail,
			ErrorCode:    d.Reason.ErrorCode(),
			DecisionHash: d.DecisionHash,
			PolicyRefs:   d.PolicyRefs,
		}
	}

	ev := h.Event(contracts.ActionAuthzDecision, outcome, req.Target)
	ev.Reason = resp.Decision + " " + resp.DecisionHash
	if resp.Reason != "" {
		ev.Reason = string(resp.Reason)
	}
	if hash, err := canonicalize.CanonicalHash(preq); err == nil {
		ev.RequestHash = hash
	}
	if err := s.deps.Runs.Emit(r.Context(), ev); err != nil {
		WriteInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type eventsView struct {
	Events []contracts.AuditEvent `json:"events"`
}

// handleAuditQuery filters the ledger. Non-system callers must name a run
// or case.
func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	f := audit.Filter{
		RunID:  q.Get("run_id"),
		CaseID: q.Get("case_id"),
		LaneID: q.Get("lane_id"),
	}
	for _, a := range q["action_type"] {
		f.ActionTypes = append(f.ActionTypes, contracts.ActionType(a))
	}
	for key, dst := range map[string]*time.Time{"since": &f.Since, "until": &f.Until} {
		if v := q.Get(key); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				WriteBadRequest(w, r, key+" must be RFC 3339")
				return
			}
			*dst = t
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			WriteBadRequest(w, r, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}
	if p.ActorType != contracts.ActorSystem && f.RunID == "" && f.CaseID == "" {
		WriteForbidden(w, r, "run_id or case_id is required")
		return
	}
	if f.RunID != "" {
		if _, ok := s.owned(w, r, p, f.RunID); !ok {
			return
		}
	}

	events, err := s.deps.Ledger.Query(r.Context(), f)
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	if events == nil {
		events = []contracts.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, eventsView{Events: events})
}

type verifyView struct {
	RunID               string   `json:"run_id"`
	EventCount          int      `json:"event_count"`
	ChainValid          bool     `json:"chain_valid"`
	MandatoryChainValid *bool    `json:"mandatory_chain_valid,omitempty"`
	Errors              []string `json:"errors,omitempty"`
}

// handleAuditVerify checks a run's hash chain and, for finished tool
// gateway runs, the mandatory event order.
func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		WriteBadRequest(w, r, "run_id is required")
		return
	}
	rec, ok := s.owned(w, r, p, runID)
	if !ok {
		return
	}
	events, err := s.deps.Ledger.Query(r.Context(), audit.Filter{RunID: runID})
	if err != nil {
		WriteInternal(w, r, err)
		return
	}

	view := verifyView{RunID: runID, EventCount: len(events), ChainValid: true}
	if err := audit.VerifyChain(events); err != nil {
		view.ChainValid = false
		view.Errors = append(view.Errors, err.Error())
	}
	if rec.Kind == contracts.RunKindToolGateway && rec.Status.IsTerminal() {
		valid := true
		if err := audit.VerifyMandatoryChain(events); err != nil {
			valid = false
			view.Errors = append(view.Errors, err.Error())
		}
		view.MandatoryChainValid = &valid
	}
	writeJSON(w, http.StatusOK, view)
}
