// Package run implements the run lifecycle controller: creation, policy
// pinning, the state machine, parent/child spawning and retries. Every
// lifecycle fact is recorded in the audit ledger.
package run

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sfgonsio/AI-Legal-Service/pkg/audit"
	"github.com/sfgonsio/AI-Legal-Service/pkg/contracts"
	"github.com/sfgonsio/AI-Legal-Service/pkg/fingerprint"
	"github.com/sfgonsio/AI-Legal-Service/pkg/policy"
)

// MetaRerunLevel is the run metadata key holding the retry depth.
const MetaRerunLevel = "rerun_level"

const lockStripes = 64

// PolicySource supplies snapshots for pinning.
type PolicySource interface {
	Current() *policy.Snapshot
	Resolve(refs contracts.PolicyVersionRefs) (*policy.Snapshot, error)
}

// CreateRequest describes a new run. RunID is generated when empty.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type CreateRequest struct {
	RunID           string
	Kind            contracts.RunKind
	ParentRunID     string
	CorrelationID   string
	CaseID          string
	LaneID          string
	RoleID          string
	Actor           contracts.Actor
	ContractVersion string
	InputArtifacts  []contracts.ArtifactRef
	Metadata        map[string]string
}

// ChildRequest describes a run spawned under a running parent. Empty fields
// inherit from the parent.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type ChildRequest struct {
	RunID          string
	Kind           contracts.RunKind
	LaneID         string
	RoleID         string
	Actor          contracts.Actor
	CorrelationID  string
	InputArtifacts []contracts.ArtifactRef
	// Scope feeds the lane's CaseScopeKey override.
	Scope    map[string]string
	Metadata map[string]string
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(c *Controller) { c.clock = clock }
}

// WithRunIDs overrides run id generation for runs created without an id.
func WithRunIDs(gen func() string) Option {
	return func(c *Controller) { c.newID = gen }
}

// WithRulesets sets the ruleset versions folded into run fingerprints.
func WithRulesets(rulesets map[string]string) Option {
	return func(c *Controller) { c.rulesets = rulesets }
}

// WithLogger overrides the controller logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// Controller owns run state. Operations on the same run are serialized by a
// striped lock; different runs proceed independently.
type Controller struct {
	store    Store
	ledger   audit.Ledger
	policies PolicySource
	clock    func() time.Time
	newID    func() string
	rulesets map[string]string
	logger   *slog.Logger
	stripes  [lockStripes]sync.Mutex
}

// NewController wires a controller over store, ledger and policies.
func NewController(store Store, ledger audit.Ledger, policies PolicySource, opts ...Option) *Controller {
	c := &Controller{
		store:    store,
		ledger:   ledger,
		policies: policies,
		clock:    func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
		logger:   slog.Default().With("component", "run"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) lock(runID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(runID))
	m := &c.stripes[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}

// Get returns a copy of the stored run.
func (c *Controller) Get(ctx context.Context, runID string) (*contracts.Run, error) {
	return c.store.Get(ctx, runID)
}

// Children returns the runs whose parent is runID.
func (c *Controller) Children(ctx context.Context, runID string) ([]*contracts.Run, error) {
	return c.store.Children(ctx, runID)
}

// SystemScoped reports whether a run of this kind and actor may exist without
// a case. Orchestrator runs and runs acting as the system are not tied to one
// case; every other run is.
func SystemScoped(kind contracts.RunKind, actor contracts.Actor) bool {
	return kind == contracts.RunKindOrchestrator || actor.Type == contracts.ActorSystem
}

// Create records a new run in status created and emits run_created. A run with
// a parent takes the parent's root; root_run_id never changes afterwards.
func (c *Controller) Create(ctx context.Context, req CreateRequest) (*contracts.Run, error) {
	if !req.Kind.Valid() {
		return nil, fmt.Errorf("%w: run kind %q", ErrInvalidRequest, req.Kind)
	}
	id := req.RunID
	if id == "" {
		id = c.newID()
	}
	r := &contracts.Run{
		RunID:           id,
		RootRunID:       id,
		CorrelationID:   contracts.StringPtr(req.CorrelationID),
		Kind:            req.Kind,
		Status:          contracts.RunStatusCreated,
		ContractVersion: req.ContractVersion,
		CaseID:          contracts.StringPtr(req.CaseID),
		LaneID:          contracts.StringPtr(req.LaneID),
		RoleID:          req.RoleID,
		Actor:           req.Actor,
		InputArtifacts:  append([]contracts.ArtifactRef{}, req.InputArtifacts...),
		OutputArtifacts: []contracts.ArtifactRef{},
		CreatedAt:       c.clock(),
		Metadata:        copyMeta(req.Metadata),
	}
	if req.ParentRunID != "" {
		parent, err := c.store.Get(ctx, req.ParentRunID)
		if err != nil {
			return nil, err
		}
		r.ParentRunID = contracts.StringPtr(parent.RunID)
		r.RootRunID = parent.RootRunID
		if r.CaseID == nil {
			r.CaseID = contracts.StringPtr(contracts.Deref(parent.CaseID))
		}
	}
	if r.CaseID == nil && !SystemScoped(r.Kind, r.Actor) {
		return nil, fmt.Errorf("%w: case_id is required for %s runs", ErrInvalidRequest, r.Kind)
	}
	if err := c.insert(ctx, r); err != nil {
		return nil, err
	}
	return r.Clone(), nil
}

func (c *Controller) insert(ctx context.Context, r *contracts.Run) error {
	if err := c.store.Insert(ctx, r); err != nil {
		return err
	}
	if err := c.emit(ctx, eventFor(r, contracts.ActionRunCreated, contracts.OutcomeSuccess)); err != nil {
		return err
	}
	c.logger.Info("run created", "run_id", r.RunID, "kind", r.Kind, "root_run_id", r.RootRunID)
	return nil
}

// Start pins the run to the current policy snapshot (or to the snapshot its
// existing refs name) and moves it to running. A run that cannot be pinned is
// denied with MISSING_POLICY_PIN.
func (c *Controller) Start(ctx context.Context, runID string) (*Handle, error) {
	unlock := c.lock(runID)
	defer unlock()

	r, err := c.store.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if r.Status != contracts.RunStatusCreated {
		return nil, c.reject(ctx, r, contracts.RunStatusRunning)
	}

	var snap *policy.Snapshot
	if r.PolicyVersionRefs.Complete() {
		snap, err = c.policies.Resolve(r.PolicyVersionRefs)
		if err != nil {
			snap = nil
		}
	} else {
		snap = c.policies.Current()
	}
	return c.startLocked(ctx, r, snap)
}

func (c *Controller) startLocked(ctx context.Context, r *contracts.Run, snap *policy.Snapshot) (*Handle, error) {
	if reason := pinProblem(r, snap); reason != "" {
		diag := &contracts.Diagnostic{
			Code:    contracts.ErrMissingPolicyPin,
			Message: contracts.BoundMessage(reason),
		}
		if _, err := c.finish(ctx, r, contracts.RunStatusDenied, diag, nil); err != nil {
			return nil, err
		}
		c.logger.Warn("run denied at start", "run_id", r.RunID, "reason", reason)
		return nil, fmt.Errorf("%w: %s", ErrMissingPolicyPin, reason)
	}

	next := r.Clone()
	next.PolicyVersionRefs = snap.Refs()
	now := c.clock()
	next.StartedAt = &now
	next.Status = contracts.RunStatusRunning
	inputs, runFP, err := fingerprint.ForRun(next, c.rulesets, rerunLevel(next))
	if err != nil {
		return nil, fmt.Errorf("run %s: fingerprint: %w", r.RunID, err)
	}
	next.InputsFingerprint = inputs
	next.RunFingerprint = runFP
	if err := c.store.Update(ctx, next, r.Status); err != nil {
		return nil, err
	}
	c.logger.Info("run started", "run_id", r.RunID, "lane_policy", next.PolicyVersionRefs.LanePolicy,
		"role_policy", next.PolicyVersionRefs.RolePolicy, "run_fingerprint", runFP)
	return &Handle{run: next, snapshot: snap}, nil
}

func pinProblem(r *contracts.Run, snap *policy.Snapshot) string {
	if snap == nil {
		return "no policy snapshot available for pinning"
	}
	if !snap.Refs().Complete() {
		return "policy snapshot lacks lane or role version"
	}
	if r.ContractVersion == "" {
		return "contract version is not pinned"
	}
	if err := snap.ContractSatisfied(r.ContractVersion); err != nil {
		return err.Error()
	}
	return ""
}

// Wait moves a running run to waiting.
func (c *Controller) Wait(ctx context.Context, runID string) error {
	_, err := c.step(ctx, runID, contracts.RunStatusWaiting, "wait")
	return err
}

// Resume moves a waiting run back to running and reissues its handle against
// the snapshot it was pinned to. The snapshot is resolved first so a run whose
// pin cannot be resolved stays waiting.
func (c *Controller) Resume(ctx context.Context, runID string) (*Handle, error) {
	unlock := c.lock(runID)
	defer unlock()

	r, err := c.store.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(r.Status, contracts.RunStatusRunning) {
		return nil, c.reject(ctx, r, contracts.RunStatusRunning)
	}
	snap, err := c.policies.Resolve(r.PolicyVersionRefs)
	if err != nil {
		return nil, fmt.Errorf("run %s: resolve pinned policy: %w", runID, err)
	}
	next, err := c.transition(ctx, r, contracts.RunStatusRunning, "resume")
	if err != nil {
		return nil, err
	}
	return &Handle{run: next, snapshot: snap}, nil
}

// step performs a non-terminal transition and records run_state_change.
func (c *Controller) step(ctx context.Context, runID string, to contracts.RunStatus, op string) (*contracts.Run, error) {
	unlock := c.lock(runID)
	defer unlock()

	r, err := c.store.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(r.Status, to) {
		return nil, c.reject(ctx, r, to)
	}
	return c.transition(ctx, r, to, op)
}

// transition writes a checked non-terminal status change. The caller holds the
// run lock.
func (c *Controller) transition(ctx context.Context, r *contracts.Run, to contracts.RunStatus, op string) (*contracts.Run, error) {
	next := r.Clone()
	next.Status = to
	if err := c.store.Update(ctx, next, r.Status); err != nil {
		return nil, err
	}
	ev := eventFor(next, contracts.ActionRunStateChange, contracts.OutcomeSuccess)
	ev.Target.Operation = op
	ev.Reason = string(r.Status) + "->" + string(to)
	if err := c.emit(ctx, ev); err != nil {
		return nil, err
	}
	return next, nil
}

// Complete finishes a running run successfully with its output artifacts.
func (c *Controller) Complete(ctx context.Context, runID string, outputs []contracts.ArtifactRef) (*contracts.Run, error) {
	return c.terminal(ctx, runID, contracts.RunStatusCompleted, nil, outputs)
}

// Fail finishes a running run with a diagnostic.
func (c *Controller) Fail(ctx context.Context, runID string, diag contracts.Diagnostic) (*contracts.Run, error) {
	return c.terminal(ctx, runID, contracts.RunStatusFailed, &diag, nil)
}

// Deny finishes a run that policy refused.
func (c *Controller) Deny(ctx context.Context, runID string, diag contracts.Diagnostic) (*contracts.Run, error) {
	return c.terminal(ctx, runID, contracts.RunStatusDenied, &diag, nil)
}

// Cancel finishes a non-terminal run at the caller's request.
func (c *Controller) Cancel(ctx context.Context, runID, reason string) (*contracts.Run, error) {
	var diag *contracts.Diagnostic
	if reason != "" {
		diag = &contracts.Diagnostic{Message: contracts.BoundMessage(reason)}
	}
	return c.terminal(ctx, runID, contracts.RunStatusCancelled, diag, nil)
}

func (c *Controller) terminal(ctx context.Context, runID string, to contracts.RunStatus, diag *contracts.Diagnostic, outputs []contracts.ArtifactRef) (*contracts.Run, error) {
	unlock := c.lock(runID)
	defer unlock()

	r, err := c.store.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(r.Status, to) {
		return nil, c.reject(ctx, r, to)
	}
	return c.finish(ctx, r, to, diag, outputs)
}

// finish writes a terminal status and emits run_completed. The caller holds
// the run lock and has checked the transition.
func (c *Controller) finish(ctx context.Context, r *contracts.Run, to contracts.RunStatus, diag *contracts.Diagnostic, outputs []contracts.ArtifactRef) (*contracts.Run, error) {
	next := r.Clone()
	next.Status = to
	now := c.clock()
	next.CompletedAt = &now
	next.Diagnostic = diag
	if outputs != nil {
		next.OutputArtifacts = append([]contracts.ArtifactRef{}, outputs...)
	}
	if err := c.store.Update(ctx, next, r.Status); err != nil {
		return nil, err
	}
	ev := eventFor(next, contracts.ActionRunCompleted, completionOutcome(to))
	ev.OutputArtifacts = next.OutputArtifacts
	if diag != nil {
		ev.Reason = diag.Message
		if diag.Code != "" {
			ev.Error = &contracts.ToolError{Code: diag.Code, Message: diag.Message, Retryable: diag.Retryable}
		}
	}
	if err := c.emit(ctx, ev); err != nil {
		return nil, err
	}
	c.logger.Info("run finished", "run_id", r.RunID, "status", to)
	return next, nil
}

// reject handles an illegal transition. A non-terminal run is forced to
// failed; a terminal run is left as is. Both cases are audited.
func (c *Controller) reject(ctx context.Context, r *contracts.Run, to contracts.RunStatus) error {
	terr := &TransitionError{RunID: r.RunID, From: r.Status, To: to, Forced: !r.Status.IsTerminal()}
	msg := contracts.BoundMessage(fmt.Sprintf("illegal transition %s -> %s", r.Status, to))

	ev := eventFor(r, contracts.ActionRunStateChange, contracts.OutcomeFailure)
	ev.Reason = msg
	ev.Error = &contracts.ToolError{Code: contracts.ErrInvalidStateTransition, Message: msg}
	if err := c.emit(ctx, ev); err != nil {
		return errors.Join(terr, err)
	}
	c.logger.Warn("illegal run transition", "run_id", r.RunID, "from", r.Status, "to", to)

	if terr.Forced {
		diag := &contracts.Diagnostic{Code: contracts.ErrInvalidStateTransition, Message: msg}
		if _, err := c.finish(ctx, r, contracts.RunStatusFailed, diag, nil); err != nil {
			return errors.Join(terr, err)
		}
	}
	return terr
}

// Spawn creates and starts a child of a running parent. The child inherits the
// parent's contract version, policy pins, pinned snapshot and case, subject to
// the child lane's overrides.
func (c *Controller) Spawn(ctx context.Context, parent *Handle, req ChildRequest) (*Handle, error) {
	if parent == nil {
		return nil, fmt.Errorf("%w: nil parent handle", ErrInvalidRequest)
	}
	p, err := c.store.Get(ctx, parent.RunID())
	if err != nil {
		return nil, err
	}
	if p.Status != contracts.RunStatusRunning {
		return nil, fmt.Errorf("%w: %s is %s", ErrParentNotRunning, p.RunID, p.Status)
	}
	kind := req.Kind
	if kind == "" {
		kind = p.Kind
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: run kind %q", ErrInvalidRequest, kind)
	}

	laneID := req.LaneID
	if laneID == "" {
		laneID = contracts.Deref(p.LaneID)
	}
	contractVersion := p.ContractVersion
	caseID := contracts.Deref(p.CaseID)
	if lane, ok := parent.snapshot.Lane(laneID); ok {
		if v := lane.ChildOverrides.ContractVersion; v != "" {
			contractVersion = v
		}
		if key := lane.ChildOverrides.CaseScopeKey; key != "" && req.Scope[key] != "" {
			caseID = req.Scope[key]
		}
	}
	role := req.RoleID
	if role == "" {
		role = p.RoleID
	}
	actor := req.Actor
	if actor.ID == "" {
		actor = p.Actor
	}
	id := req.RunID
	if id == "" {
		id = c.newID()
	}
	correlation := req.CorrelationID
	if correlation == "" {
		correlation = contracts.Deref(p.CorrelationID)
	}

	child := &contracts.Run{
		RunID:             id,
		ParentRunID:       contracts.StringPtr(p.RunID),
		RootRunID:         p.RootRunID,
		CorrelationID:     contracts.StringPtr(correlation),
		Kind:              kind,
		Status:            contracts.RunStatusCreated,
		ContractVersion:   contractVersion,
		PolicyVersionRefs: p.PolicyVersionRefs,
		CaseID:            contracts.StringPtr(caseID),
		LaneID:            contracts.StringPtr(laneID),
		RoleID:            role,
		Actor:             actor,
		InputArtifacts:    append([]contracts.ArtifactRef{}, req.InputArtifacts...),
		OutputArtifacts:   []contracts.ArtifactRef{},
		CreatedAt:         c.clock(),
		Metadata:          copyMeta(req.Metadata),
	}

	unlock := c.lock(id)
	defer unlock()
	if err := c.insert(ctx, child); err != nil {
		return nil, err
	}
	return c.startLocked(ctx, child, parent.snapshot)
}

// Retry creates a new run re-executing a failed one. The failed run stays
// failed; the new run is its child, shares its root, and carries its pins.
func (c *Controller) Retry(ctx context.Context, failedRunID string) (*contracts.Run, error) {
	f, err := c.store.Get(ctx, failedRunID)
	if err != nil {
		return nil, err
	}
	if f.Status != contracts.RunStatusFailed {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRetryable, f.RunID, f.Status)
	}
	meta := copyMeta(f.Metadata)
	if meta == nil {
		meta = map[string]string{}
	}
	meta[MetaRerunLevel] = strconv.Itoa(rerunLevel(f) + 1)

	r := &contracts.Run{
		RunID:             c.newID(),
		ParentRunID:       contracts.StringPtr(f.RunID),
		RootRunID:         f.RootRunID,
		CorrelationID:     contracts.StringPtr(contracts.Deref(f.CorrelationID)),
		Kind:              f.Kind,
		Status:            contracts.RunStatusCreated,
		ContractVersion:   f.ContractVersion,
		PolicyVersionRefs: f.PolicyVersionRefs,
		CaseID:            contracts.StringPtr(contracts.Deref(f.CaseID)),
		LaneID:            contracts.StringPtr(contracts.Deref(f.LaneID)),
		RoleID:            f.RoleID,
		Actor:             f.Actor,
		InputArtifacts:    append([]contracts.ArtifactRef{}, f.InputArtifacts...),
		OutputArtifacts:   []contracts.ArtifactRef{},
		CreatedAt:         c.clock(),
		Metadata:          meta,
	}
	if err := c.insert(ctx, r); err != nil {
		return nil, err
	}
	return r.Clone(), nil
}

// Emit appends ev to the ledger. Callers use it for the privileged actions
// they mediate on a run's behalf; build ev with Handle.Event.
func (c *Controller) Emit(ctx context.Context, ev *contracts.AuditEvent) error {
	return c.emit(ctx, ev)
}

func (c *Controller) emit(ctx context.Context, ev *contracts.AuditEvent) error {
	if _, err := c.ledger.Append(ctx, ev); err != nil {
		return fmt.Errorf("run %s: audit %s: %w", ev.RunID, ev.ActionType, err)
	}
	return nil
}

func rerunLevel(r *contracts.Run) int {
	n, err := strconv.Atoi(r.Metadata[MetaRerunLevel])
	if err != nil {
		return 0
	}
	return n
}

func copyMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
