// Package contracts defines the records shared by the governed execution core:
// runs, audit events, artifact references, tool call envelopes and the error
// taxonomy. Types here carry no behavior beyond small helpers.
package contracts

import "time"

// RunKind classifies the work a run performs.
type RunKind string

const (
	RunKindOrchestrator RunKind = "orchestrator"
	RunKindAgent        RunKind = "agent"
	RunKindToolGateway  RunKind = "tool_gateway"
	RunKindDBWrite      RunKind = "db_write"
	RunKindDBRead       RunKind = "db_read"
	RunKindPromotion    RunKind = "promotion"
	RunKindExport       RunKind = "export"
)

// Valid reports whether k is a known run kind.
func (k RunKind) Valid() bool {
	switch k {
	case RunKindOrchestrator, RunKindAgent, RunKindToolGateway, RunKindDBWrite,
		RunKindDBRead, RunKindPromotion, RunKindExport:
		return true
	}
	return false
}

// RunStatus is a state of the run lifecycle.
type RunStatus string

const (
	RunStatusCreated   RunStatus = "created"
	RunStatusRunning   RunStatus = "running"
	RunStatusWaiting   RunStatus = "waiting"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusDenied    RunStatus = "denied"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether no transition may leave s.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusDenied, RunStatusCancelled:
		return true
	}
	return false
}

// PolicyVersionRefs identifies the policy snapshot a run or event was evaluated under.
// LanePolicy and RolePolicy are the mandatory pins.
type PolicyVersionRefs struct {
	LanePolicy   string `json:"lane_policy"`
	RolePolicy   string `json:"role_policy"`
	ToolRegistry string `json:"tool_registry,omitempty"`
}

// Complete reports whether both mandatory pins are present.
func (r PolicyVersionRefs) Complete() bool {
	return r.LanePolicy != "" && r.RolePolicy != ""
}

// Actor identifies who initiated an action.
type Actor struct {
	Type string `json:"type"` // agent, user, system
	ID   string `json:"id"`
}

// Actor types.
const (
	ActorAgent  = "agent"
	ActorUser   = "user"
	ActorSystem = "system"
)

// Run is a tracked unit of work. Runs reference each other by id only; the
// run tree is rebuilt from the store, never from live pointers.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Run struct {
	RunID             string            `json:"run_id"`
	ParentRunID       *string           `json:"parent_run_id"`
	RootRunID         string            `json:"root_run_id"`
	CorrelationID     *string           `json:"correlation_id"`
	Kind              RunKind           `json:"run_kind"`
	Status            RunStatus         `json:"status"`
	ContractVersion   string            `json:"contract_version"`
	PolicyVersionRefs PolicyVersionRefs `json:"policy_version_refs"`
	CaseID            *string           `json:"case_id"`
	LaneID            *string           `json:"lane_id"`
	RoleID            string            `json:"role_id,omitempty"`
	Actor             Actor             `json:"actor"`
	InputsFingerprint string            `json:"inputs_fingerprint,omitempty"`
	RunFingerprint    string            `json:"run_fingerprint,omitempty"`
	InputArtifacts    []ArtifactRef     `json:"input_artifacts"`
	OutputArtifacts   []ArtifactRef     `json:"output_artifacts"`
	CreatedAt         time.Time         `json:"created_at"`
	StartedAt         *time.Time        `json:"started_at"`
	CompletedAt       *time.Time        `json:"completed_at"`
	Diagnostic        *Diagnostic       `json:"diagnostic"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy of r.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	c := *r
	c.ParentRunID = cloneString(r.ParentRunID)
	c.CorrelationID = cloneString(r.CorrelationID)
	c.CaseID = cloneString(r.CaseID)
	c.LaneID = cloneString(r.LaneID)
	c.StartedAt = cloneTime(r.StartedAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	if r.Diagnostic != nil {
		d := *r.Diagnostic
		c.Diagnostic = &d
	}
	c.InputArtifacts = append([]ArtifactRef(nil), r.InputArtifacts...)
	c.OutputArtifacts = append([]ArtifactRef(nil), r.OutputArtifacts...)
	if r.Metadata != nil {
		c.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Diagnostic is the terminal explanation recorded on a run.
type Diagnostic struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

// StringPtr returns nil for the empty string and &s otherwise.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns the pointed-to string or "".
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
