package contracts

import "time"

// ActionType names the privileged fact an audit event records.
type ActionType string

const (
	ActionRunCreated     ActionType = "run_created"
	ActionLaneAuthorized ActionType = "lane_authorized"
	ActionAuthzDecision  ActionType = "authz_decision"
	ActionToolRequested  ActionType = "tool_requested"
	ActionToolAllowed    ActionType = "tool_allowed"
	ActionToolDenied     ActionType = "tool_denied"
	ActionToolExecuted   ActionType = "tool_executed"
	ActionToolFailed     ActionType = "tool_failed"
	ActionToolTimeout    ActionType = "tool_timeout"
	ActionDBWrite        ActionType = "db_write"
	ActionPromotion      ActionType = "promotion"
	ActionExport         ActionType = "export"
	ActionRunStateChange ActionType = "run_state_change"
	ActionRunCompleted   ActionType = "run_completed"
)

// Valid reports whether a is a known action type.
func (a ActionType) Valid() bool {
	switch a {
	case ActionRunCreated, ActionLaneAuthorized, ActionAuthzDecision, ActionToolRequested,
		ActionToolAllowed, ActionToolDenied, ActionToolExecuted, ActionToolFailed,
		ActionToolTimeout, ActionDBWrite, ActionPromotion, ActionExport,
		ActionRunStateChange, ActionRunCompleted:
		return true
	}
	return false
}

// Outcome is the result recorded on an audit event.
type Outcome string

const (
	OutcomeAllow   Outcome = "allow"
	OutcomeDeny    Outcome = "deny"
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeAllow, OutcomeDeny, OutcomeSuccess, OutcomeFailure:
		return true
	}
	return false
}

// TargetKind distinguishes what a privileged action is aimed at.
type TargetKind string

const (
	TargetTool  TargetKind = "tool"
	TargetWrite TargetKind = "write"
	TargetRun   TargetKind = "run"
)

// Target is the structured description of what an event acted on.
type Target struct {
	Kind      TargetKind `json:"kind"`
	Name      string     `json:"name"`
	Operation string     `json:"operation,omitempty"`
}

// AuditEvent is an append-only fact about a privileged action. Events are never
// updated; corrections are new events carrying CorrectsEventID.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type AuditEvent struct {
	EventID           string            `json:"event_id"`
	Sequence          uint64            `json:"sequence"`
	Timestamp         time.Time         `json:"timestamp"`
	ActionType        ActionType        `json:"action_type"`
	Outcome           Outcome           `json:"outcome"`
	Reason            string            `json:"reason,omitempty"`
	RunID             string            `json:"run_id"`
	ParentRunID       *string           `json:"parent_run_id,omitempty"`
	RootRunID         string            `json:"root_run_id,omitempty"`
	CaseID            *string           `json:"case_id"`
	LaneID            *string           `json:"lane_id"`
	Actor             Actor             `json:"actor"`
	RoleID            string            `json:"role_id,omitempty"`
	ContractVersion   string            `json:"contract_version,omitempty"`
	PolicyVersionRefs PolicyVersionRefs `json:"policy_version_refs"`
	Target            Target            `json:"target"`
	RequestHash       string            `json:"request_hash,omitempty"`
	ResponseHash      *string           `json:"response_hash"`
	InputArtifacts    []ArtifactRef     `json:"input_artifacts,omitempty"`
	OutputArtifacts   []ArtifactRef     `json:"output_artifacts,omitempty"`
	Error             *ToolError        `json:"error"`
	CorrectsEventID   *string           `json:"corrects_event_id,omitempty"`
	PrevHash          string            `json:"prev_hash"`
	EventHash         string            `json:"event_hash"`
}

// Clone returns a deep copy of ev, sharing no pointers or slices with it.
func (ev AuditEvent) Clone() AuditEvent {
	c := ev
	c.ParentRunID = cloneString(ev.ParentRunID)
	c.CaseID = cloneString(ev.CaseID)
	c.LaneID = cloneString(ev.LaneID)
	c.ResponseHash = cloneString(ev.ResponseHash)
	c.CorrectsEventID = cloneString(ev.CorrectsEventID)
	if ev.InputArtifacts != nil {
		c.InputArtifacts = append([]ArtifactRef(nil), ev.InputArtifacts...)
	}
	if ev.OutputArtifacts != nil {
		c.OutputArtifacts = append([]ArtifactRef(nil), ev.OutputArtifacts...)
	}
	if ev.Error != nil {
		e := *ev.Error
		c.Error = &e
	}
	return c
}
