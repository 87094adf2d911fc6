package policy

import (
	"github.com/sfgonsio/AI-Legal-Service/pkg/canonicalize"
	"github.com/sfgonsio/AI-Legal-Service/pkg/contracts"
)

// DenyReason is the fixed vocabulary of authorization denials.
type DenyReason string

const (
	ReasonLaneNotDefined              DenyReason = "lane_not_defined"
	ReasonRoleNotDefined              DenyReason = "role_not_defined"
	ReasonRoleNotAllowedForLane       DenyReason = "role_not_allowed_for_lane"
	ReasonTargetNotAllowedInLane      DenyReason = "target_not_allowed_in_lane"
	ReasonWriteTargetNotAllowedInLane DenyReason = "write_target_not_allowed_in_lane"
	ReasonMissingScopeKey             DenyReason = "missing_scope_key"
	ReasonProhibitionTriggered        DenyReason = "prohibition_triggered"
	ReasonProhibitionEvalError        DenyReason = "prohibition_eval_error"
	ReasonToolNotRegistered           DenyReason = "tool_not_registered"
	ReasonToolDisabled                DenyReason = "tool_disabled"
	ReasonToolLaneMismatch            DenyReason = "tool_lane_mismatch"
	ReasonToolNotImplemented          DenyReason = "tool_not_implemented"
	ReasonNoSnapshot                  DenyReason = "no_policy_snapshot"
)

// ErrorCode maps a deny reason onto the caller-facing error taxonomy.
func (r DenyReason) ErrorCode() contracts.ErrorCode {
	if r == ReasonToolNotImplemented {
		return contracts.ErrToolNotImplemented
	}
	return contracts.ErrPolicyDenied
}

// Stage says which layer of the check sequence produced a denial.
type Stage string

const (
	StageLane Stage = "lane" // lane existence and caller role
	StageTool Stage = "tool" // target, scope, prohibitions, registry
)

// Decision is the tagged result of Decide: either Allow or Deny. There is no
// boolean form; callers type-switch and must handle both.
type Decision interface {
	isDecision()
	// Refs is the snapshot version the decision was made under.
	Refs() contracts.PolicyVersionRefs
	// Hash is the canonical hash of request, verdict and snapshot refs.
	Hash() string
}

// Allow is a positive decision.
type Allow struct {
	PolicyRefs   contracts.PolicyVersionRefs
	DecisionHash string
	// Tool is the registry entry for tool targets, nil for write targets.
	Tool *ToolEntry
}

// Deny is a negative decision with a structured reason.
type Deny struct {
	Reason       DenyReason
	Stage        Stage
	Detail       string // the offending key, flag or target; never payload content
	PolicyRefs   contracts.PolicyVersionRefs
	DecisionHash string
}

func (Allow) isDecision() {}
func (Deny) isDecision()  {}

func (a Allow) Refs() contracts.PolicyVersionRefs { return a.PolicyRefs }
func (d Deny) Refs() contracts.PolicyVersionRefs  { return d.PolicyRefs }
func (a Allow) Hash() string                      { return a.DecisionHash }
func (d Deny) Hash() string                       { return d.DecisionHash }

// decisionHashInput is the canonical form bound into DecisionHash.
type decisionHashInput struct {
	Request Request                     `json:"request"`
	Verdict string                      `json:"verdict"`
	Reason  DenyReason                  `json:"reason,omitempty"`
	Detail  string                      `json:"detail,omitempty"`
	Refs    contracts.PolicyVersionRefs `json:"refs"`
}

func computeDecisionHash(req Request, verdict string, reason DenyReason, detail string, refs contracts.PolicyVersionRefs) string {
	h, err := canonicalize.CanonicalHash(decisionHashInput{
		Request: req, Verdict: verdict, Reason: reason, Detail: detail, Refs: refs,
	})
	if err != nil {
		return ""
	}
	return h
}
