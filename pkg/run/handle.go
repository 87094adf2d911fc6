package run

import (
	"github.com/sfgonsio/AI-Legal-Service/pkg/contracts"
	"github.com/sfgonsio/AI-Legal-Service/pkg/policy"
)

// Handle is the capability to act on behalf of an authorized, running run.
// Only the Controller constructs handles (Start, Resume, Spawn); every
// privileged operation takes one. A handle binds the policy snapshot pinned at
// start, so later reloads never change what the run is evaluated against.
type Handle struct {
	run      *contracts.Run
	snapshot *policy.Snapshot
}

func (h *Handle) RunID() string              { return h.run.RunID }
func (h *Handle) RootRunID() string          { return h.run.RootRunID }
func (h *Handle) Kind() contracts.RunKind    { return h.run.Kind }
func (h *Handle) LaneID() string             { return contracts.Deref(h.run.LaneID) }
func (h *Handle) CaseID() *string            { return h.run.CaseID }
func (h *Handle) RoleID() string             { return h.run.RoleID }
func (h *Handle) Actor() contracts.Actor     { return h.run.Actor }
func (h *Handle) ContractVersion() string    { return h.run.ContractVersion }
func (h *Handle) Snapshot() *policy.Snapshot { return h.snapshot }

// Refs are the policy pins recorded at start.
func (h *Handle) Refs() contracts.PolicyVersionRefs { return h.run.PolicyVersionRefs }

// Run returns a copy of the run as it was when the handle was issued.
func (h *Handle) Run() *contracts.Run { return h.run.Clone() }

// Event builds an audit event attributed to the handle's run.
func (h *Handle) Event(action contracts.ActionType, outcome contracts.Outcome, target contracts.Target) *contracts.AuditEvent {
	ev := eventFor(h.run, action, outcome)
	ev.Target = target
	return ev
}

func eventFor(r *contracts.Run, action contracts.ActionType, outcome contracts.Outcome) *contracts.AuditEvent {
	var parent *string
	if r.ParentRunID != nil {
		p := *r.ParentRunID
		parent = &p
	}
	return &contracts.AuditEvent{
		ActionType:        action,
		Outcome:           outcome,
		RunID:             r.RunID,
		ParentRunID:       parent,
		RootRunID:         r.RootRunID,
		CaseID:            contracts.StringPtr(contracts.Deref(r.CaseID)),
		LaneID:            contracts.StringPtr(contracts.Deref(r.LaneID)),
		Actor:             r.Actor,
		RoleID:            r.RoleID,
		ContractVersion:   r.ContractVersion,
		PolicyVersionRefs: r.PolicyVersionRefs,
		Target:            contracts.Target{Kind: contracts.TargetRun, Name: string(r.Kind)},
	}
}
