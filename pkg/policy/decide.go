package policy

import (
	"context"

	"github.com/sfgonsio/AI-Legal-Service/pkg/contracts"
)

// Request is the input to Decide.
type Request struct {
	Role   string            `json:"role"`
	LaneID string            `json:"lane_id"`
	Target contracts.Target  `json:"target"`
	Scope  map[string]string `json:"scope"`
}

// Decide evaluates req against snap. Checks run in a fixed order and stop at
// the first failure:
//
//  1. the lane exists
//  2. the role is an allowed caller of the lane
//  3. the lane permits the tool or write target
//  4. every required scope key is present and non-empty
//  5. no lane or tool prohibition flag is triggered
//  6. for tools: the tool is registered, enabled, bound to the lane and implemented
//
// Decide has no side effects. ctx only bounds prohibition evaluation.
func Decide(ctx context.Context, snap *Snapshot, req Request) Decision {
	if snap == nil {
		return deny(req, ReasonNoSnapshot, StageLane, "", contracts.PolicyVersionRefs{})
	}
	refs := snap.Refs()

	// 1
	lane, ok := snap.Lanes[req.LaneID]
	if !ok {
		return deny(req, ReasonLaneNotDefined, StageLane, req.LaneID, refs)
	}

	// 2
	if _, known := snap.Roles[req.Role]; !known {
		return deny(req, ReasonRoleNotDefined, StageLane, req.Role, refs)
	}
	if !contains(lane.AllowedRoles, req.Role) {
		return deny(req, ReasonRoleNotAllowedForLane, StageLane, req.Role, refs)
	}

	var tool *ToolEntry
	if req.Target.Kind == contracts.TargetTool {
		tool = snap.Tools[req.Target.Name]
	}

	// 3
	switch req.Target.Kind {
	case contracts.TargetTool:
		if !contains(lane.AllowedTools, req.Target.Name) {
			return deny(req, ReasonTargetNotAllowedInLane, StageTool, req.Target.Name, refs)
		}
		if tool != nil {
			for _, wt := range tool.WriteTargets {
				if !contains(lane.AllowedWriteTargets, wt) {
					return deny(req, ReasonWriteTargetNotAllowedInLane, StageTool, wt, refs)
				}
			}
		}
	case contracts.TargetWrite:
		if !contains(lane.AllowedWriteTargets, req.Target.Name) {
			return deny(req, ReasonWriteTargetNotAllowedInLane, StageTool, req.Target.Name, refs)
		}
	default:
		return deny(req, ReasonTargetNotAllowedInLane, StageTool, string(req.Target.Kind), refs)
	}

	// 4
	required := lane.RequiredScopeKeys
	if tool != nil {
		required = append(append([]string(nil), required...), tool.RequiredScopeKeys...)
	}
	for _, key := range required {
		if req.Scope[key] == "" {
			return deny(req, ReasonMissingScopeKey, StageTool, key, refs)
		}
	}

	// 5
	flags := lane.ProhibitionFlags
	if tool != nil {
		flags = append(append([]string(nil), flags...), tool.ProhibitedFlags...)
	}
	for _, flag := range flags {
		p, ok := snap.Prohibitions[flag]
		if !ok {
			return deny(req, ReasonProhibitionEvalError, StageTool, flag, refs)
		}
		triggered, err := p.Triggered(ctx, req)
		if err != nil {
			return deny(req, ReasonProhibitionEvalError, StageTool, flag, refs)
		}
		if triggered {
			return deny(req, ReasonProhibitionTriggered, StageTool, flag, refs)
		}
	}

	// 6
	if req.Target.Kind == contracts.TargetTool {
		if tool == nil {
			return deny(req, ReasonToolNotRegistered, StageTool, req.Target.Name, refs)
		}
		if !tool.Enabled {
			return deny(req, ReasonToolDisabled, StageTool, tool.Name, refs)
		}
		if len(tool.AllowedLanes) > 0 && !contains(tool.AllowedLanes, lane.ID) {
			return deny(req, ReasonToolLaneMismatch, StageTool, tool.Name, refs)
		}
		if tool.ImplementationStatus != StatusImplemented {
			return deny(req, ReasonToolNotImplemented, StageTool, tool.Name, refs)
		}
	}

	return Allow{
		PolicyRefs:   refs,
		DecisionHash: computeDecisionHash(req, "allow", "", "", refs),
		Tool:         tool,
	}
}

func deny(req Request, reason DenyReason, stage Stage, detail string, refs contracts.PolicyVersionRefs) Deny {
	return Deny{
		Reason:       reason,
		Stage:        stage,
		Detail:       detail,
		PolicyRefs:   refs,
		DecisionHash: computeDecisionHash(req, "deny", reason, detail, refs),
	}
}

// NotImplemented is the denial for an allowed tool that has no executable
// implementation behind it.
func NotImplemented(req Request, refs contracts.PolicyVersionRefs) Deny {
	return deny(req, ReasonToolNotImplemented, StageTool, req.Target.Name, refs)
}
