// Package policytest provides a compact policy fixture for tests of packages
// that consume policy snapshots.
package policytest

import (
	"context"
	"testing"

	"github.com/sfgonsio/AI-Legal-Service/pkg/policy"
)

// Fixture identifiers.
const (
	Role        = "agent"
	OtherRole   = "reviewer"
	Lane        = "intake"
	ChildLane   = "intake_child"
	ReviewLane  = "review"
	WriteTarget = "case_documents"

	ToolFetch    = "fetch"
	ToolStore    = "store"
	ToolSlow     = "slow"
	ToolBroken   = "broken"
	ToolDisabled = "disabled_tool"
	ToolPlanned  = "planned_tool"

	SlowTimeoutMS = 50
)

// Documents returns the fixture policy at the given lane/role/tool version.
func Documents(version string) policy.Documents {
	tool := func(name string, idempotent bool, timeoutMS int) policy.ToolEntry {
		return policy.ToolEntry{
			Name:                 name,
			Enabled:              true,
			Idempotent:           idempotent,
			ImplementationStatus: policy.StatusImplemented,
			TimeoutDefaultMS:     timeoutMS,
			AllowedLanes:         []string{Lane},
		}
	}

	fetch := tool(ToolFetch, true, 1000)
	fetch.AllowedLanes = []string{Lane, ChildLane}
	fetch.ArgumentsSchema = map[string]any{
		"type":     "object",
		"required": []any{"document_id"},
		"properties": map[string]any{
			"document_id": map[string]any{"type": "string", "minLength": 1},
		},
	}
	store := tool(ToolStore, false, 1000)
	store.WriteTargets = []string{WriteTarget}
	disabled := tool(ToolDisabled, true, 1000)
	disabled.Enabled = false
	planned := tool(ToolPlanned, true, 1000)
	planned.ImplementationStatus = policy.StatusPlanned

	return policy.Documents{
		Roles: policy.RoleDocument{
			Version: version,
			Roles:   []policy.Role{{ID: Role}, {ID: OtherRole}},
		},
		Lanes: policy.LaneDocument{
			Version:            version,
			ContractConstraint: "^1",
			Lanes: []policy.Lane{
				{
					ID:                  Lane,
					AllowedRoles:        []string{Role},
					AllowedTools:        []string{ToolFetch, ToolStore, ToolSlow, ToolBroken, ToolDisabled, ToolPlanned},
					AllowedWriteTargets: []string{WriteTarget},
					RequiredScopeKeys:   []string{"case_id"},
					ProhibitionFlags:    []string{"cross_case_access"},
				},
				{
					ID:                ChildLane,
					AllowedRoles:      []string{Role},
					AllowedTools:      []string{ToolFetch},
					RequiredScopeKeys: []string{"case_id"},
					ChildOverrides:    policy.ChildOverrides{ContractVersion: "v1.1.0", CaseScopeKey: "target_case_id"},
				},
				{
					ID:           ReviewLane,
					AllowedRoles: []string{OtherRole},
				},
			},
		},
		Tools: policy.ToolDocument{
			Version: version,
			Tools: []policy.ToolEntry{
				fetch, store,
				tool(ToolSlow, true, SlowTimeoutMS),
				tool(ToolBroken, true, 1000),
				disabled, planned,
			},
		},
		Prohibitions: policy.ProhibitionDocument{
			Prohibitions: []policy.Prohibition{{
				ID:  "cross_case_access",
				CEL: `"target_case_id" in request.scope && request.scope.target_case_id != request.scope.case_id`,
			}},
		},
	}
}

// Snapshot compiles the fixture at version v1.
func Snapshot(t testing.TB) *policy.Snapshot {
	t.Helper()
	return SnapshotVersion(t, "v1")
}

// SnapshotVersion compiles the fixture at the given version.
func SnapshotVersion(t testing.TB, version string) *policy.Snapshot {
	t.Helper()
	snap, err := policy.Compile(context.Background(), Documents(version))
	if err != nil {
		t.Fatalf("compile fixture policy: %v", err)
	}
	return snap
}

// Registry returns a registry with the v1 fixture installed.
func Registry(t testing.TB) *policy.Registry {
	t.Helper()
	reg := policy.NewRegistry(nil)
	reg.Install(Snapshot(t))
	return reg
}

// Scope returns a scope satisfying the fixture lane.
func Scope() map[string]string {
	return map[string]string{"case_id": "CASE-1"}
}
