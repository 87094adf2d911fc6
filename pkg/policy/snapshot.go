// Package policy is the authorization engine for the governed execution core.
//
// Policy is supplied as versioned configuration (lanes, roles, tool registry,
// prohibitions) and compiled into an immutable Snapshot. Decide is a pure
// function of a request and a snapshot; it never fetches policy itself, so the
// snapshot a caller decides with is the snapshot it executes with.
package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/sfgonsio/AI-Legal-Service/pkg/contracts"
)

// ImplementationStatus values for tool registry entries.
const (
	StatusImplemented = "implemented"
	StatusPlanned     = "planned"
)

// ErrInvalidArguments is returned when tool parameters fail the registry schema.
var ErrInvalidArguments = errors.New("policy: arguments do not match tool schema")

// Role is a caller role known to the role policy.
type Role struct {
	ID          string `yaml:"role_id" json:"role_id"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// ChildOverrides lets a lane replace what child runs would otherwise inherit.
type ChildOverrides struct {
	ContractVersion string `yaml:"contract_version,omitempty" json:"contract_version,omitempty"`
	// CaseScopeKey names a scope key whose value becomes the child's case id.
	CaseScopeKey string `yaml:"case_scope_key,omitempty" json:"case_scope_key,omitempty"`
}

// Lane is a named, policy-governed execution path.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Lane struct {
	ID                  string         `yaml:"lane_id" json:"lane_id"`
	Description         string         `yaml:"description,omitempty" json:"description,omitempty"`
	AllowedRoles        []string       `yaml:"allowed_roles" json:"allowed_roles"`
	AllowedTools        []string       `yaml:"allowed_tools" json:"allowed_tools"`
	AllowedWriteTargets []string       `yaml:"allowed_write_targets" json:"allowed_write_targets"`
	RequiredScopeKeys   []string       `yaml:"required_scope_keys" json:"required_scope_keys"`
	ProhibitionFlags    []string       `yaml:"prohibition_flags" json:"prohibition_flags"`
	ChildOverrides      ChildOverrides `yaml:"child_overrides,omitempty" json:"child_overrides"`
}

// RateLimit bounds how often a tool may be called.
type RateLimit struct {
	RPS   float64 `yaml:"rps" json:"rps"`
	Burst int     `yaml:"burst" json:"burst"`
}

// ToolEntry is a tool registry record.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type ToolEntry struct {
	Name                 string         `yaml:"tool_name" json:"tool_name"`
	Enabled              bool           `yaml:"enabled" json:"enabled"`
	Idempotent           bool           `yaml:"idempotent" json:"idempotent"`
	ImplementationStatus string         `yaml:"implementation_status" json:"implementation_status"`
	TimeoutDefaultMS     int            `yaml:"timeout_default_ms" json:"timeout_default_ms"`
	AllowedLanes         []string       `yaml:"allowed_lanes" json:"allowed_lanes"`
	RequiredScopeKeys    []string       `yaml:"required_scope_keys" json:"required_scope_keys"`
	ProhibitedFlags      []string       `yaml:"prohibited_flags" json:"prohibited_flags"`
	WriteTargets         []string       `yaml:"write_targets" json:"write_targets"`
	ArgumentsSchema      map[string]any `yaml:"arguments_schema,omitempty" json:"arguments_schema,omitempty"`
	RateLimit            *RateLimit     `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`

	schema *jsonschema.Schema
}

// Timeout returns the default call timeout, falling back to fallback when unset.
func (t *ToolEntry) Timeout(fallback time.Duration) time.Duration {
	if t.TimeoutDefaultMS <= 0 {
		return fallback
	}
	return time.Duration(t.TimeoutDefaultMS) * time.Millisecond
}

// ValidateArguments checks raw JSON parameters against the tool's schema.
// Tools without a schema accept any JSON value.
func (t *ToolEntry) ValidateArguments(raw json.RawMessage) error {
	if t.schema == nil {
		return nil
	}
	var v interface{}
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if err := t.schema.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}

// Snapshot is one immutable, versioned view of the whole policy. It is never
// edited after Compile; a policy change produces a new Snapshot.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Snapshot struct {
	LaneVersion        string
	RoleVersion        string
	ToolVersion        string
	ContractConstraint string
	Roles              map[string]Role
	Lanes              map[string]Lane
	Tools              map[string]*ToolEntry
	Prohibitions       map[string]*Prohibition
	Hash               string
	LoadedAt           time.Time
}

// Refs returns the version references recorded on runs and events.
func (s *Snapshot) Refs() contracts.PolicyVersionRefs {
	if s == nil {
		return contracts.PolicyVersionRefs{}
	}
	return contracts.PolicyVersionRefs{
		LanePolicy:   s.LaneVersion,
		RolePolicy:   s.RoleVersion,
		ToolRegistry: s.ToolVersion,
	}
}

// Tool returns the registry entry for name.
func (s *Snapshot) Tool(name string) (*ToolEntry, bool) {
	t, ok := s.Tools[name]
	return t, ok
}

// Lane returns the lane with the given id.
func (s *Snapshot) Lane(id string) (Lane, bool) {
	l, ok := s.Lanes[id]
	return l, ok
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
