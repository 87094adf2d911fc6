package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/sfgonsio/AI-Legal-Service/pkg/canonicalize"
)

// RoleDocument is the role policy file.
type RoleDocument struct {
	Version string `yaml:"version" json:"version"`
	Roles   []Role `yaml:"roles" json:"roles"`
}

// LaneDocument is the lane policy file.
type LaneDocument struct {
	Version            string `yaml:"version" json:"version"`
	ContractConstraint string `yaml:"contract_constraint,omitempty" json:"contract_constraint,omitempty"`
	Lanes              []Lane `yaml:"lanes" json:"lanes"`
}

// ToolDocument is the tool registry file.
type ToolDocument struct {
	Version string      `yaml:"version" json:"version"`
	Tools   []ToolEntry `yaml:"tools" json:"tools"`
}

// ProhibitionDocument lists prohibition flag definitions.
type ProhibitionDocument struct {
	Prohibitions []Prohibition `yaml:"prohibitions" json:"prohibitions"`
}

// Documents is the full policy source a Snapshot is compiled from.
type Documents struct {
	Roles        RoleDocument        `json:"roles"`
	Lanes        LaneDocument        `json:"lanes"`
	Tools        ToolDocument        `json:"tools"`
	Prohibitions ProhibitionDocument `json:"prohibitions"`
}

// Compile validates docs and builds an immutable Snapshot. Prohibition
// expressions and argument schemas are compiled here, once per version.
func Compile(ctx context.Context, docs Documents) (*Snapshot, error) {
	for name, v := range map[string]string{
		"lane policy":   docs.Lanes.Version,
		"role policy":   docs.Roles.Version,
		"tool registry": docs.Tools.Version,
	} {
		if v == "" {
			return nil, fmt.Errorf("policy: %s version is required", name)
		}
		if _, err := semver.NewVersion(v); err != nil {
			return nil, fmt.Errorf("policy: %s version %q: %w", name, v, err)
		}
	}
	if docs.Lanes.ContractConstraint != "" {
		if _, err := semver.NewConstraint(docs.Lanes.ContractConstraint); err != nil {
			return nil, fmt.Errorf("policy: contract constraint %q: %w", docs.Lanes.ContractConstraint, err)
		}
	}

	hash, err := canonicalize.CanonicalHash(docs)
	if err != nil {
		return nil, fmt.Errorf("policy: hash documents: %w", err)
	}

	snap := &Snapshot{
		LaneVersion:        docs.Lanes.Version,
		RoleVersion:        docs.Roles.Version,
		ToolVersion:        docs.Tools.Version,
		ContractConstraint: docs.Lanes.ContractConstraint,
		Roles:              make(map[string]Role, len(docs.Roles.Roles)),
		Lanes:              make(map[string]Lane, len(docs.Lanes.Lanes)),
		Tools:              make(map[string]*ToolEntry, len(docs.Tools.Tools)),
		Prohibitions:       make(map[string]*Prohibition, len(docs.Prohibitions.Prohibitions)),
		Hash:               hash,
		LoadedAt:           time.Now().UTC(),
	}

	for _, r := range docs.Roles.Roles {
		if r.ID == "" {
			return nil, fmt.Errorf("policy: role without role_id")
		}
		if _, dup := snap.Roles[r.ID]; dup {
			return nil, fmt.Errorf("policy: duplicate role %s", r.ID)
		}
		snap.Roles[r.ID] = r
	}

	env, err := newCELEnv()
	if err != nil {
		return nil, err
	}
	for i := range docs.Prohibitions.Prohibitions {
		p := docs.Prohibitions.Prohibitions[i]
		if p.ID == "" {
			return nil, fmt.Errorf("policy: prohibition without id")
		}
		if _, dup := snap.Prohibitions[p.ID]; dup {
			return nil, fmt.Errorf("policy: duplicate prohibition %s", p.ID)
		}
		if err := p.compile(ctx, env); err != nil {
			return nil, fmt.Errorf("policy: %w", err)
		}
		snap.Prohibitions[p.ID] = &p
	}

	for _, l := range docs.Lanes.Lanes {
		if l.ID == "" {
			return nil, fmt.Errorf("policy: lane without lane_id")
		}
		if _, dup := snap.Lanes[l.ID]; dup {
			return nil, fmt.Errorf("policy: duplicate lane %s", l.ID)
		}
		for _, role := range l.AllowedRoles {
			if _, ok := snap.Roles[role]; !ok {
				return nil, fmt.Errorf("policy: lane %s references unknown role %s", l.ID, role)
			}
		}
		for _, flag := range l.ProhibitionFlags {
			if _, ok := snap.Prohibitions[flag]; !ok {
				return nil, fmt.Errorf("policy: lane %s references unknown prohibition %s", l.ID, flag)
			}
		}
		snap.Lanes[l.ID] = l
	}

	for i := range docs.Tools.Tools {
		t := docs.Tools.Tools[i]
		if t.Name == "" {
			return nil, fmt.Errorf("policy: tool without tool_name")
		}
		if _, dup := snap.Tools[t.Name]; dup {
			return nil, fmt.Errorf("policy: duplicate tool %s", t.Name)
		}
		for _, lane := range t.AllowedLanes {
			if _, ok := snap.Lanes[lane]; !ok {
				return nil, fmt.Errorf("policy: tool %s references unknown lane %s", t.Name, lane)
			}
		}
		for _, flag := range t.ProhibitedFlags {
			if _, ok := snap.Prohibitions[flag]; !ok {
				return nil, fmt.Errorf("policy: tool %s references unknown prohibition %s", t.Name, flag)
			}
		}
		if len(t.ArgumentsSchema) > 0 {
			schema, err := compileArgumentsSchema(t.Name, t.ArgumentsSchema)
			if err != nil {
				return nil, err
			}
			t.schema = schema
		}
		snap.Tools[t.Name] = &t
	}

	return snap, nil
}

func compileArgumentsSchema(tool string, raw map[string]any) (*jsonschema.Schema, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("policy: tool %s schema: %w", tool, err)
	}
	url := "tool://" + tool + "/arguments.json"
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("policy: tool %s schema: %w", tool, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("policy: tool %s schema: %w", tool, err)
	}
	return schema, nil
}

// ContractSatisfied reports whether version satisfies the snapshot's contract
// constraint. Snapshots without a constraint accept any non-empty version.
func (s *Snapshot) ContractSatisfied(version string) error {
	if version == "" {
		return fmt.Errorf("policy: contract version is empty")
	}
	if s.ContractConstraint == "" {
		return nil
	}
	c, err := semver.NewConstraint(s.ContractConstraint)
	if err != nil {
		return fmt.Errorf("policy: contract constraint %q: %w", s.ContractConstraint, err)
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("policy: contract version %q: %w", version, err)
	}
	if !c.Check(v) {
		return fmt.Errorf("policy: contract version %s does not satisfy %s", version, s.ContractConstraint)
	}
	return nil
}
