// Package fingerprint computes the stable hashes that prove a run is reproducible:
// the inputs fingerprint over a set of artifacts and the run fingerprint over the
// pinned run configuration.
package fingerprint

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/sfgonsio/AI-Legal-Service/pkg/canonicalize"
	"github.com/sfgonsio/AI-Legal-Service/pkg/contracts"
)

// ErrMissingContentHash is returned when an input artifact has no content hash.
var ErrMissingContentHash = errors.New("fingerprint: artifact has no content hash")

// inputEntry is the hashed view of an artifact. Locators are storage details and
// are left out so the same bytes fingerprint identically wherever they live.
type inputEntry struct {
	ContentHash string `json:"content_hash"`
	Kind        string `json:"kind"`
}

// InputsFingerprint hashes the set of input artifacts. Order and duplicates do
// not affect the result.
func InputsFingerprint(refs []contracts.ArtifactRef) (string, error) {
	seen := make(map[inputEntry]struct{}, len(refs))
	entries := make([]inputEntry, 0, len(refs))
	for _, r := range refs {
		if r.ContentHash == "" {
			return "", fmt.Errorf("%w: %q", ErrMissingContentHash, r.Locator)
		}
		e := inputEntry{ContentHash: strings.ToLower(r.ContentHash), Kind: r.Kind}
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].ContentHash != entries[j].ContentHash {
			return entries[i].ContentHash < entries[j].ContentHash
		}
		return entries[i].Kind < entries[j].Kind
	})

	return canonicalize.CanonicalHash(struct {
		Inputs []inputEntry `json:"inputs"`
	}{Inputs: entries})
}

// RunConfig is everything that determines a run's canonical outputs.
// Timestamps and identifiers are deliberately absent.
type RunConfig struct {
	CaseID            string            `json:"case_id"`
	ContractVersion   string            `json:"contract_version"`
	InputsFingerprint string            `json:"inputs_fingerprint"`
	RulesetVersions   map[string]string `json:"ruleset_versions"`
	PolicyVersion     string            `json:"policy_version"`
	RerunLevel        int               `json:"rerun_level"`
}

// RunFingerprint hashes cfg canonically.
func RunFingerprint(cfg RunConfig) (string, error) {
	if cfg.RulesetVersions == nil {
		cfg.RulesetVersions = map[string]string{}
	}
	return canonicalize.CanonicalHash(cfg)
}

// PolicyVersion folds the policy pins into the single identifier used by RunConfig.
func PolicyVersion(refs contracts.PolicyVersionRefs) string {
	parts := []string{"lanes=" + refs.LanePolicy, "roles=" + refs.RolePolicy}
	if refs.ToolRegistry != "" {
		parts = append(parts, "tools="+refs.ToolRegistry)
	}
	return strings.Join(parts, ";")
}

// ForRun derives both fingerprints for a run from its inputs and pins.
func ForRun(run *contracts.Run, rulesets map[string]string, rerunLevel int) (inputs, runFP string, err error) {
	inputs, err = InputsFingerprint(run.InputArtifacts)
	if err != nil {
		return "", "", err
	}
	runFP, err = RunFingerprint(RunConfig{
		CaseID:            contracts.Deref(run.CaseID),
		ContractVersion:   run.ContractVersion,
		InputsFingerprint: inputs,
		RulesetVersions:   rulesets,
		PolicyVersion:     PolicyVersion(run.PolicyVersionRefs),
		RerunLevel:        rerunLevel,
	})
	if err != nil {
		return "", "", err
	}
	return inputs, runFP, nil
}
