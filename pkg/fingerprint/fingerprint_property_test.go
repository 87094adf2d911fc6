//go:build property
// +build property

// Package fingerprint_test contains property-based tests for fingerprint determinism.
package fingerprint_test

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/sfgonsio/AI-Legal-Service/pkg/contracts"
	"github.com/sfgonsio/AI-Legal-Service/pkg/fingerprint"
)

// TestRunFingerprintDeterminism verifies RunFingerprint(C) == RunFingerprint(C) for any C.
func TestRunFingerprintDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("run fingerprint is deterministic", prop.ForAll(
		func(caseID, contract, policy string, level int) bool {
			cfg := fingerprint.RunConfig{
				CaseID:            caseID,
				ContractVersion:   contract,
				InputsFingerprint: "inputs",
				RulesetVersions:   map[string]string{"coa": contract},
				PolicyVersion:     policy,
				RerunLevel:        level,
			}
			a, errA := fingerprint.RunFingerprint(cfg)
			b, errB := fingerprint.RunFingerprint(cfg)
			return errA == nil && errB == nil && a == b
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
		gen.IntRange(0, 10),
	))

	properties.TestingRun(t)
}

// TestRunFingerprintSensitivity verifies that changing the case id changes the fingerprint.
func TestRunFingerprintSensitivity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("distinct case ids give distinct fingerprints", prop.ForAll(
		func(a, b string) bool {
			if a == b {
				return true
			}
			fa, errA := fingerprint.RunFingerprint(fingerprint.RunConfig{CaseID: a})
			fb, errB := fingerprint.RunFingerprint(fingerprint.RunConfig{CaseID: b})
			return errA == nil && errB == nil && fa != fb
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// TestInputsFingerprintPermutation verifies the inputs fingerprint ignores ordering.
func TestInputsFingerprintPermutation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("reversed input order gives the same fingerprint", prop.ForAll(
		func(hashes []string) bool {
			refs := make([]contracts.ArtifactRef, 0, len(hashes))
			for i, h := range hashes {
				refs = append(refs, contracts.ArtifactRef{
					Locator:     fmt.Sprintf("fs://%d", i),
					ContentHash: "sha256:" + h + "x",
					Kind:        "document",
				})
			}
			reversed := make([]contracts.ArtifactRef, len(refs))
			for i := range refs {
				reversed[len(refs)-1-i] = refs[i]
			}
			a, errA := fingerprint.InputsFingerprint(refs)
			b, errB := fingerprint.InputsFingerprint(reversed)
			return errA == nil && errB == nil && a == b
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
