// Package replay checks that replay vectors still produce their frozen
// baselines. Verify recomputes every vector's fingerprints and compares the
// stable rendering byte-for-byte with <vector>.expected.json. Freeze is the
// only operation that writes baselines.
package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/sfgonsio/AI-Legal-Service/pkg/canonicalize"
	"github.com/sfgonsio/AI-Legal-Service/pkg/policy"
)

// SchemaVersion tags every computed output.
const SchemaVersion = "replay_equivalence_v1"

var (
	ErrBadInput        = errors.New("replay: bad input")
	ErrNoVectors       = errors.New("replay: no vectors found")
	ErrInvalidVector   = errors.New("replay: invalid vector")
	ErrMissingBaseline = errors.New("replay: expected file missing")
	ErrMismatch        = errors.New("replay: output differs from baseline")
	ErrMissingArtifact = errors.New("replay: artifacts missing")
	ErrFailed          = errors.New("replay: equivalence failed")
)

// Exit codes used by the CLI.
const (
	ExitOK        = 0
	ExitBadInput  = 2
	ExitNoVectors = 3
	ExitFailed    = 10
)

// DefaultArtifactPaths is fingerprinted for vectors without include_paths.
var DefaultArtifactPaths = []string{
	policy.LanesFile,
	policy.RolesFile,
	policy.ToolRegistryFile,
	policy.ProhibitionsFile,
}

// Options configures a Harness.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Options struct {
	ContractRoot string
	VectorsDir   string

	// StrictMissing fails a vector when any of its artifacts is absent.
	StrictMissing bool

	// ContractConstraint, when set, must be satisfied by every vector's
	// contract_version.
	ContractConstraint string

	// DefaultPaths overrides DefaultArtifactPaths.
	DefaultPaths []string

	Logger *slog.Logger
}

// Outputs is the canonical result computed for one vector.
type Outputs struct {
	SchemaVersion    string            `json:"schema_version"`
	VectorID         string            `json:"vector_id"`
	Fingerprints     map[string]string `json:"fingerprints"`
	MissingArtifacts []string          `json:"missing_artifacts"`
}

// Result is the outcome for one vector.
type Result struct {
	Vector   string   `json:"vector"`
	VectorID string   `json:"vector_id,omitempty"`
	Status   string   `json:"status"`
	Diffs    []string `json:"diffs,omitempty"`

	Err error `json:"-"`
}

const (
	StatusOK     = "ok"
	StatusFrozen = "frozen"
	StatusFailed = "failed"
)

// Report collects the results of one pass over the vectors directory.
type Report struct {
	Mode    string   `json:"mode"`
	Results []Result `json:"results"`
}

// Failed counts vectors that did not pass.
func (r Report) Failed() int {
	n := 0
	for _, res := range r.Results {
		if res.Status == StatusFailed {
			n++
		}
	}
	return n
}

// Harness runs vectors against a contract root.
type Harness struct {
	opts       Options
	schema     *jsonschema.Schema
	constraint *semver.Constraints
	logger     *slog.Logger
}

// New validates opts and prepares the vector schema.
func New(opts Options) (*Harness, error) {
	if opts.ContractRoot == "" || opts.VectorsDir == "" {
		return nil, fmt.Errorf("%w: contract root and vectors dir are required", ErrBadInput)
	}
	for _, dir := range []string{opts.ContractRoot, opts.VectorsDir} {
		info, err := os.Stat(dir)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadInput, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("%w: %s is not a directory", ErrBadInput, dir)
		}
	}
	root, err := filepath.Abs(opts.ContractRoot)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadInput, err)
	}
	opts.ContractRoot = root
	if opts.DefaultPaths == nil {
		opts.DefaultPaths = DefaultArtifactPaths
	}

	schema, err := compileVectorSchema()
	if err != nil {
		return nil, err
	}
	h := &Harness{opts: opts, schema: schema, logger: opts.Logger}
	if h.logger == nil {
		h.logger = slog.Default().With("component", "replay")
	}
	if opts.ContractConstraint != "" {
		c, err := semver.NewConstraint(opts.ContractConstraint)
		if err != nil {
			return nil, fmt.Errorf("%w: contract constraint %q: %v", ErrBadInput, opts.ContractConstraint, err)
		}
		h.constraint = c
	}
	return h, nil
}

// LoadVector reads and validates the vector at path.
func (h *Harness) LoadVector(path string) (Vector, error) {
	v, err := decodeVector(h.schema, path)
	if err != nil {
		return Vector{}, err
	}
	ver, err := semver.NewVersion(v.ContractVersion)
	if err != nil {
		return Vector{}, fmt.Errorf("%w: %s: contract_version %q: %v", ErrInvalidVector, filepath.Base(path), v.ContractVersion, err)
	}
	if h.constraint != nil && !h.constraint.Check(ver) {
		return Vector{}, fmt.Errorf("%w: %s: contract_version %s does not satisfy %s",
			ErrInvalidVector, filepath.Base(path), v.ContractVersion, h.opts.ContractConstraint)
	}
	return v, nil
}

// Compute fingerprints the vector's artifacts, its request and the vector
// file itself.
func (h *Harness) Compute(v Vector) (Outputs, error) {
	paths := v.IncludePaths
	if paths == nil {
		paths = h.opts.DefaultPaths
	}
	paths = append(append([]string(nil), paths...), v.RequestPath)

	out := Outputs{
		SchemaVersion:    SchemaVersion,
		VectorID:         v.Name(),
		Fingerprints:     make(map[string]string, len(paths)+1),
		MissingArtifacts: []string{},
	}
	for _, p := range paths {
		rel, abs, err := h.resolve(p)
		if err != nil {
			return Outputs{}, fmt.Errorf("%w: %s: %v", ErrInvalidVector, filepath.Base(v.Path), err)
		}
		info, err := os.Stat(abs)
		if err != nil || !info.Mode().IsRegular() {
			out.MissingArtifacts = append(out.MissingArtifacts, rel)
			continue
		}
		sum, err := canonicalize.HashFile(abs)
		if err != nil {
			return Outputs{}, fmt.Errorf("replay: fingerprint %s: %w", rel, err)
		}
		out.Fingerprints[rel] = sum
	}

	sum, err := canonicalize.HashFile(v.Path)
	if err != nil {
		return Outputs{}, fmt.Errorf("replay: fingerprint vector: %w", err)
	}
	out.Fingerprints[h.vectorKey(v.Path)] = sum

	sort.Strings(out.MissingArtifacts)
	out.MissingArtifacts = dedupe(out.MissingArtifacts)
	return out, nil
}

// resolve maps a contract-relative path to its forward-slash key and its
// location on disk. Paths may not leave the contract root.
func (h *Harness) resolve(p string) (string, string, error) {
	clean := filepath.Clean(filepath.FromSlash(p))
	if filepath.IsAbs(clean) {
		return "", "", fmt.Errorf("path %q must be relative to the contract root", p)
	}
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", "", fmt.Errorf("path %q escapes the contract root", p)
	}
	return filepath.ToSlash(clean), filepath.Join(h.opts.ContractRoot, clean), nil
}

// vectorKey names the vector file relative to the contract root, or by its
// directory and file name when the vectors live elsewhere.
func (h *Harness) vectorKey(path string) string {
	abs, err := filepath.Abs(path)
	if err == nil {
		if rel, err := filepath.Rel(h.opts.ContractRoot, abs); err == nil && !strings.HasPrefix(rel, "..") {
			return filepath.ToSlash(rel)
		}
	}
	return filepath.Base(filepath.Dir(path)) + "/" + filepath.Base(path)
}

// Verify recomputes every vector and compares it with its baseline. The
// returned error wraps ErrFailed and each vector's cause.
func (h *Harness) Verify(ctx context.Context) (Report, error) {
	return h.run(ctx, false)
}

// Freeze recomputes every vector and writes its baseline.
func (h *Harness) Freeze(ctx context.Context) (Report, error) {
	return h.run(ctx, true)
}

func (h *Harness) run(ctx context.Context, freeze bool) (Report, error) {
	report := Report{Mode: "verify"}
	if freeze {
		report.Mode = "freeze"
	}
	vectors, err := Discover(h.opts.VectorsDir)
	if err != nil {
		return report, err
	}
	if len(vectors) == 0 {
		return report, fmt.Errorf("%w in %s", ErrNoVectors, h.opts.VectorsDir)
	}

	var errs []error
	for _, path := range vectors {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		res := h.one(path, freeze)
		if res.Err != nil {
			errs = append(errs, res.Err)
			h.logger.Warn("replay vector failed", "vector", res.Vector, "error", res.Err)
		}
		report.Results = append(report.Results, res)
	}
	if len(errs) > 0 {
		return report, fmt.Errorf("%w: %w", ErrFailed, errors.Join(errs...))
	}
	return report, nil
}

func (h *Harness) one(path string, freeze bool) Result {
	res := Result{Vector: filepath.Base(path), Status: StatusFailed}
	v, err := h.LoadVector(path)
	if err != nil {
		res.Err = err
		res.Diffs = []string{err.Error()}
		return res
	}
	res.VectorID = v.Name()

	computed, err := h.Compute(v)
	if err != nil {
		res.Err = err
		res.Diffs = []string{err.Error()}
		return res
	}
	if h.opts.StrictMissing && len(computed.MissingArtifacts) > 0 {
		res.Err = fmt.Errorf("%w: %s: %s", ErrMissingArtifact, res.Vector, strings.Join(computed.MissingArtifacts, ", "))
		res.Diffs = []string{"missing artifacts: " + strings.Join(computed.MissingArtifacts, ", ")}
		return res
	}
	rendered, err := canonicalize.Stable(computed)
	if err != nil {
		res.Err = fmt.Errorf("replay: render %s: %w", res.Vector, err)
		return res
	}

	expPath := ExpectedPath(path)
	if freeze {
		if err := writeFile(expPath, rendered); err != nil {
			res.Err = fmt.Errorf("replay: freeze %s: %w", res.Vector, err)
			return res
		}
		h.logger.Info("baseline written", "vector", res.Vector, "expected", filepath.Base(expPath))
		res.Status = StatusFrozen
		return res
	}

	expected, err := os.ReadFile(expPath)
	if errors.Is(err, os.ErrNotExist) {
		res.Err = fmt.Errorf("%w: %s", ErrMissingBaseline, filepath.Base(expPath))
		res.Diffs = []string{"expected file missing: " + filepath.Base(expPath)}
		return res
	}
	if err != nil {
		res.Err = fmt.Errorf("replay: read %s: %w", filepath.Base(expPath), err)
		return res
	}
	if !bytes.Equal(rendered, expected) {
		res.Diffs = Diff(computed, expected)
		res.Err = fmt.Errorf("%w: %s", ErrMismatch, res.Vector)
		return res
	}
	res.Status = StatusOK
	return res
}

// Diff lists field-level differences between computed outputs and a raw
// baseline. When every field agrees the difference is in the rendering.
func Diff(computed Outputs, expectedRaw []byte) []string {
	var expected Outputs
	if err := json.Unmarshal(expectedRaw, &expected); err != nil {
		return []string{fmt.Sprintf("expected file is not valid JSON: %v", err)}
	}
	var diffs []string
	if computed.SchemaVersion != expected.SchemaVersion {
		diffs = append(diffs, fmt.Sprintf("schema_version: computed %q, expected %q", computed.SchemaVersion, expected.SchemaVersion))
	}
	if computed.VectorID != expected.VectorID {
		diffs = append(diffs, fmt.Sprintf("vector_id: computed %q, expected %q", computed.VectorID, expected.VectorID))
	}
	if strings.Join(computed.MissingArtifacts, "\x00") != strings.Join(expected.MissingArtifacts, "\x00") {
		diffs = append(diffs, fmt.Sprintf("missing_artifacts: computed %v, expected %v", computed.MissingArtifacts, expected.MissingArtifacts))
	}

	keys := make(map[string]struct{}, len(computed.Fingerprints)+len(expected.Fingerprints))
	for k := range computed.Fingerprints {
		keys[k] = struct{}{}
	}
	for k := range expected.Fingerprints {
		keys[k] = struct{}{}
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)
	for _, k := range sorted {
		got, inComputed := computed.Fingerprints[k]
		want, inExpected := expected.Fingerprints[k]
		switch {
		case !inExpected:
			diffs = append(diffs, fmt.Sprintf("fingerprints[%s]: not in baseline", k))
		case !inComputed:
			diffs = append(diffs, fmt.Sprintf("fingerprints[%s]: in baseline only", k))
		case got != want:
			diffs = append(diffs, fmt.Sprintf("fingerprints[%s]: computed %s, expected %s", k, got, want))
		}
	}
	if len(diffs) == 0 {
		diffs = append(diffs, "baseline is not in canonical form")
	}
	return diffs
}

// ExitCode maps a Verify or Freeze error to the CLI exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrNoVectors):
		return ExitNoVectors
	case errors.Is(err, ErrFailed):
		return ExitFailed
	}
	return ExitBadInput
}

func writeFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".expected-*")
	if err != nil {
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i > 0 && s == sorted[i-1] {
			continue
		}
		out = append(out, s)
	}
	return out
}
