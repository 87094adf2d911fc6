// Package harness executes a single mediated tool request end to end with a
// fixed clock and derived identifiers, so the run record and audit ledger it
// writes are byte-for-byte reproducible.
package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sfgonsio/AI-Legal-Service/pkg/artifacts"
	"github.com/sfgonsio/AI-Legal-Service/pkg/audit"
	"github.com/sfgonsio/AI-Legal-Service/pkg/canonicalize"
	"github.com/sfgonsio/AI-Legal-Service/pkg/contracts"
	"github.com/sfgonsio/AI-Legal-Service/pkg/gateway"
	"github.com/sfgonsio/AI-Legal-Service/pkg/policy"
	"github.com/sfgonsio/AI-Legal-Service/pkg/run"
)

// Output file names.
const (
	RunRecordFile   = "run_record.json"
	AuditLedgerFile = "audit_ledger.jsonl"
	ManifestFile    = "hashes.json"
)

const (
	// DefaultContractVersion is pinned when Config leaves it empty.
	DefaultContractVersion = "1.0.0"
	// DefaultActorID acts for requests that name no actor.
	DefaultActorID = "harness_actor"
)

var (
	ErrInvalidRequest   = errors.New("harness: invalid request")
	ErrManifestMismatch = errors.New("harness: output does not match manifest")
)

// Config describes one harness execution.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Config struct {
	RequestPath string
	PolicyDir   string
	OutDir      string

	// Now fixes every timestamp. Zero means the current second.
	Now time.Time

	// RunID overrides the identifier derived from the request hash.
	RunID string

	ContractVersion string

	// Adapters executes allowed tools. Without one an allowed tool is denied
	// as not implemented.
	Adapters *gateway.Adapters

	Logger *slog.Logger
}

// Manifest maps output file names to their SHA-256.
type Manifest map[string]string

// Result is what one execution produced. RequestHash is taken over the
// request as read, before the run id is filled in.
type Result struct {
	RunID       string
	RequestHash string
	Run         *contracts.Run
	Response    contracts.ToolCallResponse
	Events      []contracts.AuditEvent
	Manifest    Manifest
}

// RunID derives the deterministic run identifier for a request hash.
func RunID(requestHash string) string {
	if len(requestHash) > 12 {
		requestHash = requestHash[:12]
	}
	return "RUN_" + requestHash
}

// LoadRequest reads a tool call request file.
func LoadRequest(path string) (contracts.ToolCallRequest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return contracts.ToolCallRequest{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	var req contracts.ToolCallRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return contracts.ToolCallRequest{}, fmt.Errorf("%w: %s: %v", ErrInvalidRequest, filepath.Base(path), err)
	}
	if req.ToolName == "" || req.LaneID == "" || req.RoleID == "" {
		return contracts.ToolCallRequest{}, fmt.Errorf("%w: tool_name, lane_id and role_id are required", ErrInvalidRequest)
	}
	return req, nil
}

// Execute loads the request and policy, mediates the call and, when OutDir is
// set, writes the run record, the ledger and the manifest.
func Execute(ctx context.Context, cfg Config) (*Result, error) {
	req, err := LoadRequest(cfg.RequestPath)
	if err != nil {
		return nil, err
	}
	registry := policy.NewRegistry(policy.NewLoader(cfg.PolicyDir))
	if _, err := registry.Reload(ctx); err != nil {
		return nil, fmt.Errorf("harness: load policy: %w", err)
	}
	res, err := Mediate(ctx, cfg, registry, req)
	if err != nil {
		return nil, err
	}
	if cfg.OutDir != "" {
		manifest, err := Write(cfg.OutDir, res)
		if err != nil {
			return nil, err
		}
		res.Manifest = manifest
	}
	return res, nil
}

// Mediate runs req through a fresh controller and gateway pinned to the
// registry's current snapshot.
func Mediate(ctx context.Context, cfg Config, registry *policy.Registry, req contracts.ToolCallRequest) (*Result, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "harness")
	}
	now := cfg.Now.UTC()
	if cfg.Now.IsZero() {
		now = time.Now().UTC().Truncate(time.Second)
	}
	contractVersion := cfg.ContractVersion
	if contractVersion == "" {
		contractVersion = DefaultContractVersion
	}

	requestHash, err := canonicalize.CanonicalHash(req.HashView())
	if err != nil {
		return nil, fmt.Errorf("%w: hash: %v", ErrInvalidRequest, err)
	}
	runID := cfg.RunID
	if runID == "" {
		runID = req.RunID
	}
	if runID == "" {
		runID = RunID(requestHash)
	}
	if req.RunID != runID {
		req.RunID = runID
		req.RequestHash = ""
	}
	caseID := contracts.Deref(req.CaseID)
	if caseID == "" {
		caseID = req.Scope["case_id"]
	}
	if req.Actor.ID == "" {
		req.Actor = contracts.Actor{Type: contracts.ActorAgent, ID: DefaultActorID}
		req.RequestHash = ""
	}
	if req.Scope == nil {
		req.Scope = map[string]string{}
		if caseID != "" {
			req.Scope["case_id"] = caseID
		}
		req.RequestHash = ""
	}

	clock := audit.FixedClock(now)
	ledger := audit.NewMemoryLedger(audit.WithClock(clock), audit.WithIDGenerator(audit.SequentialIDs{}))
	ctrl := run.NewController(run.NewMemoryStore(), ledger, registry,
		run.WithClock(clock),
		run.WithRunIDs(func() string { return runID }),
		run.WithLogger(logger),
	)
	adapters := cfg.Adapters
	if adapters == nil {
		if adapters, err = gateway.NewAdapters(); err != nil {
			return nil, err
		}
	}
	gw := gateway.New(ctrl, adapters,
		gateway.WithArtifacts(artifacts.NewMemoryStore()),
		gateway.WithLogger(logger),
	)

	if _, err := ctrl.Create(ctx, run.CreateRequest{
		RunID:           runID,
		Kind:            contracts.RunKindToolGateway,
		CorrelationID:   contracts.Deref(req.CorrelationID),
		CaseID:          caseID,
		LaneID:          req.LaneID,
		RoleID:          req.RoleID,
		Actor:           req.Actor,
		ContractVersion: contractVersion,
		InputArtifacts:  req.InputArtifacts,
		Metadata:        map[string]string{"harness": "true", "request_hash": requestHash},
	}); err != nil {
		return nil, fmt.Errorf("harness: create run: %w", err)
	}
	h, err := ctrl.Start(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("harness: start run: %w", err)
	}

	resp, err := gw.Invoke(ctx, h, req)
	if err != nil {
		return nil, fmt.Errorf("harness: invoke: %w", err)
	}
	record, err := ctrl.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	events, err := ledger.Query(ctx, audit.Filter{RunID: runID})
	if err != nil {
		return nil, err
	}
	if err := audit.VerifyMandatoryChain(events); err != nil {
		return nil, fmt.Errorf("harness: %w", err)
	}
	logger.Info("harness run finished", "run_id", runID, "request_hash", requestHash,
		"status", record.Status, "outcome", resp.Outcome)

	return &Result{
		RunID:       runID,
		RequestHash: requestHash,
		Run:         record,
		Response:    resp,
		Events:      events,
	}, nil
}

// Write stores the run record and ledger under dir and pins them in the
// manifest file.
func Write(dir string, res *Result) (Manifest, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("harness: %w", err)
	}
	record, err := canonicalize.Stable(res.Run)
	if err != nil {
		return nil, fmt.Errorf("harness: render run record: %w", err)
	}
	ledger, err := canonicalize.JSONL(res.Events)
	if err != nil {
		return nil, fmt.Errorf("harness: render ledger: %w", err)
	}

	files := map[string][]byte{RunRecordFile: record, AuditLedgerFile: ledger}
	manifest := make(Manifest, len(files))
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return nil, fmt.Errorf("harness: write %s: %w", name, err)
		}
		manifest[name] = canonicalize.HashBytes(data)
	}
	body, err := canonicalize.Stable(manifest)
	if err != nil {
		return nil, fmt.Errorf("harness: render manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), body, 0o644); err != nil {
		return nil, fmt.Errorf("harness: write manifest: %w", err)
	}
	return manifest, nil
}

// ReadManifest loads the manifest stored in dir.
func ReadManifest(dir string) (Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("harness: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("harness: manifest: %w", err)
	}
	return m, nil
}

// VerifyManifest checks every file in dir against manifest. Files that are
// missing, changed or not listed all fail verification.
func VerifyManifest(dir string, manifest Manifest) error {
	names := make([]string, 0, len(manifest))
	for name := range manifest {
		names = append(names, name)
	}
	sort.Strings(names)

	var problems []error
	for _, name := range names {
		want := manifest[name]
		got, err := canonicalize.HashFile(filepath.Join(dir, name))
		switch {
		case errors.Is(err, os.ErrNotExist):
			problems = append(problems, fmt.Errorf("%s: missing", name))
		case err != nil:
			problems = append(problems, fmt.Errorf("%s: %v", name, err))
		case got != want:
			problems = append(problems, fmt.Errorf("%s: sha256 %s, manifest %s", name, got, want))
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("harness: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || e.Name() == ManifestFile {
			continue
		}
		if _, ok := manifest[e.Name()]; !ok {
			problems = append(problems, fmt.Errorf("%s: not in manifest", e.Name()))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %w", ErrManifestMismatch, errors.Join(problems...))
	}
	return nil
}
