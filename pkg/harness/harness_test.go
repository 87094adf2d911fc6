package harness_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sfgonsio/AI-Legal-Service/pkg/audit"
	"github.com/sfgonsio/AI-Legal-Service/pkg/canonicalize"
	"github.com/sfgonsio/AI-Legal-Service/pkg/contracts"
	"github.com/sfgonsio/AI-Legal-Service/pkg/gateway"
	"github.com/sfgonsio/AI-Legal-Service/pkg/harness"
)

const policyDir = "../policy/testdata/v1"

var now = time.Date(2026, 2, 23, 18, 0, 0, 0, time.UTC)

const fetchRequest = `{
  "tool_name": "doc_fetch",
  "lane_id": "intake",
  "role_id": "intake_agent",
  "actor": {"type": "agent", "id": "intake-1"},
  "case_id": "CASE-7",
  "input_artifacts": [],
  "parameters": {"document_id": "DOC-1"},
  "scope": {"case_id": "CASE-7"}
}`

func writeRequest(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "tool_request.json")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func actions(events []contracts.AuditEvent) []contracts.ActionType {
	out := make([]contracts.ActionType, len(events))
	for i, ev := range events {
		out[i] = ev.ActionType
	}
	return out
}

func TestExecuteWithoutAdapterDenies(t *testing.T) {
	out := t.TempDir()
	res, err := harness.Execute(context.Background(), harness.Config{
		RequestPath: writeRequest(t, fetchRequest),
		PolicyDir:   policyDir,
		OutDir:      out,
		Now:         now,
	})
	require.NoError(t, err)

	assert.Equal(t, harness.RunID(res.RequestHash), res.RunID)
	assert.Len(t, res.RunID, len("RUN_")+12)
	assert.Equal(t, contracts.RunStatusCompleted, res.Run.Status)
	assert.Equal(t, contracts.OutcomeDeny, res.Response.Outcome)
	require.NotNil(t, res.Response.Error)
	assert.Equal(t, contracts.ErrToolNotImplemented, res.Response.Error.Code)

	require.Len(t, res.Events, 6)
	assert.Equal(t, []contracts.ActionType{
		contracts.ActionRunCreated,
		contracts.ActionLaneAuthorized,
		contracts.ActionToolRequested,
		contracts.ActionToolAllowed,
		contracts.ActionToolDenied,
		contracts.ActionRunCompleted,
	}, actions(res.Events))
	for i, ev := range res.Events {
		assert.Equal(t, audit.SequentialIDs{}.NextEventID(res.RunID, uint64(i+1)), ev.EventID)
		assert.True(t, ev.Timestamp.Equal(now))
	}

	manifest, err := harness.ReadManifest(out)
	require.NoError(t, err)
	assert.Equal(t, res.Manifest, manifest)
	require.NoError(t, harness.VerifyManifest(out, manifest))
}

func TestExecuteIsReproducible(t *testing.T) {
	req := writeRequest(t, fetchRequest)
	first, second := t.TempDir(), t.TempDir()
	for _, dir := range []string{first, second} {
		_, err := harness.Execute(context.Background(), harness.Config{
			RequestPath: req,
			PolicyDir:   policyDir,
			OutDir:      dir,
			Now:         now,
		})
		require.NoError(t, err)
	}
	for _, name := range []string{harness.RunRecordFile, harness.AuditLedgerFile, harness.ManifestFile} {
		a, err := os.ReadFile(filepath.Join(first, name))
		require.NoError(t, err)
		b, err := os.ReadFile(filepath.Join(second, name))
		require.NoError(t, err)
		assert.Equal(t, a, b, name)
	}
}

func TestExecuteWithAdapter(t *testing.T) {
	adapters, err := gateway.NewAdapters(&gateway.FuncAdapter{
		ToolName: "doc_fetch",
		Fn: func(context.Context, gateway.Call) (gateway.Result, error) {
			return gateway.Result{Output: map[string]any{"pages": 2}}, nil
		},
	})
	require.NoError(t, err)

	res, err := harness.Execute(context.Background(), harness.Config{
		RequestPath: writeRequest(t, fetchRequest),
		PolicyDir:   policyDir,
		Now:         now,
		RunID:       "RUN_fixed",
		Adapters:    adapters,
	})
	require.NoError(t, err)
	assert.Equal(t, "RUN_fixed", res.RunID)
	assert.Equal(t, contracts.OutcomeSuccess, res.Response.Outcome)
	assert.Equal(t, contracts.ActionToolExecuted, res.Events[4].ActionType)
	assert.Equal(t, contracts.RunStatusCompleted, res.Run.Status)
	assert.Equal(t, "EVT_RUN_fixed_001", res.Events[0].EventID)
	assert.Nil(t, res.Manifest)
}

func TestExecuteDisabledTool(t *testing.T) {
	res, err := harness.Execute(context.Background(), harness.Config{
		RequestPath: writeRequest(t, `{"tool_name":"web_search","lane_id":"research","role_id":"research_agent","scope":{"case_id":"CASE-7"}}`),
		PolicyDir:   policyDir,
		Now:         now,
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeDeny, res.Response.Outcome)
	assert.Equal(t, contracts.ErrPolicyDenied, res.Response.Error.Code)
	assert.Equal(t, contracts.RunStatusCompleted, res.Run.Status)
	assert.Equal(t, harness.DefaultActorID, res.Run.Actor.ID)
}

func TestExecuteRejectsBadRequests(t *testing.T) {
	_, err := harness.Execute(context.Background(), harness.Config{
		RequestPath: writeRequest(t, `{"tool_name":"doc_fetch"}`),
		PolicyDir:   policyDir,
	})
	require.ErrorIs(t, err, harness.ErrInvalidRequest)

	_, err = harness.Execute(context.Background(), harness.Config{
		RequestPath: writeRequest(t, `not json`),
		PolicyDir:   policyDir,
	})
	require.ErrorIs(t, err, harness.ErrInvalidRequest)

	_, err = harness.Execute(context.Background(), harness.Config{
		RequestPath: filepath.Join(t.TempDir(), "absent.json"),
		PolicyDir:   policyDir,
	})
	require.ErrorIs(t, err, harness.ErrInvalidRequest)
}

func TestRunIDFromHash(t *testing.T) {
	assert.Equal(t, "RUN_0123456789ab", harness.RunID("0123456789abcdef"))
	assert.Equal(t, "RUN_abc", harness.RunID("abc"))
}

func TestVerifyManifest(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	write("a.json", "a")
	write("b.jsonl", "b")
	manifest := harness.Manifest{
		"a.json":  canonicalize.HashBytes([]byte("a")),
		"b.jsonl": canonicalize.HashBytes([]byte("b")),
	}
	require.NoError(t, harness.VerifyManifest(dir, manifest))

	write("a.json", "changed")
	err := harness.VerifyManifest(dir, manifest)
	require.ErrorIs(t, err, harness.ErrManifestMismatch)
	assert.Contains(t, err.Error(), "a.json: sha256")

	write("a.json", "a")
	write("extra.txt", "x")
	err = harness.VerifyManifest(dir, manifest)
	require.ErrorIs(t, err, harness.ErrManifestMismatch)
	assert.Contains(t, err.Error(), "extra.txt: not in manifest")

	require.NoError(t, os.Remove(filepath.Join(dir, "extra.txt")))
	require.NoError(t, os.Remove(filepath.Join(dir, "b.jsonl")))
	err = harness.VerifyManifest(dir, manifest)
	require.ErrorIs(t, err, harness.ErrManifestMismatch)
	assert.Contains(t, err.Error(), "b.jsonl: missing")
}
