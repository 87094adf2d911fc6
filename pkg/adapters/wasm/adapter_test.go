package wasm

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sfgonsio/AI-Legal-Service/pkg/artifacts"
	"github.com/sfgonsio/AI-Legal-Service/pkg/contracts"
	"github.com/sfgonsio/AI-Legal-Service/pkg/gateway"
)

func module(t *testing.T, name string) []byte {
	t.Helper()
	b, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return b
}

func newAdapter(t *testing.T, name string, cfg Config) *Adapter {
	t.Helper()
	a, err := New(context.Background(), "sandboxed", module(t, name), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func call() gateway.Call {
	return gateway.Call{
		RunID:      "run-1",
		ToolName:   "sandboxed",
		Parameters: json.RawMessage(`{"document_id":"D-1"}`),
		Scope:      map[string]string{"case_id": "CASE-1"},
	}
}

func TestExecute_Output(t *testing.T) {
	a := newAdapter(t, "hello.wasm", Config{})
	assert.Equal(t, "sandboxed", a.Name())

	res, err := a.Execute(context.Background(), call())
	require.NoError(t, err)
	norm, err := a.Normalize(res)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, norm)

	// Compiled once, instantiated per call.
	_, err = a.Execute(context.Background(), call())
	require.NoError(t, err)
}

func TestExecute_EmptyOutput(t *testing.T) {
	a := newAdapter(t, "empty.wasm", Config{})
	res, err := a.Execute(context.Background(), call())
	require.NoError(t, err)
	assert.Nil(t, res.Output)
}

func TestExecute_Timeout(t *testing.T) {
	a := newAdapter(t, "loop.wasm", Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := a.Execute(ctx, call())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, contracts.ErrToolTimeout, a.ClassifyError(err).Code)
}

func TestExecute_Trap(t *testing.T) {
	a := newAdapter(t, "trap.wasm", Config{})
	_, err := a.Execute(context.Background(), call())
	require.ErrorIs(t, err, ErrTrap)
	te := a.ClassifyError(err)
	assert.Equal(t, contracts.ErrToolInternalError, te.Code)
	assert.Equal(t, "wasm tool trapped", te.Message)
}

func TestExecute_OutputLimit(t *testing.T) {
	a := newAdapter(t, "hello.wasm", Config{MaxOutputBytes: 4})
	_, err := a.Execute(context.Background(), call())
	require.ErrorIs(t, err, ErrOutputTooLarge)
	assert.Equal(t, contracts.ErrToolInternalError, a.ClassifyError(err).Code)
}

func TestValidate(t *testing.T) {
	a := newAdapter(t, "empty.wasm", Config{})
	require.NoError(t, a.Validate(context.Background(), gateway.Call{}))
	require.NoError(t, a.Validate(context.Background(), call()))
	require.Error(t, a.Validate(context.Background(), gateway.Call{Parameters: json.RawMessage(`[1,2]`)}))
}

func TestNew_InvalidModule(t *testing.T) {
	_, err := New(context.Background(), "bad", []byte("not wasm"), Config{})
	require.Error(t, err)
}

func TestLoad(t *testing.T) {
	ctx := context.Background()
	store := artifacts.NewMemoryStore()
	ref, err := artifacts.Register(ctx, store, "wasm_module", module(t, "hello.wasm"))
	require.NoError(t, err)

	a, err := Load(ctx, store, "sandboxed", ref, Config{})
	require.NoError(t, err)
	defer func() { _ = a.Close(ctx) }()
	res, err := a.Execute(ctx, call())
	require.NoError(t, err)
	assert.NotNil(t, res.Output)

	missing := ref
	missing.ContentHash = "sha256:" + "00000000000000000000000000000000000000000000000000000000000000ff"
	_, err = Load(ctx, store, "sandboxed", missing, Config{})
	require.ErrorIs(t, err, artifacts.ErrNotFound)
}

func TestLimitedBuffer(t *testing.T) {
	b := &limitedBuffer{max: 5}
	n, err := b.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.False(t, b.overflow)

	n, err = b.Write([]byte("defg"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.True(t, b.overflow)
	assert.Equal(t, "abcde", b.String())
}
