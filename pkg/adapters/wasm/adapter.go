// Package wasm runs tools compiled to WebAssembly inside a wazero sandbox.
// Modules get no filesystem, no network, no environment and no clock. A call
// is one instantiation of the module's _start: the request is written to
// stdin as canonical JSON and the tool's JSON result is read from stdout.
package wasm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/sfgonsio/AI-Legal-Service/pkg/artifacts"
	"github.com/sfgonsio/AI-Legal-Service/pkg/canonicalize"
	"github.com/sfgonsio/AI-Legal-Service/pkg/contracts"
	"github.com/sfgonsio/AI-Legal-Service/pkg/gateway"
)

const (
	// DefaultMemoryLimitBytes caps linear memory when Config leaves it unset.
	DefaultMemoryLimitBytes = 16 * 1024 * 1024
	// DefaultMaxOutputBytes caps stdout when Config leaves it unset.
	DefaultMaxOutputBytes = 1024 * 1024

	wasmPageSize = 64 * 1024
)

var (
	ErrMemoryExhausted = errors.New("wasm: memory limit exceeded")
	ErrOutputTooLarge  = errors.New("wasm: output limit exceeded")
	ErrInvalidOutput   = errors.New("wasm: output is not JSON")
	ErrTrap            = errors.New("wasm: module trapped")
)

// Config bounds a module's resources.
type Config struct {
	MemoryLimitBytes int64
	MaxOutputBytes   int
}

// Adapter is a gateway.Adapter backed by one compiled module.
type Adapter struct {
	name     string
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	cfg      Config
	logger   *slog.Logger
}

var _ gateway.Adapter = (*Adapter)(nil)

// New compiles module for the tool name.
func New(ctx context.Context, name string, module []byte, cfg Config) (*Adapter, error) {
	if cfg.MemoryLimitBytes <= 0 {
		cfg.MemoryLimitBytes = DefaultMemoryLimitBytes
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}
	pages := uint32(cfg.MemoryLimitBytes / wasmPageSize)
	if pages == 0 {
		pages = 1
	}

	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithMemoryLimitPages(pages).
		WithCloseOnContextDone(true))
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("wasm: instantiate wasi: %w", err)
	}
	compiled, err := rt.CompileModule(ctx, module)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("wasm: compile %s: %w", name, err)
	}
	return &Adapter{
		name:     name,
		runtime:  rt,
		compiled: compiled,
		cfg:      cfg,
		logger:   slog.Default().With("component", "wasm", "tool", name),
	}, nil
}

// Load fetches the module from the artifact store, checks it against ref's
// content hash and compiles it.
func Load(ctx context.Context, store artifacts.Store, name string, ref contracts.ArtifactRef, cfg Config) (*Adapter, error) {
	if err := artifacts.Verify(ctx, store, ref); err != nil {
		return nil, fmt.Errorf("wasm: module for %s: %w", name, err)
	}
	module, err := store.Get(ctx, ref.ContentHash)
	if err != nil {
		return nil, fmt.Errorf("wasm: module for %s: %w", name, err)
	}
	return New(ctx, name, module, cfg)
}

func (a *Adapter) Name() string { return a.name }

// Validate requires parameters to be a JSON object when present.
func (a *Adapter) Validate(_ context.Context, call gateway.Call) error {
	if len(call.Parameters) == 0 {
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(call.Parameters, &obj); err != nil {
		return fmt.Errorf("wasm: parameters must be a JSON object: %w", err)
	}
	return nil
}

// input is what the module reads from stdin.
type input struct {
	Tool           string                  `json:"tool"`
	Operation      string                  `json:"operation,omitempty"`
	Parameters     json.RawMessage         `json:"parameters,omitempty"`
	Scope          map[string]string       `json:"scope"`
	InputArtifacts []contracts.ArtifactRef `json:"input_artifacts"`
}

// Execute runs the module once. An empty stdout is a null result.
func (a *Adapter) Execute(ctx context.Context, call gateway.Call) (gateway.Result, error) {
	stdin, err := canonicalize.JCS(input{
		Tool:           a.name,
		Operation:      call.Operation,
		Parameters:     call.Parameters,
		Scope:          call.Scope,
		InputArtifacts: call.InputArtifacts,
	})
	if err != nil {
		return gateway.Result{}, fmt.Errorf("wasm: encode input: %w", err)
	}

	stdout := &limitedBuffer{max: a.cfg.MaxOutputBytes}
	var stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_start").
		WithStdin(bytes.NewReader(stdin)).
		WithStdout(stdout).
		WithStderr(&stderr)

	mod, err := a.runtime.InstantiateModule(ctx, a.compiled, modCfg)
	if mod != nil {
		defer func() { _ = mod.Close(context.WithoutCancel(ctx)) }()
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return gateway.Result{}, fmt.Errorf("wasm: %s: %w", a.name, ctxErr)
		}
		var exit *sys.ExitError
		if !errors.As(err, &exit) || exit.ExitCode() != 0 {
			a.logger.Debug("module failed", "stderr_bytes", stderr.Len())
			return gateway.Result{}, classifyRunError(err)
		}
	}
	if stdout.overflow {
		return gateway.Result{}, ErrOutputTooLarge
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return gateway.Result{}, nil
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(out))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return gateway.Result{}, ErrInvalidOutput
	}
	return gateway.Result{Output: v}, nil
}

func (a *Adapter) Normalize(res gateway.Result) (any, error) {
	return gateway.NormalizeJSON(res.Output)
}

// ClassifyError maps sandbox failures onto the error taxonomy.
func (a *Adapter) ClassifyError(err error) *contracts.ToolError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return contracts.NewToolError(contracts.ErrToolTimeout, "wasm tool exceeded its time limit", true)
	case errors.Is(err, ErrMemoryExhausted):
		return contracts.NewToolError(contracts.ErrToolInternalError, "wasm tool exceeded its memory limit", false)
	case errors.Is(err, ErrOutputTooLarge):
		return contracts.NewToolError(contracts.ErrToolInternalError, "wasm tool exceeded its output limit", false)
	case errors.Is(err, ErrInvalidOutput):
		return contracts.NewToolError(contracts.ErrToolInternalError, "wasm tool produced invalid output", false)
	case errors.Is(err, ErrTrap):
		return contracts.NewToolError(contracts.ErrToolInternalError, "wasm tool trapped", false)
	}
	return gateway.ClassifyError(err)
}

// Close releases the runtime and every module compiled in it.
func (a *Adapter) Close(ctx context.Context) error {
	return a.runtime.Close(ctx)
}

func classifyRunError(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "memory") && (strings.Contains(msg, "limit") || strings.Contains(msg, "grow") || strings.Contains(msg, "exceeded")) {
		return fmt.Errorf("%w: %v", ErrMemoryExhausted, err)
	}
	return fmt.Errorf("%w: %v", ErrTrap, err)
}

// limitedBuffer keeps at most max bytes and records whether more arrived.
type limitedBuffer struct {
	bytes.Buffer
	max      int
	overflow bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.Len(); len(p) > room {
		b.overflow = true
		if room > 0 {
			b.Buffer.Write(p[:room])
		}
		return len(p), nil
	}
	return b.Buffer.Write(p)
}
