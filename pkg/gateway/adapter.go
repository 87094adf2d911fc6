package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sfgonsio/AI-Legal-Service/pkg/canonicalize"
	"github.com/sfgonsio/AI-Legal-Service/pkg/contracts"
)

// Call is what an adapter receives. It never carries policy state.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Call struct {
	RunID          string
	ToolName       string
	Operation      string
	Parameters     json.RawMessage
	InputArtifacts []contracts.ArtifactRef
	Scope          map[string]string
	IdempotencyKey string
}

// Output is an artifact produced by a tool.
type Output struct {
	Kind string
	Data []byte
}

// Result is an adapter's raw result. Output must be JSON-serializable.
type Result struct {
	Output    any
	Artifacts []Output
}

// Adapter executes one tool. Adapters are only ever reached through the
// gateway, after authorization.
type Adapter interface {
	Name() string
	Validate(ctx context.Context, call Call) error
	Execute(ctx context.Context, call Call) (Result, error)
	// Normalize returns the canonical form hashed into response_hash.
	Normalize(res Result) (any, error)
	// ClassifyError maps an execution error onto the error taxonomy. The
	// returned message must not contain raw error text.
	ClassifyError(err error) *contracts.ToolError
}

// FuncAdapter adapts plain functions to Adapter.
type FuncAdapter struct {
	ToolName   string
	Fn         func(ctx context.Context, call Call) (Result, error)
	ValidateFn func(ctx context.Context, call Call) error
	Classifier func(err error) *contracts.ToolError
}

func (a *FuncAdapter) Name() string { return a.ToolName }

func (a *FuncAdapter) Validate(ctx context.Context, call Call) error {
	if a.ValidateFn == nil {
		return nil
	}
	return a.ValidateFn(ctx, call)
}

func (a *FuncAdapter) Execute(ctx context.Context, call Call) (Result, error) {
	return a.Fn(ctx, call)
}

func (a *FuncAdapter) Normalize(res Result) (any, error) {
	return NormalizeJSON(res.Output)
}

func (a *FuncAdapter) ClassifyError(err error) *contracts.ToolError {
	if a.Classifier != nil {
		return a.Classifier(err)
	}
	return ClassifyError(err)
}

// NormalizeJSON round-trips v through canonical JSON so equal outputs hash
// equally regardless of Go types or map order.
func NormalizeJSON(v any) (any, error) {
	raw, err := canonicalize.JCS(v)
	if err != nil {
		return nil, err
	}
	var out any
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// ClassifyError is the default taxonomy mapping. Messages are fixed per code.
func ClassifyError(err error) *contracts.ToolError {
	var te *contracts.ToolError
	if errors.As(err, &te) {
		return contracts.NewToolError(te.Code, te.Message, te.Retryable)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return contracts.NewToolError(contracts.ErrToolTimeout, "tool call timed out", true)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"):
		return contracts.NewToolError(contracts.ErrToolTimeout, "tool call timed out", true)
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "throttl"),
		strings.Contains(msg, "unavailable"), strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "temporary"):
		return contracts.NewToolError(contracts.ErrToolDependencyDown, "tool dependency unavailable", true)
	case strings.Contains(msg, "invalid"), strings.Contains(msg, "validation"):
		return contracts.NewToolError(contracts.ErrToolInvalidArguments, "tool rejected its arguments", false)
	default:
		return contracts.NewToolError(contracts.ErrToolInternalError, "tool failed", false)
	}
}

// Adapters is a name-indexed adapter set.
type Adapters struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewAdapters(list ...Adapter) (*Adapters, error) {
	a := &Adapters{adapters: make(map[string]Adapter)}
	for _, ad := range list {
		if err := a.Register(ad); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Register adds ad. Names are unique.
func (a *Adapters) Register(ad Adapter) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ad == nil || ad.Name() == "" {
		return fmt.Errorf("gateway: adapter has no name")
	}
	if _, dup := a.adapters[ad.Name()]; dup {
		return fmt.Errorf("gateway: adapter %q already registered", ad.Name())
	}
	a.adapters[ad.Name()] = ad
	return nil
}

// Get returns the adapter for tool.
func (a *Adapters) Get(tool string) (Adapter, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ad, ok := a.adapters[tool]
	return ad, ok
}
