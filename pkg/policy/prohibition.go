package policy

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/open-policy-agent/opa/rego"
)

// DefaultRegoQuery is used when a Rego prohibition does not name its own query.
const DefaultRegoQuery = "data.govcore.prohibit"

// Prohibition is a named flag that, when its expression holds for a request,
// forbids the action. Exactly one of CEL or Rego is set.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Prohibition struct {
	ID          string `yaml:"id" json:"id"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	CEL         string `yaml:"cel,omitempty" json:"cel,omitempty"`
	Rego        string `yaml:"rego,omitempty" json:"rego,omitempty"`
	Query       string `yaml:"query,omitempty" json:"query,omitempty"`

	eval func(ctx context.Context, input map[string]any) (bool, error)
}

// Triggered evaluates the prohibition for req. Evaluation errors are returned
// so the caller can fail closed.
func (p *Prohibition) Triggered(ctx context.Context, req Request) (bool, error) {
	if p.eval == nil {
		return false, fmt.Errorf("prohibition %s: not compiled", p.ID)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return p.eval(ctx, prohibitionInput(req))
}

func prohibitionInput(req Request) map[string]any {
	scope := make(map[string]any, len(req.Scope))
	for k, v := range req.Scope {
		scope[k] = v
	}
	return map[string]any{
		"role":    req.Role,
		"lane_id": req.LaneID,
		"target": map[string]any{
			"kind":      string(req.Target.Kind),
			"name":      req.Target.Name,
			"operation": req.Target.Operation,
		},
		"scope": scope,
	}
}

// newCELEnv declares the single `request` variable prohibitions see.
func newCELEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

// compile prepares the prohibition's evaluator once per snapshot.
func (p *Prohibition) compile(ctx context.Context, env *cel.Env) error {
	switch {
	case p.CEL != "" && p.Rego != "":
		return fmt.Errorf("prohibition %s: set either cel or rego, not both", p.ID)
	case p.CEL != "":
		return p.compileCEL(env)
	case p.Rego != "":
		return p.compileRego(ctx)
	default:
		return fmt.Errorf("prohibition %s: no expression", p.ID)
	}
}

func (p *Prohibition) compileCEL(env *cel.Env) error {
	ast, issues := env.Compile(p.CEL)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("prohibition %s: compile: %w", p.ID, issues.Err())
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return fmt.Errorf("prohibition %s: program: %w", p.ID, err)
	}

	p.eval = func(ctx context.Context, input map[string]any) (bool, error) {
		out, _, err := prg.ContextEval(ctx, map[string]any{"request": input})
		if err != nil {
			return false, fmt.Errorf("prohibition %s: eval: %w", p.ID, err)
		}
		b, ok := out.Value().(bool)
		if !ok {
			return false, fmt.Errorf("prohibition %s: expression is not boolean", p.ID)
		}
		return b, nil
	}
	return nil
}

func (p *Prohibition) compileRego(ctx context.Context) error {
	query := p.Query
	if query == "" {
		query = DefaultRegoQuery
	}
	r := rego.New(
		rego.Query(query),
		rego.Module(p.ID+".rego", p.Rego),
	)
	prepared, err := r.PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("prohibition %s: failed to prepare rego: %w", p.ID, err)
	}

	p.eval = func(ctx context.Context, input map[string]any) (bool, error) {
		results, err := prepared.Eval(ctx, rego.EvalInput(input))
		if err != nil {
			return false, fmt.Errorf("prohibition %s: failed to evaluate rego: %w", p.ID, err)
		}
		// Undefined means the rule did not fire.
		if len(results) == 0 || len(results[0].Expressions) == 0 {
			return false, nil
		}
		b, ok := results[0].Expressions[0].Value.(bool)
		if !ok {
			return false, fmt.Errorf("prohibition %s: rego result is not boolean", p.ID)
		}
		return b, nil
	}
	return nil
}
