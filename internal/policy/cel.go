package policy

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

// CELDecider evaluates a boolean CEL expression per iteration. The expression
// sees agent (string), current_iteration, max_iterations and limit (ints).
// limit comes from Source when set and falls back to max_iterations.
//
//	current_iteration <= limit && !(agent == "sandbox" && current_iteration > 3)
type CELDecider struct {
	expr    string
	program cel.Program
	Source  LimitSource
}

// NewCELDecider compiles expr. It must evaluate to a bool.
func NewCELDecider(expr string, src LimitSource) (*CELDecider, error) {
	env, err := cel.NewEnv(
		cel.Variable("agent", cel.StringType),
		cel.Variable("current_iteration", cel.IntType),
		cel.Variable("max_iterations", cel.IntType),
		cel.Variable("limit", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: cel env: %w", err)
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("policy: compile %q: %w", expr, iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("policy: expression %q returns %s, want bool", expr, ast.OutputType())
	}
	prg, err := env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, fmt.Errorf("policy: program %q: %w", expr, err)
	}
	return &CELDecider{expr: expr, program: prg, Source: src}, nil
}

// Expression returns the source expression.
func (d *CELDecider) Expression() string { return d.expr }

func (d *CELDecider) Decide(ctx context.Context, req Request) (Decision, error) {
	limit := req.MaxIterations
	if d.Source != nil {
		if n := d.Source.Limit(req.AgentID); n > 0 {
			limit = n
		}
	}
	out, _, err := d.program.ContextEval(ctx, map[string]any{
		"agent":             req.AgentID,
		"current_iteration": int64(req.CurrentIteration),
		"max_iterations":    int64(req.MaxIterations),
		"limit":             int64(limit),
	})
	if err != nil {
		return Decision{}, fmt.Errorf("policy: evaluate %q: %w", d.expr, err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return Decision{}, fmt.Errorf("policy: expression %q produced %T", d.expr, out.Value())
	}
	dec := Decision{Allowed: allowed, Limit: limit}
	if !allowed {
		dec.Reason = fmt.Sprintf("rule %q denied iteration %d", d.expr, req.CurrentIteration)
	}
	return dec, nil
}
