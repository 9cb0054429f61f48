package admission

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/lexgate/lexgate/internal/config"
)

// ruleEnvironment declares the CEL variables exposed to operator deny rules.
func ruleEnvironment() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("ip", cel.StringType),
		cel.Variable("path", cel.StringType),
		cel.Variable("method", cel.StringType),
		cel.Variable("endpoint", cel.StringType),
		cel.Variable("query", cel.MapType(cel.StringType, cel.StringType)),
		cel.HomogeneousAggregateLiterals(),
	)
	if err != nil {
		return nil, fmt.Errorf("admission: build rule environment: %w", err)
	}
	return env, nil
}

// denyRule is a compiled operator rule. A true evaluation rejects the request
// with the rule name as the machine-readable reason.
type denyRule struct {
	name    string
	source  string
	program cel.Program
}

// compileDenyRules compiles every configured rule. Compile failures are
// construction-time errors: a rule that cannot compile is a misconfiguration,
// not something to fail open over.
func compileDenyRules(rules []config.DenyRule) ([]denyRule, error) {
	if len(rules) == 0 {
		return nil, nil
	}
	env, err := ruleEnvironment()
	if err != nil {
		return nil, err
	}

	compiled := make([]denyRule, 0, len(rules))
	for _, rule := range rules {
		ast, issues := env.Compile(rule.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("admission: compile deny rule %q: %w", rule.Name, issues.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return nil, fmt.Errorf("admission: deny rule %q must yield a boolean", rule.Name)
		}
		program, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("admission: program deny rule %q: %w", rule.Name, err)
		}
		compiled = append(compiled, denyRule{name: rule.Name, source: rule.Expression, program: program})
	}
	return compiled, nil
}

// matches evaluates the rule against the request attributes. Evaluation
// errors report false so a broken rule degrades to "no match" at runtime.
func (r denyRule) matches(vars map[string]any) (bool, error) {
	val, _, err := r.program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("admission: eval deny rule %q: %w", r.name, err)
	}
	switch v := val.(type) {
	case types.Bool:
		return bool(v), nil
	case ref.Val:
		if v.Type() == types.BoolType {
			if b, ok := v.Value().(bool); ok {
				return b, nil
			}
		}
	}
	return false, fmt.Errorf("admission: deny rule %q yielded non-bool result %T", r.name, val)
}
