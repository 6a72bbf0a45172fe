package attestation

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// DefaultRules derive compliance for types whose payload carries a
// measurable claim.
var DefaultRules = map[Type]string{
	TypeDrawdown: `int(payload["drawdown_percent"]) <= max_loss_percent`,
}

// ruleSet evaluates per-type CEL expressions. A rule's result is AND'd with
// the verifier's own compliant flag.
type ruleSet struct {
	env      *cel.Env
	programs map[Type]cel.Program
}

func newRuleSet(rules map[Type]string) (*ruleSet, error) {
	env, err := cel.NewEnv(
		cel.Variable("payload", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("attestation_type", cel.StringType),
		cel.Variable("commitment_id", cel.StringType),
		cel.Variable("principal", cel.IntType),
		cel.Variable("current_value", cel.IntType),
		cel.Variable("loss_percent", cel.IntType),
		cel.Variable("max_loss_percent", cel.IntType),
		cel.Variable("min_fee_threshold", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	rs := &ruleSet{env: env, programs: make(map[Type]cel.Program)}
	for t, expr := range rules {
		if !t.Valid() {
			return nil, fmt.Errorf("rule for unknown attestation type %q", t)
		}
		if expr == "" {
			continue
		}
		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("compile rule for %s: %w", t, issues.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return nil, fmt.Errorf("rule for %s must evaluate to bool, got %s", t, ast.OutputType())
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("program rule for %s: %w", t, err)
		}
		rs.programs[t] = prg
	}
	return rs, nil
}

// Evaluate runs the rule for t. ok is false when no rule is configured.
func (rs *ruleSet) Evaluate(t Type, payload map[string]string, c *CommitmentView, lossPercent int64) (result, ok bool, err error) {
	prg, hit := rs.programs[t]
	if !hit {
		return false, false, nil
	}
	out, _, err := prg.Eval(map[string]any{
		"payload":           payload,
		"attestation_type":  string(t),
		"commitment_id":     c.ID,
		"principal":         c.Principal,
		"current_value":     c.CurrentValue,
		"loss_percent":      lossPercent,
		"max_loss_percent":  int64(c.MaxLossPercent),
		"min_fee_threshold": c.MinFeeThreshold,
	})
	if err != nil {
		return false, true, fmt.Errorf("eval: %w", err)
	}
	val, isBool := out.Value().(bool)
	if !isBool {
		return false, true, fmt.Errorf("result not bool")
	}
	return val, true, nil
}
