package analytics

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/contracts"
)

// DefaultRule flags battles that clear both quality bars.
const DefaultRule = "battle.referee_score >= min_referee && battle.humanity_grade >= min_humanity"

// Bars are the thresholds exposed to the rule.
type Bars struct {
	MinReferee  float64
	MinHumanity float64
}

// Rule is a compiled breakthrough expression.
type Rule struct {
	expr string
	prg  cel.Program
}

// CompileRule type-checks expr. The expression sees `battle` (a map of the
// battle's scores and flags), `min_referee` and `min_humanity`, and must
// evaluate to a bool.
func CompileRule(expr string) (*Rule, error) {
	env, err := cel.NewEnv(
		cel.Variable("battle", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("min_referee", cel.DoubleType),
		cel.Variable("min_humanity", cel.DoubleType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("analytics: CEL environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("analytics: compile rule: %w", issues.Err())
	}
	if out := ast.OutputType().String(); out != "bool" && out != "dyn" {
		return nil, fmt.Errorf("analytics: rule must be boolean, got %s", out)
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("analytics: program: %w", err)
	}
	return &Rule{expr: expr, prg: prg}, nil
}

func (r *Rule) String() string { return r.expr }

// Match evaluates the rule against b.
func (r *Rule) Match(b *contracts.Battle, bars Bars) (bool, error) {
	out, _, err := r.prg.Eval(map[string]any{
		"battle":       battleInput(b),
		"min_referee":  bars.MinReferee,
		"min_humanity": bars.MinHumanity,
	})
	if err != nil {
		return false, fmt.Errorf("analytics: eval rule: %w", err)
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("analytics: rule returned %T, want bool", out.Value())
	}
	return v, nil
}

func battleInput(b *contracts.Battle) map[string]any {
	in := map[string]any{
		"id":                  b.ID,
		"persona_id":          b.PersonaID,
		"scenario_id":         b.ScenarioID,
		"referee_score":       b.RefereeScore,
		"math_defense_score":  b.MathDefenseScore,
		"humanity_score":      b.HumanityScore,
		"success_score":       b.SuccessScore,
		"verbal_yes_to_price": b.VerbalYesToPrice,
		"document_status":     string(b.DocumentStatus),
		"degraded":            b.Degraded,
		"turns":               int64(b.Turns),
	}
	if b.HumanityGrade != nil {
		in["humanity_grade"] = *b.HumanityGrade
	}
	if b.ClosenessToCline != nil {
		in["closeness_to_cline"] = *b.ClosenessToCline
	}
	return in
}
