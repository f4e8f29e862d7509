package rules

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// conditionEvaluator compiles conditions to CEL programs over two
// variables: facts, the flattened RuleContext, and value, the literal the
// condition compares against. Programs are cached by expression.
type conditionEvaluator struct {
	env      *cel.Env
	programs map[string]cel.Program
	mu       sync.RWMutex
}

func newConditionEvaluator() (*conditionEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("facts", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("value", cel.DynType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &conditionEvaluator{env: env, programs: make(map[string]cel.Program)}, nil
}

// conditionExpression builds the CEL source for one condition. A missing
// fact never satisfies a condition, including not_equals.
func conditionExpression(c Condition) (string, error) {
	if err := validateIdentifier(c.Field); err != nil {
		return "", fmt.Errorf("invalid field %q: %w", c.Field, err)
	}
	fact := "facts." + c.Field

	var cmp string
	switch c.Operator {
	case OpEquals:
		cmp = fact + " == value"
	case OpNotEquals:
		cmp = fact + " != value"
	case OpGt:
		cmp = fact + " > value"
	case OpLt:
		cmp = fact + " < value"
	case OpGte:
		cmp = fact + " >= value"
	case OpLte:
		cmp = fact + " <= value"
	case OpContains:
		cmp = fmt.Sprintf("(type(%[1]s) == list ? value in %[1]s : string(%[1]s).contains(string(value)))", fact)
	default:
		return "", fmt.Errorf("unsupported operator %q", c.Operator)
	}
	return fmt.Sprintf("has(%s) && %s", fact, cmp), nil
}

func (ce *conditionEvaluator) program(expr string) (cel.Program, error) {
	ce.mu.RLock()
	prog, ok := ce.programs[expr]
	ce.mu.RUnlock()
	if ok {
		return prog, nil
	}

	ast, issues := ce.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}
	prog, err := ce.env.Program(ast,
		cel.EvalOptions(cel.OptTrackState),
		cel.CostLimit(1000000),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}

	ce.mu.Lock()
	ce.programs[expr] = prog
	ce.mu.Unlock()
	return prog, nil
}

// compile checks that every condition produces a program, so that a rule
// with a bad condition fails before any action runs.
func (ce *conditionEvaluator) compile(conds *Conditions) error {
	if conds == nil {
		return nil
	}
	for i, c := range conds.Rules {
		expr, err := conditionExpression(c)
		if err != nil {
			return fmt.Errorf("condition %d: %w", i+1, err)
		}
		if _, err := ce.program(expr); err != nil {
			return fmt.Errorf("condition %d: %w", i+1, err)
		}
	}
	return nil
}

// evaluate reports whether conds hold over facts. Evaluation errors and
// non-boolean results count as not met. Empty conditions always hold.
func (ce *conditionEvaluator) evaluate(conds *Conditions, facts map[string]any) bool {
	if conds == nil || len(conds.Rules) == 0 {
		return true
	}
	or := strings.EqualFold(conds.Operator, CombineOr)
	for _, c := range conds.Rules {
		met := ce.evaluateOne(c, facts)
		if or && met {
			return true
		}
		if !or && !met {
			return false
		}
	}
	return !or
}

func (ce *conditionEvaluator) evaluateOne(c Condition, facts map[string]any) bool {
	expr, err := conditionExpression(c)
	if err != nil {
		return false
	}
	prog, err := ce.program(expr)
	if err != nil {
		return false
	}
	out, _, err := prog.Eval(map[string]any{"facts": facts, "value": c.Value})
	if err != nil {
		return false
	}
	matched, ok := out.Value().(bool)
	return ok && matched
}
