package rules

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"
)

// Validator checks rules against SafetyLimits.
type Validator struct {
	Limits SafetyLimits

	// AllowUntargeted accepts chore_completed and medication_given triggers
	// that name neither a target nor the "any" flag. Such triggers never
	// fire; they are accepted only for compatibility with clients that
	// save half-finished rules.
	AllowUntargeted bool
}

// NewValidator returns a strict validator using DefaultSafetyLimits.
func NewValidator() *Validator {
	return &Validator{Limits: DefaultSafetyLimits}
}

var defaultValidator = NewValidator()

// ValidateTrigger validates a trigger with the default validator.
func ValidateTrigger(spec TriggerSpec) ValidationResult { return defaultValidator.ValidateTrigger(spec) }

// ValidateAction validates an action with the default validator.
func ValidateAction(spec ActionSpec) ValidationResult { return defaultValidator.ValidateAction(spec) }

// ValidateConditions validates conditions with the default validator.
func ValidateConditions(c *Conditions) ValidationResult {
	return defaultValidator.ValidateConditions(c)
}

// ValidateRule validates a whole rule with the default validator.
func ValidateRule(r *Rule) ValidationResult { return defaultValidator.ValidateRule(r) }

// ValidateTrigger decodes the trigger and checks its configuration.
func (v *Validator) ValidateTrigger(spec TriggerSpec) ValidationResult {
	cfg, err := DecodeTrigger(spec)
	if err != nil {
		return resultOf([]string{err.Error()})
	}
	return resultOf(cfg.validate(v))
}

// ValidateAction decodes the action and checks its configuration.
func (v *Validator) ValidateAction(spec ActionSpec) ValidationResult {
	cfg, err := DecodeAction(spec)
	if err != nil {
		return resultOf([]string{err.Error()})
	}
	return resultOf(cfg.validate(v))
}

// ValidateActions checks the action count and every action in order.
// Errors are prefixed with the 1-based action position.
func (v *Validator) ValidateActions(specs []ActionSpec) ValidationResult {
	var errs []string
	if len(specs) == 0 {
		errs = append(errs, "rule must have at least one action")
	}
	if len(specs) > v.Limits.MaxActionsPerRule {
		errs = append(errs, fmt.Sprintf("rule has %d actions, maximum allowed is %d", len(specs), v.Limits.MaxActionsPerRule))
	}
	for i, spec := range specs {
		for _, e := range v.ValidateAction(spec).Errors {
			errs = append(errs, fmt.Sprintf("action %d: %s", i+1, e))
		}
	}
	return resultOf(errs)
}

// ValidateConditions checks the combinator, the condition count and each
// condition's field, operator and value. Nil conditions are valid.
func (v *Validator) ValidateConditions(c *Conditions) ValidationResult {
	if c == nil {
		return resultOf(nil)
	}

	var errs []string
	if c.Operator != CombineAnd && c.Operator != CombineOr {
		errs = append(errs, fmt.Sprintf("conditions operator must be AND or OR, got %q", c.Operator))
	}
	if len(c.Rules) > v.Limits.MaxConditionsPerRule {
		errs = append(errs, fmt.Sprintf("rule has %d conditions, maximum allowed is %d", len(c.Rules), v.Limits.MaxConditionsPerRule))
	}
	for i, cond := range c.Rules {
		for _, e := range validateCondition(cond) {
			errs = append(errs, fmt.Sprintf("condition %d: %s", i+1, e))
		}
	}
	return resultOf(errs)
}

var conditionOperators = []string{OpEquals, OpNotEquals, OpGt, OpLt, OpGte, OpLte, OpContains}

func validateCondition(c Condition) []string {
	var errs []string
	if err := validateIdentifier(c.Field); err != nil {
		errs = append(errs, fmt.Sprintf("invalid field %q: %v", c.Field, err))
	}
	if !slices.Contains(conditionOperators, c.Operator) {
		errs = append(errs, fmt.Sprintf("unsupported operator %q", c.Operator))
	}
	switch c.Value.(type) {
	case nil:
		errs = append(errs, "value is required")
	case string, bool, float64, int, int64:
	default:
		errs = append(errs, "value must be a string, number or boolean")
	}
	if isOrderingOperator(c.Operator) {
		if _, ok := numericValue(c.Value); !ok {
			errs = append(errs, fmt.Sprintf("operator %s requires a numeric value", c.Operator))
		}
	}
	return errs
}

func isOrderingOperator(op string) bool {
	return op == OpGt || op == OpLt || op == OpGte || op == OpLte
}

func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// ValidateRuleName checks that name is present and within the length limit.
func (v *Validator) ValidateRuleName(name string) ValidationResult {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return resultOf([]string{"rule name is required"})
	}
	if n := utf8.RuneCountInString(trimmed); n > v.Limits.MaxRuleNameLength {
		return resultOf([]string{fmt.Sprintf("rule name is %d characters, maximum allowed is %d", n, v.Limits.MaxRuleNameLength)})
	}
	return resultOf(nil)
}

// ValidateRule runs every check and reports all problems together.
func (v *Validator) ValidateRule(r *Rule) ValidationResult {
	var errs []string
	errs = append(errs, v.ValidateRuleName(r.Name).Errors...)
	for _, e := range v.ValidateTrigger(r.Trigger).Errors {
		errs = append(errs, "trigger: "+e)
	}
	errs = append(errs, v.ValidateConditions(r.Conditions).Errors...)
	errs = append(errs, v.ValidateActions(r.Actions).Errors...)
	return resultOf(errs)
}

// loopRisks pairs triggers with actions that can feed back into them.
var loopRisks = []struct {
	trigger TriggerType
	action  ActionType
	warning string
}{
	{TriggerChoreCompleted, ActionReduceChores, "Reducing chores when chores complete may create unexpected behavior"},
	{TriggerScreenTimeLow, ActionAdjustScreenTime, "Adjusting screen time when low may create a loop if adjustment is negative"},
	{TriggerInventoryLow, ActionAddShoppingItem, "Adding shopping items for low inventory is normal, but ensure proper thresholds"},
}

// DetectLoopRisk returns warnings for trigger and action combinations that
// can re-trigger the rule. Warnings never block saving a rule.
func DetectLoopRisk(trigger TriggerType, actions []ActionSpec) []string {
	var warnings []string
	for _, risk := range loopRisks {
		if risk.trigger != trigger {
			continue
		}
		if slices.ContainsFunc(actions, func(a ActionSpec) bool { return a.Type == risk.action }) {
			warnings = append(warnings, risk.warning)
		}
	}
	return warnings
}

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// validateIdentifier checks that a condition field can be used as a CEL
// map selector.
func validateIdentifier(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(name) > 100 {
		return fmt.Errorf("identifier length %d exceeds maximum of 100 characters", len(name))
	}
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("must start with a letter or underscore, followed by letters, digits, or underscores")
	}
	if reservedKeywords[name] {
		return fmt.Errorf("cannot use reserved keyword %q as identifier", name)
	}
	return nil
}

var reservedKeywords = map[string]bool{
	"true": true, "false": true, "null": true,
	"if": true, "else": true, "for": true, "while": true,
	"break": true, "continue": true, "return": true,
	"var": true, "let": true, "const": true, "function": true,
	"in": true, "as": true, "import": true, "package": true,
	"namespace": true, "loop": true, "void": true,
}
