package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// TriggerType names the domain event a rule listens for.
type TriggerType string

const (
	TriggerChoreCompleted   TriggerType = "chore_completed"
	TriggerChoreStreak      TriggerType = "chore_streak"
	TriggerScreenTimeLow    TriggerType = "screentime_low"
	TriggerInventoryLow     TriggerType = "inventory_low"
	TriggerCalendarBusy     TriggerType = "calendar_busy"
	TriggerMedicationGiven  TriggerType = "medication_given"
	TriggerRoutineCompleted TriggerType = "routine_completed"
	TriggerTimeBased        TriggerType = "time_based"
)

// TriggerTypes lists every trigger type in display order.
var TriggerTypes = []TriggerType{
	TriggerChoreCompleted,
	TriggerChoreStreak,
	TriggerScreenTimeLow,
	TriggerInventoryLow,
	TriggerCalendarBusy,
	TriggerMedicationGiven,
	TriggerRoutineCompleted,
	TriggerTimeBased,
}

// ActionType names an effect a rule performs when it fires.
type ActionType string

const (
	ActionAwardCredits     ActionType = "award_credits"
	ActionSendNotification ActionType = "send_notification"
	ActionAddShoppingItem  ActionType = "add_shopping_item"
	ActionCreateTodo       ActionType = "create_todo"
	ActionLockMedication   ActionType = "lock_medication"
	ActionSuggestMeal      ActionType = "suggest_meal"
	ActionReduceChores     ActionType = "reduce_chores"
	ActionAdjustScreenTime ActionType = "adjust_screentime"
)

// ActionTypes lists every action type in display order.
var ActionTypes = []ActionType{
	ActionAwardCredits,
	ActionSendNotification,
	ActionAddShoppingItem,
	ActionCreateTodo,
	ActionLockMedication,
	ActionSuggestMeal,
	ActionReduceChores,
	ActionAdjustScreenTime,
}

// IsValidTriggerType reports whether s names a known trigger type.
func IsValidTriggerType(s string) bool {
	_, ok := triggerDecoders[TriggerType(s)]
	return ok
}

// IsValidActionType reports whether s names a known action type.
func IsValidActionType(s string) bool {
	_, ok := actionDecoders[ActionType(s)]
	return ok
}

// SafetyLimits bound what a single rule may do.
type SafetyLimits struct {
	// MaxExecutionsPerHour is advertised to clients but not enforced here;
	// rate limiting belongs to the caller.
	MaxExecutionsPerHour           int `json:"maxExecutionsPerHour"`
	MaxActionsPerRule              int `json:"maxActionsPerRule"`
	MaxConditionsPerRule           int `json:"maxConditionsPerRule"`
	MaxCreditsPerAction            int `json:"maxCreditsPerAction"`
	MaxNotificationsPerExecution   int `json:"maxNotificationsPerExecution"`
	MaxConsecutiveFailures         int `json:"maxConsecutiveFailures"`
	MaxScreenTimeAdjustmentMinutes int `json:"maxScreenTimeAdjustmentMinutes"`
	MaxRuleNameLength              int `json:"maxRuleNameLength"`
}

// DefaultSafetyLimits are the limits applied when none are configured.
var DefaultSafetyLimits = SafetyLimits{
	MaxExecutionsPerHour:           10,
	MaxActionsPerRule:              5,
	MaxConditionsPerRule:           10,
	MaxCreditsPerAction:            1000,
	MaxNotificationsPerExecution:   10,
	MaxConsecutiveFailures:         3,
	MaxScreenTimeAdjustmentMinutes: 120,
	MaxRuleNameLength:              100,
}

// TriggerSpec is the stored form of a rule's trigger: a type tag and its
// untyped configuration.
type TriggerSpec struct {
	Type   TriggerType     `json:"type"`
	Config json.RawMessage `json:"config"`
}

// ActionSpec is the stored form of one rule action.
type ActionSpec struct {
	Type   ActionType      `json:"type"`
	Config json.RawMessage `json:"config"`
}

// NewTriggerSpec builds a TriggerSpec from a typed config.
func NewTriggerSpec(cfg TriggerConfig) TriggerSpec {
	raw, _ := json.Marshal(cfg)
	return TriggerSpec{Type: cfg.kind(), Config: raw}
}

// NewActionSpec builds an ActionSpec from a typed config.
func NewActionSpec(cfg ActionConfig) ActionSpec {
	raw, _ := json.Marshal(cfg)
	return ActionSpec{Type: cfg.kind(), Config: raw}
}

// Condition combinators.
const (
	CombineAnd = "AND"
	CombineOr  = "OR"
)

// Condition operators.
const (
	OpEquals    = "equals"
	OpNotEquals = "not_equals"
	OpGt        = "gt"
	OpLt        = "lt"
	OpGte       = "gte"
	OpLte       = "lte"
	OpContains  = "contains"
)

// Condition compares one fact against a literal value.
type Condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

// Conditions is an ordered list of conditions combined with AND or OR.
type Conditions struct {
	Operator string      `json:"operator"`
	Rules    []Condition `json:"rules"`
}

// UnmarshalJSON accepts either the object form or a bare array, which is
// read as an AND of its elements.
func (c *Conditions) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []Condition
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return fmt.Errorf("invalid conditions list: %w", err)
		}
		c.Operator = CombineAnd
		c.Rules = list
		return nil
	}

	type plain Conditions
	var p plain
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return fmt.Errorf("invalid conditions: %w", err)
	}
	if p.Operator == "" {
		p.Operator = CombineAnd
	}
	*c = Conditions(p)
	return nil
}

// Rule is a family's automation: when Trigger fires and Conditions hold,
// run Actions in order.
type Rule struct {
	ID          string       `json:"id"`
	FamilyID    string       `json:"familyId"`
	CreatedByID string       `json:"createdById"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Trigger     TriggerSpec  `json:"trigger"`
	Conditions  *Conditions  `json:"conditions,omitempty"`
	Actions     []ActionSpec `json:"actions"`
	IsEnabled   bool         `json:"isEnabled"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// RuleExecution is one execution log row. Rows are append-only and outlive
// the rule they describe.
type RuleExecution struct {
	ID         string         `json:"id"`
	RuleID     string         `json:"ruleId"`
	FamilyID   string         `json:"familyId"`
	ExecutedAt time.Time      `json:"executedAt"`
	Success    bool           `json:"success"`
	Result     []ActionResult `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ActionResult is the outcome of one action within a rule execution.
type ActionResult struct {
	Type    ActionType     `json:"type"`
	Success bool           `json:"success"`
	Details map[string]any `json:"details,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// ExecutionResult summarises what EvaluateRules did with one candidate rule.
type ExecutionResult struct {
	RuleID            string         `json:"ruleId"`
	RuleName          string         `json:"ruleName"`
	Fired             bool           `json:"fired"`
	ConditionsMatched bool           `json:"conditionsMatched"`
	Success           bool           `json:"success"`
	Actions           []ActionResult `json:"actions,omitempty"`
	Error             string         `json:"error,omitempty"`
	ExecutionID       string         `json:"executionId,omitempty"`
	ExecutedAt        time.Time      `json:"executedAt"`
}

// ValidationResult reports every problem found in a rule or config.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

func resultOf(errs []string) ValidationResult {
	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

// ExecutionStats aggregates a rule's execution log.
type ExecutionStats struct {
	TotalExecutions      int        `json:"totalExecutions"`
	SuccessfulExecutions int        `json:"successfulExecutions"`
	FailedExecutions     int        `json:"failedExecutions"`
	SuccessRate          int        `json:"successRate"`
	LastExecutionAt      *time.Time `json:"lastExecutionAt,omitempty"`
	LastExecutionSuccess *bool      `json:"lastExecutionSuccess,omitempty"`
}
