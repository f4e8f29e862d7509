package rules

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/liamcoop/hearth/household"
)

// TriggerConfig is the closed set of trigger configurations. Every variant
// validates itself and evaluates itself, so adding a trigger type means
// writing both before it compiles.
type TriggerConfig interface {
	kind() TriggerType
	validate(v *Validator) []string
	evaluate(ctx context.Context, rc *RuleContext, lookups household.Lookups) (TriggerOutcome, error)
}

// TriggerOutcome reports whether a trigger fired and any facts it derived
// while deciding, which are made available to conditions.
type TriggerOutcome struct {
	Fires bool
	Facts map[string]any
}

// ActionConfig is the closed set of action configurations.
type ActionConfig interface {
	kind() ActionType
	validate(v *Validator) []string
	execute(ctx context.Context, env *actionEnv) (map[string]any, error)
	simulate() string
}

// actionEnv is what an action executor may touch.
type actionEnv struct {
	store household.Store
	rule  *Rule
	rc    *RuleContext
	now   time.Time
}

var triggerDecoders = map[TriggerType]func() TriggerConfig{
	TriggerChoreCompleted:   func() TriggerConfig { return &ChoreCompletedConfig{} },
	TriggerChoreStreak:      func() TriggerConfig { return &ChoreStreakConfig{} },
	TriggerScreenTimeLow:    func() TriggerConfig { return &ScreenTimeLowConfig{} },
	TriggerInventoryLow:     func() TriggerConfig { return &InventoryLowConfig{} },
	TriggerCalendarBusy:     func() TriggerConfig { return &CalendarBusyConfig{} },
	TriggerMedicationGiven:  func() TriggerConfig { return &MedicationGivenConfig{} },
	TriggerRoutineCompleted: func() TriggerConfig { return &RoutineCompletedConfig{} },
	TriggerTimeBased:        func() TriggerConfig { return &TimeBasedConfig{} },
}

var actionDecoders = map[ActionType]func() ActionConfig{
	ActionAwardCredits:     func() ActionConfig { return &AwardCreditsConfig{} },
	ActionSendNotification: func() ActionConfig { return &SendNotificationConfig{} },
	ActionAddShoppingItem:  func() ActionConfig { return &AddShoppingItemConfig{} },
	ActionCreateTodo:       func() ActionConfig { return &CreateTodoConfig{} },
	ActionLockMedication:   func() ActionConfig { return &LockMedicationConfig{} },
	ActionSuggestMeal:      func() ActionConfig { return &SuggestMealConfig{} },
	ActionReduceChores:     func() ActionConfig { return &ReduceChoresConfig{} },
	ActionAdjustScreenTime: func() ActionConfig { return &AdjustScreenTimeConfig{} },
}

// DecodeTrigger parses a stored trigger into its typed configuration.
func DecodeTrigger(spec TriggerSpec) (TriggerConfig, error) {
	newConfig, ok := triggerDecoders[spec.Type]
	if !ok {
		return nil, fmt.Errorf("unknown trigger type %q", spec.Type)
	}
	cfg := newConfig()
	if err := decodeConfig(spec.Config, cfg); err != nil {
		return nil, fmt.Errorf("invalid %s config: %w", spec.Type, err)
	}
	return cfg, nil
}

// DecodeAction parses a stored action into its typed configuration.
func DecodeAction(spec ActionSpec) (ActionConfig, error) {
	newConfig, ok := actionDecoders[spec.Type]
	if !ok {
		return nil, fmt.Errorf("unknown action type %q", spec.Type)
	}
	cfg := newConfig()
	if err := decodeConfig(spec.Config, cfg); err != nil {
		return nil, fmt.Errorf("invalid %s config: %w", spec.Type, err)
	}
	return cfg, nil
}

func decodeConfig(raw json.RawMessage, into any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if raw[0] != '{' {
		return fmt.Errorf("config must be an object")
	}
	return json.Unmarshal(raw, into)
}
