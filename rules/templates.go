package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// ErrTemplateNotFound is returned for an unknown template ID.
var ErrTemplateNotFound = errors.New("template not found")

// Template categories.
const (
	CategoryProductivity = "productivity"
	CategorySafety       = "safety"
	CategoryRewards      = "rewards"
	CategoryConvenience  = "convenience"
)

// Template is a pre-built rule offered as a starting point. Customizable
// lists the dot paths (such as actions.0.config.amount) a family may
// override when instantiating it; Required lists the customizable paths
// that must be given a value.
type Template struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Description  string       `json:"description"`
	Category     string       `json:"category"`
	Trigger      TriggerSpec  `json:"trigger"`
	Conditions   *Conditions  `json:"conditions,omitempty"`
	Actions      []ActionSpec `json:"actions"`
	Customizable []string     `json:"customizable"`
	Required     []string     `json:"required,omitempty"`
}

var templates = []Template{
	{
		ID:          "chore_streak_bonus",
		Name:        "Chore Streak Bonus",
		Description: "Award 10 credits for 7-day chore streak",
		Category:    CategoryRewards,
		Trigger:     NewTriggerSpec(&ChoreStreakConfig{Days: 7}),
		Actions: []ActionSpec{
			NewActionSpec(&AwardCreditsConfig{Amount: 10, Reason: "Chore streak bonus! 7 days in a row!"}),
		},
		Customizable: []string{"trigger.config.days", "actions.0.config.amount"},
	},
	{
		ID:          "screentime_warning",
		Name:        "Low Screen Time Warning",
		Description: "Notify when screen time balance drops below 30 minutes",
		Category:    CategoryConvenience,
		Trigger:     NewTriggerSpec(&ScreenTimeLowConfig{ThresholdMinutes: intPtr(30)}),
		Actions: []ActionSpec{
			NewActionSpec(&SendNotificationConfig{
				Recipients: []string{RecipientChild},
				Title:      "Screen Time Running Low",
				Message:    "You have less than 30 minutes of screen time remaining.",
				ActionURL:  "/dashboard/screentime",
			}),
		},
		Customizable: []string{"trigger.config.thresholdMinutes"},
	},
	{
		ID:          "medication_cooldown",
		Name:        "Medication Safety Timer",
		Description: "Lock medication for 6 hours after dose given",
		Category:    CategorySafety,
		Trigger:     NewTriggerSpec(&MedicationGivenConfig{AnyMedication: true}),
		Actions: []ActionSpec{
			NewActionSpec(&LockMedicationConfig{Hours: 6}),
		},
		Customizable: []string{"actions.0.config.hours", "actions.0.config.medicationId"},
		Required:     []string{"actions.0.config.medicationId"},
	},
	{
		ID:          "busy_day_meals",
		Name:        "Busy Day Meal Helper",
		Description: "Suggest easy meals when calendar shows 3+ events",
		Category:    CategoryConvenience,
		Trigger:     NewTriggerSpec(&CalendarBusyConfig{EventCount: 3}),
		Actions: []ActionSpec{
			NewActionSpec(&SuggestMealConfig{Difficulty: "EASY"}),
		},
		Customizable: []string{"trigger.config.eventCount"},
	},
	{
		ID:          "weekly_allowance",
		Name:        "Weekly Allowance",
		Description: "Award credits to a child every Sunday at 9 AM",
		Category:    CategoryRewards,
		Trigger:     NewTriggerSpec(&TimeBasedConfig{Cron: "0 9 * * 0", Description: "Every Sunday at 9 AM"}),
		Actions: []ActionSpec{
			NewActionSpec(&AwardCreditsConfig{Amount: 20, Reason: "Weekly allowance"}),
		},
		Customizable: []string{"actions.0.config.amount", "actions.0.config.memberId", "trigger.config.cron"},
		Required:     []string{"actions.0.config.memberId"},
	},
	{
		ID:          "birthday_bonus",
		Name:        "Birthday Bonus",
		Description: "Award 50 credits on member birthday",
		Category:    CategoryRewards,
		Trigger:     NewTriggerSpec(&TimeBasedConfig{Cron: ScheduleBirthday, Description: "On member birthday"}),
		Actions: []ActionSpec{
			NewActionSpec(&AwardCreditsConfig{Amount: 50, Reason: "Happy Birthday! 🎉"}),
		},
		Customizable: []string{"actions.0.config.amount"},
	},
	{
		ID:          "perfect_week",
		Name:        "Perfect Week Bonus",
		Description: "Award 25 credits for completing all chores in a week",
		Category:    CategoryRewards,
		Trigger:     NewTriggerSpec(&ChoreCompletedConfig{AnyChore: true}),
		Conditions: &Conditions{
			Operator: CombineAnd,
			Rules:    []Condition{{Field: "completionRate", Operator: OpEquals, Value: float64(100)}},
		},
		Actions: []ActionSpec{
			NewActionSpec(&AwardCreditsConfig{Amount: 25, Reason: "Perfect week! All chores completed!"}),
		},
		Customizable: []string{"actions.0.config.amount"},
	},
	{
		ID:          "low_inventory_alert",
		Name:        "Low Inventory Auto-Add",
		Description: "Auto-add items to shopping list when inventory is low",
		Category:    CategoryConvenience,
		Trigger: NewTriggerSpec(&InventoryLowConfig{
			Category:            "FOOD_PANTRY",
			ThresholdPercentage: floatPtr(20),
		}),
		Actions: []ActionSpec{
			NewActionSpec(&AddShoppingItemConfig{FromInventory: true, Priority: "NEEDED_SOON"}),
		},
		Customizable: []string{"trigger.config.category", "trigger.config.thresholdPercentage"},
	},
}

func intPtr(n int) *int { return &n }
func floatPtr(f float64) *float64 { return &f }

// Templates returns every template.
func Templates() []Template {
	out := make([]Template, len(templates))
	for i := range templates {
		out[i] = cloneTemplate(templates[i])
	}
	return out
}

// TemplateByID returns one template.
func TemplateByID(id string) (Template, error) {
	i := slices.IndexFunc(templates, func(t Template) bool { return t.ID == id })
	if i < 0 {
		return Template{}, fmt.Errorf("template %s: %w", id, ErrTemplateNotFound)
	}
	return cloneTemplate(templates[i]), nil
}

// TemplatesByCategory returns the templates in a category.
func TemplatesByCategory(category string) []Template {
	var out []Template
	for _, t := range templates {
		if t.Category == category {
			out = append(out, cloneTemplate(t))
		}
	}
	return out
}

// ValidateCustomizations checks that every path is customizable.
func ValidateCustomizations(templateID string, customizations map[string]any) ValidationResult {
	t, err := TemplateByID(templateID)
	if err != nil {
		return resultOf([]string{"Template not found"})
	}
	var errs []string
	for _, path := range sortedKeys(customizations) {
		if !slices.Contains(t.Customizable, path) {
			errs = append(errs, fmt.Sprintf("Field %q is not customizable for this template", path))
		}
	}
	return resultOf(errs)
}

// PreviewTemplate returns the template with customizations applied.
// Paths are not checked against Customizable.
func PreviewTemplate(templateID string, customizations map[string]any) (Template, error) {
	t, err := TemplateByID(templateID)
	if err != nil {
		return Template{}, err
	}
	return applyCustomizations(t, customizations)
}

// InstantiateTemplate builds an enabled rule from a template. The result is
// not stored; pass it to Engine.AddRule.
func InstantiateTemplate(templateID, familyID, createdByID string, customizations map[string]any) (*Rule, error) {
	if _, err := TemplateByID(templateID); err != nil {
		return nil, err
	}
	if res := ValidateCustomizations(templateID, customizations); !res.Valid {
		return nil, &ValidationError{Errors: res.Errors}
	}
	if errs := missingRequired(templateID, customizations); len(errs) > 0 {
		return nil, &ValidationError{Errors: errs}
	}
	t, err := PreviewTemplate(templateID, customizations)
	if err != nil {
		return nil, err
	}
	return &Rule{
		FamilyID:    familyID,
		CreatedByID: createdByID,
		Name:        t.Name,
		Description: t.Description,
		Trigger:     t.Trigger,
		Conditions:  t.Conditions,
		Actions:     t.Actions,
		IsEnabled:   true,
	}, nil
}

func missingRequired(templateID string, customizations map[string]any) []string {
	t, err := TemplateByID(templateID)
	if err != nil {
		return nil
	}
	var errs []string
	for _, path := range t.Required {
		v, ok := customizations[path]
		if s, isString := v.(string); !ok || v == nil || (isString && strings.TrimSpace(s) == "") {
			errs = append(errs, fmt.Sprintf("Field %q is required for this template", path))
		}
	}
	return errs
}

// applyCustomizations round-trips the template through a generic JSON tree
// so dot paths can address any config field.
func applyCustomizations(t Template, customizations map[string]any) (Template, error) {
	if len(customizations) == 0 {
		return t, nil
	}

	raw, err := json.Marshal(t)
	if err != nil {
		return Template{}, fmt.Errorf("failed to encode template: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Template{}, fmt.Errorf("failed to decode template: %w", err)
	}

	for _, path := range sortedKeys(customizations) {
		parts := strings.Split(path, ".")
		value := customizations[path]
		switch parts[0] {
		case "trigger", "conditions":
			if obj, ok := doc[parts[0]].(map[string]any); ok {
				setPath(obj, parts[1:], value)
			}
		case "actions":
			actions, _ := doc["actions"].([]any)
			if len(parts) < 2 {
				continue
			}
			i, err := strconv.Atoi(parts[1])
			if err != nil || i < 0 || i >= len(actions) {
				continue
			}
			if obj, ok := actions[i].(map[string]any); ok {
				setPath(obj, parts[2:], value)
			}
		}
	}

	raw, err = json.Marshal(doc)
	if err != nil {
		return Template{}, fmt.Errorf("failed to encode customized template: %w", err)
	}
	var out Template
	if err := json.Unmarshal(raw, &out); err != nil {
		return Template{}, fmt.Errorf("customized template is malformed: %w", err)
	}
	return out, nil
}

func setPath(obj map[string]any, path []string, value any) {
	if len(path) == 0 {
		return
	}
	if len(path) == 1 {
		obj[path[0]] = value
		return
	}
	child, ok := obj[path[0]].(map[string]any)
	if !ok {
		child = make(map[string]any)
		obj[path[0]] = child
	}
	setPath(child, path[1:], value)
}

func cloneTemplate(t Template) Template {
	c := t
	c.Trigger.Config = slices.Clone(t.Trigger.Config)
	c.Actions = make([]ActionSpec, len(t.Actions))
	for i, a := range t.Actions {
		c.Actions[i] = ActionSpec{Type: a.Type, Config: slices.Clone(a.Config)}
	}
	if t.Conditions != nil {
		conds := *t.Conditions
		conds.Rules = slices.Clone(t.Conditions.Rules)
		c.Conditions = &conds
	}
	c.Customizable = slices.Clone(t.Customizable)
	c.Required = slices.Clone(t.Required)
	return c
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
