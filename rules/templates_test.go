package rules

import (
	"errors"
	"slices"
	"strings"
	"testing"
)

func TestTemplateCatalogue(t *testing.T) {
	want := []string{
		"chore_streak_bonus", "screentime_warning", "medication_cooldown", "busy_day_meals",
		"weekly_allowance", "birthday_bonus", "perfect_week", "low_inventory_alert",
	}
	all := Templates()
	if len(all) != len(want) {
		t.Fatalf("got %d templates, want %d", len(all), len(want))
	}
	for i, tmpl := range all {
		if tmpl.ID != want[i] {
			t.Errorf("template %d = %s, want %s", i, tmpl.ID, want[i])
		}
		if len(tmpl.Customizable) == 0 {
			t.Errorf("%s has no customizable fields", tmpl.ID)
		}

		// Every template must produce a rule the default validator accepts.
		rule, err := InstantiateTemplate(tmpl.ID, testFamily, "mom", requiredValues(tmpl))
		if err != nil {
			t.Fatalf("InstantiateTemplate(%s) failed: %v", tmpl.ID, err)
		}
		if res := ValidateRule(rule); !res.Valid {
			t.Errorf("%s does not validate: %v", tmpl.ID, res.Errors)
		}
	}
}

// requiredValues fills a template's required paths with plausible values.
func requiredValues(tmpl Template) map[string]any {
	values := map[string]any{}
	for _, path := range tmpl.Required {
		switch {
		case strings.HasSuffix(path, "memberId"):
			values[path] = "alice"
		case strings.HasSuffix(path, "medicationId"):
			values[path] = "med-1"
		default:
			values[path] = "x"
		}
	}
	return values
}

func TestTemplateRequiredFields(t *testing.T) {
	tests := []struct {
		templateID     string
		customizations map[string]any
		wantPath       string
	}{
		{"weekly_allowance", nil, "actions.0.config.memberId"},
		{"weekly_allowance", map[string]any{"actions.0.config.memberId": " "}, "actions.0.config.memberId"},
		{"medication_cooldown", map[string]any{"actions.0.config.hours": 4}, "actions.0.config.medicationId"},
	}
	for _, tt := range tests {
		t.Run(tt.templateID, func(t *testing.T) {
			_, err := InstantiateTemplate(tt.templateID, testFamily, "mom", tt.customizations)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("error = %v, want ValidationError", err)
			}
			if len(verr.Errors) != 1 || !strings.Contains(verr.Errors[0], tt.wantPath) {
				t.Errorf("errors = %v, want %s required", verr.Errors, tt.wantPath)
			}
		})
	}

	rule, err := InstantiateTemplate("weekly_allowance", testFamily, "mom", map[string]any{"actions.0.config.memberId": "alice"})
	if err != nil {
		t.Fatalf("InstantiateTemplate() failed: %v", err)
	}
	action, _ := DecodeAction(rule.Actions[0])
	if award := action.(*AwardCreditsConfig); award.MemberID != "alice" || award.Amount != 20 {
		t.Errorf("award = %+v", award)
	}

	for _, tmpl := range Templates() {
		for _, path := range tmpl.Required {
			if !slices.Contains(tmpl.Customizable, path) {
				t.Errorf("%s requires %s but does not allow customizing it", tmpl.ID, path)
			}
		}
	}
}

func TestTemplatesAreCopies(t *testing.T) {
	tmpl, _ := TemplateByID("chore_streak_bonus")
	tmpl.Name = "changed"
	tmpl.Customizable[0] = "changed"
	tmpl.Actions[0].Config[0] = 'x'

	again, _ := TemplateByID("chore_streak_bonus")
	if again.Name != "Chore Streak Bonus" || again.Customizable[0] != "trigger.config.days" || again.Actions[0].Config[0] != '{' {
		t.Errorf("catalogue was mutated through a returned template: %+v", again)
	}
}

func TestTemplateByIDNotFound(t *testing.T) {
	if _, err := TemplateByID("nope"); !errors.Is(err, ErrTemplateNotFound) {
		t.Errorf("error = %v, want ErrTemplateNotFound", err)
	}
}

func TestTemplatesByCategory(t *testing.T) {
	tests := []struct {
		category string
		want     int
	}{
		{CategoryRewards, 4},
		{CategoryConvenience, 3},
		{CategorySafety, 1},
		{CategoryProductivity, 0},
	}
	for _, tt := range tests {
		got := TemplatesByCategory(tt.category)
		if len(got) != tt.want {
			t.Errorf("TemplatesByCategory(%s) returned %d, want %d", tt.category, len(got), tt.want)
		}
		for _, tmpl := range got {
			if tmpl.Category != tt.category {
				t.Errorf("%s has category %s", tmpl.ID, tmpl.Category)
			}
		}
	}
}

func TestValidateCustomizations(t *testing.T) {
	tests := []struct {
		name           string
		templateID     string
		customizations map[string]any
		wantErrors     []string
	}{
		{"none", "chore_streak_bonus", nil, nil},
		{"allowed", "chore_streak_bonus", map[string]any{"trigger.config.days": 14, "actions.0.config.amount": 30}, nil},
		{
			"not customizable", "chore_streak_bonus",
			map[string]any{"actions.0.config.reason": "x", "name": "y"},
			[]string{
				`Field "actions.0.config.reason" is not customizable for this template`,
				`Field "name" is not customizable for this template`,
			},
		},
		{"unknown template", "nope", nil, []string{"Template not found"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ValidateCustomizations(tt.templateID, tt.customizations)
			if res.Valid != (len(tt.wantErrors) == 0) {
				t.Fatalf("Valid = %v, errors %v", res.Valid, res.Errors)
			}
			if strings.Join(res.Errors, "|") != strings.Join(tt.wantErrors, "|") {
				t.Errorf("errors = %q, want %q", res.Errors, tt.wantErrors)
			}
		})
	}
}

func TestInstantiateTemplateWithCustomizations(t *testing.T) {
	rule, err := InstantiateTemplate("chore_streak_bonus", testFamily, "mom", map[string]any{
		"trigger.config.days":     14,
		"actions.0.config.amount": 30,
	})
	if err != nil {
		t.Fatalf("InstantiateTemplate() failed: %v", err)
	}
	if rule.FamilyID != testFamily || rule.CreatedByID != "mom" || !rule.IsEnabled || rule.Name != "Chore Streak Bonus" {
		t.Errorf("rule = %+v", rule)
	}

	trigger, err := DecodeTrigger(rule.Trigger)
	if err != nil {
		t.Fatalf("DecodeTrigger() failed: %v", err)
	}
	if cfg := trigger.(*ChoreStreakConfig); cfg.Days != 14 {
		t.Errorf("days = %d, want 14", cfg.Days)
	}
	action, err := DecodeAction(rule.Actions[0])
	if err != nil {
		t.Fatalf("DecodeAction() failed: %v", err)
	}
	award := action.(*AwardCreditsConfig)
	if award.Amount != 30 || award.Reason != "Chore streak bonus! 7 days in a row!" {
		t.Errorf("award = %+v", award)
	}

	// The catalogue entry is untouched.
	tmpl, _ := TemplateByID("chore_streak_bonus")
	if trigger, _ := DecodeTrigger(tmpl.Trigger); trigger.(*ChoreStreakConfig).Days != 7 {
		t.Error("customizing mutated the template")
	}
}

func TestInstantiateTemplateRejects(t *testing.T) {
	if _, err := InstantiateTemplate("nope", testFamily, "mom", nil); !errors.Is(err, ErrTemplateNotFound) {
		t.Errorf("unknown template error = %v, want ErrTemplateNotFound", err)
	}

	_, err := InstantiateTemplate("birthday_bonus", testFamily, "mom", map[string]any{"trigger.config.cron": "@daily"})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
	if len(verr.Errors) != 1 || !strings.Contains(verr.Errors[0], "trigger.config.cron") {
		t.Errorf("errors = %v", verr.Errors)
	}
}

func TestPreviewTemplateSkipsPathCheck(t *testing.T) {
	tmpl, err := PreviewTemplate("perfect_week", map[string]any{"conditions.operator": "OR"})
	if err != nil {
		t.Fatalf("PreviewTemplate() failed: %v", err)
	}
	if tmpl.Conditions.Operator != CombineOr {
		t.Errorf("operator = %s, want OR", tmpl.Conditions.Operator)
	}
	if len(tmpl.Conditions.Rules) != 1 || tmpl.Conditions.Rules[0].Field != "completionRate" {
		t.Errorf("conditions = %+v", tmpl.Conditions)
	}
}
