package rules

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/liamcoop/hearth/household"
)

const defaultInventoryThreshold = 20.0

// Special time_based schedule values that are not cron expressions.
const (
	ScheduleBirthday = "birthday"
	ScheduleDaily    = "daily"
	ScheduleWeekly   = "weekly"
	ScheduleMonthly  = "monthly"
)

var noFire = TriggerOutcome{}

// ChoreCompletedConfig fires on chore completion. With none of its fields
// set it never fires.
type ChoreCompletedConfig struct {
	ChoreID           string `json:"choreId,omitempty"`
	ChoreDefinitionID string `json:"choreDefinitionId,omitempty"`
	AnyChore          bool   `json:"anyChore,omitempty"`
}

func (c *ChoreCompletedConfig) kind() TriggerType { return TriggerChoreCompleted }

func (c *ChoreCompletedConfig) untargeted() bool {
	return !c.AnyChore && c.ChoreID == "" && c.ChoreDefinitionID == ""
}

func (c *ChoreCompletedConfig) validate(v *Validator) []string {
	if c.untargeted() && !v.AllowUntargeted {
		return []string{"chore_completed trigger must set anyChore, choreId or choreDefinitionId"}
	}
	return nil
}

func (c *ChoreCompletedConfig) evaluate(ctx context.Context, rc *RuleContext, _ household.Lookups) (TriggerOutcome, error) {
	ev := rc.Chore
	if ev == nil || c.untargeted() {
		return noFire, nil
	}
	switch {
	case c.AnyChore:
		return TriggerOutcome{Fires: ev.ChoreInstanceID != "" || ev.ChoreDefinitionID != ""}, nil
	case c.ChoreID != "" && ev.ChoreInstanceID == c.ChoreID:
		return TriggerOutcome{Fires: true}, nil
	case c.ChoreDefinitionID != "" && ev.ChoreDefinitionID == c.ChoreDefinitionID:
		return TriggerOutcome{Fires: true}, nil
	}
	return noFire, nil
}

// ChoreStreakConfig fires once a member's streak reaches Days.
type ChoreStreakConfig struct {
	Days       int    `json:"days"`
	StreakType string `json:"streakType,omitempty"`
}

func (c *ChoreStreakConfig) kind() TriggerType { return TriggerChoreStreak }

func (c *ChoreStreakConfig) validate(v *Validator) []string {
	if c.Days < 1 || c.Days > 365 {
		return []string{"chore_streak days must be between 1 and 365"}
	}
	return nil
}

func (c *ChoreStreakConfig) evaluate(ctx context.Context, rc *RuleContext, _ household.Lookups) (TriggerOutcome, error) {
	ev := rc.Streak
	if ev == nil || rc.MemberID == "" {
		return noFire, nil
	}
	if c.StreakType != "" && ev.StreakType != c.StreakType {
		return noFire, nil
	}
	return TriggerOutcome{Fires: ev.CurrentStreak >= c.Days}, nil
}

// ScreenTimeLowConfig fires when a balance is at or below ThresholdMinutes.
type ScreenTimeLowConfig struct {
	ThresholdMinutes *int `json:"thresholdMinutes"`
}

func (c *ScreenTimeLowConfig) kind() TriggerType { return TriggerScreenTimeLow }

func (c *ScreenTimeLowConfig) validate(v *Validator) []string {
	if c.ThresholdMinutes == nil {
		return []string{"screentime_low trigger requires thresholdMinutes"}
	}
	if *c.ThresholdMinutes < 0 || *c.ThresholdMinutes > 1440 {
		return []string{"screentime_low thresholdMinutes must be between 0 and 1440"}
	}
	return nil
}

func (c *ScreenTimeLowConfig) evaluate(ctx context.Context, rc *RuleContext, _ household.Lookups) (TriggerOutcome, error) {
	if rc.ScreenTime == nil || rc.MemberID == "" || c.ThresholdMinutes == nil {
		return noFire, nil
	}
	return TriggerOutcome{Fires: rc.ScreenTime.CurrentBalance <= *c.ThresholdMinutes}, nil
}

// InventoryLowConfig fires when an item's remaining stock percentage is at
// or below the threshold. ItemID and Category narrow which items count.
type InventoryLowConfig struct {
	ItemID              string   `json:"itemId,omitempty"`
	Category            string   `json:"category,omitempty"`
	ThresholdPercentage *float64 `json:"thresholdPercentage,omitempty"`
}

func (c *InventoryLowConfig) kind() TriggerType { return TriggerInventoryLow }

func (c *InventoryLowConfig) threshold() float64 {
	if c.ThresholdPercentage == nil {
		return defaultInventoryThreshold
	}
	return *c.ThresholdPercentage
}

func (c *InventoryLowConfig) validate(v *Validator) []string {
	if p := c.ThresholdPercentage; p != nil && (*p < 0 || *p > 100) {
		return []string{"inventory_low thresholdPercentage must be between 0 and 100"}
	}
	return nil
}

func (c *InventoryLowConfig) evaluate(ctx context.Context, rc *RuleContext, lookups household.Lookups) (TriggerOutcome, error) {
	ev := rc.Inventory
	if ev == nil {
		return noFire, nil
	}
	if c.ItemID != "" && ev.ItemID != c.ItemID {
		return noFire, nil
	}

	category := ev.Category
	pct := ev.RemainingPercentage
	var item *household.InventoryItem
	if pct == nil || (c.Category != "" && category == "") {
		if ev.ItemID == "" {
			return noFire, nil
		}
		var err error
		item, err = lookups.GetInventoryItem(ctx, rc.FamilyID, ev.ItemID)
		if err != nil {
			return noFire, fmt.Errorf("inventory_low: %w", err)
		}
		category = item.Category
		if pct == nil {
			if p, ok := item.RemainingPercentage(); ok {
				pct = &p
			}
		}
	}

	if c.Category != "" && category != c.Category {
		return noFire, nil
	}
	if pct == nil {
		// No maximum recorded for the item, so fall back to its minimum.
		return TriggerOutcome{Fires: item.IsLow()}, nil
	}
	return TriggerOutcome{
		Fires: *pct <= c.threshold(),
		Facts: map[string]any{"remainingPercentage": *pct},
	}, nil
}

// CalendarBusyConfig fires when a day holds at least EventCount events.
type CalendarBusyConfig struct {
	EventCount int    `json:"eventCount"`
	Date       string `json:"date,omitempty"` // YYYY-MM-DD, defaults to the event's day
}

func (c *CalendarBusyConfig) kind() TriggerType { return TriggerCalendarBusy }

func (c *CalendarBusyConfig) validate(v *Validator) []string {
	var errs []string
	if c.EventCount < 1 || c.EventCount > 50 {
		errs = append(errs, "calendar_busy eventCount must be between 1 and 50")
	}
	if c.Date != "" {
		if _, err := time.Parse(time.DateOnly, c.Date); err != nil {
			errs = append(errs, "calendar_busy date must be formatted YYYY-MM-DD")
		}
	}
	return errs
}

func (c *CalendarBusyConfig) evaluate(ctx context.Context, rc *RuleContext, lookups household.Lookups) (TriggerOutcome, error) {
	ev := rc.Calendar
	if ev != nil && ev.EventCount != nil {
		if c.Date != "" && ev.Date != c.Date {
			return noFire, nil
		}
		return TriggerOutcome{
			Fires: *ev.EventCount >= c.EventCount,
			Facts: map[string]any{"eventCount": *ev.EventCount},
		}, nil
	}

	now := rc.now()
	day := c.Date
	if day == "" && ev != nil {
		day = ev.Date
	}
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	if day != "" {
		parsed, err := time.ParseInLocation(time.DateOnly, day, now.Location())
		if err != nil {
			return noFire, fmt.Errorf("calendar_busy: invalid date %q: %w", day, err)
		}
		start = parsed
	}

	count, err := lookups.CountCalendarEvents(ctx, rc.FamilyID, start, start.AddDate(0, 0, 1))
	if err != nil {
		return noFire, fmt.Errorf("calendar_busy: %w", err)
	}
	return TriggerOutcome{
		Fires: count >= c.EventCount,
		Facts: map[string]any{"eventCount": count},
	}, nil
}

// MedicationGivenConfig fires when a dose is recorded. With none of its
// fields set it never fires.
type MedicationGivenConfig struct {
	MedicationID  string `json:"medicationId,omitempty"`
	MemberID      string `json:"memberId,omitempty"`
	AnyMedication bool   `json:"anyMedication,omitempty"`
}

func (c *MedicationGivenConfig) kind() TriggerType { return TriggerMedicationGiven }

func (c *MedicationGivenConfig) untargeted() bool {
	return !c.AnyMedication && c.MedicationID == "" && c.MemberID == ""
}

func (c *MedicationGivenConfig) validate(v *Validator) []string {
	if c.untargeted() && !v.AllowUntargeted {
		return []string{"medication_given trigger must set anyMedication, medicationId or memberId"}
	}
	return nil
}

func (c *MedicationGivenConfig) evaluate(ctx context.Context, rc *RuleContext, _ household.Lookups) (TriggerOutcome, error) {
	ev := rc.Medication
	if ev == nil || ev.MedicationID == "" || c.untargeted() {
		return noFire, nil
	}
	if c.MemberID != "" && rc.MemberID != c.MemberID {
		return noFire, nil
	}
	if c.MedicationID != "" && ev.MedicationID != c.MedicationID {
		return noFire, nil
	}
	return TriggerOutcome{Fires: true}, nil
}

// RoutineCompletedConfig fires when a routine finishes. With neither field
// set it matches every routine.
type RoutineCompletedConfig struct {
	RoutineID   string `json:"routineId,omitempty"`
	RoutineType string `json:"routineType,omitempty"`
}

func (c *RoutineCompletedConfig) kind() TriggerType { return TriggerRoutineCompleted }

func (c *RoutineCompletedConfig) validate(v *Validator) []string { return nil }

func (c *RoutineCompletedConfig) evaluate(ctx context.Context, rc *RuleContext, lookups household.Lookups) (TriggerOutcome, error) {
	ev := rc.Routine
	if ev == nil || ev.RoutineID == "" {
		return noFire, nil
	}
	if c.RoutineID == "" && c.RoutineType == "" {
		return TriggerOutcome{Fires: true}, nil
	}
	if c.RoutineID != "" && ev.RoutineID == c.RoutineID {
		return TriggerOutcome{Fires: true}, nil
	}
	if c.RoutineType == "" {
		return noFire, nil
	}

	routineType := ev.RoutineType
	if routineType == "" {
		routine, err := lookups.GetRoutine(ctx, rc.FamilyID, ev.RoutineID)
		if err != nil {
			return noFire, fmt.Errorf("routine_completed: %w", err)
		}
		routineType = routine.Type
	}
	return TriggerOutcome{
		Fires: routineType == c.RoutineType,
		Facts: map[string]any{"routineType": routineType},
	}, nil
}

// TimeBasedConfig fires when the scheduler marks Cron as due. Cron is a
// five-field cron expression or one of birthday, daily, weekly, monthly.
type TimeBasedConfig struct {
	Cron        string `json:"cron"`
	Description string `json:"description"`
}

func (c *TimeBasedConfig) kind() TriggerType { return TriggerTimeBased }

// ScheduleExpression returns the cron expression the scheduler should test
// for due-ness. birthday reports true for the birthday special value, which
// has no expression.
func (c *TimeBasedConfig) ScheduleExpression() (expr string, birthday bool) {
	switch c.Cron {
	case ScheduleBirthday:
		return "", true
	case ScheduleDaily:
		return "@daily", false
	case ScheduleWeekly:
		return "@weekly", false
	case ScheduleMonthly:
		return "@monthly", false
	}
	return c.Cron, false
}

func (c *TimeBasedConfig) validate(v *Validator) []string {
	var errs []string
	switch {
	case c.Cron == "":
		errs = append(errs, "time_based trigger requires a cron expression")
	case c.Cron == ScheduleBirthday, c.Cron == ScheduleDaily, c.Cron == ScheduleWeekly, c.Cron == ScheduleMonthly:
	case len(strings.Fields(c.Cron)) != 5 || !gronx.New().IsValid(c.Cron):
		errs = append(errs, fmt.Sprintf("time_based cron %q must be a 5-field cron expression or one of birthday, daily, weekly, monthly", c.Cron))
	}
	if strings.TrimSpace(c.Description) == "" {
		errs = append(errs, "time_based trigger requires a description")
	}
	return errs
}

func (c *TimeBasedConfig) evaluate(ctx context.Context, rc *RuleContext, _ household.Lookups) (TriggerOutcome, error) {
	if rc.Schedule == nil {
		return noFire, nil
	}
	return TriggerOutcome{Fires: rc.Schedule.Due[c.Cron]}, nil
}
