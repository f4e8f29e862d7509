package rules

import "time"

// ChoreEvent describes a completed chore.
type ChoreEvent struct {
	ChoreInstanceID   string `json:"choreInstanceId,omitempty"`
	ChoreDefinitionID string `json:"choreDefinitionId,omitempty"`
}

// StreakEvent describes an updated chore streak.
type StreakEvent struct {
	CurrentStreak int    `json:"currentStreak"`
	LongestStreak int    `json:"longestStreak"`
	StreakType    string `json:"streakType,omitempty"`
}

// ScreenTimeEvent carries a member's screen-time balance after a change.
type ScreenTimeEvent struct {
	CurrentBalance int `json:"currentBalance"`
}

// InventoryEvent describes a stock change. RemainingPercentage is optional;
// when nil the inventory trigger reads the item from the household store.
type InventoryEvent struct {
	ItemID              string   `json:"inventoryItemId,omitempty"`
	ItemName            string   `json:"itemName,omitempty"`
	Category            string   `json:"category,omitempty"`
	CurrentQuantity     float64  `json:"currentQuantity"`
	RemainingPercentage *float64 `json:"remainingPercentage,omitempty"`
}

// CalendarEvent describes a calendar change. EventCount is optional; when
// nil the calendar trigger counts the day's events itself.
type CalendarEvent struct {
	EventID    string `json:"eventId,omitempty"`
	Date       string `json:"date,omitempty"` // YYYY-MM-DD
	EventCount *int   `json:"eventCount,omitempty"`
}

// MedicationEvent describes an administered dose.
type MedicationEvent struct {
	MedicationID string `json:"medicationId"`
}

// RoutineEvent describes a finished routine.
type RoutineEvent struct {
	RoutineID   string `json:"routineId"`
	RoutineType string `json:"routineType,omitempty"`
}

// ScheduleTick is supplied by the external scheduler. Due maps each cron
// expression (or special value such as "birthday") to whether it is due now.
type ScheduleTick struct {
	Due map[string]bool `json:"due"`
}

// RuleContext describes the domain event being evaluated. It is built fresh
// per event and is not modified by the engine.
type RuleContext struct {
	FamilyID    string      `json:"familyId"`
	TriggerType TriggerType `json:"triggerType"`
	MemberID    string      `json:"memberId,omitempty"`
	TriggerID   string      `json:"triggerId,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`

	Chore      *ChoreEvent      `json:"chore,omitempty"`
	Streak     *StreakEvent     `json:"streak,omitempty"`
	ScreenTime *ScreenTimeEvent `json:"screenTime,omitempty"`
	Inventory  *InventoryEvent  `json:"inventory,omitempty"`
	Calendar   *CalendarEvent   `json:"calendar,omitempty"`
	Medication *MedicationEvent `json:"medication,omitempty"`
	Routine    *RoutineEvent    `json:"routine,omitempty"`
	Schedule   *ScheduleTick    `json:"schedule,omitempty"`

	// Attributes are extra facts available to conditions, such as a
	// completion rate computed by the caller.
	Attributes map[string]any `json:"attributes,omitempty"`
}

// now returns the context timestamp, or the wall clock if unset.
func (rc *RuleContext) now() time.Time {
	if rc.Timestamp.IsZero() {
		return time.Now()
	}
	return rc.Timestamp
}

// Facts flattens the context into the fact map conditions are evaluated
// against. Event fields take precedence over Attributes of the same name.
func (rc *RuleContext) Facts() map[string]any {
	facts := make(map[string]any, len(rc.Attributes)+8)
	for k, v := range rc.Attributes {
		facts[k] = v
	}

	facts["familyId"] = rc.FamilyID
	facts["triggerType"] = string(rc.TriggerType)
	if rc.MemberID != "" {
		facts["memberId"] = rc.MemberID
	}
	if rc.TriggerID != "" {
		facts["triggerId"] = rc.TriggerID
	}

	if c := rc.Chore; c != nil {
		setIf(facts, "choreInstanceId", c.ChoreInstanceID)
		setIf(facts, "choreDefinitionId", c.ChoreDefinitionID)
	}
	if s := rc.Streak; s != nil {
		facts["currentStreak"] = s.CurrentStreak
		facts["longestStreak"] = s.LongestStreak
		setIf(facts, "streakType", s.StreakType)
	}
	if s := rc.ScreenTime; s != nil {
		facts["currentBalance"] = s.CurrentBalance
	}
	if i := rc.Inventory; i != nil {
		setIf(facts, "inventoryItemId", i.ItemID)
		setIf(facts, "itemName", i.ItemName)
		setIf(facts, "category", i.Category)
		facts["currentQuantity"] = i.CurrentQuantity
		if i.RemainingPercentage != nil {
			facts["remainingPercentage"] = *i.RemainingPercentage
		}
	}
	if c := rc.Calendar; c != nil {
		setIf(facts, "eventId", c.EventID)
		setIf(facts, "date", c.Date)
		if c.EventCount != nil {
			facts["eventCount"] = *c.EventCount
		}
	}
	if m := rc.Medication; m != nil {
		setIf(facts, "medicationId", m.MedicationID)
	}
	if r := rc.Routine; r != nil {
		setIf(facts, "routineId", r.RoutineID)
		setIf(facts, "routineType", r.RoutineType)
	}
	return facts
}

func setIf(m map[string]any, key, val string) {
	if val != "" {
		m[key] = val
	}
}
