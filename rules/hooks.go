package rules

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/liamcoop/hearth/internal/logger"
	"github.com/liamcoop/hearth/internal/metrics"
)

// Dispatcher routes a RuleContext to the engine of its family.
type Dispatcher interface {
	EvaluateRules(ctx context.Context, rc *RuleContext) ([]*ExecutionResult, error)
}

// Hooks are the call sites other subsystems use after committing a domain
// change. Every method returns immediately; evaluation runs in the
// background and its failures are logged, never returned.
type Hooks struct {
	dispatcher Dispatcher
	now        func() time.Time
	wg         sync.WaitGroup
}

// NewHooks creates hooks that dispatch to d.
func NewHooks(d Dispatcher) *Hooks {
	return &Hooks{dispatcher: d, now: time.Now}
}

// Wait blocks until every in-flight evaluation has finished.
func (h *Hooks) Wait() {
	h.wg.Wait()
}

// Fire dispatches an arbitrary context. The caller's cancellation does not
// reach the evaluation, since the caller usually returns first.
func (h *Hooks) Fire(ctx context.Context, rc *RuleContext) {
	if rc.Timestamp.IsZero() {
		rc.Timestamp = h.now()
	}
	ctx = context.WithoutCancel(ctx)
	trigger := string(rc.TriggerType)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				metrics.HookDispatches.WithLabelValues(trigger, "panic").Inc()
				logger.ErrorEvent(logger.EventHookError, "rule evaluation panicked", "familyId", rc.FamilyID, "trigger", trigger, "panic", fmt.Sprint(r))
			}
		}()

		results, err := h.dispatcher.EvaluateRules(ctx, rc)
		if err != nil {
			metrics.HookDispatches.WithLabelValues(trigger, "error").Inc()
			logger.ErrorEvent(logger.EventHookError, "rule evaluation failed", "familyId", rc.FamilyID, "trigger", trigger, "error", err)
			return
		}
		metrics.HookDispatches.WithLabelValues(trigger, "dispatched").Inc()
		logger.Debug("rules evaluated", "familyId", rc.FamilyID, "trigger", trigger, "candidates", len(results))
	}()
}

// OnChoreCompleted fires chore_completed.
func (h *Hooks) OnChoreCompleted(ctx context.Context, familyID, memberID, choreInstanceID, choreDefinitionID string) {
	h.Fire(ctx, &RuleContext{
		FamilyID:    familyID,
		TriggerType: TriggerChoreCompleted,
		MemberID:    memberID,
		TriggerID:   choreInstanceID,
		Chore:       &ChoreEvent{ChoreInstanceID: choreInstanceID, ChoreDefinitionID: choreDefinitionID},
	})
}

// OnChoreStreak fires chore_streak.
func (h *Hooks) OnChoreStreak(ctx context.Context, familyID, memberID string, streak StreakEvent) {
	h.Fire(ctx, &RuleContext{
		FamilyID:    familyID,
		TriggerType: TriggerChoreStreak,
		MemberID:    memberID,
		Streak:      &streak,
	})
}

// OnScreenTimeUpdated fires screentime_low with the member's new balance.
// Whether the balance is low is decided per rule by its threshold.
func (h *Hooks) OnScreenTimeUpdated(ctx context.Context, familyID, memberID string, balanceMinutes int) {
	h.Fire(ctx, &RuleContext{
		FamilyID:    familyID,
		TriggerType: TriggerScreenTimeLow,
		MemberID:    memberID,
		ScreenTime:  &ScreenTimeEvent{CurrentBalance: balanceMinutes},
	})
}

// OnInventoryUpdated fires inventory_low when the item is at or below its
// minimum quantity. Other updates are ignored.
func (h *Hooks) OnInventoryUpdated(ctx context.Context, familyID string, ev InventoryEvent, minQuantity float64) {
	if ev.CurrentQuantity > minQuantity {
		return
	}
	h.Fire(ctx, &RuleContext{
		FamilyID:    familyID,
		TriggerType: TriggerInventoryLow,
		TriggerID:   ev.ItemID,
		Inventory:   &ev,
	})
}

// OnCalendarEventAdded fires calendar_busy for the event's day.
func (h *Hooks) OnCalendarEventAdded(ctx context.Context, familyID, eventID string, date time.Time) {
	h.Fire(ctx, &RuleContext{
		FamilyID:    familyID,
		TriggerType: TriggerCalendarBusy,
		TriggerID:   eventID,
		Calendar:    &CalendarEvent{EventID: eventID, Date: date.Format(time.DateOnly)},
	})
}

// OnMedicationGiven fires medication_given for the member who took it.
func (h *Hooks) OnMedicationGiven(ctx context.Context, familyID, memberID, medicationID string) {
	h.Fire(ctx, &RuleContext{
		FamilyID:    familyID,
		TriggerType: TriggerMedicationGiven,
		MemberID:    memberID,
		TriggerID:   medicationID,
		Medication:  &MedicationEvent{MedicationID: medicationID},
	})
}

// OnRoutineCompleted fires routine_completed.
func (h *Hooks) OnRoutineCompleted(ctx context.Context, familyID, memberID, routineID, routineType string) {
	h.Fire(ctx, &RuleContext{
		FamilyID:    familyID,
		TriggerType: TriggerRoutineCompleted,
		MemberID:    memberID,
		TriggerID:   routineID,
		Routine:     &RoutineEvent{RoutineID: routineID, RoutineType: routineType},
	})
}

// OnScheduleTick fires time_based with the schedules that are due.
// memberID is set for per-member schedules such as birthdays.
func (h *Hooks) OnScheduleTick(ctx context.Context, familyID, memberID string, due map[string]bool, at time.Time) {
	h.Fire(ctx, &RuleContext{
		FamilyID:    familyID,
		TriggerType: TriggerTimeBased,
		MemberID:    memberID,
		Timestamp:   at,
		Schedule:    &ScheduleTick{Due: due},
	})
}
