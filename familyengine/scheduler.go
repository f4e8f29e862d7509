package familyengine

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/liamcoop/hearth/household"
	"github.com/liamcoop/hearth/internal/logger"
	"github.com/liamcoop/hearth/internal/metrics"
	"github.com/liamcoop/hearth/rules"
)

// SchedulerOptions configure a Scheduler.
type SchedulerOptions struct {
	// Location is the zone cron expressions are read in. Defaults to UTC.
	Location *time.Location

	// BirthdayHour is the local hour birthday rules run at. Defaults to 9.
	BirthdayHour *int
}

// Scheduler finds due time_based rules. Sweep is meant to be called once a
// minute by an external cron.
type Scheduler struct {
	manager      *Manager
	members      household.Members
	loc          *time.Location
	birthdayHour int
	gron         *gronx.Gronx
}

// NewScheduler creates a scheduler over every family in members.
func NewScheduler(manager *Manager, members household.Members, opts SchedulerOptions) *Scheduler {
	s := &Scheduler{
		manager:      manager,
		members:      members,
		loc:          time.UTC,
		birthdayHour: 9,
		gron:         gronx.New(),
	}
	if opts.Location != nil {
		s.loc = opts.Location
	}
	if opts.BirthdayHour != nil {
		s.birthdayHour = *opts.BirthdayHour
	}
	return s
}

// SweepReport summarises one sweep.
type SweepReport struct {
	Families       int `json:"families"`
	RulesChecked   int `json:"rulesChecked"`
	SchedulesDue   int `json:"schedulesDue"`
	BirthdayTicks  int `json:"birthdayTicks"`
	RulesExecuted  int `json:"rulesExecuted"`
	FailedFamilies int `json:"failedFamilies"`
}

// Sweep evaluates the time_based rules of every family at now. Cron
// expressions are tested with gronx; birthday rules run once per member
// whose birthday is today, during BirthdayHour. A family that fails is
// logged and counted; the sweep continues with the next one.
func (s *Scheduler) Sweep(ctx context.Context, now time.Time) (SweepReport, error) {
	var report SweepReport
	// gronx compares seconds too; a sweep is for the whole minute.
	now = now.In(s.loc).Truncate(time.Minute)

	familyIDs, err := s.members.ListFamilyIDs(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list families: %w", err)
	}

	for _, familyID := range familyIDs {
		report.Families++
		if err := s.sweepFamily(ctx, familyID, now, &report); err != nil {
			report.FailedFamilies++
			logger.Error("schedule sweep failed", "familyId", familyID, "error", err)
		}
	}
	return report, nil
}

func (s *Scheduler) sweepFamily(ctx context.Context, familyID string, now time.Time, report *SweepReport) error {
	engine, err := s.manager.GetEngine(ctx, familyID)
	if err != nil {
		return err
	}
	enabled := true
	candidates, err := engine.ListRules(ctx, rules.ListFilter{Enabled: &enabled, TriggerType: rules.TriggerTimeBased})
	if err != nil {
		return err
	}

	due := make(map[string]bool)
	birthday := false
	for _, rule := range candidates {
		report.RulesChecked++
		cfg, err := rules.DecodeTrigger(rule.Trigger)
		if err != nil {
			continue
		}
		tb, ok := cfg.(*rules.TimeBasedConfig)
		if !ok {
			continue
		}
		expr, isBirthday := tb.ScheduleExpression()
		if isBirthday {
			birthday = true
			continue
		}
		isDue, err := s.gron.IsDue(expr, now)
		if err != nil {
			logger.Warn("invalid schedule", "ruleId", rule.ID, "cron", tb.Cron, "error", err)
			continue
		}
		if isDue {
			due[tb.Cron] = true
		}
	}

	if len(due) > 0 {
		report.SchedulesDue += len(due)
		metrics.ScheduleTicks.WithLabelValues("cron").Add(float64(len(due)))
		if err := s.dispatch(ctx, report, &rules.RuleContext{
			FamilyID:    familyID,
			TriggerType: rules.TriggerTimeBased,
			Timestamp:   now,
			Schedule:    &rules.ScheduleTick{Due: due},
		}); err != nil {
			return err
		}
	}

	if !birthday || now.Hour() != s.birthdayHour || now.Minute() != 0 {
		return nil
	}
	members, err := s.members.ListMembers(ctx, familyID)
	if err != nil {
		return err
	}
	for _, m := range members {
		if !m.HasBirthdayOn(now) {
			continue
		}
		report.BirthdayTicks++
		metrics.ScheduleTicks.WithLabelValues(rules.ScheduleBirthday).Inc()
		if err := s.dispatch(ctx, report, &rules.RuleContext{
			FamilyID:    familyID,
			TriggerType: rules.TriggerTimeBased,
			MemberID:    m.ID,
			TriggerID:   m.ID,
			Timestamp:   now,
			Schedule:    &rules.ScheduleTick{Due: map[string]bool{rules.ScheduleBirthday: true}},
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) dispatch(ctx context.Context, report *SweepReport, rc *rules.RuleContext) error {
	results, err := s.manager.EvaluateRules(ctx, rc)
	if err != nil {
		return err
	}
	for _, r := range results {
		if r.Fired && r.ConditionsMatched {
			report.RulesExecuted++
		}
	}
	return nil
}
