package rules

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/liamcoop/hearth/household"
	"github.com/liamcoop/hearth/internal/logger"
	"github.com/liamcoop/hearth/internal/metrics"
)

// EngineOptions tune an Engine. The zero value is usable.
type EngineOptions struct {
	// Limits default to DefaultSafetyLimits when zero.
	Limits SafetyLimits

	// AllowUntargeted relaxes validation of dead trigger configs.
	AllowUntargeted bool

	// LogSkipped writes an execution row for rules whose trigger or
	// conditions did not hold, with metadata.fired=false.
	LogSkipped bool

	Cache CacheConfig

	// Now overrides the clock used when a RuleContext has no timestamp.
	Now func() time.Time
}

// Engine evaluates and manages the automation rules of one family.
// Safe for concurrent use.
type Engine struct {
	familyID   string
	store      RuleStore
	log        ExecutionLog
	household  household.Store
	validator  *Validator
	conditions *conditionEvaluator
	cache      RulesCache
	opts       EngineOptions

	compiled map[string]*compiledRule // ruleID -> decoded configs
	mu       sync.RWMutex

	// generation increases on every rule mutation. A candidate list loaded
	// under an older generation is never written to the cache.
	generation uint64
	genMu      sync.Mutex
}

// compiledRule is a rule whose trigger and actions have been decoded and
// validated. It is rebuilt whenever the rule's UpdatedAt changes.
type compiledRule struct {
	updatedAt time.Time
	trigger   TriggerConfig
	actions   []ActionConfig
}

// NewEngine creates the engine for familyID.
func NewEngine(familyID string, store RuleStore, log ExecutionLog, hh household.Store, opts EngineOptions) (*Engine, error) {
	if opts.Limits == (SafetyLimits{}) {
		opts.Limits = DefaultSafetyLimits
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	conditions, err := newConditionEvaluator()
	if err != nil {
		return nil, err
	}

	return &Engine{
		familyID:   familyID,
		store:      store,
		log:        log,
		household:  hh,
		validator:  &Validator{Limits: opts.Limits, AllowUntargeted: opts.AllowUntargeted},
		conditions: conditions,
		cache:      NewInMemoryRulesCache(opts.Cache),
		opts:       opts,
		compiled:   make(map[string]*compiledRule),
	}, nil
}

// FamilyID returns the family this engine serves.
func (en *Engine) FamilyID() string { return en.familyID }

// Validator returns the validator the engine checks rules with.
func (en *Engine) Validator() *Validator { return en.validator }

// compile decodes, validates and caches a rule. The validation here
// repeats the check done at save time, so a rule corrupted in storage is
// reported instead of executed.
func (en *Engine) compile(rule *Rule) (*compiledRule, error) {
	en.mu.RLock()
	cr, ok := en.compiled[rule.ID]
	en.mu.RUnlock()
	if ok && cr.updatedAt.Equal(rule.UpdatedAt) {
		return cr, nil
	}

	if res := en.validator.ValidateRule(rule); !res.Valid {
		return nil, &ValidationError{Errors: res.Errors}
	}
	if err := en.conditions.compile(rule.Conditions); err != nil {
		return nil, &ValidationError{Errors: []string{err.Error()}}
	}

	trigger, err := DecodeTrigger(rule.Trigger)
	if err != nil {
		return nil, err
	}
	cr = &compiledRule{updatedAt: rule.UpdatedAt, trigger: trigger}
	for _, spec := range rule.Actions {
		action, err := DecodeAction(spec)
		if err != nil {
			return nil, err
		}
		cr.actions = append(cr.actions, action)
	}

	en.mu.Lock()
	en.compiled[rule.ID] = cr
	en.mu.Unlock()
	return cr, nil
}

func (en *Engine) forget(ruleID string) {
	en.mu.Lock()
	delete(en.compiled, ruleID)
	en.mu.Unlock()
	en.invalidate()
}

func (en *Engine) invalidate() {
	en.genMu.Lock()
	en.generation++
	en.cache.Invalidate()
	en.genMu.Unlock()
}

func (en *Engine) currentGeneration() uint64 {
	en.genMu.Lock()
	defer en.genMu.Unlock()
	return en.generation
}

// candidates returns the enabled rules for a trigger type in load order,
// with the generation they were loaded under.
func (en *Engine) candidates(ctx context.Context, trigger TriggerType) ([]*Rule, uint64, error) {
	gen := en.currentGeneration()
	if rules := en.cache.Get(trigger); rules != nil {
		return rules, gen, nil
	}
	rules, err := en.store.ListEnabled(ctx, trigger)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load rules: %w", err)
	}

	en.genMu.Lock()
	if en.generation == gen {
		en.cache.Set(trigger, rules)
	}
	en.genMu.Unlock()
	return rules, gen, nil
}

// current re-reads a rule when the rules changed after it was loaded. It
// returns nil if the rule was deleted, disabled or moved to another trigger.
func (en *Engine) current(ctx context.Context, rule *Rule, trigger TriggerType, gen uint64) *Rule {
	if en.currentGeneration() == gen {
		return rule
	}
	fresh, err := en.store.Get(ctx, rule.ID)
	switch {
	case errors.Is(err, ErrRuleNotFound):
		return nil
	case err != nil:
		logger.Warn("failed to reload rule, using loaded copy", "ruleId", rule.ID, "error", err)
		return rule
	case !fresh.IsEnabled || fresh.Trigger.Type != trigger:
		return nil
	}
	return fresh
}

// EvaluateRules runs every enabled rule of the context's trigger type, in
// creation order. A rule that fails is recorded in the execution log and
// never stops the rules after it. The returned error is set only when the
// candidate rules could not be loaded.
func (en *Engine) EvaluateRules(ctx context.Context, rc *RuleContext) ([]*ExecutionResult, error) {
	if rc.FamilyID != en.familyID {
		return nil, fmt.Errorf("context for family %s sent to engine for family %s", rc.FamilyID, en.familyID)
	}
	start := time.Now()
	defer func() {
		metrics.EvaluationDuration.WithLabelValues(string(rc.TriggerType)).Observe(time.Since(start).Seconds())
	}()

	rules, gen, err := en.candidates(ctx, rc.TriggerType)
	if err != nil {
		return nil, err
	}

	results := make([]*ExecutionResult, 0, len(rules))
	for _, rule := range rules {
		if rule = en.current(ctx, rule, rc.TriggerType, gen); rule == nil {
			continue
		}
		results = append(results, en.runRule(ctx, rule, rc))
	}
	return results, nil
}

func (en *Engine) runRule(ctx context.Context, rule *Rule, rc *RuleContext) *ExecutionResult {
	now := rc.Timestamp
	if now.IsZero() {
		now = en.opts.Now()
	}
	res := &ExecutionResult{RuleID: rule.ID, RuleName: rule.Name, ExecutedAt: now}
	trigger := string(rc.TriggerType)

	cr, err := en.compile(rule)
	if err != nil {
		metrics.RuleEvaluations.WithLabelValues(trigger, "invalid").Inc()
		res.Error = err.Error()
		en.record(ctx, rule, rc, res, nil)
		return res
	}

	outcome, err := en.evaluateTrigger(ctx, cr.trigger, rc)
	if err != nil {
		metrics.RuleEvaluations.WithLabelValues(trigger, "failed").Inc()
		res.Error = "trigger evaluation failed: " + err.Error()
		en.record(ctx, rule, rc, res, nil)
		return res
	}
	res.Fired = outcome.Fires

	facts := rc.Facts()
	for k, v := range outcome.Facts {
		facts[k] = v
	}
	if res.Fired {
		res.ConditionsMatched = en.conditions.evaluate(rule.Conditions, facts)
	}

	if !res.Fired || !res.ConditionsMatched {
		metrics.RuleEvaluations.WithLabelValues(trigger, "skipped").Inc()
		res.Success = true
		if en.opts.LogSkipped {
			en.record(ctx, rule, rc, res, facts)
		}
		return res
	}

	env := &actionEnv{store: en.household, rule: rule, rc: rc, now: now}
	res.Success = true
	for _, action := range cr.actions {
		ar := en.executeAction(ctx, env, action)
		res.Actions = append(res.Actions, ar)
		if !ar.Success && res.Success {
			res.Success = false
			res.Error = ar.Error
		}
	}

	if res.Success {
		metrics.RuleEvaluations.WithLabelValues(trigger, "executed").Inc()
	} else {
		metrics.RuleEvaluations.WithLabelValues(trigger, "failed").Inc()
	}
	en.record(ctx, rule, rc, res, facts)
	return res
}

// evaluateTrigger runs a trigger evaluator, turning a panic into an error.
func (en *Engine) evaluateTrigger(ctx context.Context, trigger TriggerConfig, rc *RuleContext) (outcome TriggerOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return trigger.evaluate(ctx, rc, en.household)
}

// executeAction runs one action. Failures and panics are captured in the
// result so the remaining actions still run.
func (en *Engine) executeAction(ctx context.Context, env *actionEnv, action ActionConfig) (ar ActionResult) {
	ar.Type = action.kind()
	defer func() {
		if r := recover(); r != nil {
			ar.Success = false
			ar.Details = nil
			ar.Error = fmt.Sprintf("action panicked: %v", r)
		}
		status := "success"
		if !ar.Success {
			status = "error"
		}
		metrics.ActionExecutions.WithLabelValues(string(ar.Type), status).Inc()
	}()

	details, err := action.execute(ctx, env)
	if err != nil {
		ar.Error = err.Error()
		return ar
	}
	ar.Success = true
	ar.Details = details
	return ar
}

// record appends the execution row and, after a failure, checks whether
// the rule should be disabled. Log write failures are logged, not returned.
func (en *Engine) record(ctx context.Context, rule *Rule, rc *RuleContext, res *ExecutionResult, facts map[string]any) {
	metadata := map[string]any{
		"triggerType": string(rc.TriggerType),
		"fired":       res.Fired,
	}
	if rc.MemberID != "" {
		metadata["memberId"] = rc.MemberID
	}
	if rc.TriggerID != "" {
		metadata["triggerId"] = rc.TriggerID
	}
	if res.Fired {
		metadata["conditionsMatched"] = res.ConditionsMatched
	}
	if facts != nil {
		metadata["facts"] = facts
	}

	exec := &RuleExecution{
		ID:         uuid.NewString(),
		RuleID:     rule.ID,
		FamilyID:   en.familyID,
		ExecutedAt: res.ExecutedAt,
		Success:    res.Success,
		Result:     res.Actions,
		Error:      res.Error,
		Metadata:   metadata,
	}
	if err := en.log.Append(ctx, exec); err != nil {
		logger.Error("failed to write rule execution", "ruleId", rule.ID, "familyId", en.familyID, "error", err)
		return
	}
	res.ExecutionID = exec.ID
	en.audit(ctx, rule, rc, res)

	if !res.Success {
		logger.WarnEvent(logger.EventRuleFailure, "rule execution failed", "ruleId", rule.ID, "familyId", en.familyID, "error", res.Error)
		en.checkAutoDisable(ctx, rule)
	}
}

// audit writes the RULE_EXECUTED entry for a rule that ran or failed.
// Skipped rules recorded with LogSkipped are not audited.
func (en *Engine) audit(ctx context.Context, rule *Rule, rc *RuleContext, res *ExecutionResult) {
	if res.Success && !(res.Fired && res.ConditionsMatched) {
		return
	}
	completed, failed := 0, 0
	for _, ar := range res.Actions {
		if ar.Success {
			completed++
		} else {
			failed++
		}
	}
	result := household.AuditSuccess
	if !res.Success {
		result = household.AuditFailure
	}
	err := en.household.RecordAudit(ctx, &household.AuditEntry{
		FamilyID:   en.familyID,
		MemberID:   rc.MemberID,
		Action:     household.AuditRuleExecuted,
		EntityType: "AutomationRule",
		EntityID:   rule.ID,
		Result:     result,
		Metadata: map[string]any{
			"ruleName":         rule.Name,
			"triggerType":      string(rc.TriggerType),
			"actionsCompleted": completed,
			"actionsFailed":    failed,
		},
	})
	if err != nil {
		logger.Error("failed to write audit entry", "ruleId", rule.ID, "error", err)
	}
}

// checkAutoDisable disables a rule whose last MaxConsecutiveFailures
// executions all failed and notifies its creator.
func (en *Engine) checkAutoDisable(ctx context.Context, rule *Rule) {
	limit := en.opts.Limits.MaxConsecutiveFailures
	if limit <= 0 {
		return
	}
	recent, err := en.log.ListByRule(ctx, rule.ID, limit, 0)
	if err != nil {
		logger.Error("failed to read recent executions", "ruleId", rule.ID, "error", err)
		return
	}
	if len(recent) < limit {
		return
	}
	for _, exec := range recent {
		if exec.Success {
			return
		}
	}

	if err := en.store.SetEnabled(ctx, rule.ID, false); err != nil {
		logger.Error("failed to auto-disable rule", "ruleId", rule.ID, "error", err)
		return
	}
	en.forget(rule.ID)
	metrics.RulesAutoDisabled.Inc()
	logger.Warn("rule auto-disabled after consecutive failures", "ruleId", rule.ID, "familyId", en.familyID, "failures", limit)

	if rule.CreatedByID == "" {
		return
	}
	err = en.household.CreateNotifications(ctx, []*household.Notification{{
		FamilyID:  en.familyID,
		MemberID:  rule.CreatedByID,
		Title:     "Automation Rule Disabled",
		Message:   fmt.Sprintf("Rule %q has been automatically disabled after %d consecutive failures. Please review the rule configuration.", rule.Name, limit),
		ActionURL: "/dashboard/rules/" + rule.ID,
		Metadata:  map[string]any{"ruleId": rule.ID, "reason": "consecutive_failures"},
	}})
	if err != nil {
		logger.Error("failed to notify rule creator", "ruleId", rule.ID, "error", err)
	}
}

// AddRule validates and stores a new rule. An empty ID is assigned.
func (en *Engine) AddRule(ctx context.Context, r *Rule) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.FamilyID = en.familyID
	if res := en.validator.ValidateRule(r); !res.Valid {
		return &ValidationError{Errors: res.Errors}
	}
	if err := en.conditions.compile(r.Conditions); err != nil {
		return &ValidationError{Errors: []string{err.Error()}}
	}

	if err := en.store.Add(ctx, r); err != nil {
		return err
	}
	en.invalidate()
	logger.Info("rule created", "ruleId", r.ID, "familyId", en.familyID, "trigger", r.Trigger.Type)
	return nil
}

// UpdateRule validates and replaces an existing rule.
func (en *Engine) UpdateRule(ctx context.Context, r *Rule) error {
	r.FamilyID = en.familyID
	if res := en.validator.ValidateRule(r); !res.Valid {
		return &ValidationError{Errors: res.Errors}
	}
	if err := en.conditions.compile(r.Conditions); err != nil {
		return &ValidationError{Errors: []string{err.Error()}}
	}

	if err := en.store.Update(ctx, r); err != nil {
		return err
	}
	en.forget(r.ID)
	return nil
}

// SetRuleEnabled enables or disables a rule.
func (en *Engine) SetRuleEnabled(ctx context.Context, ruleID string, enabled bool) error {
	if err := en.store.SetEnabled(ctx, ruleID, enabled); err != nil {
		return err
	}
	en.forget(ruleID)
	return nil
}

// DeleteRule removes a rule. Its execution history is kept.
func (en *Engine) DeleteRule(ctx context.Context, ruleID string) error {
	if err := en.store.Delete(ctx, ruleID); err != nil {
		return err
	}
	en.forget(ruleID)
	return nil
}

// GetRule returns one rule.
func (en *Engine) GetRule(ctx context.Context, ruleID string) (*Rule, error) {
	return en.store.Get(ctx, ruleID)
}

// ListRules returns the family's rules newest first.
func (en *Engine) ListRules(ctx context.Context, filter ListFilter) ([]*Rule, error) {
	return en.store.List(ctx, filter)
}

// ExecutionHistory returns a rule's executions newest first.
func (en *Engine) ExecutionHistory(ctx context.Context, ruleID string, limit, offset int) ([]*RuleExecution, error) {
	return en.log.ListByRule(ctx, ruleID, limit, offset)
}

// ExecutionStats aggregates a rule's execution log.
func (en *Engine) ExecutionStats(ctx context.Context, ruleID string) (ExecutionStats, error) {
	return en.log.Stats(ctx, ruleID)
}

// SimulatedAction describes what one action would do.
type SimulatedAction struct {
	Type         ActionType `json:"type"`
	WouldExecute bool       `json:"wouldExecute"`
	Simulation   string     `json:"simulation"`
}

// DryRunResult reports what a rule would do for a context without
// performing any writes.
type DryRunResult struct {
	WouldExecute        bool              `json:"wouldExecute"`
	TriggerEvaluated    bool              `json:"triggerEvaluated"`
	ConditionsEvaluated bool              `json:"conditionsEvaluated"`
	Actions             []SimulatedAction `json:"actions"`
	Errors              []string          `json:"errors"`
	Warnings            []string          `json:"warnings"`
}

// DryRun evaluates a stored rule's trigger and conditions against rc and
// describes its actions. Trigger evaluators may read the household store;
// nothing is written and no execution row is recorded.
func (en *Engine) DryRun(ctx context.Context, ruleID string, rc *RuleContext) (*DryRunResult, error) {
	rule, err := en.store.Get(ctx, ruleID)
	if err != nil {
		return nil, err
	}

	out := &DryRunResult{
		Actions:  []SimulatedAction{},
		Errors:   []string{},
		Warnings: DetectLoopRisk(rule.Trigger.Type, rule.Actions),
	}
	if out.Warnings == nil {
		out.Warnings = []string{}
	}

	cr, err := en.compile(rule)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			out.Errors = append(out.Errors, verr.Errors...)
		} else {
			out.Errors = append(out.Errors, err.Error())
		}
		return out, nil
	}

	local := *rc
	rc = &local
	if rc.FamilyID == "" {
		rc.FamilyID = en.familyID
	}
	if rc.TriggerType == "" {
		rc.TriggerType = rule.Trigger.Type
	}

	outcome, err := en.evaluateTrigger(ctx, cr.trigger, rc)
	if err != nil {
		out.Errors = append(out.Errors, "trigger evaluation failed: "+err.Error())
	}
	out.TriggerEvaluated = outcome.Fires

	facts := rc.Facts()
	for k, v := range outcome.Facts {
		facts[k] = v
	}
	out.ConditionsEvaluated = en.conditions.evaluate(rule.Conditions, facts)
	out.WouldExecute = out.TriggerEvaluated && out.ConditionsEvaluated

	for _, action := range cr.actions {
		out.Actions = append(out.Actions, SimulatedAction{
			Type:         action.kind(),
			WouldExecute: out.WouldExecute,
			Simulation:   action.simulate(),
		})
	}
	return out, nil
}
