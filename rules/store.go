package rules

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"
)

// RuleStore persists one family's rules.
type RuleStore interface {
	// Add stores a new rule. The ID must be unique.
	Add(ctx context.Context, rule *Rule) error

	// Get returns a rule by ID, or ErrRuleNotFound.
	Get(ctx context.Context, id string) (*Rule, error)

	// List returns rules newest first.
	List(ctx context.Context, filter ListFilter) ([]*Rule, error)

	// ListEnabled returns enabled rules for a trigger type in creation
	// order, which is the order they are evaluated in.
	ListEnabled(ctx context.Context, trigger TriggerType) ([]*Rule, error)

	// Update replaces a rule's definition, preserving CreatedAt.
	Update(ctx context.Context, rule *Rule) error

	// SetEnabled toggles a rule without touching its definition.
	SetEnabled(ctx context.Context, id string, enabled bool) error

	// Delete removes a rule. Its execution log is kept.
	Delete(ctx context.Context, id string) error
}

// ListFilter narrows RuleStore.List. Zero values mean no restriction.
type ListFilter struct {
	Enabled     *bool
	TriggerType TriggerType
	Limit       int
	Offset      int
}

func (f ListFilter) matches(r *Rule) bool {
	if f.Enabled != nil && r.IsEnabled != *f.Enabled {
		return false
	}
	return f.TriggerType == "" || r.Trigger.Type == f.TriggerType
}

// ExecutionLog is the append-only record of rule executions for one family.
type ExecutionLog interface {
	Append(ctx context.Context, exec *RuleExecution) error

	// ListByRule returns a rule's executions newest first.
	ListByRule(ctx context.Context, ruleID string, limit, offset int) ([]*RuleExecution, error)

	// Stats aggregates every execution of a rule.
	Stats(ctx context.Context, ruleID string) (ExecutionStats, error)
}

// InMemoryRuleStore implements RuleStore using an in-memory map
type InMemoryRuleStore struct {
	rules map[string]*Rule
	order []string
	mu    sync.RWMutex
}

// NewInMemoryRuleStore creates a new in-memory rule store
func NewInMemoryRuleStore() *InMemoryRuleStore {
	return &InMemoryRuleStore{
		rules: make(map[string]*Rule),
	}
}

func (s *InMemoryRuleStore) Add(ctx context.Context, rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[rule.ID]; exists {
		return fmt.Errorf("rule %s: %w", rule.ID, ErrRuleExists)
	}

	now := time.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	s.rules[rule.ID] = cloneRule(rule)
	s.order = append(s.order, rule.ID)
	return nil
}

func (s *InMemoryRuleStore) Get(ctx context.Context, id string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, exists := s.rules[id]
	if !exists {
		return nil, fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	return cloneRule(rule), nil
}

func (s *InMemoryRuleStore) List(ctx context.Context, filter ListFilter) ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Rule
	for _, id := range slices.Backward(s.order) {
		if r := s.rules[id]; filter.matches(r) {
			out = append(out, cloneRule(r))
		}
	}
	return paginate(out, filter.Limit, filter.Offset), nil
}

func (s *InMemoryRuleStore) ListEnabled(ctx context.Context, trigger TriggerType) ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Rule
	for _, id := range s.order {
		if r := s.rules[id]; r.IsEnabled && r.Trigger.Type == trigger {
			out = append(out, cloneRule(r))
		}
	}
	return out, nil
}

func (s *InMemoryRuleStore) Update(ctx context.Context, rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.rules[rule.ID]
	if !exists {
		return fmt.Errorf("rule %s: %w", rule.ID, ErrRuleNotFound)
	}

	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = time.Now()
	s.rules[rule.ID] = cloneRule(rule)
	return nil
}

func (s *InMemoryRuleStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, exists := s.rules[id]
	if !exists {
		return fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	rule.IsEnabled = enabled
	rule.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryRuleStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[id]; !exists {
		return fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	delete(s.rules, id)
	s.order = slices.DeleteFunc(s.order, func(x string) bool { return x == id })
	return nil
}

// cloneRule copies the parts of a rule callers could mutate.
func cloneRule(r *Rule) *Rule {
	c := *r
	c.Actions = slices.Clone(r.Actions)
	if r.Conditions != nil {
		conds := *r.Conditions
		conds.Rules = slices.Clone(r.Conditions.Rules)
		c.Conditions = &conds
	}
	return &c
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// InMemoryExecutionLog implements ExecutionLog in memory.
type InMemoryExecutionLog struct {
	rows []*RuleExecution
	mu   sync.RWMutex
}

func NewInMemoryExecutionLog() *InMemoryExecutionLog {
	return &InMemoryExecutionLog{}
}

func (l *InMemoryExecutionLog) Append(ctx context.Context, exec *RuleExecution) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	row := *exec
	l.rows = append(l.rows, &row)
	return nil
}

func (l *InMemoryExecutionLog) ListByRule(ctx context.Context, ruleID string, limit, offset int) ([]*RuleExecution, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*RuleExecution
	for _, row := range slices.Backward(l.rows) {
		if row.RuleID == ruleID {
			c := *row
			out = append(out, &c)
		}
	}
	return paginate(out, limit, offset), nil
}

func (l *InMemoryExecutionLog) Stats(ctx context.Context, ruleID string) (ExecutionStats, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var stats ExecutionStats
	for _, row := range l.rows {
		if row.RuleID != ruleID {
			continue
		}
		stats.TotalExecutions++
		if row.Success {
			stats.SuccessfulExecutions++
		}
		if stats.LastExecutionAt == nil || !row.ExecutedAt.Before(*stats.LastExecutionAt) {
			at, ok := row.ExecutedAt, row.Success
			stats.LastExecutionAt = &at
			stats.LastExecutionSuccess = &ok
		}
	}
	return finishStats(stats), nil
}

// All returns every row in append order.
func (l *InMemoryExecutionLog) All() []*RuleExecution {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.rows)
}

func finishStats(s ExecutionStats) ExecutionStats {
	s.FailedExecutions = s.TotalExecutions - s.SuccessfulExecutions
	if s.TotalExecutions > 0 {
		s.SuccessRate = int(math.Round(float64(s.SuccessfulExecutions) * 100 / float64(s.TotalExecutions)))
	}
	return s
}
