package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresRuleStore implements RuleStore backed by PostgreSQL for a single
// family.
type PostgresRuleStore struct {
	db       *sql.DB
	familyID string
}

// NewPostgresRuleStore creates a new PostgreSQL-backed RuleStore for a specific family
func NewPostgresRuleStore(db *sql.DB, familyID string) *PostgresRuleStore {
	return &PostgresRuleStore{
		db:       db,
		familyID: familyID,
	}
}

const ruleColumns = `id, family_id, created_by_id, name, description, trigger, conditions, actions, is_enabled, created_at, updated_at`

func (s *PostgresRuleStore) Add(ctx context.Context, rule *Rule) error {
	trigger, conditions, actions, err := marshalRuleJSON(rule)
	if err != nil {
		return err
	}

	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO automation_rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (id) DO NOTHING
	`, rule.ID, s.familyID, rule.CreatedByID, rule.Name, rule.Description,
		trigger, conditions, actions, rule.IsEnabled, now)
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	} else if n == 0 {
		return fmt.Errorf("rule %s: %w", rule.ID, ErrRuleExists)
	}

	rule.FamilyID = s.familyID
	rule.CreatedAt = now
	rule.UpdatedAt = now
	return nil
}

func (s *PostgresRuleStore) Get(ctx context.Context, id string) (*Rule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+ruleColumns+`
		FROM automation_rules
		WHERE id = $1 AND family_id = $2
	`, id, s.familyID)

	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

func (s *PostgresRuleStore) List(ctx context.Context, filter ListFilter) ([]*Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM automation_rules WHERE family_id = $1`
	args := []any{s.familyID}
	if filter.Enabled != nil {
		args = append(args, *filter.Enabled)
		query += fmt.Sprintf(" AND is_enabled = $%d", len(args))
	}
	if filter.TriggerType != "" {
		args = append(args, string(filter.TriggerType))
		query += fmt.Sprintf(" AND trigger->>'type' = $%d", len(args))
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return s.queryRules(ctx, query, args...)
}

func (s *PostgresRuleStore) ListEnabled(ctx context.Context, trigger TriggerType) ([]*Rule, error) {
	return s.queryRules(ctx, `
		SELECT `+ruleColumns+`
		FROM automation_rules
		WHERE family_id = $1 AND is_enabled = true AND trigger->>'type' = $2
		ORDER BY created_at ASC, id
	`, s.familyID, string(trigger))
}

func (s *PostgresRuleStore) queryRules(ctx context.Context, query string, args ...any) ([]*Rule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rulesList []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rulesList = append(rulesList, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}
	return rulesList, nil
}

func (s *PostgresRuleStore) Update(ctx context.Context, rule *Rule) error {
	trigger, conditions, actions, err := marshalRuleJSON(rule)
	if err != nil {
		return err
	}

	var createdAt time.Time
	rule.UpdatedAt = time.Now()
	err = s.db.QueryRowContext(ctx, `
		UPDATE automation_rules
		SET name = $1, description = $2, trigger = $3, conditions = $4, actions = $5,
		    is_enabled = $6, updated_at = $7
		WHERE id = $8 AND family_id = $9
		RETURNING created_at
	`, rule.Name, rule.Description, trigger, conditions, actions,
		rule.IsEnabled, rule.UpdatedAt, rule.ID, s.familyID).Scan(&createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("rule %s: %w", rule.ID, ErrRuleNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	rule.CreatedAt = createdAt
	return nil
}

func (s *PostgresRuleStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return s.execOne(ctx, id, `
		UPDATE automation_rules SET is_enabled = $1, updated_at = NOW()
		WHERE id = $2 AND family_id = $3
	`, enabled, id, s.familyID)
}

func (s *PostgresRuleStore) Delete(ctx context.Context, id string) error {
	return s.execOne(ctx, id, `
		DELETE FROM automation_rules
		WHERE id = $1 AND family_id = $2
	`, id, s.familyID)
}

func (s *PostgresRuleStore) execOne(ctx context.Context, id, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to write rule: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRule(row scanner) (*Rule, error) {
	var (
		r                Rule
		description      sql.NullString
		trigger, actions []byte
		conditions       []byte
	)
	if err := row.Scan(&r.ID, &r.FamilyID, &r.CreatedByID, &r.Name, &description,
		&trigger, &conditions, &actions, &r.IsEnabled, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Description = description.String
	if err := json.Unmarshal(trigger, &r.Trigger); err != nil {
		return nil, fmt.Errorf("invalid trigger for rule %s: %w", r.ID, err)
	}
	if len(conditions) > 0 && string(conditions) != "null" {
		r.Conditions = &Conditions{}
		if err := json.Unmarshal(conditions, r.Conditions); err != nil {
			return nil, fmt.Errorf("invalid conditions for rule %s: %w", r.ID, err)
		}
	}
	if err := json.Unmarshal(actions, &r.Actions); err != nil {
		return nil, fmt.Errorf("invalid actions for rule %s: %w", r.ID, err)
	}
	return &r, nil
}

// marshalRuleJSON encodes the JSONB columns. conditions stays an untyped
// nil when the rule has none so the column is NULL.
func marshalRuleJSON(rule *Rule) (trigger []byte, conditions any, actions []byte, err error) {
	if trigger, err = json.Marshal(rule.Trigger); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to encode trigger: %w", err)
	}
	if rule.Conditions != nil {
		raw, err := json.Marshal(rule.Conditions)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to encode conditions: %w", err)
		}
		conditions = raw
	}
	if actions, err = json.Marshal(rule.Actions); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to encode actions: %w", err)
	}
	return trigger, conditions, actions, nil
}

// PostgresExecutionLog implements ExecutionLog on the rule_executions table.
type PostgresExecutionLog struct {
	db       *sql.DB
	familyID string
}

func NewPostgresExecutionLog(db *sql.DB, familyID string) *PostgresExecutionLog {
	return &PostgresExecutionLog{db: db, familyID: familyID}
}

func (l *PostgresExecutionLog) Append(ctx context.Context, exec *RuleExecution) error {
	result, err := json.Marshal(exec.Result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	metadata, err := json.Marshal(exec.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO rule_executions (id, rule_id, family_id, executed_at, success, result, error, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)
	`, exec.ID, exec.RuleID, l.familyID, exec.ExecutedAt, exec.Success, result, exec.Error, metadata)
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

func (l *PostgresExecutionLog) ListByRule(ctx context.Context, ruleID string, limit, offset int) ([]*RuleExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, rule_id, family_id, executed_at, success, result, error, metadata
		FROM rule_executions
		WHERE family_id = $1 AND rule_id = $2
		ORDER BY executed_at DESC, id
		LIMIT $3 OFFSET $4
	`, l.familyID, ruleID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var out []*RuleExecution
	for rows.Next() {
		var (
			e                RuleExecution
			result, metadata []byte
			errMsg           sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.RuleID, &e.FamilyID, &e.ExecutedAt, &e.Success, &result, &errMsg, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		e.Error = errMsg.String
		if len(result) > 0 {
			if err := json.Unmarshal(result, &e.Result); err != nil {
				return nil, fmt.Errorf("invalid result for execution %s: %w", e.ID, err)
			}
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("invalid metadata for execution %s: %w", e.ID, err)
			}
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}
	return out, nil
}

func (l *PostgresExecutionLog) Stats(ctx context.Context, ruleID string) (ExecutionStats, error) {
	var stats ExecutionStats
	err := l.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE success)
		FROM rule_executions
		WHERE family_id = $1 AND rule_id = $2
	`, l.familyID, ruleID).Scan(&stats.TotalExecutions, &stats.SuccessfulExecutions)
	if err != nil {
		return stats, fmt.Errorf("failed to count executions: %w", err)
	}
	if stats.TotalExecutions == 0 {
		return stats, nil
	}

	var (
		at      time.Time
		success bool
	)
	err = l.db.QueryRowContext(ctx, `
		SELECT executed_at, success
		FROM rule_executions
		WHERE family_id = $1 AND rule_id = $2
		ORDER BY executed_at DESC, id
		LIMIT 1
	`, l.familyID, ruleID).Scan(&at, &success)
	if err != nil {
		return stats, fmt.Errorf("failed to read last execution: %w", err)
	}
	stats.LastExecutionAt = &at
	stats.LastExecutionSuccess = &success
	return finishStats(stats), nil
}
