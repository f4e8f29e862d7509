package household

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed household store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) ListFamilyIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT family_id FROM family_members WHERE is_active = true ORDER BY family_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list families: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan family id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) ListMembers(ctx context.Context, familyID string) ([]*Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, family_id, name, role, birth_date, is_active
		FROM family_members
		WHERE family_id = $1 AND is_active = true
		ORDER BY name, id
	`, familyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	var members []*Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating members: %w", err)
	}
	return members, nil
}

func (s *PostgresStore) GetMember(ctx context.Context, familyID, memberID string) (*Member, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, family_id, name, role, birth_date, is_active
		FROM family_members
		WHERE id = $1 AND family_id = $2
	`, memberID, familyID)
	m, err := scanMember(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("member %s: %w", memberID, ErrNotFound)
	}
	return m, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMember(row scanner) (*Member, error) {
	var m Member
	var birth sql.NullTime
	if err := row.Scan(&m.ID, &m.FamilyID, &m.Name, &m.Role, &birth, &m.IsActive); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan member: %w", err)
	}
	if birth.Valid {
		m.BirthDate = &birth.Time
	}
	return &m, nil
}

func (s *PostgresStore) GetInventoryItem(ctx context.Context, familyID, itemID string) (*InventoryItem, error) {
	var i InventoryItem
	err := s.db.QueryRowContext(ctx, `
		SELECT id, family_id, name, category, current_quantity, max_quantity, min_quantity
		FROM inventory_items
		WHERE id = $1 AND family_id = $2
	`, itemID, familyID).Scan(&i.ID, &i.FamilyID, &i.Name, &i.Category,
		&i.CurrentQuantity, &i.MaxQuantity, &i.MinQuantity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("inventory item %s: %w", itemID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get inventory item: %w", err)
	}
	return &i, nil
}

func (s *PostgresStore) CountCalendarEvents(ctx context.Context, familyID string, from, to time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM calendar_events
		WHERE family_id = $1 AND start_time >= $2 AND start_time < $3
	`, familyID, from, to).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count calendar events: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) GetRoutine(ctx context.Context, familyID, routineID string) (*Routine, error) {
	var r Routine
	err := s.db.QueryRowContext(ctx, `
		SELECT id, family_id, name, type FROM routines WHERE id = $1 AND family_id = $2
	`, routineID, familyID).Scan(&r.ID, &r.FamilyID, &r.Name, &r.Type)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("routine %s: %w", routineID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get routine: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) AwardCredits(ctx context.Context, familyID, memberID string, amount decimal.Decimal, reason string) (*CreditTransaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM family_members WHERE id = $1 AND family_id = $2)
	`, memberID, familyID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check member: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("member %s: %w", memberID, ErrNotFound)
	}

	var balance decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		INSERT INTO credit_balances (member_id, current_balance, lifetime_earned)
		VALUES ($1, $2, $2)
		ON CONFLICT (member_id) DO UPDATE
		SET current_balance = credit_balances.current_balance + EXCLUDED.current_balance,
		    lifetime_earned = credit_balances.lifetime_earned + EXCLUDED.lifetime_earned
		RETURNING current_balance
	`, memberID, amount).Scan(&balance)
	if err != nil {
		return nil, fmt.Errorf("failed to update credit balance: %w", err)
	}

	ct := &CreditTransaction{
		ID:           uuid.NewString(),
		FamilyID:     familyID,
		MemberID:     memberID,
		Type:         CreditTypeBonus,
		Amount:       amount,
		BalanceAfter: balance,
		Reason:       reason,
		CreatedAt:    time.Now(),
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, family_id, member_id, type, amount, balance_after, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, ct.ID, ct.FamilyID, ct.MemberID, ct.Type, ct.Amount, ct.BalanceAfter, ct.Reason, ct.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert credit transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit credit award: %w", err)
	}
	return ct, nil
}

func (s *PostgresStore) CreateNotifications(ctx context.Context, notifications []*Notification) error {
	if len(notifications) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	for _, n := range notifications {
		if n.ID == "" {
			n.ID = uuid.NewString()
		}
		n.CreatedAt = now
		meta, err := marshalJSON(n.Metadata)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO notifications (id, family_id, member_id, title, message, action_url, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)
		`, n.ID, n.FamilyID, n.MemberID, n.Title, n.Message, n.ActionURL, meta, n.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert notification: %w", err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) RecordAudit(ctx context.Context, entry *AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.CreatedAt = time.Now()
	meta, err := marshalJSON(entry.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, family_id, member_id, action, entity_type, entity_id, result, metadata, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9)
	`, entry.ID, entry.FamilyID, entry.MemberID, entry.Action, entry.EntityType, entry.EntityID, entry.Result, meta, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) ActiveShoppingList(ctx context.Context, familyID string) (*ShoppingList, error) {
	l := ShoppingList{FamilyID: familyID, IsActive: true}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name FROM shopping_lists WHERE family_id = $1 AND is_active = true
		ORDER BY created_at LIMIT 1
	`, familyID).Scan(&l.ID, &l.Name)
	if err == nil {
		return &l, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to get shopping list: %w", err)
	}

	l.ID = uuid.NewString()
	l.Name = "Shopping List"
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO shopping_lists (id, family_id, name, is_active, created_at)
		VALUES ($1, $2, $3, true, NOW())
	`, l.ID, l.FamilyID, l.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to create shopping list: %w", err)
	}
	return &l, nil
}

func (s *PostgresStore) AddShoppingItem(ctx context.Context, item *ShoppingItem) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	item.CreatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shopping_items (id, list_id, name, quantity, category, priority, notes, requested_by_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10)
	`, item.ID, item.ListID, item.Name, item.Quantity, item.Category, item.Priority,
		item.Notes, item.RequestedByID, item.Status, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert shopping item: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateTodo(ctx context.Context, todo *Todo) error {
	if todo.ID == "" {
		todo.ID = uuid.NewString()
	}
	todo.CreatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO todo_items (id, family_id, title, description, assigned_to_id, priority, category, due_date, created_by_id, status, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, NULLIF($7, ''), $8, $9, $10, $11)
	`, todo.ID, todo.FamilyID, todo.Title, todo.Description, todo.AssignedToID, todo.Priority,
		todo.Category, todo.DueDate, todo.CreatedByID, todo.Status, todo.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert todo: %w", err)
	}
	return nil
}

func (s *PostgresStore) LockMedication(ctx context.Context, familyID, medicationID string, until time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE medications SET next_dose_available_at = $1 WHERE id = $2 AND family_id = $3
	`, until, medicationID, familyID)
	if err != nil {
		return fmt.Errorf("failed to lock medication: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("medication %s: %w", medicationID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) FindRecipes(ctx context.Context, familyID string, filter RecipeFilter, limit int) ([]*Recipe, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, family_id, name, category, difficulty
		FROM recipes
		WHERE family_id = $1
		  AND ($2 = '' OR category = $2)
		  AND ($3 = '' OR difficulty = $3)
		ORDER BY name
		LIMIT $4
	`, familyID, filter.Category, filter.Difficulty, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find recipes: %w", err)
	}
	defer rows.Close()

	var out []*Recipe
	for rows.Next() {
		var r Recipe
		if err := rows.Scan(&r.ID, &r.FamilyID, &r.Name, &r.Category, &r.Difficulty); err != nil {
			return nil, fmt.Errorf("failed to scan recipe: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateMealSuggestion(ctx context.Context, suggestion *MealSuggestion) error {
	if suggestion.ID == "" {
		suggestion.ID = uuid.NewString()
	}
	suggestion.CreatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meal_suggestions (id, family_id, recipe_ids, reason, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, suggestion.ID, suggestion.FamilyID, pq.Array(suggestion.RecipeIDs), suggestion.Reason, suggestion.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert meal suggestion: %w", err)
	}
	return nil
}

func (s *PostgresStore) PendingChores(ctx context.Context, familyID, memberID string, dueBefore time.Time) ([]*ChoreInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, family_id, chore_definition_id, assigned_to_id, status, due_date
		FROM chore_instances
		WHERE family_id = $1 AND assigned_to_id = $2 AND status = $3 AND due_date < $4
		ORDER BY due_date ASC
	`, familyID, memberID, ChoreStatusPending, dueBefore)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending chores: %w", err)
	}
	defer rows.Close()

	var out []*ChoreInstance
	for rows.Next() {
		var c ChoreInstance
		if err := rows.Scan(&c.ID, &c.FamilyID, &c.ChoreDefinitionID, &c.AssignedToID, &c.Status, &c.DueDate); err != nil {
			return nil, fmt.Errorf("failed to scan chore: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SkipChores(ctx context.Context, familyID string, choreIDs []string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chore_instances SET status = $1 WHERE family_id = $2 AND id = ANY($3)
	`, ChoreStatusSkipped, familyID, pq.Array(choreIDs))
	if err != nil {
		return fmt.Errorf("failed to skip chores: %w", err)
	}
	return nil
}

func (s *PostgresStore) AdjustScreenTime(ctx context.Context, familyID, memberID string, minutes int, reason, createdByID string) (*ScreenTimeTransaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var balance int
	err = tx.QueryRowContext(ctx, `
		UPDATE screen_time_balances b
		SET current_balance_minutes = GREATEST(0, b.current_balance_minutes + $1)
		FROM family_members m
		WHERE b.member_id = $2 AND m.id = b.member_id AND m.family_id = $3
		RETURNING b.current_balance_minutes
	`, minutes, memberID, familyID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("screen time balance for %s: %w", memberID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update screen time balance: %w", err)
	}

	st := &ScreenTimeTransaction{
		ID:            uuid.NewString(),
		MemberID:      memberID,
		Type:          screenTimeTxType(minutes),
		AmountMinutes: abs(minutes),
		BalanceAfter:  balance,
		Reason:        reason,
		CreatedByID:   createdByID,
		CreatedAt:     time.Now(),
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO screen_time_transactions (id, member_id, type, amount_minutes, balance_after, reason, created_by_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, st.ID, st.MemberID, st.Type, st.AmountMinutes, st.BalanceAfter, st.Reason, st.CreatedByID, st.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert screen time transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit screen time adjustment: %w", err)
	}
	return st, nil
}

// marshalJSON returns an untyped nil for a nil map so the driver writes NULL.
func marshalJSON(v map[string]any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return b, nil
}
