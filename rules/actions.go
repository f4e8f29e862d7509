package rules

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/liamcoop/hearth/household"
	"github.com/shopspring/decimal"
)

// Special send_notification recipients.
const (
	RecipientAll     = "all"
	RecipientParents = "parents"
	RecipientChild   = "child"
)

var (
	shoppingPriorities = []string{"NORMAL", "NEEDED_SOON", "URGENT"}
	todoPriorities     = []string{"LOW", "MEDIUM", "HIGH", "URGENT"}
	mealDifficulties   = []string{"EASY", "MEDIUM", "HARD"}
)

var errNoMember = errors.New("no member to act on: set memberId or trigger from a member event")

// targetMember picks the configured member, falling back to the one who
// triggered the event.
func (env *actionEnv) targetMember(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if env.rc.MemberID != "" {
		return env.rc.MemberID, nil
	}
	return "", errNoMember
}

func (env *actionEnv) metadata() map[string]any {
	return map[string]any{
		"triggeredBy": "automation_rule",
		"ruleId":      env.rule.ID,
		"familyId":    env.rule.FamilyID,
	}
}

// AwardCreditsConfig grants credits to a member.
type AwardCreditsConfig struct {
	Amount   float64 `json:"amount"`
	MemberID string  `json:"memberId,omitempty"`
	Reason   string  `json:"reason,omitempty"`
}

func (c *AwardCreditsConfig) kind() ActionType { return ActionAwardCredits }

func (c *AwardCreditsConfig) validate(v *Validator) []string {
	max := float64(v.Limits.MaxCreditsPerAction)
	if c.Amount != math.Trunc(c.Amount) || c.Amount < 1 || c.Amount > max {
		return []string{fmt.Sprintf("award_credits amount must be a whole number between 1 and %d", v.Limits.MaxCreditsPerAction)}
	}
	return nil
}

func (c *AwardCreditsConfig) execute(ctx context.Context, env *actionEnv) (map[string]any, error) {
	memberID, err := env.targetMember(c.MemberID)
	if err != nil {
		return nil, err
	}
	reason := c.Reason
	if reason == "" {
		reason = env.rule.Name
	}

	tx, err := env.store.AwardCredits(ctx, env.rule.FamilyID, memberID, decimal.NewFromFloat(c.Amount), reason)
	if err != nil {
		return nil, fmt.Errorf("award credits: %w", err)
	}
	return map[string]any{
		"transactionId": tx.ID,
		"memberId":      memberID,
		"amount":        tx.Amount.String(),
		"newBalance":    tx.BalanceAfter.String(),
	}, nil
}

func (c *AwardCreditsConfig) simulate() string {
	return fmt.Sprintf("Would award %s credits to member", decimal.NewFromFloat(c.Amount))
}

// SendNotificationConfig notifies members. Recipients are member IDs or the
// tokens all, parents and child.
type SendNotificationConfig struct {
	Recipients []string `json:"recipients"`
	Title      string   `json:"title"`
	Message    string   `json:"message"`
	ActionURL  string   `json:"actionUrl,omitempty"`
}

func (c *SendNotificationConfig) kind() ActionType { return ActionSendNotification }

func (c *SendNotificationConfig) validate(v *Validator) []string {
	var errs []string
	if n := len(c.Recipients); n < 1 || n > v.Limits.MaxNotificationsPerExecution {
		errs = append(errs, fmt.Sprintf("send_notification requires between 1 and %d recipients", v.Limits.MaxNotificationsPerExecution))
	}
	for _, r := range c.Recipients {
		if strings.TrimSpace(r) == "" {
			errs = append(errs, "send_notification recipients must not be empty")
			break
		}
	}
	if strings.TrimSpace(c.Title) == "" {
		errs = append(errs, "send_notification requires a title")
	}
	if strings.TrimSpace(c.Message) == "" {
		errs = append(errs, "send_notification requires a message")
	}
	return errs
}

func (c *SendNotificationConfig) resolve(ctx context.Context, env *actionEnv) ([]string, error) {
	var ids []string
	for _, r := range c.Recipients {
		switch r {
		case RecipientAll, RecipientParents:
			members, err := env.store.ListMembers(ctx, env.rule.FamilyID)
			if err != nil {
				return nil, err
			}
			for _, m := range members {
				if r == RecipientAll || m.Role == household.RoleParent {
					ids = append(ids, m.ID)
				}
			}
		case RecipientChild:
			if env.rc.MemberID != "" {
				ids = append(ids, env.rc.MemberID)
			}
		default:
			ids = append(ids, r)
		}
	}

	seen := make(map[string]bool, len(ids))
	unique := ids[:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}
	return unique, nil
}

func (c *SendNotificationConfig) execute(ctx context.Context, env *actionEnv) (map[string]any, error) {
	recipients, err := c.resolve(ctx, env)
	if err != nil {
		return nil, fmt.Errorf("resolve recipients: %w", err)
	}
	if len(recipients) == 0 {
		return nil, errors.New("no recipients resolved")
	}

	notifications := make([]*household.Notification, 0, len(recipients))
	for _, id := range recipients {
		notifications = append(notifications, &household.Notification{
			FamilyID:  env.rule.FamilyID,
			MemberID:  id,
			Title:     c.Title,
			Message:   c.Message,
			ActionURL: c.ActionURL,
			Metadata:  env.metadata(),
		})
	}
	if err := env.store.CreateNotifications(ctx, notifications); err != nil {
		return nil, fmt.Errorf("create notifications: %w", err)
	}
	return map[string]any{
		"notificationsSent": len(recipients),
		"recipients":        recipients,
	}, nil
}

func (c *SendNotificationConfig) simulate() string {
	return fmt.Sprintf("Would send notification: %q to %d recipient(s)", c.Title, len(c.Recipients))
}

// AddShoppingItemConfig adds an item to the family's active shopping list.
// With FromInventory the name comes from the inventory item that fired the
// rule.
type AddShoppingItemConfig struct {
	ItemName      string `json:"itemName,omitempty"`
	Quantity      *int   `json:"quantity,omitempty"`
	Category      string `json:"category,omitempty"`
	Priority      string `json:"priority,omitempty"`
	FromInventory bool   `json:"fromInventory,omitempty"`
	Notes         string `json:"notes,omitempty"`
}

func (c *AddShoppingItemConfig) kind() ActionType { return ActionAddShoppingItem }

func (c *AddShoppingItemConfig) validate(v *Validator) []string {
	var errs []string
	if strings.TrimSpace(c.ItemName) == "" && !c.FromInventory {
		errs = append(errs, "add_shopping_item requires itemName unless fromInventory is set")
	}
	if c.Quantity != nil && *c.Quantity < 1 {
		errs = append(errs, "add_shopping_item quantity must be at least 1")
	}
	if c.Priority != "" && !slices.Contains(shoppingPriorities, c.Priority) {
		errs = append(errs, "add_shopping_item priority must be NORMAL, NEEDED_SOON or URGENT")
	}
	return errs
}

func (c *AddShoppingItemConfig) itemName(ctx context.Context, env *actionEnv) (string, error) {
	if ev := env.rc.Inventory; c.FromInventory && ev != nil {
		if ev.ItemName != "" {
			return ev.ItemName, nil
		}
		if ev.ItemID != "" {
			item, err := env.store.GetInventoryItem(ctx, env.rule.FamilyID, ev.ItemID)
			if err != nil {
				return "", fmt.Errorf("look up inventory item: %w", err)
			}
			return item.Name, nil
		}
	}
	return strings.TrimSpace(c.ItemName), nil
}

func (c *AddShoppingItemConfig) execute(ctx context.Context, env *actionEnv) (map[string]any, error) {
	name, err := c.itemName(ctx, env)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, errors.New("shopping item requires a name")
	}

	parent, err := household.FirstParent(ctx, env.store, env.rule.FamilyID)
	if err != nil {
		return nil, err
	}
	list, err := env.store.ActiveShoppingList(ctx, env.rule.FamilyID)
	if err != nil {
		return nil, fmt.Errorf("shopping list: %w", err)
	}

	item := &household.ShoppingItem{
		ListID:        list.ID,
		Name:          name,
		Quantity:      1,
		Category:      orDefault(c.Category, "OTHER"),
		Priority:      orDefault(c.Priority, "NORMAL"),
		Notes:         c.Notes,
		RequestedByID: parent.ID,
		Status:        "PENDING",
	}
	if c.Quantity != nil {
		item.Quantity = *c.Quantity
	}
	if err := env.store.AddShoppingItem(ctx, item); err != nil {
		return nil, fmt.Errorf("add shopping item: %w", err)
	}
	return map[string]any{"itemId": item.ID, "itemName": item.Name, "listId": list.ID}, nil
}

func (c *AddShoppingItemConfig) simulate() string {
	name := c.ItemName
	if name == "" {
		name = "inventory item"
	}
	return fmt.Sprintf("Would add %q to shopping list", name)
}

// CreateTodoConfig creates a family todo.
type CreateTodoConfig struct {
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	AssignedToID string `json:"assignedToId,omitempty"`
	DueDate      string `json:"dueDate,omitempty"`
	Priority     string `json:"priority,omitempty"`
	Category     string `json:"category,omitempty"`
}

func (c *CreateTodoConfig) kind() ActionType { return ActionCreateTodo }

func (c *CreateTodoConfig) validate(v *Validator) []string {
	var errs []string
	if strings.TrimSpace(c.Title) == "" {
		errs = append(errs, "create_todo requires a title")
	}
	if c.Priority != "" && !slices.Contains(todoPriorities, c.Priority) {
		errs = append(errs, "create_todo priority must be LOW, MEDIUM, HIGH or URGENT")
	}
	if c.DueDate != "" {
		if _, err := parseDate(c.DueDate); err != nil {
			errs = append(errs, "create_todo dueDate must be an ISO date")
		}
	}
	return errs
}

func (c *CreateTodoConfig) execute(ctx context.Context, env *actionEnv) (map[string]any, error) {
	creator, err := household.FirstParent(ctx, env.store, env.rule.FamilyID)
	if err != nil {
		return nil, err
	}

	todo := &household.Todo{
		FamilyID:     env.rule.FamilyID,
		Title:        c.Title,
		Description:  c.Description,
		AssignedToID: c.AssignedToID,
		Priority:     orDefault(c.Priority, "MEDIUM"),
		Category:     c.Category,
		CreatedByID:  creator.ID,
		Status:       "PENDING",
	}
	if c.DueDate != "" {
		due, err := parseDate(c.DueDate)
		if err != nil {
			return nil, err
		}
		todo.DueDate = &due
	}
	if err := env.store.CreateTodo(ctx, todo); err != nil {
		return nil, fmt.Errorf("create todo: %w", err)
	}
	return map[string]any{"todoId": todo.ID, "title": todo.Title}, nil
}

func (c *CreateTodoConfig) simulate() string {
	return fmt.Sprintf("Would create todo: %q", c.Title)
}

// LockMedicationConfig blocks further doses for Hours.
type LockMedicationConfig struct {
	MedicationID string  `json:"medicationId"`
	Hours        float64 `json:"hours"`
}

func (c *LockMedicationConfig) kind() ActionType { return ActionLockMedication }

func (c *LockMedicationConfig) validate(v *Validator) []string {
	var errs []string
	if strings.TrimSpace(c.MedicationID) == "" {
		errs = append(errs, "lock_medication requires medicationId")
	}
	if c.Hours <= 0 || c.Hours > 72 {
		errs = append(errs, "lock_medication hours must be greater than 0 and at most 72")
	}
	return errs
}

func (c *LockMedicationConfig) execute(ctx context.Context, env *actionEnv) (map[string]any, error) {
	until := env.now.Add(time.Duration(c.Hours * float64(time.Hour)))
	if err := env.store.LockMedication(ctx, env.rule.FamilyID, c.MedicationID, until); err != nil {
		return nil, fmt.Errorf("lock medication: %w", err)
	}
	return map[string]any{"medicationId": c.MedicationID, "lockedUntil": until.Format(time.RFC3339)}, nil
}

func (c *LockMedicationConfig) simulate() string {
	return fmt.Sprintf("Would lock medication for %g hours", c.Hours)
}

// SuggestMealConfig suggests up to three matching recipes to the parents.
type SuggestMealConfig struct {
	Difficulty string `json:"difficulty,omitempty"`
	Category   string `json:"category,omitempty"`
}

func (c *SuggestMealConfig) kind() ActionType { return ActionSuggestMeal }

func (c *SuggestMealConfig) validate(v *Validator) []string {
	if c.Difficulty != "" && !slices.Contains(mealDifficulties, c.Difficulty) {
		return []string{"suggest_meal difficulty must be EASY, MEDIUM or HARD"}
	}
	return nil
}

func (c *SuggestMealConfig) execute(ctx context.Context, env *actionEnv) (map[string]any, error) {
	filter := household.RecipeFilter{Category: c.Category, Difficulty: c.Difficulty}
	recipes, err := env.store.FindRecipes(ctx, env.rule.FamilyID, filter, 3)
	if err != nil {
		return nil, fmt.Errorf("find recipes: %w", err)
	}
	if len(recipes) == 0 {
		return nil, errors.New("no recipes found matching criteria")
	}

	ids := make([]string, 0, len(recipes))
	names := make([]string, 0, len(recipes))
	for _, r := range recipes {
		ids = append(ids, r.ID)
		names = append(names, fmt.Sprintf("%s (%s)", r.Name, r.Difficulty))
	}
	recipeList := strings.Join(names, ", ")

	suggestion := &household.MealSuggestion{
		FamilyID:  env.rule.FamilyID,
		RecipeIDs: ids,
		Reason:    env.rule.Name,
	}
	if err := env.store.CreateMealSuggestion(ctx, suggestion); err != nil {
		return nil, fmt.Errorf("create meal suggestion: %w", err)
	}

	parents, err := household.Parents(ctx, env.store, env.rule.FamilyID)
	if err != nil {
		return nil, err
	}
	notifications := make([]*household.Notification, 0, len(parents))
	for _, p := range parents {
		notifications = append(notifications, &household.Notification{
			FamilyID: env.rule.FamilyID,
			MemberID: p.ID,
			Title:    "Meal Suggestion",
			Message:  "Suggested meals: " + recipeList,
			Metadata: env.metadata(),
		})
	}
	if err := env.store.CreateNotifications(ctx, notifications); err != nil {
		return nil, fmt.Errorf("notify parents: %w", err)
	}

	return map[string]any{
		"suggestionId":      suggestion.ID,
		"recipeSuggestions": len(recipes),
		"recipeList":        recipeList,
	}, nil
}

func (c *SuggestMealConfig) simulate() string {
	return fmt.Sprintf("Would suggest meals with difficulty: %s", orDefault(c.Difficulty, "any"))
}

// ReduceChoresConfig skips Percentage of a member's pending chores due in
// the next Duration days.
type ReduceChoresConfig struct {
	MemberID   string `json:"memberId,omitempty"`
	Percentage int    `json:"percentage"`
	Duration   int    `json:"duration"`
}

func (c *ReduceChoresConfig) kind() ActionType { return ActionReduceChores }

func (c *ReduceChoresConfig) validate(v *Validator) []string {
	var errs []string
	if c.Percentage < 1 || c.Percentage > 100 {
		errs = append(errs, "reduce_chores percentage must be between 1 and 100")
	}
	if c.Duration < 1 || c.Duration > 30 {
		errs = append(errs, "reduce_chores duration must be between 1 and 30 days")
	}
	return errs
}

func (c *ReduceChoresConfig) execute(ctx context.Context, env *actionEnv) (map[string]any, error) {
	memberID, err := env.targetMember(c.MemberID)
	if err != nil {
		return nil, err
	}

	pending, err := env.store.PendingChores(ctx, env.rule.FamilyID, memberID, env.now.AddDate(0, 0, c.Duration))
	if err != nil {
		return nil, fmt.Errorf("list pending chores: %w", err)
	}
	if len(pending) == 0 {
		return nil, errors.New("no pending chores found for member")
	}

	n := max(1, int(math.Ceil(float64(len(pending)*c.Percentage)/100)))
	ids := make([]string, 0, n)
	for _, chore := range pending[:n] {
		ids = append(ids, chore.ID)
	}
	if err := env.store.SkipChores(ctx, env.rule.FamilyID, ids); err != nil {
		return nil, fmt.Errorf("skip chores: %w", err)
	}
	return map[string]any{"choresSkipped": len(ids), "choreIds": ids}, nil
}

func (c *ReduceChoresConfig) simulate() string {
	return fmt.Sprintf("Would reduce chores by %d%% for %d days", c.Percentage, c.Duration)
}

// AdjustScreenTimeConfig adds or removes screen time.
type AdjustScreenTimeConfig struct {
	MemberID      string `json:"memberId,omitempty"`
	AmountMinutes int    `json:"amountMinutes"`
	Reason        string `json:"reason,omitempty"`
}

func (c *AdjustScreenTimeConfig) kind() ActionType { return ActionAdjustScreenTime }

func (c *AdjustScreenTimeConfig) validate(v *Validator) []string {
	limit := v.Limits.MaxScreenTimeAdjustmentMinutes
	if c.AmountMinutes == 0 {
		return []string{"adjust_screentime requires a non-zero amountMinutes"}
	}
	if c.AmountMinutes < -limit || c.AmountMinutes > limit {
		return []string{fmt.Sprintf("adjust_screentime amountMinutes must be between -%d and %d", limit, limit)}
	}
	return nil
}

func (c *AdjustScreenTimeConfig) execute(ctx context.Context, env *actionEnv) (map[string]any, error) {
	memberID, err := env.targetMember(c.MemberID)
	if err != nil {
		return nil, err
	}

	createdBy := memberID
	if parent, err := household.FirstParent(ctx, env.store, env.rule.FamilyID); err == nil {
		createdBy = parent.ID
	}
	reason := c.Reason
	if reason == "" {
		reason = env.rule.Name
	}

	tx, err := env.store.AdjustScreenTime(ctx, env.rule.FamilyID, memberID, c.AmountMinutes, reason, createdBy)
	if err != nil {
		return nil, fmt.Errorf("adjust screen time: %w", err)
	}
	return map[string]any{"newBalance": tx.BalanceAfter, "adjustment": c.AmountMinutes}, nil
}

func (c *AdjustScreenTimeConfig) simulate() string {
	return fmt.Sprintf("Would adjust screen time by %+d minutes", c.AmountMinutes)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}
