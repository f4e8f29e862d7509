// Package household holds the family data the automation engine reads and
// writes: members, credits, notifications, shopping, todos, medications,
// recipes, chores, screen time, inventory, calendar and routines.
//
// The engine owns none of these records. It performs the same writes a
// parent would make by hand, through the Store interface.
package household

import (
	"time"

	"github.com/shopspring/decimal"
)

// Role is a family member's role.
type Role string

const (
	RoleParent Role = "parent"
	RoleChild  Role = "child"
	RoleGuest  Role = "guest"
)

// Member is a person belonging to a family.
type Member struct {
	ID        string     `json:"id"`
	FamilyID  string     `json:"familyId"`
	Name      string     `json:"name"`
	Role      Role       `json:"role"`
	BirthDate *time.Time `json:"birthDate,omitempty"`
	IsActive  bool       `json:"isActive"`
}

// HasBirthdayOn reports whether the member's birthday falls on the calendar
// day of t, in t's location.
func (m *Member) HasBirthdayOn(t time.Time) bool {
	if m.BirthDate == nil {
		return false
	}
	return m.BirthDate.Month() == t.Month() && m.BirthDate.Day() == t.Day()
}

// CreditTransaction records a change to a member's credit balance.
type CreditTransaction struct {
	ID           string          `json:"id"`
	FamilyID     string          `json:"familyId"`
	MemberID     string          `json:"memberId"`
	Type         string          `json:"type"`
	Amount       decimal.Decimal `json:"amount"`
	BalanceAfter decimal.Decimal `json:"balanceAfter"`
	Reason       string          `json:"reason"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// CreditTypeBonus marks credits granted outside of chore approval.
const CreditTypeBonus = "BONUS"

// Notification is an in-app message to one member.
type Notification struct {
	ID        string         `json:"id"`
	FamilyID  string         `json:"familyId"`
	MemberID  string         `json:"memberId"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	ActionURL string         `json:"actionUrl,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Audit log actions and results written by the automation engine.
const (
	AuditRuleExecuted = "RULE_EXECUTED"
	AuditSuccess      = "SUCCESS"
	AuditFailure      = "FAILURE"
)

// AuditEntry is one row of the family audit trail.
type AuditEntry struct {
	ID         string         `json:"id"`
	FamilyID   string         `json:"familyId"`
	MemberID   string         `json:"memberId,omitempty"`
	Action     string         `json:"action"`
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	Result     string         `json:"result"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// ShoppingList groups shopping items. A family has at most one active list.
type ShoppingList struct {
	ID       string `json:"id"`
	FamilyID string `json:"familyId"`
	Name     string `json:"name"`
	IsActive bool   `json:"isActive"`
}

// ShoppingItem is a line on a shopping list.
type ShoppingItem struct {
	ID            string    `json:"id"`
	ListID        string    `json:"listId"`
	Name          string    `json:"name"`
	Quantity      int       `json:"quantity"`
	Category      string    `json:"category"`
	Priority      string    `json:"priority"`
	Notes         string    `json:"notes,omitempty"`
	RequestedByID string    `json:"requestedById"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Todo is a family task.
type Todo struct {
	ID           string     `json:"id"`
	FamilyID     string     `json:"familyId"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	AssignedToID string     `json:"assignedToId,omitempty"`
	Priority     string     `json:"priority"`
	Category     string     `json:"category,omitempty"`
	DueDate      *time.Time `json:"dueDate,omitempty"`
	CreatedByID  string     `json:"createdById"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// Medication is a tracked medicine with a dosing lock.
type Medication struct {
	ID                  string     `json:"id"`
	FamilyID            string     `json:"familyId"`
	MemberID            string     `json:"memberId"`
	Name                string     `json:"name"`
	NextDoseAvailableAt *time.Time `json:"nextDoseAvailableAt,omitempty"`
}

// Recipe is a saved family recipe.
type Recipe struct {
	ID         string `json:"id"`
	FamilyID   string `json:"familyId"`
	Name       string `json:"name"`
	Category   string `json:"category"`
	Difficulty string `json:"difficulty"`
}

// RecipeFilter narrows FindRecipes. Empty fields match everything.
type RecipeFilter struct {
	Category   string
	Difficulty string
}

// MealSuggestion records recipes suggested to the family.
type MealSuggestion struct {
	ID        string    `json:"id"`
	FamilyID  string    `json:"familyId"`
	RecipeIDs []string  `json:"recipeIds"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"createdAt"`
}

// Chore instance statuses.
const (
	ChoreStatusPending   = "PENDING"
	ChoreStatusCompleted = "COMPLETED"
	ChoreStatusSkipped   = "SKIPPED"
)

// ChoreInstance is one scheduled occurrence of a chore.
type ChoreInstance struct {
	ID                string    `json:"id"`
	FamilyID          string    `json:"familyId"`
	ChoreDefinitionID string    `json:"choreDefinitionId"`
	AssignedToID      string    `json:"assignedToId"`
	Status            string    `json:"status"`
	DueDate           time.Time `json:"dueDate"`
}

// ScreenTimeTransaction records a change to a member's screen-time balance.
type ScreenTimeTransaction struct {
	ID            string    `json:"id"`
	MemberID      string    `json:"memberId"`
	Type          string    `json:"type"`
	AmountMinutes int       `json:"amountMinutes"`
	BalanceAfter  int       `json:"balanceAfter"`
	Reason        string    `json:"reason"`
	CreatedByID   string    `json:"createdById"`
	CreatedAt     time.Time `json:"createdAt"`
}

// InventoryItem is a stocked household item.
type InventoryItem struct {
	ID              string  `json:"id"`
	FamilyID        string  `json:"familyId"`
	Name            string  `json:"name"`
	Category        string  `json:"category"`
	CurrentQuantity float64 `json:"currentQuantity"`
	MaxQuantity     float64 `json:"maxQuantity"`
	MinQuantity     float64 `json:"minQuantity"`
}

// RemainingPercentage returns current/max*100. ok is false when the item
// has no maximum to measure against.
func (i *InventoryItem) RemainingPercentage() (pct float64, ok bool) {
	if i.MaxQuantity <= 0 {
		return 0, false
	}
	return i.CurrentQuantity / i.MaxQuantity * 100, true
}

// IsLow reports whether the item is at or below its minimum quantity.
func (i *InventoryItem) IsLow() bool {
	return i.CurrentQuantity <= i.MinQuantity
}

// CalendarEvent is a family calendar entry.
type CalendarEvent struct {
	ID        string    `json:"id"`
	FamilyID  string    `json:"familyId"`
	Title     string    `json:"title"`
	StartTime time.Time `json:"startTime"`
}

// Routine is a named checklist such as a morning or bedtime routine.
type Routine struct {
	ID       string `json:"id"`
	FamilyID string `json:"familyId"`
	Name     string `json:"name"`
	Type     string `json:"type"`
}
