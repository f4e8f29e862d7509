package household

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("household: not found")

	// ErrNoParent is returned when a family has no active parent to act as
	// the author of a write.
	ErrNoParent = errors.New("household: family has no active parent")
)

// Members reads family membership.
type Members interface {
	// ListFamilyIDs returns every family with at least one active member.
	ListFamilyIDs(ctx context.Context) ([]string, error)

	// ListMembers returns the active members of a family, ordered by name.
	ListMembers(ctx context.Context, familyID string) ([]*Member, error)

	// GetMember returns ErrNotFound if the member is not in the family.
	GetMember(ctx context.Context, familyID, memberID string) (*Member, error)
}

// Lookups are the read-only queries trigger evaluators need.
type Lookups interface {
	GetInventoryItem(ctx context.Context, familyID, itemID string) (*InventoryItem, error)
	CountCalendarEvents(ctx context.Context, familyID string, from, to time.Time) (int, error)
	GetRoutine(ctx context.Context, familyID, routineID string) (*Routine, error)
}

// Writes are the effects action executors perform.
type Writes interface {
	// AwardCredits adds amount to the member's balance and records a
	// transaction, atomically.
	AwardCredits(ctx context.Context, familyID, memberID string, amount decimal.Decimal, reason string) (*CreditTransaction, error)

	CreateNotifications(ctx context.Context, notifications []*Notification) error

	// RecordAudit appends an entry to the family audit trail.
	RecordAudit(ctx context.Context, entry *AuditEntry) error

	// ActiveShoppingList returns the family's active list, creating one if
	// none exists.
	ActiveShoppingList(ctx context.Context, familyID string) (*ShoppingList, error)
	AddShoppingItem(ctx context.Context, item *ShoppingItem) error

	CreateTodo(ctx context.Context, todo *Todo) error

	// LockMedication sets the medication's next available dose time.
	LockMedication(ctx context.Context, familyID, medicationID string, until time.Time) error

	FindRecipes(ctx context.Context, familyID string, filter RecipeFilter, limit int) ([]*Recipe, error)
	CreateMealSuggestion(ctx context.Context, suggestion *MealSuggestion) error

	// PendingChores returns the member's pending chores due before the given
	// time, earliest first.
	PendingChores(ctx context.Context, familyID, memberID string, dueBefore time.Time) ([]*ChoreInstance, error)
	SkipChores(ctx context.Context, familyID string, choreIDs []string) error

	// AdjustScreenTime applies a signed adjustment to the member's balance,
	// flooring at zero, and records a transaction. Returns ErrNotFound if the
	// member is not in the family or has no screen-time balance.
	AdjustScreenTime(ctx context.Context, familyID, memberID string, minutes int, reason, createdByID string) (*ScreenTimeTransaction, error)
}

// Store is everything the automation engine needs from household data.
type Store interface {
	Members
	Lookups
	Writes
}

// FirstParent returns the first active parent of the family.
func FirstParent(ctx context.Context, s Members, familyID string) (*Member, error) {
	parents, err := Parents(ctx, s, familyID)
	if err != nil {
		return nil, err
	}
	if len(parents) == 0 {
		return nil, ErrNoParent
	}
	return parents[0], nil
}

// Parents returns the active parents of the family.
func Parents(ctx context.Context, s Members, familyID string) ([]*Member, error) {
	members, err := s.ListMembers(ctx, familyID)
	if err != nil {
		return nil, err
	}
	var parents []*Member
	for _, m := range members {
		if m.Role == RoleParent {
			parents = append(parents, m)
		}
	}
	return parents, nil
}
