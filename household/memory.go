package household

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryStore implements Store in memory. It backs unit tests and local
// development; the Add*/Set* methods seed it and the accessors inspect what
// the engine wrote.
type MemoryStore struct {
	mu sync.RWMutex

	members      map[string]*Member
	balances     map[string]decimal.Decimal
	credits      []*CreditTransaction
	notices      []*Notification
	audit        []*AuditEntry
	lists        map[string]*ShoppingList
	items        []*ShoppingItem
	todos        []*Todo
	medications  map[string]*Medication
	recipes      []*Recipe
	suggestions  []*MealSuggestion
	chores       map[string]*ChoreInstance
	screenTime   map[string]int
	screenLedger []*ScreenTimeTransaction
	inventory    map[string]*InventoryItem
	events       []*CalendarEvent
	routines     map[string]*Routine
}

// NewMemoryStore creates an empty in-memory household store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		members:     make(map[string]*Member),
		balances:    make(map[string]decimal.Decimal),
		lists:       make(map[string]*ShoppingList),
		medications: make(map[string]*Medication),
		chores:      make(map[string]*ChoreInstance),
		screenTime:  make(map[string]int),
		inventory:   make(map[string]*InventoryItem),
		routines:    make(map[string]*Routine),
	}
}

// AddMember seeds a member. An empty ID is filled in.
func (s *MemoryStore) AddMember(m *Member) *Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	s.members[m.ID] = m
	return m
}

func (s *MemoryStore) AddMedication(m *Medication) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.medications[m.ID] = m
}

func (s *MemoryStore) AddRecipe(r *Recipe) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recipes = append(s.recipes, r)
}

func (s *MemoryStore) AddChore(c *ChoreInstance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chores[c.ID] = c
}

func (s *MemoryStore) SetScreenTimeBalance(memberID string, minutes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.screenTime[memberID] = minutes
}

func (s *MemoryStore) AddInventoryItem(i *InventoryItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inventory[i.ID] = i
}

func (s *MemoryStore) AddCalendarEvent(e *CalendarEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *MemoryStore) AddRoutine(r *Routine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routines[r.ID] = r
}

// ListFamilyIDs returns the distinct families of active members, sorted.
func (s *MemoryStore) ListFamilyIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var ids []string
	for _, m := range s.members {
		if m.IsActive && !seen[m.FamilyID] {
			seen[m.FamilyID] = true
			ids = append(ids, m.FamilyID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) ListMembers(ctx context.Context, familyID string) ([]*Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Member
	for _, m := range s.members {
		if m.FamilyID == familyID && m.IsActive {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) GetMember(ctx context.Context, familyID, memberID string) (*Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.members[memberID]
	if !ok || m.FamilyID != familyID {
		return nil, fmt.Errorf("member %s: %w", memberID, ErrNotFound)
	}
	return m, nil
}

func (s *MemoryStore) GetInventoryItem(ctx context.Context, familyID, itemID string) (*InventoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.inventory[itemID]
	if !ok || item.FamilyID != familyID {
		return nil, fmt.Errorf("inventory item %s: %w", itemID, ErrNotFound)
	}
	return item, nil
}

func (s *MemoryStore) CountCalendarEvents(ctx context.Context, familyID string, from, to time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, e := range s.events {
		if e.FamilyID == familyID && !e.StartTime.Before(from) && e.StartTime.Before(to) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) GetRoutine(ctx context.Context, familyID, routineID string) (*Routine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.routines[routineID]
	if !ok || r.FamilyID != familyID {
		return nil, fmt.Errorf("routine %s: %w", routineID, ErrNotFound)
	}
	return r, nil
}

func (s *MemoryStore) AwardCredits(ctx context.Context, familyID, memberID string, amount decimal.Decimal, reason string) (*CreditTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.members[memberID]
	if !ok || m.FamilyID != familyID {
		return nil, fmt.Errorf("member %s: %w", memberID, ErrNotFound)
	}

	balance := s.balances[memberID].Add(amount)
	s.balances[memberID] = balance

	tx := &CreditTransaction{
		ID:           uuid.NewString(),
		FamilyID:     familyID,
		MemberID:     memberID,
		Type:         CreditTypeBonus,
		Amount:       amount,
		BalanceAfter: balance,
		Reason:       reason,
		CreatedAt:    time.Now(),
	}
	s.credits = append(s.credits, tx)
	return tx, nil
}

func (s *MemoryStore) CreateNotifications(ctx context.Context, notifications []*Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, n := range notifications {
		if n.ID == "" {
			n.ID = uuid.NewString()
		}
		n.CreatedAt = now
		s.notices = append(s.notices, n)
	}
	return nil
}

func (s *MemoryStore) RecordAudit(ctx context.Context, entry *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.CreatedAt = time.Now()
	s.audit = append(s.audit, entry)
	return nil
}

func (s *MemoryStore) ActiveShoppingList(ctx context.Context, familyID string) (*ShoppingList, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range s.lists {
		if l.FamilyID == familyID && l.IsActive {
			return l, nil
		}
	}
	l := &ShoppingList{ID: uuid.NewString(), FamilyID: familyID, Name: "Shopping List", IsActive: true}
	s.lists[l.ID] = l
	return l, nil
}

func (s *MemoryStore) AddShoppingItem(ctx context.Context, item *ShoppingItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.lists[item.ListID]; !ok {
		return fmt.Errorf("shopping list %s: %w", item.ListID, ErrNotFound)
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	item.CreatedAt = time.Now()
	s.items = append(s.items, item)
	return nil
}

func (s *MemoryStore) CreateTodo(ctx context.Context, todo *Todo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if todo.ID == "" {
		todo.ID = uuid.NewString()
	}
	todo.CreatedAt = time.Now()
	s.todos = append(s.todos, todo)
	return nil
}

func (s *MemoryStore) LockMedication(ctx context.Context, familyID, medicationID string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	med, ok := s.medications[medicationID]
	if !ok || med.FamilyID != familyID {
		return fmt.Errorf("medication %s: %w", medicationID, ErrNotFound)
	}
	med.NextDoseAvailableAt = &until
	return nil
}

func (s *MemoryStore) FindRecipes(ctx context.Context, familyID string, filter RecipeFilter, limit int) ([]*Recipe, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Recipe
	for _, r := range s.recipes {
		if r.FamilyID != familyID {
			continue
		}
		if filter.Category != "" && r.Category != filter.Category {
			continue
		}
		if filter.Difficulty != "" && r.Difficulty != filter.Difficulty {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateMealSuggestion(ctx context.Context, suggestion *MealSuggestion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if suggestion.ID == "" {
		suggestion.ID = uuid.NewString()
	}
	suggestion.CreatedAt = time.Now()
	s.suggestions = append(s.suggestions, suggestion)
	return nil
}

func (s *MemoryStore) PendingChores(ctx context.Context, familyID, memberID string, dueBefore time.Time) ([]*ChoreInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ChoreInstance
	for _, c := range s.chores {
		if c.FamilyID == familyID && c.AssignedToID == memberID &&
			c.Status == ChoreStatusPending && c.DueDate.Before(dueBefore) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueDate.Before(out[j].DueDate) })
	return out, nil
}

func (s *MemoryStore) SkipChores(ctx context.Context, familyID string, choreIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range choreIDs {
		c, ok := s.chores[id]
		if !ok || c.FamilyID != familyID {
			return fmt.Errorf("chore %s: %w", id, ErrNotFound)
		}
		c.Status = ChoreStatusSkipped
	}
	return nil
}

func (s *MemoryStore) AdjustScreenTime(ctx context.Context, familyID, memberID string, minutes int, reason, createdByID string) (*ScreenTimeTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.members[memberID]; !ok || m.FamilyID != familyID {
		return nil, fmt.Errorf("member %s: %w", memberID, ErrNotFound)
	}
	current, ok := s.screenTime[memberID]
	if !ok {
		return nil, fmt.Errorf("screen time balance for %s: %w", memberID, ErrNotFound)
	}
	balance := max(0, current+minutes)
	s.screenTime[memberID] = balance

	tx := &ScreenTimeTransaction{
		ID:            uuid.NewString(),
		MemberID:      memberID,
		Type:          screenTimeTxType(minutes),
		AmountMinutes: abs(minutes),
		BalanceAfter:  balance,
		Reason:        reason,
		CreatedByID:   createdByID,
		CreatedAt:     time.Now(),
	}
	s.screenLedger = append(s.screenLedger, tx)
	return tx, nil
}

// AuditEntries returns the recorded audit trail in insertion order.
func (s *MemoryStore) AuditEntries() []*AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*AuditEntry(nil), s.audit...)
}

// CreditTransactions returns the recorded credit transactions for a member.
func (s *MemoryStore) CreditTransactions(memberID string) []*CreditTransaction {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*CreditTransaction
	for _, tx := range s.credits {
		if tx.MemberID == memberID {
			out = append(out, tx)
		}
	}
	return out
}

func (s *MemoryStore) CreditBalance(memberID string) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[memberID]
}

func (s *MemoryStore) Notifications() []*Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Notification(nil), s.notices...)
}

func (s *MemoryStore) ShoppingItems() []*ShoppingItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*ShoppingItem(nil), s.items...)
}

func (s *MemoryStore) Todos() []*Todo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Todo(nil), s.todos...)
}

func (s *MemoryStore) MealSuggestions() []*MealSuggestion {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*MealSuggestion(nil), s.suggestions...)
}

func (s *MemoryStore) ScreenTimeTransactions() []*ScreenTimeTransaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*ScreenTimeTransaction(nil), s.screenLedger...)
}

func (s *MemoryStore) ScreenTimeBalance(memberID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.screenTime[memberID]
}

func (s *MemoryStore) Medication(id string) *Medication {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.medications[id]
}

func (s *MemoryStore) Chore(id string) *ChoreInstance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chores[id]
}

func screenTimeTxType(minutes int) string {
	if minutes > 0 {
		return "EARNED"
	}
	return "SPENT"
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
