//go:build integration
// +build integration

package rules_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/liamcoop/hearth/household"
	"github.com/liamcoop/hearth/rules"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	_ "github.com/lib/pq"
)

// setupTestDB creates a PostgreSQL container and returns a migrated connection
func setupTestDB(t *testing.T) (*sql.DB, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "hearth_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	postgresContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}

	host, err := postgresContainer.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := postgresContainer.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	connStr := fmt.Sprintf("host=%s port=%s user=test password=test dbname=hearth_test sslmode=disable", host, port.Port())

	var db *sql.DB
	for range 30 {
		db, err = sql.Open("postgres", connStr)
		if err == nil {
			if err = db.Ping(); err == nil {
				break
			}
		}
		time.Sleep(time.Second)
	}
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	migrationSQL, err := os.ReadFile(filepath.Join("..", "migrations", "000001_initial_schema.up.sql"))
	if err != nil {
		t.Fatalf("Failed to read migration file: %v", err)
	}
	if _, err := db.Exec(string(migrationSQL)); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	cleanup := func() {
		db.Close()
		postgresContainer.Terminate(ctx)
	}
	return db, cleanup
}

func createMember(t *testing.T, db *sql.DB, familyID, id, name, role string) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO family_members (id, family_id, name, role) VALUES ($1, $2, $3, $4)
	`, id, familyID, name, role)
	if err != nil {
		t.Fatalf("Failed to create member %s: %v", id, err)
	}
}

func streakRule(name string, cfg *rules.AwardCreditsConfig) *rules.Rule {
	return &rules.Rule{
		ID:          uuid.NewString(),
		Name:        name,
		CreatedByID: "mom",
		Trigger:     rules.NewTriggerSpec(&rules.ChoreStreakConfig{Days: 7}),
		Conditions: &rules.Conditions{
			Operator: rules.CombineAnd,
			Rules:    []rules.Condition{{Field: "currentStreak", Operator: rules.OpGte, Value: float64(7)}},
		},
		Actions:   []rules.ActionSpec{rules.NewActionSpec(cfg)},
		IsEnabled: true,
	}
}

func TestPostgresRuleStore_BasicCRUD(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	store := rules.NewPostgresRuleStore(db, "fam-1")
	rule := streakRule("Streak bonus", &rules.AwardCreditsConfig{Amount: 10})

	if err := store.Add(ctx, rule); err != nil {
		t.Fatalf("Failed to add rule: %v", err)
	}
	if err := store.Add(ctx, rule); !errors.Is(err, rules.ErrRuleExists) {
		t.Errorf("Expected ErrRuleExists for duplicate, got %v", err)
	}

	retrieved, err := store.Get(ctx, rule.ID)
	if err != nil {
		t.Fatalf("Failed to get rule: %v", err)
	}
	if retrieved.Name != "Streak bonus" || retrieved.FamilyID != "fam-1" || retrieved.CreatedByID != "mom" {
		t.Errorf("Unexpected rule: %+v", retrieved)
	}
	if retrieved.Conditions == nil || len(retrieved.Conditions.Rules) != 1 || retrieved.Conditions.Rules[0].Field != "currentStreak" {
		t.Errorf("Conditions did not round trip: %+v", retrieved.Conditions)
	}
	cfg, err := rules.DecodeAction(retrieved.Actions[0])
	if err != nil {
		t.Fatalf("Failed to decode stored action: %v", err)
	}
	if cfg.(*rules.AwardCreditsConfig).Amount != 10 {
		t.Errorf("Expected amount 10, got %+v", cfg)
	}

	enabled, err := store.ListEnabled(ctx, rules.TriggerChoreStreak)
	if err != nil {
		t.Fatalf("Failed to list enabled rules: %v", err)
	}
	if len(enabled) != 1 {
		t.Errorf("Expected 1 enabled rule, got %d", len(enabled))
	}

	rule.Name = "Renamed"
	rule.Conditions = nil
	if err := store.Update(ctx, rule); err != nil {
		t.Fatalf("Failed to update rule: %v", err)
	}
	if err := store.SetEnabled(ctx, rule.ID, false); err != nil {
		t.Fatalf("Failed to disable rule: %v", err)
	}
	updated, _ := store.Get(ctx, rule.ID)
	if updated.Name != "Renamed" || updated.Conditions != nil || updated.IsEnabled {
		t.Errorf("Unexpected rule after update: %+v", updated)
	}

	enabled, _ = store.ListEnabled(ctx, rules.TriggerChoreStreak)
	if len(enabled) != 0 {
		t.Errorf("Expected 0 enabled rules, got %d", len(enabled))
	}

	if err := store.Delete(ctx, rule.ID); err != nil {
		t.Fatalf("Failed to delete rule: %v", err)
	}
	if _, err := store.Get(ctx, rule.ID); !errors.Is(err, rules.ErrRuleNotFound) {
		t.Errorf("Expected ErrRuleNotFound after delete, got %v", err)
	}
	if err := store.Delete(ctx, rule.ID); !errors.Is(err, rules.ErrRuleNotFound) {
		t.Errorf("Expected ErrRuleNotFound deleting twice, got %v", err)
	}
	if err := store.Update(ctx, rule); !errors.Is(err, rules.ErrRuleNotFound) {
		t.Errorf("Expected ErrRuleNotFound updating deleted rule, got %v", err)
	}
}

func TestPostgresRuleStore_FamilyIsolation(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	storeA := rules.NewPostgresRuleStore(db, "fam-a")
	storeB := rules.NewPostgresRuleStore(db, "fam-b")

	ruleA := streakRule("family A rule", &rules.AwardCreditsConfig{Amount: 5})
	ruleB := streakRule("family B rule", &rules.AwardCreditsConfig{Amount: 5})
	if err := storeA.Add(ctx, ruleA); err != nil {
		t.Fatalf("Failed to add rule for family A: %v", err)
	}
	if err := storeB.Add(ctx, ruleB); err != nil {
		t.Fatalf("Failed to add rule for family B: %v", err)
	}

	if _, err := storeA.Get(ctx, ruleB.ID); !errors.Is(err, rules.ErrRuleNotFound) {
		t.Error("Family A should not see family B's rule")
	}
	if err := storeB.Delete(ctx, ruleA.ID); !errors.Is(err, rules.ErrRuleNotFound) {
		t.Error("Family B should not delete family A's rule")
	}

	listA, err := storeA.List(ctx, rules.ListFilter{})
	if err != nil {
		t.Fatalf("Failed to list rules for family A: %v", err)
	}
	if len(listA) != 1 || listA[0].Name != "family A rule" {
		t.Errorf("Unexpected rules for family A: %+v", listA)
	}
}

func TestPostgresRuleStore_ListFilter(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	store := rules.NewPostgresRuleStore(db, "fam-1")
	for i := range 5 {
		r := streakRule(fmt.Sprintf("rule %d", i), &rules.AwardCreditsConfig{Amount: 1})
		r.IsEnabled = i%2 == 0
		if err := store.Add(ctx, r); err != nil {
			t.Fatalf("Failed to add rule: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	all, _ := store.List(ctx, rules.ListFilter{})
	if len(all) != 5 || all[0].Name != "rule 4" {
		t.Errorf("Expected newest first, got %d rules starting with %q", len(all), all[0].Name)
	}

	enabled := true
	page, err := store.List(ctx, rules.ListFilter{Enabled: &enabled, Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("Failed to list page: %v", err)
	}
	if len(page) != 2 || page[0].Name != "rule 2" || page[1].Name != "rule 0" {
		t.Errorf("Unexpected page: %v", page)
	}

	none, _ := store.List(ctx, rules.ListFilter{TriggerType: rules.TriggerTimeBased})
	if len(none) != 0 {
		t.Errorf("Expected no time_based rules, got %d", len(none))
	}
}

func TestPostgresExecutionLog(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	log := rules.NewPostgresExecutionLog(db, "fam-1")
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, success := range []bool{true, false, true} {
		exec := &rules.RuleExecution{
			ID:         uuid.NewString(),
			RuleID:     "rule-1",
			ExecutedAt: base.Add(time.Duration(i) * time.Minute),
			Success:    success,
			Result:     []rules.ActionResult{{Type: rules.ActionAwardCredits, Success: success}},
			Metadata:   map[string]any{"triggerType": "chore_streak", "attempt": i},
		}
		if !success {
			exec.Error = "award credits: member not found"
		}
		if err := log.Append(ctx, exec); err != nil {
			t.Fatalf("Failed to append execution: %v", err)
		}
	}

	rows, err := log.ListByRule(ctx, "rule-1", 10, 0)
	if err != nil {
		t.Fatalf("Failed to list executions: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("Expected 3 executions, got %d", len(rows))
	}
	if !rows[0].ExecutedAt.Equal(base.Add(2*time.Minute)) || rows[0].FamilyID != "fam-1" {
		t.Errorf("Expected newest first, got %+v", rows[0])
	}
	if rows[1].Success || rows[1].Error != "award credits: member not found" {
		t.Errorf("Failure row did not round trip: %+v", rows[1])
	}
	if rows[0].Metadata["triggerType"] != "chore_streak" || len(rows[0].Result) != 1 {
		t.Errorf("Metadata or result lost: %+v", rows[0])
	}

	stats, err := log.Stats(ctx, "rule-1")
	if err != nil {
		t.Fatalf("Failed to get stats: %v", err)
	}
	if stats.TotalExecutions != 3 || stats.FailedExecutions != 1 || stats.SuccessRate != 67 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
	if stats.LastExecutionSuccess == nil || !*stats.LastExecutionSuccess {
		t.Errorf("Expected last execution to be successful: %+v", stats)
	}

	empty, _ := log.Stats(ctx, "missing")
	if empty.TotalExecutions != 0 || empty.LastExecutionAt != nil {
		t.Errorf("Expected empty stats, got %+v", empty)
	}
}

func TestEngine_WithDatabase(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	createMember(t, db, "fam-1", "mom", "Anna", "parent")
	createMember(t, db, "fam-1", "alice", "Alice", "child")

	hh := household.NewPostgresStore(db)
	engine, err := rules.NewEngine("fam-1",
		rules.NewPostgresRuleStore(db, "fam-1"),
		rules.NewPostgresExecutionLog(db, "fam-1"),
		hh, rules.EngineOptions{})
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	bonus := streakRule("Seven day streak", &rules.AwardCreditsConfig{Amount: 50})
	if err := engine.AddRule(ctx, bonus); err != nil {
		t.Fatalf("Failed to add rule: %v", err)
	}

	event := &rules.RuleContext{
		FamilyID:    "fam-1",
		TriggerType: rules.TriggerChoreStreak,
		MemberID:    "alice",
		Streak:      &rules.StreakEvent{CurrentStreak: 7},
	}
	results, err := engine.EvaluateRules(ctx, event)
	if err != nil {
		t.Fatalf("Failed to evaluate rules: %v", err)
	}
	if len(results) != 1 || !results[0].Success || !results[0].Fired {
		t.Fatalf("Unexpected results: %+v", results)
	}

	var balance decimal.Decimal
	if err := db.QueryRow(`SELECT current_balance FROM credit_balances WHERE member_id = 'alice'`).Scan(&balance); err != nil {
		t.Fatalf("Failed to read balance: %v", err)
	}
	if !balance.Equal(decimal.NewFromInt(50)) {
		t.Errorf("Expected balance 50, got %s", balance)
	}

	stats, _ := engine.ExecutionStats(ctx, bonus.ID)
	if stats.TotalExecutions != 1 || stats.SuccessRate != 100 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestEngine_AutoDisableWithDatabase(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	createMember(t, db, "fam-1", "mom", "Anna", "parent")
	createMember(t, db, "fam-1", "alice", "Alice", "child")

	engine, err := rules.NewEngine("fam-1",
		rules.NewPostgresRuleStore(db, "fam-1"),
		rules.NewPostgresExecutionLog(db, "fam-1"),
		household.NewPostgresStore(db), rules.EngineOptions{})
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	broken := streakRule("Broken bonus", &rules.AwardCreditsConfig{Amount: 5, MemberID: "ghost"})
	if err := engine.AddRule(ctx, broken); err != nil {
		t.Fatalf("Failed to add rule: %v", err)
	}

	base := time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC)
	for i := range 3 {
		rc := &rules.RuleContext{
			FamilyID:    "fam-1",
			TriggerType: rules.TriggerChoreStreak,
			MemberID:    "alice",
			Timestamp:   base.Add(time.Duration(i) * time.Minute),
			Streak:      &rules.StreakEvent{CurrentStreak: 7},
		}
		if _, err := engine.EvaluateRules(ctx, rc); err != nil {
			t.Fatalf("Failed to evaluate rules: %v", err)
		}
	}

	stored, err := engine.GetRule(ctx, broken.ID)
	if err != nil {
		t.Fatalf("Failed to get rule: %v", err)
	}
	if stored.IsEnabled {
		t.Error("Expected rule to be disabled after 3 consecutive failures")
	}

	var title, actionURL string
	err = db.QueryRow(`SELECT title, action_url FROM notifications WHERE member_id = 'mom'`).Scan(&title, &actionURL)
	if err != nil {
		t.Fatalf("Expected a notification for the rule creator: %v", err)
	}
	if title != "Automation Rule Disabled" || actionURL != "/dashboard/rules/"+broken.ID {
		t.Errorf("Unexpected notification %q %q", title, actionURL)
	}
}

func TestPostgresHouseholdStore(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	createMember(t, db, "fam-1", "mom", "Anna", "parent")
	createMember(t, db, "fam-1", "alice", "Alice", "child")
	createMember(t, db, "fam-2", "other", "Olga", "parent")
	if _, err := db.Exec(`INSERT INTO screen_time_balances (member_id, current_balance_minutes) VALUES ('alice', 0)`); err != nil {
		t.Fatalf("Failed to seed screen time balance: %v", err)
	}
	hh := household.NewPostgresStore(db)

	families, err := hh.ListFamilyIDs(ctx)
	if err != nil {
		t.Fatalf("Failed to list families: %v", err)
	}
	if len(families) != 2 {
		t.Errorf("Expected 2 families, got %v", families)
	}

	members, err := hh.ListMembers(ctx, "fam-1")
	if err != nil {
		t.Fatalf("Failed to list members: %v", err)
	}
	if len(members) != 2 {
		t.Errorf("Expected 2 members, got %d", len(members))
	}
	if _, err := hh.GetMember(ctx, "fam-1", "other"); !errors.Is(err, household.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for a member of another family, got %v", err)
	}

	tx, err := hh.AdjustScreenTime(ctx, "fam-1", "alice", 30, "Bonus", "mom")
	if err != nil {
		t.Fatalf("Failed to adjust screen time: %v", err)
	}
	if tx.BalanceAfter != 30 {
		t.Errorf("Expected balance 30, got %d", tx.BalanceAfter)
	}
	tx, _ = hh.AdjustScreenTime(ctx, "fam-1", "alice", -120, "Penalty", "mom")
	if tx.BalanceAfter != 0 {
		t.Errorf("Expected balance floored at 0, got %d", tx.BalanceAfter)
	}
	if _, err := hh.AdjustScreenTime(ctx, "fam-2", "alice", 30, "Bonus", "other"); !errors.Is(err, household.ErrNotFound) {
		t.Errorf("Expected ErrNotFound when adjusting from another family, got %v", err)
	}
	var stored int
	if err := db.QueryRow(`SELECT current_balance_minutes FROM screen_time_balances WHERE member_id = 'alice'`).Scan(&stored); err != nil {
		t.Fatalf("Failed to read screen time balance: %v", err)
	}
	if stored != 0 {
		t.Errorf("Expected balance to stay 0, got %d", stored)
	}

	item := &household.ShoppingItem{Name: "Eggs", Quantity: 1, Category: "OTHER", Priority: "NORMAL", RequestedByID: "mom", Status: "PENDING"}
	list, err := hh.ActiveShoppingList(ctx, "fam-1")
	if err != nil {
		t.Fatalf("Failed to get shopping list: %v", err)
	}
	item.ListID = list.ID
	if err := hh.AddShoppingItem(ctx, item); err != nil {
		t.Fatalf("Failed to add shopping item: %v", err)
	}
	again, _ := hh.ActiveShoppingList(ctx, "fam-1")
	if again.ID != list.ID {
		t.Errorf("Expected the active list to be reused, got %s and %s", list.ID, again.ID)
	}
}
