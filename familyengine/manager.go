// Package familyengine owns one rules.Engine per family and routes events
// and schedule ticks to them.
package familyengine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/liamcoop/hearth/household"
	"github.com/liamcoop/hearth/internal/logger"
	"github.com/liamcoop/hearth/rules"
)

// ErrFamilyNotFound is returned for a family with no active members.
var ErrFamilyNotFound = errors.New("family not found")

// StoreFactory returns the rule store and execution log of a family.
type StoreFactory func(familyID string) (rules.RuleStore, rules.ExecutionLog)

// PostgresStores builds family-scoped stores on db.
func PostgresStores(db *sql.DB) StoreFactory {
	return func(familyID string) (rules.RuleStore, rules.ExecutionLog) {
		return rules.NewPostgresRuleStore(db, familyID), rules.NewPostgresExecutionLog(db, familyID)
	}
}

// MemoryStores keeps in-memory stores per family. Evicting a family's
// engine does not drop its rules.
func MemoryStores() StoreFactory {
	type pair struct {
		store *rules.InMemoryRuleStore
		log   *rules.InMemoryExecutionLog
	}
	var (
		mu     sync.Mutex
		stores = make(map[string]pair)
	)
	return func(familyID string) (rules.RuleStore, rules.ExecutionLog) {
		mu.Lock()
		defer mu.Unlock()
		p, ok := stores[familyID]
		if !ok {
			p = pair{store: rules.NewInMemoryRuleStore(), log: rules.NewInMemoryExecutionLog()}
			stores[familyID] = p
		}
		return p.store, p.log
	}
}

// Manager manages engines for all families
type Manager struct {
	engines   map[string]*rules.Engine
	stores    StoreFactory
	household household.Store
	opts      rules.EngineOptions
	mu        sync.RWMutex
}

// NewManager creates a new manager instance
func NewManager(stores StoreFactory, hh household.Store, opts rules.EngineOptions) *Manager {
	return &Manager{
		engines:   make(map[string]*rules.Engine),
		stores:    stores,
		household: hh,
		opts:      opts,
	}
}

// LoadAllFamilies creates an engine for every family in the household store
func (m *Manager) LoadAllFamilies(ctx context.Context) error {
	familyIDs, err := m.household.ListFamilyIDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch families: %w", err)
	}

	for _, familyID := range familyIDs {
		if _, err := m.GetEngine(ctx, familyID); err != nil {
			return fmt.Errorf("failed to initialize family %s: %w", familyID, err)
		}
	}

	logger.Info("family engines loaded", "families", len(familyIDs))
	return nil
}

// GetEngine returns the engine for a family, creating it on first use.
// Engines are only created for families the household store knows about;
// others get ErrFamilyNotFound.
func (m *Manager) GetEngine(ctx context.Context, familyID string) (*rules.Engine, error) {
	if familyID == "" {
		return nil, fmt.Errorf("family ID is required")
	}

	m.mu.RLock()
	engine, exists := m.engines[familyID]
	m.mu.RUnlock()
	if exists {
		return engine, nil
	}

	members, err := m.household.ListMembers(ctx, familyID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up family %s: %w", familyID, err)
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("family %s: %w", familyID, ErrFamilyNotFound)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if engine, exists := m.engines[familyID]; exists {
		return engine, nil
	}

	store, log := m.stores(familyID)
	engine, err = rules.NewEngine(familyID, store, log, m.household, m.opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	m.engines[familyID] = engine
	return engine, nil
}

// EvaluateRules routes a context to its family's engine
func (m *Manager) EvaluateRules(ctx context.Context, rc *rules.RuleContext) ([]*rules.ExecutionResult, error) {
	engine, err := m.GetEngine(ctx, rc.FamilyID)
	if err != nil {
		return nil, err
	}
	return engine.EvaluateRules(ctx, rc)
}

// ListFamilies returns the IDs of loaded families, sorted
func (m *Manager) ListFamilies() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	families := make([]string, 0, len(m.engines))
	for familyID := range m.engines {
		families = append(families, familyID)
	}
	slices.Sort(families)
	return families
}

// EvictFamily drops a family's engine from memory. Its rules stay in the
// store and the engine is rebuilt on next use.
func (m *Manager) EvictFamily(familyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.engines[familyID]; !exists {
		return fmt.Errorf("family %s not loaded", familyID)
	}

	delete(m.engines, familyID)
	return nil
}
