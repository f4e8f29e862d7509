package rules

import (
	"slices"
	"sync"
	"time"
)

type cacheEntry struct {
	rules    []*Rule
	cachedAt time.Time
}

// InMemoryRulesCache is the in-memory RulesCache. Safe for concurrent use.
type InMemoryRulesCache struct {
	entries map[TriggerType]cacheEntry
	config  CacheConfig
	mu      sync.RWMutex
}

// NewInMemoryRulesCache creates a new in-memory rules cache
func NewInMemoryRulesCache(config CacheConfig) *InMemoryRulesCache {
	return &InMemoryRulesCache{
		entries: make(map[TriggerType]cacheEntry),
		config:  config,
	}
}

func (c *InMemoryRulesCache) Get(trigger TriggerType) []*Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[trigger]
	if !ok || c.expired(e) {
		return nil
	}
	// Copy so callers cannot reorder the cached slice
	out := slices.Clone(e.rules)
	if out == nil {
		out = []*Rule{}
	}
	return out
}

func (c *InMemoryRulesCache) Set(trigger TriggerType, rules []*Rule) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[trigger] = cacheEntry{rules: slices.Clone(rules), cachedAt: time.Now()}
}

func (c *InMemoryRulesCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	clear(c.entries)
}

func (c *InMemoryRulesCache) expired(e cacheEntry) bool {
	return c.config.TTL > 0 && time.Since(e.cachedAt) > c.config.TTL
}
