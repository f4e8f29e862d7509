package rules

import "time"

// RulesCache holds the enabled rules of one family, grouped by trigger
// type, so that an event does not cost a database query.
type RulesCache interface {
	// Get returns the cached rules for a trigger type, or nil on a miss.
	Get(trigger TriggerType) []*Rule

	// Set stores the enabled rules for a trigger type.
	Set(trigger TriggerType, rules []*Rule)

	// Invalidate drops every entry. The engine calls it on each rule mutation.
	Invalidate()
}

// CacheConfig holds configuration for cache behavior
type CacheConfig struct {
	// TTL is the time-to-live for cached entries.
	// Set to 0 for no expiration (manual invalidation only)
	TTL time.Duration
}

// DefaultCacheConfig invalidates only on mutations through the engine.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{TTL: 0}
}
