package validator

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"
)

// validationCacheTTL and the prune thresholds mirror
// validation_agent.py's _get_cached_validation/_cache_validation: entries
// older than the TTL are treated as misses, and once the table exceeds
// maxSize the oldest entries are evicted down to pruneTo.
const validationCacheTTL = 60 * time.Second

type cacheEntry struct {
	result   Result
	cachedAt time.Time
}

// resultCache is the compiled-pattern-adjacent LRU-by-age cache keyed by
// (field_name, value_hash, rules).
type resultCache struct {
	mu       sync.Mutex
	entries  map[string]*cacheEntry
	ttl      time.Duration
	maxSize  int
	pruneTo  int
}

func newResultCache(ttl time.Duration, maxSize int) *resultCache {
	if ttl <= 0 {
		ttl = validationCacheTTL
	}
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &resultCache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
		maxSize: maxSize,
		pruneTo: maxSize - maxSize/5, // prune oldest ~20% once over maxSize
	}
}

// cacheKey builds the (field_name, value_hash, rules) composite key.
func cacheKey(fieldName, value string, rules []string) string {
	sum := sha256.Sum256([]byte(value))
	sorted := append([]string(nil), rules...)
	sort.Strings(sorted)
	return fieldName + "\x00" + hex.EncodeToString(sum[:]) + "\x00" + strings.Join(sorted, ",")
}

func (c *resultCache) get(key string, now time.Time) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return Result{}, false
	}
	if now.Sub(entry.cachedAt) > c.ttl {
		delete(c.entries, key)
		return Result{}, false
	}
	return entry.result, true
}

func (c *resultCache) put(key string, result Result, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &cacheEntry{result: result, cachedAt: now}
	if len(c.entries) > c.maxSize {
		c.pruneOldest()
	}
}

// pruneOldest sorts all entries by cached_at and drops the oldest ones down
// to pruneTo, matching the source's sorted(...)[:evict_count] behavior.
// Caller must hold the mutex.
func (c *resultCache) pruneOldest() {
	type keyed struct {
		key      string
		cachedAt time.Time
	}
	ordered := make([]keyed, 0, len(c.entries))
	for k, e := range c.entries {
		ordered = append(ordered, keyed{k, e.cachedAt})
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].cachedAt.Before(ordered[j].cachedAt) })
	evict := len(c.entries) - c.pruneTo
	for i := 0; i < evict && i < len(ordered); i++ {
		delete(c.entries, ordered[i].key)
	}
}

func (c *resultCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
