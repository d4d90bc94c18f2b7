// Package cache implements the two-tier cache: an in-memory sharded LRU
// (memtier.go) backed by an optional persistent bbolt tier (boltstore.go),
// with tag-based invalidation and delta emission for the sync layer.
package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/edgecore/config"
	"github.com/swarmguard/edgecore/internal/telemetry"
	"github.com/swarmguard/edgecore/internal/types"
)

// Cache is the namespace-keyed, tag-indexed, two-tier cache described in §4.3.
type Cache struct {
	mu  sync.RWMutex
	mem *memTier
	db  *BoltStore // nil when persistence is disabled (Non-goal: optional)

	cfg config.CacheConfig

	tagIndex    map[string]map[string]struct{} // tag -> set of "namespace\x00key"
	namespaceSz map[string]int

	pendingDeltas []*types.Delta

	hits      metric.Int64Counter
	misses    metric.Int64Counter
	evictions metric.Int64Counter
}

// New constructs a Cache. persistPath == "" disables the persistent tier.
func New(cfg config.CacheConfig, persistPath string, m telemetry.Metrics) (*Cache, error) {
	c := &Cache{
		cfg:         cfg,
		tagIndex:    make(map[string]map[string]struct{}),
		namespaceSz: make(map[string]int),
		hits:        m.CacheHits,
		misses:      m.CacheMisses,
		evictions:   m.CacheEvictions,
	}
	perShard := cfg.MaxMemoryEntries / maxInt(cfg.ShardCount, 1)
	if perShard <= 0 {
		perShard = 1
	}
	mem, err := newMemTier(perShard, cfg.ShardCount, c.onMemEvict)
	if err != nil {
		return c, err
	}
	c.mem = mem
	if persistPath != "" {
		db, err := OpenBoltStore(persistPath)
		if err != nil {
			return c, err
		}
		c.db = db
	}
	return c, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (c *Cache) onMemEvict(namespace, key string, entry *types.CacheEntry) {
	if c.evictions != nil {
		c.evictions.Add(context.Background(), 1)
	}
	c.untag(namespace, key, entry.Tags)
	c.mu.Lock()
	c.namespaceSz[namespace]--
	c.mu.Unlock()
}

// Put writes value under (namespace, key), bumping its version and checksum,
// indexing its tags, and emitting a create/update Delta.
func (c *Cache) Put(namespace, key string, value []byte, ttlSeconds int, tags []string) (*types.CacheEntry, error) {
	now := time.Now()
	existing, hadPrior := c.mem.get(namespace, key)

	entry := &types.CacheEntry{
		Namespace:    namespace,
		Key:          key,
		Value:        value,
		CreatedAt:    now,
		LastAccessAt: now,
		TTLSeconds:   ttlSeconds,
		Tags:         tagSet(tags),
	}
	op := types.DeltaCreate
	var oldVersion uint64
	hadOldVer := false
	if hadPrior {
		entry.CreatedAt = existing.CreatedAt
		entry.Version = existing.Version + 1
		oldVersion = existing.Version
		hadOldVer = true
		op = types.DeltaUpdate
		c.untag(namespace, key, existing.Tags)
	} else {
		entry.Version = 1
		if c.cfg.PerNamespaceCap > 0 {
			c.mu.RLock()
			full := c.namespaceSz[namespace] >= c.cfg.PerNamespaceCap
			c.mu.RUnlock()
			if full {
				return nil, &types.InternalError{Detail: "namespace " + namespace + " at capacity"}
			}
		}
	}
	entry.Checksum = types.ChecksumBytes(value)

	c.mem.put(entry)
	if c.db != nil {
		if err := c.db.Put(entry); err != nil {
			return nil, err
		}
	}
	c.tag(namespace, key, entry.Tags)
	if !hadPrior {
		c.mu.Lock()
		c.namespaceSz[namespace]++
		c.mu.Unlock()
	}

	delta := &types.Delta{
		ID:          uuid.NewString(),
		Operation:   op,
		EntityType:  namespace,
		EntityID:    key,
		OldVersion:  oldVersion,
		HasOldVer:   hadOldVer,
		NewVersion:  entry.Version,
		NewChecksum: entry.Checksum,
		Data:        value,
		Priority:    types.PriorityMedium,
		Timestamp:   now,
		SizeBytes:   len(value),
	}
	if hadPrior {
		delta.OldChecksum = existing.Checksum
	}
	c.appendDelta(delta)
	return entry, nil
}

// Get returns the live entry for (namespace, key), falling back to the
// persistent tier and repopulating the memory tier on a tier-2 hit.
// Expired entries are evicted and reported as a miss.
func (c *Cache) Get(namespace, key string) (*types.CacheEntry, bool) {
	entry, ok := c.mem.get(namespace, key)
	if !ok && c.db != nil {
		if persisted, found, err := c.db.Get(namespace, key); err == nil && found {
			entry, ok = persisted, true
			c.mem.put(entry)
		}
	}
	if !ok {
		c.record(c.misses)
		return nil, false
	}
	if entry.Expired(time.Now()) {
		c.removeEntry(namespace, key, entry.Tags)
		c.record(c.misses)
		return nil, false
	}
	entry.LastAccessAt = time.Now()
	entry.AccessCount++
	c.record(c.hits)
	return entry, true
}

// InvalidateByTag removes every live entry carrying tag and emits a delete
// Delta per removed key. Returns the number of entries removed.
func (c *Cache) InvalidateByTag(tag string) int {
	c.mu.RLock()
	members := make([]string, 0, len(c.tagIndex[tag]))
	for compKey := range c.tagIndex[tag] {
		members = append(members, compKey)
	}
	c.mu.RUnlock()

	removed := 0
	for _, compKey := range members {
		namespace, key := splitCompositeKey(compKey)
		entry, ok := c.mem.get(namespace, key)
		if !ok {
			continue
		}
		c.removeEntry(namespace, key, entry.Tags)
		c.appendDelta(&types.Delta{
			ID:         uuid.NewString(),
			Operation:  types.DeltaDelete,
			EntityType: namespace,
			EntityID:   key,
			OldVersion: entry.Version,
			HasOldVer:  true,
			Priority:   types.PriorityMedium,
			Timestamp:  time.Now(),
		})
		removed++
	}
	return removed
}

func (c *Cache) removeEntry(namespace, key string, tags map[string]struct{}) {
	c.mem.remove(namespace, key)
	if c.db != nil {
		_ = c.db.Delete(namespace, key)
	}
	c.untag(namespace, key, tags)
	c.mu.Lock()
	c.namespaceSz[namespace]--
	c.mu.Unlock()
}

// LocalChecksum is the narrow read-only accessor the sync layer consults for
// conflict detection; the cache never stores a backend-reported checksum
// (Open Question #3 — backend_checksums lives solely in internal/syncer).
func (c *Cache) LocalChecksum(namespace, key string) (string, bool) {
	entry, ok := c.mem.get(namespace, key)
	if !ok {
		return "", false
	}
	return entry.Checksum, true
}

// PendingDeltas returns up to max oldest unsynced deltas, sorted by
// priority (descending) then timestamp (ascending) — the ordering
// create_sync_batch in internal/syncer relies on.
func (c *Cache) PendingDeltas(max int) []*types.Delta {
	c.mu.RLock()
	unsynced := make([]*types.Delta, 0, len(c.pendingDeltas))
	for _, d := range c.pendingDeltas {
		if !d.Synced {
			unsynced = append(unsynced, d)
		}
	}
	c.mu.RUnlock()

	sort.Slice(unsynced, func(i, j int) bool {
		if unsynced[i].Priority != unsynced[j].Priority {
			return unsynced[i].Priority > unsynced[j].Priority
		}
		return unsynced[i].Timestamp.Before(unsynced[j].Timestamp)
	})
	if max > 0 && len(unsynced) > max {
		unsynced = unsynced[:max]
	}
	return unsynced
}

// GetDeltasForSync returns up to max pending deltas with same-key runs
// collapsed: consecutive create+update for a key become a single create
// carrying the final checksum, and a create/update followed by a delete
// becomes a single delete carrying the original old_checksum. Deltas are
// never rewritten in place; this only affects what's handed to the caller.
func (c *Cache) GetDeltasForSync(max int) []*types.Delta {
	ordered := c.PendingDeltas(0) // priority/time ordered, uncapped
	if max <= 0 || max > len(ordered) {
		max = len(ordered)
	}

	byKey := make(map[string][]*types.Delta)
	order := make([]string, 0)
	for _, d := range ordered {
		k := d.EntityKey()
		if _, seen := byKey[k]; !seen {
			order = append(order, k)
		}
		byKey[k] = append(byKey[k], d)
	}

	collapsed := make([]*types.Delta, 0, len(order))
	for _, k := range order {
		collapsed = append(collapsed, collapseRun(byKey[k]))
	}
	sort.Slice(collapsed, func(i, j int) bool {
		if collapsed[i].Priority != collapsed[j].Priority {
			return collapsed[i].Priority > collapsed[j].Priority
		}
		return collapsed[i].Timestamp.Before(collapsed[j].Timestamp)
	})
	if len(collapsed) > max {
		collapsed = collapsed[:max]
	}
	return collapsed
}

func collapseRun(run []*types.Delta) *types.Delta {
	if len(run) == 1 {
		return run[0]
	}
	first, last := run[0], run[len(run)-1]
	if last.Operation == types.DeltaDelete {
		return &types.Delta{
			ID:          last.ID,
			Operation:   types.DeltaDelete,
			EntityType:  last.EntityType,
			EntityID:    last.EntityID,
			OldVersion:  first.OldVersion,
			HasOldVer:   first.HasOldVer,
			OldChecksum: first.OldChecksum,
			Priority:    last.Priority,
			Timestamp:   last.Timestamp,
		}
	}
	return &types.Delta{
		ID:          last.ID,
		Operation:   types.DeltaCreate,
		EntityType:  last.EntityType,
		EntityID:    last.EntityID,
		OldVersion:  first.OldVersion,
		HasOldVer:   first.HasOldVer,
		OldChecksum: first.OldChecksum,
		NewVersion:  last.NewVersion,
		NewChecksum: last.NewChecksum,
		Data:        last.Data,
		Priority:    last.Priority,
		Timestamp:   last.Timestamp,
		SizeBytes:   last.SizeBytes,
	}
}

// MarkSynced flags the given delta IDs as synced so they're skipped by
// future PendingDeltas calls and eligible for pruning.
func (c *Cache) MarkSynced(ids []string) {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range c.pendingDeltas {
		if _, ok := want[d.ID]; ok {
			d.Synced = true
		}
	}
}

func (c *Cache) appendDelta(d *types.Delta) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingDeltas = append(c.pendingDeltas, d)
	if len(c.pendingDeltas) > c.cfg.PendingDeltaPrune {
		unsynced := make([]*types.Delta, 0, len(c.pendingDeltas))
		for _, pending := range c.pendingDeltas {
			if !pending.Synced {
				unsynced = append(unsynced, pending)
			}
		}
		keep := c.cfg.PendingDeltaKeep
		if keep > len(unsynced) {
			keep = len(unsynced)
		}
		c.pendingDeltas = append([]*types.Delta(nil), unsynced[len(unsynced)-keep:]...)
	}
}

func (c *Cache) tag(namespace, key string, tags map[string]struct{}) {
	if len(tags) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	compKey := compositeKey(namespace, key)
	for t := range tags {
		set, ok := c.tagIndex[t]
		if !ok {
			set = make(map[string]struct{})
			c.tagIndex[t] = set
		}
		set[compKey] = struct{}{}
	}
}

func (c *Cache) untag(namespace, key string, tags map[string]struct{}) {
	if len(tags) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	compKey := compositeKey(namespace, key)
	for t := range tags {
		if set, ok := c.tagIndex[t]; ok {
			delete(set, compKey)
			if len(set) == 0 {
				delete(c.tagIndex, t)
			}
		}
	}
}

func (c *Cache) record(counter metric.Int64Counter) {
	if counter != nil {
		counter.Add(context.Background(), 1)
	}
}

func tagSet(tags []string) map[string]struct{} {
	out := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		out[t] = struct{}{}
	}
	return out
}

func splitCompositeKey(compKey string) (namespace, key string) {
	for i := 0; i < len(compKey); i++ {
		if compKey[i] == '\x00' {
			return compKey[:i], compKey[i+1:]
		}
	}
	return compKey, ""
}

// Stats reports the memory-tier entry count and the number of unsynced
// pending deltas, used by get_metrics's cache subtree.
func (c *Cache) Stats() (entries int, pendingDeltas int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	unsynced := 0
	for _, d := range c.pendingDeltas {
		if !d.Synced {
			unsynced++
		}
	}
	return c.mem.len(), unsynced
}

// Close releases the persistent tier if one is configured.
func (c *Cache) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}
