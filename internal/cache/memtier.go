package cache

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/swarmguard/edgecore/internal/types"
)

// memTier is the in-memory cache tier: a fixed number of independently
// locked LRU shards selected by murmur3(namespace, key), so one hot
// namespace's eviction pressure doesn't serialize every other namespace's
// reads the way a single global LRU would.
type memTier struct {
	shards     []*lru.Cache[string, *types.CacheEntry]
	shardCount int
	onEvict    func(namespace, key string, entry *types.CacheEntry)
}

func newMemTier(perShardCapacity, shardCount int, onEvict func(namespace, key string, entry *types.CacheEntry)) (*memTier, error) {
	if shardCount <= 0 {
		shardCount = 1
	}
	t := &memTier{shardCount: shardCount, onEvict: onEvict}
	t.shards = make([]*lru.Cache[string, *types.CacheEntry], shardCount)
	for i := range t.shards {
		shard, err := lru.NewWithEvict(perShardCapacity, t.evictCallback)
		if err != nil {
			return nil, err
		}
		t.shards[i] = shard
	}
	return t, nil
}

func compositeKey(namespace, key string) string {
	return namespace + "\x00" + key
}

func (t *memTier) evictCallback(compKey string, entry *types.CacheEntry) {
	if t.onEvict != nil {
		t.onEvict(entry.Namespace, entry.Key, entry)
	}
}

func (t *memTier) shardFor(namespace, key string) *lru.Cache[string, *types.CacheEntry] {
	return t.shards[shardFor(namespace, key, t.shardCount)]
}

func (t *memTier) get(namespace, key string) (*types.CacheEntry, bool) {
	return t.shardFor(namespace, key).Get(compositeKey(namespace, key))
}

func (t *memTier) put(entry *types.CacheEntry) {
	t.shardFor(entry.Namespace, entry.Key).Add(compositeKey(entry.Namespace, entry.Key), entry)
}

func (t *memTier) remove(namespace, key string) {
	t.shardFor(namespace, key).Remove(compositeKey(namespace, key))
}

func (t *memTier) len() int {
	total := 0
	for _, s := range t.shards {
		total += s.Len()
	}
	return total
}

// entries returns every entry currently resident, without touching LRU
// recency.
func (t *memTier) entries() []*types.CacheEntry {
	out := make([]*types.CacheEntry, 0, t.len())
	for _, s := range t.shards {
		for _, k := range s.Keys() {
			if v, ok := s.Peek(k); ok {
				out = append(out, v)
			}
		}
	}
	return out
}
