package cache

import (
	"github.com/spaolacci/murmur3"
)

// shardFor picks a deterministic shard index for a (namespace, key) pair,
// mirroring the non-cryptographic mixing blockchain/store/kv_store.go uses
// murmur3 for, here repurposed for cache shard routing instead of hash
// diffusion of block hashes.
func shardFor(namespace, key string, shardCount int) int {
	if shardCount <= 0 {
		shardCount = 1
	}
	h := murmur3.Sum64([]byte(namespace + "\x00" + key))
	return int(h % uint64(shardCount))
}
