// Package syncer exchanges deltas with a remote backend, queues them while
// offline, batches and transports them, and resolves conflicts surfaced on
// pull — generalized from the cache's delta model (§4.3) into the dedicated
// offline queue and push/pull round trip of §4.7.
package syncer

import (
	"sort"
	"sync"

	"github.com/swarmguard/edgecore/internal/types"
)

// DeltaQueue is the bounded FIFO offline queue: priority-ordered draining,
// and on overflow the oldest non-Immediate delta is dropped.
type DeltaQueue struct {
	mu       sync.Mutex
	items    []*types.Delta
	capacity int
	dropped  int64
}

// NewDeltaQueue constructs a queue bounded at capacity (MAX_OFFLINE_QUEUE_SIZE).
func NewDeltaQueue(capacity int) *DeltaQueue {
	if capacity <= 0 {
		capacity = 10_000
	}
	return &DeltaQueue{capacity: capacity}
}

// Enqueue appends d, evicting the oldest non-Immediate entry first if the
// queue is at capacity. If every resident entry is Immediate, the new delta
// is dropped instead (an Immediate delta is never silently discarded in
// favor of incoming work).
func (q *DeltaQueue) Enqueue(d *types.Delta) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		if !q.evictOldestNonImmediate() {
			q.dropped++
			return
		}
	}
	q.items = append(q.items, d)
}

// evictOldestNonImmediate removes the oldest (by timestamp) non-Immediate
// entry. Returns false if no such entry exists. Caller must hold the mutex.
func (q *DeltaQueue) evictOldestNonImmediate() bool {
	victim := -1
	for i, d := range q.items {
		if d.Priority == types.PriorityImmediate {
			continue
		}
		if victim == -1 || d.Timestamp.Before(q.items[victim].Timestamp) {
			victim = i
		}
	}
	if victim == -1 {
		return false
	}
	q.items = append(q.items[:victim], q.items[victim+1:]...)
	q.dropped++
	return true
}

// Peek returns up to max entries ordered by priority (descending) then
// timestamp (ascending), without removing them.
func (q *DeltaQueue) Peek(max int) []*types.Delta {
	q.mu.Lock()
	ordered := append([]*types.Delta(nil), q.items...)
	q.mu.Unlock()

	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority > ordered[j].Priority
		}
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})
	if max > 0 && len(ordered) > max {
		ordered = ordered[:max]
	}
	return ordered
}

// Remove drops every delta whose ID is in ids (used once a push confirms
// synced_ids).
func (q *DeltaQueue) Remove(ids []string) {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.items[:0]
	for _, d := range q.items {
		if _, drop := want[d.ID]; !drop {
			kept = append(kept, d)
		}
	}
	q.items = kept
}

// Len reports the current queue depth.
func (q *DeltaQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped reports how many deltas have been discarded due to overflow.
func (q *DeltaQueue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
