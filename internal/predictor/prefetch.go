package predictor

import (
	"sync"
	"time"
)

type prefetchItem struct {
	keys       []string
	confidence float64
	insertedAt time.Time
	expiresAt  time.Time
	used       bool
}

// prefetchSlot is the bounded store described in §4.4's Prefetch paragraph:
// at most maxItems entries, evicting unused, lowest-confidence, oldest first.
type prefetchSlot struct {
	mu       sync.Mutex
	maxItems int
	byAction map[string]*prefetchItem
}

func newPrefetchSlot(maxItems int) *prefetchSlot {
	if maxItems <= 0 {
		maxItems = 20
	}
	return &prefetchSlot{maxItems: maxItems, byAction: make(map[string]*prefetchItem)}
}

// Put stores keys for action with a TTL of predictedNeedSeconds, evicting the
// lowest-priority existing entry if the slot is full.
func (s *prefetchSlot) Put(action string, keys []string, confidence float64, predictedNeedSeconds int, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byAction[action]; !exists && len(s.byAction) >= s.maxItems {
		s.evictOne()
	}
	s.byAction[action] = &prefetchItem{
		keys:       keys,
		confidence: confidence,
		insertedAt: now,
		expiresAt:  now.Add(time.Duration(predictedNeedSeconds) * time.Second),
	}
}

// evictOne removes the unused, lowest-confidence, oldest entry. Caller must
// hold the mutex.
func (s *prefetchSlot) evictOne() {
	var victim string
	var victimItem *prefetchItem
	for action, item := range s.byAction {
		if victimItem == nil || isLowerPriority(item, victimItem) {
			victim, victimItem = action, item
		}
	}
	if victim != "" {
		delete(s.byAction, victim)
	}
}

func isLowerPriority(a, b *prefetchItem) bool {
	if a.used != b.used {
		return !a.used // unused ranks lower (evict first) than used
	}
	if a.confidence != b.confidence {
		return a.confidence < b.confidence
	}
	return a.insertedAt.Before(b.insertedAt)
}

// Keys returns the prefetched keys for action if present and not expired,
// marking the entry used so it survives future eviction passes longer.
func (s *prefetchSlot) Keys(action string, now time.Time) ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.byAction[action]
	if !ok {
		return nil, false
	}
	if now.After(item.expiresAt) {
		delete(s.byAction, action)
		return nil, false
	}
	item.used = true
	return item.keys, true
}

// Len reports the number of resident prefetch entries.
func (s *prefetchSlot) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byAction)
}
