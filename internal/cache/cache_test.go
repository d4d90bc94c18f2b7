package cache

import (
	"testing"

	"github.com/swarmguard/edgecore/config"
	"github.com/swarmguard/edgecore/internal/telemetry"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	cfg := config.Default().Cache
	cfg.MaxMemoryEntries = 1000
	cfg.ShardCount = 4
	c, err := New(cfg, "", telemetry.Metrics{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestPutThenGetHits(t *testing.T) {
	c := newTestCache(t)
	if _, err := c.Put("widgets", "k1", []byte("v1"), 300, []string{"tag-a"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	entry, ok := c.Get("widgets", "k1")
	if !ok {
		t.Fatalf("expected hit")
	}
	if string(entry.Value) != "v1" {
		t.Fatalf("expected v1, got %q", entry.Value)
	}
	if entry.Version != 1 {
		t.Fatalf("expected version 1, got %d", entry.Version)
	}
}

func TestPutTwiceIncrementsVersionAndChecksum(t *testing.T) {
	c := newTestCache(t)
	first, _ := c.Put("widgets", "k1", []byte("v1"), 300, nil)
	second, _ := c.Put("widgets", "k1", []byte("v2"), 300, nil)
	if second.Version != first.Version+1 {
		t.Fatalf("expected version to increment, got %d then %d", first.Version, second.Version)
	}
	if second.Checksum == first.Checksum {
		t.Fatalf("expected checksum to change with value")
	}
}

func TestMissOnUnknownKey(t *testing.T) {
	c := newTestCache(t)
	if _, ok := c.Get("widgets", "missing"); ok {
		t.Fatalf("expected miss")
	}
}

func TestInvalidateByTagRemovesTaggedEntriesOnly(t *testing.T) {
	c := newTestCache(t)
	c.Put("widgets", "k1", []byte("v1"), 300, []string{"team-a"})
	c.Put("widgets", "k2", []byte("v2"), 300, []string{"team-b"})

	removed := c.InvalidateByTag("team-a")
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, ok := c.Get("widgets", "k1"); ok {
		t.Fatalf("k1 should have been invalidated")
	}
	if _, ok := c.Get("widgets", "k2"); !ok {
		t.Fatalf("k2 should still be present")
	}
}

func TestPendingDeltasRecordsCreateForFirstWrite(t *testing.T) {
	c := newTestCache(t)
	c.Put("widgets", "low", []byte("v"), 300, nil)
	deltas := c.PendingDeltas(10)
	if len(deltas) != 1 {
		t.Fatalf("expected 1 pending delta, got %d", len(deltas))
	}
	if deltas[0].Operation != "create" {
		t.Fatalf("expected create operation, got %s", deltas[0].Operation)
	}
}

func TestLocalChecksumReflectsLatestWrite(t *testing.T) {
	c := newTestCache(t)
	c.Put("widgets", "k1", []byte("v1"), 300, nil)
	sum1, ok := c.LocalChecksum("widgets", "k1")
	if !ok {
		t.Fatalf("expected checksum present")
	}
	c.Put("widgets", "k1", []byte("v2"), 300, nil)
	sum2, _ := c.LocalChecksum("widgets", "k1")
	if sum1 == sum2 {
		t.Fatalf("expected checksum to change after overwrite")
	}
}
