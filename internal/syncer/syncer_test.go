package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/swarmguard/edgecore/config"
	"github.com/swarmguard/edgecore/internal/types"
)

type fakeTransport struct {
	pushes  []*Batch
	pullSeq []PullResult
	pullIdx int
}

func (f *fakeTransport) Push(ctx context.Context, batch *Batch) (PushResult, error) {
	f.pushes = append(f.pushes, batch)
	ids := make([]string, 0, len(batch.Deltas))
	for _, d := range batch.Deltas {
		ids = append(ids, d.ID)
	}
	return PushResult{Success: true, SyncedIDs: ids}, nil
}

func (f *fakeTransport) Pull(ctx context.Context, known map[string]string) (PullResult, error) {
	if f.pullIdx >= len(f.pullSeq) {
		return PullResult{Success: true, Deltas: mustEmptyBatch()}, nil
	}
	r := f.pullSeq[f.pullIdx]
	f.pullIdx++
	return r, nil
}

func mustEmptyBatch() []byte {
	b, _ := CreateSyncBatch(nil, 0)
	return b.Wire
}

type fakeChecksums struct {
	values map[string]string
}

func (f *fakeChecksums) LocalChecksum(namespace, key string) (string, bool) {
	v, ok := f.values[namespace+"/"+key]
	return v, ok
}

func newTestSyncer(transport Transport, checksums *fakeChecksums) *Syncer {
	cfg := config.Default().Syncer
	if checksums == nil {
		checksums = &fakeChecksums{values: make(map[string]string)}
	}
	return New(cfg, checksums, transport, nil, nil, nil)
}

func TestPushDrainsQueueOnFullSuccess(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSyncer(ft, nil)
	s.Enqueue(&types.Delta{ID: "d1", EntityType: "note", EntityID: "1", Priority: types.PriorityMedium, Timestamp: time.Now()})
	s.Enqueue(&types.Delta{ID: "d2", EntityType: "note", EntityID: "2", Priority: types.PriorityHigh, Timestamp: time.Now()})

	if err := s.Push(context.Background()); err != nil {
		t.Fatalf("unexpected push error: %v", err)
	}
	if s.QueueDepth() != 0 {
		t.Fatalf("expected queue drained, depth=%d", s.QueueDepth())
	}
	if len(ft.pushes) != 1 {
		t.Fatalf("expected exactly one batch pushed, got %d", len(ft.pushes))
	}
}

func TestPushWithoutTransportReturnsOffline(t *testing.T) {
	s := newTestSyncer(nil, nil)
	s.Enqueue(&types.Delta{ID: "d1", EntityType: "note", EntityID: "1", Priority: types.PriorityMedium, Timestamp: time.Now()})
	err := s.Push(context.Background())
	if _, ok := err.(*types.OfflineError); !ok {
		t.Fatalf("expected OfflineError, got %v", err)
	}
}

func TestQueueOverflowDropsOldestNonImmediate(t *testing.T) {
	q := NewDeltaQueue(2)
	base := time.Now()
	q.Enqueue(&types.Delta{ID: "a", Priority: types.PriorityLow, Timestamp: base})
	q.Enqueue(&types.Delta{ID: "b", Priority: types.PriorityImmediate, Timestamp: base.Add(time.Second)})
	q.Enqueue(&types.Delta{ID: "c", Priority: types.PriorityMedium, Timestamp: base.Add(2 * time.Second)})

	if q.Len() != 2 {
		t.Fatalf("expected capacity-bounded queue at 2, got %d", q.Len())
	}
	remaining := q.Peek(0)
	for _, d := range remaining {
		if d.ID == "a" {
			t.Fatalf("expected oldest non-immediate entry 'a' to have been evicted")
		}
	}
}

func TestPeekOrdersByPriorityThenTimestamp(t *testing.T) {
	q := NewDeltaQueue(10)
	base := time.Now()
	q.Enqueue(&types.Delta{ID: "low", Priority: types.PriorityLow, Timestamp: base})
	q.Enqueue(&types.Delta{ID: "high", Priority: types.PriorityHigh, Timestamp: base.Add(time.Second)})
	ordered := q.Peek(0)
	if ordered[0].ID != "high" {
		t.Fatalf("expected high priority first, got %s", ordered[0].ID)
	}
}

func TestDetectConflictFlagsChecksumMismatch(t *testing.T) {
	checksums := &fakeChecksums{values: map[string]string{"note/1": "localsum0000"}}
	incoming := []*types.Delta{{EntityType: "note", EntityID: "1", NewChecksum: "remotesum000"}}
	conflicts := Detect(checksums, incoming, map[string]string{"note/1": "remotesum000"}, time.Now())
	if len(conflicts) != 1 {
		t.Fatalf("expected one conflict, got %d", len(conflicts))
	}
}

func TestResolveDefaultServerWins(t *testing.T) {
	cm := NewConflictManager(types.ResolutionServerWins)
	c := &types.Conflict{EntityKey: "note/1", EntityType: "note"}
	outcomes := cm.Resolve([]*types.Conflict{c}, time.Now())
	if !outcomes[0].Conflict.Resolved || outcomes[0].Conflict.Resolution != types.ResolutionServerWins {
		t.Fatalf("expected server_wins resolution, got %+v", outcomes[0].Conflict)
	}
	if outcomes[0].Requeue != nil {
		t.Fatalf("server_wins should not requeue a delta")
	}
}

func TestResolveClientWinsRequeuesHighPriorityUpdate(t *testing.T) {
	cm := NewConflictManager(types.ResolutionClientWins)
	c := &types.Conflict{EntityKey: "note/1", EntityType: "note", EntityID: "1", EdgeData: []byte("local")}
	outcomes := cm.Resolve([]*types.Conflict{c}, time.Now())
	if outcomes[0].Requeue == nil || outcomes[0].Requeue.Priority != types.PriorityHigh {
		t.Fatalf("expected high-priority requeued update, got %+v", outcomes[0].Requeue)
	}
}

func TestCreateSyncBatchCompressesOverThreshold(t *testing.T) {
	deltas := []*types.Delta{{ID: "d1", EntityType: "note", EntityID: "1", Data: make([]byte, 1024), Timestamp: time.Now()}}
	batch, err := CreateSyncBatch(deltas, 16)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !batch.Compressed {
		t.Fatalf("expected batch over threshold to be compressed")
	}
	if !isGzipped(batch.Wire) {
		t.Fatalf("expected gzip magic at start of compressed wire bytes")
	}
}

func TestBatchRoundTrip(t *testing.T) {
	deltas := []*types.Delta{{ID: "d1", EntityType: "note", EntityID: "1", NewChecksum: "abc0000000000000", Timestamp: time.Now(), Priority: types.PriorityHigh}}
	batch, err := CreateSyncBatch(deltas, 1<<20)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	decoded, err := DecodeBatch(batch.Wire)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(decoded) != 1 || decoded[0].ID != "d1" {
		t.Fatalf("expected round-tripped delta, got %+v", decoded)
	}
}
