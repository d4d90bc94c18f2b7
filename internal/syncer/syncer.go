package syncer

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/edgecore/config"
	"github.com/swarmguard/edgecore/internal/types"
)

// Direction selects which leg(s) of a sync round trip to run.
type Direction string

const (
	DirectionPush          Direction = "push"
	DirectionPull          Direction = "pull"
	DirectionBidirectional Direction = "bidirectional"
)

// retryDelays are the fixed backoff steps for a partially-synced batch's
// remainder, per §4.7.
var retryDelays = []time.Duration{1 * time.Second, 5 * time.Second, 15 * time.Second}

// Stats is the sync subtree of get_metrics (§6).
type Stats struct {
	Attempted   int64
	Completed   int64
	Failed      int64
	Conflicts   int64
	BytesSaved  int64
	QueueDepth  int
}

// Syncer owns the offline queue, conflict resolution, and push/pull round
// trips against a Transport.
type Syncer struct {
	log       *slog.Logger
	cfg       config.SyncerConfig
	queue     *DeltaQueue
	checksums ChecksumSource
	conflicts *ConflictManager
	transport Transport

	versionVector      *types.VersionVector
	backendChecksums   map[string]string
	pendingConflicts   []*types.Conflict

	batchesPushed metric.Int64Counter
	conflictCtr   metric.Int64Counter

	stats Stats
}

// New constructs a Syncer. transport may be nil until SetTransport is
// called (e.g. while offline).
func New(cfg config.SyncerConfig, checksums ChecksumSource, transport Transport, log *slog.Logger, batchesPushed, conflictCtr metric.Int64Counter) *Syncer {
	if log == nil {
		log = slog.Default()
	}
	policy := types.ConflictResolution(cfg.DefaultConflictPolicy)
	if policy == "" {
		policy = types.ResolutionServerWins
	}
	return &Syncer{
		log:              log,
		cfg:              cfg,
		queue:            NewDeltaQueue(cfg.MaxOfflineQueueSize),
		checksums:        checksums,
		conflicts:        NewConflictManager(policy),
		transport:        transport,
		versionVector:    types.NewVersionVector(),
		backendChecksums: make(map[string]string),
		batchesPushed:    batchesPushed,
		conflictCtr:      conflictCtr,
	}
}

// SetTransport installs (or replaces) the active transport, e.g. once
// connectivity returns.
func (s *Syncer) SetTransport(t Transport) {
	s.transport = t
}

// RegisterResolver installs a custom per-entity-type conflict resolver.
func (s *Syncer) RegisterResolver(entityType string, r Resolver) {
	s.conflicts.RegisterResolver(entityType, r)
}

// Enqueue admits a locally produced delta into the offline queue.
func (s *Syncer) Enqueue(d *types.Delta) {
	s.queue.Enqueue(d)
}

// QueueDepth reports the current offline queue size.
func (s *Syncer) QueueDepth() int {
	return s.queue.Len()
}

// Push drains up to MaxBatchSize queued deltas, transports them, and marks
// synced ones complete. On partial success it retries the remainder with
// the fixed 1s/5s/15s backoff before giving up (deltas stay queued).
func (s *Syncer) Push(ctx context.Context) error {
	if s.transport == nil {
		return &types.OfflineError{QueuedID: "push-deferred"}
	}
	pending := s.queue.Peek(s.cfg.MaxBatchSize)
	if len(pending) == 0 {
		return nil
	}

	attempt := pending
	for i := 0; ; i++ {
		batch, err := CreateSyncBatch(attempt, s.cfg.CompressionThresholdB)
		if err != nil {
			return err
		}
		s.stats.Attempted++
		result, err := s.transport.Push(ctx, batch)
		if err == nil && result.Success {
			s.queue.Remove(result.SyncedIDs)
			s.stats.Completed += int64(len(result.SyncedIDs))
			s.count(s.batchesPushed)
			if batch.Compressed {
				s.stats.BytesSaved += int64(batch.RawBytes - batch.CompressedBytes)
			}
			return nil
		}
		if err == nil && len(result.SyncedIDs) > 0 {
			s.queue.Remove(result.SyncedIDs)
			s.stats.Completed += int64(len(result.SyncedIDs))
			attempt = remaining(attempt, result.SyncedIDs)
		}
		if i >= len(retryDelays) {
			s.stats.Failed += int64(len(attempt))
			s.log.Warn("sync push exhausted retries", "remaining", len(attempt))
			return nil // deltas remain queued per §4.7 permanent-failure semantics
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelays[i]):
		}
	}
}

func remaining(sent []*types.Delta, synced []string) []*types.Delta {
	done := make(map[string]struct{}, len(synced))
	for _, id := range synced {
		done[id] = struct{}{}
	}
	out := make([]*types.Delta, 0, len(sent))
	for _, d := range sent {
		if _, ok := done[d.ID]; !ok {
			out = append(out, d)
		}
	}
	return out
}

// Pull fetches incoming deltas, detects conflicts against local checksums,
// applies non-conflicting deltas to the version vector / backend checksum
// table, and stores conflicts for later resolution.
func (s *Syncer) Pull(ctx context.Context) ([]*types.Delta, error) {
	if s.transport == nil {
		return nil, &types.OfflineError{QueuedID: "pull-deferred"}
	}
	result, err := s.transport.Pull(ctx, s.backendChecksums)
	if err != nil {
		return nil, err
	}
	if !result.Success {
		if result.Err != nil {
			return nil, result.Err
		}
		return nil, nil
	}

	incoming, err := DecodeBatch(result.Deltas)
	if err != nil {
		return nil, err
	}
	for k, v := range result.BackendChecksums {
		s.backendChecksums[k] = v
	}

	now := time.Now()
	conflicting := Detect(s.checksums, incoming, s.backendChecksums, now)
	conflictKeys := make(map[string]struct{}, len(conflicting))
	for _, c := range conflicting {
		conflictKeys[c.EntityKey] = struct{}{}
	}
	s.pendingConflicts = append(s.pendingConflicts, conflicting...)
	s.stats.Conflicts += int64(len(conflicting))
	s.count(s.conflictCtr)

	applied := make([]*types.Delta, 0, len(incoming))
	for _, d := range incoming {
		if _, conflicted := conflictKeys[d.EntityKey()]; conflicted {
			continue
		}
		s.versionVector.Versions[d.EntityKey()] = d.NewVersion
		s.backendChecksums[d.EntityKey()] = d.NewChecksum
		applied = append(applied, d)
	}
	return applied, nil
}

// ResolveConflicts settles every pending conflict and re-enqueues any
// resulting ClientWins/Merge deltas so the next Push carries them.
func (s *Syncer) ResolveConflicts() []*types.Conflict {
	if len(s.pendingConflicts) == 0 {
		return nil
	}
	outcomes := s.conflicts.Resolve(s.pendingConflicts, time.Now())
	settled := make([]*types.Conflict, 0, len(outcomes))
	var stillPending []*types.Conflict
	for _, o := range outcomes {
		settled = append(settled, o.Conflict)
		if o.Requeue != nil {
			s.Enqueue(o.Requeue)
		}
		if !o.Conflict.Resolved {
			stillPending = append(stillPending, o.Conflict)
		}
	}
	s.pendingConflicts = stillPending
	return settled
}

// Sync runs the requested direction. Bidirectional runs push, then pull,
// then auto-resolves surfaced conflicts, then a final push of whatever
// resolution produced.
func (s *Syncer) Sync(ctx context.Context, direction Direction) error {
	switch direction {
	case DirectionPush:
		return s.Push(ctx)
	case DirectionPull:
		_, err := s.Pull(ctx)
		return err
	case DirectionBidirectional:
		if err := s.Push(ctx); err != nil {
			return err
		}
		if _, err := s.Pull(ctx); err != nil {
			return err
		}
		s.ResolveConflicts()
		return s.Push(ctx)
	default:
		return nil
	}
}

// Stats reports the sync subtree for get_metrics.
func (s *Syncer) Stats() Stats {
	out := s.stats
	out.QueueDepth = s.queue.Len()
	return out
}

func (s *Syncer) count(counter metric.Int64Counter) {
	if counter != nil {
		counter.Add(context.Background(), 1)
	}
}
