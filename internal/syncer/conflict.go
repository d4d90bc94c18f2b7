package syncer

import (
	"time"

	"github.com/swarmguard/edgecore/internal/types"
)

// ChecksumSource is the narrow accessor the syncer consults for local
// checksums when detecting conflicts (Cache.LocalChecksum satisfies this).
type ChecksumSource interface {
	LocalChecksum(namespace, key string) (string, bool)
}

// Resolver produces a merged payload for a Merge-policy conflict. Returning
// ok=false leaves the conflict pending (treated like Manual for that entity).
type Resolver func(c *types.Conflict) (merged []byte, ok bool)

// ConflictManager drives conflict settlement: a per-entity-type custom
// resolver consulted first, then a default policy.
type ConflictManager struct {
	defaultPolicy types.ConflictResolution
	resolvers     map[string]Resolver
	pending       []*types.Conflict
}

// NewConflictManager constructs a manager using defaultPolicy when no
// per-entity-type resolver is registered.
func NewConflictManager(defaultPolicy types.ConflictResolution) *ConflictManager {
	return &ConflictManager{defaultPolicy: defaultPolicy, resolvers: make(map[string]Resolver)}
}

// RegisterResolver installs a custom resolver for entityType.
func (m *ConflictManager) RegisterResolver(entityType string, r Resolver) {
	m.resolvers[entityType] = r
}

// Detect compares incoming backend checksums against local state, yielding
// one Conflict per entity whose local checksum disagrees with the backend's.
func Detect(source ChecksumSource, incoming []*types.Delta, backendChecksums map[string]string, now time.Time) []*types.Conflict {
	var conflicts []*types.Conflict
	for _, d := range incoming {
		localSum, hasLocal := source.LocalChecksum(d.EntityType, d.EntityID)
		if !hasLocal {
			continue
		}
		backendSum := backendChecksums[d.EntityKey()]
		if backendSum == "" {
			backendSum = d.NewChecksum
		}
		if localSum == backendSum {
			continue
		}
		conflicts = append(conflicts, &types.Conflict{
			EntityKey:       d.EntityKey(),
			EntityType:      d.EntityType,
			EntityID:        d.EntityID,
			LocalChecksum:   localSum,
			BackendChecksum: backendSum,
			BackendVersion:  d.NewVersion,
			BackendData:     d.Data,
			DetectedAt:      now,
		})
	}
	return conflicts
}

// Outcome is what resolving one conflict produced: the settled conflict plus
// an optional delta to enqueue back onto the sync queue (ClientWins/Merge).
type Outcome struct {
	Conflict *types.Conflict
	Requeue  *types.Delta
}

// Resolve settles every conflict in pending, consulting (in order) a
// per-entity-type resolver then the default policy.
func (m *ConflictManager) Resolve(pending []*types.Conflict, now time.Time) []Outcome {
	outcomes := make([]Outcome, 0, len(pending))
	for _, c := range pending {
		outcomes = append(outcomes, m.resolveOne(c, now))
	}
	return outcomes
}

func (m *ConflictManager) resolveOne(c *types.Conflict, now time.Time) Outcome {
	policy := m.defaultPolicy
	var merged []byte
	var mergedOK bool
	if resolver, ok := m.resolvers[c.EntityType]; ok {
		policy = types.ResolutionMerge
		merged, mergedOK = resolver(c)
		if !mergedOK {
			policy = types.ResolutionManual
		}
	}

	switch policy {
	case types.ResolutionServerWins, types.ResolutionLastWriteWins:
		c.Resolution = types.ResolutionServerWins
		c.Resolved = true
		c.ResolvedAt = now
		return Outcome{Conflict: c}

	case types.ResolutionFirstWriteWins:
		c.Resolution = types.ResolutionFirstWriteWins
		c.Resolved = true
		c.ResolvedAt = now
		return Outcome{Conflict: c}

	case types.ResolutionClientWins:
		c.Resolution = types.ResolutionClientWins
		c.Resolved = true
		c.ResolvedAt = now
		requeue := &types.Delta{
			Operation:   types.DeltaUpdate,
			EntityType:  c.EntityType,
			EntityID:    c.EntityID,
			OldChecksum: c.BackendChecksum,
			NewChecksum: c.LocalChecksum,
			Data:        c.EdgeData,
			Priority:    types.PriorityHigh,
			Timestamp:   now,
		}
		return Outcome{Conflict: c, Requeue: requeue}

	case types.ResolutionMerge:
		if !mergedOK {
			c.Resolution = types.ResolutionManual
			c.Resolved = false
			return Outcome{Conflict: c}
		}
		c.Resolution = types.ResolutionMerge
		c.Resolved = true
		c.ResolvedAt = now
		requeue := &types.Delta{
			Operation:   types.DeltaUpdate,
			EntityType:  c.EntityType,
			EntityID:    c.EntityID,
			OldChecksum: c.BackendChecksum,
			NewChecksum: types.ChecksumBytes(merged),
			Data:        merged,
			Priority:    types.PriorityHigh,
			Timestamp:   now,
		}
		return Outcome{Conflict: c, Requeue: requeue}

	default: // Manual
		c.Resolution = types.ResolutionManual
		c.Resolved = false
		return Outcome{Conflict: c}
	}
}
