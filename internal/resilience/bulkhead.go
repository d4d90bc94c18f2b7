package resilience

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/edgecore/config"
	"github.com/swarmguard/edgecore/internal/types"
)

// Bulkhead admits at most MaxConcurrent calls; additional callers wait as
// queued up to MaxQueueSize for QueueTimeoutMS before being rejected.
type Bulkhead struct {
	mu            sync.Mutex
	cfg           config.BulkheadConfig
	active        int
	queued        int
	rejectedTotal int64
	freed         chan struct{} // closed and replaced each time a slot frees up
	rejects       metric.Int64Counter
}

// NewBulkhead constructs a bulkhead from its config.
func NewBulkhead(cfg config.BulkheadConfig, rejectCounter metric.Int64Counter) *Bulkhead {
	return &Bulkhead{cfg: cfg, rejects: rejectCounter, freed: make(chan struct{})}
}

// Acquire blocks until a slot is free, the queue is full, the queue timeout
// elapses, or ctx is cancelled. On success it returns a release func that
// must be called exactly once.
func (b *Bulkhead) Acquire(ctx context.Context) (func(), error) {
	b.mu.Lock()
	if b.active < b.cfg.MaxConcurrent {
		b.active++
		b.mu.Unlock()
		return b.release, nil
	}
	if b.queued >= b.cfg.MaxQueueSize {
		active, queued := b.active, b.queued
		b.rejectedTotal++
		b.mu.Unlock()
		if b.rejects != nil {
			b.rejects.Add(ctx, 1)
		}
		return nil, &types.BulkheadFullError{Active: active, Queued: queued}
	}
	b.queued++
	b.mu.Unlock()
	defer b.leaveQueue()

	deadline := time.NewTimer(time.Duration(b.cfg.QueueTimeoutMS) * time.Millisecond)
	defer deadline.Stop()
	for {
		b.mu.Lock()
		if b.active < b.cfg.MaxConcurrent {
			b.active++
			b.mu.Unlock()
			return b.release, nil
		}
		wake := b.freed
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			active, queued := b.Stats()
			b.mu.Lock()
			b.rejectedTotal++
			b.mu.Unlock()
			if b.rejects != nil {
				b.rejects.Add(ctx, 1)
			}
			return nil, &types.BulkheadFullError{Active: active, Queued: queued}
		case <-wake:
		}
	}
}

func (b *Bulkhead) leaveQueue() {
	b.mu.Lock()
	if b.queued > 0 {
		b.queued--
	}
	b.mu.Unlock()
}

func (b *Bulkhead) release() {
	b.mu.Lock()
	if b.active > 0 {
		b.active--
	}
	close(b.freed)
	b.freed = make(chan struct{})
	b.mu.Unlock()
}

// Stats reports the current admission counters.
func (b *Bulkhead) Stats() (active, queued int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active, b.queued
}

// Rejections reports the total number of calls rejected for a full queue
// or an expired queue timeout, for metrics reporting.
func (b *Bulkhead) Rejections() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rejectedTotal
}
