package maintenance

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestEveryRunsRegisteredJob(t *testing.T) {
	s := New(nil)
	var calls int32
	if err := s.Every("@every 10ms", "tick", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}); err != nil {
		t.Fatalf("unexpected error registering job: %v", err)
	}
	s.Start()
	defer s.Stop()

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&calls) > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected job to run at least once")
}
