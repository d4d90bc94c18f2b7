package predictor

import (
	"testing"
	"time"

	"github.com/swarmguard/edgecore/config"
)

func TestPredictNextFollowsBigramPattern(t *testing.T) {
	p := New(config.Default().Predictor)
	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		p.RecordAction("u1", "view_item", base)
		p.RecordAction("u1", "add_to_cart", base.Add(time.Minute))
	}
	preds := p.PredictNext("u1", "", 3, base)
	if len(preds) == 0 {
		t.Fatalf("expected at least one prediction")
	}
	if preds[0].Action != "view_item" {
		t.Fatalf("expected view_item (what follows add_to_cart) as top prediction, got %s", preds[0].Action)
	}
}

func TestPrefetchSlotEvictsLowestConfidenceWhenFull(t *testing.T) {
	slot := newPrefetchSlot(2)
	now := time.Now()
	slot.Put("a", []string{"k1"}, 0.9, 60, now)
	slot.Put("b", []string{"k2"}, 0.3, 60, now)
	slot.Put("c", []string{"k3"}, 0.95, 60, now)
	if slot.Len() != 2 {
		t.Fatalf("expected slot capped at 2, got %d", slot.Len())
	}
	if _, ok := slot.Keys("b", now); ok {
		t.Fatalf("expected lowest-confidence entry b to have been evicted")
	}
}

func TestPrefetchKeysExpire(t *testing.T) {
	slot := newPrefetchSlot(5)
	now := time.Now()
	slot.Put("a", []string{"k1"}, 0.9, 1, now)
	if _, ok := slot.Keys("a", now.Add(2*time.Second)); ok {
		t.Fatalf("expected expired entry to be absent")
	}
}

func TestAdaptiveThresholdRisesOnLowHitRate(t *testing.T) {
	cfg := config.Default().Predictor
	cfg.AdaptiveSampleSize = 10
	p := New(cfg)
	for i := 0; i < 10; i++ {
		p.RecordPrefetchOutcome(false)
	}
	if p.CurrentThreshold() <= cfg.InitialThreshold {
		t.Fatalf("expected threshold to rise after low hit-rate sample, got %f", p.CurrentThreshold())
	}
}

func TestAdaptiveThresholdFallsOnHighHitRate(t *testing.T) {
	cfg := config.Default().Predictor
	cfg.AdaptiveSampleSize = 10
	p := New(cfg)
	for i := 0; i < 10; i++ {
		p.RecordPrefetchOutcome(true)
	}
	if p.CurrentThreshold() >= cfg.InitialThreshold {
		t.Fatalf("expected threshold to fall after high hit-rate sample, got %f", p.CurrentThreshold())
	}
}
