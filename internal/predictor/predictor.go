// Package predictor anticipates a user's next action and the data keys it
// will need, generalized from original_source/agent/edge/predictive_agent.py's
// bigram/trigram pattern matcher and hour/day time predictor into the
// combined bigram+trigram+time-of-day scoring model of §4.4.
package predictor

import (
	"sort"
	"sync"
	"time"

	"github.com/swarmguard/edgecore/config"
)

// Prediction is one scored candidate next action.
type Prediction struct {
	Action     string
	Confidence float64
}

type userHistory struct {
	actions []actionEvent // bounded ring, newest last
}

type actionEvent struct {
	action string
	at     time.Time
}

// Predictor holds per-user action history, bigram/trigram transition
// tables, and hour/day histograms, plus the bounded prefetch slot.
type Predictor struct {
	mu sync.Mutex

	cfg config.PredictorConfig

	histories map[string]*userHistory
	bigram    map[string]map[string]int // prevAction -> nextAction -> count
	trigram   map[string]map[string]int // "a1\x00a2" -> nextAction -> count
	hourHist  map[string]map[int]map[string]int
	dayHist   map[string]map[int]map[string]int

	threshold     float64
	sampleOutcome []bool // recent prefetch-used/unused flags for adaptive threshold

	prefetch *prefetchSlot
}

// New constructs a Predictor using cfg's weights and thresholds.
func New(cfg config.PredictorConfig) *Predictor {
	return &Predictor{
		cfg:       cfg,
		histories: make(map[string]*userHistory),
		bigram:    make(map[string]map[string]int),
		trigram:   make(map[string]map[string]int),
		hourHist:  make(map[string]map[int]map[string]int),
		dayHist:   make(map[string]map[int]map[string]int),
		threshold: cfg.InitialThreshold,
		prefetch:  newPrefetchSlot(cfg.MaxPrefetchItems),
	}
}

// RecordAction learns from one observed (user, action) event at t, updating
// the bigram/trigram tables and the hour-of-day/day-of-week histograms.
// Retention is capped at cfg.MaxHistoryPerUser, oldest evicted first.
func (p *Predictor) RecordAction(userID, action string, t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.histories[userID]
	if !ok {
		h = &userHistory{}
		p.histories[userID] = h
	}
	prevLen := len(h.actions)
	h.actions = append(h.actions, actionEvent{action: action, at: t})
	if len(h.actions) > p.cfg.MaxHistoryPerUser {
		h.actions = h.actions[len(h.actions)-p.cfg.MaxHistoryPerUser:]
	}

	if prevLen >= 1 {
		prev := h.actions[len(h.actions)-2].action
		incr(p.bigram, prev, action)
	}
	if prevLen >= 2 {
		a1 := h.actions[len(h.actions)-3].action
		a2 := h.actions[len(h.actions)-2].action
		incr(p.trigram, a1+"\x00"+a2, action)
	}

	incrHist(p.hourHist, userID, t.Hour(), action)
	incrHist(p.dayHist, userID, int(t.Weekday()), action)
}

func incr(table map[string]map[string]int, key, action string) {
	bucket, ok := table[key]
	if !ok {
		bucket = make(map[string]int)
		table[key] = bucket
	}
	bucket[action]++
}

func incrHist(table map[string]map[int]map[string]int, userID string, slot int, action string) {
	byUser, ok := table[userID]
	if !ok {
		byUser = make(map[int]map[string]int)
		table[userID] = byUser
	}
	bySlot, ok := byUser[slot]
	if !ok {
		bySlot = make(map[string]int)
		byUser[slot] = bySlot
	}
	bySlot[action]++
}

// PredictNext returns the top-k scored candidate next actions for userID,
// combining bigram/trigram transition probabilities with time-of-day and
// day-of-week histograms, boosted by currentPage substring matches.
func (p *Predictor) PredictNext(userID, currentPage string, k int, at time.Time) []Prediction {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.histories[userID]
	if !ok || len(h.actions) == 0 {
		return nil
	}
	last := h.actions[len(h.actions)-1].action
	var prev2, prev1 string
	if len(h.actions) >= 2 {
		prev2 = h.actions[len(h.actions)-2].action
		prev1 = last
	}

	scores := make(map[string]float64)

	if bucket, ok := p.bigram[last]; ok {
		total := sumCounts(bucket)
		for action, count := range bucket {
			scores[action] += p.cfg.BigramWeight * (float64(count) / float64(total))
		}
	}
	if prev2 != "" {
		if bucket, ok := p.trigram[prev2+"\x00"+prev1]; ok {
			total := sumCounts(bucket)
			for action, count := range bucket {
				scores[action] += p.cfg.TrigramWeight * (float64(count) / float64(total))
			}
		}
	}
	timeWeight := p.cfg.TimeOfDayWeight / 2
	if byHour, ok := p.hourHist[userID]; ok {
		if bucket, ok := byHour[at.Hour()]; ok {
			total := sumCounts(bucket)
			for action, count := range bucket {
				scores[action] += timeWeight * (float64(count) / float64(total))
			}
		}
	}
	if byDay, ok := p.dayHist[userID]; ok {
		if bucket, ok := byDay[int(at.Weekday())]; ok {
			total := sumCounts(bucket)
			for action, count := range bucket {
				scores[action] += timeWeight * (float64(count) / float64(total))
			}
		}
	}

	for action := range scores {
		if currentPage != "" && contains(action, currentPage) {
			scores[action] *= 1.2
		}
		if scores[action] > 1.0 {
			scores[action] = 1.0
		}
	}

	out := make([]Prediction, 0, len(scores))
	for action, score := range scores {
		out = append(out, Prediction{Action: action, Confidence: score})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	if len(out) > k {
		out = out[:k]
	}
	return out
}

func sumCounts(bucket map[string]int) int {
	total := 0
	for _, c := range bucket {
		total += c
	}
	if total == 0 {
		return 1
	}
	return total
}

func contains(haystack, needle string) bool {
	if needle == "" {
		return false
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

// CurrentThreshold returns the adaptive confidence threshold (§4.4).
func (p *Predictor) CurrentThreshold() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.threshold
}

// RecordPrefetchOutcome feeds the adaptive threshold: after every
// AdaptiveSampleSize observations, a low hit-rate raises the threshold and a
// high hit-rate lowers it, clamped to [ThresholdFloor, ThresholdCeiling].
func (p *Predictor) RecordPrefetchOutcome(wasUsed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sampleOutcome = append(p.sampleOutcome, wasUsed)
	if len(p.sampleOutcome) < p.cfg.AdaptiveSampleSize {
		return
	}
	hits := 0
	for _, used := range p.sampleOutcome {
		if used {
			hits++
		}
	}
	hitRate := float64(hits) / float64(len(p.sampleOutcome))
	switch {
	case hitRate < 0.5:
		p.threshold += p.cfg.ThresholdStep
		if p.threshold > p.cfg.ThresholdCeiling {
			p.threshold = p.cfg.ThresholdCeiling
		}
	case hitRate > 0.7:
		p.threshold -= p.cfg.ThresholdStep
		if p.threshold < p.cfg.ThresholdFloor {
			p.threshold = p.cfg.ThresholdFloor
		}
	}
	p.sampleOutcome = p.sampleOutcome[:0]
}

// Prefetch exposes the bounded prefetch slot for Core.PredictAndPrefetch.
func (p *Predictor) Prefetch() *prefetchSlot {
	return p.prefetch
}

// Stats is the predictor subtree of get_metrics (§6).
type Stats struct {
	Threshold      float64
	HitRate        float64
	PrefetchActive int
}

// Stats reports the predictor subtree for get_metrics. HitRate reflects the
// current (incomplete) adaptive sample window, 0 if no outcomes recorded yet.
func (p *Predictor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	var hitRate float64
	if len(p.sampleOutcome) > 0 {
		hits := 0
		for _, used := range p.sampleOutcome {
			if used {
				hits++
			}
		}
		hitRate = float64(hits) / float64(len(p.sampleOutcome))
	}
	return Stats{
		Threshold:      p.threshold,
		HitRate:        hitRate,
		PrefetchActive: p.prefetch.Len(),
	}
}
