package router

// Strategy is the rule-9 tiebreaker applied once no earlier rule has fired.
type Strategy string

const (
	StrategyAdaptive          Strategy = "adaptive"
	StrategyPrivacyFirst      Strategy = "privacy_first"
	StrategyLatencyOptimized  Strategy = "latency_optimized"
	StrategyCostOptimized     Strategy = "cost_optimized"
)

// outcomeBucket holds the adaptive moving averages for one (agent_type,
// operation, location) triple.
type outcomeBucket struct {
	successEMA float64
	latencyEMA float64
	p95        float64
	samples    []float64 // bounded ring of recent latencies for P95 estimation
	seeded     bool
}

const emaAlpha = 0.2
const maxOutcomeSamples = 10_000

func (b *outcomeBucket) record(success bool, latencyMS float64) {
	successVal := 0.0
	if success {
		successVal = 1.0
	}
	if !b.seeded {
		b.successEMA = successVal
		b.latencyEMA = latencyMS
		b.seeded = true
	} else {
		b.successEMA = emaAlpha*successVal + (1-emaAlpha)*b.successEMA
		b.latencyEMA = emaAlpha*latencyMS + (1-emaAlpha)*b.latencyEMA
	}
	b.samples = append(b.samples, latencyMS)
	if len(b.samples) > maxOutcomeSamples {
		b.samples = b.samples[len(b.samples)-maxOutcomeSamples:]
	}
	b.p95 = percentile(b.samples, 0.95)
}

func percentile(samples []float64, p float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]float64(nil), samples...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

// score computes a 0..1 placement score favoring edge for a given strategy,
// using the edge and backend buckets observed for the same (agent, op) pair.
func score(strategy Strategy, edge, backend *outcomeBucket) (preferEdge bool, confidence float64) {
	switch strategy {
	case StrategyPrivacyFirst:
		return true, 0.9
	case StrategyLatencyOptimized:
		if edge == nil || !edge.seeded {
			return false, 0.5
		}
		if backend == nil || !backend.seeded {
			return true, 0.5
		}
		if edge.p95 <= backend.p95 {
			return true, 0.6
		}
		return false, 0.6
	case StrategyCostOptimized:
		return true, 0.8
	default: // adaptive
		if edge == nil || !edge.seeded {
			return false, 0.5
		}
		if backend == nil || !backend.seeded {
			return true, 0.6
		}
		edgeValue := edge.successEMA - normalizeLatency(edge.latencyEMA)
		backendValue := backend.successEMA - normalizeLatency(backend.latencyEMA)
		if edgeValue >= backendValue {
			return true, 0.5 + (edgeValue-backendValue)/2
		}
		return false, 0.5 + (backendValue-edgeValue)/2
	}
}

func normalizeLatency(ms float64) float64 {
	// Maps latency onto a roughly [0,1] penalty; 1s+ round-trips saturate.
	if ms <= 0 {
		return 0
	}
	if ms >= 1000 {
		return 1
	}
	return ms / 1000
}
