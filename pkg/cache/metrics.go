package cache

import "time"

// maxDurationSamples bounds the rolling operation-latency sample
const maxDurationSamples = 1000

// durationRing is a fixed-capacity rolling sample of operation durations
type durationRing struct {
	samples [maxDurationSamples]time.Duration
	next    int
	count   int
}

func (r *durationRing) record(d time.Duration) {
	r.samples[r.next] = d
	r.next = (r.next + 1) % maxDurationSamples
	if r.count < maxDurationSamples {
		r.count++
	}
}

func (r *durationRing) mean() time.Duration {
	if r.count == 0 {
		return 0
	}
	var total time.Duration
	for i := 0; i < r.count; i++ {
		total += r.samples[i]
	}
	return total / time.Duration(r.count)
}

func (r *durationRing) reset() {
	r.next = 0
	r.count = 0
}

// metricsState is the manager-owned counter set. The manager's lock guards
// every mutation.
type metricsState struct {
	l1Hits   uint64
	l1Misses uint64
	l2Hits   uint64
	l2Misses uint64
	l3Hits   uint64
	l3Misses uint64

	writes          uint64
	writeFailures   uint64
	deletes         uint64
	invalidations   uint64
	warmingOps      uint64
	warmingFailures uint64
	totalOperations uint64

	durations durationRing
}

// MetricsSnapshot is the externally visible view of cache metrics
type MetricsSnapshot struct {
	L1Hits   uint64 `json:"l1_hits"`
	L1Misses uint64 `json:"l1_misses"`
	L2Hits   uint64 `json:"l2_hits"`
	L2Misses uint64 `json:"l2_misses"`
	L3Hits   uint64 `json:"l3_hits"`
	L3Misses uint64 `json:"l3_misses"`

	Writes          uint64 `json:"writes"`
	WriteFailures   uint64 `json:"write_failures"`
	Deletes         uint64 `json:"deletes"`
	Invalidations   uint64 `json:"invalidations"`
	WarmingOps      uint64 `json:"warming_operations"`
	WarmingFailures uint64 `json:"warming_failures"`
	TotalOperations uint64 `json:"total_operations"`

	// HitRate is (l1+l2+l3 hits) / (all hits + all misses).
	HitRate      float64 `json:"hit_rate"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	SampleCount  int     `json:"sample_count"`
}

func (m *metricsState) snapshot() MetricsSnapshot {
	hits := m.l1Hits + m.l2Hits + m.l3Hits
	misses := m.l1Misses + m.l2Misses + m.l3Misses
	rate := 0.0
	if hits+misses > 0 {
		rate = float64(hits) / float64(hits+misses)
	}
	return MetricsSnapshot{
		L1Hits:          m.l1Hits,
		L1Misses:        m.l1Misses,
		L2Hits:          m.l2Hits,
		L2Misses:        m.l2Misses,
		L3Hits:          m.l3Hits,
		L3Misses:        m.l3Misses,
		Writes:          m.writes,
		WriteFailures:   m.writeFailures,
		Deletes:         m.deletes,
		Invalidations:   m.invalidations,
		WarmingOps:      m.warmingOps,
		WarmingFailures: m.warmingFailures,
		TotalOperations: m.totalOperations,
		HitRate:         rate,
		AvgLatencyMs:    float64(m.durations.mean()) / float64(time.Millisecond),
		SampleCount:     m.durations.count,
	}
}

func (m *metricsState) reset() {
	*m = metricsState{}
}
