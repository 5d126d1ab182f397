package metrics

import (
	"math"
	"sort"
	"sync"
)

// LatencyStats is a point-in-time view over the most recent emit
// latency samples, shaped for the health endpoint.
type LatencyStats struct {
	P50     float64 `json:"p50_ms"`
	P95     float64 `json:"p95_ms"`
	P99     float64 `json:"p99_ms"`
	Samples int     `json:"samples"`
}

// LatencyTracker keeps a fixed window of emit latencies, the wall time
// from a bar or trade event entering the session to its frame being
// handed to the socket. Thread-safe.
type LatencyTracker struct {
	mu     sync.Mutex
	ring   []float64
	next   int
	filled int
}

// NewLatencyTracker holds the last capacity samples; capacity <= 0
// picks a default large enough to smooth over bursts.
func NewLatencyTracker(capacity int) *LatencyTracker {
	if capacity <= 0 {
		capacity = 8192
	}
	return &LatencyTracker{ring: make([]float64, capacity)}
}

// Record adds one sample in milliseconds.
func (t *LatencyTracker) Record(ms float64) {
	t.mu.Lock()
	t.ring[t.next] = ms
	t.next = (t.next + 1) % len(t.ring)
	if t.filled < len(t.ring) {
		t.filled++
	}
	t.mu.Unlock()
}

// Snapshot computes percentiles over the current window. An empty
// tracker reports zeros.
func (t *LatencyTracker) Snapshot() LatencyStats {
	t.mu.Lock()
	n := t.filled
	if n == 0 {
		t.mu.Unlock()
		return LatencyStats{}
	}
	window := make([]float64, n)
	if n == len(t.ring) {
		// Full ring: oldest sample sits at next.
		copy(window, t.ring[t.next:])
		copy(window[len(t.ring)-t.next:], t.ring[:t.next])
	} else {
		copy(window, t.ring[:n])
	}
	t.mu.Unlock()

	sort.Float64s(window)
	return LatencyStats{
		P50:     quantile(window, 0.50),
		P95:     quantile(window, 0.95),
		P99:     quantile(window, 0.99),
		Samples: n,
	}
}

// quantile interpolates the q-th quantile (0..1) of a sorted slice.
func quantile(sorted []float64, q float64) float64 {
	n := len(sorted)
	switch n {
	case 0:
		return 0
	case 1:
		return sorted[0]
	}
	rank := q * float64(n-1)
	lo := int(math.Floor(rank))
	hi := lo + 1
	if hi >= n {
		return sorted[n-1]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
