// Package metrics collects in-process latency samples for the gateway's hot
// operations in fixed-size ring buffers. Snapshots are computed on read and
// served as JSON by the HTTP surface.
//
// The recorder mutex is a leaf in the lock order: no other lock is ever
// taken while holding it.
package metrics

import (
	"sort"
	"sync"
	"time"
)

// Operation names recorded by the gateway.
const (
	OpToolCall    = "tool_call"
	OpLLMCall     = "llm_call"
	OpPoolAcquire = "pool_acquire"
	OpHealthCheck = "health_check"
)

// DefaultWindow is the ring capacity used by NewRecorder when size <= 0.
const DefaultWindow = 256

// Recorder holds one latency ring per operation name.
type Recorder struct {
	mu   sync.Mutex
	size int
	ops  map[string]*ring
}

type ring struct {
	samples []time.Duration
	next    int
	full    bool
	count   uint64
	errors  uint64
}

// OpStats is a point-in-time summary of one operation's ring.
type OpStats struct {
	Count  uint64  `json:"count"`
	Errors uint64  `json:"errors"`
	Window int     `json:"window"`
	AvgMS  float64 `json:"avg_ms"`
	P50MS  float64 `json:"p50_ms"`
	P95MS  float64 `json:"p95_ms"`
	MaxMS  float64 `json:"max_ms"`
}

// NewRecorder creates a recorder with the given ring capacity per operation.
func NewRecorder(size int) *Recorder {
	if size <= 0 {
		size = DefaultWindow
	}
	return &Recorder{
		size: size,
		ops:  make(map[string]*ring),
	}
}

// Record adds one observation for the operation.
func (r *Recorder) Record(op string, d time.Duration, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rg := r.ops[op]
	if rg == nil {
		rg = &ring{samples: make([]time.Duration, r.size)}
		r.ops[op] = rg
	}
	rg.samples[rg.next] = d
	rg.next++
	if rg.next == len(rg.samples) {
		rg.next = 0
		rg.full = true
	}
	rg.count++
	if !ok {
		rg.errors++
	}
}

// Observe starts a timer for op. The returned closure records the elapsed
// time and outcome when called.
func (r *Recorder) Observe(op string) func(ok bool) {
	start := time.Now()
	return func(ok bool) {
		r.Record(op, time.Since(start), ok)
	}
}

// Snapshot summarises every ring. Percentiles cover only the retained window;
// Count and Errors are lifetime totals.
func (r *Recorder) Snapshot() map[string]OpStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make(map[string]OpStats, len(r.ops))
	for op, rg := range r.ops {
		window := rg.next
		if rg.full {
			window = len(rg.samples)
		}
		stats := OpStats{Count: rg.count, Errors: rg.errors, Window: window}
		if window > 0 {
			sorted := make([]time.Duration, window)
			copy(sorted, rg.samples[:window])
			sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

			var total time.Duration
			for _, d := range sorted {
				total += d
			}
			stats.AvgMS = toMS(total / time.Duration(window))
			stats.P50MS = toMS(percentile(sorted, 50))
			stats.P95MS = toMS(percentile(sorted, 95))
			stats.MaxMS = toMS(sorted[window-1])
		}
		result[op] = stats
	}
	return result
}

// percentile picks from a sorted slice using the nearest-rank method.
func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

func toMS(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
