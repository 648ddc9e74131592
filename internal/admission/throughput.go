package admission

import (
	"sync/atomic"
	"time"
)

// Throughput estimates the analyzer's observed items/sec, used to compute
// the backpressure retry-delay hint (spec.md §4.3: "depth() /
// observed_throughput"). A fresh Throughput with zero observations reports
// a conservative floor rather than dividing by zero.
type Throughput struct {
	started   time.Time
	processed int64
}

// NewThroughput starts a throughput tracker at the current time.
func NewThroughput() *Throughput {
	return &Throughput{started: time.Now()}
}

// Record marks one item as having finished processing. Wired to the
// analyzer's OnProcessed hook.
func (t *Throughput) Record() {
	atomic.AddInt64(&t.processed, 1)
}

// PerSecond returns the observed items/sec since the tracker started, never
// less than a small positive floor so callers can safely divide by it.
func (t *Throughput) PerSecond() float64 {
	elapsed := time.Since(t.started).Seconds()
	if elapsed < 1 {
		elapsed = 1
	}
	rate := float64(atomic.LoadInt64(&t.processed)) / elapsed
	if rate < 0.1 {
		return 0.1
	}
	return rate
}
