package registry

import (
	"sync"
	"time"
)

const maxResponseSamples = 100

// perfWindow accumulates operations between performance computations.
type perfWindow struct {
	mu      sync.Mutex
	samples []float64
	ops     int64
	errors  int64
	started time.Time
}

func newPerfWindow(now time.Time) *perfWindow {
	return &perfWindow{started: now, samples: make([]float64, 0, maxResponseSamples)}
}

func (w *perfWindow) record(elapsed time.Duration, failed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ops++
	if failed {
		w.errors++
		return
	}
	if len(w.samples) == maxResponseSamples {
		copy(w.samples, w.samples[1:])
		w.samples = w.samples[:maxResponseSamples-1]
	}
	w.samples = append(w.samples, float64(elapsed)/float64(time.Millisecond))
}

// roll computes the window's stats and starts a new one. prev supplies the
// average response time when the window saw no successful samples.
func (w *perfWindow) roll(now time.Time, prev PerformanceStats) PerformanceStats {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := PerformanceStats{AvgResponseTime: prev.AvgResponseTime}
	if len(w.samples) > 0 {
		var sum float64
		for _, s := range w.samples {
			sum += s
		}
		out.AvgResponseTime = sum / float64(len(w.samples))
	}
	if w.ops > 0 {
		out.ErrorRate = float64(w.errors) / float64(w.ops) * 100
	}
	if secs := now.Sub(w.started).Seconds(); secs > 0 {
		out.OperationsPerSecond = float64(w.ops) / secs
	}

	w.samples = w.samples[:0]
	w.ops, w.errors = 0, 0
	w.started = now
	return out
}
