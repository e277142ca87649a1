package analytics

import (
	"sync"
	"time"
)

// Sample is one per-minute observation of an instance.
type Sample struct {
	Timestamp    time.Time `json:"timestamp"`
	MemoryUsed   int64     `json:"memoryUsage"` // bytes
	Operations   float64   `json:"operations"`  // per second
	ResponseTime float64   `json:"responseTime"`
	ErrorRate    float64   `json:"errors"`
}

// store keeps samples per instance for a fixed retention.
type store struct {
	mu        sync.RWMutex
	retention time.Duration
	samples   map[string][]Sample
}

func newStore(retention time.Duration) *store {
	return &store{retention: retention, samples: make(map[string][]Sample)}
}

func (s *store) add(id string, sample Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := append(s.samples[id], sample)
	cutoff := sample.Timestamp.Add(-s.retention)
	i := 0
	for i < len(h) && !h[i].Timestamp.After(cutoff) {
		i++
	}
	if i > 0 {
		h = append([]Sample(nil), h[i:]...)
	}
	s.samples[id] = h
}

// history returns a copy of id's samples, oldest first.
func (s *store) history(id string) []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append(make([]Sample, 0, len(s.samples[id])), s.samples[id]...)
}

// between returns the samples of every instance in [from, to).
func (s *store) between(from, to time.Time) map[string][]Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]Sample)
	for id, h := range s.samples {
		for _, smp := range h {
			if !smp.Timestamp.Before(from) && smp.Timestamp.Before(to) {
				out[id] = append(out[id], smp)
			}
		}
	}
	return out
}

// nearest returns the sample closest to at. The zero sample stamped at
// is returned when id has no history.
func (s *store) nearest(id string, at time.Time) Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := s.samples[id]
	if len(h) == 0 {
		return Sample{Timestamp: at}
	}
	best := h[0]
	bestDiff := absDuration(best.Timestamp.Sub(at))
	for _, smp := range h[1:] {
		if d := absDuration(smp.Timestamp.Sub(at)); d < bestDiff {
			best, bestDiff = smp, d
		}
	}
	return best
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
