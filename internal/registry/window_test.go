package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPerfWindowRoll(t *testing.T) {
	start := time.Unix(0, 0)
	w := newPerfWindow(start)

	w.record(10*time.Millisecond, false)
	w.record(30*time.Millisecond, false)
	w.record(0, true)
	w.record(0, true)

	got := w.roll(start.Add(2*time.Second), PerformanceStats{})
	assert.InDelta(t, 20.0, got.AvgResponseTime, 1e-9)
	assert.InDelta(t, 50.0, got.ErrorRate, 1e-9)
	assert.InDelta(t, 2.0, got.OperationsPerSecond, 1e-9)

	next := w.roll(start.Add(4*time.Second), got)
	assert.Equal(t, 20.0, next.AvgResponseTime, "empty window keeps the previous average")
	assert.Zero(t, next.ErrorRate)
	assert.Zero(t, next.OperationsPerSecond)
}

func TestPerfWindowKeepsLastSamples(t *testing.T) {
	w := newPerfWindow(time.Unix(0, 0))
	for n := 0; n < maxResponseSamples; n++ {
		w.record(time.Millisecond, false)
	}
	for n := 0; n < maxResponseSamples; n++ {
		w.record(3*time.Millisecond, false)
	}
	got := w.roll(time.Unix(1, 0), PerformanceStats{})
	assert.InDelta(t, 3.0, got.AvgResponseTime, 1e-9)
	assert.InDelta(t, float64(2*maxResponseSamples), got.OperationsPerSecond, 1e-9)
}

func TestMemoryStatsPercentage(t *testing.T) {
	m := newMemoryStats(15*1024*1024, 30*1024*1024)
	assert.InDelta(t, 50.0, m.Percentage, 1e-9)
	assert.Zero(t, newMemoryStats(10, 0).Percentage)
}

func TestConnectionStateText(t *testing.T) {
	b, err := StateReady.MarshalText()
	assert.NoError(t, err)
	assert.Equal(t, "ready", string(b))
	assert.Equal(t, "unknown", ConnectionState(42).String())
}
