package analytics

import (
	"math"
	"testing"
)

func TestGrowthRate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		values []float64
		want   float64
	}{
		{"empty", nil, 0},
		{"single", []float64{5}, 0},
		{"flat", []float64{3, 3, 3, 3}, 0},
		{"one per minute", []float64{10, 11, 12, 13, 14}, 60},
		{"shrinking", []float64{4, 3, 2, 1}, -60},
	}
	for _, tt := range tests {
		if got := GrowthRate(tt.values); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("%s: GrowthRate() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestErrorTrend(t *testing.T) {
	t.Parallel()

	series := func(older, recent float64) []float64 {
		out := make([]float64, 0, 60)
		for i := 0; i < 30; i++ {
			out = append(out, older)
		}
		for i := 0; i < 30; i++ {
			out = append(out, recent)
		}
		return out
	}

	tests := []struct {
		name   string
		values []float64
		want   Trend
	}{
		{"too short", []float64{1, 2, 3}, TrendStable},
		{"rising", series(1, 2), TrendIncreasing},
		{"falling", series(2, 1), TrendDecreasing},
		{"within band", series(1, 1.05), TrendStable},
		{"both zero", series(0, 0), TrendStable},
	}
	for _, tt := range tests {
		if got := ErrorTrend(tt.values); got != tt.want {
			t.Errorf("%s: ErrorTrend() = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestDistributionBalance(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   []float64
		want float64
	}{
		{nil, 1},
		{[]float64{80}, 1},
		{[]float64{50, 50, 50}, 1},
		{[]float64{50, 20}, 0.85},
		{[]float64{0, 100}, 0.5},
	}
	for _, tt := range tests {
		if got := DistributionBalance(tt.in); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("DistributionBalance(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
