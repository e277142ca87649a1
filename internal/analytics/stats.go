package analytics

import "math"

// Trend is the direction of an instance's error rate.
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
)

// GrowthRate fits a least-squares line through values, taken one minute
// apart, and returns the slope per hour.
func GrowthRate(values []float64) float64 {
	n := float64(len(values))
	if len(values) < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range values {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	slope := (n*sumXY - sumX*sumY) / (n*sumXX - sumX*sumX)
	return slope * 60
}

// ErrorTrend compares the mean of the last 30 values with the 30 before
// them, using a 10% band.
func ErrorTrend(values []float64) Trend {
	if len(values) <= 30 {
		return TrendStable
	}
	recent := values[len(values)-30:]
	olderStart := len(values) - 60
	if olderStart < 0 {
		olderStart = 0
	}
	older := values[olderStart : len(values)-30]

	recentAvg, olderAvg := mean(recent), mean(older)
	switch {
	case recentAvg > olderAvg*1.1:
		return TrendIncreasing
	case recentAvg < olderAvg*0.9:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

// DistributionBalance scores how evenly memory is spread: 1 − σ/100,
// floored at zero. One instance or none is perfectly balanced.
func DistributionBalance(percentages []float64) float64 {
	if len(percentages) <= 1 {
		return 1
	}
	return math.Max(0, 1-stddev(percentages)/100)
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stddev(values []float64) float64 {
	m := mean(values)
	var variance float64
	for _, v := range values {
		variance += (v - m) * (v - m)
	}
	return math.Sqrt(variance / float64(len(values)))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func toMB(bytes int64) float64 {
	return float64(bytes) / (1024 * 1024)
}
