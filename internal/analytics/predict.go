package analytics

import (
	"encoding/json"
	"math"
)

// PredictedUsage is projected memory use in MB.
type PredictedUsage struct {
	NextHour int64 `json:"nextHour"`
	NextDay  int64 `json:"nextDay"`
	NextWeek int64 `json:"nextWeek"`
}

// TimeToCapacity estimates when an instance fills up. Hours is +Inf when
// usage is flat or shrinking.
type TimeToCapacity struct {
	Hours      float64 `json:"hours"`
	Confidence float64 `json:"confidence"`
}

// MarshalJSON encodes an infinite Hours as null.
func (t TimeToCapacity) MarshalJSON() ([]byte, error) {
	out := struct {
		Hours      *float64 `json:"hours"`
		Confidence float64  `json:"confidence"`
	}{Confidence: t.Confidence}
	if !math.IsInf(t.Hours, 0) && !math.IsNaN(t.Hours) {
		h := t.Hours
		out.Hours = &h
	}
	return json.Marshal(out)
}

// CapacityPrediction projects one instance's memory growth. Sizes are MB.
type CapacityPrediction struct {
	InstanceID      string         `json:"instanceId"`
	CurrentUsage    int64          `json:"currentUsage"`
	MaxCapacity     int64          `json:"maxCapacity"`
	PredictedUsage  PredictedUsage `json:"predictedUsage"`
	TimeToCapacity  TimeToCapacity `json:"timeToCapacity"`
	Recommendations []string       `json:"recommendations"`
}

// PredictCapacity projects memory use for every instance from its
// retained samples.
func (s *Service) PredictCapacity() []CapacityPrediction {
	statuses := s.registry.Statuses()
	out := make([]CapacityPrediction, 0, len(statuses))

	for _, st := range statuses {
		current := toMB(st.Memory.Used)
		maxMB := toMB(st.Memory.Max)
		h := s.samples.history(st.ID)

		if len(h) < minSamples {
			flat := int64(math.Round(current))
			out = append(out, CapacityPrediction{
				InstanceID:      st.ID,
				CurrentUsage:    flat,
				MaxCapacity:     int64(math.Round(maxMB)),
				PredictedUsage:  PredictedUsage{NextHour: flat, NextDay: flat, NextWeek: flat},
				TimeToCapacity:  TimeToCapacity{Hours: math.Inf(1)},
				Recommendations: []string{"Insufficient historical data for accurate prediction"},
			})
			continue
		}

		mem := make([]float64, len(h))
		for i, smp := range h {
			mem[i] = toMB(smp.MemoryUsed)
		}
		growth := GrowthRate(mem)

		project := func(hours float64) int64 {
			return int64(math.Round(math.Max(0, current+growth*hours)))
		}
		hours := math.Inf(1)
		if growth > 0 {
			hours = math.Round((maxMB - current) / growth)
		}

		out = append(out, CapacityPrediction{
			InstanceID:   st.ID,
			CurrentUsage: int64(math.Round(current)),
			MaxCapacity:  int64(math.Round(maxMB)),
			PredictedUsage: PredictedUsage{
				NextHour: project(1),
				NextDay:  project(24),
				NextWeek: project(24 * 7),
			},
			TimeToCapacity: TimeToCapacity{
				Hours:      hours,
				Confidence: round2(math.Min(1, float64(len(h))/100)),
			},
			Recommendations: capacityRecommendations(current, maxMB, growth, hours),
		})
	}
	return out
}

func capacityRecommendations(current, maxMB, growth, hours float64) []string {
	var recs []string
	var utilization float64
	if maxMB > 0 {
		utilization = current / maxMB * 100
	}
	switch {
	case utilization > 90:
		recs = append(recs, "Critical: Memory usage is very high, immediate action required")
	case utilization > 80:
		recs = append(recs, "Warning: Memory usage is high, monitor closely")
	}
	switch {
	case hours < 24:
		recs = append(recs, "Urgent: Will reach capacity within 24 hours")
	case hours < 168:
		recs = append(recs, "Plan capacity expansion within the next week")
	}
	if growth > 1 {
		recs = append(recs, "High growth rate detected, consider proactive scaling")
	}
	if len(recs) == 0 {
		recs = append(recs, "Instance is operating within normal parameters")
	}
	return recs
}
