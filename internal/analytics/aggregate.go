package analytics

import (
	"context"
	"time"
)

// InstanceAggregate summarises one instance over an hour.
type InstanceAggregate struct {
	Samples         int     `json:"samples"`
	AvgMemoryMB     float64 `json:"avgMemoryMB"`
	PeakMemoryMB    float64 `json:"peakMemoryMB"`
	AvgOperations   float64 `json:"avgOperations"`
	AvgResponseTime float64 `json:"avgResponseTime"`
	AvgErrorRate    float64 `json:"avgErrorRate"`
}

// HourlyAggregate summarises every instance over one closed hour.
type HourlyAggregate struct {
	Hour      time.Time                    `json:"hour"`
	Instances map[string]InstanceAggregate `json:"instances"`
}

// Aggregate summarises samples per instance.
func Aggregate(hour time.Time, samples map[string][]Sample) HourlyAggregate {
	agg := HourlyAggregate{Hour: hour, Instances: make(map[string]InstanceAggregate, len(samples))}
	for id, h := range samples {
		if len(h) == 0 {
			continue
		}
		var ia InstanceAggregate
		var mem, ops, resp, errs float64
		for _, smp := range h {
			mb := toMB(smp.MemoryUsed)
			mem += mb
			if mb > ia.PeakMemoryMB {
				ia.PeakMemoryMB = mb
			}
			ops += smp.Operations
			resp += smp.ResponseTime
			errs += smp.ErrorRate
		}
		n := float64(len(h))
		ia.Samples = len(h)
		ia.AvgMemoryMB = round2(mem / n)
		ia.PeakMemoryMB = round2(ia.PeakMemoryMB)
		ia.AvgOperations = round2(ops / n)
		ia.AvgResponseTime = round2(resp / n)
		ia.AvgErrorRate = round2(errs / n)
		agg.Instances[id] = ia
	}
	return agg
}

// HourlyAggregates returns the aggregates kept in memory, oldest first.
func (s *Service) HourlyAggregates() []HourlyAggregate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append(make([]HourlyAggregate, 0, len(s.aggregates)), s.aggregates...)
}

func (s *Service) storeHourlyAggregate(ctx context.Context, hour time.Time) {
	agg := Aggregate(hour, s.samples.between(hour, hour.Add(time.Hour)))

	s.mu.Lock()
	s.aggregates = append(s.aggregates, agg)
	if len(s.aggregates) > maxAggregates {
		s.aggregates = append([]HourlyAggregate(nil), s.aggregates[len(s.aggregates)-maxAggregates:]...)
	}
	s.mu.Unlock()

	s.logger.Debug("Storing hourly aggregates", map[string]interface{}{
		"hour":      hour.Format(time.RFC3339),
		"instances": len(agg.Instances),
	})
	if s.sink == nil {
		return
	}
	if err := s.sink.SaveAggregate(ctx, agg); err != nil {
		s.logger.Error("Failed to store hourly aggregate", map[string]interface{}{
			"hour":  hour.Format(time.RFC3339),
			"error": err.Error(),
		})
	}
}
