package analytics

import (
	"fmt"
	"strconv"
	"time"
)

// InstanceReport is the per-instance part of a PerformanceReport.
type InstanceReport struct {
	InstanceID      string            `json:"instanceId"`
	Summary         string            `json:"summary"`
	Metrics         map[string]string `json:"metrics"`
	Recommendations []string          `json:"recommendations"`
}

// PerformanceReport is a human-readable digest of analytics and predictions.
type PerformanceReport struct {
	GeneratedAt           time.Time         `json:"generatedAt"`
	ExecutiveSummary      string            `json:"executiveSummary"`
	KeyMetrics            map[string]string `json:"keyMetrics"`
	InstanceReports       []InstanceReport  `json:"instanceReports"`
	SystemRecommendations []string          `json:"systemRecommendations"`
}

// Report builds a performance report.
func (s *Service) Report() PerformanceReport {
	a := s.Analytics()
	predictions := make(map[string]CapacityPrediction)
	for _, p := range s.PredictCapacity() {
		predictions[p.InstanceID] = p
	}

	var reliability float64
	if a.Summary.TotalInstances > 0 {
		reliability = float64(a.Summary.HealthyInstances) / float64(a.Summary.TotalInstances) * 100
	}

	r := PerformanceReport{
		GeneratedAt:      a.Timestamp,
		ExecutiveSummary: executiveSummary(a),
		KeyMetrics: map[string]string{
			"totalCapacity": fmt.Sprintf("%dMB", a.Summary.TotalMemoryMax),
			"utilization":   fmt.Sprintf("%.1f%%", a.Summary.MemoryUtilization),
			"performance":   formatFloat(a.Summary.AverageResponseTime) + "ms avg response",
			"reliability":   fmt.Sprintf("%.1f%% uptime", reliability),
			"efficiency":    fmt.Sprintf("%.1f%% load balance efficiency", a.LoadBalancing.Efficiency*100),
		},
	}

	for _, inst := range a.Instances {
		growth := "N/A"
		if p, ok := predictions[inst.ID]; ok {
			growth = fmt.Sprintf("%dMB in 24h", p.PredictedUsage.NextDay)
		}
		st := inst.Status
		r.InstanceReports = append(r.InstanceReports, InstanceReport{
			InstanceID: inst.ID,
			Summary:    instanceSummary(inst),
			Metrics: map[string]string{
				"memoryUsage":     fmt.Sprintf("%.1f%%", st.Memory.Percentage),
				"responseTime":    formatFloat(st.Performance.AvgResponseTime) + "ms",
				"errorRate":       fmt.Sprintf("%.2f%%", st.Performance.ErrorRate),
				"predictedGrowth": growth,
			},
			Recommendations: instanceRecommendations(inst),
		})
	}

	for _, rec := range a.Recommendations {
		r.SystemRecommendations = append(r.SystemRecommendations, rec.Message)
	}
	return r
}

func executiveSummary(a Analytics) string {
	var critical, warning int
	for _, al := range a.Alerts {
		switch al.Level {
		case LevelCritical:
			critical++
		case LevelWarning:
			warning++
		}
	}
	sum := a.Summary
	return fmt.Sprintf("Redis system operating with %d/%d healthy instances. ", sum.HealthyInstances, sum.TotalInstances) +
		fmt.Sprintf("Memory utilization at %.1f%% (%dMB/%dMB). ", sum.MemoryUtilization, sum.TotalMemoryUsed, sum.TotalMemoryMax) +
		fmt.Sprintf("Average response time: %sms. ", formatFloat(sum.AverageResponseTime)) +
		fmt.Sprintf("Load balancing efficiency: %.1f%%. ", a.LoadBalancing.Efficiency*100) +
		fmt.Sprintf("Active alerts: %d critical, %d warnings.", critical, warning)
}

func instanceSummary(inst InstanceAnalytics) string {
	state := "unhealthy"
	if inst.Status.IsHealthy {
		state = "healthy"
	}
	return fmt.Sprintf("Instance %s is %s with %.1f%% memory usage and %sms average response time.",
		inst.ID, state, inst.Status.Memory.Percentage, formatFloat(inst.Status.Performance.AvgResponseTime))
}

func instanceRecommendations(inst InstanceAnalytics) []string {
	var recs []string
	if inst.Status.Memory.Percentage > 80 {
		recs = append(recs, "Consider memory optimization or scaling")
	}
	if inst.Status.Performance.AvgResponseTime > 100 {
		recs = append(recs, "Investigate performance bottlenecks")
	}
	if inst.Trends.ErrorTrend == TrendIncreasing {
		recs = append(recs, "Monitor error patterns and investigate root causes")
	}
	if inst.Trends.MemoryGrowthRate > 2 {
		recs = append(recs, "High memory growth rate - plan for capacity expansion")
	}
	if len(recs) == 0 {
		recs = append(recs, "Instance operating normally")
	}
	return recs
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
