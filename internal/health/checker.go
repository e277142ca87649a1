// Package health scores Redis instances, evaluates alert rules and drives
// auto-recovery and failover.
package health

import (
	"fmt"
	"math"
	"time"

	"github.com/redisfleet/redisfleet/internal/registry"
)

// Check weights add up to 100.
const (
	weightConnectivity = 40
	weightMemory       = 25
	weightPerformance  = 20
	weightErrorRate    = 15

	healthyScore  = 70
	criticalScore = 40
	recoveryScore = 30
)

// Status is the overall state of the fleet.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusCritical Status = "critical"
)

// CheckOutcome is the result of one check on one instance.
type CheckOutcome struct {
	Passed  bool    `json:"passed"`
	Message string  `json:"message"`
	Value   float64 `json:"value"`
}

// Checks groups the four instance checks.
type Checks struct {
	Connectivity CheckOutcome `json:"connectivity"`
	Memory       CheckOutcome `json:"memory"`
	Performance  CheckOutcome `json:"performance"`
	ErrorRate    CheckOutcome `json:"errorRate"`
}

// Result is the composite health of one instance at one point in time.
type Result struct {
	InstanceID   string    `json:"instanceId"`
	IsHealthy    bool      `json:"isHealthy"`
	ResponseTime float64   `json:"responseTime"` // ms
	Timestamp    time.Time `json:"timestamp"`
	Checks       Checks    `json:"checks"`
	Score        int       `json:"overallScore"`
}

// Probe is the connectivity outcome of pinging an instance.
type Probe struct {
	Connected bool
	Latency   time.Duration
	Err       error
}

// Evaluate scores an instance from its registry status and a ping probe.
func Evaluate(status registry.InstanceStatus, probe Probe, now time.Time) Result {
	r := Result{InstanceID: status.ID, Timestamp: now}
	c := &r.Checks

	switch {
	case probe.Connected && probe.Err == nil:
		ms := float64(probe.Latency) / float64(time.Millisecond)
		c.Connectivity = CheckOutcome{Passed: true, Value: 1, Message: fmt.Sprintf("Connected (%.0fms)", ms)}
		r.ResponseTime = ms
	case probe.Err != nil:
		c.Connectivity.Message = "Health check failed: " + probe.Err.Error()
	default:
		c.Connectivity.Message = "Instance not connected"
	}

	mem := status.Memory.Percentage
	c.Memory.Value = mem
	switch {
	case mem < 90:
		c.Memory.Passed = true
		c.Memory.Message = fmt.Sprintf("Memory usage: %.1f%%", mem)
	case mem < 95:
		c.Memory.Message = fmt.Sprintf("High memory usage: %.1f%%", mem)
	default:
		c.Memory.Message = fmt.Sprintf("Critical memory usage: %.1f%%", mem)
	}

	resp := status.Performance.AvgResponseTime
	c.Performance.Value = resp
	switch {
	case resp < 50:
		c.Performance.Passed = true
		c.Performance.Message = fmt.Sprintf("Good performance: %.1fms", resp)
	case resp < 100:
		c.Performance.Message = fmt.Sprintf("Moderate performance: %.1fms", resp)
	default:
		c.Performance.Message = fmt.Sprintf("Poor performance: %.1fms", resp)
	}

	rate := status.Performance.ErrorRate
	c.ErrorRate.Value = rate
	switch {
	case rate < 1:
		c.ErrorRate.Passed = true
		c.ErrorRate.Message = fmt.Sprintf("Low error rate: %.2f%%", rate)
	case rate < 5:
		c.ErrorRate.Message = fmt.Sprintf("Moderate error rate: %.2f%%", rate)
	default:
		c.ErrorRate.Message = fmt.Sprintf("High error rate: %.2f%%", rate)
	}

	if c.Connectivity.Passed {
		r.Score += weightConnectivity
	}
	if c.Memory.Passed {
		r.Score += weightMemory
	}
	if c.Performance.Passed {
		r.Score += weightPerformance
	}
	if c.ErrorRate.Passed {
		r.Score += weightErrorRate
	}
	r.IsHealthy = r.Score >= healthyScore
	return r
}

// Summary counts instances by health band.
type Summary struct {
	TotalInstances    int `json:"totalInstances"`
	HealthyInstances  int `json:"healthyInstances"`
	DegradedInstances int `json:"degradedInstances"`
	CriticalInstances int `json:"criticalInstances"`
	AverageScore      int `json:"averageScore"`
}

// RecoveryAction is a failover shown in the system health view.
type RecoveryAction struct {
	Action     string    `json:"action"`
	InstanceID string    `json:"instanceId,omitempty"`
	Executed   bool      `json:"executed"`
	Timestamp  time.Time `json:"timestamp"`
	Result     string    `json:"result"`
}

// SystemHealth is the fleet-wide outcome of one check cycle.
type SystemHealth struct {
	Overall             Status           `json:"overall"`
	Timestamp           time.Time        `json:"timestamp"`
	Summary             Summary          `json:"summary"`
	Instances           []Result         `json:"instances"`
	Recommendations     []string         `json:"recommendations"`
	AutoRecoveryActions []RecoveryAction `json:"autoRecoveryActions"`
}

// Aggregate derives the fleet status from instance results.
func Aggregate(results []Result, now time.Time) SystemHealth {
	sh := SystemHealth{Timestamp: now, Instances: results}
	sh.Summary.TotalInstances = len(results)

	var total int
	for _, r := range results {
		total += r.Score
		switch {
		case r.IsHealthy:
			sh.Summary.HealthyInstances++
		case r.Score >= criticalScore:
			sh.Summary.DegradedInstances++
		}
		if r.Score < criticalScore {
			sh.Summary.CriticalInstances++
		}
	}
	var avg float64
	if len(results) > 0 {
		avg = float64(total) / float64(len(results))
	}
	sh.Summary.AverageScore = int(math.Round(avg))

	switch {
	case sh.Summary.CriticalInstances > 0 || sh.Summary.HealthyInstances == 0:
		sh.Overall = StatusCritical
	case sh.Summary.DegradedInstances > 0 || avg < 80:
		sh.Overall = StatusDegraded
	default:
		sh.Overall = StatusHealthy
	}
	sh.Recommendations = Recommendations(results, sh.Overall)
	return sh
}

// Recommendations lists operator actions for a set of results.
func Recommendations(results []Result, overall Status) []string {
	var recs []string
	if overall == StatusCritical {
		recs = append(recs, "Immediate attention required: System is in critical state")
	}

	var unhealthy, highMem, slow, errorProne int
	for _, r := range results {
		if !r.IsHealthy {
			unhealthy++
		}
		if r.Checks.Memory.Value > 85 {
			highMem++
		}
		if r.Checks.Performance.Value > 100 {
			slow++
		}
		if r.Checks.ErrorRate.Value > 5 {
			errorProne++
		}
	}
	if unhealthy > 0 {
		recs = append(recs, fmt.Sprintf("%d instance(s) require attention", unhealthy))
	}
	if highMem > 0 {
		recs = append(recs, "Consider scaling or optimizing memory usage")
	}
	if slow > 0 {
		recs = append(recs, "Investigate performance bottlenecks")
	}
	if errorProne > 0 {
		recs = append(recs, "Review error patterns and fix underlying issues")
	}
	if len(recs) == 0 {
		recs = append(recs, "System is operating normally")
	}
	return recs
}
