package analytics

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/redisfleet/redisfleet/internal/balancer"
	"github.com/redisfleet/redisfleet/internal/config"
	"github.com/redisfleet/redisfleet/internal/registry"
	fleeterrors "github.com/redisfleet/redisfleet/pkg/errors"
	"github.com/redisfleet/redisfleet/pkg/utils"
)

const (
	retention       = 24 * time.Hour
	minSamples      = 10
	maxAggregates   = 168
	maxHistoryPoint = 10000
)

// MetricsSource supplies load-balancing metrics.
type MetricsSource interface {
	Metrics() balancer.Metrics
}

// Sink stores hourly aggregates outside the process.
type Sink interface {
	SaveAggregate(ctx context.Context, agg HourlyAggregate) error
}

// Service samples instance statuses every metrics interval and derives
// analytics, capacity predictions and reports from them.
type Service struct {
	provider *config.Provider
	registry *registry.Registry
	lb       MetricsSource
	sink     Sink
	logger   *utils.StructuredLogger
	now      func() time.Time

	samples *store

	mu         sync.Mutex
	lastHour   time.Time
	aggregates []HourlyAggregate

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Service.
type Option func(*Service)

// WithSink stores hourly aggregates in sink.
func WithSink(sink Sink) Option {
	return func(s *Service) { s.sink = sink }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates an analytics service. lb may be nil.
func NewService(provider *config.Provider, reg *registry.Registry, lb MetricsSource, logger *utils.StructuredLogger, opts ...Option) *Service {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	s := &Service{
		provider: provider,
		registry: reg,
		lb:       lb,
		logger:   logger.WithComponent("analytics"),
		now:      time.Now,
		samples:  newStore(retention),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start collects a sample every metrics interval until ctx is cancelled
// or Stop is called. Nothing is collected while monitoring is disabled.
func (s *Service) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
}

// Stop halts collection.
func (s *Service) Stop() {
	s.runMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.runMu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (s *Service) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		mon := s.provider.Monitoring()
		interval := mon.MetricsInterval
		if interval <= 0 {
			interval = time.Minute
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if s.provider.Monitoring().Enabled {
			s.Collect(ctx)
		}
	}
}

// Collect records one sample per instance and, once an hour has closed,
// stores that hour's aggregate.
func (s *Service) Collect(ctx context.Context) {
	now := s.now()
	for _, st := range s.registry.Statuses() {
		s.samples.add(st.ID, Sample{
			Timestamp:    now,
			MemoryUsed:   st.Memory.Used,
			Operations:   st.Performance.OperationsPerSecond,
			ResponseTime: st.Performance.AvgResponseTime,
			ErrorRate:    st.Performance.ErrorRate,
		})
	}

	hour := now.Truncate(time.Hour)
	s.mu.Lock()
	closed := s.lastHour
	s.lastHour = hour
	s.mu.Unlock()
	if !closed.IsZero() && hour.After(closed) {
		s.storeHourlyAggregate(ctx, closed)
	}
}

// History returns the retained samples for id, oldest first.
func (s *Service) History(id string) []Sample {
	return s.samples.history(id)
}

// Summary is the fleet-wide part of Analytics. Memory totals are in MB.
type Summary struct {
	TotalInstances      int     `json:"totalInstances"`
	HealthyInstances    int     `json:"healthyInstances"`
	TotalMemoryUsed     int64   `json:"totalMemoryUsed"`
	TotalMemoryMax      int64   `json:"totalMemoryMax"`
	MemoryUtilization   float64 `json:"memoryUtilization"`
	TotalOperations     int64   `json:"totalOperations"`
	AverageResponseTime float64 `json:"averageResponseTime"`
	TotalErrors         int64   `json:"totalErrors"`
	ErrorRate           float64 `json:"errorRate"`
}

// InstancePerformance holds derived per-instance metrics.
type InstancePerformance struct {
	OperationsPerMinute   int64   `json:"operationsPerMinute"`
	CacheHitRate          float64 `json:"cacheHitRate"`
	MemoryEfficiency      float64 `json:"memoryEfficiency"`
	ConnectionUtilization float64 `json:"connectionUtilization"`
}

// InstanceTrends are regression-derived per-instance trends.
type InstanceTrends struct {
	MemoryGrowthRate    float64 `json:"memoryGrowthRate"` // MB per hour
	OperationGrowthRate float64 `json:"operationGrowthRate"`
	ErrorTrend          Trend   `json:"errorTrend"`
}

// InstanceAnalytics is the analytics view of one instance.
type InstanceAnalytics struct {
	ID          string                  `json:"id"`
	Name        string                  `json:"name"`
	Status      registry.InstanceStatus `json:"status"`
	Performance InstancePerformance     `json:"performance"`
	Trends      InstanceTrends          `json:"trends"`
}

// LoadBalancing summarises routing quality.
type LoadBalancing struct {
	Strategy            config.Strategy `json:"strategy"`
	Efficiency          float64         `json:"efficiency"`
	RebalancingEvents   int             `json:"rebalancingEvents"`
	DistributionBalance float64         `json:"distributionBalance"`
}

// Level grades an analytics alert.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Alert is a threshold breach found while building analytics.
type Alert struct {
	Level      Level     `json:"level"`
	Message    string    `json:"message"`
	InstanceID string    `json:"instanceId,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Resolved   bool      `json:"resolved"`
}

// Recommendation is a suggested operator action.
type Recommendation struct {
	Type            string `json:"type"`
	Priority        string `json:"priority"`
	Message         string `json:"message"`
	Action          string `json:"action"`
	EstimatedImpact string `json:"estimatedImpact"`
}

// Analytics is a point-in-time analysis of the fleet.
type Analytics struct {
	Timestamp       time.Time           `json:"timestamp"`
	Summary         Summary             `json:"summary"`
	Instances       []InstanceAnalytics `json:"instances"`
	LoadBalancing   LoadBalancing       `json:"loadBalancing"`
	Alerts          []Alert             `json:"alerts"`
	Recommendations []Recommendation    `json:"recommendations"`
}

// Analytics builds the current analysis.
func (s *Service) Analytics() Analytics {
	now := s.now()
	statuses := s.registry.Statuses()

	var (
		usedBytes, maxBytes, ops, errs int64
		respSum                        float64
		a                              = Analytics{Timestamp: now}
	)
	a.Summary.TotalInstances = len(statuses)
	percentages := make([]float64, 0, len(statuses))
	for _, st := range statuses {
		if st.IsHealthy {
			a.Summary.HealthyInstances++
		}
		usedBytes += st.Memory.Used
		maxBytes += st.Memory.Max
		ops += st.Stats.TotalOperations
		errs += st.Stats.TotalErrors
		respSum += st.Performance.AvgResponseTime
		percentages = append(percentages, st.Memory.Percentage)
	}
	a.Summary.TotalMemoryUsed = int64(math.Round(toMB(usedBytes)))
	a.Summary.TotalMemoryMax = int64(math.Round(toMB(maxBytes)))
	if maxBytes > 0 {
		a.Summary.MemoryUtilization = float64(usedBytes) / float64(maxBytes) * 100
	}
	a.Summary.TotalOperations = ops
	a.Summary.TotalErrors = errs
	if len(statuses) > 0 {
		a.Summary.AverageResponseTime = round2(respSum / float64(len(statuses)))
	}
	if ops > 0 {
		a.Summary.ErrorRate = float64(errs) / float64(ops) * 100
	}

	for _, st := range statuses {
		name := st.ID
		if ic, ok := s.provider.LookupInstance(st.ID); ok && ic.Name != "" {
			name = ic.Name
		}
		a.Instances = append(a.Instances, InstanceAnalytics{
			ID:          st.ID,
			Name:        name,
			Status:      st,
			Performance: s.performance(st),
			Trends:      s.trends(st.ID),
		})
	}

	a.LoadBalancing = LoadBalancing{
		Strategy:            s.provider.LoadBalancing().Strategy,
		DistributionBalance: DistributionBalance(percentages),
	}
	if s.lb != nil {
		m := s.lb.Metrics()
		a.LoadBalancing.Efficiency = m.Efficiency
		a.LoadBalancing.RebalancingEvents = m.RebalancingEvents
	}

	a.Alerts = s.alerts(statuses, a.Summary, now)
	a.Recommendations = recommendations(a.Summary, a.LoadBalancing)
	return a
}

func (s *Service) performance(st registry.InstanceStatus) InstancePerformance {
	h := s.samples.history(st.ID)
	if len(h) > 60 {
		h = h[len(h)-60:]
	}
	opsPerMinute := st.Performance.OperationsPerSecond * 60
	if len(h) > 0 {
		var sum float64
		for _, smp := range h {
			sum += smp.Operations
		}
		opsPerMinute = sum / float64(len(h)) * 60
	}

	var efficiency float64
	if st.Memory.Percentage > 0 {
		efficiency = math.Min(100, opsPerMinute/st.Memory.Percentage*10)
	}
	return InstancePerformance{
		OperationsPerMinute:   int64(math.Round(opsPerMinute)),
		CacheHitRate:          round2(st.CacheHitRate()),
		MemoryEfficiency:      round2(efficiency),
		ConnectionUtilization: round2(math.Min(100, float64(st.ConnectionCount)*10)),
	}
}

func (s *Service) trends(id string) InstanceTrends {
	h := s.samples.history(id)
	if len(h) < minSamples {
		return InstanceTrends{ErrorTrend: TrendStable}
	}
	mem := make([]float64, len(h))
	ops := make([]float64, len(h))
	errs := make([]float64, len(h))
	for i, smp := range h {
		mem[i] = toMB(smp.MemoryUsed)
		ops[i] = smp.Operations
		errs[i] = smp.ErrorRate
	}
	return InstanceTrends{
		MemoryGrowthRate:    round2(GrowthRate(mem)),
		OperationGrowthRate: round2(GrowthRate(ops)),
		ErrorTrend:          ErrorTrend(errs),
	}
}

func (s *Service) alerts(statuses []registry.InstanceStatus, sum Summary, now time.Time) []Alert {
	th := s.provider.Monitoring().AlertThresholds
	var out []Alert
	add := func(level Level, id, msg string) {
		out = append(out, Alert{Level: level, Message: msg, InstanceID: id, Timestamp: now})
	}
	grade := func(critical bool) Level {
		if critical {
			return LevelCritical
		}
		return LevelWarning
	}

	for _, st := range statuses {
		if st.Memory.Percentage > th.MemoryUsage {
			add(grade(st.Memory.Percentage > 95), st.ID,
				fmt.Sprintf("High memory usage on %s: %.1f%%", st.ID, st.Memory.Percentage))
		}
	}
	for _, st := range statuses {
		if st.Performance.AvgResponseTime > th.ResponseTime {
			add(grade(st.Performance.AvgResponseTime > 500), st.ID,
				fmt.Sprintf("High response time on %s: %sms", st.ID, formatFloat(st.Performance.AvgResponseTime)))
		}
	}
	for _, st := range statuses {
		if st.Performance.ErrorRate > th.ErrorRate {
			add(grade(st.Performance.ErrorRate > 10), st.ID,
				fmt.Sprintf("High error rate on %s: %.2f%%", st.ID, st.Performance.ErrorRate))
		}
	}
	if sum.HealthyInstances < sum.TotalInstances {
		add(LevelCritical, "", fmt.Sprintf("%d Redis instance(s) unhealthy", sum.TotalInstances-sum.HealthyInstances))
	}
	return out
}

func recommendations(sum Summary, lb LoadBalancing) []Recommendation {
	var out []Recommendation
	if sum.MemoryUtilization > 80 {
		out = append(out, Recommendation{
			Type:            "capacity",
			Priority:        "high",
			Message:         "System memory utilization is high",
			Action:          "Consider adding more Redis instances or increasing memory limits",
			EstimatedImpact: "Improved performance and reduced risk of memory exhaustion",
		})
	}
	if lb.Efficiency < 0.7 {
		out = append(out, Recommendation{
			Type:            "configuration",
			Priority:        "medium",
			Message:         "Load balancing efficiency is suboptimal",
			Action:          "Review load balancing strategy and instance data type assignments",
			EstimatedImpact: "Better resource utilization and improved response times",
		})
	}
	if sum.AverageResponseTime > 50 {
		out = append(out, Recommendation{
			Type:            "performance",
			Priority:        "medium",
			Message:         "Average response time is elevated",
			Action:          "Optimize queries, review network latency, or scale instances",
			EstimatedImpact: "Faster application response times",
		})
	}
	return out
}

// Interval is the spacing of historical data points.
type Interval string

const (
	IntervalMinute Interval = "minute"
	IntervalHour   Interval = "hour"
	IntervalDay    Interval = "day"
)

// Duration returns the length of the interval.
func (i Interval) Duration() (time.Duration, error) {
	switch i {
	case IntervalMinute:
		return time.Minute, nil
	case IntervalHour, "":
		return time.Hour, nil
	case IntervalDay:
		return 24 * time.Hour, nil
	default:
		return 0, fleeterrors.NewValidationError("invalid interval %q: must be minute, hour or day", i)
	}
}

// TimeRange bounds a historical query.
type TimeRange struct {
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Interval Interval  `json:"interval"`
}

// DataPoint holds per-instance values at one time. Memory is in MB.
type DataPoint struct {
	Timestamp    time.Time          `json:"timestamp"`
	MemoryUsage  map[string]float64 `json:"memoryUsage"`
	Operations   map[string]float64 `json:"operations"`
	ResponseTime map[string]float64 `json:"responseTime"`
	Errors       map[string]float64 `json:"errors"`
}

// HistoricalMetrics is a time series over the retained samples.
type HistoricalMetrics struct {
	TimeRange  TimeRange   `json:"timeRange"`
	DataPoints []DataPoint `json:"dataPoints"`
}

// HistoricalMetrics returns one data point per interval from start to end
// inclusive, each using the sample nearest to it.
func (s *Service) HistoricalMetrics(start, end time.Time, interval Interval) (HistoricalMetrics, error) {
	step, err := interval.Duration()
	if err != nil {
		return HistoricalMetrics{}, err
	}
	if interval == "" {
		interval = IntervalHour
	}
	if end.Before(start) {
		return HistoricalMetrics{}, fleeterrors.NewValidationError("end time is before start time")
	}
	if end.Sub(start)/step >= maxHistoryPoint {
		return HistoricalMetrics{}, fleeterrors.NewValidationError("time range too large for %s interval", interval)
	}

	var ids []string
	for _, ic := range s.provider.Instances() {
		ids = append(ids, ic.ID)
	}

	out := HistoricalMetrics{TimeRange: TimeRange{Start: start, End: end, Interval: interval}}
	for at := start; !at.After(end); at = at.Add(step) {
		dp := DataPoint{
			Timestamp:    at,
			MemoryUsage:  make(map[string]float64, len(ids)),
			Operations:   make(map[string]float64, len(ids)),
			ResponseTime: make(map[string]float64, len(ids)),
			Errors:       make(map[string]float64, len(ids)),
		}
		for _, id := range ids {
			smp := s.samples.nearest(id, at)
			dp.MemoryUsage[id] = toMB(smp.MemoryUsed)
			dp.Operations[id] = smp.Operations
			dp.ResponseTime[id] = smp.ResponseTime
			dp.Errors[id] = smp.ErrorRate
		}
		out.DataPoints = append(out.DataPoints, dp)
	}
	return out, nil
}
