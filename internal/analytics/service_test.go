package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redisfleet/redisfleet/internal/balancer"
	"github.com/redisfleet/redisfleet/internal/config"
	"github.com/redisfleet/redisfleet/internal/registry/registrytest"
	fleeterrors "github.com/redisfleet/redisfleet/pkg/errors"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type lbMetrics struct{ m balancer.Metrics }

func (l lbMetrics) Metrics() balancer.Metrics { return l.m }

type memorySink struct {
	mu   sync.Mutex
	aggs []HourlyAggregate
	err  error
}

func (s *memorySink) SaveAggregate(_ context.Context, agg HourlyAggregate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aggs = append(s.aggs, agg)
	return s.err
}

func setup(t *testing.T, usedMB map[string]float64, opts ...Option) (*registrytest.Env, *Service, *clock) {
	t.Helper()
	env, err := registrytest.Setup([]config.InstanceConfig{
		registrytest.Instance("a", 30, config.CategoryDefault),
		registrytest.Instance("b", 30, config.CategoryDefault),
	}, usedMB)
	require.NoError(t, err)
	t.Cleanup(env.Registry.Stop)

	clk := &clock{now: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clk.Now)}, opts...)
	lb := lbMetrics{balancer.Metrics{Efficiency: 0.9, RebalancingEvents: 2}}
	return env, NewService(env.Provider, env.Registry, lb, nil, opts...), clk
}

func TestPredictionIsFlatWithFewSamples(t *testing.T) {
	_, svc, clk := setup(t, map[string]float64{"a": 12, "b": 12})
	for i := 0; i < minSamples-1; i++ {
		svc.Collect(context.Background())
		clk.Advance(time.Minute)
	}

	preds := svc.PredictCapacity()
	require.Len(t, preds, 2)
	p := preds[0]
	assert.Equal(t, int64(12), p.CurrentUsage)
	assert.Equal(t, int64(30), p.MaxCapacity)
	assert.Equal(t, PredictedUsage{NextHour: 12, NextDay: 12, NextWeek: 12}, p.PredictedUsage)
	assert.True(t, math.IsInf(p.TimeToCapacity.Hours, 1))
	assert.Zero(t, p.TimeToCapacity.Confidence)
	assert.Equal(t, []string{"Insufficient historical data for accurate prediction"}, p.Recommendations)

	raw, err := json.Marshal(p.TimeToCapacity)
	require.NoError(t, err)
	assert.JSONEq(t, `{"hours":null,"confidence":0}`, string(raw))
}

func TestPredictionFollowsGrowth(t *testing.T) {
	env, svc, clk := setup(t, map[string]float64{"a": 10, "b": 10})
	for i := 0; i < 20; i++ {
		env.SetMemory("a", 10+0.1*float64(i))
		svc.Collect(context.Background())
		clk.Advance(time.Minute)
	}

	preds := svc.PredictCapacity()
	require.Len(t, preds, 2)

	a := preds[0]
	require.Equal(t, "a", a.InstanceID)
	assert.Equal(t, int64(12), a.CurrentUsage)
	assert.Equal(t, PredictedUsage{NextHour: 18, NextDay: 156, NextWeek: 1020}, a.PredictedUsage)
	assert.Equal(t, 3.0, a.TimeToCapacity.Hours)
	assert.Equal(t, 0.2, a.TimeToCapacity.Confidence)
	assert.Equal(t, []string{
		"Urgent: Will reach capacity within 24 hours",
		"High growth rate detected, consider proactive scaling",
	}, a.Recommendations)

	b := preds[1]
	assert.True(t, math.IsInf(b.TimeToCapacity.Hours, 1))
	assert.Equal(t, []string{"Instance is operating within normal parameters"}, b.Recommendations)

	trends := svc.Analytics().Instances[0].Trends
	assert.InDelta(t, 6.0, trends.MemoryGrowthRate, 0.01)
	assert.Equal(t, TrendStable, trends.ErrorTrend)
}

func TestAnalyticsSummary(t *testing.T) {
	env, svc, _ := setup(t, map[string]float64{"a": 15, "b": 6})
	inst, ok := env.Registry.Instance("a")
	require.True(t, ok)
	inst.RecordHit()
	inst.RecordHit()
	inst.RecordHit()
	inst.RecordMiss()

	a := svc.Analytics()
	assert.Equal(t, 2, a.Summary.TotalInstances)
	assert.Equal(t, 2, a.Summary.HealthyInstances)
	assert.Equal(t, int64(21), a.Summary.TotalMemoryUsed)
	assert.Equal(t, int64(60), a.Summary.TotalMemoryMax)
	assert.InDelta(t, 35, a.Summary.MemoryUtilization, 0.001)

	assert.InDelta(t, 0.85, a.LoadBalancing.DistributionBalance, 1e-9)
	assert.Equal(t, 0.9, a.LoadBalancing.Efficiency)
	assert.Equal(t, 2, a.LoadBalancing.RebalancingEvents)
	assert.Equal(t, config.StrategySmart, a.LoadBalancing.Strategy)

	require.Len(t, a.Instances, 2)
	assert.Equal(t, 75.0, a.Instances[0].Performance.CacheHitRate)
	assert.Empty(t, a.Alerts)
	assert.Empty(t, a.Recommendations)
}

func TestAnalyticsAlerts(t *testing.T) {
	env, svc, _ := setup(t, map[string]float64{"a": 29, "b": 6})
	env.Down("b")

	a := svc.Analytics()
	require.Len(t, a.Alerts, 2)
	assert.Equal(t, LevelCritical, a.Alerts[0].Level)
	assert.Equal(t, "High memory usage on a: 96.7%", a.Alerts[0].Message)
	assert.Equal(t, "1 Redis instance(s) unhealthy", a.Alerts[1].Message)
	assert.Empty(t, a.Alerts[1].InstanceID)
}

func TestHistoricalMetrics(t *testing.T) {
	env, svc, clk := setup(t, map[string]float64{"a": 10, "b": 5})
	start := clk.Now()
	for _, mb := range []float64{10, 11, 12} {
		env.SetMemory("a", mb)
		svc.Collect(context.Background())
		clk.Advance(time.Minute)
	}

	hm, err := svc.HistoricalMetrics(start, start.Add(2*time.Minute), IntervalMinute)
	require.NoError(t, err)
	require.Len(t, hm.DataPoints, 3)
	assert.InDelta(t, 10, hm.DataPoints[0].MemoryUsage["a"], 0.01)
	assert.InDelta(t, 12, hm.DataPoints[2].MemoryUsage["a"], 0.01)
	assert.InDelta(t, 5, hm.DataPoints[1].MemoryUsage["b"], 0.01)

	_, err = svc.HistoricalMetrics(start, start.Add(time.Hour), "week")
	assert.True(t, errors.Is(err, fleeterrors.ErrValidation))
	_, err = svc.HistoricalMetrics(start, start.Add(-time.Hour), IntervalHour)
	assert.True(t, errors.Is(err, fleeterrors.ErrValidation))
}

func TestHourlyAggregateIsStored(t *testing.T) {
	sink := &memorySink{}
	env, svc, clk := setup(t, map[string]float64{"a": 10, "b": 4}, WithSink(sink))
	clk.Advance(58 * time.Minute)

	svc.Collect(context.Background())
	clk.Advance(time.Minute)
	env.SetMemory("a", 12)
	svc.Collect(context.Background())
	assert.Empty(t, sink.aggs)

	clk.Advance(time.Minute)
	svc.Collect(context.Background())

	require.Len(t, sink.aggs, 1)
	agg := sink.aggs[0]
	assert.Equal(t, time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC), agg.Hour)
	assert.Equal(t, 2, agg.Instances["a"].Samples)
	assert.InDelta(t, 11, agg.Instances["a"].AvgMemoryMB, 0.01)
	assert.InDelta(t, 12, agg.Instances["a"].PeakMemoryMB, 0.01)
	assert.Len(t, svc.HourlyAggregates(), 1)
}

func TestSinkFailureIsNotFatal(t *testing.T) {
	sink := &memorySink{err: errors.New("bucket gone")}
	_, svc, clk := setup(t, map[string]float64{"a": 10, "b": 4}, WithSink(sink))

	svc.Collect(context.Background())
	clk.Advance(time.Hour)
	svc.Collect(context.Background())

	assert.Len(t, sink.aggs, 1)
	assert.Len(t, svc.HourlyAggregates(), 1)
}

func TestSamplesExpireAfterRetention(t *testing.T) {
	_, svc, clk := setup(t, map[string]float64{"a": 10, "b": 4})
	svc.Collect(context.Background())
	clk.Advance(retention + time.Minute)
	svc.Collect(context.Background())

	assert.Len(t, svc.History("a"), 1)
}

func TestReport(t *testing.T) {
	_, svc, _ := setup(t, map[string]float64{"a": 15, "b": 6})

	r := svc.Report()
	assert.True(t, strings.HasPrefix(r.ExecutiveSummary, "Redis system operating with 2/2 healthy instances. "))
	assert.Contains(t, r.ExecutiveSummary, "Memory utilization at 35.0% (21MB/60MB). ")
	assert.Contains(t, r.ExecutiveSummary, "Active alerts: 0 critical, 0 warnings.")
	assert.Equal(t, "60MB", r.KeyMetrics["totalCapacity"])
	assert.Equal(t, "100.0% uptime", r.KeyMetrics["reliability"])
	assert.Equal(t, "90.0% load balance efficiency", r.KeyMetrics["efficiency"])

	require.Len(t, r.InstanceReports, 2)
	ir := r.InstanceReports[0]
	assert.Equal(t, "a", ir.InstanceID)
	assert.Equal(t, "Instance a is healthy with 50.0% memory usage and 0ms average response time.", ir.Summary)
	assert.Equal(t, "15MB in 24h", ir.Metrics["predictedGrowth"])
	assert.Equal(t, []string{"Instance operating normally"}, ir.Recommendations)
	assert.Empty(t, r.SystemRecommendations)
}
