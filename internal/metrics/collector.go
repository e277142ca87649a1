package metrics

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/redisfleet/redisfleet/internal/registry"
	fleeterrors "github.com/redisfleet/redisfleet/pkg/errors"
)

var _ registry.OperationRecorder = (*Collector)(nil)

// Collector exports fleet metrics to Prometheus and keeps per-operation
// totals for the admin API.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry

	// Prometheus metrics
	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	cacheCounter      *prometheus.CounterVec
	fallbackCounter   *prometheus.CounterVec
	routingCounter    *prometheus.CounterVec
	rebalanceKeys     *prometheus.CounterVec
	alertCounter      *prometheus.CounterVec
	failoverCounter   *prometheus.CounterVec
	errorCounter      *prometheus.CounterVec
	memoryUsed        *prometheus.GaugeVec
	memoryPercent     *prometheus.GaugeVec
	healthy           *prometheus.GaugeVec
	opsPerSecond      *prometheus.GaugeVec
	errorRate         *prometheus.GaugeVec
	healthScore       prometheus.Gauge

	// Internal tracking
	operations map[string]*OperationMetrics
	lastReset  time.Time
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
	Labels    map[string]string `yaml:"labels"`
}

// DefaultConfig returns the default metrics configuration.
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Namespace: "redisfleet",
		Labels:    make(map[string]string),
	}
}

// OperationMetrics tracks one command type across the fleet.
type OperationMetrics struct {
	Count         int64         `json:"count"`
	Errors        int64         `json:"errors"`
	TotalDuration time.Duration `json:"totalDuration"`
	AvgDuration   time.Duration `json:"avgDuration"`
	LastOperation time.Time     `json:"lastOperation"`
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Collector{config: config, operations: make(map[string]*OperationMetrics)}, nil
	}

	c := &Collector{
		config:     config,
		registry:   prometheus.NewRegistry(),
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}
	c.initMetrics()
	if err := c.registerMetrics(); err != nil {
		return nil, fleeterrors.NewError(fleeterrors.ErrCodeInternalError, "failed to register metrics").
			WithComponent("metrics").
			WithCause(err)
	}
	return c, nil
}

// Enabled reports whether the collector records anything.
func (c *Collector) Enabled() bool { return c.config.Enabled }

// Handler serves the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if !c.config.Enabled {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Gatherer exposes the underlying registry.
func (c *Collector) Gatherer() prometheus.Gatherer {
	return c.registry
}

// RecordOperation records one request-path command against an instance.
func (c *Collector) RecordOperation(instanceID, operation string, elapsed time.Duration, err error) {
	if !c.config.Enabled {
		return
	}

	c.mu.Lock()
	op, ok := c.operations[operation]
	if !ok {
		op = &OperationMetrics{}
		c.operations[operation] = op
	}
	op.Count++
	op.TotalDuration += elapsed
	op.AvgDuration = time.Duration(int64(op.TotalDuration) / op.Count)
	op.LastOperation = time.Now()
	if err != nil {
		op.Errors++
	}
	c.mu.Unlock()

	status := "success"
	if err != nil {
		status = "error"
		c.errorCounter.With(prometheus.Labels{
			"operation": operation,
			"type":      classifyError(err),
		}).Inc()
	}
	c.operationCounter.With(prometheus.Labels{
		"instance":  instanceID,
		"operation": operation,
		"status":    status,
	}).Inc()
	c.operationDuration.With(prometheus.Labels{
		"instance":  instanceID,
		"operation": operation,
	}).Observe(elapsed.Seconds())
}

// RecordCacheResult records a read served by source ("redis" or "fallback").
func (c *Collector) RecordCacheResult(category, source string, hit bool) {
	if !c.config.Enabled {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheCounter.With(prometheus.Labels{
		"category": category,
		"source":   source,
		"result":   result,
	}).Inc()
}

// RecordFallback records a facade operation served by the fallback store.
func (c *Collector) RecordFallback(operation string) {
	if !c.config.Enabled {
		return
	}
	c.fallbackCounter.With(prometheus.Labels{"operation": operation}).Inc()
}

// RecordRouting records a load-balancer decision.
func (c *Collector) RecordRouting(category, strategy, instanceID string) {
	if !c.config.Enabled {
		return
	}
	c.routingCounter.With(prometheus.Labels{
		"category": category,
		"strategy": strategy,
		"instance": instanceID,
	}).Inc()
}

// RecordRebalance records the outcome of one rebalancing run.
func (c *Collector) RecordRebalance(moved, failed int) {
	if !c.config.Enabled {
		return
	}
	c.rebalanceKeys.With(prometheus.Labels{"result": "moved"}).Add(float64(moved))
	c.rebalanceKeys.With(prometheus.Labels{"result": "failed"}).Add(float64(failed))
}

// RecordAlert records a fired alert.
func (c *Collector) RecordAlert(ruleID, severity string) {
	if !c.config.Enabled {
		return
	}
	c.alertCounter.With(prometheus.Labels{"rule": ruleID, "severity": severity}).Inc()
}

// RecordFailover records a failover attempt.
func (c *Collector) RecordFailover(instanceID string, success bool) {
	if !c.config.Enabled {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	c.failoverCounter.With(prometheus.Labels{"instance": instanceID, "result": result}).Inc()
}

// SetHealthScore records the fleet health score.
func (c *Collector) SetHealthScore(score float64) {
	if !c.config.Enabled {
		return
	}
	c.healthScore.Set(score)
}

// ObserveInstance updates the per-instance gauges from a status snapshot.
func (c *Collector) ObserveInstance(s registry.InstanceStatus) {
	if !c.config.Enabled {
		return
	}
	labels := prometheus.Labels{"instance": s.ID}
	c.memoryUsed.With(labels).Set(float64(s.Memory.Used))
	c.memoryPercent.With(labels).Set(s.Memory.Percentage)
	c.opsPerSecond.With(labels).Set(s.Performance.OperationsPerSecond)
	c.errorRate.With(labels).Set(s.Performance.ErrorRate)
	healthy := 0.0
	if s.IsHealthy && s.IsConnected {
		healthy = 1
	}
	c.healthy.With(labels).Set(healthy)
}

// Watch updates gauges from registry status events until ctx is done or
// the channel closes.
func (c *Collector) Watch(ctx context.Context, events <-chan registry.StatusEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.ObserveInstance(ev.Status)
		}
	}
}

// Snapshot returns per-operation totals since the last reset.
func (c *Collector) Snapshot() map[string]OperationMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]OperationMetrics, len(c.operations))
	for k, v := range c.operations {
		out[k] = *v
	}
	return out
}

// LastReset returns when the operation totals were last cleared.
func (c *Collector) LastReset() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastReset
}

// ResetMetrics clears the operation totals. Prometheus counters are
// monotonic and are left alone.
func (c *Collector) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

// Helper methods

func (c *Collector) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   c.config.Namespace,
		Subsystem:   c.config.Subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: c.config.Labels,
	}, labels)
}

func (c *Collector) gaugeVec(name, help string, labels ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   c.config.Namespace,
		Subsystem:   c.config.Subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: c.config.Labels,
	}, labels)
}

func (c *Collector) initMetrics() {
	c.operationCounter = c.counterVec("operations_total", "Total number of Redis commands", "instance", "operation", "status")
	c.operationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   c.config.Namespace,
		Subsystem:   c.config.Subsystem,
		Name:        "operation_duration_seconds",
		Help:        "Duration of Redis commands in seconds",
		Buckets:     prometheus.ExponentialBuckets(0.0001, 2, 16), // 100µs to ~3s
		ConstLabels: c.config.Labels,
	}, []string{"instance", "operation"})

	c.cacheCounter = c.counterVec("cache_requests_total", "Total number of cache reads", "category", "source", "result")
	c.fallbackCounter = c.counterVec("fallback_operations_total", "Operations served by the in-memory fallback", "operation")
	c.routingCounter = c.counterVec("routing_decisions_total", "Load balancer instance selections", "category", "strategy", "instance")
	c.rebalanceKeys = c.counterVec("rebalance_keys_total", "Keys handled by rebalancing", "result")
	c.alertCounter = c.counterVec("alerts_total", "Alerts fired", "rule", "severity")
	c.failoverCounter = c.counterVec("failovers_total", "Failover attempts", "instance", "result")
	c.errorCounter = c.counterVec("errors_total", "Total number of command errors", "operation", "type")

	c.memoryUsed = c.gaugeVec("memory_used_bytes", "Memory used by the instance", "instance")
	c.memoryPercent = c.gaugeVec("memory_usage_percent", "Memory used as a percentage of the configured maximum", "instance")
	c.healthy = c.gaugeVec("instance_healthy", "1 when the instance is healthy and connected", "instance")
	c.opsPerSecond = c.gaugeVec("operations_per_second", "Operations per second in the last performance window", "instance")
	c.errorRate = c.gaugeVec("error_rate_percent", "Error rate in the last performance window", "instance")

	c.healthScore = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   c.config.Namespace,
		Subsystem:   c.config.Subsystem,
		Name:        "health_score",
		Help:        "Weighted fleet health score (0-100)",
		ConstLabels: c.config.Labels,
	})
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.operationCounter,
		c.operationDuration,
		c.cacheCounter,
		c.fallbackCounter,
		c.routingCounter,
		c.rebalanceKeys,
		c.alertCounter,
		c.failoverCounter,
		c.errorCounter,
		c.memoryUsed,
		c.memoryPercent,
		c.healthy,
		c.opsPerSecond,
		c.errorRate,
		c.healthScore,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}

func classifyError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "circuit breaker"):
		return "circuit_open"
	case strings.Contains(errStr, "timeout"):
		return "timeout"
	case strings.Contains(errStr, "connection"), strings.Contains(errStr, "refused"):
		return "connection"
	case strings.Contains(errStr, "busykey"):
		return "busy_key"
	default:
		return "other"
	}
}
