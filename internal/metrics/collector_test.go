package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/redisfleet/redisfleet/internal/registry"
)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	t.Run("with nil config uses defaults", func(t *testing.T) {
		collector, err := NewCollector(nil)
		if err != nil {
			t.Fatalf("NewCollector(nil) error = %v, want nil", err)
		}
		if collector.config.Namespace != "redisfleet" {
			t.Errorf("default namespace = %q, want %q", collector.config.Namespace, "redisfleet")
		}
		if collector.registry == nil {
			t.Error("collector.registry is nil")
		}
	})

	t.Run("with disabled config", func(t *testing.T) {
		collector, err := NewCollector(&Config{Enabled: false})
		if err != nil {
			t.Fatalf("NewCollector() error = %v", err)
		}
		if collector.registry != nil {
			t.Error("disabled collector should not have registry")
		}

		// Should not panic
		collector.RecordOperation("a", "get", time.Millisecond, nil)
		collector.RecordCacheResult("user", "redis", true)
		collector.ObserveInstance(registry.InstanceStatus{ID: "a"})
		if len(collector.Snapshot()) != 0 {
			t.Error("disabled collector should not track operations")
		}
	})
}

func TestRecordOperation(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(nil)
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}

	collector.RecordOperation("a", "get", 10*time.Millisecond, nil)
	collector.RecordOperation("a", "get", 30*time.Millisecond, nil)
	collector.RecordOperation("b", "get", 20*time.Millisecond, errors.New("dial tcp: connection refused"))

	op := collector.Snapshot()["get"]
	if op.Count != 3 {
		t.Errorf("op.Count = %d, want 3", op.Count)
	}
	if op.Errors != 1 {
		t.Errorf("op.Errors = %d, want 1", op.Errors)
	}
	if op.AvgDuration != 20*time.Millisecond {
		t.Errorf("op.AvgDuration = %v, want 20ms", op.AvgDuration)
	}

	if got := testutil.ToFloat64(collector.operationCounter.WithLabelValues("a", "get", "success")); got != 2 {
		t.Errorf("success counter = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.errorCounter.WithLabelValues("get", "connection")); got != 1 {
		t.Errorf("connection error counter = %v, want 1", got)
	}

	collector.ResetMetrics()
	if len(collector.Snapshot()) != 0 {
		t.Error("ResetMetrics() should clear operation totals")
	}
	if got := testutil.ToFloat64(collector.operationCounter.WithLabelValues("a", "get", "success")); got != 2 {
		t.Errorf("Prometheus counters must survive reset, got %v", got)
	}
}

func TestObserveInstance(t *testing.T) {
	t.Parallel()

	collector, _ := NewCollector(nil)
	collector.ObserveInstance(registry.InstanceStatus{
		ID:          "primary",
		IsHealthy:   true,
		IsConnected: true,
		Memory:      registry.MemoryStats{Used: 1024, Max: 4096, Percentage: 25},
		Performance: registry.PerformanceStats{OperationsPerSecond: 12.5, ErrorRate: 2},
	})

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"memory used", testutil.ToFloat64(collector.memoryUsed.WithLabelValues("primary")), 1024},
		{"memory percent", testutil.ToFloat64(collector.memoryPercent.WithLabelValues("primary")), 25},
		{"healthy", testutil.ToFloat64(collector.healthy.WithLabelValues("primary")), 1},
		{"ops per second", testutil.ToFloat64(collector.opsPerSecond.WithLabelValues("primary")), 12.5},
		{"error rate", testutil.ToFloat64(collector.errorRate.WithLabelValues("primary")), 2},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestWatchConsumesEvents(t *testing.T) {
	t.Parallel()

	collector, _ := NewCollector(nil)
	events := make(chan registry.StatusEvent, 2)
	events <- registry.StatusEvent{Kind: registry.EventHealthCheck, InstanceID: "a", Status: registry.InstanceStatus{
		ID: "a", IsHealthy: true, IsConnected: true,
	}}
	events <- registry.StatusEvent{Kind: registry.EventFailover, InstanceID: "b", Status: registry.InstanceStatus{ID: "b"}}
	close(events)

	collector.Watch(context.Background(), events)

	if got := testutil.ToFloat64(collector.healthy.WithLabelValues("a")); got != 1 {
		t.Errorf("healthy{a} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.healthy.WithLabelValues("b")); got != 0 {
		t.Errorf("healthy{b} = %v, want 0", got)
	}
}

func TestRecordFailover(t *testing.T) {
	t.Parallel()

	collector, _ := NewCollector(nil)
	collector.RecordFailover("a", true)
	collector.RecordFailover("a", false)
	collector.RecordFailover("a", false)

	if got := testutil.ToFloat64(collector.failoverCounter.WithLabelValues("a", "failure")); got != 2 {
		t.Errorf("failover failures = %v, want 2", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	t.Parallel()

	collector, _ := NewCollector(nil)
	collector.RecordRouting("user", "smart", "secondary")
	collector.RecordRebalance(3, 1)
	collector.RecordAlert("high-memory", "warning")
	collector.SetHealthScore(87.5)

	rec := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`redisfleet_routing_decisions_total{category="user",instance="secondary",strategy="smart"} 1`,
		`redisfleet_rebalance_keys_total{result="moved"} 3`,
		`redisfleet_health_score 87.5`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{context.DeadlineExceeded, "timeout"},
		{errors.New("i/o timeout"), "timeout"},
		{errors.New("circuit breaker is open"), "circuit_open"},
		{errors.New("dial tcp 127.0.0.1:6379: connect: connection refused"), "connection"},
		{errors.New("BUSYKEY Target key name already exists."), "busy_key"},
		{errors.New("WRONGTYPE"), "other"},
	}
	for _, tt := range tests {
		if got := classifyError(tt.err); got != tt.want {
			t.Errorf("classifyError(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
