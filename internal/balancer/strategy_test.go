package balancer

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/redisfleet/redisfleet/internal/config"
	"github.com/redisfleet/redisfleet/internal/registry"
	fleeterrors "github.com/redisfleet/redisfleet/pkg/errors"
)

func policy(strategy config.Strategy) config.LoadBalancingConfig {
	lb := config.NewDefault().LoadBalancing
	lb.Strategy = strategy
	return lb
}

func candidate(id string, memPct float64, cats ...config.Category) Candidate {
	return Candidate{
		ID:         id,
		Categories: cats,
		Status: registry.InstanceStatus{
			ID:          id,
			IsHealthy:   true,
			IsConnected: true,
			Memory:      registry.MemoryStats{Percentage: memPct},
		},
	}
}

func TestSelectNoCandidates(t *testing.T) {
	_, err := Select(Request{Category: config.CategoryUser, Policy: policy(config.StrategySmart)}, nil)
	if !errors.Is(err, fleeterrors.ErrNoEligibleInstance) {
		t.Fatalf("Select() error = %v, want NoEligibleInstance", err)
	}
	if !strings.Contains(err.Error(), "No healthy Redis instances available for data type: user") {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestSelectSingleCandidate(t *testing.T) {
	for _, s := range []config.Strategy{config.StrategyRoundRobin, config.StrategyLeastUsed, config.StrategySmart, config.StrategyDataType} {
		t.Run(string(s), func(t *testing.T) {
			d, err := Select(Request{Category: config.CategoryAuth, Policy: policy(s)}, []Candidate{candidate("only", 99)})
			if err != nil {
				t.Fatalf("Select() error = %v", err)
			}
			if d.InstanceID != "only" || d.Confidence != 1.0 || d.Reason != "Only available instance" {
				t.Errorf("Select() = %+v", d)
			}
			if len(d.Alternatives) != 0 {
				t.Errorf("alternatives = %v, want none", d.Alternatives)
			}
		})
	}
}

func TestSelectRoundRobin(t *testing.T) {
	cands := []Candidate{candidate("a", 0), candidate("b", 0), candidate("c", 0)}
	tests := []struct {
		total int64
		want  string
	}{
		{0, "a"}, {1, "b"}, {2, "c"}, {3, "a"}, {10, "b"},
	}
	for _, tt := range tests {
		d, _ := Select(Request{Policy: policy(config.StrategyRoundRobin), TotalRequests: tt.total}, cands)
		if d.InstanceID != tt.want {
			t.Errorf("total=%d: got %s, want %s", tt.total, d.InstanceID, tt.want)
		}
		if d.Confidence != 0.7 {
			t.Errorf("confidence = %v, want 0.7", d.Confidence)
		}
		if len(d.Alternatives) != 2 {
			t.Errorf("alternatives = %v", d.Alternatives)
		}
	}
}

func TestSelectLeastUsed(t *testing.T) {
	a := candidate("a", 50)
	a.Requests = 0 // 30
	b := candidate("b", 20)
	b.Requests = 40 // 12 + 16 = 28
	c := candidate("c", 10)
	c.Requests = 100 // 6 + 40 = 46

	d, _ := Select(Request{Policy: policy(config.StrategyLeastUsed)}, []Candidate{a, b, c})
	if d.InstanceID != "b" {
		t.Fatalf("got %s, want b", d.InstanceID)
	}
	if d.Reason != "Least used (Memory: 20.0%, Requests: 40)" {
		t.Errorf("reason = %q", d.Reason)
	}
	if got := strings.Join(d.Alternatives, ","); got != "a,c" {
		t.Errorf("alternatives = %s, want a,c", got)
	}
}

func TestSelectByDataType(t *testing.T) {
	primary := candidate("primary", 70, config.CategoryUser, config.CategoryMenu)
	other := candidate("other", 5, config.CategoryMenu, config.CategoryUser)

	d, _ := Select(Request{Category: config.CategoryUser, Policy: policy(config.StrategyDataType)}, []Candidate{other, primary})
	if d.InstanceID != "primary" {
		t.Errorf("first-declared category should win, got %s", d.InstanceID)
	}

	d, _ = Select(Request{Category: config.CategoryAuth, Policy: policy(config.StrategyDataType)}, []Candidate{primary, other})
	if d.InstanceID != "other" {
		t.Errorf("without a primary match least-used applies, got %s", d.InstanceID)
	}
}

func TestSmartScore(t *testing.T) {
	req := Request{Category: config.CategoryUser, Operation: OpRead, Key: "k", Policy: policy(config.StrategySmart)}

	c := candidate("a", 50, config.CategoryUser)
	c.Status.Performance = registry.PerformanceStats{AvgResponseTime: 50, ErrorRate: 10}
	// 100 - 20 - 15 - 2 + 10 + 3
	if got, _ := SmartScore(req, c); math.Abs(got-76) > 1e-9 {
		t.Errorf("score = %v, want 76", got)
	}

	c.Sticky = true
	if got, _ := SmartScore(req, c); math.Abs(got-81) > 1e-9 {
		t.Errorf("sticky score = %v, want 81", got)
	}

	write := req
	write.Operation = OpWrite
	if got, _ := SmartScore(write, c); math.Abs(got-76) > 1e-9 {
		t.Errorf("writes are never sticky, score = %v", got)
	}

	slow := candidate("slow", 0)
	slow.Status.Performance.AvgResponseTime = 1000
	// 100 - 30 (capped) + 3
	if got, _ := SmartScore(req, slow); math.Abs(got-73) > 1e-9 {
		t.Errorf("latency penalty should cap at 30, score = %v", got)
	}

	sick := candidate("sick", 0)
	sick.Status.IsHealthy = false
	if got, _ := SmartScore(req, sick); math.Abs(got-50) > 1e-9 {
		t.Errorf("unhealthy score = %v, want 50", got)
	}

	full := candidate("full", 97, config.CategoryUser)
	got, reasons := SmartScore(req, full)
	if got != 0 {
		t.Errorf("emergency score = %v, want clamped 0", got)
	}
	if !strings.Contains(strings.Join(reasons, ","), "Emergency: -100 (>95%)") {
		t.Errorf("reasons = %v", reasons)
	}
}

func TestSmartNeverPicksAboveEmergencyThreshold(t *testing.T) {
	req := Request{Category: config.CategoryUser, Policy: policy(config.StrategySmart)}
	for mem := 96.0; mem <= 100; mem++ {
		for _, worst := range []registry.PerformanceStats{
			{},
			{AvgResponseTime: 500, ErrorRate: 100},
		} {
			full := candidate("full", mem, config.CategoryUser)
			busy := candidate("busy", 94)
			busy.Status.Performance = worst

			d, err := Select(req, []Candidate{full, busy})
			if err != nil {
				t.Fatal(err)
			}
			if d.InstanceID == "full" {
				t.Errorf("picked instance at %.0f%% memory over %+v", mem, worst)
			}
		}
	}
}

func TestSmartConfidence(t *testing.T) {
	req := Request{Category: config.CategoryUser, Policy: policy(config.StrategySmart)}

	// Equal scores.
	d, _ := Select(req, []Candidate{candidate("a", 10), candidate("b", 10)})
	if math.Abs(d.Confidence-0.5) > 1e-9 {
		t.Errorf("confidence = %v, want 0.5", d.Confidence)
	}

	// 20 points apart: 0.2 + 0.5.
	d, _ = Select(req, []Candidate{candidate("b", 50), candidate("a", 0)})
	if d.InstanceID != "a" || math.Abs(d.Confidence-0.7) > 1e-9 {
		t.Errorf("got %s confidence %v, want a 0.7", d.InstanceID, d.Confidence)
	}
	if got := strings.Join(d.Alternatives, ","); got != "b" {
		t.Errorf("alternatives = %s", got)
	}
	if !strings.HasPrefix(d.Reason, "Smart selection (Score: 103.0)") {
		t.Errorf("reason = %q", d.Reason)
	}
}

func TestEfficiency(t *testing.T) {
	tests := []struct {
		usages []float64
		want   float64
	}{
		{nil, 1},
		{[]float64{40, 40, 40}, 1},
		{[]float64{20, 80}, 0.7},
		{[]float64{0, 100, 0, 100, 0, 100}, 0.5},
	}
	for _, tt := range tests {
		if got := Efficiency(tt.usages); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("Efficiency(%v) = %v, want %v", tt.usages, got, tt.want)
		}
	}
}

func TestSelectKeyAffinity(t *testing.T) {
	hot := candidate("hot", 97)
	cool := candidate("cool", 10)
	cands := []Candidate{cool, hot}

	tests := []struct {
		name string
		op   Operation
		pin  string
		want string
	}{
		{"read follows affinity", OpRead, "hot", "hot"},
		{"delete follows affinity", OpDelete, "hot", "hot"},
		{"write leaves emergency instance", OpWrite, "hot", "cool"},
		{"write follows healthy affinity", OpWrite, "cool", "cool"},
		{"unknown affinity ignored", OpRead, "gone", "cool"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := Request{Operation: tt.op, Key: "k", Affinity: tt.pin, Policy: policy(config.StrategyLeastUsed)}
			d, err := Select(req, cands)
			if err != nil {
				t.Fatalf("Select() error = %v", err)
			}
			if d.InstanceID != tt.want {
				t.Errorf("got %s, want %s (%s)", d.InstanceID, tt.want, d.Reason)
			}
		})
	}
}

func TestSmartAvoidsEmergencyAcrossValidWeights(t *testing.T) {
	hot := candidate("hot", 99, config.CategoryUser)
	cool := candidate("cool", 10)
	for _, w := range []float64{0, 0.3, 1} {
		p := policy(config.StrategySmart)
		p.HealthCheckWeight = w
		d, err := Select(Request{Category: config.CategoryUser, Policy: p}, []Candidate{hot, cool})
		if err != nil {
			t.Fatalf("Select() error = %v", err)
		}
		if d.InstanceID != "cool" {
			t.Errorf("weight %v: picked %s (%s)", w, d.InstanceID, d.Reason)
		}
	}
}
