package balancer

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/redisfleet/redisfleet/internal/config"
	"github.com/redisfleet/redisfleet/internal/registry"
	"github.com/redisfleet/redisfleet/pkg/utils"
)

const (
	maxRecentDecisions  = 100
	stickyWindow        = 5 * time.Minute
	maxRebalanceHistory = 100
	maxAffinityKeys     = 10000
)

// Recorder observes routing and rebalancing.
type Recorder interface {
	RecordRouting(category, strategy, instanceID string)
	RecordRebalance(moved, failed int)
}

type recentDecision struct {
	instanceID string
	key        string
	at         time.Time
}

// Metrics summarises routing since the last reset.
type Metrics struct {
	TotalRequests       int64            `json:"totalRequests"`
	RequestsPerInstance map[string]int64 `json:"requestsPerInstance"`
	AverageResponseTime float64          `json:"averageResponseTime"`
	RebalancingEvents   int              `json:"rebalancingEvents"`
	LastRebalancing     *time.Time       `json:"lastRebalancing"`
	Efficiency          float64          `json:"efficiency"`
}

// Balancer routes operations to instances and rebalances data between them.
type Balancer struct {
	provider *config.Provider
	registry *registry.Registry
	logger   *utils.StructuredLogger
	recorder Recorder
	now      func() time.Time

	mu                sync.Mutex
	totalRequests     int64
	requestCounts     map[string]int64
	recent            map[config.Category][]recentDecision
	affinity          *simplelru.LRU[string, recentDecision]
	history           []RebalancingPlan
	rebalancingEvents int
	lastRebalancing   time.Time

	rebalanceMu sync.Mutex

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Balancer.
type Option func(*Balancer)

// WithRecorder sets a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(b *Balancer) { b.recorder = r }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Balancer) { b.now = now }
}

// New creates a balancer over the registry's instances.
func New(provider *config.Provider, reg *registry.Registry, logger *utils.StructuredLogger, opts ...Option) *Balancer {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	b := &Balancer{
		provider:      provider,
		registry:      reg,
		logger:        logger.WithComponent("balancer"),
		now:           time.Now,
		requestCounts: make(map[string]int64),
		recent:        make(map[config.Category][]recentDecision),
		affinity:      newAffinity(),
	}
	for _, opt := range opts {
		opt(b)
	}

	lb := provider.LoadBalancing()
	b.logger.Info("Load balancer initialized", map[string]interface{}{
		"strategy":           lb.Strategy,
		"capacity_threshold": lb.CapacityThreshold,
		"rebalance_enabled":  lb.RebalanceEnabled,
	})
	return b
}

// SelectInstance picks an eligible instance for category. Only healthy,
// active instances that serve the category are considered. A key routed
// within the sticky window keeps going to the same instance while it stays
// eligible.
func (b *Balancer) SelectInstance(ctx context.Context, category config.Category, op Operation, key string) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	instances := b.registry.InstancesForCategory(category)
	byID := make(map[string]*registry.Instance, len(instances))
	candidates := make([]Candidate, 0, len(instances))
	for _, inst := range instances {
		ic, ok := b.provider.LookupInstance(inst.ID())
		if !ok {
			continue
		}
		byID[inst.ID()] = inst
		candidates = append(candidates, Candidate{
			ID:         inst.ID(),
			Categories: ic.Categories,
			Status:     inst.Status(),
		})
	}
	policy := b.provider.LoadBalancing()

	b.mu.Lock()
	now := b.now()
	sticky := b.stickyInstancesLocked(key, now)
	for i := range candidates {
		candidates[i].Requests = b.requestCounts[candidates[i].ID]
		candidates[i].Sticky = sticky[candidates[i].ID]
	}
	d, err := Select(Request{
		Category:      category,
		Operation:     op,
		Key:           key,
		Policy:        policy,
		TotalRequests: b.totalRequests,
		Affinity:      b.affinityLocked(key, now),
	}, candidates)
	if err == nil {
		b.trackLocked(d, key, now)
	}
	b.mu.Unlock()

	if err != nil {
		b.logger.Debug("No eligible instance", map[string]interface{}{"category": category})
		return Decision{}, err
	}
	d.Instance = byID[d.InstanceID]

	if b.recorder != nil {
		b.recorder.RecordRouting(string(category), string(d.Strategy), d.InstanceID)
	}
	b.logger.Debug("Instance selected", map[string]interface{}{
		"category":   category,
		"operation":  op,
		"instance":   d.InstanceID,
		"confidence": d.Confidence,
	})
	return d, nil
}

func (b *Balancer) trackLocked(d Decision, key string, now time.Time) {
	b.totalRequests++
	b.requestCounts[d.InstanceID]++

	log := append(b.recent[d.Category], recentDecision{instanceID: d.InstanceID, key: key, at: now})
	if len(log) > maxRecentDecisions {
		log = log[len(log)-maxRecentDecisions:]
	}
	b.recent[d.Category] = log

	if key != "" {
		b.affinity.Add(key, recentDecision{instanceID: d.InstanceID, key: key, at: now})
	}
}

// affinityLocked returns the instance key was last routed to, if that
// happened within the sticky window.
func (b *Balancer) affinityLocked(key string, now time.Time) string {
	if key == "" {
		return ""
	}
	last, ok := b.affinity.Get(key)
	if !ok || !last.at.After(now.Add(-stickyWindow)) {
		return ""
	}
	return last.instanceID
}

// stickyInstancesLocked returns the instances key was routed to within the
// sticky window, across every category.
func (b *Balancer) stickyInstancesLocked(key string, now time.Time) map[string]bool {
	out := make(map[string]bool)
	if key == "" {
		return out
	}
	cutoff := now.Add(-stickyWindow)
	for _, log := range b.recent {
		for _, d := range log {
			if d.key == key && d.at.After(cutoff) {
				out[d.instanceID] = true
			}
		}
	}
	return out
}

// Metrics returns routing metrics. Efficiency is derived from the spread of
// memory usage across the fleet.
func (b *Balancer) Metrics() Metrics {
	statuses := b.registry.Statuses()

	b.mu.Lock()
	m := Metrics{
		TotalRequests:       b.totalRequests,
		RequestsPerInstance: make(map[string]int64, len(b.requestCounts)),
		RebalancingEvents:   b.rebalancingEvents,
		Efficiency:          1.0,
	}
	for id, n := range b.requestCounts {
		m.RequestsPerInstance[id] = n
	}
	if !b.lastRebalancing.IsZero() {
		t := b.lastRebalancing
		m.LastRebalancing = &t
	}
	b.mu.Unlock()

	for _, ic := range b.provider.AllInstances() {
		if _, ok := m.RequestsPerInstance[ic.ID]; !ok {
			m.RequestsPerInstance[ic.ID] = 0
		}
	}

	if len(statuses) > 0 {
		usages := make([]float64, 0, len(statuses))
		var respSum float64
		for _, s := range statuses {
			usages = append(usages, s.Memory.Percentage)
			respSum += s.Performance.AvgResponseTime
		}
		m.AverageResponseTime = respSum / float64(len(statuses))
		m.Efficiency = Efficiency(usages)
	}
	return m
}

// Efficiency is max(0, 1 - stddev/100) over memory percentages.
func Efficiency(usages []float64) float64 {
	if len(usages) == 0 {
		return 1.0
	}
	var sum float64
	for _, u := range usages {
		sum += u
	}
	avg := sum / float64(len(usages))
	var variance float64
	for _, u := range usages {
		variance += (u - avg) * (u - avg)
	}
	variance /= float64(len(usages))
	return math.Max(0, 1-math.Sqrt(variance)/100)
}

// ResetMetrics clears request counts, the decision log and rebalancing
// counters. The rebalancing history is kept.
func (b *Balancer) ResetMetrics() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalRequests = 0
	b.requestCounts = make(map[string]int64)
	b.recent = make(map[config.Category][]recentDecision)
	b.affinity = newAffinity()
	b.rebalancingEvents = 0
	b.lastRebalancing = time.Time{}
	b.logger.Info("Load balancing metrics reset", nil)
}

// Start runs the rebalancing scheduler until ctx is cancelled or Stop is
// called. The interval and enabled flag are re-read before every run.
func (b *Balancer) Start(ctx context.Context) {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if b.cancel != nil {
		return
	}
	ctx, b.cancel = context.WithCancel(ctx)
	b.done = make(chan struct{})
	go b.scheduler(ctx, b.done)
}

// Stop halts the scheduler and waits for a running pass to finish.
func (b *Balancer) Stop() {
	b.runMu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.runMu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (b *Balancer) scheduler(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		lb := b.provider.LoadBalancing()
		interval := lb.RebalanceInterval
		if interval <= 0 {
			interval = 300 * time.Second
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if !b.provider.LoadBalancing().RebalanceEnabled {
			continue
		}
		if _, err := b.Rebalance(ctx); err != nil {
			b.logger.Error("Automatic rebalancing failed", map[string]interface{}{"error": err.Error()})
		}
	}
}

func newAffinity() *simplelru.LRU[string, recentDecision] {
	l, _ := simplelru.NewLRU[string, recentDecision](maxAffinityKeys, nil)
	return l
}
