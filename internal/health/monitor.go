package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/redisfleet/redisfleet/internal/config"
	"github.com/redisfleet/redisfleet/internal/registry"
	fleeterrors "github.com/redisfleet/redisfleet/pkg/errors"
	"github.com/redisfleet/redisfleet/pkg/utils"
)

const (
	defaultCheckInterval = 30 * time.Second
	historyRetention     = 24 * time.Hour
)

// Recorder observes alerts, failovers and the fleet health score.
type Recorder interface {
	RecordAlert(ruleID, severity string)
	RecordFailover(instanceID string, success bool)
	SetHealthScore(score float64)
}

// Service scores instances on a fixed interval, fires alert rules and
// drives auto-recovery and failover.
type Service struct {
	provider   *config.Provider
	registry   *registry.Registry
	rebalancer Rebalancer
	alerts     *AlertManager
	logger     *utils.StructuredLogger
	recorder   Recorder
	interval   time.Duration
	now        func() time.Time

	mu        sync.Mutex
	history   map[string][]Result
	failovers []FailoverEvent
	recovery  map[string]*recoveryState
	last      *SystemHealth

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Service.
type Option func(*Service)

// WithRecorder sets a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithInterval overrides the check interval.
func WithInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithAlertRules replaces the default alert rules.
func WithAlertRules(rules []AlertRule) Option {
	return func(s *Service) { s.alerts = NewAlertManager(rules) }
}

// NewService creates a health service. rebalancer may be nil.
func NewService(provider *config.Provider, reg *registry.Registry, rebalancer Rebalancer, logger *utils.StructuredLogger, opts ...Option) *Service {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	s := &Service{
		provider:   provider,
		registry:   reg,
		rebalancer: rebalancer,
		logger:     logger.WithComponent("health"),
		interval:   defaultCheckInterval,
		now:        time.Now,
		history:    make(map[string][]Result),
		recovery:   make(map[string]*recoveryState),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.alerts == nil {
		s.alerts = NewAlertManager(DefaultAlertRules(provider.Monitoring().AlertThresholds.MemoryUsage))
	}
	return s
}

// Alerts returns the alert rule manager.
func (s *Service) Alerts() *AlertManager { return s.alerts }

// Start runs a check immediately and then every interval until ctx is
// cancelled or Stop is called.
func (s *Service) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
	s.logger.Info("Health monitoring started", map[string]interface{}{"interval": s.interval.String()})
}

// Stop halts the check loop and waits for a running cycle to finish.
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

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.CheckAll(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("Health check cycle failed", map[string]interface{}{"error": err.Error()})
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// CheckAll scores every instance concurrently, evaluates alert rules and
// runs auto-recovery for critically failing instances.
func (s *Service) CheckAll(ctx context.Context) (SystemHealth, error) {
	ids := s.registry.InstanceIDs()
	results := make([]Result, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			res, err := s.checkInstance(gctx, id)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return SystemHealth{}, err
	}

	now := s.now()
	sh := Aggregate(results, now)

	s.mu.Lock()
	for _, res := range results {
		s.history[res.InstanceID] = append(s.history[res.InstanceID], res)
	}
	s.pruneHistoryLocked(now)
	sh.AutoRecoveryActions = s.recoveryActionsLocked(now)
	last := sh
	s.last = &last
	s.mu.Unlock()

	for _, a := range s.alerts.Evaluate(results, now) {
		s.logger.Warn("Alert triggered", map[string]interface{}{
			"rule":     a.RuleID,
			"instance": a.InstanceID,
			"severity": a.Severity,
			"value":    a.Value,
		})
		if s.recorder != nil {
			s.recorder.RecordAlert(a.RuleID, string(a.Severity))
		}
	}
	if s.recorder != nil {
		s.recorder.SetHealthScore(float64(sh.Summary.AverageScore))
	}

	for _, res := range results {
		s.attemptRecovery(ctx, res)
	}

	if sh.Overall != StatusHealthy {
		s.logger.Warn("System health degraded", map[string]interface{}{
			"status":   sh.Overall,
			"healthy":  sh.Summary.HealthyInstances,
			"critical": sh.Summary.CriticalInstances,
		})
	}
	return sh, nil
}

func (s *Service) checkInstance(ctx context.Context, id string) (Result, error) {
	status, ok := s.registry.Status(id)
	if !ok {
		return Result{}, fleeterrors.NewInstanceNotFoundError(id).WithComponent("health")
	}
	probe := Probe{Connected: status.IsConnected}
	if status.IsConnected {
		probe.Latency, probe.Err = s.registry.Ping(ctx, id)
	}
	return Evaluate(status, probe, s.now()), nil
}

// SystemHealth returns the result of the last check cycle, if any.
func (s *Service) SystemHealth() (SystemHealth, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return SystemHealth{}, false
	}
	return *s.last, true
}

// InstanceHealth returns the latest result for id.
func (s *Service) InstanceHealth(id string) (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.history[id]
	if len(h) == 0 {
		return Result{}, false
	}
	return h[len(h)-1], true
}

// HealthHistory returns the results for id from the last hours, oldest first.
func (s *Service) HealthHistory(id string, hours int) []Result {
	cutoff := s.now().Add(-time.Duration(hours) * time.Hour)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Result, 0)
	for _, r := range s.history[id] {
		if !r.Timestamp.Before(cutoff) {
			out = append(out, r)
		}
	}
	return out
}

func (s *Service) pruneHistoryLocked(now time.Time) {
	cutoff := now.Add(-historyRetention)
	for id, h := range s.history {
		i := 0
		for i < len(h) && h[i].Timestamp.Before(cutoff) {
			i++
		}
		if i > 0 {
			s.history[id] = append([]Result(nil), h[i:]...)
		}
	}
}
