package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/redisfleet/redisfleet/internal/balancer"
	"github.com/redisfleet/redisfleet/internal/config"
	"github.com/redisfleet/redisfleet/internal/registry"
	fleeterrors "github.com/redisfleet/redisfleet/pkg/errors"
	"github.com/redisfleet/redisfleet/pkg/utils"
)

const (
	// FallbackInstanceID is reported for results served by the fallback map.
	FallbackInstanceID = "fallback"

	defaultFallbackItems = 1000
	cleanupInterval      = time.Minute
)

// Recorder observes cache reads and fallback use.
type Recorder interface {
	RecordCacheResult(category, source string, hit bool)
	RecordFallback(operation string)
}

// Options tune a single facade call.
type Options struct {
	// TTL overrides the category TTL. Negative means no expiry.
	TTL               time.Duration
	Category          config.Category
	Operation         balancer.Operation
	ForceInstance     string
	SkipLoadBalancing bool
}

// Result is the outcome of a facade call.
type Result struct {
	Success      bool        `json:"success"`
	Data         interface{} `json:"data,omitempty"`
	InstanceID   string      `json:"instanceId,omitempty"`
	FromCache    bool        `json:"fromCache"`
	ResponseTime float64     `json:"responseTime"` // milliseconds
	Error        string      `json:"error,omitempty"`
}

// SystemStatus is the facade's view of the fleet.
type SystemStatus struct {
	Instances     []registry.InstanceStatus `json:"instances"`
	LoadBalancing balancer.Metrics          `json:"loadBalancing"`
	FallbackCache FallbackStats             `json:"fallbackCache"`
}

// Facade is the single entry point for cache operations. It routes each
// call through the balancer and falls back to an in-process map when no
// instance can serve it.
type Facade struct {
	provider *config.Provider
	registry *registry.Registry
	balancer *balancer.Balancer
	fallback *Fallback
	logger   *utils.StructuredLogger
	recorder Recorder
	now      func() time.Time

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Facade.
type Option func(*Facade)

// WithRecorder sets a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(f *Facade) { f.recorder = r }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(f *Facade) { f.now = now }
}

// New creates a facade. The fallback map is sized from the fallback policy.
func New(provider *config.Provider, reg *registry.Registry, lb *balancer.Balancer, logger *utils.StructuredLogger, opts ...Option) (*Facade, error) {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	f := &Facade{
		provider: provider,
		registry: reg,
		balancer: lb,
		logger:   logger.WithComponent("cache"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}

	fb := provider.Fallback()
	size := fb.MaxItems
	if size <= 0 {
		size = defaultFallbackItems
	}
	fallback, err := NewFallback(size, f.now)
	if err != nil {
		return nil, err
	}
	f.fallback = fallback

	f.logger.Info("Cache facade initialized", map[string]interface{}{
		"instances":        len(reg.InstanceIDs()),
		"fallback_enabled": fb.Enabled && fb.InMemoryCache,
		"fallback_items":   size,
	})
	return f, nil
}

// Fallback returns the fallback map.
func (f *Facade) Fallback() *Fallback { return f.fallback }

// Start runs the fallback cleanup loop until ctx is cancelled or Stop is called.
func (f *Facade) Start(ctx context.Context) {
	f.runMu.Lock()
	defer f.runMu.Unlock()
	if f.cancel != nil {
		return
	}
	ctx, f.cancel = context.WithCancel(ctx)
	f.done = make(chan struct{})
	go f.cleanupLoop(ctx, f.done)
}

// Stop halts the cleanup loop.
func (f *Facade) Stop() {
	f.runMu.Lock()
	cancel, done := f.cancel, f.done
	f.cancel, f.done = nil, nil
	f.runMu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (f *Facade) cleanupLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := f.fallback.Cleanup(); n > 0 {
				f.logger.Debug("Expired fallback entries removed", map[string]interface{}{"count": n})
			}
		}
	}
}

// Set stores value at key. Strings and byte slices are stored as-is,
// anything else as JSON.
func (f *Facade) Set(ctx context.Context, key string, value interface{}, opts Options) Result {
	start := f.now()
	category := categoryOf(opts)

	serialized, err := serialize(value)
	if err != nil {
		return f.failure(start, err)
	}
	ttl := f.ttl(category, opts)

	d, err := f.route(ctx, category, operationOf(opts, balancer.OpWrite), key, opts)
	if err == nil {
		if err = d.Instance.Set(ctx, key, serialized, ttl); err == nil {
			f.logger.Debug("Cache SET", map[string]interface{}{
				"key": key, "instance": d.InstanceID, "ttl_seconds": ttl.Seconds(), "reason": d.Reason,
			})
			return f.success(start, true, d.InstanceID, false)
		}
	}

	f.logger.Error("Cache SET error", map[string]interface{}{"key": key, "error": err.Error()})
	if f.useFallback(err) {
		f.fallback.Set(key, serialized, ttl)
		f.recordFallback("set")
		return f.success(start, true, FallbackInstanceID, false)
	}
	return f.failure(start, err)
}

// Get returns the value at key. A miss is a successful result with no data.
func (f *Facade) Get(ctx context.Context, key string, opts Options) Result {
	start := f.now()
	category := categoryOf(opts)

	d, err := f.route(ctx, category, operationOf(opts, balancer.OpRead), key, opts)
	if err == nil {
		var (
			val   string
			found bool
		)
		if val, found, err = d.Instance.Get(ctx, key); err == nil {
			if found {
				d.Instance.RecordHit()
			} else {
				d.Instance.RecordMiss()
			}
			f.recordRead(category, "redis", found)
			f.logger.Debug("Cache GET", map[string]interface{}{
				"key": key, "instance": d.InstanceID, "hit": found,
			})
			if !found {
				return f.success(start, nil, d.InstanceID, false)
			}
			return f.success(start, val, d.InstanceID, true)
		}
	}

	f.logger.Error("Cache GET error", map[string]interface{}{"key": key, "error": err.Error()})
	if f.useFallback(err) {
		f.recordFallback("get")
		val, found := f.fallback.Get(key)
		f.recordRead(category, FallbackInstanceID, found)
		if !found {
			return f.success(start, nil, FallbackInstanceID, false)
		}
		return f.success(start, val, FallbackInstanceID, true)
	}
	return f.failure(start, err)
}

// GetJSON decodes the value at key into dst. It reports whether a value was found.
func (f *Facade) GetJSON(ctx context.Context, key string, dst interface{}, opts Options) (bool, error) {
	res := f.Get(ctx, key, opts)
	if !res.Success {
		return false, fleeterrors.NewError(fleeterrors.ErrCodeInternalError, res.Error).WithComponent("cache")
	}
	s, ok := res.Data.(string)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal([]byte(s), dst); err != nil {
		return true, fleeterrors.NewValidationError("value at %q is not JSON: %v", key, err)
	}
	return true, nil
}

// Delete removes key. The fallback copy is always removed as well.
func (f *Facade) Delete(ctx context.Context, key string, opts Options) Result {
	start := f.now()
	category := categoryOf(opts)

	d, err := f.route(ctx, category, operationOf(opts, balancer.OpDelete), key, opts)
	if err == nil {
		var n int64
		if n, err = d.Instance.Del(ctx, key); err == nil {
			f.fallback.Delete(key)
			return f.success(start, n, d.InstanceID, false)
		}
	}

	f.logger.Error("Cache DEL error", map[string]interface{}{"key": key, "error": err.Error()})
	removed := f.fallback.Delete(key)
	if f.useFallback(err) {
		f.recordFallback("delete")
		var n int64
		if removed {
			n = 1
		}
		return f.success(start, n, FallbackInstanceID, false)
	}
	return f.failure(start, err)
}

// Exists reports whether key is present.
func (f *Facade) Exists(ctx context.Context, key string, opts Options) Result {
	start := f.now()
	category := categoryOf(opts)

	d, err := f.route(ctx, category, operationOf(opts, balancer.OpRead), key, opts)
	if err == nil {
		var ok bool
		if ok, err = d.Instance.Exists(ctx, key); err == nil {
			return f.success(start, ok, d.InstanceID, false)
		}
	}

	f.logger.Error("Cache EXISTS error", map[string]interface{}{"key": key, "error": err.Error()})
	if f.useFallback(err) {
		f.recordFallback("exists")
		return f.success(start, f.fallback.Exists(key), FallbackInstanceID, true)
	}
	return f.failure(start, err)
}

// Increment adds amount to the integer at key and refreshes its TTL.
func (f *Facade) Increment(ctx context.Context, key string, amount int64, opts Options) Result {
	start := f.now()
	category := categoryOf(opts)
	ttl := f.ttl(category, opts)

	d, err := f.route(ctx, category, operationOf(opts, balancer.OpWrite), key, opts)
	if err == nil {
		var n int64
		if n, err = d.Instance.IncrBy(ctx, key, amount); err == nil {
			if ttl > 0 {
				if err := d.Instance.Expire(ctx, key, ttl); err != nil {
					f.logger.Warn("Failed to set TTL after increment", map[string]interface{}{
						"key": key, "instance": d.InstanceID, "error": err.Error(),
					})
				}
			}
			return f.success(start, n, d.InstanceID, false)
		}
	}

	f.logger.Error("Cache INCREMENT error", map[string]interface{}{"key": key, "error": err.Error()})
	if f.useFallback(err) {
		n, ferr := f.fallback.IncrBy(key, amount, ttl)
		if ferr != nil {
			return f.failure(start, ferr)
		}
		f.recordFallback("increment")
		return f.success(start, n, FallbackInstanceID, false)
	}
	return f.failure(start, err)
}

// ClearAll flushes every active instance and then empties the fallback map.
func (f *Facade) ClearAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, ic := range f.provider.Instances() {
		inst, ok := f.registry.Instance(ic.ID)
		if !ok {
			continue
		}
		g.Go(func() error {
			if err := inst.FlushDB(gctx); err != nil {
				return err
			}
			f.logger.Info("Cleared cache", map[string]interface{}{"instance": inst.ID()})
			return nil
		})
	}
	err := g.Wait()

	f.fallback.Clear()
	f.logger.Info("Cleared fallback cache", nil)
	return err
}

// SystemStatus returns instance statuses, routing metrics and fallback stats.
func (f *Facade) SystemStatus() SystemStatus {
	return SystemStatus{
		Instances:     f.registry.Statuses(),
		LoadBalancing: f.balancer.Metrics(),
		FallbackCache: f.fallback.Stats(),
	}
}

// route resolves the instance for one call.
func (f *Facade) route(ctx context.Context, category config.Category, op balancer.Operation, key string, opts Options) (balancer.Decision, error) {
	switch {
	case opts.ForceInstance != "":
		inst, ok := f.registry.Instance(opts.ForceInstance)
		if !ok {
			return balancer.Decision{}, fleeterrors.NewInstanceNotFoundError(opts.ForceInstance).
				WithComponent("cache").
				WithOperation(string(op))
		}
		return balancer.Decision{
			InstanceID: inst.ID(),
			Reason:     "Forced instance selection",
			Confidence: 1.0,
			Category:   category,
			Operation:  op,
			Instance:   inst,
		}, nil

	case opts.SkipLoadBalancing:
		instances := f.registry.InstancesForCategory(category)
		if len(instances) == 0 {
			return balancer.Decision{}, fleeterrors.NewNoEligibleInstanceError(string(category)).WithComponent("cache")
		}
		return balancer.Decision{
			InstanceID: instances[0].ID(),
			Reason:     "Skip load balancing - first available",
			Confidence: 0.8,
			Category:   category,
			Operation:  op,
			Instance:   instances[0],
		}, nil

	default:
		return f.balancer.SelectInstance(ctx, category, op, key)
	}
}

// ttl returns the effective TTL for a write. Zero means no expiry.
func (f *Facade) ttl(category config.Category, opts Options) time.Duration {
	switch {
	case opts.TTL > 0:
		return opts.TTL
	case opts.TTL < 0:
		return 0
	}
	return time.Duration(f.provider.CalculateOptimalTTL(category, 1)) * time.Second
}

// useFallback reports whether err is an instance-level failure the
// fallback map may absorb.
func (f *Facade) useFallback(err error) bool {
	fb := f.provider.Fallback()
	if !fb.Enabled || !fb.InMemoryCache {
		return false
	}
	return fleeterrors.IsCode(err, fleeterrors.ErrCodeInstanceOperation) ||
		fleeterrors.IsCode(err, fleeterrors.ErrCodeNoEligibleInstance)
}

func (f *Facade) recordRead(category config.Category, source string, hit bool) {
	if f.recorder != nil {
		f.recorder.RecordCacheResult(string(category), source, hit)
	}
}

func (f *Facade) recordFallback(op string) {
	if f.recorder != nil {
		f.recorder.RecordFallback(op)
	}
}

func (f *Facade) success(start time.Time, data interface{}, instanceID string, fromCache bool) Result {
	return Result{
		Success:      true,
		Data:         data,
		InstanceID:   instanceID,
		FromCache:    fromCache,
		ResponseTime: f.elapsedMs(start),
	}
}

func (f *Facade) failure(start time.Time, err error) Result {
	return Result{Success: false, ResponseTime: f.elapsedMs(start), Error: err.Error()}
}

func (f *Facade) elapsedMs(start time.Time) float64 {
	return float64(f.now().Sub(start)) / float64(time.Millisecond)
}

func (f *Facade) elapsedSeconds(start time.Time) float64 {
	return f.now().Sub(start).Seconds()
}

func categoryOf(opts Options) config.Category {
	if opts.Category == "" {
		return config.CategoryDefault
	}
	return opts.Category
}

func operationOf(opts Options, def balancer.Operation) balancer.Operation {
	if opts.Operation == "" {
		return def
	}
	return opts.Operation
}

func serialize(value interface{}) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return "", fleeterrors.NewValidationError("value is not serializable: %v", err)
	}
	return string(data), nil
}
