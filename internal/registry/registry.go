package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/redisfleet/redisfleet/internal/config"
	fleeterrors "github.com/redisfleet/redisfleet/pkg/errors"
	"github.com/redisfleet/redisfleet/pkg/utils"
)

// Options tunes the registry.
type Options struct {
	// ClientFactory opens connections; defaults to NewRedisClient.
	ClientFactory ClientFactory

	// PoolSize is the number of connections opened per instance.
	PoolSize int

	// PerformanceWindow is how often performance stats are computed.
	PerformanceWindow time.Duration

	// ReconnectDelay is the wait before reconnecting a failed-over instance.
	ReconnectDelay time.Duration

	// BreakerTimeout is how long an open circuit stays open.
	BreakerTimeout time.Duration

	// Recorder, if set, observes every request-path command.
	Recorder OperationRecorder

	Now func() time.Time
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		ClientFactory:     NewRedisClient,
		PoolSize:          minIdleConns,
		PerformanceWindow: 60 * time.Second,
		ReconnectDelay:    30 * time.Second,
		BreakerTimeout:    30 * time.Second,
		Now:               time.Now,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ClientFactory == nil {
		o.ClientFactory = d.ClientFactory
	}
	if o.PoolSize < 1 {
		o.PoolSize = d.PoolSize
	}
	if o.PerformanceWindow <= 0 {
		o.PerformanceWindow = d.PerformanceWindow
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = d.ReconnectDelay
	}
	if o.BreakerTimeout <= 0 {
		o.BreakerTimeout = d.BreakerTimeout
	}
	if o.Now == nil {
		o.Now = d.Now
	}
	return o
}

// Registry owns one Instance per configured Redis instance.
type Registry struct {
	provider *config.Provider
	opts     Options
	logger   *utils.StructuredLogger

	mu        sync.RWMutex
	instances map[string]*Instance
	order     []string
	loops     map[string]context.CancelFunc

	runMu   sync.Mutex
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
	closing chan struct{}

	events *broadcaster
}

// New creates a registry. Call Initialize to open connections.
func New(provider *config.Provider, opts Options, logger *utils.StructuredLogger) *Registry {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Registry{
		provider:  provider,
		opts:      opts.withDefaults(),
		logger:    logger.WithComponent("registry"),
		instances: make(map[string]*Instance),
		loops:     make(map[string]context.CancelFunc),
		closing:   make(chan struct{}),
		events:    newBroadcaster(),
	}
}

// Initialize opens and connects every active configured instance. Failed
// connections are logged and left for the health tick to recover.
func (r *Registry) Initialize(ctx context.Context) error {
	return r.Sync(ctx)
}

// Sync reconciles the registry with the provider: instances added to the
// configuration are opened, removed ones are closed.
func (r *Registry) Sync(ctx context.Context) error {
	configured := r.provider.AllInstances()

	wanted := make(map[string]bool, len(configured))
	var added []*Instance
	for _, ic := range configured {
		wanted[ic.ID] = true
		if _, ok := r.Instance(ic.ID); ok || !ic.Active {
			continue
		}
		inst, err := r.open(ic)
		if err != nil {
			r.logger.Error("Failed to open Redis instance", map[string]interface{}{
				"instance": ic.ID,
				"error":    err.Error(),
			})
			continue
		}
		added = append(added, inst)
	}

	r.mu.Lock()
	for _, inst := range added {
		r.instances[inst.ID()] = inst
	}
	var removed []*Instance
	for id, inst := range r.instances {
		if !wanted[id] {
			removed = append(removed, inst)
			delete(r.instances, id)
		}
	}
	r.order = r.order[:0]
	for _, ic := range configured {
		if _, ok := r.instances[ic.ID]; ok {
			r.order = append(r.order, ic.ID)
		}
	}
	r.mu.Unlock()

	for _, inst := range removed {
		r.stopLoop(inst.ID())
		inst.close()
		r.logger.Info("Removed Redis instance", map[string]interface{}{"instance": inst.ID()})
	}

	var g errgroup.Group
	for _, inst := range added {
		inst := inst
		g.Go(func() error {
			if err := inst.connect(ctx); err != nil {
				r.logger.Error("Failed to connect to Redis instance", map[string]interface{}{
					"instance": inst.ID(),
					"error":    err.Error(),
				})
			}
			r.publish(inst, EventConnected)
			return nil
		})
	}
	_ = g.Wait()

	r.runMu.Lock()
	if r.started {
		for _, inst := range added {
			r.startLoop(inst)
		}
	}
	r.runMu.Unlock()

	r.logger.Info("Registry synchronized", map[string]interface{}{
		"instances": len(r.InstanceIDs()),
		"added":     len(added),
		"removed":   len(removed),
	})
	return nil
}

func (r *Registry) open(ic config.InstanceConfig) (*Instance, error) {
	clients := make([]Client, 0, r.opts.PoolSize)
	for n := 0; n < r.opts.PoolSize; n++ {
		c, err := r.opts.ClientFactory(ic)
		if err != nil {
			for _, opened := range clients {
				_ = opened.Close()
			}
			return nil, err
		}
		clients = append(clients, c)
	}
	return newInstance(ic, clients, r.opts, r.logger), nil
}

// Start launches the per-instance health ticks and the performance window.
func (r *Registry) Start(ctx context.Context) error {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.started {
		return fmt.Errorf("registry already started")
	}
	if r.stopped {
		return fmt.Errorf("registry stopped")
	}
	r.runCtx, r.cancel = context.WithCancel(ctx)
	r.started = true

	for _, inst := range r.all() {
		r.startLoop(inst)
	}

	r.wg.Add(1)
	go r.windowLoop(r.runCtx)

	r.logger.Info("Registry started", nil)
	return nil
}

// Stop halts background work and closes every connection.
func (r *Registry) Stop() {
	r.runMu.Lock()
	if r.started {
		r.cancel()
		r.started = false
	}
	if !r.stopped {
		r.stopped = true
		close(r.closing)
	}
	r.runMu.Unlock()
	r.wg.Wait()

	for _, inst := range r.all() {
		inst.close()
	}
	r.events.close()
	r.logger.Info("Registry stopped", nil)
}

// startLoop must be called with runMu held.
func (r *Registry) startLoop(inst *Instance) {
	ctx, cancel := context.WithCancel(r.runCtx)
	r.mu.Lock()
	r.loops[inst.ID()] = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go r.healthLoop(ctx, inst)
}

func (r *Registry) stopLoop(id string) {
	r.mu.Lock()
	cancel, ok := r.loops[id]
	delete(r.loops, id)
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

func (r *Registry) healthLoop(ctx context.Context, inst *Instance) {
	defer r.wg.Done()

	interval := inst.Config().HealthCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = inst.healthTick(ctx)
			r.publish(inst, EventHealthCheck)
		}
	}
}

func (r *Registry) windowLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.opts.PerformanceWindow)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RollPerformanceWindow()
		}
	}
}

// RollPerformanceWindow computes performance stats for every instance and
// starts a new window.
func (r *Registry) RollPerformanceWindow() {
	now := r.opts.Now()
	for _, inst := range r.all() {
		inst.rollWindow(now)
	}
}

// Instance returns the instance with id.
func (r *Registry) Instance(id string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	return inst, ok
}

// InstanceIDs returns instance ids in configuration order.
func (r *Registry) InstanceIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

func (r *Registry) all() []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Instance, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.instances[id])
	}
	return out
}

// Status returns the status of one instance.
func (r *Registry) Status(id string) (InstanceStatus, bool) {
	inst, ok := r.Instance(id)
	if !ok {
		return InstanceStatus{}, false
	}
	return inst.Status(), true
}

// Statuses returns every instance status in configuration order.
func (r *Registry) Statuses() []InstanceStatus {
	insts := r.all()
	out := make([]InstanceStatus, 0, len(insts))
	for _, inst := range insts {
		out = append(out, inst.Status())
	}
	return out
}

// HealthyInstanceIDs returns the ids of healthy, connected instances.
func (r *Registry) HealthyInstanceIDs() []string {
	out := make([]string, 0)
	for _, inst := range r.all() {
		if inst.Healthy() {
			out = append(out, inst.ID())
		}
	}
	return out
}

// InstancesForCategory returns active instances serving category that are
// currently healthy and connected.
func (r *Registry) InstancesForCategory(category config.Category) []*Instance {
	var out []*Instance
	for _, ic := range r.provider.InstancesForCategory(category) {
		if inst, ok := r.Instance(ic.ID); ok && inst.Healthy() {
			out = append(out, inst)
		}
	}
	return out
}

// PooledClient returns the next pooled connection for id.
func (r *Registry) PooledClient(id string) (Client, error) {
	inst, ok := r.Instance(id)
	if !ok {
		return nil, fleeterrors.NewInstanceNotFoundError(id).WithComponent("registry")
	}
	return inst.PooledClient(), nil
}

// Ping measures round-trip latency to id.
func (r *Registry) Ping(ctx context.Context, id string) (time.Duration, error) {
	inst, ok := r.Instance(id)
	if !ok {
		return 0, fleeterrors.NewInstanceNotFoundError(id).WithComponent("registry")
	}
	pingCtx, cancel := inst.commandContext(ctx)
	defer cancel()

	start := r.opts.Now()
	if err := inst.Client().Ping(pingCtx); err != nil {
		return 0, fleeterrors.NewInstanceOperationError(id, "ping", err)
	}
	return r.opts.Now().Sub(start), nil
}

// ForceHealthCheck runs a health tick now for id, or for every instance
// when id is empty.
func (r *Registry) ForceHealthCheck(ctx context.Context, id string) error {
	if id != "" {
		inst, ok := r.Instance(id)
		if !ok {
			return fleeterrors.NewInstanceNotFoundError(id).WithComponent("registry")
		}
		err := inst.healthTick(ctx)
		r.publish(inst, EventHealthCheck)
		return err
	}

	var g errgroup.Group
	for _, inst := range r.all() {
		inst := inst
		g.Go(func() error {
			_ = inst.healthTick(ctx)
			r.publish(inst, EventHealthCheck)
			return nil
		})
	}
	return g.Wait()
}

// EmergencyFailover deactivates id, marks it down and schedules a
// reconnect after the reconnect delay. A successful reconnect reactivates
// the instance.
func (r *Registry) EmergencyFailover(id string) error {
	inst, ok := r.Instance(id)
	if !ok {
		return fleeterrors.NewInstanceNotFoundError(id).WithComponent("registry")
	}

	r.logger.Warn("Initiating emergency failover", map[string]interface{}{"instance": id})
	if err := r.provider.SetInstanceActive(id, false); err != nil {
		return err
	}
	inst.markDown(StateDisconnected, nil)
	r.publish(inst, EventFailover)

	// wg.Add happens under runMu so it cannot race Stop's Wait.
	r.runMu.Lock()
	if r.stopped {
		r.runMu.Unlock()
		r.logger.Warn("Registry stopped, reconnect not scheduled", map[string]interface{}{"instance": id})
		return nil
	}
	ctx := r.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	r.wg.Add(1)
	r.runMu.Unlock()

	go func() {
		defer r.wg.Done()
		timer := time.NewTimer(r.opts.ReconnectDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-r.closing:
			return
		case <-timer.C:
		}
		if err := r.Reconnect(ctx, id); err != nil {
			r.logger.Error("Failed to reconnect after failover", map[string]interface{}{
				"instance": id,
				"error":    err.Error(),
			})
		}
	}()
	return nil
}

// Reconnect re-establishes the connection to id and reactivates it on success.
func (r *Registry) Reconnect(ctx context.Context, id string) error {
	inst, ok := r.Instance(id)
	if !ok {
		return fleeterrors.NewInstanceNotFoundError(id).WithComponent("registry")
	}
	if _, ok := r.provider.LookupInstance(id); !ok {
		return fleeterrors.NewInstanceNotFoundError(id).WithComponent("config")
	}

	inst.setState(StateReconnecting)
	if err := inst.connect(ctx); err != nil {
		r.publish(inst, EventReconnectFailed)
		return err
	}
	if err := r.provider.SetInstanceActive(id, true); err != nil {
		return err
	}
	r.logger.Info("Instance reconnected", map[string]interface{}{"instance": id})
	r.publish(inst, EventReconnected)
	return nil
}

// DetailedStatus is a fleet-wide summary plus every instance status.
type DetailedStatus struct {
	Instances []InstanceStatus `json:"instances"`
	Summary   StatusSummary    `json:"summary"`
}

// StatusSummary aggregates instance statuses.
type StatusSummary struct {
	TotalInstances   int   `json:"totalInstances"`
	HealthyInstances int   `json:"healthyInstances"`
	TotalMemoryUsed  int64 `json:"totalMemoryUsed"`
	TotalMemoryMax   int64 `json:"totalMemoryMax"`
}

// DetailedStatus returns the fleet summary.
func (r *Registry) DetailedStatus() DetailedStatus {
	statuses := r.Statuses()
	out := DetailedStatus{Instances: statuses}
	out.Summary.TotalInstances = len(statuses)
	for _, s := range statuses {
		if s.IsHealthy {
			out.Summary.HealthyInstances++
		}
		out.Summary.TotalMemoryUsed += s.Memory.Used
		out.Summary.TotalMemoryMax += s.Memory.Max
	}
	return out
}

// Subscribe returns a channel of status events and a function that
// cancels the subscription. Events are dropped when the buffer is full.
func (r *Registry) Subscribe(buffer int) (<-chan StatusEvent, func()) {
	return r.events.subscribe(buffer)
}

func (r *Registry) publish(inst *Instance, kind EventKind) {
	r.events.publish(StatusEvent{
		Kind:       kind,
		InstanceID: inst.ID(),
		Status:     inst.Status(),
		At:         r.opts.Now(),
	})
}
