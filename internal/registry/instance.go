package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/redisfleet/redisfleet/internal/config"
	fleeterrors "github.com/redisfleet/redisfleet/pkg/errors"
	"github.com/redisfleet/redisfleet/pkg/utils"
)

// OperationRecorder observes request-path commands.
type OperationRecorder interface {
	RecordOperation(instanceID, operation string, elapsed time.Duration, err error)
}

// Instance owns the connections and live status of one Redis instance.
type Instance struct {
	id       string
	logger   *utils.StructuredLogger
	breaker  *gobreaker.CircuitBreaker
	window   *perfWindow
	recorder OperationRecorder
	now      func() time.Time

	mu          sync.RWMutex
	cfg         config.InstanceConfig
	clients     []Client
	status      InstanceStatus
	connectedAt time.Time

	next        uint32
	operations  int64
	errors      int64
	hits        int64
	misses      int64
	connections int64
}

func newInstance(cfg config.InstanceConfig, clients []Client, opts Options, logger *utils.StructuredLogger) *Instance {
	now := opts.Now
	inst := &Instance{
		id:       cfg.ID,
		logger:   logger.WithField("instance", cfg.ID),
		window:   newPerfWindow(now()),
		recorder: opts.Recorder,
		now:      now,
		cfg:      cfg,
		clients:  clients,
		status: InstanceStatus{
			ID:     cfg.ID,
			State:  StateDisconnected,
			Memory: newMemoryStats(0, cfg.MaxMemoryBytes()),
		},
	}
	inst.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.ID,
		MaxRequests: 1,
		Interval:    opts.PerformanceWindow,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			inst.logger.Warn("Circuit breaker state change", map[string]interface{}{
				"from": from.String(),
				"to":   to.String(),
			})
		},
	})
	return inst
}

// ID returns the instance id.
func (i *Instance) ID() string { return i.id }

// Config returns the configuration the instance was opened with.
func (i *Instance) Config() config.InstanceConfig {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.cfg
}

// Status returns a snapshot of the instance status.
func (i *Instance) Status() InstanceStatus {
	i.mu.RLock()
	s := i.status
	connectedAt := i.connectedAt
	clients := i.clients
	i.mu.RUnlock()

	s.Stats.TotalOperations = atomic.LoadInt64(&i.operations)
	s.Stats.TotalErrors = atomic.LoadInt64(&i.errors)
	s.Stats.Hits = atomic.LoadInt64(&i.hits)
	s.Stats.Misses = atomic.LoadInt64(&i.misses)
	s.Stats.TotalConnections = atomic.LoadInt64(&i.connections)
	if s.IsConnected && !connectedAt.IsZero() {
		s.Stats.Uptime = i.now().Sub(connectedAt)
	}
	for _, c := range clients {
		s.ConnectionCount += int(c.PoolStats().TotalConns)
	}
	return s
}

// Healthy reports whether the instance is healthy and connected.
func (i *Instance) Healthy() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.status.IsHealthy && i.status.IsConnected
}

// Client returns the primary connection.
func (i *Instance) Client() Client {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.clients[0]
}

// PooledClient returns the next pooled connection in round-robin order.
func (i *Instance) PooledClient() Client {
	i.mu.RLock()
	defer i.mu.RUnlock()
	n := atomic.AddUint32(&i.next, 1)
	return i.clients[int(n-1)%len(i.clients)]
}

// RecordHit counts a read that found its key.
func (i *Instance) RecordHit() { atomic.AddInt64(&i.hits, 1) }

// RecordMiss counts a read that did not find its key.
func (i *Instance) RecordMiss() { atomic.AddInt64(&i.misses, 1) }

func (i *Instance) setState(state ConnectionState) {
	i.mu.Lock()
	i.status.State = state
	i.mu.Unlock()
}

// connect pings with bounded exponential retries and refreshes memory.
func (i *Instance) connect(ctx context.Context) error {
	i.setState(StateConnecting)
	cfg := i.Config()

	b := backoff.NewExponentialBackOff()
	if cfg.RetryDelay > 0 {
		b.InitialInterval = cfg.RetryDelay
	}
	if cfg.ConnectTimeout > 0 {
		b.MaxElapsedTime = cfg.ConnectTimeout
	}
	retries := uint64(0)
	if cfg.MaxRetries > 0 {
		retries = uint64(cfg.MaxRetries)
	}

	op := func() error {
		pingCtx, cancel := i.commandContext(ctx)
		defer cancel()
		return i.Client().Ping(pingCtx)
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx)); err != nil {
		i.markDown(StateError, err)
		return fleeterrors.NewError(fleeterrors.ErrCodeConnectionFailed, "failed to connect").
			WithComponent("registry").
			WithOperation("connect").
			WithInstance(i.id).
			WithCause(err)
	}

	now := i.now()
	i.mu.Lock()
	i.status.State = StateConnected
	i.status.IsConnected = true
	i.connectedAt = now
	i.mu.Unlock()
	atomic.AddInt64(&i.connections, 1)

	i.refreshMemory(ctx, now)
	mem := i.Status().Memory
	i.logger.Info("Connected to Redis instance", map[string]interface{}{
		"address":     cfg.Address(),
		"memory_used": utils.FormatBytes(mem.Used),
		"memory_max":  utils.FormatBytes(mem.Max),
	})
	return nil
}

// healthTick pings the instance and updates its status.
func (i *Instance) healthTick(ctx context.Context) error {
	start := i.now()
	pingCtx, cancel := i.commandContext(ctx)
	err := i.Client().Ping(pingCtx)
	cancel()
	elapsed := i.now().Sub(start)

	if err != nil {
		i.window.record(elapsed, true)
		atomic.AddInt64(&i.errors, 1)
		i.markDown(StateError, err)
		i.logger.Warn("Health check failed", map[string]interface{}{"error": err.Error()})
		return err
	}

	i.window.record(elapsed, false)
	i.mu.Lock()
	if !i.status.IsConnected {
		i.connectedAt = i.now()
	}
	i.status.IsConnected = true
	i.mu.Unlock()
	i.refreshMemory(ctx, i.now())
	mem := i.Status().Memory
	i.logger.Debug("Health check passed", map[string]interface{}{
		"latency_ms":  float64(elapsed.Microseconds()) / 1000,
		"memory_used": utils.FormatBytes(mem.Used),
		"percentage":  mem.Percentage,
	})
	return nil
}

func (i *Instance) refreshMemory(ctx context.Context, now time.Time) {
	memCtx, cancel := i.commandContext(ctx)
	used, err := i.Client().MemoryUsed(memCtx)
	cancel()

	i.mu.Lock()
	defer i.mu.Unlock()
	if err == nil {
		i.status.Memory = newMemoryStats(used, i.cfg.MaxMemoryBytes())
	} else {
		i.status.Stats.LastError = err.Error()
	}
	i.status.State = StateReady
	i.status.IsHealthy = true
	i.status.LastHealthCheck = now
}

func (i *Instance) markDown(state ConnectionState, cause error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.status.State = state
	i.status.IsHealthy = false
	i.status.IsConnected = false
	i.status.LastHealthCheck = i.now()
	if cause != nil {
		i.status.Stats.LastError = cause.Error()
	}
}

func (i *Instance) rollWindow(now time.Time) {
	i.mu.RLock()
	prev := i.status.Performance
	i.mu.RUnlock()

	perf := i.window.roll(now, prev)

	i.mu.Lock()
	i.status.Performance = perf
	i.mu.Unlock()
}

func (i *Instance) commandContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := i.Config().CommandTimeout
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// do runs one request-path command through the breaker with the instance's
// command timeout and records it in the performance window.
func (i *Instance) do(ctx context.Context, op string, fn func(ctx context.Context, c Client) error) error {
	cmdCtx, cancel := i.commandContext(ctx)
	defer cancel()

	start := i.now()
	_, err := i.breaker.Execute(func() (interface{}, error) {
		return nil, fn(cmdCtx, i.PooledClient())
	})
	elapsed := i.now().Sub(start)

	atomic.AddInt64(&i.operations, 1)
	i.window.record(elapsed, err != nil)
	if i.recorder != nil {
		i.recorder.RecordOperation(i.id, op, elapsed, err)
	}
	if err != nil {
		atomic.AddInt64(&i.errors, 1)
		return fleeterrors.NewInstanceOperationError(i.id, op, err)
	}
	return nil
}

// Get returns the value at key.
func (i *Instance) Get(ctx context.Context, key string) (val string, found bool, err error) {
	err = i.do(ctx, "get", func(ctx context.Context, c Client) error {
		val, found, err = c.Get(ctx, key)
		return err
	})
	return val, found, err
}

// Set stores value at key with an optional TTL.
func (i *Instance) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return i.do(ctx, "set", func(ctx context.Context, c Client) error {
		return c.Set(ctx, key, value, ttl)
	})
}

// Del removes keys and returns how many existed.
func (i *Instance) Del(ctx context.Context, keys ...string) (n int64, err error) {
	err = i.do(ctx, "del", func(ctx context.Context, c Client) error {
		n, err = c.Del(ctx, keys...)
		return err
	})
	return n, err
}

// Exists reports whether key exists.
func (i *Instance) Exists(ctx context.Context, key string) (ok bool, err error) {
	err = i.do(ctx, "exists", func(ctx context.Context, c Client) error {
		ok, err = c.Exists(ctx, key)
		return err
	})
	return ok, err
}

// IncrBy increments key by delta.
func (i *Instance) IncrBy(ctx context.Context, key string, delta int64) (n int64, err error) {
	err = i.do(ctx, "incrby", func(ctx context.Context, c Client) error {
		n, err = c.IncrBy(ctx, key, delta)
		return err
	})
	return n, err
}

// Expire sets a TTL on key.
func (i *Instance) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return i.do(ctx, "expire", func(ctx context.Context, c Client) error {
		return c.Expire(ctx, key, ttl)
	})
}

// Dump serializes key.
func (i *Instance) Dump(ctx context.Context, key string) (payload string, found bool, err error) {
	err = i.do(ctx, "dump", func(ctx context.Context, c Client) error {
		payload, found, err = c.Dump(ctx, key)
		return err
	})
	return payload, found, err
}

// PTTL returns the remaining TTL of key.
func (i *Instance) PTTL(ctx context.Context, key string) (ttl time.Duration, err error) {
	err = i.do(ctx, "pttl", func(ctx context.Context, c Client) error {
		ttl, err = c.PTTL(ctx, key)
		return err
	})
	return ttl, err
}

// Restore recreates key from a dump payload.
func (i *Instance) Restore(ctx context.Context, key string, ttl time.Duration, payload string) error {
	return i.do(ctx, "restore", func(ctx context.Context, c Client) error {
		return c.Restore(ctx, key, ttl, payload)
	})
}

// RandomKey returns a random key, if any.
func (i *Instance) RandomKey(ctx context.Context) (key string, found bool, err error) {
	err = i.do(ctx, "randomkey", func(ctx context.Context, c Client) error {
		key, found, err = c.RandomKey(ctx)
		return err
	})
	return key, found, err
}

// Scan iterates keys matching pattern.
func (i *Instance) Scan(ctx context.Context, cursor uint64, match string, count int64) (keys []string, next uint64, err error) {
	err = i.do(ctx, "scan", func(ctx context.Context, c Client) error {
		keys, next, err = c.Scan(ctx, cursor, match, count)
		return err
	})
	return keys, next, err
}

// FlushDB removes every key in the instance's database.
func (i *Instance) FlushDB(ctx context.Context) error {
	return i.do(ctx, "flushdb", func(ctx context.Context, c Client) error {
		return c.FlushDB(ctx)
	})
}

// Exec runs a pipeline.
func (i *Instance) Exec(ctx context.Context, cmds []Command) (results []CommandResult, err error) {
	err = i.do(ctx, "pipeline", func(ctx context.Context, c Client) error {
		results, err = c.Exec(ctx, cmds)
		return err
	})
	return results, err
}

func (i *Instance) close() {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, c := range i.clients {
		if err := c.Close(); err != nil {
			i.logger.Debug("Error closing client", map[string]interface{}{"error": err.Error()})
		}
	}
	i.status.State = StateDisconnected
	i.status.IsConnected = false
	i.status.IsHealthy = false
}
