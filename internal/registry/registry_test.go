package registry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redisfleet/redisfleet/internal/config"
	"github.com/redisfleet/redisfleet/internal/registry"
	"github.com/redisfleet/redisfleet/internal/registry/registrytest"
	fleeterrors "github.com/redisfleet/redisfleet/pkg/errors"
)

func twoInstances() []config.InstanceConfig {
	return []config.InstanceConfig{
		registrytest.Instance("a", 30, config.CategoryAuth, config.CategoryUser),
		registrytest.Instance("b", 30, config.CategoryUser),
	}
}

func TestInitializeConnectsAndReadsMemory(t *testing.T) {
	env, err := registrytest.Setup(twoInstances(), map[string]float64{"a": 15, "b": 3})
	require.NoError(t, err)
	defer env.Registry.Stop()

	assert.Equal(t, []string{"a", "b"}, env.Registry.InstanceIDs())

	st, ok := env.Registry.Status("a")
	require.True(t, ok)
	assert.True(t, st.IsHealthy)
	assert.True(t, st.IsConnected)
	assert.Equal(t, registry.StateReady, st.State)
	assert.Equal(t, int64(30*1024*1024), st.Memory.Max)
	assert.InDelta(t, 50.0, st.Memory.Percentage, 1e-9)
	assert.Equal(t, int64(1), st.Stats.TotalConnections)

	summary := env.Registry.DetailedStatus().Summary
	assert.Equal(t, 2, summary.TotalInstances)
	assert.Equal(t, 2, summary.HealthyInstances)
	assert.Equal(t, registrytest.MB(18), summary.TotalMemoryUsed)
}

func TestUnreachableInstanceStartsUnhealthy(t *testing.T) {
	cfg := config.NewDefault()
	cfg.Instances = twoInstances()
	provider, err := config.NewProvider(cfg, nil)
	require.NoError(t, err)

	fl := registrytest.NewFleet()
	fl.Client("b").FailPing(registrytest.ErrInjected)
	reg := registry.New(provider, registrytest.Options(fl), nil)
	require.NoError(t, reg.Initialize(context.Background()))
	defer reg.Stop()

	st, _ := reg.Status("b")
	assert.False(t, st.IsHealthy)
	assert.False(t, st.IsConnected)
	assert.Equal(t, registry.StateError, st.State)
	assert.Equal(t, []string{"a"}, reg.HealthyInstanceIDs())
}

func TestInstancesForCategoryExcludesUnhealthy(t *testing.T) {
	env, err := registrytest.Setup(twoInstances(), nil)
	require.NoError(t, err)
	defer env.Registry.Stop()

	ids := func(cat config.Category) []string {
		var out []string
		for _, inst := range env.Registry.InstancesForCategory(cat) {
			out = append(out, inst.ID())
		}
		return out
	}

	assert.Equal(t, []string{"a", "b"}, ids(config.CategoryUser))
	assert.Equal(t, []string{"a"}, ids(config.CategoryAuth))
	assert.Empty(t, ids(config.CategoryML))

	env.Down("a")
	assert.Equal(t, []string{"b"}, ids(config.CategoryUser))
	assert.Empty(t, ids(config.CategoryAuth))

	st, _ := env.Registry.Status("a")
	assert.Equal(t, int64(1), st.Stats.TotalErrors)

	env.Up("a")
	assert.Equal(t, []string{"a"}, ids(config.CategoryAuth))

	require.NoError(t, env.Provider.SetInstanceActive("a", false))
	assert.Empty(t, ids(config.CategoryAuth), "inactive instances are never eligible")
}

func TestCommandFailureIsInstanceOperationError(t *testing.T) {
	env, err := registrytest.Setup(twoInstances(), nil)
	require.NoError(t, err)
	defer env.Registry.Stop()

	inst, _ := env.Registry.Instance("a")
	require.NoError(t, inst.Set(context.Background(), "k", "v", 0))

	env.Fleet.Client("a").FailOps(registrytest.ErrInjected)
	_, _, err = inst.Get(context.Background(), "k")
	require.Error(t, err)
	assert.True(t, errors.Is(err, fleeterrors.ErrInstanceOperation))
	assert.True(t, errors.Is(err, registrytest.ErrInjected))

	var fe *fleeterrors.FleetError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "a", fe.InstanceID)
	assert.Equal(t, "get", fe.Operation)
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	env, err := registrytest.Setup(twoInstances(), nil)
	require.NoError(t, err)
	defer env.Registry.Stop()

	inst, _ := env.Registry.Instance("a")
	env.Fleet.Client("a").FailOps(registrytest.ErrInjected)
	for n := 0; n < 5; n++ {
		_, _ = inst.Exists(context.Background(), "k")
	}

	env.Fleet.Client("a").FailOps(nil)
	_, err = inst.Exists(context.Background(), "k")
	require.Error(t, err, "open breaker rejects even though the instance recovered")
	assert.True(t, errors.Is(err, fleeterrors.ErrInstanceOperation))
}

func TestPerformanceWindowTracksRequests(t *testing.T) {
	env, err := registrytest.Setup(twoInstances(), nil)
	require.NoError(t, err)
	defer env.Registry.Stop()

	inst, _ := env.Registry.Instance("b")
	ctx := context.Background()
	for n := 0; n < 3; n++ {
		require.NoError(t, inst.Set(ctx, "k", "v", 0))
	}
	env.Fleet.Client("b").FailOps(registrytest.ErrInjected)
	_ = inst.Set(ctx, "k", "v", 0)

	env.Registry.RollPerformanceWindow()
	st, _ := env.Registry.Status("b")
	assert.InDelta(t, 25.0, st.Performance.ErrorRate, 1e-9)
	assert.Greater(t, st.Performance.OperationsPerSecond, 0.0)
	assert.Equal(t, int64(4), st.Stats.TotalOperations)
	assert.Equal(t, int64(1), st.Stats.TotalErrors)
}

func TestHitMissCounters(t *testing.T) {
	env, err := registrytest.Setup(twoInstances(), nil)
	require.NoError(t, err)
	defer env.Registry.Stop()

	inst, _ := env.Registry.Instance("a")
	inst.RecordHit()
	inst.RecordHit()
	inst.RecordHit()
	inst.RecordMiss()

	st := inst.Status()
	assert.Equal(t, int64(3), st.Stats.Hits)
	assert.InDelta(t, 75.0, st.CacheHitRate(), 1e-9)
}

func TestPooledClientRoundRobin(t *testing.T) {
	fl := registrytest.NewFleet()
	opened := 0
	opts := registrytest.Options(fl)
	opts.PoolSize = 3
	base := fl.Factory()
	opts.ClientFactory = func(ic config.InstanceConfig) (registry.Client, error) {
		opened++
		return base(ic)
	}

	cfg := config.NewDefault()
	cfg.Instances = twoInstances()[:1]
	provider, err := config.NewProvider(cfg, nil)
	require.NoError(t, err)

	reg := registry.New(provider, opts, nil)
	require.NoError(t, reg.Initialize(context.Background()))
	defer reg.Stop()
	assert.Equal(t, 3, opened)

	seen := map[registry.Client]int{}
	for n := 0; n < 6; n++ {
		c, err := reg.PooledClient("a")
		require.NoError(t, err)
		seen[c]++
	}
	assert.Len(t, seen, 3)
	for _, count := range seen {
		assert.Equal(t, 2, count)
	}

	_, err = reg.PooledClient("zzz")
	assert.True(t, errors.Is(err, fleeterrors.ErrInstanceNotFound))
}

func TestEmergencyFailoverReconnects(t *testing.T) {
	env, err := registrytest.Setup(twoInstances(), nil)
	require.NoError(t, err)
	require.NoError(t, env.Registry.Start(context.Background()))
	defer env.Registry.Stop()

	events, cancel := env.Registry.Subscribe(16)
	defer cancel()

	require.NoError(t, env.Registry.EmergencyFailover("a"))

	_, active := env.Provider.Instance("a")
	assert.False(t, active)
	st, _ := env.Registry.Status("a")
	assert.False(t, st.IsHealthy)

	var kinds []registry.EventKind
	deadline := time.After(2 * time.Second)
	for len(kinds) < 2 {
		select {
		case ev := <-events:
			if ev.InstanceID == "a" {
				kinds = append(kinds, ev.Kind)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for reconnect, saw %v", kinds)
		}
	}
	assert.Equal(t, []registry.EventKind{registry.EventFailover, registry.EventReconnected}, kinds)

	_, active = env.Provider.Instance("a")
	assert.True(t, active, "successful reconnect restores the active flag")
	st, _ = env.Registry.Status("a")
	assert.True(t, st.IsHealthy)

	assert.True(t, errors.Is(env.Registry.EmergencyFailover("nope"), fleeterrors.ErrInstanceNotFound))
}

func TestStopCancelsPendingReconnect(t *testing.T) {
	fl := registrytest.NewFleet()
	cfg := config.NewDefault()
	cfg.Instances = twoInstances()
	provider, err := config.NewProvider(cfg, nil)
	require.NoError(t, err)
	opts := registrytest.Options(fl)
	opts.ReconnectDelay = time.Hour
	reg := registry.New(provider, opts, nil)
	require.NoError(t, reg.Initialize(context.Background()))

	require.NoError(t, reg.EmergencyFailover("a"))

	stopped := make(chan struct{})
	go func() {
		reg.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop waited for the pending reconnect")
	}

	require.NoError(t, reg.EmergencyFailover("b"))
	_, active := provider.Instance("b")
	assert.False(t, active, "failover still deactivates after Stop")
	assert.Error(t, reg.Start(context.Background()))
}

func TestReconnectFailureLeavesInstanceInactive(t *testing.T) {
	env, err := registrytest.Setup(twoInstances(), nil)
	require.NoError(t, err)
	defer env.Registry.Stop()

	require.NoError(t, env.Provider.SetInstanceActive("b", false))
	env.Fleet.Client("b").FailPing(registrytest.ErrInjected)

	err = env.Registry.Reconnect(context.Background(), "b")
	assert.True(t, errors.Is(err, &fleeterrors.FleetError{Code: fleeterrors.ErrCodeConnectionFailed}))
	_, active := env.Provider.Instance("b")
	assert.False(t, active)
}

func TestForceHealthCheckAll(t *testing.T) {
	env, err := registrytest.Setup(twoInstances(), nil)
	require.NoError(t, err)
	defer env.Registry.Stop()

	env.Fleet.Client("a").SetUsedMemory(registrytest.MB(27))
	env.Fleet.Client("b").FailPing(registrytest.ErrInjected)
	require.NoError(t, env.Registry.ForceHealthCheck(context.Background(), ""))

	a, _ := env.Registry.Status("a")
	b, _ := env.Registry.Status("b")
	assert.InDelta(t, 90.0, a.Memory.Percentage, 1e-9)
	assert.False(t, b.IsHealthy)

	_, err = env.Registry.Ping(context.Background(), "a")
	assert.NoError(t, err)
	_, err = env.Registry.Ping(context.Background(), "b")
	assert.Error(t, err)
}

func TestSyncAddsAndRemovesInstances(t *testing.T) {
	env, err := registrytest.Setup(twoInstances(), nil)
	require.NoError(t, err)
	defer env.Registry.Stop()

	cfg := env.Provider.Snapshot()
	cfg.Instances = []config.InstanceConfig{
		cfg.Instances[0],
		registrytest.Instance("c", 30, config.CategoryDefault),
	}
	require.NoError(t, env.Provider.Import(cfg))
	require.NoError(t, env.Registry.Sync(context.Background()))

	assert.Equal(t, []string{"a", "c"}, env.Registry.InstanceIDs())
	_, ok := env.Registry.Instance("b")
	assert.False(t, ok)
}

func TestStartTwiceFails(t *testing.T) {
	env, err := registrytest.Setup(twoInstances(), nil)
	require.NoError(t, err)
	require.NoError(t, env.Registry.Start(context.Background()))
	assert.Error(t, env.Registry.Start(context.Background()))
	env.Registry.Stop()

	ch, _ := env.Registry.Subscribe(1)
	_, open := <-ch
	assert.False(t, open, "subscriptions after stop are closed")
}
