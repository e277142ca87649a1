//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redisfleet/redisfleet/internal/analytics"
	"github.com/redisfleet/redisfleet/internal/balancer"
	"github.com/redisfleet/redisfleet/internal/cache"
	"github.com/redisfleet/redisfleet/internal/config"
	"github.com/redisfleet/redisfleet/internal/health"
	"github.com/redisfleet/redisfleet/internal/registry"
	"github.com/redisfleet/redisfleet/pkg/api"
)

type fleet struct {
	primary   *miniredis.Miniredis
	secondary *miniredis.Miniredis
	provider  *config.Provider
	registry  *registry.Registry
	facade    *cache.Facade
	server    *api.Server
}

// newFleet configures two real Redis protocol servers through the
// environment and wires every component over go-redis clients.
func newFleet(t *testing.T) *fleet {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	primary := miniredis.RunT(t)
	secondary := miniredis.RunT(t)

	t.Setenv("REDIS_PRIMARY_HOST", primary.Host())
	t.Setenv("REDIS_PRIMARY_PORT", primary.Port())
	t.Setenv("REDIS_SECONDARY_HOST", secondary.Host())
	t.Setenv("REDIS_SECONDARY_PORT", secondary.Port())
	t.Setenv("REDIS_LOAD_BALANCE_STRATEGY", "data-type")

	cfg, err := config.Load(viper.New())
	require.NoError(t, err)
	require.Len(t, cfg.Instances, 2)

	provider, err := config.NewProvider(cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	opts := registry.DefaultOptions()
	opts.ReconnectDelay = 10 * time.Millisecond
	reg := registry.New(provider, opts, nil)
	require.NoError(t, reg.Initialize(ctx))
	t.Cleanup(reg.Stop)

	lb := balancer.New(provider, reg, nil)
	facade, err := cache.New(provider, reg, lb, nil)
	require.NoError(t, err)

	server := api.NewServer(api.DefaultServerConfig(), api.Services{
		Provider:  provider,
		Registry:  reg,
		Balancer:  lb,
		Health:    health.NewService(provider, reg, lb, nil),
		Analytics: analytics.NewService(provider, reg, lb, nil),
		Cache:     facade,
	}, nil)

	return &fleet{
		primary:   primary,
		secondary: secondary,
		provider:  provider,
		registry:  reg,
		facade:    facade,
		server:    server,
	}
}

func TestCategoryRouting(t *testing.T) {
	f := newFleet(t)
	ctx := context.Background()

	res := f.facade.Set(ctx, "session:1", "token", cache.Options{Category: config.CategoryAuth})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "primary", res.InstanceID)

	res = f.facade.Set(ctx, "user:1", map[string]string{"name": "ada"}, cache.Options{Category: config.CategoryUser})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "secondary", res.InstanceID)

	got, err := f.secondary.Get("user:1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"ada"}`, got)
	assert.Equal(t, 3600*time.Second, f.secondary.TTL("user:1"))
	assert.False(t, f.primary.Exists("user:1"))

	var user map[string]string
	found, err := f.facade.GetJSON(ctx, "user:1", &user, cache.Options{Category: config.CategoryUser})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "ada", user["name"])
}

func TestBatchAcrossServers(t *testing.T) {
	f := newFleet(t)
	ctx := context.Background()

	out := f.facade.Batch(ctx, []cache.BatchOperation{
		{Operation: cache.BatchSet, Key: "a1", Value: "x", Options: cache.Options{Category: config.CategoryAuth}},
		{Operation: cache.BatchSet, Key: "u1", Value: "y", Options: cache.Options{Category: config.CategoryUser}},
		{Operation: cache.BatchGet, Key: "u1", Options: cache.Options{Category: config.CategoryUser}},
	})
	require.True(t, out.Success)
	assert.ElementsMatch(t, []string{"primary", "secondary"}, out.InstancesUsed)
	assert.Equal(t, "y", out.Results[2].Data)
	assert.True(t, f.primary.Exists("a1"))
	assert.True(t, f.secondary.Exists("u1"))
}

func TestFallbackWhenServerStops(t *testing.T) {
	f := newFleet(t)
	ctx := context.Background()

	f.secondary.Close()
	_ = f.registry.ForceHealthCheck(ctx, "secondary")
	st, ok := f.registry.Status("secondary")
	require.True(t, ok)
	require.False(t, st.IsHealthy)

	res := f.facade.Set(ctx, "menu:1", "pasta", cache.Options{Category: config.CategoryMenu})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, cache.FallbackInstanceID, res.InstanceID)

	res = f.facade.Get(ctx, "menu:1", cache.Options{Category: config.CategoryMenu})
	require.True(t, res.Success, res.Error)
	assert.True(t, res.FromCache)
	assert.Equal(t, "pasta", res.Data)
}

func TestAdminAPIOverRealServers(t *testing.T) {
	f := newFleet(t)
	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/redis/instances")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Success bool `json:"success"`
		Data    struct {
			Total   int `json:"total"`
			Healthy int `json:"healthy"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.Success)
	assert.Equal(t, 2, body.Data.Total)
	assert.Equal(t, 2, body.Data.Healthy)
}
