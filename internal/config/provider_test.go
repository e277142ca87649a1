package config

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fleeterrors "github.com/redisfleet/redisfleet/pkg/errors"
)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	p, err := NewProvider(validConfig(), nil)
	require.NoError(t, err)
	return p
}

func TestNewProviderRejectsInvalid(t *testing.T) {
	_, err := NewProvider(NewDefault(), nil)
	assert.True(t, errors.Is(err, fleeterrors.ErrConfiguration))

	_, err = NewProvider(nil, nil)
	assert.Error(t, err)
}

func TestInstanceAccessors(t *testing.T) {
	p := newTestProvider(t)

	assert.Len(t, p.Instances(), 2)

	primary, ok := p.PrimaryInstance()
	require.True(t, ok)
	assert.Equal(t, "primary", primary.ID)

	auth := p.InstancesForCategory(CategoryAuth)
	require.Len(t, auth, 1)
	assert.Equal(t, "primary", auth[0].ID)
	assert.Empty(t, p.InstancesForCategory(CategoryML))

	require.NoError(t, p.SetInstanceActive("primary", false))
	_, ok = p.Instance("primary")
	assert.False(t, ok, "inactive instance must not be returned")
	_, ok = p.LookupInstance("primary")
	assert.True(t, ok, "lookup sees inactive instances")
	assert.Len(t, p.Instances(), 1)
	assert.Len(t, p.AllInstances(), 2)
	assert.Empty(t, p.InstancesForCategory(CategoryAuth))
	_, ok = p.PrimaryInstance()
	assert.False(t, ok)

	err := p.SetInstanceActive("nope", true)
	assert.True(t, errors.Is(err, fleeterrors.ErrInstanceNotFound))
}

func TestReturnedInstancesAreCopies(t *testing.T) {
	p := newTestProvider(t)
	insts := p.Instances()
	insts[0].Categories[0] = CategoryML
	insts[0].Host = "mutated"

	again, _ := p.Instance(insts[0].ID)
	assert.Equal(t, CategoryAuth, again.Categories[0])
	assert.Equal(t, "localhost", again.Host)
}

func TestTTLPolicyFallsBackToDefault(t *testing.T) {
	p := newTestProvider(t)
	assert.Equal(t, p.TTLPolicy(CategoryDefault), p.TTLPolicy(Category("unknown")))
}

func TestCalculateOptimalTTL(t *testing.T) {
	p := newTestProvider(t)

	tests := []struct {
		category  Category
		frequency float64
		want      int
	}{
		{CategoryAuth, 1, 1350},       // 900 × 1.5
		{CategoryAuth, 10, 3600},      // clamped to max
		{CategoryAuth, 0, 300},        // clamped to min
		{CategoryUser, 1, 3600},       // 1800 × 2
		{CategoryMenu, 0.5, 3240},     // 3600 × 1.8 × 0.5
		{CategoryCache, 1, 330},       // 300 × 1.1
		{CategoryAnalytics, 1.1, 858}, // 600 × 1.3 × 1.1 = 858
		{CategoryDefault, 1, 300},
	}
	for _, tt := range tests {
		got := p.CalculateOptimalTTL(tt.category, tt.frequency)
		assert.Equal(t, tt.want, got, "%s at %v", tt.category, tt.frequency)
	}
}

func TestOptimalTTLAlwaysWithinBounds(t *testing.T) {
	for cat, pol := range DefaultTTLStrategies() {
		for _, f := range []float64{0, 0.01, 0.3, 1, 2.7, 50, 1e6, 1e17, 1e20, math.Inf(1)} {
			got := OptimalTTL(pol, f)
			assert.GreaterOrEqual(t, got, pol.Min, "%s f=%v", cat, f)
			assert.LessOrEqual(t, got, pol.Max, "%s f=%v", cat, f)
		}
	}

	pol := TTLPolicy{Default: 300, Min: 60, Max: 3600, Multiplier: 1.5}
	assert.Equal(t, 3600, OptimalTTL(pol, 1e17), "hot keys saturate at max")
	assert.Equal(t, 3600, OptimalTTL(pol, 1e20))
	assert.Equal(t, 60, OptimalTTL(pol, math.NaN()))
}

func TestUpdateTTLPolicy(t *testing.T) {
	p := newTestProvider(t)

	def := 1200
	pol, err := p.UpdateTTLPolicy(CategoryAuth, TTLPolicyPatch{Default: &def})
	require.NoError(t, err)
	assert.Equal(t, 1200, pol.Default)
	assert.Equal(t, 300, pol.Min, "unpatched fields are kept")
	assert.Equal(t, 1800, p.CalculateOptimalTTL(CategoryAuth, 1))

	bad := 10
	_, err = p.UpdateTTLPolicy(CategoryAuth, TTLPolicyPatch{Max: &bad})
	assert.True(t, errors.Is(err, fleeterrors.ErrValidation))
	assert.Equal(t, 1200, p.TTLPolicy(CategoryAuth).Default, "failed patch leaves policy intact")
}

func TestUpdateLoadBalancing(t *testing.T) {
	p := newTestProvider(t)

	st := StrategyRoundRobin
	interval := 60
	enabled := false
	lb, err := p.UpdateLoadBalancing(LoadBalancingPatch{
		Strategy:          &st,
		RebalanceInterval: &interval,
		RebalanceEnabled:  &enabled,
	})
	require.NoError(t, err)
	assert.Equal(t, StrategyRoundRobin, lb.Strategy)
	assert.Equal(t, StrategyRoundRobin, p.LoadBalancing().Strategy)
	assert.False(t, p.LoadBalancing().RebalanceEnabled)
	assert.Equal(t, 80.0, p.LoadBalancing().CapacityThreshold)

	over := 120.0
	_, err = p.UpdateLoadBalancing(LoadBalancingPatch{CapacityThreshold: &over})
	assert.Error(t, err)

	unknown := Strategy("random")
	_, err = p.UpdateLoadBalancing(LoadBalancingPatch{Strategy: &unknown})
	assert.Error(t, err)

	weight := -20.0
	_, err = p.UpdateLoadBalancing(LoadBalancingPatch{HealthCheckWeight: &weight})
	assert.True(t, errors.Is(err, fleeterrors.ErrValidation))
	assert.Equal(t, 0.3, p.LoadBalancing().HealthCheckWeight)

	emergency := 101.0
	_, err = p.UpdateLoadBalancing(LoadBalancingPatch{EmergencyThreshold: &emergency})
	assert.True(t, errors.Is(err, fleeterrors.ErrValidation))
	assert.Equal(t, 95.0, p.LoadBalancing().EmergencyThreshold)
}

func TestExportImport(t *testing.T) {
	p := newTestProvider(t)

	for _, format := range []Format{FormatJSON, FormatYAML} {
		data, err := p.Export(format)
		require.NoError(t, err)

		cfg, err := Unmarshal(data, format)
		require.NoError(t, err)
		cfg.Instances = cfg.Instances[:1]
		require.NoError(t, p.Import(cfg))
		assert.Len(t, p.AllInstances(), 1)
	}

	err := p.Import(NewDefault())
	assert.Error(t, err, "import must validate")
	assert.Len(t, p.AllInstances(), 1, "failed import keeps previous config")
}

func TestSummary(t *testing.T) {
	p := newTestProvider(t)
	require.NoError(t, p.SetInstanceActive("secondary", false))

	s := p.Summary()
	assert.Equal(t, 2, s.TotalInstances)
	assert.Equal(t, 1, s.ActiveInstances)
	assert.Equal(t, 60, s.TotalMaxMemoryMB)
	assert.Equal(t, StrategySmart, s.LoadBalancingStrategy)
}
