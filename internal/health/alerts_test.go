package health

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fleeterrors "github.com/redisfleet/redisfleet/pkg/errors"
)

func memoryResult(id string, mem float64) Result {
	r := Result{InstanceID: id}
	r.Checks.Memory.Value = mem
	return r
}

func TestConditionMatches(t *testing.T) {
	t.Parallel()

	tests := []struct {
		op    Operator
		value float64
		want  bool
	}{
		{OpGreater, 11, true},
		{OpGreater, 10, false},
		{OpLess, 9, true},
		{OpGreaterEqual, 10, true},
		{OpLessEqual, 10, true},
		{OpEqual, 10, true},
		{OpNotEqual, 10, false},
		{Operator("~"), 10, false},
	}
	for _, tt := range tests {
		c := Condition{Metric: MetricMemory, Operator: tt.op, Threshold: 10}
		assert.Equal(t, tt.want, c.Matches(tt.value), "%s %v", tt.op, tt.value)
	}
}

func TestAlertCooldownHonoured(t *testing.T) {
	t.Parallel()

	am := NewAlertManager([]AlertRule{{
		ID: "mem", Name: "Memory", Enabled: true, Severity: SeverityWarning, Cooldown: 60,
		Condition: Condition{Metric: MetricMemory, Operator: OpGreater, Threshold: 80},
	}})
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	breach := []Result{memoryResult("a", 90)}

	fired := am.Evaluate(breach, t0)
	require.Len(t, fired, 1)
	assert.Equal(t, "mem", fired[0].RuleID)
	assert.Equal(t, "a", fired[0].InstanceID)

	assert.Empty(t, am.Evaluate(breach, t0.Add(30*time.Second)))
	assert.Empty(t, am.Evaluate(breach, t0.Add(59*time.Second)))
	assert.Len(t, am.Evaluate(breach, t0.Add(61*time.Second)), 1)

	rule, err := am.Rule("mem")
	require.NoError(t, err)
	require.NotNil(t, rule.LastTriggered)
	assert.Equal(t, t0.Add(61*time.Second), *rule.LastTriggered)
	assert.Len(t, am.RecentAlerts(0), 2)
}

func TestAlertRequiresSustainedBreach(t *testing.T) {
	t.Parallel()

	am := NewAlertManager([]AlertRule{{
		ID: "mem", Name: "Memory", Enabled: true, Severity: SeverityCritical,
		Condition: Condition{Metric: MetricMemory, Operator: OpGreater, Threshold: 95, Duration: 60},
	}})
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	assert.Empty(t, am.Evaluate([]Result{memoryResult("a", 97)}, t0))
	assert.Empty(t, am.Evaluate([]Result{memoryResult("a", 97)}, t0.Add(30*time.Second)))
	// Recovery resets the breach clock.
	assert.Empty(t, am.Evaluate([]Result{memoryResult("a", 50)}, t0.Add(45*time.Second)))
	assert.Empty(t, am.Evaluate([]Result{memoryResult("a", 97)}, t0.Add(90*time.Second)))
	assert.Len(t, am.Evaluate([]Result{memoryResult("a", 97)}, t0.Add(150*time.Second)), 1)
}

func TestDisabledRuleNeverFires(t *testing.T) {
	t.Parallel()

	am := NewAlertManager([]AlertRule{{
		ID: "mem", Name: "Memory", Severity: SeverityWarning,
		Condition: Condition{Metric: MetricMemory, Operator: OpGreater, Threshold: 10},
	}})
	assert.Empty(t, am.Evaluate([]Result{memoryResult("a", 90)}, time.Now()))
}

func TestDefaultRulesConnectivity(t *testing.T) {
	t.Parallel()

	am := NewAlertManager(DefaultAlertRules(85))
	require.Len(t, am.Rules(), 5)

	down := Result{InstanceID: "a"}
	t0 := time.Now()
	assert.Empty(t, am.Evaluate([]Result{down}, t0))
	fired := am.Evaluate([]Result{down}, t0.Add(30*time.Second))
	require.Len(t, fired, 1)
	assert.Equal(t, "connectivity-failure", fired[0].RuleID)
	assert.Equal(t, SeverityCritical, fired[0].Severity)
}

func TestAlertRuleCRUD(t *testing.T) {
	t.Parallel()

	am := NewAlertManager(nil)
	added, err := am.AddRule(AlertRule{
		Name: "Slow", Enabled: true, Severity: SeverityInfo, Cooldown: 10,
		Condition: Condition{Metric: MetricResponseTime, Operator: OpGreaterEqual, Threshold: 20},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, added.ID)

	added.Condition.Threshold = 40
	updated, err := am.UpdateRule(added.ID, added)
	require.NoError(t, err)
	assert.Equal(t, 40.0, updated.Condition.Threshold)

	require.NoError(t, am.DeleteRule(added.ID))
	assert.Empty(t, am.Rules())

	_, err = am.Rule(added.ID)
	assert.True(t, errors.Is(err, fleeterrors.ErrRuleNotFound))
	assert.True(t, errors.Is(am.DeleteRule("missing"), fleeterrors.ErrRuleNotFound))
}

func TestAlertRuleValidation(t *testing.T) {
	t.Parallel()

	am := NewAlertManager(nil)
	tests := []AlertRule{
		{Severity: SeverityInfo, Condition: Condition{Metric: MetricMemory, Operator: OpGreater}},
		{Name: "x", Severity: SeverityInfo, Condition: Condition{Metric: "cpu", Operator: OpGreater}},
		{Name: "x", Severity: SeverityInfo, Condition: Condition{Metric: MetricMemory, Operator: "=>"}},
		{Name: "x", Severity: "page", Condition: Condition{Metric: MetricMemory, Operator: OpGreater}},
		{Name: "x", Severity: SeverityInfo, Cooldown: -1, Condition: Condition{Metric: MetricMemory, Operator: OpGreater}},
	}
	for _, rule := range tests {
		_, err := am.AddRule(rule)
		assert.True(t, errors.Is(err, fleeterrors.ErrValidation), "rule %+v", rule)
	}
}
