package health

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	fleeterrors "github.com/redisfleet/redisfleet/pkg/errors"
)

const maxAlerts = 500

// Metric names a value an alert rule can watch.
type Metric string

const (
	MetricMemory       Metric = "memory"
	MetricResponseTime Metric = "responseTime"
	MetricErrorRate    Metric = "errorRate"
	MetricConnectivity Metric = "connectivity"
)

// Operator compares a metric with a threshold.
type Operator string

const (
	OpGreater      Operator = ">"
	OpLess         Operator = "<"
	OpGreaterEqual Operator = ">="
	OpLessEqual    Operator = "<="
	OpEqual        Operator = "="
	OpNotEqual     Operator = "!="
)

// Severity of an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Condition is the predicate of an alert rule. Duration is how long, in
// seconds, the predicate must hold before the rule fires.
type Condition struct {
	Metric    Metric   `json:"metric"`
	Operator  Operator `json:"operator"`
	Threshold float64  `json:"threshold"`
	Duration  int      `json:"duration"`
}

// Matches reports whether value satisfies the condition.
func (c Condition) Matches(value float64) bool {
	switch c.Operator {
	case OpGreater:
		return value > c.Threshold
	case OpLess:
		return value < c.Threshold
	case OpGreaterEqual:
		return value >= c.Threshold
	case OpLessEqual:
		return value <= c.Threshold
	case OpEqual:
		return value == c.Threshold
	case OpNotEqual:
		return value != c.Threshold
	default:
		return false
	}
}

// AlertRule fires an alert when its condition holds. Cooldown is in seconds.
type AlertRule struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Condition     Condition  `json:"condition"`
	Severity      Severity   `json:"severity"`
	Enabled       bool       `json:"enabled"`
	Cooldown      int        `json:"cooldown"`
	LastTriggered *time.Time `json:"lastTriggered,omitempty"`
}

// Validate checks a rule's fields.
func (r AlertRule) Validate() error {
	if r.Name == "" {
		return fleeterrors.NewValidationError("alert rule name is required")
	}
	switch r.Condition.Metric {
	case MetricMemory, MetricResponseTime, MetricErrorRate, MetricConnectivity:
	default:
		return fleeterrors.NewValidationError("unknown alert metric %q", r.Condition.Metric)
	}
	switch r.Condition.Operator {
	case OpGreater, OpLess, OpGreaterEqual, OpLessEqual, OpEqual, OpNotEqual:
	default:
		return fleeterrors.NewValidationError("unknown alert operator %q", r.Condition.Operator)
	}
	switch r.Severity {
	case SeverityInfo, SeverityWarning, SeverityCritical:
	default:
		return fleeterrors.NewValidationError("unknown alert severity %q", r.Severity)
	}
	if r.Condition.Duration < 0 || r.Cooldown < 0 {
		return fleeterrors.NewValidationError("alert duration and cooldown must not be negative")
	}
	return nil
}

// DefaultAlertRules returns the built-in rules. memoryThreshold is the
// monitoring memory alert threshold.
func DefaultAlertRules(memoryThreshold float64) []AlertRule {
	return []AlertRule{
		{
			ID: "high-memory-usage", Name: "High Memory Usage",
			Condition: Condition{Metric: MetricMemory, Operator: OpGreater, Threshold: memoryThreshold, Duration: 300},
			Severity:  SeverityWarning, Enabled: true, Cooldown: 600,
		},
		{
			ID: "critical-memory-usage", Name: "Critical Memory Usage",
			Condition: Condition{Metric: MetricMemory, Operator: OpGreater, Threshold: 95, Duration: 60},
			Severity:  SeverityCritical, Enabled: true, Cooldown: 300,
		},
		{
			ID: "high-response-time", Name: "High Response Time",
			Condition: Condition{Metric: MetricResponseTime, Operator: OpGreater, Threshold: 100, Duration: 180},
			Severity:  SeverityWarning, Enabled: true, Cooldown: 600,
		},
		{
			ID: "high-error-rate", Name: "High Error Rate",
			Condition: Condition{Metric: MetricErrorRate, Operator: OpGreater, Threshold: 5, Duration: 120},
			Severity:  SeverityWarning, Enabled: true, Cooldown: 300,
		},
		{
			ID: "connectivity-failure", Name: "Connectivity Failure",
			Condition: Condition{Metric: MetricConnectivity, Operator: OpEqual, Threshold: 0, Duration: 30},
			Severity:  SeverityCritical, Enabled: true, Cooldown: 60,
		},
	}
}

// Alert is a fired rule.
type Alert struct {
	ID         string    `json:"id"`
	RuleID     string    `json:"ruleId"`
	RuleName   string    `json:"ruleName"`
	InstanceID string    `json:"instanceId"`
	Severity   Severity  `json:"severity"`
	Metric     Metric    `json:"metric"`
	Value      float64   `json:"value"`
	Threshold  float64   `json:"threshold"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

// AlertManager owns the alert rules and evaluates them against check results.
type AlertManager struct {
	mu     sync.Mutex
	rules  map[string]*AlertRule
	order  []string
	since  map[string]time.Time // rule/instance -> first breach
	alerts []Alert
}

// NewAlertManager creates a manager holding rules.
func NewAlertManager(rules []AlertRule) *AlertManager {
	am := &AlertManager{
		rules: make(map[string]*AlertRule),
		since: make(map[string]time.Time),
	}
	for _, r := range rules {
		r := r
		am.rules[r.ID] = &r
		am.order = append(am.order, r.ID)
	}
	return am
}

// Rules returns every rule in creation order.
func (am *AlertManager) Rules() []AlertRule {
	am.mu.Lock()
	defer am.mu.Unlock()
	out := make([]AlertRule, 0, len(am.order))
	for _, id := range am.order {
		out = append(out, copyRule(am.rules[id]))
	}
	return out
}

// Rule returns the rule with id.
func (am *AlertManager) Rule(id string) (AlertRule, error) {
	am.mu.Lock()
	defer am.mu.Unlock()
	r, ok := am.rules[id]
	if !ok {
		return AlertRule{}, fleeterrors.NewRuleNotFoundError(id).WithComponent("health")
	}
	return copyRule(r), nil
}

// AddRule validates rule, assigns it a fresh id and stores it.
func (am *AlertManager) AddRule(rule AlertRule) (AlertRule, error) {
	if err := rule.Validate(); err != nil {
		return AlertRule{}, err
	}
	rule.ID = uuid.NewString()
	rule.LastTriggered = nil

	am.mu.Lock()
	defer am.mu.Unlock()
	am.rules[rule.ID] = &rule
	am.order = append(am.order, rule.ID)
	return copyRule(&rule), nil
}

// UpdateRule replaces the rule with id. The id and trigger time are kept.
func (am *AlertManager) UpdateRule(id string, rule AlertRule) (AlertRule, error) {
	if err := rule.Validate(); err != nil {
		return AlertRule{}, err
	}

	am.mu.Lock()
	defer am.mu.Unlock()
	cur, ok := am.rules[id]
	if !ok {
		return AlertRule{}, fleeterrors.NewRuleNotFoundError(id).WithComponent("health")
	}
	rule.ID = id
	rule.LastTriggered = cur.LastTriggered
	*cur = rule
	am.resetLocked(id)
	return copyRule(cur), nil
}

// DeleteRule removes the rule with id.
func (am *AlertManager) DeleteRule(id string) error {
	am.mu.Lock()
	defer am.mu.Unlock()
	if _, ok := am.rules[id]; !ok {
		return fleeterrors.NewRuleNotFoundError(id).WithComponent("health")
	}
	delete(am.rules, id)
	for i, rid := range am.order {
		if rid == id {
			am.order = append(am.order[:i], am.order[i+1:]...)
			break
		}
	}
	am.resetLocked(id)
	return nil
}

// Evaluate runs every enabled rule against results and returns the alerts
// that fired. A rule fires once its condition has held for its duration on
// some instance and its cooldown has elapsed since it last fired.
func (am *AlertManager) Evaluate(results []Result, now time.Time) []Alert {
	am.mu.Lock()
	defer am.mu.Unlock()

	var fired []Alert
	for _, id := range am.order {
		rule := am.rules[id]
		if !rule.Enabled {
			continue
		}
		for _, res := range results {
			key := rule.ID + "/" + res.InstanceID
			value := metricValue(res, rule.Condition.Metric)
			if !rule.Condition.Matches(value) {
				delete(am.since, key)
				continue
			}
			first, ok := am.since[key]
			if !ok {
				first = now
				am.since[key] = now
			}
			if now.Sub(first) < time.Duration(rule.Condition.Duration)*time.Second {
				continue
			}
			if rule.LastTriggered != nil &&
				now.Sub(*rule.LastTriggered) < time.Duration(rule.Cooldown)*time.Second {
				continue
			}

			at := now
			rule.LastTriggered = &at
			alert := Alert{
				ID:         uuid.NewString(),
				RuleID:     rule.ID,
				RuleName:   rule.Name,
				InstanceID: res.InstanceID,
				Severity:   rule.Severity,
				Metric:     rule.Condition.Metric,
				Value:      value,
				Threshold:  rule.Condition.Threshold,
				Message: fmt.Sprintf("%s: %s %s %g (current: %.2f)",
					rule.Name, rule.Condition.Metric, rule.Condition.Operator, rule.Condition.Threshold, value),
				Timestamp: now,
			}
			fired = append(fired, alert)
			am.alerts = append(am.alerts, alert)
		}
	}
	if len(am.alerts) > maxAlerts {
		am.alerts = append([]Alert(nil), am.alerts[len(am.alerts)-maxAlerts:]...)
	}
	return fired
}

// RecentAlerts returns up to limit alerts, newest first.
func (am *AlertManager) RecentAlerts(limit int) []Alert {
	am.mu.Lock()
	out := append([]Alert(nil), am.alerts...)
	am.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (am *AlertManager) resetLocked(ruleID string) {
	prefix := ruleID + "/"
	for k := range am.since {
		if strings.HasPrefix(k, prefix) {
			delete(am.since, k)
		}
	}
}

func metricValue(r Result, m Metric) float64 {
	switch m {
	case MetricMemory:
		return r.Checks.Memory.Value
	case MetricResponseTime:
		return r.Checks.Performance.Value
	case MetricErrorRate:
		return r.Checks.ErrorRate.Value
	case MetricConnectivity:
		return r.Checks.Connectivity.Value
	default:
		return 0
	}
}

func copyRule(r *AlertRule) AlertRule {
	out := *r
	if r.LastTriggered != nil {
		t := *r.LastTriggered
		out.LastTriggered = &t
	}
	return out
}
