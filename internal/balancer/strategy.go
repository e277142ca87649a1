package balancer

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/redisfleet/redisfleet/internal/config"
	"github.com/redisfleet/redisfleet/internal/registry"
	fleeterrors "github.com/redisfleet/redisfleet/pkg/errors"
)

// Operation is the kind of cache operation being routed.
type Operation string

const (
	OpRead   Operation = "read"
	OpWrite  Operation = "write"
	OpDelete Operation = "delete"
)

// Candidate is one eligible instance as seen by a strategy.
type Candidate struct {
	ID         string
	Categories []config.Category
	Status     registry.InstanceStatus
	Requests   int64
	// Sticky is set when the key being routed went to this instance recently.
	Sticky bool
}

// Request describes what is being routed.
type Request struct {
	Category      config.Category
	Operation     Operation
	Key           string
	Policy        config.LoadBalancingConfig
	TotalRequests int64
	// Affinity is the instance Key was last routed to within the sticky window.
	Affinity string
}

// Decision is the outcome of a selection.
type Decision struct {
	InstanceID   string             `json:"instanceId"`
	Reason       string             `json:"reason"`
	Confidence   float64            `json:"confidence"`
	Alternatives []string           `json:"alternativeInstances"`
	Strategy     config.Strategy    `json:"strategy"`
	Category     config.Category    `json:"category"`
	Operation    Operation          `json:"operation"`
	Instance     *registry.Instance `json:"-"`
}

// Select picks one candidate for req. It is a pure function of its inputs.
func Select(req Request, candidates []Candidate) (Decision, error) {
	if len(candidates) == 0 {
		return Decision{}, fleeterrors.NewNoEligibleInstanceError(string(req.Category)).WithComponent("balancer")
	}

	var d Decision
	pin := pinned(req, candidates)
	switch {
	case len(candidates) == 1:
		d = Decision{InstanceID: candidates[0].ID, Reason: "Only available instance", Confidence: 1.0}
	case pin != nil:
		d = Decision{
			InstanceID:   pin.ID,
			Reason:       "Key affinity (routed here within 5 minutes)",
			Confidence:   0.9,
			Alternatives: idsExcept(candidates, pin.ID),
		}
	default:
		switch req.Policy.Strategy {
		case config.StrategyRoundRobin:
			d = selectRoundRobin(req, candidates)
		case config.StrategyLeastUsed:
			d = selectLeastUsed(candidates)
		case config.StrategyDataType:
			d = selectByDataType(req, candidates)
		default:
			d = selectSmart(req, candidates)
		}
	}

	d.Strategy = req.Policy.Strategy
	d.Category = req.Category
	d.Operation = req.Operation
	if d.Alternatives == nil {
		d.Alternatives = []string{}
	}
	return d, nil
}

// pinned returns the affinity candidate for req. Writes leave an instance
// that has crossed the emergency threshold.
func pinned(req Request, candidates []Candidate) *Candidate {
	if req.Affinity == "" || req.Key == "" {
		return nil
	}
	for i := range candidates {
		c := &candidates[i]
		if c.ID != req.Affinity {
			continue
		}
		if req.Operation == OpWrite && c.Status.Memory.Percentage > req.Policy.EmergencyThreshold {
			return nil
		}
		return c
	}
	return nil
}

func selectRoundRobin(req Request, candidates []Candidate) Decision {
	idx := int(req.TotalRequests % int64(len(candidates)))
	return Decision{
		InstanceID:   candidates[idx].ID,
		Reason:       "Round-robin selection",
		Confidence:   0.7,
		Alternatives: idsExcept(candidates, candidates[idx].ID),
	}
}

// leastUsedScore weighs memory at 60% and request count at 40%.
func leastUsedScore(c Candidate) float64 {
	return c.Status.Memory.Percentage*0.6 + float64(c.Requests)*0.4
}

func selectLeastUsed(candidates []Candidate) Decision {
	sorted := append([]Candidate(nil), candidates...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return leastUsedScore(sorted[i]) < leastUsedScore(sorted[j])
	})

	selected := sorted[0]
	alts := make([]string, 0, len(sorted)-1)
	for _, c := range sorted[1:] {
		alts = append(alts, c.ID)
	}
	return Decision{
		InstanceID: selected.ID,
		Reason: fmt.Sprintf("Least used (Memory: %.1f%%, Requests: %d)",
			selected.Status.Memory.Percentage, selected.Requests),
		Confidence:   0.85,
		Alternatives: alts,
	}
}

// selectByDataType prefers instances whose first declared category matches.
func selectByDataType(req Request, candidates []Candidate) Decision {
	var primary []Candidate
	for _, c := range candidates {
		if len(c.Categories) > 0 && c.Categories[0] == req.Category {
			primary = append(primary, c)
		}
	}
	if len(primary) == 0 {
		return selectLeastUsed(candidates)
	}
	return selectLeastUsed(primary)
}

type scored struct {
	id      string
	score   float64
	reasons []string
}

// SmartScore rates one candidate. Higher is better; the result is never
// negative.
func SmartScore(req Request, c Candidate) (float64, []string) {
	policy := req.Policy
	st := c.Status
	var reasons []string
	score := 100.0

	memPenalty := st.Memory.Percentage / 100 * 40
	score -= memPenalty
	reasons = append(reasons, fmt.Sprintf("Memory: -%.1f (%.1f%%)", memPenalty, st.Memory.Percentage))

	respPenalty := math.Min(st.Performance.AvgResponseTime/100*30, 30)
	score -= respPenalty
	reasons = append(reasons, fmt.Sprintf("Response: -%.1f (%.1fms)", respPenalty, st.Performance.AvgResponseTime))

	errPenalty := st.Performance.ErrorRate / 100 * 20
	score -= errPenalty
	reasons = append(reasons, fmt.Sprintf("Errors: -%.1f (%.1f%%)", errPenalty, st.Performance.ErrorRate))

	for _, cat := range c.Categories {
		if cat == req.Category {
			score += 10
			reasons = append(reasons, "DataType: +10 (preferred)")
			break
		}
	}

	health := -50.0
	if st.IsHealthy {
		health = policy.HealthCheckWeight * 10
	}
	score += health
	sign := ""
	if health > 0 {
		sign = "+"
	}
	reasons = append(reasons, fmt.Sprintf("Health: %s%.1f", sign, health))

	if req.Operation == OpRead && req.Key != "" && c.Sticky {
		score += 5
		reasons = append(reasons, "Sticky: +5 (recent usage)")
	}

	if st.Memory.Percentage > policy.EmergencyThreshold {
		score -= 100
		reasons = append(reasons, fmt.Sprintf("Emergency: -100 (>%.0f%%)", policy.EmergencyThreshold))
	}

	return math.Max(0, score), reasons
}

func selectSmart(req Request, candidates []Candidate) Decision {
	scores := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		s, reasons := SmartScore(req, c)
		scores = append(scores, scored{id: c.ID, score: s, reasons: reasons})
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].score > scores[j].score })

	top := scores[0]
	second := scores[1].score
	confidence := 0.1
	if top.score > 0 {
		confidence = math.Max(0, math.Min(1, (top.score-second)/100+0.5))
	}

	alts := make([]string, 0, len(scores)-1)
	for _, s := range scores[1:] {
		alts = append(alts, s.id)
	}
	return Decision{
		InstanceID:   top.id,
		Reason:       fmt.Sprintf("Smart selection (Score: %.1f) - %s", top.score, strings.Join(top.reasons, ", ")),
		Confidence:   confidence,
		Alternatives: alts,
	}
}

func idsExcept(candidates []Candidate, id string) []string {
	out := make([]string, 0, len(candidates)-1)
	for _, c := range candidates {
		if c.ID != id {
			out = append(out, c.ID)
		}
	}
	return out
}
