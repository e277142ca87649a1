package balancer

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/redisfleet/redisfleet/internal/registry"
	fleeterrors "github.com/redisfleet/redisfleet/pkg/errors"
)

// keysPerSecond is the migration rate assumed by plan estimates.
const keysPerSecond = 100

// Impact estimates the effect of a plan.
type Impact struct {
	SourceMemoryReduction  int64 `json:"sourceMemoryReduction"`
	TargetMemoryIncrease   int64 `json:"targetMemoryIncrease"`
	EstimatedMigrationTime int   `json:"estimatedMigrationTime"` // seconds
}

// PlanResult is the outcome of executing a plan.
type PlanResult struct {
	Moved    int           `json:"moved"`
	Failed   int           `json:"failed"`
	Skipped  int           `json:"skipped"`
	Errors   []string      `json:"errors,omitempty"`
	Duration time.Duration `json:"duration"`
}

// RebalancingPlan moves sampled keys from an overloaded instance to a
// lightly loaded one.
type RebalancingPlan struct {
	ID               string      `json:"id"`
	SourceInstanceID string      `json:"sourceInstanceId"`
	TargetInstanceID string      `json:"targetInstanceId"`
	Keys             []string    `json:"dataKeysToMove"`
	EstimatedImpact  Impact      `json:"estimatedImpact"`
	Emergency        bool        `json:"emergency"`
	CreatedAt        time.Time   `json:"createdAt"`
	Result           *PlanResult `json:"result,omitempty"`
}

// Rebalance runs one rebalancing pass. Instances above the capacity
// threshold shed sampled keys to the least-loaded healthy instance below
// half the threshold. It returns the executed plans.
func (b *Balancer) Rebalance(ctx context.Context) ([]RebalancingPlan, error) {
	b.rebalanceMu.Lock()
	defer b.rebalanceMu.Unlock()

	threshold := b.provider.LoadBalancing().CapacityThreshold
	var overloaded, underutilized []registry.InstanceStatus
	for _, s := range b.registry.Statuses() {
		if _, active := b.provider.Instance(s.ID); !active {
			continue
		}
		switch {
		case s.Memory.Percentage > threshold && s.IsConnected:
			overloaded = append(overloaded, s)
		case s.Memory.Percentage < threshold*0.5 && s.IsHealthy:
			underutilized = append(underutilized, s)
		}
	}
	if len(overloaded) == 0 || len(underutilized) == 0 {
		return nil, nil
	}
	sort.SliceStable(underutilized, func(i, j int) bool {
		return underutilized[i].Memory.Percentage < underutilized[j].Memory.Percentage
	})

	b.logger.Info("Starting automatic rebalancing", map[string]interface{}{
		"overloaded":    len(overloaded),
		"underutilized": len(underutilized),
	})

	var executed []RebalancingPlan
	for _, src := range overloaded {
		if err := ctx.Err(); err != nil {
			return executed, err
		}
		plan, err := b.CreatePlan(ctx, src.ID, underutilized[0].ID)
		if err != nil {
			b.logger.Error("Failed to create rebalancing plan", map[string]interface{}{
				"source": src.ID,
				"error":  err.Error(),
			})
			continue
		}
		if plan == nil {
			continue
		}
		executed = append(executed, b.execute(ctx, *plan))
	}

	if len(executed) > 0 {
		b.logger.Info("Completed automatic rebalancing", map[string]interface{}{"plans": len(executed)})
	}
	return executed, nil
}

// EmergencyRebalancing immediately moves sampled keys off id to the
// least-loaded healthy instance. A nil plan means there was nothing to move.
func (b *Balancer) EmergencyRebalancing(ctx context.Context, id string) (*RebalancingPlan, error) {
	b.rebalanceMu.Lock()
	defer b.rebalanceMu.Unlock()

	b.logger.Warn("Initiating emergency rebalancing", map[string]interface{}{"instance": id})
	if _, ok := b.registry.Instance(id); !ok {
		return nil, fleeterrors.NewInstanceNotFoundError(id).WithComponent("balancer")
	}

	var targets []registry.InstanceStatus
	for _, s := range b.registry.Statuses() {
		if s.ID == id || !s.IsHealthy {
			continue
		}
		if _, active := b.provider.Instance(s.ID); active {
			targets = append(targets, s)
		}
	}
	if len(targets) == 0 {
		return nil, fleeterrors.NewError(fleeterrors.ErrCodeNoEligibleInstance,
			"No healthy instances available for emergency rebalancing").
			WithComponent("balancer").
			WithInstance(id)
	}
	sort.SliceStable(targets, func(i, j int) bool {
		return targets[i].Memory.Percentage < targets[j].Memory.Percentage
	})

	plan, err := b.CreatePlan(ctx, id, targets[0].ID)
	if err != nil || plan == nil {
		return nil, err
	}
	plan.Emergency = true
	done := b.execute(ctx, *plan)
	b.logger.Info("Emergency rebalancing completed", map[string]interface{}{
		"instance": id,
		"moved":    done.Result.Moved,
		"failed":   done.Result.Failed,
	})
	return &done, nil
}

// CreatePlan samples keys on source for a move to target. It returns nil
// when the source has no keys.
func (b *Balancer) CreatePlan(ctx context.Context, sourceID, targetID string) (*RebalancingPlan, error) {
	src, ok := b.registry.Instance(sourceID)
	if !ok {
		return nil, fleeterrors.NewInstanceNotFoundError(sourceID).WithComponent("balancer")
	}
	if _, ok := b.registry.Instance(targetID); !ok {
		return nil, fleeterrors.NewInstanceNotFoundError(targetID).WithComponent("balancer")
	}

	keys, err := sampleKeys(ctx, src, b.provider.LoadBalancing().RebalanceSampleKeys)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	estimated := int64(float64(src.Status().Memory.Used) * 0.1)
	return &RebalancingPlan{
		ID:               uuid.NewString(),
		SourceInstanceID: sourceID,
		TargetInstanceID: targetID,
		Keys:             keys,
		EstimatedImpact: Impact{
			SourceMemoryReduction:  estimated,
			TargetMemoryIncrease:   estimated,
			EstimatedMigrationTime: int(math.Ceil(float64(len(keys)) / keysPerSecond)),
		},
		CreatedAt: b.now(),
	}, nil
}

// sampleKeys draws up to n distinct random keys.
func sampleKeys(ctx context.Context, inst *registry.Instance, n int) ([]string, error) {
	if n <= 0 {
		n = 1
	}
	seen := make(map[string]bool, n)
	keys := make([]string, 0, n)
	for attempt := 0; attempt < n*2 && len(keys) < n; attempt++ {
		key, found, err := inst.RandomKey(ctx)
		if err != nil {
			return nil, err
		}
		if !found {
			break
		}
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// ExecutePlan moves the plan's keys and records the result in the history.
// Plans built by callers get an id and creation time here.
func (b *Balancer) ExecutePlan(ctx context.Context, plan RebalancingPlan) (RebalancingPlan, error) {
	if plan.SourceInstanceID == plan.TargetInstanceID {
		return plan, fleeterrors.NewValidationError("source and target must differ")
	}
	if _, ok := b.registry.Instance(plan.SourceInstanceID); !ok {
		return plan, fleeterrors.NewInstanceNotFoundError(plan.SourceInstanceID).WithComponent("balancer")
	}
	if _, ok := b.registry.Instance(plan.TargetInstanceID); !ok {
		return plan, fleeterrors.NewInstanceNotFoundError(plan.TargetInstanceID).WithComponent("balancer")
	}
	if plan.ID == "" {
		plan.ID = uuid.NewString()
	}
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = b.now()
	}
	b.rebalanceMu.Lock()
	defer b.rebalanceMu.Unlock()
	return b.execute(ctx, plan), nil
}

// execute must be called with rebalanceMu held.
func (b *Balancer) execute(ctx context.Context, plan RebalancingPlan) RebalancingPlan {
	src, _ := b.registry.Instance(plan.SourceInstanceID)
	tgt, _ := b.registry.Instance(plan.TargetInstanceID)

	b.logger.Info("Executing rebalancing plan", map[string]interface{}{
		"source": plan.SourceInstanceID,
		"target": plan.TargetInstanceID,
		"keys":   len(plan.Keys),
	})

	start := b.now()
	res := &PlanResult{}
	for _, key := range plan.Keys {
		moved, err := MoveKey(ctx, src, tgt, key)
		switch {
		case err != nil:
			res.Failed++
			res.Errors = append(res.Errors, err.Error())
			b.logger.Error("Failed to migrate key", map[string]interface{}{"key": key, "error": err.Error()})
		case moved:
			res.Moved++
		default:
			res.Skipped++
		}
	}
	res.Duration = b.now().Sub(start)
	plan.Result = res

	b.mu.Lock()
	b.history = append(b.history, plan)
	if len(b.history) > maxRebalanceHistory {
		b.history = b.history[len(b.history)-maxRebalanceHistory:]
	}
	b.rebalancingEvents++
	b.lastRebalancing = b.now()
	b.mu.Unlock()

	if b.recorder != nil {
		b.recorder.RecordRebalance(res.Moved, res.Failed)
	}
	return plan
}

// MoveKey copies key from src to tgt with its remaining TTL and deletes it
// from src once the restore is confirmed. It reports false without error
// when the key vanished before it could be dumped.
func MoveKey(ctx context.Context, src, tgt *registry.Instance, key string) (bool, error) {
	payload, found, err := src.Dump(ctx, key)
	if err != nil {
		return false, fleeterrors.NewMigrationKeyError(key, src.ID(), tgt.ID(), "dump", err)
	}
	if !found {
		return false, nil
	}

	ttl, err := src.PTTL(ctx, key)
	if err != nil {
		return false, fleeterrors.NewMigrationKeyError(key, src.ID(), tgt.ID(), "pttl", err)
	}
	if ttl == -2 {
		return false, nil
	}
	if ttl < 0 {
		ttl = 0
	}

	if err := tgt.Restore(ctx, key, ttl, payload); err != nil {
		return false, fleeterrors.NewMigrationKeyError(key, src.ID(), tgt.ID(), "restore", err)
	}
	if _, err := src.Del(ctx, key); err != nil {
		return false, fleeterrors.NewMigrationKeyError(key, src.ID(), tgt.ID(), "delete", err)
	}
	return true, nil
}

// RebalancingHistory returns executed plans, oldest first.
func (b *Balancer) RebalancingHistory() []RebalancingPlan {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]RebalancingPlan(nil), b.history...)
}
