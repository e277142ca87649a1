package health

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/redisfleet/redisfleet/internal/balancer"
	fleeterrors "github.com/redisfleet/redisfleet/pkg/errors"
)

const (
	maxRecoveryAttempts = 3
	recoveryResetAfter  = 5 * time.Minute
	failoverRetention   = 24 * time.Hour
	recentRecoveries    = 10
)

// FailoverStatus is the lifecycle state of a failover.
type FailoverStatus string

const (
	FailoverInitiated  FailoverStatus = "initiated"
	FailoverInProgress FailoverStatus = "in-progress"
	FailoverCompleted  FailoverStatus = "completed"
	FailoverFailed     FailoverStatus = "failed"
)

// FailoverEvent records one failover and every step taken.
type FailoverEvent struct {
	ID                 string         `json:"id"`
	Timestamp          time.Time      `json:"timestamp"`
	SourceInstanceID   string         `json:"sourceInstanceId"`
	TargetInstanceID   string         `json:"targetInstanceId,omitempty"`
	Reason             string         `json:"reason"`
	Status             FailoverStatus `json:"status"`
	Duration           time.Duration  `json:"duration"`
	AffectedOperations int            `json:"affectedOperations"`
	RecoveryActions    []string       `json:"recoveryActions"`
	Error              string         `json:"error,omitempty"`
}

// Rebalancer moves data off a failing instance.
type Rebalancer interface {
	EmergencyRebalancing(ctx context.Context, id string) (*balancer.RebalancingPlan, error)
}

type recoveryState struct {
	attempts   int
	last       time.Time
	inProgress bool
}

// ManualFailover fails id over on operator request.
func (s *Service) ManualFailover(ctx context.Context, id, reason string) (FailoverEvent, error) {
	if _, ok := s.registry.Instance(id); !ok {
		return FailoverEvent{}, fleeterrors.NewInstanceNotFoundError(id).WithComponent("health")
	}
	ev := s.Failover(ctx, id, fmt.Sprintf("Manual failover: %s", reason))
	if ev.Status == FailoverFailed {
		return ev, fleeterrors.NewError(fleeterrors.ErrCodeInternalError, "failover failed: "+ev.Error).
			WithComponent("health").
			WithOperation("failover").
			WithInstance(id)
	}
	return ev, nil
}

// Failover deactivates id, moves its data away and schedules a reconnect.
// Every step runs; the event fails if any step failed.
func (s *Service) Failover(ctx context.Context, id, reason string) FailoverEvent {
	start := s.now()
	ev := FailoverEvent{
		ID:               uuid.NewString(),
		Timestamp:        start,
		SourceInstanceID: id,
		Reason:           reason,
		Status:           FailoverInitiated,
	}
	s.logger.Warn("Initiating failover", map[string]interface{}{"instance": id, "reason": reason})

	ev.Status = FailoverInProgress
	var failures []string
	step := func(action string, err error) {
		if err != nil {
			failures = append(failures, err.Error())
			ev.RecoveryActions = append(ev.RecoveryActions, action+" (failed: "+err.Error()+")")
			return
		}
		ev.RecoveryActions = append(ev.RecoveryActions, action)
	}

	step("Marked source instance as inactive", s.provider.SetInstanceActive(id, false))

	if s.rebalancer != nil {
		plan, err := s.rebalancer.EmergencyRebalancing(ctx, id)
		if plan != nil {
			ev.TargetInstanceID = plan.TargetInstanceID
			if plan.Result != nil {
				ev.AffectedOperations = plan.Result.Moved + plan.Result.Failed
			}
		}
		step("Triggered emergency rebalancing", err)
	}

	step("Initiated instance restart", s.registry.EmergencyFailover(id))

	ev.Duration = s.now().Sub(start)
	if len(failures) > 0 {
		ev.Status = FailoverFailed
		ev.Error = failures[0]
		s.logger.Error("Failover failed", map[string]interface{}{
			"instance": id,
			"errors":   failures,
		})
	} else {
		ev.Status = FailoverCompleted
		s.logger.Info("Failover completed", map[string]interface{}{
			"instance": id,
			"target":   ev.TargetInstanceID,
			"duration": ev.Duration.String(),
		})
	}
	if s.recorder != nil {
		s.recorder.RecordFailover(id, ev.Status == FailoverCompleted)
	}

	s.mu.Lock()
	s.failovers = append(s.failovers, ev)
	s.pruneFailoversLocked(s.now())
	s.mu.Unlock()
	return ev
}

// FailoverHistory returns the failovers of the last hours, oldest first.
func (s *Service) FailoverHistory(hours int) []FailoverEvent {
	cutoff := s.now().Add(-time.Duration(hours) * time.Hour)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]FailoverEvent, 0)
	for _, ev := range s.failovers {
		if !ev.Timestamp.Before(cutoff) {
			out = append(out, ev)
		}
	}
	return out
}

// ClearRecoveryAttempts resets the auto-recovery counter for id, or for
// every instance when id is empty.
func (s *Service) ClearRecoveryAttempts(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == "" {
		s.recovery = make(map[string]*recoveryState)
		return
	}
	delete(s.recovery, id)
}

// RecoveryAttempts returns the current attempt count for id.
func (s *Service) RecoveryAttempts(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.recovery[id]; ok {
		return st.attempts
	}
	return 0
}

// attemptRecovery re-checks a failing instance and fails it over when it is
// still unhealthy. Attempts are capped per instance and never overlap.
func (s *Service) attemptRecovery(ctx context.Context, res Result) {
	if res.IsHealthy || res.Score >= recoveryScore {
		return
	}
	id := res.InstanceID
	now := s.now()

	s.mu.Lock()
	st, ok := s.recovery[id]
	if !ok {
		st = &recoveryState{}
		s.recovery[id] = st
	}
	if !st.last.IsZero() && now.Sub(st.last) > recoveryResetAfter {
		st.attempts = 0
	}
	if st.inProgress {
		s.mu.Unlock()
		return
	}
	if st.attempts >= maxRecoveryAttempts {
		s.mu.Unlock()
		err := fleeterrors.NewRecoveryExhaustedError(id, maxRecoveryAttempts).WithComponent("health")
		s.logger.Error("Max recovery attempts reached, manual intervention required", map[string]interface{}{
			"instance": id,
			"error":    err.Error(),
		})
		return
	}
	st.attempts++
	st.last = now
	st.inProgress = true
	attempt := st.attempts
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		st.inProgress = false
		s.mu.Unlock()
	}()

	s.logger.Warn("Attempting auto-recovery", map[string]interface{}{
		"instance": id,
		"attempt":  attempt,
		"score":    res.Score,
	})

	if err := s.registry.ForceHealthCheck(ctx, id); err != nil {
		s.logger.Debug("Recovery health check failed", map[string]interface{}{"instance": id, "error": err.Error()})
	}
	recheck, err := s.checkInstance(ctx, id)
	if err != nil {
		s.logger.Error("Auto-recovery failed", map[string]interface{}{"instance": id, "error": err.Error()})
		return
	}
	if recheck.IsHealthy {
		s.logger.Info("Instance recovered", map[string]interface{}{"instance": id, "score": recheck.Score})
		return
	}
	s.Failover(ctx, id, fmt.Sprintf("Auto-recovery: health score %d", recheck.Score))
}

func (s *Service) recoveryActionsLocked(now time.Time) []RecoveryAction {
	cutoff := now.Add(-failoverRetention)
	var out []RecoveryAction
	for i := len(s.failovers) - 1; i >= 0 && len(out) < recentRecoveries; i-- {
		ev := s.failovers[i]
		if ev.Timestamp.Before(cutoff) {
			break
		}
		result := "In Progress"
		switch ev.Status {
		case FailoverCompleted:
			result = "Success"
		case FailoverFailed:
			result = "Failed"
		}
		out = append(out, RecoveryAction{
			Action:     "Failover: " + ev.Reason,
			InstanceID: ev.SourceInstanceID,
			Executed:   true,
			Timestamp:  ev.Timestamp,
			Result:     result,
		})
	}
	return out
}

func (s *Service) pruneFailoversLocked(now time.Time) {
	cutoff := now.Add(-failoverRetention)
	i := 0
	for i < len(s.failovers) && s.failovers[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		s.failovers = append([]FailoverEvent(nil), s.failovers[i:]...)
	}
}
