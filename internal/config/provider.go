package config

import (
	"math"
	"sync"
	"time"

	fleeterrors "github.com/redisfleet/redisfleet/pkg/errors"
	"github.com/redisfleet/redisfleet/pkg/utils"
)

// Provider is the live, mutable view of the configuration shared by all
// components. Reads return copies; mutations are visible to the next read.
type Provider struct {
	mu     sync.RWMutex
	cfg    *Configuration
	logger *utils.StructuredLogger
}

// NewProvider validates cfg and wraps it.
func NewProvider(cfg *Configuration, logger *utils.StructuredLogger) (*Provider, error) {
	if cfg == nil {
		return nil, fleeterrors.NewConfigurationError("configuration is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	p := &Provider{cfg: cfg.Clone(), logger: logger.WithComponent("config")}
	p.logger.Info("Redis configuration loaded", map[string]interface{}{
		"instances": len(cfg.Instances),
		"strategy":  cfg.LoadBalancing.Strategy,
	})
	return p, nil
}

// Snapshot returns a deep copy of the whole configuration.
func (p *Provider) Snapshot() *Configuration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg.Clone()
}

// Instances returns the active instances.
func (p *Provider) Instances() []InstanceConfig {
	return p.filter(func(ic InstanceConfig) bool { return ic.Active })
}

// AllInstances returns every configured instance, active or not.
func (p *Provider) AllInstances() []InstanceConfig {
	return p.filter(func(InstanceConfig) bool { return true })
}

// InstancesForCategory returns the active instances that declare category.
func (p *Provider) InstancesForCategory(category Category) []InstanceConfig {
	return p.filter(func(ic InstanceConfig) bool { return ic.Active && ic.Serves(category) })
}

// Instance returns the active instance with id.
func (p *Provider) Instance(id string) (InstanceConfig, bool) {
	ic, ok := p.LookupInstance(id)
	if !ok || !ic.Active {
		return InstanceConfig{}, false
	}
	return ic, true
}

// LookupInstance returns the instance with id regardless of its active flag.
func (p *Provider) LookupInstance(id string) (InstanceConfig, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, ic := range p.cfg.Instances {
		if ic.ID == id {
			return copyInstance(ic), true
		}
	}
	return InstanceConfig{}, false
}

// PrimaryInstance returns the first active primary-priority instance.
func (p *Provider) PrimaryInstance() (InstanceConfig, bool) {
	for _, ic := range p.Instances() {
		if ic.Priority == PriorityPrimary {
			return ic, true
		}
	}
	return InstanceConfig{}, false
}

// TTLPolicy returns the policy for category, falling back to default.
func (p *Provider) TTLPolicy(category Category) TTLPolicy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if pol, ok := p.cfg.TTLStrategies[category]; ok {
		return pol
	}
	return p.cfg.TTLStrategies[CategoryDefault]
}

// TTLStrategies returns a copy of the TTL table.
func (p *Provider) TTLStrategies() map[Category]TTLPolicy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[Category]TTLPolicy, len(p.cfg.TTLStrategies))
	for k, v := range p.cfg.TTLStrategies {
		out[k] = v
	}
	return out
}

// LoadBalancing returns the load-balancing policy.
func (p *Provider) LoadBalancing() LoadBalancingConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg.LoadBalancing
}

// Monitoring returns the monitoring policy.
func (p *Provider) Monitoring() MonitoringConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg.Monitoring
}

// Fallback returns the fallback policy.
func (p *Provider) Fallback() FallbackConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg.Fallback
}

// Archive returns the archive settings.
func (p *Provider) Archive() ArchiveConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg.Archive
}

// SetInstanceActive toggles an instance's active flag.
func (p *Provider) SetInstanceActive(id string, active bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.cfg.Instances {
		if p.cfg.Instances[i].ID == id {
			p.cfg.Instances[i].Active = active
			p.logger.Info("Instance status updated", map[string]interface{}{
				"instance": id,
				"active":   active,
			})
			return nil
		}
	}
	return fleeterrors.NewInstanceNotFoundError(id).WithComponent("config")
}

// TTLPolicyPatch holds optional updates to a TTL policy.
type TTLPolicyPatch struct {
	Default    *int     `json:"default,omitempty"`
	Min        *int     `json:"min,omitempty"`
	Max        *int     `json:"max,omitempty"`
	Multiplier *float64 `json:"frequencyMultiplier,omitempty"`
}

// UpdateTTLPolicy merges patch into the policy for category.
func (p *Provider) UpdateTTLPolicy(category Category, patch TTLPolicyPatch) (TTLPolicy, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pol, ok := p.cfg.TTLStrategies[category]
	if !ok {
		pol = p.cfg.TTLStrategies[CategoryDefault]
	}
	if patch.Default != nil {
		pol.Default = *patch.Default
	}
	if patch.Min != nil {
		pol.Min = *patch.Min
	}
	if patch.Max != nil {
		pol.Max = *patch.Max
	}
	if patch.Multiplier != nil {
		pol.Multiplier = *patch.Multiplier
	}
	if err := pol.validate(); err != nil {
		return TTLPolicy{}, fleeterrors.NewValidationError("invalid TTL policy for %s: %v", category, err)
	}

	p.cfg.TTLStrategies[category] = pol
	p.logger.Info("TTL strategy updated", map[string]interface{}{"category": category})
	return pol, nil
}

// LoadBalancingPatch holds optional updates to the load-balancing policy.
type LoadBalancingPatch struct {
	Strategy            *Strategy `json:"strategy,omitempty"`
	CapacityThreshold   *float64  `json:"capacityThreshold,omitempty"`
	RebalanceEnabled    *bool     `json:"rebalanceEnabled,omitempty"`
	RebalanceInterval   *int      `json:"rebalanceInterval,omitempty"` // seconds
	EmergencyThreshold  *float64  `json:"emergencyThreshold,omitempty"`
	HealthCheckWeight   *float64  `json:"healthCheckWeight,omitempty"`
	RebalanceSampleKeys *int      `json:"rebalanceSampleKeys,omitempty"`
}

// UpdateLoadBalancing merges patch into the load-balancing policy.
func (p *Provider) UpdateLoadBalancing(patch LoadBalancingPatch) (LoadBalancingConfig, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	lb := p.cfg.LoadBalancing
	if patch.Strategy != nil {
		st, err := ParseStrategy(string(*patch.Strategy))
		if err != nil {
			return LoadBalancingConfig{}, fleeterrors.NewValidationError("%v", err)
		}
		lb.Strategy = st
	}
	if patch.CapacityThreshold != nil {
		if !within(*patch.CapacityThreshold, 0, 100) {
			return LoadBalancingConfig{}, fleeterrors.NewValidationError("capacityThreshold must be between 0 and 100")
		}
		lb.CapacityThreshold = *patch.CapacityThreshold
	}
	if patch.RebalanceEnabled != nil {
		lb.RebalanceEnabled = *patch.RebalanceEnabled
	}
	if patch.RebalanceInterval != nil {
		if *patch.RebalanceInterval <= 0 {
			return LoadBalancingConfig{}, fleeterrors.NewValidationError("rebalanceInterval must be positive")
		}
		lb.RebalanceInterval = time.Duration(*patch.RebalanceInterval) * time.Second
	}
	if patch.EmergencyThreshold != nil {
		if !within(*patch.EmergencyThreshold, 0, 100) {
			return LoadBalancingConfig{}, fleeterrors.NewValidationError("emergencyThreshold must be between 0 and 100")
		}
		lb.EmergencyThreshold = *patch.EmergencyThreshold
	}
	if patch.HealthCheckWeight != nil {
		if !within(*patch.HealthCheckWeight, 0, 1) {
			return LoadBalancingConfig{}, fleeterrors.NewValidationError("healthCheckWeight must be between 0 and 1")
		}
		lb.HealthCheckWeight = *patch.HealthCheckWeight
	}
	if patch.RebalanceSampleKeys != nil && *patch.RebalanceSampleKeys > 0 {
		lb.RebalanceSampleKeys = *patch.RebalanceSampleKeys
	}

	p.cfg.LoadBalancing = lb
	p.logger.Info("Load balancing configuration updated", map[string]interface{}{"strategy": lb.Strategy})
	return lb, nil
}

// CalculateOptimalTTL returns the TTL in seconds for category at the given
// access frequency, clamped to the policy bounds.
func (p *Provider) CalculateOptimalTTL(category Category, accessFrequency float64) int {
	return OptimalTTL(p.TTLPolicy(category), accessFrequency)
}

// OptimalTTL applies a policy to an access frequency.
// The product is clamped before conversion so large frequencies saturate at
// Max. NaN yields Min.
func OptimalTTL(pol TTLPolicy, accessFrequency float64) int {
	adjusted := math.Round(float64(pol.Default) * pol.Multiplier * accessFrequency)
	switch {
	case math.IsNaN(adjusted) || adjusted < float64(pol.Min):
		return pol.Min
	case adjusted > float64(pol.Max):
		return pol.Max
	}
	return int(adjusted)
}

// Export encodes the configuration.
func (p *Provider) Export(format Format) ([]byte, error) {
	return p.Snapshot().Marshal(format)
}

// Import validates cfg and replaces the current configuration with it.
func (p *Provider) Import(cfg *Configuration) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	next := cfg.Clone()

	p.mu.Lock()
	// Secrets never travel through export documents.
	next.Archive.AccessKeyID = p.cfg.Archive.AccessKeyID
	next.Archive.SecretAccessKey = p.cfg.Archive.SecretAccessKey
	p.cfg = next
	p.mu.Unlock()

	p.logger.Info("Configuration imported", map[string]interface{}{"instances": len(next.Instances)})
	return nil
}

// Summary is a compact overview of the configuration.
type Summary struct {
	TotalInstances        int      `json:"totalInstances"`
	ActiveInstances       int      `json:"activeInstances"`
	TotalMaxMemoryMB      int      `json:"totalMaxMemory"`
	LoadBalancingStrategy Strategy `json:"loadBalancingStrategy"`
	MonitoringEnabled     bool     `json:"monitoringEnabled"`
}

// Summary returns a compact overview.
func (p *Provider) Summary() Summary {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := Summary{
		TotalInstances:        len(p.cfg.Instances),
		LoadBalancingStrategy: p.cfg.LoadBalancing.Strategy,
		MonitoringEnabled:     p.cfg.Monitoring.Enabled,
	}
	for _, ic := range p.cfg.Instances {
		if ic.Active {
			s.ActiveInstances++
		}
		s.TotalMaxMemoryMB += ic.MaxMemoryMB
	}
	return s
}

func (p *Provider) filter(keep func(InstanceConfig) bool) []InstanceConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]InstanceConfig, 0, len(p.cfg.Instances))
	for _, ic := range p.cfg.Instances {
		if keep(ic) {
			out = append(out, copyInstance(ic))
		}
	}
	return out
}

func copyInstance(ic InstanceConfig) InstanceConfig {
	ic.Categories = append([]Category(nil), ic.Categories...)
	return ic
}
