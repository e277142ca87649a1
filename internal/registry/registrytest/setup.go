package registrytest

import (
	"context"
	"time"

	"github.com/redisfleet/redisfleet/internal/config"
	"github.com/redisfleet/redisfleet/internal/registry"
)

// Options returns registry options wired to fl with short delays.
func Options(fl *Fleet) registry.Options {
	opts := registry.DefaultOptions()
	opts.ClientFactory = fl.Factory()
	opts.ReconnectDelay = 10 * time.Millisecond
	return opts
}

// Env is a provider and initialized registry backed by fakes.
type Env struct {
	Config   *config.Configuration
	Provider *config.Provider
	Registry *registry.Registry
	Fleet    *Fleet
}

// Setup builds an Env over instances. usedMB presets each instance's
// reported memory before the first connect.
func Setup(instances []config.InstanceConfig, usedMB map[string]float64) (*Env, error) {
	cfg := config.NewDefault()
	cfg.Instances = instances
	return SetupConfig(cfg, usedMB)
}

// SetupConfig is Setup with a caller-supplied configuration.
func SetupConfig(cfg *config.Configuration, usedMB map[string]float64) (*Env, error) {
	provider, err := config.NewProvider(cfg, nil)
	if err != nil {
		return nil, err
	}

	fl := NewFleet()
	for id, mb := range usedMB {
		fl.Client(id).SetUsedMemory(MB(mb))
	}

	reg := registry.New(provider, Options(fl), nil)
	if err := reg.Initialize(context.Background()); err != nil {
		return nil, err
	}
	return &Env{Config: cfg, Provider: provider, Registry: reg, Fleet: fl}, nil
}

// SetMemory updates an instance's reported memory and refreshes its status.
func (e *Env) SetMemory(id string, mb float64) {
	e.Fleet.Client(id).SetUsedMemory(MB(mb))
	_ = e.Registry.ForceHealthCheck(context.Background(), id)
}

// Down makes id fail pings and data commands and refreshes its status.
func (e *Env) Down(id string) {
	e.Fleet.Client(id).FailPing(ErrInjected)
	e.Fleet.Client(id).FailOps(ErrInjected)
	_ = e.Registry.ForceHealthCheck(context.Background(), id)
}

// Up clears injected failures for id and refreshes its status.
func (e *Env) Up(id string) {
	e.Fleet.Client(id).FailPing(nil)
	e.Fleet.Client(id).FailOps(nil)
	_ = e.Registry.ForceHealthCheck(context.Background(), id)
}
