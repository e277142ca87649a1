package config

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	fleeterrors "github.com/redisfleet/redisfleet/pkg/errors"
)

// Category is a data category used to route keys to instances.
type Category string

const (
	CategoryAuth          Category = "auth"
	CategoryUser          Category = "user"
	CategoryMenu          Category = "menu"
	CategoryOrder         Category = "order"
	CategoryAnalytics     Category = "analytics"
	CategoryML            Category = "ml"
	CategoryNotifications Category = "notifications"
	CategoryCache         Category = "cache"
	CategoryDefault       Category = "default"
)

// AllCategories returns every known category in declaration order.
func AllCategories() []Category {
	return []Category{
		CategoryAuth, CategoryUser, CategoryMenu, CategoryOrder, CategoryAnalytics,
		CategoryML, CategoryNotifications, CategoryCache, CategoryDefault,
	}
}

// ParseCategory validates a category name.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllCategories() {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown data category: %q", s)
}

// Priority ranks an instance within the fleet.
type Priority string

const (
	PriorityPrimary   Priority = "primary"
	PrioritySecondary Priority = "secondary"
	PriorityTertiary  Priority = "tertiary"
)

// Strategy selects the load-balancing algorithm.
type Strategy string

const (
	StrategyRoundRobin Strategy = "round-robin"
	StrategyLeastUsed  Strategy = "least-used"
	StrategySmart      Strategy = "smart"
	StrategyDataType   Strategy = "data-type"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case StrategyRoundRobin, StrategyLeastUsed, StrategySmart, StrategyDataType:
		return st, nil
	}
	return "", fmt.Errorf("unknown load balancing strategy: %q", s)
}

// InstanceConfig describes one Redis instance.
type InstanceConfig struct {
	ID                  string        `yaml:"id" json:"id"`
	Name                string        `yaml:"name" json:"name"`
	URL                 string        `yaml:"url,omitempty" json:"url,omitempty"`
	Host                string        `yaml:"host" json:"host"`
	Port                int           `yaml:"port" json:"port"`
	Password            string        `yaml:"password,omitempty" json:"password,omitempty"`
	Username            string        `yaml:"username,omitempty" json:"username,omitempty"`
	DB                  int           `yaml:"db" json:"db"`
	MaxMemoryMB         int           `yaml:"max_memory_mb" json:"maxMemoryMB"`
	Priority            Priority      `yaml:"priority" json:"priority"`
	Categories          []Category    `yaml:"categories" json:"categories"`
	Active              bool          `yaml:"active" json:"active"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"healthCheckInterval"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout" json:"connectTimeout"`
	CommandTimeout      time.Duration `yaml:"command_timeout" json:"commandTimeout"`
	RetryDelay          time.Duration `yaml:"retry_delay" json:"retryDelay"`
	MaxRetries          int           `yaml:"max_retries" json:"maxRetries"`
}

// Serves reports whether the instance declares category.
func (ic InstanceConfig) Serves(category Category) bool {
	for _, c := range ic.Categories {
		if c == category {
			return true
		}
	}
	return false
}

// MaxMemoryBytes returns the memory budget in bytes.
func (ic InstanceConfig) MaxMemoryBytes() int64 {
	return int64(ic.MaxMemoryMB) * 1024 * 1024
}

// Address returns host:port.
func (ic InstanceConfig) Address() string {
	return net.JoinHostPort(ic.Host, strconv.Itoa(ic.Port))
}

// ConnectionString returns the redis:// URL for the instance.
func (ic InstanceConfig) ConnectionString() string {
	if ic.URL != "" {
		return ic.URL
	}

	u := url.URL{Scheme: "redis", Host: ic.Address()}
	switch {
	case ic.Username != "" && ic.Password != "":
		u.User = url.UserPassword(ic.Username, ic.Password)
	case ic.Password != "":
		u.User = url.UserPassword("", ic.Password)
	}
	if ic.DB != 0 {
		u.Path = "/" + strconv.Itoa(ic.DB)
	}
	return u.String()
}

// Redacted returns a copy with the password masked.
func (ic InstanceConfig) Redacted() InstanceConfig {
	out := ic
	out.Categories = append([]Category(nil), ic.Categories...)
	if out.Password != "" {
		out.Password = "********"
	}
	if out.URL != "" {
		if u, err := url.Parse(out.URL); err == nil && u.User != nil {
			if _, ok := u.User.Password(); ok {
				u.User = url.UserPassword(u.User.Username(), "********")
				out.URL = u.String()
			}
		}
	}
	return out
}

// TTLPolicy bounds the TTL for one category. Values are seconds.
type TTLPolicy struct {
	Default    int     `yaml:"default" json:"default"`
	Min        int     `yaml:"min" json:"min"`
	Max        int     `yaml:"max" json:"max"`
	Multiplier float64 `yaml:"frequency_multiplier" json:"frequencyMultiplier"`
}

// LoadBalancingConfig controls routing and rebalancing.
type LoadBalancingConfig struct {
	Strategy            Strategy      `yaml:"strategy" json:"strategy"`
	CapacityThreshold   float64       `yaml:"capacity_threshold" json:"capacityThreshold"`
	RebalanceEnabled    bool          `yaml:"rebalance_enabled" json:"rebalanceEnabled"`
	RebalanceInterval   time.Duration `yaml:"rebalance_interval" json:"rebalanceInterval"`
	EmergencyThreshold  float64       `yaml:"emergency_threshold" json:"emergencyThreshold"`
	HealthCheckWeight   float64       `yaml:"health_check_weight" json:"healthCheckWeight"`
	RebalanceSampleKeys int           `yaml:"rebalance_sample_keys" json:"rebalanceSampleKeys"`
}

// AlertThresholds are the analytics alert limits.
type AlertThresholds struct {
	MemoryUsage  float64 `yaml:"memory_usage" json:"memoryUsage"`
	ResponseTime float64 `yaml:"response_time" json:"responseTime"`
	ErrorRate    float64 `yaml:"error_rate" json:"errorRate"`
}

// MonitoringConfig controls sampling and alerting.
type MonitoringConfig struct {
	Enabled         bool            `yaml:"enabled" json:"enabled"`
	MetricsInterval time.Duration   `yaml:"metrics_interval" json:"metricsInterval"`
	AlertThresholds AlertThresholds `yaml:"alert_thresholds" json:"alertThresholds"`
}

// FallbackConfig controls the in-process fallback store.
type FallbackConfig struct {
	Enabled       bool `yaml:"enabled" json:"enabled"`
	InMemoryCache bool `yaml:"in_memory_cache" json:"inMemoryCache"`
	MaxItems      int  `yaml:"max_items" json:"maxInMemoryItems"`
}

// LoggingConfig selects log level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// ServerConfig configures the admin HTTP server.
type ServerConfig struct {
	Address        string `yaml:"address" json:"address"`
	MetricsEnabled bool   `yaml:"metrics_enabled" json:"metricsEnabled"`
}

// ArchiveConfig points at the object store used for snapshots and reports.
type ArchiveConfig struct {
	Bucket          string `yaml:"bucket,omitempty" json:"bucket,omitempty"`
	Region          string `yaml:"region,omitempty" json:"region,omitempty"`
	Endpoint        string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Prefix          string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	ForcePathStyle  bool   `yaml:"force_path_style" json:"forcePathStyle"`
	AccessKeyID     string `yaml:"-" json:"-"`
	SecretAccessKey string `yaml:"-" json:"-"`
}

// Enabled reports whether an archive bucket is configured.
func (a ArchiveConfig) Enabled() bool {
	return a.Bucket != ""
}

// Configuration is the complete fleet topology and policy.
type Configuration struct {
	Instances     []InstanceConfig       `yaml:"instances" json:"instances"`
	TTLStrategies map[Category]TTLPolicy `yaml:"ttl_strategies" json:"ttlStrategies"`
	LoadBalancing LoadBalancingConfig    `yaml:"load_balancing" json:"loadBalancing"`
	Monitoring    MonitoringConfig       `yaml:"monitoring" json:"monitoring"`
	Fallback      FallbackConfig         `yaml:"fallback" json:"fallback"`
	Logging       LoggingConfig          `yaml:"logging" json:"logging"`
	Server        ServerConfig           `yaml:"server" json:"server"`
	Archive       ArchiveConfig          `yaml:"archive" json:"archive"`
}

// DefaultTTLStrategies returns the built-in TTL table.
func DefaultTTLStrategies() map[Category]TTLPolicy {
	return map[Category]TTLPolicy{
		CategoryAuth:          {Default: 900, Min: 300, Max: 3600, Multiplier: 1.5},
		CategoryUser:          {Default: 1800, Min: 600, Max: 7200, Multiplier: 2.0},
		CategoryMenu:          {Default: 3600, Min: 1800, Max: 14400, Multiplier: 1.8},
		CategoryOrder:         {Default: 7200, Min: 1800, Max: 21600, Multiplier: 1.2},
		CategoryAnalytics:     {Default: 600, Min: 300, Max: 1800, Multiplier: 1.3},
		CategoryML:            {Default: 1800, Min: 900, Max: 7200, Multiplier: 2.5},
		CategoryNotifications: {Default: 3600, Min: 900, Max: 10800, Multiplier: 1.4},
		CategoryCache:         {Default: 300, Min: 60, Max: 1800, Multiplier: 1.1},
		CategoryDefault:       {Default: 300, Min: 60, Max: 1800, Multiplier: 1.0},
	}
}

// NewInstance returns an instance config with per-instance defaults applied.
func NewInstance(id, name string, priority Priority, port int, categories ...Category) InstanceConfig {
	return InstanceConfig{
		ID:                  id,
		Name:                name,
		Host:                "localhost",
		Port:                port,
		Username:            "default",
		MaxMemoryMB:         30,
		Priority:            priority,
		Categories:          categories,
		Active:              true,
		HealthCheckInterval: 30 * time.Second,
		ConnectTimeout:      60 * time.Second,
		CommandTimeout:      5 * time.Second,
		RetryDelay:          100 * time.Millisecond,
		MaxRetries:          3,
	}
}

// NewDefault returns a configuration with policy defaults and no instances.
func NewDefault() *Configuration {
	return &Configuration{
		TTLStrategies: DefaultTTLStrategies(),
		LoadBalancing: LoadBalancingConfig{
			Strategy:            StrategySmart,
			CapacityThreshold:   80,
			RebalanceEnabled:    true,
			RebalanceInterval:   300 * time.Second,
			EmergencyThreshold:  95,
			HealthCheckWeight:   0.3,
			RebalanceSampleKeys: 10,
		},
		Monitoring: MonitoringConfig{
			Enabled:         true,
			MetricsInterval: 60 * time.Second,
			AlertThresholds: AlertThresholds{
				MemoryUsage:  85,
				ResponseTime: 100,
				ErrorRate:    5,
			},
		},
		Fallback: FallbackConfig{
			Enabled:       true,
			InMemoryCache: true,
			MaxItems:      1000,
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
		},
		Server: ServerConfig{
			Address:        ":8080",
			MetricsEnabled: true,
		},
	}
}

// Clone returns a deep copy.
func (c *Configuration) Clone() *Configuration {
	out := *c
	out.Instances = make([]InstanceConfig, len(c.Instances))
	for i, inst := range c.Instances {
		inst.Categories = append([]Category(nil), inst.Categories...)
		out.Instances[i] = inst
	}
	out.TTLStrategies = make(map[Category]TTLPolicy, len(c.TTLStrategies))
	for k, v := range c.TTLStrategies {
		out.TTLStrategies[k] = v
	}
	return &out
}

// Validate checks the topology and policy for fatal errors.
func (c *Configuration) Validate() error {
	if len(c.Instances) == 0 {
		return fleeterrors.NewConfigurationError("No Redis instances configured")
	}

	seen := make(map[string]bool, len(c.Instances))
	for _, inst := range c.Instances {
		if inst.ID == "" {
			return fleeterrors.NewConfigurationError("Invalid Redis configuration: instance with empty id")
		}
		if seen[inst.ID] {
			return fleeterrors.NewConfigurationError("Invalid Redis configuration: duplicate instance id %s", inst.ID)
		}
		seen[inst.ID] = true

		if inst.Host == "" || inst.Port == 0 {
			return fleeterrors.NewConfigurationError(
				"Invalid Redis configuration for instance %s: missing host or port", inst.ID)
		}
		if inst.MaxMemoryMB <= 0 {
			return fleeterrors.NewConfigurationError(
				"Invalid maxMemory for Redis instance %s: must be greater than 0", inst.ID)
		}
	}

	lb := c.LoadBalancing
	if !within(lb.CapacityThreshold, 0, 100) {
		return fleeterrors.NewConfigurationError("Invalid capacityThreshold: must be between 0 and 100")
	}
	if !within(lb.EmergencyThreshold, 0, 100) {
		return fleeterrors.NewConfigurationError("Invalid emergencyThreshold: must be between 0 and 100")
	}
	if !within(lb.HealthCheckWeight, 0, 1) {
		return fleeterrors.NewConfigurationError("Invalid healthCheckWeight: must be between 0 and 1")
	}
	if _, err := ParseStrategy(string(lb.Strategy)); err != nil {
		return fleeterrors.NewConfigurationError("%v", err)
	}

	for cat, p := range c.TTLStrategies {
		if err := p.validate(); err != nil {
			return fleeterrors.NewConfigurationError("Invalid TTL strategy for %s: %v", cat, err)
		}
	}
	if _, ok := c.TTLStrategies[CategoryDefault]; !ok {
		return fleeterrors.NewConfigurationError("TTL strategy for %s is required", CategoryDefault)
	}

	return nil
}

// within is false for NaN.
func within(v, lo, hi float64) bool {
	return v >= lo && v <= hi
}

func (p TTLPolicy) validate() error {
	if p.Min < 0 || p.Max < p.Min {
		return fmt.Errorf("min %d and max %d are inconsistent", p.Min, p.Max)
	}
	if p.Multiplier <= 0 {
		return fmt.Errorf("frequency multiplier must be positive")
	}
	return nil
}

// Format is an export encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// Marshal encodes the configuration.
func (c *Configuration) Marshal(format Format) ([]byte, error) {
	switch format {
	case FormatYAML:
		return yaml.Marshal(c)
	case FormatJSON, "":
		return json.MarshalIndent(c, "", "  ")
	}
	return nil, fmt.Errorf("unsupported configuration format: %s", format)
}

// Unmarshal decodes a configuration document. Fields absent from the
// document keep their defaults.
func Unmarshal(data []byte, format Format) (*Configuration, error) {
	cfg := NewDefault()
	cfg.TTLStrategies = nil

	var err error
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(data, cfg)
	case FormatJSON, "":
		err = json.Unmarshal(data, cfg)
	default:
		err = fmt.Errorf("unsupported configuration format: %s", format)
	}
	if err != nil {
		return nil, fleeterrors.NewError(fleeterrors.ErrCodeConfigImport, "failed to parse configuration").WithCause(err)
	}

	if cfg.TTLStrategies == nil {
		cfg.TTLStrategies = DefaultTTLStrategies()
	}
	return cfg, nil
}

// LoadFromFile loads a configuration document, choosing the format by extension.
func LoadFromFile(filename string) (*Configuration, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Unmarshal(data, formatForPath(filename))
}

// SaveToFile writes the configuration, choosing the format by extension.
func (c *Configuration) SaveToFile(filename string) error {
	data, err := c.Marshal(formatForPath(filename))
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func formatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	}
	return FormatJSON
}
