package config

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	fleeterrors "github.com/redisfleet/redisfleet/pkg/errors"
)

type instanceSlot struct {
	prefix      string
	id          string
	name        string
	priority    Priority
	defaultPort int
	categories  []Category
}

var instanceSlots = []instanceSlot{
	{
		prefix: "REDIS_PRIMARY", id: "primary", name: "Primary Redis Instance",
		priority: PriorityPrimary, defaultPort: 6379,
		categories: []Category{CategoryAuth, CategoryOrder, CategoryNotifications, CategoryAnalytics},
	},
	{
		prefix: "REDIS_SECONDARY", id: "secondary", name: "Secondary Redis Instance",
		priority: PrioritySecondary, defaultPort: 6380,
		categories: []Category{CategoryUser, CategoryMenu, CategoryML, CategoryCache},
	},
	{
		prefix: "REDIS_TERTIARY", id: "tertiary", name: "Tertiary Redis Instance",
		priority: PriorityTertiary, defaultPort: 6381,
		categories: []Category{CategoryDefault},
	},
}

// Load builds and validates a configuration from environment-style input.
// A nil viper reads the process environment.
func Load(v *viper.Viper) (*Configuration, error) {
	if v == nil {
		v = viper.New()
	}
	v.AutomaticEnv()

	cfg := NewDefault()

	for _, slot := range instanceSlots {
		if v.GetString(slot.prefix+"_URL") == "" && v.GetString(slot.prefix+"_HOST") == "" {
			continue
		}
		cfg.Instances = append(cfg.Instances, loadInstance(v, slot))
	}

	if len(cfg.Instances) == 0 {
		cfg.Instances = append(cfg.Instances, loadInstance(v, instanceSlot{
			prefix: "REDIS", id: "default", name: "Default Redis Instance",
			priority: PriorityPrimary, defaultPort: 6379,
			categories: AllCategories(),
		}))
	}

	if err := loadPolicies(v, cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadInstance(v *viper.Viper, slot instanceSlot) InstanceConfig {
	inst := NewInstance(slot.id, slot.name, slot.priority, slot.defaultPort, slot.categories...)
	inst.URL = v.GetString(slot.prefix + "_URL")

	// Host and port come from the URL unless set explicitly.
	if inst.URL != "" {
		if u, err := url.Parse(inst.URL); err == nil && u.Hostname() != "" {
			inst.Host = u.Hostname()
			if p, err := strconv.Atoi(u.Port()); err == nil {
				inst.Port = p
			}
		}
	}

	inst.Host = getString(v, slot.prefix+"_HOST", inst.Host)
	inst.Port = getInt(v, slot.prefix+"_PORT", inst.Port)
	inst.Password = v.GetString(slot.prefix + "_PASSWORD")
	inst.Username = getString(v, slot.prefix+"_USERNAME", inst.Username)
	inst.DB = getInt(v, slot.prefix+"_DB", 0)
	inst.MaxMemoryMB = getInt(v, slot.prefix+"_MAX_MEMORY", inst.MaxMemoryMB)
	return inst
}

func loadPolicies(v *viper.Viper, cfg *Configuration) error {
	lb := &cfg.LoadBalancing
	if raw := v.GetString("REDIS_LOAD_BALANCE_STRATEGY"); raw != "" {
		st, err := ParseStrategy(raw)
		if err != nil {
			return fleeterrors.NewConfigurationError("%v", err)
		}
		lb.Strategy = st
	}
	lb.CapacityThreshold = getFloat(v, "REDIS_CAPACITY_THRESHOLD", lb.CapacityThreshold)
	lb.RebalanceEnabled = getBool(v, "REDIS_REBALANCE_ENABLED", lb.RebalanceEnabled)
	lb.RebalanceInterval = getSeconds(v, "REDIS_REBALANCE_INTERVAL", lb.RebalanceInterval)
	lb.EmergencyThreshold = getFloat(v, "REDIS_EMERGENCY_THRESHOLD", lb.EmergencyThreshold)
	lb.HealthCheckWeight = getFloat(v, "REDIS_HEALTH_CHECK_WEIGHT", lb.HealthCheckWeight)
	lb.RebalanceSampleKeys = getInt(v, "FLEET_REBALANCE_SAMPLE_KEYS", lb.RebalanceSampleKeys)

	mon := &cfg.Monitoring
	mon.Enabled = getBool(v, "REDIS_MONITORING_ENABLED", mon.Enabled)
	mon.MetricsInterval = getSeconds(v, "REDIS_METRICS_INTERVAL", mon.MetricsInterval)
	mon.AlertThresholds.MemoryUsage = getFloat(v, "REDIS_ALERT_MEMORY_THRESHOLD", mon.AlertThresholds.MemoryUsage)
	mon.AlertThresholds.ResponseTime = getFloat(v, "REDIS_ALERT_RESPONSE_TIME", mon.AlertThresholds.ResponseTime)
	mon.AlertThresholds.ErrorRate = getFloat(v, "REDIS_ALERT_ERROR_RATE", mon.AlertThresholds.ErrorRate)

	fb := &cfg.Fallback
	fb.Enabled = getBool(v, "REDIS_FALLBACK_ENABLED", fb.Enabled)
	fb.InMemoryCache = getBool(v, "REDIS_FALLBACK_IN_MEMORY", fb.InMemoryCache)
	fb.MaxItems = getInt(v, "REDIS_FALLBACK_MAX_ITEMS", fb.MaxItems)

	cfg.Logging.Level = getString(v, "FLEET_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getString(v, "FLEET_LOG_FORMAT", cfg.Logging.Format)
	cfg.Server.Address = getString(v, "FLEET_API_ADDRESS", cfg.Server.Address)
	cfg.Server.MetricsEnabled = getBool(v, "FLEET_METRICS_ENABLED", cfg.Server.MetricsEnabled)

	ar := &cfg.Archive
	ar.Bucket = v.GetString("FLEET_ARCHIVE_BUCKET")
	ar.Region = getString(v, "FLEET_ARCHIVE_REGION", "us-east-1")
	ar.Endpoint = v.GetString("FLEET_ARCHIVE_ENDPOINT")
	ar.Prefix = getString(v, "FLEET_ARCHIVE_PREFIX", "redisfleet/")
	ar.ForcePathStyle = getBool(v, "FLEET_ARCHIVE_FORCE_PATH_STYLE", false)
	ar.AccessKeyID = v.GetString("FLEET_ARCHIVE_ACCESS_KEY_ID")
	ar.SecretAccessKey = v.GetString("FLEET_ARCHIVE_SECRET_ACCESS_KEY")

	return nil
}

// Helper methods

func getString(v *viper.Viper, key, def string) string {
	if s := strings.TrimSpace(v.GetString(key)); s != "" {
		return s
	}
	return def
}

func getInt(v *viper.Viper, key string, def int) int {
	if n, err := strconv.Atoi(strings.TrimSpace(v.GetString(key))); err == nil {
		return n
	}
	return def
}

func getFloat(v *viper.Viper, key string, def float64) float64 {
	if f, err := strconv.ParseFloat(strings.TrimSpace(v.GetString(key)), 64); err == nil {
		return f
	}
	return def
}

// getBool treats anything other than "true" as false once the key is set.
func getBool(v *viper.Viper, key string, def bool) bool {
	s := strings.TrimSpace(v.GetString(key))
	if s == "" {
		return def
	}
	return strings.EqualFold(s, "true")
}

func getSeconds(v *viper.Viper, key string, def time.Duration) time.Duration {
	if n, err := strconv.Atoi(strings.TrimSpace(v.GetString(key))); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return def
}
