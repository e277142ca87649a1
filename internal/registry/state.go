package registry

import (
	"time"
)

// ConnectionState is the lifecycle state of an instance connection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReady
	StateReconnecting
	StateError
)

// String returns the string representation of connection state
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// MemoryStats describes instance memory use. Percentage is derived from
// Used and Max on every update.
type MemoryStats struct {
	Used       int64   `json:"used"`
	Max        int64   `json:"max"`
	Percentage float64 `json:"percentage"`
}

func newMemoryStats(used, max int64) MemoryStats {
	m := MemoryStats{Used: used, Max: max}
	if max > 0 {
		m.Percentage = float64(used) / float64(max) * 100
	}
	return m
}

// PerformanceStats is the last completed performance window.
type PerformanceStats struct {
	AvgResponseTime     float64 `json:"avgResponseTime"` // ms
	ErrorRate           float64 `json:"errorRate"`       // percent
	OperationsPerSecond float64 `json:"operationsPerSecond"`
}

// InstanceStats are lifetime counters.
type InstanceStats struct {
	TotalConnections int64         `json:"totalConnections"`
	TotalOperations  int64         `json:"totalOperations"`
	TotalErrors      int64         `json:"totalErrors"`
	Hits             int64         `json:"hits"`
	Misses           int64         `json:"misses"`
	Uptime           time.Duration `json:"uptime"`
	LastError        string        `json:"lastError,omitempty"`
}

// InstanceStatus is a point-in-time view of one instance.
type InstanceStatus struct {
	ID              string           `json:"id"`
	State           ConnectionState  `json:"state"`
	IsConnected     bool             `json:"isConnected"`
	IsHealthy       bool             `json:"isHealthy"`
	LastHealthCheck time.Time        `json:"lastHealthCheck"`
	ConnectionCount int              `json:"connectionCount"`
	Memory          MemoryStats      `json:"memory"`
	Performance     PerformanceStats `json:"performance"`
	Stats           InstanceStats    `json:"stats"`
}

// CacheHitRate returns hits/(hits+misses) as a percentage.
func (s InstanceStatus) CacheHitRate() float64 {
	total := s.Stats.Hits + s.Stats.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Stats.Hits) / float64(total) * 100
}
