package registry

import (
	"context"
	"time"

	"github.com/redisfleet/redisfleet/internal/config"
)

// Client is the command surface the fleet needs from one Redis connection.
// Lookups of absent keys report found=false with a nil error.
type Client interface {
	Ping(ctx context.Context) error
	MemoryUsed(ctx context.Context) (int64, error)

	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) (int64, error)
	Exists(ctx context.Context, key string) (bool, error)
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	Dump(ctx context.Context, key string) (string, bool, error)
	// PTTL returns a non-positive duration when the key has no expiry.
	PTTL(ctx context.Context, key string) (time.Duration, error)
	// Restore fails if the key already exists.
	Restore(ctx context.Context, key string, ttl time.Duration, payload string) error
	RandomKey(ctx context.Context) (string, bool, error)
	Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error)
	FlushDB(ctx context.Context) error

	// Exec runs cmds in one round-trip. Per-command failures are reported
	// in the results; the returned error means the round-trip itself failed.
	Exec(ctx context.Context, cmds []Command) ([]CommandResult, error)

	PoolStats() PoolStats
	Close() error
}

// ClientFactory opens a client for an instance.
type ClientFactory func(ic config.InstanceConfig) (Client, error)

// CommandKind enumerates pipelined commands.
type CommandKind int

const (
	CmdGet CommandKind = iota
	CmdSet
	CmdDel
	CmdDump
	CmdPTTL
	CmdRestore
)

// String returns the Redis verb.
func (k CommandKind) String() string {
	switch k {
	case CmdGet:
		return "GET"
	case CmdSet:
		return "SET"
	case CmdDel:
		return "DEL"
	case CmdDump:
		return "DUMP"
	case CmdPTTL:
		return "PTTL"
	case CmdRestore:
		return "RESTORE"
	default:
		return "UNKNOWN"
	}
}

// Command is one pipelined command.
type Command struct {
	Kind    CommandKind
	Key     string
	Value   string
	TTL     time.Duration
	Payload string
}

// CommandResult is the outcome of one pipelined command. Found is set by
// GET and DUMP hits and by DEL when a key was removed.
type CommandResult struct {
	Value string
	Found bool
	TTL   time.Duration
	Err   error
}

// PoolStats mirrors the driver's connection pool counters.
type PoolStats struct {
	TotalConns uint32 `json:"totalConns"`
	IdleConns  uint32 `json:"idleConns"`
	Hits       uint32 `json:"hits"`
	Misses     uint32 `json:"misses"`
	Timeouts   uint32 `json:"timeouts"`
}
