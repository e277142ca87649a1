package registry

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/redisfleet/redisfleet/internal/config"
)

// minIdleConns keeps a small warm pool per instance.
const minIdleConns = 2

// RedisClient implements Client on go-redis.
type RedisClient struct {
	rdb *redis.Client
}

// NewRedisClient builds a client from an instance config without dialing.
func NewRedisClient(ic config.InstanceConfig) (Client, error) {
	var opts *redis.Options
	if ic.URL != "" {
		parsed, err := redis.ParseURL(ic.URL)
		if err != nil {
			return nil, fmt.Errorf("parse url for %s: %w", ic.ID, err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{
			Addr:     ic.Address(),
			Username: ic.Username,
			Password: ic.Password,
			DB:       ic.DB,
		}
		// Username without a password would make go-redis send AUTH.
		if ic.Password == "" {
			opts.Username = ""
		}
	}

	opts.DialTimeout = ic.ConnectTimeout
	opts.ReadTimeout = ic.CommandTimeout
	opts.WriteTimeout = ic.CommandTimeout
	opts.MaxRetries = ic.MaxRetries
	if ic.RetryDelay > 0 {
		opts.MinRetryBackoff = ic.RetryDelay
	}
	opts.MinIdleConns = minIdleConns

	return &RedisClient{rdb: redis.NewClient(opts)}, nil
}

func (c *RedisClient) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// MemoryUsed reads used_memory from INFO memory.
func (c *RedisClient) MemoryUsed(ctx context.Context) (int64, error) {
	info, err := c.rdb.Info(ctx, "memory").Result()
	if err != nil {
		return 0, err
	}
	return parseUsedMemory(info)
}

func (c *RedisClient) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (c *RedisClient) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

func (c *RedisClient) Del(ctx context.Context, keys ...string) (int64, error) {
	return c.rdb.Del(ctx, keys...).Result()
}

func (c *RedisClient) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

func (c *RedisClient) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return c.rdb.IncrBy(ctx, key, delta).Result()
}

func (c *RedisClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.rdb.Expire(ctx, key, ttl).Err()
}

func (c *RedisClient) Dump(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.Dump(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (c *RedisClient) PTTL(ctx context.Context, key string) (time.Duration, error) {
	return c.rdb.PTTL(ctx, key).Result()
}

func (c *RedisClient) Restore(ctx context.Context, key string, ttl time.Duration, payload string) error {
	return c.rdb.Restore(ctx, key, positive(ttl), payload).Err()
}

func (c *RedisClient) RandomKey(ctx context.Context) (string, bool, error) {
	key, err := c.rdb.RandomKey(ctx).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return key, true, nil
}

func (c *RedisClient) Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	return c.rdb.Scan(ctx, cursor, match, count).Result()
}

func (c *RedisClient) FlushDB(ctx context.Context) error {
	return c.rdb.FlushDB(ctx).Err()
}

func (c *RedisClient) Exec(ctx context.Context, cmds []Command) ([]CommandResult, error) {
	if len(cmds) == 0 {
		return nil, nil
	}

	pipe := c.rdb.Pipeline()
	queued := make([]redis.Cmder, len(cmds))
	for i, cmd := range cmds {
		switch cmd.Kind {
		case CmdGet:
			queued[i] = pipe.Get(ctx, cmd.Key)
		case CmdSet:
			queued[i] = pipe.Set(ctx, cmd.Key, cmd.Value, cmd.TTL)
		case CmdDel:
			queued[i] = pipe.Del(ctx, cmd.Key)
		case CmdDump:
			queued[i] = pipe.Dump(ctx, cmd.Key)
		case CmdPTTL:
			queued[i] = pipe.PTTL(ctx, cmd.Key)
		case CmdRestore:
			queued[i] = pipe.Restore(ctx, cmd.Key, positive(cmd.TTL), cmd.Payload)
		default:
			return nil, fmt.Errorf("unsupported pipelined command %v", cmd.Kind)
		}
	}

	_, err := pipe.Exec(ctx)
	if err != nil && !isReplyError(err) {
		return nil, err
	}

	results := make([]CommandResult, len(cmds))
	for i, q := range queued {
		results[i] = toResult(q)
	}
	return results, nil
}

func (c *RedisClient) PoolStats() PoolStats {
	s := c.rdb.PoolStats()
	return PoolStats{
		TotalConns: s.TotalConns,
		IdleConns:  s.IdleConns,
		Hits:       s.Hits,
		Misses:     s.Misses,
		Timeouts:   s.Timeouts,
	}
}

func (c *RedisClient) Close() error {
	return c.rdb.Close()
}

func toResult(q redis.Cmder) CommandResult {
	switch cmd := q.(type) {
	case *redis.StringCmd:
		val, err := cmd.Result()
		if errors.Is(err, redis.Nil) {
			return CommandResult{}
		}
		return CommandResult{Value: val, Found: err == nil, Err: err}
	case *redis.IntCmd:
		n, err := cmd.Result()
		return CommandResult{Found: n > 0, Err: err}
	case *redis.DurationCmd:
		d, err := cmd.Result()
		return CommandResult{TTL: d, Err: err}
	default:
		return CommandResult{Err: q.Err()}
	}
}

// isReplyError reports whether err came from a server reply rather than
// the transport, so the pipeline as a whole still ran.
func isReplyError(err error) bool {
	if errors.Is(err, redis.Nil) {
		return true
	}
	var rerr redis.Error
	return errors.As(err, &rerr)
}

func positive(ttl time.Duration) time.Duration {
	if ttl > 0 {
		return ttl
	}
	return 0
}

// parseUsedMemory extracts used_memory from an INFO memory payload.
func parseUsedMemory(info string) (int64, error) {
	scanner := bufio.NewScanner(strings.NewReader(info))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if v, ok := strings.CutPrefix(line, "used_memory:"); ok {
			return strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		}
	}
	return 0, fmt.Errorf("used_memory not found in INFO output")
}
