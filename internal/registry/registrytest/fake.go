// Package registrytest provides an in-memory registry.Client for tests.
package registrytest

import (
	"context"
	"errors"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redisfleet/redisfleet/internal/config"
	"github.com/redisfleet/redisfleet/internal/registry"
)

// ErrInjected is returned by operations forced to fail.
var ErrInjected = errors.New("injected failure")

type entry struct {
	value    string
	expireAt time.Time
}

// FakeClient is a goroutine-safe in-memory Client with failure injection.
// Dump payloads are the stored value prefixed with "dump:".
type FakeClient struct {
	mu             sync.Mutex
	data           map[string]entry
	usedMemory     int64
	pingErr        error
	opErr          error
	restoreFailFor map[string]bool
	closed         bool
	now            func() time.Time

	PingCount int
}

// NewFakeClient returns an empty client.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		data:           make(map[string]entry),
		restoreFailFor: make(map[string]bool),
		now:            time.Now,
	}
}

// SetUsedMemory sets the value MemoryUsed reports.
func (f *FakeClient) SetUsedMemory(bytes int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usedMemory = bytes
}

// FailPing makes Ping return err; nil restores it.
func (f *FakeClient) FailPing(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr = err
}

// FailOps makes every data command return err; nil restores them.
func (f *FakeClient) FailOps(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opErr = err
}

// FailRestore makes RESTORE of key fail.
func (f *FakeClient) FailRestore(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restoreFailFor[key] = true
}

// Keys returns the live keys in sorted order.
func (f *FakeClient) Keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.data))
	for k := range f.data {
		if f.liveLocked(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Put stores a key directly.
func (f *FakeClient) Put(key, value string, ttl time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putLocked(key, value, ttl)
}

// Value returns a stored value directly.
func (f *FakeClient) Value(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.liveLocked(key) {
		return "", false
	}
	return f.data[key].value, true
}

// TTL returns the remaining TTL of a stored key, or 0 without expiry.
func (f *FakeClient) TTL(key string) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.data[key]
	if !ok || e.expireAt.IsZero() {
		return 0
	}
	return e.expireAt.Sub(f.now())
}

func (f *FakeClient) putLocked(key, value string, ttl time.Duration) {
	e := entry{value: value}
	if ttl > 0 {
		e.expireAt = f.now().Add(ttl)
	}
	f.data[key] = e
}

func (f *FakeClient) liveLocked(key string) bool {
	e, ok := f.data[key]
	if !ok {
		return false
	}
	if !e.expireAt.IsZero() && !f.now().Before(e.expireAt) {
		delete(f.data, key)
		return false
	}
	return true
}

func (f *FakeClient) check() error {
	if f.closed {
		return errors.New("client closed")
	}
	return f.opErr
}

func (f *FakeClient) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PingCount++
	if err := ctx.Err(); err != nil {
		return err
	}
	return f.pingErr
}

func (f *FakeClient) MemoryUsed(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pingErr != nil {
		return 0, f.pingErr
	}
	return f.usedMemory, nil
}

func (f *FakeClient) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return "", false, err
	}
	if !f.liveLocked(key) {
		return "", false, nil
	}
	return f.data[key].value, true, nil
}

func (f *FakeClient) Set(_ context.Context, key, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return err
	}
	f.putLocked(key, value, ttl)
	return nil
}

func (f *FakeClient) Del(_ context.Context, keys ...string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return 0, err
	}
	var n int64
	for _, k := range keys {
		if f.liveLocked(k) {
			delete(f.data, k)
			n++
		}
	}
	return n, nil
}

func (f *FakeClient) Exists(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return false, err
	}
	return f.liveLocked(key), nil
}

func (f *FakeClient) IncrBy(_ context.Context, key string, delta int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return 0, err
	}
	var cur int64
	e, ok := f.data[key]
	if ok && f.liveLocked(key) {
		n, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return 0, errors.New("ERR value is not an integer or out of range")
		}
		cur = n
	} else {
		e = entry{}
	}
	cur += delta
	e.value = strconv.FormatInt(cur, 10)
	f.data[key] = e
	return cur, nil
}

func (f *FakeClient) Expire(_ context.Context, key string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return err
	}
	if f.liveLocked(key) {
		e := f.data[key]
		e.expireAt = f.now().Add(ttl)
		f.data[key] = e
	}
	return nil
}

func (f *FakeClient) Dump(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return "", false, err
	}
	return f.dumpLocked(key)
}

func (f *FakeClient) dumpLocked(key string) (string, bool, error) {
	if !f.liveLocked(key) {
		return "", false, nil
	}
	return "dump:" + f.data[key].value, true, nil
}

func (f *FakeClient) PTTL(_ context.Context, key string) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return 0, err
	}
	return f.pttlLocked(key), nil
}

func (f *FakeClient) pttlLocked(key string) time.Duration {
	if !f.liveLocked(key) {
		return -2
	}
	e := f.data[key]
	if e.expireAt.IsZero() {
		return -1
	}
	return e.expireAt.Sub(f.now())
}

func (f *FakeClient) Restore(_ context.Context, key string, ttl time.Duration, payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return err
	}
	return f.restoreLocked(key, ttl, payload)
}

func (f *FakeClient) restoreLocked(key string, ttl time.Duration, payload string) error {
	if f.restoreFailFor[key] {
		return ErrInjected
	}
	if f.liveLocked(key) {
		return errors.New("BUSYKEY Target key name already exists.")
	}
	if len(payload) < 5 || payload[:5] != "dump:" {
		return errors.New("ERR DUMP payload version or checksum are wrong")
	}
	f.putLocked(key, payload[5:], ttl)
	return nil
}

func (f *FakeClient) RandomKey(_ context.Context) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return "", false, err
	}
	for k := range f.data {
		if f.liveLocked(k) {
			return k, true, nil
		}
	}
	return "", false, nil
}

// Scan returns every matching key in one page.
func (f *FakeClient) Scan(_ context.Context, _ uint64, match string, _ int64) ([]string, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return nil, 0, err
	}
	var keys []string
	for k := range f.data {
		if !f.liveLocked(k) {
			continue
		}
		if ok, _ := path.Match(match, k); ok || match == "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, 0, nil
}

func (f *FakeClient) FlushDB(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return err
	}
	f.data = make(map[string]entry)
	return nil
}

func (f *FakeClient) Exec(_ context.Context, cmds []registry.Command) ([]registry.CommandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return nil, err
	}
	results := make([]registry.CommandResult, len(cmds))
	for i, cmd := range cmds {
		switch cmd.Kind {
		case registry.CmdGet:
			if f.liveLocked(cmd.Key) {
				results[i] = registry.CommandResult{Value: f.data[cmd.Key].value, Found: true}
			}
		case registry.CmdSet:
			f.putLocked(cmd.Key, cmd.Value, cmd.TTL)
		case registry.CmdDel:
			if f.liveLocked(cmd.Key) {
				delete(f.data, cmd.Key)
				results[i].Found = true
			}
		case registry.CmdDump:
			v, ok, _ := f.dumpLocked(cmd.Key)
			results[i] = registry.CommandResult{Value: v, Found: ok}
		case registry.CmdPTTL:
			results[i] = registry.CommandResult{TTL: f.pttlLocked(cmd.Key)}
		case registry.CmdRestore:
			results[i].Err = f.restoreLocked(cmd.Key, cmd.TTL, cmd.Payload)
		default:
			results[i].Err = errors.New("unsupported command")
		}
	}
	return results, nil
}

func (f *FakeClient) PoolStats() registry.PoolStats {
	return registry.PoolStats{TotalConns: 1, IdleConns: 1}
}

func (f *FakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Fleet hands out one FakeClient per instance id, shared by every pooled
// connection of that instance.
type Fleet struct {
	mu      sync.Mutex
	clients map[string]*FakeClient
}

// NewFleet returns an empty fleet.
func NewFleet() *Fleet {
	return &Fleet{clients: make(map[string]*FakeClient)}
}

// Client returns the fake for id, creating it on first use.
func (fl *Fleet) Client(id string) *FakeClient {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	c, ok := fl.clients[id]
	if !ok {
		c = NewFakeClient()
		fl.clients[id] = c
	}
	return c
}

// Factory is a registry.ClientFactory over the fleet. Closing one pooled
// connection does not close the shared fake.
func (fl *Fleet) Factory() registry.ClientFactory {
	return func(ic config.InstanceConfig) (registry.Client, error) {
		return &sharedClient{FakeClient: fl.Client(ic.ID)}, nil
	}
}

type sharedClient struct {
	*FakeClient
}

func (s *sharedClient) Close() error { return nil }

// Instance returns an instance config suitable for tests: fast retries and
// short timeouts.
func Instance(id string, maxMemoryMB int, categories ...config.Category) config.InstanceConfig {
	ic := config.NewInstance(id, id, config.PriorityPrimary, 6379, categories...)
	ic.MaxMemoryMB = maxMemoryMB
	ic.RetryDelay = time.Millisecond
	ic.MaxRetries = 0
	ic.ConnectTimeout = 50 * time.Millisecond
	ic.CommandTimeout = time.Second
	ic.HealthCheckInterval = time.Hour
	return ic
}

// MB converts megabytes to bytes.
func MB(n float64) int64 {
	return int64(n * 1024 * 1024)
}
