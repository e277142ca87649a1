package cache

import (
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	fleeterrors "github.com/redisfleet/redisfleet/pkg/errors"
)

type fallbackEntry struct {
	value  string
	expiry time.Time // zero means no expiry
}

func (e *fallbackEntry) expired(now time.Time) bool {
	return !e.expiry.IsZero() && !now.Before(e.expiry)
}

// Fallback is a bounded in-process map used only when no instance can
// serve a request. When full, the oldest inserted entry is evicted. Reads
// and overwrites never change eviction order.
type Fallback struct {
	mu      sync.Mutex
	items   *simplelru.LRU[string, *fallbackEntry]
	maxSize int
	now     func() time.Time

	hits   int64
	misses int64
}

// FallbackStats describes the fallback map.
type FallbackStats struct {
	Size    int     `json:"size"`
	MaxSize int     `json:"maxSize"`
	HitRate float64 `json:"hitRate"`
}

// NewFallback creates a fallback map holding at most maxItems entries.
func NewFallback(maxItems int, now func() time.Time) (*Fallback, error) {
	if maxItems <= 0 {
		return nil, fleeterrors.NewValidationError("fallback max items must be positive")
	}
	items, err := simplelru.NewLRU[string, *fallbackEntry](maxItems, nil)
	if err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	return &Fallback{items: items, maxSize: maxItems, now: now}, nil
}

// Set stores value for ttl. A non-positive ttl never expires.
func (f *Fallback) Set(key, value string, ttl time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.storeLocked(key, value, ttl)
}

// storeLocked updates an existing entry in place so it keeps its position.
func (f *Fallback) storeLocked(key, value string, ttl time.Duration) {
	var expiry time.Time
	if ttl > 0 {
		expiry = f.now().Add(ttl)
	}
	if e, ok := f.items.Peek(key); ok {
		e.value, e.expiry = value, expiry
		return
	}
	f.items.Add(key, &fallbackEntry{value: value, expiry: expiry})
}

// Get returns the live value at key.
func (f *Fallback) Get(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.liveLocked(key)
	if !ok {
		f.misses++
		return "", false
	}
	f.hits++
	return e.value, true
}

// Exists reports whether key holds a live value.
func (f *Fallback) Exists(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.liveLocked(key)
	return ok
}

// Delete removes key and reports whether a live value was removed.
func (f *Fallback) Delete(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, live := f.liveLocked(key)
	f.items.Remove(key)
	return live
}

// IncrBy adds delta to the integer at key, treating a missing key as 0.
func (f *Fallback) IncrBy(key string, delta int64, ttl time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var n int64
	if e, ok := f.liveLocked(key); ok {
		cur, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return 0, fleeterrors.NewValidationError("value at %q is not an integer", key)
		}
		n = cur
	}
	n += delta

	f.storeLocked(key, strconv.FormatInt(n, 10), ttl)
	return n, nil
}

// Cleanup drops expired entries and returns how many were removed.
func (f *Fallback) Cleanup() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	removed := 0
	for _, key := range f.items.Keys() {
		if e, ok := f.items.Peek(key); ok && e.expired(now) {
			f.items.Remove(key)
			removed++
		}
	}
	return removed
}

// Clear empties the map.
func (f *Fallback) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items.Purge()
}

// Len returns the number of stored entries, expired or not.
func (f *Fallback) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.items.Len()
}

// Stats returns size and hit rate as a percentage.
func (f *Fallback) Stats() FallbackStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := FallbackStats{Size: f.items.Len(), MaxSize: f.maxSize}
	if total := f.hits + f.misses; total > 0 {
		s.HitRate = float64(f.hits) / float64(total) * 100
	}
	return s
}

func (f *Fallback) liveLocked(key string) (*fallbackEntry, bool) {
	e, ok := f.items.Peek(key)
	if !ok {
		return nil, false
	}
	if e.expired(f.now()) {
		f.items.Remove(key)
		return nil, false
	}
	return e, true
}
