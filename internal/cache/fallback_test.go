package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fleeterrors "github.com/redisfleet/redisfleet/pkg/errors"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *clock {
	return &clock{t: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
}

func TestFallbackEvictsOldestInsert(t *testing.T) {
	fb, err := NewFallback(2, nil)
	require.NoError(t, err)

	fb.Set("a", "1", 0)
	fb.Set("b", "2", 0)

	// Reads must not refresh a.
	_, ok := fb.Get("a")
	require.True(t, ok)

	fb.Set("c", "3", 0)

	assert.False(t, fb.Exists("a"))
	assert.True(t, fb.Exists("b"))
	assert.True(t, fb.Exists("c"))
	assert.Equal(t, 2, fb.Len())
}

func TestFallbackOverwriteKeepsInsertionOrder(t *testing.T) {
	fb, err := NewFallback(2, nil)
	require.NoError(t, err)

	fb.Set("a", "1", 0)
	fb.Set("b", "2", 0)
	fb.Set("a", "1b", 0)
	_, err = fb.IncrBy("counter", 1, 0)
	require.NoError(t, err)

	assert.False(t, fb.Exists("a"), "a was inserted first")
	assert.True(t, fb.Exists("b"))

	fb.Set("b", "2b", 0)
	v, ok := fb.Get("b")
	require.True(t, ok)
	assert.Equal(t, "2b", v)
	fb.Set("c", "3", 0)
	assert.False(t, fb.Exists("b"))
	assert.True(t, fb.Exists("counter"))
}

func TestFallbackExpiry(t *testing.T) {
	clk := newClock()
	fb, err := NewFallback(10, clk.now)
	require.NoError(t, err)

	fb.Set("short", "x", time.Second)
	fb.Set("forever", "y", 0)
	clk.advance(2 * time.Second)

	assert.Equal(t, 1, fb.Cleanup())
	assert.Equal(t, 1, fb.Len())

	_, ok := fb.Get("short")
	assert.False(t, ok)
	v, ok := fb.Get("forever")
	assert.True(t, ok)
	assert.Equal(t, "y", v)
}

func TestFallbackIncrBy(t *testing.T) {
	fb, err := NewFallback(10, nil)
	require.NoError(t, err)

	n, err := fb.IncrBy("counter", 3, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = fb.IncrBy("counter", -1, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	fb.Set("text", "abc", 0)
	_, err = fb.IncrBy("text", 1, 0)
	assert.ErrorIs(t, err, fleeterrors.ErrValidation)
}

func TestFallbackStats(t *testing.T) {
	fb, err := NewFallback(5, nil)
	require.NoError(t, err)

	fb.Set("k", "v", 0)
	fb.Get("k")
	fb.Get("missing")

	s := fb.Stats()
	assert.Equal(t, 1, s.Size)
	assert.Equal(t, 5, s.MaxSize)
	assert.InDelta(t, 50.0, s.HitRate, 0.001)

	assert.True(t, fb.Delete("k"))
	assert.False(t, fb.Delete("k"))
	fb.Set("k2", "v", 0)
	fb.Clear()
	assert.Zero(t, fb.Len())
}

func TestNewFallbackRejectsZeroSize(t *testing.T) {
	_, err := NewFallback(0, nil)
	assert.ErrorIs(t, err, fleeterrors.ErrValidation)
}
