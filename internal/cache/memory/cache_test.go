package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/wiki-circuit/internal/cache"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCache(t *testing.T, maxEntries int) (*Cache[string], *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c, err := New[string](cache.Options{
		MaxEntries:    maxEntries,
		MaxAge:        time.Minute,
		PurgeInterval: 10 * time.Second,
		Clock:         clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, c.Dispose(context.Background()))
	})
	return c, clock
}

func TestNewRejectsInvalidOptions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opts cache.Options
	}{
		{"negative max entries", cache.Options{MaxEntries: -1, MaxAge: time.Minute, PurgeInterval: 10 * time.Second}},
		{"purge interval below floor", cache.Options{MaxAge: time.Minute, PurgeInterval: 5 * time.Second}},
		{"max age equal to purge interval", cache.Options{MaxAge: 10 * time.Second, PurgeInterval: 10 * time.Second}},
		{"max age below purge interval", cache.Options{MaxAge: 10 * time.Second, PurgeInterval: 20 * time.Second}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c, err := New[string](tc.opts)
			require.ErrorIs(t, err, cache.ErrInvalidOptions)
			require.Nil(t, c)
		})
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, _ := newTestCache(t, 0)

	_, ok, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.Equal(t, cache.WriteSuccess, c.Set(ctx, "k1", "v1"))
	value, ok, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", value)
}

func TestSizeBoundNeverExceeded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, _ := newTestCache(t, 3)

	for i := range 20 {
		c.Set(ctx, fmt.Sprintf("k%d", i%7), "v")
		keys, err := c.Keys(ctx)
		require.NoError(t, err)
		require.LessOrEqual(t, len(keys), 3)
	}
}

func TestFIFOEviction(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, _ := newTestCache(t, 2)

	c.Set(ctx, "k1", "a")
	c.Set(ctx, "k2", "b")
	c.Set(ctx, "k3", "c")

	keys, err := c.Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"k2", "k3"}, keys)
	_, ok, _ := c.Get(ctx, "k1")
	require.False(t, ok)
}

func TestOverwriteRefreshesEvictionOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, _ := newTestCache(t, 2)

	c.Set(ctx, "k1", "a")
	c.Set(ctx, "k2", "b")
	c.Set(ctx, "k1", "a2")
	c.Set(ctx, "k3", "c")

	keys, err := c.Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"k1", "k3"}, keys)
	value, ok, _ := c.Get(ctx, "k1")
	require.True(t, ok)
	require.Equal(t, "a2", value)
}

func TestPurgeExpiresByAge(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, clock := newTestCache(t, 0)

	c.Set(ctx, "old", "v")
	clock.Advance(30 * time.Second)
	c.Set(ctx, "young", "v")

	clock.Advance(30*time.Second - time.Millisecond)
	c.Purge(ctx)
	_, ok, _ := c.Get(ctx, "old")
	require.True(t, ok, "entry must survive just before max age")

	clock.Advance(2 * time.Millisecond)
	c.Purge(ctx)
	_, ok, _ = c.Get(ctx, "old")
	require.False(t, ok, "entry must be gone just after max age")
	_, ok, _ = c.Get(ctx, "young")
	require.True(t, ok)
}

func TestDeleteAbsentKeyFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, _ := newTestCache(t, 0)

	require.Equal(t, cache.WriteFailure, c.Delete(ctx, "nope"))

	c.Set(ctx, "k", "v")
	require.Equal(t, cache.WriteSuccess, c.Delete(ctx, "k"))
	require.Equal(t, cache.WriteFailure, c.Delete(ctx, "k"))
	require.Zero(t, c.Len())
}

func TestKeysReturnsSnapshot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, _ := newTestCache(t, 0)

	c.Set(ctx, "a", "1")
	keys, err := c.Keys(ctx)
	require.NoError(t, err)
	c.Set(ctx, "b", "2")
	keys[0] = "mutated"

	again, err := c.Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, again)
	require.Len(t, keys, 1)
}

func TestDisposeIsIdempotent(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(t, 0)
	require.NoError(t, c.Dispose(context.Background()))
}
