package rediscache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
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

type brokenSerializer struct{}

func (brokenSerializer) Marshal(string) ([]byte, error) { return nil, errors.New("boom") }

func (brokenSerializer) Unmarshal([]byte) (string, error) { return "", errors.New("boom") }

func testOptions(clock cache.Clock, maxEntries int) cache.Options {
	return cache.Options{
		MaxEntries:    maxEntries,
		MaxAge:        time.Minute,
		PurgeInterval: 10 * time.Second,
		Clock:         clock,
	}
}

func newTier(t *testing.T, mr *miniredis.Miniredis, origin string, maxEntries int) (*Cache[string], *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c, err := New[string](
		context.Background(),
		client,
		cache.JSONSerializer[string]{},
		Config{KeyPrefix: "test", Origin: origin},
		testOptions(clock, maxEntries),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.Dispose(context.Background())
	})
	return c, clock
}

func TestNewRejectsInvalidOptions(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	_, err := New[string](context.Background(), client, cache.JSONSerializer[string]{}, Config{},
		cache.Options{MaxAge: time.Second, PurgeInterval: 10 * time.Second})
	require.ErrorIs(t, err, cache.ErrInvalidOptions)
}

func TestSetStoresPrefixedJSONWithTTL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mr := miniredis.RunT(t)
	c, _ := newTier(t, mr, "a", 0)

	require.Equal(t, cache.WriteSuccess, c.Set(ctx, "Go", "gopher"))

	raw, err := mr.Get("test:Go")
	require.NoError(t, err)
	require.Equal(t, `"gopher"`, raw)
	require.Equal(t, time.Minute, mr.TTL("test:Go"))
	require.True(t, c.Shadowed("Go"))

	value, ok, err := c.Get(ctx, "Go")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "gopher", value)
}

func TestGetFallsBackToRemote(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mr := miniredis.RunT(t)
	c, _ := newTier(t, mr, "a", 0)

	require.NoError(t, mr.Set("test:Rust", `"crab"`))
	value, ok, err := c.Get(ctx, "Rust")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "crab", value)
	require.False(t, c.Shadowed("Rust"))

	_, ok, err = c.Get(ctx, "absent")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCapacityEvictionDeletesRemoteKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mr := miniredis.RunT(t)
	c, _ := newTier(t, mr, "a", 2)

	c.Set(ctx, "k1", "v")
	c.Set(ctx, "k2", "v")
	c.Set(ctx, "k3", "v")

	require.False(t, mr.Exists("test:k1"))
	keys, err := c.Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"k2", "k3"}, keys)
}

func TestKeysScansRemoteNotShadow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mr := miniredis.RunT(t)
	c, _ := newTier(t, mr, "a", 0)

	c.Set(ctx, "mine", "v")
	require.NoError(t, mr.Set("test:peer", `"v"`))
	require.NoError(t, mr.Set("other:ignored", `"v"`))

	keys, err := c.Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"peer", "mine"}, keys, "keys without expiry come first")
}

func TestKeysReturnsEvictionOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mr := miniredis.RunT(t)
	c, _ := newTier(t, mr, "a", 0)

	for _, key := range []string{"zeta", "alpha", "mid"} {
		require.Equal(t, cache.WriteSuccess, c.Set(ctx, key, "v"))
		mr.FastForward(time.Second)
	}
	keys, err := c.Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"zeta", "alpha", "mid"}, keys)

	require.Equal(t, cache.WriteSuccess, c.Set(ctx, "zeta", "v2"))
	keys, err = c.Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"alpha", "mid", "zeta"}, keys, "an overwrite moves the key to the back")
}

func TestDeleteResults(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mr := miniredis.RunT(t)
	c, _ := newTier(t, mr, "a", 0)

	require.Equal(t, cache.WriteFailure, c.Delete(ctx, "absent"))

	c.Set(ctx, "k", "v")
	require.Equal(t, cache.WriteSuccess, c.Delete(ctx, "k"))
	require.False(t, mr.Exists("test:k"))
	require.False(t, c.Shadowed("k"))
}

func TestPeerWriteInvalidatesShadow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mr := miniredis.RunT(t)
	a, _ := newTier(t, mr, "a", 0)
	b, _ := newTier(t, mr, "b", 0)

	require.Equal(t, cache.WriteSuccess, b.Set(ctx, "k", "stale"))
	require.True(t, b.Shadowed("k"))

	require.Equal(t, cache.WriteSuccess, a.Set(ctx, "k", "fresh"))
	require.Eventually(t, func() bool {
		return !b.Shadowed("k")
	}, 2*time.Second, 10*time.Millisecond)

	value, ok, err := b.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "fresh", value)
	require.True(t, a.Shadowed("k"), "own notifications must not invalidate")
}

func TestPeerWriteDuringSetIsNotShadowed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mr := miniredis.RunT(t)
	c, _ := newTier(t, mr, "a", 0)
	c.afterRemoteSet = func(key string) {
		require.NoError(t, mr.Set("test:"+key, `"peer"`))
		c.invalidate(key)
	}

	require.Equal(t, cache.WriteSuccess, c.Set(ctx, "k", "mine"))
	require.False(t, c.Shadowed("k"))
	value, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "peer", value)

	c.afterRemoteSet = nil
	require.Equal(t, cache.WriteSuccess, c.Set(ctx, "k", "again"))
	require.True(t, c.Shadowed("k"), "the stale mark ends with the write")
}

func TestPurgeRemovesExpiredShadowAndRemote(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mr := miniredis.RunT(t)
	c, clock := newTier(t, mr, "a", 0)

	c.Set(ctx, "old", "v")
	clock.Advance(30 * time.Second)
	c.Set(ctx, "young", "v")
	clock.Advance(31 * time.Second)

	c.Purge(ctx)
	require.False(t, c.Shadowed("old"))
	require.False(t, mr.Exists("test:old"))
	require.True(t, c.Shadowed("young"))
	require.True(t, mr.Exists("test:young"))
}

func TestSerializationFailureIsWriteFailure(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c, err := New[string](context.Background(), client, brokenSerializer{}, Config{KeyPrefix: "test"},
		testOptions(nil, 0))
	require.NoError(t, err)
	defer c.Dispose(context.Background())

	require.Equal(t, cache.WriteFailure, c.Set(context.Background(), "k", "v"))
	require.False(t, mr.Exists("test:k"))
}

func TestUnreachableServer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mr := miniredis.RunT(t)
	c, _ := newTier(t, mr, "a", 0)
	mr.Close()

	require.Equal(t, cache.WriteFailure, c.Set(ctx, "k", "v"))
	_, _, err := c.Get(ctx, "k")
	require.Error(t, err)
	_, err = c.Keys(ctx)
	require.Error(t, err)
}

func TestDisposeDeletesShadowedKeys(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mr := miniredis.RunT(t)
	c, _ := newTier(t, mr, "a", 0)

	c.Set(ctx, "k1", "v")
	c.Set(ctx, "k2", "v")
	require.NoError(t, mr.Set("test:peer", `"v"`))

	require.NoError(t, c.Dispose(ctx))
	require.False(t, mr.Exists("test:k1"))
	require.False(t, mr.Exists("test:k2"))
	require.True(t, mr.Exists("test:peer"))
	require.NoError(t, c.Dispose(ctx))
}

func TestNewClientModes(t *testing.T) {
	t.Parallel()

	single, err := NewClient(ClientConfig{Mode: ModeSingle, Addrs: []string{"localhost:6379"}})
	require.NoError(t, err)
	require.IsType(t, &redis.Client{}, single)
	require.NoError(t, single.Close())

	cluster, err := NewClient(ClientConfig{Mode: ModeCluster, Addrs: []string{"a:7000", "b:7001"}})
	require.NoError(t, err)
	require.IsType(t, &redis.ClusterClient{}, cluster)
	require.NoError(t, cluster.Close())

	_, err = NewClient(ClientConfig{Mode: ModeSentinel, Addrs: []string{"s:26379"}})
	require.ErrorContains(t, err, "master name")

	sentinel, err := NewClient(ClientConfig{Mode: ModeSentinel, Addrs: []string{"s:26379"}, MasterName: "mymaster"})
	require.NoError(t, err)
	require.NoError(t, sentinel.Close())

	_, err = NewClient(ClientConfig{Mode: "ring", Addrs: []string{"x:1"}})
	require.ErrorContains(t, err, "unknown mode")

	_, err = NewClient(ClientConfig{Addrs: []string{" "}})
	require.Error(t, err)
}
