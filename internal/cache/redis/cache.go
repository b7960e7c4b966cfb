package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/wiki-circuit/internal/cache"
	"github.com/JakeFAU/wiki-circuit/internal/id/uuid"
	"github.com/JakeFAU/wiki-circuit/internal/metrics"
)

// TierName labels this tier in logs and metrics.
const TierName = "redis"

// DefaultKeyPrefix namespaces keys when no prefix is configured.
const DefaultKeyPrefix = "wiki-circuit"

const (
	opSet    = "set"
	opDelete = "delete"
)

// Config controls keyspace layout and instance identity.
type Config struct {
	// KeyPrefix namespaces every remote key as "<prefix>:<key>".
	KeyPrefix string
	// Origin identifies this instance on the change channel. A random ID is
	// generated when empty.
	Origin string
}

type notification struct {
	Origin string `json:"origin"`
	Op     string `json:"op"`
	Key    string `json:"key"`
}

// Cache stores serialized values in Redis and keeps a local shadow of the
// values this instance wrote. Peers announce writes on a pub/sub channel and
// each instance drops its shadow copy when a peer touches the same key.
type Cache[V any] struct {
	client     redis.UniversalClient
	serializer cache.Serializer[V]
	prefix     string
	channel    string
	origin     string
	opts       cache.Options
	logger     *zap.Logger

	mu     sync.Mutex
	shadow map[string]V
	ledger *cache.Ledger
	// writing counts in-flight Sets per key; stale marks those a peer changed
	// meanwhile so their value is not shadowed.
	writing map[string]int
	stale   map[string]struct{}
	// afterRemoteSet, when set, runs between the remote write and shadowing.
	afterRemoteSet func(key string)

	purger      *cache.Purger
	sub         *redis.PubSub
	subDone     chan struct{}
	disposeOnce sync.Once
	disposeErr  error
}

var _ cache.Cache[int] = (*Cache[int])(nil)

// New validates opts, subscribes to the change channel and starts purging.
// The tier takes ownership of client and closes it on Dispose.
func New[V any](
	ctx context.Context,
	client redis.UniversalClient,
	serializer cache.Serializer[V],
	cfg Config,
	opts cache.Options,
) (*Cache[V], error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("new redis cache: %w", err)
	}
	if client == nil {
		return nil, errors.New("new redis cache: client is required")
	}
	if serializer == nil {
		return nil, errors.New("new redis cache: serializer is required")
	}
	opts = opts.WithDefaults()
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	origin := cfg.Origin
	if origin == "" {
		id, err := uuid.New().NewID()
		if err != nil {
			return nil, fmt.Errorf("new redis cache: %w", err)
		}
		origin = id
	}

	c := &Cache[V]{
		client:     client,
		serializer: serializer,
		prefix:     prefix,
		channel:    prefix + ":changes",
		origin:     origin,
		opts:       opts,
		logger:     opts.Logger.Named("cache.redis").With(zap.String("origin", origin)),
		shadow:     make(map[string]V),
		ledger:     cache.NewLedger(),
		writing:    make(map[string]int),
		stale:      make(map[string]struct{}),
		subDone:    make(chan struct{}),
	}

	c.sub = client.Subscribe(ctx, c.channel)
	if _, err := c.sub.Receive(ctx); err != nil {
		_ = c.sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", c.channel, err)
	}
	go c.listen(c.sub.Channel())

	c.purger = cache.StartPurger(opts.PurgeInterval, c.Purge)
	return c, nil
}

// Name implements cache.Named.
func (c *Cache[V]) Name() string {
	return TierName
}

// Origin returns the identity this instance publishes under.
func (c *Cache[V]) Origin() string {
	return c.origin
}

func (c *Cache[V]) remoteKey(key string) string {
	return c.prefix + ":" + key
}

// Get serves from the shadow when possible and falls back to Redis. Remote
// hits are not shadowed since shadow eviction deletes the remote key.
func (c *Cache[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V
	c.mu.Lock()
	value, ok := c.shadow[key]
	c.mu.Unlock()
	if ok {
		return value, true, nil
	}

	data, err := c.client.Get(ctx, c.remoteKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("redis get %q: %w", key, err)
	}
	value, err = c.serializer.Unmarshal(data)
	if err != nil {
		return zero, false, fmt.Errorf("decode %q: %w", key, err)
	}
	return value, true, nil
}

// Set writes key remotely with a TTL of MaxAge, announces the change and
// shadows the value. A failed announcement or eviction yields WritePartial.
// A value a peer overwrote during the remote write is not shadowed.
func (c *Cache[V]) Set(ctx context.Context, key string, value V) cache.WriteResult {
	data, err := c.serializer.Marshal(value)
	if err != nil {
		c.logger.Warn("serialize value failed", zap.String("key", key), zap.Error(err))
		return cache.WriteFailure
	}
	c.beginWrite(key)
	defer c.endWrite(key)
	if err := c.client.Set(ctx, c.remoteKey(key), data, c.opts.MaxAge).Err(); err != nil {
		c.logger.Warn("redis set failed", zap.String("key", key), zap.Error(err))
		return cache.WriteFailure
	}
	if c.afterRemoteSet != nil {
		c.afterRemoteSet(key)
	}

	result := cache.WriteSuccess
	evicted := c.shadowValue(key, value)
	if len(evicted) > 0 {
		if err := c.deleteRemote(ctx, evicted); err != nil {
			c.logger.Warn("evict remote keys failed", zap.Strings("keys", evicted), zap.Error(err))
			result = cache.WritePartial
		}
		for range evicted {
			metrics.ObserveEviction(TierName, "capacity")
		}
	}
	if err := c.publish(ctx, opSet, key); err != nil {
		c.logger.Warn("announce set failed", zap.String("key", key), zap.Error(err))
		result = cache.WritePartial
	}
	return result
}

func (c *Cache[V]) beginWrite(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writing[key]++
}

func (c *Cache[V]) endWrite(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writing[key]--; c.writing[key] <= 0 {
		delete(c.writing, key)
		delete(c.stale, key)
	}
}

// shadowValue records key in the shadow and returns the keys evicted to make
// room for it. A key marked stale by a peer is dropped instead.
func (c *Cache[V]) shadowValue(key string, value V) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.shadow, key)
	c.ledger.Remove(key)
	if _, ok := c.stale[key]; ok {
		c.logger.Debug("peer changed key during write; not shadowing", zap.String("key", key))
		return nil
	}
	var evicted []string
	if c.opts.Bounded() {
		for c.ledger.Len() >= c.opts.MaxEntries {
			oldest, ok := c.ledger.Oldest()
			if !ok {
				break
			}
			delete(c.shadow, oldest)
			c.ledger.Remove(oldest)
			evicted = append(evicted, oldest)
		}
	}
	c.shadow[key] = value
	c.ledger.Touch(key, c.opts.Clock.Now())
	return evicted
}

// Delete removes key remotely and from the shadow. It fails when neither held
// the key.
func (c *Cache[V]) Delete(ctx context.Context, key string) cache.WriteResult {
	c.mu.Lock()
	_, shadowed := c.shadow[key]
	delete(c.shadow, key)
	c.ledger.Remove(key)
	c.mu.Unlock()

	removed, err := c.client.Del(ctx, c.remoteKey(key)).Result()
	if err != nil {
		c.logger.Warn("redis delete failed", zap.String("key", key), zap.Error(err))
		if shadowed {
			return cache.WritePartial
		}
		return cache.WriteFailure
	}
	if removed == 0 && !shadowed {
		return cache.WriteFailure
	}
	if err := c.publish(ctx, opDelete, key); err != nil {
		c.logger.Warn("announce delete failed", zap.String("key", key), zap.Error(err))
		return cache.WritePartial
	}
	return cache.WriteSuccess
}

// Keys scans Redis for the prefix and returns the keys in eviction order. Every
// write resets the TTL to MaxAge, so the least remaining TTL is the oldest
// write; keys without a TTL come first. The shadow is never consulted.
func (c *Cache[V]) Keys(ctx context.Context) ([]string, error) {
	pattern := c.prefix + ":*"
	var (
		mu   sync.Mutex
		keys []string
	)
	scan := func(ctx context.Context, client redis.Cmdable) error {
		iter := client.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			mu.Lock()
			keys = append(keys, strings.TrimPrefix(iter.Val(), c.prefix+":"))
			mu.Unlock()
		}
		return iter.Err()
	}

	var err error
	if cluster, ok := c.client.(*redis.ClusterClient); ok {
		err = cluster.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
			return scan(ctx, node)
		})
	} else {
		err = scan(ctx, c.client)
	}
	if err != nil {
		return nil, fmt.Errorf("redis scan %s: %w", pattern, err)
	}
	return c.orderByAge(ctx, keys)
}

// orderByAge sorts keys by remaining TTL and drops keys that expired since the
// scan.
func (c *Cache[V]) orderByAge(ctx context.Context, keys []string) ([]string, error) {
	if len(keys) == 0 {
		return keys, nil
	}
	sort.Strings(keys)
	pipe := c.client.Pipeline()
	cmds := make([]*redis.DurationCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.PTTL(ctx, c.remoteKey(key))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis pttl %d keys: %w", len(keys), err)
	}

	type aged struct {
		key string
		ttl time.Duration
	}
	live := make([]aged, 0, len(keys))
	for i, cmd := range cmds {
		// -2 is a missing key, -1 a key without expiry.
		if ttl := cmd.Val(); ttl != -2 {
			live = append(live, aged{key: keys[i], ttl: ttl})
		}
	}
	sort.SliceStable(live, func(i, j int) bool { return live[i].ttl < live[j].ttl })

	ordered := make([]string, len(live))
	for i, a := range live {
		ordered[i] = a.key
	}
	return ordered, nil
}

// Purge drops shadow entries older than MaxAge and deletes them remotely.
func (c *Cache[V]) Purge(ctx context.Context) {
	c.mu.Lock()
	expired := c.ledger.Expired(c.opts.Clock.Now(), c.opts.MaxAge)
	for _, key := range expired {
		delete(c.shadow, key)
		c.ledger.Remove(key)
	}
	c.mu.Unlock()
	if len(expired) == 0 {
		return
	}
	for range expired {
		metrics.ObserveEviction(TierName, "age")
	}
	if err := c.deleteRemote(ctx, expired); err != nil {
		c.logger.Warn("purge remote keys failed", zap.Strings("keys", expired), zap.Error(err))
	}
}

// Dispose stops purging, deletes every key this instance shadowed, closes the
// subscription and closes the client.
func (c *Cache[V]) Dispose(ctx context.Context) error {
	c.disposeOnce.Do(func() {
		c.purger.Stop()

		c.mu.Lock()
		owned := c.ledger.Keys()
		c.shadow = make(map[string]V)
		c.ledger.Reset()
		c.mu.Unlock()

		var errs []error
		if len(owned) > 0 {
			if err := c.deleteRemote(ctx, owned); err != nil {
				errs = append(errs, fmt.Errorf("delete shadowed keys: %w", err))
			}
		}
		if err := c.sub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close subscription: %w", err))
		}
		<-c.subDone
		if err := c.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close client: %w", err))
		}
		c.disposeErr = errors.Join(errs...)
	})
	return c.disposeErr
}

// deleteRemote deletes keys one command per key in a single pipeline, which
// keeps cluster mode clear of cross-slot errors.
func (c *Cache[V]) deleteRemote(ctx context.Context, keys []string) error {
	pipe := c.client.Pipeline()
	for _, key := range keys {
		pipe.Del(ctx, c.remoteKey(key))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete %d keys: %w", len(keys), err)
	}
	return nil
}

func (c *Cache[V]) publish(ctx context.Context, op, key string) error {
	payload, err := json.Marshal(notification{Origin: c.origin, Op: op, Key: key})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := c.client.Publish(ctx, c.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", c.channel, err)
	}
	return nil
}

func (c *Cache[V]) listen(messages <-chan *redis.Message) {
	defer close(c.subDone)
	for msg := range messages {
		var n notification
		if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
			c.logger.Debug("ignoring malformed notification", zap.Error(err))
			continue
		}
		if n.Origin == c.origin {
			continue
		}
		c.invalidate(n.Key)
	}
}

func (c *Cache[V]) invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writing[key] > 0 {
		c.stale[key] = struct{}{}
	}
	if _, ok := c.shadow[key]; !ok {
		return
	}
	delete(c.shadow, key)
	c.ledger.Remove(key)
	c.logger.Debug("peer changed key; dropped shadow copy", zap.String("key", key))
}

// Shadowed reports whether key is currently held in the local shadow.
func (c *Cache[V]) Shadowed(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.shadow[key]
	return ok
}
