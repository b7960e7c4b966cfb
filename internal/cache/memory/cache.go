// Package memory implements the in-process cache tier.
package memory

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/wiki-circuit/internal/cache"
	"github.com/JakeFAU/wiki-circuit/internal/metrics"
)

// TierName labels this tier in logs and metrics.
const TierName = "memory"

// Cache holds values in a map alongside an insertion-ordered ledger.
// Every operation completes without blocking on I/O.
type Cache[V any] struct {
	mu     sync.Mutex
	values map[string]V
	ledger *cache.Ledger
	opts   cache.Options
	purger *cache.Purger
	logger *zap.Logger
}

var _ cache.Cache[int] = (*Cache[int])(nil)

// New validates opts and starts the purge loop.
func New[V any](opts cache.Options) (*Cache[V], error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("new memory cache: %w", err)
	}
	opts = opts.WithDefaults()
	c := &Cache[V]{
		values: make(map[string]V),
		ledger: cache.NewLedger(),
		opts:   opts,
		logger: opts.Logger.Named("cache.memory"),
	}
	c.purger = cache.StartPurger(opts.PurgeInterval, c.Purge)
	return c, nil
}

// Name implements cache.Named.
func (c *Cache[V]) Name() string {
	return TierName
}

// Get returns the stored value, if any.
func (c *Cache[V]) Get(_ context.Context, key string) (V, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok := c.values[key]
	return value, ok, nil
}

// Set stores value under key. It always succeeds.
func (c *Cache[V]) Set(_ context.Context, key string, value V) cache.WriteResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.removeLocked(key)
	if c.opts.Bounded() {
		for c.ledger.Len() >= c.opts.MaxEntries {
			oldest, ok := c.ledger.Oldest()
			if !ok {
				break
			}
			c.removeLocked(oldest)
			metrics.ObserveEviction(TierName, "capacity")
			c.logger.Debug("evicted oldest entry", zap.String("key", oldest))
		}
	}
	c.values[key] = value
	c.ledger.Touch(key, c.opts.Clock.Now())
	return cache.WriteSuccess
}

// Delete removes key. An absent key yields WriteFailure.
func (c *Cache[V]) Delete(_ context.Context, key string) cache.WriteResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.removeLocked(key) {
		return cache.WriteFailure
	}
	return cache.WriteSuccess
}

func (c *Cache[V]) removeLocked(key string) bool {
	_, present := c.values[key]
	delete(c.values, key)
	return c.ledger.Remove(key) || present
}

// Keys returns the live keys, oldest first.
func (c *Cache[V]) Keys(_ context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.Keys(), nil
}

// Len reports the number of live entries.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.Len()
}

// Purge evicts entries older than MaxAge.
func (c *Cache[V]) Purge(_ context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	expired := c.ledger.Expired(c.opts.Clock.Now(), c.opts.MaxAge)
	for _, key := range expired {
		c.removeLocked(key)
		metrics.ObserveEviction(TierName, "age")
	}
	if len(expired) > 0 {
		c.logger.Debug("purged expired entries", zap.Int("count", len(expired)))
	}
}

// Dispose stops the purge loop. Stored values stay readable.
func (c *Cache[V]) Dispose(_ context.Context) error {
	c.purger.Stop()
	return nil
}
