package cache

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/wiki-circuit/internal/metrics"
)

// Named is implemented by tiers that report a stable name for logs and metrics.
type Named interface {
	Name() string
}

type hierarchySettings struct {
	authority   int
	readThrough bool
	logger      *zap.Logger
}

// HierarchyOption customizes a Hierarchy.
type HierarchyOption func(*hierarchySettings)

// WithAuthority selects the tier, by index, whose key set is reported by Keys.
func WithAuthority(index int) HierarchyOption {
	return func(s *hierarchySettings) {
		s.authority = index
	}
}

// WithReadThrough back-fills faster tiers when a slower tier serves a hit.
func WithReadThrough() HierarchyOption {
	return func(s *hierarchySettings) {
		s.readThrough = true
	}
}

// WithLogger sets the hierarchy logger.
func WithLogger(logger *zap.Logger) HierarchyOption {
	return func(s *hierarchySettings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Hierarchy presents an ordered list of tiers, fastest first, as one Cache.
// Reads stop at the first hit; writes go to every tier.
type Hierarchy[V any] struct {
	tiers       []Cache[V]
	names       []string
	authority   int
	readThrough bool
	logger      *zap.Logger
}

var _ Cache[int] = (*Hierarchy[int])(nil)

// NewHierarchy composes tiers. By default the last tier is authoritative for
// Keys.
func NewHierarchy[V any](tiers []Cache[V], opts ...HierarchyOption) (*Hierarchy[V], error) {
	if len(tiers) == 0 {
		return nil, errors.New("hierarchy requires at least one tier")
	}
	settings := hierarchySettings{
		authority: len(tiers) - 1,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&settings)
	}
	if settings.authority < 0 || settings.authority >= len(tiers) {
		return nil, fmt.Errorf("authority tier %d out of range [0,%d)", settings.authority, len(tiers))
	}
	names := make([]string, len(tiers))
	for i, tier := range tiers {
		if tier == nil {
			return nil, fmt.Errorf("tier %d is nil", i)
		}
		names[i] = fmt.Sprintf("tier-%d", i)
		if named, ok := tier.(Named); ok {
			names[i] = named.Name()
		}
	}
	return &Hierarchy[V]{
		tiers:       append([]Cache[V](nil), tiers...),
		names:       names,
		authority:   settings.authority,
		readThrough: settings.readThrough,
		logger:      settings.logger,
	}, nil
}

// Get queries tiers in order and returns the first hit. Tier errors are
// logged and the next tier is tried; an error is returned only when no tier
// could answer.
func (h *Hierarchy[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var (
		zero     V
		errs     []error
		answered bool
	)
	for i, tier := range h.tiers {
		value, ok, err := tier.Get(ctx, key)
		if err != nil {
			metrics.ObserveCacheGet(h.names[i], "error")
			h.logger.Warn("tier get failed",
				zap.String("tier", h.names[i]),
				zap.String("key", key),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", h.names[i], err))
			continue
		}
		answered = true
		if !ok {
			metrics.ObserveCacheGet(h.names[i], "miss")
			continue
		}
		metrics.ObserveCacheGet(h.names[i], "hit")
		if h.readThrough {
			h.backfill(ctx, i, key, value)
		}
		return value, true, nil
	}
	if !answered && len(errs) > 0 {
		return zero, false, fmt.Errorf("get %q: %w", key, errors.Join(errs...))
	}
	return zero, false, nil
}

func (h *Hierarchy[V]) backfill(ctx context.Context, hit int, key string, value V) {
	for i := 0; i < hit; i++ {
		if res := h.tiers[i].Set(ctx, key, value); !res.OK() {
			h.logger.Debug("read-through backfill incomplete",
				zap.String("tier", h.names[i]),
				zap.String("key", key),
				zap.Stringer("result", res),
			)
		}
	}
}

// Set writes to every tier concurrently and combines the results.
func (h *Hierarchy[V]) Set(ctx context.Context, key string, value V) WriteResult {
	return h.fanOut("set", key, func(tier Cache[V]) WriteResult {
		return tier.Set(ctx, key, value)
	})
}

// Delete removes key from every tier concurrently and combines the results.
func (h *Hierarchy[V]) Delete(ctx context.Context, key string) WriteResult {
	return h.fanOut("delete", key, func(tier Cache[V]) WriteResult {
		return tier.Delete(ctx, key)
	})
}

func (h *Hierarchy[V]) fanOut(op, key string, fn func(Cache[V]) WriteResult) WriteResult {
	results := make([]WriteResult, len(h.tiers))
	var g errgroup.Group
	for i, tier := range h.tiers {
		g.Go(func() error {
			results[i] = fn(tier)
			metrics.ObserveCacheWrite(h.names[i], op, results[i].String())
			return nil
		})
	}
	_ = g.Wait()
	combined := Combine(results...)
	if combined != WriteSuccess {
		h.logger.Debug("hierarchy write not fully applied",
			zap.String("op", op),
			zap.String("key", key),
			zap.Stringer("result", combined),
		)
	}
	return combined
}

// Keys returns the authoritative tier's keys.
func (h *Hierarchy[V]) Keys(ctx context.Context) ([]string, error) {
	keys, err := h.tiers[h.authority].Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("keys from %s: %w", h.names[h.authority], err)
	}
	return keys, nil
}

// Purge sweeps every tier.
func (h *Hierarchy[V]) Purge(ctx context.Context) {
	for _, tier := range h.tiers {
		tier.Purge(ctx)
	}
}

// Dispose disposes every tier, returning all failures joined.
func (h *Hierarchy[V]) Dispose(ctx context.Context) error {
	var errs []error
	for i, tier := range h.tiers {
		if err := tier.Dispose(ctx); err != nil {
			errs = append(errs, fmt.Errorf("dispose %s: %w", h.names[i], err))
		}
	}
	return errors.Join(errs...)
}

// Tiers returns the number of composed tiers.
func (h *Hierarchy[V]) Tiers() int {
	return len(h.tiers)
}
