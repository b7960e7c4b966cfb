// Package pgcache implements a durable cache tier on a Postgres table.
package pgcache

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/wiki-circuit/internal/cache"
	"github.com/JakeFAU/wiki-circuit/internal/metrics"
)

// TierName labels this tier in logs and metrics.
const TierName = "postgres"

const defaultTable = "job_cache"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the connection pool and table.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Pool is the subset of pgxpool.Pool used by the tier.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Cache keeps one row per key with the time of its last write.
type Cache[V any] struct {
	pool       Pool
	table      string
	serializer cache.Serializer[V]
	opts       cache.Options
	logger     *zap.Logger
	purger     *cache.Purger
}

var _ cache.Cache[int] = (*Cache[int])(nil)

// New connects to Postgres, creates the table when missing and starts
// purging.
func New[V any](ctx context.Context, cfg Config, serializer cache.Serializer[V], opts cache.Options) (*Cache[V], error) {
	if cfg.DSN == "" {
		return nil, errors.New("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	c, err := NewWithPool(pool, cfg.Table, serializer, opts)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := c.Migrate(ctx); err != nil {
		_ = c.Dispose(ctx)
		return nil, err
	}
	return c, nil
}

// NewWithPool builds the tier over an existing pool. The tier closes the pool
// on Dispose.
func NewWithPool[V any](pool Pool, table string, serializer cache.Serializer[V], opts cache.Options) (*Cache[V], error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("new postgres cache: %w", err)
	}
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if serializer == nil {
		return nil, errors.New("serializer is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	opts = opts.WithDefaults()
	c := &Cache[V]{
		pool:       pool,
		table:      table,
		serializer: serializer,
		opts:       opts,
		logger:     opts.Logger.Named("cache.postgres"),
	}
	c.purger = cache.StartPurger(opts.PurgeInterval, c.Purge)
	return c, nil
}

// Migrate creates the backing table and its age index.
func (c *Cache[V]) Migrate(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			cache_key   TEXT PRIMARY KEY,
			value       JSONB NOT NULL,
			inserted_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %[1]s_inserted_at_idx ON %[1]s (inserted_at);
	`, c.table)
	if _, err := c.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("migrate %s: %w", c.table, err)
	}
	return nil
}

// Name implements cache.Named.
func (c *Cache[V]) Name() string {
	return TierName
}

// Get reads one row.
func (c *Cache[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var (
		zero V
		data []byte
	)
	query := fmt.Sprintf(`SELECT value FROM %s WHERE cache_key = $1`, c.table)
	if err := c.pool.QueryRow(ctx, query, key).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return zero, false, nil
		}
		return zero, false, fmt.Errorf("select %q: %w", key, err)
	}
	value, err := c.serializer.Unmarshal(data)
	if err != nil {
		return zero, false, fmt.Errorf("decode %q: %w", key, err)
	}
	return value, true, nil
}

// Set upserts key and refreshes its age. When bounded, rows beyond
// MaxEntries are trimmed oldest first; a failed trim yields WritePartial.
func (c *Cache[V]) Set(ctx context.Context, key string, value V) cache.WriteResult {
	data, err := c.serializer.Marshal(value)
	if err != nil {
		c.logger.Warn("serialize value failed", zap.String("key", key), zap.Error(err))
		return cache.WriteFailure
	}
	upsert := fmt.Sprintf(`
		INSERT INTO %s (cache_key, value, inserted_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (cache_key) DO UPDATE
		SET value = EXCLUDED.value, inserted_at = EXCLUDED.inserted_at;
	`, c.table)
	if _, err := c.pool.Exec(ctx, upsert, key, string(data), c.opts.Clock.Now()); err != nil {
		c.logger.Warn("upsert failed", zap.String("key", key), zap.Error(err))
		return cache.WriteFailure
	}
	if !c.opts.Bounded() {
		return cache.WriteSuccess
	}

	trim := fmt.Sprintf(`
		DELETE FROM %[1]s
		WHERE cache_key IN (
			SELECT cache_key FROM %[1]s ORDER BY inserted_at DESC, cache_key OFFSET $1
		);
	`, c.table)
	tag, err := c.pool.Exec(ctx, trim, c.opts.MaxEntries)
	if err != nil {
		c.logger.Warn("trim to capacity failed", zap.Error(err))
		return cache.WritePartial
	}
	for range tag.RowsAffected() {
		metrics.ObserveEviction(TierName, "capacity")
	}
	return cache.WriteSuccess
}

// Delete removes one row. No row means WriteFailure.
func (c *Cache[V]) Delete(ctx context.Context, key string) cache.WriteResult {
	query := fmt.Sprintf(`DELETE FROM %s WHERE cache_key = $1`, c.table)
	tag, err := c.pool.Exec(ctx, query, key)
	if err != nil {
		c.logger.Warn("delete failed", zap.String("key", key), zap.Error(err))
		return cache.WriteFailure
	}
	if tag.RowsAffected() == 0 {
		return cache.WriteFailure
	}
	return cache.WriteSuccess
}

// Keys lists every key, oldest write first.
func (c *Cache[V]) Keys(ctx context.Context) ([]string, error) {
	query := fmt.Sprintf(`SELECT cache_key FROM %s ORDER BY inserted_at, cache_key`, c.table)
	rows, err := c.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan keys: %w", err)
	}
	return keys, nil
}

// Purge deletes rows written more than MaxAge ago.
func (c *Cache[V]) Purge(ctx context.Context) {
	cutoff := c.opts.Clock.Now().Add(-c.opts.MaxAge)
	query := fmt.Sprintf(`DELETE FROM %s WHERE inserted_at < $1`, c.table)
	tag, err := c.pool.Exec(ctx, query, cutoff)
	if err != nil {
		c.logger.Warn("purge failed", zap.Error(err))
		return
	}
	for range tag.RowsAffected() {
		metrics.ObserveEviction(TierName, "age")
	}
}

// Dispose stops purging and closes the pool. Rows are kept.
func (c *Cache[V]) Dispose(_ context.Context) error {
	c.purger.Stop()
	c.pool.Close()
	return nil
}
