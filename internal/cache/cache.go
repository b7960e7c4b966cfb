// Package cache defines the aging cache contract shared by every storage tier
// and the hierarchy that composes tiers behind one facade.
package cache

import (
	"context"
	"time"
)

// Cache is a key/value store bounded by entry count and entry age.
//
// Implementations evict in insertion order: an overwrite moves the key to the
// back of the queue, capacity eviction and age purges take from the front.
type Cache[V any] interface {
	// Get returns the live value for key. A missing key reports false with a
	// nil error; an error means the tier could not answer.
	Get(ctx context.Context, key string) (V, bool, error)
	// Set inserts or overwrites key, evicting the oldest entry when full.
	Set(ctx context.Context, key string, value V) WriteResult
	// Delete removes key. Deleting an absent key reports WriteFailure.
	Delete(ctx context.Context, key string) WriteResult
	// Keys returns a snapshot of the live keys.
	Keys(ctx context.Context) ([]string, error)
	// Purge evicts every entry older than the configured max age.
	Purge(ctx context.Context)
	// Dispose stops background purging and releases tier resources.
	Dispose(ctx context.Context) error
}

// WriteResult reports the outcome of a write that may span several stores.
type WriteResult int

const (
	// WriteFailure means nothing was written.
	WriteFailure WriteResult = iota
	// WritePartial means some but not all of the write landed.
	WritePartial
	// WriteSuccess means the write landed everywhere.
	WriteSuccess
)

func (r WriteResult) String() string {
	switch r {
	case WriteSuccess:
		return "success"
	case WritePartial:
		return "partial"
	default:
		return "failure"
	}
}

// OK reports whether the write fully succeeded.
func (r WriteResult) OK() bool {
	return r == WriteSuccess
}

// Combine folds per-store results: success only when every store succeeded,
// failure only when none did (or there were no stores), partial otherwise.
func Combine(results ...WriteResult) WriteResult {
	if len(results) == 0 {
		return WriteFailure
	}
	succeeded := 0
	for _, r := range results {
		switch r {
		case WriteSuccess:
			succeeded++
		case WritePartial:
			return WritePartial
		}
	}
	switch succeeded {
	case len(results):
		return WriteSuccess
	case 0:
		return WriteFailure
	default:
		return WritePartial
	}
}

// Clock supplies the time used to stamp and age entries.
type Clock interface {
	Now() time.Time
}
