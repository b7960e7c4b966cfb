package cache

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/wiki-circuit/internal/clock/system"
)

// MinPurgeInterval is the shortest allowed gap between purge sweeps.
const MinPurgeInterval = 10 * time.Second

// ErrInvalidOptions is wrapped by every Options validation failure.
var ErrInvalidOptions = errors.New("invalid cache options")

// Options bound a tier by size and age.
type Options struct {
	// MaxEntries caps the number of live keys. Zero means unbounded.
	MaxEntries int
	// MaxAge is how long an entry lives after its last write.
	MaxAge time.Duration
	// PurgeInterval is how often expired entries are swept.
	PurgeInterval time.Duration
	// Clock defaults to the system clock.
	Clock Clock
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// Validate rejects option sets that would produce a thrashing or
// never-expiring cache.
func (o Options) Validate() error {
	if o.MaxEntries < 0 {
		return fmt.Errorf("%w: max entries must be greater than 0, got %d", ErrInvalidOptions, o.MaxEntries)
	}
	if o.PurgeInterval < MinPurgeInterval {
		return fmt.Errorf("%w: purge interval must be at least %s, got %s",
			ErrInvalidOptions, MinPurgeInterval, o.PurgeInterval)
	}
	if o.MaxAge <= o.PurgeInterval {
		return fmt.Errorf("%w: max age (%s) must be greater than purge interval (%s)",
			ErrInvalidOptions, o.MaxAge, o.PurgeInterval)
	}
	return nil
}

// WithDefaults fills in the clock and logger when unset.
func (o Options) WithDefaults() Options {
	if o.Clock == nil {
		o.Clock = system.New()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Bounded reports whether MaxEntries applies.
func (o Options) Bounded() bool {
	return o.MaxEntries > 0
}
