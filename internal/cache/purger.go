package cache

import (
	"context"
	"sync"
	"time"
)

// Purger calls a purge function on a fixed interval until stopped.
type Purger struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// StartPurger launches the purge loop. The context passed to purge is
// canceled when the purger stops.
func StartPurger(interval time.Duration, purge func(context.Context)) *Purger {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Purger{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go p.run(ctx, interval, purge)
	return p
}

func (p *Purger) run(ctx context.Context, interval time.Duration, purge func(context.Context)) {
	defer close(p.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purge(ctx)
		}
	}
}

// Stop cancels the loop and waits for an in-progress sweep to return.
// It is safe to call more than once.
func (p *Purger) Stop() {
	p.once.Do(func() {
		p.cancel()
		<-p.done
	})
}
