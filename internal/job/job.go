// Package job implements the lifecycle state machine that wraps one unit of
// work: Ready, then Running, then exactly one of Complete or Faulted.
package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/wiki-circuit/internal/clock/system"
)

// DefaultThreshold is the minimum ratio change that triggers a listener call.
const DefaultThreshold = 0.05

// Sink receives reports from running work.
type Sink interface {
	Progress(p Progress)
	Complete(result any)
	Fault(err error)
}

// Work is the unit a Job drives. Start must not block on the work itself;
// it reports back through the sink.
type Work[P any] interface {
	Start(ctx context.Context, sink Sink, params P) error
	Stop(ctx context.Context) error
}

// Listener observes throttled progress and every state change.
type Listener func(Status)

// Clock supplies timestamps.
type Clock interface {
	Now() time.Time
}

// Option customizes a Job.
type Option func(*settings)

type settings struct {
	listener  Listener
	threshold float64
	clock     Clock
	logger    *zap.Logger
}

// WithListener registers the progress listener.
func WithListener(l Listener) Option {
	return func(s *settings) { s.listener = l }
}

// WithThreshold overrides DefaultThreshold.
func WithThreshold(threshold float64) Option {
	return func(s *settings) {
		if threshold >= 0 {
			s.threshold = threshold
		}
	}
}

// WithClock overrides the system clock.
func WithClock(c Clock) Option {
	return func(s *settings) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLogger sets the job logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Job tracks one invocation of a Work.
type Job[P any] struct {
	id        string
	work      Work[P]
	listener  Listener
	threshold float64
	clock     Clock
	logger    *zap.Logger

	mu        sync.Mutex
	state     State
	progress  Progress
	reported  float64
	startTime time.Time
	endTime   time.Time
	result    any
}

var (
	_ Handle = (*Job[struct{}])(nil)
	_ Sink   = (*Job[struct{}])(nil)
)

// New creates a Ready job.
func New[P any](id string, work Work[P], opts ...Option) *Job[P] {
	s := settings{
		threshold: DefaultThreshold,
		clock:     system.New(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&s)
	}
	return &Job[P]{
		id:        id,
		work:      work,
		listener:  s.listener,
		threshold: s.threshold,
		clock:     s.clock,
		logger:    s.logger.With(zap.String("job_id", id)),
		state:     StateReady,
	}
}

// ID returns the job ID.
func (j *Job[P]) ID() string {
	return j.id
}

// Start moves the job to Running and starts the work. A work start error
// faults the job and is returned.
func (j *Job[P]) Start(ctx context.Context, params P) error {
	j.mu.Lock()
	if j.state != StateReady {
		state := j.state
		j.mu.Unlock()
		return fmt.Errorf("start %s in state %s: %w", j.id, state, ErrNotReady)
	}
	j.state = StateRunning
	j.startTime = j.clock.Now()
	snap := j.statusLocked()
	j.mu.Unlock()

	j.logger.Info("job started")
	j.notify(snap)

	if err := j.work.Start(ctx, j, params); err != nil {
		j.Fault(err)
		return fmt.Errorf("start %s: %w", j.id, err)
	}
	return nil
}

// Progress records a report. The completed ratio is clamped to [0,1] and never
// moves backwards. The listener fires when the ratio advanced by more than the
// threshold since its last call.
func (j *Job[P]) Progress(p Progress) {
	j.mu.Lock()
	if j.state != StateRunning {
		j.mu.Unlock()
		return
	}
	ratio := clamp(p.CompletedRatio)
	if ratio < j.progress.CompletedRatio {
		ratio = j.progress.CompletedRatio
	}
	p.CompletedRatio = ratio
	j.progress = p
	fire := ratio-j.reported > j.threshold
	if fire {
		j.reported = ratio
	}
	snap := j.statusLocked()
	j.mu.Unlock()

	if fire {
		j.notify(snap)
	}
}

// Complete stores the result and finishes the job.
func (j *Job[P]) Complete(result any) {
	j.mu.Lock()
	if j.state != StateRunning {
		j.mu.Unlock()
		return
	}
	j.state = StateComplete
	j.result = result
	j.progress.CompletedRatio = 1
	j.endTime = j.clock.Now()
	snap := j.statusLocked()
	j.mu.Unlock()

	j.logger.Info("job complete", zap.Int64("run_time_ms", snap.RunTime))
	j.notify(snap)
}

// Fault records err as the progress message and finishes the job.
func (j *Job[P]) Fault(err error) {
	if err == nil {
		err = errors.New("job faulted")
	}
	j.mu.Lock()
	if j.state != StateRunning {
		j.mu.Unlock()
		return
	}
	j.state = StateFaulted
	j.progress.Message = err.Error()
	j.endTime = j.clock.Now()
	snap := j.statusLocked()
	j.mu.Unlock()

	j.logger.Warn("job faulted", zap.Error(err))
	j.notify(snap)
}

// Stop asks the work to stop and waits for it to drain.
func (j *Job[P]) Stop(ctx context.Context) error {
	if err := j.work.Stop(ctx); err != nil {
		return fmt.Errorf("stop %s: %w", j.id, err)
	}
	return nil
}

// Status returns a snapshot.
func (j *Job[P]) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.statusLocked()
}

// Result returns the result, nil unless complete.
func (j *Job[P]) Result() any {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result
}

func (j *Job[P]) statusLocked() Status {
	s := Status{
		Status:    j.state,
		ID:        j.id,
		Progress:  j.progress,
		StartTime: j.startTime,
		EndTime:   j.endTime,
		Result:    j.result,
	}
	switch {
	case j.state.IsTerminal():
		s.RunTime = j.endTime.Sub(j.startTime).Milliseconds()
	case j.state == StateRunning:
		s.RunTime = j.clock.Now().Sub(j.startTime).Milliseconds()
	}
	return s
}

func (j *Job[P]) notify(s Status) {
	if j.listener != nil {
		j.listener(s)
	}
}

func clamp(ratio float64) float64 {
	switch {
	case ratio < 0:
		return 0
	case ratio > 1:
		return 1
	default:
		return ratio
	}
}
