package job

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// State is a job lifecycle position.
type State string

const (
	// StateReady is the initial state.
	StateReady State = "ready"
	// StateRunning means the work has been started.
	StateRunning State = "running"
	// StateComplete is terminal and carries a result.
	StateComplete State = "complete"
	// StateFaulted is terminal and carries a message.
	StateFaulted State = "faulted"
)

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	return s == StateComplete || s == StateFaulted
}

var (
	// ErrNotReady is returned when Start is called outside StateReady.
	ErrNotReady = errors.New("job is not ready")
	// ErrReadOnly is returned by operations on a deserialized job.
	ErrReadOnly = errors.New("job is read-only")
)

// Progress is the latest report from the running work.
type Progress struct {
	CompletedRatio float64 `json:"completedRatio"`
	Message        string  `json:"message"`
	SampleData     any     `json:"sampleData,omitempty"`
}

// Status is an immutable snapshot of a job and its persisted form.
type Status struct {
	Status    State     `json:"status"`
	ID        string    `json:"id"`
	Progress  Progress  `json:"progress"`
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`
	// RunTime is in milliseconds.
	RunTime int64 `json:"runTime"`
	Result  any   `json:"result"`
}

// Handle is what the job cache stores: a live Job or a Record read back from
// a remote tier.
type Handle interface {
	ID() string
	Status() Status
	Result() any
	Stop(ctx context.Context) error
}

// Record answers status queries for a job persisted by another process.
type Record struct {
	status Status
}

var _ Handle = (*Record)(nil)

// NewRecord wraps a persisted snapshot.
func NewRecord(status Status) *Record {
	return &Record{status: status}
}

// ID returns the job ID.
func (r *Record) ID() string { return r.status.ID }

// Status returns the persisted snapshot.
func (r *Record) Status() Status { return r.status }

// Result returns the persisted result, nil unless complete.
func (r *Record) Result() any { return r.status.Result }

// Stop always fails: a record has no work attached.
func (r *Record) Stop(context.Context) error {
	return fmt.Errorf("stop %s: %w", r.status.ID, ErrReadOnly)
}
