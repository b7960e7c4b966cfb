package job

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
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

type fakeWork struct {
	mu       sync.Mutex
	sink     Sink
	params   string
	startErr error
	stopErr  error
	stopped  int
}

func (w *fakeWork) Start(_ context.Context, sink Sink, params string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sink = sink
	w.params = params
	return w.startErr
}

func (w *fakeWork) Stop(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped++
	return w.stopErr
}

type recorder struct {
	mu       sync.Mutex
	statuses []Status
}

func (r *recorder) listen(s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.statuses))
	for i, s := range r.statuses {
		out[i] = s.Status
	}
	return out
}

func newTestJob(work *fakeWork, rec *recorder) (*Job[string], *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
	return New[string]("Go", work, WithClock(clock), WithListener(rec.listen)), clock
}

func TestStartTransitionsAndRejectsSecondStart(t *testing.T) {
	t.Parallel()
	work := &fakeWork{}
	rec := &recorder{}
	j, _ := newTestJob(work, rec)

	require.Equal(t, StateReady, j.Status().Status)
	require.NoError(t, j.Start(context.Background(), "params"))
	require.Equal(t, StateRunning, j.Status().Status)
	require.Equal(t, "params", work.params)
	require.Same(t, j, work.sink)

	err := j.Start(context.Background(), "again")
	require.ErrorIs(t, err, ErrNotReady)
	require.Equal(t, []State{StateRunning}, rec.states())
}

func TestWorkStartErrorFaultsJob(t *testing.T) {
	t.Parallel()
	work := &fakeWork{startErr: errors.New("no fetcher")}
	rec := &recorder{}
	j, _ := newTestJob(work, rec)

	err := j.Start(context.Background(), "p")
	require.ErrorContains(t, err, "no fetcher")
	status := j.Status()
	require.Equal(t, StateFaulted, status.Status)
	require.Equal(t, "no fetcher", status.Progress.Message)
	require.Equal(t, []State{StateRunning, StateFaulted}, rec.states())
}

func TestProgressIsThrottledAndMonotonic(t *testing.T) {
	t.Parallel()
	work := &fakeWork{}
	rec := &recorder{}
	j, _ := newTestJob(work, rec)
	require.NoError(t, j.Start(context.Background(), "p"))

	j.Progress(Progress{CompletedRatio: 0.02, Message: "a"})
	j.Progress(Progress{CompletedRatio: 0.04, Message: "b"})
	require.Len(t, rec.states(), 1, "below threshold must not notify")
	require.Equal(t, "b", j.Status().Progress.Message)

	j.Progress(Progress{CompletedRatio: 0.10})
	require.Len(t, rec.states(), 2)

	j.Progress(Progress{CompletedRatio: 0.01, Message: "shrunk"})
	require.Equal(t, 0.10, j.Status().Progress.CompletedRatio)
	require.Equal(t, "shrunk", j.Status().Progress.Message)

	j.Progress(Progress{CompletedRatio: 7})
	require.Equal(t, 1.0, j.Status().Progress.CompletedRatio)
}

func TestCompleteNotifiesOnceAndIsTerminal(t *testing.T) {
	t.Parallel()
	work := &fakeWork{}
	rec := &recorder{}
	j, clock := newTestJob(work, rec)
	require.NoError(t, j.Start(context.Background(), "p"))

	clock.Advance(1500 * time.Millisecond)
	j.Complete([]string{"Go", "Rust"})
	j.Complete([]string{"ignored"})
	j.Fault(errors.New("too late"))
	j.Progress(Progress{CompletedRatio: 0.5, Message: "too late"})

	status := j.Status()
	require.Equal(t, StateComplete, status.Status)
	require.Equal(t, []string{"Go", "Rust"}, j.Result())
	require.Equal(t, int64(1500), status.RunTime)
	require.Equal(t, 1.0, status.Progress.CompletedRatio)
	require.Empty(t, status.Progress.Message)
	require.Equal(t, []State{StateRunning, StateComplete}, rec.states())
}

func TestFaultRecordsMessageAndKeepsResultNil(t *testing.T) {
	t.Parallel()
	work := &fakeWork{}
	rec := &recorder{}
	j, _ := newTestJob(work, rec)
	require.NoError(t, j.Start(context.Background(), "p"))

	j.Fault(errors.New("404 Not Found: Nowhere"))
	j.Complete("ignored")

	status := j.Status()
	require.Equal(t, StateFaulted, status.Status)
	require.Equal(t, "404 Not Found: Nowhere", status.Progress.Message)
	require.Nil(t, status.Result)
	require.Equal(t, []State{StateRunning, StateFaulted}, rec.states())
}

func TestSignalsBeforeStartAreIgnored(t *testing.T) {
	t.Parallel()
	j, _ := newTestJob(&fakeWork{}, &recorder{})

	j.Progress(Progress{CompletedRatio: 0.5})
	j.Complete("x")
	j.Fault(errors.New("x"))
	require.Equal(t, StateReady, j.Status().Status)
	require.Zero(t, j.Status().Progress.CompletedRatio)
}

func TestStopDelegatesToWork(t *testing.T) {
	t.Parallel()
	work := &fakeWork{}
	j, _ := newTestJob(work, &recorder{})

	require.NoError(t, j.Stop(context.Background()))
	require.Equal(t, 1, work.stopped)

	work.stopErr = context.DeadlineExceeded
	require.ErrorIs(t, j.Stop(context.Background()), context.DeadlineExceeded)
}

func TestSerializerProducesReadOnlyRecord(t *testing.T) {
	t.Parallel()
	work := &fakeWork{}
	j, _ := newTestJob(work, &recorder{})
	require.NoError(t, j.Start(context.Background(), "p"))
	j.Progress(Progress{CompletedRatio: 0.5, Message: "Downloaded 1 of 2"})

	data, err := Serializer{}.Marshal(j)
	require.NoError(t, err)
	require.Contains(t, string(data), `"completedRatio":0.5`)
	require.Contains(t, string(data), `"status":"running"`)

	h, err := Serializer{}.Unmarshal(data)
	require.NoError(t, err)
	require.IsType(t, &Record{}, h)
	require.Equal(t, "Go", h.ID())
	require.Equal(t, StateRunning, h.Status().Status)
	require.Equal(t, "Downloaded 1 of 2", h.Status().Progress.Message)
	require.ErrorIs(t, h.Stop(context.Background()), ErrReadOnly)

	_, err = Serializer{}.Unmarshal([]byte(`{"status":"running"}`))
	require.Error(t, err)
}
