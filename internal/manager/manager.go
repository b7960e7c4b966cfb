// Package manager starts, tracks and stops crawl jobs and keeps their status
// in the job cache.
package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/wiki-circuit/internal/cache"
	"github.com/JakeFAU/wiki-circuit/internal/clock/system"
	"github.com/JakeFAU/wiki-circuit/internal/crawler"
	"github.com/JakeFAU/wiki-circuit/internal/job"
	"github.com/JakeFAU/wiki-circuit/internal/metrics"
)

var (
	// ErrAlreadyComplete is returned when a job with the same id finished.
	ErrAlreadyComplete = errors.New("job already complete")
	// ErrAlreadyRunning is returned when a job with the same id is in progress.
	ErrAlreadyRunning = errors.New("job already running")
	// ErrNotFound is returned when no tier holds the job.
	ErrNotFound = errors.New("job not found")
	// ErrNotRunning is returned when stopping a job this process is not running.
	ErrNotRunning = errors.New("job not running")
	// ErrStoreFailed is returned when no tier accepted the new job.
	ErrStoreFailed = errors.New("job could not be stored")
	// ErrInvalidID is returned for a blank job id.
	ErrInvalidID = errors.New("job id is required")
)

// WorkFactory builds the work for one job.
type WorkFactory func() (job.Work[crawler.Params], error)

// Option customizes a Manager.
type Option func(*Manager)

// WithPublisher publishes a crawler.JobEvent to topic when a job finishes.
func WithPublisher(p crawler.Publisher, topic string) Option {
	return func(m *Manager) {
		m.publisher = p
		m.topic = topic
	}
}

// WithArchive writes completed results to blobs.
func WithArchive(blobs crawler.BlobStore) Option {
	return func(m *Manager) { m.archive = blobs }
}

// WithThreshold sets the progress notification threshold for new jobs.
func WithThreshold(threshold float64) Option {
	return func(m *Manager) { m.threshold = threshold }
}

// WithClock overrides the clock handed to jobs.
func WithClock(c job.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithLogger sets the manager logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// StartOption customizes one job.
type StartOption func(*crawler.Params)

// WithMaxDepth overrides the configured crawl depth.
func WithMaxDepth(depth int) StartOption {
	return func(p *crawler.Params) { p.MaxDepth = depth }
}

// Manager owns the jobs running in this process.
type Manager struct {
	store     cache.Cache[job.Handle]
	newWork   WorkFactory
	publisher crawler.Publisher
	topic     string
	archive   crawler.BlobStore
	threshold float64
	clock     job.Clock
	logger    *zap.Logger

	// base outlives individual requests; fetches and listener writes use it.
	base context.Context

	mu      sync.Mutex
	running map[string]*job.Job[crawler.Params]
}

// New builds a Manager. base bounds every crawl and background write and is
// normally the process lifetime context.
func New(base context.Context, store cache.Cache[job.Handle], newWork WorkFactory, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("job store is required")
	}
	if newWork == nil {
		return nil, errors.New("work factory is required")
	}
	m := &Manager{
		store:     store,
		newWork:   newWork,
		threshold: job.DefaultThreshold,
		clock:     system.New(),
		logger:    zap.NewNop(),
		base:      base,
		running:   make(map[string]*job.Job[crawler.Params]),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Start runs a crawl rooted at id unless a complete or live job with that id
// exists. A faulted job is replaced.
func (m *Manager) Start(ctx context.Context, id string, opts ...StartOption) (job.Status, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return job.Status{}, ErrInvalidID
	}
	if !m.reserve(id) {
		return job.Status{}, fmt.Errorf("start %s: %w", id, ErrAlreadyRunning)
	}

	status, err := m.start(ctx, id, opts)
	if err != nil {
		m.release(id)
	}
	return status, err
}

func (m *Manager) start(ctx context.Context, id string, opts []StartOption) (job.Status, error) {
	logger := m.logger.With(zap.String("job_id", id))

	existing, found, err := m.store.Get(ctx, id)
	if err != nil {
		return job.Status{}, fmt.Errorf("look up %s: %w", id, err)
	}
	if found {
		switch state := existing.Status().Status; state {
		case job.StateComplete:
			return existing.Status(), fmt.Errorf("start %s: %w", id, ErrAlreadyComplete)
		case job.StateFaulted:
			res := m.store.Delete(ctx, id)
			logger.Info("replacing faulted job", zap.Stringer("delete", res))
		default:
			return existing.Status(), fmt.Errorf("start %s in state %s: %w", id, state, ErrAlreadyRunning)
		}
	}

	work, err := m.newWork()
	if err != nil {
		return job.Status{}, fmt.Errorf("build work for %s: %w", id, err)
	}
	params := crawler.Params{Document: id}
	for _, opt := range opts {
		opt(&params)
	}

	var j *job.Job[crawler.Params]
	j = job.New[crawler.Params](id, work,
		job.WithListener(func(s job.Status) { m.onStatus(j, s) }),
		job.WithThreshold(m.threshold),
		job.WithClock(m.clock),
		job.WithLogger(m.logger.Named("job")),
	)

	switch res := m.store.Set(ctx, id, j); res {
	case cache.WriteFailure:
		return job.Status{}, fmt.Errorf("store %s: %w", id, ErrStoreFailed)
	case cache.WritePartial:
		logger.Warn("job stored in some tiers only")
	}

	m.mu.Lock()
	m.running[id] = j
	m.mu.Unlock()
	metrics.IncRunningJobs()

	if err := j.Start(m.base, params); err != nil {
		return j.Status(), fmt.Errorf("start crawl: %w", err)
	}
	logger.Info("job accepted", zap.Int("max_depth", params.MaxDepth))
	return j.Status(), nil
}

// reserve claims id for a starting job.
func (m *Manager) reserve(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.running[id]; ok {
		return false
	}
	m.running[id] = nil
	return true
}

// release drops a reservation that never became a running job.
func (m *Manager) release(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.running[id]; ok && j == nil {
		delete(m.running, id)
	}
}

// onStatus persists every notified snapshot and finishes terminal jobs.
func (m *Manager) onStatus(j *job.Job[crawler.Params], s job.Status) {
	logger := m.logger.With(zap.String("job_id", s.ID))
	if res := m.store.Set(m.base, s.ID, j); res != cache.WriteSuccess {
		logger.Warn("persist job status", zap.Stringer("result", res), zap.String("state", string(s.Status)))
	}
	if !s.Status.IsTerminal() {
		return
	}

	m.mu.Lock()
	delete(m.running, s.ID)
	m.mu.Unlock()
	metrics.DecRunningJobs()
	metrics.ObserveJob(string(s.Status))

	event := crawler.JobEvent{
		JobID:      s.ID,
		State:      string(s.Status),
		Message:    s.Progress.Message,
		FinishedAt: s.EndTime,
		RunTimeMs:  s.RunTime,
	}
	if results, ok := s.Result.([]crawler.DocumentResult); ok {
		event.Documents = len(results)
	}
	if s.Status == job.StateComplete {
		uri, err := m.archiveResult(s)
		if err != nil {
			logger.Error("archive result", zap.Error(err))
		}
		event.ResultURI = uri
	}
	m.publish(event)
	logger.Info("job finished",
		zap.String("state", event.State),
		zap.Int("documents", event.Documents),
		zap.Int64("run_time_ms", event.RunTimeMs),
	)
}

func (m *Manager) archiveResult(s job.Status) (string, error) {
	if m.archive == nil {
		return "", nil
	}
	data, err := json.Marshal(s.Result)
	if err != nil {
		return "", fmt.Errorf("marshal result: %w", err)
	}
	uri, err := m.archive.PutObject(m.base, ResultPath(s.ID), "application/json", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("put result: %w", err)
	}
	return uri, nil
}

func (m *Manager) publish(event crawler.JobEvent) {
	if m.publisher == nil {
		return
	}
	if _, err := m.publisher.Publish(m.base, m.topic, event); err != nil {
		m.logger.Warn("publish job event", zap.String("job_id", event.JobID), zap.Error(err))
	}
}

// ResultPath is the archive object path of a job's result.
func ResultPath(id string) string {
	return "results/" + url.PathEscape(id) + ".json"
}

// Get returns the status of a job from the first tier that has it.
func (m *Manager) Get(ctx context.Context, id string) (job.Status, error) {
	h, found, err := m.store.Get(ctx, id)
	if err != nil {
		return job.Status{}, fmt.Errorf("get %s: %w", id, err)
	}
	if !found {
		return job.Status{}, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	return h.Status(), nil
}

// List returns the ids known to the job cache.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	keys, err := m.store.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return keys, nil
}

// Running returns the ids of jobs running in this process, sorted.
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.running))
	for id, j := range m.running {
		if j != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Stop stops one job running in this process and waits for it to drain.
func (m *Manager) Stop(ctx context.Context, id string) error {
	m.mu.Lock()
	j := m.running[id]
	m.mu.Unlock()
	if j == nil {
		return fmt.Errorf("stop %s: %w", id, ErrNotRunning)
	}
	if err := j.Stop(ctx); err != nil {
		return fmt.Errorf("stop job: %w", err)
	}
	return nil
}

// StopAll stops every running job concurrently.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	jobs := make([]*job.Job[crawler.Params], 0, len(m.running))
	for _, j := range m.running {
		if j != nil {
			jobs = append(jobs, j)
		}
	}
	m.mu.Unlock()

	errs := make([]error, len(jobs))
	var g errgroup.Group
	for i, j := range jobs {
		g.Go(func() error {
			errs[i] = j.Stop(ctx)
			return nil
		})
	}
	_ = g.Wait()
	if len(jobs) > 0 {
		m.logger.Info("stopped running jobs", zap.Int("count", len(jobs)))
	}
	return errors.Join(errs...)
}
