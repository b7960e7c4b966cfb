package crawler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/wiki-circuit/internal/job"
	"github.com/JakeFAU/wiki-circuit/internal/metrics"
)

const tracerName = "github.com/JakeFAU/wiki-circuit/internal/crawler"

var (
	// ErrStopped is the fault reported when a running crawl is stopped.
	ErrStopped = errors.New("crawl stopped")
	// ErrAlreadyStarted is returned when an engine is started twice.
	ErrAlreadyStarted = errors.New("crawl already started")
)

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithTracer overrides the global tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

// Engine crawls the link graph breadth-first from one root document while
// keeping at most Config.MaxParallelDownloads fetches in flight. An Engine
// runs a single crawl; create one per job.
//
// All crawl state is guarded by mu, which is also held while reporting to the
// sink, so reports for one job never overlap.
type Engine struct {
	cfg       Config
	fetcher   Fetcher
	extractor LinkExtractor
	logger    *zap.Logger
	tracer    trace.Tracer

	mu          sync.Mutex
	ctx         context.Context
	sink        job.Sink
	maxDepth    int
	started     bool
	finished    bool
	results     map[string]*DocumentResult
	queue       frontier
	downloading map[string]struct{}
	inFlight    int
	totals      map[int]*DepthTotals

	wg sync.WaitGroup
}

var _ job.Work[Params] = (*Engine)(nil)

// NewEngine validates cfg and builds an idle engine.
func NewEngine(cfg Config, fetcher Fetcher, extractor LinkExtractor, opts ...Option) (*Engine, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if extractor == nil {
		return nil, errors.New("link extractor is required")
	}
	if cfg.MaxParallelDownloads <= 0 {
		return nil, fmt.Errorf("max parallel downloads must be > 0, got %d", cfg.MaxParallelDownloads)
	}
	if cfg.MaxDepth <= 0 {
		return nil, fmt.Errorf("max depth must be > 0, got %d", cfg.MaxDepth)
	}
	e := &Engine{
		cfg:         cfg,
		fetcher:     fetcher,
		extractor:   extractor,
		logger:      zap.NewNop(),
		tracer:      otel.Tracer(tracerName),
		results:     make(map[string]*DocumentResult),
		downloading: make(map[string]struct{}),
		totals:      make(map[int]*DepthTotals),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Start seeds the frontier with the root document and begins fetching. It
// returns immediately; the crawl reports through sink. ctx bounds every fetch
// and must outlive the crawl. An engine stopped before Start returns
// ErrStopped.
func (e *Engine) Start(ctx context.Context, sink job.Sink, params Params) error {
	root := strings.ReplaceAll(strings.TrimSpace(params.Document), " ", "_")
	if root == "" {
		return errors.New("root document is required")
	}
	maxDepth := e.cfg.MaxDepth
	if params.MaxDepth > 0 {
		maxDepth = params.MaxDepth
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return ErrAlreadyStarted
	}
	if e.finished {
		return ErrStopped
	}
	e.started = true
	e.ctx = ctx
	e.sink = sink
	e.maxDepth = maxDepth
	e.logger = e.logger.With(zap.String("root", root), zap.Int("max_depth", maxDepth))

	e.totals[0] = &DepthTotals{Links: 1, Queued: 1}
	e.totals[1] = &DepthTotals{Links: 1, Queued: 1}
	for d := 2; d <= maxDepth; d++ {
		e.totals[d] = &DepthTotals{}
	}
	e.downloading[root] = struct{}{}
	e.queue.push(root, 1)

	e.logger.Info("crawl started")
	e.drainLocked()
	return nil
}

// Stop faults a running crawl with ErrStopped, stops frontier expansion and
// waits for in-flight fetches to settle or for ctx to end.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.started && !e.finished {
		e.sink.Fault(ErrStopped)
		e.logger.Info("crawl stopped", zap.Int("in_flight", e.inFlight))
	}
	e.finished = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for in-flight fetches: %w", ctx.Err())
	}
}

// drainLocked starts fetches until the frontier is empty or the parallelism
// limit is reached.
func (e *Engine) drainLocked() {
	for e.queue.len() > 0 && e.inFlight < e.cfg.MaxParallelDownloads {
		item, _ := e.queue.pop()
		e.visitLocked(item)
	}
}

func (e *Engine) visitLocked(item frontierItem) {
	if _, ok := e.results[item.name]; !ok {
		e.results[item.name] = &DocumentResult{Name: item.name, Depth: item.depth, ReferenceCount: 1}
	}
	e.inFlight++
	e.wg.Add(1)
	go e.fetch(item)
}

func (e *Engine) fetch(item frontierItem) {
	defer e.wg.Done()

	ctx, span := e.tracer.Start(e.ctx, "crawler.visit", trace.WithAttributes(
		attribute.String("crawler.document", item.name),
		attribute.Int("crawler.depth", item.depth),
	))
	defer span.End()

	start := time.Now()
	resp, err := e.fetcher.Fetch(ctx, FetchRequest{
		URL:      e.cfg.BaseURL + item.name,
		Document: item.name,
		Depth:    item.depth,
	})
	metrics.ObserveFetch(resp.StatusCode, time.Since(start))

	var links map[string]int
	switch {
	case err != nil:
		err = fmt.Errorf("fetch %s: %w", item.name, err)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		err = &StatusError{Document: item.name, StatusCode: resp.StatusCode}
	default:
		links, err = e.extractor.ExtractLinks(resp.Body)
		if err != nil {
			err = fmt.Errorf("extract links from %s: %w", item.name, err)
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.Int("crawler.links", len(links)))

	e.settle(item, links, err)
}

// settle records the outcome of one visit, reports progress and either
// refills the in-flight set or completes the crawl.
func (e *Engine) settle(item frontierItem, links map[string]int, fetchErr error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.inFlight--
	if fetchErr != nil {
		if !e.finished {
			e.finished = true
			e.logger.Warn("fetch failed; faulting crawl",
				zap.String("document", item.name),
				zap.Error(fetchErr),
			)
			e.sink.Fault(fetchErr)
		}
	} else if !e.finished {
		e.expandLocked(item, links)
	}
	e.totals[item.depth].Downloaded++
	e.totals[0].Downloaded++

	if e.finished {
		return
	}
	e.sink.Progress(e.progressLocked())
	e.drainLocked()

	if e.queue.len() == 0 && e.inFlight == 0 {
		e.finished = true
		results := e.sortedResultsLocked()
		e.logger.Info("crawl complete",
			zap.Int("documents", len(results)),
			zap.Int("downloaded", e.totals[0].Downloaded),
		)
		e.sink.Complete(results)
	}
}

func (e *Engine) expandLocked(item frontierItem, links map[string]int) {
	names := make([]string, 0, len(links))
	for name := range links {
		if name != item.name {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	e.results[item.name].LinkedDocuments = names

	next := item.depth + 1
	for _, name := range names {
		if existing, ok := e.results[name]; ok {
			existing.ReferenceCount++
			if next < existing.Depth {
				existing.Depth = next
			}
		} else {
			e.results[name] = &DocumentResult{Name: name, Depth: next, ReferenceCount: 1}
		}
		// A name seen only beyond maxDepth stays unmarked so a shallower
		// path found later still fetches it.
		if next > e.maxDepth {
			continue
		}
		if _, seen := e.downloading[name]; seen {
			continue
		}
		e.downloading[name] = struct{}{}
		e.queue.push(name, next)
		count := links[name]
		e.totals[next].Links += count
		e.totals[next].Queued++
		e.totals[0].Links += count
		e.totals[0].Queued++
	}
}

func (e *Engine) progressLocked() job.Progress {
	total := e.totals[0]
	ratio := 0.0
	if total.Queued > 0 {
		ratio = float64(total.Downloaded) / float64(total.Queued)
	}
	sample := make(map[int]DepthTotals, len(e.totals))
	for depth, t := range e.totals {
		sample[depth] = *t
	}
	return job.Progress{
		CompletedRatio: ratio,
		Message:        fmt.Sprintf("Downloaded %d of %d", total.Downloaded, total.Queued),
		SampleData:     sample,
	}
}

// sortedResultsLocked orders results by reference count, then depth, then
// name.
func (e *Engine) sortedResultsLocked() []DocumentResult {
	out := make([]DocumentResult, 0, len(e.results))
	for _, r := range e.results {
		copied := *r
		copied.LinkedDocuments = append([]string(nil), r.LinkedDocuments...)
		out = append(out, copied)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ReferenceCount != out[j].ReferenceCount {
			return out[i].ReferenceCount > out[j].ReferenceCount
		}
		if out[i].Depth != out[j].Depth {
			return out[i].Depth < out[j].Depth
		}
		return out[i].Name < out[j].Name
	})
	return out
}
