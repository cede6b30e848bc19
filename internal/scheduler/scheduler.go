// Package scheduler executes a pipeline's job graph. A single decision loop
// owns the DAG state; eligible jobs run on a bounded worker pool and report
// back over a channel, so no status transition ever races another.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gantry/internal/cache"
	"gantry/internal/container"
	"gantry/internal/harness"
	"gantry/internal/logger"
	"gantry/internal/observability"
	"gantry/internal/pipeline"
	"gantry/internal/publish"
	"gantry/internal/runtime"
	"gantry/internal/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const defaultJobTimeout = 30 * time.Minute

// Options configures a Scheduler.
type Options struct {
	Runtime   runtime.Runtime
	Cache     cache.Cache
	Builder   container.Builder
	Publisher *publish.Publisher
	Store     store.RunStore
	Logger    *slog.Logger

	// Concurrency bounds the number of jobs executing at once.
	Concurrency int

	// DefaultJobTimeout applies to jobs that do not declare their own.
	DefaultJobTimeout time.Duration
}

// Scheduler turns a parsed pipeline into a recorded run.
type Scheduler struct {
	runtime    runtime.Runtime
	cache      cache.Cache
	builder    container.Builder
	publisher  *publish.Publisher
	store      store.RunStore
	harness    *harness.Harness
	logger     *slog.Logger
	metrics    *observability.EngineMetrics
	slots      int
	jobTimeout time.Duration
}

// New creates a scheduler.
func New(opts Options) *Scheduler {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.DefaultJobTimeout <= 0 {
		opts.DefaultJobTimeout = defaultJobTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	// Instruments no-op until the metrics provider is installed.
	metrics, err := observability.NewEngineMetrics()
	if err != nil {
		opts.Logger.Error("creating engine metrics", "error", err)
	}
	return &Scheduler{
		runtime:    opts.Runtime,
		cache:      opts.Cache,
		builder:    opts.Builder,
		publisher:  opts.Publisher,
		store:      opts.Store,
		harness:    harness.New(opts.Runtime, opts.Logger),
		logger:     opts.Logger,
		metrics:    metrics,
		slots:      opts.Concurrency,
		jobTimeout: opts.DefaultJobTimeout,
	}
}

// Request describes one run of a pipeline for a triggering revision.
type Request struct {
	Pipeline *pipeline.Pipeline
	Revision string
	Branch   string

	// Workdir is the checked-out source tree. Artifact inputs, build
	// contexts, and artifact paths resolve relative to it.
	Workdir string

	// Env is passed through to every job's environment on top of the
	// job's own env block.
	Env map[string]string
}

// Outcome is the aggregate result of a run.
type Outcome struct {
	RunID  uuid.UUID
	Status store.RunStatus
	// Jobs are the final job results in pipeline declaration order.
	Jobs []store.JobResult
	// Images holds the multi-arch artifact produced by each image job.
	Images map[string]*container.MultiArchImage
}

// completion is what a worker goroutine reports back to the decision loop.
type completion struct {
	result store.JobResult
	image  *container.MultiArchImage
}

// Execute runs the whole graph and blocks until every job is terminal. A
// failed job fails the run but never stops independent branches; only
// cancellation and cache poisoning abort outstanding work. The returned
// error covers scheduler-level problems, not job failures.
func (s *Scheduler) Execute(ctx context.Context, req Request) (*Outcome, error) {
	// The graph must be self-contained. Parse guarantees this for loaded
	// pipelines; hand-built ones get the same check before anything is
	// recorded.
	for i := range req.Pipeline.Jobs {
		for _, dep := range req.Pipeline.Jobs[i].Needs {
			if _, ok := req.Pipeline.JobByName(dep); !ok {
				return nil, fmt.Errorf("job %q needs unknown job %q", req.Pipeline.Jobs[i].Name, dep)
			}
		}
	}

	run := &store.Run{
		ID:        uuid.New(),
		Pipeline:  req.Pipeline.Name,
		Revision:  req.Revision,
		Branch:    req.Branch,
		Status:    store.RunStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}

	// Every log line below here carries the run ID via the context.
	ctx = logger.WithRunID(ctx, run.ID.String())
	log := logger.FromContext(ctx, s.logger)

	results := make(map[string]*store.JobResult, len(req.Pipeline.Jobs))
	for i := range req.Pipeline.Jobs {
		result := &store.JobResult{
			ID:      uuid.New(),
			RunID:   run.ID,
			JobName: req.Pipeline.Jobs[i].Name,
			Status:  store.JobStatusPending,
		}
		if err := s.store.CreateJobResult(ctx, result); err != nil {
			return nil, fmt.Errorf("creating job result: %w", err)
		}
		results[result.JobName] = result
	}

	s.persistRunStatus(ctx, run.ID, store.RunStatusRunning)
	log.Info("run started",
		"pipeline", req.Pipeline.Name,
		"revision", req.Revision, "branch", req.Branch)

	sem := make(chan struct{}, s.slots)
	done := make(chan completion)
	var wg sync.WaitGroup

	images := make(map[string]*container.MultiArchImage)
	running := 0
	halted := false // no new dispatches: run cancelled or fatally poisoned
	fatal := false
	cancelled := ctx.Done()

	for {
		if !halted {
			running += s.dispatch(ctx, req, results, images, sem, done, &wg)
		}
		if allTerminal(results) {
			break
		}
		if running == 0 {
			if halted {
				break
			}
			// Unreachable with a cycle-checked graph.
			return nil, fmt.Errorf("scheduler stalled: no runnable jobs and none in flight")
		}

		select {
		case c := <-done:
			running--
			*results[c.result.JobName] = c.result
			s.persistJobResult(ctx, results[c.result.JobName])
			s.recordJob(ctx, &c.result)
			if c.image != nil {
				images[c.result.JobName] = c.image
			}
			if c.result.FailureClass == store.FailureCache {
				// A poisoned cache invalidates every conclusion this
				// run could still reach.
				fatal = true
				halted = true
				s.skipPending(ctx, results, store.SkipReasonCancelled)
			}
		case <-cancelled:
			halted = true
			cancelled = nil
			s.skipPending(ctx, results, store.SkipReasonCancelled)
		}
	}

	wg.Wait()

	status := s.aggregate(ctx, results, fatal)
	s.persistRunStatus(ctx, run.ID, status)
	if s.metrics != nil {
		s.metrics.RunsTotal.Add(context.WithoutCancel(ctx), 1,
			metric.WithAttributes(attribute.String("status", string(status))))
	}
	log.Info("run finished", "status", status)

	outcome := &Outcome{RunID: run.ID, Status: status, Images: images}
	for i := range req.Pipeline.Jobs {
		outcome.Jobs = append(outcome.Jobs, *results[req.Pipeline.Jobs[i].Name])
	}
	return outcome, nil
}

// dispatch starts every job that became eligible, skipping the ones whose
// gate closed. It loops to a fixpoint because each skip can unblock
// downstream skips. Returns the number of goroutines started.
func (s *Scheduler) dispatch(
	ctx context.Context,
	req Request,
	results map[string]*store.JobResult,
	images map[string]*container.MultiArchImage,
	sem chan struct{},
	done chan<- completion,
	wg *sync.WaitGroup,
) int {
	started := 0
	for {
		progressed := false
		for i := range req.Pipeline.Jobs {
			job := &req.Pipeline.Jobs[i]
			result := results[job.Name]
			if result.Status != store.JobStatusPending {
				continue
			}
			terminal, failedDep := depsState(job, results)
			if !terminal {
				continue
			}
			if failedDep {
				s.skip(ctx, result, store.SkipReasonUpstream)
				progressed = true
				continue
			}
			// Predicate is evaluated only now, after every declared
			// dependency succeeded.
			if !job.When.Matches(req.Branch) {
				s.skip(ctx, result, store.SkipReasonPredicate)
				progressed = true
				continue
			}

			select {
			case sem <- struct{}{}:
			default:
				continue // pool full, retry after a completion
			}

			now := time.Now().UTC()
			result.Status = store.JobStatusRunning
			result.StartedAt = &now
			s.persistJobResult(ctx, result)

			upstream := upstreamImages(job, images)
			wg.Add(1)
			started++
			progressed = true
			go func(job *pipeline.Job, snapshot store.JobResult) {
				defer wg.Done()
				defer func() { <-sem }()
				done <- s.executeJob(ctx, req, job, snapshot, upstream)
			}(job, *result)
		}
		if !progressed {
			return started
		}
	}
}

// depsState reports whether all of the job's dependencies are terminal and
// whether any of them failed to succeed.
func depsState(job *pipeline.Job, results map[string]*store.JobResult) (terminal, failedDep bool) {
	for _, dep := range job.Needs {
		r := results[dep]
		if !r.Status.Terminal() {
			return false, false
		}
		if r.Status != store.JobStatusSucceeded {
			failedDep = true
		}
	}
	return true, failedDep
}

// upstreamImages collects the multi-arch artifacts built by the job's
// dependencies, for publish jobs.
func upstreamImages(job *pipeline.Job, images map[string]*container.MultiArchImage) map[string]*container.MultiArchImage {
	out := make(map[string]*container.MultiArchImage)
	for _, dep := range job.Needs {
		if img, ok := images[dep]; ok {
			out[dep] = img
		}
	}
	return out
}

func allTerminal(results map[string]*store.JobResult) bool {
	for _, r := range results {
		if !r.Status.Terminal() {
			return false
		}
	}
	return true
}

func (s *Scheduler) skipPending(ctx context.Context, results map[string]*store.JobResult, reason store.SkipReason) {
	for _, r := range results {
		if r.Status == store.JobStatusPending {
			s.skip(ctx, r, reason)
		}
	}
}

func (s *Scheduler) skip(ctx context.Context, result *store.JobResult, reason store.SkipReason) {
	now := time.Now().UTC()
	result.Status = store.JobStatusSkipped
	result.SkipReason = reason
	result.FinishedAt = &now
	s.persistJobResult(ctx, result)
	logger.FromContext(ctx, s.logger).Info("job skipped", "job", result.JobName, "reason", reason)
}

// aggregate decides the run's terminal status. Skips never fail a run; a
// publish skipped by its branch predicate is still a green run.
func (s *Scheduler) aggregate(ctx context.Context, results map[string]*store.JobResult, fatal bool) store.RunStatus {
	failed := fatal
	for _, r := range results {
		if r.Status == store.JobStatusFailed {
			failed = true
		}
	}
	switch {
	case failed:
		return store.RunStatusFailed
	case ctx.Err() != nil:
		return store.RunStatusCancelled
	default:
		return store.RunStatusSucceeded
	}
}

func (s *Scheduler) recordJob(ctx context.Context, result *store.JobResult) {
	if s.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", string(result.Status)))
	s.metrics.JobsTotal.Add(context.WithoutCancel(ctx), 1, attrs)
	if result.StartedAt != nil && result.FinishedAt != nil {
		s.metrics.JobSeconds.Record(context.WithoutCancel(ctx),
			result.FinishedAt.Sub(*result.StartedAt).Seconds(), attrs)
	}
}

// Store writes on terminal paths must survive run cancellation.

func (s *Scheduler) persistJobResult(ctx context.Context, result *store.JobResult) {
	if err := s.store.UpdateJobResult(context.WithoutCancel(ctx), result); err != nil {
		s.logger.Error("persisting job result", "job", result.JobName, "error", err)
	}
}

func (s *Scheduler) persistRunStatus(ctx context.Context, id uuid.UUID, status store.RunStatus) {
	if err := s.store.UpdateRunStatus(context.WithoutCancel(ctx), id, status); err != nil {
		s.logger.Error("persisting run status", "run_id", id, "error", err)
	}
}
