package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gantry/internal/cache"
	"gantry/internal/container"
	"gantry/internal/harness"
	"gantry/internal/logger"
	"gantry/internal/pipeline"
	"gantry/internal/publish"
	"gantry/internal/runtime"
	"gantry/internal/store"

	"github.com/opencontainers/go-digest"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// executeJob runs one job to a terminal status. It owns only its snapshot of
// the job result; the decision loop merges the returned copy back in.
func (s *Scheduler) executeJob(
	ctx context.Context,
	req Request,
	job *pipeline.Job,
	result store.JobResult,
	upstream map[string]*container.MultiArchImage,
) completion {
	timeout := s.jobTimeout
	if job.TimeoutSeconds > 0 {
		timeout = time.Duration(job.TimeoutSeconds) * time.Second
	}
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tracer := otel.Tracer("scheduler")
	jobCtx, span := tracer.Start(jobCtx, "execute_job",
		trace.WithAttributes(
			attribute.String("run.id", result.RunID.String()),
			attribute.String("job.name", job.Name),
			attribute.String("job.kind", string(job.Kind)),
		),
	)
	defer span.End()

	log := logger.FromContext(ctx, s.logger)
	log.Info("job started", "job", job.Name, "kind", job.Kind)

	var image *container.MultiArchImage
	var skipped bool
	var err error

	switch job.Kind {
	case pipeline.KindRun:
		err = s.runJob(jobCtx, req, job, &result)
	case pipeline.KindImage:
		image, err = s.buildJob(jobCtx, req, job)
	case pipeline.KindIntegration:
		err = s.integrationJob(jobCtx, req, job, &result)
	case pipeline.KindPublish:
		skipped, err = s.publishJob(jobCtx, req, job, &result, upstream)
	default:
		err = fmt.Errorf("unknown job kind %q", job.Kind)
	}

	now := time.Now().UTC()
	result.FinishedAt = &now

	switch {
	case err == nil && skipped:
		result.Status = store.JobStatusSkipped
		result.SkipReason = store.SkipReasonPredicate
	case err == nil:
		result.Status = store.JobStatusSucceeded
	case errors.Is(ctx.Err(), context.Canceled):
		// The run was torn down under the job, not the job's own fault.
		result.Status = store.JobStatusSkipped
		result.SkipReason = store.SkipReasonCancelled
	default:
		span.RecordError(err)
		result.Status = store.JobStatusFailed
		result.FailureClass = classify(err)
		msg := err.Error()
		result.ErrorMessage = &msg
		log.Error("job failed",
			"job", job.Name, "class", result.FailureClass, "error", err)
	}

	if result.Status == store.JobStatusSucceeded {
		log.Info("job succeeded", "job", job.Name)
	}
	return completion{result: result, image: image}
}

// classify maps a job error onto the stored failure taxonomy.
func classify(err error) store.FailureClass {
	var provisionErr *runtime.ProvisionError
	var cmdErr *runtime.CommandError
	var consistencyErr *cache.ConsistencyError
	var readyErr *harness.ReadinessTimeoutError
	var platformErr *container.PartialPlatformError
	switch {
	case errors.As(err, &provisionErr):
		return store.FailureProvision
	case errors.As(err, &cmdErr):
		return store.FailureCommand
	case errors.As(err, &consistencyErr):
		return store.FailureCache
	case errors.As(err, &readyErr):
		return store.FailureReadiness
	case errors.As(err, &platformErr):
		return store.FailurePlatform
	default:
		return store.FailureInternal
	}
}

// runJob provisions an environment and executes the job's commands in
// order. When every declared artifact is already cached for the current
// inputs, the job succeeds without provisioning anything.
func (s *Scheduler) runJob(ctx context.Context, req Request, job *pipeline.Job, result *store.JobResult) error {
	if len(job.Artifacts) > 0 {
		hit, err := s.cachedArtifacts(ctx, req, job, result)
		if err != nil {
			return err
		}
		if hit {
			code := 0
			result.ExitCode = &code
			return nil
		}
	}

	env, err := s.runtime.Provision(ctx, runtime.EnvSpec{
		Name:  job.Name,
		Image: job.Image,
		Tools: job.Tools,
		Env:   mergeEnv(req.Env, job.Env),
	})
	if err != nil {
		return err
	}
	defer env.Close(context.WithoutCancel(ctx))

	for _, command := range job.Run {
		res, execErr := env.Exec(ctx, command)
		if len(res.Output) > 0 {
			s.appendLog(ctx, result, string(res.Output))
		}
		if execErr != nil {
			return execErr
		}
		if !res.Ok() {
			code := res.ExitCode
			result.ExitCode = &code
			return &runtime.CommandError{Command: command, ExitCode: res.ExitCode}
		}
	}
	code := 0
	result.ExitCode = &code

	for _, decl := range job.Artifacts {
		content, err := os.ReadFile(filepath.Join(req.Workdir, decl.Path))
		if err != nil {
			return fmt.Errorf("reading artifact %q: %w", decl.Name, err)
		}
		fp, err := s.artifactFingerprint(req.Workdir, job, decl)
		if err != nil {
			return err
		}
		if _, err := s.cache.Store(ctx, fp, decl.Name, content); err != nil {
			return err
		}
	}
	return nil
}

// cachedArtifacts reports whether every declared artifact is present for
// the job's current inputs.
func (s *Scheduler) cachedArtifacts(ctx context.Context, req Request, job *pipeline.Job, result *store.JobResult) (bool, error) {
	for _, decl := range job.Artifacts {
		fp, err := s.artifactFingerprint(req.Workdir, job, decl)
		if err != nil {
			return false, err
		}
		_, ok, err := s.cache.Lookup(ctx, fp)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	logger.FromContext(ctx, s.logger).Info("cache hit", "job", job.Name)
	if s.metrics != nil {
		s.metrics.CacheHits.Add(ctx, 1)
	}
	s.appendLog(ctx, result, "cache hit: all declared artifacts up to date\n")
	return true, nil
}

// artifactFingerprint derives the cache key from the declared inputs plus
// everything that shapes the artifact's bytes: the environment image, the
// tool set, and the command list. Inputs naming paths under the workdir
// contribute their content hash; anything else (a tool version, a build
// flag) contributes its literal value. Run identity and wall clock never
// participate.
func (s *Scheduler) artifactFingerprint(workdir string, job *pipeline.Job, decl pipeline.ArtifactDecl) (digest.Digest, error) {
	parts := []string{decl.Name, job.Image}
	parts = append(parts, job.Tools...)
	parts = append(parts, job.Run...)
	for _, input := range decl.Inputs {
		path := filepath.Join(workdir, input)
		info, err := os.Stat(path)
		if err != nil {
			parts = append(parts, input)
			continue
		}
		if info.IsDir() {
			d, err := cache.HashTree(path)
			if err != nil {
				return "", fmt.Errorf("hashing input %q: %w", input, err)
			}
			parts = append(parts, input+"="+d.String())
			continue
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("hashing input %q: %w", input, err)
		}
		parts = append(parts, input+"="+digest.FromBytes(content).String())
	}
	return cache.Fingerprint(parts...), nil
}

// buildJob fans the image build out across the declared platforms.
func (s *Scheduler) buildJob(ctx context.Context, req Request, job *pipeline.Job) (*container.MultiArchImage, error) {
	platforms := make([]container.Platform, 0, len(job.Build.Platforms))
	for _, raw := range job.Build.Platforms {
		p, err := container.ParsePlatform(raw)
		if err != nil {
			return nil, err
		}
		platforms = append(platforms, p)
	}
	return container.FanOut(ctx, s.builder, container.FanOutSpec{
		Repository: job.Build.Repository,
		Revision:   req.Revision,
		ContextDir: filepath.Join(req.Workdir, job.Build.Context),
		Dockerfile: job.Build.Dockerfile,
		Platforms:  platforms,
		BuildArgs:  job.Build.BuildArgs,
	})
}

// integrationJob runs the declared topology and test script.
func (s *Scheduler) integrationJob(ctx context.Context, req Request, job *pipeline.Job, result *store.JobResult) error {
	report, err := s.harness.Run(ctx, job.Topology, mergeEnv(req.Env, job.Env))
	if err != nil {
		return err
	}
	if len(report.Output) > 0 {
		s.appendLog(ctx, result, string(report.Output))
	}
	code := report.ExitCode
	result.ExitCode = &code
	if !report.Passed {
		return &runtime.CommandError{Command: job.Topology.Script, ExitCode: report.ExitCode}
	}
	return nil
}

// publishJob pushes the multi-arch artifact built by an upstream image job.
// A publish gated off by the branch predicate is skipped, never failed.
func (s *Scheduler) publishJob(ctx context.Context, req Request, job *pipeline.Job, result *store.JobResult, upstream map[string]*container.MultiArchImage) (skipped bool, err error) {
	var img *container.MultiArchImage
	for _, dep := range job.Needs {
		if candidate, ok := upstream[dep]; ok {
			img = candidate
			break
		}
	}
	if img == nil {
		return false, fmt.Errorf("publish job %q has no image-producing dependency", job.Name)
	}

	res, err := s.publisher.Publish(ctx, img, req.Branch)
	if err != nil {
		return false, err
	}
	if res.Status == publish.StatusSkipped {
		return true, nil
	}
	s.appendLog(ctx, result, fmt.Sprintf("pushed %s tags=%v\n", res.Reference, res.Tags))
	return false, nil
}

func (s *Scheduler) appendLog(ctx context.Context, result *store.JobResult, content string) {
	err := s.store.AppendJobLog(context.WithoutCancel(ctx), result.RunID, result.JobName, content)
	if err != nil {
		s.logger.Error("appending job log", "job", result.JobName, "error", err)
	}
}

func mergeEnv(base, extra map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}
