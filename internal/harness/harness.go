// Package harness runs integration topologies: a backing store plus the
// service under test, with readiness gating and guaranteed teardown.
package harness

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gantry/internal/pipeline"
	"gantry/internal/runtime"
)

const (
	defaultReadinessTimeout = 120 * time.Second
	readinessPollInterval   = 2 * time.Second
)

// ReadinessTimeoutError reports that a service never became ready within its
// bound. It is a hard failure: the test script is never invoked.
type ReadinessTimeoutError struct {
	Service string
	Timeout time.Duration
}

func (e *ReadinessTimeoutError) Error() string {
	return fmt.Sprintf("service %q not ready after %s", e.Service, e.Timeout)
}

// Report is the outcome of one integration run.
type Report struct {
	Passed   bool
	ExitCode int
	// Output is the test script's stdout/stderr, captured verbatim.
	Output []byte
}

// Harness executes integration topologies on a runtime.
type Harness struct {
	runtime runtime.Runtime
	logger  *slog.Logger
}

// New creates a harness on the given runtime.
func New(rt runtime.Runtime, logger *slog.Logger) *Harness {
	return &Harness{runtime: rt, logger: logger}
}

// Run brings up the topology in declaration order, waits for each service's
// readiness before starting the next, executes the test script inside the
// primary (last) service, and tears everything down on every exit path.
//
// Ordering matters: the backing store is declared before the primary
// service, so it is observably ready before the primary's own readiness
// check means anything.
func (h *Harness) Run(ctx context.Context, topo *pipeline.Topology, extraEnv map[string]string) (*Report, error) {
	if len(topo.Services) == 0 {
		return nil, fmt.Errorf("topology has no services")
	}
	if topo.Script == "" {
		return nil, fmt.Errorf("topology has no test script")
	}

	timeout := defaultReadinessTimeout
	if topo.ReadinessTimeoutSeconds > 0 {
		timeout = time.Duration(topo.ReadinessTimeoutSeconds) * time.Second
	}

	var envs []runtime.Environment
	defer func() {
		// Teardown runs on success, failure, and cancellation alike.
		teardownCtx := context.WithoutCancel(ctx)
		for i := len(envs) - 1; i >= 0; i-- {
			if err := envs[i].Close(teardownCtx); err != nil {
				h.logger.Warn("teardown failed", "error", err)
			}
		}
	}()

	for _, svc := range topo.Services {
		env := mergeEnv(svc.Env, extraEnv)
		h.logger.Info("starting service", "service", svc.Name, "image", svc.Image)

		environment, err := h.runtime.Provision(ctx, runtime.EnvSpec{
			Name:  svc.Name,
			Image: svc.Image,
			Env:   env,
		})
		if err != nil {
			return nil, fmt.Errorf("starting service %q: %w", svc.Name, err)
		}
		envs = append(envs, environment)

		if err := h.awaitReady(ctx, environment, svc, timeout); err != nil {
			return nil, err
		}
		h.logger.Info("service ready", "service", svc.Name)
	}

	primary := envs[len(envs)-1]
	h.logger.Info("running integration script", "script", topo.Script)

	res, err := primary.Exec(ctx, topo.Script)
	if err != nil {
		return nil, fmt.Errorf("executing test script: %w", err)
	}

	return &Report{
		Passed:   res.Ok(),
		ExitCode: res.ExitCode,
		Output:   res.Output,
	}, nil
}

// awaitReady polls the service's readiness probe until it exits zero or the
// timeout elapses. Services without a probe count as ready immediately.
func (h *Harness) awaitReady(ctx context.Context, env runtime.Environment, svc pipeline.Service, timeout time.Duration) error {
	if len(svc.Ready) == 0 {
		return nil
	}
	probe := strings.Join(svc.Ready, " ")

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(readinessPollInterval)
	defer ticker.Stop()

	for {
		res, err := env.Exec(ctx, probe)
		if err == nil && res.Ok() {
			return nil
		}
		if time.Now().After(deadline) {
			return &ReadinessTimeoutError{Service: svc.Name, Timeout: timeout}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
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
