// Package runtime provides isolated execution environments for pipeline jobs.
// Implementations include Docker containers, Kubernetes pods, and raw
// processes for development.
package runtime

import (
	"context"
)

// Runtime provisions isolated environments. Provisioning covers everything
// that happens before the job's own commands run: image pull, sandbox
// creation, and tool installation. Failures at this stage are reported as
// *ProvisionError so operators can tell infrastructure problems from code
// problems.
type Runtime interface {
	Provision(ctx context.Context, spec EnvSpec) (Environment, error)
}

// EnvSpec declares what a job needs from its environment.
type EnvSpec struct {
	// Name identifies the owning job; used for naming and labels.
	Name string

	// Image is the container image commands run inside.
	Image string

	// Tools are packages installed during provisioning.
	Tools []string

	// Env is merged into every command's environment.
	Env map[string]string
}

// Environment is a provisioned sandbox. Close must be called on every exit
// path; it tears the sandbox down regardless of command outcomes.
type Environment interface {
	// Exec runs one shell command and returns its exit code and combined
	// output. A non-nil error means the command could not be executed at
	// all, not that it exited non-zero.
	Exec(ctx context.Context, command string) (ExitResult, error)

	// Close tears down the environment. Idempotent.
	Close(ctx context.Context) error
}

// ExitResult is the outcome of a single executed command.
type ExitResult struct {
	ExitCode int
	// Output is the combined stdout/stderr, captured verbatim.
	Output []byte
}

// Ok reports whether the command exited zero.
func (r ExitResult) Ok() bool {
	return r.ExitCode == 0
}
