package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// ExecRuntime runs commands as raw host processes inside a throwaway working
// directory. No real isolation; intended for development and tests.
type ExecRuntime struct {
	baseDir string
}

// NewExecRuntime creates a process-based runtime. Environments get their
// working directories under baseDir (os.TempDir when empty).
func NewExecRuntime(baseDir string) *ExecRuntime {
	if baseDir == "" {
		baseDir = os.TempDir()
	}
	return &ExecRuntime{baseDir: baseDir}
}

// Provision creates the working directory and verifies declared tools are on
// PATH. There is no package installation on the host; a missing tool is a
// provisioning failure, so it is still distinguishable from a command error.
func (e *ExecRuntime) Provision(ctx context.Context, spec EnvSpec) (Environment, error) {
	for _, tool := range spec.Tools {
		if _, err := exec.LookPath(tool); err != nil {
			return nil, &ProvisionError{Op: fmt.Sprintf("locating tool %q", tool), Err: err}
		}
	}

	dir, err := os.MkdirTemp(e.baseDir, "gantry-"+spec.Name+"-")
	if err != nil {
		return nil, &ProvisionError{Op: "creating workdir", Err: err}
	}

	return &execEnvironment{workDir: dir, env: spec.Env}, nil
}

type execEnvironment struct {
	workDir string
	env     map[string]string
}

func (e *execEnvironment) Exec(ctx context.Context, command string) (ExitResult, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-ec", command)
	cmd.Dir = e.workDir
	cmd.Env = os.Environ()
	for k, v := range e.env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	output, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return ExitResult{ExitCode: exitErr.ExitCode(), Output: output}, nil
		}
		return ExitResult{ExitCode: -1, Output: output}, err
	}
	return ExitResult{ExitCode: 0, Output: output}, nil
}

func (e *execEnvironment) Close(ctx context.Context) error {
	return os.RemoveAll(e.workDir)
}
