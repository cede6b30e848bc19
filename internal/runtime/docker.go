package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

// defaultInstallCommand installs declared tools inside Debian-based images.
const defaultInstallCommand = "apt-get update -qq && apt-get install -y -qq --no-install-recommends"

// DockerRuntime provisions environments as long-lived containers on the
// local Docker daemon. Commands are executed with docker exec so one sandbox
// serves a job's whole command list.
type DockerRuntime struct {
	client     *client.Client
	installCmd string
}

// DockerOption configures a DockerRuntime.
type DockerOption func(*DockerRuntime)

// WithInstallCommand overrides the tool installation command prefix, e.g.
// "apk add --no-cache" for Alpine-based environment images.
func WithInstallCommand(cmd string) DockerOption {
	return func(d *DockerRuntime) { d.installCmd = cmd }
}

// NewDockerRuntime creates a Docker-based runtime. The client is initialized
// from standard environment variables (DOCKER_HOST, etc.).
func NewDockerRuntime(opts ...DockerOption) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	d := &DockerRuntime{client: cli, installCmd: defaultInstallCommand}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Provision pulls the image if absent, starts a keep-alive container, and
// installs the declared tools. Every failure here is a *ProvisionError.
func (d *DockerRuntime) Provision(ctx context.Context, spec EnvSpec) (Environment, error) {
	// Check locally first to avoid a registry round-trip.
	if _, err := d.client.ImageInspect(ctx, spec.Image); err != nil {
		reader, err := d.client.ImagePull(ctx, spec.Image, image.PullOptions{})
		if err != nil {
			return nil, &ProvisionError{Op: fmt.Sprintf("pulling image %s", spec.Image), Err: err}
		}
		io.Copy(io.Discard, reader)
		reader.Close()
	}

	cfg := &container.Config{
		Image: spec.Image,
		// Keep the container alive; work happens via exec.
		Entrypoint: []string{"sleep"},
		Cmd:        []string{"infinity"},
		Env:        mapToEnvList(spec.Env),
		Labels: map[string]string{
			"io.gantry.job": spec.Name,
		},
	}

	created, err := d.client.ContainerCreate(ctx, cfg, nil, nil, nil, "")
	if err != nil {
		return nil, &ProvisionError{Op: "creating container", Err: err}
	}

	env := &dockerEnvironment{client: d.client, containerID: created.ID}

	if err := d.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		env.Close(context.WithoutCancel(ctx))
		return nil, &ProvisionError{Op: "starting container", Err: err}
	}

	if len(spec.Tools) > 0 {
		install := fmt.Sprintf("%s %s", d.installCmd, strings.Join(spec.Tools, " "))
		res, err := env.Exec(ctx, install)
		if err != nil {
			env.Close(context.WithoutCancel(ctx))
			return nil, &ProvisionError{Op: "installing tools", Err: err}
		}
		if !res.Ok() {
			env.Close(context.WithoutCancel(ctx))
			return nil, &ProvisionError{
				Op:  "installing tools",
				Err: fmt.Errorf("installer exited with code %d: %s", res.ExitCode, lastLine(res.Output)),
			}
		}
	}

	return env, nil
}

// dockerEnvironment is a provisioned container. Exec uses the exec API so
// multiple commands share filesystem state.
type dockerEnvironment struct {
	client      *client.Client
	containerID string
	closed      bool
}

func (e *dockerEnvironment) Exec(ctx context.Context, command string) (ExitResult, error) {
	execResp, err := e.client.ContainerExecCreate(ctx, e.containerID, container.ExecOptions{
		Cmd:          []string{"/bin/sh", "-ec", command},
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
	})
	if err != nil {
		return ExitResult{ExitCode: -1}, fmt.Errorf("creating exec: %w", err)
	}

	attach, err := e.client.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{Tty: true})
	if err != nil {
		return ExitResult{ExitCode: -1}, fmt.Errorf("attaching to exec: %w", err)
	}
	defer attach.Close()

	var output bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, copyErr := io.Copy(&output, attach.Reader)
		done <- copyErr
	}()

	select {
	case <-ctx.Done():
		return ExitResult{ExitCode: -1, Output: output.Bytes()}, ctx.Err()
	case copyErr := <-done:
		if copyErr != nil && copyErr != io.EOF {
			return ExitResult{ExitCode: -1, Output: output.Bytes()}, fmt.Errorf("reading exec output: %w", copyErr)
		}
	}

	inspect, err := e.client.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return ExitResult{ExitCode: -1, Output: output.Bytes()}, fmt.Errorf("inspecting exec: %w", err)
	}

	return ExitResult{ExitCode: inspect.ExitCode, Output: output.Bytes()}, nil
}

func (e *dockerEnvironment) Close(ctx context.Context) error {
	if e.closed {
		return nil
	}
	e.closed = true
	return e.client.ContainerRemove(ctx, e.containerID, container.RemoveOptions{Force: true})
}

func mapToEnvList(m map[string]string) []string {
	var env []string
	for k, v := range m {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

// lastLine returns the final non-empty line of output, for compact error
// messages.
func lastLine(output []byte) string {
	lines := strings.Split(strings.TrimSpace(string(output)), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}
