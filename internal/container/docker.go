package container

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/opencontainers/go-digest"
)

// DockerBuilder builds images through the local Docker daemon. Non-native
// platforms rely on the daemon's binfmt/QEMU emulation.
type DockerBuilder struct {
	client *client.Client
}

// NewDockerBuilder creates a Docker-backed builder using the standard
// environment (DOCKER_HOST, etc.).
func NewDockerBuilder() (*DockerBuilder, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &DockerBuilder{client: cli}, nil
}

func (b *DockerBuilder) Build(ctx context.Context, opts BuildOptions) (*BuildRecord, error) {
	buildCtx, err := archive.TarWithOptions(opts.ContextDir, &archive.TarOptions{})
	if err != nil {
		return nil, fmt.Errorf("preparing build context: %w", err)
	}
	defer buildCtx.Close()

	args := make(map[string]*string, len(opts.BuildArgs))
	for k, v := range opts.BuildArgs {
		value := v
		args[k] = &value
	}

	resp, err := b.client.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Dockerfile: opts.Dockerfile,
		Tags:       []string{opts.Tag},
		Platform:   opts.Platform.String(),
		BuildArgs:  args,
		Remove:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("starting build for %s: %w", opts.Platform, err)
	}
	defer resp.Body.Close()

	if err := drainBuildStream(resp.Body); err != nil {
		return nil, fmt.Errorf("building %s for %s: %w", opts.Tag, opts.Platform, err)
	}

	inspect, err := b.client.ImageInspect(ctx, opts.Tag)
	if err != nil {
		return nil, fmt.Errorf("inspecting built image %s: %w", opts.Tag, err)
	}

	id, err := digest.Parse(inspect.ID)
	if err != nil {
		return nil, fmt.Errorf("parsing image id %q: %w", inspect.ID, err)
	}

	return &BuildRecord{
		Platform: opts.Platform,
		Tag:      opts.Tag,
		ImageID:  id,
		Size:     inspect.Size,
	}, nil
}

// drainBuildStream consumes the daemon's JSON progress stream and surfaces
// the embedded error, if any. The daemon reports build failures in-stream
// with a 200 response, so this is the only place they show up.
func drainBuildStream(r io.Reader) error {
	type streamLine struct {
		Error       string `json:"error"`
		ErrorDetail struct {
			Message string `json:"message"`
		} `json:"errorDetail"`
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var line streamLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue
		}
		if line.Error != "" {
			if line.ErrorDetail.Message != "" {
				return fmt.Errorf("%s", line.ErrorDetail.Message)
			}
			return fmt.Errorf("%s", line.Error)
		}
	}
	return scanner.Err()
}
