package publish

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// DockerRegistry pushes through the local Docker daemon. Index manifests go
// directly to the registry's HTTP API, since the daemon's push endpoint only
// handles single-platform images.
type DockerRegistry struct {
	client *client.Client
	// RegistryAuth is the base64 auth config forwarded to the daemon.
	auth string
	// httpClient for direct manifest uploads.
	httpClient *http.Client
}

// NewDockerRegistry creates a registry client on the local daemon.
func NewDockerRegistry(auth string) (*DockerRegistry, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &DockerRegistry{
		client:     cli,
		auth:       auth,
		httpClient: &http.Client{},
	}, nil
}

func (r *DockerRegistry) Push(ctx context.Context, ref string) error {
	auth := r.auth
	if auth == "" {
		// The daemon rejects an empty auth header outright.
		auth = "e30="
	}
	reader, err := r.client.ImagePush(ctx, ref, image.PushOptions{RegistryAuth: auth})
	if err != nil {
		return err
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

// PushIndex uploads the OCI index with a registry v2 manifest PUT. The
// daemon API has no endpoint for manifest lists, so this talks to the
// registry host parsed from the repository directly.
func (r *DockerRegistry) PushIndex(ctx context.Context, repository, tag string, index []byte) error {
	host, path, ok := strings.Cut(repository, "/")
	if !ok {
		return fmt.Errorf("repository %q has no registry host", repository)
	}

	url := fmt.Sprintf("https://%s/v2/%s/manifests/%s", host, path, tag)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(index))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", ocispec.MediaTypeImageIndex)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("registry returned %d: %s", resp.StatusCode, body)
	}
	return nil
}
