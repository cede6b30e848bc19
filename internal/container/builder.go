// Package container builds container images and assembles per-platform
// builds into a single multi-arch artifact reference.
package container

import (
	"context"
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Builder is the interface for single-platform image builders.
type Builder interface {
	// Build produces one image for one platform and returns its record.
	Build(ctx context.Context, opts BuildOptions) (*BuildRecord, error)
}

// BuildOptions configures a single-platform image build.
type BuildOptions struct {
	ContextDir string
	Dockerfile string
	// Tag is the full per-platform tag, e.g. "registry.example.com/app:abc123-linux-arm64".
	Tag       string
	Platform  Platform
	BuildArgs map[string]string
}

// BuildRecord is the outcome of one (job, platform) build.
type BuildRecord struct {
	Platform Platform      `json:"platform"`
	Tag      string        `json:"tag"`
	ImageID  digest.Digest `json:"image_id"`
	Size     int64         `json:"size"`
}

// Platform is an (OS, architecture) build target.
type Platform struct {
	OS   string `json:"os"`
	Arch string `json:"arch"`
}

// ParsePlatform parses an "os/arch" string.
func ParsePlatform(s string) (Platform, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Platform{}, fmt.Errorf("invalid platform %q, expected os/arch", s)
	}
	return Platform{OS: parts[0], Arch: parts[1]}, nil
}

func (p Platform) String() string {
	return p.OS + "/" + p.Arch
}

// TagSuffix returns the platform as a tag-safe suffix.
func (p Platform) TagSuffix() string {
	return p.OS + "-" + p.Arch
}

// OCI returns the image-spec representation of the platform.
func (p Platform) OCI() ocispec.Platform {
	return ocispec.Platform{OS: p.OS, Architecture: p.Arch}
}
