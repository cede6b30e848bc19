package container

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/kushsharma/parallel"
	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// FanOutSpec describes an image job's full build: one build per platform,
// merged into a single multi-arch reference.
type FanOutSpec struct {
	Repository string
	// Revision tags each per-platform image deterministically.
	Revision   string
	ContextDir string
	Dockerfile string
	Platforms  []Platform
	BuildArgs  map[string]string
}

// MultiArchImage is the merged result of a successful fan-out: a single
// reference that resolves to platform-specific builds.
type MultiArchImage struct {
	Repository  string        `json:"repository"`
	Revision    string        `json:"revision"`
	IndexDigest digest.Digest `json:"index_digest"`
	Records     []BuildRecord `json:"records"`
	// RawIndex is the serialized OCI image index.
	RawIndex []byte `json:"raw_index"`
}

// Reference returns the canonical multi-arch reference.
func (m *MultiArchImage) Reference() string {
	return fmt.Sprintf("%s@%s", m.Repository, m.IndexDigest)
}

// PartialPlatformError reports that at least one platform's build failed.
// The fan-out is all-or-nothing: no multi-arch artifact exists when this is
// returned, so an incomplete manifest can never be published.
type PartialPlatformError struct {
	Failed []Platform
	Err    error
}

func (e *PartialPlatformError) Error() string {
	names := make([]string, len(e.Failed))
	for i, p := range e.Failed {
		names[i] = p.String()
	}
	return fmt.Sprintf("build failed for platforms [%s]: %v", strings.Join(names, ", "), e.Err)
}

func (e *PartialPlatformError) Unwrap() error {
	return e.Err
}

// FanOut executes one build per platform concurrently and assembles the
// results into an OCI image index. Scatter/gather with a single merge point:
// all builds are dispatched, then joined, then the index is written once.
func FanOut(ctx context.Context, builder Builder, spec FanOutSpec) (*MultiArchImage, error) {
	if len(spec.Platforms) == 0 {
		return nil, fmt.Errorf("image job for %s declares no platforms", spec.Repository)
	}

	runner := parallel.NewRunner(parallel.WithLimit(len(spec.Platforms)))
	for _, platform := range spec.Platforms {
		p := platform
		runner.Add(func() (interface{}, error) {
			return builder.Build(ctx, BuildOptions{
				ContextDir: spec.ContextDir,
				Dockerfile: spec.Dockerfile,
				Tag:        fmt.Sprintf("%s:%s-%s", spec.Repository, spec.Revision, p.TagSuffix()),
				Platform:   p,
				BuildArgs:  spec.BuildArgs,
			})
		})
	}

	var failed []Platform
	var errs error
	records := make([]BuildRecord, 0, len(spec.Platforms))
	for i, state := range runner.Run() {
		if state.Err != nil {
			failed = append(failed, spec.Platforms[i])
			errs = multierror.Append(errs, state.Err)
			continue
		}
		records = append(records, *state.Val.(*BuildRecord))
	}

	if len(failed) > 0 {
		return nil, &PartialPlatformError{Failed: failed, Err: errs}
	}

	index, raw, err := assembleIndex(records)
	if err != nil {
		return nil, err
	}

	return &MultiArchImage{
		Repository:  spec.Repository,
		Revision:    spec.Revision,
		IndexDigest: index,
		Records:     records,
		RawIndex:    raw,
	}, nil
}

// assembleIndex builds the OCI image index over all platform records and
// returns its digest and serialized form.
func assembleIndex(records []BuildRecord) (digest.Digest, []byte, error) {
	manifests := make([]ocispec.Descriptor, len(records))
	for i, rec := range records {
		platform := rec.Platform.OCI()
		manifests[i] = ocispec.Descriptor{
			MediaType: ocispec.MediaTypeImageManifest,
			Digest:    rec.ImageID,
			Size:      rec.Size,
			Platform:  &platform,
		}
	}

	index := ocispec.Index{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: ocispec.MediaTypeImageIndex,
		Manifests: manifests,
	}

	raw, err := json.Marshal(index)
	if err != nil {
		return "", nil, fmt.Errorf("encoding image index: %w", err)
	}
	return digest.FromBytes(raw), raw, nil
}
