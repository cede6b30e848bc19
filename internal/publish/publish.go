// Package publish pushes finished multi-arch images to a registry, gated on
// the run's branch predicate.
package publish

import (
	"context"
	"fmt"
	"log/slog"

	"gantry/internal/container"
)

// Status is the outcome of a publish attempt. Skipped is a first-class
// outcome, distinct from failure: a run on an unprotected branch skips the
// push and still succeeds.
type Status string

const (
	StatusPushed  Status = "pushed"
	StatusSkipped Status = "skipped"
)

// Result describes what the publisher did.
type Result struct {
	Status Status
	// Reference is the canonical digest reference, set when pushed.
	Reference string
	// Tags lists the tags applied, set when pushed.
	Tags []string
}

// Registry abstracts the push side of an image registry.
type Registry interface {
	// Push pushes a per-platform tag.
	Push(ctx context.Context, ref string) error
	// PushIndex pushes the OCI image index under the given tag, making it
	// the multi-arch entry point.
	PushIndex(ctx context.Context, repository, tag string, index []byte) error
}

// Publisher applies the protected-branch gate and pushes artifacts.
type Publisher struct {
	registry        Registry
	protectedBranch string
	logger          *slog.Logger
}

// New creates a publisher that pushes only for the protected branch.
func New(registry Registry, protectedBranch string, logger *slog.Logger) *Publisher {
	return &Publisher{
		registry:        registry,
		protectedBranch: protectedBranch,
		logger:          logger,
	}
}

// Publish pushes the image's per-platform tags plus the multi-arch index
// under the immutable revision tag and the floating "latest" alias. When the
// triggering branch is not the protected branch the publish is skipped, not
// failed.
func (p *Publisher) Publish(ctx context.Context, img *container.MultiArchImage, branch string) (*Result, error) {
	if branch != p.protectedBranch {
		p.logger.Info("publish skipped",
			"branch", branch,
			"protected_branch", p.protectedBranch,
		)
		return &Result{Status: StatusSkipped}, nil
	}

	for _, rec := range img.Records {
		p.logger.Info("pushing platform image", "tag", rec.Tag, "platform", rec.Platform.String())
		if err := p.registry.Push(ctx, rec.Tag); err != nil {
			return nil, fmt.Errorf("pushing %s: %w", rec.Tag, err)
		}
	}

	// The revision tag is immutable; latest always repoints to the most
	// recent successful protected-branch run.
	tags := []string{img.Revision, "latest"}
	for _, tag := range tags {
		if err := p.registry.PushIndex(ctx, img.Repository, tag, img.RawIndex); err != nil {
			return nil, fmt.Errorf("pushing index %s:%s: %w", img.Repository, tag, err)
		}
	}

	p.logger.Info("published multi-arch image", "reference", img.Reference(), "tags", tags)
	return &Result{
		Status:    StatusPushed,
		Reference: img.Reference(),
		Tags:      tags,
	}, nil
}
