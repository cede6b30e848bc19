// Package store contains the persistence layer for runs and job results.
package store

import (
	"time"

	"github.com/google/uuid"
)

// Run is one execution attempt of the whole pipeline graph for a triggering
// revision. It exclusively owns its JobResults.
type Run struct {
	ID       uuid.UUID
	Pipeline string
	// Revision is the immutable source identifier that triggered the run.
	Revision string
	Branch   string
	Status   RunStatus

	CreatedAt  time.Time
	FinishedAt *time.Time
}

// RunStatus is the overall state of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run has concluded.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// JobResult is the state of one job within one run.
type JobResult struct {
	ID      uuid.UUID
	RunID   uuid.UUID
	JobName string
	Status  JobStatus

	// SkipReason is set when Status is skipped.
	SkipReason SkipReason

	// FailureClass is set when Status is failed, so infrastructure
	// problems are distinguishable from code problems.
	FailureClass FailureClass

	ExitCode     *int
	ErrorMessage *string

	StartedAt  *time.Time
	FinishedAt *time.Time
}

// JobStatus is the state of a job result.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusSkipped   JobStatus = "skipped"
)

// Terminal reports whether the job has concluded.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusSkipped:
		return true
	}
	return false
}

// SkipReason says why a skipped job never started.
type SkipReason string

const (
	// SkipReasonPredicate: the trigger predicate evaluated false.
	SkipReasonPredicate SkipReason = "predicate"
	// SkipReasonUpstream: a required dependency failed or was skipped.
	SkipReasonUpstream SkipReason = "upstream"
	// SkipReasonCancelled: the run was cancelled before the job started.
	SkipReasonCancelled SkipReason = "cancelled"
)

// FailureClass categorizes a job failure.
type FailureClass string

const (
	// FailureProvision: the environment could not be set up.
	FailureProvision FailureClass = "provision"
	// FailureCommand: a job command exited non-zero.
	FailureCommand FailureClass = "command"
	// FailureCache: a cache consistency violation (fatal to the run).
	FailureCache FailureClass = "cache"
	// FailurePlatform: one or more platform builds failed during fan-out.
	FailurePlatform FailureClass = "platform"
	// FailureReadiness: a topology service never became ready in time.
	FailureReadiness FailureClass = "readiness"
	// FailureInternal: anything else.
	FailureInternal FailureClass = "internal"
)

// LogEntry is one captured chunk of a job's output.
type LogEntry struct {
	ID        int64
	RunID     uuid.UUID
	JobName   string
	Content   string
	CreatedAt time.Time
}
