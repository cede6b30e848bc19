package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a run or job result does not exist.
var ErrNotFound = errors.New("not found")

// RunStore persists runs, their job results, and their captured logs. Logs
// are retained and retrievable per job regardless of the run's overall
// outcome.
type RunStore interface {
	// CreateRun inserts a new run with its initial status.
	CreateRun(ctx context.Context, run *Run) error

	// UpdateRunStatus transitions a run to the given status; for terminal
	// statuses the finish time is recorded.
	UpdateRunStatus(ctx context.Context, id uuid.UUID, status RunStatus) error

	// GetRun returns a run by ID.
	GetRun(ctx context.Context, id uuid.UUID) (*Run, error)

	// ListRuns returns the most recent runs, newest first.
	ListRuns(ctx context.Context, limit int) ([]Run, error)

	// CreateJobResult inserts the initial state of a job result.
	CreateJobResult(ctx context.Context, result *JobResult) error

	// UpdateJobResult records a job result's current state.
	UpdateJobResult(ctx context.Context, result *JobResult) error

	// ListJobResults returns all job results for a run.
	ListJobResults(ctx context.Context, runID uuid.UUID) ([]JobResult, error)

	// AppendJobLog stores one chunk of a job's captured output.
	AppendJobLog(ctx context.Context, runID uuid.UUID, jobName, content string) error

	// GetJobLogs returns a job's log entries in capture order.
	GetJobLogs(ctx context.Context, runID uuid.UUID, jobName string) ([]LogEntry, error)
}
