// Package api contains shared JSON request/response structs.
// This package is shared between the CLI and the daemon.
package api

import "time"

// RunSummary is one run in list responses.
type RunSummary struct {
	ID         string     `json:"id"`
	Pipeline   string     `json:"pipeline"`
	Revision   string     `json:"revision"`
	Branch     string     `json:"branch"`
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// ListRunsResponse is the response body for listing runs.
type ListRunsResponse struct {
	Runs []RunSummary `json:"runs"`
}

// JobResult is one job's outcome within a run.
type JobResult struct {
	Name         string     `json:"name"`
	Status       string     `json:"status"`
	SkipReason   string     `json:"skip_reason,omitempty"`
	FailureClass string     `json:"failure_class,omitempty"`
	ExitCode     *int       `json:"exit_code,omitempty"`
	Error        *string    `json:"error,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// RunResponse is a run with its per-job breakdown.
type RunResponse struct {
	RunSummary
	Jobs []JobResult `json:"jobs"`
}

// LogEntry represents a single captured log chunk in the response.
type LogEntry struct {
	ID        int64     `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// GetLogsResponse is the response body for fetching a job's logs.
type GetLogsResponse struct {
	Logs []LogEntry `json:"logs"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}
