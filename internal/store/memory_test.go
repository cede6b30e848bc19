package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestMemoryStoreRunLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	run := &Run{
		ID:        uuid.New(),
		Pipeline:  "webapp",
		Revision:  "abc123",
		Branch:    "main",
		Status:    RunStatusPending,
		CreatedAt: time.Now(),
	}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	if err := s.UpdateRunStatus(ctx, run.ID, RunStatusSucceeded); err != nil {
		t.Fatalf("UpdateRunStatus failed: %v", err)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Status != RunStatusSucceeded {
		t.Errorf("got status %v, want %v", got.Status, RunStatusSucceeded)
	}
	if got.FinishedAt == nil {
		t.Error("expected FinishedAt to be set after terminal status")
	}
}

func TestMemoryStoreNotFound(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.GetRun(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRun: expected ErrNotFound, got %v", err)
	}
	if err := s.UpdateRunStatus(ctx, uuid.New(), RunStatusRunning); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateRunStatus: expected ErrNotFound, got %v", err)
	}
	if err := s.UpdateJobResult(ctx, &JobResult{RunID: uuid.New(), JobName: "fmt"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateJobResult: expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreListRunsNewestFirst(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	base := time.Now()
	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		run := &Run{
			ID:        uuid.New(),
			Pipeline:  "webapp",
			Status:    RunStatusPending,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		ids = append(ids, run.ID)
		if err := s.CreateRun(ctx, run); err != nil {
			t.Fatalf("CreateRun failed: %v", err)
		}
	}

	runs, err := s.ListRuns(ctx, 2)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(runs))
	}
	if runs[0].ID != ids[2] || runs[1].ID != ids[1] {
		t.Errorf("runs not ordered newest first: %v then %v", runs[0].ID, runs[1].ID)
	}
}

func TestMemoryStoreJobResults(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	runID := uuid.New()

	for _, name := range []string{"test", "fmt"} {
		result := &JobResult{ID: uuid.New(), RunID: runID, JobName: name, Status: JobStatusPending}
		if err := s.CreateJobResult(ctx, result); err != nil {
			t.Fatalf("CreateJobResult failed: %v", err)
		}
	}

	exitCode := 0
	update := &JobResult{RunID: runID, JobName: "fmt", Status: JobStatusSucceeded, ExitCode: &exitCode}
	if err := s.UpdateJobResult(ctx, update); err != nil {
		t.Fatalf("UpdateJobResult failed: %v", err)
	}

	results, err := s.ListJobResults(ctx, runID)
	if err != nil {
		t.Fatalf("ListJobResults failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].JobName != "fmt" || results[1].JobName != "test" {
		t.Errorf("results not sorted by name: %q, %q", results[0].JobName, results[1].JobName)
	}
	if results[0].Status != JobStatusSucceeded {
		t.Errorf("got status %v, want succeeded", results[0].Status)
	}
}

func TestMemoryStoreLogsKeptInOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	runID := uuid.New()

	for _, chunk := range []string{"first", "second", "third"} {
		if err := s.AppendJobLog(ctx, runID, "test", chunk); err != nil {
			t.Fatalf("AppendJobLog failed: %v", err)
		}
	}

	logs, err := s.GetJobLogs(ctx, runID, "test")
	if err != nil {
		t.Fatalf("GetJobLogs failed: %v", err)
	}
	if len(logs) != 3 {
		t.Fatalf("got %d entries, want 3", len(logs))
	}
	for i, want := range []string{"first", "second", "third"} {
		if logs[i].Content != want {
			t.Errorf("entry %d: got %q, want %q", i, logs[i].Content, want)
		}
	}

	other, err := s.GetJobLogs(ctx, runID, "fmt")
	if err != nil {
		t.Fatalf("GetJobLogs failed: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("expected no logs for other job, got %d", len(other))
	}
}
