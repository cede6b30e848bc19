package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gantry/internal/store"
	"gantry/pkg/api"

	"github.com/google/uuid"
)

func newTestMux(t *testing.T) (*http.ServeMux, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	h := New(st)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	mux.HandleFunc("GET /runs", h.ListRuns)
	mux.HandleFunc("GET /runs/{id}", h.GetRun)
	mux.HandleFunc("GET /runs/{id}/jobs/{job}/logs", h.GetJobLogs)
	return mux, st
}

func seedRun(t *testing.T, st *store.MemoryStore) *store.Run {
	t.Helper()
	run := &store.Run{
		ID:        uuid.New(),
		Pipeline:  "webapp",
		Revision:  "abc123",
		Branch:    "main",
		Status:    store.RunStatusFailed,
		CreatedAt: time.Now(),
	}
	if err := st.CreateRun(context.Background(), run); err != nil {
		t.Fatal(err)
	}
	code := 2
	result := &store.JobResult{
		ID: uuid.New(), RunID: run.ID, JobName: "fmt",
		Status: store.JobStatusFailed, FailureClass: store.FailureCommand, ExitCode: &code,
	}
	if err := st.CreateJobResult(context.Background(), result); err != nil {
		t.Fatal(err)
	}
	return run
}

func TestHealthAndReadiness(t *testing.T) {
	mux, _ := newTestMux(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusOK {
			t.Errorf("%s: got status %d, want 200", path, rr.Code)
		}
	}
}

func TestListRuns(t *testing.T) {
	mux, st := newTestMux(t)
	seedRun(t, st)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/runs", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rr.Code)
	}
	var resp api.ListRunsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Runs) != 1 {
		t.Fatalf("got %d runs, want 1", len(resp.Runs))
	}
	if resp.Runs[0].Pipeline != "webapp" || resp.Runs[0].Status != "failed" {
		t.Errorf("unexpected run summary: %+v", resp.Runs[0])
	}
}

func TestGetRun(t *testing.T) {
	mux, st := newTestMux(t)
	run := seedRun(t, st)

	tests := []struct {
		name           string
		path           string
		expectedStatus int
	}{
		{"Success", "/runs/" + run.ID.String(), http.StatusOK},
		{"Invalid UUID", "/runs/not-a-uuid", http.StatusBadRequest},
		{"Not Found", "/runs/" + uuid.NewString(), http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rr.Code != tt.expectedStatus {
				t.Fatalf("got status %d, want %d", rr.Code, tt.expectedStatus)
			}
			if tt.expectedStatus != http.StatusOK {
				return
			}
			var resp api.RunResponse
			if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decoding response: %v", err)
			}
			if len(resp.Jobs) != 1 {
				t.Fatalf("got %d jobs, want 1", len(resp.Jobs))
			}
			job := resp.Jobs[0]
			if job.Name != "fmt" || job.Status != "failed" || job.FailureClass != "command" {
				t.Errorf("unexpected job result: %+v", job)
			}
			if job.ExitCode == nil || *job.ExitCode != 2 {
				t.Errorf("got exit code %v, want 2", job.ExitCode)
			}
		})
	}
}

func TestGetJobLogs(t *testing.T) {
	mux, st := newTestMux(t)
	run := seedRun(t, st)
	if err := st.AppendJobLog(context.Background(), run.ID, "fmt", "Diff in src/main.rs\n"); err != nil {
		t.Fatal(err)
	}

	// Logs stay retrievable even though the run failed.
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/runs/"+run.ID.String()+"/jobs/fmt/logs", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rr.Code)
	}
	var resp api.GetLogsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Logs) != 1 || resp.Logs[0].Content != "Diff in src/main.rs\n" {
		t.Errorf("unexpected logs: %+v", resp.Logs)
	}

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/runs/"+uuid.NewString()+"/jobs/fmt/logs", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown run: got status %d, want 404", rr.Code)
	}
}
