package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process RunStore used for one-shot CLI runs and
// tests. The daemon uses the Postgres store instead.
type MemoryStore struct {
	mu      sync.Mutex
	runs    map[uuid.UUID]*Run
	results map[uuid.UUID]map[string]*JobResult
	logs    map[uuid.UUID]map[string][]LogEntry
	logSeq  int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:    make(map[uuid.UUID]*Run),
		results: make(map[uuid.UUID]map[string]*JobResult),
		logs:    make(map[uuid.UUID]map[string][]LogEntry),
	}
}

// Ping always succeeds for the in-memory store.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) CreateRun(ctx context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *run
	s.runs[run.ID] = &copied
	return nil
}

func (s *MemoryStore) UpdateRunStatus(ctx context.Context, id uuid.UUID, status RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	run.Status = status
	if status.Terminal() {
		now := time.Now()
		run.FinishedAt = &now
	}
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *run
	return &copied, nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	runs := make([]Run, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, *run)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (s *MemoryStore) CreateJobResult(ctx context.Context, result *JobResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.results[result.RunID] == nil {
		s.results[result.RunID] = make(map[string]*JobResult)
	}
	copied := *result
	s.results[result.RunID][result.JobName] = &copied
	return nil
}

func (s *MemoryStore) UpdateJobResult(ctx context.Context, result *JobResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byJob, ok := s.results[result.RunID]
	if !ok {
		return ErrNotFound
	}
	if _, ok := byJob[result.JobName]; !ok {
		return ErrNotFound
	}
	copied := *result
	byJob[result.JobName] = &copied
	return nil
}

func (s *MemoryStore) ListJobResults(ctx context.Context, runID uuid.UUID) ([]JobResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byJob := s.results[runID]
	results := make([]JobResult, 0, len(byJob))
	for _, result := range byJob {
		results = append(results, *result)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].JobName < results[j].JobName
	})
	return results, nil
}

func (s *MemoryStore) AppendJobLog(ctx context.Context, runID uuid.UUID, jobName, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logs[runID] == nil {
		s.logs[runID] = make(map[string][]LogEntry)
	}
	s.logSeq++
	s.logs[runID][jobName] = append(s.logs[runID][jobName], LogEntry{
		ID:        s.logSeq,
		RunID:     runID,
		JobName:   jobName,
		Content:   content,
		CreatedAt: time.Now(),
	})
	return nil
}

func (s *MemoryStore) GetJobLogs(ctx context.Context, runID uuid.UUID, jobName string) ([]LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.logs[runID][jobName]
	out := make([]LogEntry, len(entries))
	copy(out, entries)
	return out, nil
}
