package scheduler

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gantry/internal/cache"
	"gantry/internal/container"
	"gantry/internal/pipeline"
	"gantry/internal/publish"
	"gantry/internal/runtime"
	"gantry/internal/store"

	"github.com/opencontainers/go-digest"
)

type fakeRuntime struct {
	mu          sync.Mutex
	provisioned []string
	exitCodes   map[string]int           // command -> exit code, default 0
	block       map[string]chan struct{} // job name -> release channel
}

func (r *fakeRuntime) Provision(ctx context.Context, spec runtime.EnvSpec) (runtime.Environment, error) {
	r.mu.Lock()
	r.provisioned = append(r.provisioned, spec.Name)
	r.mu.Unlock()
	return &fakeEnv{rt: r, name: spec.Name}, nil
}

func (r *fakeRuntime) provisionedJobs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.provisioned))
	copy(out, r.provisioned)
	return out
}

type fakeEnv struct {
	rt   *fakeRuntime
	name string
}

func (e *fakeEnv) Exec(ctx context.Context, command string) (runtime.ExitResult, error) {
	if ch, ok := e.rt.block[e.name]; ok {
		select {
		case <-ch:
		case <-ctx.Done():
			return runtime.ExitResult{}, ctx.Err()
		}
	}
	return runtime.ExitResult{
		ExitCode: e.rt.exitCodes[command],
		Output:   []byte("ran: " + command + "\n"),
	}, nil
}

func (e *fakeEnv) Close(ctx context.Context) error { return nil }

type fakeBuilder struct {
	mu    sync.Mutex
	calls []container.BuildOptions
}

func (b *fakeBuilder) Build(ctx context.Context, opts container.BuildOptions) (*container.BuildRecord, error) {
	b.mu.Lock()
	b.calls = append(b.calls, opts)
	b.mu.Unlock()
	return &container.BuildRecord{
		Platform: opts.Platform,
		Tag:      opts.Tag,
		ImageID:  digest.FromString(opts.Tag),
		Size:     1024,
	}, nil
}

type fakeRegistry struct {
	mu        sync.Mutex
	pushed    []string
	indexTags []string
}

func (r *fakeRegistry) Push(ctx context.Context, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushed = append(r.pushed, ref)
	return nil
}

func (r *fakeRegistry) PushIndex(ctx context.Context, repository, tag string, index []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.indexTags = append(r.indexTags, tag)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestScheduler(rt *fakeRuntime, opts Options) (*Scheduler, *store.MemoryStore) {
	st := store.NewMemoryStore()
	opts.Runtime = rt
	opts.Store = st
	opts.Logger = discardLogger()
	if opts.Cache == nil {
		opts.Cache = cache.NewMemoryCache()
	}
	if opts.Builder == nil {
		opts.Builder = &fakeBuilder{}
	}
	if opts.Publisher == nil {
		opts.Publisher = publish.New(&fakeRegistry{}, "main", discardLogger())
	}
	if opts.Concurrency == 0 {
		opts.Concurrency = 2
	}
	return New(opts), st
}

func jobByName(t *testing.T, outcome *Outcome, name string) store.JobResult {
	t.Helper()
	for _, j := range outcome.Jobs {
		if j.JobName == name {
			return j
		}
	}
	t.Fatalf("no result for job %q", name)
	return store.JobResult{}
}

func TestExecuteRespectsDependencyOrder(t *testing.T) {
	rt := &fakeRuntime{exitCodes: map[string]int{}}
	s, _ := newTestScheduler(rt, Options{Concurrency: 4})

	p := &pipeline.Pipeline{
		Name: "webapp",
		Jobs: []pipeline.Job{
			{Name: "fmt", Kind: pipeline.KindRun, Image: "rust:1.79", Run: []string{"cargo fmt --check"}},
			{Name: "test", Kind: pipeline.KindRun, Image: "rust:1.79", Needs: []string{"fmt"}, Run: []string{"cargo test"}},
			{Name: "lint", Kind: pipeline.KindRun, Image: "rust:1.79", Needs: []string{"test"}, Run: []string{"cargo clippy"}},
		},
	}

	outcome, err := s.Execute(context.Background(), Request{Pipeline: p, Revision: "abc123", Branch: "main"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if outcome.Status != store.RunStatusSucceeded {
		t.Errorf("got run status %v, want succeeded", outcome.Status)
	}
	order := rt.provisionedJobs()
	want := []string{"fmt", "test", "lint"}
	if len(order) != len(want) {
		t.Fatalf("provisioned %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("provision order %v, want %v", order, want)
			break
		}
	}
}

func TestExecuteRunsIndependentJobsConcurrently(t *testing.T) {
	release := make(chan struct{})
	rt := &fakeRuntime{
		exitCodes: map[string]int{},
		block: map[string]chan struct{}{
			"a": release,
			"b": release,
		},
	}
	s, _ := newTestScheduler(rt, Options{Concurrency: 2})

	p := &pipeline.Pipeline{
		Name: "webapp",
		Jobs: []pipeline.Job{
			{Name: "a", Kind: pipeline.KindRun, Image: "busybox", Run: []string{"true"}},
			{Name: "b", Kind: pipeline.KindRun, Image: "busybox", Run: []string{"true"}},
		},
	}

	// Both jobs must be in flight at once before either is released;
	// otherwise the run deadlocks and the deadline below fires.
	go func() {
		deadline := time.After(5 * time.Second)
		for {
			if len(rt.provisionedJobs()) == 2 {
				close(release)
				return
			}
			select {
			case <-deadline:
				close(release)
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
	}()

	outcome, err := s.Execute(context.Background(), Request{Pipeline: p, Revision: "abc123", Branch: "main"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if outcome.Status != store.RunStatusSucceeded {
		t.Errorf("got run status %v, want succeeded", outcome.Status)
	}
}

func TestExecuteFailureSkipsDownstreamOnly(t *testing.T) {
	rt := &fakeRuntime{exitCodes: map[string]int{"cargo fmt --check": 2}}
	s, _ := newTestScheduler(rt, Options{Concurrency: 4})

	p := &pipeline.Pipeline{
		Name: "webapp",
		Jobs: []pipeline.Job{
			{Name: "fmt", Kind: pipeline.KindRun, Image: "rust:1.79", Run: []string{"cargo fmt --check"}},
			{Name: "docker-build", Kind: pipeline.KindImage, Needs: []string{"fmt"},
				Build: &pipeline.ImageBuild{Repository: "registry.local/app", Dockerfile: "Dockerfile", Context: ".", Platforms: []string{"linux/amd64"}}},
			{Name: "push", Kind: pipeline.KindPublish, Needs: []string{"docker-build"}},
			{Name: "docs", Kind: pipeline.KindRun, Image: "busybox", Run: []string{"mkdocs build"}},
		},
	}

	outcome, err := s.Execute(context.Background(), Request{Pipeline: p, Revision: "abc123", Branch: "main"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if outcome.Status != store.RunStatusFailed {
		t.Errorf("got run status %v, want failed", outcome.Status)
	}

	fmtJob := jobByName(t, outcome, "fmt")
	if fmtJob.Status != store.JobStatusFailed {
		t.Errorf("fmt: got %v, want failed", fmtJob.Status)
	}
	if fmtJob.FailureClass != store.FailureCommand {
		t.Errorf("fmt: got failure class %v, want command", fmtJob.FailureClass)
	}
	if fmtJob.ExitCode == nil || *fmtJob.ExitCode != 2 {
		t.Errorf("fmt: got exit code %v, want 2", fmtJob.ExitCode)
	}

	for _, name := range []string{"docker-build", "push"} {
		j := jobByName(t, outcome, name)
		if j.Status != store.JobStatusSkipped || j.SkipReason != store.SkipReasonUpstream {
			t.Errorf("%s: got %v/%v, want skipped/upstream", name, j.Status, j.SkipReason)
		}
	}

	// Fail-isolated: the independent branch still ran.
	docs := jobByName(t, outcome, "docs")
	if docs.Status != store.JobStatusSucceeded {
		t.Errorf("docs: got %v, want succeeded", docs.Status)
	}
}

func TestExecutePredicateSkip(t *testing.T) {
	rt := &fakeRuntime{exitCodes: map[string]int{}}
	s, _ := newTestScheduler(rt, Options{})

	p := &pipeline.Pipeline{
		Name: "webapp",
		Jobs: []pipeline.Job{
			{Name: "test", Kind: pipeline.KindRun, Image: "busybox", Run: []string{"true"}},
			{Name: "nightly", Kind: pipeline.KindRun, Image: "busybox", Needs: []string{"test"},
				When: pipeline.Predicate{Branch: "main"}, Run: []string{"true"}},
		},
	}

	outcome, err := s.Execute(context.Background(), Request{Pipeline: p, Revision: "abc123", Branch: "feature/x"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if outcome.Status != store.RunStatusSucceeded {
		t.Errorf("got run status %v, want succeeded", outcome.Status)
	}
	nightly := jobByName(t, outcome, "nightly")
	if nightly.Status != store.JobStatusSkipped || nightly.SkipReason != store.SkipReasonPredicate {
		t.Errorf("nightly: got %v/%v, want skipped/predicate", nightly.Status, nightly.SkipReason)
	}
	if got := rt.provisionedJobs(); len(got) != 1 {
		t.Errorf("provisioned %v, want only the test job", got)
	}
}

func TestExecuteCacheHitSkipsProvisioning(t *testing.T) {
	workdir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(workdir, "src"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(workdir, "src", "main.rs"), []byte("fn main() {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(workdir, "target"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(workdir, "target", "app"), []byte("binary"), 0o644); err != nil {
		t.Fatal(err)
	}

	rt := &fakeRuntime{exitCodes: map[string]int{}}
	c := cache.NewMemoryCache()
	s, _ := newTestScheduler(rt, Options{Cache: c})

	p := &pipeline.Pipeline{
		Name: "webapp",
		Jobs: []pipeline.Job{
			{Name: "build", Kind: pipeline.KindRun, Image: "rust:1.79",
				Run: []string{"cargo build --release"},
				Artifacts: []pipeline.ArtifactDecl{
					{Name: "app", Path: "target/app", Inputs: []string{"src", "rustc-1.79.0"}},
				}},
		},
	}
	req := Request{Pipeline: p, Revision: "abc123", Branch: "main", Workdir: workdir}

	if _, err := s.Execute(context.Background(), req); err != nil {
		t.Fatalf("first Execute failed: %v", err)
	}
	if got := len(rt.provisionedJobs()); got != 1 {
		t.Fatalf("first run provisioned %d environments, want 1", got)
	}

	// Same inputs, new run identity: must be served from cache.
	outcome, err := s.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("second Execute failed: %v", err)
	}
	if outcome.Status != store.RunStatusSucceeded {
		t.Errorf("got run status %v, want succeeded", outcome.Status)
	}
	if got := len(rt.provisionedJobs()); got != 1 {
		t.Errorf("second run provisioned again (%d total), want cache hit", got)
	}

	// Changed input invalidates the fingerprint.
	if err := os.WriteFile(filepath.Join(workdir, "src", "main.rs"), []byte("fn main() { println!(); }\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Execute(context.Background(), req); err != nil {
		t.Fatalf("third Execute failed: %v", err)
	}
	if got := len(rt.provisionedJobs()); got != 2 {
		t.Errorf("changed input did not re-run the job (%d provisions)", got)
	}
}

func TestExecuteBuildAndPublishOnProtectedBranch(t *testing.T) {
	rt := &fakeRuntime{exitCodes: map[string]int{}}
	builder := &fakeBuilder{}
	registry := &fakeRegistry{}
	s, _ := newTestScheduler(rt, Options{
		Builder:   builder,
		Publisher: publish.New(registry, "main", discardLogger()),
	})

	p := &pipeline.Pipeline{
		Name: "webapp",
		Jobs: []pipeline.Job{
			{Name: "docker-build", Kind: pipeline.KindImage,
				Build: &pipeline.ImageBuild{
					Repository: "registry.local/app",
					Dockerfile: "Dockerfile",
					Context:    ".",
					Platforms:  []string{"linux/amd64", "linux/arm64"},
				}},
			{Name: "push", Kind: pipeline.KindPublish, Needs: []string{"docker-build"},
				When: pipeline.Predicate{Branch: "main"}},
		},
	}

	outcome, err := s.Execute(context.Background(), Request{Pipeline: p, Revision: "abc123", Branch: "main"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if outcome.Status != store.RunStatusSucceeded {
		t.Errorf("got run status %v, want succeeded", outcome.Status)
	}
	if len(builder.calls) != 2 {
		t.Errorf("got %d builds, want one per platform", len(builder.calls))
	}
	img, ok := outcome.Images["docker-build"]
	if !ok {
		t.Fatal("no multi-arch image recorded for docker-build")
	}
	if len(img.Records) != 2 {
		t.Errorf("got %d build records, want 2", len(img.Records))
	}
	if len(registry.pushed) != 2 {
		t.Errorf("got %d platform pushes, want 2", len(registry.pushed))
	}
	wantTags := []string{"abc123", "latest"}
	if len(registry.indexTags) != 2 || registry.indexTags[0] != wantTags[0] || registry.indexTags[1] != wantTags[1] {
		t.Errorf("got index tags %v, want %v", registry.indexTags, wantTags)
	}
}

func TestExecutePublishSkippedOffProtectedBranch(t *testing.T) {
	rt := &fakeRuntime{exitCodes: map[string]int{}}
	registry := &fakeRegistry{}
	s, _ := newTestScheduler(rt, Options{
		Publisher: publish.New(registry, "main", discardLogger()),
	})

	p := &pipeline.Pipeline{
		Name: "webapp",
		Jobs: []pipeline.Job{
			{Name: "docker-build", Kind: pipeline.KindImage,
				Build: &pipeline.ImageBuild{
					Repository: "registry.local/app",
					Dockerfile: "Dockerfile",
					Context:    ".",
					Platforms:  []string{"linux/amd64"},
				}},
			{Name: "push", Kind: pipeline.KindPublish, Needs: []string{"docker-build"}},
		},
	}

	outcome, err := s.Execute(context.Background(), Request{Pipeline: p, Revision: "abc123", Branch: "feature/x"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	// Gated publish is a skip, and the run is still green.
	if outcome.Status != store.RunStatusSucceeded {
		t.Errorf("got run status %v, want succeeded", outcome.Status)
	}
	push := jobByName(t, outcome, "push")
	if push.Status != store.JobStatusSkipped || push.SkipReason != store.SkipReasonPredicate {
		t.Errorf("push: got %v/%v, want skipped/predicate", push.Status, push.SkipReason)
	}
	if len(registry.pushed) != 0 || len(registry.indexTags) != 0 {
		t.Errorf("registry saw pushes (%v, %v) on an unprotected branch", registry.pushed, registry.indexTags)
	}
}

func TestExecuteCancellation(t *testing.T) {
	release := make(chan struct{})
	rt := &fakeRuntime{
		exitCodes: map[string]int{},
		block:     map[string]chan struct{}{"slow": release},
	}
	defer close(release)
	s, _ := newTestScheduler(rt, Options{})

	p := &pipeline.Pipeline{
		Name: "webapp",
		Jobs: []pipeline.Job{
			{Name: "slow", Kind: pipeline.KindRun, Image: "busybox", Run: []string{"sleep 600"}},
			{Name: "after", Kind: pipeline.KindRun, Image: "busybox", Needs: []string{"slow"}, Run: []string{"true"}},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		deadline := time.After(5 * time.Second)
		for {
			if len(rt.provisionedJobs()) == 1 {
				cancel()
				return
			}
			select {
			case <-deadline:
				cancel()
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
	}()
	defer cancel()

	outcome, err := s.Execute(ctx, Request{Pipeline: p, Revision: "abc123", Branch: "main"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if outcome.Status != store.RunStatusCancelled {
		t.Errorf("got run status %v, want cancelled", outcome.Status)
	}
	for _, name := range []string{"slow", "after"} {
		j := jobByName(t, outcome, name)
		if j.Status != store.JobStatusSkipped || j.SkipReason != store.SkipReasonCancelled {
			t.Errorf("%s: got %v/%v, want skipped/cancelled", name, j.Status, j.SkipReason)
		}
	}
}

func TestExecuteRecordsLogs(t *testing.T) {
	rt := &fakeRuntime{exitCodes: map[string]int{}}
	s, st := newTestScheduler(rt, Options{})

	p := &pipeline.Pipeline{
		Name: "webapp",
		Jobs: []pipeline.Job{
			{Name: "test", Kind: pipeline.KindRun, Image: "busybox", Run: []string{"echo one", "echo two"}},
		},
	}

	outcome, err := s.Execute(context.Background(), Request{Pipeline: p, Revision: "abc123", Branch: "main"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	logs, err := st.GetJobLogs(context.Background(), outcome.RunID, "test")
	if err != nil {
		t.Fatalf("GetJobLogs failed: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("got %d log chunks, want one per command", len(logs))
	}
	if logs[0].Content != "ran: echo one\n" {
		t.Errorf("got first chunk %q", logs[0].Content)
	}
}

func TestExecuteCachePoisoningAbortsRun(t *testing.T) {
	workdir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(workdir, "out"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(workdir, "out", "left.txt"), []byte("left bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(workdir, "out", "right.txt"), []byte("right bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	// Both jobs derive the same fingerprint (same artifact name, image,
	// and commands, no inputs) but write different bytes. Holding both at
	// Exec until both have provisioned guarantees both miss the cache
	// lookup before either stores, so exactly one store is a consistency
	// violation.
	release := make(chan struct{})
	rt := &fakeRuntime{
		exitCodes: map[string]int{},
		block: map[string]chan struct{}{
			"left":  release,
			"right": release,
		},
	}
	s, _ := newTestScheduler(rt, Options{Concurrency: 2})

	p := &pipeline.Pipeline{
		Name: "webapp",
		Jobs: []pipeline.Job{
			{
				Name: "left", Kind: pipeline.KindRun, Image: "rust:1.79",
				Run:       []string{"cargo build"},
				Artifacts: []pipeline.ArtifactDecl{{Name: "bundle", Path: "out/left.txt"}},
			},
			{
				Name: "right", Kind: pipeline.KindRun, Image: "rust:1.79",
				Run:       []string{"cargo build"},
				Artifacts: []pipeline.ArtifactDecl{{Name: "bundle", Path: "out/right.txt"}},
			},
			{
				Name: "ship", Kind: pipeline.KindRun, Image: "rust:1.79",
				Needs: []string{"left", "right"},
				Run:   []string{"cargo publish"},
			},
		},
	}

	go func() {
		deadline := time.After(5 * time.Second)
		for {
			if len(rt.provisionedJobs()) == 2 {
				close(release)
				return
			}
			select {
			case <-deadline:
				close(release)
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
	}()

	outcome, err := s.Execute(context.Background(), Request{Pipeline: p, Revision: "abc123", Branch: "main", Workdir: workdir})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if outcome.Status != store.RunStatusFailed {
		t.Errorf("got run status %v, want failed", outcome.Status)
	}

	left := jobByName(t, outcome, "left")
	right := jobByName(t, outcome, "right")
	var poisoned, survived store.JobResult
	switch {
	case left.Status == store.JobStatusFailed:
		poisoned, survived = left, right
	case right.Status == store.JobStatusFailed:
		poisoned, survived = right, left
	default:
		t.Fatalf("expected one poisoning job to fail, got left=%v right=%v", left.Status, right.Status)
	}
	if poisoned.FailureClass != store.FailureCache {
		t.Errorf("got failure class %v, want cache", poisoned.FailureClass)
	}
	if survived.Status != store.JobStatusSucceeded {
		t.Errorf("got survivor status %v, want succeeded", survived.Status)
	}

	ship := jobByName(t, outcome, "ship")
	if ship.Status != store.JobStatusSkipped {
		t.Errorf("got ship status %v, want skipped: poisoning must halt the rest of the run", ship.Status)
	}
	if len(rt.provisionedJobs()) != 2 {
		t.Errorf("provisioned %v, want only the two poisoning jobs", rt.provisionedJobs())
	}
}

func TestExecuteRejectsUnknownDependency(t *testing.T) {
	rt := &fakeRuntime{exitCodes: map[string]int{}}
	s, st := newTestScheduler(rt, Options{})

	p := &pipeline.Pipeline{
		Name: "webapp",
		Jobs: []pipeline.Job{
			{Name: "test", Kind: pipeline.KindRun, Image: "busybox", Needs: []string{"nope"}, Run: []string{"true"}},
		},
	}

	_, err := s.Execute(context.Background(), Request{Pipeline: p, Revision: "abc123", Branch: "main"})
	if err == nil {
		t.Fatal("expected error for unknown dependency")
	}

	runs, listErr := st.ListRuns(context.Background(), 10)
	if listErr != nil {
		t.Fatalf("ListRuns failed: %v", listErr)
	}
	if len(runs) != 0 {
		t.Errorf("got %d recorded runs, want none before validation passes", len(runs))
	}
}
