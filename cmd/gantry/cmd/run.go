package cmd

import (
	"context"
	"fmt"

	"gantry/internal/cache"
	"gantry/internal/config"
	"gantry/internal/container"
	"gantry/internal/logger"
	"gantry/internal/pipeline"
	"gantry/internal/publish"
	"gantry/internal/runtime"
	"gantry/internal/scheduler"
	"gantry/internal/store"
	"gantry/internal/store/postgres"
	"gantry/pkg/api"

	"github.com/spf13/cobra"
)

var (
	runRevision string
	runBranch   string
	runWorkdir  string
)

// cacheMaxBytes bounds the local artifact cache before eviction kicks in.
const cacheMaxBytes = 10 << 30

var runCmd = &cobra.Command{
	Use:   "run [pipeline-file]",
	Short: "Execute a pipeline locally",
	Long: `Execute a pipeline against a local checkout. Jobs run in dependency
order on the configured runtime backend, cached artifacts are reused when
their declared inputs are unchanged, and the run is recorded in the
configured store.

The command exits non-zero when the run does not succeed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		log := logger.New()

		p, err := pipeline.Load(args[0])
		if err != nil {
			return err
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		rt, err := newRuntime(cfg)
		if err != nil {
			return err
		}

		artifactCache, err := newCache(cfg)
		if err != nil {
			return err
		}

		runStore, closeStore, err := newStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		opts := scheduler.Options{
			Runtime:           rt,
			Cache:             artifactCache,
			Store:             runStore,
			Logger:            log,
			Concurrency:       cfg.Concurrency,
			DefaultJobTimeout: cfg.JobTimeout,
		}

		// The Docker daemon is only needed when the graph actually builds
		// or publishes images, so exec-runtime runs work without one.
		if needsImages(p) {
			builder, err := container.NewDockerBuilder()
			if err != nil {
				return fmt.Errorf("pipeline has image jobs but no builder is available: %w", err)
			}
			registry, err := publish.NewDockerRegistry(cfg.RegistryAuth)
			if err != nil {
				return fmt.Errorf("pipeline has image jobs but no registry client is available: %w", err)
			}
			opts.Builder = builder
			opts.Publisher = publish.New(registry, cfg.ProtectedBranch, log)
		}

		outcome, err := scheduler.New(opts).Execute(ctx, scheduler.Request{
			Pipeline: p,
			Revision: runRevision,
			Branch:   runBranch,
			Workdir:  runWorkdir,
		})
		if err != nil {
			return err
		}

		printOutcome(cmd, outcome)

		if outcome.Status != store.RunStatusSucceeded {
			return fmt.Errorf("run %s %s", outcome.RunID, outcome.Status)
		}
		return nil
	},
}

func newRuntime(cfg *config.Config) (runtime.Runtime, error) {
	switch cfg.Runtime {
	case "docker":
		return runtime.NewDockerRuntime()
	case "exec":
		return runtime.NewExecRuntime(""), nil
	case "kubernetes":
		return runtime.NewKubernetesRuntime(runtime.KubernetesConfig{Namespace: "default"})
	default:
		return nil, fmt.Errorf("unknown runtime %q", cfg.Runtime)
	}
}

func newCache(cfg *config.Config) (cache.Cache, error) {
	if cfg.CacheDir == "" {
		return cache.NewMemoryCache(), nil
	}
	return cache.NewFSCache(cfg.CacheDir, cache.WithEviction(cache.NewLRUPolicy(cacheMaxBytes)))
}

func newStore(ctx context.Context, cfg *config.Config) (store.RunStore, func(), error) {
	if cfg.DatabaseURL == "" {
		return store.NewMemoryStore(), func() {}, nil
	}
	pg, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return pg, func() { pg.Close() }, nil
}

func needsImages(p *pipeline.Pipeline) bool {
	for _, job := range p.Jobs {
		if job.Kind == pipeline.KindImage || job.Kind == pipeline.KindPublish {
			return true
		}
	}
	return false
}

func printOutcome(cmd *cobra.Command, outcome *scheduler.Outcome) {
	cmd.Printf("%s %sRun %s%s\n", statusIcon(string(outcome.Status)), colorBold, outcome.RunID, colorReset)
	for _, job := range outcome.Jobs {
		cmd.Printf("  %s %-20s %s\n", statusIcon(string(job.Status)), job.JobName, jobDetail(jobView(job)))
	}
	for name, image := range outcome.Images {
		cmd.Printf("  %simage %s: %s (%d platforms)%s\n",
			colorDim, name, image.Reference(), len(image.Records), colorReset)
	}
}

// jobView maps a stored result onto the API shape so run and status share
// one rendering path.
func jobView(job store.JobResult) api.JobResult {
	return api.JobResult{
		Name:         job.JobName,
		Status:       string(job.Status),
		SkipReason:   string(job.SkipReason),
		FailureClass: string(job.FailureClass),
		ExitCode:     job.ExitCode,
		Error:        job.ErrorMessage,
		StartedAt:    job.StartedAt,
		FinishedAt:   job.FinishedAt,
	}
}

func init() {
	runCmd.SilenceUsage = true
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runRevision, "revision", "", "Revision identifier for the run")
	runCmd.Flags().StringVar(&runBranch, "branch", "main", "Branch the run is triggered on")
	runCmd.Flags().StringVar(&runWorkdir, "workdir", ".", "Checked-out source tree the pipeline runs against")
	runCmd.MarkFlagRequired("revision")
}
