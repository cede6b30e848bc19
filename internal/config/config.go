// Package config handles configuration loading from an optional YAML file
// with environment variable overrides.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration values for the engine and the daemon.
type Config struct {
	// Database connection string for the run store. Empty selects the
	// in-memory store.
	DatabaseURL string `mapstructure:"database_url"`

	// HTTP server port for the daemon
	HTTPPort int `mapstructure:"http_port"`

	// Runtime backend: "docker", "exec", or "kubernetes"
	Runtime string `mapstructure:"runtime"`

	// Maximum number of jobs executing at once
	Concurrency int `mapstructure:"concurrency"`

	// Per-job timeout unless the job declares its own
	JobTimeout time.Duration `mapstructure:"job_timeout"`

	// Directory for the filesystem artifact cache. Empty selects the
	// in-memory cache.
	CacheDir string `mapstructure:"cache_dir"`

	// Branch whose runs are allowed to publish
	ProtectedBranch string `mapstructure:"protected_branch"`

	// Registry host for multi-arch index pushes
	RegistryHost string `mapstructure:"registry_host"`

	// Base64 registry auth for image pushes; empty means anonymous
	RegistryAuth string `mapstructure:"registry_auth"`

	// OTLP trace collector endpoint; empty disables trace export
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// Load reads configuration from the given YAML file (optional, pass "" to
// skip) with environment variables taking precedence.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("http_port", 6161)
	v.SetDefault("runtime", "docker")
	v.SetDefault("concurrency", 2)
	v.SetDefault("job_timeout", 30*time.Minute)
	v.SetDefault("protected_branch", "main")

	bindings := map[string]string{
		"database_url":     "DATABASE_URL",
		"http_port":        "GANTRY_PORT",
		"runtime":          "GANTRY_RUNTIME",
		"concurrency":      "GANTRY_CONCURRENCY",
		"job_timeout":      "GANTRY_JOB_TIMEOUT",
		"cache_dir":        "GANTRY_CACHE_DIR",
		"protected_branch": "GANTRY_PROTECTED_BRANCH",
		"registry_host":    "GANTRY_REGISTRY_HOST",
		"registry_auth":    "GANTRY_REGISTRY_AUTH",
		"otlp_endpoint":    "OTEL_EXPORTER_OTLP_ENDPOINT",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("binding %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	switch cfg.Runtime {
	case "docker", "exec", "kubernetes":
	default:
		return nil, fmt.Errorf("invalid runtime %q, expected docker, exec, or kubernetes", cfg.Runtime)
	}
	if cfg.Concurrency < 1 {
		return nil, fmt.Errorf("concurrency must be at least 1")
	}
	if cfg.JobTimeout <= 0 {
		return nil, fmt.Errorf("job_timeout must be positive")
	}

	return &cfg, nil
}
