package pipeline

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Parse parses YAML content into a Pipeline and validates it. The returned
// pipeline is safe to hand to the scheduler: the graph is acyclic, names are
// unique, and every dependency reference resolves.
func Parse(data []byte) (*Pipeline, error) {
	if errs, err := validateSchema(data); err != nil {
		return nil, err
	} else if len(errs) > 0 {
		return nil, &ConfigurationError{Reason: errs[0]}
	}

	var p Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("parsing yaml: %v", err)}
	}

	applyDefaults(&p)

	if err := validateGraph(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Load reads a pipeline file and parses it.
func Load(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pipeline file: %w", err)
	}
	return Parse(data)
}

func applyDefaults(p *Pipeline) {
	for i := range p.Jobs {
		job := &p.Jobs[i]
		if job.Kind == "" {
			job.Kind = KindRun
		}
		if job.Kind == KindImage && job.Build != nil {
			if job.Build.Dockerfile == "" {
				job.Build.Dockerfile = "Dockerfile"
			}
			if job.Build.Context == "" {
				job.Build.Context = "."
			}
			if len(job.Build.Platforms) == 0 {
				job.Build.Platforms = []string{"linux/amd64"}
			}
		}
	}
}
