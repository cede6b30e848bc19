package pipeline

import (
	"fmt"
	"strings"
)

// validateGraph checks structural properties the scheduler relies on:
// unique job names, dependency references that resolve, jobs shaped for
// their kind, and an acyclic dependency graph.
func validateGraph(p *Pipeline) error {
	byName := make(map[string]*Job, len(p.Jobs))
	for i := range p.Jobs {
		job := &p.Jobs[i]
		if _, dup := byName[job.Name]; dup {
			return &ConfigurationError{Reason: fmt.Sprintf("duplicate job name %q", job.Name)}
		}
		byName[job.Name] = job
	}

	for i := range p.Jobs {
		job := &p.Jobs[i]
		for _, dep := range job.Needs {
			if dep == job.Name {
				return &ConfigurationError{Reason: fmt.Sprintf("job %q depends on itself", job.Name)}
			}
			if _, ok := byName[dep]; !ok {
				return &ConfigurationError{Reason: fmt.Sprintf("job %q needs unknown job %q", job.Name, dep)}
			}
		}
		if err := validateShape(job); err != nil {
			return err
		}
	}

	return detectCycle(p, byName)
}

func validateShape(job *Job) error {
	switch job.Kind {
	case KindRun:
		if job.Image == "" {
			return &ConfigurationError{Reason: fmt.Sprintf("run job %q has no image", job.Name)}
		}
		if len(job.Run) == 0 {
			return &ConfigurationError{Reason: fmt.Sprintf("run job %q has no commands", job.Name)}
		}
	case KindImage:
		if job.Build == nil {
			return &ConfigurationError{Reason: fmt.Sprintf("image job %q has no build section", job.Name)}
		}
		if job.Build.Repository == "" {
			return &ConfigurationError{Reason: fmt.Sprintf("image job %q has no repository", job.Name)}
		}
	case KindIntegration:
		if job.Topology == nil {
			return &ConfigurationError{Reason: fmt.Sprintf("integration job %q has no topology section", job.Name)}
		}
	case KindPublish:
		if len(job.Needs) == 0 {
			// Publish gating is explicit: the published image job must be
			// a declared dependency, never an implicit whole-run gate.
			return &ConfigurationError{Reason: fmt.Sprintf("publish job %q declares no dependencies", job.Name)}
		}
	default:
		return &ConfigurationError{Reason: fmt.Sprintf("job %q has unknown kind %q", job.Name, job.Kind)}
	}
	return nil
}

// detectCycle runs a depth-first search over the dependency edges and
// reports the first cycle found, including its path.
func detectCycle(p *Pipeline, byName map[string]*Job) error {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(p.Jobs))

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch state[name] {
		case done:
			return nil
		case inStack:
			cycle := append(path, name)
			return &ConfigurationError{
				Reason: fmt.Sprintf("dependency cycle: %s", strings.Join(cycle, " -> ")),
			}
		}
		state[name] = inStack
		for _, dep := range byName[name].Needs {
			if err := visit(dep, append(path, name)); err != nil {
				return err
			}
		}
		state[name] = done
		return nil
	}

	for i := range p.Jobs {
		if err := visit(p.Jobs[i].Name, nil); err != nil {
			return err
		}
	}
	return nil
}
