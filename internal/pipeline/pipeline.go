// Package pipeline contains the declarative pipeline definition: jobs,
// dependencies, trigger predicates, and artifact declarations.
package pipeline

// JobKind selects the executor used for a job.
type JobKind string

const (
	// KindRun executes shell commands inside a provisioned environment.
	KindRun JobKind = "run"
	// KindImage builds a container image for each declared platform.
	KindImage JobKind = "image"
	// KindIntegration starts a multi-service topology and runs a test script.
	KindIntegration JobKind = "integration"
	// KindPublish pushes a previously built multi-arch image to a registry.
	KindPublish JobKind = "publish"
)

// Pipeline is the root of a parsed gantry.yaml document.
type Pipeline struct {
	Name string `yaml:"name"`
	Jobs []Job  `yaml:"jobs"`
}

// Job is a named unit of work in the pipeline graph.
type Job struct {
	Name string  `yaml:"name"`
	Kind JobKind `yaml:"kind"`

	// Image is the environment image commands run inside. Ignored for
	// image/publish jobs which operate on the host daemon.
	Image string `yaml:"image"`

	// Tools are installed during provisioning, before any command runs.
	Tools []string `yaml:"tools"`

	// Needs lists jobs that must reach a terminal status before this job's
	// predicate is evaluated. All of them must have succeeded for the job
	// to run.
	Needs []string `yaml:"needs"`

	When Predicate `yaml:"when"`

	Run []string          `yaml:"run"`
	Env map[string]string `yaml:"env"`

	Artifacts []ArtifactDecl `yaml:"artifacts"`

	Build    *ImageBuild `yaml:"build"`
	Topology *Topology   `yaml:"topology"`

	// TimeoutSeconds bounds the whole job, provisioning included.
	// Zero means the engine default.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// Predicate gates a job on properties of the triggering revision. The zero
// value is always true. Evaluated only after all declared dependencies have
// reached a terminal status.
type Predicate struct {
	// Branch restricts the job to runs triggered on this branch.
	Branch string `yaml:"branch"`
}

// Matches reports whether the predicate holds for the given branch.
func (p Predicate) Matches(branch string) bool {
	return p.Branch == "" || p.Branch == branch
}

// ArtifactDecl declares a cacheable output of a job.
type ArtifactDecl struct {
	Name string `yaml:"name"`
	// Path is where the producing job writes the artifact, relative to the
	// job workspace.
	Path string `yaml:"path"`
	// Inputs are the declared cache inputs: source paths, tool versions,
	// build flags. The cache fingerprint is derived from these, never from
	// run identity.
	Inputs []string `yaml:"inputs"`
}

// ImageBuild configures an image job.
type ImageBuild struct {
	Dockerfile string            `yaml:"dockerfile"`
	Context    string            `yaml:"context"`
	Platforms  []string          `yaml:"platforms"`
	BuildArgs  map[string]string `yaml:"build_args"`
	// Repository is the target image repository, e.g. "registry.example.com/app".
	Repository string `yaml:"repository"`
}

// Topology configures an integration job: an ordered list of services plus
// the test script executed inside the primary (last) service.
type Topology struct {
	Services []Service `yaml:"services"`
	Script   string    `yaml:"script"`
	// ReadinessTimeoutSeconds bounds each service's readiness wait.
	ReadinessTimeoutSeconds int `yaml:"readiness_timeout_seconds"`
}

// Service is one member of an integration topology. Services are started in
// declaration order and each must be observed ready before the next one is
// started, so a backing store is ready before the service that depends on it.
type Service struct {
	Name  string            `yaml:"name"`
	Image string            `yaml:"image"`
	Env   map[string]string `yaml:"env"`
	// Ready is the readiness probe command executed inside the service
	// container. Exit 0 means ready.
	Ready []string `yaml:"ready"`
}

// JobByName returns the job with the given name.
func (p *Pipeline) JobByName(name string) (*Job, bool) {
	for i := range p.Jobs {
		if p.Jobs[i].Name == name {
			return &p.Jobs[i], true
		}
	}
	return nil, false
}
