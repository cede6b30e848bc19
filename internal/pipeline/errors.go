package pipeline

import "fmt"

// ConfigurationError reports a malformed job graph: cycles, unknown
// dependencies, duplicate names, or schema violations. It is detected before
// any job executes and is fatal to the whole run.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("pipeline configuration: %s", e.Reason)
}
