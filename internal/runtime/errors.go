package runtime

import "fmt"

// ProvisionError reports an environment setup failure: image pull, sandbox
// creation, or tool installation. It is distinct from a job command failing,
// which is a CommandError.
type ProvisionError struct {
	Op  string
	Err error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provisioning: %s: %v", e.Op, e.Err)
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}

// CommandError reports that a job's own command exited non-zero.
type CommandError struct {
	Command  string
	ExitCode int
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q exited with code %d", e.Command, e.ExitCode)
}
