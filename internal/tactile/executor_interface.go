package tactile

import "context"

// Executor runs external processes. The pytest sandbox, the coverage runner
// and the Ollama CLI provider all go through it so tests can substitute a fake.
type Executor interface {
	// Execute runs a command. A non-nil error means the command was rejected
	// before it started; a process that could not be spawned is reported
	// through ExecutionResult.Error.
	Execute(ctx context.Context, cmd Command) (*ExecutionResult, error)

	// Validate checks if a command can be executed by this executor.
	Validate(cmd Command) error
}
