package engine

import (
	"context"
	"time"
)

// CommandRunner executes a single shell command against the target environment.
// Implementations exist for the local host, remote hosts over SSH, and tests.
type CommandRunner interface {
	// Run executes the command and waits for it to exit or for ctx to be done.
	// A non-zero exit status is reported through CommandResult, not as an error.
	// A returned error means the command could not be run at all; runners return
	// a connectivity-class EngineError when the target is unreachable.
	Run(ctx context.Context, req CommandRequest) (*CommandResult, error)
}

// CommandRequest describes a command to run.
type CommandRequest struct {
	// TaskID identifies the task or check that issued the command.
	TaskID string `json:"task_id,omitempty"`

	// Command is the shell command line.
	Command string `json:"command"`

	// Dir is the working directory. Empty means the runner's default.
	Dir string `json:"dir,omitempty"`

	// Env holds additional environment variables. Nothing is inherited implicitly
	// beyond what the runner documents.
	Env map[string]string `json:"env,omitempty"`
}

// CommandResult is the outcome of one command invocation.
type CommandResult struct {
	// ExitCode is the process exit code, or -1 if it did not exit normally.
	ExitCode int `json:"exit_code"`

	// Stdout is the captured standard output.
	Stdout string `json:"stdout"`

	// Stderr is the captured standard error.
	Stderr string `json:"stderr"`

	// Duration is how long the command ran.
	Duration time.Duration `json:"duration"`
}

// CommandRunnerFunc adapts a function to the CommandRunner interface.
type CommandRunnerFunc func(ctx context.Context, req CommandRequest) (*CommandResult, error)

// Run implements CommandRunner.
func (f CommandRunnerFunc) Run(ctx context.Context, req CommandRequest) (*CommandResult, error) {
	return f(ctx, req)
}

// EventPublisher publishes execution events.
type EventPublisher interface {
	// Publish publishes an event. Failures must not affect execution.
	Publish(ctx context.Context, event *Event) error
}

// TaskObserver is notified when a task succeeds.
// The executor calls it while holding its coordination lock, so
// implementations must not call back into the executor.
type TaskObserver interface {
	// TaskSucceeded is called once per succeeded task, before its dependents are released.
	TaskSucceeded(graph *TaskGraph, node *TaskNode, result *TaskResult)
}

// ExecutorMetrics records executor measurements.
type ExecutorMetrics interface {
	// RecordTask records a task reaching a terminal status.
	RecordTask(status string, duration time.Duration)

	// RecordRetry records a task retry.
	RecordRetry()
}
