package engine

import (
	"encoding/json"
	"fmt"
)

// TaskStatus represents the execution status of a single task node.
type TaskStatus string

const (
	// TaskStatusPending indicates the task is waiting for its dependencies.
	TaskStatusPending TaskStatus = "pending"

	// TaskStatusRunning indicates the task's command is executing (including retry waits).
	TaskStatusRunning TaskStatus = "running"

	// TaskStatusSucceeded indicates the command exited with its expected exit code.
	TaskStatusSucceeded TaskStatus = "succeeded"

	// TaskStatusFailed indicates the command failed and no retries remain.
	TaskStatusFailed TaskStatus = "failed"

	// TaskStatusSkipped indicates an ancestor failed so the task never started.
	TaskStatusSkipped TaskStatus = "skipped"
)

// IsTerminal returns true if the task status represents a final state.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusFailed || s == TaskStatusSkipped
}

// Validate checks if the task status is valid.
func (s TaskStatus) Validate() error {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusSucceeded,
		TaskStatusFailed, TaskStatusSkipped:
		return nil
	default:
		return fmt.Errorf("invalid task status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s TaskStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *TaskStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = TaskStatus(str)
	return s.Validate()
}

// Failure reasons attached to TaskResult.Reason.
const (
	// ReasonTimeout marks a task stopped by its own or the global timeout.
	ReasonTimeout = "timeout"

	// ReasonExitCode marks a task whose command returned an unexpected exit code.
	ReasonExitCode = "unexpected exit code"

	// ReasonDependencyFailed marks a task skipped because an ancestor failed.
	ReasonDependencyFailed = "dependency failed"

	// ReasonCriticalAbort marks a task skipped or stopped after a critical failure elsewhere.
	ReasonCriticalAbort = "aborted after critical failure"

	// ReasonConnectivity marks a task whose runner could not reach the target.
	ReasonConnectivity = "connectivity"
)

// EventType represents the type of event in the execution timeline.
type EventType string

const (
	// EventTypeTaskStarted indicates a task has started execution.
	EventTypeTaskStarted EventType = "task_started"

	// EventTypeTaskRetrying indicates a task failed and is waiting to retry.
	EventTypeTaskRetrying EventType = "task_retrying"

	// EventTypeTaskSucceeded indicates a task has completed successfully.
	EventTypeTaskSucceeded EventType = "task_succeeded"

	// EventTypeTaskFailed indicates a task has failed.
	EventTypeTaskFailed EventType = "task_failed"

	// EventTypeTaskSkipped indicates a task was skipped.
	EventTypeTaskSkipped EventType = "task_skipped"

	// EventTypeExecutionCompleted indicates every task reached a terminal state.
	EventTypeExecutionCompleted EventType = "execution_completed"

	// EventTypePatternMissing indicates no pattern matched above the confidence threshold.
	EventTypePatternMissing EventType = "pattern_missing"

	// EventTypeRunSucceeded indicates a bootstrap run finalized successfully.
	EventTypeRunSucceeded EventType = "run_succeeded"

	// EventTypeRunFailedExhausted indicates a bootstrap run used all its iterations.
	EventTypeRunFailedExhausted EventType = "run_failed_exhausted"

	// EventTypeRunFailedCritical indicates a bootstrap run aborted on a critical failure.
	EventTypeRunFailedCritical EventType = "run_failed_critical"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeTaskFailed, EventTypeRunFailedExhausted, EventTypeRunFailedCritical:
		return "error"
	case EventTypeTaskRetrying, EventTypeTaskSkipped, EventTypePatternMissing:
		return "warning"
	default:
		return "info"
	}
}
