package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultMaxConcurrency is used when a policy does not set MaxConcurrency.
const DefaultMaxConcurrency = 4

// Executor runs task graphs with a bounded worker pool.
// A task starts only once every dependency has reached a terminal state,
// and every required dependency has succeeded.
type Executor struct {
	// runner executes task commands
	runner CommandRunner

	// eventPublisher publishes execution events
	eventPublisher EventPublisher

	// observers are notified of succeeded tasks
	observers []TaskObserver

	// metrics records task outcomes
	metrics ExecutorMetrics

	// logger is the executor's structured logger
	logger zerolog.Logger

	// runID tags published events
	runID string
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithEventPublisher sets the publisher that receives task events.
func WithEventPublisher(p EventPublisher) ExecutorOption {
	return func(e *Executor) { e.eventPublisher = p }
}

// WithObserver registers an observer for succeeded tasks.
func WithObserver(o TaskObserver) ExecutorOption {
	return func(e *Executor) { e.observers = append(e.observers, o) }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m ExecutorMetrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// WithLogger sets the executor logger.
func WithLogger(l zerolog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l.With().Str("component", "executor").Logger() }
}

// WithRunID tags published events with a run ID.
func WithRunID(id string) ExecutorOption {
	return func(e *Executor) { e.runID = id }
}

// NewExecutor creates a new executor around a command runner.
func NewExecutor(runner CommandRunner, opts ...ExecutorOption) *Executor {
	e := &Executor{
		runner: runner,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// execution holds the state of one Execute call.
// mu is the single coordination point for the ready queue and the results map.
type execution struct {
	*Executor

	graph  *TaskGraph
	policy Policy

	// deadlineCtx carries the global timeout, abort cancels in-flight tasks
	deadlineCtx context.Context
	abort       context.CancelFunc
	aborted     atomic.Bool

	mu       sync.Mutex
	cond     *sync.Cond
	results  map[string]*TaskResult
	waiting  map[string]int
	ready    []string
	running  int
	halted   bool
	stopped  int
	critical string
	hardErr  error
	outbox   []*Event
}

// taskOutcome is the result of running one task to completion, outside the lock.
type taskOutcome struct {
	status   TaskStatus
	exitCode int
	stdout   string
	stderr   string
	attempts int
	reason   string
	err      error
	started  time.Time
}

// Execute runs every task of the graph to a terminal state.
// The returned result is always non-nil once the graph is valid. The error is
// non-nil on a critical task failure, a connectivity failure, the global
// timeout, or cancellation of ctx.
func (e *Executor) Execute(ctx context.Context, graph *TaskGraph, policy Policy) (*ExecutionResult, error) {
	if e.runner == nil && !policy.DryRun {
		return nil, NewPermanentError("executor has no command runner", nil).WithCode(ErrCodeValidation)
	}
	if err := ValidateGraph(graph); err != nil {
		return nil, err
	}

	maxConcurrency := policy.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}

	deadlineCtx := ctx
	if policy.GlobalTimeout > 0 {
		var cancel context.CancelFunc
		deadlineCtx, cancel = context.WithTimeout(ctx, policy.GlobalTimeout)
		defer cancel()
	}
	runCtx, abort := context.WithCancel(deadlineCtx)
	defer abort()

	x := &execution{
		Executor:    e,
		graph:       graph,
		policy:      policy,
		deadlineCtx: deadlineCtx,
		abort:       abort,
		results:     make(map[string]*TaskResult, graph.Len()),
		waiting:     make(map[string]int, graph.Len()),
	}
	x.cond = sync.NewCond(&x.mu)

	for _, id := range graph.Order {
		x.results[id] = &TaskResult{TaskID: id, Status: TaskStatusPending, ExitCode: -1}
		x.waiting[id] = len(graph.Predecessors(id))
		if x.waiting[id] == 0 {
			x.ready = append(x.ready, id)
		}
	}

	startedAt := time.Now()
	e.logger.Debug().
		Int("tasks", graph.Len()).
		Int("max_concurrency", maxConcurrency).
		Dur("global_timeout", policy.GlobalTimeout).
		Msg("Executing task graph")

	stop := context.AfterFunc(runCtx, func() {
		x.mu.Lock()
		x.cond.Broadcast()
		x.mu.Unlock()
	})
	defer stop()

	workerCount := maxConcurrency
	if graph.Len() < workerCount {
		workerCount = graph.Len()
	}

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			x.work(runCtx)
		}()
	}
	wg.Wait()

	x.mu.Lock()
	timedOut := x.finishRemaining(ctx)
	result := x.buildResult(startedAt, timedOut)
	hardErr := x.hardErr
	x.mu.Unlock()
	x.flush(ctx)

	x.publish(ctx, &Event{
		Type: EventTypeExecutionCompleted,
		Message: fmt.Sprintf("Execution completed: %d succeeded, %d failed, %d skipped",
			result.Summary.Succeeded, result.Summary.Failed, result.Summary.Skipped),
		Details: map[string]interface{}{
			"critical_failure": result.CriticalFailure,
			"timed_out":        result.TimedOut,
		},
	})

	switch {
	case ctx.Err() != nil:
		return result, fmt.Errorf("execution cancelled: %w", ctx.Err())
	case timedOut:
		return result, NewPermanentError("execution exceeded global timeout", context.DeadlineExceeded).
			WithCode(ErrCodeTimeout).
			WithDetail("timeout", policy.GlobalTimeout.String())
	case hardErr != nil:
		return result, hardErr
	}

	return result, nil
}

// work is the worker loop. It takes ready tasks until nothing is ready and nothing is running.
func (x *execution) work(ctx context.Context) {
	for {
		x.mu.Lock()
		for len(x.ready) == 0 && x.running > 0 && ctx.Err() == nil {
			x.cond.Wait()
		}
		if ctx.Err() != nil || len(x.ready) == 0 {
			x.cond.Broadcast()
			x.mu.Unlock()
			return
		}

		id := x.ready[0]
		x.ready = x.ready[1:]
		x.running++
		node := x.graph.Nodes[id]
		res := x.results[id]
		res.Status = TaskStatusRunning
		res.StartedAt = time.Now()
		x.emit(EventTypeTaskStarted, id, fmt.Sprintf("Started %s", describe(node)), nil)
		x.mu.Unlock()
		x.flush(ctx)

		outcome := x.runTask(ctx, node)

		x.mu.Lock()
		x.complete(node, outcome)
		x.running--
		x.cond.Broadcast()
		x.mu.Unlock()
		x.flush(ctx)
	}
}

// runTask runs a task's command, retrying per its policy. It does not hold the lock.
func (x *execution) runTask(ctx context.Context, node *TaskNode) taskOutcome {
	out := taskOutcome{exitCode: -1, started: time.Now()}

	for {
		out.attempts++

		if x.policy.DryRun {
			out.status = TaskStatusSucceeded
			out.exitCode = node.ExpectedExitCode
			return out
		}

		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if node.TimeoutSeconds > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, node.Timeout())
		}

		res, err := x.runner.Run(attemptCtx, CommandRequest{TaskID: node.ID, Command: node.Command})
		taskTimedOut := errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		cancel()

		if res != nil {
			out.exitCode = res.ExitCode
			out.stdout = res.Stdout
			out.stderr = res.Stderr
		} else {
			out.exitCode = -1
		}

		switch {
		case ctx.Err() != nil:
			out.status = TaskStatusFailed
			out.reason = x.interruptReason()
			return out
		case err != nil && IsConnectivity(err):
			out.status = TaskStatusFailed
			out.reason = ReasonConnectivity
			out.err = err
			return out
		case taskTimedOut:
			out.reason = ReasonTimeout
		case err != nil:
			out.reason = err.Error()
		case res != nil && res.ExitCode == node.ExpectedExitCode:
			out.status = TaskStatusSucceeded
			out.reason = ""
			return out
		default:
			out.reason = fmt.Sprintf("%s %d (expected %d)", ReasonExitCode, out.exitCode, node.ExpectedExitCode)
		}

		// unclassified runner errors follow the node's retry policy
		if err != nil && ClassOf(err) != "" && !IsRetryable(err) {
			out.status = TaskStatusFailed
			return out
		}

		// attempts-1 retries have been used so far
		if !node.Retryable || out.attempts > node.MaxRetries {
			out.status = TaskStatusFailed
			return out
		}

		backoff := node.Backoff(out.attempts)
		if x.metrics != nil {
			x.metrics.RecordRetry()
		}
		x.logger.Debug().
			Str("task_id", node.ID).
			Int("attempt", out.attempts).
			Dur("backoff", backoff).
			Str("reason", out.reason).
			Msg("Retrying task")
		x.mu.Lock()
		x.emit(EventTypeTaskRetrying, node.ID,
			fmt.Sprintf("Retrying %s after failure (attempt %d/%d)", node.ID, out.attempts+1, node.MaxRetries+1),
			map[string]interface{}{"backoff": backoff.String(), "reason": out.reason})
		x.mu.Unlock()
		x.flush(ctx)

		if backoff > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				out.status = TaskStatusFailed
				out.reason = x.interruptReason()
				return out
			}
		}
	}
}

// complete records a finished task and releases or skips its dependents. Caller holds mu.
func (x *execution) complete(node *TaskNode, out taskOutcome) {
	res := x.results[node.ID]
	res.Status = out.status
	res.ExitCode = out.exitCode
	res.Stdout = out.stdout
	res.Stderr = out.stderr
	res.AttemptsUsed = out.attempts
	res.Reason = out.reason
	res.FinishedAt = time.Now()
	res.DurationMs = res.FinishedAt.Sub(out.started).Milliseconds()
	x.record(res)

	if out.status == TaskStatusSucceeded {
		for _, o := range x.observers {
			o.TaskSucceeded(x.graph, node, res)
		}
		x.emit(EventTypeTaskSucceeded, node.ID, fmt.Sprintf("Completed %s", describe(node)), nil)
		x.release(node.ID)
		return
	}

	x.emit(EventTypeTaskFailed, node.ID, fmt.Sprintf("Failed %s: %s", describe(node), out.reason),
		map[string]interface{}{"exit_code": out.exitCode, "attempts": out.attempts})

	switch {
	case x.deadlineCtx.Err() != nil || x.aborted.Load():
		// interrupted, finishRemaining settles the rest
		x.stopped++
	case out.err != nil:
		x.halt(node.ID, NewConnectivityError("target unreachable", out.err).WithResource(node.ID))
	case !node.CanFailSafely:
		x.halt(node.ID, NewPermanentError(fmt.Sprintf("critical task %s failed: %s", node.ID, out.reason), nil).
			WithCode(ErrCodeDependencyFailed).
			WithResource(node.ID).
			WithDetail("exit_code", out.exitCode).
			WithDetail("attempts", out.attempts))
	default:
		x.logger.Warn().Str("task_id", node.ID).Str("reason", out.reason).Msg("Fail-safe task failed")
		x.release(node.ID)
	}
}

// release propagates a terminal task to the tasks waiting on it. Caller holds mu.
// Required dependents of a task that did not succeed are skipped, followers are
// released whatever the outcome.
func (x *execution) release(id string) {
	succeeded := x.results[id].Status == TaskStatusSucceeded

	for _, dep := range x.graph.Dependents(id) {
		if succeeded {
			x.satisfy(dep)
			continue
		}
		if x.results[dep].Status == TaskStatusPending {
			x.skip(dep, ReasonDependencyFailed)
		}
	}

	for _, f := range x.graph.Followers(id) {
		x.satisfy(f)
	}
}

// satisfy marks one dependency of id as met. Caller holds mu.
func (x *execution) satisfy(id string) {
	x.waiting[id]--
	if x.waiting[id] == 0 && x.results[id].Status == TaskStatusPending && !x.halted {
		x.ready = append(x.ready, id)
	}
}

// skip marks a pending task skipped and propagates. Caller holds mu.
func (x *execution) skip(id, reason string) {
	res := x.results[id]
	res.Status = TaskStatusSkipped
	res.Reason = reason
	res.FinishedAt = time.Now()
	x.record(res)
	x.emit(EventTypeTaskSkipped, id, fmt.Sprintf("Skipped %s: %s", id, reason), nil)
	x.release(id)
}

// halt handles a critical failure: every not-yet-started task is skipped. Caller holds mu.
func (x *execution) halt(id string, err error) {
	if x.halted {
		return
	}
	x.halted = true
	x.critical = id
	x.hardErr = err
	x.ready = nil

	descendants := make(map[string]bool)
	for _, d := range x.graph.Descendants(id) {
		descendants[d] = true
	}

	for _, tid := range x.graph.Order {
		res := x.results[tid]
		if res.Status != TaskStatusPending {
			continue
		}
		reason := ReasonCriticalAbort
		if descendants[tid] {
			reason = ReasonDependencyFailed
		}
		res.Status = TaskStatusSkipped
		res.Reason = reason
		res.FinishedAt = time.Now()
		x.record(res)
		x.emit(EventTypeTaskSkipped, tid, fmt.Sprintf("Skipped %s: %s", tid, reason), nil)
	}

	x.logger.Error().Str("task_id", id).Err(err).Msg("Critical task failure, remaining tasks skipped")

	if x.policy.AbortOnCritical {
		x.aborted.Store(true)
		x.abort()
	}
}

// finishRemaining fails every task that never reached a terminal state because
// the run was interrupted. It reports whether the global timeout expired. Caller holds mu.
func (x *execution) finishRemaining(parent context.Context) bool {
	reason := x.interruptReason()

	for _, id := range x.graph.Order {
		res := x.results[id]
		if res.Status.IsTerminal() {
			continue
		}
		x.stopped++
		res.Status = TaskStatusFailed
		res.Reason = reason
		res.FinishedAt = time.Now()
		x.record(res)
		x.emit(EventTypeTaskFailed, id, fmt.Sprintf("Failed %s: %s", id, reason), nil)
	}

	return x.stopped > 0 && parent.Err() == nil &&
		errors.Is(x.deadlineCtx.Err(), context.DeadlineExceeded)
}

// interruptReason explains why in-flight or pending work was stopped.
func (x *execution) interruptReason() string {
	switch {
	case errors.Is(x.deadlineCtx.Err(), context.DeadlineExceeded):
		return ReasonTimeout
	case x.aborted.Load():
		return ReasonCriticalAbort
	default:
		return "cancelled"
	}
}

// buildResult assembles the execution result. Caller holds mu.
func (x *execution) buildResult(startedAt time.Time, timedOut bool) *ExecutionResult {
	completedAt := time.Now()
	result := &ExecutionResult{
		Results:         make(map[string]*TaskResult, len(x.results)),
		Order:           append([]string(nil), x.graph.Order...),
		CriticalFailure: x.critical != "",
		FailedTask:      x.critical,
		TimedOut:        timedOut,
		StartedAt:       startedAt,
		CompletedAt:     completedAt,
		Duration:        completedAt.Sub(startedAt),
	}

	result.Summary.Total = len(x.results)
	for id, res := range x.results {
		copied := *res
		result.Results[id] = &copied
		switch res.Status {
		case TaskStatusSucceeded:
			result.Summary.Succeeded++
		case TaskStatusFailed:
			result.Summary.Failed++
		case TaskStatusSkipped:
			result.Summary.Skipped++
		}
	}

	return result
}

// record reports a terminal task to the metrics recorder.
func (x *execution) record(res *TaskResult) {
	if x.metrics == nil {
		return
	}
	x.metrics.RecordTask(string(res.Status), time.Duration(res.DurationMs)*time.Millisecond)
}

// emit queues an event for publication after the lock is released. Caller holds mu.
func (x *execution) emit(eventType EventType, taskID, message string, details map[string]interface{}) {
	if x.eventPublisher == nil {
		return
	}
	x.outbox = append(x.outbox, &Event{
		Type:    eventType,
		TaskID:  taskID,
		Message: message,
		Details: details,
	})
}

// flush publishes queued events. Caller must not hold mu.
func (x *execution) flush(ctx context.Context) {
	if x.eventPublisher == nil {
		return
	}
	x.mu.Lock()
	events := x.outbox
	x.outbox = nil
	x.mu.Unlock()

	for _, event := range events {
		x.publish(ctx, event)
	}
}

// publish sends one event. Publication errors never affect execution.
func (e *Executor) publish(ctx context.Context, event *Event) {
	if e.eventPublisher == nil {
		return
	}
	event.ID = uuid.New().String()
	event.Timestamp = time.Now()
	event.RunID = e.runID
	event.Level = event.Type.Severity()
	if err := e.eventPublisher.Publish(context.WithoutCancel(ctx), event); err != nil {
		e.logger.Debug().Err(err).Str("event_type", string(event.Type)).Msg("Failed to publish event")
	}
}

func describe(node *TaskNode) string {
	if node.Description != "" {
		return fmt.Sprintf("%s (%s)", node.ID, node.Description)
	}
	return node.ID
}
