// Package engine provides the task graph model and the executor of PatternForge.
//
// # Overview
//
// A deployment pattern is compiled into a TaskGraph: one TaskNode per
// command, with dependencies derived from phase order and declaration order.
// The Executor runs the graph against a CommandRunner:
//
//  1. Build - DAGBuilder validates the nodes, rejects cycles and groups tasks into levels
//  2. Schedule - ready tasks start as soon as every dependency has succeeded
//  3. Run - each attempt is bounded by the task timeout; retryable tasks back off linearly
//  4. Propagate - a failure skips its descendants; a critical failure can halt the run
//  5. Report - ExecutionResult holds a TaskResult for every node
//
// # Failure Semantics
//
// A task that exhausts its retries fails. When CanFailSafely is set only its
// own descendants are skipped. Otherwise the failure is critical: every task
// that has not started is skipped and Execute returns a permanent error.
// Policy.AbortOnCritical also cancels the tasks still running. Connectivity
// errors from the runner are never retried.
//
// # Error Handling
//
// Errors are classified for retry and recovery:
//
//   - Transient: Temporary failures that may succeed on retry
//   - Throttled: Rate limiting requiring backoff
//   - Conflict: State conflicts such as duplicate patterns
//   - Permanent: Non-recoverable errors
//   - Connectivity: The target platform cannot be reached
//
// Use the error helper functions to classify and inspect errors:
//
//	if IsConnectivity(err) {
//	    // Abort, retrying will not help
//	}
//
// # Example Usage
//
//	graph, err := NewDAGBuilder().BuildGraph(nodes)
//	if err != nil {
//	    return err
//	}
//
//	result, err := NewExecutor(runner, WithLogger(logger)).Execute(ctx, graph, Policy{
//	    MaxConcurrency:  DefaultMaxConcurrency,
//	    AbortOnCritical: true,
//	})
//
// # Thread Safety
//
// A TaskGraph is read-only once built; Clone it before modifying. An Executor
// can run several graphs concurrently.
package engine
