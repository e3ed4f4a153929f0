// Package bootstrap drives a deployment from project detection to a verified
// result.
//
// A session walks a fixed state machine:
//
//	detecting -> compiling -> executing -> validating -> finalizing -> succeeded
//	                 ^                          |
//	                 +------- auto_fixing <-----+
//
// Detection selects a stored pattern, or hands the project signals to a
// PlanGenerator when no pattern reaches the detector threshold. Each
// iteration compiles (or re-checks) the task graph, executes it, and runs the
// pattern's validation checks. A failed validation with AutoFix set lets the
// Fixer derive the next graph from the checks' remediation text, until
// MaxIterations is reached.
//
// Sessions end in succeeded, failed_exhausted (validation never passed) or
// failed_critical (a critical task failed, the target was unreachable, or a
// step could not complete). Failures are returned as *RunError carrying every
// iteration and the resources created so far.
package bootstrap
