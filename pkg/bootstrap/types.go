package bootstrap

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/patternforge/patternforge/pkg/artifacts"
	"github.com/patternforge/patternforge/pkg/detector"
	"github.com/patternforge/patternforge/pkg/engine"
	"github.com/patternforge/patternforge/pkg/ledger"
	"github.com/patternforge/patternforge/pkg/patterns"
	"github.com/patternforge/patternforge/pkg/validation"
)

// DefaultMaxIterations bounds the compile/execute/validate cycles of a run.
const DefaultMaxIterations = 3

// Request starts one bootstrap session.
type Request struct {
	// ProjectPath is the project root to detect and deploy.
	ProjectPath string `json:"project_path"`

	// TargetEnvironment names the environment deployed to (e.g., "staging").
	TargetEnvironment string `json:"target_environment"`

	// MaxIterations bounds the compile/execute/validate cycles. Zero uses DefaultMaxIterations.
	MaxIterations int `json:"max_iterations"`

	// AutoFix lets the loop rewrite the graph from failed checks and try again.
	AutoFix bool `json:"auto_fix"`

	Options Options `json:"options"`
}

// Options tunes a bootstrap session.
type Options struct {
	// Pattern forces a pattern ("platformType" or "platformType@version") and skips detection.
	Pattern string `json:"pattern,omitempty"`

	// Strict makes any failing check fail validation.
	Strict bool `json:"strict"`

	// DryRun marks every task succeeded without running commands.
	DryRun bool `json:"dry_run"`

	// ArtifactDir is where artifacts are written. Empty skips writing them.
	ArtifactDir string `json:"artifact_dir,omitempty"`

	// Env holds extra environment variables for commands and checks.
	Env map[string]string `json:"env,omitempty"`

	// Policy bounds each execution.
	Policy engine.Policy `json:"policy"`

	// Validation tunes the validator. Strict above takes precedence.
	Validation validation.Options `json:"validation"`
}

// Fix is one change the auto-fixer made to the graph.
type Fix struct {
	// CheckID is the failed check the fix came from.
	CheckID string `json:"check_id"`

	// Action is "rewrite" (an existing task's command was replaced) or "append"
	// (a remediation task was added).
	Action string `json:"action"`

	// TaskID is the rewritten or added task.
	TaskID string `json:"task_id"`

	// Before is the replaced command, empty for appended tasks.
	Before string `json:"before,omitempty"`

	// After is the new command.
	After string `json:"after"`
}

// Fix actions.
const (
	FixRewrite = "rewrite"
	FixAppend  = "append"
)

// String describes the fix for the decision record.
func (f Fix) String() string {
	if f.Action == FixRewrite {
		return fmt.Sprintf("%s: rewrote %s from `%s` to `%s`", f.CheckID, f.TaskID, f.Before, f.After)
	}
	return fmt.Sprintf("%s: added %s `%s`", f.CheckID, f.TaskID, f.After)
}

// Run records one iteration of the loop.
type Run struct {
	// ExecutionID identifies the bootstrap session the run belongs to.
	ExecutionID string `json:"execution_id"`

	// Iteration is the 1-based iteration number.
	Iteration int `json:"iteration"`

	// Timestamp is when the iteration started.
	Timestamp time.Time `json:"timestamp"`

	// PatternUsed is "platformType@version" of the pattern.
	PatternUsed string `json:"pattern_used"`

	// Graph is a snapshot of the executed graph.
	Graph *engine.TaskGraph `json:"graph,omitempty"`

	// Execution holds the task results.
	Execution *engine.ExecutionResult `json:"execution,omitempty"`

	// Validation is the validation report, if validation ran.
	Validation *validation.Report `json:"validation,omitempty"`

	// SystemCard is the ledger snapshot at the end of the iteration.
	SystemCard *ledger.SystemCard `json:"system_card,omitempty"`

	// Success is set when the iteration's validation passed.
	Success bool `json:"success"`

	// RequiresHumanApproval is set on a successful run in a production-sensitive environment.
	RequiresHumanApproval bool `json:"requires_human_approval"`

	// State is the state the iteration ended in.
	State State `json:"state"`

	// Fixes were derived from this iteration's failed checks.
	Fixes []Fix `json:"fixes,omitempty"`

	// Error describes the failure that ended the iteration, if any.
	Error string `json:"error,omitempty"`
}

// Summary is the outcome of a bootstrap session.
type Summary struct {
	ExecutionID           string             `json:"execution_id"`
	ProjectPath           string             `json:"project_path"`
	Environment           string             `json:"environment"`
	Success               bool               `json:"success"`
	Iterations            int                `json:"iterations"`
	FinalState            State              `json:"final_state"`
	ArtifactPaths         *artifacts.Paths   `json:"artifact_paths,omitempty"`
	RequiresHumanApproval bool               `json:"requires_human_approval"`
	ApprovalReason        string             `json:"approval_reason,omitempty"`
	Detection             *detector.Result   `json:"detection,omitempty"`
	PatternUsed           string             `json:"pattern_used"`
	Generated             bool               `json:"generated"`
	GapID                 string             `json:"gap_id,omitempty"`
	Card                  *ledger.SystemCard `json:"system_card,omitempty"`
	Runs                  []Run              `json:"runs"`
	StartedAt             time.Time          `json:"started_at"`
	CompletedAt           time.Time          `json:"completed_at"`
}

// RunError is returned when a session fails. It carries the full history so
// the caller can see what was attempted and what resources now exist.
type RunError struct {
	// State is the terminal state.
	State State

	// Runs is the per-iteration history.
	Runs []Run

	// Card lists the resources created so far, with cleanup phases.
	Card *ledger.SystemCard

	// Summary is the session summary.
	Summary *Summary

	// Err is the cause.
	Err error
}

// Error implements the error interface.
func (e *RunError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "bootstrap %s after %d iteration(s)", e.State, len(e.Runs))
	if e.Card != nil && len(e.Card.Resources) > 0 {
		fmt.Fprintf(&b, " (%d resource(s) exist)", len(e.Card.Resources))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the cause.
func (e *RunError) Unwrap() error {
	return e.Err
}

// PlanRequest is what the plan generator sees of the project.
type PlanRequest struct {
	ProjectPath string            `json:"project_path"`
	Environment string            `json:"environment"`
	Signals     *detector.Signals `json:"signals"`
	Threshold   float64           `json:"threshold"`
}

// PlanGenerator produces a pattern when no stored pattern matches.
// The returned pattern is validated exactly like a loaded one.
type PlanGenerator interface {
	Generate(ctx context.Context, req PlanRequest) (*patterns.Pattern, error)
}

// Gap describes a project no stored pattern covers.
type Gap struct {
	ExecutionID string            `json:"execution_id"`
	ProjectPath string            `json:"project_path"`
	Signals     *detector.Signals `json:"signals"`
	Best        *detector.Result  `json:"best,omitempty"`
	Threshold   float64           `json:"threshold"`
}

// GapTracker files a tracking item for a missing pattern.
type GapTracker interface {
	FileGap(ctx context.Context, gap Gap) (string, error)
}

// Fixer derives the next graph from a failed validation. Implementations
// must not modify their arguments.
type Fixer interface {
	Fix(report *validation.Report, graph *engine.TaskGraph) (*engine.TaskGraph, []Fix, error)
}

// RunRecorder persists the session history.
type RunRecorder interface {
	RecordRun(ctx context.Context, run *Run) error
	RecordSummary(ctx context.Context, summary *Summary) error
}

// ApprovalInput describes a successful run for the approval policy.
type ApprovalInput struct {
	Environment string `json:"environment"`
	Platform    string `json:"platform"`
	PatternID   string `json:"pattern_id"`
	Generated   bool   `json:"generated"`
	Resources   int    `json:"resources"`
	Iterations  int    `json:"iterations"`
}

// ApprovalPolicy decides whether a successful run needs human approval.
type ApprovalPolicy interface {
	RequiresApproval(ctx context.Context, in ApprovalInput) (bool, string, error)
}

// ArtifactWriter writes the artifacts of a successful run.
type ArtifactWriter interface {
	Write(dir string, in *artifacts.Input) (*artifacts.Paths, error)
}

// Metrics records loop outcomes.
type Metrics interface {
	RecordIteration(outcome string)
	RecordRun(state string, duration time.Duration)
}
