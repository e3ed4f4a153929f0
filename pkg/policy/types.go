package policy

import (
	"time"
)

// Severity is the severity of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational findings.
	SeverityInfo Severity = "info"

	// SeverityWarning findings are logged and never block.
	SeverityWarning Severity = "warning"

	// SeverityError findings block the command.
	SeverityError Severity = "error"

	// SeverityCritical findings block the command.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity denies a command.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a Rego module with metadata.
//
// A module may define two rules, both partial sets:
//
//	deny contains msg if { ... }      # evaluated for every compiled command
//	approval contains msg if { ... }  # evaluated for every successful run
//
// A deny entry is a string or an object with "message", "severity" and
// "remediation" keys. An approval entry is the reason approval is required.
type Policy struct {
	// Name uniquely identifies the policy.
	Name string `json:"name"`

	// Description explains what the policy enforces.
	Description string `json:"description"`

	// Rego is the policy source.
	Rego string `json:"rego"`

	// Severity is the default severity of deny entries.
	Severity Severity `json:"severity"`

	// Enabled policies are evaluated.
	Enabled bool `json:"enabled"`

	// Builtin is set for policies shipped with the binary.
	Builtin bool `json:"builtin,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`

	// Tags label the policy.
	Tags []string `json:"tags,omitempty"`

	// LoadedAt is when the policy was compiled.
	LoadedAt time.Time `json:"loaded_at"`
}

// Violation is one deny entry.
type Violation struct {
	// Policy is the policy that produced the entry.
	Policy string `json:"policy"`

	// TaskID is the task whose command was evaluated.
	TaskID string `json:"task_id,omitempty"`

	// Message explains the violation.
	Message string `json:"message"`

	// Severity is the violation severity.
	Severity Severity `json:"severity"`

	// Remediation suggests a fix.
	Remediation string `json:"remediation,omitempty"`
}

// Decision is the outcome of evaluating every enabled policy.
type Decision struct {
	// Allowed is false when a blocking violation was found.
	Allowed bool `json:"allowed"`

	// Violations lists blocking deny entries.
	Violations []Violation `json:"violations"`

	// Warnings lists non-blocking deny entries.
	Warnings []Violation `json:"warnings,omitempty"`

	// Reasons lists approval entries.
	Reasons []string `json:"reasons,omitempty"`

	// Evaluated names the policies that were evaluated.
	Evaluated []string `json:"evaluated"`

	// Duration is the evaluation time.
	Duration time.Duration `json:"duration"`
}

// CommandInput is the input document of deny rules.
type CommandInput struct {
	Operation string    `json:"operation"`
	Platform  string    `json:"platform"`
	Task      TaskInput `json:"task"`
}

// TaskInput describes a compiled command.
type TaskInput struct {
	ID            string        `json:"id"`
	Phase         int           `json:"phase"`
	PhaseName     string        `json:"phase_name"`
	Command       string        `json:"command"`
	Retryable     bool          `json:"retryable"`
	CanFailSafely bool          `json:"can_fail_safely"`
	Creates       *ResourceInput `json:"creates,omitempty"`
}

// ResourceInput describes the resource a command creates.
type ResourceInput struct {
	Type      string `json:"type"`
	Name      string `json:"name"`
	Namespace string `json:"namespace,omitempty"`
}

// ApprovalInput is the input document of approval rules.
type ApprovalInput struct {
	Operation   string `json:"operation"`
	Environment string `json:"environment"`
	Platform    string `json:"platform"`
	PatternID   string `json:"pattern_id"`
	Generated   bool   `json:"generated"`
	Resources   int    `json:"resources"`
	Iterations  int    `json:"iterations"`
}

// Operations named in input documents.
const (
	OperationCommand  = "command"
	OperationApproval = "approval"
)
