package patterns

import (
	"fmt"
	"strings"
)

// Family is the closed set of platform families. Per-platform behaviour is
// carried by pattern data; the family only selects defaults such as cleanup
// command templates.
type Family string

const (
	// FamilyContainerOrchestration covers Kubernetes, OpenShift and similar.
	FamilyContainerOrchestration Family = "container-orchestration"

	// FamilyContainerRuntime covers Docker, Podman and compose-style deployments.
	FamilyContainerRuntime Family = "container-runtime"

	// FamilyServerless covers function platforms.
	FamilyServerless Family = "serverless"

	// FamilyVirtualMachine covers cloud and on-prem virtual machines.
	FamilyVirtualMachine Family = "virtual-machine"

	// FamilyGeneric is used when no family is declared.
	FamilyGeneric Family = "generic"
)

// Validate checks if the family is valid.
func (f Family) Validate() error {
	switch f {
	case FamilyContainerOrchestration, FamilyContainerRuntime, FamilyServerless,
		FamilyVirtualMachine, FamilyGeneric:
		return nil
	default:
		return fmt.Errorf("invalid platform family: %s", f)
	}
}

// Severity classifies a validation check.
type Severity string

const (
	// SeverityCritical failures fail the whole validation.
	SeverityCritical Severity = "critical"

	// SeverityHigh failures are recorded and block only in strict mode.
	SeverityHigh Severity = "high"

	// SeverityMedium failures are recorded and block only in strict mode.
	SeverityMedium Severity = "medium"

	// SeverityLow failures are recorded and block only in strict mode.
	SeverityLow Severity = "low"
)

// Rank orders severities from most (0) to least severe.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	case SeverityMedium:
		return 2
	default:
		return 3
	}
}

// SignalType is the kind of detection hint.
type SignalType string

const (
	// SignalFileExists matches when a file whose path matches the glob pattern exists.
	SignalFileExists SignalType = "file-exists"

	// SignalContentMatch matches when a file's content matches the regular expression.
	SignalContentMatch SignalType = "content-match"
)

// Pattern is a versioned, platform-specific deployment template.
// A loaded pattern is immutable; callers must not modify it.
type Pattern struct {
	// ID is the unique identifier of the pattern.
	ID string `json:"id" yaml:"id" validate:"required"`

	// Name is the human-readable pattern name.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Version is the pattern version (semantic version, "v" prefix optional).
	Version string `json:"version" yaml:"version" validate:"required"`

	// PlatformType identifies the platform (e.g., "kubernetes", "docker-compose").
	PlatformType string `json:"platformType" yaml:"platformType" validate:"required"`

	// Family is the platform family.
	Family Family `json:"family,omitempty" yaml:"family,omitempty" validate:"omitempty,oneof=container-orchestration container-runtime serverless virtual-machine generic"`

	// Description explains what the pattern deploys.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// AuthoritativeSources lists the documentation the pattern was derived from.
	AuthoritativeSources []Source `json:"authoritativeSources" yaml:"authoritativeSources" validate:"dive"`

	// DeploymentPhases are the ordered deployment phases.
	DeploymentPhases []Phase `json:"deploymentPhases" yaml:"deploymentPhases" validate:"required,min=1,dive"`

	// ValidationChecks run after deployment.
	ValidationChecks []Check `json:"validationChecks" yaml:"validationChecks" validate:"dive"`

	// DetectionHints score how well a project matches the platform.
	DetectionHints []Hint `json:"detectionHints" yaml:"detectionHints" validate:"dive"`
}

// Key returns the (platformType, version) identity of the pattern.
func (p *Pattern) Key() Key {
	return Key{PlatformType: p.PlatformType, Version: p.Version}
}

// CommandCount returns the total number of deployment commands.
func (p *Pattern) CommandCount() int {
	n := 0
	for _, phase := range p.DeploymentPhases {
		n += len(phase.Commands)
	}
	return n
}

// PlatformFamily returns the declared family, defaulting to generic.
func (p *Pattern) PlatformFamily() Family {
	if p.Family == "" {
		return FamilyGeneric
	}
	return p.Family
}

// Key identifies a pattern by platform type and version.
type Key struct {
	PlatformType string
	Version      string
}

// String returns "platformType@version".
func (k Key) String() string {
	return k.PlatformType + "@" + k.Version
}

// ParseKey parses "platformType@version". The version part is optional.
func ParseKey(s string) Key {
	platform, version, _ := strings.Cut(s, "@")
	return Key{PlatformType: platform, Version: version}
}

// Source is an authoritative documentation source.
type Source struct {
	// URL is the documentation location.
	URL string `json:"url" yaml:"url" validate:"required,url"`

	// Priority ranks sources, lower first.
	Priority int `json:"priority" yaml:"priority" validate:"gte=0"`
}

// Phase is an ordered group of commands.
type Phase struct {
	// Order is the 1-based phase position.
	Order int `json:"order" yaml:"order" validate:"gte=1"`

	// Name is the phase name.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Commands run in declaration order unless marked parallelizable.
	Commands []Command `json:"commands" yaml:"commands" validate:"dive"`
}

// Command is a single deployment command.
type Command struct {
	// Command is the shell command line.
	Command string `json:"command" yaml:"command" validate:"required"`

	// Description explains the command.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// ExpectedExitCode is the exit code that counts as success.
	ExpectedExitCode int `json:"expectedExitCode" yaml:"expectedExitCode"`

	// Retryable allows the executor to retry the command.
	Retryable bool `json:"retryable" yaml:"retryable"`

	// Parallelizable removes the dependency on the previous command of the phase.
	Parallelizable bool `json:"parallelizable,omitempty" yaml:"parallelizable,omitempty"`

	// CanFailSafely makes a failure non-blocking.
	CanFailSafely bool `json:"canFailSafely,omitempty" yaml:"canFailSafely,omitempty"`

	// TimeoutSeconds overrides the default per-attempt timeout.
	TimeoutSeconds *int `json:"timeoutSeconds,omitempty" yaml:"timeoutSeconds,omitempty" validate:"omitempty,gte=0"`

	// MaxRetries overrides the default retry budget.
	MaxRetries *int `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty" validate:"omitempty,gte=0"`

	// RetryBackoffSeconds overrides the default linear backoff step.
	RetryBackoffSeconds *int `json:"retryBackoffSeconds,omitempty" yaml:"retryBackoffSeconds,omitempty" validate:"omitempty,gte=0"`

	// Creates tags the command as resource-creating.
	Creates *ResourceRef `json:"creates,omitempty" yaml:"creates,omitempty"`
}

// ResourceRef describes the resource a command creates.
type ResourceRef struct {
	// Type is the platform resource type.
	Type string `json:"type" yaml:"type" validate:"required"`

	// Name is the resource name.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Namespace scopes the resource.
	Namespace string `json:"namespace,omitempty" yaml:"namespace,omitempty"`

	// Cleanup overrides the derived deletion command.
	Cleanup string `json:"cleanup,omitempty" yaml:"cleanup,omitempty"`

	// Metadata carries extra attributes for cleanup rendering.
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Check is a post-deployment validation check.
type Check struct {
	// ID identifies the check within the pattern.
	ID string `json:"id" yaml:"id" validate:"required"`

	// Description explains what the check verifies.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Command is the shell command to run.
	Command string `json:"command" yaml:"command" validate:"required"`

	// ExpectedExitCode is the exit code that counts as passing.
	ExpectedExitCode int `json:"expectedExitCode" yaml:"expectedExitCode"`

	// Severity classifies a failure.
	Severity Severity `json:"severity" yaml:"severity" validate:"required,oneof=critical high medium low"`

	// Remediation tells the operator (or the auto-fixer) how to fix a failure.
	Remediation string `json:"remediation" yaml:"remediation"`
}

// Hint is a detection signal with a weight.
type Hint struct {
	// Signal is the hint type.
	Signal SignalType `json:"signal" yaml:"signal" validate:"required,oneof=file-exists content-match"`

	// Pattern is a glob for file-exists and a regular expression for content-match.
	Pattern string `json:"pattern" yaml:"pattern" validate:"required"`

	// File restricts content-match to files whose relative path matches this glob.
	File string `json:"file,omitempty" yaml:"file,omitempty"`

	// Weight is the contribution to the confidence score.
	Weight float64 `json:"weight" yaml:"weight" validate:"gte=0,lte=1"`
}
