package bootstrap

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

// DefaultSensitiveEnvironments are the environment names that need approval
// when no policy is configured.
var DefaultSensitiveEnvironments = []string{"prod", "production"}

// StaticApproval requires approval for a fixed set of environment names.
type StaticApproval struct {
	environments map[string]bool
}

// NewStaticApproval creates a policy for the given environment names,
// matched case-insensitively.
func NewStaticApproval(environments ...string) *StaticApproval {
	s := &StaticApproval{environments: make(map[string]bool, len(environments))}
	for _, env := range environments {
		s.environments[strings.ToLower(env)] = true
	}
	return s
}

// RequiresApproval implements ApprovalPolicy.
func (s *StaticApproval) RequiresApproval(_ context.Context, in ApprovalInput) (bool, string, error) {
	if s.environments[strings.ToLower(in.Environment)] {
		return true, fmt.Sprintf("environment %s is production-sensitive", in.Environment), nil
	}
	return false, "", nil
}

// AnyApproval requires approval when any of its policies does. Reasons of
// every requiring policy are joined; the first error stops evaluation.
type AnyApproval []ApprovalPolicy

// RequiresApproval implements ApprovalPolicy.
func (a AnyApproval) RequiresApproval(ctx context.Context, in ApprovalInput) (bool, string, error) {
	var reasons []string
	for _, p := range a {
		required, reason, err := p.RequiresApproval(ctx, in)
		if err != nil {
			return false, "", err
		}
		if !required {
			continue
		}
		if reason == "" {
			reason = "approval required"
		}
		if !slices.Contains(reasons, reason) {
			reasons = append(reasons, reason)
		}
	}
	return len(reasons) > 0, strings.Join(reasons, "; "), nil
}
