package validation

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/patternforge/patternforge/pkg/engine"
	"github.com/patternforge/patternforge/pkg/patterns"
)

// DefaultConcurrency bounds concurrently running checks.
const DefaultConcurrency = 4

// DefaultCheckTimeout bounds a single check.
const DefaultCheckTimeout = 60 * time.Second

// Options configures one validation run.
type Options struct {
	// Strict makes any failing check fail the validation.
	Strict bool `json:"strict" yaml:"strict"`

	// Concurrency bounds concurrently running checks.
	Concurrency int `json:"concurrency" yaml:"concurrency"`

	// CheckTimeout bounds a single check. Zero uses DefaultCheckTimeout.
	CheckTimeout time.Duration `json:"check_timeout" yaml:"check_timeout"`
}

// Environment is the target a validation runs against.
type Environment struct {
	// Name is the target environment name (e.g., "staging").
	Name string `json:"name"`

	// Dir is the working directory checks run in.
	Dir string `json:"dir,omitempty"`

	// Env holds extra environment variables for check commands.
	Env map[string]string `json:"env,omitempty"`
}

// CheckResult is the outcome of one check.
type CheckResult struct {
	ID          string            `json:"id"`
	Description string            `json:"description,omitempty"`
	Command     string            `json:"command"`
	Severity    patterns.Severity `json:"severity"`
	Passed      bool              `json:"passed"`
	ExitCode    int               `json:"exit_code"`
	Expected    int               `json:"expected_exit_code"`
	Output      string            `json:"output,omitempty"`
	Error       string            `json:"error,omitempty"`
	Remediation string            `json:"remediation,omitempty"`
	DurationMs  int64             `json:"duration_ms"`
	Status      engine.TaskStatus `json:"status"`
}

// Report is the outcome of validating a deployment.
type Report struct {
	// Checks lists the results in declaration order.
	Checks []CheckResult `json:"checks"`

	// OverallPassed is false if a critical check failed, or any check in strict mode.
	OverallPassed bool `json:"overall_passed"`

	// Strict records the mode the report was produced in.
	Strict bool `json:"strict"`

	// Environment is the target environment name.
	Environment string `json:"environment"`

	// CompletedAt is when the last check finished.
	CompletedAt time.Time `json:"completed_at"`
}

// Failed returns the failed checks in declaration order.
func (r *Report) Failed() []CheckResult {
	out := make([]CheckResult, 0)
	for _, c := range r.Checks {
		if !c.Passed {
			out = append(out, c)
		}
	}
	return out
}

// CriticalFailures returns the failed critical checks.
func (r *Report) CriticalFailures() []CheckResult {
	out := make([]CheckResult, 0)
	for _, c := range r.Checks {
		if !c.Passed && c.Severity == patterns.SeverityCritical {
			out = append(out, c)
		}
	}
	return out
}

// Metrics records check outcomes.
type Metrics interface {
	RecordCheck(severity string, passed bool)
}

// Validator runs a pattern's validation checks.
type Validator struct {
	runner  engine.CommandRunner
	logger  zerolog.Logger
	metrics Metrics
}

// Option configures a Validator.
type Option func(*Validator)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(v *Validator) {
		v.logger = logger.With().Str("component", "validator").Logger()
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(v *Validator) {
		v.metrics = m
	}
}

// New creates a validator that runs checks through runner.
func New(runner engine.CommandRunner, opts ...Option) *Validator {
	v := &Validator{runner: runner, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate runs every check and classifies the failures. A check passes when
// its command exits with the check's expected exit code. A check whose
// command cannot be run fails; a connectivity error aborts the validation
// and is returned.
func (v *Validator) Validate(ctx context.Context, checks []patterns.Check, env Environment, opts Options) (*Report, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = DefaultCheckTimeout
	}

	results := make([]CheckResult, len(checks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for i, check := range checks {
		g.Go(func() error {
			res, err := v.run(gctx, check, env, opts.CheckTimeout)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("validation aborted: %w", err)
	}

	report := &Report{
		Checks:        results,
		OverallPassed: true,
		Strict:        opts.Strict,
		Environment:   env.Name,
		CompletedAt:   time.Now(),
	}
	for _, r := range results {
		if r.Passed {
			continue
		}
		if opts.Strict || r.Severity == patterns.SeverityCritical {
			report.OverallPassed = false
		}
	}

	v.logger.Info().
		Str("environment", env.Name).
		Int("checks", len(results)).
		Int("failed", len(report.Failed())).
		Bool("passed", report.OverallPassed).
		Bool("strict", opts.Strict).
		Msg("Validation completed")

	return report, nil
}

func (v *Validator) run(ctx context.Context, check patterns.Check, env Environment, timeout time.Duration) (CheckResult, error) {
	res := CheckResult{
		ID:          check.ID,
		Description: check.Description,
		Command:     check.Command,
		Severity:    check.Severity,
		Expected:    check.ExpectedExitCode,
		ExitCode:    -1,
	}

	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	out, err := v.runner.Run(checkCtx, engine.CommandRequest{
		TaskID:  "check:" + check.ID,
		Command: check.Command,
		Dir:     env.Dir,
		Env:     env.Env,
	})
	res.DurationMs = time.Since(start).Milliseconds()

	switch {
	case err != nil && engine.IsConnectivity(err):
		return res, err
	case err != nil:
		res.Error = err.Error()
		if checkCtx.Err() == context.DeadlineExceeded {
			res.Error = engine.ReasonTimeout
		}
	case out == nil:
		res.Error = "runner returned no result"
	default:
		res.ExitCode = out.ExitCode
		res.Output = combine(out.Stdout, out.Stderr)
		res.Passed = out.ExitCode == check.ExpectedExitCode
		if !res.Passed && checkCtx.Err() == context.DeadlineExceeded {
			res.Error = engine.ReasonTimeout
		}
	}

	if res.Passed {
		res.Status = engine.TaskStatusSucceeded
	} else {
		res.Status = engine.TaskStatusFailed
		res.Remediation = check.Remediation
	}

	if v.metrics != nil {
		v.metrics.RecordCheck(string(check.Severity), res.Passed)
	}

	v.logger.Debug().
		Str("check", check.ID).
		Str("severity", string(check.Severity)).
		Bool("passed", res.Passed).
		Int("exit_code", res.ExitCode).
		Msg("Check finished")

	return res, nil
}

// maxOutput caps the output kept per check.
const maxOutput = 4096

func combine(stdout, stderr string) string {
	out := stdout
	if stderr != "" {
		if out != "" {
			out += "\n"
		}
		out += stderr
	}
	if len(out) > maxOutput {
		out = out[len(out)-maxOutput:]
	}
	return out
}
