package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/patternforge/patternforge/pkg/artifacts"
	"github.com/patternforge/patternforge/pkg/compiler"
	"github.com/patternforge/patternforge/pkg/detector"
	"github.com/patternforge/patternforge/pkg/engine"
	"github.com/patternforge/patternforge/pkg/ledger"
	"github.com/patternforge/patternforge/pkg/patterns"
	"github.com/patternforge/patternforge/pkg/validation"
)

// PatternRegistry resolves stored patterns and registers generated ones.
type PatternRegistry interface {
	Resolve(ref string) (*patterns.Pattern, error)
	Add(p *patterns.Pattern, source string) (*patterns.Pattern, error)
}

// Detector scores a project against the stored patterns.
type Detector interface {
	Detect(ctx context.Context, root string) ([]detector.Result, error)
	Select(results []detector.Result) (detector.Result, bool)
	Signals(ctx context.Context, root string) (*detector.Signals, error)
	Threshold() float64
}

// Loop drives bootstrap sessions. A Loop holds no per-session state and may
// run several sessions concurrently; each session owns its own ledger.
type Loop struct {
	patterns    PatternRegistry
	detector    Detector
	runner      engine.CommandRunner
	compiler    *compiler.Compiler
	validator   *validation.Validator
	generator   PlanGenerator
	gaps        GapTracker
	fixer       Fixer
	recorder    RunRecorder
	approval    ApprovalPolicy
	writer      ArtifactWriter
	events      engine.EventPublisher
	metrics     Metrics
	execMetrics engine.ExecutorMetrics
	renderer    *ledger.Renderer
	tracer      trace.Tracer
	logger      zerolog.Logger
	now         func() time.Time
	newID       func() string
}

// Option configures a Loop.
type Option func(*Loop)

// WithCompiler sets the pattern compiler.
func WithCompiler(c *compiler.Compiler) Option {
	return func(l *Loop) { l.compiler = c }
}

// WithValidator sets the validator.
func WithValidator(v *validation.Validator) Option {
	return func(l *Loop) { l.validator = v }
}

// WithPlanGenerator sets the fallback used when no pattern matches.
func WithPlanGenerator(g PlanGenerator) Option {
	return func(l *Loop) { l.generator = g }
}

// WithGapTracker sets where missing patterns are reported.
func WithGapTracker(g GapTracker) Option {
	return func(l *Loop) { l.gaps = g }
}

// WithFixer sets the auto-fix strategy.
func WithFixer(f Fixer) Option {
	return func(l *Loop) { l.fixer = f }
}

// WithRunRecorder sets where run history is persisted.
func WithRunRecorder(r RunRecorder) Option {
	return func(l *Loop) { l.recorder = r }
}

// WithApprovalPolicy sets the human-approval policy.
func WithApprovalPolicy(p ApprovalPolicy) Option {
	return func(l *Loop) { l.approval = p }
}

// WithArtifactWriter sets the artifact writer.
func WithArtifactWriter(w ArtifactWriter) Option {
	return func(l *Loop) { l.writer = w }
}

// WithEventPublisher sets the event sink for loop and task events.
func WithEventPublisher(p engine.EventPublisher) Option {
	return func(l *Loop) { l.events = p }
}

// WithMetrics sets the loop metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(l *Loop) { l.metrics = m }
}

// WithExecutorMetrics sets the metrics recorder handed to each executor.
func WithExecutorMetrics(m engine.ExecutorMetrics) Option {
	return func(l *Loop) { l.execMetrics = m }
}

// WithCleanupRenderer sets the renderer for ledger cleanup commands.
func WithCleanupRenderer(r *ledger.Renderer) Option {
	return func(l *Loop) { l.renderer = r }
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(l *Loop) { l.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Loop) { l.logger = logger.With().Str("component", "bootstrap").Logger() }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// WithIDGenerator sets how execution IDs are generated.
func WithIDGenerator(newID func() string) Option {
	return func(l *Loop) { l.newID = newID }
}

// New creates a loop. Without further options it compiles with default
// settings, validates through runner, fixes with a RemediationFixer and
// requires approval for DefaultSensitiveEnvironments.
func New(registry PatternRegistry, det Detector, runner engine.CommandRunner, opts ...Option) *Loop {
	l := &Loop{
		patterns: registry,
		detector: det,
		runner:   runner,
		logger:   zerolog.Nop(),
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.compiler == nil {
		l.compiler = compiler.New(compiler.WithLogger(l.logger))
	}
	if l.validator == nil {
		l.validator = validation.New(runner, validation.WithLogger(l.logger))
	}
	if l.fixer == nil {
		l.fixer = NewRemediationFixer()
	}
	if l.approval == nil {
		l.approval = NewStaticApproval(DefaultSensitiveEnvironments...)
	}
	if l.tracer == nil {
		l.tracer = otel.Tracer("github.com/patternforge/patternforge/pkg/bootstrap")
	}
	return l
}

// session is the state of one Run call.
type session struct {
	*Loop

	req     Request
	summary *Summary
	logger  zerolog.Logger

	state     State
	pattern   *patterns.Pattern
	graph     *engine.TaskGraph
	ledger    *ledger.Ledger
	iteration int
	current   *Run
	iterSpan  trace.Span
	report    *validation.Report
	execution *engine.ExecutionResult
	learnings []string
	err       error
}

// Run drives one session to a terminal state. The summary is always returned
// once the request is valid. The error is a *RunError when the session ends
// in FailedExhausted or FailedCritical.
func (l *Loop) Run(ctx context.Context, req Request) (*Summary, error) {
	if req.ProjectPath == "" {
		return nil, engine.NewPermanentError("project path is required", nil).
			WithCode(engine.ErrCodeValidation)
	}
	if req.MaxIterations <= 0 {
		req.MaxIterations = DefaultMaxIterations
	}
	if req.TargetEnvironment == "" {
		req.TargetEnvironment = "default"
	}

	execID := l.newID()
	s := &session{
		Loop: l,
		req:  req,
		summary: &Summary{
			ExecutionID: execID,
			ProjectPath: req.ProjectPath,
			Environment: req.TargetEnvironment,
			FinalState:  StateDetecting,
			Runs:        make([]Run, 0),
			StartedAt:   l.now(),
		},
		logger: l.logger.With().Str("execution_id", execID).Logger(),
		state:  StateDetecting,
	}

	ctx, span := l.tracer.Start(ctx, "bootstrap.run", trace.WithAttributes(
		attribute.String("execution_id", execID),
		attribute.String("project", req.ProjectPath),
		attribute.String("environment", req.TargetEnvironment),
		attribute.Int("max_iterations", req.MaxIterations),
	))
	defer span.End()

	s.logger.Info().
		Str("project", req.ProjectPath).
		Str("environment", req.TargetEnvironment).
		Int("max_iterations", req.MaxIterations).
		Bool("auto_fix", req.AutoFix).
		Bool("dry_run", req.Options.DryRun).
		Msg("Bootstrap started")

	for !s.state.IsTerminal() {
		var next State
		switch s.state {
		case StateDetecting:
			next = s.detect(ctx)
		case StateCompiling:
			next = s.compile(ctx)
		case StateExecuting:
			next = s.execute(ctx)
		case StateValidating:
			next = s.validate(ctx)
		case StateAutoFixing:
			next = s.autoFix(ctx)
		case StateFinalizing:
			next = s.finalize(ctx)
		}
		s.transition(ctx, next)
	}

	err := s.finish(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("final_state", string(s.state)), attribute.Int("iterations", s.iteration))

	return s.summary, err
}

func (s *session) transition(ctx context.Context, next State) {
	if !s.state.CanTransition(next) {
		s.err = engine.NewPermanentError(fmt.Sprintf("invalid transition %s -> %s", s.state, next), s.err).
			WithCode(engine.ErrCodeInternal)
		next = StateFailedCritical
	}
	s.logger.Debug().Str("from", string(s.state)).Str("to", string(next)).Int("iteration", s.iteration).Msg("State transition")

	if next.IsTerminal() {
		s.closeRun(ctx, next)
	}
	s.state = next
}

func (s *session) detect(ctx context.Context) State {
	if ref := s.req.Options.Pattern; ref != "" {
		p, err := s.patterns.Resolve(ref)
		if err != nil {
			s.err = err
			return StateFailedCritical
		}
		s.usePattern(p, &detector.Result{
			PlatformType: p.PlatformType,
			PatternID:    p.ID,
			Version:      p.Version,
			Confidence:   1,
			PhaseCount:   len(p.DeploymentPhases),
		})
		return StateCompiling
	}

	results, err := s.detector.Detect(ctx, s.req.ProjectPath)
	if err != nil {
		s.err = fmt.Errorf("detection failed: %w", err)
		return StateFailedCritical
	}

	if best, ok := s.detector.Select(results); ok {
		p, err := s.patterns.Resolve(patterns.Key{PlatformType: best.PlatformType, Version: best.Version}.String())
		if err != nil {
			s.err = err
			return StateFailedCritical
		}
		s.logger.Info().
			Str("platform", best.PlatformType).
			Str("pattern", p.Key().String()).
			Float64("confidence", best.Confidence).
			Msg("Platform detected")
		s.usePattern(p, &best)
		return StateCompiling
	}

	return s.fallback(ctx, results)
}

// fallback handles a project no stored pattern matches above the threshold.
func (s *session) fallback(ctx context.Context, results []detector.Result) State {
	signals, err := s.detector.Signals(ctx, s.req.ProjectPath)
	if err != nil {
		s.err = fmt.Errorf("failed to collect project signals: %w", err)
		return StateFailedCritical
	}
	signals.Candidates = results

	var best *detector.Result
	if len(results) > 0 {
		b := results[0]
		best = &b
	}
	bestConfidence := 0.0
	if best != nil {
		bestConfidence = best.Confidence
	}

	if s.gaps != nil {
		id, err := s.gaps.FileGap(ctx, Gap{
			ExecutionID: s.summary.ExecutionID,
			ProjectPath: s.req.ProjectPath,
			Signals:     signals,
			Best:        best,
			Threshold:   s.detector.Threshold(),
		})
		if err != nil {
			s.logger.Warn().Err(err).Msg("Failed to file pattern gap")
		} else {
			s.summary.GapID = id
		}
	}

	s.publish(ctx, engine.EventTypePatternMissing, "no pattern matched above the detection threshold", map[string]interface{}{
		"project":         s.req.ProjectPath,
		"best_confidence": bestConfidence,
		"threshold":       s.detector.Threshold(),
		"gap_id":          s.summary.GapID,
	})

	s.logger.Warn().
		Float64("best_confidence", bestConfidence).
		Float64("threshold", s.detector.Threshold()).
		Msg("No pattern matched, falling back to plan generation")

	if s.generator == nil {
		s.err = engine.NewPermanentError("no pattern matched and no plan generator is configured", nil).
			WithCode(engine.ErrCodePatternNotFound).
			WithDetail("best_confidence", bestConfidence)
		return StateFailedCritical
	}

	plan, err := s.generator.Generate(ctx, PlanRequest{
		ProjectPath: s.req.ProjectPath,
		Environment: s.req.TargetEnvironment,
		Signals:     signals,
		Threshold:   s.detector.Threshold(),
	})
	if err != nil {
		s.err = fmt.Errorf("plan generation failed: %w", err)
		return StateFailedCritical
	}
	if plan == nil {
		s.err = engine.NewPermanentError("plan generator returned no pattern", nil).
			WithCode(engine.ErrCodePatternNotFound)
		return StateFailedCritical
	}

	p, err := s.patterns.Add(plan, "generated:"+s.summary.ExecutionID)
	if err != nil && engine.IsConflict(err) {
		s.logger.Warn().Str("pattern", plan.Key().String()).Msg("Generated plan duplicates a stored pattern, using the stored one")
		p, err = s.patterns.Resolve(plan.Key().String())
	}
	if err != nil {
		s.err = fmt.Errorf("generated plan rejected: %w", err)
		return StateFailedCritical
	}

	s.summary.Generated = true
	s.usePattern(p, &detector.Result{
		PlatformType: p.PlatformType,
		PatternID:    p.ID,
		Version:      p.Version,
		Confidence:   bestConfidence,
		PhaseCount:   len(p.DeploymentPhases),
	})
	return StateCompiling
}

func (s *session) usePattern(p *patterns.Pattern, detection *detector.Result) {
	s.pattern = p
	s.summary.Detection = detection
	s.summary.PatternUsed = p.Key().String()

	opts := []ledger.Option{ledger.WithLogger(s.logger)}
	if s.renderer != nil {
		opts = append(opts, ledger.WithRenderer(s.renderer))
	}
	s.ledger = ledger.New(p.PlatformType, p.PlatformFamily(), opts...)
}

func (s *session) compile(ctx context.Context) State {
	s.iteration++
	_, s.iterSpan = s.tracer.Start(ctx, "bootstrap.iteration", trace.WithAttributes(
		attribute.String("execution_id", s.summary.ExecutionID),
		attribute.Int("iteration", s.iteration),
		attribute.String("pattern", s.summary.PatternUsed),
	))
	s.current = &Run{
		ExecutionID: s.summary.ExecutionID,
		Iteration:   s.iteration,
		Timestamp:   s.now(),
		PatternUsed: s.summary.PatternUsed,
	}

	if s.graph == nil {
		graph, err := s.compiler.Compile(ctx, s.pattern)
		if err != nil {
			s.err = err
			return StateFailedCritical
		}
		s.graph = graph
	} else if err := s.compiler.Check(ctx, s.graph); err != nil {
		s.err = err
		return StateFailedCritical
	}

	s.current.Graph = s.graph.Clone()
	return StateExecuting
}

func (s *session) execute(ctx context.Context) State {
	ctx, span := s.tracer.Start(ctx, "bootstrap.execute", trace.WithAttributes(
		attribute.Int("tasks", s.graph.Len()),
	))
	defer span.End()

	opts := []engine.ExecutorOption{
		engine.WithObserver(s.ledger),
		engine.WithLogger(s.logger),
		engine.WithRunID(s.summary.ExecutionID),
	}
	if s.events != nil {
		opts = append(opts, engine.WithEventPublisher(s.events))
	}
	if s.execMetrics != nil {
		opts = append(opts, engine.WithMetrics(s.execMetrics))
	}

	policy := s.req.Options.Policy
	policy.DryRun = s.req.Options.DryRun

	result, err := engine.NewExecutor(s.scopedRunner(), opts...).Execute(ctx, s.graph, policy)
	s.execution = result
	s.current.Execution = result
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.err = err
		return StateFailedCritical
	}

	s.logger.Info().
		Int("iteration", s.iteration).
		Int("succeeded", result.Summary.Succeeded).
		Int("failed", result.Summary.Failed).
		Int("skipped", result.Summary.Skipped).
		Msg("Execution completed")

	return StateValidating
}

// scopedRunner runs commands in the project directory with the session environment.
func (s *session) scopedRunner() engine.CommandRunner {
	return engine.CommandRunnerFunc(func(ctx context.Context, req engine.CommandRequest) (*engine.CommandResult, error) {
		if req.Dir == "" {
			req.Dir = s.req.ProjectPath
		}
		if len(s.req.Options.Env) > 0 {
			env := make(map[string]string, len(s.req.Options.Env)+len(req.Env))
			for k, v := range s.req.Options.Env {
				env[k] = v
			}
			for k, v := range req.Env {
				env[k] = v
			}
			req.Env = env
		}
		return s.runner.Run(ctx, req)
	})
}

func (s *session) validate(ctx context.Context) State {
	ctx, span := s.tracer.Start(ctx, "bootstrap.validate", trace.WithAttributes(
		attribute.Int("checks", len(s.pattern.ValidationChecks)),
	))
	defer span.End()

	opts := s.req.Options.Validation
	opts.Strict = opts.Strict || s.req.Options.Strict

	var report *validation.Report
	if s.req.Options.DryRun {
		report = &validation.Report{
			Checks:        make([]validation.CheckResult, 0),
			OverallPassed: true,
			Strict:        opts.Strict,
			Environment:   s.req.TargetEnvironment,
			CompletedAt:   s.now(),
		}
	} else {
		var err error
		report, err = s.validator.Validate(ctx, s.pattern.ValidationChecks, validation.Environment{
			Name: s.req.TargetEnvironment,
			Dir:  s.req.ProjectPath,
			Env:  s.req.Options.Env,
		}, opts)
		if err != nil {
			span.RecordError(err)
			s.err = err
			return StateFailedCritical
		}
	}

	s.report = report
	s.current.Validation = report

	if report.OverallPassed {
		s.current.Success = true
		return StateFinalizing
	}

	failed := make([]string, 0)
	for _, c := range report.Failed() {
		failed = append(failed, c.ID)
	}
	span.SetAttributes(attribute.StringSlice("failed_checks", failed))

	if s.req.AutoFix && s.iteration < s.req.MaxIterations {
		s.logger.Warn().Strs("failed_checks", failed).Int("iteration", s.iteration).Msg("Validation failed, auto-fixing")
		return StateAutoFixing
	}

	s.err = engine.NewPermanentError(
		fmt.Sprintf("validation failed after %d iteration(s)", s.iteration), nil).
		WithCode(engine.ErrCodeExhausted).
		WithDetail("failed_checks", failed)
	return StateFailedExhausted
}

func (s *session) autoFix(ctx context.Context) State {
	graph, fixes, err := s.fixer.Fix(s.report, s.graph)
	if err != nil {
		s.err = fmt.Errorf("auto-fix failed: %w", err)
		return StateFailedCritical
	}

	s.current.Fixes = fixes
	for _, f := range fixes {
		s.learnings = append(s.learnings, fmt.Sprintf("iteration %d: %s", s.iteration, f))
	}
	s.logger.Info().Int("iteration", s.iteration).Int("fixes", len(fixes)).Msg("Auto-fix applied")

	s.graph = graph
	s.closeRun(ctx, StateAutoFixing)
	return StateCompiling
}

func (s *session) finalize(ctx context.Context) State {
	card, err := s.ledger.Card()
	if err != nil {
		s.err = fmt.Errorf("failed to generate cleanup phases: %w", err)
		return StateFailedCritical
	}
	s.summary.Card = card

	needed, reason, err := s.approval.RequiresApproval(ctx, ApprovalInput{
		Environment: s.req.TargetEnvironment,
		Platform:    s.pattern.PlatformType,
		PatternID:   s.pattern.ID,
		Generated:   s.summary.Generated,
		Resources:   len(card.Resources),
		Iterations:  s.iteration,
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("Approval policy failed, requiring approval")
		needed, reason = true, "approval policy could not be evaluated: "+err.Error()
	}
	s.summary.RequiresHumanApproval = needed
	s.summary.ApprovalReason = reason
	s.current.RequiresHumanApproval = needed

	if s.writer != nil && s.req.Options.ArtifactDir != "" {
		confidence := 0.0
		if s.summary.Detection != nil {
			confidence = s.summary.Detection.Confidence
		}
		paths, err := s.writer.Write(s.req.Options.ArtifactDir, &artifacts.Input{
			ExecutionID:      s.summary.ExecutionID,
			ProjectPath:      s.req.ProjectPath,
			Environment:      s.req.TargetEnvironment,
			Confidence:       confidence,
			Generated:        s.summary.Generated,
			Pattern:          s.pattern,
			Graph:            s.graph,
			Execution:        s.execution,
			Report:           s.report,
			Card:             card,
			Iterations:       s.iteration,
			Learnings:        s.learnings,
			RequiresApproval: needed,
			ApprovalReason:   reason,
			GeneratedAt:      s.now(),
		})
		if err != nil {
			s.err = fmt.Errorf("failed to write artifacts: %w", err)
			return StateFailedCritical
		}
		s.summary.ArtifactPaths = paths
	}

	s.publish(ctx, engine.EventTypeRunSucceeded, "bootstrap run succeeded", map[string]interface{}{
		"iterations":              s.iteration,
		"pattern":                 s.summary.PatternUsed,
		"resources":               len(card.Resources),
		"requires_human_approval": needed,
	})

	return StateSucceeded
}

// closeRun ends the current iteration in state and appends it to the history.
func (s *session) closeRun(ctx context.Context, state State) {
	if s.current == nil {
		return
	}
	run := s.current
	s.current = nil

	run.State = state
	if s.err != nil && state != StateSucceeded && state != StateAutoFixing {
		run.Error = s.err.Error()
	}
	if s.ledger != nil {
		if card, err := s.ledger.Card(); err == nil {
			run.SystemCard = card
		}
	}
	s.summary.Runs = append(s.summary.Runs, *run)

	if s.iterSpan != nil {
		s.iterSpan.SetAttributes(attribute.String("state", string(state)), attribute.Bool("success", run.Success))
		s.iterSpan.End()
		s.iterSpan = nil
	}
	if s.metrics != nil {
		s.metrics.RecordIteration(string(state))
	}
	if s.recorder != nil {
		if err := s.recorder.RecordRun(context.WithoutCancel(ctx), run); err != nil {
			s.logger.Warn().Err(err).Int("iteration", run.Iteration).Msg("Failed to record run")
		}
	}
}

// finish completes the summary and reports the terminal state.
func (s *session) finish(ctx context.Context) error {
	s.summary.FinalState = s.state
	s.summary.Iterations = s.iteration
	s.summary.Success = s.state == StateSucceeded
	s.summary.CompletedAt = s.now()
	if s.summary.Card == nil && s.ledger != nil {
		if card, err := s.ledger.Card(); err == nil {
			s.summary.Card = card
		}
	}

	duration := s.summary.CompletedAt.Sub(s.summary.StartedAt)
	if s.metrics != nil {
		s.metrics.RecordRun(string(s.state), duration)
	}

	var runErr *RunError
	switch s.state {
	case StateSucceeded:
		s.logger.Info().
			Int("iterations", s.iteration).
			Bool("requires_human_approval", s.summary.RequiresHumanApproval).
			Dur("duration", duration).
			Msg("Bootstrap succeeded")
	case StateFailedExhausted:
		s.publish(ctx, engine.EventTypeRunFailedExhausted, "bootstrap run exhausted its iterations", map[string]interface{}{
			"iterations": s.iteration,
			"error":      errString(s.err),
		})
		runErr = s.runError()
	default:
		s.publish(ctx, engine.EventTypeRunFailedCritical, "bootstrap run aborted", map[string]interface{}{
			"iterations": s.iteration,
			"error":      errString(s.err),
		})
		runErr = s.runError()
	}

	if s.recorder != nil {
		if err := s.recorder.RecordSummary(context.WithoutCancel(ctx), s.summary); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to record summary")
		}
	}

	if runErr != nil {
		s.logger.Error().Err(runErr.Err).Str("state", string(s.state)).Int("iterations", s.iteration).Msg("Bootstrap failed")
		return runErr
	}
	return nil
}

func (s *session) runError() *RunError {
	err := s.err
	if err == nil {
		err = errors.New("bootstrap failed")
	}
	return &RunError{
		State:   s.state,
		Runs:    s.summary.Runs,
		Card:    s.summary.Card,
		Summary: s.summary,
		Err:     err,
	}
}

// publish sends a loop event. Sink failures never affect the run.
func (s *session) publish(ctx context.Context, eventType engine.EventType, message string, details map[string]interface{}) {
	if s.events == nil {
		return
	}
	event := &engine.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: s.now(),
		RunID:     s.summary.ExecutionID,
		Message:   message,
		Details:   details,
		Level:     eventType.Severity(),
	}
	if err := s.events.Publish(context.WithoutCancel(ctx), event); err != nil {
		s.logger.Debug().Err(err).Str("event", string(eventType)).Msg("Event publish failed")
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
