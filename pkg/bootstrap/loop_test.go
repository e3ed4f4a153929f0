package bootstrap

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patternforge/patternforge/pkg/artifacts"
	"github.com/patternforge/patternforge/pkg/detector"
	"github.com/patternforge/patternforge/pkg/engine"
	"github.com/patternforge/patternforge/pkg/ledger"
	"github.com/patternforge/patternforge/pkg/patterns"
	"github.com/patternforge/patternforge/pkg/runner"
	"github.com/patternforge/patternforge/pkg/validation"
)

const chainPattern = `
id: chain
name: Three phase chain
version: 1.0.0
platformType: chain
family: generic
deploymentPhases:
  - order: 1
    name: prepare
    commands:
      - command: echo one
        creates:
          type: file
          name: /tmp/pf-one
  - order: 2
    name: deploy
    commands:
      - command: deploy two
        retryable: true
        maxRetries: 2
        retryBackoffSeconds: 0
        creates:
          type: directory
          name: /tmp/pf-two
  - order: 3
    name: finish
    commands:
      - command: echo three
validationChecks:
  - id: ready
    command: healthcheck ready
    severity: critical
    remediation: "fix: repair --now"
  - id: optional
    command: healthcheck optional
    severity: low
detectionHints:
  - signal: file-exists
    pattern: chain.txt
    weight: 1
`

const weakPattern = `
id: weak
name: Weakly matching pattern
version: 0.1.0
platformType: weak
deploymentPhases:
  - order: 1
    name: only
    commands:
      - command: echo weak
detectionHints:
  - signal: file-exists
    pattern: a.txt
    weight: 0.55
`

type eventSink struct {
	mu     sync.Mutex
	events []*engine.Event
}

func (s *eventSink) Publish(_ context.Context, e *engine.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *eventSink) has(t engine.EventType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.Type == t {
			return true
		}
	}
	return false
}

type recorder struct {
	mu        sync.Mutex
	runs      []Run
	summaries []*Summary
}

func (r *recorder) RecordRun(_ context.Context, run *Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, *run)
	return nil
}

func (r *recorder) RecordSummary(_ context.Context, s *Summary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summaries = append(r.summaries, s)
	return nil
}

type loopMetrics struct {
	mu       sync.Mutex
	outcomes []string
	runs     []string
}

func (m *loopMetrics) RecordIteration(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

func (m *loopMetrics) RecordRun(state string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, state)
}

type stubGenerator struct {
	pattern *patterns.Pattern
	err     error
	calls   int
	req     PlanRequest
}

func (g *stubGenerator) Generate(_ context.Context, req PlanRequest) (*patterns.Pattern, error) {
	g.calls++
	g.req = req
	return g.pattern, g.err
}

type stubGaps struct {
	gaps []Gap
}

func (g *stubGaps) FileGap(_ context.Context, gap Gap) (string, error) {
	g.gaps = append(g.gaps, gap)
	return "GAP-1", nil
}

type harness struct {
	store   *patterns.Store
	fake    *runner.Fake
	events  *eventSink
	project string
}

func newHarness(t *testing.T, files ...string) *harness {
	t.Helper()

	store, err := patterns.NewStore(zerolog.Nop())
	require.NoError(t, err)
	for i, doc := range []string{chainPattern, weakPattern} {
		p, err := store.Parser().Parse([]byte(doc), patterns.FormatYAML, "doc")
		require.NoError(t, err, "fixture %d", i)
		_, err = store.Add(p, "test")
		require.NoError(t, err)
	}

	project := t.TempDir()
	for _, f := range files {
		require.NoError(t, os.WriteFile(filepath.Join(project, f), []byte("x"), 0o644))
	}

	return &harness{
		store:   store,
		fake:    runner.NewFake(),
		events:  &eventSink{},
		project: project,
	}
}

func (h *harness) loop(opts ...Option) *Loop {
	base := []Option{
		WithEventPublisher(h.events),
		WithIDGenerator(func() string { return "exec-test" }),
	}
	return New(h.store, detector.New(h.store), h.fake, append(base, opts...)...)
}

func (h *harness) request() Request {
	return Request{
		ProjectPath:       h.project,
		TargetEnvironment: "staging",
		MaxIterations:     3,
		AutoFix:           true,
	}
}

func TestRun_SucceedsOnFirstIteration(t *testing.T) {
	h := newHarness(t, "chain.txt")
	rec := &recorder{}
	m := &loopMetrics{}

	summary, err := h.loop(WithRunRecorder(rec), WithMetrics(m)).Run(context.Background(), h.request())
	require.NoError(t, err)

	assert.True(t, summary.Success)
	assert.Equal(t, StateSucceeded, summary.FinalState)
	assert.Equal(t, 1, summary.Iterations)
	assert.Equal(t, "exec-test", summary.ExecutionID)
	assert.Equal(t, "chain@1.0.0", summary.PatternUsed)
	assert.False(t, summary.RequiresHumanApproval)
	assert.False(t, summary.Generated)
	require.NotNil(t, summary.Detection)
	assert.Equal(t, 1.0, summary.Detection.Confidence)

	assert.Equal(t, []string{"echo one", "deploy two", "echo three"}, h.fake.Commands()[:3])

	require.Len(t, summary.Runs, 1)
	run := summary.Runs[0]
	assert.True(t, run.Success)
	assert.Equal(t, StateSucceeded, run.State)
	assert.True(t, run.Validation.OverallPassed)
	assert.Equal(t, []string{"p1-c1", "p2-c1", "p3-c1"}, run.Graph.Order)

	require.NotNil(t, summary.Card)
	assert.Len(t, summary.Card.Resources, 2)
	require.Len(t, summary.Card.CleanupPhases, 2)
	assert.Equal(t, []string{"directory//tmp/pf-two"}, summary.Card.CleanupPhases[0].ResourceIDs())
	assert.Equal(t, []string{"file//tmp/pf-one"}, summary.Card.CleanupPhases[1].ResourceIDs())

	assert.True(t, h.events.has(engine.EventTypeRunSucceeded))
	assert.True(t, h.events.has(engine.EventTypeTaskSucceeded))

	assert.Len(t, rec.runs, 1)
	require.Len(t, rec.summaries, 1)
	assert.Equal(t, StateSucceeded, rec.summaries[0].FinalState)
	assert.Equal(t, []string{string(StateSucceeded)}, m.outcomes)
	assert.Equal(t, []string{string(StateSucceeded)}, m.runs)
}

func TestRun_CriticalTaskFailureAborts(t *testing.T) {
	h := newHarness(t, "chain.txt")
	h.fake.Fail("deploy two", 1)

	summary, err := h.loop().Run(context.Background(), h.request())
	require.Error(t, err)

	var runErr *RunError
	require.True(t, errors.As(err, &runErr))
	assert.Equal(t, StateFailedCritical, runErr.State)
	require.Len(t, runErr.Runs, 1)
	assert.Equal(t, StateFailedCritical, summary.FinalState)
	assert.Equal(t, 1, summary.Iterations)

	exec := runErr.Runs[0].Execution
	require.NotNil(t, exec)
	assert.Equal(t, engine.TaskStatusFailed, exec.Result("p2-c1").Status)
	assert.Equal(t, 3, exec.Result("p2-c1").AttemptsUsed)
	assert.Equal(t, engine.TaskStatusSkipped, exec.Result("p3-c1").Status)
	assert.Equal(t, 3, h.fake.CallCount("deploy two"))
	assert.Zero(t, h.fake.CallCount("echo three"))
	assert.Zero(t, h.fake.CallCount("healthcheck"), "validation never runs after a critical failure")

	require.NotNil(t, runErr.Card)
	assert.Equal(t, []string{"file//tmp/pf-one"}, resourceIDs(runErr.Card.Resources), "resources created so far are reported")
	assert.NotEmpty(t, runErr.Runs[0].Error)
	assert.True(t, h.events.has(engine.EventTypeRunFailedCritical))
}

func TestRun_ValidationExhaustsIterations(t *testing.T) {
	h := newHarness(t, "chain.txt")
	h.fake.Fail("healthcheck ready", 1)

	summary, err := h.loop().Run(context.Background(), h.request())
	require.Error(t, err)
	assert.True(t, engine.HasCode(err, engine.ErrCodeExhausted))

	var runErr *RunError
	require.True(t, errors.As(err, &runErr))
	assert.Equal(t, StateFailedExhausted, runErr.State)
	require.Len(t, runErr.Runs, 3)
	assert.Equal(t, 3, summary.Iterations)
	for i, run := range runErr.Runs {
		assert.Equal(t, i+1, run.Iteration)
		assert.False(t, run.Success)
		require.NotNil(t, run.Validation)
		assert.False(t, run.Validation.OverallPassed)
	}
	assert.Equal(t, StateAutoFixing, runErr.Runs[0].State)
	assert.Equal(t, StateAutoFixing, runErr.Runs[1].State)
	assert.Equal(t, StateFailedExhausted, runErr.Runs[2].State)

	require.Len(t, runErr.Runs[0].Fixes, 1)
	assert.Equal(t, FixAppend, runErr.Runs[0].Fixes[0].Action)
	assert.Empty(t, runErr.Runs[1].Fixes, "a fix already in the graph is not added again")

	assert.Equal(t, 3, h.fake.CallCount("healthcheck ready"))
	assert.Equal(t, 2, h.fake.CallCount("repair --now"))
	assert.True(t, h.events.has(engine.EventTypeRunFailedExhausted))
}

func TestRun_AutoFixRecovers(t *testing.T) {
	h := newHarness(t, "chain.txt")
	h.fake.On("healthcheck ready", runner.Response{ExitCode: 1}, runner.Response{ExitCode: 0})

	out := t.TempDir()
	w, err := artifacts.NewWriter()
	require.NoError(t, err)

	req := h.request()
	req.Options.ArtifactDir = out
	summary, err := h.loop(WithArtifactWriter(w)).Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Iterations)
	require.Len(t, summary.Runs, 2)
	assert.Equal(t, []string{"p1-c1", "p2-c1", "p3-c1", "p4-c1"}, summary.Runs[1].Graph.Order)
	assert.Equal(t, "repair --now", summary.Runs[1].Graph.Nodes["p4-c1"].Command)

	require.NotNil(t, summary.ArtifactPaths)
	decision, err := os.ReadFile(summary.ArtifactPaths.Decision)
	require.NoError(t, err)
	assert.Contains(t, string(decision), "iteration 1: ready: added p4-c1 `repair --now`")
}

type failingFixer struct {
	calls int
}

func (f *failingFixer) Fix(*validation.Report, *engine.TaskGraph) (*engine.TaskGraph, []Fix, error) {
	f.calls++
	return nil, nil, errors.New("no remediation for ready")
}

func TestRun_FixerErrorIsCritical(t *testing.T) {
	h := newHarness(t, "chain.txt")
	h.fake.Fail("healthcheck ready", 1)
	fixer := &failingFixer{}

	summary, err := h.loop(WithFixer(fixer)).Run(context.Background(), h.request())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auto-fix failed")
	assert.Equal(t, 1, fixer.calls)
	assert.Equal(t, StateFailedCritical, summary.FinalState)
	assert.Equal(t, 1, summary.Iterations)
	assert.Equal(t, 1, h.fake.CallCount("healthcheck ready"))
}

func TestRun_CustomCleanupRenderer(t *testing.T) {
	h := newHarness(t, "chain.txt")
	renderer, err := ledger.NewRenderer(ledger.Templates{
		patterns.FamilyGeneric: {
			"file":      `shred -u {{q .Name}} || true`,
			"directory": `rmdir --ignore-fail-on-non-empty {{q .Name}} || true`,
		},
	})
	require.NoError(t, err)

	summary, err := h.loop(WithCleanupRenderer(renderer)).Run(context.Background(), h.request())
	require.NoError(t, err)

	require.Len(t, summary.Card.CleanupPhases, 2)
	assert.Equal(t, "rmdir --ignore-fail-on-non-empty /tmp/pf-two || true", summary.Card.CleanupPhases[0].Commands[0].Command)
	assert.Equal(t, "shred -u /tmp/pf-one || true", summary.Card.CleanupPhases[1].Commands[0].Command)
}

func TestRun_WithoutAutoFixStopsAfterFirstFailure(t *testing.T) {
	h := newHarness(t, "chain.txt")
	h.fake.Fail("healthcheck ready", 1)

	req := h.request()
	req.AutoFix = false
	_, err := h.loop().Run(context.Background(), req)

	var runErr *RunError
	require.True(t, errors.As(err, &runErr))
	assert.Equal(t, StateFailedExhausted, runErr.State)
	assert.Len(t, runErr.Runs, 1)
}

func TestRun_IterationBound(t *testing.T) {
	for _, max := range []int{1, 2, 4} {
		h := newHarness(t, "chain.txt")
		h.fake.Fail("healthcheck ready", 1)

		req := h.request()
		req.MaxIterations = max
		summary, err := h.loop().Run(context.Background(), req)
		require.Error(t, err)
		assert.Equal(t, max, summary.Iterations)
		assert.Equal(t, max, h.fake.CallCount("healthcheck ready"))
		assert.Equal(t, max, h.fake.CallCount("echo one"))
	}
}

func TestRun_ConnectivityAbortsWithoutRetry(t *testing.T) {
	h := newHarness(t, "chain.txt")
	h.fake.On("deploy two", runner.Response{Err: engine.NewConnectivityError("cluster unreachable", nil)})

	summary, err := h.loop().Run(context.Background(), h.request())
	require.Error(t, err)
	assert.True(t, engine.IsConnectivity(err))
	assert.Equal(t, StateFailedCritical, summary.FinalState)
	assert.Equal(t, 1, summary.Iterations)
	assert.Equal(t, 1, h.fake.CallCount("deploy two"))
}

func TestRun_LowConfidenceFallsBack(t *testing.T) {
	h := newHarness(t, "a.txt")
	gen := &stubGenerator{pattern: &patterns.Pattern{
		ID:           "generated-shell",
		Name:         "Generated shell deployment",
		Version:      "0.0.1",
		PlatformType: "shell",
		DeploymentPhases: []patterns.Phase{
			{Order: 1, Name: "run", Commands: []patterns.Command{{Command: "echo generated"}}},
		},
	}}
	gaps := &stubGaps{}

	summary, err := h.loop(WithPlanGenerator(gen), WithGapTracker(gaps)).Run(context.Background(), h.request())
	require.NoError(t, err)

	assert.Equal(t, 1, gen.calls)
	require.NotNil(t, gen.req.Signals)
	require.NotEmpty(t, gen.req.Signals.Candidates)
	assert.InDelta(t, 0.55, gen.req.Signals.Candidates[0].Confidence, 1e-9)

	assert.True(t, h.events.has(engine.EventTypePatternMissing))
	require.Len(t, gaps.gaps, 1)
	assert.Equal(t, "GAP-1", summary.GapID)
	assert.True(t, summary.Generated)
	assert.Equal(t, "shell@0.0.1", summary.PatternUsed)
	assert.InDelta(t, 0.55, summary.Detection.Confidence, 1e-9)
	assert.Equal(t, 1, h.fake.CallCount("echo generated"))

	_, err = h.store.Get("shell", "0.0.1")
	assert.NoError(t, err, "generated plan is registered")
}

func TestRun_LowConfidenceWithoutGenerator(t *testing.T) {
	h := newHarness(t, "a.txt")

	summary, err := h.loop().Run(context.Background(), h.request())
	require.Error(t, err)
	assert.True(t, engine.HasCode(err, engine.ErrCodePatternNotFound))
	assert.Equal(t, StateFailedCritical, summary.FinalState)
	assert.Zero(t, summary.Iterations)
	assert.True(t, h.events.has(engine.EventTypePatternMissing))
	assert.Empty(t, h.fake.Calls())
}

func TestRun_GeneratedPlanIsValidated(t *testing.T) {
	h := newHarness(t, "a.txt")
	gen := &stubGenerator{pattern: &patterns.Pattern{
		ID:           "broken",
		Version:      "1.0.0",
		PlatformType: "shell",
		DeploymentPhases: []patterns.Phase{
			{Order: 1, Name: "run", Commands: []patterns.Command{{Command: "echo never"}}},
		},
	}}

	_, err := h.loop(WithPlanGenerator(gen)).Run(context.Background(), h.request())
	require.Error(t, err)
	assert.True(t, engine.HasCode(err, engine.ErrCodeValidation))
	assert.Zero(t, h.fake.CallCount("echo never"))
}

func TestRun_ProductionRequiresApproval(t *testing.T) {
	h := newHarness(t, "chain.txt")

	req := h.request()
	req.TargetEnvironment = "Production"
	summary, err := h.loop().Run(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, summary.Success)
	assert.True(t, summary.RequiresHumanApproval)
	assert.Contains(t, summary.ApprovalReason, "production-sensitive")
	assert.True(t, summary.Runs[0].RequiresHumanApproval)
}

func TestRun_ForcedPatternSkipsDetection(t *testing.T) {
	h := newHarness(t)

	req := h.request()
	req.Options.Pattern = "chain"
	summary, err := h.loop().Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "chain@1.0.0", summary.PatternUsed)
}

func TestRun_DryRun(t *testing.T) {
	h := newHarness(t, "chain.txt")
	h.fake.Fail("echo one", 1)

	req := h.request()
	req.Options.DryRun = true
	summary, err := h.loop().Run(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, summary.Success)
	assert.Empty(t, h.fake.Calls())
	assert.Len(t, summary.Card.Resources, 2)
}

func TestRun_PassesEnvironmentToCommands(t *testing.T) {
	h := newHarness(t, "chain.txt")

	req := h.request()
	req.Options.Env = map[string]string{"KUBECONFIG": "/tmp/kc"}
	_, err := h.loop().Run(context.Background(), req)
	require.NoError(t, err)

	for _, c := range h.fake.Calls() {
		assert.Equal(t, h.project, c.Dir, c.Command)
		assert.Equal(t, "/tmp/kc", c.Env["KUBECONFIG"], c.Command)
	}
}

func TestRun_RequiresProjectPath(t *testing.T) {
	h := newHarness(t)
	_, err := h.loop().Run(context.Background(), Request{})
	require.Error(t, err)
	assert.True(t, engine.HasCode(err, engine.ErrCodeValidation))
}

func TestState_Transitions(t *testing.T) {
	assert.True(t, StateValidating.CanTransition(StateAutoFixing))
	assert.True(t, StateAutoFixing.CanTransition(StateCompiling))
	assert.False(t, StateAutoFixing.CanTransition(StateExecuting))
	assert.False(t, StateSucceeded.CanTransition(StateCompiling))
	assert.True(t, StateFailedExhausted.IsTerminal())
	assert.False(t, StateFinalizing.IsTerminal())

	var s State
	assert.Error(t, s.UnmarshalJSON([]byte(`"bogus"`)))
	require.NoError(t, s.UnmarshalJSON([]byte(`"auto_fixing"`)))
	assert.Equal(t, StateAutoFixing, s)
}

func resourceIDs(resources []ledger.Resource) []string {
	ids := make([]string, len(resources))
	for i, r := range resources {
		ids[i] = r.ID
	}
	return ids
}
