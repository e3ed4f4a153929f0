package artifacts

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patternforge/patternforge/pkg/compiler"
	"github.com/patternforge/patternforge/pkg/engine"
	"github.com/patternforge/patternforge/pkg/ledger"
	"github.com/patternforge/patternforge/pkg/patterns"
	"github.com/patternforge/patternforge/pkg/validation"
)

func sampleInput(t *testing.T, work string) *Input {
	t.Helper()

	data := filepath.Join(work, "data")
	marker := filepath.Join(data, "ready")

	p := &patterns.Pattern{
		ID:           "local-files",
		Name:         "Local files",
		Version:      "1.0.0",
		PlatformType: "shell",
		Family:       patterns.FamilyGeneric,
		AuthoritativeSources: []patterns.Source{
			{URL: "https://example.com/docs", Priority: 1},
		},
		DeploymentPhases: []patterns.Phase{
			{Order: 1, Name: "prepare", Commands: []patterns.Command{
				{Command: "mkdir -p " + data, Creates: &patterns.ResourceRef{Type: "directory", Name: data}},
			}},
			{Order: 2, Name: "deploy", Commands: []patterns.Command{
				{Command: "touch " + marker, Creates: &patterns.ResourceRef{Type: "file", Name: marker}},
				{Command: "false", CanFailSafely: true},
			}},
		},
		ValidationChecks: []patterns.Check{
			{ID: "marker", Command: "test -f " + marker, Severity: patterns.SeverityCritical, Remediation: "fix: `touch " + marker + "`"},
			{ID: "optional", Command: "false", Severity: patterns.SeverityLow, Remediation: "ignore it"},
		},
	}

	graph, err := compiler.New().Compile(context.Background(), p)
	require.NoError(t, err)

	l := ledger.New(p.PlatformType, p.PlatformFamily())
	for _, id := range graph.Order {
		node := graph.Nodes[id]
		require.NoError(t, l.RecordFromTask(graph, node))
	}
	card, err := l.Card()
	require.NoError(t, err)

	return &Input{
		ExecutionID: "exec-1",
		ProjectPath: work,
		Environment: "production",
		Confidence:  0.8,
		Pattern:     p,
		Graph:       graph,
		Execution: &engine.ExecutionResult{
			Results: map[string]*engine.TaskResult{
				"p1-c1": {TaskID: "p1-c1", Status: engine.TaskStatusSucceeded},
				"p2-c1": {TaskID: "p2-c1", Status: engine.TaskStatusSucceeded},
				"p2-c2": {TaskID: "p2-c2", Status: engine.TaskStatusFailed},
			},
			Order: graph.Order,
		},
		Report: &validation.Report{
			Checks: []validation.CheckResult{
				{ID: "marker", Severity: patterns.SeverityCritical, Passed: true},
				{ID: "optional", Severity: patterns.SeverityLow, Passed: false, Remediation: "ignore it"},
			},
			OverallPassed: true,
		},
		Card:             card,
		Iterations:       2,
		Learnings:        []string{"marker: appended `touch` after phase 2"},
		RequiresApproval: true,
		ApprovalReason:   "environment production is production-sensitive",
		GeneratedAt:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func requireBash(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
}

func runScript(t *testing.T, path string) (string, error) {
	t.Helper()
	out, err := exec.Command("bash", path).CombinedOutput()
	return string(out), err
}

func TestWrite_CreatesArtifacts(t *testing.T) {
	work := t.TempDir()
	out := filepath.Join(work, "out")

	w, err := NewWriter()
	require.NoError(t, err)

	paths, err := w.Write(out, sampleInput(t, work))
	require.NoError(t, err)

	for _, p := range paths.All() {
		assert.FileExists(t, p)
	}

	info, err := os.Stat(paths.Deploy)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	deploy, err := os.ReadFile(paths.Deploy)
	require.NoError(t, err)
	assert.Contains(t, string(deploy), "set -euo pipefail")
	assert.Contains(t, string(deploy), `echo "[phase 1/2] "prepare`)
	assert.Contains(t, string(deploy), `echo "[phase 2/2] "deploy`)
	assert.Less(t, strings.Index(string(deploy), "[phase 1/2]"), strings.Index(string(deploy), "[phase 2/2]"))

	decision, err := os.ReadFile(paths.Decision)
	require.NoError(t, err)
	text := string(decision)
	assert.Contains(t, text, "Detected **shell** with confidence 0.80")
	assert.Contains(t, text, "shell@1.0.0")
	assert.Contains(t, text, "| 2 | deploy | 2 | 1 | 1 | 0 |")
	assert.Contains(t, text, "FAIL [low] optional: ignore it")
	assert.Contains(t, text, "Succeeded after 2 iteration(s).")
	assert.Contains(t, text, "appended `touch` after phase 2")
	assert.Contains(t, text, "Human approval is **required**")
	assert.Contains(t, text, "2026-01-02T03:04:05Z")
}

func TestWrite_RejectsIncompleteInput(t *testing.T) {
	w, err := NewWriter()
	require.NoError(t, err)

	_, err = w.Write(t.TempDir(), &Input{})
	require.Error(t, err)
	assert.True(t, engine.HasCode(err, engine.ErrCodeValidation))
}

func TestScripts_DeployValidateCleanup(t *testing.T) {
	requireBash(t)

	work := t.TempDir()
	in := sampleInput(t, work)
	w, err := NewWriter()
	require.NoError(t, err)
	paths, err := w.Write(filepath.Join(work, "out"), in)
	require.NoError(t, err)

	out, err := runScript(t, paths.Deploy)
	require.NoError(t, err, out)
	assert.Contains(t, out, "p2-c2 exited 1, continuing")
	assert.Contains(t, out, "deployment complete")
	assert.FileExists(t, filepath.Join(work, "data", "ready"))

	out, err = runScript(t, paths.Validate)
	require.NoError(t, err, out)
	assert.Contains(t, out, "PASS [critical] marker")
	assert.Contains(t, out, "FAIL [low] optional")
	assert.Contains(t, out, "remediation: ignore it")

	out, err = runScript(t, paths.Cleanup)
	require.NoError(t, err, out)
	assert.NoDirExists(t, filepath.Join(work, "data"))

	out, err = runScript(t, paths.Cleanup)
	require.NoError(t, err, "second cleanup run must succeed: %s", out)
	assert.Contains(t, out, "cleanup complete")

	out, err = runScript(t, paths.Validate)
	require.Error(t, err, "critical check fails once the marker is gone")
	assert.Contains(t, out, "FAIL [critical] marker")
}

func TestScripts_StrictValidation(t *testing.T) {
	requireBash(t)

	work := t.TempDir()
	in := sampleInput(t, work)
	in.Report.Strict = true
	require.NoError(t, os.MkdirAll(filepath.Join(work, "data"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(work, "data", "ready"), nil, 0o644))

	w, err := NewWriter()
	require.NoError(t, err)
	paths, err := w.Write(filepath.Join(work, "out"), in)
	require.NoError(t, err)

	out, err := runScript(t, paths.Validate)
	require.Error(t, err, "low severity failure blocks in strict mode")
	assert.Contains(t, out, "1 check(s) failed, 0 critical")
}

func TestScripts_DeployStopsOnCriticalFailure(t *testing.T) {
	requireBash(t)

	work := t.TempDir()
	in := sampleInput(t, work)
	in.Pattern.DeploymentPhases[0].Commands[0].Command = "exit 4"
	graph, err := compiler.New().Compile(context.Background(), in.Pattern)
	require.NoError(t, err)
	in.Graph = graph

	w, err := NewWriter()
	require.NoError(t, err)
	paths, err := w.Write(filepath.Join(work, "out"), in)
	require.NoError(t, err)

	out, err := runScript(t, paths.Deploy)
	require.Error(t, err)
	assert.Contains(t, out, "p1-c1 exited 4, expected 0")
	assert.NotContains(t, out, "[phase 2/2]")
}

func TestScripts_CleanupQuotesResourceIDs(t *testing.T) {
	requireBash(t)

	work := t.TempDir()
	in := sampleInput(t, work)
	marker := filepath.Join(work, "expanded")
	id := `file/$PFORGE_UNSET_VAR"; touch ` + marker + `; echo "`
	in.Card.CleanupPhases = []ledger.CleanupPhase{
		{Order: 1, Commands: []ledger.CleanupCommand{{ResourceID: id, Command: "true"}}},
	}

	w, err := NewWriter()
	require.NoError(t, err)
	paths, err := w.Write(filepath.Join(work, "out"), in)
	require.NoError(t, err)

	out, err := runScript(t, paths.Cleanup)
	require.NoError(t, err, out)
	assert.Contains(t, out, "  -> "+id)
	assert.Contains(t, out, "cleanup complete")
	assert.NoFileExists(t, marker)
}
