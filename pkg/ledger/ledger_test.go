package ledger

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patternforge/patternforge/pkg/engine"
	"github.com/patternforge/patternforge/pkg/patterns"
)

func fixedClock() time.Time {
	return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
}

func newLedger(family patterns.Family) *Ledger {
	return New("kubernetes", family, WithSystemID("sys-1"), WithClock(fixedClock))
}

func TestRecord_Validation(t *testing.T) {
	l := newLedger(patterns.FamilyContainerOrchestration)

	err := l.Record(Resource{ID: "", Type: "namespace"})
	assert.True(t, engine.HasCode(err, engine.ErrCodeValidation))

	err = l.Record(Resource{ID: "deployment/app", Type: "deployment", Name: "app", DependsOn: []string{"namespace/app"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unrecorded resource namespace/app")

	require.NoError(t, l.Record(Resource{ID: "namespace/app", Type: "namespace", Name: "app"}))
	require.NoError(t, l.Record(Resource{ID: "namespace/app", Type: "namespace", Name: "app"}), "same type is a no-op")
	assert.Equal(t, 1, l.Len())

	err = l.Record(Resource{ID: "namespace/app", Type: "secret", Name: "app"})
	assert.True(t, engine.IsConflict(err))

	res := l.Resources()[0]
	assert.Equal(t, "kubernetes", res.Platform)
	assert.Equal(t, fixedClock(), res.RecordedAt)
}

func TestCleanup_ReversesCreationOrder(t *testing.T) {
	l := newLedger(patterns.FamilyContainerOrchestration)

	require.NoError(t, l.Record(Resource{ID: "namespace/app", Type: "namespace", Name: "app"}))
	require.NoError(t, l.Record(Resource{
		ID: "deployment/app/web", Type: "deployment", Name: "web", Namespace: "app",
		DependsOn: []string{"namespace/app"},
	}))

	phases, err := l.GenerateCleanupPhases()
	require.NoError(t, err)
	require.Len(t, phases, 2)

	assert.Equal(t, []string{"deployment/app/web"}, phases[0].ResourceIDs())
	assert.Equal(t, []string{"namespace/app"}, phases[1].ResourceIDs())
	assert.Equal(t, "kubectl delete deployment web -n app --ignore-not-found", phases[0].Commands[0].Command)
	assert.Equal(t, "kubectl delete namespace app --ignore-not-found", phases[1].Commands[0].Command)
}

func TestCleanup_IndependentResources(t *testing.T) {
	for _, order := range [][]string{{"a", "b"}, {"b", "a"}} {
		l := newLedger(patterns.FamilyContainerRuntime)
		for _, name := range order {
			require.NoError(t, l.Record(Resource{ID: "container/" + name, Type: "container", Name: name}))
		}

		phases, err := l.GenerateCleanupPhases()
		require.NoError(t, err)
		require.Len(t, phases, 1, "unrelated resources share one cleanup phase")

		assert.Equal(t, 1, phases[0].Order)
		assert.Equal(t, []string{"container/" + order[1], "container/" + order[0]}, phases[0].ResourceIDs())
		for _, cmd := range phases[0].Commands {
			name := strings.TrimPrefix(cmd.ResourceID, "container/")
			assert.Equal(t, "docker rm -f "+name+" 2>/dev/null || true", cmd.Command)
		}
	}
}

func TestRecordFromTask_NearestAncestors(t *testing.T) {
	nodes := []*engine.TaskNode{
		{ID: "p1-c1", Phase: 1, Command: "kubectl create ns app",
			Creates: &engine.ResourceSpec{Type: "namespace", Name: "app"}},
		{ID: "p2-c1", Phase: 2, Command: "kubectl label ns app x=y", DependsOn: []string{"p1-c1"}},
		{ID: "p3-c1", Phase: 3, Command: "kubectl apply -f cm.yaml", DependsOn: []string{"p2-c1"},
			Creates: &engine.ResourceSpec{Type: "configmap", Name: "cfg", Namespace: "app"}},
		{ID: "p3-c2", Phase: 3, Command: "kubectl apply -f deploy.yaml", DependsOn: []string{"p3-c1"},
			Creates: &engine.ResourceSpec{Type: "deployment", Name: "web", Namespace: "app"}},
	}
	graph, err := engine.NewDAGBuilder().BuildGraph(nodes)
	require.NoError(t, err)
	graph.Platform = "kubernetes"

	l := newLedger(patterns.FamilyContainerOrchestration)
	for _, id := range graph.Order {
		l.TaskSucceeded(graph, graph.Nodes[id], &engine.TaskResult{TaskID: id, Status: engine.TaskStatusSucceeded})
	}

	card, err := l.Card()
	require.NoError(t, err)
	require.Len(t, card.Resources, 3)

	cm, ok := card.Resource("configmap/app/cfg")
	require.True(t, ok)
	assert.Equal(t, []string{"namespace/app"}, cm.DependsOn)
	assert.Equal(t, "p3-c1", cm.CreatedBy)

	deploy, ok := card.Resource("deployment/app/web")
	require.True(t, ok)
	assert.Equal(t, []string{"configmap/app/cfg"}, deploy.DependsOn, "only the nearest creator is a dependency")

	require.Len(t, card.CleanupPhases, 3)
	assert.Equal(t, []string{"deployment/app/web"}, card.CleanupPhases[0].ResourceIDs())
	assert.Equal(t, []string{"configmap/app/cfg"}, card.CleanupPhases[1].ResourceIDs())
	assert.Equal(t, []string{"namespace/app"}, card.CleanupPhases[2].ResourceIDs())
	assert.Equal(t, "sys-1", card.SystemID)
}

func TestRecordFromTask_SkipsUnrecordedCreators(t *testing.T) {
	nodes := []*engine.TaskNode{
		{ID: "a", Command: "create a", Creates: &engine.ResourceSpec{Type: "file", Name: "/tmp/a"}},
		{ID: "b", Command: "create b", DependsOn: []string{"a"}, Creates: &engine.ResourceSpec{Type: "file", Name: "/tmp/b"}},
		{ID: "c", Command: "create c", After: []string{"b"}, Creates: &engine.ResourceSpec{Type: "file", Name: "/tmp/c"}},
	}
	graph, err := engine.NewDAGBuilder().BuildGraph(nodes)
	require.NoError(t, err)

	l := newLedger(patterns.FamilyGeneric)
	require.NoError(t, l.RecordFromTask(graph, graph.Nodes["a"]))
	// b failed safely and was never recorded.
	require.NoError(t, l.RecordFromTask(graph, graph.Nodes["c"]))

	resources := l.Resources()
	require.Len(t, resources, 2)
	assert.Equal(t, []string{"file//tmp/a"}, resources[1].DependsOn)
}

func TestRenderer_Overrides(t *testing.T) {
	r, err := NewRenderer(DefaultTemplates())
	require.NoError(t, err)

	cmd, err := r.Command(patterns.FamilyServerless, Resource{ID: "x", Type: "service", Name: "api", Metadata: map[string]string{"stage": "prod"}})
	require.NoError(t, err)
	assert.Equal(t, "serverless remove --stage prod 2>/dev/null || true", cmd)

	cmd, err = r.Command(patterns.FamilyServerless, Resource{ID: "x", Type: "service", Name: "api"})
	require.NoError(t, err)
	assert.Equal(t, "serverless remove 2>/dev/null || true", cmd)

	cmd, err = r.Command(patterns.FamilyGeneric, Resource{ID: "x", Type: "file", Cleanup: "custom-delete thing"})
	require.NoError(t, err)
	assert.Equal(t, "{ custom-delete thing; } 2>/dev/null || true", cmd)

	cmd, err = r.Command(patterns.FamilyGeneric, Resource{ID: "x", Type: "file", Cleanup: "kubectl delete cm x --ignore-not-found"})
	require.NoError(t, err)
	assert.Equal(t, "kubectl delete cm x --ignore-not-found", cmd)

	cmd, err = r.Command(patterns.FamilyContainerRuntime, Resource{ID: "x", Type: "container", Name: "it's"})
	require.NoError(t, err)
	assert.Equal(t, `docker rm -f 'it'\''s' 2>/dev/null || true`, cmd)

	_, err = NewRenderer(Templates{patterns.FamilyGeneric: {"": "{{.Broken"}})
	assert.Error(t, err)
}

func TestCleanup_IdempotentScript(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	dir := t.TempDir()
	target := filepath.Join(dir, "state", "file.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(target), 0o755))
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))

	l := New("local", patterns.FamilyGeneric)
	require.NoError(t, l.Record(Resource{ID: "directory/state", Type: "directory", Name: filepath.Dir(target)}))
	require.NoError(t, l.Record(Resource{ID: "file/state", Type: "file", Name: target, DependsOn: []string{"directory/state"}}))

	phases, err := l.GenerateCleanupPhases()
	require.NoError(t, err)

	var script strings.Builder
	script.WriteString("set -e\n")
	for _, phase := range phases {
		for _, cmd := range phase.Commands {
			script.WriteString(cmd.Command + "\n")
		}
	}

	for run := 1; run <= 2; run++ {
		out, err := exec.Command("sh", "-c", script.String()).CombinedOutput()
		require.NoError(t, err, "run %d: %s", run, out)
	}

	_, err = os.Stat(filepath.Dir(target))
	assert.True(t, os.IsNotExist(err))
}

func TestRenderer_OverrideTail(t *testing.T) {
	r, err := NewRenderer(DefaultTemplates())
	require.NoError(t, err)

	tests := []struct {
		name     string
		override string
		wrapped  bool
	}{
		{name: "tolerant tail", override: "kubectl delete ns x --ignore-not-found", wrapped: false},
		{name: "or true tail", override: "helm uninstall web || true", wrapped: false},
		{name: "plain forced rm", override: "rm -rf -- /tmp/pforge-state", wrapped: false},
		{name: "strict step after rm", override: "rm -f y && kubectl delete ns x", wrapped: true},
		{name: "strict step before rm", override: "kubectl delete ns x && rm -f y", wrapped: true},
		{name: "tolerant step then strict", override: "kubectl delete cm a --ignore-not-found; kubectl delete ns x", wrapped: true},
		{name: "rm without force", override: "rm -r /tmp/pforge-state", wrapped: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := r.Command(patterns.FamilyGeneric, Resource{ID: "x", Type: "file", Cleanup: tt.override})
			require.NoError(t, err)
			if tt.wrapped {
				assert.Equal(t, "{ "+tt.override+"; } 2>/dev/null || true", cmd)
			} else {
				assert.Equal(t, tt.override, cmd)
			}
		})
	}
}

func TestRenderer_DefaultTemplateQuotesNames(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	r, err := NewRenderer(DefaultTemplates())
	require.NoError(t, err)

	dir := t.TempDir()
	marker := filepath.Join(dir, "expanded")
	name := `web"; touch ` + marker + `; echo "$HOME`

	cmd, err := r.Command(patterns.FamilyVirtualMachine, Resource{ID: "x", Type: "cluster", Name: name})
	require.NoError(t, err)

	out, err := exec.Command("sh", "-uc", cmd).CombinedOutput()
	require.NoError(t, err, string(out))
	assert.Contains(t, string(out), name)

	_, err = os.Stat(marker)
	assert.True(t, os.IsNotExist(err), "resource name must not run as shell")
}

func TestCleanupGraph_PhaseBarriers(t *testing.T) {
	l := newLedger(patterns.FamilyContainerOrchestration)
	require.NoError(t, l.Record(Resource{ID: "namespace/app", Type: "namespace", Name: "app"}))
	require.NoError(t, l.Record(Resource{
		ID: "deployment/app/web", Type: "deployment", Name: "web", Namespace: "app",
		DependsOn: []string{"namespace/app"},
	}))
	require.NoError(t, l.Record(Resource{
		ID: "service/app/web", Type: "service", Name: "web", Namespace: "app",
		DependsOn: []string{"namespace/app"},
	}))

	card, err := l.Card()
	require.NoError(t, err)

	graph, err := CleanupGraph(card)
	require.NoError(t, err)
	assert.Equal(t, "kubernetes", graph.Platform)
	require.Len(t, graph.Nodes, 3)

	ns := graph.Nodes["cleanup-2-1"]
	require.NotNil(t, ns)
	assert.Equal(t, "kubectl delete namespace app --ignore-not-found", ns.Command)
	assert.ElementsMatch(t, []string{"cleanup-1-1", "cleanup-1-2"}, ns.DependsOn)

	for _, id := range []string{"cleanup-1-1", "cleanup-1-2"} {
		node := graph.Nodes[id]
		require.NotNil(t, node)
		assert.Empty(t, node.DependsOn)
		assert.True(t, node.CanFailSafely)
	}
}

func TestCleanupGraph_Empty(t *testing.T) {
	graph, err := CleanupGraph(&SystemCard{SystemID: "sys-1", Platform: "linux"})
	require.NoError(t, err)
	assert.Empty(t, graph.Nodes)

	_, err = CleanupGraph(nil)
	assert.True(t, engine.HasCode(err, engine.ErrCodeValidation))
}
