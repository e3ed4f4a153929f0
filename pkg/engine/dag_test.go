package engine

import (
	"strings"
	"testing"
)

func task(id string, deps ...string) *TaskNode {
	return &TaskNode{ID: id, Command: "echo " + id, DependsOn: deps}
}

func TestDAGBuilder_BuildGraph_Empty(t *testing.T) {
	builder := NewDAGBuilder()
	graph, err := builder.BuildGraph(nil)

	if err != nil {
		t.Fatalf("Expected no error for empty graph, got: %v", err)
	}

	if graph.Len() != 0 {
		t.Errorf("Expected 0 nodes, got %d", graph.Len())
	}

	if len(graph.Levels) != 0 {
		t.Errorf("Expected 0 levels, got %d", len(graph.Levels))
	}
}

func TestDAGBuilder_BuildGraph_Chain(t *testing.T) {
	builder := NewDAGBuilder()
	graph, err := builder.BuildGraph([]*TaskNode{
		task("a"),
		task("b", "a"),
		task("c", "b"),
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if len(graph.Levels) != 3 {
		t.Fatalf("Expected 3 levels, got %d", len(graph.Levels))
	}

	order := TopologicalOrder(graph)
	if strings.Join(order, ",") != "a,b,c" {
		t.Errorf("Expected order a,b,c, got %v", order)
	}

	if deps := graph.Dependents("a"); len(deps) != 1 || deps[0] != "b" {
		t.Errorf("Expected a's dependents to be [b], got %v", deps)
	}

	if anc := graph.Ancestors("c"); strings.Join(anc, ",") != "a,b" {
		t.Errorf("Expected c's ancestors a,b, got %v", anc)
	}

	if desc := graph.Descendants("a"); strings.Join(desc, ",") != "b,c" {
		t.Errorf("Expected a's descendants b,c, got %v", desc)
	}
}

func TestDAGBuilder_BuildGraph_Diamond(t *testing.T) {
	builder := NewDAGBuilder()
	graph, err := builder.BuildGraph([]*TaskNode{
		task("root"),
		task("left", "root"),
		task("right", "root"),
		task("join", "left", "right"),
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if len(graph.Levels) != 3 {
		t.Fatalf("Expected 3 levels, got %d", len(graph.Levels))
	}

	if strings.Join(graph.Levels[1], ",") != "left,right" {
		t.Errorf("Expected level 1 to be left,right in declaration order, got %v", graph.Levels[1])
	}

	if err := ValidateGraph(graph); err != nil {
		t.Errorf("Expected valid graph, got: %v", err)
	}
}

func TestDAGBuilder_BuildGraph_Cycle(t *testing.T) {
	builder := NewDAGBuilder()
	_, err := builder.BuildGraph([]*TaskNode{
		task("a", "c"),
		task("b", "a"),
		task("c", "b"),
	})

	if err == nil {
		t.Fatal("Expected error for circular dependency")
	}

	if !IsPermanent(err) || !HasCode(err, ErrCodeValidation) {
		t.Errorf("Expected permanent validation error, got: %v", err)
	}

	if !strings.Contains(err.Error(), "circular dependency") {
		t.Errorf("Expected circular dependency message, got: %v", err)
	}
}

func TestDAGBuilder_BuildGraph_SelfDependency(t *testing.T) {
	builder := NewDAGBuilder()
	_, err := builder.BuildGraph([]*TaskNode{task("a", "a")})

	if err == nil || !strings.Contains(err.Error(), "a -> a") {
		t.Errorf("Expected self-cycle error, got: %v", err)
	}
}

func TestDAGBuilder_BuildGraph_MissingDependency(t *testing.T) {
	builder := NewDAGBuilder()
	_, err := builder.BuildGraph([]*TaskNode{task("a", "ghost")})

	if err == nil {
		t.Fatal("Expected error for missing dependency")
	}

	if !strings.Contains(err.Error(), "non-existent task ghost") {
		t.Errorf("Expected missing dependency message, got: %v", err)
	}
}

func TestDAGBuilder_BuildGraph_DuplicateID(t *testing.T) {
	builder := NewDAGBuilder()
	_, err := builder.BuildGraph([]*TaskNode{task("a"), task("a")})

	if err == nil || !strings.Contains(err.Error(), "duplicate task ID") {
		t.Errorf("Expected duplicate ID error, got: %v", err)
	}
}

func TestDAGBuilder_OrderEdges(t *testing.T) {
	optional := task("optional")
	optional.CanFailSafely = true
	next := task("next")
	next.After = []string{"optional"}

	builder := NewDAGBuilder()
	graph, err := builder.BuildGraph([]*TaskNode{optional, next})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if len(graph.Dependents("optional")) != 0 {
		t.Errorf("Expected no required dependents, got %v", graph.Dependents("optional"))
	}

	if f := graph.Followers("optional"); len(f) != 1 || f[0] != "next" {
		t.Errorf("Expected follower next, got %v", f)
	}

	if len(graph.Levels) != 2 {
		t.Errorf("Expected order edge to create 2 levels, got %d", len(graph.Levels))
	}

	if len(graph.Descendants("optional")) != 0 {
		t.Errorf("Expected order edges to be excluded from descendants")
	}
}

func TestTaskGraph_Clone(t *testing.T) {
	builder := NewDAGBuilder()
	graph, err := builder.BuildGraph([]*TaskNode{task("a"), task("b", "a")})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	clone := graph.Clone()
	clone.Nodes["b"].Command = "changed"
	clone.Nodes["b"].DependsOn[0] = "x"

	if graph.Nodes["b"].Command != "echo b" {
		t.Errorf("Expected original command unchanged, got %q", graph.Nodes["b"].Command)
	}

	if graph.Nodes["b"].DependsOn[0] != "a" {
		t.Errorf("Expected original dependencies unchanged")
	}
}

func TestToDOT(t *testing.T) {
	a := task("p1-c1")
	a.Phase = 1
	a.PhaseName = "setup"
	b := task("p2-c1", "p1-c1")
	b.Phase = 2

	builder := NewDAGBuilder()
	graph, err := builder.BuildGraph([]*TaskNode{a, b})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	dot := ToDOT(graph)
	for _, want := range []string{"digraph TaskGraph", "cluster_phase_1", "Phase 1: setup", `"p1-c1" -> "p2-c1"`} {
		if !strings.Contains(dot, want) {
			t.Errorf("Expected DOT output to contain %q:\n%s", want, dot)
		}
	}
}
