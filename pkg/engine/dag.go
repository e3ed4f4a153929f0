package engine

import (
	"fmt"
	"strings"
)

// DAGBuilder builds a task graph from task nodes.
// It validates dependencies, rejects cycles and assigns topological levels.
type DAGBuilder struct {
	// nodes maps task IDs to their nodes
	nodes map[string]*TaskNode

	// order preserves declaration order for deterministic output
	order []string

	// adjacencyList maps task IDs to their dependents
	adjacencyList map[string][]string

	// inDegree tracks the number of incoming edges for each node
	inDegree map[string]int

	// levels maps execution level to task IDs at that level
	levels [][]string
}

// NewDAGBuilder creates a new DAG builder.
func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{
		nodes:         make(map[string]*TaskNode),
		order:         make([]string, 0),
		adjacencyList: make(map[string][]string),
		inDegree:      make(map[string]int),
		levels:        make([][]string, 0),
	}
}

// BuildGraph constructs a task graph from nodes given in declaration order.
// The nodes are owned by the returned graph.
func (b *DAGBuilder) BuildGraph(nodes []*TaskNode) (*TaskGraph, error) {
	if len(nodes) == 0 {
		return &TaskGraph{
			Nodes:  make(map[string]*TaskNode),
			Order:  make([]string, 0),
			Levels: make([][]string, 0),
		}, nil
	}

	if err := b.initialize(nodes); err != nil {
		return nil, err
	}

	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	if err := b.computeLevels(); err != nil {
		return nil, err
	}

	graph := &TaskGraph{
		Nodes:  b.nodes,
		Order:  b.order,
		Levels: b.levels,
	}
	graph.indexDependents()

	return graph, nil
}

// initialize sets up the internal data structures from the nodes.
func (b *DAGBuilder) initialize(nodes []*TaskNode) error {
	for _, node := range nodes {
		if node == nil || node.ID == "" {
			return NewPermanentError("task has empty ID", nil).
				WithCode(ErrCodeValidation)
		}

		if _, exists := b.nodes[node.ID]; exists {
			return NewPermanentError(fmt.Sprintf("duplicate task ID: %s", node.ID), nil).
				WithCode(ErrCodeValidation)
		}

		b.nodes[node.ID] = node
		b.order = append(b.order, node.ID)
		b.adjacencyList[node.ID] = make([]string, 0)
		b.inDegree[node.ID] = 0
	}

	for _, id := range b.order {
		node := b.nodes[id]
		seen := make(map[string]bool, len(node.DependsOn)+len(node.After))
		deps := make([]string, 0, len(node.DependsOn)+len(node.After))
		deps = append(deps, node.DependsOn...)
		deps = append(deps, node.After...)
		for _, dep := range deps {
			if _, exists := b.nodes[dep]; !exists {
				return NewPermanentError(
					fmt.Sprintf("task %s depends on non-existent task %s", id, dep),
					nil,
				).WithCode(ErrCodeValidation).WithResource(id)
			}
			if dep == id {
				return NewPermanentError(
					fmt.Sprintf("circular dependency detected: %s", formatCycle([]string{id, id})),
					nil,
				).WithCode(ErrCodeValidation).WithResource(id)
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true

			// Edge from dependency to dependent
			b.adjacencyList[dep] = append(b.adjacencyList[dep], id)
			b.inDegree[id]++
		}
	}

	return nil
}

// detectCycles uses depth-first search to detect circular dependencies.
func (b *DAGBuilder) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for _, id := range b.order {
		if !visited[id] {
			if cycle := b.detectCyclesUtil(id, visited, recStack, nil); cycle != nil {
				return NewPermanentError(
					fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)),
					nil,
				).WithCode(ErrCodeValidation)
			}
		}
	}

	return nil
}

// detectCyclesUtil performs DFS and returns the cycle path if one is found.
func (b *DAGBuilder) detectCyclesUtil(
	nodeID string,
	visited map[string]bool,
	recStack map[string]bool,
	path []string,
) []string {
	visited[nodeID] = true
	recStack[nodeID] = true
	path = append(path, nodeID)

	for _, dependent := range b.adjacencyList[nodeID] {
		if !visited[dependent] {
			if cycle := b.detectCyclesUtil(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			for i, id := range path {
				if id == dependent {
					cycle := append([]string(nil), path[i:]...)
					return append(cycle, dependent)
				}
			}
		}
	}

	recStack[nodeID] = false
	return nil
}

// computeLevels assigns topological levels using Kahn's algorithm.
// Tasks at the same level have no dependency between them.
func (b *DAGBuilder) computeLevels() error {
	inDegreeCopy := make(map[string]int, len(b.inDegree))
	for id, degree := range b.inDegree {
		inDegreeCopy[id] = degree
	}

	currentLevel := make([]string, 0)
	for _, id := range b.order {
		if inDegreeCopy[id] == 0 {
			currentLevel = append(currentLevel, id)
		}
	}

	if len(currentLevel) == 0 {
		return NewPermanentError("no root tasks found - all tasks have dependencies", nil).
			WithCode(ErrCodeValidation)
	}

	processedCount := 0
	for len(currentLevel) > 0 {
		b.levels = append(b.levels, currentLevel)
		processedCount += len(currentLevel)

		next := make(map[string]bool)
		for _, id := range currentLevel {
			for _, dependent := range b.adjacencyList[id] {
				inDegreeCopy[dependent]--
				if inDegreeCopy[dependent] == 0 {
					next[dependent] = true
				}
			}
		}

		currentLevel = b.sortByDeclaration(next)
	}

	if processedCount != len(b.nodes) {
		return NewPermanentError("failed to process all tasks - possible cycle", nil).
			WithCode(ErrCodeInternal)
	}

	return nil
}

func (b *DAGBuilder) sortByDeclaration(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for _, id := range b.order {
		if set[id] {
			out = append(out, id)
		}
	}
	return out
}

// TopologicalOrder flattens the graph's levels into one valid execution order.
func TopologicalOrder(graph *TaskGraph) []string {
	out := make([]string, 0, len(graph.Nodes))
	for _, level := range graph.Levels {
		out = append(out, level...)
	}
	return out
}

// ToDOT generates a DOT format representation of the graph for visualization.
// Tasks are clustered by deployment phase. The output can be rendered with Graphviz.
func ToDOT(graph *TaskGraph) string {
	var sb strings.Builder

	sb.WriteString("digraph TaskGraph {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for _, phase := range graph.Phases() {
		nodes := graph.PhaseNodes(phase)
		sb.WriteString(fmt.Sprintf("  subgraph cluster_phase_%d {\n", phase))
		label := fmt.Sprintf("Phase %d", phase)
		if len(nodes) > 0 && nodes[0].PhaseName != "" {
			label = fmt.Sprintf("Phase %d: %s", phase, nodes[0].PhaseName)
		}
		sb.WriteString(fmt.Sprintf("    label=%q;\n", label))
		sb.WriteString("    style=dashed;\n")

		for _, node := range nodes {
			sb.WriteString(fmt.Sprintf("    %q [label=%q, fillcolor=%q, style=\"filled,rounded\"];\n",
				node.ID, node.ID+"\n"+truncate(node.Command, 40), getTaskColor(node)))
		}

		sb.WriteString("  }\n\n")
	}

	for _, id := range graph.Order {
		node := graph.Nodes[id]
		for _, dep := range node.DependsOn {
			sb.WriteString(fmt.Sprintf("  %q -> %q [%s];\n", dep, id, getDependencyStyle(graph.Nodes[dep], node, false)))
		}
		for _, dep := range node.After {
			sb.WriteString(fmt.Sprintf("  %q -> %q [%s];\n", dep, id, getDependencyStyle(graph.Nodes[dep], node, true)))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(cycle, " -> ")
}

// getTaskColor returns a fill color for a task.
func getTaskColor(node *TaskNode) string {
	switch {
	case node.Creates != nil:
		return "lightgreen"
	case node.CanFailSafely:
		return "lightyellow"
	case node.Retryable:
		return "lightblue"
	default:
		return "white"
	}
}

// getDependencyStyle returns a DOT style string for an edge.
// Order-only edges are dotted, cross-phase barrier edges are dashed.
func getDependencyStyle(from, to *TaskNode, orderOnly bool) string {
	switch {
	case orderOnly:
		return "style=dotted, color=gray"
	case from != nil && from.Phase != to.Phase:
		return "style=dashed, color=black"
	default:
		return "style=solid, color=black"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// ValidateGraph performs consistency checks on a built graph.
func ValidateGraph(graph *TaskGraph) error {
	if graph == nil {
		return NewPermanentError("graph is nil", nil).WithCode(ErrCodeValidation)
	}

	if len(graph.Order) != len(graph.Nodes) {
		return NewPermanentError("graph order does not cover every task", nil).
			WithCode(ErrCodeInternal)
	}

	leveled := 0
	for _, level := range graph.Levels {
		leveled += len(level)
	}
	if leveled != len(graph.Nodes) {
		return NewPermanentError("graph levels do not cover every task", nil).
			WithCode(ErrCodeInternal)
	}

	for _, id := range graph.Order {
		node, exists := graph.Nodes[id]
		if !exists {
			return NewPermanentError(fmt.Sprintf("order references non-existent task: %s", id), nil).
				WithCode(ErrCodeInternal)
		}
		for _, dep := range append(append([]string(nil), node.DependsOn...), node.After...) {
			if _, exists := graph.Nodes[dep]; !exists {
				return NewPermanentError(fmt.Sprintf("task %s depends on non-existent task %s", id, dep), nil).
					WithCode(ErrCodeValidation).WithResource(id)
			}
		}
	}

	if len(graph.Levels) > 0 {
		for _, rootID := range graph.Levels[0] {
			if len(graph.Predecessors(rootID)) > 0 {
				return NewPermanentError(fmt.Sprintf("root task %s has dependencies", rootID), nil).
					WithCode(ErrCodeInternal)
			}
		}
	}

	return nil
}
