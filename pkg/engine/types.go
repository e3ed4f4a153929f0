package engine

import (
	"sort"
	"time"
)

// ResourceSpec tags a task as resource-creating.
type ResourceSpec struct {
	// Type is the platform resource type (e.g., "deployment", "container", "function").
	Type string `json:"type"`

	// Name is the resource name on the target platform.
	Name string `json:"name"`

	// Namespace scopes the resource, if the platform has namespaces.
	Namespace string `json:"namespace,omitempty"`

	// Cleanup overrides the derived deletion command.
	Cleanup string `json:"cleanup,omitempty"`

	// Metadata carries extra attributes used to render cleanup commands.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// TaskNode is a single executable command in a task graph.
type TaskNode struct {
	// ID is the unique identifier of the task within its graph.
	ID string `json:"id"`

	// Phase is the 1-based deployment phase order the task belongs to.
	Phase int `json:"phase"`

	// PhaseName is the human-readable phase name.
	PhaseName string `json:"phase_name,omitempty"`

	// Index is the 1-based declaration index within the phase.
	Index int `json:"index"`

	// Command is the shell command to execute.
	Command string `json:"command"`

	// Description explains what the command does.
	Description string `json:"description,omitempty"`

	// DependsOn lists the task IDs that must succeed before this task starts.
	DependsOn []string `json:"depends_on"`

	// After lists task IDs that must reach any terminal state before this task starts.
	// A failure of one of them does not skip this task.
	After []string `json:"after,omitempty"`

	// Retryable allows the executor to re-run the command after a failure.
	Retryable bool `json:"retryable"`

	// CanFailSafely confines a failure to this task's own descendants.
	CanFailSafely bool `json:"can_fail_safely"`

	// Parallelizable removes the intra-phase sequential dependency.
	Parallelizable bool `json:"parallelizable,omitempty"`

	// TimeoutSeconds bounds a single attempt. Zero means no per-task limit.
	TimeoutSeconds int `json:"timeout_seconds"`

	// MaxRetries is the number of re-runs allowed after the first attempt.
	MaxRetries int `json:"max_retries"`

	// RetryBackoffSeconds is multiplied by the attempts used to get the retry delay.
	RetryBackoffSeconds int `json:"retry_backoff_seconds"`

	// ExpectedExitCode is the exit code that counts as success.
	ExpectedExitCode int `json:"expected_exit_code"`

	// Creates is set when a successful run of this task creates a tracked resource.
	Creates *ResourceSpec `json:"creates,omitempty"`
}

// Timeout returns the per-attempt timeout as a duration.
func (n *TaskNode) Timeout() time.Duration {
	return time.Duration(n.TimeoutSeconds) * time.Second
}

// Backoff returns the delay before the next attempt, given the attempts already used.
func (n *TaskNode) Backoff(attemptsUsed int) time.Duration {
	return time.Duration(n.RetryBackoffSeconds*attemptsUsed) * time.Second
}

// Clone returns a deep copy of the node.
func (n *TaskNode) Clone() *TaskNode {
	c := *n
	c.DependsOn = append([]string(nil), n.DependsOn...)
	if n.After != nil {
		c.After = append([]string(nil), n.After...)
	}
	if n.Creates != nil {
		spec := *n.Creates
		if n.Creates.Metadata != nil {
			spec.Metadata = make(map[string]string, len(n.Creates.Metadata))
			for k, v := range n.Creates.Metadata {
				spec.Metadata[k] = v
			}
		}
		c.Creates = &spec
	}
	return &c
}

// TaskGraph is a compiled, validated directed acyclic graph of tasks.
type TaskGraph struct {
	// PatternID is the ID of the pattern the graph was compiled from.
	PatternID string `json:"pattern_id"`

	// PatternVersion is the version of that pattern.
	PatternVersion string `json:"pattern_version"`

	// Platform is the pattern's platform type.
	Platform string `json:"platform"`

	// Nodes maps task IDs to their nodes.
	Nodes map[string]*TaskNode `json:"nodes"`

	// Order lists task IDs in declaration order (phase, then index).
	Order []string `json:"order"`

	// Levels groups task IDs by topological depth.
	Levels [][]string `json:"levels"`

	dependents   map[string][]string
	followers    map[string][]string
	predecessors map[string][]string
}

// Node returns the task with the given ID.
func (g *TaskGraph) Node(id string) (*TaskNode, bool) {
	n, ok := g.Nodes[id]
	return n, ok
}

// Len returns the number of tasks in the graph.
func (g *TaskGraph) Len() int {
	return len(g.Nodes)
}

// Dependents returns the IDs of tasks that require id to succeed, in declaration order.
func (g *TaskGraph) Dependents(id string) []string {
	if g.dependents == nil {
		g.indexDependents()
	}
	return g.dependents[id]
}

// Followers returns the IDs of tasks ordered after id without requiring its success.
func (g *TaskGraph) Followers(id string) []string {
	if g.followers == nil {
		g.indexDependents()
	}
	return g.followers[id]
}

// Predecessors returns the unique IDs of every task id waits for, of either edge kind.
func (g *TaskGraph) Predecessors(id string) []string {
	if g.predecessors == nil {
		g.indexDependents()
	}
	return g.predecessors[id]
}

// Descendants returns every task that transitively requires id, in declaration order.
// These are the tasks skipped when id fails.
func (g *TaskGraph) Descendants(id string) []string {
	seen := make(map[string]bool)
	stack := append([]string(nil), g.Dependents(id)...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		stack = append(stack, g.Dependents(cur)...)
	}
	return g.inOrder(seen)
}

// Ancestors returns every task id transitively waits for, in declaration order.
func (g *TaskGraph) Ancestors(id string) []string {
	seen := make(map[string]bool)
	node, ok := g.Nodes[id]
	if !ok {
		return nil
	}
	stack := append([]string(nil), g.Predecessors(node.ID)...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		stack = append(stack, g.Predecessors(cur)...)
	}
	return g.inOrder(seen)
}

// Phases returns the distinct phase orders present in the graph, ascending.
func (g *TaskGraph) Phases() []int {
	set := make(map[int]bool)
	for _, n := range g.Nodes {
		set[n.Phase] = true
	}
	phases := make([]int, 0, len(set))
	for p := range set {
		phases = append(phases, p)
	}
	sort.Ints(phases)
	return phases
}

// PhaseNodes returns the tasks of one phase in declaration order.
func (g *TaskGraph) PhaseNodes(phase int) []*TaskNode {
	nodes := make([]*TaskNode, 0)
	for _, id := range g.Order {
		if n := g.Nodes[id]; n.Phase == phase {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// Clone returns a deep copy of the graph. Callers may mutate the copy freely.
func (g *TaskGraph) Clone() *TaskGraph {
	c := &TaskGraph{
		PatternID:      g.PatternID,
		PatternVersion: g.PatternVersion,
		Platform:       g.Platform,
		Nodes:          make(map[string]*TaskNode, len(g.Nodes)),
		Order:          append([]string(nil), g.Order...),
		Levels:         make([][]string, len(g.Levels)),
	}
	for id, n := range g.Nodes {
		c.Nodes[id] = n.Clone()
	}
	for i, level := range g.Levels {
		c.Levels[i] = append([]string(nil), level...)
	}
	c.indexDependents()
	return c
}

// indexDependents builds the reverse edge indexes. An ID listed in both
// DependsOn and After is treated as a require edge.
func (g *TaskGraph) indexDependents() {
	g.dependents = make(map[string][]string, len(g.Nodes))
	g.followers = make(map[string][]string, len(g.Nodes))
	g.predecessors = make(map[string][]string, len(g.Nodes))
	for _, id := range g.Order {
		node := g.Nodes[id]
		seen := make(map[string]bool, len(node.DependsOn)+len(node.After))
		for _, dep := range node.DependsOn {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			g.dependents[dep] = append(g.dependents[dep], id)
			g.predecessors[id] = append(g.predecessors[id], dep)
		}
		for _, dep := range node.After {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			g.followers[dep] = append(g.followers[dep], id)
			g.predecessors[id] = append(g.predecessors[id], dep)
		}
	}
}

func (g *TaskGraph) inOrder(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for _, id := range g.Order {
		if set[id] {
			out = append(out, id)
		}
	}
	return out
}

// TaskResult is the outcome of executing one task.
type TaskResult struct {
	// TaskID is the ID of the task this result belongs to.
	TaskID string `json:"task_id"`

	// Status is the final (or current) status of the task.
	Status TaskStatus `json:"status"`

	// ExitCode is the exit code of the last attempt, or -1 if the command never exited.
	ExitCode int `json:"exit_code"`

	// Stdout is the captured standard output of the last attempt.
	Stdout string `json:"stdout,omitempty"`

	// Stderr is the captured standard error of the last attempt.
	Stderr string `json:"stderr,omitempty"`

	// DurationMs is the wall time across all attempts, in milliseconds.
	DurationMs int64 `json:"duration_ms"`

	// AttemptsUsed is the number of times the command was started.
	AttemptsUsed int `json:"attempts_used"`

	// Reason explains a failed or skipped status.
	Reason string `json:"reason,omitempty"`

	// StartedAt is when the first attempt started.
	StartedAt time.Time `json:"started_at,omitempty"`

	// FinishedAt is when the task reached a terminal state.
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Policy bounds a single execution of a task graph.
type Policy struct {
	// MaxConcurrency caps the number of tasks running at once.
	MaxConcurrency int `json:"max_concurrency"`

	// GlobalTimeout bounds the whole execution. Zero disables it.
	GlobalTimeout time.Duration `json:"global_timeout"`

	// AbortOnCritical also terminates in-flight tasks after a critical failure.
	AbortOnCritical bool `json:"abort_on_critical"`

	// DryRun marks every task succeeded without invoking the runner.
	DryRun bool `json:"dry_run"`
}

// ExecutionSummary counts tasks per terminal status.
type ExecutionSummary struct {
	// Total is the number of tasks in the graph.
	Total int `json:"total"`

	// Succeeded is the number of tasks that succeeded.
	Succeeded int `json:"succeeded"`

	// Failed is the number of tasks that failed.
	Failed int `json:"failed"`

	// Skipped is the number of tasks that were skipped.
	Skipped int `json:"skipped"`
}

// ExecutionResult is the structured outcome of executing a task graph.
type ExecutionResult struct {
	// Results maps task IDs to their results.
	Results map[string]*TaskResult `json:"results"`

	// Order lists task IDs in declaration order.
	Order []string `json:"order"`

	// Summary counts tasks per terminal status.
	Summary ExecutionSummary `json:"summary"`

	// CriticalFailure is set when a non-fail-safe task failed.
	CriticalFailure bool `json:"critical_failure"`

	// FailedTask is the first task whose failure was critical.
	FailedTask string `json:"failed_task,omitempty"`

	// TimedOut is set when the global timeout expired.
	TimedOut bool `json:"timed_out"`

	// StartedAt is when execution started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when every task reached a terminal state.
	CompletedAt time.Time `json:"completed_at"`

	// Duration is the total execution time.
	Duration time.Duration `json:"duration"`
}

// Succeeded returns true if no hard failure occurred.
// Fail-safe tasks and their descendants may still have failed or been skipped.
func (r *ExecutionResult) Succeeded() bool {
	return !r.CriticalFailure && !r.TimedOut
}

// Result returns the result for one task.
func (r *ExecutionResult) Result(id string) *TaskResult {
	return r.Results[id]
}

// Failed returns the IDs of failed tasks in declaration order.
func (r *ExecutionResult) Failed() []string {
	ids := make([]string, 0)
	for _, id := range r.Order {
		if res := r.Results[id]; res != nil && res.Status == TaskStatusFailed {
			ids = append(ids, id)
		}
	}
	return ids
}

// Event represents a timeline event during execution.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Type is the type of event.
	Type EventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// RunID is the execution ID of the bootstrap run, if known.
	RunID string `json:"run_id,omitempty"`

	// TaskID is the ID of the task, if applicable.
	TaskID string `json:"task_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Details contains additional event-specific data.
	Details map[string]interface{} `json:"details,omitempty"`

	// Level is the log level (info, warning, error).
	Level string `json:"level"`
}
