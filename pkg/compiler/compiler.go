package compiler

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/patternforge/patternforge/pkg/engine"
	"github.com/patternforge/patternforge/pkg/patterns"
)

// Defaults fill in command fields a pattern leaves unset.
type Defaults struct {
	// MaxRetries is the retry budget of a retryable command.
	MaxRetries int `json:"max_retries" yaml:"max_retries" validate:"gte=0"`

	// RetryBackoffSeconds is the linear backoff step.
	RetryBackoffSeconds int `json:"retry_backoff_seconds" yaml:"retry_backoff_seconds" validate:"gte=0"`

	// TimeoutSeconds bounds a single attempt.
	TimeoutSeconds int `json:"timeout_seconds" yaml:"timeout_seconds" validate:"gte=0"`
}

// DefaultDefaults returns the built-in command defaults.
func DefaultDefaults() Defaults {
	return Defaults{
		MaxRetries:          0,
		RetryBackoffSeconds: 5,
		TimeoutSeconds:      300,
	}
}

// CommandGuard vets compiled commands before they can run.
// Check returns a POLICY_DENIED error for a command that must not run.
type CommandGuard interface {
	Check(ctx context.Context, platform string, node *engine.TaskNode) error
}

// Compiler turns patterns into task graphs.
type Compiler struct {
	defaults Defaults
	guard    CommandGuard
	logger   zerolog.Logger
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithDefaults overrides the command defaults.
func WithDefaults(d Defaults) Option {
	return func(c *Compiler) {
		c.defaults = d
	}
}

// WithGuard sets the command guard.
func WithGuard(g CommandGuard) Option {
	return func(c *Compiler) {
		c.guard = g
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Compiler) {
		c.logger = logger.With().Str("component", "compiler").Logger()
	}
}

// New creates a compiler.
func New(opts ...Option) *Compiler {
	c := &Compiler{
		defaults: DefaultDefaults(),
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TaskID returns the ID of the index-th (1-based) command of a phase.
func TaskID(phase, index int) string {
	return fmt.Sprintf("p%d-c%d", phase, index)
}

// Compile converts a pattern into a task graph.
//
// Within a phase, a command depends on the command declared before it unless
// it is parallelizable. The first command of a phase and every parallelizable
// command depend on all sinks of the previous phase (the commands no other
// command of that phase waits on), so no task of phase N+1 starts before every
// task of phase N is terminal. Edges leaving a fail-safe command are
// order-only: its failure never skips the commands after it.
func (c *Compiler) Compile(ctx context.Context, p *patterns.Pattern) (*engine.TaskGraph, error) {
	if err := checkPhases(p); err != nil {
		return nil, err
	}

	nodes := make([]*engine.TaskNode, 0, p.CommandCount())
	var prevSinks []*engine.TaskNode

	for _, phase := range p.DeploymentPhases {
		phaseNodes := make([]*engine.TaskNode, len(phase.Commands))

		for i, cmd := range phase.Commands {
			node := c.node(phase, i, cmd)

			var deps []*engine.TaskNode
			if i == 0 || cmd.Parallelizable {
				deps = prevSinks
			} else {
				deps = []*engine.TaskNode{phaseNodes[i-1]}
			}
			link(node, deps)

			if c.guard != nil {
				if err := c.guard.Check(ctx, p.PlatformType, node); err != nil {
					return nil, fmt.Errorf("command %s rejected: %w", node.ID, err)
				}
			}

			phaseNodes[i] = node
			nodes = append(nodes, node)
		}

		prevSinks = sinks(phase, phaseNodes)
	}

	graph, err := engine.NewDAGBuilder().BuildGraph(nodes)
	if err != nil {
		return nil, fmt.Errorf("failed to compile pattern %s: %w", p.ID, err)
	}

	graph.PatternID = p.ID
	graph.PatternVersion = p.Version
	graph.Platform = p.PlatformType

	c.logger.Debug().
		Str("pattern", p.ID).
		Str("version", p.Version).
		Int("tasks", graph.Len()).
		Int("levels", len(graph.Levels)).
		Msg("Pattern compiled")

	return graph, nil
}

// Check re-validates a graph that was rewritten after compilation, such as
// one produced by an auto-fix, and runs every command through the guard.
func (c *Compiler) Check(ctx context.Context, graph *engine.TaskGraph) error {
	if err := engine.ValidateGraph(graph); err != nil {
		return err
	}
	if c.guard == nil {
		return nil
	}
	for _, id := range graph.Order {
		if err := c.guard.Check(ctx, graph.Platform, graph.Nodes[id]); err != nil {
			return fmt.Errorf("command %s rejected: %w", id, err)
		}
	}
	return nil
}

// node builds the task for the i-th (0-based) command of a phase.
func (c *Compiler) node(phase patterns.Phase, i int, cmd patterns.Command) *engine.TaskNode {
	node := &engine.TaskNode{
		ID:                  TaskID(phase.Order, i+1),
		Phase:               phase.Order,
		PhaseName:           phase.Name,
		Index:               i + 1,
		Command:             cmd.Command,
		Description:         cmd.Description,
		DependsOn:           make([]string, 0),
		Retryable:           cmd.Retryable,
		CanFailSafely:       cmd.CanFailSafely,
		Parallelizable:      cmd.Parallelizable,
		TimeoutSeconds:      orDefault(cmd.TimeoutSeconds, c.defaults.TimeoutSeconds),
		MaxRetries:          orDefault(cmd.MaxRetries, c.defaults.MaxRetries),
		RetryBackoffSeconds: orDefault(cmd.RetryBackoffSeconds, c.defaults.RetryBackoffSeconds),
		ExpectedExitCode:    cmd.ExpectedExitCode,
	}

	if cmd.Creates != nil {
		spec := &engine.ResourceSpec{
			Type:      cmd.Creates.Type,
			Name:      cmd.Creates.Name,
			Namespace: cmd.Creates.Namespace,
			Cleanup:   cmd.Creates.Cleanup,
		}
		if len(cmd.Creates.Metadata) > 0 {
			spec.Metadata = make(map[string]string, len(cmd.Creates.Metadata))
			for k, v := range cmd.Creates.Metadata {
				spec.Metadata[k] = v
			}
		}
		node.Creates = spec
	}

	return node
}

// link adds an edge from each dependency; edges from fail-safe tasks are order-only.
func link(node *engine.TaskNode, deps []*engine.TaskNode) {
	for _, dep := range deps {
		if dep.CanFailSafely {
			node.After = append(node.After, dep.ID)
		} else {
			node.DependsOn = append(node.DependsOn, dep.ID)
		}
	}
}

// sinks returns the tasks of a phase that no later task of the same phase
// depends on: the last one, and every one followed by a parallelizable command.
func sinks(phase patterns.Phase, nodes []*engine.TaskNode) []*engine.TaskNode {
	out := make([]*engine.TaskNode, 0, 1)
	for i, node := range nodes {
		if i == len(nodes)-1 || phase.Commands[i+1].Parallelizable {
			out = append(out, node)
		}
	}
	return out
}

// checkPhases requires phases numbered 1..n in declaration order, none empty.
func checkPhases(p *patterns.Pattern) error {
	if len(p.DeploymentPhases) == 0 {
		return invalidPattern(p, "deploymentPhases", "pattern has no deployment phases")
	}

	for i, phase := range p.DeploymentPhases {
		if phase.Order != i+1 {
			return invalidPattern(p, fmt.Sprintf("deploymentPhases.%d.order", i),
				fmt.Sprintf("phase %q has order %d, expected %d: phases must be contiguous and start at 1",
					phase.Name, phase.Order, i+1))
		}
		if len(phase.Commands) == 0 {
			return invalidPattern(p, fmt.Sprintf("deploymentPhases.%d.commands", i),
				fmt.Sprintf("phase %q has no commands", phase.Name))
		}
	}

	return nil
}

func invalidPattern(p *patterns.Pattern, field, msg string) error {
	return engine.NewPermanentError(msg, nil).
		WithCode(engine.ErrCodeValidation).
		WithResource(p.Key().String()).
		WithOperation("compile").
		WithDetail("field", field)
}

func orDefault(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}
