package ledger

import (
	"fmt"

	"github.com/patternforge/patternforge/pkg/engine"
)

// cleanupTimeoutSeconds bounds one deletion command.
const cleanupTimeoutSeconds = 300

// CleanupGraph turns the card's cleanup phases into a task graph the
// executor can run. Every command of phase N+1 depends on every command of
// phase N. Commands can fail safely, so a failed deletion only skips the
// later phases and its siblings still run.
func CleanupGraph(card *SystemCard) (*engine.TaskGraph, error) {
	if card == nil {
		return nil, engine.NewPermanentError("system card is required", nil).
			WithCode(engine.ErrCodeValidation)
	}

	var (
		nodes []*engine.TaskNode
		prev  []string
	)
	for _, phase := range card.CleanupPhases {
		current := make([]string, 0, len(phase.Commands))
		for i, cmd := range phase.Commands {
			node := &engine.TaskNode{
				ID:                  fmt.Sprintf("cleanup-%d-%d", phase.Order, i+1),
				Phase:               phase.Order,
				PhaseName:           fmt.Sprintf("cleanup %d", phase.Order),
				Index:               i + 1,
				Command:             cmd.Command,
				Description:         "delete " + cmd.ResourceID,
				DependsOn:           append([]string(nil), prev...),
				Retryable:           true,
				CanFailSafely:       true,
				Parallelizable:      true,
				TimeoutSeconds:      cleanupTimeoutSeconds,
				MaxRetries:          1,
				RetryBackoffSeconds: 2,
			}
			nodes = append(nodes, node)
			current = append(current, node.ID)
		}
		prev = current
	}

	graph, err := engine.NewDAGBuilder().BuildGraph(nodes)
	if err != nil {
		return nil, fmt.Errorf("failed to build cleanup graph for %s: %w", card.SystemID, err)
	}
	graph.PatternID = "cleanup"
	graph.Platform = card.Platform
	return graph, nil
}
