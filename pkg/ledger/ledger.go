package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/patternforge/patternforge/pkg/engine"
	"github.com/patternforge/patternforge/pkg/patterns"
)

// Ledger records the resources created during one bootstrap session.
// It is append-only: resources are never changed or removed once recorded.
type Ledger struct {
	systemID string
	platform string
	family   patterns.Family
	renderer *Renderer
	logger   zerolog.Logger
	now      func() time.Time

	mu        sync.Mutex
	resources []Resource
	index     map[string]int
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithSystemID sets the system ID instead of generating one.
func WithSystemID(id string) Option {
	return func(l *Ledger) {
		l.systemID = id
	}
}

// WithRenderer sets the cleanup command renderer.
func WithRenderer(r *Renderer) Option {
	return func(l *Ledger) {
		l.renderer = r
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger.With().Str("component", "ledger").Logger()
	}
}

// WithClock sets the clock used for RecordedAt.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// New creates an empty ledger for a platform.
func New(platform string, family patterns.Family, opts ...Option) *Ledger {
	if family == "" {
		family = patterns.FamilyGeneric
	}
	l := &Ledger{
		systemID: uuid.New().String(),
		platform: platform,
		family:   family,
		renderer: defaultRenderer,
		logger:   zerolog.Nop(),
		now:      time.Now,
		index:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SystemID returns the ledger's system ID.
func (l *Ledger) SystemID() string {
	return l.systemID
}

// ResourceID returns the ledger ID for a resource spec.
func ResourceID(spec *engine.ResourceSpec) string {
	if spec.Namespace != "" {
		return spec.Type + "/" + spec.Namespace + "/" + spec.Name
	}
	return spec.Type + "/" + spec.Name
}

// Record appends a resource. Every DependsOn entry must already be recorded.
// Recording an existing ID again with the same type is a no-op.
func (l *Ledger) Record(r Resource) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.record(r)
}

func (l *Ledger) record(r Resource) error {
	if r.ID == "" || r.Type == "" {
		return engine.NewPermanentError("resource requires an ID and a type", nil).
			WithCode(engine.ErrCodeValidation)
	}

	if i, ok := l.index[r.ID]; ok {
		if l.resources[i].Type == r.Type {
			return nil
		}
		return engine.NewConflictError(
			fmt.Sprintf("resource %s already recorded with type %s", r.ID, l.resources[i].Type), nil).
			WithCode(engine.ErrCodeAlreadyExists).
			WithResource(r.ID)
	}

	seen := make(map[string]bool, len(r.DependsOn))
	deps := make([]string, 0, len(r.DependsOn))
	for _, dep := range r.DependsOn {
		if _, ok := l.index[dep]; !ok {
			return engine.NewPermanentError(
				fmt.Sprintf("resource %s depends on unrecorded resource %s", r.ID, dep), nil).
				WithCode(engine.ErrCodeValidation).
				WithResource(r.ID)
		}
		if !seen[dep] {
			seen[dep] = true
			deps = append(deps, dep)
		}
	}
	r.DependsOn = deps

	if r.Platform == "" {
		r.Platform = l.platform
	}
	if r.RecordedAt.IsZero() {
		r.RecordedAt = l.now()
	}
	if r.Metadata != nil {
		md := make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			md[k] = v
		}
		r.Metadata = md
	}

	l.index[r.ID] = len(l.resources)
	l.resources = append(l.resources, r)

	l.logger.Debug().
		Str("resource", r.ID).
		Strs("depends_on", r.DependsOn).
		Str("created_by", r.CreatedBy).
		Msg("Resource recorded")

	return nil
}

// RecordFromTask records the resource a succeeded task created. Its
// dependencies are the resources of the nearest resource-creating ancestors.
// Tasks that create nothing are ignored.
func (l *Ledger) RecordFromTask(graph *engine.TaskGraph, node *engine.TaskNode) error {
	if node.Creates == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.record(Resource{
		ID:        ResourceID(node.Creates),
		Type:      node.Creates.Type,
		Name:      node.Creates.Name,
		Namespace: node.Creates.Namespace,
		Platform:  graph.Platform,
		Metadata:  node.Creates.Metadata,
		DependsOn: l.nearestResources(graph, node.ID),
		Cleanup:   node.Creates.Cleanup,
		CreatedBy: node.ID,
	})
}

// nearestResources walks predecessors breadth-first and stops at each
// recorded resource-creating task.
func (l *Ledger) nearestResources(graph *engine.TaskGraph, taskID string) []string {
	visited := map[string]bool{taskID: true}
	queue := append([]string(nil), graph.Predecessors(taskID)...)
	found := make(map[string]bool)

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true

		if n, ok := graph.Node(id); ok && n.Creates != nil {
			if _, recorded := l.index[ResourceID(n.Creates)]; recorded {
				found[ResourceID(n.Creates)] = true
				continue
			}
		}
		queue = append(queue, graph.Predecessors(id)...)
	}

	deps := make([]string, 0, len(found))
	for _, r := range l.resources {
		if found[r.ID] {
			deps = append(deps, r.ID)
		}
	}
	return deps
}

// TaskSucceeded records the task's resource. It implements engine.TaskObserver.
func (l *Ledger) TaskSucceeded(graph *engine.TaskGraph, node *engine.TaskNode, _ *engine.TaskResult) {
	if err := l.RecordFromTask(graph, node); err != nil {
		l.logger.Error().Err(err).Str("task", node.ID).Msg("Failed to record resource")
	}
}

// Resources returns a copy of the recorded resources in recording order.
func (l *Ledger) Resources() []Resource {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshot()
}

// Len returns the number of recorded resources.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.resources)
}

func (l *Ledger) snapshot() []Resource {
	out := make([]Resource, len(l.resources))
	for i, r := range l.resources {
		r.DependsOn = append([]string(nil), r.DependsOn...)
		out[i] = r
	}
	return out
}

// GenerateCleanupPhases groups resources into deletion layers in reverse
// topological order: phase 1 holds the resources nothing else depends on,
// phase 2 the resources that only phase 1 resources depended on, and so on.
// Within a phase resources are listed latest-recorded first.
func (l *Ledger) GenerateCleanupPhases() ([]CleanupPhase, error) {
	l.mu.Lock()
	resources := l.snapshot()
	l.mu.Unlock()

	dependents := make(map[string]int, len(resources))
	for _, r := range resources {
		for _, dep := range r.DependsOn {
			dependents[dep]++
		}
	}

	removed := make(map[string]bool, len(resources))
	phases := make([]CleanupPhase, 0)

	for len(removed) < len(resources) {
		layer := make([]Resource, 0)
		for i := len(resources) - 1; i >= 0; i-- {
			r := resources[i]
			if !removed[r.ID] && dependents[r.ID] == 0 {
				layer = append(layer, r)
			}
		}
		if len(layer) == 0 {
			return nil, engine.NewPermanentError("resource dependencies contain a cycle", nil).
				WithCode(engine.ErrCodeInternal)
		}

		phase := CleanupPhase{Order: len(phases) + 1, Commands: make([]CleanupCommand, 0, len(layer))}
		for _, r := range layer {
			removed[r.ID] = true
			for _, dep := range r.DependsOn {
				dependents[dep]--
			}

			cmd, err := l.renderer.Command(l.family, r)
			if err != nil {
				return nil, err
			}
			phase.Commands = append(phase.Commands, CleanupCommand{ResourceID: r.ID, Command: cmd})
		}
		phases = append(phases, phase)
	}

	return phases, nil
}

// Card returns a snapshot of the system card with freshly generated cleanup phases.
func (l *Ledger) Card() (*SystemCard, error) {
	phases, err := l.GenerateCleanupPhases()
	if err != nil {
		return nil, err
	}

	return &SystemCard{
		SystemID:      l.systemID,
		Platform:      l.platform,
		Family:        l.family,
		Resources:     l.Resources(),
		CleanupPhases: phases,
	}, nil
}
