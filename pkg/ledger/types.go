package ledger

import (
	"time"

	"github.com/patternforge/patternforge/pkg/patterns"
)

// Resource is an infrastructure resource created by a succeeded task.
// Resources are never modified after they are recorded.
type Resource struct {
	// ID identifies the resource within the ledger ("type/name" or "type/namespace/name").
	ID string `json:"id"`

	// Type is the platform resource type.
	Type string `json:"type"`

	// Name is the resource name on the platform.
	Name string `json:"name"`

	// Namespace scopes the resource, if any.
	Namespace string `json:"namespace,omitempty"`

	// Platform is the platform type the resource lives on.
	Platform string `json:"platform"`

	// Metadata carries attributes used to render the cleanup command.
	Metadata map[string]string `json:"metadata,omitempty"`

	// DependsOn lists the IDs of resources this one depends on.
	DependsOn []string `json:"depends_on"`

	// Cleanup overrides the derived deletion command.
	Cleanup string `json:"cleanup,omitempty"`

	// CreatedBy is the ID of the task that created the resource.
	CreatedBy string `json:"created_by,omitempty"`

	// RecordedAt is when the resource was recorded.
	RecordedAt time.Time `json:"recorded_at"`
}

// CleanupCommand deletes one resource.
type CleanupCommand struct {
	// ResourceID is the resource the command deletes.
	ResourceID string `json:"resource_id"`

	// Command is the idempotent deletion command.
	Command string `json:"command"`
}

// CleanupPhase groups resources that can be deleted in any order relative to
// each other. Phases run in ascending Order.
type CleanupPhase struct {
	// Order is the 1-based position of the phase.
	Order int `json:"order"`

	// Commands delete the phase's resources.
	Commands []CleanupCommand `json:"commands"`
}

// ResourceIDs returns the IDs of the resources deleted by the phase.
func (p CleanupPhase) ResourceIDs() []string {
	ids := make([]string, len(p.Commands))
	for i, c := range p.Commands {
		ids[i] = c.ResourceID
	}
	return ids
}

// SystemCard is the resource ledger of one bootstrap session.
type SystemCard struct {
	// SystemID identifies the session's system.
	SystemID string `json:"system_id"`

	// Platform is the platform type deployed to.
	Platform string `json:"platform"`

	// Family is the platform family used for cleanup templates.
	Family patterns.Family `json:"family"`

	// Resources lists every recorded resource in recording order.
	Resources []Resource `json:"resources"`

	// CleanupPhases are regenerated from Resources on every snapshot.
	CleanupPhases []CleanupPhase `json:"cleanup_phases"`
}

// Resource returns the resource with the given ID.
func (c *SystemCard) Resource(id string) (Resource, bool) {
	for _, r := range c.Resources {
		if r.ID == id {
			return r, true
		}
	}
	return Resource{}, false
}
