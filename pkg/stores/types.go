package stores

import (
	"context"
	"time"

	"github.com/patternforge/patternforge/pkg/bootstrap"
	"github.com/patternforge/patternforge/pkg/engine"
	"github.com/patternforge/patternforge/pkg/ledger"
)

// GapStatus is the state of a pattern gap.
type GapStatus string

const (
	GapStatusOpen   GapStatus = "open"
	GapStatusClosed GapStatus = "closed"
)

// Execution is a stored bootstrap session.
type Execution struct {
	ID                    string          `json:"id"`
	ProjectPath           string          `json:"project_path"`
	Environment           string          `json:"environment"`
	PatternUsed           string          `json:"pattern_used"`
	Platform              string          `json:"platform"`
	Confidence            float64         `json:"confidence"`
	Generated             bool            `json:"generated"`
	GapID                 string          `json:"gap_id,omitempty"`
	FinalState            bootstrap.State `json:"final_state"`
	Success               bool            `json:"success"`
	Iterations            int             `json:"iterations"`
	RequiresHumanApproval bool            `json:"requires_human_approval"`
	ApprovalReason        string          `json:"approval_reason,omitempty"`
	StartedAt             time.Time       `json:"started_at"`
	CompletedAt           *time.Time      `json:"completed_at,omitempty"`
}

// RunRecord is one stored loop iteration.
type RunRecord struct {
	ExecutionID           string             `json:"execution_id"`
	Iteration             int                `json:"iteration"`
	StartedAt             time.Time          `json:"started_at"`
	PatternUsed           string             `json:"pattern_used"`
	State                 bootstrap.State    `json:"state"`
	Success               bool               `json:"success"`
	RequiresHumanApproval bool               `json:"requires_human_approval"`
	Error                 string             `json:"error,omitempty"`
	Fixes                 []bootstrap.Fix    `json:"fixes,omitempty"`
	Graph                 *engine.TaskGraph  `json:"graph,omitempty"`
	Validation            *ValidationSummary `json:"validation,omitempty"`
}

// ValidationSummary is the stored outcome of a validation report.
type ValidationSummary struct {
	OverallPassed bool     `json:"overall_passed"`
	Strict        bool     `json:"strict"`
	Passed        []string `json:"passed"`
	Failed        []string `json:"failed"`
}

// TaskRecord is the stored outcome of one task in one iteration.
type TaskRecord struct {
	ExecutionID string            `json:"execution_id"`
	Iteration   int               `json:"iteration"`
	TaskID      string            `json:"task_id"`
	Command     string            `json:"command"`
	Status      engine.TaskStatus `json:"status"`
	ExitCode    int               `json:"exit_code"`
	Attempts    int               `json:"attempts"`
	Reason      string            `json:"reason,omitempty"`
	DurationMs  int64             `json:"duration_ms"`
}

// EventRecord is a stored event.
type EventRecord struct {
	ID          int64                  `json:"id"`
	EventID     string                 `json:"event_id"`
	ExecutionID string                 `json:"execution_id"`
	TaskID      string                 `json:"task_id,omitempty"`
	Type        engine.EventType       `json:"type"`
	Level       string                 `json:"level"`
	Message     string                 `json:"message"`
	Details     map[string]interface{} `json:"details,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// GapRecord is a project no stored pattern covered.
type GapRecord struct {
	ID             string    `json:"id"`
	ExecutionID    string    `json:"execution_id"`
	ProjectPath    string    `json:"project_path"`
	BestPlatform   string    `json:"best_platform,omitempty"`
	BestConfidence float64   `json:"best_confidence"`
	Threshold      float64   `json:"threshold"`
	Occurrences    int       `json:"occurrences"`
	Status         GapStatus `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Store persists bootstrap history. It implements bootstrap.RunRecorder,
// bootstrap.GapTracker and engine.EventPublisher.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Recording
	RecordRun(ctx context.Context, run *bootstrap.Run) error
	RecordSummary(ctx context.Context, summary *bootstrap.Summary) error
	FileGap(ctx context.Context, gap bootstrap.Gap) (string, error)
	Publish(ctx context.Context, event *engine.Event) error

	// Queries
	GetExecution(ctx context.Context, id string) (*Execution, error)
	ListExecutions(ctx context.Context, limit, offset int) ([]*Execution, error)
	ListRuns(ctx context.Context, executionID string) ([]*RunRecord, error)
	ListTaskResults(ctx context.Context, executionID string, iteration int) ([]*TaskRecord, error)
	ListResources(ctx context.Context, executionID string) ([]ledger.Resource, error)
	GetSystemCard(ctx context.Context, executionID string) (*ledger.SystemCard, error)
	ListEvents(ctx context.Context, executionID string, limit int) ([]*EventRecord, error)
	ListGaps(ctx context.Context, status GapStatus) ([]*GapRecord, error)
	CloseGap(ctx context.Context, id string) error
	DeleteExecution(ctx context.Context, id string) error
}
