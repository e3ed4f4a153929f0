package artifacts

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/rs/zerolog"

	"github.com/patternforge/patternforge/pkg/engine"
	"github.com/patternforge/patternforge/pkg/ledger"
	"github.com/patternforge/patternforge/pkg/patterns"
	"github.com/patternforge/patternforge/pkg/validation"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// File names of the generated artifacts.
const (
	DeployScript   = "deploy.sh"
	ValidateScript = "validate.sh"
	CleanupScript  = "cleanup.sh"
	DecisionRecord = "DECISION.md"
)

// Input is everything a successful run hands to the writer.
type Input struct {
	ExecutionID string
	ProjectPath string
	Environment string

	// Confidence is the detection confidence of the selected platform.
	Confidence float64

	// Generated is set when the plan came from the fallback generator.
	Generated bool

	Pattern   *patterns.Pattern
	Graph     *engine.TaskGraph
	Execution *engine.ExecutionResult
	Report    *validation.Report
	Card      *ledger.SystemCard

	// Iterations is the number of compile/execute/validate cycles used.
	Iterations int

	// Learnings describe the fixes applied by auto-fix iterations.
	Learnings []string

	RequiresApproval bool
	ApprovalReason   string

	GeneratedAt time.Time
}

// Paths locates the written artifacts.
type Paths struct {
	Deploy   string `json:"deploy"`
	Validate string `json:"validate"`
	Cleanup  string `json:"cleanup"`
	Decision string `json:"decision"`
}

// All returns the paths in write order.
func (p *Paths) All() []string {
	return []string{p.Deploy, p.Validate, p.Cleanup, p.Decision}
}

// Writer renders run artifacts from embedded templates.
type Writer struct {
	tmpl   *template.Template
	logger zerolog.Logger
}

// Option configures a Writer.
type Option func(*Writer)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(w *Writer) {
		w.logger = logger.With().Str("component", "artifacts").Logger()
	}
}

// NewWriter parses the artifact templates.
func NewWriter(opts ...Option) (*Writer, error) {
	funcs := template.FuncMap{
		"q":    ledger.ShellQuote,
		"join": strings.Join,
	}
	tmpl, err := template.New("artifacts").Funcs(funcs).ParseFS(templateFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to parse artifact templates: %w", err)
	}

	w := &Writer{tmpl: tmpl, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Write renders all four artifacts into dir, creating it if needed.
// Scripts are written executable.
func (w *Writer) Write(dir string, in *Input) (*Paths, error) {
	if in == nil || in.Pattern == nil || in.Graph == nil {
		return nil, engine.NewPermanentError("artifact input requires a pattern and a graph", nil).
			WithCode(engine.ErrCodeValidation)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}

	data := newView(in)
	paths := &Paths{
		Deploy:   filepath.Join(dir, DeployScript),
		Validate: filepath.Join(dir, ValidateScript),
		Cleanup:  filepath.Join(dir, CleanupScript),
		Decision: filepath.Join(dir, DecisionRecord),
	}

	files := []struct {
		name string
		path string
		mode os.FileMode
	}{
		{DeployScript, paths.Deploy, 0o755},
		{ValidateScript, paths.Validate, 0o755},
		{CleanupScript, paths.Cleanup, 0o755},
		{DecisionRecord, paths.Decision, 0o644},
	}
	for _, f := range files {
		var buf bytes.Buffer
		if err := w.tmpl.ExecuteTemplate(&buf, f.name+".tmpl", data); err != nil {
			return nil, fmt.Errorf("failed to render %s: %w", f.name, err)
		}
		if err := os.WriteFile(f.path, buf.Bytes(), f.mode); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", f.name, err)
		}
		// WriteFile keeps the mode of an existing file.
		if err := os.Chmod(f.path, f.mode); err != nil {
			return nil, fmt.Errorf("failed to chmod %s: %w", f.name, err)
		}
	}

	w.logger.Info().
		Str("dir", dir).
		Str("execution_id", in.ExecutionID).
		Msg("Artifacts written")

	return paths, nil
}

type view struct {
	*Input

	Platform           string
	PatternRef         string
	PatternName        string
	PatternDescription string
	Sources            []patterns.Source
	Phases             []phaseView
	PhaseCount         int
	Checks             []patterns.Check
	CheckResults       []validation.CheckResult
	Strict             bool
	SystemID           string
	Resources          []ledger.Resource
	CleanupPhases      []ledger.CleanupPhase
	CleanupCount       int
	GeneratedAt        string
}

type phaseView struct {
	Order     int
	Name      string
	Tasks     []taskView
	Succeeded int
	Failed    int
	Skipped   int
}

type taskView struct {
	ID                  string
	Command             string
	ExpectedExitCode    int
	CanFailSafely       bool
	Retries             int
	RetryBackoffSeconds int
}

func newView(in *Input) *view {
	generatedAt := in.GeneratedAt
	if generatedAt.IsZero() {
		generatedAt = time.Now()
	}

	v := &view{
		Input:              in,
		Platform:           in.Pattern.PlatformType,
		PatternRef:         in.Pattern.Key().String(),
		PatternName:        in.Pattern.Name,
		PatternDescription: in.Pattern.Description,
		Sources:            in.Pattern.AuthoritativeSources,
		Checks:             in.Pattern.ValidationChecks,
		GeneratedAt:        generatedAt.UTC().Format(time.RFC3339),
	}

	for _, order := range in.Graph.Phases() {
		pv := phaseView{Order: order}
		for _, node := range in.Graph.PhaseNodes(order) {
			if pv.Name == "" {
				pv.Name = node.PhaseName
			}
			retries := 0
			if node.Retryable {
				retries = node.MaxRetries
			}
			pv.Tasks = append(pv.Tasks, taskView{
				ID:                  node.ID,
				Command:             node.Command,
				ExpectedExitCode:    node.ExpectedExitCode,
				CanFailSafely:       node.CanFailSafely,
				Retries:             retries,
				RetryBackoffSeconds: node.RetryBackoffSeconds,
			})
			if in.Execution == nil {
				continue
			}
			if res := in.Execution.Result(node.ID); res != nil {
				switch res.Status {
				case engine.TaskStatusSucceeded:
					pv.Succeeded++
				case engine.TaskStatusFailed:
					pv.Failed++
				case engine.TaskStatusSkipped:
					pv.Skipped++
				}
			}
		}
		if pv.Name == "" {
			pv.Name = fmt.Sprintf("phase %d", order)
		}
		v.Phases = append(v.Phases, pv)
	}
	v.PhaseCount = len(v.Phases)

	if in.Report != nil {
		v.CheckResults = in.Report.Checks
		v.Strict = in.Report.Strict
	}

	if in.Card != nil {
		v.SystemID = in.Card.SystemID
		v.Resources = in.Card.Resources
		v.CleanupPhases = in.Card.CleanupPhases
		v.CleanupCount = len(in.Card.CleanupPhases)
	}

	return v
}
