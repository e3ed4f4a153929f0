package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/patternforge/patternforge/pkg/bootstrap"
	"github.com/patternforge/patternforge/pkg/engine"
)

var (
	headingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func statusText(ok bool, text string) string {
	if ok {
		return okStyle.Render(text)
	}
	return failStyle.Render(text)
}

func taskStatusText(s engine.TaskStatus) string {
	switch s {
	case engine.TaskStatusSucceeded:
		return okStyle.Render(string(s))
	case engine.TaskStatusFailed:
		return failStyle.Render(string(s))
	case engine.TaskStatusSkipped:
		return warnStyle.Render(string(s))
	default:
		return string(s)
	}
}

func printSummary(w io.Writer, s *bootstrap.Summary, elapsed time.Duration) error {
	if jsonOutput {
		return printJSON(w, s)
	}

	fmt.Fprintln(w, headingStyle.Render("Bootstrap "+s.ExecutionID))
	tw := newTable(w)
	fmt.Fprintf(tw, "Project:\t%s\n", s.ProjectPath)
	fmt.Fprintf(tw, "Environment:\t%s\n", s.Environment)
	if s.Detection != nil {
		fmt.Fprintf(tw, "Detected:\t%s (confidence %.2f)\n", s.Detection.PlatformType, s.Detection.Confidence)
	}
	if s.PatternUsed != "" {
		pattern := s.PatternUsed
		if s.Generated {
			pattern += " " + warnStyle.Render("(generated)")
		}
		fmt.Fprintf(tw, "Pattern:\t%s\n", pattern)
	}
	if s.GapID != "" {
		fmt.Fprintf(tw, "Gap:\t%s\n", s.GapID)
	}
	fmt.Fprintf(tw, "Iterations:\t%d\n", s.Iterations)
	fmt.Fprintf(tw, "Result:\t%s\n", statusText(s.Success, string(s.FinalState)))
	fmt.Fprintf(tw, "Duration:\t%s\n", elapsed.Round(time.Millisecond))
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, run := range s.Runs {
		line := fmt.Sprintf("  iteration %d: %s", run.Iteration, run.State)
		if run.Error != "" {
			line += " - " + run.Error
		}
		fmt.Fprintln(w, dimStyle.Render(line))
		for _, fix := range run.Fixes {
			fmt.Fprintln(w, dimStyle.Render("    fix "+fix.String()))
		}
	}

	if s.Card != nil && len(s.Card.Resources) > 0 {
		fmt.Fprintf(w, "Resources: %d recorded, %d cleanup phase(s)\n", len(s.Card.Resources), len(s.Card.CleanupPhases))
	}
	if s.ArtifactPaths != nil {
		fmt.Fprintln(w, "Artifacts:")
		for _, p := range s.ArtifactPaths.All() {
			fmt.Fprintf(w, "  %s\n", p)
		}
	}
	if s.RequiresHumanApproval {
		fmt.Fprintln(w, warnStyle.Render("Human approval required: "+s.ApprovalReason))
	}
	return nil
}

// commandLine shortens a command for table output.
func commandLine(cmd string, width int) string {
	cmd = strings.Join(strings.Fields(cmd), " ")
	if len(cmd) <= width {
		return cmd
	}
	return cmd[:width-3] + "..."
}
