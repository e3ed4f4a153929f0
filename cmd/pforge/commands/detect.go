package commands

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/patternforge/patternforge/pkg/detector"
)

func newDetectCommand() *cobra.Command {
	var showSignals bool

	cmd := &cobra.Command{
		Use:   "detect <project>",
		Short: "Score a project against the pattern library",
		Long: `Score a project directory against every stored pattern.

Each pattern's detection hints are evaluated against the project tree and the
matched weights are summed into a confidence in [0, 1]. The best candidate is
selected when it reaches detection.threshold.`,
		Example: `  # Rank candidate platforms for a project
  pforge detect ./app

  # Include the signals the AI fallback would see
  pforge detect ./app --signals --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			project, err := filepath.Abs(args[0])
			if err != nil {
				return fmt.Errorf("failed to resolve project path: %w", err)
			}

			a, err := newApp(ctx, "")
			if err != nil {
				return err
			}
			defer a.Close()

			det, err := a.detector(ctx)
			if err != nil {
				return err
			}

			results, err := det.Detect(ctx, project)
			if err != nil {
				return err
			}
			selected, ok := det.Select(results)

			var signals *detector.Signals
			if showSignals {
				if signals, err = det.Signals(ctx, project); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				report := struct {
					Project   string            `json:"project"`
					Threshold float64           `json:"threshold"`
					Selected  *detector.Result  `json:"selected,omitempty"`
					Results   []detector.Result `json:"results"`
					Signals   *detector.Signals `json:"signals,omitempty"`
				}{Project: project, Threshold: det.Threshold(), Results: results, Signals: signals}
				if ok {
					report.Selected = &selected
				}
				return printJSON(out, report)
			}

			if len(results) == 0 {
				fmt.Fprintln(out, "No patterns loaded")
			} else {
				tw := newTable(out)
				fmt.Fprintln(tw, "PLATFORM\tVERSION\tPATTERN\tCONFIDENCE\tMATCHED")
				for _, r := range results {
					matched := make([]string, len(r.MatchedHints))
					for i, h := range r.MatchedHints {
						matched[i] = string(h.Signal) + ":" + h.Pattern
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%s\n",
						r.PlatformType, r.Version, r.PatternID, r.Confidence, strings.Join(matched, ", "))
				}
				if err := tw.Flush(); err != nil {
					return err
				}
			}

			if ok {
				fmt.Fprintf(out, "\nSelected %s@%s %s\n", selected.PlatformType, selected.Version,
					okStyle.Render(fmt.Sprintf("(confidence %.2f >= %.2f)", selected.Confidence, det.Threshold())))
			} else {
				fmt.Fprintln(out, warnStyle.Render(fmt.Sprintf("\nNo pattern reaches the threshold %.2f", det.Threshold())))
			}

			if signals != nil {
				fmt.Fprintf(out, "\nFiles: %d\n", signals.FileCount)
				if len(signals.Manifests) > 0 {
					fmt.Fprintf(out, "Manifests: %s\n", strings.Join(signals.Manifests, ", "))
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showSignals, "signals", false, "also collect project signals")

	return cmd
}
