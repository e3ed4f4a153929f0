package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/patternforge/patternforge/pkg/engine"
	"github.com/patternforge/patternforge/pkg/stores"
)

func newGapsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gaps",
		Short: "Track projects no pattern covers",
		Long: `List and close pattern gaps.

A gap is filed when no stored pattern reaches the detection threshold for a
project. Repeated runs on the same project count occurrences on the open gap.
Close a gap once a pattern for the project has been added.`,
	}

	cmd.AddCommand(newGapsListCommand())
	cmd.AddCommand(newGapsCloseCommand())

	return cmd
}

func newGapsListCommand() *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pattern gaps",
		Example: `  # List open gaps
  pforge gaps list

  # List closed gaps
  pforge gaps list --status closed`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			gapStatus := stores.GapStatus(status)
			if gapStatus != stores.GapStatusOpen && gapStatus != stores.GapStatusClosed {
				return engine.NewPermanentError(fmt.Sprintf("unknown gap status %q", status), nil).
					WithCode(engine.ErrCodeValidation)
			}

			a, err := newApp(ctx, "")
			if err != nil {
				return err
			}
			defer a.Close()

			history, err := a.historyStore(ctx)
			if err != nil {
				return err
			}
			gaps, err := history.ListGaps(ctx, gapStatus)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, gaps)
			}
			if len(gaps) == 0 {
				fmt.Fprintf(out, "No %s gaps\n", gapStatus)
				return nil
			}

			tw := newTable(out)
			fmt.Fprintln(tw, "ID\tPROJECT\tBEST MATCH\tCONFIDENCE\tOCCURRENCES\tUPDATED")
			for _, g := range gaps {
				best := g.BestPlatform
				if best == "" {
					best = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f/%.2f\t%d\t%s\n",
					g.ID, g.ProjectPath, best, g.BestConfidence, g.Threshold, g.Occurrences,
					g.UpdatedAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&status, "status", string(stores.GapStatusOpen), "gap status: open or closed")

	return cmd
}

func newGapsCloseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "close <gap-id>",
		Short: "Close a pattern gap",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, "")
			if err != nil {
				return err
			}
			defer a.Close()

			history, err := a.historyStore(ctx)
			if err != nil {
				return err
			}
			if err := history.CloseGap(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Closed %s\n", args[0])
			return nil
		},
	}
}
