package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/patternforge/patternforge/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect recorded runs",
		Long: `Inspect the bootstrap sessions recorded in the history store.

Every session stores its iterations, task results, validation outcome,
created resources and events.`,
	}

	cmd.AddCommand(newHistoryListCommand())
	cmd.AddCommand(newHistoryShowCommand())
	cmd.AddCommand(newHistoryEventsCommand())
	cmd.AddCommand(newHistoryDeleteCommand())

	return cmd
}

func newHistoryListCommand() *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent executions",
		Example: `  # Show the last 20 executions
  pforge history list

  # Page through older executions
  pforge history list --limit 50 --offset 50`,
		Args: cobra.NoArgs,
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
			executions, err := history.ListExecutions(ctx, limit, offset)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, executions)
			}
			if len(executions) == 0 {
				fmt.Fprintln(out, "No executions recorded")
				return nil
			}

			tw := newTable(out)
			fmt.Fprintln(tw, "ID\tSTARTED\tENVIRONMENT\tPATTERN\tITERATIONS\tSTATE\tPROJECT")
			for _, e := range executions {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
					e.ID, e.StartedAt.Local().Format(time.DateTime), e.Environment, e.PatternUsed,
					e.Iterations, statusText(e.Success, string(e.FinalState)), e.ProjectPath)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of executions")
	cmd.Flags().IntVar(&offset, "offset", 0, "executions to skip")

	return cmd
}

func newHistoryShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <execution-id>",
		Short: "Show an execution with its iterations and tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id := args[0]

			a, err := newApp(ctx, "")
			if err != nil {
				return err
			}
			defer a.Close()

			history, err := a.historyStore(ctx)
			if err != nil {
				return err
			}
			execution, err := history.GetExecution(ctx, id)
			if err != nil {
				return err
			}
			runs, err := history.ListRuns(ctx, id)
			if err != nil {
				return err
			}
			tasks := make(map[int][]*stores.TaskRecord, len(runs))
			for _, run := range runs {
				records, err := history.ListTaskResults(ctx, id, run.Iteration)
				if err != nil {
					return err
				}
				tasks[run.Iteration] = records
			}
			resources, err := history.ListResources(ctx, id)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				type runDetail struct {
					*stores.RunRecord
					Tasks []*stores.TaskRecord `json:"tasks"`
				}
				details := make([]runDetail, len(runs))
				for i, run := range runs {
					details[i] = runDetail{RunRecord: run, Tasks: tasks[run.Iteration]}
				}
				return printJSON(out, map[string]interface{}{
					"execution": execution,
					"runs":      details,
					"resources": resources,
				})
			}

			fmt.Fprintln(out, headingStyle.Render("Execution "+execution.ID))
			tw := newTable(out)
			fmt.Fprintf(tw, "Project:\t%s\n", execution.ProjectPath)
			fmt.Fprintf(tw, "Environment:\t%s\n", execution.Environment)
			fmt.Fprintf(tw, "Pattern:\t%s (confidence %.2f)\n", execution.PatternUsed, execution.Confidence)
			fmt.Fprintf(tw, "Result:\t%s\n", statusText(execution.Success, string(execution.FinalState)))
			if execution.RequiresHumanApproval {
				fmt.Fprintf(tw, "Approval:\t%s\n", warnStyle.Render(execution.ApprovalReason))
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			for _, run := range runs {
				line := fmt.Sprintf("\nIteration %d: %s", run.Iteration, run.State)
				if run.Validation != nil {
					line += fmt.Sprintf(", %d check(s) passed, %d failed", len(run.Validation.Passed), len(run.Validation.Failed))
				}
				fmt.Fprintln(out, line)
				if run.Error != "" {
					fmt.Fprintln(out, failStyle.Render("  "+run.Error))
				}

				tw := newTable(out)
				for _, t := range tasks[run.Iteration] {
					fmt.Fprintf(tw, "  %s\t%s\texit %d\t%d attempt(s)\t%s\n",
						t.TaskID, taskStatusText(t.Status), t.ExitCode, t.Attempts, commandLine(t.Command, 60))
				}
				if err := tw.Flush(); err != nil {
					return err
				}
				for _, fix := range run.Fixes {
					fmt.Fprintln(out, dimStyle.Render("  fix "+fix.String()))
				}
			}

			if len(resources) > 0 {
				fmt.Fprintf(out, "\nResources (%d):\n", len(resources))
				for _, r := range resources {
					fmt.Fprintf(out, "  %s\n", r.ID)
				}
			}
			return nil
		},
	}
}

func newHistoryEventsCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "events <execution-id>",
		Short: "Show the events of an execution",
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
			events, err := history.ListEvents(ctx, args[0], limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, events)
			}

			tw := newTable(out)
			fmt.Fprintln(tw, "TIME\tLEVEL\tTYPE\tTASK\tMESSAGE")
			for _, e := range events {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					e.Timestamp.Local().Format(time.TimeOnly), e.Level, e.Type, e.TaskID, e.Message)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 200, "maximum number of events")

	return cmd
}

func newHistoryDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <execution-id>",
		Short: "Delete an execution from the history",
		Long: `Delete an execution with its runs, tasks, resources and events.

The recorded resources are forgotten, not deleted. Run pforge cleanup first
to remove them.`,
		Args: cobra.ExactArgs(1),
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
			if err := history.DeleteExecution(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		},
	}
}
