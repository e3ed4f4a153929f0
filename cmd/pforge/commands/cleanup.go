package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"

	"github.com/patternforge/patternforge/pkg/engine"
	"github.com/patternforge/patternforge/pkg/ledger"
	"github.com/patternforge/patternforge/pkg/telemetry"
)

func newCleanupCommand() *cobra.Command {
	var (
		dryRun bool
		yes    bool
		forget bool
	)

	cmd := &cobra.Command{
		Use:   "cleanup <execution-id>",
		Short: "Delete the resources a run created",
		Long: `Run the cleanup phases recorded for an execution.

Resources are deleted in reverse creation order, one phase at a time. A
failed deletion skips the phases after it but not the other deletions of its
phase. Deletions are idempotent, so cleanup can be run again after a partial
failure.`,
		Example: `  # Show what would be deleted
  pforge cleanup 3f1c2a9e-... --dry-run

  # Delete the resources and drop the execution from the history
  pforge cleanup 3f1c2a9e-... --yes --forget`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			executionID := args[0]

			if !dryRun && !yes {
				return engine.NewPermanentError("cleanup deletes resources, pass --yes to confirm or --dry-run to preview", nil).
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
			execution, err := history.GetExecution(ctx, executionID)
			if err != nil {
				return err
			}
			card, err := history.GetSystemCard(ctx, executionID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			graph, err := ledger.CleanupGraph(card)
			if err != nil {
				return err
			}
			if graph.Len() == 0 {
				fmt.Fprintf(out, "Execution %s recorded no resources\n", executionID)
				return nil
			}

			cmdRunner, _, err := a.commandRunner()
			if err != nil {
				return err
			}
			executor := engine.NewExecutor(inDir(cmdRunner, execution.ProjectPath),
				engine.WithLogger(a.logger),
				engine.WithMetrics(a.tel.Metrics),
				engine.WithEventPublisher(a.tel.Events),
				engine.WithRunID(executionID),
			)

			policy := a.cfg.ExecutionPolicy()
			policy.DryRun = dryRun
			policy.AbortOnCritical = false

			a.logger.Info().
				Str("execution_id", executionID).
				Int("resources", len(card.Resources)).
				Int("phases", len(card.CleanupPhases)).
				Bool("dry_run", dryRun).
				Msg("Starting cleanup")

			op := telemetry.StartOperation(a.tel.WithContext(ctx), "pforge.cleanup",
				telemetry.AttrExecutionID.String(executionID),
				telemetry.AttrProject.String(execution.ProjectPath),
				attribute.Bool("dry_run", dryRun),
			)
			result, execErr := executor.Execute(op.Ctx, graph, policy)
			op.End(execErr)
			if result != nil {
				if err := printCleanup(out, graph, result); err != nil {
					return err
				}
			}
			if execErr != nil {
				return execErr
			}
			if result.Summary.Failed > 0 || result.Summary.Skipped > 0 {
				return &ExitError{
					Code: 2,
					Err: engine.NewPermanentError(fmt.Sprintf("cleanup of %s incomplete", executionID), nil).
						WithCode(engine.ErrCodeCommandFailed),
				}
			}

			if forget && !dryRun {
				if err := history.DeleteExecution(ctx, executionID); err != nil {
					return err
				}
				fmt.Fprintf(out, "Removed %s from the history\n", executionID)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list the deletions without running them")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm the deletion")
	cmd.Flags().BoolVar(&forget, "forget", false, "delete the execution from the history after a complete cleanup")

	return cmd
}

// inDir runs commands without a working directory in dir, where the run
// executed its deployment commands.
func inDir(r engine.CommandRunner, dir string) engine.CommandRunner {
	return engine.CommandRunnerFunc(func(ctx context.Context, req engine.CommandRequest) (*engine.CommandResult, error) {
		if req.Dir == "" {
			req.Dir = dir
		}
		return r.Run(ctx, req)
	})
}

func printCleanup(w io.Writer, graph *engine.TaskGraph, result *engine.ExecutionResult) error {
	if jsonOutput {
		return printJSON(w, result)
	}

	tw := newTable(w)
	fmt.Fprintln(tw, "PHASE\tTASK\tSTATUS\tRESOURCE\tCOMMAND")
	for _, id := range graph.Order {
		node := graph.Nodes[id]
		status := engine.TaskStatusPending
		if r, ok := result.Results[id]; ok {
			status = r.Status
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", node.Phase, id, taskStatusText(status),
			node.Description, commandLine(node.Command, 60))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	s := result.Summary
	fmt.Fprintf(w, "\n%d succeeded, %d failed, %d skipped\n", s.Succeeded, s.Failed, s.Skipped)
	return nil
}
