package commands

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/patternforge/patternforge/pkg/bootstrap"
	"github.com/patternforge/patternforge/pkg/telemetry"
)

type runFlags struct {
	env           string
	maxIterations int
	autoFix       bool
	strict        bool
	dryRun        bool
	pattern       string
	artifactDir   string
	noHistory     bool
	vars          map[string]string
}

func newRunCommand() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run <project>",
		Short: "Detect, deploy and validate a project",
		Long: `Run the bootstrap loop on a project directory.

The loop detects the project's platform, compiles the matching pattern into a
task graph, executes it, and runs the pattern's validation checks. Failed
checks with remediations are fixed and retried when --auto-fix is set, up to
--max-iterations cycles.

On success deploy.sh, validate.sh, cleanup.sh and DECISION.md are written to
the artifact directory, one subdirectory per execution.`,
		Example: `  # Deploy the current directory to staging
  pforge run . --env staging

  # Let the loop fix failed checks, up to five cycles
  pforge run ./app --auto-fix --max-iterations 5

  # Show what would run without executing anything
  pforge run ./app --dry-run

  # Force a pattern and skip detection
  pforge run ./app --pattern kubernetes@1.2.0`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			project, err := filepath.Abs(args[0])
			if err != nil {
				return fmt.Errorf("failed to resolve project path: %w", err)
			}

			a, err := newApp(ctx, flags.env)
			if err != nil {
				return err
			}
			defer a.Close()

			req := buildRequest(a, cmd, project, &flags)
			executionID := uuid.New().String()
			if req.Options.ArtifactDir != "" {
				req.Options.ArtifactDir = filepath.Join(req.Options.ArtifactDir, executionID)
			}

			loop, err := a.loop(ctx, !flags.noHistory, executionID)
			if err != nil {
				return err
			}

			a.logger.Info().
				Str("execution_id", executionID).
				Str("project", project).
				Str("environment", req.TargetEnvironment).
				Bool("dry_run", req.Options.DryRun).
				Msg("Starting bootstrap")

			op := telemetry.StartOperation(a.tel.WithContext(ctx), "pforge.run",
				telemetry.AttrExecutionID.String(executionID),
				telemetry.AttrProject.String(project),
				telemetry.AttrEnvironment.String(req.TargetEnvironment),
			)
			a.tel.Metrics.RecordRunStarted()
			start := time.Now()
			summary, runErr := loop.Run(op.Ctx, req)
			a.tel.Metrics.RecordRunFinished()
			op.End(runErr)

			if summary == nil {
				var re *bootstrap.RunError
				if errors.As(runErr, &re) {
					summary = re.Summary
				}
			}
			if summary != nil {
				if err := printSummary(cmd.OutOrStdout(), summary, time.Since(start)); err != nil {
					return err
				}
			}

			if runErr != nil {
				if summary == nil {
					return runErr
				}
				return &ExitError{Code: 2, Err: runErr}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&flags.env, "env", "e", "", "target environment (default: loop.environment)")
	cmd.Flags().IntVar(&flags.maxIterations, "max-iterations", 0, "maximum compile/execute/validate cycles (default: loop.max_iterations)")
	cmd.Flags().BoolVar(&flags.autoFix, "auto-fix", false, "apply remediations of failed checks and retry")
	cmd.Flags().BoolVar(&flags.strict, "strict", false, "fail validation on any failed check")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "mark every task succeeded without running commands")
	cmd.Flags().StringVarP(&flags.pattern, "pattern", "p", "", "force a pattern (platformType or platformType@version)")
	cmd.Flags().StringVar(&flags.artifactDir, "artifact-dir", "", "artifact directory (default: loop.artifacts_dir inside the project)")
	cmd.Flags().BoolVar(&flags.noHistory, "no-history", false, "do not record the run in the history store")
	cmd.Flags().StringToStringVar(&flags.vars, "var", nil, "extra environment variables for commands and checks")

	return cmd
}

// buildRequest starts from the configuration and applies the flags that were
// set. A relative artifact directory is resolved inside the project.
func buildRequest(a *app, cmd *cobra.Command, project string, flags *runFlags) bootstrap.Request {
	req := a.cfg.Request(project)

	if flags.env != "" {
		req.TargetEnvironment = flags.env
	}
	if cmd.Flags().Changed("max-iterations") {
		req.MaxIterations = flags.maxIterations
	}
	if cmd.Flags().Changed("auto-fix") {
		req.AutoFix = flags.autoFix
	}
	if cmd.Flags().Changed("strict") {
		req.Options.Strict = flags.strict
	}
	req.Options.DryRun = flags.dryRun
	req.Options.Pattern = flags.pattern
	req.Options.Env = flags.vars

	if flags.artifactDir != "" {
		req.Options.ArtifactDir = flags.artifactDir
	}
	if dir := req.Options.ArtifactDir; dir != "" && !filepath.IsAbs(dir) && flags.artifactDir == "" {
		req.Options.ArtifactDir = filepath.Join(project, dir)
	}
	return req
}
