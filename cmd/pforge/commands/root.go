package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool

	buildVersion = "dev"
)

// ExitError ends the process with Code once its output has been printed.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pforge",
		Short: "PatternForge - pattern-driven deployment bootstrapper",
		Long: `PatternForge detects what kind of project a directory holds, picks the
matching deployment pattern and drives it to a validated deployment.

Features:
  - Versioned deployment patterns in YAML or JSON, validated with CUE
  - Weighted detection hints with a confidence threshold
  - Phase-ordered DAG execution with retries and fail-safe tasks
  - Post-deploy validation with auto-fix iterations
  - Resource ledger with reverse-order cleanup
  - Rego policies for command guards and human approval
  - AI plan fallback when no pattern matches`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default: pforge.cue or pforge.yaml in the working directory)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newDetectCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newCleanupCommand())
	rootCmd.AddCommand(newPatternsCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newGapsCommand())

	return rootCmd
}
