package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newPatternsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patterns",
		Short: "Inspect the pattern library",
		Long: `Inspect the deployment patterns loaded from patterns.dir.

A pattern is identified by its platformType and version. References without a
version resolve to the highest version.`,
	}

	cmd.AddCommand(newPatternsListCommand())
	cmd.AddCommand(newPatternsShowCommand())

	return cmd
}

func newPatternsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List loaded patterns",
		Example: `  # List every pattern
  pforge patterns list

  # List patterns from another directory
  pforge patterns list --config ./staging/pforge.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, "")
			if err != nil {
				return err
			}
			defer a.Close()

			store, err := a.patternStore(ctx)
			if err != nil {
				return err
			}
			list := store.List()

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, list)
			}
			if len(list) == 0 {
				fmt.Fprintf(out, "No patterns in %s\n", a.cfg.Patterns.Dir)
				return nil
			}

			tw := newTable(out)
			fmt.Fprintln(tw, "PLATFORM\tVERSION\tID\tFAMILY\tPHASES\tCOMMANDS\tCHECKS\tSOURCE")
			for _, p := range list {
				source, _ := store.Source(p.Key())
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
					p.PlatformType, p.Version, p.ID, p.PlatformFamily(),
					len(p.DeploymentPhases), p.CommandCount(), len(p.ValidationChecks), source)
			}
			return tw.Flush()
		},
	}
}

func newPatternsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <platformType[@version]>",
		Short: "Print a pattern",
		Example: `  # Show the latest kubernetes pattern
  pforge patterns show kubernetes

  # Show a specific version as JSON
  pforge patterns show kubernetes@1.2.0 --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, "")
			if err != nil {
				return err
			}
			defer a.Close()

			store, err := a.patternStore(ctx)
			if err != nil {
				return err
			}
			p, err := store.Resolve(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, p)
			}
			enc := yaml.NewEncoder(out)
			enc.SetIndent(2)
			if err := enc.Encode(p); err != nil {
				return fmt.Errorf("failed to encode pattern: %w", err)
			}
			return enc.Close()
		},
	}
}
