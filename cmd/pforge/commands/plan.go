package commands

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/patternforge/patternforge/pkg/engine"
	"github.com/patternforge/patternforge/pkg/patterns"
	"github.com/patternforge/patternforge/pkg/runner"
)

// shellBuiltins are skipped by the tool preflight.
var shellBuiltins = map[string]bool{
	"cd": true, "echo": true, "export": true, "set": true, "test": true,
	"true": true, "false": true, "[": true, "exit": true, ".": true, "source": true,
}

func newPlanCommand() *cobra.Command {
	var (
		pattern   string
		format    string
		preflight bool
	)

	cmd := &cobra.Command{
		Use:   "plan <project>",
		Short: "Show the task graph a run would execute",
		Long: `Compile the pattern selected for a project into its task graph without
running anything.

Tasks are listed level by level: every task of a level can run once the
levels before it are done. The graph can also be rendered as Graphviz DOT.
Commands are checked against the command guard policies during compilation.`,
		Example: `  # Show the plan for a project
  pforge plan ./app

  # Render the graph with Graphviz
  pforge plan ./app --format dot | dot -Tsvg > plan.svg

  # Plan a specific pattern and check its tools are installed
  pforge plan ./app --pattern docker-compose --preflight`,
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

			p, err := resolvePattern(ctx, a, project, pattern)
			if err != nil {
				return err
			}

			comp, err := a.compiler(ctx)
			if err != nil {
				return err
			}
			graph, err := comp.Compile(ctx, p)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				format = "json"
			}
			switch format {
			case "json":
				if err := printJSON(out, graph); err != nil {
					return err
				}
			case "dot":
				fmt.Fprint(out, engine.ToDOT(graph))
			case "text", "":
				if err := printGraph(out, graph); err != nil {
					return err
				}
			default:
				return engine.NewPermanentError(fmt.Sprintf("unknown format %q", format), nil).
					WithCode(engine.ErrCodeValidation)
			}

			if preflight {
				tools := requiredTools(graph)
				if err := runner.NewLocal(runner.WithLogger(a.logger)).Preflight(tools...); err != nil {
					return err
				}
				fmt.Fprintln(cmd.ErrOrStderr(), okStyle.Render("All tools found: "+strings.Join(tools, ", ")))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&pattern, "pattern", "p", "", "use this pattern instead of detecting one")
	cmd.Flags().StringVarP(&format, "format", "f", "text", "output format: text, dot or json")
	cmd.Flags().BoolVar(&preflight, "preflight", false, "check that the commands' tools are installed locally")

	return cmd
}

// resolvePattern returns the forced pattern, or the detected one when it
// reaches the threshold.
func resolvePattern(ctx context.Context, a *app, project, ref string) (*patterns.Pattern, error) {
	store, err := a.patternStore(ctx)
	if err != nil {
		return nil, err
	}
	if ref != "" {
		return store.Resolve(ref)
	}

	det, err := a.detector(ctx)
	if err != nil {
		return nil, err
	}
	results, err := det.Detect(ctx, project)
	if err != nil {
		return nil, err
	}
	best, ok := det.Select(results)
	if !ok {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("no pattern reaches the detection threshold %.2f for %s", det.Threshold(), project), nil).
			WithCode(engine.ErrCodePatternNotFound)
	}
	return store.Get(best.PlatformType, best.Version)
}

func printGraph(w io.Writer, graph *engine.TaskGraph) error {
	fmt.Fprintln(w, headingStyle.Render(fmt.Sprintf("%s@%s (%s): %d task(s), %d level(s)",
		graph.PatternID, graph.PatternVersion, graph.Platform, graph.Len(), len(graph.Levels))))

	tw := newTable(w)
	fmt.Fprintln(tw, "LEVEL\tTASK\tPHASE\tFLAGS\tCOMMAND")
	for level, ids := range graph.Levels {
		for _, id := range ids {
			node := graph.Nodes[id]
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", level+1, id, node.PhaseName, taskFlags(node), commandLine(node.Command, 72))
		}
	}
	return tw.Flush()
}

func taskFlags(node *engine.TaskNode) string {
	var flags []string
	if node.Parallelizable {
		flags = append(flags, "parallel")
	}
	if node.Retryable {
		flags = append(flags, fmt.Sprintf("retry=%d", node.MaxRetries))
	}
	if node.CanFailSafely {
		flags = append(flags, "fail-safe")
	}
	if len(flags) == 0 {
		return "-"
	}
	return strings.Join(flags, ",")
}

// requiredTools lists the programs the graph's commands start with.
func requiredTools(graph *engine.TaskGraph) []string {
	seen := make(map[string]bool)
	for _, node := range graph.Nodes {
		fields := strings.Fields(node.Command)
		for len(fields) > 0 && (fields[0] == "sudo" || strings.Contains(fields[0], "=")) {
			fields = fields[1:]
		}
		if len(fields) == 0 || shellBuiltins[fields[0]] {
			continue
		}
		seen[fields[0]] = true
	}

	tools := make([]string, 0, len(seen))
	for tool := range seen {
		tools = append(tools, tool)
	}
	sort.Strings(tools)
	return tools
}
