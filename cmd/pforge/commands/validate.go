package commands

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/patternforge/patternforge/pkg/engine"
	"github.com/patternforge/patternforge/pkg/patterns"
)

type fileReport struct {
	File    string `json:"file"`
	Pattern string `json:"pattern,omitempty"`
	Tasks   int    `json:"tasks,omitempty"`
	Valid   bool   `json:"valid"`
	Error   string `json:"error,omitempty"`
}

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [path...]",
		Short: "Validate the configuration and pattern files",
		Long: `Validate the configuration file and pattern files without running anything.

The configuration is checked against its schema first. Every pattern file
under the given paths (default: patterns.dir) is then parsed, validated
against the pattern schema and compiled, which also runs its commands through
the command guard policies. Two files declaring the same platformType and
version are reported as duplicates.`,
		Example: `  # Validate pforge.yaml and the pattern library
  pforge validate

  # Validate a single pattern file
  pforge validate patterns/kubernetes.yaml

  # Validate a pattern directory with another config
  pforge validate --config ./ci/pforge.cue ./patterns`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, "")
			if err != nil {
				return err
			}
			defer a.Close()

			paths := args
			if len(paths) == 0 {
				paths = []string{a.cfg.Patterns.Dir}
			}

			parser, err := patterns.NewStore(a.logger)
			if err != nil {
				return err
			}
			comp, err := a.compiler(ctx)
			if err != nil {
				return err
			}

			var reports []fileReport
			seen := make(map[patterns.Key]string)
			check := func(path string) {
				report := fileReport{File: path}
				defer func() { reports = append(reports, report) }()

				p, err := parser.LoadFile(path)
				if err != nil {
					report.Error = err.Error()
					return
				}
				report.Pattern = p.Key().String()
				if first, ok := seen[p.Key()]; ok {
					report.Error = fmt.Sprintf("duplicate of %s", first)
					return
				}
				seen[p.Key()] = path

				graph, err := comp.Compile(ctx, p)
				if err != nil {
					report.Error = err.Error()
					return
				}
				report.Tasks = graph.Len()
				report.Valid = true
			}

			for _, root := range paths {
				info, err := os.Stat(root)
				if err != nil {
					return fmt.Errorf("failed to read %s: %w", root, err)
				}
				if !info.IsDir() {
					check(root)
					continue
				}
				err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
					if err != nil {
						return err
					}
					if _, ok := patterns.FormatFromPath(path); ok && !d.IsDir() {
						check(path)
					}
					return nil
				})
				if err != nil {
					return fmt.Errorf("failed to walk %s: %w", root, err)
				}
			}

			invalid := 0
			for _, r := range reports {
				if !r.Valid {
					invalid++
				}
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				if err := printJSON(out, struct {
					Config   string       `json:"config,omitempty"`
					Patterns []fileReport `json:"patterns"`
				}{Config: a.cfgFile, Patterns: reports}); err != nil {
					return err
				}
			} else {
				if a.cfgFile != "" {
					fmt.Fprintf(out, "%s %s\n", okStyle.Render("ok"), a.cfgFile)
				}
				for _, r := range reports {
					if r.Valid {
						fmt.Fprintf(out, "%s %s (%s, %d tasks)\n", okStyle.Render("ok"), r.File, r.Pattern, r.Tasks)
					} else {
						fmt.Fprintf(out, "%s %s: %s\n", failStyle.Render("error"), r.File, r.Error)
					}
				}
			}

			if invalid > 0 {
				return &ExitError{
					Code: 1,
					Err: engine.NewPermanentError(fmt.Sprintf("%d of %d pattern file(s) invalid", invalid, len(reports)), nil).
						WithCode(engine.ErrCodeValidation),
				}
			}
			return nil
		},
	}

	return cmd
}
