package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/patternforge/patternforge/pkg/config"
	"github.com/patternforge/patternforge/pkg/engine"
	"github.com/patternforge/patternforge/pkg/stores"
)

// examplePattern is written into a fresh pattern directory.
const examplePattern = `id: docker-compose-basic
name: Docker Compose application
version: 1.0.0
platformType: docker-compose
family: container-runtime
description: Starts every service of a Compose file and checks they are running.
authoritativeSources:
  - url: https://docs.docker.com/compose/
    priority: 1
deploymentPhases:
  - order: 1
    name: prepare
    commands:
      - command: docker compose config --quiet
        description: Validate the Compose file
      - command: docker compose pull --ignore-pull-failures
        retryable: true
        maxRetries: 2
        canFailSafely: true
  - order: 2
    name: start
    commands:
      - command: docker compose -p "$(basename "$PWD")" up -d --wait
        retryable: true
        creates:
          type: compose-project
          name: app
validationChecks:
  - id: services-running
    command: test -n "$(docker compose ps --status running -q)"
    severity: critical
    remediation: "fix: docker compose up -d --force-recreate"
detectionHints:
  - signal: file-exists
    pattern: "docker-compose.y*ml"
    weight: 0.7
  - signal: file-exists
    pattern: "compose.y*ml"
    weight: 0.7
  - signal: file-exists
    pattern: "Dockerfile"
    weight: 0.2
`

func newInitCommand() *cobra.Command {
	var (
		format    string
		force     bool
		noExample bool
	)

	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Initialize a PatternForge workspace",
		Long: `Initialize a workspace with a default configuration, a pattern directory and
the run history database.

The configuration is written as YAML by default or as CUE with --format cue.
An example Docker Compose pattern is added to an empty pattern directory.`,
		Example: `  # Initialize the current directory
  pforge init

  # Initialize another directory with a CUE config
  pforge init ./deploy --format cue

  # Overwrite an existing configuration
  pforge init --force`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}

			path := configPath
			switch {
			case path != "":
			case format == "cue":
				path = filepath.Join(dir, "pforge.cue")
			case format == "yaml":
				path = filepath.Join(dir, "pforge.yaml")
			default:
				return engine.NewPermanentError(fmt.Sprintf("unknown format %q, use yaml or cue", format), nil).
					WithCode(engine.ErrCodeValidation)
			}

			log.Info().Str("dir", dir).Str("config", path).Msg("Initializing workspace")

			out := cmd.OutOrStdout()
			if err := config.WriteDefault(path, force); err != nil {
				return err
			}
			fmt.Fprintf(out, "%s Created config file: %s\n", okStyle.Render("✓"), path)

			cfg := config.Default()

			patternDir := filepath.Join(dir, cfg.Patterns.Dir)
			created, err := writeExamplePattern(patternDir, noExample)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s Pattern directory: %s\n", okStyle.Render("✓"), patternDir)
			if created != "" {
				fmt.Fprintf(out, "%s Example pattern: %s\n", okStyle.Render("✓"), created)
			}

			dbPath := filepath.Join(dir, cfg.Store.Path)
			if err := initHistory(ctx, dbPath); err != nil {
				return err
			}
			fmt.Fprintf(out, "%s Initialized history database: %s\n", okStyle.Render("✓"), dbPath)

			fmt.Fprintf(out, "\nNext steps:\n")
			fmt.Fprintf(out, "  1. Check the pattern library:\n")
			fmt.Fprintf(out, "     pforge validate\n\n")
			fmt.Fprintf(out, "  2. Preview a deployment:\n")
			fmt.Fprintf(out, "     pforge plan <project>\n\n")
			fmt.Fprintf(out, "  3. Deploy:\n")
			fmt.Fprintf(out, "     pforge run <project> --env staging\n")
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "yaml", "config format: yaml or cue")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	cmd.Flags().BoolVar(&noExample, "no-example", false, "do not add the example pattern")

	return cmd
}

// writeExamplePattern creates dir and, unless skipped or dir already holds
// files, the example pattern. It returns the created file.
func writeExamplePattern(dir string, skip bool) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create pattern directory: %w", err)
	}
	if skip {
		return "", nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to read pattern directory: %w", err)
	}
	if len(entries) > 0 {
		return "", nil
	}

	path := filepath.Join(dir, "docker-compose.yaml")
	if err := os.WriteFile(path, []byte(examplePattern), 0o644); err != nil {
		return "", fmt.Errorf("failed to write example pattern: %w", err)
	}
	return path, nil
}

func initHistory(ctx context.Context, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
