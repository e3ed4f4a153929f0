package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/patternforge/patternforge/pkg/artifacts"
	"github.com/patternforge/patternforge/pkg/bootstrap"
	"github.com/patternforge/patternforge/pkg/compiler"
	"github.com/patternforge/patternforge/pkg/config"
	"github.com/patternforge/patternforge/pkg/detector"
	"github.com/patternforge/patternforge/pkg/engine"
	"github.com/patternforge/patternforge/pkg/fallback"
	"github.com/patternforge/patternforge/pkg/patterns"
	"github.com/patternforge/patternforge/pkg/policy"
	"github.com/patternforge/patternforge/pkg/runner"
	"github.com/patternforge/patternforge/pkg/stores"
	"github.com/patternforge/patternforge/pkg/telemetry"
	sshtransport "github.com/patternforge/patternforge/pkg/transports/ssh"
	"github.com/patternforge/patternforge/pkg/validation"
)

// app holds what one command invocation builds from the configuration.
// Components are created on first use and released by Close in reverse order.
type app struct {
	cfg     *config.Config
	cfgFile string
	tel     *telemetry.Telemetry
	logger  zerolog.Logger

	patterns *patterns.Store
	policies *policy.Engine
	store    *stores.SQLiteStore

	closers []func(context.Context) error
}

// loadConfig reads --config, else the first config file in the working
// directory, else the defaults.
func loadConfig() (*config.Config, string, error) {
	loader, err := config.NewLoader()
	if err != nil {
		return nil, "", err
	}

	path := configPath
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, "", fmt.Errorf("failed to get working directory: %w", err)
		}
		if found, ok := config.Find(wd); ok {
			path = found
		}
	}

	var cfg *config.Config
	if path == "" {
		cfg = loader.LoadDefault()
	} else if cfg, err = loader.Load(path); err != nil {
		return nil, path, err
	}

	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	return cfg, path, nil
}

func newApp(ctx context.Context, environment string) (*app, error) {
	cfg, path, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if environment == "" {
		environment = cfg.Loop.Environment
	}

	tel, err := telemetry.NewTelemetry(cfg.ToTelemetry(buildVersion, environment))
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}

	a := &app{
		cfg:     cfg,
		cfgFile: path,
		tel:     tel,
		logger:  tel.Logger.Zerolog(),
	}
	a.closers = append(a.closers, tel.Shutdown)

	if err := tel.StartMetricsServer(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to start metrics server: %w", err)
	}

	if path != "" {
		a.logger.Debug().Str("config", path).Msg("Configuration loaded")
	}
	return a, nil
}

// Close releases every component in reverse creation order.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn().Err(err).Msg("Shutdown step failed")
		}
	}
	a.closers = nil
}

// patternStore loads the configured pattern directory. A missing directory
// leaves the store empty so the fallback can still serve.
func (a *app) patternStore(ctx context.Context) (*patterns.Store, error) {
	if a.patterns != nil {
		return a.patterns, nil
	}

	store, err := patterns.NewStore(a.logger)
	if err != nil {
		return nil, err
	}

	dir := a.cfg.Patterns.Dir
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		a.logger.Warn().Str("dir", dir).Msg("Pattern directory not found, no patterns loaded")
		a.patterns = store
		return store, nil
	}

	if _, err := store.LoadDir(ctx, dir); err != nil {
		a.logger.Warn().Err(err).Str("dir", dir).Msg("Some pattern files were rejected")
	}

	if a.cfg.Patterns.Watch {
		watcher := patterns.NewWatcher(store, dir, a.logger, func(err error) {
			if err != nil {
				a.logger.Warn().Err(err).Msg("Pattern reload rejected, keeping previous patterns")
			}
		})
		if err := watcher.Start(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("Pattern hot reload disabled")
		} else {
			a.closers = append(a.closers, func(context.Context) error { return watcher.Stop() })
		}
	}

	a.patterns = store
	return store, nil
}

// policyEngine returns the Rego engine, or nil when policies are disabled.
func (a *app) policyEngine(ctx context.Context) (*policy.Engine, error) {
	if !a.cfg.Policy.Enabled {
		return nil, nil
	}
	if a.policies != nil {
		return a.policies, nil
	}

	eng, err := policy.NewEngine(a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}

	if len(a.cfg.Policy.Paths) > 0 {
		if _, err := eng.LoadPolicies(ctx, a.cfg.Policy.Paths); err != nil {
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
		if a.cfg.Policy.Watch {
			if err := eng.Watch(ctx, a.cfg.Policy.Paths); err != nil {
				a.logger.Warn().Err(err).Msg("Policy hot reload disabled")
			} else {
				a.closers = append(a.closers, func(context.Context) error { return eng.Close() })
			}
		}
	}

	for _, name := range a.cfg.Policy.Disabled {
		if err := eng.DisablePolicy(name); err != nil {
			return nil, fmt.Errorf("failed to disable policy %s: %w", name, err)
		}
	}

	a.policies = eng
	return eng, nil
}

// approvalPolicy combines the configured approval environments with the
// approval rules of the policy engine.
func (a *app) approvalPolicy(ctx context.Context) (bootstrap.ApprovalPolicy, error) {
	static := bootstrap.NewStaticApproval(a.cfg.Policy.ApprovalEnvironments...)

	eng, err := a.policyEngine(ctx)
	if err != nil {
		return nil, err
	}
	if eng == nil {
		return static, nil
	}
	return bootstrap.AnyApproval{static, eng}, nil
}

func (a *app) compiler(ctx context.Context) (*compiler.Compiler, error) {
	opts := []compiler.Option{
		compiler.WithDefaults(a.cfg.CompilerDefaults()),
		compiler.WithLogger(a.logger),
	}

	eng, err := a.policyEngine(ctx)
	if err != nil {
		return nil, err
	}
	if eng != nil {
		opts = append(opts, compiler.WithGuard(eng))
	}
	return compiler.New(opts...), nil
}

func (a *app) detector(ctx context.Context) (*detector.Detector, error) {
	store, err := a.patternStore(ctx)
	if err != nil {
		return nil, err
	}
	return detector.New(store,
		detector.WithOptions(a.cfg.DetectorOptions()),
		detector.WithConfidenceRecorder(a.tel.Metrics),
		detector.WithLogger(a.logger),
	), nil
}

// historyStore opens the run history database and forwards published events
// into it.
func (a *app) historyStore(ctx context.Context) (*stores.SQLiteStore, error) {
	if a.store != nil {
		return a.store, nil
	}

	opts := a.cfg.StoreOptions()
	if opts.Path != stores.MemoryPath {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	store, err := stores.NewSQLiteStore(opts)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	a.tel.Events.Subscribe(telemetry.SinkSubscriber(store, a.logger), nil)
	a.closers = append(a.closers, func(ctx context.Context) error {
		// queued events still go to the store
		if err := a.tel.Flush(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to flush events")
		}
		return store.Close()
	})

	a.store = store
	return store, nil
}

// commandRunner builds the configured runner and the matching artifact
// writer. Artifacts are always rendered locally; the ssh runner also uploads
// them next to the deployment.
func (a *app) commandRunner() (engine.CommandRunner, bootstrap.ArtifactWriter, error) {
	writer, err := artifacts.NewWriter(artifacts.WithLogger(a.logger))
	if err != nil {
		return nil, nil, err
	}

	if a.cfg.Execution.Runner != config.RunnerSSH {
		local := runner.NewLocal(
			runner.WithShell(a.cfg.Execution.Shell),
			runner.WithLogger(a.logger),
		)
		return local, writer, nil
	}

	client, err := sshtransport.NewSSHClient(a.cfg.SSHOptions(), sshtransport.WithLogger(a.logger))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create ssh client: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return client.Disconnect() })

	remote := sshtransport.NewRunner(client,
		sshtransport.WithShell(a.cfg.Execution.Shell),
		sshtransport.WithRunnerLogger(a.logger),
	)
	uploader := sshtransport.NewUploader(client, a.logger)
	return remoteRunner(remote), sshtransport.NewArtifactWriter(writer, uploader, a.cfg.SSH.ArtifactDir), nil
}

// remoteRunner drops local working directories, which do not exist on the
// remote host; commands run in the configured remote work dir instead.
func remoteRunner(r engine.CommandRunner) engine.CommandRunner {
	return engine.CommandRunnerFunc(func(ctx context.Context, req engine.CommandRequest) (*engine.CommandResult, error) {
		req.Dir = ""
		return r.Run(ctx, req)
	})
}

// planGenerator returns the AI fallback, or nil when it is disabled.
func (a *app) planGenerator(store *patterns.Store) (bootstrap.PlanGenerator, error) {
	if !a.cfg.Fallback.Enabled {
		return nil, nil
	}
	gen, err := fallback.NewOpenAIGenerator(a.cfg.FallbackOptions(),
		fallback.WithParser(store.Parser()),
		fallback.WithLogger(a.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create plan generator: %w", err)
	}
	return gen, nil
}

// loop wires every component into a bootstrap loop. The history store is
// only attached when record is set.
func (a *app) loop(ctx context.Context, record bool, executionID string) (*bootstrap.Loop, error) {
	store, err := a.patternStore(ctx)
	if err != nil {
		return nil, err
	}
	det, err := a.detector(ctx)
	if err != nil {
		return nil, err
	}
	comp, err := a.compiler(ctx)
	if err != nil {
		return nil, err
	}
	approval, err := a.approvalPolicy(ctx)
	if err != nil {
		return nil, err
	}
	cmdRunner, writer, err := a.commandRunner()
	if err != nil {
		return nil, err
	}

	opts := []bootstrap.Option{
		bootstrap.WithCompiler(comp),
		bootstrap.WithValidator(validation.New(cmdRunner,
			validation.WithLogger(a.logger),
			validation.WithMetrics(a.tel.Metrics),
		)),
		bootstrap.WithApprovalPolicy(approval),
		bootstrap.WithArtifactWriter(writer),
		bootstrap.WithEventPublisher(a.tel.Events),
		bootstrap.WithMetrics(a.tel.Metrics),
		bootstrap.WithExecutorMetrics(a.tel.Metrics),
		bootstrap.WithTracer(a.tel.Tracer.Tracer()),
		bootstrap.WithLogger(a.logger),
		bootstrap.WithIDGenerator(func() string { return executionID }),
	}

	gen, err := a.planGenerator(store)
	if err != nil {
		return nil, err
	}
	if gen != nil {
		opts = append(opts, bootstrap.WithPlanGenerator(gen))
	}

	if record {
		history, err := a.historyStore(ctx)
		if err != nil {
			return nil, err
		}
		opts = append(opts, bootstrap.WithRunRecorder(history), bootstrap.WithGapTracker(history))
	}

	return bootstrap.New(store, det, cmdRunner, opts...), nil
}
