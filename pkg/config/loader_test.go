package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/patternforge/patternforge/pkg/engine"
	"github.com/patternforge/patternforge/pkg/transports/ssh"
)

// newTestLoader returns a loader that reads overrides from env only.
func newTestLoader(t *testing.T, env map[string]string) *Loader {
	t.Helper()

	l, err := NewLoader()
	if err != nil {
		t.Fatalf("failed to create loader: %v", err)
	}
	l.getenv = func(key string) string { return env[key] }
	return l
}

func requireLoadError(t *testing.T, err error, path string) {
	t.Helper()

	if !engine.HasCode(err, engine.ErrCodeValidation) {
		t.Fatalf("expected a VALIDATION_ERROR, got %v", err)
	}
	var le *LoadError
	if !errors.As(err, &le) {
		t.Fatalf("expected a LoadError inside %v", err)
	}
	for _, ve := range le.Errors {
		if strings.HasPrefix(ve.Path, path) {
			return
		}
	}
	t.Errorf("expected an error at %s, got %v", path, le)
}

func TestLoader_EmptyFileYieldsDefaults(t *testing.T) {
	l := newTestLoader(t, nil)

	for _, name := range []string{"pforge.yaml", "pforge.cue"} {
		t.Run(name, func(t *testing.T) {
			cfg, err := l.LoadBytes(nil, name)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(cfg, Default()) {
				t.Errorf("expected the defaults\n got: %+v\nwant: %+v", cfg, Default())
			}
		})
	}
}

func TestLoader_YAML(t *testing.T) {
	l := newTestLoader(t, nil)

	src := `
patterns:
  dir: /etc/pforge/patterns
  watch: true
execution:
  runner: ssh
  max_concurrency: 8
  global_timeout: 45m
ssh:
  host: deploy.example.com
  user: deploy
  connection_timeout: 10s
loop:
  max_iterations: 5
  auto_fix: true
  environment: staging
validation:
  strict: true
  check_timeout: 90s
`
	cfg, err := l.LoadBytes([]byte(src), "pforge.yaml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Patterns.Dir != "/etc/pforge/patterns" || !cfg.Patterns.Watch {
		t.Errorf("unexpected patterns section: %+v", cfg.Patterns)
	}
	if cfg.Execution.Runner != RunnerSSH || cfg.Execution.MaxConcurrency != 8 {
		t.Errorf("unexpected execution section: %+v", cfg.Execution)
	}
	if cfg.Execution.GlobalTimeout.Std() != 45*time.Minute {
		t.Errorf("expected global timeout 45m, got %v", cfg.Execution.GlobalTimeout)
	}
	if cfg.SSH.ConnectionTimeout.Std() != 10*time.Second {
		t.Errorf("expected connection timeout 10s, got %v", cfg.SSH.ConnectionTimeout)
	}
	// untouched fields keep their defaults
	if cfg.Execution.TimeoutSeconds != 300 || cfg.SSH.Port != 22 {
		t.Errorf("expected defaults for unset fields, got timeout %d port %d",
			cfg.Execution.TimeoutSeconds, cfg.SSH.Port)
	}

	req := cfg.Request("/srv/app")
	if req.ProjectPath != "/srv/app" || req.TargetEnvironment != "staging" {
		t.Errorf("unexpected request target: %+v", req)
	}
	if req.MaxIterations != 5 || !req.AutoFix || !req.Options.Strict {
		t.Errorf("unexpected loop settings: %+v", req)
	}
	if req.Options.Validation.CheckTimeout != 90*time.Second {
		t.Errorf("expected check timeout 90s, got %v", req.Options.Validation.CheckTimeout)
	}
	if req.Options.Policy.MaxConcurrency != 8 || !req.Options.Policy.AbortOnCritical {
		t.Errorf("unexpected execution policy: %+v", req.Options.Policy)
	}
}

func TestLoader_CUE(t *testing.T) {
	l := newTestLoader(t, nil)

	src := `
package pforge

detection: {
	threshold: 0.8
	skip_dirs: [".git", "dist"]
}
telemetry: logging: {
	level:  "debug"
	format: "json"
}
policy: approval_environments: ["prod", "staging"]
`
	cfg, err := l.LoadBytes([]byte(src), "pforge.cue")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	opts := cfg.DetectorOptions()
	if opts.Threshold != 0.8 || !reflect.DeepEqual(opts.SkipDirs, []string{".git", "dist"}) {
		t.Errorf("unexpected detector options: %+v", opts)
	}
	if opts.MaxDepth != 4 {
		t.Errorf("expected default max depth 4, got %d", opts.MaxDepth)
	}

	tc := cfg.ToTelemetry("1.2.3", "staging")
	if err := tc.Validate(); err != nil {
		t.Errorf("telemetry config invalid: %v", err)
	}
	if tc.Logging.Level != "debug" || tc.Logging.Format != "json" || tc.ServiceVersion != "1.2.3" {
		t.Errorf("unexpected telemetry config: %+v", tc.Logging)
	}
	if !reflect.DeepEqual(cfg.Policy.ApprovalEnvironments, []string{"prod", "staging"}) {
		t.Errorf("unexpected approval environments: %v", cfg.Policy.ApprovalEnvironments)
	}
}

func TestLoader_Rejects(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		src      string
		env      map[string]string
		errPath  string
	}{
		{
			name:     "unknown yaml field",
			filename: "pforge.yaml",
			src:      "execution:\n  runners: ssh\n",
			errPath:  "execution.runners",
		},
		{
			name:     "unknown section",
			filename: "pforge.cue",
			src:      `scheduler: workers: 4`,
			errPath:  "scheduler",
		},
		{
			name:     "duration as a number",
			filename: "pforge.yaml",
			src:      "validation:\n  check_timeout: 60\n",
			errPath:  "validation.check_timeout",
		},
		{
			name:     "ssh runner without host",
			filename: "pforge.yaml",
			src:      "execution:\n  runner: ssh\nssh:\n  user: deploy\n",
			errPath:  "ssh.host",
		},
		{
			name:     "password auth without password",
			filename: "pforge.yaml",
			src:      "execution:\n  runner: ssh\nssh:\n  host: h\n  user: u\n  auth_method: password\n",
			errPath:  "ssh.auth_method",
		},
		{
			name:     "proxy without user",
			filename: "pforge.yaml",
			src:      "ssh:\n  proxy_host: bastion\n",
			errPath:  "ssh.proxy_user",
		},
		{
			name:     "fallback without key",
			filename: "pforge.yaml",
			src:      "fallback:\n  enabled: true\n",
			errPath:  "fallback.api_key",
		},
		{
			name:     "otlp without endpoint",
			filename: "pforge.yaml",
			src:      "telemetry:\n  tracing:\n    enabled: true\n    exporter: otlp\n    endpoint: \"\"\n",
			errPath:  "telemetry.tracing.endpoint",
		},
		{
			name:     "yaml syntax error",
			filename: "pforge.yaml",
			src:      "execution: [\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestLoader(t, tt.env)
			_, err := l.LoadBytes([]byte(tt.src), tt.filename)
			if err == nil {
				t.Fatal("expected an error")
			}
			requireLoadError(t, err, tt.errPath)
			if !strings.Contains(err.Error(), tt.filename) {
				t.Errorf("expected the file name in %v", err)
			}
		})
	}
}

func TestLoader_EnvOverrides(t *testing.T) {
	l := newTestLoader(t, map[string]string{
		EnvOpenAIAPIKey:     "sk-test",
		EnvSSHPassword:      "hunter2",
		EnvSSHKeyPassphrase: "phrase",
	})

	src := `
fallback:
  enabled: true
execution:
  runner: ssh
ssh:
  host: deploy.example.com
  user: deploy
  auth_method: password
  known_hosts_path: /etc/ssh/known_hosts
`
	cfg, err := l.LoadBytes([]byte(src), "pforge.yaml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.FallbackOptions().APIKey != "sk-test" {
		t.Errorf("expected the API key from the environment, got %q", cfg.Fallback.APIKey)
	}

	sc := cfg.SSHOptions()
	if sc.Password != "hunter2" || sc.PrivateKeyPassphrase != "phrase" {
		t.Error("expected SSH secrets from the environment")
	}
	if sc.AuthMethod != ssh.AuthMethodPassword || sc.KnownHostsPath != "/etc/ssh/known_hosts" {
		t.Errorf("unexpected ssh config: %+v", sc)
	}
	if err := sc.Validate(); err != nil {
		t.Errorf("mapped ssh config is invalid: %v", err)
	}

	// secrets never reach the rendered file
	data, err := Marshal(cfg, "pforge.yaml")
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	for _, secret := range []string{"sk-test", "hunter2", "phrase"} {
		if strings.Contains(string(data), secret) {
			t.Errorf("rendered config leaks %q", secret)
		}
	}
}

func TestLoader_Mappings(t *testing.T) {
	cfg := Default()

	defaults := cfg.CompilerDefaults()
	if defaults.RetryBackoffSeconds != 5 || defaults.TimeoutSeconds != 300 || defaults.MaxRetries != 0 {
		t.Errorf("unexpected compiler defaults: %+v", defaults)
	}

	policy := cfg.ExecutionPolicy()
	if policy.GlobalTimeout != 30*time.Minute || policy.MaxConcurrency != 4 {
		t.Errorf("unexpected execution policy: %+v", policy)
	}

	sc := cfg.StoreOptions()
	if sc.Path != ".pforge/history.db" || sc.ConnMaxLifetime != 5*time.Minute {
		t.Errorf("unexpected store config: %+v", sc)
	}

	vo := cfg.ValidationOptions()
	if vo.CheckTimeout != time.Minute || vo.Concurrency != 4 {
		t.Errorf("unexpected validation options: %+v", vo)
	}

	if err := cfg.ToTelemetry("", "").Validate(); err != nil {
		t.Errorf("default telemetry config invalid: %v", err)
	}
}

func TestWriteDefault(t *testing.T) {
	l := newTestLoader(t, nil)

	for _, name := range []string{"pforge.yaml", "pforge.cue"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), ".pforge", name)

			if err := WriteDefault(path, false); err != nil {
				t.Fatalf("write failed: %v", err)
			}

			cfg, err := l.Load(path)
			if err != nil {
				data, _ := os.ReadFile(path)
				t.Fatalf("written config does not load: %v\n%s", err, data)
			}
			if !reflect.DeepEqual(cfg, Default()) {
				t.Errorf("round trip changed the config\n got: %+v\nwant: %+v", cfg, Default())
			}

			err = WriteDefault(path, false)
			if !engine.HasCode(err, engine.ErrCodeAlreadyExists) {
				t.Errorf("expected ALREADY_EXISTS, got %v", err)
			}
			if err := WriteDefault(path, true); err != nil {
				t.Errorf("overwrite failed: %v", err)
			}
		})
	}
}

func TestFind(t *testing.T) {
	dir := t.TempDir()

	if _, ok := Find(dir); ok {
		t.Fatal("expected no config in an empty directory")
	}

	for _, name := range []string{"pforge.yml", "pforge.cue"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0644); err != nil {
			t.Fatalf("failed to write %s: %v", name, err)
		}
	}

	path, ok := Find(dir)
	if !ok || filepath.Base(path) != "pforge.cue" {
		t.Errorf("expected pforge.cue to win, got %s", path)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "pforge.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected a not-exist error, got %v", err)
	}
}
