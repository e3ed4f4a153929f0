package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/patternforge/patternforge/pkg/bootstrap"
	"github.com/patternforge/patternforge/pkg/compiler"
	"github.com/patternforge/patternforge/pkg/detector"
	"github.com/patternforge/patternforge/pkg/engine"
	"github.com/patternforge/patternforge/pkg/fallback"
	"github.com/patternforge/patternforge/pkg/stores"
	"github.com/patternforge/patternforge/pkg/telemetry"
	"github.com/patternforge/patternforge/pkg/transports/ssh"
	"github.com/patternforge/patternforge/pkg/validation"
)

// Runner names.
const (
	RunnerLocal = "local"
	RunnerSSH   = "ssh"
)

// Config is the pforge configuration file.
type Config struct {
	Patterns   PatternsConfig   `json:"patterns" yaml:"patterns"`
	Detection  DetectionConfig  `json:"detection" yaml:"detection"`
	Execution  ExecutionConfig  `json:"execution" yaml:"execution"`
	Loop       LoopConfig       `json:"loop" yaml:"loop"`
	Validation ValidationConfig `json:"validation" yaml:"validation"`
	Store      StoreConfig      `json:"store" yaml:"store"`
	Telemetry  TelemetryConfig  `json:"telemetry" yaml:"telemetry"`
	Fallback   FallbackConfig   `json:"fallback" yaml:"fallback"`
	SSH        SSHConfig        `json:"ssh" yaml:"ssh"`
	Policy     PolicyConfig     `json:"policy" yaml:"policy"`
}

// PatternsConfig locates the pattern library.
type PatternsConfig struct {
	// Dir holds the pattern files.
	Dir string `json:"dir" yaml:"dir" validate:"required"`

	// Watch reloads the library when files change.
	Watch bool `json:"watch" yaml:"watch"`
}

// DetectionConfig tunes the platform detector.
type DetectionConfig struct {
	Threshold   float64  `json:"threshold" yaml:"threshold" validate:"gte=0,lte=1"`
	MaxDepth    int      `json:"max_depth" yaml:"max_depth" validate:"gte=1"`
	MaxFileSize int64    `json:"max_file_size" yaml:"max_file_size" validate:"gte=1"`
	SkipDirs    []string `json:"skip_dirs" yaml:"skip_dirs"`
	Concurrency int      `json:"concurrency" yaml:"concurrency" validate:"gte=1"`
}

// ExecutionConfig selects the command runner and bounds each execution.
type ExecutionConfig struct {
	// Runner is "local" or "ssh".
	Runner string `json:"runner" yaml:"runner" validate:"oneof=local ssh"`

	// Shell runs every command (e.g., "/bin/sh").
	Shell string `json:"shell" yaml:"shell" validate:"required"`

	MaxConcurrency  int      `json:"max_concurrency" yaml:"max_concurrency" validate:"gte=1"`
	GlobalTimeout   Duration `json:"global_timeout" yaml:"global_timeout"`
	AbortOnCritical bool     `json:"abort_on_critical" yaml:"abort_on_critical"`

	// Command defaults for fields a pattern leaves unset.
	MaxRetries          int `json:"max_retries" yaml:"max_retries" validate:"gte=0"`
	RetryBackoffSeconds int `json:"retry_backoff_seconds" yaml:"retry_backoff_seconds" validate:"gte=0"`
	TimeoutSeconds      int `json:"timeout_seconds" yaml:"timeout_seconds" validate:"gte=1"`
}

// LoopConfig holds the bootstrap loop defaults. CLI flags override them.
type LoopConfig struct {
	MaxIterations int    `json:"max_iterations" yaml:"max_iterations" validate:"gte=1"`
	AutoFix       bool   `json:"auto_fix" yaml:"auto_fix"`
	Environment   string `json:"environment" yaml:"environment" validate:"required"`
	ArtifactsDir  string `json:"artifacts_dir" yaml:"artifacts_dir" validate:"required"`
}

// ValidationConfig tunes the post-deploy checks.
type ValidationConfig struct {
	Strict       bool     `json:"strict" yaml:"strict"`
	Concurrency  int      `json:"concurrency" yaml:"concurrency" validate:"gte=1"`
	CheckTimeout Duration `json:"check_timeout" yaml:"check_timeout"`
}

// StoreConfig configures the run history database.
type StoreConfig struct {
	// Path of the SQLite file. ":memory:" keeps history in memory.
	Path            string   `json:"path" yaml:"path" validate:"required"`
	MaxOpenConns    int      `json:"max_open_conns" yaml:"max_open_conns" validate:"gte=1"`
	MaxIdleConns    int      `json:"max_idle_conns" yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// TelemetryConfig is the subset of the telemetry settings a user edits.
type TelemetryConfig struct {
	ServiceName string `json:"service_name" yaml:"service_name" validate:"required"`

	Logging struct {
		Level  string `json:"level" yaml:"level" validate:"oneof=trace debug info warn error fatal"`
		Format string `json:"format" yaml:"format" validate:"oneof=console json"`
		Output string `json:"output" yaml:"output" validate:"required"`
	} `json:"logging" yaml:"logging"`

	Tracing struct {
		Enabled      bool    `json:"enabled" yaml:"enabled"`
		Exporter     string  `json:"exporter" yaml:"exporter" validate:"oneof=otlp stdout none"`
		Endpoint     string  `json:"endpoint" yaml:"endpoint"`
		SamplingRate float64 `json:"sampling_rate" yaml:"sampling_rate" validate:"gte=0,lte=1"`
		Insecure     bool    `json:"insecure" yaml:"insecure"`
	} `json:"tracing" yaml:"tracing"`

	Metrics struct {
		Enabled       bool   `json:"enabled" yaml:"enabled"`
		ListenAddress string `json:"listen_address" yaml:"listen_address"`
		Path          string `json:"path" yaml:"path"`
		Namespace     string `json:"namespace" yaml:"namespace" validate:"required"`
	} `json:"metrics" yaml:"metrics"`

	Events struct {
		Enabled    bool `json:"enabled" yaml:"enabled"`
		BufferSize int  `json:"buffer_size" yaml:"buffer_size" validate:"gte=1"`
	} `json:"events" yaml:"events"`
}

// FallbackConfig configures the AI plan generator.
type FallbackConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// APIKey is normally supplied through PFORGE_OPENAI_API_KEY.
	APIKey      string  `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	BaseURL     string  `json:"base_url,omitempty" yaml:"base_url,omitempty" validate:"omitempty,url"`
	Model       string  `json:"model" yaml:"model" validate:"required"`
	Temperature float32 `json:"temperature" yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens   int     `json:"max_tokens" yaml:"max_tokens" validate:"gte=0"`
	MaxAttempts int     `json:"max_attempts" yaml:"max_attempts" validate:"gte=1"`
}

// SSHConfig configures the remote runner. Secrets come from the environment.
type SSHConfig struct {
	Host                  string   `json:"host" yaml:"host"`
	Port                  int      `json:"port" yaml:"port" validate:"gte=1,lte=65535"`
	User                  string   `json:"user" yaml:"user"`
	AuthMethod            string   `json:"auth_method" yaml:"auth_method" validate:"oneof=password key agent"`
	PrivateKeyPath        string   `json:"private_key_path" yaml:"private_key_path"`
	AgentSocket           string   `json:"agent_socket" yaml:"agent_socket"`
	KnownHostsPath        string   `json:"known_hosts_path" yaml:"known_hosts_path"`
	StrictHostKeyChecking bool     `json:"strict_host_key_checking" yaml:"strict_host_key_checking"`
	ConnectionTimeout     Duration `json:"connection_timeout" yaml:"connection_timeout"`
	KeepAliveInterval     Duration `json:"keep_alive_interval" yaml:"keep_alive_interval"`
	WorkDir               string   `json:"work_dir" yaml:"work_dir"`
	ArtifactDir           string   `json:"artifact_dir" yaml:"artifact_dir"`
	ProxyHost             string   `json:"proxy_host" yaml:"proxy_host"`
	ProxyPort             int      `json:"proxy_port" yaml:"proxy_port" validate:"gte=1,lte=65535"`
	ProxyUser             string   `json:"proxy_user" yaml:"proxy_user"`
	ProxyPrivateKeyPath   string   `json:"proxy_private_key_path" yaml:"proxy_private_key_path"`

	// filled from the environment, never written to disk
	password   string
	passphrase string
}

// PolicyConfig configures the OPA policy engine.
type PolicyConfig struct {
	// Enabled evaluates Rego policies. Otherwise approval falls back to the
	// environment list below and commands are not guarded.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Paths are extra .rego files or directories.
	Paths []string `json:"paths" yaml:"paths"`

	// Disabled names built-in policies to switch off.
	Disabled []string `json:"disabled" yaml:"disabled"`

	// Watch reloads Paths when they change.
	Watch bool `json:"watch" yaml:"watch"`

	// ApprovalEnvironments need human approval when the policy engine is off.
	ApprovalEnvironments []string `json:"approval_environments" yaml:"approval_environments"`
}

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// String implements fmt.Stringer.
func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Default returns the configuration pforge runs with when no file exists.
func Default() *Config {
	cfg := &Config{
		Patterns: PatternsConfig{Dir: "patterns"},
		Detection: DetectionConfig{
			Threshold:   detector.DefaultThreshold,
			MaxDepth:    detector.DefaultMaxDepth,
			MaxFileSize: detector.DefaultMaxFileSize,
			SkipDirs:    append([]string(nil), detector.DefaultSkipDirs...),
			Concurrency: detector.DefaultConcurrency,
		},
		Execution: ExecutionConfig{
			Runner:              RunnerLocal,
			Shell:               "/bin/sh",
			MaxConcurrency:      engine.DefaultMaxConcurrency,
			GlobalTimeout:       Duration(30 * time.Minute),
			AbortOnCritical:     true,
			MaxRetries:          0,
			RetryBackoffSeconds: 5,
			TimeoutSeconds:      300,
		},
		Loop: LoopConfig{
			MaxIterations: bootstrap.DefaultMaxIterations,
			AutoFix:       false,
			Environment:   "development",
			ArtifactsDir:  ".pforge/artifacts",
		},
		Validation: ValidationConfig{
			Concurrency:  validation.DefaultConcurrency,
			CheckTimeout: Duration(validation.DefaultCheckTimeout),
		},
		Store: StoreConfig{
			Path:            ".pforge/history.db",
			MaxOpenConns:    8,
			MaxIdleConns:    2,
			ConnMaxLifetime: Duration(5 * time.Minute),
		},
		Fallback: FallbackConfig{
			Enabled:     false,
			Model:       fallback.DefaultModel,
			Temperature: 0.2,
			MaxAttempts: 2,
		},
		SSH: SSHConfig{
			Port:                  22,
			AuthMethod:            string(ssh.AuthMethodKey),
			StrictHostKeyChecking: true,
			ConnectionTimeout:     Duration(30 * time.Second),
			ArtifactDir:           "/tmp/pforge",
			ProxyPort:             22,
		},
		Policy: PolicyConfig{
			Enabled:              true,
			Paths:                []string{},
			Disabled:             []string{},
			ApprovalEnvironments: append([]string(nil), bootstrap.DefaultSensitiveEnvironments...),
		},
	}

	t := &cfg.Telemetry
	t.ServiceName = "pforge"
	t.Logging.Level = "info"
	t.Logging.Format = "console"
	t.Logging.Output = "stderr"
	t.Tracing.Exporter = "none"
	t.Tracing.Endpoint = "localhost:4317"
	t.Tracing.SamplingRate = 1.0
	t.Tracing.Insecure = true
	t.Metrics.Enabled = true
	t.Metrics.Path = "/metrics"
	t.Metrics.Namespace = "pforge"
	t.Events.Enabled = true
	t.Events.BufferSize = 1000

	return cfg
}

// Request builds a bootstrap request for projectPath from the loop,
// execution and validation sections. Callers override fields from flags.
func (c *Config) Request(projectPath string) bootstrap.Request {
	return bootstrap.Request{
		ProjectPath:       projectPath,
		TargetEnvironment: c.Loop.Environment,
		MaxIterations:     c.Loop.MaxIterations,
		AutoFix:           c.Loop.AutoFix,
		Options: bootstrap.Options{
			Strict:      c.Validation.Strict,
			ArtifactDir: c.Loop.ArtifactsDir,
			Policy:      c.ExecutionPolicy(),
			Validation:  c.ValidationOptions(),
		},
	}
}

// DetectorOptions maps the detection section.
func (c *Config) DetectorOptions() detector.Options {
	return detector.Options{
		Threshold:   c.Detection.Threshold,
		MaxDepth:    c.Detection.MaxDepth,
		MaxFileSize: c.Detection.MaxFileSize,
		SkipDirs:    append([]string(nil), c.Detection.SkipDirs...),
		Concurrency: c.Detection.Concurrency,
	}
}

// CompilerDefaults maps the command defaults of the execution section.
func (c *Config) CompilerDefaults() compiler.Defaults {
	return compiler.Defaults{
		MaxRetries:          c.Execution.MaxRetries,
		RetryBackoffSeconds: c.Execution.RetryBackoffSeconds,
		TimeoutSeconds:      c.Execution.TimeoutSeconds,
	}
}

// ExecutionPolicy maps the execution section.
func (c *Config) ExecutionPolicy() engine.Policy {
	return engine.Policy{
		MaxConcurrency:  c.Execution.MaxConcurrency,
		GlobalTimeout:   c.Execution.GlobalTimeout.Std(),
		AbortOnCritical: c.Execution.AbortOnCritical,
	}
}

// ValidationOptions maps the validation section.
func (c *Config) ValidationOptions() validation.Options {
	return validation.Options{
		Strict:       c.Validation.Strict,
		Concurrency:  c.Validation.Concurrency,
		CheckTimeout: c.Validation.CheckTimeout.Std(),
	}
}

// StoreOptions maps the store section.
func (c *Config) StoreOptions() stores.Config {
	return stores.Config{
		Path:            c.Store.Path,
		MaxOpenConns:    c.Store.MaxOpenConns,
		MaxIdleConns:    c.Store.MaxIdleConns,
		ConnMaxLifetime: c.Store.ConnMaxLifetime.Std(),
	}
}

// FallbackOptions maps the fallback section.
func (c *Config) FallbackOptions() fallback.Config {
	return fallback.Config{
		APIKey:      c.Fallback.APIKey,
		BaseURL:     c.Fallback.BaseURL,
		Model:       c.Fallback.Model,
		Temperature: c.Fallback.Temperature,
		MaxTokens:   c.Fallback.MaxTokens,
		MaxAttempts: c.Fallback.MaxAttempts,
	}
}

// ToTelemetry overlays the telemetry section on telemetry.DefaultConfig.
func (c *Config) ToTelemetry(version, environment string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	t := c.Telemetry

	tc.ServiceName = t.ServiceName
	if version != "" {
		tc.ServiceVersion = version
	}
	if environment != "" {
		tc.Environment = environment
	}
	tc.Logging.Level = t.Logging.Level
	tc.Logging.Format = t.Logging.Format
	tc.Logging.Output = t.Logging.Output
	tc.Tracing.Enabled = t.Tracing.Enabled
	tc.Tracing.Exporter = t.Tracing.Exporter
	tc.Tracing.Endpoint = t.Tracing.Endpoint
	tc.Tracing.SamplingRate = t.Tracing.SamplingRate
	tc.Tracing.Insecure = t.Tracing.Insecure
	tc.Metrics.Enabled = t.Metrics.Enabled
	tc.Metrics.ListenAddress = t.Metrics.ListenAddress
	if t.Metrics.Path != "" {
		tc.Metrics.Path = t.Metrics.Path
	}
	tc.Metrics.Namespace = t.Metrics.Namespace
	tc.Events.Enabled = t.Events.Enabled
	tc.Events.BufferSize = t.Events.BufferSize
	return tc
}

// SSHOptions maps the ssh section, including secrets read from the
// environment. Empty paths keep the transport defaults.
func (c *Config) SSHOptions() *ssh.Config {
	s := c.SSH
	sc := ssh.DefaultConfig(s.Host, s.User)
	sc.Port = s.Port
	sc.AuthMethod = ssh.AuthMethod(s.AuthMethod)
	sc.Password = s.password
	sc.PrivateKeyPath = s.PrivateKeyPath
	sc.PrivateKeyPassphrase = s.passphrase
	sc.AgentSocket = s.AgentSocket
	if s.KnownHostsPath != "" {
		sc.KnownHostsPath = s.KnownHostsPath
	}
	sc.StrictHostKeyChecking = s.StrictHostKeyChecking
	sc.ConnectionTimeout = s.ConnectionTimeout.Std()
	sc.KeepAliveInterval = s.KeepAliveInterval.Std()
	sc.WorkDir = s.WorkDir
	sc.ArtifactDir = s.ArtifactDir
	sc.ProxyHost = s.ProxyHost
	sc.ProxyPort = s.ProxyPort
	sc.ProxyUser = s.ProxyUser
	sc.ProxyPrivateKeyPath = s.ProxyPrivateKeyPath
	return sc
}
