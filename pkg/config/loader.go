package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"cuelang.org/go/cue/ast"
	"cuelang.org/go/cue/format"
	cuejson "cuelang.org/go/encoding/json"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/patternforge/patternforge/pkg/engine"
)

// Environment variables read on top of the file.
const (
	EnvOpenAIAPIKey     = "PFORGE_OPENAI_API_KEY"
	EnvSSHPassword      = "PFORGE_SSH_PASSWORD"
	EnvSSHKeyPassphrase = "PFORGE_SSH_KEY_PASSPHRASE"
)

// FileNames are the configuration files Find looks for, in order.
var FileNames = []string{"pforge.cue", "pforge.yaml", "pforge.yml"}

// ValidationError describes one problem in a configuration file.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// LoadError collects every problem found in one file.
type LoadError struct {
	File   string
	Errors []ValidationError
}

// Error implements the error interface.
func (e *LoadError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("invalid configuration %s", e.File)
	}
	msgs := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		msgs[i] = ve.Error()
	}
	return strings.Join(msgs, "; ")
}

// Loader reads configuration files. CUE and YAML documents are both
// unified with the #Config schema, so defaults and constraints are the
// same for either format.
type Loader struct {
	registry *SchemaRegistry
	validate *validator.Validate
	getenv   func(string) string
}

// NewLoader creates a loader reading overrides from the process environment.
func NewLoader() (*Loader, error) {
	registry, err := NewSchemaRegistry()
	if err != nil {
		return nil, err
	}

	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Loader{registry: registry, validate: v, getenv: os.Getenv}, nil
}

// Load reads the file at path. ".cue" files are compiled as CUE, anything
// else is read as YAML (which includes JSON).
func Load(path string) (*Config, error) {
	l, err := NewLoader()
	if err != nil {
		return nil, err
	}
	return l.Load(path)
}

// Load reads the file at path.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return l.LoadBytes(data, path)
}

// LoadBytes parses data; filename selects the format and labels errors.
func (l *Loader) LoadBytes(data []byte, filename string) (*Config, error) {
	var (
		exported []byte
		err      error
	)

	if strings.EqualFold(filepath.Ext(filename), ".cue") {
		exported, err = l.registry.ValidateCUE(ConfigSchemaName, filename, data)
	} else {
		var doc interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, invalid(filename, &LoadError{
				File:   filename,
				Errors: []ValidationError{{File: filename, Message: err.Error()}},
			})
		}
		if doc == nil {
			doc = map[string]interface{}{}
		}
		exported, err = l.registry.ValidateAgainstSchema(ConfigSchemaName, filename, doc)
	}
	if err != nil {
		return nil, invalid(filename, err)
	}

	cfg := &Config{}
	dec := json.NewDecoder(bytes.NewReader(exported))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, invalid(filename, fmt.Errorf("failed to decode config: %w", err))
	}

	l.applyEnv(cfg)

	if err := l.Validate(cfg); err != nil {
		var le *LoadError
		if errors.As(err, &le) {
			le.File = filename
			for i := range le.Errors {
				le.Errors[i].File = filename
			}
		}
		return nil, invalid(filename, err)
	}
	return cfg, nil
}

// LoadDefault returns Default with the environment overrides applied.
func (l *Loader) LoadDefault() *Config {
	cfg := Default()
	l.applyEnv(cfg)
	return cfg
}

// Validate checks struct constraints and the rules that span sections.
func (l *Loader) Validate(cfg *Config) error {
	var errs []ValidationError

	if err := l.validate.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		for _, fe := range fieldErrs {
			errs = append(errs, ValidationError{
				Path:    strings.TrimPrefix(fe.Namespace(), "Config."),
				Message: fmt.Sprintf("failed on the '%s' rule", fe.Tag()),
			})
		}
	}

	if cfg.Execution.Runner == RunnerSSH {
		if cfg.SSH.Host == "" {
			errs = append(errs, ValidationError{Path: "ssh.host", Message: "required when execution.runner is ssh"})
		}
		if cfg.SSH.User == "" {
			errs = append(errs, ValidationError{Path: "ssh.user", Message: "required when execution.runner is ssh"})
		}
		if cfg.SSH.AuthMethod == "password" && cfg.SSH.password == "" {
			errs = append(errs, ValidationError{Path: "ssh.auth_method", Message: "password auth needs " + EnvSSHPassword})
		}
	}
	if cfg.SSH.ProxyHost != "" && cfg.SSH.ProxyUser == "" {
		errs = append(errs, ValidationError{Path: "ssh.proxy_user", Message: "required when ssh.proxy_host is set"})
	}
	if cfg.Fallback.Enabled && cfg.Fallback.APIKey == "" && cfg.Fallback.BaseURL == "" {
		errs = append(errs, ValidationError{Path: "fallback.api_key", Message: "set " + EnvOpenAIAPIKey + " or fallback.base_url"})
	}
	if t := cfg.Telemetry.Tracing; t.Enabled && t.Exporter == "otlp" && t.Endpoint == "" {
		errs = append(errs, ValidationError{Path: "telemetry.tracing.endpoint", Message: "required by the otlp exporter"})
	}

	if len(errs) > 0 {
		return &LoadError{Errors: errs}
	}
	return nil
}

func (l *Loader) applyEnv(cfg *Config) {
	if key := l.getenv(EnvOpenAIAPIKey); key != "" {
		cfg.Fallback.APIKey = key
	}
	if pw := l.getenv(EnvSSHPassword); pw != "" {
		cfg.SSH.password = pw
	}
	if pp := l.getenv(EnvSSHKeyPassphrase); pp != "" {
		cfg.SSH.passphrase = pp
	}
}

// Find returns the first configuration file of FileNames inside dir.
func Find(dir string) (string, bool) {
	for _, name := range FileNames {
		p := filepath.Join(dir, name)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, true
		}
	}
	return "", false
}

// Marshal renders cfg as CUE when filename ends in ".cue", as YAML otherwise.
// Secrets read from the environment are never written.
func Marshal(cfg *Config, filename string) ([]byte, error) {
	out := *cfg
	out.Fallback.APIKey = ""

	if !strings.EqualFold(filepath.Ext(filename), ".cue") {
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(&out); err != nil {
			return nil, fmt.Errorf("failed to encode config: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("failed to encode config: %w", err)
		}
		return buf.Bytes(), nil
	}

	data, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	expr, err := cuejson.Extract(filename, data)
	if err != nil {
		return nil, fmt.Errorf("failed to convert config to CUE: %w", err)
	}
	var node ast.Node = expr
	if lit, ok := expr.(*ast.StructLit); ok {
		node = &ast.File{Decls: lit.Elts}
	}
	return format.Node(node, format.Simplify())
}

// WriteDefault writes the default configuration to path. An existing file
// is only replaced when overwrite is set.
func WriteDefault(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return engine.NewConflictError(fmt.Sprintf("config %s already exists", path), nil).
				WithCode(engine.ErrCodeAlreadyExists)
		}
	}

	data, err := Marshal(Default(), path)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return nil
}

func invalid(file string, err error) error {
	return engine.NewPermanentError(fmt.Sprintf("invalid configuration %s", file), err).
		WithCode(engine.ErrCodeValidation)
}
