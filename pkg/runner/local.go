package runner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/patternforge/patternforge/pkg/engine"
)

// ExitCommandNotFound is the shell's exit status for an unknown command. It is
// an ordinary command failure; missing tools are caught by Preflight.
const ExitCommandNotFound = 127

// DefaultInheritEnv lists the variables a local command inherits. A trailing
// "*" matches a prefix.
var DefaultInheritEnv = []string{
	"PATH", "HOME", "USER", "LANG", "TMPDIR", "TERM",
	"KUBECONFIG", "DOCKER_HOST", "DOCKER_CONFIG",
	"AWS_*", "GOOGLE_*", "CLOUDSDK_*", "AZURE_*", "ARM_*",
}

// DefaultMaxOutput caps the captured bytes per stream.
const DefaultMaxOutput = 1 << 20

// Local runs commands as child processes of this host through a shell.
type Local struct {
	shell     string
	dir       string
	inherit   []string
	maxOutput int
	waitDelay time.Duration
	logger    zerolog.Logger
	lookupEnv func() []string
}

// LocalOption configures a Local runner.
type LocalOption func(*Local)

// WithShell sets the shell used to run commands (default /bin/sh).
func WithShell(shell string) LocalOption {
	return func(l *Local) {
		l.shell = shell
	}
}

// WithDir sets the default working directory.
func WithDir(dir string) LocalOption {
	return func(l *Local) {
		l.dir = dir
	}
}

// WithInheritEnv sets which variables of this process commands inherit.
func WithInheritEnv(names []string) LocalOption {
	return func(l *Local) {
		l.inherit = names
	}
}

// WithMaxOutput caps the captured bytes per stream.
func WithMaxOutput(n int) LocalOption {
	return func(l *Local) {
		l.maxOutput = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) LocalOption {
	return func(l *Local) {
		l.logger = logger.With().Str("component", "local-runner").Logger()
	}
}

// NewLocal creates a local runner.
func NewLocal(opts ...LocalOption) *Local {
	l := &Local{
		shell:     "/bin/sh",
		inherit:   DefaultInheritEnv,
		maxOutput: DefaultMaxOutput,
		waitDelay: 2 * time.Second,
		logger:    zerolog.Nop(),
		lookupEnv: os.Environ,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run executes req.Command with the shell and waits for it to exit. When ctx
// is done the whole process group is killed. Only a missing shell is a
// connectivity error; a command the shell cannot find exits 127 like any
// other failure, so fail-safe tasks and low-severity checks stay non-blocking.
func (l *Local) Run(ctx context.Context, req engine.CommandRequest) (*engine.CommandResult, error) {
	if req.Command == "" {
		return nil, engine.NewPermanentError("command is required", nil).WithCode(engine.ErrCodeValidation)
	}

	cmd := exec.CommandContext(ctx, l.shell, "-c", req.Command)
	cmd.Dir = l.dir
	if req.Dir != "" {
		cmd.Dir = req.Dir
	}
	cmd.Env = l.environ(req.Env)
	setProcessGroup(cmd)
	cmd.WaitDelay = l.waitDelay

	stdout := &limitedBuffer{limit: l.maxOutput}
	stderr := &limitedBuffer{limit: l.maxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	l.logger.Debug().Str("task", req.TaskID).Str("command", req.Command).Msg("Running command")

	start := time.Now()
	err := cmd.Run()
	result := &engine.CommandResult{
		ExitCode: 0,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(err, &exitErr):
			result.ExitCode = exitErr.ExitCode()
		case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
			return nil, engine.NewConnectivityError(fmt.Sprintf("shell %s not available", l.shell), err).
				WithResource(req.TaskID)
		case ctx.Err() != nil:
			result.ExitCode = -1
			return result, nil
		default:
			return nil, fmt.Errorf("failed to execute command: %w", err)
		}
	}

	if result.ExitCode == ExitCommandNotFound {
		l.logger.Warn().
			Str("task", req.TaskID).
			Str("tool", firstWord(req.Command)).
			Msg("Command not found on this host")
	}

	return result, nil
}

// Preflight verifies the named CLIs are installed.
func (l *Local) Preflight(tools ...string) error {
	var missing []string
	for _, tool := range tools {
		if _, err := exec.LookPath(tool); err != nil {
			missing = append(missing, tool)
		}
	}
	if len(missing) > 0 {
		return engine.NewConnectivityError(
			fmt.Sprintf("required tools not found: %s", strings.Join(missing, ", ")), nil)
	}
	return nil
}

// environ builds the child environment from the inherit list plus extra.
func (l *Local) environ(extra map[string]string) []string {
	vars := make(map[string]string)
	for _, kv := range l.lookupEnv() {
		name, value, ok := strings.Cut(kv, "=")
		if ok && inherits(l.inherit, name) {
			vars[name] = value
		}
	}
	for k, v := range extra {
		vars[k] = v
	}

	env := make([]string, 0, len(vars))
	for k, v := range vars {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

func inherits(names []string, name string) bool {
	for _, n := range names {
		if prefix, ok := strings.CutSuffix(n, "*"); ok {
			if strings.HasPrefix(name, prefix) {
				return true
			}
		} else if n == name {
			return true
		}
	}
	return false
}

func firstWord(cmd string) string {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return cmd
	}
	return fields[0]
}

// limitedBuffer keeps the first limit bytes written and discards the rest.
type limitedBuffer struct {
	buf       []byte
	limit     int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	room := b.limit - len(b.buf)
	if room > 0 {
		if len(p) > room {
			b.buf = append(b.buf, p[:room]...)
			b.truncated = true
		} else {
			b.buf = append(b.buf, p...)
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	if b.truncated {
		return string(b.buf) + "\n[output truncated]"
	}
	return string(b.buf)
}
