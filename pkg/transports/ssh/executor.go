package ssh

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/patternforge/patternforge/pkg/engine"
)

// ExitCommandNotFound is the remote shell's exit status for an unknown
// command. It is reported as an ordinary exit code, not a connectivity error.
const ExitCommandNotFound = 127

// DefaultMaxOutput caps the captured bytes per stream.
const DefaultMaxOutput = 1 << 20

// Runner runs task and check commands on the remote host. It implements
// engine.CommandRunner and connects lazily on the first command.
type Runner struct {
	client    *SSHClient
	shell     string
	maxOutput int
	logger    zerolog.Logger

	connectMu sync.Mutex
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithShell sets the remote shell commands are passed to (default /bin/sh).
func WithShell(shell string) RunnerOption {
	return func(r *Runner) { r.shell = shell }
}

// WithMaxOutput caps the captured bytes per stream.
func WithMaxOutput(n int) RunnerOption {
	return func(r *Runner) { r.maxOutput = n }
}

// WithRunnerLogger sets the logger.
func WithRunnerLogger(logger zerolog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger.With().Str("component", "ssh-runner").Logger() }
}

// NewRunner creates a runner over client.
func NewRunner(client *SSHClient, opts ...RunnerOption) *Runner {
	r := &Runner{
		client:    client,
		shell:     "/bin/sh",
		maxOutput: DefaultMaxOutput,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes req.Command on the remote host and waits for it to exit.
// When ctx is done the remote process is killed and the result carries
// exit code -1. A failed connection, a dropped session or a command the
// remote shell cannot find is reported as a connectivity error.
func (r *Runner) Run(ctx context.Context, req engine.CommandRequest) (*engine.CommandResult, error) {
	if req.Command == "" {
		return nil, engine.NewPermanentError("command is required", nil).WithCode(engine.ErrCodeValidation)
	}

	if err := r.ensureConnected(ctx); err != nil {
		return nil, err
	}

	sshClient, err := r.client.getClient()
	if err != nil {
		return nil, r.connectivity(err, req.TaskID)
	}

	session, err := sshClient.NewSession()
	if err != nil {
		return nil, r.connectivity(&TransportError{
			Op:          "execute",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}, req.TaskID)
	}
	defer session.Close()

	stdout := &cappedBuffer{limit: r.maxOutput}
	stderr := &cappedBuffer{limit: r.maxOutput}
	session.Stdout = stdout
	session.Stderr = stderr

	line := r.commandLine(req)
	r.logger.Debug().Str("task", req.TaskID).Str("command", req.Command).Msg("Running remote command")

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- session.Run(line)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		// the session goroutine ends once the server closes the channel
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		return &engine.CommandResult{
			ExitCode: -1,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Duration: time.Since(start),
		}, nil
	case runErr = <-done:
	}

	result := &engine.CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if runErr != nil {
		var exitErr *ssh.ExitError
		var missingErr *ssh.ExitMissingError
		switch {
		case errors.As(runErr, &exitErr):
			result.ExitCode = exitErr.ExitStatus()
		case errors.As(runErr, &missingErr):
			result.ExitCode = -1
		default:
			return nil, r.connectivity(&TransportError{
				Op:          "execute",
				Err:         runErr,
				IsTemporary: true,
			}, req.TaskID)
		}
	}

	if result.ExitCode == ExitCommandNotFound {
		r.logger.Warn().
			Str("host", r.client.config.Host).
			Str("task", req.TaskID).
			Str("tool", firstWord(req.Command)).
			Msg("Command not found on remote host")
	}

	return result, nil
}

// ensureConnected connects the client if it is not connected yet.
func (r *Runner) ensureConnected(ctx context.Context) error {
	r.connectMu.Lock()
	defer r.connectMu.Unlock()

	if r.client.IsConnected() {
		return nil
	}
	if err := r.client.Connect(ctx); err != nil {
		var te *TransportError
		if errors.As(err, &te) {
			return connectivityError(r.client.config.Host, te)
		}
		return engine.NewConnectivityError("ssh connect failed", err)
	}
	return nil
}

func (r *Runner) connectivity(err error, taskID string) error {
	var te *TransportError
	if errors.As(err, &te) {
		return connectivityError(r.client.config.Host, te).WithResource(taskID)
	}
	return engine.NewConnectivityError("ssh command failed", err).WithResource(taskID)
}

// commandLine builds the remote command: exported variables, the working
// directory, then the command passed to the shell.
func (r *Runner) commandLine(req engine.CommandRequest) string {
	var b strings.Builder

	keys := make([]string, 0, len(req.Env))
	for k := range req.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "export %s=%s; ", k, shellQuote(req.Env[k]))
	}

	dir := req.Dir
	if dir == "" {
		dir = r.client.config.WorkDir
	}
	if dir != "" {
		fmt.Fprintf(&b, "cd %s && ", shellQuote(dir))
	}

	b.WriteString(r.shell)
	b.WriteString(" -c ")
	b.WriteString(shellQuote(req.Command))
	return b.String()
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func firstWord(cmd string) string {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return cmd
	}
	return fields[0]
}

// cappedBuffer keeps the first limit bytes written and discards the rest.
type cappedBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if room := b.limit - len(b.buf); room > 0 {
		if len(p) > room {
			b.buf = append(b.buf, p[:room]...)
		} else {
			b.buf = append(b.buf, p...)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
