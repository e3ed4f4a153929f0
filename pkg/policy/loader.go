package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/patternforge/patternforge/pkg/engine"
)

// reloadDelay debounces bursts of file events.
const reloadDelay = 500 * time.Millisecond

// Loader reads policy files and watches them for changes.
type Loader struct {
	logger zerolog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

// NewLoader creates a loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
	}
}

// LoadFromPaths loads policies from files and directories. Directories are
// walked recursively for .rego and .json files. Any unreadable or malformed
// file fails the whole load.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	policies := make([]Policy, 0)
	seen := make(map[string]string)

	for _, path := range paths {
		files, err := policyFiles(path)
		if err != nil {
			return nil, err
		}
		for _, file := range files {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			p, err := l.LoadFile(file)
			if err != nil {
				return nil, err
			}
			if prev, ok := seen[p.Name]; ok {
				return nil, engine.NewConflictError(
					fmt.Sprintf("policy %s defined in both %s and %s", p.Name, prev, file), nil).
					WithCode(engine.ErrCodeAlreadyExists)
			}
			seen[p.Name] = file
			policies = append(policies, *p)
		}
	}

	l.logger.Debug().Int("policies", len(policies)).Int("paths", len(paths)).Msg("Policy files loaded")
	return policies, nil
}

// policyFiles lists the policy files at path in lexical order.
func policyFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat policy path: %w", err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && isPolicyFile(p) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk policy directory: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

func isPolicyFile(path string) bool {
	return strings.HasSuffix(path, ".rego") || strings.HasSuffix(path, ".json")
}

// LoadFile loads one .rego or .json policy file.
func (l *Loader) LoadFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var p *Policy
	switch {
	case strings.HasSuffix(path, ".rego"):
		p = parseRego(path, data)
	case strings.HasSuffix(path, ".json"):
		p, err = parseJSON(path, data)
		if err != nil {
			return nil, err
		}
	default:
		return nil, engine.NewPermanentError(fmt.Sprintf("unsupported policy file: %s", path), nil).
			WithCode(engine.ErrCodeValidation)
	}

	p.Source = path
	p.Builtin = false
	return p, nil
}

// parseRego builds a policy from a .rego file. The file name is the policy
// name and the leading comment block is its description. A
// "# severity: <level>" comment line sets the default severity.
func parseRego(path string, data []byte) *Policy {
	var description []string
	severity := SeverityError

	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if len(description) > 0 {
				break
			}
			continue
		}
		if !strings.HasPrefix(trimmed, "#") {
			break
		}
		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		if s, ok := strings.CutPrefix(comment, "severity:"); ok {
			severity = Severity(strings.TrimSpace(s))
			continue
		}
		if comment != "" {
			description = append(description, comment)
		}
	}

	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: strings.Join(description, " "),
		Rego:        string(data),
		Severity:    severity,
		Enabled:     true,
		Tags:        []string{},
	}
}

// parseJSON builds a policy from a JSON definition with the Rego inline.
func parseJSON(path string, data []byte) (*Policy, error) {
	p := Policy{Enabled: true}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, engine.NewPermanentError(fmt.Sprintf("malformed policy file %s", path), err).
			WithCode(engine.ErrCodeValidation)
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), ".json")
	}
	if p.Rego == "" {
		return nil, engine.NewPermanentError(fmt.Sprintf("policy file %s has no rego", path), nil).
			WithCode(engine.ErrCodeValidation)
	}
	if p.Severity == "" {
		p.Severity = SeverityError
	}
	return &p, nil
}

// Watch calls reload with the freshly loaded policies whenever a policy file
// under paths is written, created, removed or renamed. Events are debounced.
// Watching stops when ctx is cancelled.
func (l *Loader) Watch(ctx context.Context, paths []string, reload func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, path := range paths {
		if err := addRecursive(watcher, path); err != nil {
			_ = watcher.Close()
			return err
		}
	}

	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	go l.processEvents(ctx, watcher, paths, reload)

	l.logger.Info().Strs("paths", paths).Msg("Watching policy files")
	return nil
}

func addRecursive(watcher *fsnotify.Watcher, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat policy path: %w", err)
	}
	if !info.IsDir() {
		return watcher.Add(filepath.Dir(path))
	}
	return filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(p)
		}
		return nil
	})
}

func (l *Loader) processEvents(ctx context.Context, watcher *fsnotify.Watcher, paths []string, reload func([]Policy) error) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
		_ = watcher.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !isPolicyFile(event.Name) ||
				event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			l.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Policy file changed")

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDelay, func() {
				policies, err := l.LoadFromPaths(ctx, paths)
				if err == nil {
					err = reload(policies)
				}
				if err != nil {
					l.logger.Error().Err(err).Msg("Policy reload failed, keeping previous policies")
					return
				}
				l.logger.Info().Int("count", len(policies)).Msg("Policies reloaded")
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}

// StopWatching stops the active watch, if any.
func (l *Loader) StopWatching() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.watcher == nil {
		return nil
	}
	err := l.watcher.Close()
	l.watcher = nil
	return err
}
