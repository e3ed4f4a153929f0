package patterns

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/mod/semver"

	"github.com/patternforge/patternforge/pkg/engine"
)

// Store holds the loaded patterns, keyed by (platformType, version).
type Store struct {
	logger   zerolog.Logger
	parser   *Parser
	mu       sync.RWMutex
	patterns map[Key]*Pattern
	sources  map[Key]string
}

// NewStore creates an empty pattern store.
func NewStore(logger zerolog.Logger) (*Store, error) {
	parser, err := NewParser()
	if err != nil {
		return nil, err
	}

	return &Store{
		logger:   logger.With().Str("component", "pattern-store").Logger(),
		parser:   parser,
		patterns: make(map[Key]*Pattern),
		sources:  make(map[Key]string),
	}, nil
}

// Parser returns the parser the store validates with.
func (s *Store) Parser() *Parser {
	return s.parser
}

// LoadDir loads every pattern file under dir. Valid patterns are registered
// even when other files are rejected; the rejections are returned joined.
func (s *Store) LoadDir(ctx context.Context, dir string) (int, error) {
	loaded, sources, loadErr := s.loadDir(ctx, dir)

	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if loadErr != nil {
		errs = append(errs, loadErr)
	}

	count := 0
	for key, p := range loaded {
		if existing, ok := s.sources[key]; ok && existing != sources[key] {
			errs = append(errs, duplicate(key, existing, sources[key]))
			continue
		}
		s.patterns[key] = p
		s.sources[key] = sources[key]
		count++
	}

	s.logger.Info().
		Str("dir", dir).
		Int("loaded", count).
		Int("total", len(s.patterns)).
		Msg("Patterns loaded from directory")

	return count, errors.Join(errs...)
}

// Reload replaces every pattern previously loaded from dir with the current
// contents of dir. Nothing changes if any file is rejected.
func (s *Store) Reload(ctx context.Context, dir string) error {
	loaded, sources, err := s.loadDir(ctx, dir)
	if err != nil {
		return fmt.Errorf("failed to reload patterns from %s: %w", dir, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, source := range s.sources {
		if isUnder(dir, source) {
			delete(s.patterns, key)
			delete(s.sources, key)
		}
	}

	var errs []error
	for key, p := range loaded {
		if existing, ok := s.sources[key]; ok {
			errs = append(errs, duplicate(key, existing, sources[key]))
			continue
		}
		s.patterns[key] = p
		s.sources[key] = sources[key]
	}

	s.logger.Info().
		Str("dir", dir).
		Int("total", len(s.patterns)).
		Msg("Patterns reloaded")

	return errors.Join(errs...)
}

// loadDir parses every pattern file under dir without touching the store.
func (s *Store) loadDir(ctx context.Context, dir string) (map[Key]*Pattern, map[Key]string, error) {
	loaded := make(map[Key]*Pattern)
	sources := make(map[Key]string)
	var errs []error

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}
		if _, ok := FormatFromPath(path); !ok {
			return nil
		}

		p, err := s.LoadFile(path)
		if err != nil {
			s.logger.Warn().Err(err).Str("path", path).Msg("Rejected pattern file")
			errs = append(errs, err)
			return nil
		}

		key := p.Key()
		if existing, ok := sources[key]; ok {
			errs = append(errs, duplicate(key, existing, path))
			return nil
		}
		loaded[key] = p
		sources[key] = path
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to walk pattern directory: %w", err)
	}

	return loaded, sources, errors.Join(errs...)
}

// LoadFile parses and validates a single pattern file without registering it.
func (s *Store) LoadFile(path string) (*Pattern, error) {
	format, ok := FormatFromPath(path)
	if !ok {
		return nil, engine.NewPermanentError(fmt.Sprintf("unsupported pattern file %s", path), nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pattern file: %w", err)
	}

	p, err := s.parser.Parse(data, format, path)
	if err != nil {
		return nil, err
	}

	s.logger.Debug().
		Str("path", path).
		Str("pattern", p.ID).
		Str("key", p.Key().String()).
		Msg("Pattern loaded from file")

	return p, nil
}

// Add validates a pattern built in code and registers it. source labels the
// origin (e.g., "ai-fallback").
func (s *Store) Add(p *Pattern, source string) (*Pattern, error) {
	validated, err := s.parser.ValidateValue(p, source)
	if err != nil {
		return nil, err
	}

	key := validated.Key()

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.sources[key]; ok {
		return nil, duplicate(key, existing, source)
	}
	s.patterns[key] = validated
	s.sources[key] = source

	s.logger.Info().
		Str("pattern", validated.ID).
		Str("key", key.String()).
		Str("source", source).
		Msg("Pattern registered")

	return validated, nil
}

// Get returns the pattern for an exact (platformType, version).
func (s *Store) Get(platformType, version string) (*Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.patterns[Key{PlatformType: platformType, Version: version}]
	if !ok {
		return nil, notFound(fmt.Sprintf("%s@%s", platformType, version))
	}
	return p, nil
}

// Latest returns the highest version registered for a platform type.
// Versions that are not valid semantic versions sort below valid ones.
func (s *Store) Latest(platformType string) (*Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *Pattern
	for key, p := range s.patterns {
		if key.PlatformType != platformType {
			continue
		}
		if best == nil || CompareVersions(p.Version, best.Version) > 0 {
			best = p
		}
	}

	if best == nil {
		return nil, notFound(platformType)
	}
	return best, nil
}

// Resolve looks up "platformType@version", or the latest version when the
// version part is empty.
func (s *Store) Resolve(ref string) (*Pattern, error) {
	key := ParseKey(ref)
	if key.Version == "" {
		return s.Latest(key.PlatformType)
	}
	return s.Get(key.PlatformType, key.Version)
}

// List returns all patterns sorted by platform type and then version.
func (s *Store) List() []*Pattern {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]*Pattern, 0, len(s.patterns))
	for _, p := range s.patterns {
		list = append(list, p)
	}

	sort.Slice(list, func(i, j int) bool {
		if list[i].PlatformType != list[j].PlatformType {
			return list[i].PlatformType < list[j].PlatformType
		}
		return CompareVersions(list[i].Version, list[j].Version) < 0
	})

	return list
}

// Len returns the number of registered patterns.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.patterns)
}

// Source returns where a pattern was loaded from.
func (s *Store) Source(key Key) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	source, ok := s.sources[key]
	return source, ok
}

// CompareVersions compares two pattern versions, accepting a missing "v" prefix.
// Versions that are not valid semantic versions sort below valid ones.
func CompareVersions(a, b string) int {
	ca, cb := canonical(a), canonical(b)
	switch {
	case ca != "" && cb != "":
		if c := semver.Compare(ca, cb); c != 0 {
			return c
		}
	case ca != "":
		return 1
	case cb != "":
		return -1
	}
	return strings.Compare(a, b)
}

func canonical(v string) string {
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return ""
	}
	return v
}

func isUnder(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func duplicate(key Key, existing, source string) error {
	return engine.NewConflictError(
		fmt.Sprintf("pattern %s from %s already loaded from %s", key, source, existing), nil).
		WithCode(engine.ErrCodeAlreadyExists).
		WithResource(key.String())
}

func notFound(ref string) error {
	return engine.NewPermanentError(fmt.Sprintf("no pattern for %s", ref), nil).
		WithCode(engine.ErrCodePatternNotFound).
		WithResource(ref)
}
