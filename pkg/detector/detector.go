package detector

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/patternforge/patternforge/pkg/patterns"
)

const (
	// DefaultThreshold is the minimum confidence for a pattern to be selected.
	DefaultThreshold = 0.6

	// DefaultMaxDepth bounds how deep the project tree is walked.
	DefaultMaxDepth = 4

	// DefaultMaxFileSize caps how much of a file content hints may read.
	DefaultMaxFileSize int64 = 256 * 1024

	// DefaultConcurrency bounds concurrent pattern evaluation.
	DefaultConcurrency = 4
)

// DefaultSkipDirs are directories never walked.
var DefaultSkipDirs = []string{".git", "node_modules", "vendor"}

// Result is a scored platform candidate.
type Result struct {
	// PlatformType is the candidate platform.
	PlatformType string `json:"platform_type"`

	// PatternID is the ID of the scored pattern.
	PatternID string `json:"pattern_id"`

	// Version is the scored pattern version.
	Version string `json:"version"`

	// Confidence is the capped sum of matched hint weights, in [0, 1].
	Confidence float64 `json:"confidence"`

	// MatchedHints lists the hints that matched, in declaration order.
	MatchedHints []patterns.Hint `json:"matched_hints"`

	// PhaseCount is the pattern's phase count, used to break ties.
	PhaseCount int `json:"phase_count"`
}

// PatternSource lists the patterns to score.
type PatternSource interface {
	List() []*patterns.Pattern
}

// ConfidenceRecorder receives every computed confidence.
type ConfidenceRecorder interface {
	RecordConfidence(platformType string, confidence float64)
}

// Options configures detection.
type Options struct {
	// Threshold is the minimum confidence Select accepts.
	Threshold float64 `json:"threshold" yaml:"threshold"`

	// MaxDepth bounds the walk. A file directly under the root has depth 1.
	MaxDepth int `json:"max_depth" yaml:"max_depth"`

	// MaxFileSize caps the bytes read per file for content hints.
	MaxFileSize int64 `json:"max_file_size" yaml:"max_file_size"`

	// SkipDirs are directory names that are not walked.
	SkipDirs []string `json:"skip_dirs" yaml:"skip_dirs"`

	// Concurrency bounds concurrent pattern evaluation.
	Concurrency int `json:"concurrency" yaml:"concurrency"`
}

// DefaultOptions returns the default detection options.
func DefaultOptions() Options {
	return Options{
		Threshold:   DefaultThreshold,
		MaxDepth:    DefaultMaxDepth,
		MaxFileSize: DefaultMaxFileSize,
		SkipDirs:    append([]string(nil), DefaultSkipDirs...),
		Concurrency: DefaultConcurrency,
	}
}

// Detector scores a project tree against the detection hints of known patterns.
// It only reads the tree.
type Detector struct {
	source   PatternSource
	opts     Options
	logger   zerolog.Logger
	recorder ConfidenceRecorder
}

// Option configures a Detector.
type Option func(*Detector)

// WithOptions replaces the detection options. Zero fields keep their defaults.
func WithOptions(opts Options) Option {
	return func(d *Detector) {
		if opts.Threshold > 0 {
			d.opts.Threshold = opts.Threshold
		}
		if opts.MaxDepth > 0 {
			d.opts.MaxDepth = opts.MaxDepth
		}
		if opts.MaxFileSize > 0 {
			d.opts.MaxFileSize = opts.MaxFileSize
		}
		if opts.SkipDirs != nil {
			d.opts.SkipDirs = opts.SkipDirs
		}
		if opts.Concurrency > 0 {
			d.opts.Concurrency = opts.Concurrency
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Detector) {
		d.logger = logger.With().Str("component", "detector").Logger()
	}
}

// WithConfidenceRecorder sets a recorder for computed confidences.
func WithConfidenceRecorder(r ConfidenceRecorder) Option {
	return func(d *Detector) {
		d.recorder = r
	}
}

// New creates a detector over the given patterns.
func New(source PatternSource, opts ...Option) *Detector {
	d := &Detector{
		source: source,
		opts:   DefaultOptions(),
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Threshold returns the selection threshold.
func (d *Detector) Threshold() float64 {
	return d.opts.Threshold
}

// Detect scores every pattern that has detection hints and returns the
// candidates ranked by confidence. Ties go to the pattern with fewer phases,
// then to the lower pattern ID, then to the lower version.
func (d *Detector) Detect(ctx context.Context, root string) ([]Result, error) {
	tree, err := d.scan(ctx, root)
	if err != nil {
		return nil, err
	}

	candidates := make([]*patterns.Pattern, 0)
	for _, p := range d.source.List() {
		if len(p.DetectionHints) > 0 {
			candidates = append(candidates, p)
		}
	}

	results := make([]Result, len(candidates))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Concurrency)
	for i, p := range candidates {
		g.Go(func() error {
			res, err := d.score(gctx, tree, p)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	Rank(results)

	for _, r := range results {
		if d.recorder != nil {
			d.recorder.RecordConfidence(r.PlatformType, r.Confidence)
		}
		d.logger.Debug().
			Str("platform", r.PlatformType).
			Str("pattern", r.PatternID).
			Float64("confidence", r.Confidence).
			Int("matched", len(r.MatchedHints)).
			Msg("Scored pattern")
	}

	return results, nil
}

// Select returns the best candidate if it meets the threshold.
func (d *Detector) Select(results []Result) (Result, bool) {
	if len(results) == 0 {
		return Result{}, false
	}
	best := results[0]
	if best.Confidence < d.opts.Threshold {
		return best, false
	}
	return best, true
}

// Rank sorts results by descending confidence with the deterministic tie-break.
func Rank(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.PhaseCount != b.PhaseCount {
			return a.PhaseCount < b.PhaseCount
		}
		if a.PatternID != b.PatternID {
			return a.PatternID < b.PatternID
		}
		return patterns.CompareVersions(a.Version, b.Version) < 0
	})
}

// score evaluates one pattern's hints. Weights are summed in declaration order
// so the result is reproducible bit for bit.
func (d *Detector) score(ctx context.Context, tree *tree, p *patterns.Pattern) (Result, error) {
	res := Result{
		PlatformType: p.PlatformType,
		PatternID:    p.ID,
		Version:      p.Version,
		MatchedHints: make([]patterns.Hint, 0),
		PhaseCount:   len(p.DeploymentPhases),
	}

	sum := 0.0
	for _, hint := range p.DetectionHints {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		matched, err := d.matches(tree, hint)
		if err != nil {
			return Result{}, fmt.Errorf("pattern %s: %w", p.ID, err)
		}
		if matched {
			sum += hint.Weight
			res.MatchedHints = append(res.MatchedHints, hint)
		}
	}

	if sum > 1.0 {
		sum = 1.0
	}
	res.Confidence = sum
	return res, nil
}

func (d *Detector) matches(t *tree, hint patterns.Hint) (bool, error) {
	switch hint.Signal {
	case patterns.SignalFileExists:
		for _, f := range t.files {
			if globMatch(hint.Pattern, f) {
				return true, nil
			}
		}
		return false, nil

	case patterns.SignalContentMatch:
		re, err := regexp.Compile(hint.Pattern)
		if err != nil {
			return false, fmt.Errorf("invalid content pattern %q: %w", hint.Pattern, err)
		}
		for _, f := range t.files {
			if hint.File != "" && !globMatch(hint.File, f) {
				continue
			}
			content, err := t.content(f, d.opts.MaxFileSize)
			if err != nil {
				d.logger.Debug().Err(err).Str("file", f).Msg("Skipping unreadable file")
				continue
			}
			if re.Match(content) {
				return true, nil
			}
		}
		return false, nil

	default:
		return false, fmt.Errorf("unknown signal %q", hint.Signal)
	}
}

// globMatch matches a glob against a slash-separated relative path, or against
// its base name when the glob has no separator.
func globMatch(pattern, rel string) bool {
	if ok, _ := path.Match(pattern, rel); ok {
		return true
	}
	if !strings.Contains(pattern, "/") {
		ok, _ := path.Match(pattern, path.Base(rel))
		return ok
	}
	return false
}

// tree is a snapshot of a project's file list with a lazily filled content cache.
type tree struct {
	root  string
	files []string

	mu       sync.Mutex
	contents map[string][]byte
}

func (t *tree) content(rel string, limit int64) ([]byte, error) {
	t.mu.Lock()
	data, ok := t.contents[rel]
	t.mu.Unlock()
	if ok {
		return data, nil
	}

	f, err := os.Open(filepath.Join(t.root, filepath.FromSlash(rel)))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err = io.ReadAll(io.LimitReader(f, limit))
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.contents[rel] = data
	t.mu.Unlock()
	return data, nil
}

// scan walks root to the configured depth and records regular files in
// lexical order.
func (d *Detector) scan(ctx context.Context, root string) (*tree, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to stat project root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("project root %s is not a directory", root)
	}

	skip := make(map[string]bool, len(d.opts.SkipDirs))
	for _, name := range d.opts.SkipDirs {
		skip[name] = true
	}

	t := &tree{root: root, contents: make(map[string][]byte)}
	err = filepath.WalkDir(root, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			if p == root {
				return err
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		rel, relErr := filepath.Rel(root, p)
		if relErr != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		depth := strings.Count(rel, "/") + 1

		if entry.IsDir() {
			if skip[entry.Name()] || depth >= d.opts.MaxDepth {
				return filepath.SkipDir
			}
			return nil
		}
		if !entry.Type().IsRegular() || depth > d.opts.MaxDepth {
			return nil
		}

		t.files = append(t.files, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk project: %w", err)
	}

	return t, nil
}
