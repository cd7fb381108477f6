// Package source discovers the items a diagram is generated from: text files
// under a root directory, filtered by type, exclusion patterns and size.
package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/src-d/enry/v2"

	"github.com/Sumatoshi-tech/archgen/pkg/item"
	"github.com/Sumatoshi-tech/archgen/pkg/safeconv"
	"github.com/Sumatoshi-tech/archgen/pkg/weight"
)

// DefaultMaxFileSize is the size above which files are ignored.
const DefaultMaxFileSize = 1 << 20

// unknownType tags text files with neither an extension nor a detected language.
const unknownType = "text"

// excludedDirs are directory names that are never descended into.
var excludedDirs = []string{
	".git", "node_modules", "vendor", "dist", "build", "target", "bin", "obj",
	"__pycache__", ".venv", "venv", ".idea", ".vscode", "coverage", ".next", ".terraform",
}

// Sentinel errors.
var (
	ErrNotDirectory = errors.New("root is not a directory")
	ErrOutsideRoot  = errors.New("path escapes root")
	ErrBinary       = errors.New("binary content")
	ErrTooLarge     = errors.New("file exceeds size limit")
	ErrInvalidSize  = errors.New("invalid size")
)

// Options filter discovery.
type Options struct {
	// IncludeTypes keeps only items whose type tag is listed. Empty keeps all.
	IncludeTypes []string
	// ExcludePatterns are globs matched against the relative slash path and the
	// base name. A trailing "/**" excludes a whole subtree.
	ExcludePatterns []string
	// MaxFileSize in bytes. Zero means DefaultMaxFileSize.
	MaxFileSize int64
	Logger      *slog.Logger
}

// Source discovers and reads items relative to a root directory.
type Source struct {
	opts    Options
	est     *weight.Estimator
	include map[string]bool
	root    string
}

// New creates a Source. A nil estimator uses the default ratio.
func New(opts Options, est *weight.Estimator) *Source {
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if est == nil {
		est = weight.NewEstimator(weight.DefaultCharsPerToken)
	}

	include := make(map[string]bool, len(opts.IncludeTypes))
	for _, t := range opts.IncludeTypes {
		if t = normalizeType(t); t != "" {
			include[t] = true
		}
	}

	return &Source{opts: opts, est: est, include: include}
}

// ParseSize parses a human-readable size such as "512KB" or "2 MiB". An empty
// string or "0" yields zero.
func ParseSize(s string) (int64, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" || trimmed == "0" {
		return 0, nil
	}

	n, err := humanize.ParseBytes(trimmed)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSize, s)
	}

	return safeconv.ClampToInt64(n), nil
}

// Root returns the absolute root of the last discovery.
func (s *Source) Root() string { return s.root }

// SetRoot sets the directory Read resolves paths against.
func (s *Source) SetRoot(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolve root: %w", err)
	}

	s.root = abs

	return nil
}

// Discover walks root and returns the matching items sorted by path. Locators
// narrow discovery to files or directories relative to root; none means root
// itself. Without recursion only the direct children of each directory are
// considered.
func (s *Source) Discover(ctx context.Context, root string, locators []string, recursive bool) ([]item.Item, error) {
	err := s.SetRoot(root)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(s.root)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}

	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, root)
	}

	if len(locators) == 0 {
		locators = []string{"."}
	}

	found := map[string]item.Item{}

	for _, loc := range locators {
		walkErr := s.walk(ctx, loc, recursive, found)
		if walkErr != nil {
			return nil, walkErr
		}
	}

	items := make([]item.Item, 0, len(found))
	for _, it := range found {
		items = append(items, it)
	}

	slices.SortFunc(items, func(a, b item.Item) int { return strings.Compare(a.Path, b.Path) })

	s.opts.Logger.DebugContext(ctx, "discovered items", "root", s.root, "count", len(items))

	return items, nil
}

func (s *Source) walk(ctx context.Context, locator string, recursive bool, found map[string]item.Item) error {
	start, err := s.resolve(locator)
	if err != nil {
		return err
	}

	return filepath.WalkDir(start, func(p string, d fs.DirEntry, walkErr error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if walkErr != nil {
			if p == start {
				return fmt.Errorf("walk %s: %w", locator, walkErr)
			}

			s.opts.Logger.WarnContext(ctx, "skipping unreadable path", "path", p, "error", walkErr)

			if d != nil && d.IsDir() {
				return fs.SkipDir
			}

			return nil
		}

		rel := s.relative(p)

		if d.IsDir() {
			if p == start {
				return nil
			}

			if !recursive || s.excludedDir(rel, d.Name()) {
				return fs.SkipDir
			}

			return nil
		}

		if !d.Type().IsRegular() || s.excludedFile(rel) {
			return nil
		}

		it, loadErr := s.load(rel, p)
		if loadErr != nil {
			s.opts.Logger.DebugContext(ctx, "ignoring file", "path", rel, "reason", loadErr)

			return nil
		}

		if !s.included(it.Type) {
			return nil
		}

		found[it.Path] = it

		return nil
	})
}

// Read re-reads one item by its relative path.
func (s *Source) Read(ctx context.Context, relPath string) (item.Item, error) {
	if err := ctx.Err(); err != nil {
		return item.Item{}, err
	}

	abs, err := s.resolve(relPath)
	if err != nil {
		return item.Item{}, err
	}

	it, err := s.load(s.relative(abs), abs)
	if err != nil {
		return item.Item{}, fmt.Errorf("read %s: %w", relPath, err)
	}

	return it, nil
}

func (s *Source) load(rel, abs string) (item.Item, error) {
	info, err := os.Stat(abs)
	if err != nil {
		return item.Item{}, err
	}

	if info.Size() > s.opts.MaxFileSize {
		return item.Item{}, fmt.Errorf("%w: %s > %s", ErrTooLarge,
			humanize.IBytes(safeconv.ToUint64(info.Size())), humanize.IBytes(safeconv.ToUint64(s.opts.MaxFileSize)))
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return item.Item{}, err
	}

	if enry.IsBinary(data) {
		return item.Item{}, ErrBinary
	}

	it := item.Item{
		Path:    rel,
		Content: string(data),
		Size:    int64(len(data)),
		Type:    typeTag(rel, data),
	}

	return s.est.Recalculate(it), nil
}

// resolve maps a root-relative path to an absolute one inside the root.
func (s *Source) resolve(rel string) (string, error) {
	if s.root == "" {
		return "", fmt.Errorf("%w: no root set", ErrOutsideRoot)
	}

	abs := filepath.Join(s.root, filepath.FromSlash(rel))

	back, err := filepath.Rel(s.root, abs)
	if err != nil || back == ".." || strings.HasPrefix(back, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, rel)
	}

	return abs, nil
}

func (s *Source) relative(abs string) string {
	rel, err := filepath.Rel(s.root, abs)
	if err != nil {
		return filepath.ToSlash(abs)
	}

	return filepath.ToSlash(rel)
}

func (s *Source) excludedDir(rel, name string) bool {
	if slices.Contains(excludedDirs, name) || enry.IsVendor(rel+"/") {
		return true
	}

	return s.matchesExclude(rel, name)
}

func (s *Source) excludedFile(rel string) bool {
	return enry.IsVendor(rel) || s.matchesExclude(rel, path.Base(rel))
}

func (s *Source) matchesExclude(rel, name string) bool {
	for _, pattern := range s.opts.ExcludePatterns {
		if matchPattern(pattern, rel, name) {
			return true
		}
	}

	return false
}

func (s *Source) included(tag string) bool {
	return len(s.include) == 0 || s.include[tag]
}

// matchPattern reports whether pattern excludes the item at rel with base name.
func matchPattern(pattern, rel, name string) bool {
	pattern = strings.TrimPrefix(filepath.ToSlash(strings.TrimSpace(pattern)), "./")
	if pattern == "" {
		return false
	}

	if prefix, ok := strings.CutSuffix(pattern, "/**"); ok {
		if rel == prefix || strings.HasPrefix(rel, prefix+"/") {
			return true
		}

		ok, _ = path.Match(prefix, rel)

		return ok
	}

	if ok, _ := path.Match(pattern, rel); ok {
		return true
	}

	ok, _ := path.Match(pattern, name)

	return ok
}

// typeTag is the lowercase extension, or the detected language for files
// without one.
func typeTag(rel string, data []byte) string {
	if ext := normalizeType(path.Ext(rel)); ext != "" {
		return ext
	}

	if lang := enry.GetLanguage(path.Base(rel), data); lang != "" {
		return strings.ToLower(lang)
	}

	return unknownType
}

func normalizeType(t string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(t), "."))
}
