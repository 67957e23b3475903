// Package purge deletes nginx cache files under a validated cache root.
package purge

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/JakeFAU/nginx-cache-preloader/internal/crawler"
)

// DefaultMaxErrors bounds BatchResult.Errors.
const DefaultMaxErrors = 20

// Result describes a single-file purge.
type Result struct {
	Path    string `json:"path"`
	Deleted bool   `json:"deleted"`
}

// BatchResult aggregates a purge of the whole cache.
type BatchResult struct {
	DeletedCount int                 `json:"deleted"`
	FailedCount  int                 `json:"failed"`
	Errors       []crawler.PathError `json:"errors"`
}

// Executor removes cache files. It never touches anything outside its root.
type Executor struct {
	root      string
	fs        afero.Fs
	maxErrors int
	logger    *zap.Logger
}

// Option customizes an Executor.
type Option func(*Executor)

// WithFs sets the filesystem. The OS filesystem is used by default.
func WithFs(fsys afero.Fs) Option {
	return func(e *Executor) {
		if fsys != nil {
			e.fs = fsys
		}
	}
}

// WithMaxErrors bounds how many errors a batch keeps.
func WithMaxErrors(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxErrors = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New validates root and returns an Executor for it.
func New(root string, opts ...Option) (*Executor, error) {
	if err := ValidateRoot(root); err != nil {
		return nil, err
	}
	e := &Executor{
		root:      filepath.Clean(root),
		fs:        afero.NewOsFs(),
		maxErrors: DefaultMaxErrors,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if _, ok := e.fs.(*afero.OsFs); ok {
		if resolved, err := filepath.EvalSymlinks(e.root); err == nil {
			e.root = resolved
		}
	}
	return e, nil
}

// Root returns the canonical cache root.
func (e *Executor) Root() string { return e.root }

// PurgeOne deletes one cache file. Relative paths are taken relative to the
// root. A path that is not strictly inside the root is rejected with
// ErrOutsideRoot before anything is touched. An absent file is not an error.
func (e *Executor) PurgeOne(ctx context.Context, path string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	target := e.canonical(path)
	if !e.inside(target) {
		return Result{}, &crawler.PathError{Op: "purge", Path: path, Err: crawler.ErrOutsideRoot}
	}
	info, err := e.fs.Stat(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Result{Path: target}, nil
		}
		return Result{}, e.classify("stat", target, err)
	}
	if info.IsDir() {
		return Result{}, &crawler.PathError{Op: "purge", Path: target, Err: errors.New("is a directory")}
	}
	if err := e.fs.Remove(target); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Result{Path: target}, nil
		}
		return Result{}, e.classify("remove", target, err)
	}
	e.logger.Debug("cache file purged", zap.String("path", target))
	return Result{Path: target, Deleted: true}, nil
}

// PurgeAll deletes every regular file below the root, continuing past
// failures, then removes emptied level directories. The root itself is kept.
func (e *Executor) PurgeAll(ctx context.Context) (BatchResult, error) {
	result := BatchResult{Errors: []crawler.PathError{}}
	info, err := e.fs.Stat(e.root)
	if err != nil || !info.IsDir() {
		return result, crawler.NewConfigError("cache.root", "cache root %s is not an accessible directory", e.root)
	}
	empty, err := afero.IsEmpty(e.fs, e.root)
	if err != nil {
		return result, e.classify("read", e.root, err)
	}
	if empty {
		return result, crawler.ErrCacheEmpty
	}

	var dirs []string
	walkErr := afero.Walk(e.fs, e.root, func(path string, info os.FileInfo, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			e.fail(&result, "walk", path, err)
			if info != nil && info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			if path != e.root {
				dirs = append(dirs, path)
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		if err := e.fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			e.fail(&result, "remove", path, err)
			return nil
		}
		result.DeletedCount++
		return nil
	})
	e.prune(dirs)
	if walkErr != nil && !errors.Is(walkErr, filepath.SkipDir) {
		return result, walkErr
	}
	e.logger.Info("cache purged",
		zap.String("root", e.root),
		zap.Int("deleted", result.DeletedCount),
		zap.Int("failed", result.FailedCount),
	)
	return result, nil
}

func (e *Executor) fail(result *BatchResult, op, path string, err error) {
	result.FailedCount++
	if len(result.Errors) < e.maxErrors {
		result.Errors = append(result.Errors, crawler.PathError{Op: op, Path: path, Err: err})
	}
	e.logger.Warn("cache purge failure", zap.String("op", op), zap.String("path", path), zap.Error(err))
}

// prune removes empty directories deepest first.
func (e *Executor) prune(dirs []string) {
	slices.SortFunc(dirs, func(a, b string) int {
		return strings.Count(b, string(filepath.Separator)) - strings.Count(a, string(filepath.Separator))
	})
	for _, dir := range dirs {
		empty, err := afero.IsEmpty(e.fs, dir)
		if err != nil || !empty {
			continue
		}
		if err := e.fs.Remove(dir); err != nil {
			e.logger.Debug("keeping cache directory", zap.String("dir", dir), zap.Error(err))
		}
	}
}

func (e *Executor) classify(op, path string, err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return &crawler.PermissionError{Path: path, Err: err}
	}
	return &crawler.PathError{Op: op, Path: path, Err: err}
}

// canonical cleans path and, on the OS filesystem, resolves symlinks in its
// parent directory so links cannot point a purge outside the root.
func (e *Executor) canonical(path string) string {
	if !filepath.IsAbs(path) {
		path = filepath.Join(e.root, path)
	}
	path = filepath.Clean(path)
	if _, ok := e.fs.(*afero.OsFs); !ok {
		return path
	}
	dir, base := filepath.Split(path)
	if resolved, err := filepath.EvalSymlinks(dir); err == nil {
		return filepath.Join(resolved, base)
	}
	return path
}

func (e *Executor) inside(target string) bool {
	rel, err := filepath.Rel(e.root, target)
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
