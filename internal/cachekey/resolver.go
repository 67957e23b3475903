// Package cachekey maps URLs to nginx cache files and reads cache entries back
// from disk. Keys are computed from the configured fastcgi_cache_key template
// and sharded by the cache's levels= setting.
package cachekey

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/JakeFAU/nginx-cache-preloader/internal/crawler"
	"github.com/JakeFAU/nginx-cache-preloader/internal/hash/md5"
)

const defaultHeaderReadBytes = 4096

// Hasher names cache files from keys.
type Hasher interface {
	Hash(data []byte) string
}

// Config describes the cache on disk.
type Config struct {
	// Root is the cache directory (fastcgi_cache_path).
	Root string
	// KeyFormat is the fastcgi_cache_key / proxy_cache_key template.
	KeyFormat string
	// Levels is the levels= value, "1:2" when empty.
	Levels string
	// DefaultScheme is used for keys that do not record $scheme.
	DefaultScheme string
	// HeaderReadBytes bounds how much of each file is read for metadata.
	HeaderReadBytes int
}

// CacheEntry is one cached response found on disk.
type CacheEntry struct {
	URL      string    `json:"url"`
	Path     string    `json:"file_path"`
	Category Category  `json:"category"`
	Method   string    `json:"method"`
	CachedAt time.Time `json:"cached_at"`
}

// Resolver locates cache files for URLs.
type Resolver struct {
	root     string
	tmpl     *Template
	levels   Levels
	scheme   string
	maxBytes int
	fs       afero.Fs
	hasher   Hasher
	logger   *zap.Logger
}

// Option customizes a Resolver.
type Option func(*Resolver)

// WithFs sets the filesystem. The OS filesystem is used by default.
func WithFs(fsys afero.Fs) Option {
	return func(r *Resolver) {
		if fsys != nil {
			r.fs = fsys
		}
	}
}

// WithHasher replaces the MD5 hasher.
func WithHasher(h Hasher) Option {
	return func(r *Resolver) {
		if h != nil {
			r.hasher = h
		}
	}
}

// WithLogger sets the logger for skipped entries.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewResolver validates cfg and builds a Resolver.
func NewResolver(cfg Config, opts ...Option) (*Resolver, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, crawler.NewConfigError("cache.root", "cache root is required")
	}
	tmpl, err := ParseTemplate(cfg.KeyFormat)
	if err != nil {
		return nil, err
	}
	levels, err := ParseLevels(cfg.Levels)
	if err != nil {
		return nil, err
	}
	r := &Resolver{
		root:     filepath.Clean(cfg.Root),
		tmpl:     tmpl,
		levels:   levels,
		scheme:   cfg.DefaultScheme,
		maxBytes: cfg.HeaderReadBytes,
		fs:       afero.NewOsFs(),
		hasher:   md5.New(),
		logger:   zap.NewNop(),
	}
	if r.scheme == "" {
		r.scheme = "https"
	}
	if r.maxBytes <= 0 {
		r.maxBytes = defaultHeaderReadBytes
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Root returns the cache root.
func (r *Resolver) Root() string { return r.root }

// Key returns the cache key nginx computes for a GET of rawURL.
func (r *Resolver) Key(rawURL string) (string, error) {
	u, err := parseAbsolute(rawURL)
	if err != nil {
		return "", err
	}
	return r.tmpl.Expand("GET", u), nil
}

// PathFor returns the cache file path for a key.
func (r *Resolver) PathFor(key string) string {
	sum := r.hasher.Hash([]byte(key))
	parts := append([]string{r.root}, r.levels.Dirs(sum)...)
	return filepath.Join(append(parts, sum)...)
}

// Resolve computes the exact cache path for rawURL and confirms that the file
// holds that key. A missing file, a different key or a cached redirect yields
// a NotFoundError.
func (r *Resolver) Resolve(ctx context.Context, rawURL string) (CacheEntry, error) {
	if err := ctx.Err(); err != nil {
		return CacheEntry{}, err
	}
	if err := r.checkRoot(); err != nil {
		return CacheEntry{}, err
	}
	key, err := r.Key(rawURL)
	if err != nil {
		return CacheEntry{}, err
	}
	path := r.PathFor(key)
	meta, err := r.readMeta(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return CacheEntry{}, &crawler.NotFoundError{Target: rawURL}
		}
		return CacheEntry{}, &crawler.PathError{Op: "read", Path: path, Err: err}
	}
	if meta.key != key {
		r.logger.Debug("cache key mismatch",
			zap.String("url", rawURL),
			zap.String("path", path),
			zap.String("want", key),
			zap.String("got", meta.key),
		)
		return CacheEntry{}, &crawler.NotFoundError{Target: rawURL}
	}
	if meta.redirect {
		r.logger.Debug("ignoring cached redirect", zap.String("url", rawURL), zap.String("path", path))
		return CacheEntry{}, &crawler.NotFoundError{Target: rawURL}
	}
	return CacheEntry{
		URL:      rawURL,
		Path:     path,
		Category: Categorize(rawURL),
		Method:   "GET",
		CachedAt: meta.modTime,
	}, nil
}

// EntryAt reads the cache file at path and returns the entry its key
// describes. Relative paths are taken from the root. Files outside the root,
// redirects and keys that do not follow the template yield a NotFoundError.
func (r *Resolver) EntryAt(path string) (CacheEntry, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(r.root, path)
	}
	path = filepath.Clean(path)
	if rel, err := filepath.Rel(r.root, path); err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return CacheEntry{}, &crawler.NotFoundError{Target: path}
	}
	entry, ok, err := r.entryFor(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return CacheEntry{}, &crawler.NotFoundError{Target: path}
		}
		return CacheEntry{}, &crawler.PathError{Op: "read", Path: path, Err: err}
	}
	if !ok {
		return CacheEntry{}, &crawler.NotFoundError{Target: path}
	}
	return entry, nil
}

var errStopWalk = errors.New("stop walk")

// ResolveAll lazily walks the cache tree and yields every cached GET/HEAD
// response whose key follows the template. Redirect responses are skipped.
// Per-file failures are yielded as PathErrors and the walk continues; a
// missing root yields a single ConfigError.
func (r *Resolver) ResolveAll(ctx context.Context) iter.Seq2[CacheEntry, error] {
	return func(yield func(CacheEntry, error) bool) {
		if err := r.checkRoot(); err != nil {
			yield(CacheEntry{}, err)
			return
		}
		walkErr := afero.Walk(r.fs, r.root, func(path string, info os.FileInfo, err error) error {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if err != nil {
				if !yield(CacheEntry{}, &crawler.PathError{Op: "walk", Path: path, Err: err}) {
					return errStopWalk
				}
				if info != nil && info.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if !info.Mode().IsRegular() {
				return nil
			}
			entry, ok, err := r.entryFor(path)
			if err != nil {
				if !yield(CacheEntry{}, &crawler.PathError{Op: "read", Path: path, Err: err}) {
					return errStopWalk
				}
				return nil
			}
			if !ok {
				return nil
			}
			if !yield(entry, nil) {
				return errStopWalk
			}
			return nil
		})
		if walkErr != nil && !errors.Is(walkErr, errStopWalk) && !errors.Is(walkErr, filepath.SkipDir) {
			yield(CacheEntry{}, walkErr)
		}
	}
}

// Find locates rawURL, scanning the whole tree when the hashed path misses.
// Only entries whose stored key reads back to the same URL match.
func (r *Resolver) Find(ctx context.Context, rawURL string) (CacheEntry, error) {
	entry, err := r.Resolve(ctx, rawURL)
	if err == nil || !errors.Is(err, crawler.ErrNotFound) {
		return entry, err
	}
	want, perr := parseAbsolute(rawURL)
	if perr != nil {
		return CacheEntry{}, perr
	}
	for e, walkErr := range r.ResolveAll(ctx) {
		if walkErr != nil {
			var cfgErr *crawler.ConfigError
			if errors.As(walkErr, &cfgErr) || errors.Is(walkErr, context.Canceled) ||
				errors.Is(walkErr, context.DeadlineExceeded) {
				return CacheEntry{}, walkErr
			}
			continue
		}
		got, gerr := url.Parse(e.URL)
		if gerr == nil && sameURL(want, got) {
			return e, nil
		}
	}
	return CacheEntry{}, &crawler.NotFoundError{Target: rawURL}
}

// Match returns every entry whose URL matches pattern. Unreadable files are
// logged and skipped.
func (r *Resolver) Match(ctx context.Context, pattern string) ([]CacheEntry, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, crawler.NewConfigError("pattern", "invalid pattern %q: %v", pattern, err)
	}
	var out []CacheEntry
	for e, walkErr := range r.ResolveAll(ctx) {
		if walkErr != nil {
			var pathErr *crawler.PathError
			if errors.As(walkErr, &pathErr) {
				r.logger.Warn("skipping unreadable cache file", zap.Error(walkErr))
				continue
			}
			return out, walkErr
		}
		if re.MatchString(e.URL) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *Resolver) checkRoot() error {
	info, err := r.fs.Stat(r.root)
	if err != nil {
		return crawler.NewConfigError("cache.root", "cache root %s is not accessible: %v", r.root, err)
	}
	if !info.IsDir() {
		return crawler.NewConfigError("cache.root", "cache root %s is not a directory", r.root)
	}
	return nil
}

func (r *Resolver) entryFor(path string) (CacheEntry, bool, error) {
	meta, err := r.readMeta(path)
	if err != nil {
		return CacheEntry{}, false, err
	}
	if meta.key == "" || meta.redirect {
		return CacheEntry{}, false, nil
	}
	parsed, ok := r.tmpl.Parse(meta.key, r.scheme)
	if !ok {
		r.logger.Debug("skipping key that does not follow the template",
			zap.String("path", path), zap.String("key", meta.key))
		return CacheEntry{}, false, nil
	}
	if parsed.Method != "GET" && parsed.Method != "HEAD" {
		return CacheEntry{}, false, nil
	}
	return CacheEntry{
		URL:      parsed.URL,
		Path:     path,
		Category: Categorize(parsed.URL),
		Method:   parsed.Method,
		CachedAt: meta.modTime,
	}, true, nil
}

type fileMeta struct {
	key      string
	redirect bool
	modTime  time.Time
}

var keyPrefix = []byte("KEY: ")

// readMeta reads the KEY line and the cached status from the head of a
// cache file.
func (r *Resolver) readMeta(path string) (fileMeta, error) {
	f, err := r.fs.Open(path)
	if err != nil {
		return fileMeta{}, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fileMeta{}, err
	}
	head := make([]byte, r.maxBytes)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return fileMeta{}, fmt.Errorf("read header: %w", err)
	}
	meta := parseHeader(head[:n])
	meta.modTime = info.ModTime()
	return meta, nil
}

func parseHeader(head []byte) fileMeta {
	var meta fileMeta
	i := bytes.Index(head, keyPrefix)
	if i < 0 {
		return meta
	}
	sc := bufio.NewScanner(bytes.NewReader(head[i:]))
	sc.Buffer(make([]byte, 0, len(head)), len(head)+1)
	first := true
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if first {
			meta.key = strings.TrimSpace(strings.TrimPrefix(line, string(keyPrefix)))
			first = false
			continue
		}
		if line == "" {
			break
		}
		if isRedirectLine(line) {
			meta.redirect = true
			break
		}
	}
	return meta
}

func isRedirectLine(line string) bool {
	var code string
	switch {
	case strings.HasPrefix(line, "Status: "):
		code = strings.TrimPrefix(line, "Status: ")
	case strings.HasPrefix(line, "HTTP/"):
		if sp := strings.IndexByte(line, ' '); sp > 0 {
			code = line[sp+1:]
		}
	default:
		return false
	}
	return strings.HasPrefix(code, "301") || strings.HasPrefix(code, "302")
}

func parseAbsolute(rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("url %q must be absolute http(s)", rawURL)
	}
	return u, nil
}

func sameURL(a, b *url.URL) bool {
	if !strings.EqualFold(a.Hostname(), b.Hostname()) || a.RequestURI() != b.RequestURI() {
		return false
	}
	return a.Scheme == b.Scheme
}
