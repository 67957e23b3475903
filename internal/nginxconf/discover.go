// Package nginxconf reads cache settings out of an nginx configuration tree.
package nginxconf

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// DefaultPath is where nginx.conf usually lives.
const DefaultPath = "/etc/nginx/nginx.conf"

const maxIncludeDepth = 16

// CachePath is one fastcgi_cache_path or proxy_cache_path directive.
type CachePath struct {
	Directive string `json:"directive"`
	Path      string `json:"path"`
	Levels    string `json:"levels,omitempty"`
	Zone      string `json:"zone,omitempty"`
	File      string `json:"file"`
}

// CacheKey is one fastcgi_cache_key or proxy_cache_key directive.
type CacheKey struct {
	Directive string `json:"directive"`
	Format    string `json:"format"`
	File      string `json:"file"`
}

// Discovery is everything found in the configuration tree.
type Discovery struct {
	Paths []CachePath `json:"paths"`
	Keys  []CacheKey  `json:"keys"`
	Files []string    `json:"files"`
}

// ErrNoCachePath is returned when no cache path directive exists.
var ErrNoCachePath = errors.New("no fastcgi_cache_path or proxy_cache_path directive found")

// Primary returns the first cache path and the first key, preferring
// FastCGI over proxy caches.
func (d Discovery) Primary() (CachePath, CacheKey, error) {
	if len(d.Paths) == 0 {
		return CachePath{}, CacheKey{}, ErrNoCachePath
	}
	path := d.Paths[0]
	for _, p := range d.Paths {
		if p.Directive == "fastcgi_cache_path" {
			path = p
			break
		}
	}
	var key CacheKey
	want := strings.TrimSuffix(path.Directive, "_path") + "_key"
	for _, k := range d.Keys {
		if k.Directive == want {
			return path, k, nil
		}
	}
	if len(d.Keys) > 0 {
		key = d.Keys[0]
	}
	return path, key, nil
}

// Discover parses the configuration at path and every file it includes.
func Discover(fsys afero.Fs, path string) (Discovery, error) {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	d := &discoverer{fs: fsys, seen: map[string]bool{}, base: filepath.Dir(path)}
	if err := d.file(path, 0); err != nil {
		return Discovery{}, err
	}
	return d.out, nil
}

type discoverer struct {
	fs   afero.Fs
	base string
	seen map[string]bool
	out  Discovery
}

func (d *discoverer) file(path string, depth int) error {
	if depth > maxIncludeDepth {
		return fmt.Errorf("include depth exceeded at %s", path)
	}
	path = filepath.Clean(path)
	if d.seen[path] {
		return nil
	}
	d.seen[path] = true
	data, err := afero.ReadFile(d.fs, path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	d.out.Files = append(d.out.Files, path)

	for _, stmt := range statements(string(data)) {
		if len(stmt) == 0 {
			continue
		}
		switch stmt[0] {
		case "include":
			if len(stmt) < 2 {
				continue
			}
			if err := d.include(stmt[1], depth); err != nil {
				return err
			}
		case "fastcgi_cache_path", "proxy_cache_path":
			if len(stmt) < 2 {
				continue
			}
			cp := CachePath{Directive: stmt[0], Path: stmt[1], File: path}
			for _, arg := range stmt[2:] {
				name, val, ok := strings.Cut(arg, "=")
				if !ok {
					continue
				}
				switch name {
				case "levels":
					cp.Levels = val
				case "keys_zone":
					cp.Zone, _, _ = strings.Cut(val, ":")
				}
			}
			d.out.Paths = append(d.out.Paths, cp)
		case "fastcgi_cache_key", "proxy_cache_key":
			if len(stmt) < 2 {
				continue
			}
			d.out.Keys = append(d.out.Keys, CacheKey{
				Directive: stmt[0],
				Format:    strings.Join(stmt[1:], " "),
				File:      path,
			})
		}
	}
	return nil
}

func (d *discoverer) include(pattern string, depth int) error {
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(d.base, pattern)
	}
	matches, err := afero.Glob(d.fs, pattern)
	if err != nil {
		return fmt.Errorf("include %s: %w", pattern, err)
	}
	for _, m := range matches {
		if err := d.file(m, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// statements splits nginx configuration text into directive token lists.
// Block openings end a statement; quotes and comments are honoured.
func statements(src string) [][]string {
	var (
		out   [][]string
		cur   []string
		tok   strings.Builder
		inTok bool
		quote rune
	)
	flushTok := func() {
		if inTok {
			cur = append(cur, tok.String())
			tok.Reset()
			inTok = false
		}
	}
	flushStmt := func() {
		flushTok()
		if len(cur) > 0 {
			out = append(out, cur)
		}
		cur = nil
	}
	runes := []rune(src)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if quote != 0 {
			switch {
			case r == '\\' && i+1 < len(runes):
				i++
				tok.WriteRune(runes[i])
			case r == quote:
				quote = 0
			default:
				tok.WriteRune(r)
			}
			continue
		}
		switch {
		case r == '#':
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
			flushTok()
		case r == '"' || r == '\'':
			quote = r
			inTok = true
		case r == ';' || r == '{' || r == '}':
			flushStmt()
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			flushTok()
		default:
			tok.WriteRune(r)
			inTok = true
		}
	}
	flushStmt()
	return out
}
