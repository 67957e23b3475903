package cachekey

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/nginx-cache-preloader/internal/crawler"
)

func TestResolverPathFor(t *testing.T) {
	t.Parallel()

	r := newTestResolver(t, afero.NewMemMapFs())
	key, err := r.Key("https://example.com/hello/")
	require.NoError(t, err)
	require.Equal(t, "httpsGETexample.com/hello/", key)
	require.Equal(t,
		filepath.Join(testRoot, "8", "b7", "4704c311b0b8424abdc7ee77a4b187b8"),
		r.PathFor(key),
	)
}

func TestResolveFindsExactEntry(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	r := newTestResolver(t, fsys)
	path := writeEntry(t, fsys, r, "https://example.com/hello/", "200 OK")

	entry, err := r.Resolve(context.Background(), "https://example.com/hello/")
	require.NoError(t, err)
	require.Equal(t, path, entry.Path)
	require.Equal(t, CategoryPost, entry.Category)
	require.Equal(t, "GET", entry.Method)
	require.False(t, entry.CachedAt.IsZero())
}

func TestResolveNotFound(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	r := newTestResolver(t, fsys)

	_, err := r.Resolve(context.Background(), "https://example.com/missing/")
	require.ErrorIs(t, err, crawler.ErrNotFound)

	// A file at the hashed path holding another key is not a match.
	key, err := r.Key("https://example.com/other/")
	require.NoError(t, err)
	writeRaw(t, fsys, r.PathFor(key), "httpsGETexample.com/something-else/", "200 OK")
	_, err = r.Resolve(context.Background(), "https://example.com/other/")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestResolveConfigErrors(t *testing.T) {
	t.Parallel()

	r, err := NewResolver(Config{Root: "/nope", KeyFormat: DefaultKeyFormat}, WithFs(afero.NewMemMapFs()))
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), "https://example.com/")
	var cfgErr *crawler.ConfigError
	require.ErrorAs(t, err, &cfgErr)

	_, err = NewResolver(Config{KeyFormat: DefaultKeyFormat})
	require.ErrorAs(t, err, &cfgErr)
	_, err = NewResolver(Config{Root: "/x", KeyFormat: DefaultKeyFormat, Levels: "4"})
	require.ErrorAs(t, err, &cfgErr)
	_, err = NewResolver(Config{Root: "/x"})
	require.ErrorAs(t, err, &cfgErr)

	_, err = newTestResolver(t, afero.NewMemMapFs()).Resolve(context.Background(), "/relative")
	require.Error(t, err)
}

func TestResolveAllSkipsRedirectsAndForeignKeys(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	r := newTestResolver(t, fsys)
	writeEntry(t, fsys, r, "https://example.com/", "200 OK")
	writeEntry(t, fsys, r, "https://example.com/tag/go/", "200 OK")
	writeEntry(t, fsys, r, "https://example.com/old/", "301 Moved Permanently")
	writeEntry(t, fsys, r, "https://example.com/tmp/", "302 Found")
	writeRaw(t, fsys, filepath.Join(testRoot, "a", "bc", "foreign"), "not-a-template-key", "200 OK")
	require.NoError(t, afero.WriteFile(fsys, filepath.Join(testRoot, "a", "bc", "nokey"), []byte("junk"), 0o644))

	got := map[string]Category{}
	for entry, err := range r.ResolveAll(context.Background()) {
		require.NoError(t, err)
		got[entry.URL] = entry.Category
	}
	require.Equal(t, map[string]Category{
		"https://example.com/":        CategoryPage,
		"https://example.com/tag/go/": CategoryTag,
	}, got)
}

func TestFindIgnoresCachedRedirects(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	r := newTestResolver(t, fsys)
	writeEntry(t, fsys, r, "https://example.com/old/", "301 Moved Permanently")
	writeEntry(t, fsys, r, "https://example.com/tmp/", "302 Found")
	live := writeEntry(t, fsys, r, "https://example.com/new/", "200 OK")

	for _, target := range []string{"https://example.com/old/", "https://example.com/tmp/"} {
		_, err := r.Find(context.Background(), target)
		require.ErrorIs(t, err, crawler.ErrNotFound, target)
	}
	entry, err := r.Find(context.Background(), "https://example.com/new/")
	require.NoError(t, err)
	require.Equal(t, live, entry.Path)
}

func TestEntryAt(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	r := newTestResolver(t, fsys)
	page := writeEntry(t, fsys, r, "https://example.com/about/", "200 OK")
	moved := writeEntry(t, fsys, r, "https://example.com/old/", "301 Moved Permanently")

	entry, err := r.EntryAt(page)
	require.NoError(t, err)
	require.Equal(t, "https://example.com/about/", entry.URL)

	rel, err := filepath.Rel(testRoot, page)
	require.NoError(t, err)
	entry, err = r.EntryAt(rel)
	require.NoError(t, err)
	require.Equal(t, page, entry.Path)

	for _, path := range []string{moved, "/etc/passwd", filepath.Join(testRoot, "missing")} {
		_, err := r.EntryAt(path)
		require.ErrorIs(t, err, crawler.ErrNotFound, path)
	}
}

func TestResolveAllYieldsReadErrorsAndContinues(t *testing.T) {
	t.Parallel()

	base := afero.NewMemMapFs()
	r := newTestResolver(t, base)
	good := writeEntry(t, base, r, "https://example.com/a/", "200 OK")
	bad := writeEntry(t, base, r, "https://example.com/b/", "200 OK")
	r.fs = &openFailFs{Fs: base, fail: bad}

	var entries, failures int
	for entry, err := range r.ResolveAll(context.Background()) {
		if err != nil {
			var pathErr *crawler.PathError
			require.ErrorAs(t, err, &pathErr)
			require.Equal(t, bad, pathErr.Path)
			failures++
			continue
		}
		require.Equal(t, good, entry.Path)
		entries++
	}
	require.Equal(t, 1, entries)
	require.Equal(t, 1, failures)
}

func TestResolveAllMissingRootAndEarlyStop(t *testing.T) {
	t.Parallel()

	r, err := NewResolver(Config{Root: "/missing", KeyFormat: DefaultKeyFormat}, WithFs(afero.NewMemMapFs()))
	require.NoError(t, err)
	var errs []error
	for _, err := range r.ResolveAll(context.Background()) {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	var cfgErr *crawler.ConfigError
	require.ErrorAs(t, errs[0], &cfgErr)

	fsys := afero.NewMemMapFs()
	r = newTestResolver(t, fsys)
	writeEntry(t, fsys, r, "https://example.com/1/", "200 OK")
	writeEntry(t, fsys, r, "https://example.com/2/", "200 OK")
	seen := 0
	for range r.ResolveAll(context.Background()) {
		seen++
		break
	}
	require.Equal(t, 1, seen)
}

func TestFindFallsBackToScan(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	r := newTestResolver(t, fsys)
	key, err := r.Key("https://example.com/moved/")
	require.NoError(t, err)
	// Stored outside its hashed location, e.g. after a levels change.
	stray := filepath.Join(testRoot, "0", "00", "stray")
	writeRaw(t, fsys, stray, key, "200 OK")

	entry, err := r.Find(context.Background(), "https://example.com/moved/")
	require.NoError(t, err)
	require.Equal(t, stray, entry.Path)

	_, err = r.Find(context.Background(), "https://example.com/absent/")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestMatch(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	r := newTestResolver(t, fsys)
	writeEntry(t, fsys, r, "https://example.com/product/mug/", "200 OK")
	writeEntry(t, fsys, r, "https://example.com/product/cap/", "200 OK")
	writeEntry(t, fsys, r, "https://example.com/about/", "200 OK")

	entries, err := r.Match(context.Background(), `/product/`)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		require.Equal(t, CategoryProduct, e.Category)
	}

	_, err = r.Match(context.Background(), `(`)
	var cfgErr *crawler.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestParseHeader(t *testing.T) {
	t.Parallel()

	meta := parseHeader([]byte("xx\nKEY: httpsGETexample.com/\nHTTP/1.1 302 Found\r\n\r\n"))
	require.Equal(t, "httpsGETexample.com/", meta.key)
	require.True(t, meta.redirect)

	meta = parseHeader([]byte("no key here"))
	require.Empty(t, meta.key)
}

type openFailFs struct {
	afero.Fs
	fail string
}

func (f *openFailFs) Open(name string) (afero.File, error) {
	if name == f.fail {
		return nil, &os.PathError{Op: "open", Path: name, Err: errors.New("input/output error")}
	}
	return f.Fs.Open(name)
}
