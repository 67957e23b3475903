package purge

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/nginx-cache-preloader/internal/crawler"
)

const root = "/var/cache/nginx/site"

func newMemExecutor(t *testing.T, fsys afero.Fs, opts ...Option) *Executor {
	t.Helper()
	if ok, _ := afero.DirExists(fsys, root); !ok {
		require.NoError(t, fsys.MkdirAll(root, 0o755))
	}
	e, err := New(root, append([]Option{WithFs(fsys)}, opts...)...)
	require.NoError(t, err)
	return e
}

func write(t *testing.T, fsys afero.Fs, path string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fsys, path, []byte("KEY: x\n"), 0o644))
}

func TestPurgeOneDeletesAndIsIdempotent(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	e := newMemExecutor(t, fsys)
	target := filepath.Join(root, "c", "29", "abc")
	write(t, fsys, target)

	res, err := e.PurgeOne(context.Background(), target)
	require.NoError(t, err)
	require.True(t, res.Deleted)
	exists, err := afero.Exists(fsys, target)
	require.NoError(t, err)
	require.False(t, exists)

	res, err = e.PurgeOne(context.Background(), target)
	require.NoError(t, err)
	require.False(t, res.Deleted)
}

func TestPurgeOneRelativePath(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	e := newMemExecutor(t, fsys)
	write(t, fsys, filepath.Join(root, "a", "bc", "f"))

	res, err := e.PurgeOne(context.Background(), "a/bc/f")
	require.NoError(t, err)
	require.True(t, res.Deleted)
}

func TestPurgeOneRejectsTraversal(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	e := newMemExecutor(t, fsys)
	write(t, fsys, "/etc/passwd")
	write(t, fsys, "/var/cache/nginx/site-other/f")

	for _, p := range []string{
		"/etc/passwd",
		root + "/../../../../etc/passwd",
		"../../../etc/passwd",
		root,
		root + "/",
		"/var/cache/nginx/site-other/f",
	} {
		_, err := e.PurgeOne(context.Background(), p)
		require.ErrorIs(t, err, crawler.ErrOutsideRoot, p)
		var pathErr *crawler.PathError
		require.ErrorAs(t, err, &pathErr)
	}
	exists, err := afero.Exists(fsys, "/etc/passwd")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestPurgeOnePermissionDenied(t *testing.T) {
	t.Parallel()

	base := afero.NewMemMapFs()
	write(t, base, filepath.Join(root, "a", "bc", "f"))
	e := newMemExecutor(t, afero.NewReadOnlyFs(base))

	_, err := e.PurgeOne(context.Background(), filepath.Join(root, "a", "bc", "f"))
	var permErr *crawler.PermissionError
	require.ErrorAs(t, err, &permErr)
}

func TestPurgeOneRejectsDirectory(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	e := newMemExecutor(t, fsys)
	require.NoError(t, fsys.MkdirAll(filepath.Join(root, "a"), 0o755))
	_, err := e.PurgeOne(context.Background(), filepath.Join(root, "a"))
	require.ErrorContains(t, err, "is a directory")
}

func TestPurgeAllContinuesPastFailures(t *testing.T) {
	t.Parallel()

	base := afero.NewMemMapFs()
	var paths []string
	for i := range 10 {
		p := filepath.Join(root, fmt.Sprintf("%x", i), fmt.Sprintf("%02x", i), fmt.Sprintf("file%d", i))
		write(t, base, p)
		paths = append(paths, p)
	}
	faulty := &faultFs{Fs: base, fail: map[string]error{
		paths[3]: fs.ErrPermission,
		paths[7]: fs.ErrPermission,
	}}
	e := newMemExecutor(t, faulty)

	res, err := e.PurgeAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 8, res.DeletedCount)
	require.Equal(t, 2, res.FailedCount)
	require.Len(t, res.Errors, 2)
	require.ElementsMatch(t, []string{paths[3], paths[7]}, []string{res.Errors[0].Path, res.Errors[1].Path})

	// Directories that still hold a file survive; emptied ones are pruned.
	exists, err := afero.DirExists(base, filepath.Dir(paths[3]))
	require.NoError(t, err)
	require.True(t, exists)
	exists, err = afero.DirExists(base, filepath.Dir(paths[0]))
	require.NoError(t, err)
	require.False(t, exists)
	exists, err = afero.DirExists(base, root)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestPurgeAllBoundsErrors(t *testing.T) {
	t.Parallel()

	base := afero.NewMemMapFs()
	fail := map[string]error{}
	for i := range 5 {
		p := filepath.Join(root, "a", "bc", fmt.Sprintf("f%d", i))
		write(t, base, p)
		fail[p] = errors.New("io error")
	}
	e := newMemExecutor(t, &faultFs{Fs: base, fail: fail}, WithMaxErrors(2))

	res, err := e.PurgeAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5, res.FailedCount)
	require.Len(t, res.Errors, 2)
}

func TestPurgeAllEmptyAndMissingRoot(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	e := newMemExecutor(t, fsys)
	_, err := e.PurgeAll(context.Background())
	require.ErrorIs(t, err, crawler.ErrCacheEmpty)

	require.NoError(t, fsys.RemoveAll(root))
	_, err = e.PurgeAll(context.Background())
	var cfgErr *crawler.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestPurgeAllHonoursCancellation(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	e := newMemExecutor(t, fsys)
	write(t, fsys, filepath.Join(root, "a", "bc", "f"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := e.PurgeAll(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, res.DeletedCount)
}

func TestPurgeOneResolvesSymlinkedParents(t *testing.T) {
	t.Parallel()

	cacheRoot := filepath.Join(t.TempDir(), "cache")
	outside := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(cacheRoot, "a"), 0o755))
	secret := filepath.Join(outside, "secret")
	require.NoError(t, os.WriteFile(secret, []byte("x"), 0o600))
	require.NoError(t, os.Symlink(outside, filepath.Join(cacheRoot, "a", "bc")))

	e, err := New(cacheRoot)
	require.NoError(t, err)
	_, err = e.PurgeOne(context.Background(), filepath.Join(cacheRoot, "a", "bc", "secret"))
	require.ErrorIs(t, err, crawler.ErrOutsideRoot)
	_, err = os.Stat(secret)
	require.NoError(t, err)
}

func TestValidateRoot(t *testing.T) {
	t.Parallel()

	for _, ok := range []string{"/var/cache/nginx", "/var/run/nginx-cache/", "/home/user/cache", "/data/fastcgi_cache"} {
		require.NoError(t, ValidateRoot(ok), ok)
	}
	for _, bad := range []string{"relative/path", "/", "/cache", "/etc/nginx", "/usr/share", "/var/cache nginx", "/tmp/../etc"} {
		require.Error(t, ValidateRoot(bad), bad)
	}
}

type faultFs struct {
	afero.Fs
	fail map[string]error
}

func (f *faultFs) Remove(name string) error {
	if err, ok := f.fail[name]; ok {
		return &os.PathError{Op: "remove", Path: name, Err: err}
	}
	return f.Fs.Remove(name)
}
