package local_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/nginx-cache-preloader/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("CreatesBaseDir", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		_, err := local.New(local.Config{BaseDir: "/var/lib/ncp/reports"}, local.WithFs(fs))
		require.NoError(t, err)
		ok, err := afero.DirExists(fs, "/var/lib/ncp/reports")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		require.NoError(t, afero.WriteFile(fs, "/reports", []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: "/reports"}, local.WithFs(fs))
		assert.Error(t, err)
	})

	t.Run("BaseDirNotWritable", func(t *testing.T) {
		base := afero.NewMemMapFs()
		require.NoError(t, base.MkdirAll("/reports", 0o750))
		_, err := local.New(local.Config{BaseDir: "/reports"}, local.WithFs(afero.NewReadOnlyFs(base)))
		assert.Error(t, err)
	})
}

func TestPutObject(t *testing.T) {
	fs := afero.NewMemMapFs()
	store, err := local.New(local.Config{BaseDir: "/reports"}, local.WithFs(fs))
	require.NoError(t, err)

	t.Run("NestedPath", func(t *testing.T) {
		data := []byte(`{"run_id":"r"}`)
		uri, err := store.PutObject(context.Background(), "preload/r.json", "application/json", bytes.NewReader(data))
		require.NoError(t, err)
		assert.Equal(t, "file:///reports/preload/r.json", uri)

		readData, err := afero.ReadFile(fs, "/reports/preload/r.json")
		require.NoError(t, err)
		assert.Equal(t, data, readData)
	})

	t.Run("EmptyPath", func(t *testing.T) {
		_, err := store.PutObject(context.Background(), "", "text/plain", bytes.NewReader([]byte("data")))
		assert.Error(t, err)
	})

	t.Run("Traversal", func(t *testing.T) {
		_, err := store.PutObject(context.Background(), "../etc/passwd", "text/plain", bytes.NewReader([]byte("x")))
		assert.ErrorContains(t, err, "traversal")
	})
}
