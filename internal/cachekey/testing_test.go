package cachekey

import (
	"net/url"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

const testRoot = "/var/cache/nginx/site"

func newTestResolver(t *testing.T, fsys afero.Fs) *Resolver {
	t.Helper()
	require.NoError(t, fsys.MkdirAll(testRoot, 0o755))
	r, err := NewResolver(Config{Root: testRoot, KeyFormat: DefaultKeyFormat}, WithFs(fsys))
	require.NoError(t, err)
	return r
}

// writeEntry stores a cache file the way nginx lays it out for a GET of rawURL.
func writeEntry(t *testing.T, fsys afero.Fs, r *Resolver, rawURL, status string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	key := r.tmpl.Expand("GET", u)
	path := r.PathFor(key)
	writeRaw(t, fsys, path, key, status)
	return path
}

func writeRaw(t *testing.T, fsys afero.Fs, path, key, status string) {
	t.Helper()
	body := "\x05\x00\x00\x00\xa1\xb2binary-header\n" +
		"KEY: " + key + "\n" +
		"Status: " + status + "\r\n" +
		"Content-Type: text/html; charset=UTF-8\r\n\r\n<html></html>"
	require.NoError(t, afero.WriteFile(fsys, path, []byte(body), 0o644))
}
