package crawler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"HTTPS://Example.COM:443/a?b=2&a=1#top": "https://example.com/a?b=2&a=1",
		"http://example.com:80":                 "http://example.com/",
		"https://user:pw@example.com/x/":        "https://example.com/x/",
	}
	for in, want := range cases {
		got, err := NormalizeURL(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got)
	}

	_, err := NormalizeURL("mailto:someone@example.com")
	require.Error(t, err)
	_, err = NormalizeURL("/relative/path")
	require.Error(t, err)
}

func TestSameHost(t *testing.T) {
	t.Parallel()

	require.True(t, SameHost("https://Example.com/a", "http://example.com:8080/b"))
	require.False(t, SameHost("https://example.com/", "https://cdn.example.com/"))
	require.False(t, SameHost("::bad", "https://example.com/"))
}
