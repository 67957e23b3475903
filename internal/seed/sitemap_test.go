package seed

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/nginx-cache-preloader/internal/crawler"
)

type mapFetcher struct {
	pages map[string]string
	codes map[string]int
}

func (f *mapFetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	if err := ctx.Err(); err != nil {
		return crawler.FetchResponse{}, err
	}
	if code, ok := f.codes[req.URL]; ok {
		return crawler.FetchResponse{URL: req.URL, StatusCode: code}, nil
	}
	body, ok := f.pages[req.URL]
	if !ok {
		return crawler.FetchResponse{}, errors.New("connection refused")
	}
	return crawler.FetchResponse{URL: req.URL, StatusCode: 200, Body: []byte(body)}, nil
}

func urlset(urls ...string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">`)
	for _, u := range urls {
		fmt.Fprintf(&b, "<url><loc> %s </loc><lastmod>2026-01-01</lastmod></url>", u)
	}
	b.WriteString(`</urlset>`)
	return b.String()
}

func TestEnumerateSitemapIndex(t *testing.T) {
	t.Parallel()

	fetcher := &mapFetcher{pages: map[string]string{
		"https://example.com/sitemap.xml": `<?xml version="1.0"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>https://example.com/post-sitemap.xml</loc></sitemap>
  <sitemap><loc>https://example.com/page-sitemap.xml</loc></sitemap>
  <sitemap><loc>https://example.com/broken-sitemap.xml</loc></sitemap>
</sitemapindex>`,
		"https://example.com/post-sitemap.xml": urlset(
			"https://example.com/2024/05/hello/",
			"https://example.com/2024/06/again/",
		),
		"https://example.com/page-sitemap.xml": urlset(
			"https://example.com/",
			"https://EXAMPLE.com/about/#team",
			"https://cdn.other.net/file/",
		),
	}}
	src, err := New(fetcher, Config{SiteURL: "https://example.com"}, nil)
	require.NoError(t, err)

	res, err := src.Enumerate(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{
		"https://example.com/",
		"https://example.com/2024/05/hello/",
		"https://example.com/2024/06/again/",
		"https://example.com/about/",
	}, res.Seeds)
	require.Equal(t, 5+DefaultSlack, res.TotalEstimate)
	require.Equal(t, 3, res.Sitemaps)
}

func TestEnumeratePlainURLSetWithoutNamespace(t *testing.T) {
	t.Parallel()

	fetcher := &mapFetcher{pages: map[string]string{
		"https://example.com/sitemap.xml": `<urlset><url><loc>https://example.com/a/</loc></url></urlset>`,
	}}
	src, err := New(fetcher, Config{SiteURL: "https://example.com/", Slack: 10}, nil)
	require.NoError(t, err)

	res, err := src.Enumerate(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"https://example.com/", "https://example.com/a/"}, res.Seeds)
	require.Equal(t, 11, res.TotalEstimate)
}

func TestEnumerateFallsBackWithoutSitemap(t *testing.T) {
	t.Parallel()

	for name, fetcher := range map[string]*mapFetcher{
		"unreachable": {pages: map[string]string{}},
		"404":         {codes: map[string]int{"https://example.com/sitemap.xml": 404}},
		"not xml":     {pages: map[string]string{"https://example.com/sitemap.xml": "<html><body"}},
		"empty":       {pages: map[string]string{"https://example.com/sitemap.xml": urlset()}},
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			src, err := New(fetcher, Config{SiteURL: "https://example.com/"}, nil)
			require.NoError(t, err)
			res, err := src.Enumerate(context.Background())
			require.NoError(t, err)
			require.Equal(t, []string{"https://example.com/"}, res.Seeds)
			require.Equal(t, crawler.DefaultTotalFallback, res.TotalEstimate)
		})
	}
}

func TestEnumerateGzipAndLimits(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(urlset("https://example.com/1/", "https://example.com/2/", "https://example.com/3/")))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	fetcher := &mapFetcher{pages: map[string]string{"https://example.com/sitemap.xml.gz": buf.String()}}
	src, err := New(fetcher, Config{
		SiteURL:     "https://example.com/",
		SitemapPath: "sitemap.xml.gz",
		MaxURLs:     2,
	}, nil)
	require.NoError(t, err)

	res, err := src.Enumerate(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"https://example.com/", "https://example.com/1/"}, res.Seeds)
	require.Equal(t, 3+DefaultSlack, res.TotalEstimate)
}

func TestEnumerateCanceled(t *testing.T) {
	t.Parallel()

	src, err := New(&mapFetcher{}, Config{SiteURL: "https://example.com/"}, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = src.Enumerate(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewRejectsBadSite(t *testing.T) {
	t.Parallel()

	_, err := New(&mapFetcher{}, Config{SiteURL: "ftp://example.com"}, nil)
	var cfgErr *crawler.ConfigError
	require.ErrorAs(t, err, &cfgErr)

	_, err = New(nil, Config{SiteURL: "https://example.com"}, nil)
	require.Error(t, err)
}
