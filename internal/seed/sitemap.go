// Package seed enumerates the URLs a preload run starts from. The site's XML
// sitemap (or sitemap index) supplies both the seeds and the run's total
// estimate; the home page is always seeded so link discovery can fill gaps.
package seed

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/antchfx/xmlquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/nginx-cache-preloader/internal/crawler"
)

// Defaults for sitemap enumeration.
const (
	DefaultSitemapPath = "/sitemap.xml"
	DefaultMaxSitemaps = 50
	DefaultMaxURLs     = 50000
	DefaultSlack       = 100
)

// Config controls enumeration.
type Config struct {
	// SiteURL is the home page, e.g. https://example.com/.
	SiteURL string
	// SitemapPath is resolved against SiteURL.
	SitemapPath string
	// MaxSitemaps bounds how many child sitemaps of an index are read.
	MaxSitemaps int
	// MaxURLs bounds the number of seeds returned.
	MaxURLs int
	// Slack is added to the sitemap URL count to form the total estimate.
	Slack int
	// Fallback is the total estimate when no sitemap URLs were found.
	Fallback  int
	UserAgent string
}

// Result is the outcome of an enumeration.
type Result struct {
	Seeds         []string
	TotalEstimate int
	Sitemaps      int
}

// Source reads seeds from the site's sitemaps through a crawler.Fetcher.
type Source struct {
	fetcher crawler.Fetcher
	cfg     Config
	home    string
	logger  *zap.Logger
}

// New validates cfg and returns a Source. An unusable site URL is a
// ConfigError, which makes the preload fail to start.
func New(fetcher crawler.Fetcher, cfg Config, logger *zap.Logger) (*Source, error) {
	if fetcher == nil {
		return nil, errors.New("seed: fetcher is required")
	}
	home, err := crawler.NormalizeURL(cfg.SiteURL)
	if err != nil {
		return nil, crawler.NewConfigError("site.url", "invalid site url %q: %v", cfg.SiteURL, err)
	}
	if cfg.SitemapPath == "" {
		cfg.SitemapPath = DefaultSitemapPath
	}
	if cfg.MaxSitemaps <= 0 {
		cfg.MaxSitemaps = DefaultMaxSitemaps
	}
	if cfg.MaxURLs <= 0 {
		cfg.MaxURLs = DefaultMaxURLs
	}
	if cfg.Slack < 0 {
		cfg.Slack = 0
	} else if cfg.Slack == 0 {
		cfg.Slack = DefaultSlack
	}
	if cfg.Fallback <= 0 {
		cfg.Fallback = crawler.DefaultTotalFallback
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{fetcher: fetcher, cfg: cfg, home: home, logger: logger.Named("seed")}, nil
}

// Home returns the normalized site URL.
func (s *Source) Home() string { return s.home }

// Enumerate returns the home page followed by every same-host URL listed in
// the sitemap. Sitemap failures are logged and leave only the home page with
// the fallback estimate; only context cancellation is returned as an error.
func (s *Source) Enumerate(ctx context.Context) (Result, error) {
	res := Result{Seeds: []string{s.home}, TotalEstimate: s.cfg.Fallback}
	sitemapURL, err := resolve(s.home, s.cfg.SitemapPath)
	if err != nil {
		s.logger.Warn("invalid sitemap path", zap.String("path", s.cfg.SitemapPath), zap.Error(err))
		return res, nil
	}

	doc, err := s.load(ctx, sitemapURL)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		s.logger.Warn("sitemap unavailable, using fallback estimate",
			zap.String("sitemap", sitemapURL), zap.Error(err))
		return res, nil
	}
	res.Sitemaps = 1

	seen := map[string]struct{}{s.home: {}}
	var listed int
	add := func(locs []string) {
		for _, loc := range locs {
			listed++
			if len(res.Seeds) >= s.cfg.MaxURLs {
				continue
			}
			norm, err := crawler.NormalizeURL(loc)
			if err != nil || !crawler.SameHost(norm, s.home) {
				continue
			}
			if _, dup := seen[norm]; dup {
				continue
			}
			seen[norm] = struct{}{}
			res.Seeds = append(res.Seeds, norm)
		}
	}

	children := locs(doc, "sitemap")
	if len(children) == 0 {
		add(locs(doc, "url"))
	}
	for i, child := range children {
		if i >= s.cfg.MaxSitemaps {
			s.logger.Warn("sitemap index truncated", zap.Int("children", len(children)), zap.Int("read", i))
			break
		}
		sub, err := s.load(ctx, child)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			s.logger.Warn("skipping child sitemap", zap.String("sitemap", child), zap.Error(err))
			continue
		}
		res.Sitemaps++
		add(locs(sub, "url"))
	}

	if listed > 0 {
		res.TotalEstimate = listed + s.cfg.Slack
	}
	s.logger.Info("seeds enumerated",
		zap.Int("seeds", len(res.Seeds)),
		zap.Int("listed", listed),
		zap.Int("sitemaps", res.Sitemaps),
		zap.Int("total_estimate", res.TotalEstimate),
	)
	return res, nil
}

func (s *Source) load(ctx context.Context, rawURL string) (*xmlquery.Node, error) {
	resp, err := s.fetcher.Fetch(ctx, crawler.FetchRequest{URL: rawURL, UserAgent: s.cfg.UserAgent})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch %s: http status %d", rawURL, resp.StatusCode)
	}
	body, err := maybeGunzip(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decompress %s: %w", rawURL, err)
	}
	doc, err := xmlquery.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", rawURL, err)
	}
	return doc, nil
}

// locs returns the <loc> text of every element named parent, ignoring
// namespaces.
func locs(doc *xmlquery.Node, parent string) []string {
	expr := fmt.Sprintf("//*[local-name()='%s']/*[local-name()='loc']", parent)
	nodes, err := xmlquery.QueryAll(doc, expr)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if loc := strings.TrimSpace(n.InnerText()); loc != "" {
			out = append(out, loc)
		}
	}
	return out
}

func maybeGunzip(body []byte) ([]byte, error) {
	if len(body) < 2 || body[0] != 0x1f || body[1] != 0x8b {
		return body, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

func resolve(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(r).String(), nil
}
