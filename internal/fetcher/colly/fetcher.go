// Package collyfetcher implements crawler.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/nginx-cache-preloader/internal/crawler"
	"github.com/JakeFAU/nginx-cache-preloader/internal/policy/ratelimit"
)

const defaultTimeout = 5 * time.Second

// Config controls collector behavior. It is fixed for the lifetime of a
// Fetcher; preload runs build one Fetcher per run.
type Config struct {
	UserAgent   string
	Timeout     time.Duration
	Proxy       string
	MaxBodySize int
	Bandwidth   *ratelimit.Bandwidth
}

// Fetcher implements crawler.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) (*Fetcher, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	transport, err := newHTTPTransport(cfg.Proxy)
	if err != nil {
		return nil, err
	}

	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	c.AllowURLRevisit = true
	c.ParseHTTPErrorResponse = true
	if cfg.MaxBodySize > 0 {
		c.MaxBodySize = cfg.MaxBodySize
	}
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.WithTransport(&throttledTransport{base: transport, bandwidth: cfg.Bandwidth})
	c.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{cfg: cfg, baseCollector: c}, nil
}

// Fetch executes a single HTTP GET using Colly. Non-2xx responses are
// returned with their status code and a nil error.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	var (
		result   crawler.FetchResponse
		fetchErr error
	)
	start := time.Now()
	last := &lastURL{}
	collector := f.buildCollector(context.WithValue(ctx, lastURLKey{}, last), request, start, &result, &fetchErr)
	if err := f.runCollector(ctx, collector, request.URL, &fetchErr); err != nil {
		return crawler.FetchResponse{}, err
	}
	result.URL = request.URL
	if final := last.get(); final != "" {
		result.FinalURL = final
	}
	return result, nil
}

func (f *Fetcher) buildCollector(
	ctx context.Context,
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	if request.UserAgent != "" {
		collector.UserAgent = request.UserAgent
	}
	f.configureCollectorHooks(collector, request, start, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		resp := crawler.FetchResponse{
			URL:        request.URL,
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Bytes:      int64(len(r.Body)),
			Duration:   time.Since(start),
		}
		if r.Headers != nil {
			resp.Headers = r.Headers.Clone()
		}
		if r.Request != nil && r.Request.URL != nil {
			resp.FinalURL = r.Request.URL.String()
		}
		*result = resp
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func copyHeaders(request crawler.FetchRequest, r *colly.Request) {
	if request.Headers == nil || r.Headers == nil {
		return
	}
	for key, values := range request.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport(proxy string) (*http.Transport, error) {
	proxyFunc := http.ProxyFromEnvironment
	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil || proxyURL.Host == "" {
			return nil, fmt.Errorf("invalid proxy url %q", proxy)
		}
		proxyFunc = http.ProxyURL(proxyURL)
	}
	return &http.Transport{
		Proxy: proxyFunc,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}, nil
}

type lastURLKey struct{}

// lastURL records the URL of the most recent round trip so redirects
// report where they landed.
type lastURL struct {
	mu  sync.Mutex
	url string
}

func (l *lastURL) set(u string) {
	l.mu.Lock()
	l.url = u
	l.mu.Unlock()
}

func (l *lastURL) get() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.url
}

// throttledTransport meters response bodies through the run's bandwidth limit.
type throttledTransport struct {
	base      http.RoundTripper
	bandwidth *ratelimit.Bandwidth
}

func (t *throttledTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if last, ok := req.Context().Value(lastURLKey{}).(*lastURL); ok {
		last.set(req.URL.String())
	}
	resp, err := t.base.RoundTrip(req)
	if err != nil || t.bandwidth == nil || resp.Body == nil {
		return resp, err
	}
	resp.Body = &throttledBody{
		Reader: t.bandwidth.Reader(req.Context(), resp.Body),
		closer: resp.Body,
	}
	return resp, nil
}

type throttledBody struct {
	io.Reader
	closer io.Closer
}

func (b *throttledBody) Close() error {
	return b.closer.Close()
}
