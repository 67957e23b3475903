// Package reject decides which discovered URLs a preload run may fetch.
package reject

import (
	"net/url"
	"strings"

	"github.com/JakeFAU/nginx-cache-preloader/internal/crawler"
)

// Policy admits URLs that are on an allowed host, within the depth bound and
// not matched by the run's reject rules.
type Policy struct {
	rules    crawler.RejectRules
	hosts    map[string]struct{}
	maxDepth int
}

// New creates a Policy. An empty hosts list allows any host; maxDepth 0 means
// unlimited.
func New(rules crawler.RejectRules, hosts []string, maxDepth int) *Policy {
	p := &Policy{rules: rules, maxDepth: maxDepth}
	if len(hosts) > 0 {
		p.hosts = make(map[string]struct{}, len(hosts))
		for _, h := range hosts {
			if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
				p.hosts[h] = struct{}{}
			}
		}
	}
	return p
}

// HostsOf returns the distinct host names of the given URLs.
func HostsOf(urls []string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil || u.Hostname() == "" {
			continue
		}
		h := strings.ToLower(u.Hostname())
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out
}

// AllowFetch implements crawler.Policy.
func (p *Policy) AllowFetch(_ string, rawURL string, depth int) bool {
	if p.maxDepth > 0 && depth > p.maxDepth {
		return false
	}
	if p.hosts != nil {
		u, err := url.Parse(rawURL)
		if err != nil {
			return false
		}
		if _, ok := p.hosts[strings.ToLower(u.Hostname())]; !ok {
			return false
		}
	}
	return !p.rules.Rejects(rawURL)
}
