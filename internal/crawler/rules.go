package crawler

import (
	"net/url"
	"path"
	"regexp"
	"slices"
	"strings"
)

// DefaultRejectRegex skips dynamic and private endpoints that should never be
// cached.
const DefaultRejectRegex = `/wp-admin/|/wp-login\.php|/wp-json/|/xmlrpc\.php|/feed/?$|/cart/|/checkout/|/my-account/|[?&](add-to-cart|s|preview|replytocom)=`

// DefaultRejectExtensions lists static asset suffixes Nginx serves without
// FastCGI, so fetching them warms nothing.
func DefaultRejectExtensions() []string {
	return []string{
		".css", ".js", ".json", ".map",
		".png", ".jpg", ".jpeg", ".gif", ".webp", ".avif", ".svg", ".ico", ".bmp",
		".woff", ".woff2", ".ttf", ".otf", ".eot",
		".mp3", ".mp4", ".webm", ".ogg", ".wav", ".mov",
		".zip", ".gz", ".tar", ".rar", ".7z",
		".pdf", ".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx",
		".txt", ".xml", ".rss",
	}
}

// RejectRules is the immutable reject set for a run.
type RejectRules struct {
	patterns   []*regexp.Regexp
	extensions []string
}

// CompileRejectRules compiles patterns and normalizes extensions. Entries may
// be comma separated and extensions may omit the leading dot.
func CompileRejectRules(patterns, extensions []string) (RejectRules, error) {
	var rules RejectRules
	for _, raw := range patterns {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		re, err := regexp.Compile(raw)
		if err != nil {
			return RejectRules{}, &ConfigError{Field: "reject_regex", Err: err}
		}
		rules.patterns = append(rules.patterns, re)
	}
	for _, raw := range extensions {
		for ext := range strings.SplitSeq(raw, ",") {
			ext = strings.ToLower(strings.TrimSpace(ext))
			if ext == "" {
				continue
			}
			if !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			if !slices.Contains(rules.extensions, ext) {
				rules.extensions = append(rules.extensions, ext)
			}
		}
	}
	return rules, nil
}

// Rejects reports whether rawURL matches a reject pattern or extension.
func (r RejectRules) Rejects(rawURL string) bool {
	for _, re := range r.patterns {
		if re.MatchString(rawURL) {
			return true
		}
	}
	if len(r.extensions) == 0 {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return true
	}
	ext := strings.ToLower(path.Ext(u.Path))
	return ext != "" && slices.Contains(r.extensions, ext)
}

// Extensions returns the normalized extension list.
func (r RejectRules) Extensions() []string {
	return slices.Clone(r.extensions)
}
