package cachekey

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/JakeFAU/nginx-cache-preloader/internal/crawler"
)

// DefaultKeyFormat is the key most FastCGI cache setups use.
const DefaultKeyFormat = "$scheme$request_method$host$request_uri"

type segment struct {
	literal  string
	variable string
}

// Template is a parsed cache key format such as "$scheme$request_method$host$request_uri".
type Template struct {
	raw      string
	segments []segment
	pattern  *regexp.Regexp
	groups   []string
}

// variable name -> capture expression used when reading keys back.
var variables = map[string]string{
	"scheme":         `(https?)`,
	"request_method": `(GET|HEAD|POST|PUT|PATCH|DELETE|OPTIONS)`,
	"host":           `([A-Za-z0-9.\-]+?)`,
	"http_host":      `([A-Za-z0-9.\-]+(?::\d+)?)`,
	"server_name":    `([A-Za-z0-9.\-]+?)`,
	"request_uri":    `(/\S*)`,
	"uri":            `(/[^?\s]*)`,
	"args":           `([^\s]*?)`,
	"is_args":        `(\??)`,
}

var varName = regexp.MustCompile(`^[a-z_]+`)

// ParseTemplate parses an nginx cache key format. Unknown variables and
// formats that cannot identify a URL are rejected with a ConfigError.
func ParseTemplate(format string) (*Template, error) {
	if strings.TrimSpace(format) == "" {
		return nil, crawler.NewConfigError("cache.key_format", "key format is required")
	}
	t := &Template{raw: format}
	rest := format
	var lit strings.Builder
	for rest != "" {
		i := strings.IndexByte(rest, '$')
		if i < 0 {
			lit.WriteString(rest)
			break
		}
		lit.WriteString(rest[:i])
		rest = rest[i+1:]
		var name string
		if strings.HasPrefix(rest, "{") {
			end := strings.IndexByte(rest, '}')
			if end < 0 {
				return nil, crawler.NewConfigError("cache.key_format", "unterminated ${ in %q", format)
			}
			name, rest = rest[1:end], rest[end+1:]
		} else {
			name = varName.FindString(rest)
			rest = rest[len(name):]
		}
		if _, ok := variables[name]; !ok {
			return nil, crawler.NewConfigError("cache.key_format", "unsupported variable $%s", name)
		}
		if lit.Len() > 0 {
			t.segments = append(t.segments, segment{literal: lit.String()})
			lit.Reset()
		}
		t.segments = append(t.segments, segment{variable: name})
	}
	if lit.Len() > 0 {
		t.segments = append(t.segments, segment{literal: lit.String()})
	}
	if !t.uses("host", "http_host", "server_name") {
		return nil, crawler.NewConfigError("cache.key_format", "key format %q has no host variable", format)
	}
	if !t.uses("request_uri", "uri") {
		return nil, crawler.NewConfigError("cache.key_format", "key format %q has no $request_uri or $uri", format)
	}

	var expr strings.Builder
	expr.WriteString("^")
	for _, seg := range t.segments {
		if seg.variable == "" {
			expr.WriteString(regexp.QuoteMeta(seg.literal))
			continue
		}
		expr.WriteString(variables[seg.variable])
		t.groups = append(t.groups, seg.variable)
	}
	expr.WriteString("$")
	pattern, err := regexp.Compile(expr.String())
	if err != nil {
		return nil, crawler.NewConfigError("cache.key_format", "compile key pattern: %v", err)
	}
	t.pattern = pattern
	return t, nil
}

func (t *Template) uses(names ...string) bool {
	for _, seg := range t.segments {
		for _, n := range names {
			if seg.variable == n {
				return true
			}
		}
	}
	return false
}

// String returns the format the template was parsed from.
func (t *Template) String() string { return t.raw }

// Expand renders the key nginx computes for a request of u with method.
func (t *Template) Expand(method string, u *url.URL) string {
	var b strings.Builder
	for _, seg := range t.segments {
		if seg.variable == "" {
			b.WriteString(seg.literal)
			continue
		}
		b.WriteString(value(seg.variable, method, u))
	}
	return b.String()
}

func value(name, method string, u *url.URL) string {
	switch name {
	case "scheme":
		return u.Scheme
	case "request_method":
		return method
	case "host", "server_name":
		return strings.ToLower(u.Hostname())
	case "http_host":
		return u.Host
	case "request_uri":
		return u.RequestURI()
	case "uri":
		if u.Path == "" {
			return "/"
		}
		return u.Path
	case "args":
		return u.RawQuery
	case "is_args":
		if u.RawQuery != "" {
			return "?"
		}
		return ""
	}
	return ""
}

// ParsedKey is a cache key read back into its request parts.
type ParsedKey struct {
	Method string
	URL    string
}

// Parse reads a stored key back into a URL. defaultScheme fills in the scheme
// when the format does not record it. ok is false when key does not follow
// the template.
func (t *Template) Parse(key, defaultScheme string) (ParsedKey, bool) {
	m := t.pattern.FindStringSubmatch(key)
	if m == nil {
		return ParsedKey{}, false
	}
	vals := make(map[string]string, len(t.groups))
	for i, name := range t.groups {
		if _, seen := vals[name]; !seen {
			vals[name] = m[i+1]
		}
	}
	scheme := vals["scheme"]
	if scheme == "" {
		scheme = defaultScheme
	}
	host := vals["http_host"]
	if host == "" {
		host = vals["host"]
	}
	if host == "" {
		host = vals["server_name"]
	}
	reqURI := vals["request_uri"]
	if reqURI == "" {
		reqURI = vals["uri"]
		if vals["args"] != "" {
			reqURI += "?" + vals["args"]
		}
	}
	method := vals["request_method"]
	if method == "" {
		method = "GET"
	}
	raw := scheme + "://" + host + reqURI
	if _, err := url.Parse(raw); err != nil {
		return ParsedKey{}, false
	}
	return ParsedKey{Method: method, URL: raw}, true
}

// Levels is the parsed levels= parameter of a cache path.
type Levels []int

// DefaultLevels is the common "1:2" layout.
var DefaultLevels = Levels{1, 2}

// ParseLevels parses "1:2" style values. Nginx allows one to three levels,
// each one or two characters wide.
func ParseLevels(s string) (Levels, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultLevels, nil
	}
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return nil, crawler.NewConfigError("cache.levels", "at most 3 levels allowed, got %q", s)
	}
	levels := make(Levels, 0, len(parts))
	for _, p := range parts {
		switch p {
		case "1":
			levels = append(levels, 1)
		case "2":
			levels = append(levels, 2)
		default:
			return nil, crawler.NewConfigError("cache.levels", "invalid level %q in %q", p, s)
		}
	}
	return levels, nil
}

// String renders the levels back to "1:2" form.
func (l Levels) String() string {
	parts := make([]string, len(l))
	for i, n := range l {
		parts[i] = fmt.Sprint(n)
	}
	return strings.Join(parts, ":")
}

// Dirs returns the sharding directories for hash, taken from its tail.
func (l Levels) Dirs(hash string) []string {
	dirs := make([]string, 0, len(l))
	end := len(hash)
	for _, n := range l {
		if end-n < 0 {
			break
		}
		dirs = append(dirs, hash[end-n:end])
		end -= n
	}
	return dirs
}
