package purge

import (
	"path/filepath"
	"regexp"

	"github.com/JakeFAU/nginx-cache-preloader/internal/crawler"
)

var rootShape = regexp.MustCompile(`^/(?:[A-Za-z0-9_-]+(?:/[A-Za-z0-9_-]+)+)/?$`)

var criticalDirs = map[string]struct{}{
	"/bin": {}, "/boot": {}, "/etc": {}, "/home": {}, "/lib": {}, "/lib64": {},
	"/media": {}, "/mnt": {}, "/proc": {}, "/root": {}, "/sbin": {}, "/srv": {},
	"/sys": {}, "/usr": {},
}

// ValidateRoot checks that root is a plausible cache directory: absolute, at
// least two levels deep, and neither a critical system directory nor a
// direct child of one.
func ValidateRoot(root string) error {
	if !filepath.IsAbs(root) {
		return crawler.NewConfigError("cache.root", "cache root %q must be absolute", root)
	}
	if !rootShape.MatchString(root) {
		return crawler.NewConfigError("cache.root", "cache root %q is not an acceptable cache path", root)
	}
	clean := filepath.Clean(root)
	if _, ok := criticalDirs[clean]; ok {
		return crawler.NewConfigError("cache.root", "cache root %q is a critical system directory", root)
	}
	if _, ok := criticalDirs[filepath.Dir(clean)]; ok {
		return crawler.NewConfigError("cache.root", "cache root %q lives directly in a critical system directory", root)
	}
	return nil
}
