package crawler

import (
	"errors"
	"fmt"
	"strconv"
)

// Sentinel errors shared across the service.
var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyRunning = errors.New("already running")
	ErrNotRunning     = errors.New("not running")
	ErrOutsideRoot    = errors.New("path is outside the cache root")
	ErrCacheEmpty     = errors.New("cache directory is empty")
)

// ConfigError reports an invalid or missing setting. It is fatal to starting a
// run.
type ConfigError struct {
	Field string
	Err   error
}

// NewConfigError builds a ConfigError from a formatted message.
func NewConfigError(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Err: fmt.Errorf(format, args...)}
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("config: %v", e.Err)
	}
	return fmt.Sprintf("config %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// NetworkError wraps a per-URL transport failure. It satisfies net.Error so
// retry policies can treat request timeouts uniformly.
type NetworkError struct {
	URL      string
	Attempts int
	Timedout bool
	Err      error
}

func (e *NetworkError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("fetch %s (after %d attempts): %v", e.URL, e.Attempts, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was a request timeout.
func (e *NetworkError) Timeout() bool { return e.Timedout }

// Temporary is kept for net.Error.
func (e *NetworkError) Temporary() bool { return e.Timedout }

// HTTPStatusError marks an HTTP response that should be treated as a failure.
type HTTPStatusError struct {
	URL  string
	Code int
}

func (e *HTTPStatusError) Error() string {
	return "fetch " + e.URL + ": http status " + strconv.Itoa(e.Code)
}

// Retryable reports whether the status is worth another attempt.
func (e *HTTPStatusError) Retryable() bool {
	return e.Code >= 500
}

// NotFoundError reports a missing target (404 on fetch or absent cache entry).
type NotFoundError struct {
	Target string
}

func (e *NotFoundError) Error() string { return e.Target + ": not found" }

// Is matches ErrNotFound.
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// PermissionError reports a cache file the process may not delete.
type PermissionError struct {
	Path string
	Err  error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied for %s: %v", e.Path, e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

// PathError describes a failed operation on a single cache path.
type PathError struct {
	Op   string `json:"op"`
	Path string `json:"path"`
	Err  error  `json:"-"`
}

func (e *PathError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PathError) Unwrap() error { return e.Err }

// LockStaleError is logged when a run lock left by a dead process is cleared.
type LockStaleError struct {
	Kind Kind
	Path string
	PID  int
}

func (e *LockStaleError) Error() string {
	return fmt.Sprintf("stale %s lock %s held by dead pid %d", e.Kind, e.Path, e.PID)
}
