package crawler

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Default run settings.
const (
	DefaultConcurrency       = 4
	DefaultRateLimitBytes    = 1280 * 1024
	DefaultRequestsPerSecond = 1
	DefaultRequestTimeout    = 5 * time.Second
	DefaultCPULimitPercent   = 50
	DefaultMaxAttempts       = 3
	DefaultBackoffInitial    = 250 * time.Millisecond
	DefaultBackoffMax        = 5 * time.Second
	DefaultTotalFallback     = 500
	DefaultUserAgent         = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36 nginx-cache-preloader"
	DefaultMobileUserAgent   = "Mozilla/5.0 (Linux; Android 15; SM-G960U) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.6778.81 Mobile Safari/537.36"
)

// Config holds the settings for one preload run. It is snapshotted when the
// run starts and never mutated afterwards.
type Config struct {
	Concurrency          int
	RejectRegex          []string
	RejectExtensions     []string
	RateLimitBytesPerSec int64
	RequestsPerSecond    float64
	RequestTimeout       time.Duration
	IncludeMobileVariant bool
	UserAgent            string
	MobileUserAgent      string
	Proxy                string
	CPULimitPercent      int
	MaxAttempts          int
	BackoffInitial       time.Duration
	BackoffMax           time.Duration
	// MaxDepth bounds link discovery; 0 means unlimited.
	MaxDepth     int
	SameHostOnly bool
	// TotalEstimate is the seed source's guess of the run size; 0 falls back
	// to TotalFallback.
	TotalEstimate int
	TotalFallback int
	QueueLimit    int
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Concurrency:          DefaultConcurrency,
		RejectRegex:          []string{DefaultRejectRegex},
		RejectExtensions:     DefaultRejectExtensions(),
		RateLimitBytesPerSec: DefaultRateLimitBytes,
		RequestsPerSecond:    DefaultRequestsPerSecond,
		RequestTimeout:       DefaultRequestTimeout,
		UserAgent:            DefaultUserAgent,
		MobileUserAgent:      DefaultMobileUserAgent,
		CPULimitPercent:      DefaultCPULimitPercent,
		MaxAttempts:          DefaultMaxAttempts,
		BackoffInitial:       DefaultBackoffInitial,
		BackoffMax:           DefaultBackoffMax,
		SameHostOnly:         true,
		TotalFallback:        DefaultTotalFallback,
	}
}

// Validate checks the run settings and returns a *ConfigError on the first
// problem found.
func (c Config) Validate() error {
	if c.Concurrency <= 0 {
		return NewConfigError("concurrency", "must be > 0, got %d", c.Concurrency)
	}
	if c.RequestTimeout <= 0 {
		return NewConfigError("request_timeout", "must be > 0")
	}
	if c.RateLimitBytesPerSec < 0 {
		return NewConfigError("rate_limit", "must be >= 0")
	}
	if c.RequestsPerSecond < 0 {
		return NewConfigError("requests_per_second", "must be >= 0")
	}
	if c.CPULimitPercent < 0 || c.CPULimitPercent > 100 {
		return NewConfigError("cpu_limit_percent", "must be within 0-100, got %d", c.CPULimitPercent)
	}
	if c.MaxAttempts <= 0 {
		return NewConfigError("max_attempts", "must be > 0")
	}
	if c.MaxDepth < 0 {
		return NewConfigError("max_depth", "must be >= 0")
	}
	if c.IncludeMobileVariant && strings.TrimSpace(c.MobileUserAgent) == "" {
		return NewConfigError("mobile_user_agent", "required when the mobile variant is enabled")
	}
	if c.Proxy != "" {
		u, err := url.Parse(c.Proxy)
		if err != nil || u.Host == "" {
			return NewConfigError("proxy", "invalid proxy url %q", c.Proxy)
		}
	}
	if _, err := CompileRejectRules(c.RejectRegex, c.RejectExtensions); err != nil {
		return err
	}
	return nil
}

// InitialTotal is the starting total estimate for a run with seedCount seeds.
func (c Config) InitialTotal(seedCount int) int {
	total := c.TotalEstimate
	if total <= 0 {
		total = c.TotalFallback
	}
	if total <= 0 {
		total = DefaultTotalFallback
	}
	return max(total, seedCount)
}

// String is used in logs.
func (c Config) String() string {
	return fmt.Sprintf("concurrency=%d timeout=%s rate=%dB/s rps=%.2f cpu=%d%% mobile=%t proxy=%t depth=%d",
		c.Concurrency, c.RequestTimeout, c.RateLimitBytesPerSec, c.RequestsPerSecond,
		c.CPULimitPercent, c.IncludeMobileVariant, c.Proxy != "", c.MaxDepth)
}
