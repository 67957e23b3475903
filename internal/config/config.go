// Package config loads and validates preloader configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"github.com/JakeFAU/nginx-cache-preloader/internal/cachekey"
	"github.com/JakeFAU/nginx-cache-preloader/internal/crawler"
	"github.com/JakeFAU/nginx-cache-preloader/internal/nginxconf"
	"github.com/JakeFAU/nginx-cache-preloader/internal/purge"
	"github.com/JakeFAU/nginx-cache-preloader/internal/scheduler"
)

// EnvPrefix namespaces environment overrides, e.g. NCP_CACHE_ROOT.
const EnvPrefix = "NCP"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Site      SiteConfig      `mapstructure:"site"`
	Preload   PreloadConfig   `mapstructure:"preload"`
	Purge     PurgeConfig     `mapstructure:"purge"`
	Lock      LockConfig      `mapstructure:"lock"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	RequestTimeoutSeconds  int `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CacheConfig locates the nginx cache. Root, KeyFormat and Levels may be
// left empty when NginxConf points at a config declaring them.
type CacheConfig struct {
	Root            string `mapstructure:"root"`
	KeyFormat       string `mapstructure:"key_format"`
	Levels          string `mapstructure:"levels"`
	NginxConf       string `mapstructure:"nginx_conf"`
	DefaultScheme   string `mapstructure:"default_scheme"`
	HeaderReadBytes int    `mapstructure:"header_read_bytes"`
}

// SiteConfig describes the site being preloaded.
type SiteConfig struct {
	URL         string `mapstructure:"url"`
	SitemapPath string `mapstructure:"sitemap_path"`
	MaxSitemaps int    `mapstructure:"max_sitemaps"`
	MaxURLs     int    `mapstructure:"max_urls"`
	Slack       int    `mapstructure:"slack"`
}

// PreloadConfig governs the crawl.
type PreloadConfig struct {
	Concurrency           int      `mapstructure:"concurrency"`
	RejectRegex           []string `mapstructure:"reject_regex"`
	RejectExtensions      []string `mapstructure:"reject_extensions"`
	RateLimitKBps         int      `mapstructure:"rate_limit_kbps"`
	RequestsPerSecond     float64  `mapstructure:"requests_per_second"`
	RequestTimeoutSeconds int      `mapstructure:"request_timeout_seconds"`
	IncludeMobile         bool     `mapstructure:"include_mobile"`
	UserAgent             string   `mapstructure:"user_agent"`
	MobileUserAgent       string   `mapstructure:"mobile_user_agent"`
	Proxy                 string   `mapstructure:"proxy"`
	CPULimitPercent       int      `mapstructure:"cpu_limit_percent"`
	MaxAttempts           int      `mapstructure:"max_attempts"`
	BackoffInitialMs      int      `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs          int      `mapstructure:"backoff_max_ms"`
	MaxDepth              int      `mapstructure:"max_depth"`
	SameHostOnly          bool     `mapstructure:"same_host_only"`
	TotalFallback         int      `mapstructure:"total_fallback"`
	QueueLimit            int      `mapstructure:"queue_limit"`
	PurgeBeforePreload    bool     `mapstructure:"purge_before_preload"`
	AutoAfterPurge        bool     `mapstructure:"auto_after_purge"`
	CancelGraceSeconds    int      `mapstructure:"cancel_grace_seconds"`
}

// PurgeConfig governs purges.
type PurgeConfig struct {
	MaxErrors           int  `mapstructure:"max_errors"`
	InflightWaitSeconds int  `mapstructure:"inflight_wait_seconds"`
	RelatedHome         bool `mapstructure:"related_home"`
	PreloadAfterSingle  bool `mapstructure:"preload_after_single"`
}

// LockConfig sets where run lock files live.
type LockConfig struct {
	Dir string `mapstructure:"dir"`
}

// ProgressConfig tunes the event hub.
type ProgressConfig struct {
	BufferSize     int  `mapstructure:"buffer_size"`
	MaxBatchEvents int  `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int  `mapstructure:"max_batch_wait_ms"`
	SinkTimeoutMs  int  `mapstructure:"sink_timeout_ms"`
	LogEvents      bool `mapstructure:"log_events"`
}

// DBConfig controls run history persistence. An empty DSN keeps history in
// memory.
type DBConfig struct {
	DSN        string `mapstructure:"dsn"`
	MaxConns   int32  `mapstructure:"max_conns"`
	RunsTable  string `mapstructure:"runs_table"`
	SitesTable string `mapstructure:"sites_table"`
	Migrate    bool   `mapstructure:"migrate"`
}

// PubSubConfig holds run notification settings. Empty ProjectID disables
// publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// StorageConfig selects where run reports go: "" (none), "memory", "local"
// or "gcs".
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
	LocalDir  string `mapstructure:"local_dir"`
}

// ScheduleConfig configures the automatic preload. Preload accepts "HH:MM"
// or a cron expression; empty disables it.
type ScheduleConfig struct {
	Preload  string `mapstructure:"preload"`
	Timezone string `mapstructure:"timezone"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig controls tracing. A zero SampleRatio records no spans.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment. When cache.nginx_conf is set,
// missing cache settings are filled from it before validation.
func Load(path string) (Config, error) {
	return load(afero.NewOsFs(), path)
}

func load(fsys afero.Fs, path string) (Config, error) {
	v := viper.New()
	v.SetFs(fsys)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.DiscoverCache(fsys); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// envOnly lists keys without a useful default. They are registered so
// AutomaticEnv can still supply them during Unmarshal.
var envOnly = []string{
	"auth.enabled", "auth.api_key",
	"cache.root", "cache.nginx_conf",
	"site.url",
	"preload.proxy", "preload.include_mobile", "preload.max_depth", "preload.queue_limit", "preload.auto_after_purge",
	"purge.preload_after_single",
	"progress.log_events",
	"db.dsn", "db.max_conns", "db.migrate",
	"pubsub.project_id",
	"storage.backend", "storage.gcs_bucket", "storage.local_dir",
	"schedule.preload",
	"telemetry.sample_ratio",
}

func setDefaults(v *viper.Viper) {
	for _, key := range envOnly {
		v.SetDefault(key, nil)
	}
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("server.shutdown_timeout_seconds", 30)
	v.SetDefault("cache.key_format", cachekey.DefaultKeyFormat)
	v.SetDefault("cache.levels", "1:2")
	v.SetDefault("cache.default_scheme", "https")
	v.SetDefault("cache.header_read_bytes", 4096)
	v.SetDefault("site.sitemap_path", "/sitemap.xml")
	v.SetDefault("site.max_sitemaps", 50)
	v.SetDefault("site.max_urls", 50000)
	v.SetDefault("site.slack", 100)
	v.SetDefault("preload.concurrency", crawler.DefaultConcurrency)
	v.SetDefault("preload.reject_regex", []string{crawler.DefaultRejectRegex})
	v.SetDefault("preload.reject_extensions", crawler.DefaultRejectExtensions())
	v.SetDefault("preload.rate_limit_kbps", crawler.DefaultRateLimitBytes/1024)
	v.SetDefault("preload.requests_per_second", crawler.DefaultRequestsPerSecond)
	v.SetDefault("preload.request_timeout_seconds", int(crawler.DefaultRequestTimeout/time.Second))
	v.SetDefault("preload.user_agent", crawler.DefaultUserAgent)
	v.SetDefault("preload.mobile_user_agent", crawler.DefaultMobileUserAgent)
	v.SetDefault("preload.cpu_limit_percent", crawler.DefaultCPULimitPercent)
	v.SetDefault("preload.max_attempts", crawler.DefaultMaxAttempts)
	v.SetDefault("preload.backoff_initial_ms", int(crawler.DefaultBackoffInitial/time.Millisecond))
	v.SetDefault("preload.backoff_max_ms", int(crawler.DefaultBackoffMax/time.Millisecond))
	v.SetDefault("preload.same_host_only", true)
	v.SetDefault("preload.total_fallback", crawler.DefaultTotalFallback)
	v.SetDefault("preload.purge_before_preload", true)
	v.SetDefault("preload.cancel_grace_seconds", 30)
	v.SetDefault("purge.max_errors", purge.DefaultMaxErrors)
	v.SetDefault("purge.inflight_wait_seconds", 10)
	v.SetDefault("purge.related_home", true)
	v.SetDefault("lock.dir", "/tmp/nginx-cache-preloader")
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 1000)
	v.SetDefault("progress.max_batch_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_ms", 10000)
	v.SetDefault("db.runs_table", "preload_runs")
	v.SetDefault("db.sites_table", "preload_run_sites")
	v.SetDefault("pubsub.topic_name", "preload-runs")
	v.SetDefault("storage.prefix", "nginx-cache-preloader")
	v.SetDefault("schedule.timezone", "Local")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.service_name", "nginx-cache-preloader")
}

// DiscoverCache fills empty cache settings from cache.nginx_conf. It is a
// no-op when no nginx config is set.
func (c *Config) DiscoverCache(fsys afero.Fs) error {
	if c.Cache.NginxConf == "" {
		return nil
	}
	d, err := nginxconf.Discover(fsys, c.Cache.NginxConf)
	if err != nil {
		return fmt.Errorf("discover cache from %s: %w", c.Cache.NginxConf, err)
	}
	path, key, err := d.Primary()
	if err != nil {
		return fmt.Errorf("discover cache from %s: %w", c.Cache.NginxConf, err)
	}
	if c.Cache.Root == "" {
		c.Cache.Root = path.Path
	}
	if path.Levels != "" && (c.Cache.Levels == "" || c.Cache.Levels == "1:2") {
		c.Cache.Levels = path.Levels
	}
	if key.Format != "" && (c.Cache.KeyFormat == "" || c.Cache.KeyFormat == cachekey.DefaultKeyFormat) {
		c.Cache.KeyFormat = key.Format
	}
	return nil
}

// Validate enforces required values and reasonable limits. It returns the
// first problem as a *crawler.ConfigError where one field is to blame.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	if err := purge.ValidateRoot(c.Cache.Root); err != nil {
		return err
	}
	if _, err := cachekey.ParseTemplate(c.Cache.KeyFormat); err != nil {
		return err
	}
	if _, err := cachekey.ParseLevels(c.Cache.Levels); err != nil {
		return err
	}
	site, err := url.Parse(c.Site.URL)
	if err != nil || site.Host == "" || (site.Scheme != "http" && site.Scheme != "https") {
		return crawler.NewConfigError("site.url", "must be an absolute http(s) url, got %q", c.Site.URL)
	}
	if err := c.Crawl().Validate(); err != nil {
		return err
	}
	for _, pattern := range c.Preload.RejectRegex {
		if _, err := regexp.Compile(pattern); err != nil {
			return crawler.NewConfigError("preload.reject_regex", "%q: %v", pattern, err)
		}
	}
	if c.Purge.MaxErrors <= 0 {
		return crawler.NewConfigError("purge.max_errors", "must be > 0")
	}
	if c.Lock.Dir == "" {
		return crawler.NewConfigError("lock.dir", "is required")
	}
	if c.Schedule.Preload != "" {
		if _, _, err := scheduler.ParseSpec(c.Schedule.Preload); err != nil {
			return crawler.NewConfigError("schedule.preload", "%v", err)
		}
		if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
			return crawler.NewConfigError("schedule.timezone", "%v", err)
		}
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return crawler.NewConfigError("telemetry.sample_ratio", "must be within [0, 1]")
	}
	switch c.Storage.Backend {
	case "", "memory":
	case "local":
		if c.Storage.LocalDir == "" {
			return crawler.NewConfigError("storage.local_dir", "required for the local backend")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return crawler.NewConfigError("storage.gcs_bucket", "required for the gcs backend")
		}
	default:
		return crawler.NewConfigError("storage.backend", "unknown backend %q", c.Storage.Backend)
	}
	return nil
}

// Crawl converts the preload section into run settings.
func (c Config) Crawl() crawler.Config {
	p := c.Preload
	return crawler.Config{
		Concurrency:          p.Concurrency,
		RejectRegex:          p.RejectRegex,
		RejectExtensions:     p.RejectExtensions,
		RateLimitBytesPerSec: int64(p.RateLimitKBps) * 1024,
		RequestsPerSecond:    p.RequestsPerSecond,
		RequestTimeout:       time.Duration(p.RequestTimeoutSeconds) * time.Second,
		IncludeMobileVariant: p.IncludeMobile,
		UserAgent:            p.UserAgent,
		MobileUserAgent:      p.MobileUserAgent,
		Proxy:                p.Proxy,
		CPULimitPercent:      p.CPULimitPercent,
		MaxAttempts:          p.MaxAttempts,
		BackoffInitial:       time.Duration(p.BackoffInitialMs) * time.Millisecond,
		BackoffMax:           time.Duration(p.BackoffMaxMs) * time.Millisecond,
		MaxDepth:             p.MaxDepth,
		SameHostOnly:         p.SameHostOnly,
		TotalFallback:        p.TotalFallback,
		QueueLimit:           p.QueueLimit,
	}
}

// Seconds converts a seconds setting to a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Millis converts a milliseconds setting to a duration.
func Millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
