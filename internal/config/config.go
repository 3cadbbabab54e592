// Package config loads and validates mapper configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/apimapper/internal/logging"
	pkgconfig "github.com/JakeFAU/apimapper/pkg/config"
)

// Archive providers.
const (
	ArchiveNone  = "none"
	ArchiveLocal = "local"
	ArchiveGCS   = "gcs"
)

// Config captures all mapper configuration knobs loaded via Viper.
type Config struct {
	Target   TargetConfig   `mapstructure:"target"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Crawl    CrawlConfig    `mapstructure:"crawl"`
	Output   OutputConfig   `mapstructure:"output"`
	Seeds    SeedsConfig    `mapstructure:"seeds"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// TargetConfig names the single host the mapper may talk to.
type TargetConfig struct {
	AllowHost string `mapstructure:"allow_host"`
	Origin    string `mapstructure:"origin"`
	APIPrefix string `mapstructure:"api_prefix"`
}

// HTTPConfig configures the rate-limited client.
type HTTPConfig struct {
	RateLimitMS          int               `mapstructure:"rate_limit_ms"`
	MaxConcurrency       int               `mapstructure:"max_concurrency"`
	Timeout              time.Duration     `mapstructure:"timeout"`
	MaxAttempts          int               `mapstructure:"max_attempts"`
	AuthFailureThreshold int               `mapstructure:"auth_failure_threshold"`
	BackoffBase          time.Duration     `mapstructure:"backoff_base"`
	UserAgent            string            `mapstructure:"user_agent"`
	Headers              map[string]string `mapstructure:"headers"`
}

// CrawlConfig bounds the crawl engine.
type CrawlConfig struct {
	MaxURLs       int  `mapstructure:"max_urls"`
	PageSize      int  `mapstructure:"page_size"`
	ProgressEvery int  `mapstructure:"progress_every"`
	DryRun        bool `mapstructure:"dry_run"`
}

// OutputConfig sets where run artifacts are written.
type OutputConfig struct {
	Dir string `mapstructure:"dir"`
}

// SeedsConfig lists seed URL files.
type SeedsConfig struct {
	Files []string `mapstructure:"files"`
}

// PostgresConfig enables the optional relational record store.
type PostgresConfig struct {
	DSN         string `mapstructure:"dsn"`
	TablePrefix string `mapstructure:"table_prefix"`
}

// ArchiveConfig controls upload of finished run artifacts.
type ArchiveConfig struct {
	Provider string             `mapstructure:"provider"`
	Prefix   string             `mapstructure:"prefix"`
	Local    LocalArchiveConfig `mapstructure:"local"`
	GCS      GCSArchiveConfig   `mapstructure:"gcs"`
}

// LocalArchiveConfig configures the filesystem archive.
type LocalArchiveConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// GCSArchiveConfig configures the Cloud Storage archive.
type GCSArchiveConfig struct {
	Bucket string `mapstructure:"bucket"`
}

// PubSubConfig holds run-completion notification settings. Publishing is
// disabled unless both fields are set.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// MetricsConfig enables the status server when Addr is non-empty.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// TracingConfig installs an OpenTelemetry tracer provider for the run.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// LoggingConfig selects the zap flavor and minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk and environment.
func Load(path string) (Config, error) {
	v := viper.New()
	if err := pkgconfig.Init(v, path, zap.NewNop()); err != nil {
		return Config{}, fmt.Errorf("init config: %w", err)
	}
	return FromViper(v)
}

// FromViper decodes and validates an already initialized Viper instance.
func FromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Target.AllowHost = strings.ToLower(strings.TrimSpace(c.Target.AllowHost))
	c.Target.Origin = strings.TrimRight(strings.TrimSpace(c.Target.Origin), "/")
	if c.Target.Origin == "" && c.Target.AllowHost != "" {
		c.Target.Origin = "https://" + c.Target.AllowHost
	}
	c.Archive.Provider = strings.ToLower(strings.TrimSpace(c.Archive.Provider))
	if c.Archive.Provider == "" {
		c.Archive.Provider = ArchiveNone
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Target.AllowHost == "" {
		return fmt.Errorf("target.allow_host must be set")
	}
	if !strings.HasPrefix(c.Target.APIPrefix, "/") {
		return fmt.Errorf("target.api_prefix must start with /")
	}
	if c.HTTP.RateLimitMS < 0 {
		return fmt.Errorf("http.rate_limit_ms must be >= 0")
	}
	if c.HTTP.MaxConcurrency <= 0 {
		return fmt.Errorf("http.max_concurrency must be > 0")
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be > 0")
	}
	if c.HTTP.MaxAttempts <= 0 {
		return fmt.Errorf("http.max_attempts must be > 0")
	}
	if c.HTTP.AuthFailureThreshold <= 0 {
		return fmt.Errorf("http.auth_failure_threshold must be > 0")
	}
	if c.Crawl.MaxURLs <= 0 {
		return fmt.Errorf("crawl.max_urls must be > 0")
	}
	if c.Crawl.PageSize <= 0 {
		return fmt.Errorf("crawl.page_size must be > 0")
	}
	if c.Output.Dir == "" {
		return fmt.Errorf("output.dir must be set")
	}
	switch c.Archive.Provider {
	case ArchiveNone:
	case ArchiveLocal:
		if c.Archive.Local.BaseDir == "" {
			return fmt.Errorf("archive.local.base_dir must be set when archive.provider is local")
		}
	case ArchiveGCS:
		if c.Archive.GCS.Bucket == "" {
			return fmt.Errorf("archive.gcs.bucket must be set when archive.provider is gcs")
		}
	default:
		return fmt.Errorf("archive.provider %q is not one of none, local, gcs", c.Archive.Provider)
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.Topic == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic must be set together")
	}
	if c.Tracing.Enabled && strings.TrimSpace(c.Tracing.ServiceName) == "" {
		return fmt.Errorf("tracing.service_name must be set when tracing is enabled")
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	return nil
}

// MinInterval converts http.rate_limit_ms into the client's spacing.
func (c Config) MinInterval() time.Duration {
	return time.Duration(c.HTTP.RateLimitMS) * time.Millisecond
}
