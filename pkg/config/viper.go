// Package config wires Viper search paths, defaults and environment
// binding for the apimapper binary. Typed access lives in internal/config.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EnvPrefix is prepended to every environment override, e.g.
// APIMAPPER_HTTP_RATE_LIMIT_MS=250.
const EnvPrefix = "APIMAPPER"

// DefaultUserAgent identifies the mapper to the target host.
const DefaultUserAgent = "apimapper/1.0 (+https://github.com/JakeFAU/apimapper)"

// SetDefaults registers the default value of every configuration key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("target.allow_host", "app.schoolinks.com")
	v.SetDefault("target.origin", "")
	v.SetDefault("target.api_prefix", "/api/")

	v.SetDefault("http.rate_limit_ms", 150)
	v.SetDefault("http.max_concurrency", 6)
	v.SetDefault("http.timeout", "30s")
	v.SetDefault("http.max_attempts", 4)
	v.SetDefault("http.auth_failure_threshold", 10)
	v.SetDefault("http.backoff_base", "500ms")
	v.SetDefault("http.user_agent", DefaultUserAgent)
	v.SetDefault("http.headers", map[string]string{})

	v.SetDefault("crawl.max_urls", 20000)
	v.SetDefault("crawl.page_size", 100)
	v.SetDefault("crawl.progress_every", 100)
	v.SetDefault("crawl.dry_run", false)

	v.SetDefault("output.dir", "dump")
	v.SetDefault("seeds.files", []string{})

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.table_prefix", "crawl")

	v.SetDefault("archive.provider", "none")
	v.SetDefault("archive.prefix", "runs")
	v.SetDefault("archive.local.base_dir", "archive")
	v.SetDefault("archive.gcs.bucket", "")

	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")

	v.SetDefault("metrics.addr", "")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "apimapper")

	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
}

// Init prepares v: defaults, search paths and environment binding. When
// path is non-empty that file is read instead of searching. A missing
// config file on the search path is not an error.
func Init(v *viper.Viper, path string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/apimapper/")
		v.AddConfigPath("$HOME/.apimapper")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			logger.Debug("config file not found; using defaults and environment")
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	logger.Info("using config file", zap.String("path", v.ConfigFileUsed()))
	return nil
}
