// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/wiki-circuit/internal/cache"
)

// EnvPrefix prefixes every environment override, e.g. WIKI_CIRCUIT_SERVER_PORT.
const EnvPrefix = "WIKI_CIRCUIT"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig selects the zap preset and level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// CrawlerConfig governs the crawl engine and fetcher.
type CrawlerConfig struct {
	MaxDepth             int     `mapstructure:"max_depth"`
	MaxParallelDownloads int     `mapstructure:"max_parallel_downloads"`
	BaseURL              string  `mapstructure:"base_url"`
	UserAgent            string  `mapstructure:"user_agent"`
	TimeoutSeconds       int     `mapstructure:"timeout_seconds"`
	RequestsPerSecond    float64 `mapstructure:"requests_per_second"`
	Burst                int     `mapstructure:"burst"`
	RespectRobots        bool    `mapstructure:"respect_robots"`
}

// JobsConfig sizes the job cache and progress notifications.
type JobsConfig struct {
	KeepMinutes          int     `mapstructure:"keep_minutes"`
	MaxEntries           int     `mapstructure:"max_entries"`
	ProgressThreshold    float64 `mapstructure:"progress_threshold"`
	PurgeIntervalSeconds int     `mapstructure:"purge_interval_seconds"`
}

// RedisConfig configures the shared networked tier.
type RedisConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	Mode       string   `mapstructure:"mode"`
	Addrs      []string `mapstructure:"addrs"`
	MasterName string   `mapstructure:"master_name"`
	Username   string   `mapstructure:"username"`
	Password   string   `mapstructure:"password"`
	DB         int      `mapstructure:"db"`
	KeyPrefix  string   `mapstructure:"key_prefix"`
}

// DatabaseConfig configures the optional durable tier. An empty DSN disables
// it.
type DatabaseConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// StorageConfig selects where completed results are archived.
type StorageConfig struct {
	Backend string      `mapstructure:"backend"`
	Bucket  string      `mapstructure:"bucket"`
	Prefix  string      `mapstructure:"prefix"`
	Local   LocalConfig `mapstructure:"local"`
}

// LocalConfig is the filesystem archive location.
type LocalConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// PubSubConfig holds metadata for job event notifications. An empty project
// disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// TelemetryConfig names this service in traces and picks where spans go:
// none, stdout or gcp (Cloud Trace in ProjectID).
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
	Exporter    string `mapstructure:"exporter"`
	ProjectID   string `mapstructure:"project_id"`
}

// Load reads .env files from the working directory, then builds a Config
// from defaults, the optional file at path and the environment.
func Load(path string) (Config, error) {
	if err := LoadEnvFiles("."); err != nil {
		return Config{}, err
	}

	v := viper.New()
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
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadEnvFiles loads dir/.env and dir/.env.<WIKI_CIRCUIT_ENV> when present.
// Variables already set in the process win.
func LoadEnvFiles(dir string) error {
	files := []string{filepath.Join(dir, ".env")}
	if env := strings.TrimSpace(os.Getenv(EnvPrefix + "_ENV")); env != "" {
		files = append(files, filepath.Join(dir, ".env."+env))
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout_seconds", 30)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("crawler.max_depth", 3)
	v.SetDefault("crawler.max_parallel_downloads", 10)
	v.SetDefault("crawler.base_url", "https://en.wikipedia.org/wiki/")
	v.SetDefault("crawler.user_agent", "wiki-circuit/1.2 (+https://github.com/JakeFAU/wiki-circuit)")
	v.SetDefault("crawler.timeout_seconds", 30)
	v.SetDefault("crawler.requests_per_second", 0)
	v.SetDefault("crawler.burst", 1)
	v.SetDefault("crawler.respect_robots", false)
	v.SetDefault("jobs.keep_minutes", 120)
	v.SetDefault("jobs.max_entries", 30)
	v.SetDefault("jobs.progress_threshold", 0.05)
	v.SetDefault("jobs.purge_interval_seconds", 60)
	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.mode", "single")
	v.SetDefault("redis.addrs", []string{"localhost:6379"})
	v.SetDefault("redis.master_name", "")
	v.SetDefault("redis.username", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "wiki-circuit")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.table", "job_cache")
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.prefix", "")
	v.SetDefault("storage.local.base_dir", "")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("telemetry.service_name", "wiki-circuit")
	v.SetDefault("telemetry.exporter", "none")
	v.SetDefault("telemetry.project_id", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Crawler.MaxDepth <= 0 {
		return fmt.Errorf("crawler.max_depth must be > 0")
	}
	if c.Crawler.MaxParallelDownloads <= 0 {
		return fmt.Errorf("crawler.max_parallel_downloads must be > 0")
	}
	if strings.TrimSpace(c.Crawler.BaseURL) == "" {
		return fmt.Errorf("crawler.base_url is required")
	}
	if c.Crawler.TimeoutSeconds <= 0 {
		return fmt.Errorf("crawler.timeout_seconds must be > 0")
	}
	if c.Jobs.ProgressThreshold < 0 || c.Jobs.ProgressThreshold > 1 {
		return fmt.Errorf("jobs.progress_threshold must be within [0, 1]")
	}
	if err := c.CacheOptions().Validate(); err != nil {
		return fmt.Errorf("jobs: %w", err)
	}
	if c.Redis.Enabled {
		switch c.Redis.Mode {
		case "single", "cluster":
		case "sentinel":
			if c.Redis.MasterName == "" {
				return fmt.Errorf("redis.master_name is required in sentinel mode")
			}
		default:
			return fmt.Errorf("redis.mode %q is not one of single, sentinel, cluster", c.Redis.Mode)
		}
		if len(c.Redis.Addrs) == 0 {
			return fmt.Errorf("redis.addrs must not be empty")
		}
	}
	switch c.Storage.Backend {
	case "memory":
	case "local":
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir is required for the local backend")
		}
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of memory, local, gcs", c.Storage.Backend)
	}
	if c.PubSub.ProjectID != "" && c.PubSub.TopicName == "" {
		return fmt.Errorf("pubsub.topic_name is required when pubsub.project_id is set")
	}
	switch c.Telemetry.Exporter {
	case "", "none", "stdout":
	case "gcp":
		if c.Telemetry.ProjectID == "" {
			return fmt.Errorf("telemetry.project_id is required for the gcp exporter")
		}
	default:
		return fmt.Errorf("telemetry.exporter %q is not one of none, stdout, gcp", c.Telemetry.Exporter)
	}
	return nil
}

// CacheOptions converts the jobs section into tier options.
func (c Config) CacheOptions() cache.Options {
	return cache.Options{
		MaxEntries:    c.Jobs.MaxEntries,
		MaxAge:        time.Duration(c.Jobs.KeepMinutes) * time.Minute,
		PurgeInterval: time.Duration(c.Jobs.PurgeIntervalSeconds) * time.Second,
	}
}

// RequestTimeout is the per-fetch HTTP timeout.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Crawler.TimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds graceful shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}
