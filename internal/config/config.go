// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/TagusLX/scrapTV/internal/geo"
	"github.com/TagusLX/scrapTV/internal/scheduler"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Locations LocationsConfig `mapstructure:"locations"`
	Scrape    ScrapeConfig    `mapstructure:"scrape"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
	Store     StoreConfig     `mapstructure:"store"`
	Export    ExportConfig    `mapstructure:"export"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LocationsConfig points at the tabular location source.
type LocationsConfig struct {
	// Path is the TSV file with district, municipality and parish columns.
	Path string `mapstructure:"path"`
}

// ScrapeConfig governs batching and pacing.
type ScrapeConfig struct {
	// Levels lists the hierarchy levels that contribute cells. Empty
	// means all of district, municipality and parish.
	Levels []string `mapstructure:"levels"`

	Intensity            string `mapstructure:"intensity"`
	BatchPauseSeconds    int    `mapstructure:"batch_pause_seconds"`
	CaptchaPollSeconds   int    `mapstructure:"captcha_poll_seconds"`
	MaxCaptchaRejections int    `mapstructure:"max_captcha_rejections"`
}

// FetcherConfig selects and tunes the price fetcher.
type FetcherConfig struct {
	// Mode is "colly" or "headless".
	Mode           string `mapstructure:"mode"`
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Backend is "file", "postgres" or "memory".
	Backend string `mapstructure:"backend"`

	// Path is the snapshot location for the file backend.
	Path string `mapstructure:"path"`

	// DSN is the connection string for the postgres backend.
	DSN string `mapstructure:"dsn"`
}

// ExportConfig controls the market-data snapshot written on completion.
type ExportConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Backend is "local" or "gcs".
	Backend   string `mapstructure:"backend"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// PubSubConfig holds metadata for completion event publishing.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPTV")
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

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("locations.path", "locations.tsv")
	v.SetDefault("scrape.intensity", "moderate")
	v.SetDefault("scrape.batch_pause_seconds", 30)
	v.SetDefault("scrape.captcha_poll_seconds", 2)
	v.SetDefault("scrape.max_captcha_rejections", 3)
	v.SetDefault("fetcher.mode", "colly")
	v.SetDefault("fetcher.user_agent", "scraptv-bot/0.1")
	v.SetDefault("fetcher.timeout_seconds", 15)
	v.SetDefault("store.backend", "file")
	v.SetDefault("store.path", "data/snapshot.json")
	v.SetDefault("export.enabled", false)
	v.SetDefault("export.backend", "local")
	v.SetDefault("export.base_dir", "data/exports")
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.topic_name", "scrape-events")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Locations.Path == "" {
		return fmt.Errorf("locations.path is required")
	}
	if _, err := scheduler.ParseIntensity(c.Scrape.Intensity); err != nil {
		return fmt.Errorf("scrape.intensity: %w", err)
	}
	for _, l := range c.Scrape.Levels {
		if _, err := geo.ParseLevel(l); err != nil {
			return fmt.Errorf("scrape.levels: %w", err)
		}
	}
	switch c.Fetcher.Mode {
	case "colly", "headless":
	default:
		return fmt.Errorf("fetcher.mode must be colly or headless")
	}
	switch c.Store.Backend {
	case "memory":
	case "file":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the file backend")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("store.backend must be file, postgres or memory")
	}
	if c.Export.Enabled {
		switch c.Export.Backend {
		case "local":
			if c.Export.BaseDir == "" {
				return fmt.Errorf("export.base_dir is required for the local backend")
			}
		case "gcs":
			if c.Export.GCSBucket == "" {
				return fmt.Errorf("export.gcs_bucket is required for the gcs backend")
			}
		default:
			return fmt.Errorf("export.backend must be local or gcs")
		}
	}
	if c.PubSub.Enabled && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id is required when pubsub is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// ParsedLevels converts the configured level names.
func (c ScrapeConfig) ParsedLevels() []geo.Level {
	out := make([]geo.Level, 0, len(c.Levels))
	for _, l := range c.Levels {
		level, err := geo.ParseLevel(l)
		if err != nil {
			continue
		}
		out = append(out, level)
	}
	return out
}

// SchedulerConfig converts the scrape section into scheduler settings.
func (c Config) SchedulerConfig() scheduler.Config {
	intensity, _ := scheduler.ParseIntensity(c.Scrape.Intensity)
	return scheduler.Config{
		Levels:      c.Scrape.ParsedLevels(),
		Intensity:   intensity,
		BatchPause:  time.Duration(c.Scrape.BatchPauseSeconds) * time.Second,
		CaptchaPoll: time.Duration(c.Scrape.CaptchaPollSeconds) * time.Second,
	}
}

// FetchTimeout converts the fetcher timeout.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetcher.TimeoutSeconds) * time.Second
}
