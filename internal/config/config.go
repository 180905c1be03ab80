// Package config loads towncal configuration with layered precedence:
// built-in defaults, then an optional YAML file, then TOWNCAL_* environment
// variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for environment variable overrides. Nesting
// levels are separated by a double underscore so single underscores stay
// part of key names: TOWNCAL_SERVER__LISTEN sets server.listen,
// TOWNCAL_FETCH__CACHE_DIR sets fetch.cache_dir.
const EnvPrefix = "TOWNCAL_"

// SourceConfig describes one external event source.
type SourceConfig struct {
	// Name identifies the source in logs, metrics, and stored rows.
	Name string `koanf:"name" validate:"required"`
	// URL is the feed endpoint (ICS) or index page (html).
	URL string `koanf:"url" validate:"required,url"`
	// Type selects the adapter strategy: "ics" or "html".
	Type string `koanf:"type" validate:"required,oneof=ics html"`
	// Category is the default category for events from this source.
	Category string `koanf:"category"`
	Enabled  bool   `koanf:"enabled"`

	// Render fetches html pages through headless Chromium instead of a
	// plain GET. Only meaningful for type "html".
	Render bool `koanf:"render"`
	// LinkSelector is the CSS selector yielding detail-page links on the
	// index page. Only meaningful for type "html".
	LinkSelector string `koanf:"link_selector"`
}

// FetchConfig tunes outbound HTTP behavior shared by all adapters.
type FetchConfig struct {
	// Timeout bounds every external HTTP call.
	Timeout time.Duration `koanf:"timeout" validate:"gt=0"`
	// CacheDir holds the conditional-GET feed cache.
	CacheDir string `koanf:"cache_dir"`
	// PageConcurrency bounds the detail-page scrape fan-out.
	PageConcurrency int `koanf:"page_concurrency" validate:"gte=1"`
	// PageRatePerSec limits detail-page fetches per second per source.
	PageRatePerSec float64 `koanf:"page_rate_per_sec" validate:"gt=0"`
}

// GeoConfig is the geographic allow-list.
type GeoConfig struct {
	// AllowedZips is the set of 5-digit postal codes inside the service
	// radius. Empty disables filtering.
	AllowedZips []string `koanf:"allowed_zips" validate:"dive,len=5,numeric"`
}

// ScheduleConfig holds cron specs for the three jobs.
type ScheduleConfig struct {
	Ingest   string `koanf:"ingest" validate:"required"`
	Backfill string `koanf:"backfill" validate:"required"`
	Expiry   string `koanf:"expiry" validate:"required"`
}

// StorageConfig locates the SQLite database.
type StorageConfig struct {
	Path string `koanf:"path" validate:"required"`
}

// DiskStoreConfig backs the object store with a local directory served at
// BaseURL. Intended for development and tests.
type DiskStoreConfig struct {
	Dir     string `koanf:"dir"`
	BaseURL string `koanf:"base_url"`
}

// S3StoreConfig backs the object store with an S3-compatible service.
type S3StoreConfig struct {
	Endpoint  string `koanf:"endpoint"`
	Bucket    string `koanf:"bucket"`
	AccessKey string `koanf:"access_key"`
	SecretKey string `koanf:"secret_key"`
	UseSSL    bool   `koanf:"use_ssl"`
	// PublicBaseURL is the URL prefix under which uploaded objects are
	// publicly reachable.
	PublicBaseURL string `koanf:"public_base_url"`
}

// ObjectStoreConfig selects and configures the image asset backend.
type ObjectStoreConfig struct {
	Backend string          `koanf:"backend" validate:"oneof=disk s3"`
	Disk    DiskStoreConfig `koanf:"disk"`
	S3      S3StoreConfig   `koanf:"s3"`
}

// ImagesConfig configures the backfill and expiry jobs.
type ImagesConfig struct {
	// SearchEndpoint is the image-search provider's search URL.
	SearchEndpoint string `koanf:"search_endpoint" validate:"required,url"`
	// RetentionDays is how long after an event's date its image asset is
	// kept before the expiry job clears it.
	RetentionDays int `koanf:"retention_days" validate:"gte=1"`
	// BackfillLimit caps rows handled per backfill run.
	BackfillLimit int `koanf:"backfill_limit" validate:"gte=1"`

	ObjectStore ObjectStoreConfig `koanf:"object_store"`
}

// BasicAuthConfig protects mutating admin endpoints.
type BasicAuthConfig struct {
	Username string `koanf:"username"`
	Password string `koanf:"password"`
}

// ServerConfig configures the admin/API HTTP server.
type ServerConfig struct {
	Listen    string           `koanf:"listen" validate:"required"`
	BasicAuth *BasicAuthConfig `koanf:"basic_auth"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

// Config is the top-level application configuration.
type Config struct {
	Sources  []SourceConfig `koanf:"sources" validate:"dive"`
	Fetch    FetchConfig    `koanf:"fetch"`
	Geo      GeoConfig      `koanf:"geo"`
	Schedule ScheduleConfig `koanf:"schedule"`
	Storage  StorageConfig  `koanf:"storage"`
	Images   ImagesConfig   `koanf:"images"`
	Server   ServerConfig   `koanf:"server"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// Default returns the built-in defaults applied before file and env layers.
func Default() *Config {
	return &Config{
		Sources: []SourceConfig{},
		Fetch: FetchConfig{
			Timeout:         30 * time.Second,
			CacheDir:        "./var/feed-cache",
			PageConcurrency: 4,
			PageRatePerSec:  2,
		},
		Geo: GeoConfig{
			AllowedZips: []string{},
		},
		Schedule: ScheduleConfig{
			Ingest:   "0 */4 * * *",
			Backfill: "30 5 * * *",
			Expiry:   "45 5 * * *",
		},
		Storage: StorageConfig{
			Path: "./var/towncal.db",
		},
		Images: ImagesConfig{
			SearchEndpoint: "https://api.openverse.org/v1/images/",
			RetentionDays:  10,
			BackfillLimit:  50,
			ObjectStore: ObjectStoreConfig{
				Backend: "disk",
				Disk: DiskStoreConfig{
					Dir:     "./var/assets",
					BaseURL: "http://127.0.0.1:8080/assets",
				},
			},
		},
		Server: ServerConfig{
			Listen: "127.0.0.1:8080",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the effective configuration. path may be empty, in which case
// only defaults and environment overrides apply; a non-empty path must exist.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// TOWNCAL_SERVER__LISTEN -> server.listen,
	// TOWNCAL_IMAGES__RETENTION_DAYS -> images.retention_days.
	envProvider := env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks structural constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	seen := make(map[string]struct{}, len(c.Sources))
	for _, src := range c.Sources {
		if _, dup := seen[src.Name]; dup {
			return fmt.Errorf("config validation: duplicate source name %q", src.Name)
		}
		seen[src.Name] = struct{}{}

		if src.Type == "html" && src.LinkSelector == "" {
			return fmt.Errorf("config validation: source %q: html sources require link_selector", src.Name)
		}
	}

	if c.Images.ObjectStore.Backend == "s3" {
		s3 := c.Images.ObjectStore.S3
		if s3.Endpoint == "" || s3.Bucket == "" {
			return fmt.Errorf("config validation: s3 object store requires endpoint and bucket")
		}
	}
	return nil
}

// EnabledSources returns only the sources with Enabled set.
func (c *Config) EnabledSources() []SourceConfig {
	out := make([]SourceConfig, 0, len(c.Sources))
	for _, s := range c.Sources {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}
