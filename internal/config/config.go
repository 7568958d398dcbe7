// Package config loads the reconciler's configuration surface: storage,
// backends, mapper/export options, webhook, and logging. It follows the
// example codebase's viper-based config.Load shape — a struct tree with
// mapstructure tags, unmarshalled over a set of hard-coded defaults.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// StorageConfig selects the storage backend (§4.1, §6).
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

// BackendConfig describes one configured media server backend.
type BackendConfig struct {
	Name             string  `mapstructure:"name"`
	Kind             string  `mapstructure:"kind"` // "jellyfin", "emby", "plex"
	URL              string  `mapstructure:"url"`
	Token            string  `mapstructure:"token"`
	Enabled          bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

// MapperOptions carries the recognized mapper option keys of spec.md §6.
type MapperOptions struct {
	ImportMetadataOnly bool `mapstructure:"import_metadata_only"`
	IgnoreDate         bool `mapstructure:"ignore_date"`
	DebugTrace         bool `mapstructure:"debug_trace"`
	AlwaysUpdateMeta   bool `mapstructure:"always_update_meta"`
	DisableAutocommit  bool `mapstructure:"disable_autocommit"`
}

// ExportOptions carries the recognized export option keys of spec.md §6.
type ExportOptions struct {
	DryRun              bool  `mapstructure:"dry_run"`
	AllowedTimeDiffSecs int64 `mapstructure:"allowed_time_diff_seconds"`
	ConcurrencyPerBackend int `mapstructure:"concurrency_per_backend"`
}

// WebhookConfig controls the ingestion HTTP server.
type WebhookConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	ListenAddr   string   `mapstructure:"listen_addr"`
	Secret       string   `mapstructure:"secret"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// LoggingConfig configures internal/logging.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	JSON       bool   `mapstructure:"json"`
}

// Config is the top-level configuration tree.
type Config struct {
	Storage  StorageConfig   `mapstructure:"storage"`
	Backends []BackendConfig `mapstructure:"backends"`
	Mapper   MapperOptions   `mapstructure:"mapper"`
	Export   ExportOptions   `mapstructure:"export"`
	Webhook  WebhookConfig   `mapstructure:"webhook"`
	Logging  LoggingConfig   `mapstructure:"logging"`
}

// DefaultConfig returns the default configuration, matching every default
// spec.md §6's option table names explicitly (e.g.
// EXPORT_ALLOWED_TIME_DIFF=10, autocommit enabled).
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "statesync.db",
		},
		Mapper: MapperOptions{
			ImportMetadataOnly: false,
			IgnoreDate:         false,
			DebugTrace:         false,
			AlwaysUpdateMeta:   false,
			DisableAutocommit:  false,
		},
		Export: ExportOptions{
			DryRun:                false,
			AllowedTimeDiffSecs:   10,
			ConcurrencyPerBackend: 4,
		},
		Webhook: WebhookConfig{
			Enabled:    true,
			ListenAddr: ":8787",
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 5,
		},
	}
}

// Load reads configuration from path (TOML or YAML, detected by viper from
// the extension) if it exists, unmarshalling over DefaultConfig. A missing
// file is not an error — the defaults stand alone, matching the example
// codebase's Load().
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigFile(path)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("config: unmarshaling %s: %w", path, err)
		}
	}

	return cfg, nil
}

// BackendByName returns the configured backend with the given name, or nil.
func (c *Config) BackendByName(name string) *BackendConfig {
	for i := range c.Backends {
		if c.Backends[i].Name == name {
			return &c.Backends[i]
		}
	}
	return nil
}

// KnownBackends returns the set of configured backend names, used by
// watchstate.State.Validate and the Reconciliation Engine.
func (c *Config) KnownBackends() map[string]bool {
	out := make(map[string]bool, len(c.Backends))
	for _, b := range c.Backends {
		out[b.Name] = true
	}
	return out
}
