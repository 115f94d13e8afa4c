// Package config loads the process configuration from environment
// variables, with an optional YAML file for per-table watermark
// overrides that are awkward to express as a single env var.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/chainload/columnar-sync/internal/model"
)

// Config is the fully resolved process configuration.
type Config struct {
	Store      StoreConfig
	Source     SourceConfig
	Catalog    CatalogConfig
	Audit      AuditConfig
	Archive    ArchiveConfig
	Metrics    MetricsConfig
	Logging    LoggingConfig
	Checkpoint CheckpointConfig

	Tables map[string]model.TableOptions
}

type StoreConfig struct {
	URL      string
	Database string
}

type SourceConfig struct {
	Mode      string // "portal" | "fixture"
	PortalURL string
}

type CatalogConfig struct {
	PostgresDSN string
}

type AuditConfig struct {
	Enabled    bool
	Sink       string // "file" | "http"
	FilePath   string
	WebhookURL string
}

type ArchiveConfig struct {
	Enabled   bool
	BucketURL string
}

type MetricsConfig struct {
	Enabled   bool
	Address   string
	Namespace string
}

type LoggingConfig struct {
	Format string
	Level  string
}

type CheckpointConfig struct {
	Enabled bool
	Dir     string
}

// tableOverridesFile is the shape of an optional YAML config file naming
// per-table watermark overrides, for operators who'd rather not cram a
// JSON blob into an environment variable.
type tableOverridesFile struct {
	Tables map[string]struct {
		LowWatermark  uint32 `yaml:"low_watermark"`
		HighWatermark uint32 `yaml:"high_watermark"`
	} `yaml:"tables"`
}

// MustLoad loads configuration from the environment, panicking only on a
// malformed TABLE_OPTIONS value or an unreadable or malformed
// TABLE_OPTIONS_FILE — everything else has a sane default.
func MustLoad() Config {
	cfg := Config{
		Store: StoreConfig{
			URL:      getenvDefault("STORE_URL", "http://localhost:8123"),
			Database: getenvDefault("DATABASE", "default"),
		},
		Source: SourceConfig{
			Mode:      getenvDefault("SOURCE_MODE", "portal"),
			PortalURL: os.Getenv("PORTAL_URL"),
		},
		Catalog: CatalogConfig{
			PostgresDSN: os.Getenv("CATALOG_DSN"),
		},
		Audit: AuditConfig{
			Enabled:    os.Getenv("AUDIT_ENABLED") == "true",
			Sink:       getenvDefault("AUDIT_SINK", "file"),
			FilePath:   getenvDefault("AUDIT_FILE_PATH", "./audit.jsonl"),
			WebhookURL: os.Getenv("AUDIT_WEBHOOK_URL"),
		},
		Archive: ArchiveConfig{
			Enabled:   os.Getenv("ARCHIVE_ENABLED") == "true",
			BucketURL: os.Getenv("ARCHIVE_BUCKET_URL"),
		},
		Metrics: MetricsConfig{
			Enabled:   os.Getenv("METRICS_ENABLED") != "false",
			Address:   getenvDefault("METRICS_ADDRESS", ":9090"),
			Namespace: getenvDefault("METRICS_NAMESPACE", "columnar_sync"),
		},
		Logging: LoggingConfig{
			Format: getenvDefault("LOG_FORMAT", "json"),
			Level:  getenvDefault("LOG_LEVEL", "info"),
		},
		Checkpoint: CheckpointConfig{
			Enabled: os.Getenv("CHECKPOINT_ENABLED") != "false",
			Dir:     getenvDefault("CHECKPOINT_DIR", "./data/checkpoints"),
		},
		Tables: map[string]model.TableOptions{},
	}

	if v := os.Getenv("TABLE_OPTIONS"); v != "" {
		var raw map[string]model.TableOptions
		if err := json.Unmarshal([]byte(v), &raw); err != nil {
			panic(fmt.Errorf("config: parse TABLE_OPTIONS: %w", err))
		}
		for k, v := range raw {
			cfg.Tables[k] = v
		}
	}

	if path := os.Getenv("TABLE_OPTIONS_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			panic(fmt.Errorf("config: read %s: %w", path, err))
		}
		var tf tableOverridesFile
		if err := yaml.Unmarshal(data, &tf); err != nil {
			panic(fmt.Errorf("config: parse %s: %w", path, err))
		}
		for name, t := range tf.Tables {
			cfg.Tables[name] = model.TableOptions{LowWatermark: t.LowWatermark, HighWatermark: t.HighWatermark}
		}
	}

	slog.Info("config loaded", "database", cfg.Store.Database, "source_mode", cfg.Source.Mode)
	return cfg
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
