// Package config loads the YAML configuration shared by the caldora tools.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cyp0633/caldora/server/freebusy"
	"github.com/cyp0633/caldora/server/index"
	"github.com/cyp0633/caldora/server/recurrence"
)

// Config is the top-level configuration file.
//
// Example:
//
//	log:
//	  level: debug
//	  format: json
//	index:
//	  path: /var/lib/caldora/index.db
//	  expand_ahead_days: 365
//	freebusy:
//	  cache_days_forward: 84
//	redis:
//	  addr: localhost:6379
//	maintenance:
//	  prune_schedule: "@daily"
type Config struct {
	Log         LogConfig               `yaml:"log"`
	Index       IndexConfig             `yaml:"index"`
	Recurrence  recurrence.EngineConfig `yaml:"recurrence"`
	FreeBusy    freebusy.Config         `yaml:"freebusy"`
	Redis       RedisConfig             `yaml:"redis"`
	Maintenance MaintenanceConfig       `yaml:"maintenance"`
}

type LogConfig struct {
	// debug, info, warn or error
	Level string `yaml:"level"`
	// text or json
	Format string `yaml:"format"`
}

// IndexConfig embeds the index tuning knobs and adds where the database
// lives. An empty path keeps the index in memory.
type IndexConfig struct {
	Path         string `yaml:"path"`
	index.Config `yaml:",inline"`
}

// RedisConfig enables the shared UID reservations and free-busy cache when
// Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// Enabled reports whether a redis server is configured.
func (r RedisConfig) Enabled() bool { return r.Addr != "" }

type MaintenanceConfig struct {
	// Cron expression for forgetting old deletions in the revision log.
	// Empty disables the job.
	PruneSchedule string `yaml:"prune_schedule"`
	// Number of most recent revisions whose deletions are kept.
	KeepRevisions int64 `yaml:"keep_revisions"`
}

// DefaultConfig returns a configuration populated with default values.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Index:      IndexConfig{Config: index.DefaultConfig},
		Recurrence: recurrence.DefaultEngineConfig,
		FreeBusy:   freebusy.DefaultConfig,
		Redis: RedisConfig{
			Prefix: "caldora",
		},
		Maintenance: MaintenanceConfig{
			PruneSchedule: "@daily",
			KeepRevisions: 1000,
		},
	}
}

// Normalize fills in defaults for empty fields.
func (c *Config) Normalize() {
	def := DefaultConfig()

	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	if c.Log.Format != "json" {
		c.Log.Format = def.Log.Format
	}

	c.Index.Normalize()
	if c.Recurrence.CacheConfig.TTL <= 0 {
		c.Recurrence.CacheConfig.TTL = recurrence.DefaultCacheConfig.TTL
	}
	if c.Recurrence.CacheConfig.MaxEntries <= 0 {
		c.Recurrence.CacheConfig.MaxEntries = recurrence.DefaultCacheConfig.MaxEntries
	}
	if c.Recurrence.MaxAllowedInstances < 0 {
		c.Recurrence.MaxAllowedInstances = 0
	}
	c.FreeBusy.Normalize()

	if c.Redis.Prefix == "" {
		c.Redis.Prefix = def.Redis.Prefix
	}
	if c.Maintenance.KeepRevisions < 0 {
		c.Maintenance.KeepRevisions = 0
	}
}

// Load reads the configuration from path. A missing file yields the
// defaults, which are written to path for later editing.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg := DefaultConfig()
		if err := Save(path, cfg); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML on top of the defaults, so omitted booleans keep their
// default value.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Normalize()
	return cfg, nil
}

// Save writes cfg to path atomically with 0600 permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}
	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".caldora-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// SlogLevel maps the configured level name onto slog.
func (l LogConfig) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the logger described by l, writing to w.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: l.SlogLevel()}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
