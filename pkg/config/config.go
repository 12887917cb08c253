// Package config reads the YAML configuration file of the backend: the logging,
// web UI, storage and cache settings, and the list of monitoring entries.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"dhcp-activity-backend/pkg/logger"

	"gopkg.in/yaml.v3"
)

const (
	DefaultWebUIPort       = 8100
	DefaultTrackerDB       = "/data/entities.sqlite3"
	DefaultRedisTTL        = 24 * time.Hour
	defaultRefreshInterval = 30
)

type WebUIConfig struct {
	Port            int
	LogActivity     bool
	RefreshInterval time.Duration
}

type RedisConfig struct {
	URL string // empty disables the snapshot cache
	TTL time.Duration
}

// Config is the validated content of the configuration file.
type Config struct {
	Log       logger.Config
	WebUI     WebUIConfig
	TrackerDB string
	Redis     RedisConfig
	Entries   []EntryOptions
}

// Load reads and validates the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration file %s: %w", path, err)
	}
	return cfg, nil
}

// Parse validates the YAML configuration.
func Parse(data []byte) (*Config, error) {
	// YAML structure; the entries are validated by EntryOptions.UnmarshalYAML
	var raw struct {
		Log   logger.Config `yaml:"log"`
		WebUI struct {
			Port               *int `yaml:"port"`
			LogActivity        bool `yaml:"log_activity"`
			RefreshIntervalSec *int `yaml:"refresh_interval_sec"`
		} `yaml:"web_ui"`
		TrackerDB string `yaml:"tracker_db"`
		Redis     struct {
			URL string `yaml:"url"`
			TTL string `yaml:"ttl"`
		} `yaml:"redis"`
		Entries []EntryOptions `yaml:"entries"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	cfg := Config{
		Log:       raw.Log,
		TrackerDB: raw.TrackerDB,
		Entries:   raw.Entries,
		WebUI: WebUIConfig{
			Port:            intOr(raw.WebUI.Port, DefaultWebUIPort),
			LogActivity:     raw.WebUI.LogActivity,
			RefreshInterval: time.Duration(intOr(raw.WebUI.RefreshIntervalSec, defaultRefreshInterval)) * time.Second,
		},
		Redis: RedisConfig{URL: raw.Redis.URL, TTL: DefaultRedisTTL},
	}
	if cfg.TrackerDB == "" {
		cfg.TrackerDB = DefaultTrackerDB
	}

	// ensure we have a valid port for web UI
	if cfg.WebUI.Port <= 0 || cfg.WebUI.Port > 65535 {
		return nil, fmt.Errorf("invalid web UI port number: %d", cfg.WebUI.Port)
	}
	if cfg.WebUI.RefreshInterval <= 0 {
		return nil, fmt.Errorf("invalid web UI refresh interval: %v", cfg.WebUI.RefreshInterval)
	}

	if raw.Redis.TTL != "" {
		ttl, err := ParseDuration(raw.Redis.TTL)
		if err != nil || ttl <= 0 {
			return nil, fmt.Errorf("invalid time duration found inside 'redis.ttl': %s", raw.Redis.TTL)
		}
		cfg.Redis.TTL = ttl
	}

	if len(cfg.Entries) == 0 {
		return nil, errors.New("no monitoring entry configured")
	}
	seen := make(map[string]struct{}, len(cfg.Entries))
	for _, e := range cfg.Entries {
		if _, dup := seen[e.ID]; dup {
			return nil, fmt.Errorf("duplicate entry ID %q", e.ID)
		}
		seen[e.ID] = struct{}{}
	}

	return &cfg, nil
}
