// Package config handles loading, validating, and writing the medtrail
// configuration from <config-dir>/config.yaml.
//
// The config defines:
//   - Store path (SQLite database holding the audit chain)
//   - Fallback buffer capacity for store outages
//   - Anomaly detection thresholds and the night window
//   - Live feed bind address
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level medtrail configuration. Loaded from config.yaml,
// with defaults for fields that are not explicitly set.
type Config struct {
	Store    StoreConfig    `yaml:"store"`
	Fallback FallbackConfig `yaml:"fallback"`
	Anomaly  AnomalyConfig  `yaml:"anomaly"`
	Feed     FeedConfig     `yaml:"feed"`
}

// StoreConfig locates the durable audit store.
type StoreConfig struct {
	// Path to the SQLite database file, relative to the config dir unless
	// absolute.
	Path string `yaml:"path"`
}

// FallbackConfig bounds the in-memory buffer that holds entries while the
// store is unavailable.
type FallbackConfig struct {
	Capacity int `yaml:"capacity"`
}

// AnomalyConfig holds the suspicious-activity thresholds. These are
// deployment-specific compliance knobs, which is why they live in the
// config file rather than in code, and why they hot-reload.
type AnomalyConfig struct {
	WindowMinutes        int    `yaml:"windowMinutes"`
	FailedLoginThreshold int    `yaml:"failedLoginThreshold"`
	FanOutThreshold      int    `yaml:"fanOutThreshold"`
	NightStartHour       int    `yaml:"nightStartHour"`
	NightEndHour         int    `yaml:"nightEndHour"`
	Timezone             string `yaml:"timezone"`
}

// FeedConfig defines where `medtrail watch` serves the live entry feed.
// Loopback only by default — the feed carries access metadata.
type FeedConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Load reads and parses config.yaml from the given path. If the file
// doesn't exist, returns defaults (not an error). Invalid YAML or
// validation failures return an error.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No config file — use defaults. Normal before `medtrail init`
			// creates one.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// WriteDefault writes a default config.yaml with all fields populated and
// a comment header. Used by `medtrail init`.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# medtrail configuration
#
# store:
#   path: SQLite database holding the hash-chained audit entries
#
# fallback:
#   capacity: Max entries buffered in memory while the store is down
#             (oldest evicted beyond this, with an eviction counter)
#
# anomaly:
#   windowMinutes: How far back detection looks
#   failedLoginThreshold: LOGIN_FAILED count per actor that triggers a flag
#   fanOutThreshold: Distinct subjects viewed per actor that triggers a flag
#   nightStartHour/nightEndHour: After-hours window, local time (wraps midnight)
#   timezone: IANA zone for the after-hours check ("" = process-local)
#
# feed:
#   host/port: Bind address for the live websocket feed (medtrail watch)

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// applyDefaults returns a Config with every field set to its default.
func applyDefaults() *Config {
	return &Config{
		Store:    StoreConfig{Path: "audit.db"},
		Fallback: FallbackConfig{Capacity: 1000},
		Anomaly: AnomalyConfig{
			WindowMinutes:        60,
			FailedLoginThreshold: 5,
			FanOutThreshold:      10,
			NightStartHour:       18,
			NightEndHour:         6,
		},
		Feed: FeedConfig{Host: "127.0.0.1", Port: 3180},
	}
}

// validate checks config invariants after unmarshal.
func validate(cfg *Config) error {
	if cfg.Store.Path == "" {
		return fmt.Errorf("store.path must not be empty")
	}
	if cfg.Fallback.Capacity < 1 {
		return fmt.Errorf("fallback.capacity must be at least 1, got %d", cfg.Fallback.Capacity)
	}
	if cfg.Anomaly.WindowMinutes < 1 {
		return fmt.Errorf("anomaly.windowMinutes must be at least 1, got %d", cfg.Anomaly.WindowMinutes)
	}
	if cfg.Anomaly.FailedLoginThreshold < 1 {
		return fmt.Errorf("anomaly.failedLoginThreshold must be at least 1, got %d", cfg.Anomaly.FailedLoginThreshold)
	}
	if cfg.Anomaly.FanOutThreshold < 1 {
		return fmt.Errorf("anomaly.fanOutThreshold must be at least 1, got %d", cfg.Anomaly.FanOutThreshold)
	}
	if h := cfg.Anomaly.NightStartHour; h < 0 || h > 23 {
		return fmt.Errorf("anomaly.nightStartHour must be 0-23, got %d", h)
	}
	if h := cfg.Anomaly.NightEndHour; h < 0 || h > 23 {
		return fmt.Errorf("anomaly.nightEndHour must be 0-23, got %d", h)
	}
	if cfg.Feed.Port < 1 || cfg.Feed.Port > 65535 {
		return fmt.Errorf("feed.port must be 1-65535, got %d", cfg.Feed.Port)
	}
	return nil
}
