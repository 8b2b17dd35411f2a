// Package config loads the daemon configuration from a YAML file with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Remote backend modes.
const (
	ModeStandalone = "standalone"
	ModePostgres   = "postgres"
)

// Remote selects and configures the authoritative backend.
type Remote struct {
	// Mode is "standalone" (in-process, single device) or "postgres".
	Mode string `yaml:"mode"`
	// DSN is the Postgres connection string, required in postgres mode.
	DSN string `yaml:"dsn"`
}

// Duration wraps time.Duration so YAML accepts values like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Sync holds the tunable intervals of the background actors.
type Sync struct {
	// HealthInterval is the health-check period while connected.
	HealthInterval Duration `yaml:"health_interval"`
	// RecoveryInterval is the probe period while disconnected.
	RecoveryInterval Duration `yaml:"recovery_interval"`
	// Debounce is the quiet window after an edit before dispatch.
	Debounce Duration `yaml:"debounce"`
	// SafetyInterval is the catch-all dispatch period.
	SafetyInterval Duration `yaml:"safety_interval"`
}

// Config is the daemon configuration.
type Config struct {
	// DataDir holds the local cache and sync queue databases.
	DataDir string `yaml:"data_dir"`
	// ListenAddr is the HTTP/WebSocket bind address for the UI.
	ListenAddr string `yaml:"listen_addr"`
	// LogLevel is a zap level name: debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
	Remote   Remote `yaml:"remote"`
	Sync     Sync   `yaml:"sync"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DataDir:    "./data",
		ListenAddr: "127.0.0.1:8480",
		LogLevel:   "info",
		Remote:     Remote{Mode: ModeStandalone},
		Sync: Sync{
			HealthInterval:   Duration(30 * time.Second),
			RecoveryInterval: Duration(5 * time.Second),
			Debounce:         Duration(time.Second),
			SafetyInterval:   Duration(30 * time.Second),
		},
	}
}

// Load reads the configuration file at path (missing file is fine, the
// defaults apply), then applies environment overrides, then validates.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	if v := os.Getenv("QUILL_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("QUILL_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("QUILL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("QUILL_REMOTE_DSN"); v != "" {
		cfg.Remote.DSN = v
		cfg.Remote.Mode = ModePostgres
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration for contradictions.
func (c Config) Validate() error {
	if c.Sync.HealthInterval <= 0 || c.Sync.RecoveryInterval <= 0 ||
		c.Sync.Debounce <= 0 || c.Sync.SafetyInterval <= 0 {
		return fmt.Errorf("sync intervals must be positive")
	}
	switch c.Remote.Mode {
	case ModeStandalone:
		return nil
	case ModePostgres:
		if c.Remote.DSN == "" {
			return fmt.Errorf("remote.dsn is required in postgres mode")
		}
		return nil
	default:
		return fmt.Errorf("unknown remote.mode %q", c.Remote.Mode)
	}
}
