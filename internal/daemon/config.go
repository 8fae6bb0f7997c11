// Package daemon manages the homehub runtime lifecycle and configuration.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/ashsolei/HomeySmartHome-sub011/internal/infra/logging"
)

// Config holds all daemon configuration.
type Config struct {
	Node      NodeConfig      `toml:"node"`
	API       APIConfig       `toml:"api"`
	Logging   logging.Config  `toml:"logging"`
	Storage   StorageConfig   `toml:"storage"`
	Security  SecurityConfig  `toml:"security"`
	Locks     LocksConfig     `toml:"locks"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// NodeConfig identifies this installation.
type NodeConfig struct {
	Name string `toml:"name"`
}

// APIConfig controls the HTTP API server.
type APIConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// StorageConfig controls the settings database.
type StorageConfig struct {
	Dir string `toml:"dir"` // empty = $HOMEHUB_HOME
}

// SecurityConfig carries the security subsystem's bootstrap values.
type SecurityConfig struct {
	SilentAlarmContacts []string `toml:"silent_alarm_contacts"`
	GeofenceRadiusM     float64  `toml:"geofence_radius_m"`
	AutoArmOnLeave      bool     `toml:"auto_arm_on_leave"`
	AutoDisarmOnArrive  bool     `toml:"auto_disarm_on_arrive"`
}

// LocksConfig carries the lock subsystem's bootstrap values.
type LocksConfig struct {
	AutoLockEnabled bool  `toml:"auto_lock_enabled"`
	AutoLockDelayMs int64 `toml:"auto_lock_delay_ms"`
}

// TelemetryConfig controls observability.
type TelemetryConfig struct {
	Prometheus bool `toml:"prometheus"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Node: NodeConfig{Name: "homehub"},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Logging: logging.DefaultConfig(),
		Security: SecurityConfig{
			GeofenceRadiusM: 200,
		},
		Locks: LocksConfig{
			AutoLockEnabled: true,
			AutoLockDelayMs: 300000,
		},
		Telemetry: TelemetryConfig{Prometheus: false},
	}
}

// LoadConfig reads config from $HOMEHUB_HOME/config.toml, falling back to
// defaults when no file exists.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	path := filepath.Join(Home(), "config.toml")

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes the config to $HOMEHUB_HOME/config.toml.
func SaveConfig(cfg Config) error {
	path := filepath.Join(Home(), "config.toml")
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

// Home returns the homehub data directory.
func Home() string {
	if env := os.Getenv("HOMEHUB_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".homehub")
}
