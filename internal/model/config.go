package model

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	yamlv3 "gopkg.in/yaml.v3"
)

type Config struct {
	Engine    EngineConfig    `yaml:"engine"`
	Inference InferenceConfig `yaml:"inference"`
	Sync      SyncConfig      `yaml:"sync"`
	Daemon    DaemonConfig    `yaml:"daemon"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type EngineConfig struct {
	WindowMinutes        int `yaml:"window_minutes"`
	LaneCap              int `yaml:"lane_cap"`
	DispatchCap          int `yaml:"dispatch_cap"`
	AlertCap             int `yaml:"alert_cap"`
	StaleIncidentMinutes int `yaml:"stale_incident_minutes"`
}

type InferenceConfig struct {
	AcquisitionMode  string              `yaml:"acquisition_mode"`
	StrictCompliance *bool               `yaml:"strict_compliance,omitempty"` // nil: strict only under MANUAL_ONLY
	HighLoadPct      float64             `yaml:"high_load_pct"`
	Policy           map[string][]string `yaml:"policy,omitempty"`       // mode → allowed evidence sources
	Confirmation     map[string][]string `yaml:"confirmation,omitempty"` // mode → sources needing confirmed=true
}

type SyncConfig struct {
	Store         string `yaml:"store"` // file | sqlite | redis | none
	Path          string `yaml:"path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisDB       int    `yaml:"redis_db"`
	DebounceMs    int    `yaml:"debounce_ms"`
	MaxStateBytes int    `yaml:"max_state_bytes"`
	MaxPending    int    `yaml:"max_pending"`
}

type DaemonConfig struct {
	StateDir           string `yaml:"state_dir"` // lock file, logs and sync journal
	PollIntervalSec    int    `yaml:"poll_interval_sec"`
	ShutdownTimeoutSec int    `yaml:"shutdown_timeout_sec"`
	DesktopNotify      bool   `yaml:"desktop_notify"` // notify on newly raised critical alerts
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// WithDefaults returns a copy with zero-valued settings replaced by their defaults.
func (c Config) WithDefaults() Config {
	if c.Engine.WindowMinutes <= 0 {
		c.Engine.WindowMinutes = 10
	}
	if c.Engine.LaneCap <= 0 {
		c.Engine.LaneCap = 18
	}
	if c.Engine.DispatchCap <= 0 {
		c.Engine.DispatchCap = 12
	}
	if c.Engine.AlertCap <= 0 {
		c.Engine.AlertCap = 6
	}
	if c.Engine.StaleIncidentMinutes <= 0 {
		c.Engine.StaleIncidentMinutes = 10
	}
	if c.Inference.AcquisitionMode == "" {
		c.Inference.AcquisitionMode = "MANUAL_ONLY"
	}
	if c.Inference.HighLoadPct <= 0 {
		c.Inference.HighLoadPct = 70
	}
	if c.Sync.Store == "" {
		c.Sync.Store = "file"
	}
	if c.Sync.Path == "" {
		c.Sync.Path = ".commsengine/state"
	}
	if c.Sync.DebounceMs <= 0 {
		c.Sync.DebounceMs = 900
	}
	if c.Sync.MaxStateBytes <= 0 {
		c.Sync.MaxStateBytes = 220 * 1024
	}
	if c.Sync.MaxPending <= 0 {
		c.Sync.MaxPending = 48
	}
	if c.Daemon.StateDir == "" {
		c.Daemon.StateDir = ".commsengine"
	}
	if c.Daemon.PollIntervalSec <= 0 {
		c.Daemon.PollIntervalSec = 20
	}
	if c.Daemon.ShutdownTimeoutSec <= 0 {
		c.Daemon.ShutdownTimeoutSec = 10
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	return c
}

// LoadConfig reads a YAML config file. An empty path yields the defaults.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg.WithDefaults(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg.WithDefaults(), nil
}

// LoadSnapshot reads a snapshot document: JSON (camelCase keys) for .json files, YAML otherwise.
func LoadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	var snap Snapshot
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &snap)
	} else {
		err = yamlv3.Unmarshal(data, &snap)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("parse snapshot: %w", err)
	}
	return snap, nil
}
