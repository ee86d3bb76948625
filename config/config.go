// Package config loads service configuration from a YAML file merged with
// command-line flags, and can watch the file for changes so tuning like the
// snapshot interval applies without a restart.
package config

import (
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendMemory    = "memory"
	BackendSQLite    = "sqlite"
	BackendFirestore = "firestore"
)

// StoreConfig selects and parameterizes the document store backend.
type StoreConfig struct {
	Backend          string `yaml:"backend"`
	SQLitePath       string `yaml:"sqlite_path"`
	FirestoreProject string `yaml:"firestore_project"`
}

// SnapshotConfig tunes the snapshot/compaction policy.
type SnapshotConfig struct {
	// Interval is the number of accepted steps between snapshots; 0 disables
	// policy-driven snapshots.
	Interval int `yaml:"interval"`
	// Prune compacts superseded snapshots and steps when a new snapshot is
	// written.
	Prune bool `yaml:"prune"`
}

// Config holds the application configuration.
type Config struct {
	Addr     string         `yaml:"addr"`
	Store    StoreConfig    `yaml:"store"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Addr: ":8080",
		Store: StoreConfig{
			Backend:    BackendMemory,
			SQLitePath: "docsync.sqlite3",
		},
		Snapshot: SnapshotConfig{
			Interval: 100,
			Prune:    false,
		},
	}
}

// Load reads the YAML file at path over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendSQLite, BackendFirestore:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Snapshot.Interval < 0 {
		return fmt.Errorf("snapshot interval must be non-negative, got %d", c.Snapshot.Interval)
	}
	return nil
}

// ParseFlags parses command-line flags and merges them over the config
// file. Returns the config and the path it was loaded from (empty when no
// file was used).
func ParseFlags() (*Config, string, error) {
	configFlag := flag.String("config", "", "Path to YAML configuration file")
	addrFlag := flag.String("addr", "", "HTTP listen address (overrides config)")
	storeFlag := flag.String("store", "", "Store backend: memory, sqlite or firestore (overrides config)")
	flag.Parse()

	cfg, err := Load(*configFlag)
	if err != nil {
		return nil, "", err
	}
	if *addrFlag != "" {
		cfg.Addr = *addrFlag
	}
	if *storeFlag != "" {
		cfg.Store.Backend = *storeFlag
		if err := cfg.validate(); err != nil {
			return nil, "", err
		}
	}
	return cfg, *configFlag, nil
}
