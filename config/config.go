// Package config loads the server configuration from YAML.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alimasry/go-collab-history/history"
)

// Storage backends.
const (
	BackendMemory    = "memory"
	BackendBadger    = "badger"
	BackendFirestore = "firestore"
)

type Config struct {
	Addr           string         `yaml:"addr"`
	LogLevel       string         `yaml:"log_level"`
	TracingEnabled bool           `yaml:"tracing_enabled"`
	History        history.Config `yaml:"history"`
	Store          StoreConfig    `yaml:"store"`
	Client         ClientConfig   `yaml:"client"`
}

// StoreConfig selects where closed history entries are archived.
type StoreConfig struct {
	Backend          string        `yaml:"backend"`
	BadgerPath       string        `yaml:"badger_path"`
	FirestoreProject string        `yaml:"firestore_project"`
	Cached           bool          `yaml:"cached"`
	FlushInterval    time.Duration `yaml:"flush_interval"`
}

type ClientConfig struct {
	// ApplyTimeout bounds how long a remote tile may take to acknowledge
	// a snapshot or replay.
	ApplyTimeout time.Duration `yaml:"apply_timeout"`
}

func DefaultConfig() Config {
	return Config{
		Addr:     ":8080",
		LogLevel: "info",
		History:  history.DefaultConfig(),
		Store: StoreConfig{
			Backend:       BackendMemory,
			BadgerPath:    "data/history",
			FlushInterval: 5 * time.Second,
		},
		Client: ClientConfig{ApplyTimeout: 10 * time.Second},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory:
	case BackendBadger:
		if c.Store.BadgerPath == "" {
			return fmt.Errorf("store.badger_path is required for the badger backend")
		}
	case BackendFirestore:
		if c.Store.FirestoreProject == "" {
			return fmt.Errorf("store.firestore_project is required for the firestore backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Cached && c.Store.FlushInterval <= 0 {
		return fmt.Errorf("store.flush_interval must be positive when cached")
	}
	if c.Client.ApplyTimeout <= 0 {
		return fmt.Errorf("client.apply_timeout must be positive")
	}
	if c.History.MaxUndoDepth < 0 || c.History.MaxRetainedEntries < 0 {
		return fmt.Errorf("history limits must not be negative")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return level, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}
