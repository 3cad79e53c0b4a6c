package foldstream

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the runtime configuration passed to StartApplication.
type Config struct {
	// EventStore selects and configures the event log backend.
	EventStore EventStoreConfig `yaml:"event-store"`
}

// EventStoreConfig selects the event log backend.
type EventStoreConfig struct {
	// Type is the backend selector: "redis" or "memory". Empty defaults
	// to "memory".
	Type string `yaml:"type"`

	// Spec is the connection spec passed to the backend, e.g. a
	// redis:// URI.
	Spec string `yaml:"spec"`

	// Pool holds connection pool options passed to the backend.
	Pool PoolConfig `yaml:"pool"`
}

// PoolConfig holds connection pool options.
type PoolConfig struct {
	// Size is the maximum number of pooled connections. Zero keeps the
	// backend's default.
	Size int `yaml:"size"`

	// MinIdle is the minimum number of idle connections. Zero keeps the
	// backend's default.
	MinIdle int `yaml:"min-idle"`
}

// MemoryConfig returns a Config selecting the in-memory backend.
func MemoryConfig() Config {
	return Config{EventStore: EventStoreConfig{Type: "memory"}}
}

// RedisConfig returns a Config selecting the redis backend with the
// given connection URI.
func RedisConfig(uri string) Config {
	return Config{EventStore: EventStoreConfig{Type: "redis", Spec: uri}}
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("foldstream: read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("foldstream: parse config %s: %w", path, err)
	}
	return cfg, nil
}
