// Package config defines the Task Director's configuration schema and
// helpers for loading it from YAML, grounded in the config-loading
// shape used across the example pack (yaml.v3 unmarshal, ErrNotFound
// sentinel, explicit post-load validation).
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when the config file does not exist at the
// given path.
var ErrNotFound = errors.New("taskdirector config not found")

// Config is the top-level Task Director configuration.
type Config struct {
	Listen        ListenConfig        `yaml:"listen"`
	Observability ObservabilityConfig `yaml:"observability"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ListenConfig describes the network addresses the Director binds.
type ListenConfig struct {
	// Address the WebSocket/HTTP server binds, e.g. ":8080".
	Address string `yaml:"address"`
	// OutboundQueueSize bounds each endpoint's outbound frame buffer: a
	// slow client must not block the Director's lock.
	OutboundQueueSize int `yaml:"outbound_queue_size,omitempty"`
	// ShutdownTimeout bounds how long graceful shutdown waits for
	// in-flight connections before forcing a close.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`
}

// ObservabilityConfig describes metrics and tracing endpoints.
type ObservabilityConfig struct {
	MetricsAddress string `yaml:"metrics_address,omitempty"`
	ServiceName    string `yaml:"service_name,omitempty"`
	OTLPEndpoint   string `yaml:"otlp_endpoint,omitempty"`
}

// LoggingConfig describes log verbosity.
type LoggingConfig struct {
	Verbose bool `yaml:"verbose,omitempty"`
}

// Default returns a Config with every field the process needs to run
// already filled in, for use when no config file is supplied.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{
			Address:           ":8080",
			OutboundQueueSize: 64,
			ShutdownTimeout:   10 * time.Second,
		},
		Observability: ObservabilityConfig{
			MetricsAddress: ":9090",
			ServiceName:    "taskdirectord",
		},
	}
}

// Exists reports whether a config file exists at path. Returns
// (false, nil) if the file does not exist.
func Exists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err == nil {
		return !info.IsDir(), nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Load reads and validates the config at path, filling any field the
// file omits with Default's value. Returns ErrNotFound if path does not
// exist.
func Load(path string) (*Config, error) {
	exists, err := Exists(path)
	if err != nil {
		return nil, fmt.Errorf("checking config existence: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Listen.Address == "" {
		return errors.New("config: listen.address must be non-empty")
	}
	if cfg.Listen.OutboundQueueSize <= 0 {
		return errors.New("config: listen.outbound_queue_size must be positive")
	}
	if cfg.Listen.ShutdownTimeout <= 0 {
		return errors.New("config: listen.shutdown_timeout must be positive")
	}
	return nil
}
