// Package config provides YAML configuration loading and validation for
// depfinder's tracer, collector-upload, and event-log options.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level depfinder configuration structure.
type Config struct {
	// Tracer controls how strace is invoked for a one-shot trace.
	Tracer TracerConfig `yaml:"tracer"`

	// Collector holds the optional fleet collector upload settings. When
	// Endpoint is empty, uploads are disabled and reports are produced
	// only for local reporting.
	Collector CollectorConfig `yaml:"collector"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// EventLog, if set, is the path to an append-only hash-chained JSONL
	// log of every normalized trace event observed.
	EventLog string `yaml:"event_log,omitempty"`

	// Watch controls continuous, whole-host watch mode.
	Watch WatchConfig `yaml:"watch"`
}

// WatchConfig controls depfinder's continuous watch mode (-watch), as
// opposed to tracing a single invocation.
type WatchConfig struct {
	// SnapshotInterval is how often the accumulated process forest is
	// collapsed and reported. Defaults to 60s.
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
}

// TracerConfig controls the strace subprocess.
type TracerConfig struct {
	// StracePath is the strace executable to invoke. Defaults to
	// "strace" (resolved via $PATH).
	StracePath string `yaml:"strace_path"`

	// BufferSize is strace's -s argument: the string truncation length.
	// Defaults to 4096, and is never configured below that, since smaller
	// values silently truncate paths the interpreter must see in full.
	BufferSize int `yaml:"buffer_size"`

	// EnvAllow is the environment variable allowlist applied before
	// spawning strace. Defaults to ["PATH", "PWD", "SHELL"].
	EnvAllow []string `yaml:"env_allow"`
}

// CollectorConfig controls upload of completed trace reports to a fleet
// collector.
type CollectorConfig struct {
	// Endpoint is the collector's base URL (e.g.
	// "https://depfinder-collector.example.com"). Empty disables upload.
	Endpoint string `yaml:"endpoint,omitempty"`

	// AuthToken is the bearer token presented to the collector's REST API.
	AuthToken string `yaml:"auth_token,omitempty"`

	// QueuePath is the local SQLite queue database used to buffer
	// reports pending upload. Defaults to "depfinder-queue.db".
	QueuePath string `yaml:"queue_path"`

	// PollIntervalSeconds is how often the upload client drains the queue
	// and attempts delivery. Defaults to 5.
	PollIntervalSeconds int `yaml:"poll_interval_seconds,omitempty"`

	// BatchSize is the maximum number of queued reports drained per poll
	// cycle. Defaults to 50.
	BatchSize int `yaml:"batch_size,omitempty"`

	// MetricsAddr, if set, serves the upload client's Prometheus metrics
	// (transport_upload_attempts_total and friends) at /metrics on this
	// address. Empty disables the listener.
	MetricsAddr string `yaml:"metrics_addr,omitempty"`
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config,
// applies defaults, and validates it. It returns a typed error describing
// every validation failure encountered, not just the first.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// Default returns a Config populated entirely with defaults, for
// invocations that pass no -config flag.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Tracer.StracePath == "" {
		cfg.Tracer.StracePath = "strace"
	}
	if cfg.Tracer.BufferSize < 4096 {
		cfg.Tracer.BufferSize = 4096
	}
	if len(cfg.Tracer.EnvAllow) == 0 {
		cfg.Tracer.EnvAllow = []string{"PATH", "PWD", "SHELL"}
	}
	if cfg.Collector.Endpoint != "" && cfg.Collector.QueuePath == "" {
		cfg.Collector.QueuePath = "depfinder-queue.db"
	}
	if cfg.Collector.PollIntervalSeconds <= 0 {
		cfg.Collector.PollIntervalSeconds = 5
	}
	if cfg.Collector.BatchSize <= 0 {
		cfg.Collector.BatchSize = 50
	}
	if cfg.Watch.SnapshotInterval <= 0 {
		cfg.Watch.SnapshotInterval = 60 * time.Second
	}
}

func validate(cfg *Config) error {
	var errs []error

	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.Tracer.BufferSize < 4096 {
		errs = append(errs, fmt.Errorf("tracer.buffer_size must be at least 4096, got %d", cfg.Tracer.BufferSize))
	}
	if cfg.Collector.Endpoint != "" && cfg.Collector.AuthToken == "" {
		errs = append(errs, errors.New("collector.auth_token is required when collector.endpoint is set"))
	}

	return errors.Join(errs...)
}
