package config_test

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jherland/depfinder/internal/config"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

const validYAML = `
log_level: debug
tracer:
  strace_path: /usr/bin/strace
  buffer_size: 8192
collector:
  endpoint: "https://collector.example.com"
  auth_token: "secret"
`

func TestLoadConfig_Valid(t *testing.T) {
	path := writeTemp(t, validYAML)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.Tracer.StracePath != "/usr/bin/strace" {
		t.Errorf("Tracer.StracePath = %q", cfg.Tracer.StracePath)
	}
	if cfg.Tracer.BufferSize != 8192 {
		t.Errorf("Tracer.BufferSize = %d, want 8192", cfg.Tracer.BufferSize)
	}
	if cfg.Collector.QueuePath != "depfinder-queue.db" {
		t.Errorf("Collector.QueuePath = %q, want default", cfg.Collector.QueuePath)
	}
	if cfg.Collector.PollIntervalSeconds != 5 {
		t.Errorf("Collector.PollIntervalSeconds = %d, want 5", cfg.Collector.PollIntervalSeconds)
	}
	if cfg.Collector.BatchSize != 50 {
		t.Errorf("Collector.BatchSize = %d, want 50", cfg.Collector.BatchSize)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeTemp(t, "")
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.Tracer.StracePath != "strace" {
		t.Errorf("Tracer.StracePath = %q, want strace", cfg.Tracer.StracePath)
	}
	if cfg.Tracer.BufferSize != 4096 {
		t.Errorf("Tracer.BufferSize = %d, want 4096", cfg.Tracer.BufferSize)
	}
	if len(cfg.Tracer.EnvAllow) != 3 {
		t.Errorf("Tracer.EnvAllow = %v, want 3 defaults", cfg.Tracer.EnvAllow)
	}
}

func TestLoadConfig_InvalidLogLevel(t *testing.T) {
	path := writeTemp(t, "log_level: verbose\n")
	_, err := config.LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "log_level") {
		t.Fatalf("expected log_level validation error, got %v", err)
	}
}

func TestLoadConfig_EndpointRequiresToken(t *testing.T) {
	path := writeTemp(t, "collector:\n  endpoint: https://collector.example.com\n")
	_, err := config.LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "auth_token") {
		t.Fatalf("expected auth_token validation error, got %v", err)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := config.LoadConfig("/nonexistent/path.yaml")
	if err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestDefault(t *testing.T) {
	cfg := config.Default()
	if cfg.LogLevel != "info" || cfg.Tracer.StracePath != "strace" {
		t.Errorf("Default() = %+v", cfg)
	}
	if cfg.Watch.SnapshotInterval != 60*time.Second {
		t.Errorf("Watch.SnapshotInterval = %v, want 60s", cfg.Watch.SnapshotInterval)
	}
}

func TestLoadConfig_MetricsAddrOptional(t *testing.T) {
	path := writeTemp(t, "")
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Collector.MetricsAddr != "" {
		t.Errorf("Collector.MetricsAddr = %q, want empty by default", cfg.Collector.MetricsAddr)
	}

	withAddr := writeTemp(t, "collector:\n  endpoint: https://collector.example.com\n  auth_token: secret\n  metrics_addr: \":9090\"\n")
	cfg, err = config.LoadConfig(withAddr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Collector.MetricsAddr != ":9090" {
		t.Errorf("Collector.MetricsAddr = %q, want :9090", cfg.Collector.MetricsAddr)
	}
}

func TestLoadConfig_WatchSnapshotInterval(t *testing.T) {
	path := writeTemp(t, "watch:\n  snapshot_interval: 30s\n")
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Watch.SnapshotInterval != 30*time.Second {
		t.Errorf("Watch.SnapshotInterval = %v, want 30s", cfg.Watch.SnapshotInterval)
	}
}
