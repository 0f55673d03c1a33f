package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	content := `
server:
  listen_addr: ":9080"
  read_timeout: 10s

database:
  path: "/tmp/bulkops-test.db"
  retention:
    finished_max_age: 720h

transport:
  url: "http://gateway.local:8081"
  token: "secret"
  timeout: 5s

batch:
  page_size: 50
  schedule_poll_interval: 30s
  resume_on_start: false
  default_rate_per_minute: 30
  default_jitter_ms: 500

quota:
  enabled: true
  path: "/tmp/quota.db"
  global:
    messages_per_hour: 1000
    messages_per_day: 5000
  per_recipient:
    messages_per_day: 3

metrics:
  enabled: true
  allowed_ips: ["10.0.0.0/8"]

logging:
  level: "debug"
  format: "console"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.ListenAddr != ":9080" {
		t.Errorf("Server.ListenAddr = %v, want :9080", cfg.Server.ListenAddr)
	}
	if cfg.Server.ReadTimeout != 10*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 10s", cfg.Server.ReadTimeout)
	}
	if cfg.Database.Retention.FinishedMaxAge != 720*time.Hour {
		t.Errorf("Retention.FinishedMaxAge = %v, want 720h", cfg.Database.Retention.FinishedMaxAge)
	}
	if cfg.Transport.Token != "secret" {
		t.Errorf("Transport.Token = %v, want secret", cfg.Transport.Token)
	}
	if cfg.Batch.PageSize != 50 {
		t.Errorf("Batch.PageSize = %v, want 50", cfg.Batch.PageSize)
	}
	if cfg.Batch.Resume() {
		t.Error("Batch.Resume() = true, want false")
	}
	if cfg.Batch.DefaultJitterMs != 500 {
		t.Errorf("Batch.DefaultJitterMs = %v, want 500", cfg.Batch.DefaultJitterMs)
	}
	if !cfg.Quota.Enabled || cfg.Quota.Global == nil || cfg.Quota.Global.MessagesPerDay != 5000 {
		t.Errorf("Quota.Global = %+v, want 5000 per day", cfg.Quota.Global)
	}
	if cfg.Quota.PerRecipient == nil || cfg.Quota.PerRecipient.MessagesPerDay != 3 {
		t.Errorf("Quota.PerRecipient = %+v, want 3 per day", cfg.Quota.PerRecipient)
	}
	if len(cfg.Metrics.AllowedIPs) != 1 {
		t.Errorf("Metrics.AllowedIPs = %v", cfg.Metrics.AllowedIPs)
	}
	if cfg.Logging.Format != "console" {
		t.Errorf("Logging.Format = %v, want console", cfg.Logging.Format)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "transport:\n  url: https://gw.example.com\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"listen addr", cfg.Server.ListenAddr, ":8080"},
		{"max body", cfg.Server.MaxBodyBytes, int64(16 << 20)},
		{"database path", cfg.Database.Path, "/var/lib/bulkops/bulkops.db"},
		{"cleanup interval", cfg.Database.Retention.CleanupInterval, time.Hour},
		{"transport timeout", cfg.Transport.Timeout, 30 * time.Second},
		{"page size", cfg.Batch.PageSize, 100},
		{"poll interval", cfg.Batch.SchedulePollInterval, 10 * time.Second},
		{"resume", cfg.Batch.Resume(), true},
		{"rate", cfg.Batch.DefaultRatePerMinute, 20},
		{"quota flush", cfg.Quota.FlushInterval, 10 * time.Second},
		{"metrics path", cfg.Metrics.Path, "/metrics"},
		{"log level", cfg.Logging.Level, "info"},
		{"log format", cfg.Logging.Format, "json"},
	}

	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("BULKOPS_TRANSPORT_URL", "http://override:9000")
	t.Setenv("BULKOPS_TRANSPORT_TOKEN", "from-env")
	t.Setenv("BULKOPS_DATABASE_PATH", "/data/bulkops.db")
	t.Setenv("BULKOPS_LOG_LEVEL", "warn")

	cfg, err := Load(writeConfig(t, "transport:\n  url: http://file:9000\n  token: from-file\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Transport.URL != "http://override:9000" {
		t.Errorf("Transport.URL = %v", cfg.Transport.URL)
	}
	if cfg.Transport.Token != "from-env" {
		t.Errorf("Transport.Token = %v", cfg.Transport.Token)
	}
	if cfg.Database.Path != "/data/bulkops.db" {
		t.Errorf("Database.Path = %v", cfg.Database.Path)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %v", cfg.Logging.Level)
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("BULKOPS_TEST_DOTENV=loaded\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("BULKOPS_TEST_DOTENV") })

	if err := LoadEnvFile(path); err != nil {
		t.Fatalf("LoadEnvFile() error = %v", err)
	}
	if got := os.Getenv("BULKOPS_TEST_DOTENV"); got != "loaded" {
		t.Errorf("BULKOPS_TEST_DOTENV = %q, want loaded", got)
	}

	if err := LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("missing env file: unexpected error %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"missing transport", "logging:\n  level: info\n", "transport.url is required"},
		{"bad scheme", "transport:\n  url: ftp://gw\n", "invalid transport.url"},
		{"bad rate", "transport:\n  url: http://gw\nbatch:\n  default_rate_per_minute: 1000\n", "default_rate_per_minute"},
		{"bad jitter", "transport:\n  url: http://gw\nbatch:\n  default_jitter_ms: -5\n", "default_jitter_ms"},
		{"short poll", "transport:\n  url: http://gw\nbatch:\n  schedule_poll_interval: 10ms\n", "schedule_poll_interval"},
		{"negative quota", "transport:\n  url: http://gw\nquota:\n  enabled: true\n  global:\n    messages_per_hour: -1\n", "quota.global"},
		{"bad log level", "transport:\n  url: http://gw\nlogging:\n  level: trace\n", "invalid logging.level"},
		{"bad log format", "transport:\n  url: http://gw\nlogging:\n  format: xml\n", "invalid logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("Load() expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load() expected error for missing file")
	}
}
