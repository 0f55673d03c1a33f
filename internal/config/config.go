package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/foxzi/bulkops/internal/ratelimit"
)

// Config is the main configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Transport TransportConfig `yaml:"transport"`
	Batch     BatchConfig     `yaml:"batch"`
	Quota     QuotaConfig     `yaml:"quota"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains HTTP API settings
type ServerConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"` // Largest accepted request body (imports)
}

// DatabaseConfig contains SQLite settings
type DatabaseConfig struct {
	Path      string           `yaml:"path"`
	Retention *RetentionConfig `yaml:"retention"`
}

// RetentionConfig controls removal of finished jobs
type RetentionConfig struct {
	FinishedMaxAge  time.Duration `yaml:"finished_max_age"` // 0 = keep forever
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// TransportConfig contains messaging gateway settings
type TransportConfig struct {
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// BatchConfig contains job engine settings
type BatchConfig struct {
	PageSize             int           `yaml:"page_size"`
	SchedulePollInterval time.Duration `yaml:"schedule_poll_interval"`
	ResumeOnStart        *bool         `yaml:"resume_on_start"` // Default: true

	// Pacing for send jobs that leave it unset
	DefaultRatePerMinute int `yaml:"default_rate_per_minute"`
	DefaultJitterMs      int `yaml:"default_jitter_ms"`
}

// Resume reports whether interrupted jobs are relaunched on start
func (b BatchConfig) Resume() bool {
	return b.ResumeOnStart == nil || *b.ResumeOnStart
}

// QuotaConfig contains send quota settings
type QuotaConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // bbolt file holding the counters

	ratelimit.Config `yaml:",inline"`
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled         bool          `yaml:"enabled"`
	ListenAddr      string        `yaml:"listen_addr"`      // Default: :9090
	Path            string        `yaml:"path"`             // Default: /metrics
	CollectInterval time.Duration `yaml:"collect_interval"` // Default: 15s
	AllowedIPs      []string      `yaml:"allowed_ips"`      // IP addresses/CIDRs allowed to scrape
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text, console
}

// LoadEnvFile loads variables from a dotenv file. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Server.MaxHeaderBytes == 0 {
		c.Server.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 16 << 20 // 16 MB
	}

	if c.Database.Path == "" {
		c.Database.Path = "/var/lib/bulkops/bulkops.db"
	}
	if c.Database.Retention == nil {
		c.Database.Retention = &RetentionConfig{}
	}
	if c.Database.Retention.CleanupInterval == 0 {
		c.Database.Retention.CleanupInterval = time.Hour
	}

	if c.Transport.Timeout == 0 {
		c.Transport.Timeout = 30 * time.Second
	}

	if c.Batch.PageSize == 0 {
		c.Batch.PageSize = 100
	}
	if c.Batch.SchedulePollInterval == 0 {
		c.Batch.SchedulePollInterval = 10 * time.Second
	}
	if c.Batch.DefaultRatePerMinute == 0 {
		c.Batch.DefaultRatePerMinute = 20
	}

	if c.Quota.Path == "" {
		c.Quota.Path = "/var/lib/bulkops/quota.db"
	}
	if c.Quota.FlushInterval == 0 {
		c.Quota.FlushInterval = 10 * time.Second
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.CollectInterval == 0 {
		c.Metrics.CollectInterval = 15 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// applyEnv overrides addresses and secrets from BULKOPS_* variables
func (c *Config) applyEnv() {
	overrides := []struct {
		key    string
		target *string
	}{
		{"BULKOPS_DATABASE_PATH", &c.Database.Path},
		{"BULKOPS_TRANSPORT_URL", &c.Transport.URL},
		{"BULKOPS_TRANSPORT_TOKEN", &c.Transport.Token},
		{"BULKOPS_LISTEN_ADDR", &c.Server.ListenAddr},
		{"BULKOPS_LOG_LEVEL", &c.Logging.Level},
	}
	for _, o := range overrides {
		if v, ok := os.LookupEnv(o.key); ok && v != "" {
			*o.target = v
		}
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Transport.URL == "" {
		return fmt.Errorf("transport.url is required")
	}
	u, err := url.Parse(c.Transport.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid transport.url: %s (must be an http or https URL)", c.Transport.URL)
	}

	if c.Batch.PageSize < 1 {
		return fmt.Errorf("batch.page_size must be positive")
	}
	if c.Batch.DefaultRatePerMinute < 1 || c.Batch.DefaultRatePerMinute > 600 {
		return fmt.Errorf("batch.default_rate_per_minute must be between 1 and 600")
	}
	if c.Batch.DefaultJitterMs < 0 || c.Batch.DefaultJitterMs > 60000 {
		return fmt.Errorf("batch.default_jitter_ms must be between 0 and 60000")
	}
	if c.Batch.SchedulePollInterval < time.Second {
		return fmt.Errorf("batch.schedule_poll_interval must be at least 1s")
	}

	if c.Database.Retention.FinishedMaxAge < 0 {
		return fmt.Errorf("database.retention.finished_max_age must not be negative")
	}

	if c.Quota.Enabled {
		for name, l := range map[string]*ratelimit.LimitConfig{"global": c.Quota.Global, "per_recipient": c.Quota.PerRecipient} {
			if l != nil && (l.MessagesPerHour < 0 || l.MessagesPerDay < 0) {
				return fmt.Errorf("quota.%s limits must not be negative", name)
			}
		}
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json, text, or console)", c.Logging.Format)
	}

	return nil
}
