// Package config loads the YAML configuration shared by the server and the
// demo client.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Network       string `yaml:"network"`
	ListenAddr    string `yaml:"listen_addr"`
	AdvertiseAddr string `yaml:"advertise_addr"` // address published to the registry
	Codec         string `yaml:"codec"`          // json | binary | zstd | cbor
	Balancer      string `yaml:"balancer"`       // round_robin | weighted_random | consistent_hash

	StreamCapacity           int `yaml:"stream_capacity"` // outbound buffer per streaming call
	StreamWindow             int `yaml:"stream_window"`   // credits granted per stream
	MaxStreams               int `yaml:"max_streams"`     // 0 = unlimited
	ShutdownTimeoutSeconds   int `yaml:"shutdown_timeout_seconds"`
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`
	PoolSize                 int `yaml:"pool_size"`
	TimeoutMs                int `yaml:"timeout_ms"` // unary request timeout, 0 = none

	RateLimit RateLimit `yaml:"rate_limit"`
	Registry  Registry  `yaml:"registry"`
	Logging   Logging   `yaml:"logging"`
	Telemetry Telemetry `yaml:"telemetry"`
	Payment   Payment   `yaml:"payment"`
}

type RateLimit struct {
	Rate  float64 `yaml:"rate"` // requests per second, 0 = unlimited
	Burst int     `yaml:"burst"`
}

type Registry struct {
	Enabled    bool     `yaml:"enabled"`
	Endpoints  []string `yaml:"endpoints"`
	TTLSeconds int64    `yaml:"ttl_seconds"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text | json
	// File, if set, receives the log instead of stderr and is rotated.
	File     string   `yaml:"file"`
	Rotation Rotation `yaml:"rotation"`
}

type Rotation struct {
	MaxSizeMB  int  `yaml:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days"`
	Compress   bool `yaml:"compress"`
}

type Telemetry struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
	Exporter    string `yaml:"exporter"` // log | stdout
}

type Payment struct {
	HistoryItems   int `yaml:"history_items"`
	HistoryDelayMs int `yaml:"history_delay_ms"`
}

func LoadConfig(file string) (*Config, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", file, err)
	}
	ApplyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", file, err)
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field.
func ApplyDefaults(cfg *Config) {
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:50051"
	}
	if cfg.Codec == "" {
		cfg.Codec = "json"
	}
	if cfg.Balancer == "" {
		cfg.Balancer = "round_robin"
	}
	if cfg.StreamCapacity <= 0 {
		cfg.StreamCapacity = 16
	}
	if cfg.StreamWindow <= 0 {
		cfg.StreamWindow = 16
	}
	if cfg.ShutdownTimeoutSeconds <= 0 {
		cfg.ShutdownTimeoutSeconds = 10
	}
	if cfg.HeartbeatIntervalSeconds <= 0 {
		cfg.HeartbeatIntervalSeconds = 30
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 2
	}
	if cfg.RateLimit.Rate > 0 && cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = int(cfg.RateLimit.Rate)
		if cfg.RateLimit.Burst < 1 {
			cfg.RateLimit.Burst = 1
		}
	}
	if len(cfg.Registry.Endpoints) == 0 {
		cfg.Registry.Endpoints = []string{"localhost:2379"}
	}
	if cfg.Registry.TTLSeconds <= 0 {
		cfg.Registry.TTLSeconds = 10
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Rotation.MaxSizeMB <= 0 {
		cfg.Logging.Rotation.MaxSizeMB = 100
	}
	if cfg.Logging.Rotation.MaxBackups <= 0 {
		cfg.Logging.Rotation.MaxBackups = 3
	}
	if cfg.Logging.Rotation.MaxAgeDays <= 0 {
		cfg.Logging.Rotation.MaxAgeDays = 7
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "stream-rpc"
	}
	if cfg.Telemetry.Exporter == "" {
		cfg.Telemetry.Exporter = "log"
	}
	if cfg.Payment.HistoryItems <= 0 {
		cfg.Payment.HistoryItems = 30
	}
}

// Validate rejects values ApplyDefaults cannot repair.
func (c *Config) Validate() error {
	switch c.Codec {
	case "json", "binary", "zstd", "cbor":
	default:
		return fmt.Errorf("unknown codec %q", c.Codec)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}
	if c.MaxStreams < 0 {
		return fmt.Errorf("max_streams must not be negative, got %d", c.MaxStreams)
	}
	if c.Payment.HistoryDelayMs < 0 {
		return fmt.Errorf("payment.history_delay_ms must not be negative, got %d", c.Payment.HistoryDelayMs)
	}
	return nil
}

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (p Payment) HistoryDelay() time.Duration {
	return time.Duration(p.HistoryDelayMs) * time.Millisecond
}
