// Package config provides configuration loading for sqlpulse.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/marcus-qen/sqlpulse/internal/protocol"
	"github.com/marcus-qen/sqlpulse/internal/realtime"
	"gopkg.in/yaml.v3"
)

// Config holds all server configuration.
type Config struct {
	// Listen address (default ":8080")
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`
	// SQLite database file, or ":memory:"
	DatabasePath string `json:"database_path" yaml:"database_path"`
	// Log level (debug, info, warn, error)
	LogLevel string `json:"log_level" yaml:"log_level"`

	HeartbeatIntervalMs int `json:"heartbeat_interval_ms" yaml:"heartbeat_interval_ms"`
	// Zero means twice the interval.
	HeartbeatTimeoutMs int `json:"heartbeat_timeout_ms,omitempty" yaml:"heartbeat_timeout_ms,omitempty"`

	MaxConnections       int      `json:"max_connections" yaml:"max_connections"`
	DefaultSubscriptions []string `json:"default_subscriptions" yaml:"default_subscriptions"`

	// Query streaming
	ChunkSize    int `json:"chunk_size" yaml:"chunk_size"`
	ChunkDelayMs int `json:"chunk_delay_ms" yaml:"chunk_delay_ms"`

	// Allowed WebSocket origins; empty allows any
	AllowedOrigins []string `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"`

	// OTLP gRPC collector address (host:port); empty disables tracing
	TracingEndpoint string `json:"tracing_endpoint,omitempty" yaml:"tracing_endpoint,omitempty"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr:          ":8080",
		DatabasePath:        "sqlpulse.db",
		LogLevel:            "info",
		HeartbeatIntervalMs: 30000,
		MaxConnections:      100,
		DefaultSubscriptions: []string{
			string(protocol.ChannelQueries),
			string(protocol.ChannelNotifications),
		},
		ChunkSize: 1000,
	}
}

// Load reads configuration from a file, then overlays environment variables.
// Files ending in .yaml or .yml are decoded as YAML, anything else as JSON.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(data, &cfg)
		default:
			err = json.Unmarshal(data, &cfg)
		}
		if err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("SQLPULSE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("SQLPULSE_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("SQLPULSE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	envInt("SQLPULSE_HEARTBEAT_INTERVAL_MS", &cfg.HeartbeatIntervalMs)
	envInt("SQLPULSE_HEARTBEAT_TIMEOUT_MS", &cfg.HeartbeatTimeoutMs)
	envInt("SQLPULSE_MAX_CONNECTIONS", &cfg.MaxConnections)
	envInt("SQLPULSE_CHUNK_SIZE", &cfg.ChunkSize)
	envInt("SQLPULSE_CHUNK_DELAY_MS", &cfg.ChunkDelayMs)
	if v := os.Getenv("SQLPULSE_DEFAULT_SUBSCRIPTIONS"); v != "" {
		cfg.DefaultSubscriptions = splitList(v)
	}
	if v := os.Getenv("SQLPULSE_ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("SQLPULSE_TRACING_ENDPOINT"); v != "" {
		cfg.TracingEndpoint = v
	}

	return cfg, nil
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks the configuration for values the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	if c.DatabasePath == "" {
		errs = append(errs, errors.New("database_path is required"))
	}
	if c.HeartbeatIntervalMs <= 0 {
		errs = append(errs, fmt.Errorf("heartbeat_interval_ms must be positive, got %d", c.HeartbeatIntervalMs))
	}
	if c.HeartbeatTimeoutMs != 0 && c.HeartbeatTimeoutMs <= c.HeartbeatIntervalMs {
		errs = append(errs, fmt.Errorf("heartbeat_timeout_ms (%d) must exceed heartbeat_interval_ms (%d)",
			c.HeartbeatTimeoutMs, c.HeartbeatIntervalMs))
	}
	if c.MaxConnections <= 0 {
		errs = append(errs, fmt.Errorf("max_connections must be positive, got %d", c.MaxConnections))
	}
	if c.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("chunk_size must be positive, got %d", c.ChunkSize))
	}
	if c.ChunkDelayMs < 0 {
		errs = append(errs, fmt.Errorf("chunk_delay_ms must not be negative, got %d", c.ChunkDelayMs))
	}
	if _, err := c.Subscriptions(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// HeartbeatInterval returns the sweep period.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

// HeartbeatTimeout returns the idle limit, defaulting to twice the interval.
func (c Config) HeartbeatTimeout() time.Duration {
	if c.HeartbeatTimeoutMs == 0 {
		return 2 * c.HeartbeatInterval()
	}
	return time.Duration(c.HeartbeatTimeoutMs) * time.Millisecond
}

// ChunkDelay returns the pause between streamed chunks.
func (c Config) ChunkDelay() time.Duration {
	return time.Duration(c.ChunkDelayMs) * time.Millisecond
}

// Subscriptions parses DefaultSubscriptions into subscribable channels.
func (c Config) Subscriptions() ([]protocol.Channel, error) {
	out := make([]protocol.Channel, 0, len(c.DefaultSubscriptions))
	for _, name := range c.DefaultSubscriptions {
		ch, err := protocol.ParseChannel(name)
		if err != nil {
			return nil, fmt.Errorf("default_subscriptions: %w", err)
		}
		if !ch.Subscribable() {
			return nil, fmt.Errorf("default_subscriptions: channel %q is reserved", name)
		}
		out = append(out, ch)
	}
	return out, nil
}

// Realtime converts the configuration into realtime service settings.
func (c Config) Realtime(version string) (realtime.Config, error) {
	subs, err := c.Subscriptions()
	if err != nil {
		return realtime.Config{}, err
	}
	return realtime.Config{
		HeartbeatInterval:    c.HeartbeatInterval(),
		HeartbeatTimeout:     c.HeartbeatTimeout(),
		MaxConnections:       c.MaxConnections,
		DefaultSubscriptions: subs,
		ChunkSize:            c.ChunkSize,
		ServerVersion:        version,
		AllowedOrigins:       c.AllowedOrigins,
	}, nil
}

// Save writes configuration to a file, as YAML for .yaml or .yml paths and
// JSON otherwise.
func (c Config) Save(path string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(path, data, 0640)
}
