// Package config loads configuration from environment variables with an
// optional YAML overlay.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all canopy configuration.
type Config struct {
	// Gateway
	GatewayURL     string        `yaml:"gateway_url"`
	GatewayToken   string        `yaml:"gateway_token"`
	GatewayTimeout time.Duration `yaml:"gateway_timeout"`

	// Tree cache
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// Status polling
	PollInterval    time.Duration `yaml:"poll_interval"`
	PollMaxDuration time.Duration `yaml:"poll_max_duration"`

	// Active knowledge-base persistence
	StatePath string `yaml:"state_path"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Mock gateway (canopy mock-gateway)
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// Load reads configuration from environment variables with defaults.
// If path is non-empty, the YAML file at path is applied over the
// environment values.
func Load(path string) (*Config, error) {
	cfg := &Config{
		GatewayURL:      envOr("CANOPY_GATEWAY_URL", "http://localhost:8080"),
		GatewayToken:    envOr("CANOPY_GATEWAY_TOKEN", ""),
		GatewayTimeout:  envDuration("CANOPY_GATEWAY_TIMEOUT", 30*time.Second),
		CacheTTL:        envDuration("CANOPY_CACHE_TTL", 5*time.Minute),
		PollInterval:    envDuration("CANOPY_POLL_INTERVAL", 2500*time.Millisecond),
		PollMaxDuration: envDuration("CANOPY_POLL_MAX_DURATION", 5*time.Minute),
		StatePath:       envOr("CANOPY_STATE_PATH", defaultStatePath()),
		LogLevel:        envOr("CANOPY_LOG_LEVEL", "info"),
		LogFormat:       envOr("CANOPY_LOG_FORMAT", "console"),
		ListenAddr:      envOr("CANOPY_LISTEN_ADDR", ":8080"),
		MetricsAddr:     envOr("CANOPY_METRICS_ADDR", ":9090"),
	}

	if path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	if cfg.GatewayURL == "" {
		return nil, fmt.Errorf("gateway URL is required")
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive, got %s", cfg.PollInterval)
	}

	return cfg, nil
}

// applyFile overlays values from a YAML file. Zero values in the file keep
// the current (environment or default) value.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var overlay Config
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if overlay.GatewayURL != "" {
		c.GatewayURL = overlay.GatewayURL
	}
	if overlay.GatewayToken != "" {
		c.GatewayToken = overlay.GatewayToken
	}
	if overlay.GatewayTimeout != 0 {
		c.GatewayTimeout = overlay.GatewayTimeout
	}
	if overlay.CacheTTL != 0 {
		c.CacheTTL = overlay.CacheTTL
	}
	if overlay.PollInterval != 0 {
		c.PollInterval = overlay.PollInterval
	}
	if overlay.PollMaxDuration != 0 {
		c.PollMaxDuration = overlay.PollMaxDuration
	}
	if overlay.StatePath != "" {
		c.StatePath = overlay.StatePath
	}
	if overlay.LogLevel != "" {
		c.LogLevel = overlay.LogLevel
	}
	if overlay.LogFormat != "" {
		c.LogFormat = overlay.LogFormat
	}
	if overlay.ListenAddr != "" {
		c.ListenAddr = overlay.ListenAddr
	}
	if overlay.MetricsAddr != "" {
		c.MetricsAddr = overlay.MetricsAddr
	}
	return nil
}

func defaultStatePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".canopy-state.json"
	}
	return home + "/.canopy/state.json"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// Plain integers are treated as seconds.
		if n, nerr := strconv.Atoi(v); nerr == nil {
			return time.Duration(n) * time.Second
		}
		return fallback
	}
	return d
}
