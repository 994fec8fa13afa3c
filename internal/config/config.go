// Package config provides configuration loading for the aggregator.
// Configuration sources (in priority order): env vars > config file > defaults.
//
// Besides the process-level Config, the package owns the provider
// definition files and the hot-swappable per-agent runtime overrides in
// agent_runtime_config.json.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all process-level configuration.
type Config struct {
	// Listen address (default ":8080")
	ListenAddr string `json:"listen_addr"`
	// Data directory for the SQLite database and provider files
	// (default "/var/lib/toshokan")
	DataDir string `json:"data_dir"`
	// SQLite database path. Empty means <data_dir>/toshokan.db.
	DBPath string `json:"db_path,omitempty"`

	// Log level (debug, info, warn, error)
	LogLevel string `json:"log_level"`
	// Development switches the logger to the human-readable console format.
	Development bool `json:"development,omitempty"`

	// FlareSolverr endpoint for Cloudflare-protected providers (optional)
	FlareSolverrURL string `json:"flaresolverr_url,omitempty"`

	// OTLP gRPC endpoint for trace export (optional; empty disables export)
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`

	// Rate limiting for the HTTP API
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
}

// RateLimitConfig configures per-client HTTP rate limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		DataDir:    "/var/lib/toshokan",
		LogLevel:   "info",
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 120,
		},
	}
}

// Load reads configuration from a file, then overlays environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	// Load from file if it exists
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if v := os.Getenv("TOSHOKAN_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("TOSHOKAN_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("TOSHOKAN_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("TOSHOKAN_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TOSHOKAN_DEV"); v != "" {
		cfg.Development = v == "true" || v == "1"
	}
	if v := os.Getenv("FLARESOLVERR_URL"); v != "" {
		cfg.FlareSolverrURL = v
	}
	if v := os.Getenv("TOSHOKAN_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}
	if v := os.Getenv("TOSHOKAN_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit.RequestsPerMinute = n
		}
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() Config {
	cfg, _ := Load("")
	return cfg
}

// Save writes configuration to a file.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}

// DatabasePath returns the SQLite path, defaulting under the data dir.
func (c Config) DatabasePath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.DataDir, "toshokan.db")
}

// HasFlareSolverr reports whether a FlareSolverr endpoint is configured.
func (c Config) HasFlareSolverr() bool {
	return c.FlareSolverrURL != ""
}
