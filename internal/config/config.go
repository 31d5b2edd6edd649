// Package config defines all configuration for the hub. Config is loaded
// from a YAML file (default: configs/config.yaml) with sensitive fields
// overridable via EXH_*/BITMEX_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure.
type Config struct {
	DryRun     bool             `mapstructure:"dry_run"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Transport  TransportConfig  `mapstructure:"transport"`
	REST       RESTConfig       `mapstructure:"rest"`
	Instrument InstrumentConfig `mapstructure:"instrument"`
	Resync     ResyncConfig     `mapstructure:"resync"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Status     StatusConfig     `mapstructure:"status"`
}

// AuthConfig holds the BitMEX API key pair and the skew tolerated between
// the client clock and the server's expires window (spec.md §4.1, §4.10).
type AuthConfig struct {
	APIKey             string `mapstructure:"api_key"`
	APISecret          string `mapstructure:"api_secret"`
	AuthExpiresSkewSec int    `mapstructure:"auth_expires_skew_sec"`
	SymbolMapping      bool   `mapstructure:"symbol_mapping_enabled"`
	IsTest             bool   `mapstructure:"is_test"`
}

// TransportConfig tunes the private WebSocket connection (spec.md §4.1).
type TransportConfig struct {
	URL                 string        `mapstructure:"url"`
	PingInterval        time.Duration `mapstructure:"ping_interval"`
	PongTimeout         time.Duration `mapstructure:"pong_timeout"`
	ReconnectMinBackoff time.Duration `mapstructure:"reconnect_min_backoff"`
	ReconnectMaxBackoff time.Duration `mapstructure:"reconnect_max_backoff"`
	MaxReconnectAttempts int          `mapstructure:"max_reconnect_attempts"`
	SendBufferSize      int           `mapstructure:"send_buffer_size"`
	AuthTimeout         time.Duration `mapstructure:"auth_timeout"`
}

// RESTConfig controls the signed REST client (spec.md §4.2).
type RESTConfig struct {
	BaseURL          string        `mapstructure:"base_url"`
	Timeout          time.Duration `mapstructure:"timeout"`
	RetryCount       int           `mapstructure:"retry_count"`
	RetryWaitTime    time.Duration `mapstructure:"retry_wait_time"`
	RetryMaxWaitTime time.Duration `mapstructure:"retry_max_wait_time"`
	LogHTTPErrorBody bool          `mapstructure:"log_http_error_body"`
	RequestsPerSec   float64       `mapstructure:"requests_per_sec"`
	BurstSize        int           `mapstructure:"burst_size"`
	// Order placement is budgeted separately from general endpoints (e.g.
	// GET /instrument/active) since BitMEX weighs order actions more
	// heavily against a trading account's request budget.
	OrderRequestsPerSec float64 `mapstructure:"order_requests_per_sec"`
	OrderBurstSize      int     `mapstructure:"order_burst_size"`
}

// InstrumentConfig controls the periodic active-instrument poll.
type InstrumentConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// ResyncConfig controls resubscribe debouncing (spec.md §4.11).
type ResyncConfig struct {
	DebounceWindow time.Duration `mapstructure:"debounce_window"`
}

// LoggingConfig controls the zerolog root logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StatusConfig controls the minimal external HTTP surface
// (/healthz, /snapshot, /events).
type StatusConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads config from a YAML file with env var overrides. Sensitive
// fields use env vars: BITMEX_API_KEY, BITMEX_API_SECRET,
// BITMEX_AUTH_EXPIRES_SKEW_SEC, EXH_LOG_LEVEL, EH_LOG_HTTP_ERROR_BODY
// (spec.md §6.3).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("EXH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("BITMEX_API_KEY"); key != "" {
		cfg.Auth.APIKey = key
	}
	if secret := os.Getenv("BITMEX_API_SECRET"); secret != "" {
		cfg.Auth.APISecret = secret
	}
	if skew := os.Getenv("BITMEX_AUTH_EXPIRES_SKEW_SEC"); skew != "" {
		if n, err := strconv.Atoi(skew); err == nil {
			cfg.Auth.AuthExpiresSkewSec = n
		}
	}
	if level := os.Getenv("EXH_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if v := os.Getenv("EH_LOG_HTTP_ERROR_BODY"); v == "true" || v == "1" {
		cfg.REST.LogHTTPErrorBody = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key is required (set BITMEX_API_KEY)")
	}
	if c.Auth.APISecret == "" {
		return fmt.Errorf("auth.api_secret is required (set BITMEX_API_SECRET)")
	}
	if c.Auth.AuthExpiresSkewSec <= 0 {
		return fmt.Errorf("auth.auth_expires_skew_sec must be > 0")
	}
	if c.Transport.URL == "" {
		return fmt.Errorf("transport.url is required")
	}
	if c.REST.BaseURL == "" {
		return fmt.Errorf("rest.base_url is required")
	}
	if c.REST.RetryCount < 0 {
		return fmt.Errorf("rest.retry_count must be >= 0")
	}
	return nil
}
