// Package config loads the walink configuration file.
//
// Files ending in .yaml or .yml are parsed as YAML; anything else as JSON5
// (plain JSON is valid JSON5). Environment variables prefixed WALINK_ override
// file values. A missing file yields the defaults.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable holding the config file path.
const EnvConfigPath = "WALINK_CONFIG"

// DefaultConfigPath is used when neither --config nor WALINK_CONFIG is set.
const DefaultConfigPath = "~/.walink/config.json5"

// Config is the root configuration.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway" yaml:"gateway"`
	WhatsApp  WhatsAppConfig  `json:"whatsapp" yaml:"whatsapp"`
	Log       LogConfig       `json:"log" yaml:"log"`
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
	Tailscale TailscaleConfig `json:"tailscale" yaml:"tailscale"`
}

// GatewayConfig configures the HTTP API listener.
type GatewayConfig struct {
	Host         string `json:"host" yaml:"host"`
	Port         int    `json:"port" yaml:"port"`
	Token        string `json:"token,omitempty" yaml:"token,omitempty"`
	RateLimitRPM int    `json:"rate_limit_rpm" yaml:"rate_limit_rpm"` // 0 disables
}

// WhatsAppConfig configures the connection lifecycle and the credential store.
type WhatsAppConfig struct {
	DataDir           string `json:"data_dir" yaml:"data_dir"`
	DBDialect         string `json:"db_dialect" yaml:"db_dialect"` // "sqlite" or "postgres"
	DBDSN             string `json:"db_dsn,omitempty" yaml:"db_dsn,omitempty"`
	DeviceName        string `json:"device_name" yaml:"device_name"`
	PairingCodeTTLSec int    `json:"pairing_code_ttl_sec" yaml:"pairing_code_ttl_sec"`
	PairingWaitMs     int    `json:"pairing_wait_ms" yaml:"pairing_wait_ms"`
	MaxAutoAttempts   int    `json:"max_auto_attempts" yaml:"max_auto_attempts"`
	LogoutTimeoutMs   int    `json:"logout_timeout_ms" yaml:"logout_timeout_ms"`
	PrintQR           bool   `json:"print_qr" yaml:"print_qr"`
	LogLevel          string `json:"log_level" yaml:"log_level"` // whatsmeow library log level
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // "text" or "json"
}

// TelemetryConfig configures OTLP trace export (binaries built with -tags otel).
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled" yaml:"enabled"`
	Endpoint    string            `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Protocol    string            `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	Insecure    bool              `json:"insecure,omitempty" yaml:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty" yaml:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// TailscaleConfig configures the optional tailnet listener (binaries built with -tags tsnet).
type TailscaleConfig struct {
	Hostname  string `json:"hostname,omitempty" yaml:"hostname,omitempty"`
	AuthKey   string `json:"auth_key,omitempty" yaml:"auth_key,omitempty"`
	Ephemeral bool   `json:"ephemeral,omitempty" yaml:"ephemeral,omitempty"`
	StateDir  string `json:"state_dir,omitempty" yaml:"state_dir,omitempty"`
	EnableTLS bool   `json:"enable_tls,omitempty" yaml:"enable_tls,omitempty"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:         "127.0.0.1",
			Port:         3000,
			RateLimitRPM: 120,
		},
		WhatsApp: WhatsAppConfig{
			DataDir:           "~/.walink/session",
			DBDialect:         "sqlite",
			DeviceName:        "Windows",
			PairingCodeTTLSec: 30,
			PairingWaitMs:     1500,
			MaxAutoAttempts:   5,
			LogoutTimeoutMs:   1500,
			PrintQR:           true,
			LogLevel:          "warn",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "walink",
		},
	}
}

// Load reads path over the defaults, applies WALINK_* overrides, normalizes and
// validates the result. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	path = ExpandHome(path)
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path in the format implied by its extension.
func Save(path string, cfg *Config) error {
	path = ExpandHome(path)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	// The file may hold the gateway token and a DSN.
	return os.WriteFile(path, data, 0600)
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// ResolvePath returns flagPath, else $WALINK_CONFIG, else DefaultConfigPath, expanded.
func ResolvePath(flagPath string) string {
	if flagPath != "" {
		return ExpandHome(flagPath)
	}
	if p := os.Getenv(EnvConfigPath); p != "" {
		return ExpandHome(p)
	}
	return ExpandHome(DefaultConfigPath)
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port %d out of range", c.Gateway.Port)
	}
	if c.Gateway.RateLimitRPM < 0 {
		return errors.New("gateway.rate_limit_rpm must not be negative")
	}
	switch c.WhatsApp.DBDialect {
	case DialectSQLite:
	case DialectPostgres:
		if c.WhatsApp.DBDSN == "" {
			return errors.New("whatsapp.db_dsn is required for the postgres dialect")
		}
	default:
		return fmt.Errorf("whatsapp.db_dialect %q: want sqlite or postgres", c.WhatsApp.DBDialect)
	}
	if c.WhatsApp.PairingCodeTTLSec <= 0 {
		return errors.New("whatsapp.pairing_code_ttl_sec must be positive")
	}
	if c.WhatsApp.PairingWaitMs <= 0 {
		return errors.New("whatsapp.pairing_wait_ms must be positive")
	}
	if c.WhatsApp.MaxAutoAttempts <= 0 {
		return errors.New("whatsapp.max_auto_attempts must be positive")
	}
	if c.WhatsApp.LogoutTimeoutMs <= 0 {
		return errors.New("whatsapp.logout_timeout_ms must be positive")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q: want text or json", c.Log.Format)
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return errors.New("telemetry.endpoint is required when telemetry is enabled")
	}
	return nil
}

func decode(path string, data []byte, cfg *Config) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, cfg)
	}
	return json5.Unmarshal(data, cfg)
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func applyEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := os.LookupEnv(key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("WALINK_HOST", &cfg.Gateway.Host)
	str("WALINK_TOKEN", &cfg.Gateway.Token)
	str("WALINK_DATA_DIR", &cfg.WhatsApp.DataDir)
	str("WALINK_DB_DIALECT", &cfg.WhatsApp.DBDialect)
	str("WALINK_DB_DSN", &cfg.WhatsApp.DBDSN)
	str("WALINK_DEVICE_NAME", &cfg.WhatsApp.DeviceName)
	str("WALINK_LOG_LEVEL", &cfg.Log.Level)
	str("WALINK_LOG_FORMAT", &cfg.Log.Format)
	str("WALINK_TSNET_HOSTNAME", &cfg.Tailscale.Hostname)
	str("WALINK_TSNET_AUTH_KEY", &cfg.Tailscale.AuthKey)

	if v := os.Getenv("WALINK_OTEL_ENDPOINT"); v != "" {
		cfg.Telemetry.Endpoint = v
		cfg.Telemetry.Enabled = true
	}

	for key, dst := range map[string]*int{
		"WALINK_PORT":              &cfg.Gateway.Port,
		"WALINK_RATE_LIMIT_RPM":    &cfg.Gateway.RateLimitRPM,
		"WALINK_MAX_AUTO_ATTEMPTS": &cfg.WhatsApp.MaxAutoAttempts,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}
	return nil
}
