// ABOUTME: Configuration loading and parsing for courier-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion, overrides and duration parsing

package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Storage drivers.
const (
	DriverFile   = "file"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

// Config represents the complete courier-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Sessions  SessionsConfig  `yaml:"sessions" toml:"sessions"`
	Storage   StorageConfig   `yaml:"storage" toml:"storage"`
	Client    ClientConfig    `yaml:"client" toml:"client"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// GRPCAddr serves the gRPC health service; empty disables it.
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"`
}

// AuthConfig holds operator authentication configuration
type AuthConfig struct {
	// JWTSecret enables operator tokens for session creation and listing.
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// SessionsConfig holds session lifecycle timing
type SessionsConfig struct {
	InactivityTimeout time.Duration `yaml:"-" toml:"-"`
	SweepInterval     time.Duration `yaml:"-" toml:"-"`
	ReconnectDelay    time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	InactivityTimeoutRaw string `yaml:"inactivity_timeout" toml:"inactivity_timeout"`
	SweepIntervalRaw     string `yaml:"sweep_interval" toml:"sweep_interval"`
	ReconnectDelayRaw    string `yaml:"reconnect_delay" toml:"reconnect_delay"`

	// ResumeOnStart reconnects every stored session at boot.
	ResumeOnStart bool `yaml:"resume_on_start" toml:"resume_on_start"`
}

// StorageConfig selects and configures the credential store
type StorageConfig struct {
	Driver string `yaml:"driver" toml:"driver"`

	// Path is the session directory root for the file driver.
	Path string `yaml:"path" toml:"path"`
	// DatabasePath is the SQLite file for the sqlite driver.
	DatabasePath string `yaml:"database_path" toml:"database_path"`

	RedisAddr     string `yaml:"redis_addr" toml:"redis_addr"`
	RedisPassword string `yaml:"redis_password" toml:"redis_password"`
	RedisDB       int    `yaml:"redis_db" toml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix" toml:"redis_prefix"`

	// EncryptionKey enables at-rest encryption of credential material.
	EncryptionKey string `yaml:"encryption_key" toml:"encryption_key"`
}

// ClientConfig holds protocol client options
type ClientConfig struct {
	Backend            string `yaml:"backend" toml:"backend"`
	Homeserver         string `yaml:"homeserver" toml:"homeserver"`
	DeviceLabel        string `yaml:"device_label" toml:"device_label"`
	PairingRedirectURL string `yaml:"pairing_redirect_url" toml:"pairing_redirect_url"`

	// AddressDomain is the server name bare phone numbers map to
	// (@<digits>:<domain>). Empty means the homeserver host.
	AddressDomain string `yaml:"address_domain" toml:"address_domain"`

	ConnectTimeout    time.Duration `yaml:"-" toml:"-"`
	KeepAliveInterval time.Duration `yaml:"-" toml:"-"`

	ConnectTimeoutRaw    string `yaml:"connect_timeout" toml:"connect_timeout"`
	KeepAliveIntervalRaw string `yaml:"keep_alive_interval" toml:"keep_alive_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns the configuration used when no file sets a value.
func Default() Config {
	return Config{
		Server: ServerConfig{
			HTTPAddr: "0.0.0.0:3000",
		},
		Tailscale: TailscaleConfig{
			Hostname: "courier-gateway",
		},
		Sessions: SessionsConfig{
			InactivityTimeoutRaw: "24h",
			SweepIntervalRaw:     "1h",
			ReconnectDelayRaw:    "5s",
			ResumeOnStart:        true,
		},
		Storage: StorageConfig{
			Driver:       DriverFile,
			Path:         "./sessions",
			DatabasePath: "./courier.db",
			RedisAddr:    "localhost:6379",
		},
		Client: ClientConfig{
			Backend:              "matrix",
			DeviceLabel:          "courier-gateway",
			ConnectTimeoutRaw:    "20s",
			KeepAliveIntervalRaw: "30s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded, then the
// service environment overrides are applied and durations are parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	return finish(&cfg)
}

// LoadOrDefault behaves like Load but falls back to defaults plus environment
// overrides when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return cfg, err
	}
	def := Default()
	return finish(&def)
}

func finish(cfg *Config) (*Config, error) {
	applyEnvOverrides(cfg)

	// Parse duration fields
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyEnvOverrides lets the conventional service environment variables win
// over file values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		host := "0.0.0.0"
		if h, _, err := net.SplitHostPort(cfg.Server.HTTPAddr); err == nil && h != "" {
			host = h
		}
		cfg.Server.HTTPAddr = net.JoinHostPort(host, v)
	}
	if v := os.Getenv("SESSION_DIR"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("SESSION_INACTIVE_TIMEOUT"); v != "" {
		cfg.Sessions.InactivityTimeoutRaw = v
	}
	if v := os.Getenv("SESSION_CHECK_INTERVAL"); v != "" {
		cfg.Sessions.SweepIntervalRaw = v
	}
	if v := os.Getenv("RECONNECT_DELAY"); v != "" {
		cfg.Sessions.ReconnectDelayRaw = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("COURIER_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("COURIER_DB_PATH"); v != "" {
		cfg.Storage.DatabasePath = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Storage.RedisAddr = v
	}
	if v := os.Getenv("MATRIX_HOMESERVER"); v != "" {
		cfg.Client.Homeserver = v
	}
}

// parseDuration accepts Go duration strings or a bare integer number of
// milliseconds.
func parseDuration(name, raw string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parsing %s %q: %w", name, raw, err)
	}
	return d, nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"inactivity_timeout", cfg.Sessions.InactivityTimeoutRaw, &cfg.Sessions.InactivityTimeout},
		{"sweep_interval", cfg.Sessions.SweepIntervalRaw, &cfg.Sessions.SweepInterval},
		{"reconnect_delay", cfg.Sessions.ReconnectDelayRaw, &cfg.Sessions.ReconnectDelay},
		{"connect_timeout", cfg.Client.ConnectTimeoutRaw, &cfg.Client.ConnectTimeout},
		{"keep_alive_interval", cfg.Client.KeepAliveIntervalRaw, &cfg.Client.KeepAliveInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := parseDuration(f.name, f.raw)
		if err != nil {
			return err
		}
		*f.dst = d
	}
	return nil
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The HTTP address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	if c.Sessions.InactivityTimeout <= 0 {
		return fmt.Errorf("sessions.inactivity_timeout must be positive")
	}
	if c.Sessions.SweepInterval <= 0 {
		return fmt.Errorf("sessions.sweep_interval must be positive")
	}
	if c.Sessions.ReconnectDelay <= 0 {
		return fmt.Errorf("sessions.reconnect_delay must be positive")
	}

	switch c.Storage.Driver {
	case DriverFile:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the file driver")
		}
	case DriverSQLite:
		if c.Storage.DatabasePath == "" {
			return fmt.Errorf("storage.database_path is required for the sqlite driver")
		}
	case DriverRedis:
		if c.Storage.RedisAddr == "" {
			return fmt.Errorf("storage.redis_addr is required for the redis driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("storage.driver %q is not one of file, sqlite, redis, memory", c.Storage.Driver)
	}
	if c.Storage.EncryptionKey != "" && len(c.Storage.EncryptionKey) < 16 {
		return fmt.Errorf("storage.encryption_key must be at least 16 bytes")
	}

	switch c.Client.Backend {
	case "matrix":
		if c.Client.Homeserver == "" {
			return fmt.Errorf("client.homeserver is required for the matrix backend")
		}
	default:
		return fmt.Errorf("client.backend %q is not supported", c.Client.Backend)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	return nil
}
