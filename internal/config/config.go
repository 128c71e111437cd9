// ABOUTME: Configuration loading and parsing for mission-gateway
// ABOUTME: Supports YAML or TOML files with .env loading, ${VAR} expansion, duration parsing and defaults

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable that overrides the config location.
const EnvConfigPath = "MISSION_GATEWAY_CONFIG"

// Config represents the complete mission-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Instance  InstanceConfig  `yaml:"instance" toml:"instance"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Gateway   GatewayConfig   `yaml:"gateway" toml:"gateway"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat" toml:"heartbeat"`
	Bus       BusConfig       `yaml:"bus" toml:"bus"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds listener addresses
type ServerConfig struct {
	HTTPAddr    string   `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr    string   `yaml:"grpc_addr" toml:"grpc_addr"` // empty disables the gRPC ingress
	CORSOrigins []string `yaml:"cors_origins" toml:"cors_origins"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`
}

// InstanceConfig identifies this process on the broadcast bus
type InstanceConfig struct {
	// ID tags events published here. Empty means a random ID per start.
	ID string `yaml:"id" toml:"id"`
}

// AuthConfig holds credential verification settings
type AuthConfig struct {
	JWTSecret   string             `yaml:"jwt_secret" toml:"jwt_secret"`
	Issuer      string             `yaml:"issuer" toml:"issuer"`
	Audience    string             `yaml:"audience" toml:"audience"`
	ServiceKeys []ServiceKeyConfig `yaml:"service_keys" toml:"service_keys"`
}

// ServiceKeyConfig is one producer credential; Hash is bcrypt
type ServiceKeyConfig struct {
	Name string `yaml:"name" toml:"name"`
	Hash string `yaml:"hash" toml:"hash"`
}

// GatewayConfig holds per-connection limits
type GatewayConfig struct {
	HandshakeTimeout time.Duration `yaml:"-" toml:"-"`
	WriteTimeout     time.Duration `yaml:"-" toml:"-"`

	SendQueueSize   int     `yaml:"send_queue_size" toml:"send_queue_size"`
	MaxMessageBytes int64   `yaml:"max_message_bytes" toml:"max_message_bytes"`
	FrameRate       float64 `yaml:"frame_rate" toml:"frame_rate"` // client frames per second
	FrameBurst      int     `yaml:"frame_burst" toml:"frame_burst"`

	// Raw string values for unmarshaling
	HandshakeTimeoutRaw string `yaml:"handshake_timeout" toml:"handshake_timeout"`
	WriteTimeoutRaw     string `yaml:"write_timeout" toml:"write_timeout"`
}

// HeartbeatConfig holds liveness timing
type HeartbeatConfig struct {
	ClientInterval time.Duration `yaml:"-" toml:"-"`
	Timeout        time.Duration `yaml:"-" toml:"-"`
	SweepInterval  time.Duration `yaml:"-" toml:"-"`

	ClientIntervalRaw string `yaml:"client_interval" toml:"client_interval"`
	TimeoutRaw        string `yaml:"timeout" toml:"timeout"`
	SweepIntervalRaw  string `yaml:"sweep_interval" toml:"sweep_interval"`
}

// BusConfig selects and tunes the cross-instance broadcast bus
type BusConfig struct {
	Driver           string `yaml:"driver" toml:"driver"` // memory, redis, nats
	URL              string `yaml:"url" toml:"url"`
	Topic            string `yaml:"topic" toml:"topic"`
	PublishQueueSize int    `yaml:"publish_queue_size" toml:"publish_queue_size"`
	DedupeSize       int    `yaml:"dedupe_size" toml:"dedupe_size"`

	PublishTimeout time.Duration `yaml:"-" toml:"-"`
	BackoffInitial time.Duration `yaml:"-" toml:"-"`
	BackoffMax     time.Duration `yaml:"-" toml:"-"`
	DedupeTTL      time.Duration `yaml:"-" toml:"-"`

	PublishTimeoutRaw string `yaml:"publish_timeout" toml:"publish_timeout"`
	BackoffInitialRaw string `yaml:"backoff_initial" toml:"backoff_initial"`
	BackoffMaxRaw     string `yaml:"backoff_max" toml:"backoff_max"`
	DedupeTTLRaw      string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// DatabaseConfig holds the session ledger location
type DatabaseConfig struct {
	// Path to the SQLite file. Empty disables the ledger.
	Path string `yaml:"path" toml:"path"`

	// Retention is how long closed sessions are kept. Zero keeps them forever.
	Retention    time.Duration `yaml:"-" toml:"-"`
	RetentionRaw string        `yaml:"retention" toml:"retention"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Default returns a configuration with every optional field filled in.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:    "0.0.0.0:8080",
			CORSOrigins: []string{"*"},
		},
		Gateway: GatewayConfig{
			SendQueueSize:       64,
			MaxMessageBytes:     1 << 20,
			FrameRate:           20,
			FrameBurst:          40,
			HandshakeTimeoutRaw: "10s",
			WriteTimeoutRaw:     "10s",
		},
		Heartbeat: HeartbeatConfig{
			ClientIntervalRaw: "25s",
			TimeoutRaw:        "60s",
			SweepIntervalRaw:  "10s",
		},
		Bus: BusConfig{
			Driver:            "memory",
			Topic:             "mission-gateway:events",
			PublishQueueSize:  1024,
			DedupeSize:        10000,
			PublishTimeoutRaw: "2s",
			BackoffInitialRaw: "500ms",
			BackoffMaxRaw:     "30s",
			DedupeTTLRaw:      "2m",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// A .env file next to the config is loaded first without overriding variables
// already set. ${VAR_NAME} references are expanded. Files ending in .toml are
// parsed as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Finalize parses durations and validates. Load calls it; callers building a
// Config in code must call it too.
func (c *Config) Finalize() error {
	if err := parseDurations(c); err != nil {
		return fmt.Errorf("parsing durations: %w", err)
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	return nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// ResolvePath picks the config file: an explicit path, then
// $MISSION_GATEWAY_CONFIG, then $XDG_CONFIG_HOME/mission-gateway/gateway.yaml
// (~/.config when XDG_CONFIG_HOME is unset).
func ResolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if envPath := os.Getenv(EnvConfigPath); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "mission-gateway", "gateway.yaml")
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}
	for i, k := range c.Auth.ServiceKeys {
		if k.Name == "" || k.Hash == "" {
			return fmt.Errorf("auth.service_keys[%d] needs both name and hash", i)
		}
	}

	if c.Gateway.SendQueueSize <= 0 {
		return fmt.Errorf("gateway.send_queue_size must be positive")
	}
	if c.Gateway.MaxMessageBytes <= 0 {
		return fmt.Errorf("gateway.max_message_bytes must be positive")
	}
	if c.Gateway.FrameRate <= 0 || c.Gateway.FrameBurst <= 0 {
		return fmt.Errorf("gateway.frame_rate and gateway.frame_burst must be positive")
	}
	if c.Gateway.HandshakeTimeout <= 0 || c.Gateway.WriteTimeout <= 0 {
		return fmt.Errorf("gateway.handshake_timeout and gateway.write_timeout must be positive")
	}

	if c.Heartbeat.ClientInterval <= 0 || c.Heartbeat.SweepInterval <= 0 {
		return fmt.Errorf("heartbeat.client_interval and heartbeat.sweep_interval must be positive")
	}
	if c.Heartbeat.Timeout < 2*c.Heartbeat.ClientInterval {
		return fmt.Errorf("heartbeat.timeout (%s) must be at least twice heartbeat.client_interval (%s)",
			c.Heartbeat.Timeout, c.Heartbeat.ClientInterval)
	}

	switch c.Bus.Driver {
	case "memory":
	case "redis", "nats":
		if c.Bus.URL == "" {
			return fmt.Errorf("bus.url is required for the %s driver", c.Bus.Driver)
		}
	default:
		return fmt.Errorf("bus.driver %q is not one of memory, redis, nats", c.Bus.Driver)
	}
	if c.Bus.Topic == "" {
		return fmt.Errorf("bus.topic is required")
	}
	if c.Bus.PublishQueueSize <= 0 || c.Bus.DedupeSize <= 0 {
		return fmt.Errorf("bus.publish_queue_size and bus.dedupe_size must be positive")
	}
	if c.Bus.PublishTimeout <= 0 || c.Bus.DedupeTTL <= 0 {
		return fmt.Errorf("bus.publish_timeout and bus.dedupe_ttl must be positive")
	}
	if c.Bus.BackoffInitial <= 0 || c.Bus.BackoffMax < c.Bus.BackoffInitial {
		return fmt.Errorf("bus.backoff_initial must be positive and no larger than bus.backoff_max")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
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

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"gateway.handshake_timeout", cfg.Gateway.HandshakeTimeoutRaw, &cfg.Gateway.HandshakeTimeout},
		{"gateway.write_timeout", cfg.Gateway.WriteTimeoutRaw, &cfg.Gateway.WriteTimeout},
		{"heartbeat.client_interval", cfg.Heartbeat.ClientIntervalRaw, &cfg.Heartbeat.ClientInterval},
		{"heartbeat.timeout", cfg.Heartbeat.TimeoutRaw, &cfg.Heartbeat.Timeout},
		{"heartbeat.sweep_interval", cfg.Heartbeat.SweepIntervalRaw, &cfg.Heartbeat.SweepInterval},
		{"bus.publish_timeout", cfg.Bus.PublishTimeoutRaw, &cfg.Bus.PublishTimeout},
		{"bus.backoff_initial", cfg.Bus.BackoffInitialRaw, &cfg.Bus.BackoffInitial},
		{"bus.backoff_max", cfg.Bus.BackoffMaxRaw, &cfg.Bus.BackoffMax},
		{"bus.dedupe_ttl", cfg.Bus.DedupeTTLRaw, &cfg.Bus.DedupeTTL},
		{"database.retention", cfg.Database.RetentionRaw, &cfg.Database.Retention},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
