// Package config loads the bus server's configuration from a YAML file,
// layered with environment variable overrides. Grounded on the teacher's
// host-agent config.go: same viper-backed defaults/file/env-binding shape,
// generalized from the host agent's streaming fields to the bus server's.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sporket/bus/internal/busserver"
)

const defaultConfigPath = "/etc/sporketd/config.yaml"

// Config holds all configuration for the sporketd server binary.
type Config struct {
	// Hostname is the interface the WebSocket/HTTP listener binds to.
	Hostname string `mapstructure:"hostname" yaml:"hostname"`

	// Port is the TCP port the listener binds to.
	Port int `mapstructure:"port" yaml:"port"`

	// Path is the HTTP path the WebSocket upgrade is served on.
	Path string `mapstructure:"path" yaml:"path"`

	// HandshakeTimeoutMS bounds how long a connected-but-unauthenticated
	// session is kept open before being dropped.
	HandshakeTimeoutMS int `mapstructure:"handshake_timeout_ms" yaml:"handshake_timeout_ms"`

	// HealthIntervalSeconds sets how often the health monitor refreshes
	// its snapshot.
	HealthIntervalSeconds int `mapstructure:"health_interval_seconds" yaml:"health_interval_seconds"`

	// AdminToken, if set, mounts the admin API behind a bearer token.
	// Leaving it empty disables the admin API entirely.
	AdminToken string `mapstructure:"admin_token" yaml:"admin_token"`

	// Password must be non-empty for Load to succeed. It is only checked
	// for presence: sporketd's handshake reads the shared secret from
	// SPORKET_PASSWORD at each challenge, not from this field.
	Password string `mapstructure:"password" yaml:"password"`
}

// Load reads configuration from the file named by SPORKET_CONFIG_PATH
// (defaultConfigPath when that variable is unset), applying SPORKET_-prefixed environment
// variable overrides via viper, and validates the result.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("hostname", "0.0.0.0")
	v.SetDefault("port", 8080)
	v.SetDefault("path", "/")
	v.SetDefault("handshake_timeout_ms", 10_000)
	v.SetDefault("health_interval_seconds", 30)

	configPath := defaultConfigPath
	if envPath := os.Getenv("SPORKET_CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}
	v.SetConfigFile(configPath)

	v.SetEnvPrefix("SPORKET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	envBindings := map[string]string{
		"hostname":                "SPORKET_HOSTNAME",
		"port":                    "SPORKET_PORT",
		"path":                    "SPORKET_PATH",
		"handshake_timeout_ms":    "SPORKET_HANDSHAKE_TIMEOUT_MS",
		"health_interval_seconds": "SPORKET_HEALTH_INTERVAL_SECONDS",
		"admin_token":             "SPORKET_ADMIN_TOKEN",
		"password":                "SPORKET_PASSWORD",
	}
	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.Password == "" {
		return fmt.Errorf("a shared password is required (set SPORKET_PASSWORD or password in config)")
	}
	return nil
}

// HandshakeTimeout returns the configured handshake deadline as a
// time.Duration.
func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutMS) * time.Millisecond
}

// HealthInterval returns the configured health check interval as a
// time.Duration.
func (c *Config) HealthInterval() time.Duration {
	return time.Duration(c.HealthIntervalSeconds) * time.Second
}

// ServerConfig adapts this Config into the busserver.Config the server
// constructor expects.
func (c *Config) ServerConfig() busserver.Config {
	return busserver.Config{
		Hostname:         c.Hostname,
		Port:             c.Port,
		Path:             c.Path,
		HandshakeTimeout: c.HandshakeTimeout(),
		HealthInterval:   c.HealthInterval(),
		AdminToken:       c.AdminToken,
	}
}
