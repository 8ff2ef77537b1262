// Package config handles odoo-bridge configuration loading.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/odoo-bridge/internal/odooerr"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/odoo-bridge/config.yaml,
// /etc/odoo-bridge/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "odoo-bridge", "config.yaml"))
	}

	paths = append(paths, "/etc/odoo-bridge/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all odoo-bridge configuration.
type Config struct {
	Odoo      OdooConfig      `yaml:"odoo"`
	Pool      PoolConfig      `yaml:"pool"`
	Bus       BusConfig       `yaml:"bus"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text or json
}

// OdooConfig defines the backend server connection settings.
type OdooConfig struct {
	URL      string `yaml:"url"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// Protocol selects the RPC handler: jsonrpc or xmlrpc.
	Protocol string `yaml:"protocol"`
	// TimeoutSec is the per-request timeout in seconds.
	TimeoutSec int `yaml:"timeout_sec"`
}

// Timeout returns the per-request timeout as a duration.
func (c OdooConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// PoolConfig defines connection pool sizing and health checks.
type PoolConfig struct {
	MaxConnections int `yaml:"max_connections"`
	// HealthCheckIntervalSec is both the check period and the idle age
	// beyond which a connection is recycled, in seconds.
	HealthCheckIntervalSec int `yaml:"health_check_interval_sec"`
}

// HealthCheckInterval returns the health check period as a duration.
func (c PoolConfig) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalSec) * time.Second
}

// BusConfig defines the optional real-time notification subscriber.
type BusConfig struct {
	Enabled bool `yaml:"enabled"`
	// Channels to subscribe at startup; each must carry the odoo:// prefix.
	Channels []string `yaml:"channels"`
}

// SessionsConfig defines user session lifecycle settings.
type SessionsConfig struct {
	// TTLMinutes is the inactivity window before a session expires.
	TTLMinutes int `yaml:"ttl_minutes"`
	MaxPerUser int `yaml:"max_per_user"`
}

// TTL returns the session inactivity window as a duration.
func (c SessionsConfig) TTL() time.Duration {
	return time.Duration(c.TTLMinutes) * time.Minute
}

// RateLimitConfig defines per-key request throttling.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables so credentials can stay out of the file
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, odooerr.Configuration(fmt.Sprintf("parse %s: %v", path, err), err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with all defaults applied. The Odoo
// connection settings have no defaults and must come from the file.
func Default() *Config {
	return &Config{
		Odoo: OdooConfig{
			Protocol:   "jsonrpc",
			TimeoutSec: 30,
		},
		Pool: PoolConfig{
			MaxConnections:         10,
			HealthCheckIntervalSec: 300,
		},
		Sessions: SessionsConfig{
			TTLMinutes: 120,
			MaxPerUser: 5,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 120,
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Validate checks the configuration for problems that would prevent
// startup. All failures are ConfigurationErrors.
func (c *Config) Validate() error {
	if c.Odoo.URL == "" {
		return odooerr.Configuration("odoo.url is required", nil)
	}
	u, err := url.Parse(c.Odoo.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return odooerr.Configuration(fmt.Sprintf("odoo.url %q is not a valid URL", c.Odoo.URL), err)
	}
	if c.Odoo.Database == "" {
		return odooerr.Configuration("odoo.database is required", nil)
	}
	if c.Odoo.Username == "" {
		return odooerr.Configuration("odoo.username is required", nil)
	}
	if c.Odoo.Password == "" {
		return odooerr.Configuration("odoo.password is required", nil)
	}
	switch c.Odoo.Protocol {
	case "jsonrpc", "xmlrpc":
	default:
		return odooerr.Configuration(
			fmt.Sprintf("odoo.protocol %q is not supported (valid: jsonrpc, xmlrpc)", c.Odoo.Protocol), nil)
	}
	if c.Pool.MaxConnections <= 0 {
		return odooerr.Configuration("pool.max_connections must be positive", nil)
	}
	if c.Pool.HealthCheckIntervalSec <= 0 {
		return odooerr.Configuration("pool.health_check_interval_sec must be positive", nil)
	}
	if c.Sessions.TTLMinutes <= 0 {
		return odooerr.Configuration("sessions.ttl_minutes must be positive", nil)
	}
	if c.RateLimit.Enabled && c.RateLimit.RequestsPerMinute <= 0 {
		return odooerr.Configuration("rate_limit.requests_per_minute must be positive when enabled", nil)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return odooerr.Configuration(err.Error(), err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return odooerr.Configuration(
			fmt.Sprintf("log_format %q is not supported (valid: text, json)", c.LogFormat), nil)
	}
	return nil
}
