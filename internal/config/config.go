// Package config handles environment, flag and TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/alecthomas/kong"
	toml "github.com/pelletier/go-toml/v2"
)

const (
	// DefaultOriginURL is the default origin and also the default public URL.
	DefaultOriginURL = "https://nyaa.si"
	// DefaultPort is used when PORT is unset or not a valid port number.
	DefaultPort = 3000
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/nyaa-proxy/config.toml",
	"configs/config.toml",
}

// reservedRoutes are served by the proxy itself instead of being relayed.
var reservedRoutes = []string{"/_proxy/healthz", "/_proxy/status"}

// CLI holds command-line arguments and environment variables parsed by Kong.
type CLI struct {
	Config   string           `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string           `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     string           `kong:"short='p',help='Listen port (overrides config). Invalid values are ignored.',env='PORT'"`
	NyaaURL  string           `kong:"name='nyaa-url',help='Origin base URL (overrides config).',env='NYAA_URL'"`
	ProxyURL string           `kong:"name='proxy-url',help='Public base URL substituted into HTML (overrides config).',env='PROXY_URL'"`
	LogLevel string           `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	Version  kong.VersionFlag `kong:"help='Print version and exit.'"`
}

// Config is the top-level application configuration. It is never mutated
// after Load returns.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Origin  OriginConfig  `toml:"origin"`
	Log     LogConfig     `toml:"log"`
	Metrics MetricsConfig `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"` // 0 binds an ephemeral port; omitted means 3000
}

// OriginConfig holds the upstream origin and rewrite settings.
type OriginConfig struct {
	BaseURL          string `toml:"base_url"`
	PublicURL        string `toml:"public_url"`
	TimeoutSeconds   int    `toml:"timeout_seconds"`
	IdleConnections  int    `toml:"idle_connections"`
	MaxBodyBytes     int64  `toml:"max_body_bytes"`
	RelayContentType bool   `toml:"relay_content_type"`
}

// LogConfig holds logging settings. When File is set, logs are written to a
// size-rotated file instead of stdout.
type LogConfig struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load builds the configuration from defaults, an optional TOML file and
// CLI/environment overrides, in that order of precedence.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/nyaa-proxy/config.toml then configs/config.toml; finding neither is not an error.
func Load(cli *CLI) (*Config, error) {
	// The port default is set up front so an explicit 0 (ephemeral) survives.
	cfg := Config{Server: ServerConfig{Port: DefaultPort}}

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}

// applyCLI overrides config values with non-empty CLI flags or environment variables.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if port, ok := parsePort(cli.Port); ok {
		c.Server.Port = port
	}
	if cli.NyaaURL != "" {
		c.Origin.BaseURL = cli.NyaaURL
	}
	if cli.ProxyURL != "" {
		c.Origin.PublicURL = cli.ProxyURL
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

// parsePort accepts decimal values in the 16-bit port range. Anything else
// is reported as not ok so the configured or default port is used.
func parsePort(s string) (int, bool) {
	p, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, false
	}
	return int(p), true
}

// setDefaults fills zero-valued fields with defaults.
// The public URL defaults to DefaultOriginURL, not to the configured origin,
// so under default configuration the URL rewrite is a no-op.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Origin.BaseURL == "" {
		c.Origin.BaseURL = DefaultOriginURL
	}
	if c.Origin.PublicURL == "" {
		c.Origin.PublicURL = DefaultOriginURL
	}
	if c.Origin.TimeoutSeconds == 0 {
		c.Origin.TimeoutSeconds = 60
	}
	if c.Origin.IdleConnections == 0 {
		c.Origin.IdleConnections = 100
	}
	if c.Origin.MaxBodyBytes == 0 {
		c.Origin.MaxBodyBytes = 32 * 1024 * 1024 // 32 MB
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 100
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/_proxy/metrics"
	}
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Origin.TimeoutSeconds < 0 {
		return fmt.Errorf("origin.timeout_seconds must be non-negative; got %d", c.Origin.TimeoutSeconds)
	}
	if c.Origin.IdleConnections < 0 {
		return fmt.Errorf("origin.idle_connections must be non-negative; got %d", c.Origin.IdleConnections)
	}
	if c.Origin.MaxBodyBytes < 0 {
		return fmt.Errorf("origin.max_body_bytes must be non-negative; got %d", c.Origin.MaxBodyBytes)
	}
	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 || c.Log.MaxAgeDays < 0 {
		return fmt.Errorf("log rotation settings must be non-negative")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	if c.Metrics.Enabled {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range reservedRoutes {
			if p == reserved {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}

// WarnBaseURLs logs a warning for each base URL that is unlikely to work as
// a prefix. Both are used verbatim, so nothing is rejected.
func (c *Config) WarnBaseURLs(logger *slog.Logger) {
	for _, f := range []struct{ field, raw string }{
		{"origin.base_url", c.Origin.BaseURL},
		{"origin.public_url", c.Origin.PublicURL},
	} {
		if problem := baseURLProblem(f.raw); problem != "" {
			logger.Warn("base URL "+problem, "field", f.field, "value", f.raw)
		}
	}
}

func baseURLProblem(raw string) string {
	u, err := url.Parse(raw)
	switch {
	case err != nil:
		return "is not a valid URL"
	case u.Scheme != "http" && u.Scheme != "https":
		return "does not use http or https"
	case u.Host == "":
		return "has no host"
	case strings.HasSuffix(raw, "/"):
		return "ends with '/'; request targets will start with a double slash"
	}
	return ""
}
