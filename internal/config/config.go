// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/llm-relay/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	APIKey   string `kong:"help='Upstream API key stamped on outbound requests (overrides config).',env='UPSTREAM_API_KEY'"`
	ProxyURL string `kong:"help='Forward proxy URL for upstream connections (overrides config).',env='PROXY_URL'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration. It is built once at
// startup and treated as immutable afterwards; every component receives it
// explicitly.
type Config struct {
	Server    ServerConfig      `toml:"server"`
	Upstream  UpstreamConfig    `toml:"upstream"`
	Models    map[string]string `toml:"models"`
	WebSearch WebSearchConfig   `toml:"web_search"`
	Log       LogConfig         `toml:"log"`
	Metrics   MetricsConfig     `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (11731); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds upstream gateway connection settings.
type UpstreamConfig struct {
	// OpenAIBaseURL fronts the chat-completions dialect and the
	// pass-through routes. No trailing slash.
	OpenAIBaseURL string `toml:"openai_base_url"`
	// AnthropicBaseURL fronts the messages dialect. Defaults to
	// OpenAIBaseURL when empty.
	AnthropicBaseURL string `toml:"anthropic_base_url"`
	// ProxyURL optionally tunnels upstream connections through a forward
	// proxy (http, https or socks5 scheme). Empty means direct.
	ProxyURL string `toml:"proxy_url"`
	// APIKey, when set, overrides the caller's credential on every
	// outbound request. Empty means the caller's own headers pass through.
	APIKey string `toml:"api_key"`
	// TimeoutSeconds is a safety ceiling on the whole upstream exchange.
	// 0 disables it: streamed generations may legitimately run for many
	// minutes, so there is no default ceiling.
	TimeoutSeconds  int `toml:"timeout_seconds"`
	IdleConnections int `toml:"idle_connections"`
}

// WebSearchConfig controls injection of a web-search tool definition into
// messages-dialect request bodies.
type WebSearchConfig struct {
	Enabled  bool   `toml:"enabled"`
	ToolType string `toml:"tool_type"`
	ToolName string `toml:"tool_name"`
	MaxUses  int    `toml:"max_uses"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/llm-relay/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.APIKey != "" {
		c.Upstream.APIKey = cli.APIKey
	}
	if cli.ProxyURL != "" {
		c.Upstream.ProxyURL = cli.ProxyURL
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Upstream URLs: the OpenAI-dialect base is required; the Anthropic
	// base falls back to it in setDefaults.
	if c.Upstream.OpenAIBaseURL == "" {
		return fmt.Errorf("upstream.openai_base_url is required")
	}
	if err := validateBaseURL("upstream.openai_base_url", c.Upstream.OpenAIBaseURL); err != nil {
		return err
	}
	if c.Upstream.AnthropicBaseURL != "" {
		if err := validateBaseURL("upstream.anthropic_base_url", c.Upstream.AnthropicBaseURL); err != nil {
			return err
		}
	}
	if c.Upstream.ProxyURL != "" {
		u, err := url.Parse(c.Upstream.ProxyURL)
		if err != nil {
			return fmt.Errorf("upstream.proxy_url is not a valid URL: %w", err)
		}
		switch u.Scheme {
		case "http", "https", "socks5":
			// valid
		default:
			return fmt.Errorf("upstream.proxy_url scheme must be http, https or socks5; got %q", u.Scheme)
		}
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Model map entries must be non-empty on both sides.
	for caller, upstream := range c.Models {
		if caller == "" || upstream == "" {
			return fmt.Errorf("models entries must map a non-empty caller model to a non-empty upstream model; got %q = %q", caller, upstream)
		}
	}

	if c.WebSearch.MaxUses < 0 {
		return fmt.Errorf("web_search.max_uses must be non-negative; got %d", c.WebSearch.MaxUses)
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/v1/chat/completions", "/chat/completions", "/v1/messages", "/messages", "/healthz", "/proxy/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

func validateBaseURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https; got %q", field, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s has no host; got %q", field, raw)
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because
// TOML cannot distinguish between an explicit 0 and an omitted key. The one
// exception is upstream.timeout_seconds, where 0 deliberately means "no
// ceiling" so long-running generations are never cut off.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 11731
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Upstream.AnthropicBaseURL == "" {
		c.Upstream.AnthropicBaseURL = c.Upstream.OpenAIBaseURL
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Models == nil {
		c.Models = map[string]string{
			"claude-opus-4-1-20250805": "anthropic/claude-opus-4.1",
		}
	}
	if c.WebSearch.ToolType == "" {
		c.WebSearch.ToolType = "web_search_20250305"
	}
	if c.WebSearch.ToolName == "" {
		c.WebSearch.ToolName = "web_search"
	}
	if c.WebSearch.MaxUses == 0 {
		c.WebSearch.MaxUses = 5
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
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
