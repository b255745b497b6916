// Package config handles Forge MCP configuration loading.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Transport kinds accepted in server configuration.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./forge.yaml, ~/.config/forge/forge.yaml, /etc/forge/forge.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"forge.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "forge", "forge.yaml"))
	}

	paths = append(paths, "/etc/forge/forge.yaml")
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

// Config holds all configuration.
type Config struct {
	MCP      MCPConfig `yaml:"mcp"`
	DataDir  string    `yaml:"data_dir"`
	LogLevel string    `yaml:"log_level"`
}

// MCPConfig defines the MCP servers to connect to and shared client
// settings.
type MCPConfig struct {
	// CallTimeoutSec bounds each remote call when the caller supplies
	// no deadline (default 30).
	CallTimeoutSec int `yaml:"call_timeout_sec"`

	// CallLog enables the SQLite audit log of remote tool invocations,
	// stored under data_dir.
	CallLog bool `yaml:"call_log"`

	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes one MCP server connection.
type MCPServerConfig struct {
	// Name identifies the server; it prefixes every bridged tool name.
	Name string `yaml:"name"`

	// Transport is "stdio" or "http".
	Transport string `yaml:"transport"`

	// Command, Args, Env configure the stdio transport's subprocess.
	// Env entries are "KEY=VALUE", appended to the host environment.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`

	// URL and Headers configure the http transport. EventsURL is an
	// optional push channel for server-initiated notifications: an
	// http(s) URL is read as an SSE stream, a ws(s) URL as a WebSocket.
	URL       string            `yaml:"url"`
	EventsURL string            `yaml:"events_url"`
	Headers   map[string]string `yaml:"headers"`

	// IncludeTools/ExcludeTools filter which remote tools are bridged.
	// A non-empty include list wins over the exclude list.
	IncludeTools []string `yaml:"include_tools"`
	ExcludeTools []string `yaml:"exclude_tools"`
}

// serverKeyRe matches characters that are not lowercase alphanumeric
// or underscore.
var serverKeyRe = regexp.MustCompile(`[^a-z0-9_]`)

// ServerKey reduces a server name to its tool-namespace key: lowercase
// alphanumerics and single underscores, trimmed at both ends. The key
// prefixes every bridged tool name, so two servers must never share
// one; Validate enforces that.
func ServerKey(name string) string {
	s := strings.ToLower(name)
	s = strings.ReplaceAll(s, "-", "_")
	s = serverKeyRe.ReplaceAllString(s, "_")

	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}

	return strings.Trim(s, "_")
}

// Load reads configuration from a YAML file and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for structural correctness.
// It returns the first validation error encountered, or nil.
func (c *Config) Validate() error {
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}

	// Uniqueness is checked on the namespace key, not the raw name:
	// "My-Server" and "my_server" would otherwise shadow each other's
	// tools in the aggregated view.
	seen := make(map[string]string, len(c.MCP.Servers))
	for i, s := range c.MCP.Servers {
		if err := s.validate(); err != nil {
			return fmt.Errorf("mcp.servers[%d] (%q): %w", i, s.Name, err)
		}
		key := ServerKey(s.Name)
		if key == "" {
			return fmt.Errorf("mcp.servers[%d]: name %q has no usable characters", i, s.Name)
		}
		if prev, dup := seen[key]; dup {
			if prev == s.Name {
				return fmt.Errorf("mcp.servers[%d]: duplicate server name %q", i, s.Name)
			}
			return fmt.Errorf("mcp.servers[%d]: server name %q collides with %q (both namespace as %q)", i, s.Name, prev, key)
		}
		seen[key] = s.Name
	}
	return nil
}

func (s *MCPServerConfig) validate() error {
	if s.Name == "" {
		return fmt.Errorf("name must not be empty")
	}

	switch s.Transport {
	case TransportStdio:
		if s.Command == "" {
			return fmt.Errorf("stdio transport requires a command")
		}
		if s.URL != "" || s.EventsURL != "" {
			return fmt.Errorf("stdio transport must not set url or events_url")
		}
	case TransportHTTP:
		if err := validateURL(s.URL, "url", "http", "https"); err != nil {
			return err
		}
		if s.EventsURL != "" {
			if err := validateURL(s.EventsURL, "events_url", "http", "https", "ws", "wss"); err != nil {
				return err
			}
		}
		if s.Command != "" {
			return fmt.Errorf("http transport must not set command")
		}
	case "":
		return fmt.Errorf("transport must be set (%q or %q)", TransportStdio, TransportHTTP)
	default:
		return fmt.Errorf("unknown transport %q (valid: %q, %q)", s.Transport, TransportStdio, TransportHTTP)
	}

	return nil
}

func validateURL(raw, field string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s must be set", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return fmt.Errorf("%s must be absolute", field)
			}
			return nil
		}
	}
	return fmt.Errorf("%s scheme %q not allowed (valid: %v)", field, u.Scheme, schemes)
}
