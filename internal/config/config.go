// Package config handles mcpctl configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"github.com/gtwatts/wezterm-sub001/internal/mcp"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./mcp.yaml, ~/.config/mcpctl/config.yaml, /etc/mcpctl/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"mcp.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mcpctl", "config.yaml"))
	}

	paths = append(paths, "/etc/mcpctl/config.yaml")
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

// Config holds all mcpctl configuration.
type Config struct {
	// LogLevel is one of trace, debug, info, warn, error. See [ParseLogLevel].
	LogLevel string `yaml:"log_level"`

	// LogFormat is "text" or "json".
	LogFormat string `yaml:"log_format"`

	MCP MCPConfig `yaml:"mcp"`
}

// MCPConfig configures the MCP client and the servers it connects to.
type MCPConfig struct {
	// ClientName is sent to servers as clientInfo.name.
	ClientName string `yaml:"client_name"`

	InitTimeout     time.Duration `yaml:"init_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// MaxConcurrentConnects bounds how many servers start at once.
	MaxConcurrentConnects int `yaml:"max_concurrent_connects"`

	// Servers maps a server name to its launch configuration. The name
	// namespaces the server's tools.
	Servers map[string]MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes one MCP server.
type MCPServerConfig struct {
	// Transport is "stdio" (the default). Other transports are accepted
	// here but skipped at connect time.
	Transport string `yaml:"transport"`

	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`

	// Env holds extra environment variables for the subprocess.
	Env map[string]string `yaml:"env"`

	// Dir is the subprocess working directory.
	Dir string `yaml:"dir"`

	// IncludeTools, if non-empty, limits which tools are exposed.
	IncludeTools []string `yaml:"include_tools"`
	// ExcludeTools hides tools by their MCP name. Ignored when
	// IncludeTools is set.
	ExcludeTools []string `yaml:"exclude_tools"`

	// Disabled servers are kept in the file but never started.
	Disabled bool `yaml:"disabled"`
}

// EnvList returns Env as sorted "KEY=VALUE" entries.
func (s MCPServerConfig) EnvList() []string {
	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+s.Env[k])
	}
	return out
}

// envOverrides are applied on top of the file. Unset variables leave the
// file values alone.
type envOverrides struct {
	LogLevel        string        `env:"MCPCTL_LOG_LEVEL"`
	LogFormat       string        `env:"MCPCTL_LOG_FORMAT"`
	InitTimeout     time.Duration `env:"MCPCTL_INIT_TIMEOUT"`
	RequestTimeout  time.Duration `env:"MCPCTL_REQUEST_TIMEOUT"`
	ShutdownTimeout time.Duration `env:"MCPCTL_SHUTDOWN_TIMEOUT"`
}

// Load reads configuration from a YAML file, applies environment
// overrides, expands ${VAR} references in server definitions, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.expandServers()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		MCP: MCPConfig{
			ClientName:            "mcpctl",
			InitTimeout:           30 * time.Second,
			RequestTimeout:        60 * time.Second,
			ShutdownTimeout:       5 * time.Second,
			MaxConcurrentConnects: 4,
		},
	}
}

// applyDefaults fills values the file explicitly blanked.
func (c *Config) applyDefaults() {
	for name, s := range c.MCP.Servers {
		if s.Transport == "" {
			s.Transport = "stdio"
			c.MCP.Servers[name] = s
		}
	}
}

func (c *Config) applyEnv() error {
	var env envOverrides
	if err := envdecode.Decode(&env); err != nil {
		if errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
			return nil
		}
		return fmt.Errorf("environment overrides: %w", err)
	}

	if env.LogLevel != "" {
		c.LogLevel = env.LogLevel
	}
	if env.LogFormat != "" {
		c.LogFormat = env.LogFormat
	}
	if env.InitTimeout != 0 {
		c.MCP.InitTimeout = env.InitTimeout
	}
	if env.RequestTimeout != 0 {
		c.MCP.RequestTimeout = env.RequestTimeout
	}
	if env.ShutdownTimeout != 0 {
		c.MCP.ShutdownTimeout = env.ShutdownTimeout
	}
	return nil
}

// expandServers substitutes ${VAR} references in each server's command,
// args, env values and dir.
func (c *Config) expandServers() {
	for name, s := range c.MCP.Servers {
		s.Command = ExpandVars(s.Command)
		s.Dir = ExpandVars(s.Dir)
		if len(s.Args) > 0 {
			args := make([]string, len(s.Args))
			for i, a := range s.Args {
				args[i] = ExpandVars(a)
			}
			s.Args = args
		}
		if len(s.Env) > 0 {
			env := make(map[string]string, len(s.Env))
			for k, v := range s.Env {
				env[k] = ExpandVars(v)
			}
			s.Env = env
		}
		c.MCP.Servers[name] = s
	}
}

// ExpandVars replaces ${VAR} with the value of the environment variable.
// Every other "$" is copied through, so shell or awk text such as
// '{print $1}' survives. References to unset variables, and an
// unterminated "${", are left as written so a missing secret is visible
// rather than silently empty.
func ExpandVars(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			break
		}
		n := strings.IndexByte(s[i+2:], '}')
		if n < 0 {
			break
		}
		ref := s[i : i+2+n+1]
		name := ref[2 : len(ref)-1]

		b.WriteString(s[:i])
		if v, ok := os.LookupEnv(name); ok && name != "" {
			b.WriteString(v)
		} else {
			b.WriteString(ref)
		}
		s = s[i+len(ref):]
	}
	b.WriteString(s)
	return b.String()
}

// Validate checks the configuration for errors that would otherwise
// surface later as confusing connect failures.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q (valid: text, json)", c.LogFormat))
	}

	if c.MCP.InitTimeout < 0 || c.MCP.RequestTimeout < 0 || c.MCP.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("mcp timeouts must not be negative"))
	}
	if c.MCP.MaxConcurrentConnects < 0 {
		errs = append(errs, errors.New("mcp.max_concurrent_connects must not be negative"))
	}

	namespaces := make(map[string]string, len(c.MCP.Servers))
	for _, name := range c.ServerNames() {
		s := c.MCP.Servers[name]
		if strings.Contains(name, "__") {
			errs = append(errs, fmt.Errorf("mcp server %q: name must not contain \"__\"", name))
		}
		key := mcp.SanitizeName(name)
		if other, ok := namespaces[key]; ok {
			errs = append(errs, fmt.Errorf("mcp server %q: name collides with %q (both namespace tools as mcp__%s__)", name, other, key))
		} else {
			namespaces[key] = name
		}
		if s.Transport == "stdio" && s.Command == "" {
			errs = append(errs, fmt.Errorf("mcp server %q: command is required for stdio transport", name))
		}
	}

	return errors.Join(errs...)
}

// ServerNames returns the configured server names in sorted order,
// including disabled ones.
func (c *Config) ServerNames() []string {
	names := make([]string, 0, len(c.MCP.Servers))
	for name := range c.MCP.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
