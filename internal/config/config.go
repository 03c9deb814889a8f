// Package config handles mcprelay configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport names accepted in [ServerConfig.Transport].
const (
	TransportStdio   = "stdio"
	TransportHTTP    = "http"
	TransportBuiltin = "builtin"
)

// Defaults applied by [Config.applyDefaults].
const (
	DefaultModel       = "qwen3:4b"
	DefaultOllamaURL   = "http://localhost:11434"
	DefaultMaxTurns    = 10
	DefaultCallTimeout = 30 * time.Second
)

// DefaultInstructions is the system prompt used when agent.instructions
// is not configured.
const DefaultInstructions = `You are a helpful assistant with access to utility tools provided by external tool servers.
Use the tools to answer user questions accurately and concisely.
Tool results that begin with "Error:" describe a failure, not data; correct the arguments or explain the problem to the user.`

// DefaultSearchPaths returns the config file search order used when no
// explicit path is given: ./mcprelay.yaml, ~/.config/mcprelay/config.yaml,
// /etc/mcprelay/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"mcprelay.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mcprelay", "config.yaml"))
	}

	return append(paths, "/etc/mcprelay/config.yaml")
}

// ErrNoConfig is returned by [FindConfig] when nothing was found on the
// search path. Callers fall back to [Default].
var ErrNoConfig = errors.New("no config file found")

// FindConfig locates a config file. An explicit path must exist.
// Otherwise the first existing entry of [DefaultSearchPaths] wins.
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

	return "", fmt.Errorf("%w (searched: %v)", ErrNoConfig, DefaultSearchPaths())
}

// Config holds all mcprelay configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text (default) or json
	Models    ModelsConfig    `yaml:"models"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Agent     AgentConfig     `yaml:"agent"`
	MCP       MCPConfig       `yaml:"mcp"`
}

// ModelsConfig selects the reasoning model and maps model names to providers.
type ModelsConfig struct {
	Default   string        `yaml:"default"`
	OllamaURL string        `yaml:"ollama_url"`
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig maps one model name to its provider (ollama or anthropic).
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// Configured reports whether an API key is present.
func (c AnthropicConfig) Configured() bool {
	return c.APIKey != ""
}

// AgentConfig tunes the agent loop.
type AgentConfig struct {
	Instructions string `yaml:"instructions"`
	MaxTurns     int    `yaml:"max_turns"`

	// ParallelTools dispatches the tool calls of one reasoning step
	// concurrently. Pointer so an explicit false survives defaults.
	ParallelTools *bool `yaml:"parallel_tools"`
}

// Parallel returns the effective ParallelTools setting (default true).
func (c AgentConfig) Parallel() bool {
	return c.ParallelTools == nil || *c.ParallelTools
}

// MCPConfig lists the tool servers to connect to.
type MCPConfig struct {
	Servers []ServerConfig `yaml:"servers"`
}

// ServerConfig describes one tool-providing server.
type ServerConfig struct {
	Name      string `yaml:"name"`
	Transport string `yaml:"transport"` // stdio, http or builtin

	// stdio
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"` // KEY=VALUE, appended to the process environment

	// http
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`

	// CallTimeout bounds each tools/call round trip.
	CallTimeout time.Duration `yaml:"call_timeout"`

	// Pipelining allows several requests in flight on one stdio channel.
	// Only enable for servers known to answer out of order correctly.
	Pipelining bool `yaml:"pipelining"`

	// Prefix namespaces bridged tools as mcp_<server>_<tool>.
	Prefix bool `yaml:"prefix"`

	IncludeTools []string `yaml:"include_tools"`
	ExcludeTools []string `yaml:"exclude_tools"`
}

// Load reads configuration from a YAML file, expanding ${VAR}
// references from the environment, then applies defaults and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns the configuration used when no file is found: the
// built-in tool server over an in-process channel and a local Ollama model.
func Default() *Config {
	cfg := &Config{
		MCP: MCPConfig{
			Servers: []ServerConfig{{Name: "builtin", Transport: TransportBuiltin}},
		},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.Models.Default == "" {
		c.Models.Default = DefaultModel
	}
	if c.Models.OllamaURL == "" {
		c.Models.OllamaURL = DefaultOllamaURL
	}
	for i := range c.Models.Available {
		if c.Models.Available[i].Provider == "" {
			c.Models.Available[i].Provider = "ollama"
		}
	}
	if c.Agent.Instructions == "" {
		c.Agent.Instructions = DefaultInstructions
	}
	if c.Agent.MaxTurns == 0 {
		c.Agent.MaxTurns = DefaultMaxTurns
	}
	for i := range c.MCP.Servers {
		s := &c.MCP.Servers[i]
		if s.Transport == "" {
			s.Transport = TransportStdio
		}
		if s.CallTimeout == 0 {
			s.CallTimeout = DefaultCallTimeout
		}
	}
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format %q invalid (expected text or json)", c.LogFormat)
	}
	if c.Agent.MaxTurns < 0 {
		return fmt.Errorf("agent.max_turns must be positive, got %d", c.Agent.MaxTurns)
	}

	seen := make(map[string]bool, len(c.MCP.Servers))
	for i, s := range c.MCP.Servers {
		if s.Name == "" {
			return fmt.Errorf("mcp.servers[%d]: name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("mcp.servers[%d]: duplicate server name %q", i, s.Name)
		}
		seen[s.Name] = true

		switch s.Transport {
		case TransportStdio:
			if s.Command == "" {
				return fmt.Errorf("mcp server %q: stdio transport requires command", s.Name)
			}
		case TransportHTTP:
			if s.URL == "" {
				return fmt.Errorf("mcp server %q: http transport requires url", s.Name)
			}
		case TransportBuiltin:
		default:
			return fmt.Errorf("mcp server %q: unknown transport %q (expected stdio, http or builtin)", s.Name, s.Transport)
		}

		if s.CallTimeout < 0 {
			return fmt.Errorf("mcp server %q: call_timeout must be positive", s.Name)
		}
	}

	return nil
}
