// Package config loads the agentcrew configuration from TOML or YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/hitl"
	"github.com/hupe1980/agentcrew/internal/util"
	"github.com/hupe1980/agentcrew/logging"
	"github.com/hupe1980/agentcrew/mcp"
	"github.com/hupe1980/agentcrew/resilience"
)

const (
	DefaultConfigPath    = "agentcrew.toml"
	DefaultStorageDriver = "memory"
	DefaultNATSPrefix    = "agentcrew"
	DefaultMinInterval   = time.Second
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// Provider kinds.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderMock      = "mock"
)

type Config struct {
	Log        LogConfig          `toml:"log" yaml:"log"`
	Storage    StorageConfig      `toml:"storage" yaml:"storage"`
	Stream     StreamConfig       `toml:"stream" yaml:"stream"`
	Resilience ResilienceConfig   `toml:"resilience" yaml:"resilience"`
	Runtime    RuntimeConfig      `toml:"runtime" yaml:"runtime"`
	Providers  []ProviderConfig   `toml:"providers" yaml:"providers"`
	MCPServers []mcp.ServerConfig `toml:"mcp_servers" yaml:"mcp_servers"`
	Agents     []core.AgentConfig `toml:"agents" yaml:"agents"`
}

type LogConfig struct {
	Level  string `toml:"level" yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `toml:"format" yaml:"format" validate:"omitempty,oneof=json text"`
}

type StorageConfig struct {
	Driver string `toml:"driver" yaml:"driver" validate:"oneof=memory postgres"`
	DSN    string `toml:"dsn" yaml:"dsn" validate:"required_if=Driver postgres"`
	// Migrate applies the embedded schema on startup.
	Migrate bool `toml:"migrate" yaml:"migrate"`
}

type StreamConfig struct {
	NATSURL       string `toml:"nats_url" yaml:"nats_url" validate:"omitempty,url"`
	SubjectPrefix string `toml:"subject_prefix" yaml:"subject_prefix" validate:"omitempty,max=128"`
	// WebSocketAddr enables the websocket hub when set, e.g. ":8090".
	WebSocketAddr string `toml:"websocket_addr" yaml:"websocket_addr" validate:"omitempty,max=256"`
}

type ResilienceConfig struct {
	Retry   resilience.RetryConfig   `toml:"retry" yaml:"retry"`
	Breaker resilience.BreakerConfig `toml:"breaker" yaml:"breaker"`
}

type RuntimeConfig struct {
	// MaxConcurrentExecutions bounds agent executions across workflows. Zero is unlimited.
	MaxConcurrentExecutions int `toml:"max_concurrent_executions" yaml:"max_concurrent_executions" validate:"gte=0"`
	// MaxConcurrentWorkflows bounds running workflows. Zero is unlimited.
	MaxConcurrentWorkflows int `toml:"max_concurrent_workflows" yaml:"max_concurrent_workflows" validate:"gte=0"`
	// ToolTimeout bounds a single local tool call. Zero disables the bound.
	ToolTimeout time.Duration `toml:"tool_timeout" yaml:"tool_timeout" validate:"gte=0"`
	// RequireApproval routes confirmations through the storage-backed validator
	// instead of approving automatically.
	RequireApproval  bool          `toml:"require_approval" yaml:"require_approval"`
	PollInterval     time.Duration `toml:"poll_interval" yaml:"poll_interval" validate:"gte=0"`
	DisableStreaming bool          `toml:"disable_streaming" yaml:"disable_streaming"`
}

// ProviderConfig registers an LLM provider under Name.
type ProviderConfig struct {
	Name string `toml:"name" yaml:"name" validate:"required,urlsafe,max=64"`
	Kind string `toml:"kind" yaml:"kind" validate:"required,oneof=anthropic openai mock"`
	// APIKeyEnv names the vault key holding the API key, e.g. "ANTHROPIC_API_KEY".
	APIKeyEnv string `toml:"api_key_env" yaml:"api_key_env" validate:"omitempty,max=256"`
	BaseURL   string `toml:"base_url" yaml:"base_url" validate:"omitempty,url"`
	// MinInterval spaces consecutive requests to the provider.
	MinInterval time.Duration `toml:"min_interval" yaml:"min_interval" validate:"gte=0"`
}

// DefaultConfig returns a configuration with in-memory storage, default
// resilience parameters and a mock provider.
func DefaultConfig() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Storage: StorageConfig{
			Driver: DefaultStorageDriver,
		},
		Stream: StreamConfig{
			SubjectPrefix: DefaultNATSPrefix,
		},
		Resilience: ResilienceConfig{
			Retry:   resilience.DefaultRetryConfig(),
			Breaker: resilience.DefaultBreakerConfig(),
		},
		Runtime: RuntimeConfig{
			PollInterval: hitl.DefaultPollInterval,
		},
	}
}

// Load reads path, TOML or YAML by extension, over DefaultConfig. A missing
// file at the default path yields the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultConfigPath
		if _, err := os.Stat(path); os.IsNotExist(err) {
			cfg := DefaultConfig()
			cfg.applyDefaults()
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data, filepath.Ext(path))
}

// Parse decodes data in the format named by ext (".toml", ".yaml" or ".yml").
func Parse(data []byte, ext string) (Config, error) {
	cfg := DefaultConfig()

	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, core.Wrap(core.KindInvalidInput, err, "decode yaml config")
		}
	case ".toml", "":
		md, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return Config{}, core.Wrap(core.KindInvalidInput, err, "decode toml config")
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return Config{}, core.Errorf(core.KindInvalidInput, "unknown config keys: %s", strings.Join(keys, ", "))
		}
	default:
		return Config{}, core.Errorf(core.KindInvalidInput, "unsupported config format %q", ext)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Storage.Driver == "" {
		c.Storage.Driver = DefaultStorageDriver
	}
	if c.Stream.SubjectPrefix == "" {
		c.Stream.SubjectPrefix = DefaultNATSPrefix
	}
	if c.Runtime.PollInterval <= 0 {
		c.Runtime.PollInterval = hitl.DefaultPollInterval
	}
	if len(c.Providers) == 0 {
		c.Providers = []ProviderConfig{{Name: ProviderMock, Kind: ProviderMock}}
	}
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.Kind == "" {
			p.Kind = p.Name
		}
		if p.MinInterval == 0 && p.Kind != ProviderMock {
			p.MinInterval = DefaultMinInterval
		}
	}
	for i := range c.Agents {
		c.Agents[i] = c.Agents[i].WithDefaults()
	}
}

// LoggerConfig maps the log section onto a logging configuration.
func (c Config) LoggerConfig() (*logging.LoggerConfig, error) {
	level, err := logging.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, core.Wrap(core.KindInvalidInput, err, "invalid log level")
	}
	lc := logging.DefaultLoggerConfig()
	lc.Level = level
	if c.Log.Format != "" {
		lc.Format = c.Log.Format
	}
	return lc, nil
}

// Agent returns the configuration of the agent with id.
func (c Config) Agent(id string) (core.AgentConfig, bool) {
	for _, a := range c.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return core.AgentConfig{}, false
}

// PrimaryAgent returns the first agent marked primary.
func (c Config) PrimaryAgent() (core.AgentConfig, bool) {
	for _, a := range c.Agents {
		if a.Primary {
			return a, true
		}
	}
	return core.AgentConfig{}, false
}

// Validate checks field rules and cross references: unique names, known
// providers and servers.
func (c Config) Validate() error {
	if err := util.ValidateStruct(c.Log); err != nil {
		return core.Wrap(core.KindInvalidInput, err, "invalid log config")
	}
	if err := util.ValidateStruct(c.Storage); err != nil {
		return core.Wrap(core.KindInvalidInput, err, "invalid storage config")
	}
	if err := util.ValidateStruct(c.Stream); err != nil {
		return core.Wrap(core.KindInvalidInput, err, "invalid stream config")
	}
	if err := util.ValidateStruct(c.Runtime); err != nil {
		return core.Wrap(core.KindInvalidInput, err, "invalid runtime config")
	}

	providers := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if err := util.ValidateStruct(p); err != nil {
			return core.Wrap(core.KindInvalidInput, err, fmt.Sprintf("invalid provider %q", p.Name))
		}
		if providers[p.Name] {
			return core.Errorf(core.KindInvalidInput, "duplicate provider %q", p.Name)
		}
		providers[p.Name] = true
	}

	servers := make(map[string]bool, len(c.MCPServers))
	for _, s := range c.MCPServers {
		if err := s.Validate(); err != nil {
			return err
		}
		if servers[s.Name] {
			return core.Errorf(core.KindInvalidInput, "duplicate mcp server %q", s.Name)
		}
		servers[s.Name] = true
	}

	agents := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if err := a.Validate(); err != nil {
			return err
		}
		if a.Lifecycle == core.LifecycleTemporary {
			return core.Errorf(core.KindInvalidInput, "agent %q: temporary agents are created at runtime only", a.ID)
		}
		if agents[a.ID] {
			return core.Errorf(core.KindInvalidInput, "duplicate agent %q", a.ID)
		}
		agents[a.ID] = true
		if !providers[a.Model.Provider] {
			return core.Errorf(core.KindInvalidInput, "agent %q uses unknown provider %q", a.ID, a.Model.Provider)
		}
	}
	return nil
}

// Warnings lists problems that do not prevent startup: agents referencing
// remote-tool servers that are not configured or disabled.
func (c Config) Warnings() []string {
	enabled := make(map[string]bool, len(c.MCPServers))
	for _, s := range c.MCPServers {
		enabled[s.Name] = s.IsEnabled()
	}
	var out []string
	for _, a := range c.Agents {
		for _, name := range a.MCPServers {
			on, ok := enabled[name]
			switch {
			case !ok:
				out = append(out, fmt.Sprintf("agent %q references unknown mcp server %q", a.ID, name))
			case !on:
				out = append(out, fmt.Sprintf("agent %q references disabled mcp server %q", a.ID, name))
			}
		}
	}
	return out
}

// CheckTools verifies every agent tool name against the known names and
// that only primary agents list sub-agent tools.
func (c Config) CheckTools(known []string, isSubAgentTool func(name string) bool) error {
	set := make(map[string]bool, len(known))
	for _, n := range known {
		set[n] = true
	}
	for _, a := range c.Agents {
		for _, name := range a.Tools {
			if !set[name] {
				return core.Errorf(core.KindInvalidInput, "agent %q uses unknown tool %q; known tools: %s",
					a.ID, name, strings.Join(known, ", "))
			}
			if isSubAgentTool != nil && isSubAgentTool(name) && !a.Primary {
				return core.Errorf(core.KindInvalidInput, "agent %q is not primary and cannot use sub-agent tool %q", a.ID, name)
			}
		}
	}
	return nil
}
