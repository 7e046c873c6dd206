package core

import (
	"context"

	"github.com/hupe1980/agentcrew/internal/util"
)

// DefaultMaxToolIterations bounds the tool loop when an agent config does not set it.
const DefaultMaxToolIterations = 50

// Lifecycle distinguishes configured agents from temporary sub-agents.
type Lifecycle string

const (
	// LifecyclePermanent agents are registered from configuration and live for the process.
	LifecyclePermanent Lifecycle = "permanent"
	// LifecycleTemporary agents are spawned for one sub-agent task and unregistered afterwards.
	LifecycleTemporary Lifecycle = "temporary"
)

// ModelConfig selects the LLM provider and sampling parameters of an agent.
type ModelConfig struct {
	Provider    string  `json:"provider" toml:"provider" yaml:"provider" validate:"required,urlsafe,max=64"`
	Name        string  `json:"name" toml:"name" yaml:"name" validate:"required,max=128"`
	Temperature float64 `json:"temperature" toml:"temperature" yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens   int     `json:"max_tokens" toml:"max_tokens" yaml:"max_tokens" validate:"gte=0"`
}

// AgentConfig is the immutable configuration an agent is built from.
type AgentConfig struct {
	ID                string      `json:"id" toml:"id" yaml:"id" validate:"required,urlsafe,max=64"`
	Name              string      `json:"name" toml:"name" yaml:"name" validate:"max=128"`
	Lifecycle         Lifecycle   `json:"lifecycle" toml:"lifecycle" yaml:"lifecycle" validate:"omitempty,oneof=permanent temporary"`
	Model             ModelConfig `json:"model" toml:"model" yaml:"model"`
	Tools             []string    `json:"tools" toml:"tools" yaml:"tools" validate:"dive,urlsafe,max=64"`
	MCPServers        []string    `json:"mcp_servers" toml:"mcp_servers" yaml:"mcp_servers" validate:"dive,urlsafe,max=64"`
	SystemPrompt      string      `json:"system_prompt" toml:"system_prompt" yaml:"system_prompt" validate:"max=100000"`
	MaxToolIterations int         `json:"max_tool_iterations" toml:"max_tool_iterations" yaml:"max_tool_iterations" validate:"gte=0"`
	ShowReasoning     bool        `json:"show_reasoning" toml:"show_reasoning" yaml:"show_reasoning"`
	// Primary marks the workflow agent that may use sub-agent tools.
	Primary bool `json:"primary" toml:"primary" yaml:"primary"`
}

// WithDefaults fills unset optional fields.
func (c AgentConfig) WithDefaults() AgentConfig {
	if c.Name == "" {
		c.Name = c.ID
	}
	if c.Lifecycle == "" {
		c.Lifecycle = LifecyclePermanent
	}
	if c.MaxToolIterations <= 0 {
		c.MaxToolIterations = DefaultMaxToolIterations
	}
	return c
}

// Validate checks the field rules of the configuration.
func (c AgentConfig) Validate() error {
	if err := util.ValidateStruct(c); err != nil {
		return Wrap(KindInvalidInput, err, "invalid agent config "+c.ID)
	}
	return nil
}

// Clone returns a deep copy.
func (c AgentConfig) Clone() AgentConfig {
	c.Tools = append([]string(nil), c.Tools...)
	c.MCPServers = append([]string(nil), c.MCPServers...)
	return c
}

// Agent is a unit that executes a task by driving a tool loop against an LLM.
//
// Agents are shared between the registry and in-flight executions, so
// implementations must be safe for concurrent Execute calls.
type Agent interface {
	ID() string
	Config() AgentConfig
	// Execute runs the task. remote may be nil, in which case remote-tool
	// calls fail with a dependency error.
	Execute(ctx context.Context, task Task, remote RemoteTools) (*Report, error)
}
