package testutil

import "github.com/hupe1980/agentcrew/core"

// ConfigBuilder provides a fluent helper for constructing agent configs in tests.
// Example:
//
//	cfg := NewConfigBuilder("researcher").Primary().Tools("calculator").Build()
//
// Chain only the parts you need; the mock provider is preset.
type ConfigBuilder struct {
	cfg core.AgentConfig
}

// NewConfigBuilder creates a builder for an agent using the mock provider.
func NewConfigBuilder(id string) *ConfigBuilder {
	return &ConfigBuilder{cfg: core.AgentConfig{
		ID:    id,
		Model: core.ModelConfig{Provider: "mock", Name: "scripted"},
	}}
}

// Name sets the display name (chainable).
func (b *ConfigBuilder) Name(n string) *ConfigBuilder { b.cfg.Name = n; return b }

// Primary marks the agent as the workflow's primary agent (chainable).
func (b *ConfigBuilder) Primary() *ConfigBuilder { b.cfg.Primary = true; return b }

// Tools appends local tool names (chainable).
func (b *ConfigBuilder) Tools(names ...string) *ConfigBuilder {
	b.cfg.Tools = append(b.cfg.Tools, names...)
	return b
}

// MCPServers appends remote-tool server names (chainable).
func (b *ConfigBuilder) MCPServers(names ...string) *ConfigBuilder {
	b.cfg.MCPServers = append(b.cfg.MCPServers, names...)
	return b
}

// SystemPrompt sets the prompt template (chainable).
func (b *ConfigBuilder) SystemPrompt(p string) *ConfigBuilder { b.cfg.SystemPrompt = p; return b }

// MaxIterations sets the tool loop cap (chainable).
func (b *ConfigBuilder) MaxIterations(n int) *ConfigBuilder { b.cfg.MaxToolIterations = n; return b }

// ShowReasoning surfaces reasoning chunks (chainable).
func (b *ConfigBuilder) ShowReasoning() *ConfigBuilder { b.cfg.ShowReasoning = true; return b }

// Temporary marks the lifecycle as temporary (chainable).
func (b *ConfigBuilder) Temporary() *ConfigBuilder { b.cfg.Lifecycle = core.LifecycleTemporary; return b }

// Build returns the config with defaults applied.
func (b *ConfigBuilder) Build() core.AgentConfig { return b.cfg.Clone().WithDefaults() }
