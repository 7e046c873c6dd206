package agent

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/hitl"
	"github.com/hupe1980/agentcrew/logging"
	"github.com/hupe1980/agentcrew/model"
	"github.com/hupe1980/agentcrew/stream"
	"github.com/hupe1980/agentcrew/tool"
)

// BuilderOptions configures a Builder.
type BuilderOptions struct {
	Emitter         *stream.Emitter
	Gate            hitl.Gate
	Logger          logging.Logger
	Tracer          trace.Tracer
	EnableStreaming bool
	ToolTimeout     time.Duration
}

// Builder turns agent configurations into ModelAgents: the model comes from
// the provider set and the tools from the factory.
type Builder struct {
	providers *model.Providers
	factory   *tool.Factory
	opts      BuilderOptions
}

// NewBuilder creates a builder. Wire the factory with an execution context
// to give primary agents their sub-agent tools.
func NewBuilder(providers *model.Providers, factory *tool.Factory, optFns ...func(o *BuilderOptions)) *Builder {
	opts := BuilderOptions{EnableStreaming: true}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Builder{providers: providers, factory: factory, opts: opts}
}

// Build validates cfg and constructs the agent. Unknown tool names are
// skipped by the factory.
func (b *Builder) Build(cfg core.AgentConfig) (core.Agent, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	llm, err := b.providers.Build(cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("build agent %s: %w", cfg.ID, err)
	}

	tools := b.factory.ForAgent(cfg.ID, cfg.Primary).CreateAll(cfg.Tools)

	return NewModelAgent(cfg, llm, func(o *ModelAgentOptions) {
		o.Tools = tools
		o.Emitter = b.opts.Emitter
		o.Gate = b.opts.Gate
		o.Logger = b.opts.Logger
		o.Tracer = b.opts.Tracer
		o.EnableStreaming = b.opts.EnableStreaming
		o.ToolTimeout = b.opts.ToolTimeout
	}), nil
}

// Func returns Build as a tool.AgentBuilder.
func (b *Builder) Func() tool.AgentBuilder { return b.Build }
