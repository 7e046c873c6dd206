// Package agentcrew wires the multi-agent runtime together from a
// config.Config: storage, model providers, remote-tool servers, the stream
// sinks, the human-validation gate, the tool registry with its sub-agent
// tools, the orchestration engine and the workflow runner.
//
// Most applications interact with this package by:
//  1. Loading a configuration with config.Load
//  2. Creating a Crew via New (optionally overriding store, vault or sinks)
//  3. Running tasks on the primary agent with Run or Start
//
// All defaults are safe for local development: in-memory storage, automatic
// approval and a mock provider that echoes the task.
package agentcrew

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/agentcrew/agent"
	"github.com/hupe1980/agentcrew/config"
	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/engine"
	"github.com/hupe1980/agentcrew/hitl"
	"github.com/hupe1980/agentcrew/logging"
	"github.com/hupe1980/agentcrew/mcp"
	"github.com/hupe1980/agentcrew/model"
	"github.com/hupe1980/agentcrew/model/anthropic"
	"github.com/hupe1980/agentcrew/model/openai"
	"github.com/hupe1980/agentcrew/resilience"
	"github.com/hupe1980/agentcrew/runner"
	"github.com/hupe1980/agentcrew/storage"
	"github.com/hupe1980/agentcrew/storage/postgres"
	"github.com/hupe1980/agentcrew/stream"
	"github.com/hupe1980/agentcrew/subagent"
	"github.com/hupe1980/agentcrew/tool"
	"github.com/hupe1980/agentcrew/tool/builtin"
	"github.com/hupe1980/agentcrew/vault"
)

// Options configures the Crew instance.
type Options struct {
	// Logger overrides the logger built from the log section.
	Logger logging.Logger
	Tracer trace.Tracer

	// Store overrides the configured storage driver.
	Store storage.Store

	// Vault resolves provider API keys. Defaults to the process environment.
	Vault vault.Vault

	// Sinks receive every chunk and completion in addition to the
	// configured NATS and websocket sinks.
	Sinks []stream.Sink

	// Gate overrides the confirmation gate chosen by runtime.require_approval.
	Gate hitl.Gate

	// Providers are registered after the configured ones and win on name
	// clashes.
	Providers map[string]model.Factory

	// Tools are registered next to the builtin and sub-agent tools, so agent
	// configs can name them.
	Tools []tool.Entry

	// Dial replaces the MCP transports, mainly for tests.
	Dial mcp.DialFunc
}

// Crew is the assembled runtime.
type Crew struct {
	cfg    config.Config
	logger logging.Logger

	store  storage.Store
	pool   *pgxpool.Pool
	nats   *stream.NATSSink
	hub    *stream.WebSocketHub
	emit   *stream.Emitter
	remote *mcp.Manager

	providers *model.Providers
	tools     *tool.Registry
	subagents *subagent.Pool
	engine    *engine.Engine
	builder   *agent.Builder
	runner    *runner.Runner
}

// New validates cfg and assembles a Crew. Every configured agent is built
// and registered. Remote-tool servers start lazily on first use.
func New(ctx context.Context, cfg config.Config, optFns ...func(o *Options)) (*Crew, error) {
	opts := Options{Vault: vault.Env{}}
	for _, fn := range optFns {
		fn(&opts)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Crew{cfg: cfg}

	if opts.Logger != nil {
		c.logger = opts.Logger
	} else {
		lc, err := cfg.LoggerConfig()
		if err != nil {
			return nil, err
		}
		c.logger = logging.NewLogger(lc)
	}
	for _, w := range cfg.Warnings() {
		c.logger.Warn("crew.config.warning", "detail", w)
	}

	ok := false
	defer func() {
		if !ok {
			_ = c.Close(context.WithoutCancel(ctx))
		}
	}()

	if err := c.openStore(ctx, opts.Store); err != nil {
		return nil, err
	}
	if err := c.openSinks(opts.Sinks); err != nil {
		return nil, err
	}
	if err := c.registerProviders(ctx, opts.Vault, opts.Providers); err != nil {
		return nil, err
	}

	remote, err := mcp.NewManager(cfg.MCPServers, func(o *mcp.Options) {
		o.Logger = logging.ForComponent(c.logger, "mcp")
		o.Tracer = opts.Tracer
		o.Breaker = cfg.Resilience.Breaker
		o.Retry = cfg.Resilience.Retry
		o.Dial = opts.Dial
	})
	if err != nil {
		return nil, err
	}
	c.remote = remote

	gate := opts.Gate
	if gate == nil {
		gate = hitl.AutoApprove{}
		if cfg.Runtime.RequireApproval {
			gate = hitl.NewValidator(c.store, func(o *hitl.Options) {
				o.PollInterval = cfg.Runtime.PollInterval
				o.Emitter = c.emit
				o.Logger = logging.ForComponent(c.logger, "hitl")
			})
		}
	}

	c.tools = tool.NewRegistry()
	if err := builtin.Register(c.tools); err != nil {
		return nil, err
	}
	c.subagents = subagent.NewPool(func(o *subagent.Options) {
		o.Logger = logging.ForComponent(c.logger, "subagent")
		o.Tracer = opts.Tracer
	})
	if err := subagent.Register(c.tools, c.subagents); err != nil {
		return nil, err
	}
	for _, e := range opts.Tools {
		if err := c.tools.Register(e); err != nil {
			return nil, err
		}
	}
	if err := cfg.CheckTools(c.tools.Names(), c.tools.IsSubAgentTool); err != nil {
		return nil, err
	}

	callbacks := engine.NewCallbackManager()
	callbacks.RegisterCallback(engine.NewTaskValidationCallback(engine.ValidateTask))
	callbacks.RegisterCallback(engine.NewLoggingCallback(engine.CallbackOnError, c.logger))

	c.engine = engine.New(engine.NewRegistry(), func(o *engine.Options) {
		o.Config.MaxConcurrentExecutions = cfg.Runtime.MaxConcurrentExecutions
		o.Remote = remote
		o.Callbacks = callbacks
		o.Logger = logging.ForComponent(c.logger, "engine")
	})

	ec := &tool.ExecContext{
		Orchestrator: c.engine,
		Agents:       c.engine.Registry(),
		Remote:       remote,
		Emitter:      c.emit,
		Gate:         gate,
		Records:      c.store,
		Tools:        c.tools,
		Breaker: resilience.NewCircuitBreaker(func(o *resilience.BreakerConfig) {
			*o = cfg.Resilience.Breaker
		}),
		Retry:  cfg.Resilience.Retry,
		Logger: logging.ForComponent(c.logger, "subagent"),
	}

	factory := tool.NewFactory(c.tools, tool.Deps{
		Store:   c.store,
		Emitter: c.emit,
		Logger:  logging.ForComponent(c.logger, "tool"),
	}).WithExecContext(ec)

	c.builder = agent.NewBuilder(c.providers, factory, func(o *agent.BuilderOptions) {
		o.Emitter = c.emit
		o.Gate = gate
		o.Logger = logging.ForComponent(c.logger, "agent")
		o.Tracer = opts.Tracer
		o.EnableStreaming = !cfg.Runtime.DisableStreaming
		o.ToolTimeout = cfg.Runtime.ToolTimeout
	})
	ec.BuildAgent = c.builder.Func()

	for _, ac := range cfg.Agents {
		if err := c.RegisterAgent(ac); err != nil {
			return nil, err
		}
	}

	c.runner = runner.New(c.engine, c.engine.Registry(), func(o *runner.Options) {
		o.Remote = remote
		o.Emitter = c.emit
		o.MaxConcurrentWorkflows = cfg.Runtime.MaxConcurrentWorkflows
		o.Logger = logging.ForComponent(c.logger, "runner")
		o.Tracer = opts.Tracer
	})

	ok = true
	c.logger.Info("crew.ready",
		"agents", len(cfg.Agents),
		"providers", c.providers.Names(),
		"mcp.servers", remote.Names(),
		"storage.driver", cfg.Storage.Driver,
	)
	return c, nil
}

func (c *Crew) openStore(ctx context.Context, override storage.Store) error {
	if override != nil {
		c.store = override
		return nil
	}
	switch c.cfg.Storage.Driver {
	case config.DriverPostgres:
		if c.cfg.Storage.Migrate {
			if err := postgres.Migrate(c.cfg.Storage.DSN); err != nil {
				return core.Wrap(core.KindStorage, err, "migrate postgres")
			}
		}
		pool, err := postgres.Open(ctx, c.cfg.Storage.DSN)
		if err != nil {
			return core.Wrap(core.KindStorage, err, "open postgres")
		}
		c.pool = pool
		c.store = postgres.NewStore(pool)
	default:
		c.store = storage.NewMemoryBackend()
	}
	return nil
}

func (c *Crew) openSinks(extra []stream.Sink) error {
	sinks := append(stream.MultiSink{}, extra...)
	if url := c.cfg.Stream.NATSURL; url != "" {
		ns, err := stream.ConnectNATS(url, c.cfg.Stream.SubjectPrefix)
		if err != nil {
			return core.Wrap(core.KindDependency, err, "connect stream broker")
		}
		c.nats = ns
		sinks = append(sinks, ns)
	}
	if c.cfg.Stream.WebSocketAddr != "" {
		c.hub = stream.NewWebSocketHub(func(o *stream.WebSocketHubOptions) { o.Logger = logging.ForComponent(c.logger, "stream") })
		sinks = append(sinks, c.hub)
	}
	c.emit = stream.NewEmitter(sinks, logging.ForComponent(c.logger, "stream"))
	return nil
}

func (c *Crew) registerProviders(ctx context.Context, secrets vault.Vault, extra map[string]model.Factory) error {
	c.providers = model.NewProviders()
	for _, p := range c.cfg.Providers {
		var apiKey string
		if p.APIKeyEnv != "" {
			key, err := secrets.Get(ctx, p.APIKeyEnv)
			if err != nil {
				return fmt.Errorf("provider %s: %w", p.Name, err)
			}
			apiKey = key
		}

		var factory model.Factory
		switch p.Kind {
		case config.ProviderAnthropic:
			factory = anthropic.Factory(apiKey)
		case config.ProviderOpenAI:
			factory = openai.Factory(apiKey, p.BaseURL)
		case config.ProviderMock:
			factory = model.MockFactory
		default:
			return core.Errorf(core.KindInvalidInput, "provider %s: unknown kind %q", p.Name, p.Kind)
		}
		c.providers.Register(p.Name, factory, p.MinInterval)
	}
	for name, factory := range extra {
		c.providers.Register(name, factory, 0)
	}
	return nil
}

// RegisterAgent builds cfg and adds it to the agent registry.
func (c *Crew) RegisterAgent(cfg core.AgentConfig) error {
	a, err := c.builder.Build(cfg)
	if err != nil {
		return err
	}
	c.engine.Register(a)
	c.logger.Debug("crew.agent.registered", "agent_id", cfg.ID, "primary", cfg.Primary)
	return nil
}

// Run executes task on agentID as a new workflow and waits for it.
func (c *Crew) Run(ctx context.Context, agentID string, task core.Task) (runner.Result, error) {
	return c.runner.Run(ctx, agentID, task)
}

// Start begins a workflow and returns its id with the result channel.
func (c *Crew) Start(ctx context.Context, agentID string, task core.Task) (string, <-chan runner.Result, error) {
	return c.runner.Start(ctx, agentID, task)
}

// Cancel cancels a running workflow.
func (c *Crew) Cancel(workflowID string) error { return c.runner.Cancel(workflowID) }

// Terminate stops a running sub-agent execution by its record id.
func (c *Crew) Terminate(ctx context.Context, executionID string) error {
	return c.subagents.Terminate(ctx, executionID)
}

// Decide records a human decision on a pending validation request.
func (c *Crew) Decide(ctx context.Context, validationID string, approved bool, reason string) error {
	return c.store.DecideValidation(ctx, validationID, approved, reason)
}

// Agents lists the registered agent ids.
func (c *Crew) Agents() []string { return c.engine.Registry().List() }

// Engine returns the orchestration engine.
func (c *Crew) Engine() *engine.Engine { return c.engine }

// Store returns the storage backend.
func (c *Crew) Store() storage.Store { return c.store }

// SQL returns the untyped storage facade. It is only available with the
// postgres driver.
func (c *Crew) SQL() (storage.Facade, bool) {
	if c.pool == nil {
		return nil, false
	}
	return postgres.NewFacade(c.pool), true
}

// Remote returns the remote-tool server manager.
func (c *Crew) Remote() *mcp.Manager { return c.remote }

// Tools returns the tool registry.
func (c *Crew) Tools() *tool.Registry { return c.tools }

// Emitter returns the stream emitter.
func (c *Crew) Emitter() *stream.Emitter { return c.emit }

// WebSocketHub returns the websocket sink, nil unless stream.websocket_addr
// is configured.
func (c *Crew) WebSocketHub() *stream.WebSocketHub { return c.hub }

// Config returns the configuration the crew was built from.
func (c *Crew) Config() config.Config { return c.cfg }

// Close cancels running workflows, stops remote-tool servers and releases
// storage and sink connections.
func (c *Crew) Close(ctx context.Context) error {
	var errs []error
	if c.runner != nil {
		for _, id := range c.runner.Active() {
			_ = c.runner.Cancel(id)
		}
	}
	if c.remote != nil {
		if err := c.remote.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if c.hub != nil {
		c.hub.Close()
	}
	if c.nats != nil {
		if err := c.nats.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.pool != nil {
		c.pool.Close()
	}
	return errors.Join(errs...)
}
