package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/logging"
)

// Config defines tuning parameters for the Engine's operational behavior.
type Config struct {
	// MaxConcurrentExecutions limits the number of agent executions that can
	// run simultaneously across all workflows. Zero means unlimited. Sub-agent
	// executions run while their parent holds a slot, so a small limit can
	// starve nested workflows.
	MaxConcurrentExecutions int
}

// DefaultConfig leaves executions unbounded; the sub-agent fan-out rule
// already caps the concurrency a single workflow can create.
var DefaultConfig = Config{
	MaxConcurrentExecutions: 0,
}

// Options configures an Engine instance using the functional options pattern.
//
// Example:
//
//	eng := engine.New(registry, func(o *engine.Options) {
//	    o.Remote = mcpManager
//	    o.Logger = logger
//	})
type Options struct {
	Config Config

	// Remote is handed to agents by Execute. ExecuteWithRemoteTools overrides it.
	Remote core.RemoteTools

	// Callbacks run around every execution. Defaults to an empty manager.
	Callbacks *CallbackManager

	// Logger defaults to a no-op logger.
	Logger logging.Logger
}

// Engine orchestrates agent executions against the shared agent registry.
//
// The Engine is the strong root of the execution core: the sub-agent
// executor and the runner hold it, agents are reachable only through the
// registry map. It implements core.Orchestrator.
//
// Concurrency Model:
//   - Agent lookup through the registry's RWMutex, readers in parallel
//   - ExecuteParallel runs one goroutine per assignment and keeps input order
//   - Optional semaphore bounding concurrent executions
//   - Cancellation flows through ctx into the agent's tool loop
type Engine struct {
	registry  *Registry
	remote    core.RemoteTools
	callbacks *CallbackManager
	logger    logging.Logger
	config    Config
	slots     chan struct{}
}

// New creates an engine over registry.
func New(registry *Registry, optFns ...func(o *Options)) *Engine {
	opts := Options{
		Config: DefaultConfig,
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Callbacks == nil {
		opts.Callbacks = NewCallbackManager()
	}

	e := &Engine{
		registry:  registry,
		remote:    opts.Remote,
		callbacks: opts.Callbacks,
		logger:    logging.OrNoOp(opts.Logger),
		config:    opts.Config,
	}
	if opts.Config.MaxConcurrentExecutions > 0 {
		e.slots = make(chan struct{}, opts.Config.MaxConcurrentExecutions)
	}
	return e
}

// Registry returns the agent registry.
func (e *Engine) Registry() *Registry { return e.registry }

// Callbacks returns the callback manager.
func (e *Engine) Callbacks() *CallbackManager { return e.callbacks }

// Register adds agent to the registry under its id.
func (e *Engine) Register(a core.Agent) {
	e.registry.Register(a.ID(), a)
	e.logger.Debug("engine.agent.registered", "agent_id", a.ID())
}

// GetAgent retrieves a registered agent by id.
func (e *Engine) GetAgent(id string) (core.Agent, bool) {
	return e.registry.Get(id)
}

// Execute runs task on the agent registered under agentID with the engine's
// default remote tools.
func (e *Engine) Execute(ctx context.Context, agentID string, task core.Task) (*core.Report, error) {
	return e.ExecuteWithRemoteTools(ctx, agentID, task, e.remote)
}

// ExecuteWithRemoteTools runs task on the agent registered under agentID.
//
// A missing agent fails with the not-found error wrapping core.ErrAgentNotFound
// before anything else happens. Failed and cancelled executions return the
// agent's report together with the error.
func (e *Engine) ExecuteWithRemoteTools(ctx context.Context, agentID string, task core.Task, remote core.RemoteTools) (*core.Report, error) {
	agent, ok := e.registry.Get(agentID)
	if !ok {
		return nil, core.NewAgentNotFoundError(agentID)
	}

	if err := e.acquire(ctx); err != nil {
		return nil, core.Wrap(core.KindCancelled, err, fmt.Sprintf("waiting to execute agent %s", agentID))
	}
	defer e.release()

	cbCtx := &CallbackContext{
		AgentID:    agentID,
		Task:       task,
		WorkflowID: core.WorkflowID(ctx),
		Metadata:   map[string]any{},
	}
	if err := e.callbacks.ExecuteCallbacks(ctx, CallbackBeforeAgent, cbCtx); err != nil {
		return nil, err
	}

	start := time.Now()
	e.logger.Debug("engine.execute.start", "agent_id", agentID, "task_id", task.ID, "workflow_id", cbCtx.WorkflowID)

	report, err := e.runAgent(ctx, agent, task, remote)
	if err == nil && report == nil {
		err = core.Errorf(core.KindExecutionFailed, "agent %s returned no report", agentID)
	}

	cbCtx.Report, cbCtx.Err = report, err
	if err != nil {
		e.logger.Warn("engine.execute.failed",
			"agent_id", agentID,
			"task_id", task.ID,
			"kind", core.KindOf(err),
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		if cbErr := e.callbacks.ExecuteCallbacks(ctx, CallbackOnError, cbCtx); cbErr != nil {
			e.logger.Warn("engine.callback.failed", "agent_id", agentID, "error", cbErr)
		}
		return report, err
	}

	e.logger.Info("engine.execute.completed",
		"agent_id", agentID,
		"task_id", task.ID,
		"status", report.Status,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	if err := e.callbacks.ExecuteCallbacks(ctx, CallbackAfterAgent, cbCtx); err != nil {
		return report, err
	}
	return report, nil
}

// ExecuteParallel runs every assignment concurrently and returns the outcomes
// in input order. A failing assignment does not cancel the others.
func (e *Engine) ExecuteParallel(ctx context.Context, assignments []core.Assignment, remote core.RemoteTools) []core.Outcome {
	outcomes := make([]core.Outcome, len(assignments))

	var wg sync.WaitGroup
	for i, a := range assignments {
		wg.Add(1)
		go func(i int, a core.Assignment) {
			defer wg.Done()
			actx := ctx
			if a.Context != nil {
				actx = a.Context
			}
			report, err := e.ExecuteWithRemoteTools(actx, a.AgentID, a.Task, remote)
			if err != nil {
				outcomes[i] = core.Outcome{AgentID: a.AgentID, Err: err}
				return
			}
			outcomes[i] = core.Outcome{AgentID: a.AgentID, Report: report}
		}(i, a)
	}
	wg.Wait()

	return outcomes
}

func (e *Engine) runAgent(ctx context.Context, agent core.Agent, task core.Task, remote core.RemoteTools) (report *core.Report, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("engine.agent.panic", "agent_id", agent.ID(), "recover", r)
			report = &core.Report{TaskID: task.ID, Status: core.StatusFailure}
			err = core.Errorf(core.KindExecutionFailed, "agent %s panicked: %v", agent.ID(), r)
		}
	}()
	return agent.Execute(ctx, task, remote)
}

func (e *Engine) acquire(ctx context.Context) error {
	if e.slots == nil {
		return nil
	}
	select {
	case e.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) release() {
	if e.slots != nil {
		<-e.slots
	}
}

var _ core.Orchestrator = (*Engine)(nil)
