package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/hitl"
	"github.com/hupe1980/agentcrew/internal/util"
	"github.com/hupe1980/agentcrew/tool"
)

// Tool names.
const (
	SpawnToolName    = "spawn_subagent"
	DelegateToolName = "delegate_to_agent"
	ParallelToolName = "parallel_tasks"
)

const childInstruction = "You are %s, a sub-agent working on a single delegated task. " +
	"You only know what the task tells you. Finish with a concise markdown report of your results."

// Register adds the sub-agent tools to reg. All tools built for the same
// agent and execution context share one executor from pool.
func Register(reg *tool.Registry, pool *Pool) error {
	if pool == nil {
		pool = NewPool()
	}
	entries := []tool.Entry{
		{Name: SpawnToolName, Category: tool.CategorySubAgent, New: func(deps tool.Deps, ec *tool.ExecContext) (tool.Tool, error) {
			return NewSpawnTool(pool.Executor(ec, deps.AgentID, deps.Primary))
		}},
		{Name: DelegateToolName, Category: tool.CategorySubAgent, New: func(deps tool.Deps, ec *tool.ExecContext) (tool.Tool, error) {
			return NewDelegateTool(pool.Executor(ec, deps.AgentID, deps.Primary))
		}},
		{Name: ParallelToolName, Category: tool.CategorySubAgent, New: func(deps tool.Deps, ec *tool.ExecContext) (tool.Tool, error) {
			return NewParallelTool(pool.Executor(ec, deps.AgentID, deps.Primary))
		}},
	}
	for _, e := range entries {
		if err := reg.Register(e); err != nil {
			return err
		}
	}
	return nil
}

// Output is the result a spawn or delegate call hands back to the model.
type Output struct {
	ExecutionID  string `json:"execution_id"`
	AgentID      string `json:"agent_id"`
	AgentName    string `json:"agent_name"`
	Status       string `json:"status"`
	Report       string `json:"report"`
	DurationMs   int64  `json:"duration_ms"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	ToolCalls    int    `json:"tool_calls"`
}

func outputFrom(res Result) Output {
	out := Output{
		ExecutionID: res.ExecutionID,
		AgentID:     res.AgentID,
		AgentName:   res.Name,
		Status:      string(res.Status()),
		DurationMs:  res.DurationMs,
	}
	if res.Report != nil {
		out.Report = res.Report.Content
		out.InputTokens = res.Report.Metrics.InputTokens
		out.OutputTokens = res.Report.Metrics.OutputTokens
		out.ToolCalls = len(res.Report.Metrics.ToolCalls)
	}
	return out
}

func checkExecContext(name string, e *Executor) error {
	if e == nil || e.ec == nil || e.ec.Orchestrator == nil || e.ec.Agents == nil {
		return core.Errorf(core.KindDependency, "%s requires an execution context with orchestrator and agent registry", name)
	}
	return nil
}

// --- spawn ---

type spawnInput struct {
	Prompt        string   `json:"prompt" jsonschema:"minLength=1,description=The complete task for the sub-agent. It sees nothing else from this conversation"`
	Name          string   `json:"name,omitempty" jsonschema:"maxLength=128,description=Display name of the sub-agent"`
	SystemPrompt  string   `json:"system_prompt,omitempty" jsonschema:"description=Instructions for the sub-agent"`
	Tools         []string `json:"tools,omitempty" jsonschema:"description=Tool names for the sub-agent. Defaults to the caller's tools without sub-agent tools"`
	MCPServers    []string `json:"mcp_servers,omitempty" jsonschema:"description=Remote tool servers. Defaults to the caller's servers"`
	Provider      string   `json:"provider,omitempty" jsonschema:"description=Model provider override"`
	Model         string   `json:"model,omitempty" jsonschema:"description=Model name override"`
	MaxIterations int      `json:"max_iterations,omitempty" jsonschema:"minimum=1,maximum=200,description=Tool loop iteration cap"`
	ShowReasoning *bool    `json:"show_reasoning,omitempty" jsonschema:"description=Surface reasoning of the sub-agent"`
}

// SpawnTool creates a temporary agent from the caller's configuration, runs
// one task on it and unregisters it afterwards.
type SpawnTool struct {
	tool.Base
	exec *Executor
}

// NewSpawnTool creates the spawn tool on top of exec.
func NewSpawnTool(exec *Executor) (*SpawnTool, error) {
	if err := checkExecContext(SpawnToolName, exec); err != nil {
		return nil, err
	}
	if exec.ec.BuildAgent == nil {
		return nil, core.Errorf(core.KindDependency, "%s requires an agent builder", SpawnToolName)
	}
	return &SpawnTool{
		Base: tool.Base{Def: tool.Definition{
			ID:   SpawnToolName,
			Name: "Spawn Sub-Agent",
			Description: "Start a temporary sub-agent for a focused task. The sub-agent inherits your model and tools, " +
				"receives only the prompt you give it and returns a markdown report. At most 3 sub-agent operations run at once.",
			InputSchema:  util.SchemaFor(spawnInput{}),
			OutputSchema: util.SchemaFor(Output{}),
		}},
		exec: exec,
	}, nil
}

// ValidateInput implements tool.Tool.
func (t *SpawnTool) ValidateInput(input map[string]any) error {
	if err := t.Base.ValidateInput(input); err != nil {
		return err
	}
	in, err := decode[spawnInput](SpawnToolName, input)
	if err != nil {
		return err
	}
	if err := util.ValidateMessage("prompt", in.Prompt); err != nil {
		return tool.InvalidInput(SpawnToolName, "%v", err)
	}
	return nil
}

// Execute implements tool.Tool.
func (t *SpawnTool) Execute(ctx context.Context, input map[string]any) (any, error) {
	in, err := decode[spawnInput](SpawnToolName, input)
	if err != nil {
		return nil, err
	}
	if err := t.exec.Authorize(ctx); err != nil {
		return nil, err
	}

	cfg, err := t.childConfig(in)
	if err != nil {
		return nil, err
	}

	release, err := t.exec.Prepare(ctx, hitl.OpSpawn, 1,
		fmt.Sprintf("Spawn sub-agent %s", cfg.Name),
		map[string]any{"agent_id": cfg.ID, "name": cfg.Name, "prompt": in.Prompt, "tools": cfg.Tools, "model": cfg.Model.Name})
	if err != nil {
		return nil, err
	}
	defer release()

	child, err := t.exec.ec.BuildAgent(cfg)
	if err != nil {
		return nil, core.Wrap(core.KindOf(err), err, "build sub-agent "+cfg.ID)
	}
	t.exec.ec.Agents.Register(cfg.ID, child)
	defer func() {
		if err := t.exec.ec.Agents.Unregister(cfg.ID); err != nil {
			t.exec.logger.Warn("subagent.unregister.failed", "agent_id", cfg.ID, "error", err)
		}
	}()

	res := t.exec.Run(ctx, Job{Operation: hitl.OpSpawn, AgentID: cfg.ID, Name: cfg.Name, Prompt: in.Prompt})
	if res.Err != nil {
		return nil, res.Err
	}
	return outputFrom(res), nil
}

func (t *SpawnTool) childConfig(in spawnInput) (core.AgentConfig, error) {
	parent, ok := t.exec.ec.Agents.Get(t.exec.agentID)
	if !ok {
		return core.AgentConfig{}, core.NewAgentNotFoundError(t.exec.agentID)
	}
	pc := parent.Config()

	id := ChildIDPrefix + uuid.NewString()
	cfg := core.AgentConfig{
		ID:                id,
		Name:              in.Name,
		Lifecycle:         core.LifecycleTemporary,
		Model:             pc.Model,
		Tools:             pc.Tools,
		MCPServers:        pc.MCPServers,
		MaxToolIterations: pc.MaxToolIterations,
		ShowReasoning:     pc.ShowReasoning,
	}
	if cfg.Name == "" {
		cfg.Name = id
	}
	if in.Provider != "" {
		cfg.Model.Provider = in.Provider
	}
	if in.Model != "" {
		cfg.Model.Name = in.Model
	}
	if in.Tools != nil {
		cfg.Tools = in.Tools
	}
	if in.MCPServers != nil {
		cfg.MCPServers = in.MCPServers
	}
	if in.MaxIterations > 0 {
		cfg.MaxToolIterations = in.MaxIterations
	}
	if in.ShowReasoning != nil {
		cfg.ShowReasoning = *in.ShowReasoning
	}
	cfg.SystemPrompt = in.SystemPrompt
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = fmt.Sprintf(childInstruction, cfg.Name)
	}
	cfg.Tools = t.withoutSubAgentTools(cfg.Tools)

	cfg = cfg.Clone().WithDefaults()
	if err := cfg.Validate(); err != nil {
		return core.AgentConfig{}, err
	}
	return cfg, nil
}

// withoutSubAgentTools keeps children from reaching sub-agent tools even
// when the registry is not wired into the execution context.
func (t *SpawnTool) withoutSubAgentTools(names []string) []string {
	if reg := t.exec.ec.Tools; reg != nil {
		return reg.WithoutSubAgentTools(names)
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		switch n {
		case SpawnToolName, DelegateToolName, ParallelToolName:
		default:
			out = append(out, n)
		}
	}
	return out
}

// --- delegate ---

type delegateInput struct {
	AgentID string `json:"agent_id" jsonschema:"minLength=1,description=Id of a registered agent"`
	Prompt  string `json:"prompt" jsonschema:"minLength=1,description=The complete task for the agent"`
}

// DelegateTool hands a task to a pre-registered agent.
type DelegateTool struct {
	tool.Base
	exec *Executor
}

// NewDelegateTool creates the delegate tool on top of exec.
func NewDelegateTool(exec *Executor) (*DelegateTool, error) {
	if err := checkExecContext(DelegateToolName, exec); err != nil {
		return nil, err
	}
	return &DelegateTool{
		Base: tool.Base{Def: tool.Definition{
			ID:   DelegateToolName,
			Name: "Delegate To Agent",
			Description: "Hand a task to another registered agent. The agent receives only the prompt " +
				"and returns a markdown report. You cannot delegate to yourself.",
			InputSchema:  util.SchemaFor(delegateInput{}),
			OutputSchema: util.SchemaFor(Output{}),
		}},
		exec: exec,
	}, nil
}

// ValidateInput implements tool.Tool.
func (t *DelegateTool) ValidateInput(input map[string]any) error {
	if err := t.Base.ValidateInput(input); err != nil {
		return err
	}
	in, err := decode[delegateInput](DelegateToolName, input)
	if err != nil {
		return err
	}
	if err := util.ValidateIdentifier("agent_id", in.AgentID); err != nil {
		return tool.InvalidInput(DelegateToolName, "%v", err)
	}
	if err := util.ValidateMessage("prompt", in.Prompt); err != nil {
		return tool.InvalidInput(DelegateToolName, "%v", err)
	}
	return nil
}

// Execute implements tool.Tool.
func (t *DelegateTool) Execute(ctx context.Context, input map[string]any) (any, error) {
	in, err := decode[delegateInput](DelegateToolName, input)
	if err != nil {
		return nil, err
	}
	if err := t.exec.Authorize(ctx); err != nil {
		return nil, err
	}
	if in.AgentID == t.exec.agentID {
		return nil, core.Errorf(core.KindValidationFailed, "agent %s cannot delegate to itself", in.AgentID)
	}
	target, ok := t.exec.ec.Agents.Get(in.AgentID)
	if !ok {
		return nil, core.NewAgentNotFoundError(in.AgentID).
			WithRemedy("registered agents: " + strings.Join(t.exec.ec.Agents.List(), ", "))
	}
	name := target.Config().Name

	release, err := t.exec.Prepare(ctx, hitl.OpDelegate, 1,
		fmt.Sprintf("Delegate task to agent %s", in.AgentID),
		map[string]any{"agent_id": in.AgentID, "prompt": in.Prompt})
	if err != nil {
		return nil, err
	}
	defer release()

	res := t.exec.Run(ctx, Job{Operation: hitl.OpDelegate, AgentID: in.AgentID, Name: name, Prompt: in.Prompt})
	if res.Err != nil {
		return nil, res.Err
	}
	return outputFrom(res), nil
}

// --- parallel ---

type parallelItem struct {
	AgentID string `json:"agent_id" jsonschema:"minLength=1,description=Id of a registered agent"`
	Prompt  string `json:"prompt" jsonschema:"minLength=1,description=The complete task for the agent"`
}

type parallelInput struct {
	Tasks []parallelItem `json:"tasks" jsonschema:"minItems=1,maxItems=3,description=Tasks to run concurrently"`
}

// ParallelItemResult is the outcome of one parallel entry.
type ParallelItemResult struct {
	ExecutionID string `json:"execution_id,omitempty"`
	AgentID     string `json:"agent_id"`
	Success     bool   `json:"success"`
	Report      string `json:"report,omitempty"`
	Error       string `json:"error,omitempty"`
	DurationMs  int64  `json:"duration_ms"`
}

// ParallelOutput aggregates a batch in input order.
type ParallelOutput struct {
	Results   []ParallelItemResult `json:"results"`
	Succeeded int                  `json:"succeeded"`
	Failed    int                  `json:"failed"`
	Report    string               `json:"report"`
}

// ParallelTool runs up to three tasks on registered agents concurrently.
type ParallelTool struct {
	tool.Base
	exec *Executor
}

// NewParallelTool creates the parallel batch tool on top of exec.
func NewParallelTool(exec *Executor) (*ParallelTool, error) {
	if err := checkExecContext(ParallelToolName, exec); err != nil {
		return nil, err
	}
	return &ParallelTool{
		Base: tool.Base{Def: tool.Definition{
			ID:   ParallelToolName,
			Name: "Parallel Tasks",
			Description: fmt.Sprintf("Run 1 to %d independent tasks on registered agents at the same time. "+
				"Every entry waits to finish and the combined report keeps the order of the tasks.", MaxConcurrent),
			InputSchema:  util.SchemaFor(parallelInput{}),
			OutputSchema: util.SchemaFor(ParallelOutput{}),
		}},
		exec: exec,
	}, nil
}

// ValidateInput implements tool.Tool.
func (t *ParallelTool) ValidateInput(input map[string]any) error {
	if err := t.Base.ValidateInput(input); err != nil {
		return err
	}
	in, err := decode[parallelInput](ParallelToolName, input)
	if err != nil {
		return err
	}
	return t.check(in)
}

func (t *ParallelTool) check(in parallelInput) error {
	if len(in.Tasks) == 0 || len(in.Tasks) > MaxConcurrent {
		return core.Errorf(core.KindValidationFailed, "parallel batch needs between 1 and %d tasks, got %d", MaxConcurrent, len(in.Tasks))
	}
	for i, item := range in.Tasks {
		if err := util.ValidateIdentifier(fmt.Sprintf("tasks[%d].agent_id", i), item.AgentID); err != nil {
			return tool.InvalidInput(ParallelToolName, "%v", err)
		}
		if err := util.ValidateMessage(fmt.Sprintf("tasks[%d].prompt", i), item.Prompt); err != nil {
			return tool.InvalidInput(ParallelToolName, "%v", err)
		}
	}
	return nil
}

// Execute implements tool.Tool.
func (t *ParallelTool) Execute(ctx context.Context, input map[string]any) (any, error) {
	in, err := decode[parallelInput](ParallelToolName, input)
	if err != nil {
		return nil, err
	}
	if err := t.exec.Authorize(ctx); err != nil {
		return nil, err
	}
	if err := t.check(in); err != nil {
		return nil, err
	}

	jobs := make([]Job, len(in.Tasks))
	ids := make([]string, len(in.Tasks))
	for i, item := range in.Tasks {
		if item.AgentID == t.exec.agentID {
			return nil, core.Errorf(core.KindValidationFailed, "parallel task %d targets the calling agent %s", i+1, item.AgentID)
		}
		name := item.AgentID
		if a, ok := t.exec.ec.Agents.Get(item.AgentID); ok {
			name = a.Config().Name
		}
		jobs[i] = Job{Operation: hitl.OpParallelBatch, AgentID: item.AgentID, Name: name, Prompt: item.Prompt}
		ids[i] = item.AgentID
	}

	release, err := t.exec.Prepare(ctx, hitl.OpParallelBatch, len(jobs),
		fmt.Sprintf("Run %d tasks in parallel on %s", len(jobs), strings.Join(ids, ", ")),
		map[string]any{"tasks": in.Tasks})
	if err != nil {
		return nil, err
	}
	defer release()

	results := t.exec.RunParallel(ctx, jobs)
	return aggregate(results), nil
}

func aggregate(results []Result) ParallelOutput {
	out := ParallelOutput{Results: make([]ParallelItemResult, len(results))}
	var b strings.Builder

	for i, r := range results {
		item := ParallelItemResult{
			ExecutionID: r.ExecutionID,
			AgentID:     r.AgentID,
			Success:     r.Err == nil,
			DurationMs:  r.DurationMs,
		}
		fmt.Fprintf(&b, "## Task %d: %s", i+1, r.AgentID)
		if r.Err != nil {
			item.Error = r.Err.Error()
			out.Failed++
			fmt.Fprintf(&b, " (failed)\n\n%s\n\n", item.Error)
		} else {
			if r.Report != nil {
				item.Report = r.Report.Content
			}
			out.Succeeded++
			fmt.Fprintf(&b, " (success)\n\n%s\n\n", item.Report)
		}
		out.Results[i] = item
	}

	out.Report = fmt.Sprintf("# Parallel results: %d succeeded, %d failed\n\n%s",
		out.Succeeded, out.Failed, strings.TrimRight(b.String(), "\n"))
	return out
}

func decode[T any](name string, args map[string]any) (T, error) {
	var out T
	raw, err := json.Marshal(args)
	if err != nil {
		return out, tool.InvalidInput(name, "encode arguments: %v", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, tool.InvalidInput(name, "decode arguments: %v", err)
	}
	return out, nil
}
