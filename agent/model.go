package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/hitl"
	"github.com/hupe1980/agentcrew/internal/util"
	"github.com/hupe1980/agentcrew/logging"
	"github.com/hupe1980/agentcrew/model"
	"github.com/hupe1980/agentcrew/stream"
	"github.com/hupe1980/agentcrew/tool"
)

// ModelAgentOptions configures a ModelAgent instance.
//
// Use functional options with NewModelAgent to override defaults.
type ModelAgentOptions struct {
	// Instruction overrides the system prompt of the config.
	Instruction *Instruction
	Tools       []tool.Tool
	Emitter     *stream.Emitter
	// Gate approves tool calls that require confirmation. Defaults to AutoApprove.
	Gate            hitl.Gate
	Logger          logging.Logger
	Tracer          trace.Tracer
	EnableStreaming bool
	// ToolTimeout bounds a single tool call; zero means no bound beyond ctx.
	ToolTimeout time.Duration
}

// ModelAgent drives the tool loop of one configured agent against a language model.
//
// A ModelAgent holds no per-execution state, so the registry and any number
// of in-flight executions may share it.
type ModelAgent struct {
	cfg             core.AgentConfig
	llm             model.Model
	instruction     Instruction
	tools           map[string]tool.Tool
	toolOrder       []string
	emitter         *stream.Emitter
	gate            hitl.Gate
	logger          logging.Logger
	tracer          trace.Tracer
	enableStreaming bool
	toolTimeout     time.Duration
}

// NewModelAgent creates a model-backed agent from cfg.
//
// The agent is initialized with:
//   - The config's system prompt (or a generic assistant prompt) as instruction
//   - The given tools keyed by definition id
//   - Streaming enabled
//   - Auto-approval for tools that require confirmation
func NewModelAgent(cfg core.AgentConfig, llm model.Model, optFns ...func(o *ModelAgentOptions)) *ModelAgent {
	cfg = cfg.WithDefaults()

	opts := ModelAgentOptions{
		EnableStreaming: true,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	instruction := DefaultInstruction(cfg.Name)
	if cfg.SystemPrompt != "" {
		instruction = NewInstructionFromText(cfg.SystemPrompt)
	}
	if opts.Instruction != nil {
		instruction = *opts.Instruction
	}

	a := &ModelAgent{
		cfg:             cfg,
		llm:             llm,
		instruction:     instruction,
		tools:           make(map[string]tool.Tool, len(opts.Tools)),
		emitter:         opts.Emitter,
		gate:            opts.Gate,
		logger:          logging.OrNoOp(opts.Logger),
		tracer:          opts.Tracer,
		enableStreaming: opts.EnableStreaming,
		toolTimeout:     opts.ToolTimeout,
	}
	if a.gate == nil {
		a.gate = hitl.AutoApprove{}
	}
	if a.tracer == nil {
		a.tracer = otel.Tracer("github.com/hupe1980/agentcrew/agent")
	}
	for _, t := range opts.Tools {
		a.RegisterTool(t)
	}
	return a
}

// RegisterTool adds a tool to the agent's capability set. A tool with the
// same id replaces the earlier one.
func (a *ModelAgent) RegisterTool(t tool.Tool) {
	id := t.Definition().ID
	if _, exists := a.tools[id]; !exists {
		a.toolOrder = append(a.toolOrder, id)
	}
	a.tools[id] = t
}

// ID implements core.Agent.
func (a *ModelAgent) ID() string { return a.cfg.ID }

// Config implements core.Agent.
func (a *ModelAgent) Config() core.AgentConfig { return a.cfg.Clone() }

// Tools returns the ids of the local tools in registration order.
func (a *ModelAgent) Tools() []string { return append([]string(nil), a.toolOrder...) }

// Execute implements core.Agent.
//
// On success the report is returned with a nil error. A failed or cancelled
// execution returns a report carrying the matching status together with a
// kinded error, so callers keep the partial metrics.
func (a *ModelAgent) Execute(ctx context.Context, task core.Task, remote core.RemoteTools) (*core.Report, error) {
	start := time.Now()
	workflowID := core.WorkflowID(ctx)

	ctx, span := a.tracer.Start(ctx, "agent.execute", trace.WithAttributes(
		attribute.String("agent.id", a.cfg.ID),
		attribute.String("task.id", task.ID),
		attribute.String("workflow.id", workflowID),
	))
	defer span.End()

	r := &execution{
		agent:      a,
		task:       task,
		remote:     remote,
		workflowID: workflowID,
		limiter:    core.NewIterationLimiter(a.cfg.MaxToolIterations),
		report:     &core.Report{TaskID: task.ID},
	}

	a.logger.Info("agent.execute.start", "agent_id", a.cfg.ID, "task_id", task.ID, "workflow_id", workflowID)

	err := r.loop(ctx)
	r.report.Metrics.DurationMs = time.Since(start).Milliseconds()

	span.SetAttributes(
		attribute.Int("agent.iterations", r.limiter.Count()),
		attribute.Int("agent.tool_calls", len(r.report.Metrics.ToolCalls)),
		attribute.String("agent.status", string(r.report.Status)),
	)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if r.report.Status == core.StatusCancelled {
			a.logger.Info("agent.execute.cancelled", "agent_id", a.cfg.ID, "task_id", task.ID, "iterations", r.limiter.Count())
		} else {
			a.logger.Error("agent.execute.failed", "agent_id", a.cfg.ID, "task_id", task.ID, "iterations", r.limiter.Count(), "error", err)
			a.emitter.Emit(ctx, stream.ErrorChunk(workflowID, err.Error()))
		}
		return r.report, err
	}

	a.logger.Info("agent.execute.completed",
		"agent_id", a.cfg.ID,
		"task_id", task.ID,
		"iterations", r.limiter.Count(),
		"tool_calls", len(r.report.Metrics.ToolCalls),
		"duration_ms", r.report.Metrics.DurationMs,
	)
	return r.report, nil
}

// execution is the per-call state of one tool loop.
type execution struct {
	agent      *ModelAgent
	task       core.Task
	remote     core.RemoteTools
	workflowID string
	limiter    *core.IterationLimiter
	report     *core.Report
	// remoteSchemas maps qualified remote tool names to their input schema.
	remoteSchemas map[string]map[string]any
}

func (r *execution) loop(ctx context.Context) error {
	a := r.agent

	system, err := a.instruction.Resolve(r.task)
	if err != nil {
		return r.fail(core.Wrap(core.KindInvalidInput, err, "resolve system prompt"))
	}

	defs := r.definitions(ctx)
	messages := []model.Message{{Role: model.RoleUser, Content: userPrompt(r.task)}}

	for {
		if err := ctx.Err(); err != nil {
			return r.cancel(err)
		}
		if err := r.limiter.Increment(); err != nil {
			return r.fail(err)
		}
		iteration := r.limiter.Count()

		llmStart := time.Now()
		resp, err := model.Collect(ctx, a.llm, model.Request{
			System:   system,
			Messages: messages,
			Tools:    defs,
			Stream:   a.enableStreaming && a.emitter != nil,
		}, r.onPartial)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return r.cancel(ctxErr)
			}
			a.logger.Warn("agent.llm.failed", "agent_id", a.cfg.ID, "iteration", iteration, "duration_ms", time.Since(llmStart).Milliseconds(), "error", err)
			return r.fail(core.Wrap(core.KindOf(err), err, "model call failed"))
		}
		if resp.Usage != nil {
			r.report.Metrics.InputTokens += resp.Usage.InputTokens
			r.report.Metrics.OutputTokens += resp.Usage.OutputTokens
		}
		a.logger.Debug("agent.llm.completed",
			"agent_id", a.cfg.ID,
			"iteration", iteration,
			"tool_calls", len(resp.ToolCalls),
			"duration_ms", time.Since(llmStart).Milliseconds(),
		)

		if len(resp.ToolCalls) == 0 {
			r.report.Status = core.StatusSuccess
			r.report.Content = resp.Content
			return nil
		}

		messages = append(messages, model.Message{
			Role:      model.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		// Calls run sequentially; results keep the order of the response.
		for _, call := range resp.ToolCalls {
			if err := ctx.Err(); err != nil {
				return r.cancel(err)
			}
			messages = append(messages, r.invoke(ctx, call, iteration))
		}
	}
}

func (r *execution) fail(err error) error {
	r.report.Status = core.StatusFailure
	r.report.Content = err.Error()
	return err
}

func (r *execution) cancel(cause error) error {
	r.report.Status = core.StatusCancelled
	r.report.Content = "execution cancelled"
	return core.Wrap(core.KindCancelled, cause, fmt.Sprintf("agent %s cancelled", r.agent.cfg.ID))
}

func (r *execution) onPartial(resp model.Response) {
	ctx := context.Background()
	if resp.Content != "" {
		r.agent.emitter.Emit(ctx, stream.Token(r.workflowID, resp.Content))
	}
	if resp.Reasoning != "" && r.agent.cfg.ShowReasoning {
		r.agent.emitter.Emit(ctx, stream.Reasoning(r.workflowID, resp.Reasoning))
	}
}

// definitions lists the local tools followed by the tools of every
// configured remote server. Unknown or failing servers are skipped.
func (r *execution) definitions(ctx context.Context) []model.ToolDefinition {
	a := r.agent
	defs := make([]model.ToolDefinition, 0, len(a.toolOrder))
	for _, id := range a.toolOrder {
		defs = append(defs, a.tools[id].Definition().ModelDefinition())
	}

	for _, server := range a.cfg.MCPServers {
		if r.remote == nil || !r.remote.HasServer(server) {
			a.logger.Warn("agent.mcp.unknown_server", "agent_id", a.cfg.ID, "server", server)
			continue
		}
		infos, err := r.remote.Tools(ctx, server)
		if err != nil {
			a.logger.Warn("agent.mcp.tools_unavailable", "agent_id", a.cfg.ID, "server", server, "error", err)
			continue
		}
		if r.remoteSchemas == nil {
			r.remoteSchemas = make(map[string]map[string]any)
		}
		for _, info := range infos {
			r.remoteSchemas[info.QualifiedName()] = info.InputSchema
			params := info.InputSchema
			if params == nil {
				params = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			defs = append(defs, model.ToolDefinition{
				Name:        info.QualifiedName(),
				Description: info.Description,
				Parameters:  params,
			})
		}
	}
	return defs
}

// invoke resolves, validates, confirms and executes one call and returns the
// tool-result message appended to the conversation.
func (r *execution) invoke(ctx context.Context, call model.ToolCall, iteration int) model.Message {
	a := r.agent

	input, err := call.ArgumentsMap()
	if err != nil {
		return toolErrorMessage(call, tool.InvalidInput(call.Name, "arguments are not a JSON object: %v", err))
	}

	if t, ok := a.tools[call.Name]; ok {
		if err := t.ValidateInput(input); err != nil {
			a.logger.Warn("agent.tool.invalid_input", "agent_id", a.cfg.ID, "tool", call.Name, "iteration", iteration, "error", err)
			return toolErrorMessage(call, err)
		}
		if tool.NeedsConfirmation(t, input) {
			err := a.gate.Confirm(ctx, hitl.Request{
				WorkflowID:  r.workflowID,
				AgentID:     a.cfg.ID,
				Operation:   hitl.OpToolCall,
				Description: fmt.Sprintf("agent %s wants to call tool %s", a.cfg.ID, call.Name),
				Details:     map[string]any{"tool": call.Name, "input": input},
			})
			if err != nil {
				a.logger.Info("agent.tool.denied", "agent_id", a.cfg.ID, "tool", call.Name, "iteration", iteration, "error", err)
				return toolErrorMessage(call, err)
			}
		}
		return r.run(ctx, call, input, iteration, core.ToolCallAudit{Type: core.ToolTypeLocal, Name: call.Name},
			func(ctx context.Context) (any, error) { return t.Execute(ctx, input) })
	}

	if server, name, ok := core.SplitRemoteTool(call.Name); ok && r.remote != nil && r.remote.HasServer(server) {
		if schema := r.remoteSchemas[call.Name]; schema != nil {
			if err := util.ValidateParameters(input, schema); err != nil {
				a.logger.Warn("agent.tool.invalid_input", "agent_id", a.cfg.ID, "tool", call.Name, "iteration", iteration, "error", err)
				return toolErrorMessage(call, tool.InvalidInput(call.Name, "parameter validation failed: %v", err))
			}
		}
		return r.run(ctx, call, input, iteration, core.ToolCallAudit{Type: core.ToolTypeRemote, Name: name, Server: server},
			func(ctx context.Context) (any, error) { return r.remote.CallTool(ctx, server, name, input) })
	}

	a.logger.Warn("agent.tool.unknown", "agent_id", a.cfg.ID, "tool", call.Name, "iteration", iteration)
	return toolErrorMessage(call, core.Errorf(core.KindNotFound, "unknown tool %q; available tools: %s",
		call.Name, strings.Join(r.available(), ", ")))
}

func (r *execution) available() []string {
	names := append([]string(nil), r.agent.toolOrder...)
	for _, s := range r.agent.cfg.MCPServers {
		names = append(names, core.QualifyRemoteTool(s, "*"))
	}
	return names
}

// run executes fn with tracing, streaming events, panic recovery and audit.
func (r *execution) run(ctx context.Context, call model.ToolCall, input map[string]any, iteration int, audit core.ToolCallAudit, fn func(ctx context.Context) (any, error)) model.Message {
	a := r.agent

	ctx, span := a.tracer.Start(ctx, "agent.tool."+call.Name, trace.WithAttributes(
		attribute.String("agent.id", a.cfg.ID),
		attribute.String("tool.type", string(audit.Type)),
		attribute.Int("agent.iteration", iteration),
	))
	defer span.End()

	if a.toolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.toolTimeout)
		defer cancel()
	}

	a.emitter.Emit(ctx, stream.ToolStart(r.workflowID, call.Name))
	start := time.Now()

	var (
		output any
		err    error
	)
	func() { // panic safety
		defer func() {
			if rec := recover(); rec != nil {
				err = core.Errorf(core.KindExecutionFailed, "tool %s panicked: %v", call.Name, rec)
				a.logger.Error("agent.tool.panic", "agent_id", a.cfg.ID, "tool", call.Name, "recover", rec)
			}
		}()
		output, err = fn(ctx)
	}()
	dur := time.Since(start)

	a.emitter.Emit(ctx, stream.ToolEnd(r.workflowID, call.Name, dur))

	audit.Input = call.Arguments
	if len(audit.Input) == 0 {
		audit.Input, _ = json.Marshal(input)
	}
	audit.Success = err == nil
	audit.DurationMs = dur.Milliseconds()
	audit.Iteration = iteration
	if err != nil {
		audit.Error = err.Error()
	} else if raw, mErr := json.Marshal(output); mErr == nil {
		audit.Output = raw
	}
	r.report.Metrics.RecordTool(audit)

	a.logger.Info("agent.tool.executed",
		"agent_id", a.cfg.ID,
		"tool", call.Name,
		"iteration", iteration,
		"duration_ms", dur.Milliseconds(),
		"error", err != nil,
	)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return toolErrorMessage(call, err)
	}
	return model.Message{
		Role:       model.RoleTool,
		Content:    resultText(output),
		ToolCallID: call.ID,
		Name:       call.Name,
	}
}

// userPrompt is the first user message: the task description followed by
// the task context when present.
func userPrompt(task core.Task) string {
	if len(task.Context) == 0 || string(task.Context) == "null" {
		return task.Description
	}
	return task.Description + "\n\nContext:\n" + string(task.Context)
}

func resultText(output any) string {
	switch v := output.(type) {
	case nil:
		return ""
	case string:
		return v
	case json.RawMessage:
		return string(v)
	}
	raw, err := json.Marshal(output)
	if err != nil {
		return fmt.Sprintf("%v", output)
	}
	return string(raw)
}

// toolErrorMessage converts err into a tool-result message so the model can
// recover or give up.
func toolErrorMessage(call model.ToolCall, err error) model.Message {
	payload := map[string]any{
		"kind":    core.KindOf(err),
		"message": err.Error(),
	}
	if ce, ok := err.(*core.Error); ok && ce.Remedy != "" {
		payload["remedy"] = ce.Remedy
	}
	raw, _ := json.Marshal(map[string]any{"error": payload})
	return model.Message{
		Role:       model.RoleTool,
		Content:    string(raw),
		ToolCallID: call.ID,
		Name:       call.Name,
		IsError:    true,
	}
}
