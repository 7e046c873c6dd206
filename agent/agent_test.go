package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/hitl"
	"github.com/hupe1980/agentcrew/internal/testutil"
	"github.com/hupe1980/agentcrew/model"
	"github.com/hupe1980/agentcrew/stream"
	"github.com/hupe1980/agentcrew/tool"
	"github.com/hupe1980/agentcrew/tool/builtin"
)

// recorder is a tool that records the order of its invocations.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) tool(name string) tool.Tool {
	return tool.NewFunctionTool(name, "records "+name, nil, func(_ context.Context, args map[string]any) (any, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.calls = append(r.calls, name)
		return map[string]any{"tool": name, "n": len(r.calls)}, nil
	})
}

func (r *recorder) order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type denyGate struct{ requests []hitl.Request }

func (g *denyGate) Confirm(_ context.Context, req hitl.Request) error {
	g.requests = append(g.requests, req)
	return core.Errorf(core.KindPermissionDenied, "rejected by reviewer: not today")
}

type fakeRemote struct {
	mu    sync.Mutex
	tools map[string][]core.RemoteToolInfo
	calls []string
	args  []map[string]any
}

func (f *fakeRemote) HasServer(name string) bool {
	_, ok := f.tools[name]
	return ok
}

func (f *fakeRemote) Tools(_ context.Context, server string) ([]core.RemoteToolInfo, error) {
	return f.tools[server], nil
}

func (f *fakeRemote) CallTool(_ context.Context, server, name string, args map[string]any) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, core.QualifyRemoteTool(server, name))
	f.args = append(f.args, args)
	return map[string]any{"content": "remote says hi"}, nil
}

func wfContext() context.Context {
	return core.WithWorkflow(context.Background(), core.WorkflowInfo{ID: "wf-1", PrimaryAgentID: "primary"})
}

func toolMessages(req model.Request) []model.Message {
	var out []model.Message
	for _, m := range req.Messages {
		if m.Role == model.RoleTool {
			out = append(out, m)
		}
	}
	return out
}

func TestModelAgent_ReturnsContentWithoutTools(t *testing.T) {
	llm := model.NewScriptedModel("m", model.TextStep("ok"))
	a := NewModelAgent(testutil.NewConfigBuilder("echo").Build(), llm)

	report, err := a.Execute(wfContext(), core.Task{ID: "t1", Description: "hi"}, nil)
	require.NoError(t, err)
	assert.Equal(t, core.StatusSuccess, report.Status)
	assert.Equal(t, "ok", report.Content)
	assert.Equal(t, "t1", report.TaskID)
	assert.Empty(t, report.Metrics.ToolCalls)
	assert.Equal(t, 10, report.Metrics.InputTokens)

	reqs := llm.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "You are echo, a helpful AI assistant.", reqs[0].System)
	assert.Equal(t, "hi", reqs[0].Messages[0].Content)
}

func TestModelAgent_ToolCallsRunInResponseOrder(t *testing.T) {
	rec := &recorder{}
	llm := model.NewScriptedModel("m",
		model.ToolCallStep(
			model.Call("c1", "alpha", nil),
			model.Call("c2", "beta", nil),
			model.Call("c3", "alpha", nil),
		),
		model.TextStep("done"),
	)
	a := NewModelAgent(testutil.NewConfigBuilder("worker").Build(), llm, func(o *ModelAgentOptions) {
		o.Tools = []tool.Tool{rec.tool("alpha"), rec.tool("beta")}
	})

	report, err := a.Execute(wfContext(), core.Task{ID: "t1", Description: "work"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "done", report.Content)
	assert.Equal(t, []string{"alpha", "beta", "alpha"}, rec.order())

	require.Len(t, report.Metrics.ToolCalls, 3)
	for i, want := range []string{"alpha", "beta", "alpha"} {
		audit := report.Metrics.ToolCalls[i]
		assert.Equal(t, want, audit.Name)
		assert.Equal(t, 1, audit.Iteration)
		assert.Equal(t, core.ToolTypeLocal, audit.Type)
		assert.True(t, audit.Success)
	}
	assert.Equal(t, []string{"alpha", "beta"}, report.Metrics.ToolsUsed)

	// The follow-up request carries the results in call order.
	reqs := llm.Requests()
	require.Len(t, reqs, 2)
	results := toolMessages(reqs[1])
	require.Len(t, results, 3)
	assert.Equal(t, "c1", results[0].ToolCallID)
	assert.Equal(t, "c2", results[1].ToolCallID)
	assert.Equal(t, "c3", results[2].ToolCallID)
	assert.JSONEq(t, `{"tool":"beta","n":2}`, results[1].Content)

	names := make([]string, 0, len(reqs[0].Tools))
	for _, d := range reqs[0].Tools {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"alpha", "beta"}, names)
}

func TestModelAgent_IterationCap(t *testing.T) {
	rec := &recorder{}
	llm := model.NewScriptedModel("m", model.ToolCallStep(model.Call("c", "loop", nil)))
	cfg := testutil.NewConfigBuilder("looper").MaxIterations(4).Build()
	a := NewModelAgent(cfg, llm, func(o *ModelAgentOptions) {
		o.Tools = []tool.Tool{rec.tool("loop")}
	})

	report, err := a.Execute(wfContext(), core.Task{ID: "t1", Description: "spin"}, nil)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindExecutionFailed))
	assert.Contains(t, err.Error(), "exceeded max tool iterations: 4")
	assert.Equal(t, core.StatusFailure, report.Status)
	assert.Equal(t, 4, llm.Calls())
	assert.Len(t, report.Metrics.ToolCalls, 4)
	assert.Equal(t, 4, report.Metrics.ToolCalls[3].Iteration)
}

func TestModelAgent_DefaultIterationCap(t *testing.T) {
	llm := model.NewScriptedModel("m", model.ToolCallStep(model.Call("c", "loop", nil)))
	a := NewModelAgent(testutil.NewConfigBuilder("looper").Build(), llm, func(o *ModelAgentOptions) {
		o.Tools = []tool.Tool{(&recorder{}).tool("loop")}
	})

	_, err := a.Execute(wfContext(), core.Task{ID: "t1"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "50")
	assert.Equal(t, core.DefaultMaxToolIterations, llm.Calls())
}

func TestModelAgent_CancellationStopsToolCalls(t *testing.T) {
	ctx, cancel := context.WithCancel(wfContext())
	defer cancel()

	var n int
	slow := tool.NewFunctionTool("step", "one step", nil, func(context.Context, map[string]any) (any, error) {
		n++
		if n == 2 {
			cancel()
		}
		return "stepped", nil
	})
	llm := model.NewScriptedModel("m", model.ToolCallStep(model.Call("c1", "step", nil), model.Call("c2", "step", nil)))
	a := NewModelAgent(testutil.NewConfigBuilder("runner").Build(), llm, func(o *ModelAgentOptions) {
		o.Tools = []tool.Tool{slow}
	})

	report, err := a.Execute(ctx, core.Task{ID: "t1"}, nil)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindCancelled))
	assert.Equal(t, core.StatusCancelled, report.Status)
	assert.Equal(t, 2, n)
	require.Len(t, report.Metrics.ToolCalls, 2)
	for _, audit := range report.Metrics.ToolCalls {
		assert.Equal(t, 1, audit.Iteration)
	}
	assert.Equal(t, 1, llm.Calls())
}

func TestModelAgent_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(wfContext())
	cancel()

	llm := model.NewScriptedModel("m", model.TextStep("never"))
	report, err := NewModelAgent(testutil.NewConfigBuilder("a").Build(), llm).Execute(ctx, core.Task{ID: "t"}, nil)
	require.Error(t, err)
	assert.Equal(t, core.StatusCancelled, report.Status)
	assert.Equal(t, 0, llm.Calls())
}

func TestModelAgent_InvalidInputIsReportedToModel(t *testing.T) {
	var executed bool
	strict := tool.NewFunctionTool("sum", "adds", map[string]any{
		"type":       "object",
		"properties": map[string]any{"a": map[string]any{"type": "number"}},
		"required":   []string{"a"},
	}, func(context.Context, map[string]any) (any, error) {
		executed = true
		return 0, nil
	})
	llm := model.NewScriptedModel("m",
		model.ToolCallStep(model.Call("c1", "sum", map[string]any{"b": 1})),
		model.TextStep("gave up"),
	)
	a := NewModelAgent(testutil.NewConfigBuilder("a").Build(), llm, func(o *ModelAgentOptions) {
		o.Tools = []tool.Tool{strict}
	})

	report, err := a.Execute(wfContext(), core.Task{ID: "t"}, nil)
	require.NoError(t, err)
	assert.False(t, executed)
	assert.Empty(t, report.Metrics.ToolCalls)

	results := toolMessages(llm.Requests()[1])
	require.Len(t, results, 1)
	assert.True(t, results[0].IsError)
	assert.Contains(t, results[0].Content, string(core.KindInvalidInput))
}

func TestModelAgent_ConfirmationDenied(t *testing.T) {
	var executed bool
	guarded := tool.NewFunctionTool("wipe", "wipes", nil, func(context.Context, map[string]any) (any, error) {
		executed = true
		return nil, nil
	}, func(o *tool.FunctionToolOptions) { o.RequiresConfirmation = true })

	gate := &denyGate{}
	llm := model.NewScriptedModel("m", model.ToolCallStep(model.Call("c1", "wipe", nil)), model.TextStep("ok then"))
	a := NewModelAgent(testutil.NewConfigBuilder("a").Build(), llm, func(o *ModelAgentOptions) {
		o.Tools = []tool.Tool{guarded}
		o.Gate = gate
	})

	report, err := a.Execute(wfContext(), core.Task{ID: "t"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok then", report.Content)
	assert.False(t, executed)

	require.Len(t, gate.requests, 1)
	assert.Equal(t, hitl.OpToolCall, gate.requests[0].Operation)
	assert.Equal(t, "wf-1", gate.requests[0].WorkflowID)

	results := toolMessages(llm.Requests()[1])
	require.Len(t, results, 1)
	assert.True(t, results[0].IsError)
	assert.Contains(t, results[0].Content, "not today")
}

func TestModelAgent_RoutesRemoteTools(t *testing.T) {
	remote := &fakeRemote{tools: map[string][]core.RemoteToolInfo{
		"files": {{Server: "files", Name: "read", Description: "read a file"}},
	}}
	llm := model.NewScriptedModel("m",
		model.ToolCallStep(model.Call("c1", "files__read", map[string]any{"path": "a.txt"})),
		model.TextStep("read it"),
	)
	cfg := testutil.NewConfigBuilder("reader").MCPServers("files", "ghost").Build()
	a := NewModelAgent(cfg, llm)

	report, err := a.Execute(wfContext(), core.Task{ID: "t"}, remote)
	require.NoError(t, err)
	assert.Equal(t, []string{"files__read"}, remote.calls)
	assert.Equal(t, "a.txt", remote.args[0]["path"])

	require.Len(t, report.Metrics.ToolCalls, 1)
	audit := report.Metrics.ToolCalls[0]
	assert.Equal(t, core.ToolTypeRemote, audit.Type)
	assert.Equal(t, "files", audit.Server)
	assert.Equal(t, "read", audit.Name)
	require.Len(t, report.Metrics.RemoteCalls, 1)

	defs := llm.Requests()[0].Tools
	require.Len(t, defs, 1)
	assert.Equal(t, "files__read", defs[0].Name)
	assert.Equal(t, "object", defs[0].Parameters["type"])
}

func TestModelAgent_ValidatesRemoteToolInput(t *testing.T) {
	remote := &fakeRemote{tools: map[string][]core.RemoteToolInfo{
		"files": {{Server: "files", Name: "read", InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"path": map[string]any{"type": "string"}},
			"required":   []string{"path"},
		}}},
	}}
	llm := model.NewScriptedModel("m",
		model.ToolCallStep(model.Call("c1", "files__read", map[string]any{"file": "a.txt"})),
		model.TextStep("gave up"),
	)
	a := NewModelAgent(testutil.NewConfigBuilder("reader").MCPServers("files").Build(), llm)

	report, err := a.Execute(wfContext(), core.Task{ID: "t"}, remote)
	require.NoError(t, err)
	assert.Empty(t, remote.calls)
	assert.Empty(t, report.Metrics.ToolCalls)

	results := toolMessages(llm.Requests()[1])
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Content, string(core.KindInvalidInput))
	assert.Contains(t, results[0].Content, "path")
}

func TestModelAgent_UnknownToolIsReportedToModel(t *testing.T) {
	llm := model.NewScriptedModel("m", model.ToolCallStep(model.Call("c1", "nope", nil)), model.TextStep("fine"))
	a := NewModelAgent(testutil.NewConfigBuilder("a").Build(), llm)

	_, err := a.Execute(wfContext(), core.Task{ID: "t"}, nil)
	require.NoError(t, err)

	results := toolMessages(llm.Requests()[1])
	require.Len(t, results, 1)
	var payload struct {
		Error struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(results[0].Content), &payload))
	assert.Equal(t, string(core.KindNotFound), payload.Error.Kind)
	assert.Contains(t, payload.Error.Message, "nope")
}

func TestModelAgent_ToolPanicBecomesToolError(t *testing.T) {
	bad := tool.NewFunctionTool("bad", "panics", nil, func(context.Context, map[string]any) (any, error) {
		panic("kaboom")
	})
	llm := model.NewScriptedModel("m", model.ToolCallStep(model.Call("c1", "bad", nil)), model.TextStep("recovered"))
	a := NewModelAgent(testutil.NewConfigBuilder("a").Build(), llm, func(o *ModelAgentOptions) {
		o.Tools = []tool.Tool{bad}
	})

	report, err := a.Execute(wfContext(), core.Task{ID: "t"}, nil)
	require.NoError(t, err)
	require.Len(t, report.Metrics.ToolCalls, 1)
	assert.False(t, report.Metrics.ToolCalls[0].Success)
	assert.Contains(t, report.Metrics.ToolCalls[0].Error, "kaboom")
}

func TestModelAgent_StreamsChunks(t *testing.T) {
	sink := testutil.NewRecordingSink()
	rec := &recorder{}
	llm := model.NewScriptedModel("m",
		model.ToolCallStep(model.Call("c1", "alpha", nil)),
		model.Step{Response: model.Response{Content: "all done now", Reasoning: "thinking hard"}},
	)
	cfg := testutil.NewConfigBuilder("a").ShowReasoning().Build()
	a := NewModelAgent(cfg, llm, func(o *ModelAgentOptions) {
		o.Tools = []tool.Tool{rec.tool("alpha")}
		o.Emitter = sink.Emitter()
	})

	_, err := a.Execute(wfContext(), core.Task{ID: "t"}, nil)
	require.NoError(t, err)

	types := sink.Types()
	assert.Equal(t, []stream.ChunkType{stream.ChunkToolStart, stream.ChunkToolEnd}, types[:2])
	assert.Contains(t, types, stream.ChunkReasoning)

	var text strings.Builder
	for _, c := range sink.OfType(stream.ChunkToken) {
		assert.Equal(t, "wf-1", c.WorkflowID)
		text.WriteString(c.Content)
	}
	assert.Equal(t, "all done now", text.String())

	end := sink.OfType(stream.ChunkToolEnd)[0]
	assert.Equal(t, "alpha", end.Tool)
	assert.NotNil(t, end.Duration)
}

func TestModelAgent_HidesReasoningByDefault(t *testing.T) {
	sink := testutil.NewRecordingSink()
	llm := model.NewScriptedModel("m", model.Step{Response: model.Response{Content: "x", Reasoning: "secret"}})
	a := NewModelAgent(testutil.NewConfigBuilder("a").Build(), llm, func(o *ModelAgentOptions) {
		o.Emitter = sink.Emitter()
	})

	_, err := a.Execute(wfContext(), core.Task{ID: "t"}, nil)
	require.NoError(t, err)
	assert.Empty(t, sink.OfType(stream.ChunkReasoning))
}

func TestModelAgent_ModelErrorFails(t *testing.T) {
	sink := testutil.NewRecordingSink()
	llm := model.NewScriptedModel("m", model.ErrorStep(errors.New("provider down")))
	a := NewModelAgent(testutil.NewConfigBuilder("a").Build(), llm, func(o *ModelAgentOptions) {
		o.Emitter = sink.Emitter()
	})

	report, err := a.Execute(wfContext(), core.Task{ID: "t"}, nil)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindExecutionFailed))
	assert.Equal(t, core.StatusFailure, report.Status)

	errs := sink.OfType(stream.ChunkError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Content, "provider down")
}

func TestModelAgent_SystemPromptTemplate(t *testing.T) {
	llm := model.NewScriptedModel("m", model.TextStep("ok"))
	cfg := testutil.NewConfigBuilder("a").SystemPrompt("Task {{.task.id}} for {{.user}}{{.missing}}").Build()
	a := NewModelAgent(cfg, llm)

	task := core.Task{ID: "t7", Description: "do", Context: json.RawMessage(`{"user":"ann"}`)}
	_, err := a.Execute(wfContext(), task, nil)
	require.NoError(t, err)

	req := llm.Requests()[0]
	assert.Equal(t, "Task t7 for ann", req.System)
	assert.Equal(t, "do\n\nContext:\n{\"user\":\"ann\"}", req.Messages[0].Content)
}

func TestBuilder_BuildsAgentWithKnownTools(t *testing.T) {
	llm := model.NewScriptedModel("m", model.TextStep("built"))
	providers := model.NewProviders()
	providers.Register("mock", func(core.ModelConfig) (model.Model, error) { return llm, nil }, 0)

	reg := tool.NewRegistry()
	require.NoError(t, builtin.Register(reg))
	b := NewBuilder(providers, tool.NewFactory(reg, tool.Deps{}))

	cfg := testutil.NewConfigBuilder("calc").Tools(builtin.CalculatorToolName, "nope").Build()
	built, err := b.Build(cfg)
	require.NoError(t, err)

	ma, ok := built.(*ModelAgent)
	require.True(t, ok)
	assert.Equal(t, []string{builtin.CalculatorToolName}, ma.Tools())
	assert.Equal(t, "calc", built.ID())

	report, err := built.Execute(wfContext(), core.Task{ID: "t"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "built", report.Content)
}

func TestBuilder_UnknownProvider(t *testing.T) {
	b := NewBuilder(model.NewProviders(), tool.NewFactory(tool.NewRegistry(), tool.Deps{}))
	_, err := b.Build(testutil.NewConfigBuilder("a").Build())
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindNotFound))
}

func TestBuilder_InvalidConfig(t *testing.T) {
	b := NewBuilder(model.NewProviders(), tool.NewFactory(tool.NewRegistry(), tool.Deps{}))
	_, err := b.Build(core.AgentConfig{ID: "not safe!"})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindInvalidInput))
}
