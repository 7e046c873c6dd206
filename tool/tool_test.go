package tool

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/resilience"
)

// -------------------- FunctionTool Tests --------------------

func sumSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"a": map[string]any{"type": "number"},
			"b": map[string]any{"type": "number"},
		},
		"required": []string{"a", "b"},
	}
}

func TestFunctionTool_Success(t *testing.T) {
	sumTool := NewFunctionTool("sum", "Add numbers", sumSchema(), func(_ context.Context, args map[string]any) (any, error) {
		return args["a"].(float64) + args["b"].(float64), nil
	})

	input := map[string]any{"a": 2.0, "b": 3.0}
	require.NoError(t, sumTool.ValidateInput(input))
	result, err := sumTool.Execute(context.Background(), input)
	assert.NoError(t, err)
	assert.Equal(t, 5.0, result)
	assert.False(t, sumTool.RequiresConfirmation())
	assert.Equal(t, "sum", sumTool.Definition().ModelDefinition().Name)
}

func TestFunctionTool_ValidationError(t *testing.T) {
	tTool := NewFunctionTool("test", "Test", sumSchema(), func(context.Context, map[string]any) (any, error) {
		return 0, nil
	})
	err := tTool.ValidateInput(map[string]any{"a": 1.0})
	require.Error(t, err)
	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, core.KindInvalidInput, toolErr.Code)
	assert.True(t, core.IsKind(err, core.KindInvalidInput))
}

func TestFunctionTool_ExecutionError(t *testing.T) {
	execTool := NewFunctionTool("fail", "Fails", nil, func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("boom")
	})
	_, err := execTool.Execute(context.Background(), map[string]any{})
	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, core.KindExecutionFailed, toolErr.Code)
}

func TestFunctionTool_PreservesKind(t *testing.T) {
	execTool := NewFunctionTool("lookup", "Looks up", nil, func(context.Context, map[string]any) (any, error) {
		return nil, core.Errorf(core.KindNotFound, "memory m1 not found")
	}, func(o *FunctionToolOptions) { o.RequiresConfirmation = true })

	_, err := execTool.Execute(context.Background(), nil)
	assert.True(t, core.IsKind(err, core.KindNotFound))
	assert.True(t, execTool.RequiresConfirmation())
}

type argsStruct struct {
	Query string `json:"query" jsonschema:"description=Search text"`
}

func TestNewFunctionToolFromStruct(t *testing.T) {
	ft := NewFunctionToolFromStruct("search", "Search", argsStruct{}, func(context.Context, map[string]any) (any, error) {
		return nil, nil
	})
	props, ok := ft.Definition().InputSchema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "query")
	assert.Error(t, ft.ValidateInput(map[string]any{}))
}

// -------------------- Registry & Factory Tests --------------------

func basicEntry(name string) Entry {
	return Entry{Name: name, Category: CategoryBasic, New: func(deps Deps, _ *ExecContext) (Tool, error) {
		return NewFunctionTool(name, "basic "+deps.AgentID, nil, func(context.Context, map[string]any) (any, error) {
			return "ok", nil
		}), nil
	}}
}

func subAgentEntry(name string) Entry {
	return Entry{Name: name, Category: CategorySubAgent, New: func(_ Deps, ec *ExecContext) (Tool, error) {
		if ec == nil {
			return nil, errors.New("missing context")
		}
		return NewFunctionTool(name, "sub-agent", nil, func(context.Context, map[string]any) (any, error) {
			return "spawned", nil
		}), nil
	}}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, r.Register(basicEntry("calculator")))
	require.NoError(t, r.Register(basicEntry("memory")))
	require.NoError(t, r.Register(subAgentEntry("spawn_subagent")))
	return r
}

func TestRegistry(t *testing.T) {
	r := newTestRegistry(t)

	assert.Equal(t, []string{"calculator", "memory", "spawn_subagent"}, r.Names())
	assert.True(t, r.IsSubAgentTool("spawn_subagent"))
	assert.False(t, r.IsSubAgentTool("memory"))

	e, ok := r.Lookup("spawn_subagent")
	require.True(t, ok)
	assert.True(t, e.RequiresContext)

	err := r.Register(basicEntry("memory"))
	assert.True(t, core.IsKind(err, core.KindValidationFailed))
	assert.Error(t, r.Register(basicEntry("fs__read")))

	assert.Equal(t, []string{"calculator"}, r.WithoutSubAgentTools([]string{"calculator", "spawn_subagent"}))
}

func TestFactory_UnknownToolListsKnownNames(t *testing.T) {
	f := NewFactory(newTestRegistry(t), Deps{})
	_, err := f.Create("teleport")
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindNotFound))
	assert.Contains(t, err.Error(), "calculator, memory, spawn_subagent")
}

func TestFactory_SubAgentToolsRequireContext(t *testing.T) {
	f := NewFactory(newTestRegistry(t), Deps{})
	_, err := f.Create("spawn_subagent")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires an execution context")

	withCtx := f.WithExecContext(&ExecContext{Breaker: resilience.NewCircuitBreaker()})
	tl, err := withCtx.Create("spawn_subagent")
	require.NoError(t, err)
	assert.Equal(t, "spawn_subagent", tl.Definition().ID)
}

func TestFactory_CreateAllSkipsUnknown(t *testing.T) {
	f := NewFactory(newTestRegistry(t), Deps{}).ForAgent("planner", true)
	tools := f.CreateAll([]string{"calculator", "ghost", "memory", "spawn_subagent"})
	require.Len(t, tools, 2)
	assert.Equal(t, "calculator", tools[0].Definition().ID)
	assert.Equal(t, "basic planner", tools[0].Definition().Description)
	assert.Equal(t, "memory", tools[1].Definition().ID)
}

func TestAsToolError(t *testing.T) {
	assert.Nil(t, AsToolError("x", nil))
	te := AsToolError("x", core.Errorf(core.KindTimeout, "slow"))
	assert.Equal(t, core.KindTimeout, te.Code)
	same := NewToolError("x", "bad", core.KindInvalidInput)
	assert.Same(t, same, AsToolError("x", same))
}
