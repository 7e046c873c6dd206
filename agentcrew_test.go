package agentcrew

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentcrew/config"
	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/internal/testutil"
	"github.com/hupe1980/agentcrew/model"
	"github.com/hupe1980/agentcrew/storage"
	"github.com/hupe1980/agentcrew/stream"
	"github.com/hupe1980/agentcrew/tool"
	"github.com/hupe1980/agentcrew/vault"
)

func testConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.Log.Level = "error"
	cfg.Providers = []config.ProviderConfig{
		{Name: "mock", Kind: config.ProviderMock},
		{Name: "script", Kind: config.ProviderMock},
	}
	cfg.Agents = []core.AgentConfig{
		testutil.NewConfigBuilder("lead").Primary().Tools("calculator", "delegate_to_agent").Build(),
		testutil.NewConfigBuilder("writer").Build(),
	}
	cfg.Agents[0].Model = core.ModelConfig{Provider: "script", Name: "lead-model"}
	cfg.Agents[1].Model = core.ModelConfig{Provider: "mock", Name: "echo"}
	return cfg
}

func newCrew(t *testing.T, cfg config.Config, lead *model.ScriptedModel) (*Crew, *testutil.RecordingSink) {
	t.Helper()
	sink := testutil.NewRecordingSink()
	crew, err := New(context.Background(), cfg, func(o *Options) {
		o.Sinks = []stream.Sink{sink}
		o.Providers = map[string]model.Factory{
			"script": func(core.ModelConfig) (model.Model, error) { return lead, nil },
		}
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = crew.Close(context.Background()) })
	return crew, sink
}

func TestCrew_RunDelegates(t *testing.T) {
	lead := model.NewScriptedModel("lead-model",
		model.ToolCallStep(model.Call("c1", "delegate_to_agent", map[string]any{"agent_id": "writer", "prompt": "draft the intro"})),
		model.TextStep("final answer"),
	)
	crew, sink := newCrew(t, testConfig(), lead)

	assert.ElementsMatch(t, []string{"lead", "writer"}, crew.Agents())

	res, err := crew.Run(context.Background(), "lead", core.Task{Description: "write a report"})
	require.NoError(t, err)
	assert.Equal(t, "final answer", res.Report.Content)
	assert.Equal(t, stream.CompletionCompleted, res.Status)

	records, err := crew.Store().ListRecords(context.Background(), res.WorkflowID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "lead", records[0].ParentAgentID)
	assert.Equal(t, "writer", records[0].ChildAgentID)
	assert.Equal(t, core.RecordCompleted, records[0].Status)

	assert.Len(t, sink.OfType(stream.ChunkSubAgentStart), 1)
	assert.Len(t, sink.OfType(stream.ChunkSubAgentComplete), 1)
	require.Len(t, sink.Completions(), 1)
	assert.Equal(t, res.WorkflowID, sink.Completions()[0].WorkflowID)
}

func TestCrew_MockProviderEchoes(t *testing.T) {
	cfg := testConfig()
	crew, _ := newCrew(t, cfg, model.NewScriptedModel("unused", model.TextStep("x")))

	res, err := crew.Run(context.Background(), "writer", core.Task{Description: "ping"})
	require.NoError(t, err)
	assert.Contains(t, res.Report.Content, "ping")
}

func TestCrew_RejectsSubAgentToolsOnNonPrimary(t *testing.T) {
	cfg := testConfig()
	cfg.Agents[1].Tools = []string{"spawn_subagent"}

	_, err := New(context.Background(), cfg)
	require.Error(t, err)
}

func TestCrew_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.Driver = "sqlite"

	_, err := New(context.Background(), cfg)
	assert.True(t, core.IsKind(err, core.KindInvalidInput))
}

func TestCrew_ProviderKeyFromVault(t *testing.T) {
	cfg := testConfig()
	cfg.Providers = append(cfg.Providers, config.ProviderConfig{Name: "claude", Kind: config.ProviderAnthropic, APIKeyEnv: "CLAUDE_KEY"})

	_, err := New(context.Background(), cfg, func(o *Options) { o.Vault = vault.NewMemory(nil) })
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindNotFound))

	crew, err := New(context.Background(), cfg, func(o *Options) {
		o.Vault = vault.NewMemory(map[string]string{"CLAUDE_KEY": "sk-test"})
	})
	require.NoError(t, err)
	defer func() { _ = crew.Close(context.Background()) }()
	_, isSQL := crew.SQL()
	assert.False(t, isSQL)
}

func TestCrew_StoreOverride(t *testing.T) {
	store := storage.NewMemoryBackend()
	crew, err := New(context.Background(), testConfig(), func(o *Options) { o.Store = store })
	require.NoError(t, err)
	defer func() { _ = crew.Close(context.Background()) }()
	assert.Same(t, store, crew.Store())
}

func TestCrew_UnknownExecutionCannotBeTerminated(t *testing.T) {
	crew, _ := newCrew(t, testConfig(), model.NewScriptedModel("unused", model.TextStep("x")))

	err := crew.Terminate(context.Background(), "exec_missing")
	assert.True(t, core.IsKind(err, core.KindNotFound))
}

func TestCrew_CustomTool(t *testing.T) {
	cfg := testConfig()
	cfg.Agents[0].Tools = []string{"lookup"}
	lead := model.NewScriptedModel("lead-model",
		model.ToolCallStep(model.Call("c1", "lookup", map[string]any{"key": "answer"})),
		model.TextStep("looked up"),
	)

	var got string
	crew, err := New(context.Background(), cfg, func(o *Options) {
		o.Providers = map[string]model.Factory{
			"script": func(core.ModelConfig) (model.Model, error) { return lead, nil },
		}
		o.Tools = []tool.Entry{{
			Name: "lookup",
			New: func(tool.Deps, *tool.ExecContext) (tool.Tool, error) {
				return tool.NewFunctionTool("lookup", "Look up a key", map[string]any{
					"type":       "object",
					"properties": map[string]any{"key": map[string]any{"type": "string"}},
					"required":   []string{"key"},
				}, func(_ context.Context, args map[string]any) (any, error) {
					got, _ = args["key"].(string)
					return "42", nil
				}), nil
			},
		}}
	})
	require.NoError(t, err)
	defer func() { _ = crew.Close(context.Background()) }()

	res, err := crew.Run(context.Background(), "lead", core.Task{Description: "find it"})
	require.NoError(t, err)
	assert.Equal(t, "looked up", res.Report.Content)
	assert.Equal(t, "answer", got)
}
