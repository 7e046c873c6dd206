package openai

import (
	"encoding/json"
	"testing"

	"github.com/openai/openai-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/model"
)

func TestBuildMessages(t *testing.T) {
	out := buildMessages(model.Request{
		System: "sys",
		Messages: []model.Message{
			{Role: model.RoleUser, Content: "hi"},
			{Role: model.RoleAssistant, ToolCalls: []model.ToolCall{{ID: "c1", Name: "calculator"}}},
			{Role: model.RoleTool, ToolCallID: "c1", Content: "42"},
			{Role: model.RoleAssistant, Content: "42"},
		},
	})
	require.Len(t, out, 5)
	assert.NotNil(t, out[0].OfSystem)
	assert.NotNil(t, out[1].OfUser)
	require.NotNil(t, out[2].OfAssistant)
	require.Len(t, out[2].OfAssistant.ToolCalls, 1)
	assert.Equal(t, "{}", out[2].OfAssistant.ToolCalls[0].Function.Arguments)
	require.NotNil(t, out[3].OfTool)
	assert.Equal(t, "c1", out[3].OfTool.ToolCallID)
	assert.NotNil(t, out[4].OfAssistant)
}

func TestFlattenAgg_OrdersByIndex(t *testing.T) {
	calls := flattenAgg(map[int64]*aggCall{
		1: {id: "b", name: "second", args: `{"x":1}`},
		0: {id: "a", name: "first"},
	})
	require.Len(t, calls, 2)
	assert.Equal(t, "first", calls[0].Name)
	assert.Equal(t, json.RawMessage("{}"), calls[0].Arguments)
	assert.Equal(t, json.RawMessage(`{"x":1}`), calls[1].Arguments)
}

func TestBuildParams_Tools(t *testing.T) {
	m := NewModelFromClient(&openai.Client{})
	params := m.buildParams(model.Request{
		Stream: true,
		Tools:  []model.ToolDefinition{{Name: "t", Description: "d", Parameters: map[string]any{"type": "object"}}},
	}, nil)
	require.Len(t, params.Tools, 1)
	assert.Equal(t, "t", params.Tools[0].Function.Name)
	assert.True(t, params.StreamOptions.IncludeUsage.Value)
}

func TestFactory(t *testing.T) {
	m, err := Factory("sk-test", "http://localhost:1234/v1")(core.ModelConfig{Provider: ProviderName, Name: "gpt-test"})
	require.NoError(t, err)
	assert.Equal(t, "gpt-test", m.Info().Name)
}
