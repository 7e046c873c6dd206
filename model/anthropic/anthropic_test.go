package anthropic

import (
	"encoding/json"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/model"
)

func TestBuildMessages_FoldsToolResults(t *testing.T) {
	msgs := []model.Message{
		{Role: model.RoleSystem, Content: "ignored here"},
		{Role: model.RoleUser, Content: "compute"},
		{Role: model.RoleAssistant, ToolCalls: []model.ToolCall{
			{ID: "t1", Name: "calculator", Arguments: json.RawMessage(`{"expression":"1+1"}`)},
			{ID: "t2", Name: "calculator", Arguments: json.RawMessage(`{"expression":"2+2"}`)},
		}},
		{Role: model.RoleTool, ToolCallID: "t1", Content: "2"},
		{Role: model.RoleTool, ToolCallID: "t2", Content: "boom", IsError: true},
		{Role: model.RoleAssistant, Content: "2 and 4"},
	}

	out := buildMessages(msgs)
	require.Len(t, out, 4)
	assert.Equal(t, anthropic.MessageParamRoleUser, out[0].Role)
	assert.Equal(t, anthropic.MessageParamRoleAssistant, out[1].Role)
	require.Len(t, out[1].Content, 2)
	assert.NotNil(t, out[1].Content[0].OfToolUse)

	assert.Equal(t, anthropic.MessageParamRoleUser, out[2].Role)
	require.Len(t, out[2].Content, 2)
	require.NotNil(t, out[2].Content[0].OfToolResult)
	assert.Equal(t, "t1", out[2].Content[0].OfToolResult.ToolUseID)
	assert.Equal(t, "t2", out[2].Content[1].OfToolResult.ToolUseID)
}

func TestBuildSystem(t *testing.T) {
	blocks := buildSystem(model.Request{
		System:   "be brief",
		Messages: []model.Message{{Role: model.RoleSystem, Content: "extra"}},
	})
	require.Len(t, blocks, 2)
	assert.Equal(t, "be brief", blocks[0].Text)
	assert.Equal(t, "extra", blocks[1].Text)
}

func TestBuildTools(t *testing.T) {
	tools := buildTools([]model.ToolDefinition{{
		Name:        "memory_add",
		Description: "store a memory",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"content": map[string]any{"type": "string"}},
			"required":   []any{"content"},
		},
	}})
	require.Len(t, tools, 1)
	require.NotNil(t, tools[0].OfTool)
	assert.Equal(t, "memory_add", tools[0].OfTool.Name)
	assert.Equal(t, []string{"content"}, tools[0].OfTool.InputSchema.Required)
}

func TestFactory(t *testing.T) {
	m, err := Factory("key")(core.ModelConfig{Provider: ProviderName, Name: "claude-test", MaxTokens: 128})
	require.NoError(t, err)
	assert.Equal(t, "claude-test", m.Info().Name)
	assert.Equal(t, ProviderName, m.Info().Provider)
}
