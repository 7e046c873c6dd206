// Package anthropic provides a model wrapper for the Anthropic Claude API.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/model"
)

// ProviderName is the provider key used in agent model configuration.
const ProviderName = "anthropic"

// Options configures the Anthropic model adapter (temperature, model id,
// max tokens, API key). Extend via functional options to preserve stability.
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
	BaseURL     string
}

// Model wraps the Anthropic Messages API behind the generic model.Model interface.
type Model struct {
	client *anthropic.Client
	opts   Options
}

func defaultOptions() Options {
	return Options{
		Model:       anthropic.ModelClaudeSonnet4_20250514,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
}

// NewModel creates a new Anthropic model using the official client
func NewModel(optFns ...func(o *Options)) *Model {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}

	client := anthropic.NewClient(clientOpts...)

	return &Model{
		client: &client,
		opts:   opts,
	}
}

// NewModelFromClient creates a new Anthropic model from an existing client
func NewModelFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Model {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Model{
		client: client,
		opts:   opts,
	}
}

// Factory returns a model.Factory that builds Anthropic models from agent
// model configuration using apiKey.
func Factory(apiKey string) model.Factory {
	return func(cfg core.ModelConfig) (model.Model, error) {
		return NewModel(func(o *Options) {
			o.APIKey = apiKey
			if cfg.Name != "" {
				o.Model = anthropic.Model(cfg.Name)
			}
			o.Temperature = cfg.Temperature
			if cfg.MaxTokens > 0 {
				o.MaxTokens = int64(cfg.MaxTokens)
			}
		}), nil
	}
}

// Generate implements unified streaming / non-streaming generation.
// It adapts Anthropic Messages API (with function/tool calling) into model.Response events.
func (m *Model) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	out := make(chan model.Response, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		params := anthropic.MessageNewParams{
			Model:       m.opts.Model,
			Messages:    buildMessages(req.Messages),
			MaxTokens:   m.opts.MaxTokens,
			Temperature: anthropic.Float(m.opts.Temperature),
		}

		if system := buildSystem(req); len(system) > 0 {
			params.System = system
		}

		if len(req.Tools) > 0 {
			params.Tools = buildTools(req.Tools)
		}

		if req.Stream {
			m.handleStreaming(ctx, params, out, errCh)
			return
		}

		resp, err := m.client.Messages.New(ctx, params)
		if err != nil {
			errCh <- fmt.Errorf("anthropic api error: %w", err)
			return
		}

		out <- toResponse(resp)
	}()

	return out, errCh
}

// handleStreaming forwards text and thinking deltas as partial responses and
// accumulates the full message for the final response.
func (m *Model) handleStreaming(ctx context.Context, params anthropic.MessageNewParams, out chan<- model.Response, errCh chan<- error) {
	stream := m.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	message := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			errCh <- fmt.Errorf("anthropic stream accumulate: %w", err)
			return
		}

		ev, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok {
			continue
		}

		var partial model.Response
		switch delta := ev.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			partial = model.Response{Partial: true, Content: delta.Text}
		case anthropic.ThinkingDelta:
			partial = model.Response{Partial: true, Reasoning: delta.Thinking}
		default:
			continue
		}

		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
			return
		case out <- partial:
		}
	}
	if err := stream.Err(); err != nil {
		errCh <- fmt.Errorf("anthropic stream error: %w", err)
		return
	}

	out <- toResponse(&message)
}

// toResponse converts a complete Anthropic message into the final response.
func toResponse(resp *anthropic.Message) model.Response {
	var (
		text      strings.Builder
		reasoning strings.Builder
		calls     []model.ToolCall
	)

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.AsText().Text)
		case "thinking":
			reasoning.WriteString(block.AsThinking().Thinking)
		case "tool_use":
			toolBlock := block.AsToolUse()
			args := json.RawMessage(toolBlock.Input)
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			calls = append(calls, model.ToolCall{
				ID:        toolBlock.ID,
				Name:      toolBlock.Name,
				Arguments: args,
			})
		}
	}

	finishReason := "stop"
	if resp.StopReason != "" {
		finishReason = string(resp.StopReason)
	}

	return model.Response{
		Partial:      false,
		Content:      text.String(),
		Reasoning:    reasoning.String(),
		ToolCalls:    calls,
		FinishReason: finishReason,
		Usage: &model.Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
	}
}

// buildSystem collects the request system prompt plus system-role messages.
func buildSystem(req model.Request) []anthropic.TextBlockParam {
	var blocks []anthropic.TextBlockParam
	if req.System != "" {
		blocks = append(blocks, anthropic.TextBlockParam{Text: req.System})
	}
	for _, msg := range req.Messages {
		if msg.Role == model.RoleSystem && msg.Content != "" {
			blocks = append(blocks, anthropic.TextBlockParam{Text: msg.Content})
		}
	}
	return blocks
}

// buildMessages converts conversation messages to Anthropic message format.
// Consecutive tool messages are folded into one user message of tool_result
// blocks, as the Messages API expects.
func buildMessages(msgs []model.Message) []anthropic.MessageParam {
	var (
		messages    []anthropic.MessageParam
		toolResults []anthropic.ContentBlockParamUnion
	)

	flushResults := func() {
		if len(toolResults) > 0 {
			messages = append(messages, anthropic.NewUserMessage(toolResults...))
			toolResults = nil
		}
	}

	for _, msg := range msgs {
		switch msg.Role {
		case model.RoleSystem:
			continue // handled by buildSystem
		case model.RoleTool:
			toolResults = append(toolResults, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.IsError))
		case model.RoleAssistant:
			flushResults()
			if content := buildAssistantContent(msg); len(content) > 0 {
				messages = append(messages, anthropic.NewAssistantMessage(content...))
			}
		default:
			flushResults()
			if msg.Content != "" {
				messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
			}
		}
	}
	flushResults()

	return messages
}

// buildAssistantContent builds content for assistant messages
func buildAssistantContent(msg model.Message) []anthropic.ContentBlockParamUnion {
	var content []anthropic.ContentBlockParamUnion

	if msg.Content != "" {
		content = append(content, anthropic.NewTextBlock(msg.Content))
	}

	for _, call := range msg.ToolCalls {
		var input any = map[string]any{}
		if len(call.Arguments) > 0 {
			if err := json.Unmarshal(call.Arguments, &input); err != nil {
				input = string(call.Arguments) // fallback to string
			}
		}
		content = append(content, anthropic.NewToolUseBlock(call.ID, input, call.Name))
	}

	return content
}

// buildTools converts tool definitions to Anthropic tool format
func buildTools(tools []model.ToolDefinition) []anthropic.ToolUnionParam {
	anthropicTools := make([]anthropic.ToolUnionParam, len(tools))

	for i, tool := range tools {
		inputSchema := anthropic.ToolInputSchemaParam{
			Type: constant.Object("object"),
		}

		if params := tool.Parameters; params != nil {
			if properties, exists := params["properties"]; exists {
				inputSchema.Properties = properties
			}
			switch required := params["required"].(type) {
			case []string:
				inputSchema.Required = required
			case []any:
				var reqStrings []string
				for _, r := range required {
					if s, ok := r.(string); ok {
						reqStrings = append(reqStrings, s)
					}
				}
				inputSchema.Required = reqStrings
			}
		}

		anthropicTools[i] = anthropic.ToolUnionParamOfTool(inputSchema, tool.Name)
		if tool.Description != "" && anthropicTools[i].OfTool != nil {
			anthropicTools[i].OfTool.Description = anthropic.String(tool.Description)
		}
	}

	return anthropicTools
}

// Info returns metadata describing this Anthropic model implementation.
func (m *Model) Info() model.Info {
	return model.Info{
		Name:          string(m.opts.Model),
		Provider:      ProviderName,
		SupportsTools: true,
	}
}
