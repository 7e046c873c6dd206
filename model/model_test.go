package model

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/resilience"
)

func TestScriptedModel_ReplaysAndRepeatsLast(t *testing.T) {
	m := NewScriptedModel("mock",
		ToolCallStep(Call("c1", "calculator", map[string]any{"expression": "1+1"})),
		TextStep("done"),
	)
	ctx := context.Background()

	r1, err := Collect(ctx, m, Request{}, nil)
	require.NoError(t, err)
	require.Len(t, r1.ToolCalls, 1)
	assert.Equal(t, "calculator", r1.ToolCalls[0].Name)

	r2, err := Collect(ctx, m, Request{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "done", r2.Content)

	r3, err := Collect(ctx, m, Request{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "done", r3.Content)
	assert.Equal(t, 3, m.Calls())
}

func TestScriptedModel_StreamsPartials(t *testing.T) {
	m := NewScriptedModel("mock", TextStep("hello streaming world"))

	var parts []string
	final, err := Collect(context.Background(), m, Request{Stream: true}, func(r Response) {
		parts = append(parts, r.Content)
	})
	require.NoError(t, err)
	assert.Equal(t, "hello streaming world", strings.Join(parts, ""))
	assert.Equal(t, "hello streaming world", final.Content)
	assert.False(t, final.Partial)
}

func TestScriptedModel_Error(t *testing.T) {
	boom := errors.New("boom")
	m := NewScriptedModel("mock", ErrorStep(boom))
	_, err := Collect(context.Background(), m, Request{}, nil)
	assert.ErrorIs(t, err, boom)

	_, err = Collect(context.Background(), NewScriptedModel("empty"), Request{}, nil)
	assert.Error(t, err)
}

func TestScriptedModel_DelayHonoursCancel(t *testing.T) {
	m := NewScriptedModel("mock", Step{Response: Response{Content: "late"}, Delay: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Collect(ctx, m, Request{}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestToolCallArgumentsMap(t *testing.T) {
	args, err := Call("1", "x", map[string]any{"a": 1.0}).ArgumentsMap()
	require.NoError(t, err)
	assert.Equal(t, 1.0, args["a"])

	args, err = ToolCall{}.ArgumentsMap()
	require.NoError(t, err)
	assert.Empty(t, args)

	_, err = ToolCall{Arguments: []byte("{not json")}.ArgumentsMap()
	assert.Error(t, err)
}

func TestProviders_BuildAndUnknown(t *testing.T) {
	p := NewProviders()
	p.Register("mock", func(cfg core.ModelConfig) (Model, error) {
		return NewScriptedModel(cfg.Name, TextStep("ok")), nil
	}, 0)

	m, err := p.Build(core.ModelConfig{Provider: "mock", Name: "m1"})
	require.NoError(t, err)
	assert.Equal(t, "m1", m.Info().Name)

	_, err = p.Build(core.ModelConfig{Provider: "nope", Name: "x"})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindNotFound))
	assert.Contains(t, err.Error(), "mock")
}

func TestWithRateLimit_SpacesCalls(t *testing.T) {
	inner := NewScriptedModel("mock", TextStep("ok"))
	m := WithRateLimit(inner, resilience.NewRateLimiter(50*time.Millisecond))

	start := time.Now()
	_, err := Collect(context.Background(), m, Request{}, nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 40*time.Millisecond)

	_, err = Collect(context.Background(), m, Request{}, nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 45*time.Millisecond)
}

func TestMockFactory_EchoesLastUserMessage(t *testing.T) {
	m, err := MockFactory(core.ModelConfig{Provider: "mock", Name: "echo"})
	require.NoError(t, err)

	resp, err := Collect(context.Background(), m, Request{Messages: []Message{
		{Role: RoleUser, Content: "first"},
		{Role: RoleAssistant, Content: "ack"},
		{Role: RoleUser, Content: "second question"},
	}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "second question", resp.Content)
	assert.Equal(t, 2, resp.Usage.OutputTokens)

	_, err = Collect(context.Background(), m, Request{}, nil)
	assert.Error(t, err)
}
