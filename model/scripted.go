package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/agentcrew/core"
)

var errNoFinalResponse = errors.New("model returned no final response")

// Step is one scripted model turn.
type Step struct {
	Response Response
	Err      error
	// Delay is slept (honouring ctx) before the turn is produced.
	Delay time.Duration
	// Func, when set, computes the turn from the request.
	Func func(req Request) (Response, error)
}

// TextStep returns a step answering with plain text.
func TextStep(text string) Step {
	return Step{Response: Response{Content: text, FinishReason: "stop", Usage: &Usage{InputTokens: 10, OutputTokens: len(strings.Fields(text))}}}
}

// ToolCallStep returns a step requesting the given tool calls. Arguments
// are JSON encoded from the provided values.
func ToolCallStep(calls ...ToolCall) Step {
	return Step{Response: Response{ToolCalls: calls, FinishReason: "tool_calls", Usage: &Usage{InputTokens: 10, OutputTokens: 5}}}
}

// ErrorStep returns a step failing with err.
func ErrorStep(err error) Step {
	return Step{Err: err}
}

// Call builds a ToolCall with JSON encoded arguments.
func Call(id, name string, args map[string]any) ToolCall {
	raw, _ := json.Marshal(args)
	return ToolCall{ID: id, Name: name, Arguments: raw}
}

// ScriptedModel is a lightweight in-memory Model useful for tests & examples.
// It replays steps in order; once exhausted the last step repeats.
type ScriptedModel struct {
	info  Info
	mu    sync.Mutex
	steps []Step
	next  int
	reqs  []Request
}

// NewScriptedModel constructs a ScriptedModel with basic tool support enabled.
func NewScriptedModel(name string, steps ...Step) *ScriptedModel {
	return &ScriptedModel{
		info:  Info{Name: name, Provider: "mock", SupportsTools: true},
		steps: steps,
	}
}

// AddStep appends a step.
func (m *ScriptedModel) AddStep(s Step) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, s)
}

// Requests returns a copy of the received requests.
func (m *ScriptedModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.reqs...)
}

// Calls returns the number of Generate calls.
func (m *ScriptedModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reqs)
}

func (m *ScriptedModel) take(req Request) (Step, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reqs = append(m.reqs, req)
	if len(m.steps) == 0 {
		return Step{}, false
	}
	idx := m.next
	if idx >= len(m.steps) {
		idx = len(m.steps) - 1
	} else {
		m.next++
	}
	return m.steps[idx], true
}

// Generate implements Model; streams word chunks first when requested.
func (m *ScriptedModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(respCh)
		defer close(errCh)

		step, ok := m.take(req)
		if !ok {
			errCh <- fmt.Errorf("scripted model %s has no steps", m.info.Name)
			return
		}
		if step.Delay > 0 {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case <-time.After(step.Delay):
			}
		}

		resp, err := step.Response, step.Err
		if step.Func != nil {
			resp, err = step.Func(req)
		}
		if err != nil {
			errCh <- err
			return
		}

		if req.Stream {
			if resp.Reasoning != "" {
				if !send(ctx, respCh, Response{Partial: true, Reasoning: resp.Reasoning}) {
					errCh <- ctx.Err()
					return
				}
			}
			for _, w := range strings.SplitAfter(resp.Content, " ") {
				if w == "" {
					continue
				}
				if !send(ctx, respCh, Response{Partial: true, Content: w}) {
					errCh <- ctx.Err()
					return
				}
			}
		}
		resp.Partial = false
		if resp.FinishReason == "" {
			resp.FinishReason = "stop"
		}
		respCh <- resp
	}()
	return respCh, errCh
}

func send(ctx context.Context, ch chan<- Response, r Response) bool {
	select {
	case <-ctx.Done():
		return false
	case ch <- r:
		return true
	}
}

// Info implements Model interface.
func (m *ScriptedModel) Info() Info { return m.info }

// EchoStep answers with the content of the latest user message.
func EchoStep() Step {
	return Step{Func: func(req Request) (Response, error) {
		for i := len(req.Messages) - 1; i >= 0; i-- {
			if req.Messages[i].Role == RoleUser {
				text := req.Messages[i].Content
				return Response{Content: text, FinishReason: "stop", Usage: &Usage{InputTokens: len(strings.Fields(text)), OutputTokens: len(strings.Fields(text))}}, nil
			}
		}
		return Response{}, errNoFinalResponse
	}}
}

// MockFactory builds echoing scripted models. It backs the "mock" provider
// kind, which needs no credentials.
func MockFactory(cfg core.ModelConfig) (Model, error) {
	return NewScriptedModel(cfg.Name, EchoStep()), nil
}
