package agent

import (
	"fmt"

	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/internal/util"
)

// Provider supplies dynamic instruction text at runtime.
// Implementations can derive instructions from the task, environment, etc.
type Provider interface {
	Instruction(task core.Task) (string, error)
}

// Func is a functional adapter to allow ordinary functions to be used as Providers.
type Func func(task core.Task) (string, error)

// Instruction implements Provider.
func (f Func) Instruction(task core.Task) (string, error) { return f(task) }

// Instruction represents either a static instruction template or a dynamic provider.
// Static text is rendered as a template against the task state.
type Instruction struct {
	text     string
	provider Provider
}

// NewInstructionFromText creates an Instruction from a static template string.
func NewInstructionFromText(text string) Instruction { return Instruction{text: text} }

// NewInstructionFromProvider creates an Instruction from a dynamic provider.
func NewInstructionFromProvider(p Provider) Instruction { return Instruction{provider: p} }

// NewInstructionFromFunc creates an Instruction from a function.
func NewInstructionFromFunc(f func(task core.Task) (string, error)) Instruction {
	return Instruction{provider: Func(f)}
}

// IsStatic returns true if the instruction is backed by a static string.
func (i Instruction) IsStatic() bool { return i.provider == nil }

// Resolve returns the instruction text for task, invoking the provider if
// needed. Static text may reference {{.task.id}}, {{.task.description}} and
// the top-level keys of the task context.
func (i Instruction) Resolve(task core.Task) (string, error) {
	if i.provider != nil {
		return i.provider.Instruction(task)
	}
	out, err := util.RenderTemplate(i.text, TemplateState(task))
	if err != nil {
		return "", fmt.Errorf("render instruction: %w", err)
	}
	return out, nil
}

// TemplateState builds the data a system prompt template is rendered with.
func TemplateState(task core.Task) map[string]any {
	state := task.ContextMap()
	state["task"] = map[string]any{
		"id":          task.ID,
		"description": task.Description,
	}
	return state
}

// DefaultInstruction is used when an agent config has no system prompt.
func DefaultInstruction(name string) Instruction {
	return NewInstructionFromText(fmt.Sprintf("You are %s, a helpful AI assistant.", name))
}
