// Package tool implements the function / tool calling subsystem that lets agents
// invoke structured capabilities (storage, computations, sub-agents) with schema
// validated arguments, consistent error handling and rich metadata for LLM guidance.
package tool

import (
	"context"
	"fmt"

	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/internal/util"
	"github.com/hupe1980/agentcrew/model"
)

// Tool defines the interface for extending agent capabilities with external functions.
//
// Tools are registered by name in a Registry and constructed by a Factory for
// each agent. The tool loop validates input, optionally asks for human
// confirmation, then executes.
//
// Tool implementations should:
//   - Provide clear, descriptive names and descriptions
//   - Define proper JSON schema for input and output
//   - Keep ValidateInput free of side effects
//   - Be thread-safe if used concurrently
type Tool interface {
	// Definition returns the metadata exposed to the model and the loop.
	Definition() Definition

	// ValidateInput checks input against the schema and business rules.
	ValidateInput(input map[string]any) error

	// Execute performs the action. Errors should carry a core.ErrorKind
	// (a *ToolError or *core.Error) naming the likely remedy.
	Execute(ctx context.Context, input map[string]any) (any, error)

	// RequiresConfirmation reports whether a human must approve each call.
	RequiresConfirmation() bool
}

// Definition describes a tool.
type Definition struct {
	// ID is the unique name used in function calls and routing (snake_case).
	ID string `json:"id"`
	// Name is the display name.
	Name string `json:"name"`
	// Description is written for an LLM to decide when to call the tool.
	Description          string         `json:"description"`
	InputSchema          map[string]any `json:"input_schema"`
	OutputSchema         map[string]any `json:"output_schema,omitempty"`
	RequiresConfirmation bool           `json:"requires_confirmation"`
}

// ModelDefinition converts the definition into the shape sent to providers.
func (d Definition) ModelDefinition() model.ToolDefinition {
	params := d.InputSchema
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return model.ToolDefinition{Name: d.ID, Description: d.Description, Parameters: params}
}

// ConfirmationPolicy is implemented by tools whose need for confirmation
// depends on the input, e.g. only the delete operation of a store tool.
type ConfirmationPolicy interface {
	NeedsConfirmation(input map[string]any) bool
}

// NeedsConfirmation reports whether executing t with input must be approved.
func NeedsConfirmation(t Tool, input map[string]any) bool {
	if t.RequiresConfirmation() {
		return true
	}
	if p, ok := t.(ConfirmationPolicy); ok {
		return p.NeedsConfirmation(input)
	}
	return false
}

// ValidationError represents parameter validation errors with detailed information.
type ValidationError = util.ValidationError

// ToolError represents errors that occur during tool execution.
type ToolError struct {
	Tool    string         `json:"tool"`              // Name of the tool that failed
	Message string         `json:"message"`           // Error message
	Code    core.ErrorKind `json:"code"`              // Kind from the closed taxonomy
	Details any            `json:"details,omitempty"` // Additional error details
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// ErrorKind reports the taxonomy kind so core.KindOf classifies ToolErrors.
func (e *ToolError) ErrorKind() core.ErrorKind {
	if e.Code == "" {
		return core.KindExecutionFailed
	}
	return e.Code
}

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, message string, code core.ErrorKind) *ToolError {
	return &ToolError{
		Tool:    tool,
		Message: message,
		Code:    code,
	}
}

// InvalidInput is shorthand for a KindInvalidInput ToolError.
func InvalidInput(tool, format string, args ...any) *ToolError {
	return NewToolError(tool, fmt.Sprintf(format, args...), core.KindInvalidInput)
}

// AsToolError normalizes any error into a *ToolError for tool. Kinded errors
// keep their kind; anything else becomes KindExecutionFailed.
func AsToolError(tool string, err error) *ToolError {
	if err == nil {
		return nil
	}
	if te, ok := err.(*ToolError); ok {
		return te
	}
	return &ToolError{Tool: tool, Message: err.Error(), Code: core.KindOf(err), Details: err}
}

// Base carries the definition of a tool and implements the metadata half
// of the Tool interface. Embed it and implement Execute.
type Base struct {
	Def Definition
}

// Definition implements Tool.
func (b Base) Definition() Definition { return b.Def }

// RequiresConfirmation implements Tool.
func (b Base) RequiresConfirmation() bool { return b.Def.RequiresConfirmation }

// ValidateInput checks input against the declared input schema.
func (b Base) ValidateInput(input map[string]any) error {
	if err := util.ValidateParameters(input, b.Def.InputSchema); err != nil {
		return &ToolError{
			Tool:    b.Def.ID,
			Message: fmt.Sprintf("parameter validation failed: %v", err),
			Code:    core.KindInvalidInput,
			Details: err,
		}
	}
	return nil
}
