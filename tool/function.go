package tool

import (
	"context"
	"time"

	"github.com/hupe1980/agentcrew/internal/util"
	"github.com/hupe1980/agentcrew/logging"
)

// FunctionTool is a generic adapter that exposes a plain Go function as a tool.
//
// Responsibilities:
//   - Holds a JSON-Schema parameter definition
//   - Validates model supplied arguments against that schema (ValidateInput)
//   - Invokes the wrapped function with the caller's context
//   - Normalizes error handling so callers receive *ToolError with taxonomy codes:
//     invalid_input     -> schema / argument mismatch
//     execution_failed  -> underlying function returned a plain error
//     (kinds of *ToolError or *core.Error returned by the function are preserved)
//
// Concurrency:
//
//	A FunctionTool has no internal mutable state after construction and is safe for
//	concurrent use by multiple goroutines.
type FunctionTool struct {
	Base
	fn     func(ctx context.Context, args map[string]any) (any, error)
	logger logging.Logger
}

// FunctionToolOptions configures a FunctionTool.
type FunctionToolOptions struct {
	Logger               logging.Logger
	RequiresConfirmation bool
	OutputSchema         map[string]any
}

// NewFunctionTool constructs a FunctionTool from explicit schema and function.
//
// Example:
//
//	sumTool := NewFunctionTool(
//	  "calculate_sum",
//	  "Calculate the sum of two numbers",
//	  map[string]any{
//	    "type": "object",
//	    "properties": map[string]any{
//	      "a": map[string]any{"type": "number"},
//	      "b": map[string]any{"type": "number"},
//	    },
//	    "required": []string{"a", "b"},
//	  },
//	  func(ctx context.Context, args map[string]any) (any, error) {
//	    return args["a"].(float64) + args["b"].(float64), nil
//	  },
//	)
func NewFunctionTool(
	name, description string,
	parameters map[string]any,
	fn func(ctx context.Context, args map[string]any) (any, error),
	optFns ...func(o *FunctionToolOptions),
) *FunctionTool {
	opts := FunctionToolOptions{Logger: logging.NoOpLogger{}}
	for _, f := range optFns {
		f(&opts)
	}

	return &FunctionTool{
		Base: Base{Def: Definition{
			ID:                   name,
			Name:                 name,
			Description:          description,
			InputSchema:          parameters,
			OutputSchema:         opts.OutputSchema,
			RequiresConfirmation: opts.RequiresConfirmation,
		}},
		fn:     fn,
		logger: logging.OrNoOp(opts.Logger),
	}
}

// NewFunctionToolFromStruct derives the parameter schema from a struct using reflection.
//
// Example:
//
//	type SumArgs struct {
//	  A float64 `json:"a" jsonschema:"description=First addend"`
//	  B float64 `json:"b" jsonschema:"description=Second addend"`
//	}
func NewFunctionToolFromStruct(
	name, description string,
	structType any,
	fn func(ctx context.Context, args map[string]any) (any, error),
	optFns ...func(o *FunctionToolOptions),
) *FunctionTool {
	return NewFunctionTool(name, description, util.SchemaFor(structType), fn, optFns...)
}

// Execute invokes the underlying function. Execution failures are wrapped
// (or passed through) as *ToolError for uniform downstream handling.
func (t *FunctionTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	start := time.Now()
	name := t.Def.ID

	t.logger.Debug("tool.call.start", "tool", name)

	result, err := t.fn(ctx, args)
	if err != nil {
		toolErr := AsToolError(name, err)
		t.logger.Error("tool.call.error", "tool", name, "code", string(toolErr.Code), "error", toolErr.Message)
		return nil, toolErr
	}

	t.logger.Info("tool.call.success", "tool", name, "duration_ms", time.Since(start).Milliseconds())

	return result, nil
}
