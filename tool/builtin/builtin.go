// Package builtin provides the local tools of the execution core: a memory
// store, a workflow task list, a calculator and a user-question tool.
package builtin

import (
	"context"
	"encoding/json"

	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/tool"
)

// Tool names.
const (
	MemoryToolName     = "memory"
	TodoToolName       = "todo"
	CalculatorToolName = "calculator"
	AskUserToolName    = "ask_user"
)

// Register adds every builtin tool to reg.
func Register(reg *tool.Registry) error {
	entries := []tool.Entry{
		{Name: MemoryToolName, Category: tool.CategoryBasic, New: func(deps tool.Deps, _ *tool.ExecContext) (tool.Tool, error) {
			return NewMemoryTool(deps)
		}},
		{Name: TodoToolName, Category: tool.CategoryBasic, New: func(deps tool.Deps, _ *tool.ExecContext) (tool.Tool, error) {
			return NewTodoTool(deps)
		}},
		{Name: CalculatorToolName, Category: tool.CategoryBasic, New: func(tool.Deps, *tool.ExecContext) (tool.Tool, error) {
			return NewCalculatorTool(), nil
		}},
		{Name: AskUserToolName, Category: tool.CategoryBasic, New: func(deps tool.Deps, _ *tool.ExecContext) (tool.Tool, error) {
			return NewAskUserTool(deps, 0)
		}},
	}
	for _, e := range entries {
		if err := reg.Register(e); err != nil {
			return err
		}
	}
	return nil
}

func requireStore(name string, deps tool.Deps) error {
	if deps.Store == nil {
		return core.Errorf(core.KindDependency, "%s tool needs a storage handle", name)
	}
	return nil
}

// workflowID prefers the workflow carried by ctx over the construction-time one.
func workflowID(ctx context.Context, deps tool.Deps) string {
	if id := core.WorkflowID(ctx); id != "" {
		return id
	}
	return deps.WorkflowID
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

// decode converts validated tool arguments into a typed input struct.
func decode[T any](name string, args map[string]any) (T, error) {
	var out T
	raw, err := json.Marshal(args)
	if err != nil {
		return out, tool.InvalidInput(name, "encode arguments: %v", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, tool.InvalidInput(name, "decode arguments: %v", err)
	}
	return out, nil
}
